package backend

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/coder/websocket"

	"github.com/agusx1211/convsync/internal/debug"
)

// Conn carries whole JSON-RPC messages in both directions.
type Conn interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, data []byte) error
	Close() error
}

// ProcessOptions describes the app-server subprocess.
type ProcessOptions struct {
	Binary string
	Args   []string
	Dir    string
	Env    map[string]string
	// Stderr receives the subprocess's stderr, chunk by chunk.
	Stderr func([]byte)
}

// StdioConn speaks newline-delimited JSON with a subprocess.
type StdioConn struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader

	writeMu  sync.Mutex
	mu       sync.Mutex
	stopping bool

	waitOnce sync.Once
	exited   chan struct{}
	waitErr  error
}

// StartProcess spawns the app-server and returns a connection to it.
func StartProcess(ctx context.Context, opts ProcessOptions) (*StdioConn, error) {
	if opts.Binary == "" {
		return nil, &ProcessError{Message: "no app-server binary configured"}
	}
	cmd := exec.CommandContext(ctx, opts.Binary, opts.Args...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range opts.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &ProcessError{Message: "failed to get stdin pipe", Cause: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &ProcessError{Message: "failed to get stdout pipe", Cause: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &ProcessError{Message: "failed to get stderr pipe", Cause: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &ProcessError{Message: "failed to start app-server", Cause: err}
	}
	debug.LogKV("backend", "app-server started", "binary", opts.Binary, "pid", cmd.Process.Pid)

	c := &StdioConn{
		cmd:    cmd,
		stdin:  stdin,
		reader: bufio.NewReaderSize(stdout, 64*1024),
		exited: make(chan struct{}),
	}
	go drainStderr(stderr, opts.Stderr)
	return c, nil
}

func drainStderr(r io.Reader, handler func([]byte)) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if handler != nil {
				handler(append([]byte(nil), buf[:n]...))
			} else {
				debug.LogKV("backend", "app-server stderr", "text", string(bytes.TrimSpace(buf[:n])))
			}
		}
		if err != nil {
			return
		}
	}
}

// ReadMessage returns the next non-empty line. When stdout closes it
// reports the process exit as a *ProcessError.
func (c *StdioConn) ReadMessage(ctx context.Context) ([]byte, error) {
	for {
		line, err := c.reader.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			return line, nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, c.exitError()
			}
			return nil, err
		}
	}
}

// WriteMessage writes data followed by a newline.
func (c *StdioConn) WriteMessage(ctx context.Context, data []byte) error {
	c.mu.Lock()
	stopping := c.stopping
	c.mu.Unlock()
	if stopping {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

func (c *StdioConn) wait() {
	c.waitOnce.Do(func() {
		c.waitErr = c.cmd.Wait()
		close(c.exited)
	})
}

func (c *StdioConn) exitError() error {
	c.wait()
	var exitErr *exec.ExitError
	if errors.As(c.waitErr, &exitErr) {
		return &ProcessError{Message: "app-server exited", ExitCode: exitErr.ExitCode(), Cause: c.waitErr}
	}
	if c.waitErr != nil {
		return &ProcessError{Message: "app-server exited", Cause: c.waitErr}
	}
	return &ProcessError{Message: "app-server exited", Cause: io.EOF}
}

// Close stops the subprocess: stdin is closed first, then SIGINT, then
// SIGKILL.
func (c *StdioConn) Close() error {
	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		return nil
	}
	c.stopping = true
	c.mu.Unlock()

	_ = c.stdin.Close()
	go c.wait()

	select {
	case <-c.exited:
		return nil
	case <-time.After(500 * time.Millisecond):
	}
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Signal(syscall.SIGINT)
	}
	select {
	case <-c.exited:
		return nil
	case <-time.After(500 * time.Millisecond):
	}
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	select {
	case <-c.exited:
	case <-time.After(200 * time.Millisecond):
		return &ProcessError{Message: "app-server did not exit"}
	}
	return nil
}

// WSConn carries one JSON-RPC message per websocket text frame.
type WSConn struct {
	ws *websocket.Conn
}

// DialWS connects to an app-server listening on a websocket URL.
func DialWS(ctx context.Context, url string, header http.Header) (*WSConn, error) {
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, &TransportError{Op: "dial " + url, Cause: err}
	}
	ws.SetReadLimit(16 << 20)
	return &WSConn{ws: ws}, nil
}

// NewWSConn wraps an established websocket.
func NewWSConn(ws *websocket.Conn) *WSConn {
	return &WSConn{ws: ws}
}

func (c *WSConn) ReadMessage(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return nil, err
		}
		if typ != websocket.MessageText {
			debug.LogKV("backend", "ignoring binary websocket frame", "bytes", len(data))
			continue
		}
		return data, nil
	}
}

func (c *WSConn) WriteMessage(ctx context.Context, data []byte) error {
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c *WSConn) Close() error {
	if err := c.ws.Close(websocket.StatusNormalClosure, "client closing"); err != nil {
		return fmt.Errorf("closing websocket: %w", err)
	}
	return nil
}
