// Package debug provides a verbose structured logger for development diagnostics.
//
// When enabled via --debug, every significant sync event (envelope drops,
// stale-reference recoveries, RPC traffic, backend lifecycle) is written as a
// zerolog JSON line to a single .log file under <state_dir>/debug/. Lines
// carry the component, pid, process label and caller so a session can be
// reconstructed after the fact.
//
// When disabled (the default), all logging functions are no-ops.
package debug

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// logger is the global debug logger. nil when debug mode is off.
var (
	logger   *Logger
	loggerMu sync.RWMutex
)

const (
	// EnvEnabled toggles debug logger initialization.
	EnvEnabled = "CONVSYNC_DEBUG"
	// EnvLogPath forces logs to be written to a specific file.
	EnvLogPath = "CONVSYNC_DEBUG_LOG_PATH"
	// EnvProcess labels the current process in every emitted log line.
	EnvProcess = "CONVSYNC_DEBUG_PROCESS"
)

// Logger writes structured debug lines to a file or writer.
type Logger struct {
	zl        zerolog.Logger
	closer    io.Closer
	path      string
	startedAt time.Time
}

// Init initializes the global debug logger. It creates <stateDir>/debug/ if
// needed and opens a log file named with the current timestamp and a short
// random ID. Returns the log file path.
func Init(stateDir string) (string, error) {
	loggerMu.RLock()
	if logger != nil {
		p := logger.path
		loggerMu.RUnlock()
		return p, nil
	}
	loggerMu.RUnlock()

	path, err := resolveLogPath(stateDir)
	if err != nil {
		return "", err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return "", fmt.Errorf("debug: open log %s: %w", path, err)
	}

	l := newLogger(f, path)
	l.closer = f

	loggerMu.Lock()
	if logger != nil {
		p := logger.path
		loggerMu.Unlock()
		_ = f.Close()
		return p, nil
	}
	logger = l
	loggerMu.Unlock()

	l.zl.Info().Str("component", "debug").Str("file", path).Msg("debug log opened")
	return path, nil
}

// InitWriter installs a logger writing to w, replacing any active one.
// With console set, lines are rendered human-readable instead of JSON.
func InitWriter(w io.Writer, console bool) {
	if console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}
	}
	l := newLogger(w, "")
	loggerMu.Lock()
	old := logger
	logger = l
	loggerMu.Unlock()
	if old != nil && old.closer != nil {
		_ = old.closer.Close()
	}
}

func newLogger(w io.Writer, path string) *Logger {
	zl := zerolog.New(w).With().
		Timestamp().
		Int("pid", os.Getpid()).
		Str("process", processLabel()).
		Logger().
		Level(zerolog.DebugLevel)
	return &Logger{zl: zl, path: path, startedAt: time.Now()}
}

// Close flushes and closes the debug log. Safe to call when not initialized.
func Close() {
	loggerMu.Lock()
	l := logger
	logger = nil
	loggerMu.Unlock()

	if l == nil {
		return
	}
	l.zl.Info().Str("component", "debug").Dur("duration", time.Since(l.startedAt)).Msg("debug log closed")
	if l.closer != nil {
		_ = l.closer.Close()
	}
}

// Enabled returns true if the debug logger is active.
func Enabled() bool {
	loggerMu.RLock()
	e := logger != nil
	loggerMu.RUnlock()
	return e
}

// Path returns the log file path, or "" if not enabled or writing to a stream.
func Path() string {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	if l == nil {
		return ""
	}
	return l.path
}

// ShouldEnableFromEnv returns true when debug logging should be initialized
// based on environment variables.
func ShouldEnableFromEnv() bool {
	path := strings.TrimSpace(os.Getenv(EnvLogPath))
	toggle := strings.TrimSpace(strings.ToLower(os.Getenv(EnvEnabled)))
	switch toggle {
	case "":
		return path != ""
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return path != ""
	}
}

// Log writes a debug line. No-op when debug is disabled.
func Log(component, msg string) {
	l := current()
	if l == nil {
		return
	}
	l.write(component, msg, nil)
}

// Logf writes a formatted debug line. No-op when debug is disabled.
func Logf(component, format string, args ...any) {
	l := current()
	if l == nil {
		return
	}
	l.write(component, fmt.Sprintf(format, args...), nil)
}

// LogKV writes a debug line with key-value context pairs.
// Usage: debug.LogKV("ingest", "dropped envelope", "reason", err, "conversation_id", id)
func LogKV(component, msg string, kvs ...any) {
	l := current()
	if l == nil {
		return
	}
	l.write(component, msg, kvs)
}

func current() *Logger {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	return l
}

// write emits one line; callers are always one frame above Log/Logf/LogKV.
func (l *Logger) write(component, msg string, kvs []any) {
	ev := l.zl.Debug().Str("component", component).Caller(2)
	for i := 0; i+1 < len(kvs); i += 2 {
		key := fmt.Sprint(kvs[i])
		switch v := kvs[i+1].(type) {
		case error:
			ev = ev.AnErr(key, v)
		case string:
			ev = ev.Str(key, v)
		case int:
			ev = ev.Int(key, v)
		case bool:
			ev = ev.Bool(key, v)
		case time.Duration:
			ev = ev.Dur(key, v)
		default:
			ev = ev.Interface(key, v)
		}
	}
	ev.Msg(msg)
}

func resolveLogPath(stateDir string) (string, error) {
	if p := strings.TrimSpace(os.Getenv(EnvLogPath)); p != "" {
		dir := filepath.Dir(p)
		if dir != "." && dir != string(filepath.Separator) {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return "", fmt.Errorf("debug: create dir %s: %w", dir, err)
			}
		}
		return p, nil
	}

	if stateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("debug: user home dir: %w", err)
		}
		stateDir = filepath.Join(home, ".convsync")
	}
	dir := filepath.Join(stateDir, "debug")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("debug: create dir %s: %w", dir, err)
	}

	id := strings.SplitN(uuid.NewString(), "-", 2)[0]
	filename := fmt.Sprintf("%s_%s.log", time.Now().Format("20060102T150405"), id)
	return filepath.Join(dir, filename), nil
}

func processLabel() string {
	if p := strings.TrimSpace(os.Getenv(EnvProcess)); p != "" {
		return p
	}
	base := filepath.Base(os.Args[0])
	for _, arg := range os.Args[1:] {
		arg = strings.TrimSpace(arg)
		if arg == "" || strings.HasPrefix(arg, "-") {
			continue
		}
		return base + ":" + arg
	}
	return base
}
