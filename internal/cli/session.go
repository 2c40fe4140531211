package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/agusx1211/convsync/internal/backend"
	"github.com/agusx1211/convsync/internal/buildinfo"
	"github.com/agusx1211/convsync/internal/config"
	"github.com/agusx1211/convsync/internal/debug"
	"github.com/agusx1211/convsync/internal/engine"
	"github.com/agusx1211/convsync/internal/recording"
	"github.com/agusx1211/convsync/internal/store"
)

// session bundles a connected backend with the engine fed by it.
type session struct {
	client   *backend.Reconnector
	engine   *engine.Engine
	store    *store.Store
	recorder *recording.Recorder
}

func (s *session) Close() {
	if err := s.client.Close(); err != nil {
		debug.LogKV("cli", "closing backend", "error", err)
	}
	s.engine.Close()
}

func dial(ctx context.Context, cfg *config.Config) (backend.Conn, error) {
	switch cfg.Backend.Transport {
	case config.TransportWebsocket:
		return backend.DialWS(ctx, cfg.Backend.URL, nil)
	default:
		return backend.StartProcess(context.WithoutCancel(ctx), backend.ProcessOptions{
			Binary: cfg.Backend.Command,
			Args:   cfg.Backend.Args,
		})
	}
}

// connect dials the backend and completes the handshake. It runs for the
// first connection and again after every backend exit.
func connect(ctx context.Context, cfg *config.Config, eng *engine.Engine, onExit func(error)) (*backend.Client, error) {
	conn, err := dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c := backend.NewClient(conn,
		backend.WithClientInfo(buildinfo.ClientInfo()),
		backend.WithRequestTimeout(cfg.Backend.RequestTimeout),
		backend.WithNotificationHandler(func(raw []byte) { eng.HandleNotification(raw) }),
		backend.WithExitHandler(onExit),
	)
	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := c.Start(startCtx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// openSession connects to the backend and wires an engine to it. With
// record set, every notification is also written to a recording.
func openSession(ctx context.Context, cfg *config.Config, record bool) (*session, error) {
	st, err := store.New(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := st.Init(); err != nil {
		return nil, fmt.Errorf("initializing state dir: %w", err)
	}

	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	s := &session{store: st}
	if record {
		name := time.Now().UTC().Format("20060102T150405") + "_" + uuid.NewString()[:8]
		s.recorder = recording.New(name, st)
		s.recorder.RecordMeta("transport", cfg.Backend.Transport)
	}

	var eng *engine.Engine
	s.client = backend.NewReconnector(func(ctx context.Context, onExit func(error)) (*backend.Client, error) {
		return connect(ctx, cfg, eng, onExit)
	}, func(err error) { eng.HandleBackendExit(err) })
	eng = engine.New(engine.Options{
		Backend:  s.client,
		Store:    st,
		Recorder: s.recorder,
		Params:   cfg.ConversationParams,
	})
	s.engine = eng
	if err := eng.Load(); err != nil {
		debug.LogKV("cli", "conversation index unreadable, starting empty", "error", err)
	}

	if err := s.client.Connect(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func absPath(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	if info, err := os.Stat(abs); err != nil {
		return "", err
	} else if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", abs)
	}
	return abs, nil
}
