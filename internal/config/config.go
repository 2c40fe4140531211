// Package config loads convsync settings from defaults, a TOML file and
// CONVSYNC_* environment variables, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/agusx1211/convsync/pkg/protocol"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CONVSYNC_"

// Transports understood by the backend section.
const (
	TransportStdio     = "stdio"
	TransportWebsocket = "websocket"
)

// Backend selects and configures the app-server connection.
type Backend struct {
	Transport      string        `koanf:"transport"`
	Command        string        `koanf:"command"`
	Args           []string      `koanf:"args"`
	URL            string        `koanf:"url"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

// Conversation holds defaults for newly created conversations.
type Conversation struct {
	Profile               string `koanf:"profile"`
	Model                 string `koanf:"model"`
	ApprovalPolicy        string `koanf:"approval_policy"`
	Sandbox               string `koanf:"sandbox"`
	IncludePlanTool       bool   `koanf:"include_plan_tool"`
	IncludeApplyPatchTool bool   `koanf:"include_apply_patch_tool"`
}

// Config is the full convsync configuration.
type Config struct {
	Backend      Backend      `koanf:"backend"`
	Conversation Conversation `koanf:"conversation"`
	StateDir     string       `koanf:"state_dir"`
	Debug        bool         `koanf:"debug"`
}

// topLevel lists keys whose underscores are part of the name.
var topLevel = map[string]bool{"state_dir": true, "debug": true}

// sections are the tables env overrides may address. Other CONVSYNC_*
// variables (CONVSYNC_DEBUG_LOG_PATH, ...) belong to other packages.
var sections = map[string]bool{"backend": true, "conversation": true}

func defaults() map[string]any {
	return map[string]any{
		"backend.transport":       TransportStdio,
		"backend.command":         "codex",
		"backend.args":            []string{"app-server"},
		"backend.request_timeout": "60s",
		"state_dir":               "",
		"debug":                   false,
	}
}

// DefaultPath returns ~/.convsync/config.toml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".convsync", "config.toml")
	}
	return filepath.Join(home, ".convsync", "config.toml")
}

// Load reads configuration. An explicit path must exist; the default path
// is optional.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config %s: %w", path, err)
		}
	} else if explicit {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if cfg.StateDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.StateDir = filepath.Join(home, ".convsync")
		}
	}
	return &cfg, nil
}

// envKey maps CONVSYNC_BACKEND_REQUEST_TIMEOUT to backend.request_timeout.
// It returns "" for variables that name no config key, which koanf skips.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	if topLevel[key] {
		return key
	}
	section, rest, ok := strings.Cut(key, "_")
	if !ok || rest == "" || !sections[section] {
		return ""
	}
	return section + "." + rest
}

// Validate checks the backend section.
func Validate(cfg *Config) error {
	switch cfg.Backend.Transport {
	case TransportStdio:
		if strings.TrimSpace(cfg.Backend.Command) == "" {
			return fmt.Errorf("backend.command is required for the %s transport", TransportStdio)
		}
	case TransportWebsocket:
		if !strings.HasPrefix(cfg.Backend.URL, "ws://") && !strings.HasPrefix(cfg.Backend.URL, "wss://") {
			return fmt.Errorf("backend.url must be a ws:// or wss:// URL, got %q", cfg.Backend.URL)
		}
	default:
		return fmt.Errorf("unknown backend.transport %q", cfg.Backend.Transport)
	}
	if cfg.Backend.RequestTimeout < 0 {
		return fmt.Errorf("backend.request_timeout must not be negative")
	}
	return nil
}

// ConversationParams returns creation params for a working directory.
func (c *Config) ConversationParams(cwd string) protocol.NewConversationParams {
	return protocol.NewConversationParams{
		Model:                 c.Conversation.Model,
		Profile:               c.Conversation.Profile,
		Cwd:                   cwd,
		ApprovalPolicy:        c.Conversation.ApprovalPolicy,
		Sandbox:               c.Conversation.Sandbox,
		IncludePlanTool:       c.Conversation.IncludePlanTool,
		IncludeApplyPatchTool: c.Conversation.IncludeApplyPatchTool,
	}
}

// Sample is written by `convsync init-config`.
const Sample = `# convsync configuration

[backend]
transport = "stdio"          # or "websocket"
command = "codex"
args = ["app-server"]
# url = "ws://127.0.0.1:4500"
request_timeout = "60s"

[conversation]
# model = "gpt-5"
# approval_policy = "on-request"
# sandbox = "workspace-write"
`

// WriteSample creates a sample config at path, refusing to overwrite.
func WriteSample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("configuration file already exists at %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(Sample), 0o644)
}
