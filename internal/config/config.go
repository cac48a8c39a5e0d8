package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
)

// FileName is the TOML config file inside the ccbot directory.
const FileName = "config.toml"

// DirEnv overrides the ccbot base directory (default ~/.ccbot).
const DirEnv = "CCBOT_DIR"

// Config represents ccbot configuration in TOML format.
type Config struct {
	Telegram TelegramSettings `toml:"telegram"`
	Tmux     TmuxSettings     `toml:"tmux"`
	Claude   ClaudeSettings   `toml:"claude"`
	Hooks    HookSettings     `toml:"hooks"`
	Monitor  MonitorSettings  `toml:"monitor"`
	Log      LogSettings      `toml:"log"`

	// StatePath is the SQLite state database.
	// Default: <ccbot dir>/state.db
	StatePath string `toml:"state_path"`

	// Dir is the resolved ccbot directory; not read from the file.
	Dir string `toml:"-"`
}

// TelegramSettings defines the bot token and the user allow-list.
type TelegramSettings struct {
	// Token is the Telegram bot token from @BotFather
	Token string `toml:"token"`

	// AllowedUsers are the Telegram user IDs allowed to talk to the bot.
	// Empty means nobody.
	AllowedUsers []int64 `toml:"allowed_users"`

	// SendRate is the outbound message rate per second (default: 25)
	SendRate float64 `toml:"send_rate"`

	// SendBurst is the outbound burst size (default: 5)
	SendBurst int `toml:"send_burst"`
}

// TmuxSettings defines the managed tmux session.
type TmuxSettings struct {
	// SessionName is the tmux session holding every assistant window (default: "ccbot")
	SessionName string `toml:"session_name"`

	// MainWindow is the placeholder window created with the session (default: "__main__")
	MainWindow string `toml:"main_window"`
}

// ClaudeSettings defines how the assistant is launched.
type ClaudeSettings struct {
	// Command is typed into each new window (default: "claude")
	Command string `toml:"command"`

	// ConfigDir is Claude's config directory, where settings.json lives.
	// Default: ~/.claude (or CLAUDE_CONFIG_DIR env var)
	ConfigDir string `toml:"config_dir"`
}

// HookSettings defines the embedded hook receiver.
type HookSettings struct {
	// Port on 127.0.0.1 (default: 8787). Negative disables the server.
	Port int `toml:"port"`
}

// MonitorSettings defines transcript tailing and housekeeping.
type MonitorSettings struct {
	// PollIntervalMs is the fallback poll interval (default: 2000)
	PollIntervalMs int `toml:"poll_interval_ms"`

	// ReconcileSpec is a cron spec for pruning vanished windows (default: "@every 1m")
	ReconcileSpec string `toml:"reconcile_spec"`
}

// LogSettings mirrors logging.Config for the file sink.
type LogSettings struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// envOverrides are the environment variables honoured on top of the file.
type envOverrides struct {
	Token        string  `envconfig:"TELEGRAM_BOT_TOKEN"`
	AllowedUsers []int64 `envconfig:"ALLOWED_USERS"`
	SessionName  string  `envconfig:"TMUX_SESSION_NAME"`
	Command      string  `envconfig:"CLAUDE_COMMAND"`
	ClaudeDir    string  `envconfig:"CLAUDE_CONFIG_DIR"`
	HookPort     *int    `envconfig:"CCBOT_HOOK_PORT"`
	LogLevel     string  `envconfig:"CCBOT_LOG_LEVEL"`
}

// Dir returns the ccbot directory (~/.ccbot or $CCBOT_DIR).
func Dir() (string, error) {
	if d := os.Getenv(DirEnv); d != "" {
		return ExpandPath(d), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".ccbot"), nil
}

// Load reads <dir>/config.toml (missing file is fine), applies environment
// overrides and fills defaults.
func Load() (*Config, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	return LoadFrom(dir)
}

// LoadFrom is Load with an explicit ccbot directory.
func LoadFrom(dir string) (*Config, error) {
	var cfg Config
	path := filepath.Join(dir, FileName)
	if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Dir = dir

	var env envOverrides
	if err := envconfig.Process("", &env); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	cfg.applyEnv(env)
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv(env envOverrides) {
	if env.Token != "" {
		c.Telegram.Token = env.Token
	}
	if len(env.AllowedUsers) > 0 {
		c.Telegram.AllowedUsers = env.AllowedUsers
	}
	if env.SessionName != "" {
		c.Tmux.SessionName = env.SessionName
	}
	if env.Command != "" {
		c.Claude.Command = env.Command
	}
	if env.ClaudeDir != "" && c.Claude.ConfigDir == "" {
		c.Claude.ConfigDir = env.ClaudeDir
	}
	if env.HookPort != nil {
		c.Hooks.Port = *env.HookPort
	}
	if env.LogLevel != "" {
		c.Log.Level = env.LogLevel
	}
}

func (c *Config) applyDefaults() {
	if c.Tmux.SessionName == "" {
		c.Tmux.SessionName = "ccbot"
	}
	if c.Tmux.MainWindow == "" {
		c.Tmux.MainWindow = "__main__"
	}
	if c.Claude.Command == "" {
		c.Claude.Command = "claude"
	}
	if c.Claude.ConfigDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Claude.ConfigDir = filepath.Join(home, ".claude")
		}
	} else {
		c.Claude.ConfigDir = ExpandPath(c.Claude.ConfigDir)
	}
	if c.Hooks.Port == 0 {
		c.Hooks.Port = 8787
	}
	if c.Monitor.PollIntervalMs <= 0 {
		c.Monitor.PollIntervalMs = 2000
	}
	if c.Monitor.ReconcileSpec == "" {
		c.Monitor.ReconcileSpec = "@every 1m"
	}
	if c.Telegram.SendRate <= 0 {
		c.Telegram.SendRate = 25
	}
	if c.Telegram.SendBurst <= 0 {
		c.Telegram.SendBurst = 5
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.StatePath == "" {
		c.StatePath = filepath.Join(c.Dir, "state.db")
	} else {
		c.StatePath = ExpandPath(c.StatePath)
	}
}

// HooksEnabled reports whether the hook receiver should run.
func (c *Config) HooksEnabled() bool {
	return c.Hooks.Port > 0
}

// Validate checks the settings the bot cannot run without.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram token not set (TELEGRAM_BOT_TOKEN or [telegram] token)")
	}
	if len(c.Telegram.AllowedUsers) == 0 {
		return errors.New("no allowed users configured (ALLOWED_USERS or [telegram] allowed_users)")
	}
	if c.Hooks.Port > 65535 {
		return fmt.Errorf("hook port %d out of range", c.Hooks.Port)
	}
	return nil
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
