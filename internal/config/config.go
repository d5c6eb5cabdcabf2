// internal/config/config.go
//
// This package handles configuration and the .ratchet directory structure.
// Every project driven by ratchet gets a .ratchet/ folder created in its root.

package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	// Dir is the name of the directory we create in each project.
	Dir = ".ratchet"

	// EnvPrefix marks environment overrides, e.g. RATCHET_FANOUT_MAX_CHILDREN.
	EnvPrefix = "RATCHET_"

	maxConfigFileSize = 1024 * 1024
)

const defaultConfigYAML = `# ratchet project configuration
version: 1

lifecycle:
  # Empty uses the built-in work package lifecycle.
  path: ""

store:
  path: .ratchet/state/ratchet.db

workspaces:
  root: workspaces

fanout:
  max_children: 20
  child_state: ""

leases:
  ttl: 10m

runner:
  poll_interval: 30s
  rate_limit: 2
  burst: 4
  owner: ""
  # Command run for every automated action; the role is appended as the last
  # argument and the assembled context is written to stdin.
  generator: []
  generator_timeout: 15m

webhook:
  enabled: true
  host: 127.0.0.1
  port: 8765
  max_body_bytes: 1048576
  read_timeout: 15s
  write_timeout: 15s
  idle_timeout: 60s

board:
  path: .ratchet/state/board.json
  # Maps board column names to stage ids when the names differ.
  stage_map: {}

logging:
  level: info
  format: console
`

// LifecycleConfig points at a custom lifecycle definition.
type LifecycleConfig struct {
	Path string `koanf:"path"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `koanf:"path"`
}

// WorkspacesConfig sets where work item workspaces are created.
type WorkspacesConfig struct {
	Root string `koanf:"root"`
}

// FanOutConfig bounds child creation.
type FanOutConfig struct {
	MaxChildren int    `koanf:"max_children"`
	ChildState  string `koanf:"child_state"`
}

// LeasesConfig tunes the action lease.
type LeasesConfig struct {
	TTL time.Duration `koanf:"ttl"`
}

// RunnerConfig tunes the poll loop and the content generator command.
type RunnerConfig struct {
	PollInterval     time.Duration `koanf:"poll_interval"`
	RateLimit        float64       `koanf:"rate_limit"`
	Burst            int           `koanf:"burst"`
	Owner            string        `koanf:"owner"`
	Generator        []string      `koanf:"generator"`
	GeneratorTimeout time.Duration `koanf:"generator_timeout"`
}

// WebhookConfig configures the inbound HTTP server.
type WebhookConfig struct {
	Enabled      bool          `koanf:"enabled"`
	Host         string        `koanf:"host"`
	Port         int           `koanf:"port"`
	MaxBodyBytes int64         `koanf:"max_body_bytes"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
	IdleTimeout  time.Duration `koanf:"idle_timeout"`
}

// BoardConfig configures the board provider.
type BoardConfig struct {
	Path     string            `koanf:"path"`
	StageMap map[string]string `koanf:"stage_map"`
}

// LoggingConfig selects log verbosity and console format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ProjectConfig models .ratchet/config.yaml.
type ProjectConfig struct {
	Version    int              `koanf:"version"`
	Lifecycle  LifecycleConfig  `koanf:"lifecycle"`
	Store      StoreConfig      `koanf:"store"`
	Workspaces WorkspacesConfig `koanf:"workspaces"`
	FanOut     FanOutConfig     `koanf:"fanout"`
	Leases     LeasesConfig     `koanf:"leases"`
	Runner     RunnerConfig     `koanf:"runner"`
	Webhook    WebhookConfig    `koanf:"webhook"`
	Board      BoardConfig      `koanf:"board"`
	Logging    LoggingConfig    `koanf:"logging"`
}

// Config holds the runtime configuration for ratchet.
type Config struct {
	// ProjectDir is the directory ratchet was started from.
	ProjectDir string

	// StateDir is ProjectDir/.ratchet
	StateDir string

	Project ProjectConfig
}

// InitDir creates the .ratchet directory structure in the given project
// directory and writes a commented default config when none exists.
//
// Structure created:
// .ratchet/
// ├── config.yaml
// ├── logs/     <- ratchet.log
// └── state/    <- SQLite store, local board
func InitDir(projectDir string) error {
	stateDir := filepath.Join(projectDir, Dir)
	dirs := []string{
		filepath.Join(stateDir, "logs"),
		filepath.Join(stateDir, "state"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return ensureProjectConfig(filepath.Join(stateDir, "config.yaml"))
}

// Load reads .ratchet/config.yaml (when present) and applies RATCHET_*
// environment overrides on top.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (RATCHET_FANOUT_MAX_CHILDREN -> fanout.max_children)
//  2. .ratchet/config.yaml
//  3. Built-in defaults
func Load(projectDir string) (*Config, error) {
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("config: resolve project dir: %w", err)
	}
	cfg := &Config{
		ProjectDir: abs,
		StateDir:   filepath.Join(abs, Dir),
	}
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider([]byte(defaultConfigYAML)), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}
	data, err := readConfigFile(cfg.ConfigPath())
	if err != nil {
		return nil, err
	}
	if data != nil {
		if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", cfg.ConfigPath(), err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}
	if err := k.Unmarshal("", &cfg.Project); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.Project.applyDefaults()
	cfg.Project.normalize(cfg.ProjectDir)
	if err := cfg.Project.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// envKey maps RATCHET_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// ConfigPath returns the on-disk location of the project config file.
func (c *Config) ConfigPath() string {
	return filepath.Join(c.StateDir, "config.yaml")
}

// LogsDir returns the path to the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.StateDir, "logs")
}

// LogPath returns the JSON log file location.
func (c *Config) LogPath() string {
	return filepath.Join(c.LogsDir(), "ratchet.log")
}

func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("config: stat %s: %w", path, err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config: %s exceeds %d bytes", path, maxConfigFileSize)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return data, nil
}

func (pc *ProjectConfig) applyDefaults() {
	if pc.Version == 0 {
		pc.Version = 1
	}
	if pc.FanOut.MaxChildren <= 0 {
		pc.FanOut.MaxChildren = 20
	}
	if pc.Leases.TTL <= 0 {
		pc.Leases.TTL = 10 * time.Minute
	}
	if pc.Runner.PollInterval <= 0 {
		pc.Runner.PollInterval = 30 * time.Second
	}
	if pc.Runner.RateLimit <= 0 {
		pc.Runner.RateLimit = 2
	}
	if pc.Runner.Burst <= 0 {
		pc.Runner.Burst = 1
	}
	if pc.Board.StageMap == nil {
		pc.Board.StageMap = map[string]string{}
	}
}

func (pc *ProjectConfig) normalize(base string) {
	pc.Lifecycle.Path = resolvePath(base, pc.Lifecycle.Path)
	pc.Store.Path = resolvePath(base, pc.Store.Path)
	pc.Workspaces.Root = resolvePath(base, pc.Workspaces.Root)
	pc.Board.Path = resolvePath(base, pc.Board.Path)
	pc.FanOut.ChildState = strings.TrimSpace(pc.FanOut.ChildState)
	pc.Runner.Owner = strings.TrimSpace(pc.Runner.Owner)
	pc.Webhook.Host = strings.TrimSpace(pc.Webhook.Host)
	pc.Logging.Level = strings.ToLower(strings.TrimSpace(pc.Logging.Level))
	pc.Logging.Format = strings.ToLower(strings.TrimSpace(pc.Logging.Format))
	var generator []string
	for _, arg := range pc.Runner.Generator {
		if arg = strings.TrimSpace(arg); arg != "" {
			generator = append(generator, arg)
		}
	}
	pc.Runner.Generator = generator
}

func (pc *ProjectConfig) validate() error {
	if pc.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	if pc.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if pc.Workspaces.Root == "" {
		return fmt.Errorf("workspaces.root is required")
	}
	if pc.Webhook.Port < 0 || pc.Webhook.Port > 65535 {
		return fmt.Errorf("webhook.port must be between 0 and 65535")
	}
	switch pc.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	switch pc.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format must be 'console' or 'json'")
	}
	return nil
}

func resolvePath(base, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return ""
	}
	if filepath.IsAbs(trimmed) {
		return filepath.Clean(trimmed)
	}
	return filepath.Clean(filepath.Join(base, trimmed))
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultConfigYAML), 0o644)
}
