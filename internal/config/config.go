package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"

	"github.com/matheus3301/chatmirror/internal/archive"
)

// EnvPrefix prefixes environment overrides, e.g. CHATMIRROR_IMAP_PASSWORD.
const EnvPrefix = "CHATMIRROR"

// Store backends.
const (
	BackendSQLite = "sqlite"
	BackendIMAP   = "imap"
	BackendMemory = "memory"
)

// Config represents the global ~/.chatmirror/config.toml.
type Config struct {
	DefaultSession string          `toml:"default_session" envconfig:"DEFAULT_SESSION"`
	Archive        ArchiveConfig   `toml:"archive" envconfig:"ARCHIVE"`
	Source         SourceConfig    `toml:"source" envconfig:"SOURCE"`
	IMAP           IMAPConfig      `toml:"imap" envconfig:"IMAP"`
	Contexts       []ContextConfig `toml:"contexts" ignored:"true"`
}

// ArchiveConfig tunes the archive store and the sweeper.
type ArchiveConfig struct {
	Backend         string   `toml:"backend" envconfig:"BACKEND"`
	Workers         int      `toml:"workers" envconfig:"WORKERS"`
	SweepInterval   Duration `toml:"sweep_interval" envconfig:"SWEEP_INTERVAL"`
	ResolveInterval Duration `toml:"resolve_interval" envconfig:"RESOLVE_INTERVAL"`
	LockTimeout     Duration `toml:"lock_timeout" envconfig:"LOCK_TIMEOUT"`
}

// SourceConfig locates the chat exports. An empty DumpDir means the
// session's own source directory.
type SourceConfig struct {
	DumpDir string `toml:"dump_dir" envconfig:"DUMP_DIR"`
}

// IMAPConfig is used when Archive.Backend is "imap".
type IMAPConfig struct {
	Address  string `toml:"address" envconfig:"ADDRESS"`
	Username string `toml:"username" envconfig:"USERNAME"`
	Password string `toml:"password,omitempty" envconfig:"PASSWORD"`
	TLS      bool   `toml:"tls" envconfig:"TLS"`
	Root     string `toml:"root" envconfig:"ROOT"`
}

// ContextConfig names one tenant/participant pair to archive.
type ContextConfig struct {
	Tenant      string `toml:"tenant"`
	Participant string `toml:"participant"`
}

// Duration is a time.Duration written as "5m" in TOML and the environment.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Default returns the configuration used for keys absent from the file.
func Default() *Config {
	return &Config{
		Archive: ArchiveConfig{
			Backend:         BackendSQLite,
			Workers:         4,
			SweepInterval:   Duration(5 * time.Minute),
			ResolveInterval: Duration(30 * time.Second),
			LockTimeout:     Duration(30 * time.Second),
		},
		IMAP: IMAPConfig{TLS: true, Root: "chatmirror"},
	}
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Resolve layers the file at path over Default and the environment over
// both, then validates. A missing file is not an error.
func Resolve(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with CHATMIRROR_* variables that are set.
func ApplyEnv(cfg *Config) error {
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return fmt.Errorf("failed to process environment variables: %w", err)
	}
	return nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Archive.Backend {
	case BackendSQLite, BackendMemory:
	case BackendIMAP:
		if c.IMAP.Address == "" || c.IMAP.Username == "" {
			errs = append(errs, errors.New("imap backend needs imap.address and imap.username"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported archive.backend %q", c.Archive.Backend))
	}
	if c.Archive.Workers <= 0 {
		errs = append(errs, fmt.Errorf("archive.workers must be positive, got %d", c.Archive.Workers))
	}
	for name, d := range map[string]Duration{
		"sweep_interval":   c.Archive.SweepInterval,
		"resolve_interval": c.Archive.ResolveInterval,
		"lock_timeout":     c.Archive.LockTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("archive.%s must be positive", name))
		}
	}
	if len(c.Contexts) == 0 {
		errs = append(errs, errors.New("at least one [[contexts]] entry is required"))
	}
	seen := make(map[ContextConfig]bool, len(c.Contexts))
	for i, cc := range c.Contexts {
		if cc.Tenant == "" || cc.Participant == "" {
			errs = append(errs, fmt.Errorf("contexts[%d] needs tenant and participant", i))
			continue
		}
		if seen[cc] {
			errs = append(errs, fmt.Errorf("contexts[%d] duplicates %s/%s", i, cc.Tenant, cc.Participant))
		}
		seen[cc] = true
	}
	return errors.Join(errs...)
}

// ArchiveContexts returns the configured contexts.
func (c *Config) ArchiveContexts() []archive.Context {
	out := make([]archive.Context, len(c.Contexts))
	for i, cc := range c.Contexts {
		out[i] = archive.Context{Tenant: cc.Tenant, Participant: cc.Participant}
	}
	return out
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
