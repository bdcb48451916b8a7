// Package config loads optisync settings from YAML.
//
// A file is checked against the embedded CUE schema before it is decoded,
// so unknown keys and out-of-range values are reported with their path.
// Every field has a default; an empty file is a valid configuration.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/roach88/optisync/internal/optimistic"
	"github.com/roach88/optisync/internal/session"
	"github.com/roach88/optisync/internal/store"
)

//go:embed schema.cue
var schemaSource string

// Config is the full settings tree.
type Config struct {
	Store      StoreConfig      `yaml:"store"`
	Local      LocalConfig      `yaml:"local"`
	Session    SessionConfig    `yaml:"session"`
	Optimistic OptimisticConfig `yaml:"optimistic"`
	Realtime   RealtimeConfig   `yaml:"realtime"`
	Log        LogConfig        `yaml:"log"`
}

// StoreConfig locates the remote authority.
type StoreConfig struct {
	Path         string        `yaml:"path"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// LocalConfig locates client-local state such as the unread watermark.
type LocalConfig struct {
	Path string `yaml:"path"`
}

type SessionConfig struct {
	ResolveTimeout time.Duration `yaml:"resolve_timeout"`
}

type OptimisticConfig struct {
	Serialization string `yaml:"serialization"`
}

// RealtimeConfig holds subscription settings. An empty filter selects the
// built-in notification filter.
type RealtimeConfig struct {
	NotificationFilter string `yaml:"notification_filter"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Path:         "optisync.db",
			PollInterval: store.DefaultPollInterval,
		},
		Local:      LocalConfig{Path: "optisync-local.db"},
		Session:    SessionConfig{ResolveTimeout: session.DefaultResolveTimeout},
		Optimistic: OptimisticConfig{Serialization: optimistic.PerKey.String()},
		Log:        LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path. An empty path returns Default.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse validates data against the schema and decodes it over Default.
func Parse(data []byte) (Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	if err := validate(raw); err != nil {
		return Config{}, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func validate(raw map[string]any) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(ctx.Encode(raw))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return &ValidationError{Details: cueerrors.Details(err, nil)}
	}
	return nil
}

// ValidationError reports a file that does not match the schema.
type ValidationError struct {
	Details string
}

func (e *ValidationError) Error() string {
	return "invalid config: " + e.Details
}

// IsValidationError reports whether err is a schema violation.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Serialization returns the parsed commit ordering.
func (c Config) Serialization() (optimistic.Serialization, error) {
	return optimistic.ParseSerialization(c.Optimistic.Serialization)
}

// SlogLevel maps log.level to a slog level.
func (c Config) SlogLevel() slog.Level {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the process logger described by the log section.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
