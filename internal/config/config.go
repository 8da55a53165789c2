// Package config loads the shelf configuration file.
//
// The file is YAML. Before decoding it is unified with an embedded CUE
// schema, so unknown keys, misspelled strategies and out-of-range values
// are reported with their file position instead of being silently ignored.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	cueyaml "cuelang.org/go/encoding/yaml"
	"gopkg.in/yaml.v3"

	"github.com/roach88/shelfsync/internal/conflict"
	"github.com/roach88/shelfsync/internal/engine"
	"github.com/roach88/shelfsync/internal/netmon"
)

//go:embed schema.cue
var schemaSource string

// Config is the complete configuration.
type Config struct {
	Database string  `yaml:"database"`
	OwnerID  string  `yaml:"owner_id"`
	Remote   Remote  `yaml:"remote"`
	Sync     Sync    `yaml:"sync"`
	Network  Network `yaml:"network"`
	Log      Log     `yaml:"log"`
}

// Remote configures the HTTP remote. An empty URL selects no remote.
type Remote struct {
	URL          string   `yaml:"url"`
	APIKey       string   `yaml:"api_key"`
	AccessToken  string   `yaml:"access_token"`
	RefreshToken string   `yaml:"refresh_token"`
	Timeout      Duration `yaml:"timeout"`
	RateLimit    float64  `yaml:"rate_limit"`
	Burst        int      `yaml:"burst"`
}

// Sync configures the engine.
type Sync struct {
	MaxRetries       int                          `yaml:"max_retries"`
	FallbackInterval Duration                     `yaml:"fallback_interval"`
	RetryBackoff     Duration                     `yaml:"retry_backoff"`
	MaxBackoff       Duration                     `yaml:"max_backoff"`
	DefaultStrategy  conflict.Strategy            `yaml:"default_strategy"`
	Strategies       map[string]conflict.Strategy `yaml:"strategies"`
}

// Network configures connectivity detection.
type Network struct {
	ProbeAddress string   `yaml:"probe_address"`
	ProbeTimeout Duration `yaml:"probe_timeout"`
	PollInterval Duration `yaml:"poll_interval"`
	Debounce     Duration `yaml:"debounce"`
}

// Log configures logging. An empty File logs to stderr.
type Log struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Database: "shelf.db",
		Remote: Remote{
			Timeout:   Duration(10 * time.Second),
			RateLimit: 10,
			Burst:     5,
		},
		Sync: Sync{
			MaxRetries:       engine.DefaultMaxRetries,
			FallbackInterval: Duration(engine.DefaultFallbackInterval),
			RetryBackoff:     Duration(engine.DefaultRetryBackoff),
			MaxBackoff:       Duration(engine.DefaultMaxBackoff),
			DefaultStrategy:  conflict.DefaultStrategy,
			Strategies:       map[string]conflict.Strategy{},
		},
		Network: Network{
			ProbeAddress: netmon.DefaultProbeAddress,
			ProbeTimeout: Duration(netmon.DefaultProbeTimeout),
			PollInterval: Duration(netmon.DefaultPollInterval),
			Debounce:     Duration(netmon.DefaultDebounce),
		},
		Log: Log{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Debug("no config file, using defaults", "path", path)
		return Default(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(path, data)
}

// Parse validates data against the schema and decodes it over the
// defaults. filename is used in error positions.
func Parse(filename string, data []byte) (Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}
	if err := validate(filename, data); err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config %s: %w", filename, err)
	}
	return cfg, nil
}

// Error is a schema violation.
type Error struct {
	Pos     token.Pos
	Message string
}

func (e *Error) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Message)
	}
	return e.Message
}

func validate(filename string, data []byte) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}

	file, err := cueyaml.Extract(filename, data)
	if err != nil {
		return fmt.Errorf("parse config %s: %w", filename, err)
	}
	doc := ctx.BuildFile(file)
	if err := doc.Err(); err != nil {
		return fmt.Errorf("parse config %s: %w", filename, err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(doc)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return schemaError(err)
	}
	return nil
}

// schemaError converts CUE errors into a list of positioned errors.
func schemaError(err error) error {
	list := cueerrors.Errors(err)
	if len(list) == 0 {
		return &Error{Message: err.Error()}
	}
	errs := make([]error, 0, len(list))
	for _, e := range list {
		pos := e.Position()
		for _, p := range cueerrors.Positions(e) {
			if p.Filename() != "schema.cue" {
				pos = p
				break
			}
		}
		path := strings.Join(e.Path(), ".")
		format, args := e.Msg()
		msg := fmt.Sprintf(format, args...)
		if path != "" {
			msg = path + ": " + msg
		}
		errs = append(errs, &Error{Pos: pos, Message: msg})
	}
	return errors.Join(errs...)
}

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// LogLevel returns the configured slog level.
func (c Config) LogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}
