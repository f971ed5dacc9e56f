// Package config provides configuration loading and validation.
//
// Values are resolved in order: built-in defaults, an optional YAML file,
// then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/easeaico/code-pattern-agent/internal/analysis"
	"github.com/easeaico/code-pattern-agent/internal/match"
	"github.com/easeaico/code-pattern-agent/internal/memory"
)

// Storage backends.
const (
	DBMemory   = "memory"
	DBSQLite   = "sqlite"
	DBPostgres = "postgres"
)

// ErrMissingAPIKey is returned by RequireAPIKey when no key is configured.
var ErrMissingAPIKey = errors.New("GOOGLE_API_KEY environment variable is required")

// Config holds the application configuration.
type Config struct {
	// Pattern storage backend
	DBType      string `yaml:"db_type" validate:"oneof=memory sqlite postgres"`
	// PostgreSQL connection string or SQLite file path
	DatabaseURL string `yaml:"database_url" validate:"required_unless=DBType memory"`
	// Google GenAI API key (agent command and embeddings only)
	APIKey      string `yaml:"api_key"`
	// Root for file tools
	WorkDir     string `yaml:"work_dir" validate:"required"`
	// bbolt ledger file
	LedgerPath  string `yaml:"ledger_path" validate:"required"`
	// Optional seed file loaded at startup
	SeedFile    string `yaml:"seed_file"`
	// zap level
	LogLevel    string `yaml:"log_level" validate:"oneof=debug info warn error"`

	Patterns PatternsConfig `yaml:"patterns"`
	Matcher  MatcherConfig  `yaml:"matcher"`
	Session  SessionConfig  `yaml:"session"`
}

// PatternsConfig tunes the pattern store.
type PatternsConfig struct {
	Limit            int     `yaml:"limit" validate:"gt=0"`
	ComplexityFactor float64 `yaml:"complexity_factor" validate:"gt=0"`
	Analyzer         string  `yaml:"analyzer" validate:"oneof=keyword treesitter"`
	AnalyzeWorkers   int     `yaml:"analyze_workers" validate:"gt=0"`
}

// MatcherConfig tunes ranking.
type MatcherConfig struct {
	Weights            match.Weights `yaml:"weights"`
	SimpleRequestTerms int           `yaml:"simple_request_terms" validate:"gt=0"`
}

// SessionConfig tunes the session pipeline.
type SessionConfig struct {
	CommitTimeout   time.Duration `yaml:"commit_timeout" validate:"gt=0"`
	CommitAttempts  int           `yaml:"commit_attempts" validate:"gte=1,lte=10"`
	CommitBackoff   time.Duration `yaml:"commit_backoff" validate:"gte=0"`
	MaxRequestBytes int           `yaml:"max_request_bytes" validate:"gt=0"`
}

// Default returns the built-in configuration.
func Default() Config {
	wd, _ := os.Getwd()
	return Config{
		DBType:      DBSQLite,
		DatabaseURL: "patterns.db",
		WorkDir:     wd,
		LedgerPath:  "ledger.db",
		LogLevel:    "info",
		Patterns: PatternsConfig{
			Limit:            memory.DefaultPatternLimit,
			ComplexityFactor: analysis.DefaultComplexityFactor,
			Analyzer:         "treesitter",
			AnalyzeWorkers:   4,
		},
		Matcher: MatcherConfig{
			Weights:            match.DefaultWeights(),
			SimpleRequestTerms: match.DefaultSimpleRequestTerms,
		},
		Session: SessionConfig{
			CommitTimeout:   5 * time.Second,
			CommitAttempts:  3,
			CommitBackoff:   100 * time.Millisecond,
			MaxRequestBytes: 4096,
		},
	}
}

// validate is shared; validator.Validate caches struct metadata.
var validate = validator.New()

// Load resolves the configuration. path may be empty to skip the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration against its struct tags.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// RequireAPIKey fails when no GenAI key is configured.
func (c Config) RequireAPIKey() error {
	if c.APIKey == "" {
		return ErrMissingAPIKey
	}
	return nil
}

func applyEnv(cfg *Config) {
	overrides := []struct {
		env    string
		target *string
	}{
		{"DB_TYPE", &cfg.DBType},
		{"DATABASE_URL", &cfg.DatabaseURL},
		{"GOOGLE_API_KEY", &cfg.APIKey},
		{"WORK_DIR", &cfg.WorkDir},
		{"LEDGER_PATH", &cfg.LedgerPath},
		{"SEED_FILE", &cfg.SeedFile},
		{"LOG_LEVEL", &cfg.LogLevel},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.target = v
		}
	}
}
