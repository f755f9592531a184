// Package config holds the validated configuration snapshot for a single
// export pipeline run. All values are sourced from flags or environment
// variables before any I/O happens.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"time"
)

// FailurePolicy decides what happens to a batch once delivery retries are
// exhausted.
type FailurePolicy string

const (
	// FailureHalt stops the pipeline without advancing the source position,
	// so the batch is retried after operator intervention on restart.
	FailureHalt FailurePolicy = "halt"

	// FailureDeadLetter persists the batch to an on-disk dead-letter area
	// and advances the source position past it.
	FailureDeadLetter FailurePolicy = "dead_letter"
)

// ErrInvalid is wrapped by all validation failures so callers can map them
// to a configuration exit code.
var ErrInvalid = errors.New("invalid configuration")

// Config is an immutable snapshot of all pipeline settings.
type Config struct {
	Host  string
	Port  int
	Index string

	FilePath string

	BatchSize   int
	BatchPeriod time.Duration

	LogLevel string
	StateDir string
	OneShot  bool

	Username string
	Password string

	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	MaxElapsed     time.Duration

	OnFailure     FailurePolicy
	DeadLetterDir string

	PollInterval   time.Duration
	EnableFSNotify bool

	ShutdownTimeout time.Duration
	MetricsAddr     string
}

// New returns a Config populated with defaults for all optional fields.
func New() Config {
	return Config{
		Port:            9200,
		BatchSize:       100,
		BatchPeriod:     5 * time.Second,
		LogLevel:        "INFO",
		StateDir:        ".tracetail",
		MaxRetries:      3,
		BackoffInitial:  500 * time.Millisecond,
		BackoffMax:      10 * time.Second,
		MaxElapsed:      time.Minute,
		OnFailure:       FailureHalt,
		PollInterval:    time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Validate checks required fields and value ranges, filling derived
// defaults. It must be called before the config is used.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: store host is required (OPENSEARCH_HOST)", ErrInvalid)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: store port %v is out of range", ErrInvalid, c.Port)
	}
	if c.Index == "" {
		return fmt.Errorf("%w: index name is required (OPENSEARCH_INDEX)", ErrInvalid)
	}
	if c.FilePath == "" {
		return fmt.Errorf("%w: source file path is required (LOG_FILE_PATH)", ErrInvalid)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: batch size must be greater than zero", ErrInvalid)
	}
	if c.BatchPeriod <= 0 {
		return fmt.Errorf("%w: batch period must be greater than zero", ErrInvalid)
	}
	switch c.OnFailure {
	case FailureHalt, FailureDeadLetter:
	default:
		return fmt.Errorf("%w: on-failure policy '%v' not recognised", ErrInvalid, c.OnFailure)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: poll interval must be greater than zero", ErrInvalid)
	}
	if c.DeadLetterDir == "" {
		c.DeadLetterDir = filepath.Join(c.StateDir, "dead_letter")
	}
	return nil
}

// URL returns the store endpoint in the form expected by the client.
func (c *Config) URL() string {
	u := url.URL{Scheme: "http", Host: fmt.Sprintf("%v:%v", c.Host, c.Port)}
	return u.String()
}
