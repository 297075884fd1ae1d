// Package jobdef loads and validates job definition files.
//
// A job definition is a TOML document describing what to run (handler,
// input), how to slice it (batch size), what to request from the scheduler
// (resources), and the retry and rate-limit policy. Validation is strict:
// every limit must be finite and positive, there are no hidden defaults
// for retry or rate-limit policy.
package jobdef

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml"
)

// Resources describes the scheduler resource request for worker tasks.
type Resources struct {
	Partition string `toml:"partition"`
	CPUs      int    `toml:"cpus"`
	MemoryGB  int    `toml:"memory_gb"`
	TimeLimit string `toml:"time_limit"` // scheduler format, e.g. "1:00:00"
	Account   string `toml:"account"`
}

// RetryPolicy bounds automatic retries of transient task failures.
type RetryPolicy struct {
	MaxRetries         int `toml:"max_retries"`
	BaseBackoffSeconds int `toml:"base_backoff_seconds"`
	MaxBackoffSeconds  int `toml:"max_backoff_seconds"`
}

// RateLimit configures the per-job token bucket.
type RateLimit struct {
	Capacity   int     `toml:"capacity"`
	RefillRate float64 `toml:"refill_rate"` // tokens per second
}

// Definition is a parsed job definition.
type Definition struct {
	Name        string `toml:"name"`
	Description string `toml:"description"`
	Priority    string `toml:"priority"`

	Handler        string `toml:"handler"`
	InputLocation  string `toml:"input_location"`
	OutputLocation string `toml:"output_location"`
	BatchSize      int    `toml:"batch_size"`

	Resources   Resources   `toml:"resources"`
	RetryPolicy RetryPolicy `toml:"retry_policy"`
	RateLimit   RateLimit   `toml:"rate_limit"`
}

// Load reads and validates a definition from a TOML file.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job definition: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a TOML definition.
func Parse(data []byte) (*Definition, error) {
	def := new(Definition)
	if err := toml.Unmarshal(data, def); err != nil {
		return nil, fmt.Errorf("parse job definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// Validate checks all required fields and limits.
func (d *Definition) Validate() error {
	switch {
	case d.Name == "":
		return fmt.Errorf("job definition: name is required")
	case d.Handler == "":
		return fmt.Errorf("job definition: handler is required")
	case d.InputLocation == "":
		return fmt.Errorf("job definition: input_location is required")
	case d.OutputLocation == "":
		return fmt.Errorf("job definition: output_location is required")
	case d.BatchSize <= 0:
		return fmt.Errorf("job definition: batch_size must be positive, got %d", d.BatchSize)
	case d.RetryPolicy.MaxRetries <= 0:
		return fmt.Errorf("job definition: retry_policy.max_retries must be positive, got %d", d.RetryPolicy.MaxRetries)
	case d.RetryPolicy.BaseBackoffSeconds <= 0:
		return fmt.Errorf("job definition: retry_policy.base_backoff_seconds must be positive, got %d", d.RetryPolicy.BaseBackoffSeconds)
	case d.RetryPolicy.MaxBackoffSeconds < d.RetryPolicy.BaseBackoffSeconds:
		return fmt.Errorf("job definition: retry_policy.max_backoff_seconds must be >= base_backoff_seconds")
	case d.RateLimit.Capacity <= 0:
		return fmt.Errorf("job definition: rate_limit.capacity must be positive, got %d", d.RateLimit.Capacity)
	case d.RateLimit.RefillRate <= 0:
		return fmt.Errorf("job definition: rate_limit.refill_rate must be positive, got %g", d.RateLimit.RefillRate)
	}
	switch d.Priority {
	case "", "low", "medium", "high":
	default:
		return fmt.Errorf("job definition: priority must be low, medium or high, got %q", d.Priority)
	}
	return nil
}
