package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError is one rejected configuration field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors collects every rejected field.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the whole configuration and returns every problem at
// once.
func (c *Config) Validate() error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}
	if c.Storage.DataDir == "" {
		errs = append(errs, ValidationError{Field: "storage.data_dir", Message: "must not be empty"})
	}
	if c.Storage.MaxApplyRetries < 1 {
		errs = append(errs, ValidationError{Field: "storage.max_apply_retries", Message: "must be at least 1"})
	}
	if c.Checkpoint.Interval.Duration <= 0 {
		errs = append(errs, ValidationError{Field: "checkpoint.interval", Message: "must be positive"})
	}
	if c.Checkpoint.RecentEvents < 0 {
		errs = append(errs, ValidationError{Field: "checkpoint.recent_events", Message: "must not be negative"})
	}
	if c.Query.DefaultLimit < 1 {
		errs = append(errs, ValidationError{Field: "query.default_limit", Message: "must be at least 1"})
	}
	if c.Query.MaxLimit < c.Query.DefaultLimit {
		errs = append(errs, ValidationError{Field: "query.max_limit", Message: "must be >= default_limit"})
	}
	if c.Query.SimilarityFloor < -1 || c.Query.SimilarityFloor > 1 {
		errs = append(errs, ValidationError{Field: "query.similarity_floor", Message: "must be within [-1, 1]"})
	}
	if c.Query.CacheTTL.Duration < 0 {
		errs = append(errs, ValidationError{Field: "query.cache_ttl", Message: "must not be negative"})
	}
	if c.Query.EmbeddingDim < 0 {
		errs = append(errs, ValidationError{Field: "query.embedding_dim", Message: "must not be negative"})
	}
	if c.Sync.Enabled {
		if c.Sync.BaseURL == "" {
			errs = append(errs, ValidationError{Field: "sync.base_url", Message: "required when sync is enabled"})
		} else if u, err := url.Parse(c.Sync.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, ValidationError{Field: "sync.base_url", Message: "must be an absolute URL"})
		}
		if c.Sync.Timeout.Duration <= 0 {
			errs = append(errs, ValidationError{Field: "sync.timeout", Message: "must be positive when sync is enabled"})
		}
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{Field: "logging.level", Message: "must be debug, info, warn or error"})
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{Field: "logging.format", Message: "must be text or json"})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
