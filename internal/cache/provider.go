package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Provider defines the minimal cache operations needed by the connectors.
type Provider interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Close() error
}

// ErrCacheMiss signals that a cache key was not found.
var ErrCacheMiss = errors.New("cache miss")

// NoopProvider implements Provider but never stores data.
type NoopProvider struct{}

// Get always returns ErrCacheMiss.
func (NoopProvider) Get(context.Context, string) ([]byte, error) {
	return nil, ErrCacheMiss
}

// Set discards the value and returns nil.
func (NoopProvider) Set(context.Context, string, []byte, time.Duration) error {
	return nil
}

// Close is a no-op.
func (NoopProvider) Close() error { return nil }

// GetJSON decodes the cached value for key into out. It reports false on a
// miss, a provider error, or a payload that no longer decodes.
func GetJSON(ctx context.Context, p Provider, key string, out any) bool {
	if p == nil || key == "" {
		return false
	}
	data, err := p.Get(ctx, key)
	if err != nil {
		return false
	}
	return json.Unmarshal(data, out) == nil
}

// SetJSON stores value under key. Failures are returned but callers treat the
// cache as best effort.
func SetJSON(ctx context.Context, p Provider, key string, value any, ttl time.Duration) error {
	if p == nil || key == "" || ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return p.Set(ctx, key, data, ttl)
}
