// Package ratelimit bounds repeated join attempts per (requester, resource)
// over a trailing window.
package ratelimit

import (
	"context"
	"time"
)

const (
	DefaultLimit  = 3
	DefaultWindow = 30 * time.Minute
)

// Limiter decides whether a join attempt may proceed
type Limiter interface {
	// Check records the attempt and reports whether it is within the limit.
	// Denied attempts are not recorded, so a blocked requester regains access
	// once earlier attempts age out of the window.
	Check(ctx context.Context, requesterID, resourceID string) (bool, error)
}

// Config holds the sliding-window parameters
type Config struct {
	Limit     int
	Window    time.Duration
	KeyPrefix string
	// CleanupInterval only applies to the local limiter
	CleanupInterval time.Duration
}

// DefaultConfig returns 3 attempts per 30 minutes
func DefaultConfig() Config {
	return Config{
		Limit:           DefaultLimit,
		Window:          DefaultWindow,
		KeyPrefix:       "ratelimit:join:",
		CleanupInterval: time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Limit <= 0 {
		c.Limit = d.Limit
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = d.KeyPrefix
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = d.CleanupInterval
	}
	return c
}

func (c Config) key(requesterID, resourceID string) string {
	return c.KeyPrefix + resourceID + ":" + requesterID
}

// Noop allows every attempt
type Noop struct{}

func (Noop) Check(ctx context.Context, requesterID, resourceID string) (bool, error) {
	return true, nil
}
