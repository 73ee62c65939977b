package ratelimit

import (
	"fmt"
	"strings"
	"time"
)

// Policy is the admission rule for a family of buckets.
// A zero Limit disables limiting for the family.
type Policy struct {
	Limit  int
	Window time.Duration
}

// Config configures a Limiter.
type Config struct {
	// Policies maps a bucket prefix ("global", "provider", "recipient") to its rule.
	Policies map[string]Policy

	// Default applies to buckets whose prefix has no entry in Policies.
	Default Policy

	// MaxKeys bounds the number of tracked buckets.
	MaxKeys int

	// CleanupMaxAge is how long an idle bucket is kept before Cleanup drops it.
	CleanupMaxAge time.Duration
}

// DefaultConfig returns a configuration that limits nothing.
func DefaultConfig() Config {
	return Config{
		Policies:      map[string]Policy{},
		MaxKeys:       10000,
		CleanupMaxAge: time.Hour,
	}
}

// Validate checks that every policy is well formed.
func (c *Config) Validate() error {
	if err := c.Default.validate("default"); err != nil {
		return err
	}
	for prefix, p := range c.Policies {
		if prefix == "" {
			return fmt.Errorf("policy prefix cannot be empty")
		}
		if err := p.validate(prefix); err != nil {
			return err
		}
	}
	if c.MaxKeys < 0 {
		return fmt.Errorf("MaxKeys must be non-negative, got %d", c.MaxKeys)
	}
	return nil
}

func (p Policy) validate(name string) error {
	if p.Limit < 0 {
		return fmt.Errorf("policy %s: limit must be non-negative, got %d", name, p.Limit)
	}
	if p.Limit > 0 && p.Window <= 0 {
		return fmt.Errorf("policy %s: window must be positive when limit is set, got %s", name, p.Window)
	}
	return nil
}

// policyFor resolves the policy for key and the name it is reported under.
func (c *Config) policyFor(key string) (string, Policy) {
	prefix := key
	if i := strings.IndexByte(key, ':'); i >= 0 {
		prefix = key[:i]
	}
	if p, ok := c.Policies[prefix]; ok {
		return prefix, p
	}
	return "default", c.Default
}

// GlobalKey is the bucket shared by every dispatch.
const GlobalKey = "global"

// ProviderKey returns the bucket for one provider.
func ProviderKey(providerID string) string { return "provider:" + providerID }

// RecipientKey returns the bucket for one delivery target.
func RecipientKey(target string) string { return "recipient:" + target }
