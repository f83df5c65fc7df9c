package cache

import (
	"time"
)

// Config represents cache configuration settings
type Config struct {
	// LocalMaxEntries bounds the process-local tier.
	LocalMaxEntries int

	// Grace is how long past StaleAfter an entry may still be served without
	// the degraded flag.
	Grace time.Duration

	// Retention keeps entries past their grace period so they can back a
	// degraded fallback.
	Retention time.Duration

	// DegradedTTLFactor shortens effective freshness while the distributed
	// store is unreachable.
	DegradedTTLFactor float64

	// ProbeInterval bounds how long the distributed store may stay silent
	// before local hits are flagged degraded. The store is pinged twice per
	// interval.
	ProbeInterval time.Duration

	// CleanupInterval is the interval at which expired local entries are removed.
	CleanupInterval time.Duration
}

// DefaultConfig returns the default cache configuration
func DefaultConfig() Config {
	return Config{
		LocalMaxEntries:   10000,
		Grace:             2 * time.Second,
		Retention:         5 * time.Minute,
		DegradedTTLFactor: 0.5,
		ProbeInterval:     5 * time.Second,
		CleanupInterval:   time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.LocalMaxEntries <= 0 {
		c.LocalMaxEntries = def.LocalMaxEntries
	}
	if c.Grace < 0 {
		c.Grace = 0
	}
	if c.Retention <= 0 {
		c.Retention = def.Retention
	}
	if c.DegradedTTLFactor <= 0 || c.DegradedTTLFactor > 1 {
		c.DegradedTTLFactor = def.DegradedTTLFactor
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = def.ProbeInterval
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = def.CleanupInterval
	}
	return c
}
