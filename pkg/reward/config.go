package reward

import (
	"fmt"
	"time"
)

const (
	defaultSatsPerReward   Sats  = 100
	defaultDailyCap        int64 = 3
	defaultSessionTTL            = 5 * time.Minute
	defaultMinWithdrawSats Sats  = 50000
)

// Config carries the immutable reward policy handed to the Service at
// construction. Constants are never re-read from global state.
type Config struct {
	SatsPerReward   Sats
	DailyCap        int64
	SessionTTL      time.Duration
	MinWithdrawSats Sats
}

// DefaultConfig returns the reference policy values.
func DefaultConfig() Config {
	return Config{
		SatsPerReward:   defaultSatsPerReward,
		DailyCap:        defaultDailyCap,
		SessionTTL:      defaultSessionTTL,
		MinWithdrawSats: defaultMinWithdrawSats,
	}
}

// Validate ensures the policy contains sane values.
func (cfg Config) Validate() error {
	if cfg.SatsPerReward <= 0 {
		return fmt.Errorf("%w: sats per reward must be positive", ErrInvalidServiceConfig)
	}
	if cfg.DailyCap <= 0 {
		return fmt.Errorf("%w: daily cap must be positive", ErrInvalidServiceConfig)
	}
	if cfg.SessionTTL <= 0 {
		return fmt.Errorf("%w: session ttl must be positive", ErrInvalidServiceConfig)
	}
	if cfg.MinWithdrawSats <= 0 {
		return fmt.Errorf("%w: minimum withdraw must be positive", ErrInvalidServiceConfig)
	}
	return nil
}
