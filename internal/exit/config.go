package exit

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the exit engine's tuning.
type Config struct {
	PollInterval  time.Duration
	StopLossPct   float64 // negative, e.g. -30
	TrailPct      float64 // positive; replaced by the ladder's rest rule when set
	Ladder        Ladder
	Reentry       ReentryConfig
	NotifyTimeout time.Duration
}

// ReentryConfig controls the post-exit buy-back window.
type ReentryConfig struct {
	Enabled     bool
	ConfirmPct  float64
	MaxPerAsset int
	Window      time.Duration
}

// DefaultConfig mirrors the stock ladder "2x:25,4x:25,10x:30,rest:trail15".
func DefaultConfig() Config {
	ladder, _ := ParseLadder(DefaultLadder)
	return Config{
		PollInterval:  500 * time.Millisecond,
		StopLossPct:   -30,
		TrailPct:      15,
		Ladder:        ladder,
		NotifyTimeout: 5 * time.Second,
		Reentry: ReentryConfig{
			Enabled:     true,
			ConfirmPct:  7,
			MaxPerAsset: 1,
			Window:      10 * time.Minute,
		},
	}
}

// TrailingPct is the trailing-stop distance actually applied.
func (c Config) TrailingPct() float64 {
	if c.Ladder.RestTrailPct > 0 {
		return c.Ladder.RestTrailPct
	}
	return c.TrailPct
}

// Validate returns every configuration problem at once.
func (c Config) Validate() error {
	var errs []error
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll interval must be positive"))
	}
	if !(c.StopLossPct < 0) || c.StopLossPct <= -100 {
		errs = append(errs, fmt.Errorf("stop loss pct must be in (-100, 0), got %v", c.StopLossPct))
	}
	if t := c.TrailingPct(); !(t > 0) || t >= 100 {
		errs = append(errs, fmt.Errorf("trailing pct must be in (0, 100), got %v", t))
	}
	if err := c.Ladder.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.NotifyTimeout <= 0 {
		errs = append(errs, errors.New("notify timeout must be positive"))
	}
	if c.Reentry.Enabled {
		if !(c.Reentry.ConfirmPct >= 0) {
			errs = append(errs, fmt.Errorf("reentry confirm pct must be >= 0, got %v", c.Reentry.ConfirmPct))
		}
		if c.Reentry.MaxPerAsset < 0 {
			errs = append(errs, errors.New("reentry max per asset must be >= 0"))
		}
		if c.Reentry.Window <= 0 {
			errs = append(errs, errors.New("reentry window must be positive"))
		}
	}
	return errors.Join(errs...)
}
