// Package ratectl implements the sender's adaptive inter-chunk pacing.
// The delay between chunks is throttled through a golang.org/x/time/rate
// Limiter, the same building block used for RPS limiting elsewhere in the
// pack, but the delay itself is retuned after every send from the
// transfer's cumulative observed success rate (see RecordOutcome).
package ratectl

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config bounds and tunes the adaptive delay controller.
type Config struct {
	Baseline       time.Duration
	Min            time.Duration
	Max            time.Duration
	MinSamples     int
	IncreaseFactor float64 // applied when success rate falls below LowWatermark
	DecreaseFactor float64 // applied when success rate rises above HighWatermark
	LowWatermark   float64
	HighWatermark  float64
}

// DefaultConfig mirrors spec section 4.6's normative constants.
func DefaultConfig(baseline, min, max time.Duration) Config {
	return Config{
		Baseline:       baseline,
		Min:            min,
		Max:            max,
		MinSamples:     5,
		IncreaseFactor: 1.20,
		DecreaseFactor: 0.95,
		LowWatermark:   0.90,
		HighWatermark:  0.98,
	}
}

// Controller adapts the delay between chunk sends to observed link quality.
// It is safe for concurrent use, but the transport only ever drives it from
// the single sender loop.
type Controller struct {
	cfg Config

	mu        sync.Mutex
	delay     time.Duration
	successes int
	attempts  int
	limiter   *rate.Limiter
}

// New creates a Controller starting at cfg.Baseline.
func New(cfg Config) *Controller {
	c := &Controller{cfg: cfg, delay: cfg.Baseline}
	c.limiter = rate.NewLimiter(rate.Every(cfg.Baseline), 1)
	return c
}

// Delay returns the current inter-chunk delay.
func (c *Controller) Delay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delay
}

// Wait blocks until the controller's rate limiter admits the next send,
// honoring ctx cancellation.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	limiter := c.limiter
	c.mu.Unlock()
	return limiter.Wait(ctx)
}

// RecordOutcome folds a single chunk send's success/failure into the
// transfer's running success/failure counts, matching the original
// sender's send_image loop, which never resets successful_chunks or
// failed_chunks mid-transfer. Once at least MinSamples observations have
// accumulated, the cumulative success rate is evaluated on every call: a
// rate below LowWatermark increases the delay by IncreaseFactor (clamped
// to Max); a rate above HighWatermark decreases it by DecreaseFactor
// (clamped to Min); otherwise the delay is left unchanged, matching spec
// section 4.6's hysteresis band. The counts are reset only by Reset, at
// the start of a new transfer.
func (c *Controller) RecordOutcome(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.attempts++
	if success {
		c.successes++
	}
	if c.attempts < c.cfg.MinSamples {
		return
	}

	rate := float64(c.successes) / float64(c.attempts)
	switch {
	case rate < c.cfg.LowWatermark:
		c.setDelayLocked(time.Duration(float64(c.delay) * c.cfg.IncreaseFactor))
	case rate > c.cfg.HighWatermark:
		c.setDelayLocked(time.Duration(float64(c.delay) * c.cfg.DecreaseFactor))
	}
}

func (c *Controller) setDelayLocked(d time.Duration) {
	if d < c.cfg.Min {
		d = c.cfg.Min
	}
	if d > c.cfg.Max {
		d = c.cfg.Max
	}
	c.delay = d
	c.limiter.SetLimit(rate.Every(d))
}

// Reset returns the controller to its baseline delay, used when a new
// transfer begins with no prior link-quality history.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successes, c.attempts = 0, 0
	c.setDelayLocked(c.cfg.Baseline)
}
