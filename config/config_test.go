package config_test

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/loramesh/imgtransport/config"
)

func TestAdaptiveTransferTimeoutClampedToBounds(t *testing.T) {
	cfg := config.Default()
	require.Equal(t, cfg.MinAdaptiveTimeout, cfg.AdaptiveTransferTimeout(0, 0))
	require.Equal(t, cfg.MaxAdaptiveTimeout, cfg.AdaptiveTransferTimeout(1000, 10*time.Second))
}

// TestAdaptiveTransferTimeoutMonotonicProperty covers spec.md section 8
// invariant 6: adaptive_transfer_timeout is nondecreasing in
// total_chunks*current_delay and clamped to [MinAdaptiveTimeout,
// MaxAdaptiveTimeout]. total_chunks is fixed at 1 since the formula only
// depends on the product, not the factors independently.
func TestAdaptiveTransferTimeoutMonotonicProperty(t *testing.T) {
	cfg := config.Default()
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("nondecreasing in total_chunks*current_delay, clamped to bounds", prop.ForAll(
		func(msA, msB int) bool {
			a := cfg.AdaptiveTransferTimeout(1, time.Duration(msA)*time.Millisecond)
			b := cfg.AdaptiveTransferTimeout(1, time.Duration(msB)*time.Millisecond)
			if a < cfg.MinAdaptiveTimeout || a > cfg.MaxAdaptiveTimeout {
				return false
			}
			if b < cfg.MinAdaptiveTimeout || b > cfg.MaxAdaptiveTimeout {
				return false
			}
			if msA <= msB {
				return a <= b
			}
			return a >= b
		},
		gen.IntRange(0, 400_000),
		gen.IntRange(0, 400_000),
	))

	properties.TestingRun(t)
}

func TestValidateRejectsInconsistentBounds(t *testing.T) {
	cfg := config.Default()
	cfg.MinAdaptiveTimeout = cfg.MaxAdaptiveTimeout + time.Second
	require.Error(t, cfg.Validate())
}
