// ============================================================================
// Built-in Analysis Capabilities
// Responsibility: Register the five built-in capabilities in dependency
// order, provide the shared numeric helpers, and fail fast at startup when
// a descriptor does not validate
// ============================================================================

package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/visvikbharti/stickforstats-sub000/internal/capability"
)

var log = slog.Default()

// RegisterAll registers and activates every built-in capability. Leaves go
// first so dependents validate. A failed registration disables only the
// offending capability; the rest of the platform keeps running.
func RegisterAll(registry *capability.Registry) error {
	descriptors := []capability.Descriptor{
		newDistributions(),
		newPCA(),
		newIntervals(registry),
		newQualityControl(registry),
		newDOE(registry),
	}

	var firstErr error
	for _, desc := range descriptors {
		if err := registry.Register(desc); err != nil {
			log.Error("capability registration failed", "capability", desc.Name, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("register %s: %w", desc.Name, err)
			}
			continue
		}
		if err := registry.Activate(desc.Name); err != nil {
			log.Error("capability activation failed", "capability", desc.Name, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("activate %s: %w", desc.Name, err)
			}
			continue
		}
		log.Info("capability registered", "capability", desc.Name, "version", desc.Version)
	}
	return firstErr
}

// checkCancelled is the cooperative cancellation point every capability
// polls between computation steps.
func checkCancelled(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// ============================================================================
// Shared numeric helpers
// ============================================================================

func mean(data []float64) float64 {
	sum := 0.0
	for _, v := range data {
		sum += v
	}
	return sum / float64(len(data))
}

// variance returns the sample variance (n-1 denominator).
func variance(data []float64, m float64) float64 {
	if len(data) < 2 {
		return 0
	}
	sum := 0.0
	for _, v := range data {
		d := v - m
		sum += d * d
	}
	return sum / float64(len(data)-1)
}

// quantile interpolates linearly between order statistics. data must be
// sorted, p within [0, 1].
func quantile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	if n == 1 {
		return sorted[0]
	}
	pos := p * float64(n-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func sortedCopy(data []float64) []float64 {
	out := make([]float64, len(data))
	copy(out, data)
	sort.Float64s(out)
	return out
}

func round(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}
