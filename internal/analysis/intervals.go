// ============================================================================
// Interval Estimation Capability
// Responsibility: Confidence intervals for the mean of a sample, resolving
// critical values through the distributions capability's quantile service
// ============================================================================

package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/visvikbharti/stickforstats-sub000/internal/capability"
)

type intervalsParams struct {
	Data       []float64 `json:"data"`
	Confidence float64   `json:"confidence,omitempty"` // default 0.95
}

type intervalsResult struct {
	N          int     `json:"n"`
	Mean       float64 `json:"mean"`
	StdErr     float64 `json:"stdErr"`
	Confidence float64 `json:"confidence"`
	Lower      float64 `json:"lower"`
	Upper      float64 `json:"upper"`
	Critical   float64 `json:"critical"`
}

func newIntervals(registry *capability.Registry) capability.Descriptor {
	return capability.Descriptor{
		Name:         "intervals",
		Version:      "1.0.3",
		Dependencies: []string{"distributions"},
		EntryPoint: capability.RunnerFunc(
			func(ctx context.Context, req capability.Request, progress capability.ProgressFunc) (json.RawMessage, error) {
				return runIntervals(ctx, registry, req, progress)
			}),
	}
}

func runIntervals(ctx context.Context, registry *capability.Registry, req capability.Request, progress capability.ProgressFunc) (json.RawMessage, error) {
	var params intervalsParams
	if err := json.Unmarshal(req.Parameters, &params); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	if len(params.Data) < 2 {
		return nil, errors.New("data must contain at least two observations")
	}
	conf := params.Confidence
	if conf == 0 {
		conf = 0.95
	}
	if conf <= 0 || conf >= 1 {
		return nil, fmt.Errorf("confidence %g out of range (0, 1)", conf)
	}

	progress(20, "resolving quantile service")
	qf, err := quantileService(registry)
	if err != nil {
		return nil, err
	}
	if err := checkCancelled(ctx); err != nil {
		return nil, err
	}

	progress(50, "estimating interval")
	m := mean(params.Data)
	se := math.Sqrt(variance(params.Data, m) / float64(len(params.Data)))
	z, err := qf(1 - (1-conf)/2)
	if err != nil {
		return nil, fmt.Errorf("critical value lookup failed: %w", err)
	}

	result := intervalsResult{
		N:          len(params.Data),
		Mean:       round(m, 6),
		StdErr:     round(se, 6),
		Confidence: conf,
		Lower:      round(m-z*se, 6),
		Upper:      round(m+z*se, 6),
		Critical:   round(z, 6),
	}
	progress(100, "done")
	return json.Marshal(result)
}

// quantileService resolves the distributions capability's quantile handle.
func quantileService(registry *capability.Registry) (NormalQuantileFunc, error) {
	handle, ok := registry.Service("distributions", "quantile")
	if !ok {
		return nil, errors.New("quantile service unavailable")
	}
	qf, ok := handle.(NormalQuantileFunc)
	if !ok {
		return nil, fmt.Errorf("quantile service has unexpected type %T", handle)
	}
	return qf, nil
}
