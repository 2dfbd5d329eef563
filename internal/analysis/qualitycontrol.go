// ============================================================================
// Quality Control Capability
// Responsibility: Individuals control chart with three-sigma limits and
// out-of-control point detection
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

type qualityControlParams struct {
	Data  []float64 `json:"data"`
	Sigma float64   `json:"sigma,omitempty"` // control limit width, default 3
	// Confidence, when set, derives the limit width from the normal
	// quantile instead of Sigma.
	Confidence float64 `json:"confidence,omitempty"`
}

type qualityControlResult struct {
	N            int     `json:"n"`
	CenterLine   float64 `json:"centerLine"`
	UpperLimit   float64 `json:"upperLimit"`
	LowerLimit   float64 `json:"lowerLimit"`
	OutOfControl []int   `json:"outOfControl"` // indexes of violating points
	InControl    bool    `json:"inControl"`
}

func newQualityControl(registry *capability.Registry) capability.Descriptor {
	return capability.Descriptor{
		Name:         "qualitycontrol",
		Version:      "2.0.1",
		Dependencies: []string{"distributions"},
		EntryPoint: capability.RunnerFunc(
			func(ctx context.Context, req capability.Request, progress capability.ProgressFunc) (json.RawMessage, error) {
				return runQualityControl(ctx, registry, req, progress)
			}),
	}
}

func runQualityControl(ctx context.Context, registry *capability.Registry, req capability.Request, progress capability.ProgressFunc) (json.RawMessage, error) {
	var params qualityControlParams
	if err := json.Unmarshal(req.Parameters, &params); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	if len(params.Data) < 2 {
		return nil, errors.New("data must contain at least two observations")
	}
	width := params.Sigma
	if width == 0 {
		width = 3
	}
	if width < 0 {
		return nil, fmt.Errorf("sigma width %g must be positive", width)
	}
	if params.Confidence != 0 {
		if params.Confidence <= 0 || params.Confidence >= 1 {
			return nil, fmt.Errorf("confidence %g out of range (0, 1)", params.Confidence)
		}
		qf, err := quantileService(registry)
		if err != nil {
			return nil, err
		}
		width, err = qf(1 - (1-params.Confidence)/2)
		if err != nil {
			return nil, fmt.Errorf("critical value lookup failed: %w", err)
		}
	}

	progress(25, "estimating process dispersion")
	if err := checkCancelled(ctx); err != nil {
		return nil, err
	}

	// Moving-range estimate of sigma, the usual individuals-chart choice.
	// d2 = 1.128 for ranges of two consecutive observations.
	const d2 = 1.128
	mrSum := 0.0
	for i := 1; i < len(params.Data); i++ {
		mrSum += math.Abs(params.Data[i] - params.Data[i-1])
	}
	sigma := mrSum / float64(len(params.Data)-1) / d2

	center := mean(params.Data)
	ucl := center + width*sigma
	lcl := center - width*sigma

	progress(60, "scanning for out-of-control points")
	outOfControl := []int{}
	for i, v := range params.Data {
		if i%256 == 0 {
			if err := checkCancelled(ctx); err != nil {
				return nil, err
			}
		}
		if v > ucl || v < lcl {
			outOfControl = append(outOfControl, i)
		}
	}

	result := qualityControlResult{
		N:            len(params.Data),
		CenterLine:   round(center, 6),
		UpperLimit:   round(ucl, 6),
		LowerLimit:   round(lcl, 6),
		OutOfControl: outOfControl,
		InControl:    len(outOfControl) == 0,
	}
	progress(100, "done")
	return json.Marshal(result)
}
