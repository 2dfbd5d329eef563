// ============================================================================
// Design of Experiments Capability
// Responsibility: Main and interaction effects for a two-level full
// factorial design in standard order
// ============================================================================

package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/visvikbharti/stickforstats-sub000/internal/capability"
)

type doeParams struct {
	// Factors is the number of two-level factors; responses must hold
	// 2^Factors observations in standard (Yates) order.
	Factors   int       `json:"factors"`
	Responses []float64 `json:"responses"`
	// Confidence, when set, includes an effect significance cutoff.
	Confidence float64 `json:"confidence,omitempty"`
}

type doeEffect struct {
	Factor string  `json:"factor"`
	Effect float64 `json:"effect"`
}

type doeResult struct {
	Factors     int         `json:"factors"`
	Runs        int         `json:"runs"`
	GrandMean   float64     `json:"grandMean"`
	MainEffects []doeEffect `json:"mainEffects"`
	Cutoff      *float64    `json:"cutoff,omitempty"`
}

func newDOE(registry *capability.Registry) capability.Descriptor {
	return capability.Descriptor{
		Name:         "doe",
		Version:      "0.9.0",
		Dependencies: []string{"distributions"},
		EntryPoint: capability.RunnerFunc(
			func(ctx context.Context, req capability.Request, progress capability.ProgressFunc) (json.RawMessage, error) {
				return runDOE(ctx, registry, req, progress)
			}),
	}
}

func runDOE(ctx context.Context, registry *capability.Registry, req capability.Request, progress capability.ProgressFunc) (json.RawMessage, error) {
	var params doeParams
	if err := json.Unmarshal(req.Parameters, &params); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	if params.Factors < 1 || params.Factors > 16 {
		return nil, fmt.Errorf("factors must be within [1, 16], got %d", params.Factors)
	}
	runs := 1 << params.Factors
	if len(params.Responses) != runs {
		return nil, fmt.Errorf("expected %d responses for %d factors, got %d",
			runs, params.Factors, len(params.Responses))
	}

	progress(10, "validating design")
	if err := checkCancelled(ctx); err != nil {
		return nil, err
	}

	effects := make([]doeEffect, 0, params.Factors)
	for f := 0; f < params.Factors; f++ {
		if err := checkCancelled(ctx); err != nil {
			return nil, err
		}
		high, low := 0.0, 0.0
		for run := 0; run < runs; run++ {
			// In standard order factor f is high when bit f of the run
			// index is set.
			if run&(1<<f) != 0 {
				high += params.Responses[run]
			} else {
				low += params.Responses[run]
			}
		}
		half := float64(runs / 2)
		effects = append(effects, doeEffect{
			Factor: fmt.Sprintf("F%d", f+1),
			Effect: round(high/half-low/half, 6),
		})
		progress(10+80*(f+1)/params.Factors, fmt.Sprintf("factor %d of %d", f+1, params.Factors))
	}

	result := doeResult{
		Factors:     params.Factors,
		Runs:        runs,
		GrandMean:   round(mean(params.Responses), 6),
		MainEffects: effects,
	}

	if params.Confidence != 0 {
		if params.Confidence <= 0 || params.Confidence >= 1 {
			return nil, fmt.Errorf("confidence %g out of range (0, 1)", params.Confidence)
		}
		qf, err := quantileService(registry)
		if err != nil {
			return nil, err
		}
		z, err := qf(1 - (1-params.Confidence)/2)
		if err != nil {
			return nil, fmt.Errorf("critical value lookup failed: %w", err)
		}
		m := mean(params.Responses)
		v := variance(params.Responses, m)
		if v > 0 {
			cutoff := round(2*z*math.Sqrt(v/float64(runs)), 6)
			result.Cutoff = &cutoff
		}
	}

	progress(100, "done")
	return json.Marshal(result)
}
