// ============================================================================
// Distributions Capability
// Responsibility: Summary statistics and empirical quantiles for a sample,
// plus the "quantile" service other capabilities resolve for critical values
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

// NormalQuantileFunc is the handle exposed under the "quantile" service
// name: the standard normal inverse CDF.
type NormalQuantileFunc func(p float64) (float64, error)

type distributionsParams struct {
	Data      []float64 `json:"data"`
	Quantiles []float64 `json:"quantiles,omitempty"`
}

type distributionsResult struct {
	N         int                `json:"n"`
	Mean      float64            `json:"mean"`
	Variance  float64            `json:"variance"`
	StdDev    float64            `json:"stdDev"`
	Min       float64            `json:"min"`
	Max       float64            `json:"max"`
	Skewness  float64            `json:"skewness"`
	Kurtosis  float64            `json:"kurtosis"`
	Quantiles map[string]float64 `json:"quantiles"`
}

func newDistributions() capability.Descriptor {
	return capability.Descriptor{
		Name:       "distributions",
		Version:    "1.2.0",
		EntryPoint: capability.RunnerFunc(runDistributions),
		DeclaredServices: map[string]any{
			"quantile": NormalQuantileFunc(normalQuantile),
		},
	}
}

func runDistributions(ctx context.Context, req capability.Request, progress capability.ProgressFunc) (json.RawMessage, error) {
	var params distributionsParams
	if err := json.Unmarshal(req.Parameters, &params); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	if len(params.Data) == 0 {
		return nil, errors.New("data must contain at least one observation")
	}

	progress(10, "validating sample")
	if err := checkCancelled(ctx); err != nil {
		return nil, err
	}

	m := mean(params.Data)
	v := variance(params.Data, m)
	sd := math.Sqrt(v)

	progress(40, "computing moments")
	if err := checkCancelled(ctx); err != nil {
		return nil, err
	}

	skew, kurt := 0.0, 0.0
	if sd > 0 {
		n := float64(len(params.Data))
		for _, x := range params.Data {
			z := (x - m) / sd
			skew += z * z * z
			kurt += z * z * z * z
		}
		skew /= n
		kurt = kurt/n - 3 // excess kurtosis
	}

	progress(70, "computing quantiles")
	if err := checkCancelled(ctx); err != nil {
		return nil, err
	}

	sorted := sortedCopy(params.Data)
	probs := params.Quantiles
	if len(probs) == 0 {
		probs = []float64{0.25, 0.5, 0.75}
	}
	qs := make(map[string]float64, len(probs))
	for _, p := range probs {
		if p < 0 || p > 1 {
			return nil, fmt.Errorf("quantile %g out of range [0, 1]", p)
		}
		qs[fmt.Sprintf("p%g", p*100)] = round(quantile(sorted, p), 6)
	}

	result := distributionsResult{
		N:         len(params.Data),
		Mean:      round(m, 6),
		Variance:  round(v, 6),
		StdDev:    round(sd, 6),
		Min:       sorted[0],
		Max:       sorted[len(sorted)-1],
		Skewness:  round(skew, 6),
		Kurtosis:  round(kurt, 6),
		Quantiles: qs,
	}
	progress(100, "done")
	return json.Marshal(result)
}

// normalQuantile is the standard normal inverse CDF (Acklam's rational
// approximation, accurate to about 1e-9).
func normalQuantile(p float64) (float64, error) {
	if p <= 0 || p >= 1 {
		return 0, fmt.Errorf("probability %g out of range (0, 1)", p)
	}

	a := [6]float64{-3.969683028665376e+01, 2.209460984245205e+02, -2.759285104469687e+02,
		1.383577518672690e+02, -3.066479806614716e+01, 2.506628277459239e+00}
	b := [5]float64{-5.447609879822406e+01, 1.615858368580409e+02, -1.556989798598866e+02,
		6.680131188771972e+01, -1.328068155288572e+01}
	c := [6]float64{-7.784894002430293e-03, -3.223964580411365e-01, -2.400758277161838e+00,
		-2.549732539343734e+00, 4.374664141464968e+00, 2.938163982698783e+00}
	d := [4]float64{7.784695709041462e-03, 3.224671290700398e-01, 2.445134137142996e+00,
		3.754408661907416e+00}

	const plow = 0.02425
	switch {
	case p < plow:
		q := math.Sqrt(-2 * math.Log(p))
		return (((((c[0]*q+c[1])*q+c[2])*q+c[3])*q+c[4])*q + c[5]) /
			((((d[0]*q+d[1])*q+d[2])*q+d[3])*q + 1), nil
	case p > 1-plow:
		q := math.Sqrt(-2 * math.Log(1-p))
		return -(((((c[0]*q+c[1])*q+c[2])*q+c[3])*q+c[4])*q + c[5]) /
			((((d[0]*q+d[1])*q+d[2])*q+d[3])*q + 1), nil
	default:
		q := p - 0.5
		r := q * q
		return (((((a[0]*r+a[1])*r+a[2])*r+a[3])*r+a[4])*r + a[5]) * q /
			(((((b[0]*r+b[1])*r+b[2])*r+b[3])*r+b[4])*r + 1), nil
	}
}
