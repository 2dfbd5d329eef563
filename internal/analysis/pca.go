// ============================================================================
// PCA Capability
// Responsibility: Principal component analysis of a numeric matrix via
// Jacobi eigendecomposition of the covariance matrix
// ============================================================================

package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/visvikbharti/stickforstats-sub000/internal/capability"
)

type pcaParams struct {
	// Matrix is row-major: one row per observation, one column per variable.
	Matrix     [][]float64 `json:"matrix"`
	Components int         `json:"components,omitempty"` // default: all
}

type pcaResult struct {
	Observations      int       `json:"observations"`
	Variables         int       `json:"variables"`
	Eigenvalues       []float64 `json:"eigenvalues"`
	ExplainedVariance []float64 `json:"explainedVariance"` // fraction per component
	Components        int       `json:"components"`
}

func newPCA() capability.Descriptor {
	return capability.Descriptor{
		Name:       "pca",
		Version:    "1.1.0",
		EntryPoint: capability.RunnerFunc(runPCA),
	}
}

func runPCA(ctx context.Context, req capability.Request, progress capability.ProgressFunc) (json.RawMessage, error) {
	var params pcaParams
	if err := json.Unmarshal(req.Parameters, &params); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	rows := len(params.Matrix)
	if rows < 2 {
		return nil, errors.New("matrix must contain at least two observations")
	}
	cols := len(params.Matrix[0])
	if cols == 0 {
		return nil, errors.New("matrix must contain at least one variable")
	}
	for i, row := range params.Matrix {
		if len(row) != cols {
			return nil, fmt.Errorf("row %d has %d columns, expected %d", i, len(row), cols)
		}
	}
	k := params.Components
	if k == 0 || k > cols {
		k = cols
	}

	progress(10, "centering data")
	if err := checkCancelled(ctx); err != nil {
		return nil, err
	}

	colMeans := make([]float64, cols)
	for _, row := range params.Matrix {
		for j, v := range row {
			colMeans[j] += v
		}
	}
	for j := range colMeans {
		colMeans[j] /= float64(rows)
	}

	progress(30, "building covariance matrix")
	cov := make([][]float64, cols)
	for i := range cov {
		cov[i] = make([]float64, cols)
	}
	for _, row := range params.Matrix {
		for i := 0; i < cols; i++ {
			di := row[i] - colMeans[i]
			for j := i; j < cols; j++ {
				cov[i][j] += di * (row[j] - colMeans[j])
			}
		}
	}
	for i := 0; i < cols; i++ {
		for j := i; j < cols; j++ {
			cov[i][j] /= float64(rows - 1)
			cov[j][i] = cov[i][j]
		}
	}

	progress(50, "decomposing")
	eigenvalues, err := jacobiEigenvalues(ctx, cov, func(sweep, total int) {
		progress(50+40*sweep/total, fmt.Sprintf("sweep %d of %d", sweep, total))
	})
	if err != nil {
		return nil, err
	}

	sort.Sort(sort.Reverse(sort.Float64Slice(eigenvalues)))

	total := 0.0
	for _, ev := range eigenvalues {
		if ev > 0 {
			total += ev
		}
	}
	explained := make([]float64, k)
	rounded := make([]float64, k)
	for i := 0; i < k; i++ {
		rounded[i] = round(eigenvalues[i], 6)
		if total > 0 {
			explained[i] = round(math.Max(eigenvalues[i], 0)/total, 6)
		}
	}

	result := pcaResult{
		Observations:      rows,
		Variables:         cols,
		Eigenvalues:       rounded,
		ExplainedVariance: explained,
		Components:        k,
	}
	progress(100, "done")
	return json.Marshal(result)
}

// jacobiEigenvalues diagonalizes a symmetric matrix in place with cyclic
// Jacobi rotations. The sweep count is fixed so identical inputs take the
// same path and produce the same output.
func jacobiEigenvalues(ctx context.Context, m [][]float64, onSweep func(sweep, total int)) ([]float64, error) {
	n := len(m)
	const sweeps = 30
	const eps = 1e-12

	for sweep := 1; sweep <= sweeps; sweep++ {
		if err := checkCancelled(ctx); err != nil {
			return nil, err
		}

		off := 0.0
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				off += m[i][j] * m[i][j]
			}
		}
		if off < eps {
			break
		}

		for p := 0; p < n-1; p++ {
			for q := p + 1; q < n; q++ {
				if math.Abs(m[p][q]) < eps {
					continue
				}
				theta := (m[q][q] - m[p][p]) / (2 * m[p][q])
				t := math.Copysign(1, theta) / (math.Abs(theta) + math.Sqrt(theta*theta+1))
				c := 1 / math.Sqrt(t*t+1)
				s := t * c

				for i := 0; i < n; i++ {
					mip, miq := m[i][p], m[i][q]
					m[i][p] = c*mip - s*miq
					m[i][q] = s*mip + c*miq
				}
				for i := 0; i < n; i++ {
					mpi, mqi := m[p][i], m[q][i]
					m[p][i] = c*mpi - s*mqi
					m[q][i] = s*mpi + c*mqi
				}
			}
		}
		onSweep(sweep, sweeps)
	}

	eigenvalues := make([]float64, n)
	for i := 0; i < n; i++ {
		eigenvalues[i] = m[i][i]
	}
	return eigenvalues, nil
}
