// Package impute fills missing values in numeric tables. Missing values are
// NaN.
package impute

import (
	"cmp"
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/mat"
)

type Imputer interface {
	// Impute returns a copy of rows with every NaN replaced.
	Impute(rows [][]float64) ([][]float64, error)
}

// IterativeImputer models each incomplete column as a regression on all the
// others and refines the estimates round-robin, columns with the fewest
// missing values first, until successive rounds agree.
type IterativeImputer struct {
	NewEstimator func() Regressor
	MaxIter      int
	Tol          float64
	MinValue     float64
	MaxValue     float64
}

// NewIterativeImputer returns an imputer bounded below by zero. A nil
// newEstimator uses NewBayesianRidge.
func NewIterativeImputer(newEstimator func() Regressor) *IterativeImputer {
	if newEstimator == nil {
		newEstimator = func() Regressor { return NewBayesianRidge() }
	}
	return &IterativeImputer{
		NewEstimator: newEstimator,
		MaxIter:      100,
		Tol:          1e-3,
		MinValue:     0,
		MaxValue:     math.Inf(1),
	}
}

func (im *IterativeImputer) Impute(rows [][]float64) ([][]float64, error) {
	n := len(rows)
	if n == 0 {
		return nil, nil
	}
	p := len(rows[0])
	for i, row := range rows {
		if len(row) != p {
			return nil, fmt.Errorf("impute: row %d has %d values, want %d", i, len(row), p)
		}
	}

	missing := make([][]bool, n)
	missingCount := make([]int, p)
	maxAbs := 0.0
	for i, row := range rows {
		missing[i] = make([]bool, p)
		for j, v := range row {
			if math.IsNaN(v) {
				missing[i][j] = true
				missingCount[j]++
			} else {
				maxAbs = math.Max(maxAbs, math.Abs(v))
			}
		}
	}

	// Initial fill with column means. Columns with nothing observed cannot be
	// modelled and take the lower bound.
	out := make([][]float64, n)
	for i := range out {
		out[i] = slices.Clone(rows[i])
	}
	var modelled []int
	for j := 0; j < p; j++ {
		fill := im.clip(0)
		if missingCount[j] < n {
			sum := 0.0
			for i := range rows {
				if !missing[i][j] {
					sum += rows[i][j]
				}
			}
			fill = sum / float64(n-missingCount[j])
			modelled = append(modelled, j)
		}
		for i := range out {
			if missing[i][j] {
				out[i][j] = fill
			}
		}
	}

	var order []int
	for _, j := range modelled {
		if missingCount[j] > 0 {
			order = append(order, j)
		}
	}
	if len(order) == 0 {
		return out, nil
	}
	slices.SortStableFunc(order, func(a, b int) int { return cmp.Compare(missingCount[a], missingCount[b]) })

	normalizedTol := im.Tol * maxAbs
	prev := make([][]float64, n)
	for round := 0; round < im.MaxIter; round++ {
		for i := range out {
			prev[i] = slices.Clone(out[i])
		}
		for _, j := range order {
			if err := im.imputeColumn(out, missing, modelled, j); err != nil {
				return nil, err
			}
		}

		// Largest absolute row sum of the change.
		change := 0.0
		for i := range out {
			rowSum := 0.0
			for j := range out[i] {
				rowSum += math.Abs(out[i][j] - prev[i][j])
			}
			change = math.Max(change, rowSum)
		}
		if change < normalizedTol {
			break
		}
	}
	return out, nil
}

func (im *IterativeImputer) imputeColumn(out [][]float64, missing [][]bool, modelled []int, target int) error {
	var predictors []int
	for _, j := range modelled {
		if j != target {
			predictors = append(predictors, j)
		}
	}
	var trainRows, fillRows []int
	for i := range out {
		if missing[i][target] {
			fillRows = append(fillRows, i)
		} else {
			trainRows = append(trainRows, i)
		}
	}
	if len(fillRows) == 0 || len(trainRows) == 0 || len(predictors) == 0 {
		return nil
	}

	x := design(out, trainRows, predictors)
	y := make([]float64, len(trainRows))
	for k, i := range trainRows {
		y[k] = out[i][target]
	}
	model := im.NewEstimator()
	if err := model.Fit(x, y); err != nil {
		return fmt.Errorf("impute column %d: %w", target, err)
	}
	for k, v := range model.Predict(design(out, fillRows, predictors)) {
		out[fillRows[k]][target] = im.clip(v)
	}
	return nil
}

func design(values [][]float64, rows, cols []int) *mat.Dense {
	x := mat.NewDense(len(rows), len(cols), nil)
	for r, i := range rows {
		for c, j := range cols {
			x.Set(r, c, values[i][j])
		}
	}
	return x
}

func (im *IterativeImputer) clip(v float64) float64 {
	return math.Min(math.Max(v, im.MinValue), im.MaxValue)
}
