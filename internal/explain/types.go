// Package explain holds model explanation results and renders them as plots.
//
// Two explanations exist: a SHAP row attribution (how much each feature
// pushed one customer's prediction up or down) and a partial dependence curve
// (how the prediction for one customer moves as a single feature varies).
package explain

import (
	"fmt"
	"math"
)

// RowAttribution is the per-feature contribution to one row's prediction.
// Contributions are in the model's link space; Bias is the BiasTerm.
type RowAttribution struct {
	Row           int
	Features      []string
	Contributions []float64
	Bias          float64
}

// Validate checks the attribution is renderable
func (a *RowAttribution) Validate() error {
	if len(a.Features) == 0 {
		return fmt.Errorf("row %d attribution has no features", a.Row)
	}
	if len(a.Features) != len(a.Contributions) {
		return fmt.Errorf("row %d attribution has %d features but %d contributions",
			a.Row, len(a.Features), len(a.Contributions))
	}
	return nil
}

// Margin is the raw model output the contributions add up to
func (a *RowAttribution) Margin() float64 {
	sum := a.Bias
	for _, c := range a.Contributions {
		if !math.IsNaN(c) {
			sum += c
		}
	}
	return sum
}

// PartialDependence is the model response of one row as Column varies.
// Numeric features fill Values; categorical ones fill Levels.
type PartialDependence struct {
	Column      string
	Row         int
	Categorical bool
	Values      []float64
	Levels      []string
	Mean        []float64
	StdDev      []float64
	StdErr      []float64
}

// Len is the number of grid points
func (pd *PartialDependence) Len() int {
	return len(pd.Mean)
}

// Validate checks the grid and responses line up
func (pd *PartialDependence) Validate() error {
	n := len(pd.Mean)
	if n == 0 {
		return fmt.Errorf("partial dependence of %s is empty", pd.Column)
	}
	grid := len(pd.Values)
	if pd.Categorical {
		grid = len(pd.Levels)
	}
	if grid != n {
		return fmt.Errorf("partial dependence of %s has %d grid points but %d responses", pd.Column, grid, n)
	}
	if pd.StdDev != nil && len(pd.StdDev) != n {
		return fmt.Errorf("partial dependence of %s has %d stddev values, want %d", pd.Column, len(pd.StdDev), n)
	}
	return nil
}
