package explain

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngMagic = []byte{0x89, 'P', 'N', 'G'}

func TestShapRowPlot(t *testing.T) {
	a := &RowAttribution{
		Row:           3,
		Features:      []string{"tenure", "MonthlyCharges", "Contract"},
		Contributions: []float64{-0.8, 0.35, math.NaN()},
		Bias:          -1.2,
	}

	fig, err := ShapRowPlot(a)
	require.NoError(t, err)
	assert.Equal(t, KindShapRow, fig.Kind)
	assert.Equal(t, "SHAP explanation for row 3", fig.Title)
	assert.Same(t, a, fig.Attribution)
	assert.Nil(t, fig.Dependence)

	var buf bytes.Buffer
	n, err := fig.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)
	assert.True(t, bytes.HasPrefix(buf.Bytes(), pngMagic))
}

func TestShapRowPlot_CapsFeatures(t *testing.T) {
	a := &RowAttribution{Row: 0}
	for i := 0; i < MaxShapFeatures+10; i++ {
		a.Features = append(a.Features, fmt.Sprintf("f%d", i))
		a.Contributions = append(a.Contributions, float64(i)-15)
	}

	fig, err := ShapRowPlot(a)
	require.NoError(t, err)
	assert.NotNil(t, fig.Plot)
}

func TestShapRowPlot_Invalid(t *testing.T) {
	tests := []struct {
		name string
		a    *RowAttribution
	}{
		{"no features", &RowAttribution{}},
		{"length mismatch", &RowAttribution{Features: []string{"a", "b"}, Contributions: []float64{1}}},
		{"all NaN", &RowAttribution{Features: []string{"a"}, Contributions: []float64{math.NaN()}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ShapRowPlot(tt.a)
			assert.Error(t, err)
		})
	}
}

func TestRowAttribution_Margin(t *testing.T) {
	a := &RowAttribution{
		Features:      []string{"a", "b", "c"},
		Contributions: []float64{0.5, -0.25, math.NaN()},
		Bias:          1,
	}
	assert.InDelta(t, 1.25, a.Margin(), 1e-12)
}

func TestPartialDependencePlot_Numeric(t *testing.T) {
	pd := &PartialDependence{
		Column: "tenure",
		Row:    0,
		Values: []float64{1, 12, 24, 72},
		Mean:   []float64{0.62, 0.41, 0.30, 0.12},
		StdDev: []float64{0, 0, 0, 0},
	}

	fig, err := PartialDependencePlot(pd)
	require.NoError(t, err)
	assert.Equal(t, KindPartialDependence, fig.Kind)
	assert.Equal(t, "Partial dependence of tenure for row 0", fig.Title)
	assert.Same(t, pd, fig.Dependence)

	path := filepath.Join(t.TempDir(), "pd.png")
	require.NoError(t, fig.Save(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, pngMagic))
}

func TestPartialDependencePlot_Categorical(t *testing.T) {
	pd := &PartialDependence{
		Column:      "Contract",
		Row:         5,
		Categorical: true,
		Levels:      []string{"Month-to-month", "One year", "Two year"},
		Mean:        []float64{0.55, 0.21, 0.07},
	}

	fig, err := PartialDependencePlot(pd)
	require.NoError(t, err)

	var buf bytes.Buffer
	_, err = fig.WriteTo(&buf)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(buf.Bytes(), pngMagic))
}

func TestPartialDependence_Validate(t *testing.T) {
	tests := []struct {
		name    string
		pd      *PartialDependence
		wantErr bool
	}{
		{"valid numeric", &PartialDependence{Values: []float64{1, 2}, Mean: []float64{0.1, 0.2}}, false},
		{"empty", &PartialDependence{}, true},
		{"grid mismatch", &PartialDependence{Values: []float64{1}, Mean: []float64{0.1, 0.2}}, true},
		{"categorical mismatch", &PartialDependence{Categorical: true, Levels: []string{"a"}, Mean: []float64{0.1, 0.2}}, true},
		{"stddev mismatch", &PartialDependence{Values: []float64{1, 2}, Mean: []float64{0.1, 0.2}, StdDev: []float64{0}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.pd.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
