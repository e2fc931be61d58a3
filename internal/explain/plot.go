package explain

import (
	"fmt"
	"image/color"
	"io"
	"math"
	"sort"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	_ "gonum.org/v1/plot/vg/vgimg" // png encoder
)

// Kind tells which explanation a Figure renders
type Kind string

const (
	KindShapRow           Kind = "shap_row"
	KindPartialDependence Kind = "partial_dependence"
)

// MaxShapFeatures caps the bars drawn in a SHAP row plot
const MaxShapFeatures = 20

var (
	positiveColor = color.RGBA{R: 214, G: 39, B: 40, A: 255}
	negativeColor = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	bandColor     = color.RGBA{R: 127, G: 127, B: 127, A: 255}
)

// Figure is a rendered explanation together with the data behind it
type Figure struct {
	Kind        Kind
	Title       string
	Plot        *plot.Plot
	Attribution *RowAttribution
	Dependence  *PartialDependence
	Width       vg.Length
	Height      vg.Length
}

// Save writes the figure to path; the extension picks the format
func (f *Figure) Save(path string) error {
	return f.Plot.Save(f.Width, f.Height, path)
}

// WriteTo writes the figure as PNG
func (f *Figure) WriteTo(w io.Writer) (int64, error) {
	wt, err := f.Plot.WriterTo(f.Width, f.Height, "png")
	if err != nil {
		return 0, err
	}
	return wt.WriteTo(w)
}

// ShapRowPlot draws the row's feature contributions as horizontal bars, the
// largest magnitude on top. Positive contributions push towards churn.
func ShapRowPlot(a *RowAttribution) (*Figure, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}

	idx := make([]int, 0, len(a.Features))
	for i, c := range a.Contributions {
		if !math.IsNaN(c) {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(i, j int) bool {
		return math.Abs(a.Contributions[idx[i]]) > math.Abs(a.Contributions[idx[j]])
	})
	if len(idx) == 0 {
		return nil, fmt.Errorf("row %d has no finite contributions", a.Row)
	}
	if len(idx) > MaxShapFeatures {
		idx = idx[:MaxShapFeatures]
	}

	// Bars are laid out bottom-up, so reverse to put the largest on top
	n := len(idx)
	names := make([]string, n)
	pos := make(plotter.Values, n)
	neg := make(plotter.Values, n)
	for k, i := range idx {
		slot := n - 1 - k
		names[slot] = a.Features[i]
		if c := a.Contributions[i]; c >= 0 {
			pos[slot] = c
		} else {
			neg[slot] = c
		}
	}

	p := plot.New()
	title := fmt.Sprintf("SHAP explanation for row %d", a.Row)
	p.Title.Text = title
	p.X.Label.Text = fmt.Sprintf("Contribution (bias %.4f, margin %.4f)", a.Bias, a.Margin())
	p.Add(plotter.NewGrid())

	width := vg.Points(12)
	posBars, err := plotter.NewBarChart(pos, width)
	if err != nil {
		return nil, fmt.Errorf("shap bars: %w", err)
	}
	posBars.Horizontal = true
	posBars.Color = positiveColor
	posBars.LineStyle.Width = 0

	negBars, err := plotter.NewBarChart(neg, width)
	if err != nil {
		return nil, fmt.Errorf("shap bars: %w", err)
	}
	negBars.Horizontal = true
	negBars.Color = negativeColor
	negBars.LineStyle.Width = 0

	p.Add(posBars, negBars)
	p.Legend.Add("increases churn", posBars)
	p.Legend.Add("decreases churn", negBars)
	p.Legend.Top = true
	p.NominalY(names...)

	return &Figure{
		Kind:        KindShapRow,
		Title:       title,
		Plot:        p,
		Attribution: a,
		Width:       8 * vg.Inch,
		Height:      vg.Length(math.Max(3, 0.3*float64(n)+1.5)) * vg.Inch,
	}, nil
}

// PartialDependencePlot draws the mean response over the feature grid. Numeric
// features get a line with a one-stddev band, categorical ones a bar per level.
func PartialDependencePlot(pd *PartialDependence) (*Figure, error) {
	if err := pd.Validate(); err != nil {
		return nil, err
	}

	p := plot.New()
	title := fmt.Sprintf("Partial dependence of %s for row %d", pd.Column, pd.Row)
	p.Title.Text = title
	p.X.Label.Text = pd.Column
	p.Y.Label.Text = "Mean response"
	p.Add(plotter.NewGrid())

	if pd.Categorical {
		bars, err := plotter.NewBarChart(plotter.Values(pd.Mean), vg.Points(20))
		if err != nil {
			return nil, fmt.Errorf("partial dependence bars: %w", err)
		}
		bars.Color = negativeColor
		p.Add(bars)
		p.NominalX(pd.Levels...)
	} else {
		mean := make(plotter.XYs, pd.Len())
		for i := range pd.Mean {
			mean[i].X = pd.Values[i]
			mean[i].Y = pd.Mean[i]
		}
		line, err := plotter.NewLine(mean)
		if err != nil {
			return nil, fmt.Errorf("partial dependence line: %w", err)
		}
		line.LineStyle.Color = negativeColor
		line.LineStyle.Width = vg.Points(2)
		p.Add(line)
		p.Legend.Add("mean response", line)

		if pd.StdDev != nil {
			upper := make(plotter.XYs, pd.Len())
			lower := make(plotter.XYs, pd.Len())
			for i := range pd.Mean {
				upper[i].X, lower[i].X = pd.Values[i], pd.Values[i]
				upper[i].Y = pd.Mean[i] + pd.StdDev[i]
				lower[i].Y = pd.Mean[i] - pd.StdDev[i]
			}
			for _, band := range []plotter.XYs{upper, lower} {
				l, err := plotter.NewLine(band)
				if err != nil {
					return nil, fmt.Errorf("partial dependence band: %w", err)
				}
				l.LineStyle.Color = bandColor
				l.LineStyle.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
				p.Add(l)
			}
		}
	}

	return &Figure{
		Kind:       KindPartialDependence,
		Title:      title,
		Plot:       p,
		Dependence: pd,
		Width:      8 * vg.Inch,
		Height:     5 * vg.Inch,
	}, nil
}
