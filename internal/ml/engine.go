// Package ml implements the churn prediction session: a stateful facade that
// drives a modeling engine through import, training, scoring and explanation.
//
// The engine is reached through the Engine interface. H2OEngine is the
// production implementation backed by an H2O-3 cluster; FakeEngine serves
// tests.
package ml

import (
	"context"
	"math"
	"time"

	"github.com/cockroachdb/errors"

	"churnrisk/internal/explain"
)

// MetricsInterface defines metrics methods needed by the session
type MetricsInterface interface {
	ModelsTrainedInc()
	PredictionsInc()
	ChurnRateObserve(float64)
	ExplanationsInc(kind string)
	PreconditionFailuresInc()
	OperationLatencyObserve(op string, seconds float64)
}

// FrameHandle names a frame held by the engine
type FrameHandle struct {
	ID      string
	Rows    int64
	Columns []string
}

// ColumnIndex returns the position of column or -1
func (f FrameHandle) ColumnIndex(column string) int {
	for i, c := range f.Columns {
		if c == column {
			return i
		}
	}
	return -1
}

// ModelHandle names a trained model and the frames it was fit on
type ModelHandle struct {
	ID              string
	Target          string
	TrainingFrame   string
	ValidationFrame string
	Seed            int64
	TrainedAt       time.Time
}

// ModelSpec describes a model to train. Every column of Training except
// Target is a predictor.
type ModelSpec struct {
	ModelID    string
	Training   FrameHandle
	Target     string
	TrainRatio float64
	Seed       int64
}

// Engine is the capability set the session needs from a modeling engine.
// Handles returned by one engine are only meaningful to that engine.
type Engine interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error

	// ImportFrame parses the file at path into a new frame whose key
	// starts with prefix.
	ImportFrame(ctx context.Context, path, prefix string) (FrameHandle, error)
	TrainModel(ctx context.Context, spec ModelSpec) (ModelHandle, error)

	// Predict scores frame; the result has a label column plus one
	// probability column per class.
	Predict(ctx context.Context, model ModelHandle, frame FrameHandle) (FrameHandle, error)
	// PredictContributions computes per-feature contributions for every row
	// of frame, plus a BiasTerm column.
	PredictContributions(ctx context.Context, model ModelHandle, frame FrameHandle) (FrameHandle, error)
	FetchFrame(ctx context.Context, frame FrameHandle) (*Table, error)

	ExplainRow(ctx context.Context, model ModelHandle, frame FrameHandle, row int) (*explain.RowAttribution, error)
	ExplainFeature(ctx context.Context, model ModelHandle, frame FrameHandle, row int, column string) (*explain.PartialDependence, error)

	// Remove drops keys from the engine. Unknown keys are ignored.
	Remove(ctx context.Context, keys ...string) error
}

// Table is a materialized frame, stored column-major. Categorical columns
// hold level indices into Domains[col]; text columns read as NaN.
type Table struct {
	Name    string
	Columns []string
	Data    [][]float64
	Domains [][]string
}

// Rows is the number of rows in the table
func (t *Table) Rows() int {
	if len(t.Data) == 0 {
		return 0
	}
	return len(t.Data[0])
}

// ColumnIndex returns the position of column or -1
func (t *Table) ColumnIndex(column string) int {
	for i, c := range t.Columns {
		if c == column {
			return i
		}
	}
	return -1
}

// Value reads one cell
func (t *Table) Value(column string, row int) (float64, error) {
	col := t.ColumnIndex(column)
	if col < 0 {
		return math.NaN(), columnNotFound(column, t.Name)
	}
	if row < 0 || row >= t.Rows() {
		return math.NaN(), rowOutOfRange(row, t.Rows())
	}
	return t.Data[col][row], nil
}

// Row returns the names and values of one row in column order, skipping the
// excluded columns.
func (t *Table) Row(row int, exclude ...string) ([]string, []float64, error) {
	if row < 0 || row >= t.Rows() {
		return nil, nil, rowOutOfRange(row, t.Rows())
	}

	names := make([]string, 0, len(t.Columns))
	values := make([]float64, 0, len(t.Columns))
	for i, c := range t.Columns {
		if contains(exclude, c) {
			continue
		}
		names = append(names, c)
		values = append(values, t.Data[i][row])
	}
	return names, values, nil
}

// Validate checks every column has the same length
func (t *Table) Validate() error {
	if len(t.Columns) != len(t.Data) {
		return errors.Newf("table %s has %d names for %d columns", t.Name, len(t.Columns), len(t.Data))
	}
	rows := t.Rows()
	for i, col := range t.Data {
		if len(col) != rows {
			return errors.Newf("table %s column %s has %d rows, want %d", t.Name, t.Columns[i], len(col), rows)
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// attributionFromTable builds the SHAP attribution of one row from a
// contributions table.
func attributionFromTable(t *Table, row int, biasColumn string) (*explain.RowAttribution, error) {
	names, values, err := t.Row(row, biasColumn)
	if err != nil {
		return nil, err
	}
	bias, err := t.Value(biasColumn, row)
	if err != nil {
		return nil, err
	}
	return &explain.RowAttribution{
		Row:           row,
		Features:      names,
		Contributions: values,
		Bias:          bias,
	}, nil
}
