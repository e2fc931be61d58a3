package ml

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"churnrisk/internal/common"
	"churnrisk/internal/explain"
)

// MockMetrics implements MetricsInterface for testing
type MockMetrics struct {
	mu                   sync.Mutex
	ModelsTrained        int
	Predictions          int
	ChurnRates           []float64
	Explanations         map[string]int
	PreconditionFailures int
	Latency              map[string]int
}

func (m *MockMetrics) ModelsTrainedInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ModelsTrained++
}

func (m *MockMetrics) PredictionsInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Predictions++
}

func (m *MockMetrics) ChurnRateObserve(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ChurnRates = append(m.ChurnRates, v)
}

func (m *MockMetrics) ExplanationsInc(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Explanations == nil {
		m.Explanations = make(map[string]int)
	}
	m.Explanations[kind]++
}

func (m *MockMetrics) PreconditionFailuresInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PreconditionFailures++
}

func (m *MockMetrics) OperationLatencyObserve(op string, _ float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Latency == nil {
		m.Latency = make(map[string]int)
	}
	m.Latency[op]++
}

// FakeEngine is an in-memory Engine for tests. Files are registered in
// Frames by path; every Predict returns Predictions and every
// PredictContributions returns Contributions.
type FakeEngine struct {
	mu sync.Mutex

	OpenErr   error
	ImportErr error
	TrainErr  error

	Frames        map[string]FrameHandle
	Predictions   *Table
	Contributions *Table

	Opened    bool
	Closed    bool
	Removed   []string
	Explained []string
	Specs     []ModelSpec

	seq    int
	tables map[string]*Table
}

func NewFakeEngine() *FakeEngine {
	return &FakeEngine{
		Frames: make(map[string]FrameHandle),
		tables: make(map[string]*Table),
	}
}

func (f *FakeEngine) next(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s_%d", prefix, f.seq)
}

func (f *FakeEngine) Open(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.OpenErr != nil {
		return errors.Mark(f.OpenErr, ErrEngineUnavailable)
	}
	f.Opened = true
	return nil
}

func (f *FakeEngine) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

func (f *FakeEngine) ImportFrame(_ context.Context, path, prefix string) (FrameHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ImportErr != nil {
		return FrameHandle{}, errors.Mark(errors.Wrapf(f.ImportErr, "import %s", path), ErrImportFailed)
	}
	h, ok := f.Frames[path]
	if !ok {
		return FrameHandle{}, errors.Mark(errors.Newf("import %s: no such file", path), ErrImportFailed)
	}
	h.ID = f.next(prefix)
	return h, nil
}

func (f *FakeEngine) TrainModel(_ context.Context, spec ModelSpec) (ModelHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Specs = append(f.Specs, spec)
	if f.TrainErr != nil {
		return ModelHandle{}, f.TrainErr
	}
	if spec.Training.ColumnIndex(spec.Target) < 0 {
		return ModelHandle{}, columnNotFound(spec.Target, spec.Training.ID)
	}
	id := spec.ModelID
	if id == "" {
		id = f.next("gbm")
	}
	return ModelHandle{
		ID:              id,
		Target:          spec.Target,
		TrainingFrame:   f.next("train_split"),
		ValidationFrame: f.next("valid_split"),
		Seed:            spec.Seed,
		TrainedAt:       time.Now(),
	}, nil
}

func (f *FakeEngine) Predict(_ context.Context, _ ModelHandle, frame FrameHandle) (FrameHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Predictions == nil {
		return FrameHandle{}, errors.New("no predictions configured")
	}
	id := f.next("pred")
	f.tables[id] = f.Predictions
	return FrameHandle{ID: id, Rows: frame.Rows, Columns: f.Predictions.Columns}, nil
}

func (f *FakeEngine) PredictContributions(_ context.Context, _ ModelHandle, frame FrameHandle) (FrameHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Contributions == nil {
		return FrameHandle{}, errors.New("no contributions configured")
	}
	id := f.next("contrib")
	f.tables[id] = f.Contributions
	return FrameHandle{ID: id, Rows: frame.Rows, Columns: f.Contributions.Columns}, nil
}

func (f *FakeEngine) FetchFrame(_ context.Context, frame FrameHandle) (*Table, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[frame.ID]
	if !ok {
		return nil, errors.Newf("frame %s not found", frame.ID)
	}
	return t, nil
}

func (f *FakeEngine) ExplainRow(_ context.Context, _ ModelHandle, _ FrameHandle, row int) (*explain.RowAttribution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Contributions == nil {
		return nil, errors.New("no contributions configured")
	}
	return attributionFromTable(f.Contributions, row, common.BiasTermColumn)
}

func (f *FakeEngine) ExplainFeature(_ context.Context, _ ModelHandle, _ FrameHandle, row int, column string) (*explain.PartialDependence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Explained = append(f.Explained, column)
	return &explain.PartialDependence{
		Column: column,
		Row:    row,
		Values: []float64{0, 1, 2},
		Mean:   []float64{0.2, 0.3, 0.5},
		StdDev: []float64{0.01, 0.02, 0.01},
	}, nil
}

func (f *FakeEngine) Remove(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		f.Removed = append(f.Removed, k)
		delete(f.tables, k)
	}
	return nil
}

// RemovedWithPrefix lists removed keys starting with prefix
func (f *FakeEngine) RemovedWithPrefix(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, k := range f.Removed {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out
}

// NewChurnTables builds prediction and contribution tables with one row per
// probability. Contribution columns are features followed by BiasTerm.
func NewChurnTables(probs []float64, features []string, contrib func(row int) []float64) (*Table, *Table) {
	rows := len(probs)
	pred := &Table{
		Name:    "predictions",
		Columns: []string{common.PredictColumn, "FALSE", common.PositiveClass},
		Data:    [][]float64{make([]float64, rows), make([]float64, rows), make([]float64, rows)},
		Domains: [][]string{{"FALSE", "TRUE"}, nil, nil},
	}
	for i, p := range probs {
		if p >= 0.5 {
			pred.Data[0][i] = 1
		}
		pred.Data[1][i] = 1 - p
		pred.Data[2][i] = p
	}

	cols := append(append([]string(nil), features...), common.BiasTermColumn)
	contribs := &Table{
		Name:    "contributions",
		Columns: cols,
		Data:    make([][]float64, len(cols)),
		Domains: make([][]string, len(cols)),
	}
	for c := range cols {
		contribs.Data[c] = make([]float64, rows)
	}
	for r := 0; r < rows; r++ {
		for c, v := range contrib(r) {
			contribs.Data[c][r] = v
		}
	}
	return pred, contribs
}
