package ml

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"churnrisk/internal/common"
	"churnrisk/internal/explain"
	"churnrisk/internal/h2o"
)

// framePageSize bounds the rows fetched per /3/Frames request
const framePageSize = 10000

// H2OEngine runs the session against an H2O-3 cluster. Every key it creates
// gets a unique name and is tracked, so Close leaves the cluster clean.
type H2OEngine struct {
	client *h2o.Client
	pdBins int
	tables *lru.Cache[string, *Table]

	mu            sync.Mutex
	keys          []string
	contributions map[string]FrameHandle
}

func NewH2OEngine(client *h2o.Client, pdBins, cacheSize int) (*H2OEngine, error) {
	if pdBins <= 0 {
		pdBins = common.DefaultPDBins
	}
	if cacheSize <= 0 {
		cacheSize = common.DefaultFrameCacheSize
	}
	tables, err := lru.New[string, *Table](cacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "frame cache")
	}
	return &H2OEngine{
		client:        client,
		pdBins:        pdBins,
		tables:        tables,
		contributions: make(map[string]FrameHandle),
	}, nil
}

func newKey(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (e *H2OEngine) track(keys ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, k := range keys {
		if k != "" && !contains(e.keys, k) {
			e.keys = append(e.keys, k)
		}
	}
}

func (e *H2OEngine) untrack(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, k := range e.keys {
		if k == key {
			e.keys = append(e.keys[:i], e.keys[i+1:]...)
			break
		}
	}
	for ref, f := range e.contributions {
		if f.ID == key || strings.HasPrefix(ref, key+"|") || strings.HasSuffix(ref, "|"+key) {
			delete(e.contributions, ref)
		}
	}
}

// Keys lists the engine keys created and not yet removed
func (e *H2OEngine) Keys() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.keys...)
}

// Open checks the cluster answers and is healthy
func (e *H2OEngine) Open(ctx context.Context) error {
	status, err := e.client.Cloud(ctx)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "connect to %s", e.client.BaseURL()), ErrEngineUnavailable)
	}
	if !status.CloudHealthy {
		return errors.Mark(errors.Newf("cloud %s at %s is not healthy", status.CloudName, e.client.BaseURL()), ErrEngineUnavailable)
	}

	log.Info().
		Str("url", e.client.BaseURL()).
		Str("version", status.Version).
		Str("cloud", status.CloudName).
		Int("nodes", status.CloudSize).
		Msg("connected to modeling engine")
	return nil
}

// Close removes every key this engine created, newest first
func (e *H2OEngine) Close(ctx context.Context) error {
	keys := e.Keys()
	for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
		keys[i], keys[j] = keys[j], keys[i]
	}
	err := e.Remove(ctx, keys...)
	e.tables.Purge()
	if err != nil {
		return errors.Wrap(err, "close engine")
	}
	log.Info().Int("keys", len(keys)).Msg("released engine keys")
	return nil
}

func (e *H2OEngine) ImportFrame(ctx context.Context, path, prefix string) (FrameHandle, error) {
	key, err := e.client.ImportFile(ctx, path, newKey(prefix))
	if err != nil {
		return FrameHandle{}, errors.Mark(errors.Wrapf(err, "import %s", path), ErrImportFailed)
	}
	e.track(key)

	return e.describe(ctx, key)
}

// describe fetches the shape of a frame without its data
func (e *H2OEngine) describe(ctx context.Context, key string) (FrameHandle, error) {
	frame, err := e.client.GetFrame(ctx, key, 0, 0)
	if err != nil {
		return FrameHandle{}, errors.Wrapf(err, "describe frame %s", key)
	}
	return FrameHandle{
		ID:      key,
		Rows:    frame.Rows,
		Columns: frame.ColumnNames(),
	}, nil
}

// TrainModel splits the training frame by TrainRatio and fits a GBM on the
// first part, validating on the rest. The split uses the engine's own
// randomness; Seed only fixes the GBM.
func (e *H2OEngine) TrainModel(ctx context.Context, spec ModelSpec) (ModelHandle, error) {
	if spec.Training.ColumnIndex(spec.Target) < 0 {
		return ModelHandle{}, columnNotFound(spec.Target, spec.Training.ID)
	}

	parts, err := e.client.SplitFrame(ctx, spec.Training.ID,
		[]float64{spec.TrainRatio},
		[]string{newKey("train"), newKey("valid")})
	if err != nil {
		return ModelHandle{}, errors.Wrap(err, "split training frame")
	}
	e.track(parts...)

	modelID := spec.ModelID
	if modelID == "" {
		modelID = newKey("gbm")
	}
	key, err := e.client.TrainGBM(ctx, h2o.GBMParams{
		ModelID:         modelID,
		TrainingFrame:   parts[0],
		ValidationFrame: parts[1],
		ResponseColumn:  spec.Target,
		Seed:            spec.Seed,
	})
	if err != nil {
		err = errors.Wrapf(err, "train model %s", modelID)
		if rmErr := e.Remove(ctx, parts...); rmErr != nil {
			err = errors.CombineErrors(err, rmErr)
		}
		return ModelHandle{}, err
	}
	e.track(key)

	return ModelHandle{
		ID:              key,
		Target:          spec.Target,
		TrainingFrame:   parts[0],
		ValidationFrame: parts[1],
		Seed:            spec.Seed,
		TrainedAt:       time.Now(),
	}, nil
}

func (e *H2OEngine) Predict(ctx context.Context, model ModelHandle, frame FrameHandle) (FrameHandle, error) {
	key, err := e.client.Predict(ctx, model.ID, frame.ID, newKey("pred"))
	if err != nil {
		return FrameHandle{}, errors.Wrap(err, "predict")
	}
	e.track(key)
	return FrameHandle{ID: key, Rows: frame.Rows}, nil
}

func (e *H2OEngine) PredictContributions(ctx context.Context, model ModelHandle, frame FrameHandle) (FrameHandle, error) {
	key, err := e.client.PredictContributions(ctx, model.ID, frame.ID, newKey("contrib"))
	if err != nil {
		return FrameHandle{}, errors.Wrap(err, "predict contributions")
	}
	e.track(key)

	out := FrameHandle{ID: key, Rows: frame.Rows}
	e.mu.Lock()
	e.contributions[model.ID+"|"+frame.ID] = out
	e.mu.Unlock()
	return out, nil
}

// FetchFrame downloads a whole frame page by page. Results are cached by
// key; frames are immutable once created.
func (e *H2OEngine) FetchFrame(ctx context.Context, frame FrameHandle) (*Table, error) {
	if t, ok := e.tables.Get(frame.ID); ok {
		return t, nil
	}

	var t *Table
	var offset, total int64
	for {
		page, err := e.client.GetFrame(ctx, frame.ID, offset, framePageSize)
		if err != nil {
			return nil, errors.Wrapf(err, "fetch frame %s", frame.ID)
		}
		if t == nil {
			total = page.Rows
			t = newTable(frame.ID, page, total)
		}
		appendPage(t, page)

		offset += page.RowCount
		if page.RowCount <= 0 || offset >= total {
			break
		}
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}

	e.tables.Add(frame.ID, t)
	log.Debug().Str("frame", frame.ID).Int("rows", t.Rows()).Int("columns", len(t.Columns)).Msg("fetched frame")
	return t, nil
}

func newTable(name string, page *h2o.Frame, rows int64) *Table {
	t := &Table{
		Name:    name,
		Columns: page.ColumnNames(),
		Data:    make([][]float64, len(page.Columns)),
		Domains: make([][]string, len(page.Columns)),
	}
	for i := range page.Columns {
		t.Data[i] = make([]float64, 0, rows)
		if page.Columns[i].IsCategorical() {
			t.Domains[i] = page.Columns[i].Domain
		}
	}
	return t
}

func appendPage(t *Table, page *h2o.Frame) {
	for i := range page.Columns {
		if i >= len(t.Data) {
			break
		}
		col := &page.Columns[i]
		if col.Data == nil && col.StringData != nil {
			for range col.StringData {
				t.Data[i] = append(t.Data[i], math.NaN())
			}
			continue
		}
		for _, v := range col.Data {
			t.Data[i] = append(t.Data[i], float64(v))
		}
	}
}

// ExplainRow reads the row's contributions, computing them first when
// Predict has not already done so for this model and frame.
func (e *H2OEngine) ExplainRow(ctx context.Context, model ModelHandle, frame FrameHandle, row int) (*explain.RowAttribution, error) {
	e.mu.Lock()
	contrib, ok := e.contributions[model.ID+"|"+frame.ID]
	e.mu.Unlock()

	if !ok {
		var err error
		contrib, err = e.PredictContributions(ctx, model, frame)
		if err != nil {
			return nil, err
		}
	}

	t, err := e.FetchFrame(ctx, contrib)
	if err != nil {
		return nil, err
	}
	return attributionFromTable(t, row, common.BiasTermColumn)
}

// ExplainFeature computes the partial dependence of column for a single row
func (e *H2OEngine) ExplainFeature(ctx context.Context, model ModelHandle, frame FrameHandle, row int, column string) (*explain.PartialDependence, error) {
	// The job may create dest before failing
	dest := newKey("pd")
	e.track(dest)
	table, err := e.client.PartialDependence(ctx, h2o.PartialDependenceParams{
		Model:    model.ID,
		Frame:    frame.ID,
		Column:   column,
		RowIndex: row,
		NBins:    e.pdBins,
		Dest:     dest,
	})
	if err != nil {
		err = errors.Wrapf(err, "explain %s for row %d", column, row)
		if rmErr := e.Remove(ctx, dest); rmErr != nil {
			err = errors.CombineErrors(err, rmErr)
		}
		return nil, err
	}

	pd, err := partialDependenceFromTable(table, column, row)
	if err != nil {
		return nil, errors.Wrapf(err, "explain %s for row %d", column, row)
	}
	return pd, nil
}

func partialDependenceFromTable(t *h2o.TwoDimTable, column string, row int) (*explain.PartialDependence, error) {
	if len(t.Columns) == 0 {
		return nil, errors.Newf("partial dependence table %s has no columns", t.Name)
	}
	mean := t.ColumnIndex("mean_response")
	if mean < 0 {
		return nil, columnNotFound("mean_response", t.Name)
	}

	pd := &explain.PartialDependence{
		Column:      column,
		Row:         row,
		Categorical: t.Columns[0].Type == "string",
	}

	readFloats := func(col int) ([]float64, error) {
		out := make([]float64, t.RowCount)
		for r := range out {
			v, err := t.Float(col, r)
			if err != nil {
				return nil, err
			}
			out[r] = v
		}
		return out, nil
	}

	var err error
	if pd.Categorical {
		pd.Levels = make([]string, t.RowCount)
		for r := range pd.Levels {
			if pd.Levels[r], err = t.String(0, r); err != nil {
				return nil, err
			}
		}
	} else if pd.Values, err = readFloats(0); err != nil {
		return nil, err
	}

	if pd.Mean, err = readFloats(mean); err != nil {
		return nil, err
	}
	if col := t.ColumnIndex("stddev_response"); col >= 0 {
		if pd.StdDev, err = readFloats(col); err != nil {
			return nil, err
		}
	}
	if col := t.ColumnIndex("std_error_mean_response"); col >= 0 {
		if pd.StdErr, err = readFloats(col); err != nil {
			return nil, err
		}
	}
	return pd, pd.Validate()
}

// Remove deletes keys from the cluster. Every key is attempted; failures are
// combined.
func (e *H2OEngine) Remove(ctx context.Context, keys ...string) error {
	var result error
	for _, k := range keys {
		if k == "" {
			continue
		}
		if err := e.client.Remove(ctx, k); err != nil {
			result = errors.CombineErrors(result, errors.Wrapf(err, "remove %s", k))
			continue
		}
		e.untrack(k)
		e.tables.Remove(k)
	}
	return result
}
