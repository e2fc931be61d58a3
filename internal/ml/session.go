package ml

import (
	"context"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/floats"

	"churnrisk/internal/common"
	"churnrisk/internal/explain"
)

// SessionOptions fixes the dataset conventions and training parameters
type SessionOptions struct {
	TargetColumn  string
	PositiveClass string
	TrainRatio    float64
	Seed          int64
}

func (o *SessionOptions) withDefaults() {
	if o.TargetColumn == "" {
		o.TargetColumn = common.TargetColumn
	}
	if o.PositiveClass == "" {
		o.PositiveClass = common.PositiveClass
	}
	if o.TrainRatio <= 0 || o.TrainRatio >= 1 {
		o.TrainRatio = common.DefaultTrainRatio
	}
	if o.Seed == 0 {
		o.Seed = common.DefaultSeed
	}
}

// Session holds one model, one test frame and the predictions of the model on
// that frame. Operations run in the order Start, BuildModel,
// SetTestingDataFrame, Predict, then any of the row accessors; calling one
// before its prerequisites fails with a precondition error.
type Session struct {
	engine  Engine
	opts    SessionOptions
	metrics MetricsInterface

	mu            sync.Mutex
	started       bool
	training      *FrameHandle
	model         *ModelHandle
	test          *FrameHandle
	predFrame     *FrameHandle
	contribFrame  *FrameHandle
	predictions   *Table
	contributions *Table
	predictedAt   time.Time
}

func NewSession(engine Engine, opts SessionOptions) *Session {
	return NewSessionWithMetrics(engine, opts, nil)
}

func NewSessionWithMetrics(engine Engine, opts SessionOptions, metrics MetricsInterface) *Session {
	opts.withDefaults()
	return &Session{
		engine:  engine,
		opts:    opts,
		metrics: metrics,
	}
}

// Options returns the options in effect, defaults applied
func (s *Session) Options() SessionOptions {
	return s.opts
}

// Start opens the engine. Starting twice is a no-op.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if err := s.engine.Open(ctx); err != nil {
		return errors.Mark(errors.Wrap(err, "start session"), ErrEngineUnavailable)
	}
	s.started = true
	log.Info().Msg("churn session started")
	return nil
}

// Close releases every engine object the session created and closes the
// engine. The session must be started again before further use.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.started = false
	s.training, s.model, s.test = nil, nil, nil
	s.resetPredictions()

	if err := s.engine.Close(ctx); err != nil {
		return errors.Wrap(err, "close session")
	}
	log.Info().Msg("churn session closed")
	return nil
}

// BuildModel imports the training file and fits a gradient boosting model
// predicting the target column from every other column. A previous model and
// its frames are released once the new one is trained.
func (s *Session) BuildModel(ctx context.Context, trainingPath, modelID string) (ModelHandle, error) {
	defer s.observe("build_model", time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireStarted(); err != nil {
		return ModelHandle{}, err
	}

	training, err := s.engine.ImportFrame(ctx, trainingPath, "train")
	if err != nil {
		return ModelHandle{}, errors.Mark(errors.Wrap(err, "build model"), ErrImportFailed)
	}

	model, err := s.engine.TrainModel(ctx, ModelSpec{
		ModelID:    modelID,
		Training:   training,
		Target:     s.opts.TargetColumn,
		TrainRatio: s.opts.TrainRatio,
		Seed:       s.opts.Seed,
	})
	if err != nil {
		s.release(ctx, training.ID)
		return ModelHandle{}, errors.Wrap(err, "build model")
	}

	var stale []string
	if s.model != nil {
		stale = append(stale, s.model.ID, s.model.TrainingFrame, s.model.ValidationFrame)
	}
	if s.training != nil {
		stale = append(stale, s.training.ID)
	}
	stale = append(stale, s.resetPredictions()...)
	s.release(ctx, without(stale, model.ID, model.TrainingFrame, model.ValidationFrame, training.ID)...)

	s.training = &training
	s.model = &model
	if s.metrics != nil {
		s.metrics.ModelsTrainedInc()
	}

	log.Info().
		Str("model", model.ID).
		Str("path", trainingPath).
		Int64("rows", training.Rows).
		Int64("seed", model.Seed).
		Msg("model built")
	return model, nil
}

// SetTestingDataFrame imports the file as the frame to score, replacing any
// earlier test frame and discarding its predictions.
func (s *Session) SetTestingDataFrame(ctx context.Context, path string) (FrameHandle, error) {
	defer s.observe("set_testing_data_frame", time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireStarted(); err != nil {
		return FrameHandle{}, err
	}

	test, err := s.engine.ImportFrame(ctx, path, "test")
	if err != nil {
		return FrameHandle{}, errors.Mark(errors.Wrap(err, "set testing data frame"), ErrImportFailed)
	}

	stale := s.resetPredictions()
	if s.test != nil && s.test.ID != test.ID {
		stale = append(stale, s.test.ID)
	}
	s.release(ctx, stale...)
	s.test = &test

	log.Info().
		Str("frame", test.ID).
		Str("path", path).
		Int64("rows", test.Rows).
		Msg("testing data frame set")
	return test, nil
}

// Predict scores the test frame and computes feature contributions for every
// row.
func (s *Session) Predict(ctx context.Context) error {
	defer s.observe("predict", time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireStarted(); err != nil {
		return err
	}
	if s.model == nil {
		return s.precondition(ErrModelNotBuilt)
	}
	if s.test == nil {
		return s.precondition(ErrTestFrameNotSet)
	}

	predFrame, err := s.engine.Predict(ctx, *s.model, *s.test)
	if err != nil {
		return errors.Wrap(err, "predict")
	}
	contribFrame, err := s.engine.PredictContributions(ctx, *s.model, *s.test)
	if err != nil {
		s.release(ctx, predFrame.ID)
		return errors.Wrap(err, "predict")
	}

	predictions, err := s.engine.FetchFrame(ctx, predFrame)
	if err != nil {
		s.release(ctx, predFrame.ID, contribFrame.ID)
		return errors.Wrap(err, "predict")
	}
	contributions, err := s.engine.FetchFrame(ctx, contribFrame)
	if err != nil {
		s.release(ctx, predFrame.ID, contribFrame.ID)
		return errors.Wrap(err, "predict")
	}
	if predictions.ColumnIndex(s.opts.PositiveClass) < 0 {
		s.release(ctx, predFrame.ID, contribFrame.ID)
		return errors.Wrap(columnNotFound(s.opts.PositiveClass, predFrame.ID), "predict")
	}

	s.release(ctx, s.resetPredictions()...)
	s.predFrame = &predFrame
	s.contribFrame = &contribFrame
	s.predictions = predictions
	s.contributions = contributions
	s.predictedAt = time.Now()
	if s.metrics != nil {
		s.metrics.PredictionsInc()
	}

	log.Info().
		Str("model", s.model.ID).
		Str("frame", s.test.ID).
		Int("rows", predictions.Rows()).
		Msg("predictions computed")
	return nil
}

// GetChurnRate is the positive-class probability of row as a percentage
// rounded to two decimals.
func (s *Session) GetChurnRate(row int) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requirePredicted(row); err != nil {
		return 0, err
	}

	p, err := s.predictions.Value(s.opts.PositiveClass, row)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(p) {
		return 0, errors.Newf("row %d has no %s probability", row, s.opts.PositiveClass)
	}

	rate := roundPercent(p * 100)
	if s.metrics != nil {
		s.metrics.ChurnRateObserve(rate)
	}
	return rate, nil
}

// GetShapExplanation renders the row's feature contributions
func (s *Session) GetShapExplanation(ctx context.Context, row int) (*explain.Figure, error) {
	defer s.observe("shap_explanation", time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requirePredicted(row); err != nil {
		return nil, err
	}

	a, err := s.engine.ExplainRow(ctx, *s.model, *s.test, row)
	if err != nil {
		return nil, errors.Wrapf(err, "explain row %d", row)
	}
	fig, err := explain.ShapRowPlot(a)
	if err != nil {
		return nil, errors.Wrapf(err, "explain row %d", row)
	}
	s.explained(explain.KindShapRow)
	return fig, nil
}

// GetTopNegativeFeatureExplanation renders the partial dependence of the
// feature that pulled row's prediction down the most. Ties go to the leftmost
// contribution column.
func (s *Session) GetTopNegativeFeatureExplanation(ctx context.Context, row int) (*explain.Figure, error) {
	defer s.observe("top_negative_explanation", time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requirePredicted(row); err != nil {
		return nil, err
	}

	names, values, err := s.featureContributions(row)
	if err != nil {
		return nil, err
	}
	column := names[floats.MinIdx(values)]

	return s.explainFeature(ctx, row, column)
}

// GetTopPositiveFeatureExplanation renders the partial dependence of the
// feature that pushed row's prediction up the most. Ties go to the leftmost
// contribution column. The winning position is resolved to a name through
// the test frame's column order.
func (s *Session) GetTopPositiveFeatureExplanation(ctx context.Context, row int) (*explain.Figure, error) {
	defer s.observe("top_positive_explanation", time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requirePredicted(row); err != nil {
		return nil, err
	}

	_, values, err := s.featureContributions(row)
	if err != nil {
		return nil, err
	}
	pos := floats.MaxIdx(values)
	if pos >= len(s.test.Columns) {
		return nil, errors.Wrapf(ErrColumnNotFound, "contribution %d has no column in %s", pos, s.test.ID)
	}
	column := s.test.Columns[pos]

	return s.explainFeature(ctx, row, column)
}

// featureContributions returns row's contributions without the bias term
func (s *Session) featureContributions(row int) ([]string, []float64, error) {
	names, values, err := s.contributions.Row(row, common.BiasTermColumn)
	if err != nil {
		return nil, nil, err
	}
	if len(values) == 0 {
		return nil, nil, errors.Wrapf(ErrColumnNotFound, "no feature contributions in %s", s.contributions.Name)
	}
	finite := false
	for _, v := range values {
		if !math.IsNaN(v) {
			finite = true
			break
		}
	}
	if !finite {
		return nil, nil, errors.Newf("row %d has no finite contributions", row)
	}
	return names, values, nil
}

func (s *Session) explainFeature(ctx context.Context, row int, column string) (*explain.Figure, error) {
	pd, err := s.engine.ExplainFeature(ctx, *s.model, *s.test, row, column)
	if err != nil {
		return nil, errors.Wrapf(err, "explain %s for row %d", column, row)
	}
	fig, err := explain.PartialDependencePlot(pd)
	if err != nil {
		return nil, errors.Wrapf(err, "explain %s for row %d", column, row)
	}
	s.explained(explain.KindPartialDependence)

	log.Debug().Int("row", row).Str("feature", column).Msg("feature explained")
	return fig, nil
}

// Rows is the number of rows of the test frame, or 0 when none is set
func (s *Session) Rows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.test == nil {
		return 0
	}
	return int(s.test.Rows)
}

// SessionSummary describes what the session currently holds
type SessionSummary struct {
	Started       bool       `json:"started"`
	ModelID       string     `json:"model_id,omitempty"`
	TrainingFrame string     `json:"training_frame,omitempty"`
	TestFrame     string     `json:"test_frame,omitempty"`
	TestRows      int64      `json:"test_rows"`
	Predicted     bool       `json:"predicted"`
	TrainedAt     *time.Time `json:"trained_at,omitempty"`
	PredictedAt   *time.Time `json:"predicted_at,omitempty"`
}

func (s *Session) Summary() SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := SessionSummary{Started: s.started, Predicted: s.predictions != nil}
	if s.training != nil {
		sum.TrainingFrame = s.training.ID
	}
	if s.model != nil {
		sum.ModelID = s.model.ID
		trained := s.model.TrainedAt
		sum.TrainedAt = &trained
	}
	if s.test != nil {
		sum.TestFrame = s.test.ID
		sum.TestRows = s.test.Rows
	}
	if s.predictions != nil {
		predicted := s.predictedAt
		sum.PredictedAt = &predicted
	}
	return sum
}

func (s *Session) requireStarted() error {
	if !s.started {
		return s.precondition(ErrSessionNotStarted)
	}
	return nil
}

// requirePredicted checks predictions exist and row indexes them
func (s *Session) requirePredicted(row int) error {
	if err := s.requireStarted(); err != nil {
		return err
	}
	if s.predictions == nil {
		return s.precondition(ErrNotPredicted)
	}
	if rows := s.predictions.Rows(); row < 0 || row >= rows {
		return rowOutOfRange(row, rows)
	}
	return nil
}

func (s *Session) precondition(err error) error {
	if s.metrics != nil {
		s.metrics.PreconditionFailuresInc()
	}
	return errors.WithStack(err)
}

// resetPredictions drops the cached predictions and returns the engine keys
// that held them.
func (s *Session) resetPredictions() []string {
	var keys []string
	if s.predFrame != nil {
		keys = append(keys, s.predFrame.ID)
	}
	if s.contribFrame != nil {
		keys = append(keys, s.contribFrame.ID)
	}
	s.predFrame, s.contribFrame = nil, nil
	s.predictions, s.contributions = nil, nil
	s.predictedAt = time.Time{}
	return keys
}

// release removes engine keys no longer referenced. Failures only leak
// engine memory until Close, so they are logged.
func (s *Session) release(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := s.engine.Remove(ctx, keys...); err != nil {
		log.Warn().Err(err).Strs("keys", keys).Msg("failed to release engine keys")
	}
}

func (s *Session) explained(kind explain.Kind) {
	if s.metrics != nil {
		s.metrics.ExplanationsInc(string(kind))
	}
}

func (s *Session) observe(op string, start time.Time) {
	if s.metrics != nil {
		s.metrics.OperationLatencyObserve(op, time.Since(start).Seconds())
	}
}

// roundPercent rounds v to two decimals from its exact binary value, ties to
// even, so 0.125 gives 0.12.
func roundPercent(v float64) float64 {
	r, err := strconv.ParseFloat(strconv.FormatFloat(v, 'f', 2, 64), 64)
	if err != nil {
		return v
	}
	return r
}

func without(keys []string, drop ...string) []string {
	out := keys[:0]
	for _, k := range keys {
		if k != "" && !contains(drop, k) {
			out = append(out, k)
		}
	}
	return out
}
