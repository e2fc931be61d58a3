package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"churnrisk/internal/cfg"
	"churnrisk/internal/explain"
	"churnrisk/internal/h2o"
	"churnrisk/internal/logging"
	"churnrisk/internal/metrics"
	"churnrisk/internal/ml"
	"churnrisk/internal/server"
	"churnrisk/internal/storage"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type flags struct {
	train   string
	test    string
	modelID string
	rows    int
	noPlots bool
	serve   bool
}

func main() {
	var f flags
	flag.StringVar(&f.train, "train", "", "Training CSV, as a path the engine can read")
	flag.StringVar(&f.test, "test", "", "Test CSV, as a path the engine can read")
	flag.StringVar(&f.modelID, "model-id", "", "Model id (generated when empty)")
	flag.IntVar(&f.rows, "rows", 1, "Number of test rows to score, starting at row 0")
	flag.BoolVar(&f.noPlots, "no-plots", false, "Skip explanation plots")
	flag.BoolVar(&f.serve, "serve", false, "Serve the API after scoring until interrupted")
	flag.Parse()

	if f.train == "" || f.test == "" {
		fmt.Fprintln(os.Stderr, "usage: churnrisk -train <csv> -test <csv> [-rows n] [-serve]")
		os.Exit(2)
	}

	if err := run(f); err != nil {
		log.Error().Err(err).Msg("churnrisk failed")
		os.Exit(1)
	}
}

func run(f flags) error {
	c, err := cfg.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	logCloser, err := logging.Setup(c.LogLevel, c.LogFile)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	mw := metrics.NewWrapper(m)

	client := h2o.NewREST(c.EngineURL, h2o.Options{
		Timeout:      c.RESTTimeout,
		PollInterval: c.JobPollInterval,
		JobTimeout:   c.JobTimeout,
		Username:     c.EngineUser,
		Password:     c.EnginePassword,
		Observer:     mw,
	})
	engine, err := ml.NewH2OEngine(client, c.PDBins, c.FrameCacheSize)
	if err != nil {
		return err
	}
	session := ml.NewSessionWithMetrics(engine, ml.SessionOptions{
		TargetColumn:  c.TargetColumn,
		PositiveClass: c.PositiveClass,
		TrainRatio:    c.TrainRatio,
		Seed:          c.Seed,
	}, mw)
	defer closeSession(session)

	store := initializeStorage(c)
	if store != nil {
		defer store.Close()
	}

	if err := session.Start(ctx); err != nil {
		return err
	}
	model, err := session.BuildModel(ctx, f.train, f.modelID)
	if err != nil {
		return err
	}
	test, err := session.SetTestingDataFrame(ctx, f.test)
	if err != nil {
		return err
	}
	if err := session.Predict(ctx); err != nil {
		return err
	}

	record := storage.Run{
		ID:           strings.ReplaceAll(uuid.NewString(), "-", ""),
		ModelID:      model.ID,
		TrainingPath: f.train,
		TestPath:     f.test,
		Rows:         test.Rows,
		Seed:         model.Seed,
		CreatedAt:    time.Now().UTC(),
	}

	outDir := ""
	if !f.noPlots {
		outDir = filepath.Join(c.OutputDir, record.ID)
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return errors.Wrapf(err, "create output dir %s", outDir)
		}
	}

	scores, err := scoreRows(ctx, session, record.ID, f.rows, outDir)
	if err != nil {
		return err
	}

	if store != nil {
		if err := store.SaveRun(record); err != nil {
			log.Warn().Err(err).Str("run", record.ID).Msg("failed to save run")
		} else if err := store.SaveScores(scores); err != nil {
			log.Warn().Err(err).Str("run", record.ID).Msg("failed to save scores")
		} else {
			mw.ScoresStoredAdd(len(scores))
		}
	}

	log.Info().
		Str("run", record.ID).
		Str("model", model.ID).
		Int("scored", len(scores)).
		Msg("scoring complete")

	if !f.serve {
		return nil
	}

	gin.SetMode(gin.ReleaseMode)
	opts := server.Options{Port: c.APIPort, Metrics: mw}
	if store != nil {
		opts.Store = store
	}
	return serve(ctx, server.New(session, opts))
}

// initializeStorage opens the run store if DATA_PATH is configured
func initializeStorage(c cfg.Settings) *storage.Store {
	if c.DataPath == "" {
		return nil
	}
	store, err := storage.New(c.DataPath)
	if err != nil {
		log.Warn().Err(err).Msg("storage initialization failed, continuing without persistence")
		return nil
	}
	return store
}

// scoreRows prints the churn rate of the first n test rows and, when outDir
// is set, saves their three explanation plots there.
func scoreRows(ctx context.Context, session *ml.Session, runID string, n int, outDir string) ([]storage.Score, error) {
	if rows := session.Rows(); n > rows {
		n = rows
	}

	scores := make([]storage.Score, 0, n)
	for row := 0; row < n; row++ {
		if err := ctx.Err(); err != nil {
			return scores, err
		}

		rate, err := session.GetChurnRate(row)
		if err != nil {
			return scores, err
		}
		fmt.Printf("row %d: churn rate %.2f%%\n", row, rate)

		score := storage.Score{RunID: runID, Row: row, ChurnRate: rate, ScoredAt: time.Now().UTC()}
		if outDir != "" {
			if score.TopNegative, score.TopPositive, err = savePlots(ctx, session, row, outDir); err != nil {
				return scores, err
			}
		}
		scores = append(scores, score)
	}
	return scores, nil
}

func savePlots(ctx context.Context, session *ml.Session, row int, outDir string) (negative, positive string, err error) {
	plots := []struct {
		name    string
		explain func(context.Context, int) (*explain.Figure, error)
		feature *string
	}{
		{"shap", session.GetShapExplanation, nil},
		{"negative", session.GetTopNegativeFeatureExplanation, &negative},
		{"positive", session.GetTopPositiveFeatureExplanation, &positive},
	}

	for _, p := range plots {
		fig, err := p.explain(ctx, row)
		if err != nil {
			return "", "", err
		}
		path := filepath.Join(outDir, fmt.Sprintf("row%06d_%s.png", row, p.name))
		if err := fig.Save(path); err != nil {
			return "", "", errors.Wrapf(err, "save %s", path)
		}
		if p.feature != nil && fig.Dependence != nil {
			*p.feature = fig.Dependence.Column
		}
		log.Debug().Int("row", row).Str("plot", path).Msg("explanation saved")
	}
	return negative, positive, nil
}

// serve runs the API until ctx is canceled
func serve(ctx context.Context, srv *server.Server) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("API shutdown timeout, forcing exit")
	}
	return nil
}

func closeSession(session *ml.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := session.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to release engine frames")
	}
}
