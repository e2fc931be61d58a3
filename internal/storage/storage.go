// Package storage provides persistent storage for churn scoring runs.
// It uses BoltDB as the underlying storage engine: one bucket describes each
// run (model, input files, time) and another holds, in one nested bucket per
// run, the churn rate computed for every scored customer row.
package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

const (
	runsBucket   = "runs"   // Bucket name for run records
	scoresBucket = "scores" // Parent of one per-run bucket of row scores
)

// Run describes one build, test and predict cycle
type Run struct {
	ID           string    `json:"id"`
	ModelID      string    `json:"model_id"`
	TrainingPath string    `json:"training_path"`
	TestPath     string    `json:"test_path"`
	Rows         int64     `json:"rows"`
	Seed         int64     `json:"seed"`
	CreatedAt    time.Time `json:"created_at"`
}

// Score is the churn rate of one test row within a run
type Score struct {
	RunID       string    `json:"run_id"`
	Row         int       `json:"row"`
	ChurnRate   float64   `json:"churn_rate"`
	TopNegative string    `json:"top_negative,omitempty"`
	TopPositive string    `json:"top_positive,omitempty"`
	ScoredAt    time.Time `json:"scored_at"`
}

// Store provides persistent storage for runs and scores using BoltDB
type Store struct {
	db *bbolt.DB
}

// New opens (or creates) churnrisk.db under dataPath and makes sure the
// buckets exist.
func New(dataPath string) (*Store, error) {
	dbPath := filepath.Join(dataPath, "churnrisk.db")

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(runsBucket)); err != nil {
			return fmt.Errorf("create runs bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(scoresBucket)); err != nil {
			return fmt.Errorf("create scores bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database. Closing twice is safe.
func (s *Store) Close() error {
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}

// SaveRun stores or replaces a run record
func (s *Store) SaveRun(run Run) error {
	if run.ID == "" {
		return fmt.Errorf("run has no id")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(run)
		if err != nil {
			return fmt.Errorf("marshal run: %w", err)
		}
		return tx.Bucket([]byte(runsBucket)).Put([]byte(run.ID), data)
	})
}

// GetRun loads a run. ok is false when the run does not exist.
func (s *Store) GetRun(id string) (run Run, ok bool, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(runsBucket)).Get([]byte(id))
		if data == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(data, &run)
	})
	return run, ok, err
}

// ListRuns returns every run, newest first
func (s *Store) ListRuns() ([]Run, error) {
	var runs []Run
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(runsBucket)).ForEach(func(_, v []byte) error {
			var run Run
			if err := json.Unmarshal(v, &run); err != nil {
				return nil // Skip malformed records
			}
			runs = append(runs, run)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	return runs, nil
}

// rowKey pads the row so keys sort by row
func rowKey(row int) []byte {
	return []byte(fmt.Sprintf("%010d", row))
}

func putScore(scores *bbolt.Bucket, score Score) error {
	if score.RunID == "" {
		return fmt.Errorf("score of row %d has no run id", score.Row)
	}
	if score.Row < 0 {
		return fmt.Errorf("score row %d is negative", score.Row)
	}
	data, err := json.Marshal(score)
	if err != nil {
		return fmt.Errorf("marshal score: %w", err)
	}
	run, err := scores.CreateBucketIfNotExists([]byte(score.RunID))
	if err != nil {
		return fmt.Errorf("create scores bucket of run %s: %w", score.RunID, err)
	}
	return run.Put(rowKey(score.Row), data)
}

// SaveScore stores the score of one row
func (s *Store) SaveScore(score Score) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putScore(tx.Bucket([]byte(scoresBucket)), score)
	})
}

// SaveScores stores many scores in a single transaction; either all are
// written or none.
func (s *Store) SaveScores(scores []Score) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(scoresBucket))
		for _, score := range scores {
			if err := putScore(b, score); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetScore loads the score of one row. ok is false when it was never stored.
func (s *Store) GetScore(runID string, row int) (score Score, ok bool, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		run := tx.Bucket([]byte(scoresBucket)).Bucket([]byte(runID))
		if run == nil {
			return nil
		}
		data := run.Get(rowKey(row))
		if data == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(data, &score)
	})
	return score, ok, err
}

// GetScores returns every score of a run ordered by row
func (s *Store) GetScores(runID string) ([]Score, error) {
	var scores []Score

	err := s.db.View(func(tx *bbolt.Tx) error {
		run := tx.Bucket([]byte(scoresBucket)).Bucket([]byte(runID))
		if run == nil {
			return nil
		}
		return run.ForEach(func(_, v []byte) error {
			var score Score
			if err := json.Unmarshal(v, &score); err != nil {
				return nil // Skip malformed records
			}
			scores = append(scores, score)
			return nil
		})
	})

	return scores, err
}
