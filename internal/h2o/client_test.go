package h2o

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockObserver implements Observer for testing
type MockObserver struct {
	mu       sync.Mutex
	requests int
	failures int
	latency  []float64
}

func (m *MockObserver) EngineRequestsInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests++
}

func (m *MockObserver) EngineFailuresInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures++
}

func (m *MockObserver) EngineLatencyObserve(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = append(m.latency, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, mux *http.ServeMux, obs Observer) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewREST(srv.URL, Options{
		Timeout:      2 * time.Second,
		PollInterval: 5 * time.Millisecond,
		JobTimeout:   time.Second,
		Observer:     obs,
	})
}

func doneJob(key, dest string) map[string]any {
	return map[string]any{"jobs": []map[string]any{{
		"key":      map[string]string{"name": key},
		"dest":     map[string]string{"name": dest},
		"status":   JobDone,
		"progress": 1.0,
	}}}
}

func TestCloud(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /3/Cloud", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"version":       "3.46.0.1",
			"cloud_name":    "churn",
			"cloud_size":    1,
			"cloud_healthy": true,
			"consensus":     true,
		})
	})
	obs := &MockObserver{}
	c := newTestClient(t, mux, obs)

	status, err := c.Cloud(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "3.46.0.1", status.Version)
	assert.True(t, status.CloudHealthy)
	assert.Equal(t, 1, status.CloudSize)
	assert.Equal(t, 1, obs.requests)
	assert.Equal(t, 0, obs.failures)
	assert.Len(t, obs.latency, 1)
}

func TestAPIError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /3/Cloud", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"http_status":    500,
			"msg":            "cloud is locked",
			"exception_type": "java.lang.IllegalStateException",
		})
	})
	obs := &MockObserver{}
	c := newTestClient(t, mux, obs)

	_, err := c.Cloud(context.Background())
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
	assert.Equal(t, "cloud is locked", apiErr.Msg)
	assert.Equal(t, "/3/Cloud", apiErr.Path)
	assert.Contains(t, err.Error(), "cloud is locked")
	assert.Equal(t, 1, obs.failures)
}

func TestConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NewServeMux())
	url := srv.URL
	srv.Close()

	c := NewREST(url, Options{Timeout: time.Second})
	_, err := c.Cloud(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/3/Cloud")
}

func TestImportFile(t *testing.T) {
	var parseForm map[string]string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /3/ImportFiles", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/data/train.csv", r.URL.Query().Get("path"))
		writeJSON(w, http.StatusOK, map[string]any{
			"files":              []string{"/data/train.csv"},
			"destination_frames": []string{"nfs://data/train.csv"},
			"fails":              []string{},
		})
	})
	mux.HandleFunc("POST /3/ParseSetup", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, `["nfs://data/train.csv"]`, r.PostForm.Get("source_frames"))
		writeJSON(w, http.StatusOK, map[string]any{
			"parse_type":     "CSV",
			"separator":      44,
			"check_header":   1,
			"number_columns": 3,
			"column_names":   []string{"tenure", "MonthlyCharges", "Churn?"},
			"column_types":   []string{"Numeric", "Numeric", "Enum"},
			"chunk_size":     4194304,
		})
	})
	mux.HandleFunc("POST /3/Parse", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		parseForm = map[string]string{}
		for k := range r.PostForm {
			parseForm[k] = r.PostForm.Get(k)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"job":               map[string]any{"key": map[string]string{"name": "job_parse"}},
			"destination_frame": map[string]string{"name": "train_abc"},
		})
	})
	mux.HandleFunc("GET /3/Jobs/{key}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "job_parse", r.PathValue("key"))
		writeJSON(w, http.StatusOK, doneJob("job_parse", "train_abc"))
	})
	c := newTestClient(t, mux, nil)

	key, err := c.ImportFile(context.Background(), "/data/train.csv", "train_abc")
	require.NoError(t, err)
	assert.Equal(t, "train_abc", key)

	require.NotNil(t, parseForm)
	assert.Equal(t, "train_abc", parseForm["destination_frame"])
	assert.Equal(t, `["tenure","MonthlyCharges","Churn?"]`, parseForm["column_names"])
	assert.Equal(t, `["Numeric","Numeric","Enum"]`, parseForm["column_types"])
	assert.Equal(t, "44", parseForm["separator"])
	assert.Equal(t, "3", parseForm["number_columns"])
	assert.Equal(t, "4194304", parseForm["chunk_size"])
}

func TestImportFile_Failures(t *testing.T) {
	tests := []struct {
		name string
		resp map[string]any
		want string
	}{
		{
			name: "engine cannot read file",
			resp: map[string]any{"fails": []string{"/missing.csv"}},
			want: "could not read",
		},
		{
			name: "nothing imported",
			resp: map[string]any{"destination_frames": []string{}},
			want: "no files found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("GET /3/ImportFiles", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, tt.resp)
			})
			c := newTestClient(t, mux, nil)

			_, err := c.ImportFile(context.Background(), "/missing.csv", "dest")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestWaitForJob(t *testing.T) {
	t.Run("polls until done", func(t *testing.T) {
		var polls atomic.Int32
		mux := http.NewServeMux()
		mux.HandleFunc("GET /3/Jobs/{key}", func(w http.ResponseWriter, r *http.Request) {
			if polls.Add(1) < 3 {
				writeJSON(w, http.StatusOK, map[string]any{"jobs": []map[string]any{{
					"key":      map[string]string{"name": "job_1"},
					"status":   JobRunning,
					"progress": 0.5,
				}}})
				return
			}
			writeJSON(w, http.StatusOK, doneJob("job_1", "model_1"))
		})
		c := newTestClient(t, mux, nil)

		job, err := c.WaitForJob(context.Background(), "job_1")
		require.NoError(t, err)
		assert.Equal(t, JobDone, job.Status)
		assert.Equal(t, "model_1", job.Dest.Name)
		assert.Equal(t, int32(3), polls.Load())
	})

	t.Run("failed job", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("GET /3/Jobs/{key}", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"jobs": []map[string]any{{
				"key":       map[string]string{"name": "job_2"},
				"status":    JobFailed,
				"exception": "response column Churn? not found",
			}}})
		})
		c := newTestClient(t, mux, nil)

		_, err := c.WaitForJob(context.Background(), "job_2")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "response column Churn? not found")
	})

	t.Run("cancelled job", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("GET /3/Jobs/{key}", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"jobs": []map[string]any{{
				"key":    map[string]string{"name": "job_3"},
				"status": JobCancelled,
			}}})
		})
		c := newTestClient(t, mux, nil)

		_, err := c.WaitForJob(context.Background(), "job_3")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cancelled")
	})

	t.Run("job timeout", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("GET /3/Jobs/{key}", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"jobs": []map[string]any{{
				"key":    map[string]string{"name": "job_4"},
				"status": JobRunning,
			}}})
		})
		srv := httptest.NewServer(mux)
		defer srv.Close()
		c := NewREST(srv.URL, Options{PollInterval: 5 * time.Millisecond, JobTimeout: 50 * time.Millisecond})

		_, err := c.WaitForJob(context.Background(), "job_4")
		require.Error(t, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestGetFrame(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /3/Frames/{key}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "pred_1", r.PathValue("key"))
		assert.Equal(t, "0", r.URL.Query().Get("row_offset"))
		assert.Equal(t, "3", r.URL.Query().Get("row_count"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"frames":[{"frame_id":{"name":"pred_1"},"rows":3,"row_offset":0,"row_count":3,
			"columns":[
				{"label":"predict","type":"enum","data":[1,0,1],"domain":["FALSE","TRUE"]},
				{"label":"FALSE","type":"real","data":[0.5679,0.9,"NaN"]},
				{"label":"TRUE","type":"real","data":[0.4321,0.1,null]}
			]}]}`))
	})
	c := newTestClient(t, mux, nil)

	frame, err := c.GetFrame(context.Background(), "pred_1", 0, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), frame.Rows)
	assert.Equal(t, []string{"predict", "FALSE", "TRUE"}, frame.ColumnNames())
	assert.True(t, frame.Columns[0].IsCategorical())
	assert.Equal(t, Float(0.4321), frame.Columns[2].Data[0])
	assert.True(t, math.IsNaN(float64(frame.Columns[1].Data[2])))
	assert.True(t, math.IsNaN(float64(frame.Columns[2].Data[2])))
}

func TestSplitFrame(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /3/SplitFrame", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "train_abc", r.PostForm.Get("dataset"))
		assert.Equal(t, "[0.8]", r.PostForm.Get("ratios"))
		assert.Equal(t, `["t_part","v_part"]`, r.PostForm.Get("destination_frames"))
		writeJSON(w, http.StatusOK, map[string]any{
			"key":                map[string]string{"name": "job_split"},
			"destination_frames": []map[string]string{{"name": "t_part"}, {"name": "v_part"}},
		})
	})
	mux.HandleFunc("GET /3/Jobs/{key}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, doneJob("job_split", ""))
	})
	c := newTestClient(t, mux, nil)

	parts, err := c.SplitFrame(context.Background(), "train_abc", []float64{0.8}, []string{"t_part", "v_part"})
	require.NoError(t, err)
	assert.Equal(t, []string{"t_part", "v_part"}, parts)

	_, err = c.SplitFrame(context.Background(), "train_abc", []float64{0.8}, []string{"only_one"})
	assert.Error(t, err)
}

func TestTrainGBM(t *testing.T) {
	t.Run("trains with seed", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("POST /3/ModelBuilders/gbm", func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "churn_gbm", r.PostForm.Get("model_id"))
			assert.Equal(t, "t_part", r.PostForm.Get("training_frame"))
			assert.Equal(t, "v_part", r.PostForm.Get("validation_frame"))
			assert.Equal(t, "Churn?", r.PostForm.Get("response_column"))
			assert.Equal(t, "1234", r.PostForm.Get("seed"))
			assert.Empty(t, r.PostForm.Get("ignored_columns"))
			writeJSON(w, http.StatusOK, map[string]any{
				"job": map[string]any{
					"key":  map[string]string{"name": "job_gbm"},
					"dest": map[string]string{"name": "churn_gbm"},
				},
			})
		})
		mux.HandleFunc("GET /3/Jobs/{key}", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, doneJob("job_gbm", "churn_gbm"))
		})
		c := newTestClient(t, mux, nil)

		key, err := c.TrainGBM(context.Background(), GBMParams{
			ModelID:         "churn_gbm",
			TrainingFrame:   "t_part",
			ValidationFrame: "v_part",
			ResponseColumn:  "Churn?",
			Seed:            1234,
		})
		require.NoError(t, err)
		assert.Equal(t, "churn_gbm", key)
	})

	t.Run("rejected parameters", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("POST /3/ModelBuilders/gbm", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"error_count": 1,
				"messages": []map[string]string{
					{"message_type": "ERRR", "field_name": "response_column", "message": "not found in frame"},
					{"message_type": "INFO", "field_name": "seed", "message": "ok"},
				},
			})
		})
		c := newTestClient(t, mux, nil)

		_, err := c.TrainGBM(context.Background(), GBMParams{ModelID: "m", TrainingFrame: "t", ResponseColumn: "x"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "response_column: not found in frame")
		assert.NotContains(t, err.Error(), "seed")
	})
}

func TestPredict(t *testing.T) {
	var contributions atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("POST /4/Predictions/models/{model}/frames/{frame}", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "churn_gbm", r.PathValue("model"))
		assert.Equal(t, "test_1", r.PathValue("frame"))
		dest := r.PostForm.Get("predictions_frame")
		if r.PostForm.Get("predict_contributions") == "true" {
			contributions.Store(true)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"key":  map[string]string{"name": "job_" + dest},
			"dest": map[string]string{"name": dest},
		})
	})
	mux.HandleFunc("GET /3/Jobs/{key}", func(w http.ResponseWriter, r *http.Request) {
		key := r.PathValue("key")
		writeJSON(w, http.StatusOK, doneJob(key, key[len("job_"):]))
	})
	c := newTestClient(t, mux, nil)

	key, err := c.Predict(context.Background(), "churn_gbm", "test_1", "pred_1")
	require.NoError(t, err)
	assert.Equal(t, "pred_1", key)
	assert.False(t, contributions.Load())

	key, err = c.PredictContributions(context.Background(), "churn_gbm", "test_1", "contrib_1")
	require.NoError(t, err)
	assert.Equal(t, "contrib_1", key)
	assert.True(t, contributions.Load())
}

func TestPartialDependence(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /3/PartialDependence/", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, `["tenure"]`, r.PostForm.Get("cols"))
		assert.Equal(t, "7", r.PostForm.Get("row_index"))
		assert.Equal(t, "20", r.PostForm.Get("nbins"))
		writeJSON(w, http.StatusOK, map[string]any{
			"key":  map[string]string{"name": "job_pd"},
			"dest": map[string]string{"name": "pd_1"},
		})
	})
	mux.HandleFunc("GET /3/Jobs/{key}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, doneJob("job_pd", "pd_1"))
	})
	mux.HandleFunc("GET /3/PartialDependence/{key}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "pd_1", r.PathValue("key"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"partial_dependence_data":[{
			"name":"PartialDependence","rowcount":2,
			"columns":[{"name":"tenure","type":"double"},{"name":"mean_response","type":"double"},
				{"name":"stddev_response","type":"double"},{"name":"std_error_mean_response","type":"double"}],
			"data":[[1.0,72.0],[0.61,0.12],[0.0,0.0],[0.0,0.0]]}]}`))
	})
	c := newTestClient(t, mux, nil)

	table, err := c.PartialDependence(context.Background(), PartialDependenceParams{
		Model:    "churn_gbm",
		Frame:    "test_1",
		Column:   "tenure",
		RowIndex: 7,
		NBins:    20,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, table.RowCount)
	assert.Equal(t, 1, table.ColumnIndex("mean_response"))
	assert.Equal(t, -1, table.ColumnIndex("absent"))

	v, err := table.Float(1, 0)
	require.NoError(t, err)
	assert.Equal(t, 0.61, v)

	s, err := table.String(0, 1)
	require.NoError(t, err)
	assert.Equal(t, "72", s)

	_, err = table.Float(9, 0)
	assert.Error(t, err)
}

func TestRemove(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /3/DKV/{key}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("key") == "gone" {
			writeJSON(w, http.StatusNotFound, map[string]any{"http_status": 404, "msg": "Object 'gone' not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{})
	})
	c := newTestClient(t, mux, nil)

	assert.NoError(t, c.Remove(context.Background(), "pred_1"))
	assert.NoError(t, c.Remove(context.Background(), "gone"))
}

func TestFloat_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		nan  bool
	}{
		{in: `0.25`, want: 0.25},
		{in: `"0.5"`, want: 0.5},
		{in: `"NaN"`, nan: true},
		{in: `null`, nan: true},
		{in: `"Infinity"`, want: math.Inf(1)},
		{in: `"-Infinity"`, want: math.Inf(-1)},
	}

	for _, tt := range tests {
		var f Float
		require.NoError(t, json.Unmarshal([]byte(tt.in), &f), tt.in)
		if tt.nan {
			assert.True(t, math.IsNaN(float64(f)), tt.in)
			continue
		}
		assert.Equal(t, tt.want, float64(f), tt.in)
	}

	var f Float
	assert.Error(t, json.Unmarshal([]byte(`"abc"`), &f))
}
