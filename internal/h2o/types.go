package h2o

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Key names an object in the engine's key-value store
type Key struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// Float decodes engine numbers, which may arrive as "NaN", "Infinity" or null
type Float float64

func (f *Float) UnmarshalJSON(b []byte) error {
	switch string(b) {
	case "null", `"NaN"`, `"nan"`:
		*f = Float(math.NaN())
		return nil
	case `"Infinity"`, `"Inf"`:
		*f = Float(math.Inf(1))
		return nil
	case `"-Infinity"`, `"-Inf"`:
		*f = Float(math.Inf(-1))
		return nil
	}

	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		// Some builds quote every number
		var s string
		if err2 := json.Unmarshal(b, &s); err2 != nil {
			return err
		}
		parsed, err2 := strconv.ParseFloat(s, 64)
		if err2 != nil {
			return fmt.Errorf("invalid engine number %q: %w", s, err2)
		}
		v = parsed
	}
	*f = Float(v)
	return nil
}

// Column is one column of a /3/Frames payload
type Column struct {
	Label        string    `json:"label"`
	Type         string    `json:"type"`
	Data         []Float   `json:"data"`
	Domain       []string  `json:"domain"`
	StringData   []*string `json:"string_data"`
	MissingCount int64     `json:"missing_count"`
}

// IsCategorical reports whether Data holds indices into Domain
func (c *Column) IsCategorical() bool {
	return c.Type == "enum"
}

// Frame is a window of rows from an engine frame
type Frame struct {
	FrameID     Key      `json:"frame_id"`
	Rows        int64    `json:"rows"`
	RowOffset   int64    `json:"row_offset"`
	RowCount    int64    `json:"row_count"`
	NumColumns  int      `json:"num_columns"`
	ColumnCount int      `json:"column_count"`
	Columns     []Column `json:"columns"`
}

// ColumnNames lists the labels in frame order
func (f *Frame) ColumnNames() []string {
	names := make([]string, len(f.Columns))
	for i, col := range f.Columns {
		names[i] = col.Label
	}
	return names
}

// Job is an engine background job
type Job struct {
	Key       Key      `json:"key"`
	Dest      Key      `json:"dest"`
	Status    string   `json:"status"`
	Progress  float64  `json:"progress"`
	Msg       string   `json:"progress_msg"`
	Exception string   `json:"exception"`
	Warnings  []string `json:"warnings"`
}

const (
	JobCreated   = "CREATED"
	JobRunning   = "RUNNING"
	JobDone      = "DONE"
	JobFailed    = "FAILED"
	JobCancelled = "CANCELLED"
)

// Settled reports whether the job stopped running
func (j *Job) Settled() bool {
	return j.Status == JobDone || j.Status == JobFailed || j.Status == JobCancelled
}

// jobRef accepts the three shapes job-starting endpoints answer with: a
// wrapped {"job": ...}, a {"jobs": [...]} list, or a bare v4 job.
type jobRef struct {
	Job  *Job  `json:"job"`
	Jobs []Job `json:"jobs"`
	Key  Key   `json:"key"`
	Dest Key   `json:"dest"`
}

func (r *jobRef) resolve() (jobKey, destKey string) {
	switch {
	case r.Job != nil:
		return r.Job.Key.Name, r.Job.Dest.Name
	case len(r.Jobs) > 0:
		return r.Jobs[0].Key.Name, r.Jobs[0].Dest.Name
	default:
		return r.Key.Name, r.Dest.Name
	}
}

// ValidationMessage is a model-builder parameter complaint
type ValidationMessage struct {
	MessageType string `json:"message_type"`
	FieldName   string `json:"field_name"`
	Message     string `json:"message"`
}

// TableColumn describes one column of a TwoDimTable
type TableColumn struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

// TwoDimTable is the engine's generic table. Data is column-major.
type TwoDimTable struct {
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Columns     []TableColumn       `json:"columns"`
	RowCount    int                 `json:"rowcount"`
	Data        [][]json.RawMessage `json:"data"`
}

// ColumnIndex returns the position of the named column or -1
func (t *TwoDimTable) ColumnIndex(name string) int {
	for i, col := range t.Columns {
		if col.Name == name {
			return i
		}
	}
	return -1
}

// Float reads a numeric cell
func (t *TwoDimTable) Float(col, row int) (float64, error) {
	raw, err := t.cell(col, row)
	if err != nil {
		return 0, err
	}
	var f Float
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, fmt.Errorf("cell (%d,%d) of %s is not numeric: %w", col, row, t.Name, err)
	}
	return float64(f), nil
}

// String reads a cell as text, formatting numbers when needed
func (t *TwoDimTable) String(col, row int) (string, error) {
	raw, err := t.cell(col, row)
	if err != nil {
		return "", err
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var f Float
	if err := json.Unmarshal(raw, &f); err != nil {
		return "", fmt.Errorf("cell (%d,%d) of %s is neither text nor number: %w", col, row, t.Name, err)
	}
	return strconv.FormatFloat(float64(f), 'g', -1, 64), nil
}

func (t *TwoDimTable) cell(col, row int) (json.RawMessage, error) {
	if col < 0 || col >= len(t.Data) {
		return nil, fmt.Errorf("column %d outside table %s", col, t.Name)
	}
	if row < 0 || row >= len(t.Data[col]) {
		return nil, fmt.Errorf("row %d outside table %s", row, t.Name)
	}
	return t.Data[col][row], nil
}
