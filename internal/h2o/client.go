// Package h2o is a REST client for an H2O-3 cluster. It covers the subset of the
// /3 and /4 endpoints needed to import CSV files, train a GBM, score frames,
// compute feature contributions and partial dependence, and clean up keys.
//
// Long-running engine work (parse, split, training, scoring) is started as an
// engine job; the client polls the job until it settles.
package h2o

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// Observer receives per-request telemetry. The metrics wrapper satisfies it.
type Observer interface {
	EngineRequestsInc()
	EngineFailuresInc()
	EngineLatencyObserve(float64)
}

type Client struct {
	base         string
	rest         *resty.Client
	pollInterval time.Duration
	jobTimeout   time.Duration
	observer     Observer
}

// Options tunes a Client. Zero values pick defaults.
type Options struct {
	Timeout      time.Duration
	PollInterval time.Duration
	JobTimeout   time.Duration
	Username     string
	Password     string
	Observer     Observer
}

func NewREST(base string, opts Options) *Client {
	r := resty.New()
	if opts.Timeout > 0 {
		r.SetTimeout(opts.Timeout)
	} else {
		r.SetTimeout(60 * time.Second) // training requests return fast, parse setup may not
	}
	if opts.Username != "" {
		r.SetBasicAuth(opts.Username, opts.Password)
	}
	r.SetHeader("Accept", "application/json")

	poll := opts.PollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	jobTimeout := opts.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = 10 * time.Minute
	}

	return &Client{
		base:         strings.TrimRight(base, "/"),
		rest:         r,
		pollInterval: poll,
		jobTimeout:   jobTimeout,
		observer:     opts.Observer,
	}
}

// BaseURL returns the engine root the client talks to
func (c *Client) BaseURL() string {
	return c.base
}

// APIError is an engine-side failure: a non-2xx response, usually carrying an
// H2OError body.
type APIError struct {
	Status        int    `json:"http_status"`
	Msg           string `json:"msg"`
	DevMsg        string `json:"dev_msg"`
	ExceptionType string `json:"exception_type"`
	ExceptionMsg  string `json:"exception_msg"`
	Path          string `json:"-"`
}

func (e *APIError) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.ExceptionMsg
	}
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("h2o: %s %d %s", e.Path, e.Status, msg)
}

// NotFound reports whether the engine rejected the request for an unknown key
func (e *APIError) NotFound() bool {
	return e.Status == http.StatusNotFound
}

func (c *Client) request(ctx context.Context) *resty.Request {
	return c.rest.R().SetContext(ctx).SetError(&APIError{})
}

// do executes req and turns transport and HTTP failures into errors. The
// result object registered on req is filled on success.
func (c *Client) do(req *resty.Request, method, path string) error {
	start := time.Now()
	resp, err := req.Execute(method, c.base+path)

	if c.observer != nil {
		c.observer.EngineRequestsInc()
		c.observer.EngineLatencyObserve(time.Since(start).Seconds())
	}

	if err != nil {
		c.fail()
		return fmt.Errorf("request %s %s failed: %w", method, path, err)
	}

	if resp.IsError() {
		c.fail()
		apiErr, _ := resp.Error().(*APIError)
		if apiErr == nil {
			apiErr = &APIError{}
		}
		apiErr.Status = resp.StatusCode()
		apiErr.Path = path
		log.Debug().
			Str("method", method).
			Str("path", path).
			Int("status", resp.StatusCode()).
			Str("body", resp.String()).
			Msg("engine request rejected")
		return apiErr
	}

	return nil
}

func (c *Client) fail() {
	if c.observer != nil {
		c.observer.EngineFailuresInc()
	}
}

// CloudStatus is the /3/Cloud summary of the cluster
type CloudStatus struct {
	Version      string `json:"version"`
	CloudName    string `json:"cloud_name"`
	CloudSize    int    `json:"cloud_size"`
	CloudHealthy bool   `json:"cloud_healthy"`
	Consensus    bool   `json:"consensus"`
	Locked       bool   `json:"locked"`
}

// Cloud fetches cluster status
func (c *Client) Cloud(ctx context.Context) (*CloudStatus, error) {
	var status CloudStatus
	req := c.request(ctx).SetResult(&status)
	if err := c.do(req, resty.MethodGet, "/3/Cloud"); err != nil {
		return nil, err
	}
	return &status, nil
}

// Remove deletes a key from the distributed key-value store. Unknown keys are
// not an error.
func (c *Client) Remove(ctx context.Context, key string) error {
	req := c.request(ctx).SetPathParam("key", key)
	err := c.do(req, resty.MethodDelete, "/3/DKV/{key}")
	if apiErr, ok := err.(*APIError); ok && apiErr.NotFound() {
		return nil
	}
	return err
}

// quoteList renders a string list the way the engine expects list-valued
// form fields: ["a","b"]
func quoteList(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = strconv.Quote(v)
	}
	return "[" + strings.Join(quoted, ",") + "]"
}

func floatList(values []float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
