package h2o

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// GetJob fetches the current state of a job
func (c *Client) GetJob(ctx context.Context, key string) (*Job, error) {
	var resp struct {
		Jobs []Job `json:"jobs"`
	}
	req := c.request(ctx).SetPathParam("key", key).SetResult(&resp)
	if err := c.do(req, resty.MethodGet, "/3/Jobs/{key}"); err != nil {
		return nil, err
	}
	if len(resp.Jobs) == 0 {
		return nil, fmt.Errorf("job %s not reported by engine", key)
	}
	return &resp.Jobs[0], nil
}

// WaitForJob polls a job until it is DONE, failing on FAILED or CANCELLED
// status, on the client's job timeout, or when ctx ends.
func (c *Client) WaitForJob(ctx context.Context, key string) (*Job, error) {
	ctx, cancel := context.WithTimeout(ctx, c.jobTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		job, err := c.GetJob(ctx, key)
		if err != nil {
			return nil, err
		}

		log.Debug().
			Str("job", key).
			Str("status", job.Status).
			Float64("progress", job.Progress).
			Msg("polled engine job")

		if job.Settled() {
			switch job.Status {
			case JobDone:
				return job, nil
			case JobCancelled:
				return job, fmt.Errorf("job %s cancelled", key)
			default:
				return job, fmt.Errorf("job %s failed: %s", key, job.Exception)
			}
		}

		select {
		case <-ctx.Done():
			return job, fmt.Errorf("waiting for job %s: %w", key, ctx.Err())
		case <-ticker.C:
		}
	}
}

// settle waits for a job reference returned by a job-starting endpoint and
// returns the destination key. References without a job key are synchronous.
func (c *Client) settle(ctx context.Context, ref *jobRef) (string, error) {
	jobKey, dest := ref.resolve()
	if jobKey == "" {
		return dest, nil
	}

	job, err := c.WaitForJob(ctx, jobKey)
	if err != nil {
		return "", err
	}
	if job.Dest.Name != "" {
		dest = job.Dest.Name
	}
	return dest, nil
}
