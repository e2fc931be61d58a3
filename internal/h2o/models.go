package h2o

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// GBMParams are the gradient boosting builder parameters the churn model uses
type GBMParams struct {
	ModelID         string
	TrainingFrame   string
	ValidationFrame string
	ResponseColumn  string
	IgnoredColumns  []string
	Seed            int64
}

// TrainGBM starts a GBM build and blocks until the model exists. It returns
// the model key.
func (c *Client) TrainGBM(ctx context.Context, p GBMParams) (string, error) {
	form := map[string]string{
		"model_id":        p.ModelID,
		"training_frame":  p.TrainingFrame,
		"response_column": p.ResponseColumn,
		"seed":            strconv.FormatInt(p.Seed, 10),
	}
	if p.ValidationFrame != "" {
		form["validation_frame"] = p.ValidationFrame
	}
	if len(p.IgnoredColumns) > 0 {
		form["ignored_columns"] = quoteList(p.IgnoredColumns)
	}

	var resp struct {
		jobRef
		Messages   []ValidationMessage `json:"messages"`
		ErrorCount int                 `json:"error_count"`
	}
	req := c.request(ctx).SetFormData(form).SetResult(&resp)
	if err := c.do(req, resty.MethodPost, "/3/ModelBuilders/gbm"); err != nil {
		return "", fmt.Errorf("train gbm %s: %w", p.ModelID, err)
	}

	if resp.ErrorCount > 0 {
		var msgs []string
		for _, m := range resp.Messages {
			if m.MessageType == "ERRR" {
				msgs = append(msgs, fmt.Sprintf("%s: %s", m.FieldName, m.Message))
			}
		}
		return "", fmt.Errorf("train gbm %s: invalid parameters: %s", p.ModelID, strings.Join(msgs, "; "))
	}

	key, err := c.settle(ctx, &resp.jobRef)
	if err != nil {
		return "", fmt.Errorf("train gbm %s: %w", p.ModelID, err)
	}
	if key == "" {
		key = p.ModelID
	}

	log.Info().
		Str("model", key).
		Str("training_frame", p.TrainingFrame).
		Str("validation_frame", p.ValidationFrame).
		Int64("seed", p.Seed).
		Msg("trained gbm model")

	return key, nil
}

// Predict scores frame with model into a new frame named dest
func (c *Client) Predict(ctx context.Context, model, frame, dest string) (string, error) {
	return c.predict(ctx, model, frame, map[string]string{
		"predictions_frame": dest,
	})
}

// PredictContributions computes per-feature SHAP contributions of frame's
// rows into a new frame named dest. The last column is BiasTerm.
func (c *Client) PredictContributions(ctx context.Context, model, frame, dest string) (string, error) {
	return c.predict(ctx, model, frame, map[string]string{
		"predictions_frame":     dest,
		"predict_contributions": "true",
	})
}

func (c *Client) predict(ctx context.Context, model, frame string, form map[string]string) (string, error) {
	var ref jobRef
	req := c.request(ctx).
		SetPathParams(map[string]string{
			"model": model,
			"frame": frame,
		}).
		SetFormData(form).
		SetResult(&ref)
	if err := c.do(req, resty.MethodPost, "/4/Predictions/models/{model}/frames/{frame}"); err != nil {
		return "", fmt.Errorf("predict %s on %s: %w", model, frame, err)
	}

	key, err := c.settle(ctx, &ref)
	if err != nil {
		return "", fmt.Errorf("predict %s on %s: %w", model, frame, err)
	}
	if key == "" {
		key = form["predictions_frame"]
	}
	return key, nil
}
