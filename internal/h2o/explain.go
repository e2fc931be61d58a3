package h2o

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-resty/resty/v2"
)

// PartialDependenceParams selects one feature of one row to explain
type PartialDependenceParams struct {
	Model    string
	Frame    string
	Column   string
	RowIndex int
	NBins    int
	Dest     string
}

// PartialDependence computes the partial dependence of model on one column,
// restricted to a single row (individual conditional expectation). The table
// columns are the feature, mean_response, stddev_response and
// std_error_mean_response.
func (c *Client) PartialDependence(ctx context.Context, p PartialDependenceParams) (*TwoDimTable, error) {
	form := map[string]string{
		"model_id":  p.Model,
		"frame_id":  p.Frame,
		"cols":      quoteList([]string{p.Column}),
		"nbins":     strconv.Itoa(p.NBins),
		"row_index": strconv.Itoa(p.RowIndex),
	}
	if p.Dest != "" {
		form["destination_key"] = p.Dest
	}

	var ref jobRef
	req := c.request(ctx).SetFormData(form).SetResult(&ref)
	if err := c.do(req, resty.MethodPost, "/3/PartialDependence/"); err != nil {
		return nil, fmt.Errorf("partial dependence %s: %w", p.Column, err)
	}

	key, err := c.settle(ctx, &ref)
	if err != nil {
		return nil, fmt.Errorf("partial dependence %s: %w", p.Column, err)
	}
	if key == "" {
		key = p.Dest
	}

	var resp struct {
		Data []TwoDimTable `json:"partial_dependence_data"`
	}
	get := c.request(ctx).SetPathParam("key", key).SetResult(&resp)
	if err := c.do(get, resty.MethodGet, "/3/PartialDependence/{key}"); err != nil {
		return nil, fmt.Errorf("partial dependence %s: %w", p.Column, err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("partial dependence %s: engine returned no table", p.Column)
	}
	return &resp.Data[0], nil
}
