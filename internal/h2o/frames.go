package h2o

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

type importResp struct {
	Path              string   `json:"path"`
	Files             []string `json:"files"`
	DestinationFrames []string `json:"destination_frames"`
	Fails             []string `json:"fails"`
}

// ParseSetup is the engine's guess at how to parse raw sources
type ParseSetup struct {
	SourceFrames  []Key    `json:"source_frames"`
	ParseType     string   `json:"parse_type"`
	Separator     int      `json:"separator"`
	SingleQuotes  bool     `json:"single_quotes"`
	CheckHeader   int      `json:"check_header"`
	NumberColumns int      `json:"number_columns"`
	ColumnNames   []string `json:"column_names"`
	ColumnTypes   []string `json:"column_types"`
	ChunkSize     int      `json:"chunk_size"`
}

// ImportFile reads a file visible to the engine and parses it into a frame
// named dest. It returns the parsed frame key.
func (c *Client) ImportFile(ctx context.Context, path, dest string) (string, error) {
	var imported importResp
	req := c.request(ctx).SetQueryParam("path", path).SetResult(&imported)
	if err := c.do(req, resty.MethodGet, "/3/ImportFiles"); err != nil {
		return "", fmt.Errorf("import %s: %w", path, err)
	}
	if len(imported.Fails) > 0 {
		return "", fmt.Errorf("import %s: engine could not read %s", path, strings.Join(imported.Fails, ", "))
	}
	if len(imported.DestinationFrames) == 0 {
		return "", fmt.Errorf("import %s: no files found", path)
	}

	setup, err := c.parseSetup(ctx, imported.DestinationFrames)
	if err != nil {
		return "", fmt.Errorf("parse setup %s: %w", path, err)
	}

	key, err := c.parse(ctx, imported.DestinationFrames, setup, dest)
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", path, err)
	}

	log.Info().
		Str("path", path).
		Str("frame", key).
		Int("columns", setup.NumberColumns).
		Msg("imported frame")

	return key, nil
}

func (c *Client) parseSetup(ctx context.Context, sources []string) (*ParseSetup, error) {
	var setup ParseSetup
	req := c.request(ctx).
		SetFormData(map[string]string{
			"source_frames": quoteList(sources),
			"check_header":  "0",
		}).
		SetResult(&setup)
	if err := c.do(req, resty.MethodPost, "/3/ParseSetup"); err != nil {
		return nil, err
	}
	return &setup, nil
}

func (c *Client) parse(ctx context.Context, sources []string, setup *ParseSetup, dest string) (string, error) {
	form := map[string]string{
		"destination_frame": dest,
		"source_frames":     quoteList(sources),
		"parse_type":        setup.ParseType,
		"separator":         strconv.Itoa(setup.Separator),
		"number_columns":    strconv.Itoa(setup.NumberColumns),
		"single_quotes":     strconv.FormatBool(setup.SingleQuotes),
		"column_names":      quoteList(setup.ColumnNames),
		"column_types":      quoteList(setup.ColumnTypes),
		"check_header":      strconv.Itoa(setup.CheckHeader),
		"delete_on_done":    "true",
		"blocking":          "false",
	}
	if setup.ChunkSize > 0 {
		form["chunk_size"] = strconv.Itoa(setup.ChunkSize)
	}

	var ref struct {
		jobRef
		DestinationFrame Key `json:"destination_frame"`
	}
	req := c.request(ctx).SetFormData(form).SetResult(&ref)
	if err := c.do(req, resty.MethodPost, "/3/Parse"); err != nil {
		return "", err
	}

	key, err := c.settle(ctx, &ref.jobRef)
	if err != nil {
		return "", err
	}
	if ref.DestinationFrame.Name != "" {
		key = ref.DestinationFrame.Name
	}
	if key == "" {
		key = dest
	}
	return key, nil
}

// GetFrame fetches count rows starting at offset, with every column. Passing
// count 0 returns the frame shape without data.
func (c *Client) GetFrame(ctx context.Context, key string, offset, count int64) (*Frame, error) {
	var resp struct {
		Frames []Frame `json:"frames"`
	}
	req := c.request(ctx).
		SetPathParam("key", key).
		SetQueryParams(map[string]string{
			"row_offset":   strconv.FormatInt(offset, 10),
			"row_count":    strconv.FormatInt(count, 10),
			"column_count": "-1",
		}).
		SetResult(&resp)
	if err := c.do(req, resty.MethodGet, "/3/Frames/{key}"); err != nil {
		return nil, err
	}
	if len(resp.Frames) == 0 {
		return nil, fmt.Errorf("frame %s not reported by engine", key)
	}
	return &resp.Frames[0], nil
}

// SplitFrame splits a frame by ratio into len(dests) frames. With one ratio
// r, dests[0] receives about r of the rows and dests[1] the remainder. The
// engine picks the random split itself.
func (c *Client) SplitFrame(ctx context.Context, key string, ratios []float64, dests []string) ([]string, error) {
	if len(dests) != len(ratios)+1 {
		return nil, fmt.Errorf("split of %s needs %d destinations, got %d", key, len(ratios)+1, len(dests))
	}

	var resp struct {
		Key               Key   `json:"key"`
		DestinationFrames []Key `json:"destination_frames"`
	}
	req := c.request(ctx).
		SetFormData(map[string]string{
			"dataset":            key,
			"ratios":             floatList(ratios),
			"destination_frames": quoteList(dests),
		}).
		SetResult(&resp)
	if err := c.do(req, resty.MethodPost, "/3/SplitFrame"); err != nil {
		return nil, fmt.Errorf("split %s: %w", key, err)
	}

	if resp.Key.Name != "" {
		if _, err := c.WaitForJob(ctx, resp.Key.Name); err != nil {
			return nil, fmt.Errorf("split %s: %w", key, err)
		}
	}

	out := make([]string, len(dests))
	copy(out, dests)
	for i, k := range resp.DestinationFrames {
		if i < len(out) && k.Name != "" {
			out[i] = k.Name
		}
	}
	return out, nil
}
