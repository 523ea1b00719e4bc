package maplab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultTileServiceEndpoint = "https://titiler.xyz"
	DefaultTileServiceTimeout  = 10 * time.Second
)

// TileJSON is the subset of a TileJSON document maplab reads back from a tile service.
type TileJSON struct {
	Tilejson    string    `json:"tilejson"`
	Name        string    `json:"name,omitempty"`
	Attribution string    `json:"attribution,omitempty"`
	Tiles       []string  `json:"tiles"`
	Minzoom     int       `json:"minzoom,omitempty"`
	Maxzoom     int       `json:"maxzoom,omitempty"`
	Bounds      []float64 `json:"bounds,omitempty"`
	Center      []float64 `json:"center,omitempty"`
}

type cogInfo struct {
	Bounds []float64 `json:"bounds"`
}

// TileServiceClient talks to a titiler-style dynamic tiling service that exposes
// /cog/info and /cog/tilejson.json for cloud optimized GeoTIFFs.
type TileServiceClient struct {
	endpoint string
	client   HTTPClient
	timeout  time.Duration
	logger   *log.Logger
}

func NewTileServiceClient(endpoint string, client HTTPClient, timeout time.Duration, logger *log.Logger) *TileServiceClient {
	if endpoint == "" {
		endpoint = DefaultTileServiceEndpoint
	}
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultTileServiceTimeout
	}
	return &TileServiceClient{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		client:   client,
		timeout:  timeout,
		logger:   orDiscard(logger),
	}
}

func (c *TileServiceClient) Endpoint() string {
	return c.endpoint
}

// Info returns the four element bounds of the raster at rasterURL.
func (c *TileServiceClient) Info(ctx context.Context, rasterURL string) ([4]float64, error) {
	var info cogInfo
	var bounds [4]float64
	reqURL := c.endpoint + "/cog/info?" + url.Values{"url": {rasterURL}}.Encode()
	if err := c.getJSON(ctx, reqURL, &info); err != nil {
		return bounds, err
	}
	if len(info.Bounds) != 4 {
		return bounds, &RemoteServiceError{URL: reqURL, Err: fmt.Errorf("expected 4 bounds, got %d", len(info.Bounds))}
	}
	copy(bounds[:], info.Bounds)
	return bounds, nil
}

func (c *TileServiceClient) TileJSON(ctx context.Context, rasterURL string) (TileJSON, error) {
	var tj TileJSON
	reqURL := c.endpoint + "/cog/tilejson.json?" + url.Values{"url": {rasterURL}}.Encode()
	if err := c.getJSON(ctx, reqURL, &tj); err != nil {
		return TileJSON{}, err
	}
	if len(tj.Tiles) == 0 {
		return TileJSON{}, &RemoteServiceError{URL: reqURL, Err: errors.New("tilejson has no tiles")}
	}
	return tj, nil
}

type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// getJSON issues one GET with a bounded timeout, retrying once on transport
// errors and 5xx responses.
func (c *TileServiceClient) getJSON(ctx context.Context, reqURL string, out any) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		err = c.getJSONOnce(ctx, reqURL, out)
		var retry *retryableError
		if err == nil || !errors.As(err, &retry) || ctx.Err() != nil {
			break
		}
		c.logger.Printf("retrying %s after %v", reqURL, retry.err)
	}
	var retry *retryableError
	if errors.As(err, &retry) {
		var remote *RemoteServiceError
		if errors.As(retry.err, &remote) {
			return remote
		}
		return &RemoteServiceError{URL: reqURL, Err: retry.err}
	}
	return err
}

func (c *TileServiceClient) getJSONOnce(ctx context.Context, reqURL string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return &RemoteServiceError{URL: reqURL, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return &retryableError{err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		io.Copy(io.Discard, resp.Body)
		return &retryableError{&RemoteServiceError{URL: reqURL, StatusCode: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &RemoteServiceError{URL: reqURL, StatusCode: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return &retryableError{err}
	}
	if err := json.Unmarshal(b, out); err != nil {
		return &RemoteServiceError{URL: reqURL, StatusCode: resp.StatusCode, Err: fmt.Errorf("malformed json: %w", err)}
	}
	c.logger.Printf("fetched %s in %s", reqURL, time.Since(start))
	return nil
}
