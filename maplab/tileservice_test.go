package maplab

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeTileService serves /cog/info and /cog/tilejson.json and counts requests.
type fakeTileService struct {
	infoCalls     atomic.Int32
	tilejsonCalls atomic.Int32
	infoStatus    []int // status per attempt, 200 once exhausted
	infoBody      string
	tilejsonBody  string
}

func (f *fakeTileService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/cog/info":
		n := int(f.infoCalls.Add(1))
		if n <= len(f.infoStatus) && f.infoStatus[n-1] != 200 {
			w.WriteHeader(f.infoStatus[n-1])
			return
		}
		body := f.infoBody
		if body == "" {
			body = fmt.Sprintf(`{"bounds": [-10.5, 40.25, 3.75, 51.0], "url": %q}`, r.URL.Query().Get("url"))
		}
		w.Write([]byte(body))
	case "/cog/tilejson.json":
		f.tilejsonCalls.Add(1)
		body := f.tilejsonBody
		if body == "" {
			body = `{"tilejson": "2.2.0", "tiles": ["https://tiles.example.com/{z}/{x}/{y}.png?url=a.tif"], "minzoom": 2, "maxzoom": 14}`
		}
		w.Write([]byte(body))
	default:
		w.WriteHeader(404)
	}
}

func TestTileServiceInfo(t *testing.T) {
	fake := &fakeTileService{}
	ts := httptest.NewServer(fake)
	defer ts.Close()

	c := NewTileServiceClient(ts.URL+"/", nil, time.Second, nil)
	assert.Equal(t, ts.URL, c.Endpoint())
	bounds, err := c.Info(context.Background(), "https://data.example.com/a.tif")
	assert.Nil(t, err)
	assert.Equal(t, [4]float64{-10.5, 40.25, 3.75, 51.0}, bounds)
	assert.Equal(t, int32(1), fake.infoCalls.Load())

	tj, err := c.TileJSON(context.Background(), "https://data.example.com/a.tif")
	assert.Nil(t, err)
	assert.Equal(t, "https://tiles.example.com/{z}/{x}/{y}.png?url=a.tif", tj.Tiles[0])
	assert.Equal(t, 14, tj.Maxzoom)
}

func TestTileServiceRetriesServerErrorOnce(t *testing.T) {
	fake := &fakeTileService{infoStatus: []int{503}}
	ts := httptest.NewServer(fake)
	defer ts.Close()

	c := NewTileServiceClient(ts.URL, nil, time.Second, nil)
	_, err := c.Info(context.Background(), "a.tif")
	assert.Nil(t, err)
	assert.Equal(t, int32(2), fake.infoCalls.Load())
}

func TestTileServiceGivesUpAfterOneRetry(t *testing.T) {
	fake := &fakeTileService{infoStatus: []int{500, 502, 504}}
	ts := httptest.NewServer(fake)
	defer ts.Close()

	c := NewTileServiceClient(ts.URL, nil, time.Second, nil)
	_, err := c.Info(context.Background(), "a.tif")
	assert.True(t, errors.Is(err, ErrRemoteService))
	var remote *RemoteServiceError
	assert.True(t, errors.As(err, &remote))
	assert.Equal(t, 502, remote.StatusCode)
	assert.Equal(t, int32(2), fake.infoCalls.Load())
}

func TestTileServiceDoesNotRetryClientErrors(t *testing.T) {
	fake := &fakeTileService{infoStatus: []int{404}}
	ts := httptest.NewServer(fake)
	defer ts.Close()

	c := NewTileServiceClient(ts.URL, nil, time.Second, nil)
	_, err := c.Info(context.Background(), "a.tif")
	var remote *RemoteServiceError
	assert.True(t, errors.As(err, &remote))
	assert.Equal(t, 404, remote.StatusCode)
	assert.Equal(t, int32(1), fake.infoCalls.Load())
}

func TestTileServiceMalformedJSON(t *testing.T) {
	fake := &fakeTileService{infoBody: `{"bounds": [1, 2`}
	ts := httptest.NewServer(fake)
	defer ts.Close()

	c := NewTileServiceClient(ts.URL, nil, time.Second, nil)
	_, err := c.Info(context.Background(), "a.tif")
	assert.True(t, errors.Is(err, ErrRemoteService))
	assert.Equal(t, int32(1), fake.infoCalls.Load())
}

func TestTileServiceMissingFields(t *testing.T) {
	fake := &fakeTileService{infoBody: `{"bounds": [1, 2, 3]}`, tilejsonBody: `{"tilejson": "2.2.0", "tiles": []}`}
	ts := httptest.NewServer(fake)
	defer ts.Close()

	c := NewTileServiceClient(ts.URL, nil, time.Second, nil)
	_, err := c.Info(context.Background(), "a.tif")
	assert.True(t, errors.Is(err, ErrRemoteService))
	_, err = c.TileJSON(context.Background(), "a.tif")
	assert.True(t, errors.Is(err, ErrRemoteService))
}

type failingClient struct {
	calls int
}

func (f *failingClient) Do(req *http.Request) (*http.Response, error) {
	f.calls++
	return nil, errors.New("connection refused")
}

func TestTileServiceTransportErrorRetried(t *testing.T) {
	client := &failingClient{}
	c := NewTileServiceClient("http://tiles.invalid", client, time.Second, nil)
	_, err := c.TileJSON(context.Background(), "a.tif")
	assert.True(t, errors.Is(err, ErrRemoteService))
	assert.Equal(t, 2, client.calls)
}

func TestTileServiceTimeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer ts.Close()

	c := NewTileServiceClient(ts.URL, nil, 50*time.Millisecond, nil)
	start := time.Now()
	_, err := c.Info(context.Background(), "a.tif")
	assert.True(t, errors.Is(err, ErrRemoteService))
	assert.Less(t, time.Since(start), 2*time.Second)
}
