package maplab

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, items map[string][]byte) *Server {
	t.Helper()
	server, err := NewServerWithBucket(mockBucket{items: items}, "", nil, 16, "")
	require.Nil(t, err)
	server.Start()
	return server
}

func TestRegex(t *testing.T) {
	ok, name := parsePagePath("/foo.html")
	assert.True(t, ok)
	assert.Equal(t, "foo", name)
	ok, name = parsePagePath("/foo/bar.html")
	assert.True(t, ok)
	assert.Equal(t, "foo/bar", name)
	// https://docs.aws.amazon.com/AmazonS3/latest/userguide/object-keys.html
	ok, name = parseDocumentPath("/!-_.*'().json")
	assert.True(t, ok)
	assert.Equal(t, "!-_.*'()", name)
	ok, _ = parsePagePath("/foo")
	assert.False(t, ok)
	ok, _ = parseDocumentPath("/foo.yaml")
	assert.False(t, ok)
}

func TestServerPage(t *testing.T) {
	server := newTestServer(t, map[string][]byte{
		"city.yaml": []byte("options:\n  title: City\n  zoom: 9\nbasemaps: [roadmap]\n"),
	})
	status, headers, body := server.Get(context.Background(), "/city.html")
	assert.Equal(t, 200, status)
	assert.Equal(t, "text/html; charset=utf-8", headers["Content-Type"])
	assert.NotEmpty(t, headers["ETag"])
	assert.Contains(t, string(body), "<title>City</title>")
	assert.Contains(t, string(body), "lyrs=m")

	status, headers, body = server.Get(context.Background(), "/city.json")
	assert.Equal(t, 200, status)
	assert.Equal(t, "application/json", headers["Content-Type"])
	var doc Document
	require.Nil(t, json.Unmarshal(body, &doc))
	assert.Equal(t, []string{"roadmap"}, doc.Basemaps)
	assert.Equal(t, 9.0, doc.Options[OptZoomStart])
	assert.Equal(t, true, doc.Options[OptFullscreen])
}

func TestServerStatuses(t *testing.T) {
	server := newTestServer(t, map[string][]byte{
		"bad.json":    []byte(`{"basemaps": ["nonexistent.provider.path"]}`),
		"broken.json": []byte(`{"layers": [`),
	})
	ctx := context.Background()

	status, _, _ := server.Get(ctx, "/missing.html")
	assert.Equal(t, 404, status)
	status, _, _ = server.Get(ctx, "/bad.html")
	assert.Equal(t, 422, status)
	status, _, _ = server.Get(ctx, "/broken.json")
	assert.Equal(t, 422, status)
	status, _, _ = server.Get(ctx, "/")
	assert.Equal(t, 204, status)
	status, _, _ = server.Get(ctx, "/tiles/0/0/0.png")
	assert.Equal(t, 404, status)
}

func TestServerRebuildsChangedDocument(t *testing.T) {
	items := map[string][]byte{"map.json": []byte(`{"options": {"title": "First"}}`)}
	server := newTestServer(t, items)
	ctx := context.Background()

	_, headers, body := server.Get(ctx, "/map.html")
	first := headers["ETag"]
	assert.Contains(t, string(body), "<title>First</title>")

	_, headers, _ = server.Get(ctx, "/map.html")
	assert.Equal(t, first, headers["ETag"])

	items["map.json"] = []byte(`{"options": {"title": "Second"}}`)
	_, headers, body = server.Get(ctx, "/map.html")
	assert.NotEqual(t, first, headers["ETag"])
	assert.Contains(t, string(body), "<title>Second</title>")
}

func TestServerCors(t *testing.T) {
	server, err := NewServerWithBucket(mockBucket{items: map[string][]byte{}}, "", nil, 16, "*")
	require.Nil(t, err)
	server.Start()
	_, headers, _ := server.Get(context.Background(), "/")
	assert.Equal(t, "*", headers["Access-Control-Allow-Origin"])
}

func TestServeHTTP(t *testing.T) {
	server := newTestServer(t, map[string][]byte{"a.yml": []byte("options:\n  title: A\n")})

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest("GET", "/a.html", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "<title>A</title>")
	assert.Equal(t, rec.Header().Get("Content-Length"), strconv.Itoa(rec.Body.Len()))

	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest("GET", "/b.html", nil))
	assert.Equal(t, 404, rec.Code)
}
