package maplab

import (
	"bytes"
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"path"
	"regexp"
	"strconv"
	"time"
)

// documentExtensions are tried in order when looking a document up in the bucket.
var documentExtensions = []string{".json", ".yaml", ".yml"}

type cacheRequest struct {
	name  string
	purge string // drop the cached page first if it carries this etag
	value chan cachedPage
}

type cachedPage struct {
	page     []byte
	document []byte
	etag     string
	key      string
	status   int
	ok       bool
}

type cacheResponse struct {
	name  string
	value cachedPage
	size  int
	ok    bool
}

// Server renders map documents stored in a bucket. Rendered pages are kept in an
// LRU cache owned by a single goroutine and rebuilt when the document's etag changes.
type Server struct {
	reqs      chan cacheRequest
	bucket    Bucket
	logger    *log.Logger
	cacheSize int
	cors      string
	resolver  *Resolver
	tiles     *TileServiceClient
	metrics   *metrics
}

// NewServer creates a new maplab HTTP server serving documents under bucketURL.
func NewServer(bucketURL string, prefix string, logger *log.Logger, cacheSize int, cors string) (*Server, error) {
	ctx := context.Background()

	bucketURL, _, err := NormalizeBucketKey(bucketURL, prefix, "")
	if err != nil {
		return nil, err
	}

	bucket, err := OpenBucket(ctx, bucketURL, prefix)
	if err != nil {
		return nil, err
	}

	return NewServerWithBucket(bucket, prefix, logger, cacheSize, cors)
}

// NewServerWithBucket creates a new maplab HTTP server with a custom Bucket
// implementation. cacheSize is in megabytes.
func NewServerWithBucket(bucket Bucket, _ string, logger *log.Logger, cacheSize int, cors string) (*Server, error) {
	logger = orDiscard(logger)
	reqs := make(chan cacheRequest, 8)

	l := &Server{
		reqs:      reqs,
		bucket:    bucket,
		logger:    logger,
		cacheSize: cacheSize,
		cors:      cors,
		resolver:  NewResolver(DefaultProviderRegistry()),
		tiles:     NewTileServiceClient(DefaultTileServiceEndpoint, nil, DefaultTileServiceTimeout, logger),
		metrics:   createMetrics("", logger),
	}

	return l, nil
}

// SetResolver replaces the basemap resolver used for every document. Call before Start.
func (server *Server) SetResolver(r *Resolver) {
	server.resolver = r
}

// SetTileService replaces the raster metadata client. Call before Start.
func (server *Server) SetTileService(c *TileServiceClient) {
	server.tiles = c
}

// Start the server HTTP listener
func (server *Server) Start() {
	go func() {
		cache := make(map[string]*list.Element)
		inflight := make(map[string][]cacheRequest)
		resps := make(chan cacheResponse, 8)
		evictList := list.New()
		totalSize := 0
		ctx := context.Background()

		cacheLimitBytes := server.cacheSize * 1000 * 1000
		server.metrics.initCacheStats(cacheLimitBytes)

		for {
			select {
			case req := <-server.reqs:
				name := req.name
				if val, ok := cache[name]; ok && req.purge != "" && val.Value.(*cacheResponse).value.etag == req.purge {
					evictList.Remove(val)
					delete(cache, name)
					totalSize -= val.Value.(*cacheResponse).size
					server.metrics.updateCacheStats(totalSize, len(cache))
					server.metrics.reloadDocument(name)
				}
				if val, ok := cache[name]; ok {
					evictList.MoveToFront(val)
					req.value <- val.Value.(*cacheResponse).value
					server.metrics.cacheRequest(name, "hit")
				} else if _, ok := inflight[name]; ok {
					inflight[name] = append(inflight[name], req)
					server.metrics.cacheRequest(name, "hit")
				} else {
					inflight[name] = []cacheRequest{req}
					server.metrics.cacheRequest(name, "miss")
					go func() {
						value := server.buildPage(ctx, name)
						resps <- cacheResponse{name: name, value: value, size: len(value.page) + len(value.document), ok: value.ok}
					}()
				}
			case resp := <-resps:
				name := resp.name
				for _, v := range inflight[name] {
					v.value <- resp.value
				}
				delete(inflight, name)

				if resp.ok {
					totalSize += resp.size
					ent := &resp
					entry := evictList.PushFront(ent)
					cache[name] = entry

					for {
						if totalSize < cacheLimitBytes {
							break
						}
						ent := evictList.Back()
						if ent == nil {
							break
						}
						evictList.Remove(ent)
						kv := ent.Value.(*cacheResponse)
						delete(cache, kv.name)
						totalSize -= kv.size
					}
					server.metrics.updateCacheStats(totalSize, len(cache))
				}
			}
		}
	}()
}

// fetchDocument reads name with the first matching document extension.
func (server *Server) fetchDocument(ctx context.Context, name string) ([]byte, string, string, int, error) {
	lastStatus := 404
	var lastErr error
	for _, ext := range documentExtensions {
		key := name + ext
		tracker := server.metrics.startBucketRequest(name, "document")
		r, etag, status, err := server.bucket.NewReaderEtag(ctx, key, "")
		if err != nil {
			tracker.finish(ctx, strconv.Itoa(status))
			lastStatus, lastErr = status, err
			if status == 404 {
				continue
			}
			return nil, "", "", status, err
		}
		b, err := io.ReadAll(r)
		r.Close()
		if err != nil {
			tracker.finish(ctx, "500")
			return nil, "", "", 500, err
		}
		tracker.finish(ctx, "200")
		return b, etag, key, 200, nil
	}
	return nil, "", "", lastStatus, lastErr
}

func (server *Server) buildPage(ctx context.Context, name string) cachedPage {
	server.logger.Printf("building %s", name)
	b, etag, key, status, err := server.fetchDocument(ctx, name)
	if err != nil {
		server.logger.Printf("failed to fetch document %s, %v", name, err)
		return cachedPage{status: status}
	}

	start := time.Now()
	doc, err := ParseDocument(b, path.Ext(key))
	if err != nil {
		server.metrics.buildFinished(name, start, err)
		server.logger.Printf("failed to parse document %s, %v", key, err)
		return cachedPage{status: 422}
	}
	page, normalized, err := server.render(ctx, doc)
	server.metrics.buildFinished(name, start, err)
	if err != nil {
		server.logger.Printf("failed to build document %s, %v", key, err)
		return cachedPage{status: buildErrorStatus(err)}
	}
	server.logger.Printf("built %s", name)
	return cachedPage{page: page, document: normalized, etag: etag, key: key, status: 200, ok: true}
}

func (server *Server) render(ctx context.Context, doc *Document) ([]byte, []byte, error) {
	m, err := doc.Build(ctx, server.logger, server.resolver, server.tiles)
	if err != nil {
		return nil, nil, err
	}
	var buf bytes.Buffer
	if err := m.Render(&buf); err != nil {
		return nil, nil, err
	}
	normalized, err := json.Marshal(doc.Normalized())
	if err != nil {
		return nil, nil, err
	}
	return buf.Bytes(), normalized, nil
}

// buildErrorStatus maps document errors to HTTP statuses.
func buildErrorStatus(err error) int {
	switch {
	case errors.Is(err, ErrRemoteService):
		return 502
	case errors.Is(err, ErrUnknownBasemap), errors.Is(err, ErrDataSource):
		return 422
	}
	return 500
}

// page returns the cached page for name, rebuilding it once when the stored
// document changed since it was rendered.
func (server *Server) page(ctx context.Context, name string) cachedPage {
	req := cacheRequest{name: name, value: make(chan cachedPage, 1)}
	server.reqs <- req
	value := <-req.value
	if !value.ok || value.etag == "" {
		return value
	}

	tracker := server.metrics.startBucketRequest(name, "etag")
	etag, err := server.bucket.Etag(ctx, value.key)
	if err != nil {
		tracker.finish(ctx, "500")
		server.logger.Printf("failed to revalidate %s, %v", value.key, err)
		return value
	}
	tracker.finish(ctx, "200")
	if etag == value.etag {
		return value
	}

	server.logger.Printf("%s changed, rebuilding", value.key)
	req = cacheRequest{name: name, purge: value.etag, value: make(chan cachedPage, 1)}
	server.reqs <- req
	return <-req.value
}

func statusBody(status int) []byte {
	switch status {
	case 404:
		return []byte("Document not found")
	case 422:
		return []byte("Document could not be built")
	case 502:
		return []byte("Remote service error")
	}
	return []byte("I/O Error")
}

func (server *Server) getPage(ctx context.Context, httpHeaders map[string]string, name string) (int, map[string]string, []byte) {
	value := server.page(ctx, name)
	if !value.ok {
		return value.status, httpHeaders, statusBody(value.status)
	}
	httpHeaders["Content-Type"] = "text/html; charset=utf-8"
	httpHeaders["ETag"] = value.etag
	return 200, httpHeaders, value.page
}

func (server *Server) getDocument(ctx context.Context, httpHeaders map[string]string, name string) (int, map[string]string, []byte) {
	value := server.page(ctx, name)
	if !value.ok {
		return value.status, httpHeaders, statusBody(value.status)
	}
	httpHeaders["Content-Type"] = "application/json"
	httpHeaders["ETag"] = value.etag
	return 200, httpHeaders, value.document
}

var pagePattern = regexp.MustCompile(`^\/([-A-Za-z0-9_\/!-_\.\*'\(\)']+)\.html$`)
var documentPattern = regexp.MustCompile(`^\/([-A-Za-z0-9_\/!-_\.\*'\(\)']+)\.json$`)

func parsePagePath(path string) (bool, string) {
	if res := pagePattern.FindStringSubmatch(path); res != nil {
		return true, res[1]
	}
	return false, ""
}

func parseDocumentPath(path string) (bool, string) {
	if res := documentPattern.FindStringSubmatch(path); res != nil {
		return true, res[1]
	}
	return false, ""
}

// Get renders a map page (/{name}.html) or the normalized document (/{name}.json).
func (server *Server) Get(ctx context.Context, path string) (int, map[string]string, []byte) {
	status, headers, body, _ := server.get(ctx, path)
	return status, headers, body
}

func (server *Server) get(ctx context.Context, path string) (int, map[string]string, []byte, string) {
	httpHeaders := make(map[string]string)
	if len(server.cors) > 0 {
		httpHeaders["Access-Control-Allow-Origin"] = server.cors
	}

	if ok, name := parsePagePath(path); ok {
		status, headers, body := server.getPage(ctx, httpHeaders, name)
		return status, headers, body, name
	}
	if ok, name := parseDocumentPath(path); ok {
		status, headers, body := server.getDocument(ctx, httpHeaders, name)
		return status, headers, body, name
	}

	if path == "/" {
		return 204, httpHeaders, []byte{}, ""
	}

	return 404, httpHeaders, []byte("Path not found"), ""
}

// ServeHTTP implements http.Handler and records request metrics.
func (server *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tracker := server.metrics.startRequest()
	handler := "other"
	switch path.Ext(r.URL.Path) {
	case ".html":
		handler = "page"
	case ".json":
		handler = "document"
	}
	status, headers, body, name := server.get(r.Context(), r.URL.Path)
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	if status == 200 {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	}
	w.WriteHeader(status)
	w.Write(body)
	tracker.finish(r.Context(), name, handler, status, len(body))
}
