package caddy

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/hwilli72/maplab/maplab"
	"go.uber.org/zap"
	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
)

func init() {
	caddy.RegisterModule(Middleware{})
	httpcaddyfile.RegisterHandlerDirective("maplab_server", parseCaddyfile)
}

// Middleware renders map documents (/{name}.html) from a local or remote bucket.
type Middleware struct {
	Bucket      string `json:"bucket"`
	CacheSize   int    `json:"cache_size"`
	Registry    string `json:"registry"`
	TileService string `json:"tile_service"`
	Cors        string `json:"cors"`
	logger      *zap.Logger
	server      *maplab.Server
}

// CaddyModule returns the Caddy module information.
func (Middleware) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.maplab_server",
		New: func() caddy.Module { return new(Middleware) },
	}
}

func (m *Middleware) Provision(ctx caddy.Context) error {
	m.logger = ctx.Logger()
	logger := log.New(io.Discard, "", log.Ldate)
	maplab.SetQuietMode(true)
	prefix := "." // serve only the root of the bucket for now, at the root route of Caddyfile
	server, err := maplab.NewServer(m.Bucket, prefix, logger, m.CacheSize, m.Cors)
	if err != nil {
		return err
	}
	if m.Registry != "" {
		registry, err := maplab.LoadProviderRegistry(ctx, logger, "", m.Registry)
		if err != nil {
			return err
		}
		server.SetResolver(maplab.NewResolver(registry))
	}
	if m.TileService != "" {
		server.SetTileService(maplab.NewTileServiceClient(m.TileService, nil, maplab.DefaultTileServiceTimeout, logger))
	}
	m.server = server
	server.Start()
	return nil
}

func (m *Middleware) Validate() error {
	if m.Bucket == "" {
		return fmt.Errorf("no bucket")
	}
	if m.CacheSize <= 0 {
		m.CacheSize = 64
	}
	return nil
}

func (m Middleware) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	start := time.Now()
	statusCode, headers, body := m.server.Get(r.Context(), r.URL.Path)
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(statusCode)
	w.Write(body)
	m.logger.Info("response", zap.Int("status", statusCode), zap.String("path", r.URL.Path), zap.Duration("duration", time.Since(start)))

	return next.ServeHTTP(w, r)
}

func (m *Middleware) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		for nesting := d.Nesting(); d.NextBlock(nesting); {
			switch d.Val() {
			case "bucket":
				if !d.Args(&m.Bucket) {
					return d.ArgErr()
				}
			case "cache_size":
				var cacheSize string
				if !d.Args(&cacheSize) {
					return d.ArgErr()
				}
				num, err := strconv.Atoi(cacheSize)
				if err != nil {
					return d.ArgErr()
				}
				m.CacheSize = num
			case "registry":
				if !d.Args(&m.Registry) {
					return d.ArgErr()
				}
			case "tile_service":
				if !d.Args(&m.TileService) {
					return d.ArgErr()
				}
			case "cors":
				if !d.Args(&m.Cors) {
					return d.ArgErr()
				}
			default:
				return d.Errf("unknown maplab_server option %s", d.Val())
			}
		}
	}
	return nil
}

func parseCaddyfile(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	var m Middleware
	err := m.UnmarshalCaddyfile(h.Dispenser)
	return m, err
}

var (
	_ caddy.Provisioner           = (*Middleware)(nil)
	_ caddy.Validator             = (*Middleware)(nil)
	_ caddyhttp.MiddlewareHandler = (*Middleware)(nil)
	_ caddyfile.Unmarshaler       = (*Middleware)(nil)
)
