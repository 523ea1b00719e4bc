package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	httptrace "github.com/DataDog/dd-trace-go/contrib/net/http/v2"
	"github.com/DataDog/dd-trace-go/v2/ddtrace/tracer"
	"github.com/alecthomas/kong"
	"github.com/hwilli72/maplab/maplab"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var cli struct {
	Render struct {
		Document    string        `arg:"" help:"Local or remote map document (.json, .yaml)."`
		Output      string        `arg:"" help:"Output HTML file." type:"path"`
		Registry    string        `help:"Provider catalog in xyzservices JSON format; defaults to the built-in catalog."`
		TileService string        `default:"https://titiler.xyz" help:"Endpoint of the raster tiling service."`
		Timeout     time.Duration `default:"10s" help:"Timeout for each tiling service request."`
		Quiet       bool          `help:"Suppress progress bars."`
	} `cmd:"" help:"Build a map document into a standalone HTML page."`

	Basemaps struct {
		Registry string `help:"Provider catalog in xyzservices JSON format; defaults to the built-in catalog."`
	} `cmd:"" help:"List basemap identifiers."`

	Resolve struct {
		Identifier string `arg:"" help:"Basemap name or dotted provider key."`
		Registry   string `help:"Provider catalog in xyzservices JSON format; defaults to the built-in catalog."`
	} `cmd:"" help:"Show the tile URL template and attribution for a basemap."`

	Table struct {
		Input   string   `arg:"" help:"Input .csv or .xlsx file."`
		Sheet   string   `help:"Worksheet name for .xlsx input; defaults to the first sheet."`
		Select  []string `help:"Columns to keep, in order."`
		Drop    []string `help:"Columns to remove."`
		Index   string   `help:"Column to use as the row index."`
		GroupBy []string `help:"Columns to group by."`
		Agg     string   `help:"Column to aggregate per group."`
		Func    string   `default:"sum" help:"Aggregation: sum, mean, count, min or max."`
		HTML    bool     `name:"html" help:"Output an HTML table instead of CSV."`
	} `cmd:"" help:"Read a spreadsheet and print it as CSV or HTML."`

	Serve struct {
		Path        string `arg:"" help:"Local path or bucket prefix"`
		Port        int    `default:"8080"`
		Cors        string `help:"Comma-separated list of allowed HTTP CORS origins."`
		CacheSize   int    `default:"64" help:"Size of cache in Megabytes."`
		Bucket      string `help:"Remote bucket"`
		Registry    string `help:"Provider catalog in xyzservices JSON format; defaults to the built-in catalog."`
		TileService string `default:"https://titiler.xyz" help:"Endpoint of the raster tiling service."`
		Trace       bool   `help:"Send request traces to a local Datadog agent."`
	} `cmd:"" help:"Run an HTTP server that renders map documents on request."`

	Version struct {
	} `cmd:"" help:"Show the program version."`
}

func loadResolver(ctx context.Context, logger *log.Logger, registry string) *maplab.Resolver {
	if registry == "" {
		return maplab.NewResolver(maplab.DefaultProviderRegistry())
	}
	r, err := maplab.LoadProviderRegistry(ctx, logger, "", registry)
	if err != nil {
		logger.Fatalf("Failed to load provider catalog, %v", err)
	}
	return maplab.NewResolver(r)
}

func main() {
	if len(os.Args) < 2 {
		os.Args = append(os.Args, "--help")
	}

	logger := log.New(os.Stdout, "", log.Ldate|log.Ltime|log.Lshortfile)
	ctx := kong.Parse(&cli)
	bg := context.Background()

	switch ctx.Command() {
	case "render <document> <output>":
		maplab.SetQuietMode(cli.Render.Quiet)
		doc, err := maplab.ReadDocument(bg, logger, cli.Render.Document)
		if err != nil {
			logger.Fatalf("Failed to read document, %v", err)
		}
		resolver := loadResolver(bg, logger, cli.Render.Registry)
		tiles := maplab.NewTileServiceClient(cli.Render.TileService, nil, cli.Render.Timeout, logger)
		m, err := doc.Build(bg, logger, resolver, tiles)
		if err != nil {
			logger.Fatalf("Failed to build map, %v", err)
		}
		if err := m.Save(cli.Render.Output); err != nil {
			logger.Fatalf("Failed to write %s, %v", cli.Render.Output, err)
		}
		logger.Printf("wrote %s with %d layers and controls", cli.Render.Output, len(m.Layers()))
	case "basemaps":
		resolver := loadResolver(bg, logger, cli.Basemaps.Registry)
		for _, name := range maplab.WellKnownBasemaps() {
			fmt.Println(name)
		}
		for _, key := range resolver.Registry().Keys() {
			fmt.Println(key)
		}
	case "resolve <identifier>":
		resolver := loadResolver(bg, logger, cli.Resolve.Registry)
		spec, err := resolver.Resolve(cli.Resolve.Identifier)
		if err != nil {
			logger.Fatalf("Failed to resolve basemap, %v", err)
		}
		fmt.Printf("name: %s\nurl: %s\nattribution: %s\nmax zoom: %d\n", spec.Name, spec.URLTemplate, spec.Attribution, spec.MaxZoom)
	case "table <input>":
		// stdout carries the table
		stderrLogger := log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
		if err := runTable(bg, stderrLogger); err != nil {
			logger.Fatalf("Failed to process table, %v", err)
		}
	case "serve <path>":
		maplab.SetQuietMode(true)
		maplab.SetBuildInfo(version, commit, date)
		server, err := maplab.NewServer(cli.Serve.Bucket, cli.Serve.Path, logger, cli.Serve.CacheSize, "")
		if err != nil {
			logger.Fatalf("Failed to create new server, %v", err)
		}
		server.SetResolver(loadResolver(bg, logger, cli.Serve.Registry))
		server.SetTileService(maplab.NewTileServiceClient(cli.Serve.TileService, nil, maplab.DefaultTileServiceTimeout, logger))
		server.Start()

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			server.ServeHTTP(w, r)
			logger.Printf("served %s in %s", r.URL.Path, time.Since(start))
		})

		var handler http.Handler = mux
		if cli.Serve.Cors != "" {
			handler = cors.New(cors.Options{
				AllowedOrigins: strings.Split(cli.Serve.Cors, ","),
				AllowedMethods: []string{http.MethodGet, http.MethodHead},
				AllowedHeaders: []string{"*"},
			}).Handler(handler)
		}
		if cli.Serve.Trace {
			if err := tracer.Start(tracer.WithService("maplab"), tracer.WithServiceVersion(version)); err != nil {
				logger.Fatalf("Failed to start tracer, %v", err)
			}
			defer tracer.Stop()
			handler = httptrace.WrapHandler(handler, "maplab", "serve")
		}

		logger.Printf("Serving %s %s on port %d with Access-Control-Allow-Origin: %s\n", cli.Serve.Bucket, cli.Serve.Path, cli.Serve.Port, cli.Serve.Cors)
		logger.Fatal(http.ListenAndServe(":"+strconv.Itoa(cli.Serve.Port), handler))
	case "version":
		fmt.Printf("maplab %s, commit %s, built at %s\n", version, commit, date)
	default:
		panic(ctx.Command())
	}
}

func runTable(ctx context.Context, logger *log.Logger) error {
	t, err := maplab.ReadTable(ctx, logger, cli.Table.Input, cli.Table.Sheet)
	if err != nil {
		return err
	}
	if len(cli.Table.Drop) > 0 {
		if err := t.DropColumns(cli.Table.Drop...); err != nil {
			return err
		}
	}
	if len(cli.Table.Select) > 0 {
		if t, err = t.SelectColumns(cli.Table.Select...); err != nil {
			return err
		}
	}
	if len(cli.Table.GroupBy) > 0 {
		fn, err := maplab.ParseAggFunc(cli.Table.Func)
		if err != nil {
			return err
		}
		g, err := t.GroupBy(cli.Table.GroupBy...)
		if err != nil {
			return err
		}
		if t, err = g.Agg(cli.Table.Agg, fn); err != nil {
			return err
		}
	}
	if cli.Table.Index != "" {
		if err := t.SetIndex(cli.Table.Index); err != nil {
			return err
		}
	}
	if cli.Table.HTML {
		_, err = fmt.Print(t.HTML())
		return err
	}
	return t.WriteCSV(os.Stdout)
}
