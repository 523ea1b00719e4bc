package maplab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"path"
	"strings"

	"github.com/paulmach/orb/geojson"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// Layer types understood by documents.
const (
	LayerTypeTile      = "tile"
	LayerTypeBasemap   = "basemap"
	LayerTypeWMS       = "wms"
	LayerTypeGeoJSON   = "geojson"
	LayerTypeShapefile = "shapefile"
	LayerTypeVector    = "vector"
	LayerTypeRaster    = "raster"
)

const prefetchConcurrency = 4

// LayerEntry describes one layer of a map document.
type LayerEntry struct {
	Type        string         `json:"type" yaml:"type"`
	Name        string         `json:"name,omitempty" yaml:"name,omitempty"`
	URL         string         `json:"url,omitempty" yaml:"url,omitempty"`
	Path        string         `json:"path,omitempty" yaml:"path,omitempty"`
	Attribution string         `json:"attribution,omitempty" yaml:"attribution,omitempty"`
	Layers      string         `json:"layers,omitempty" yaml:"layers,omitempty"`
	Format      string         `json:"format,omitempty" yaml:"format,omitempty"`
	Transparent bool           `json:"transparent,omitempty" yaml:"transparent,omitempty"`
	FitBounds   bool           `json:"fit_bounds,omitempty" yaml:"fit_bounds,omitempty"`
	Options     map[string]any `json:"options,omitempty" yaml:"options,omitempty"`
}

// source is the path or URL of the entry's data.
func (e LayerEntry) source() string {
	if e.Path != "" {
		return e.Path
	}
	return e.URL
}

// label is the name the layer is listed under.
func (e LayerEntry) label() string {
	if e.Name != "" {
		return e.Name
	}
	return e.source()
}

func (e LayerEntry) vector() bool {
	switch e.Type {
	case LayerTypeGeoJSON, LayerTypeShapefile, LayerTypeVector:
		return true
	}
	return false
}

// Document is a declarative map: options for NewMap, extra basemaps and layers in
// the order they are added.
type Document struct {
	Options  MapConfig    `json:"options,omitempty" yaml:"options,omitempty"`
	Basemaps []string     `json:"basemaps,omitempty" yaml:"basemaps,omitempty"`
	Layers   []LayerEntry `json:"layers,omitempty" yaml:"layers,omitempty"`
}

// ParseDocument decodes a JSON or YAML document; ext is the file extension.
func ParseDocument(data []byte, ext string) (*Document, error) {
	var doc Document
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to parse document, %w", err)
		}
	case "yaml", "yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to parse document, %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported document format %q", ext)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// ReadDocument loads a document from a local path, URL or bucket object.
func ReadDocument(ctx context.Context, logger *log.Logger, location string) (*Document, error) {
	b, err := readSource(ctx, orDiscard(logger), location)
	if err != nil {
		return nil, err
	}
	return ParseDocument(b, path.Ext(strings.SplitN(location, "?", 2)[0]))
}

func (d *Document) Validate() error {
	for i, l := range d.Layers {
		switch l.Type {
		case LayerTypeTile, LayerTypeWMS, LayerTypeRaster:
			if l.URL == "" {
				return fmt.Errorf("layer %d (%s) needs a url", i, l.Type)
			}
		case LayerTypeBasemap:
			if l.Name == "" {
				return fmt.Errorf("layer %d (basemap) needs a name", i)
			}
		case LayerTypeGeoJSON, LayerTypeShapefile, LayerTypeVector:
			if l.source() == "" {
				return fmt.Errorf("layer %d (%s) needs a path or url", i, l.Type)
			}
		default:
			return fmt.Errorf("layer %d has unknown type %q", i, l.Type)
		}
	}
	return nil
}

// Normalized returns a copy with normalized map options, as the map sees them.
func (d *Document) Normalized() *Document {
	return &Document{
		Options:  Normalize(d.Options),
		Basemaps: append([]string{}, d.Basemaps...),
		Layers:   append([]LayerEntry{}, d.Layers...),
	}
}

func (d *Document) prefetch(ctx context.Context, logger *log.Logger) ([]*geojson.FeatureCollection, error) {
	fcs := make([]*geojson.FeatureCollection, len(d.Layers))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(prefetchConcurrency)
	for i, l := range d.Layers {
		if !l.vector() {
			continue
		}
		g.Go(func() error {
			encoding, _ := l.Options["encoding"].(string)
			var fc *geojson.FeatureCollection
			var err error
			switch l.Type {
			case LayerTypeGeoJSON:
				fc, err = ReadGeoJSON(ctx, logger, l.source())
			case LayerTypeShapefile:
				fc, err = ReadShapefile(ctx, logger, l.source(), encoding)
			default:
				fc, err = ReadVector(ctx, logger, l.source(), encoding)
			}
			fcs[i] = fc
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return fcs, nil
}

// Build fetches the document's vector data concurrently and then adds every basemap
// and layer to a new map in document order. The first failing step aborts the build.
func (d *Document) Build(ctx context.Context, logger *log.Logger, resolver *Resolver, tiles *TileServiceClient) (*Map, error) {
	logger = orDiscard(logger)
	if err := d.Validate(); err != nil {
		return nil, err
	}
	m, err := NewMapWithBackend(NewLeafletBackend(), resolver, tiles, logger, d.Options)
	if m == nil {
		return nil, err
	}
	if err != nil {
		logger.Printf("map created with control errors: %v", err)
	}

	fcs, err := d.prefetch(ctx, logger)
	if err != nil {
		return nil, err
	}

	for _, b := range d.Basemaps {
		if _, err := m.AddBasemap(b, nil); err != nil {
			return nil, err
		}
	}

	bar := getReporter().Layers(len(d.Layers))
	defer bar.Close()
	for i, l := range d.Layers {
		opts := make(map[string]any, len(l.Options)+1)
		for k, v := range l.Options {
			opts[k] = v
		}
		if l.FitBounds {
			opts["fit_bounds"] = true
		}
		switch l.Type {
		case LayerTypeTile:
			_, err = m.AddTileLayer(l.URL, l.Name, l.Attribution, opts)
		case LayerTypeBasemap:
			_, err = m.AddBasemap(l.Name, opts)
		case LayerTypeWMS:
			_, err = m.AddWMSLayer(l.URL, l.Layers, l.Name, l.Format, l.Transparent, l.Attribution, opts)
		case LayerTypeRaster:
			if l.Attribution != "" {
				opts["attribution"] = l.Attribution
			}
			delete(opts, "fit_bounds")
			_, err = m.AddRaster(ctx, l.URL, l.Name, l.FitBounds, opts)
		default:
			_, err = m.AddGeoJSON(ctx, fcs[i], l.label(), opts)
		}
		if err != nil {
			return nil, err
		}
		bar.Added(l.label())
	}
	return m, nil
}
