package maplab

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

const DefaultSearchURL = "https://nominatim.openstreetmap.org/search?format=json&q={s}"

func orDiscard(logger *log.Logger) *log.Logger {
	if logger == nil {
		return log.New(io.Discard, "", 0)
	}
	return logger
}

// Map is an interactive map with the usual controls pre-configured. It owns a
// Backend and translates every call into registrations against it. A Map is not
// safe for concurrent use.
type Map struct {
	backend  Backend
	resolver *Resolver
	tiles    *TileServiceClient
	logger   *log.Logger
	config   MapConfig
}

// NewMap creates a map rendered to Leaflet HTML, resolving basemaps against the
// built-in provider catalog and raster metadata against titiler.xyz.
func NewMap(logger *log.Logger, options MapConfig) (*Map, error) {
	return NewMapWithBackend(
		NewLeafletBackend(),
		NewResolver(DefaultProviderRegistry()),
		NewTileServiceClient(DefaultTileServiceEndpoint, nil, DefaultTileServiceTimeout, logger),
		logger,
		options,
	)
}

// NewMapWithBackend normalizes options and registers the default controls. An
// unknown "basemap" option fails construction. When only control registration fails
// the map is still returned together with the error, with every control that could
// be attached in place.
func NewMapWithBackend(backend Backend, resolver *Resolver, tiles *TileServiceClient, logger *log.Logger, options MapConfig) (*Map, error) {
	logger = orDiscard(logger)
	if resolver == nil {
		resolver = NewResolver(DefaultProviderRegistry())
	}
	if tiles == nil {
		tiles = NewTileServiceClient(DefaultTileServiceEndpoint, nil, DefaultTileServiceTimeout, logger)
	}
	config := Normalize(options)
	if _, err := config.Location(); err != nil {
		return nil, err
	}

	var basemap *BasemapSpec
	if id := config.String(OptBasemap, ""); id != "" {
		spec, err := resolver.Resolve(id)
		if err != nil {
			return nil, err
		}
		basemap = &spec
	}

	m := &Map{
		backend:  backend,
		resolver: resolver,
		tiles:    tiles,
		logger:   logger,
		config:   config,
	}
	if err := Register(m, config, basemap); err != nil {
		return m, err
	}
	return m, nil
}

// Config returns a copy of the normalized options.
func (m *Map) Config() MapConfig {
	out := make(MapConfig, len(m.config))
	for k, v := range m.config {
		out[k] = v
	}
	return out
}

func (m *Map) Backend() Backend {
	return m.backend
}

func (m *Map) Layers() []Entry {
	return m.backend.Entries()
}

func (m *Map) addControl(kind ControlKind, position string, options map[string]any) (LayerHandle, error) {
	h, err := m.backend.AddControl(ControlSpec{Kind: kind, Position: position, Options: options})
	if err != nil {
		return LayerHandle{}, fmt.Errorf("failed to add %s control, %w", kind, err)
	}
	return h, nil
}

// AddFullscreenControl attaches a fullscreen toggle. Calling it again attaches a
// second control; none of the Add*Control methods are idempotent.
func (m *Map) AddFullscreenControl(position string) (LayerHandle, error) {
	if position == "" {
		position = "topright"
	}
	return m.addControl(FullscreenControl, position, nil)
}

func (m *Map) AddDrawControl(options map[string]any) (LayerHandle, error) {
	position := "topleft"
	if p, ok := options["position"].(string); ok {
		position = p
	}
	draw := make(map[string]any, len(options))
	for k, v := range options {
		if k != "position" {
			draw[k] = v
		}
	}
	return m.addControl(DrawControl, position, draw)
}

func (m *Map) AddMeasureControl(options map[string]any) (LayerHandle, error) {
	position := "topright"
	if p, ok := options["position"].(string); ok {
		position = p
	}
	opts := map[string]any{
		"primaryLengthUnit": "kilometers",
		"primaryAreaUnit":   "sqmeters",
	}
	for k, v := range options {
		if k != "position" {
			opts[k] = v
		}
	}
	return m.addControl(MeasureControl, position, opts)
}

// AddSearchControl attaches a place search box backed by Nominatim unless options
// carry another "url".
func (m *Map) AddSearchControl(position string, options map[string]any) (LayerHandle, error) {
	if position == "" {
		position = "topleft"
	}
	opts := map[string]any{"url": DefaultSearchURL}
	for k, v := range options {
		opts[k] = v
	}
	return m.addControl(SearchControl, position, opts)
}

// AddLayersControl attaches a layer switcher. Its catalog records what was attached
// before it; the rendered switcher lists every layer on the map.
func (m *Map) AddLayersControl(position string) (LayerHandle, error) {
	if position == "" {
		position = "topright"
	}
	h, err := m.backend.AddControl(ControlSpec{Kind: LayersControl, Position: position, Catalog: m.backend.Entries()})
	if err != nil {
		return LayerHandle{}, fmt.Errorf("failed to add %s control, %w", LayersControl, err)
	}
	return h, nil
}

// splitLayerOptions pulls maplab's own flags out of options; the rest goes to the
// renderer.
func splitLayerOptions(options map[string]any, overlay bool) (bool, bool, map[string]any) {
	shown := true
	rest := make(map[string]any, len(options))
	for k, v := range options {
		switch k {
		case "overlay":
			if b, ok := v.(bool); ok {
				overlay = b
			}
		case "shown", "show":
			if b, ok := v.(bool); ok {
				shown = b
			}
		case "encoding", "fit_bounds":
		default:
			rest[k] = v
		}
	}
	return overlay, shown, rest
}

func (m *Map) AddTileLayer(url, name, attribution string, options map[string]any) (LayerHandle, error) {
	overlay, shown, rest := splitLayerOptions(options, false)
	maxZoom := MapConfig(rest).Int("max_zoom", 0)
	delete(rest, "max_zoom")
	return m.addTileLayer(LayerSpec{
		Kind:        TileLayer,
		Name:        name,
		URL:         url,
		Attribution: attribution,
		MaxZoom:     maxZoom,
		Overlay:     overlay,
		Shown:       shown,
		Options:     rest,
	})
}

func (m *Map) addTileLayer(spec LayerSpec) (LayerHandle, error) {
	h, err := m.backend.AddLayer(spec)
	if err != nil {
		return LayerHandle{}, fmt.Errorf("failed to add tile layer %s, %w", spec.Name, err)
	}
	return h, nil
}

// AddBasemap resolves identifier and adds it as a tile layer. Invalid identifiers
// return an *UnknownBasemapError; no default is substituted.
func (m *Map) AddBasemap(identifier string, options map[string]any) (LayerHandle, error) {
	spec, err := m.resolver.Resolve(identifier)
	if err != nil {
		return LayerHandle{}, err
	}
	return m.AddBasemapSpec(spec, options)
}

func (m *Map) AddBasemapSpec(spec BasemapSpec, options map[string]any) (LayerHandle, error) {
	overlay, shown, rest := splitLayerOptions(options, false)
	return m.addTileLayer(LayerSpec{
		Kind:        TileLayer,
		Name:        spec.Name,
		URL:         spec.URLTemplate,
		Attribution: spec.Attribution,
		MaxZoom:     spec.MaxZoom,
		Overlay:     overlay,
		Shown:       shown,
		Options:     rest,
	})
}

func (m *Map) AddWMSLayer(url, layers, name, format string, transparent bool, attribution string, options map[string]any) (LayerHandle, error) {
	if format == "" {
		format = "image/png"
	}
	overlay, shown, rest := splitLayerOptions(options, true)
	version, _ := rest["version"].(string)
	delete(rest, "version")
	h, err := m.backend.AddLayer(LayerSpec{
		Kind:        WMSLayer,
		Name:        name,
		URL:         url,
		Attribution: attribution,
		Overlay:     overlay,
		Shown:       shown,
		WMS:         &WMSParams{Layers: layers, Format: format, Transparent: transparent, Version: version},
		Options:     rest,
	})
	if err != nil {
		return LayerHandle{}, fmt.Errorf("failed to add wms layer %s, %w", name, err)
	}
	return h, nil
}

// toFeatureCollection accepts a path or URL, raw GeoJSON bytes, orb geojson values,
// orb geometries or a decoded JSON object.
func (m *Map) toFeatureCollection(ctx context.Context, data any) (*geojson.FeatureCollection, error) {
	switch d := data.(type) {
	case string:
		return ReadGeoJSON(ctx, m.logger, d)
	case []byte:
		fc, err := ParseGeoJSON(d)
		if err != nil {
			return nil, dataSourceErr("<bytes>", err)
		}
		return fc, nil
	case *geojson.FeatureCollection:
		return d, nil
	case *geojson.Feature:
		fc := geojson.NewFeatureCollection()
		fc.Append(d)
		return fc, nil
	case orb.Geometry:
		fc := geojson.NewFeatureCollection()
		fc.Append(geojson.NewFeature(d))
		return fc, nil
	case map[string]any:
		b, err := json.Marshal(d)
		if err != nil {
			return nil, dataSourceErr("<object>", err)
		}
		fc, err := ParseGeoJSON(b)
		if err != nil {
			return nil, dataSourceErr("<object>", err)
		}
		return fc, nil
	}
	return nil, dataSourceErr(fmt.Sprintf("<%T>", data), fmt.Errorf("unsupported geojson input"))
}

// AddGeoJSON adds vector data as an overlay. Setting "fit_bounds" in options fits
// the view to the data.
func (m *Map) AddGeoJSON(ctx context.Context, data any, name string, options map[string]any) (LayerHandle, error) {
	if name == "" {
		name = "GeoJSON"
	}
	fc, err := m.toFeatureCollection(ctx, data)
	if err != nil {
		return LayerHandle{}, err
	}
	return m.addFeatureCollection(fc, name, options)
}

func (m *Map) addFeatureCollection(fc *geojson.FeatureCollection, name string, options map[string]any) (LayerHandle, error) {
	overlay, shown, rest := splitLayerOptions(options, true)
	h, err := m.backend.AddLayer(LayerSpec{
		Kind:    GeoJSONLayer,
		Name:    name,
		Overlay: overlay,
		Shown:   shown,
		Data:    fc,
		Options: rest,
	})
	if err != nil {
		return LayerHandle{}, fmt.Errorf("failed to add geojson layer %s, %w", name, err)
	}
	if fit, _ := options["fit_bounds"].(bool); fit {
		if b, ok := FeatureCollectionBounds(fc); ok {
			m.FitBounds(b)
		}
	}
	return h, nil
}

// AddShapefile reads a .shp or zipped shapefile. An "encoding" option names the DBF
// text encoding.
func (m *Map) AddShapefile(ctx context.Context, path, name string, options map[string]any) (LayerHandle, error) {
	if name == "" {
		name = "Shapefile"
	}
	encoding, _ := options["encoding"].(string)
	fc, err := ReadShapefile(ctx, m.logger, path, encoding)
	if err != nil {
		return LayerHandle{}, err
	}
	return m.addFeatureCollection(fc, name, options)
}

// AddVector reads GeoJSON, shapefiles or CSV point files by extension.
func (m *Map) AddVector(ctx context.Context, path, name string, options map[string]any) (LayerHandle, error) {
	if name == "" {
		name = "Vector"
	}
	encoding, _ := options["encoding"].(string)
	fc, err := ReadVector(ctx, m.logger, path, encoding)
	if err != nil {
		return LayerHandle{}, err
	}
	return m.addFeatureCollection(fc, name, options)
}

// AddRaster asks the tile service for the raster's bounds and then its TileJSON,
// exactly one request each, and adds the first tile URL as an overlay.
func (m *Map) AddRaster(ctx context.Context, url, name string, fitBounds bool, options map[string]any) (LayerHandle, error) {
	if name == "" {
		name = "Raster"
	}
	bbox, err := m.tiles.Info(ctx, url)
	if err != nil {
		return LayerHandle{}, err
	}
	tj, err := m.tiles.TileJSON(ctx, url)
	if err != nil {
		return LayerHandle{}, err
	}
	opts := map[string]any{"overlay": true}
	for k, v := range options {
		opts[k] = v
	}
	attribution, _ := opts["attribution"].(string)
	delete(opts, "attribution")
	h, err := m.AddTileLayer(tj.Tiles[0], name, attribution, opts)
	if err != nil {
		return LayerHandle{}, err
	}
	if fitBounds {
		m.FitBounds(BoundsFromBBox(bbox))
	}
	return h, nil
}

func (m *Map) FitBounds(bounds Bounds) {
	m.backend.FitBounds(bounds)
}

// RemoveLayer detaches a layer or control. The handle is invalid afterwards.
func (m *Map) RemoveLayer(handle LayerHandle) error {
	return m.backend.RemoveLayer(handle)
}

func (m *Map) Render(w io.Writer) error {
	return m.backend.Render(w, m.config)
}

func (m *Map) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := m.Render(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
