package maplab

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMap(t *testing.T, tileServiceURL string, options MapConfig) (*Map, *LeafletBackend) {
	t.Helper()
	backend := NewLeafletBackend()
	tiles := NewTileServiceClient(tileServiceURL, nil, time.Second, nil)
	m, err := NewMapWithBackend(backend, NewResolver(DefaultProviderRegistry()), tiles, nil, options)
	require.Nil(t, err)
	return m, backend
}

func kinds(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		if e.Control != nil {
			out[i] = "control:" + e.Control.Kind.String()
		} else {
			out[i] = "layer:" + e.Layer.Name
		}
	}
	return out
}

func TestNewMapDefaultControls(t *testing.T) {
	m, _ := newTestMap(t, "", nil)
	assert.Equal(t, []string{"control:fullscreen", "control:layers"}, kinds(m.Layers()))
	assert.Equal(t, 2, m.Config()[OptZoomStart])
}

func TestLayersControlListsPriorControls(t *testing.T) {
	m, _ := newTestMap(t, "", MapConfig{
		OptDrawControl:    true,
		OptMeasureControl: true,
		OptSearchControl:  true,
	})
	entries := m.Layers()
	assert.Equal(t, []string{"control:fullscreen", "control:draw", "control:measure", "control:search", "control:layers"}, kinds(entries))

	catalog := entries[4].Control.Catalog
	assert.Len(t, catalog, 4)
	assert.Equal(t, []string{"control:fullscreen", "control:draw", "control:measure", "control:search"}, kinds(catalog))
}

func TestNewMapBasemapOption(t *testing.T) {
	m, _ := newTestMap(t, "", MapConfig{"basemap": "HYBRID", OptFullscreen: false})
	entries := m.Layers()
	assert.Equal(t, []string{"layer:Google Hybrid", "control:layers"}, kinds(entries))
	assert.Equal(t, []string{"layer:Google Hybrid"}, kinds(entries[1].Control.Catalog))
	assert.False(t, entries[0].Layer.Overlay)
	assert.True(t, entries[0].Layer.Shown)
}

func TestLayersControlListsBasemapAddedLater(t *testing.T) {
	m, backend := newTestMap(t, "", MapConfig{"basemap": "CartoDB.Positron"})
	h, err := m.AddBasemap("OpenTopoMap", map[string]any{"shown": false})
	require.Nil(t, err)

	var topo Entry
	for _, e := range m.Layers() {
		if e.Handle == h {
			topo = e
		}
	}
	require.NotNil(t, topo.Layer)
	assert.False(t, topo.Layer.Shown)

	script, err := backend.Script(m.Config())
	require.Nil(t, err)
	v := jsName("layer", h, topo.Layer.Name)
	assert.Contains(t, script, fmt.Sprintf("%s: %s", marshalJS(topo.Layer.Name), v))
	assert.NotContains(t, script, v+".addTo(map);")
}

func TestNewMapInvalidBasemap(t *testing.T) {
	m, err := NewMapWithBackend(NewLeafletBackend(), nil, nil, nil, MapConfig{"basemap": "nonexistent.provider.path"})
	assert.Nil(t, m)
	assert.True(t, errors.Is(err, ErrUnknownBasemap))
}

func TestNewMapInvalidLocation(t *testing.T) {
	_, err := NewMap(nil, MapConfig{"center": []float64{1}})
	assert.NotNil(t, err)
}

func TestNoControls(t *testing.T) {
	m, _ := newTestMap(t, "", MapConfig{OptFullscreen: false, OptLayersControl: false})
	assert.Empty(t, m.Layers())
}

// rejectingBackend refuses some controls.
type rejectingBackend struct {
	*LeafletBackend
	reject map[ControlKind]bool
}

func (b rejectingBackend) AddControl(spec ControlSpec) (LayerHandle, error) {
	if b.reject[spec.Kind] {
		return LayerHandle{}, fmt.Errorf("%s rejected", spec.Kind)
	}
	return b.LeafletBackend.AddControl(spec)
}

func TestRegisterContinuesAfterFailure(t *testing.T) {
	backend := rejectingBackend{NewLeafletBackend(), map[ControlKind]bool{FullscreenControl: true, MeasureControl: true}}
	m, err := NewMapWithBackend(backend, nil, nil, nil, MapConfig{OptDrawControl: true, OptMeasureControl: true})
	require.NotNil(t, m)
	assert.NotNil(t, err)
	assert.Contains(t, err.Error(), "fullscreen rejected")
	assert.Contains(t, err.Error(), "measure rejected")
	assert.Equal(t, []string{"control:draw", "control:layers"}, kinds(m.Layers()))
}

func TestAddControlsAreNotIdempotent(t *testing.T) {
	m, _ := newTestMap(t, "", MapConfig{OptLayersControl: false})
	_, err := m.AddFullscreenControl("")
	assert.Nil(t, err)
	assert.Equal(t, []string{"control:fullscreen", "control:fullscreen"}, kinds(m.Layers()))
}

func TestControlDefaults(t *testing.T) {
	m, _ := newTestMap(t, "", MapConfig{OptFullscreen: false, OptLayersControl: false})
	_, err := m.AddSearchControl("", nil)
	assert.Nil(t, err)
	_, err = m.AddMeasureControl(map[string]any{"position": "bottomleft", "primaryLengthUnit": "miles"})
	assert.Nil(t, err)
	entries := m.Layers()
	assert.Equal(t, "topleft", entries[0].Control.Position)
	assert.Equal(t, DefaultSearchURL, entries[0].Control.Options["url"])
	assert.Equal(t, "bottomleft", entries[1].Control.Position)
	assert.Equal(t, "miles", entries[1].Control.Options["primaryLengthUnit"])
	assert.Equal(t, "sqmeters", entries[1].Control.Options["primaryAreaUnit"])
}

func TestAddBasemap(t *testing.T) {
	m, _ := newTestMap(t, "", MapConfig{OptFullscreen: false, OptLayersControl: false})
	h, err := m.AddBasemap("Esri.WorldImagery", map[string]any{"shown": false})
	assert.Nil(t, err)
	assert.True(t, h.Valid())
	l := m.Layers()[0].Layer
	assert.Equal(t, "Esri.WorldImagery", l.Name)
	assert.False(t, l.Shown)
	assert.Equal(t, 22, l.MaxZoom)

	_, err = m.AddBasemap("nope", nil)
	assert.True(t, errors.Is(err, ErrUnknownBasemap))
	assert.Len(t, m.Layers(), 1)
}

func TestAddTileLayer(t *testing.T) {
	m, _ := newTestMap(t, "", MapConfig{OptFullscreen: false, OptLayersControl: false})
	_, err := m.AddTileLayer("https://tiles.example.com/{z}/{x}/{y}.png", "Tiles", "Example", map[string]any{"max_zoom": 12, "opacity": 0.5, "overlay": true})
	assert.Nil(t, err)
	l := m.Layers()[0].Layer
	assert.Equal(t, 12, l.MaxZoom)
	assert.True(t, l.Overlay)
	assert.Equal(t, map[string]any{"opacity": 0.5}, l.Options)

	_, err = m.AddTileLayer("", "Empty", "", nil)
	assert.NotNil(t, err)
}

func TestAddWMSLayer(t *testing.T) {
	m, _ := newTestMap(t, "", MapConfig{OptFullscreen: false, OptLayersControl: false})
	_, err := m.AddWMSLayer("https://wms.example.com/wms", "roads", "Roads", "", true, "Example", map[string]any{"version": "1.3.0"})
	assert.Nil(t, err)
	l := m.Layers()[0].Layer
	assert.Equal(t, WMSLayer, l.Kind)
	assert.True(t, l.Overlay)
	assert.Equal(t, &WMSParams{Layers: "roads", Format: "image/png", Transparent: true, Version: "1.3.0"}, l.WMS)

	_, err = m.AddWMSLayer("https://wms.example.com/wms", "", "Roads", "", true, "", nil)
	assert.NotNil(t, err)
}

func TestAddRasterTwice(t *testing.T) {
	fake := &fakeTileService{}
	ts := httptest.NewServer(fake)
	defer ts.Close()

	m, backend := newTestMap(t, ts.URL, MapConfig{OptFullscreen: false, OptLayersControl: false})
	ctx := context.Background()
	_, err := m.AddRaster(ctx, "https://data.example.com/a.tif", "A", true, nil)
	assert.Nil(t, err)
	_, err = m.AddRaster(ctx, "https://data.example.com/b.tif", "B", true, map[string]any{"attribution": "B data"})
	assert.Nil(t, err)

	assert.Equal(t, int32(2), fake.infoCalls.Load())
	assert.Equal(t, int32(2), fake.tilejsonCalls.Load())

	bounds, ok := backend.FittedBounds()
	assert.True(t, ok)
	assert.Equal(t, Bounds{{-10.5, 40.25}, {3.75, 51.0}}, bounds)

	entries := m.Layers()
	assert.Len(t, entries, 2)
	assert.Equal(t, "https://tiles.example.com/{z}/{x}/{y}.png?url=a.tif", entries[0].Layer.URL)
	assert.True(t, entries[0].Layer.Overlay)
	assert.Equal(t, "B data", entries[1].Layer.Attribution)
}

func TestAddRasterWithoutFit(t *testing.T) {
	fake := &fakeTileService{}
	ts := httptest.NewServer(fake)
	defer ts.Close()

	m, backend := newTestMap(t, ts.URL, MapConfig{OptFullscreen: false, OptLayersControl: false})
	_, err := m.AddRaster(context.Background(), "a.tif", "", false, nil)
	assert.Nil(t, err)
	_, ok := backend.FittedBounds()
	assert.False(t, ok)
	assert.Equal(t, "Raster", m.Layers()[0].Layer.Name)
}

func TestAddRasterFailureKeepsEarlierLayers(t *testing.T) {
	fake := &fakeTileService{infoStatus: []int{500, 500}}
	ts := httptest.NewServer(fake)
	defer ts.Close()

	m, _ := newTestMap(t, ts.URL, nil)
	before := len(m.Layers())
	_, err := m.AddRaster(context.Background(), "a.tif", "A", true, nil)
	assert.True(t, errors.Is(err, ErrRemoteService))
	assert.Len(t, m.Layers(), before)
	assert.Equal(t, int32(0), fake.tilejsonCalls.Load())
}

func TestAddGeoJSONInputs(t *testing.T) {
	m, backend := newTestMap(t, "", MapConfig{OptFullscreen: false, OptLayersControl: false})
	ctx := context.Background()

	_, err := m.AddGeoJSON(ctx, []byte(`{"type":"Point","coordinates":[1,2]}`), "", nil)
	assert.Nil(t, err)
	_, err = m.AddGeoJSON(ctx, orb.LineString{{0, 0}, {4, 5}}, "Line", map[string]any{"fit_bounds": true})
	assert.Nil(t, err)
	_, err = m.AddGeoJSON(ctx, geojson.NewFeature(orb.Point{3, 3}), "Feature", nil)
	assert.Nil(t, err)
	_, err = m.AddGeoJSON(ctx, map[string]any{"type": "Point", "coordinates": []any{1.0, 1.0}}, "Object", nil)
	assert.Nil(t, err)
	_, err = m.AddGeoJSON(ctx, 42, "Bad", nil)
	assert.True(t, errors.Is(err, ErrDataSource))

	entries := m.Layers()
	assert.Len(t, entries, 4)
	assert.Equal(t, "GeoJSON", entries[0].Layer.Name)
	assert.True(t, entries[0].Layer.Overlay)
	assert.Len(t, entries[0].Layer.Data.Features, 1)

	bounds, ok := backend.FittedBounds()
	assert.True(t, ok)
	assert.Equal(t, Bounds{{0, 0}, {4, 5}}, bounds)
}

func TestAddGeoJSONFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "points.geojson")
	require.Nil(t, os.WriteFile(p, []byte(`{"type":"FeatureCollection","features":[{"type":"Feature","geometry":{"type":"Point","coordinates":[1,2]},"properties":{"name":"a"}}]}`), 0644))

	m, _ := newTestMap(t, "", MapConfig{OptFullscreen: false, OptLayersControl: false})
	_, err := m.AddGeoJSON(context.Background(), p, "Points", nil)
	assert.Nil(t, err)
	assert.Equal(t, "a", m.Layers()[0].Layer.Data.Features[0].Properties["name"])

	_, err = m.AddGeoJSON(context.Background(), filepath.Join(dir, "missing.geojson"), "Missing", nil)
	var dsErr *DataSourceError
	assert.True(t, errors.As(err, &dsErr))
	assert.Len(t, m.Layers(), 1)
}

func TestRemoveLayer(t *testing.T) {
	m, _ := newTestMap(t, "", MapConfig{OptFullscreen: false, OptLayersControl: false})
	h, err := m.AddBasemap("roadmap", nil)
	require.Nil(t, err)
	assert.Nil(t, m.RemoveLayer(h))
	assert.Empty(t, m.Layers())
	assert.NotNil(t, m.RemoveLayer(h))
}

func TestRenderAndSave(t *testing.T) {
	m, _ := newTestMap(t, "", MapConfig{"title": "Test map", "height": "600px", "basemap": "OpenStreetMap.Mapnik"})
	var buf bytes.Buffer
	assert.Nil(t, m.Render(&buf))
	assert.Contains(t, buf.String(), "<title>Test map</title>")
	assert.Contains(t, buf.String(), "https://tile.openstreetmap.org/{z}/{x}/{y}.png")

	out := filepath.Join(t.TempDir(), "map.html")
	assert.Nil(t, m.Save(out))
	saved, err := os.ReadFile(out)
	assert.Nil(t, err)
	assert.Equal(t, buf.String(), string(saved))
}
