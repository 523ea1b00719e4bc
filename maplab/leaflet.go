package maplab

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const leafletVersion = "1.9.4"

// LeafletBackend records registrations in order and renders them as a standalone
// Leaflet HTML page.
type LeafletBackend struct {
	entries []Entry
	nextID  uint64
	bounds  *Bounds
}

func NewLeafletBackend() *LeafletBackend {
	return &LeafletBackend{}
}

func (b *LeafletBackend) handle() LayerHandle {
	b.nextID++
	return LayerHandle{id: b.nextID}
}

func (b *LeafletBackend) AddLayer(spec LayerSpec) (LayerHandle, error) {
	switch spec.Kind {
	case TileLayer:
		if spec.URL == "" {
			return LayerHandle{}, errors.New("tile layer requires a url template")
		}
	case WMSLayer:
		if spec.URL == "" || spec.WMS == nil || spec.WMS.Layers == "" {
			return LayerHandle{}, errors.New("wms layer requires a url and layer names")
		}
	case GeoJSONLayer:
		if spec.Data == nil {
			return LayerHandle{}, errors.New("geojson layer requires data")
		}
	default:
		return LayerHandle{}, fmt.Errorf("unsupported layer kind %d", spec.Kind)
	}
	h := b.handle()
	s := spec
	b.entries = append(b.entries, Entry{Handle: h, Layer: &s})
	return h, nil
}

func (b *LeafletBackend) AddControl(spec ControlSpec) (LayerHandle, error) {
	if spec.Kind < FullscreenControl || spec.Kind > LayersControl {
		return LayerHandle{}, fmt.Errorf("unsupported control kind %d", spec.Kind)
	}
	h := b.handle()
	s := spec
	b.entries = append(b.entries, Entry{Handle: h, Control: &s})
	return h, nil
}

func (b *LeafletBackend) RemoveLayer(handle LayerHandle) error {
	for i, e := range b.entries {
		if e.Handle == handle {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("layer %d is not attached to this map", handle.id)
}

func (b *LeafletBackend) FitBounds(bounds Bounds) {
	b.bounds = &bounds
}

func (b *LeafletBackend) FittedBounds() (Bounds, bool) {
	if b.bounds == nil {
		return Bounds{}, false
	}
	return *b.bounds, true
}

func (b *LeafletBackend) Entries() []Entry {
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

// jsName derives a stable javascript identifier for an entry.
func jsName(prefix string, h LayerHandle, name string) string {
	hasher := xxhash.New()
	bs := make([]byte, 8)
	binary.LittleEndian.PutUint64(bs, h.id)
	hasher.Write(bs)
	hasher.WriteString(name)
	sum := make([]byte, 8)
	binary.LittleEndian.PutUint64(sum, hasher.Sum64())
	return prefix + "_" + hex.EncodeToString(sum)
}

func marshalJS(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func mergeOptions(base map[string]any, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func cssDimension(v any, def string) string {
	switch d := v.(type) {
	case float64:
		return fmt.Sprintf("%gpx", d)
	case int:
		return fmt.Sprintf("%dpx", d)
	case string:
		if d != "" {
			return d
		}
	}
	return def
}

func layerJS(e Entry) string {
	l := e.Layer
	v := jsName("layer", e.Handle, l.Name)
	var b strings.Builder
	switch l.Kind {
	case TileLayer:
		opts := mergeOptions(map[string]any{"attribution": l.Attribution}, l.Options)
		if l.MaxZoom > 0 {
			opts["maxZoom"] = l.MaxZoom
		}
		fmt.Fprintf(&b, "var %s = L.tileLayer(%s, %s);\n", v, marshalJS(l.URL), marshalJS(opts))
	case WMSLayer:
		opts := mergeOptions(map[string]any{
			"layers":      l.WMS.Layers,
			"format":      l.WMS.Format,
			"transparent": l.WMS.Transparent,
			"attribution": l.Attribution,
		}, l.Options)
		if l.WMS.Version != "" {
			opts["version"] = l.WMS.Version
		}
		fmt.Fprintf(&b, "var %s = L.tileLayer.wms(%s, %s);\n", v, marshalJS(l.URL), marshalJS(opts))
	case GeoJSONLayer:
		data, err := l.Data.MarshalJSON()
		if err != nil {
			data = []byte(`{"type":"FeatureCollection","features":[]}`)
		}
		style := map[string]any{}
		if s, ok := l.Options["style"].(map[string]any); ok {
			style = s
		}
		fmt.Fprintf(&b, "var %s = L.geoJSON(%s, {style: function() { return %s; }, onEachFeature: maplabPopup});\n", v, data, marshalJS(style))
	}
	if l.Shown {
		fmt.Fprintf(&b, "%s.addTo(map);\n", v)
	}
	return b.String()
}

// controlJS renders a control. layers are the entries still attached when the page
// is rendered; the layer switcher lists all of them.
func controlJS(e Entry, layers []Entry) string {
	c := e.Control
	v := jsName("control", e.Handle, c.Kind.String())
	position := c.Position
	var b strings.Builder
	switch c.Kind {
	case FullscreenControl:
		fmt.Fprintf(&b, "var %s = L.control.fullscreen(%s).addTo(map);\n", v, marshalJS(mergeOptions(map[string]any{"position": position}, c.Options)))
	case DrawControl:
		fmt.Fprintf(&b, "var %s_items = new L.FeatureGroup().addTo(map);\n", v)
		fmt.Fprintf(&b, "var %s = new L.Control.Draw({position: %s, draw: %s, edit: {featureGroup: %s_items}}).addTo(map);\n", v, marshalJS(position), marshalJS(c.Options), v)
		fmt.Fprintf(&b, "map.on(L.Draw.Event.CREATED, function(e) { %s_items.addLayer(e.layer); });\n", v)
	case MeasureControl:
		fmt.Fprintf(&b, "var %s = L.control.measure(%s).addTo(map);\n", v, marshalJS(mergeOptions(map[string]any{"position": position}, c.Options)))
	case SearchControl:
		opts := mergeOptions(map[string]any{
			"position":     position,
			"jsonpParam":   "json_callback",
			"propertyName": "display_name",
			"propertyLoc":  []string{"lat", "lon"},
			"autoCollapse": true,
			"autoType":     false,
			"minLength":    2,
		}, c.Options)
		fmt.Fprintf(&b, "var %s = new L.Control.Search(%s).addTo(map);\n", v, marshalJS(opts))
	case LayersControl:
		var base, overlays []string
		for _, ce := range layers {
			pair := fmt.Sprintf("%s: %s", marshalJS(ce.Layer.Name), jsName("layer", ce.Handle, ce.Layer.Name))
			if ce.Layer.Overlay {
				overlays = append(overlays, pair)
			} else {
				base = append(base, pair)
			}
		}
		fmt.Fprintf(&b, "var %s = L.control.layers({%s}, {%s}, %s).addTo(map);\n", v, strings.Join(base, ", "), strings.Join(overlays, ", "), marshalJS(map[string]any{"position": position}))
	}
	return b.String()
}

type pageData struct {
	Title  string
	Width  string
	Height string
	Script template.JS
}

var pageTemplate = template.Must(template.New("map").Parse(`<!DOCTYPE html>
<html>
<head>
    <title>{{.Title}}</title>
    <meta charset="utf-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <link rel="stylesheet" href="https://unpkg.com/leaflet@` + leafletVersion + `/dist/leaflet.css">
    <link rel="stylesheet" href="https://unpkg.com/leaflet.fullscreen@3.0.2/Control.FullScreen.css">
    <link rel="stylesheet" href="https://unpkg.com/leaflet-draw@1.0.4/dist/leaflet.draw.css">
    <link rel="stylesheet" href="https://unpkg.com/leaflet-measure@3.1.0/dist/leaflet-measure.css">
    <link rel="stylesheet" href="https://unpkg.com/leaflet-search@3.0.9/dist/leaflet-search.min.css">
    <script src="https://unpkg.com/leaflet@` + leafletVersion + `/dist/leaflet.js"></script>
    <script src="https://unpkg.com/leaflet.fullscreen@3.0.2/Control.FullScreen.js"></script>
    <script src="https://unpkg.com/leaflet-draw@1.0.4/dist/leaflet.draw.js"></script>
    <script src="https://unpkg.com/leaflet-measure@3.1.0/dist/leaflet-measure.js"></script>
    <script src="https://unpkg.com/leaflet-search@3.0.9/dist/leaflet-search.min.js"></script>
    <style>
        html, body { margin:0; padding:0; height:100%; }
        #map { width:{{.Width}}; height:{{.Height}}; }
    </style>
</head>
<body>
<div id="map"></div>
<script>
{{.Script}}
</script>
</body>
</html>
`))

// popupJS builds feature popups from DOM text nodes so property values are never
// parsed as markup.
const popupJS = `function maplabPopup(feature, layer) {
    if (!feature.properties) { return; }
    var keys = Object.keys(feature.properties);
    if (!keys.length) { return; }
    var div = document.createElement("div");
    keys.forEach(function(k) {
        var row = document.createElement("div");
        var name = document.createElement("b");
        name.textContent = k;
        row.appendChild(name);
        row.appendChild(document.createTextNode(": " + feature.properties[k]));
        div.appendChild(row);
    });
    layer.bindPopup(div);
}
`

// Script returns the javascript that builds the map. Layers and controls each keep
// their registration order.
func (b *LeafletBackend) Script(config MapConfig) (string, error) {
	loc, err := config.Location()
	if err != nil {
		return "", err
	}
	mapOpts := map[string]any{
		"center":          []float64{loc[0], loc[1]},
		"zoom":            config.Int(OptZoomStart, 2),
		"maxZoom":         config.Int(OptMaxZoom, 24),
		"scrollWheelZoom": config.Bool(OptScrollWheelZoom, true),
		"zoomControl":     config.Bool(OptZoomControl, true),
	}
	if config.Has(OptMinZoom) {
		mapOpts["minZoom"] = config.Int(OptMinZoom, 0)
	}

	var s strings.Builder
	fmt.Fprintf(&s, "var map = L.map(\"map\", %s);\n", marshalJS(mapOpts))
	if config.Bool(OptControlScale, false) {
		s.WriteString("L.control.scale().addTo(map);\n")
	}
	s.WriteString(popupJS)

	// layers are declared before any control so the switcher can reference layers
	// attached after it
	var layers []Entry
	for _, e := range b.entries {
		if e.Layer != nil {
			layers = append(layers, e)
			s.WriteString(layerJS(e))
		}
	}
	for _, e := range b.entries {
		if e.Control != nil {
			s.WriteString(controlJS(e, layers))
		}
	}
	if b.bounds != nil {
		// leaflet takes [lat, lon] corners
		bb := *b.bounds
		fmt.Fprintf(&s, "map.fitBounds(%s);\n", marshalJS([][]float64{{bb[0][1], bb[0][0]}, {bb[1][1], bb[1][0]}}))
	}
	return s.String(), nil
}

func (b *LeafletBackend) Render(w io.Writer, config MapConfig) error {
	script, err := b.Script(config)
	if err != nil {
		return err
	}
	return pageTemplate.Execute(w, pageData{
		Title:  config.String(OptTitle, "maplab"),
		Width:  cssDimension(config[OptWidth], "100%"),
		Height: cssDimension(config[OptHeight], "100%"),
		Script: template.JS(script),
	})
}
