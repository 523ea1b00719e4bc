package maplab

import (
	"io"

	"github.com/paulmach/orb/geojson"
)

type LayerKind int

const (
	TileLayer LayerKind = iota + 1
	WMSLayer
	GeoJSONLayer
)

func (k LayerKind) String() string {
	switch k {
	case TileLayer:
		return "tile"
	case WMSLayer:
		return "wms"
	case GeoJSONLayer:
		return "geojson"
	}
	return "unknown"
}

type ControlKind int

const (
	FullscreenControl ControlKind = iota + 1
	DrawControl
	MeasureControl
	SearchControl
	LayersControl
)

func (k ControlKind) String() string {
	switch k {
	case FullscreenControl:
		return "fullscreen"
	case DrawControl:
		return "draw"
	case MeasureControl:
		return "measure"
	case SearchControl:
		return "search"
	case LayersControl:
		return "layers"
	}
	return "unknown"
}

// LayerHandle identifies a layer or control attached to a map. The zero value is
// never handed out.
type LayerHandle struct {
	id uint64
}

func (h LayerHandle) Valid() bool {
	return h.id != 0
}

type WMSParams struct {
	Layers      string
	Format      string
	Transparent bool
	Version     string
}

type LayerSpec struct {
	Kind        LayerKind
	Name        string
	URL         string
	Attribution string
	MaxZoom     int
	Overlay     bool
	Shown       bool
	WMS         *WMSParams
	Data        *geojson.FeatureCollection
	Options     map[string]any
}

type ControlSpec struct {
	Kind     ControlKind
	Position string
	Options  map[string]any
	// Catalog is filled for the layers control with everything attached before it.
	// The rendered switcher lists every layer still attached at render time.
	Catalog []Entry
}

// Entry is one registration made against a backend, in attachment order.
type Entry struct {
	Handle  LayerHandle
	Layer   *LayerSpec
	Control *ControlSpec
}

func (e Entry) Name() string {
	if e.Layer != nil {
		return e.Layer.Name
	}
	if e.Control != nil {
		return e.Control.Kind.String()
	}
	return ""
}

func (e Entry) IsControl() bool {
	return e.Control != nil
}

// Bounds is [[b0, b1], [b2, b3]] taken from a four element bbox.
type Bounds [2][2]float64

func BoundsFromBBox(bbox [4]float64) Bounds {
	return Bounds{{bbox[0], bbox[1]}, {bbox[2], bbox[3]}}
}

// Backend is the rendering side of a Map. Map never draws anything itself; it
// translates calls into registrations against a Backend.
type Backend interface {
	AddLayer(spec LayerSpec) (LayerHandle, error)
	AddControl(spec ControlSpec) (LayerHandle, error)
	RemoveLayer(handle LayerHandle) error
	FitBounds(bounds Bounds)
	Entries() []Entry
	Render(w io.Writer, config MapConfig) error
}
