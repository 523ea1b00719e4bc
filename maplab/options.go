package maplab

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// MapConfig holds map options keyed by option name. Keys that maplab does not know
// about are passed to the renderer untouched.
type MapConfig map[string]any

const (
	OptLocation        = "location"
	OptZoomStart       = "zoom_start"
	OptControlScale    = "control_scale"
	OptScrollWheelZoom = "scroll_wheel_zoom"
	OptFullscreen      = "fullscreen_control"
	OptDrawControl     = "draw_control"
	OptMeasureControl  = "measure_control"
	OptSearchControl   = "search_control"
	OptLayersControl   = "layers_control"
	OptMaxZoom         = "max_zoom"
	OptMinZoom         = "min_zoom"
	OptZoomControl     = "zoom_control"
	OptBasemap         = "basemap"
	OptWidth           = "width"
	OptHeight          = "height"
	OptTitle           = "title"
)

type aliasPair struct {
	alias     string
	canonical string
}

var aliases = []aliasPair{
	{"center", OptLocation},
	{"zoom", OptZoomStart},
	{"scale_control", OptControlScale},
}

var dimensionKeys = []string{OptWidth, OptHeight}

func defaultOptions() MapConfig {
	return MapConfig{
		OptLocation:        []float64{20, 0},
		OptZoomStart:       2,
		OptScrollWheelZoom: true,
		OptFullscreen:      true,
		OptLayersControl:   true,
		OptMaxZoom:         24,
	}
}

var dimensionPattern = regexp.MustCompile(`^\s*([-+]?[0-9]*\.?[0-9]+)\s*([A-Za-z]*)\s*$`)

// Normalize returns a copy of options with alias keys folded into their canonical
// names, defaults applied for missing keys and unit-suffixed width/height strings
// converted to float64. Normalize is idempotent.
func Normalize(options MapConfig) MapConfig {
	out := make(MapConfig, len(options)+len(defaultOptions()))
	for k, v := range options {
		out[k] = v
	}

	for _, a := range aliases {
		v, ok := out[a.alias]
		if !ok {
			continue
		}
		if _, exists := out[a.canonical]; !exists {
			out[a.canonical] = v
		}
		delete(out, a.alias)
	}

	for k, v := range defaultOptions() {
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}

	for _, k := range dimensionKeys {
		if v, ok := out[k]; ok {
			out[k] = coerceDimension(v)
		}
	}
	return out
}

// coerceDimension turns "600px" into 600.0. Percentages and anything that does not
// parse are kept as given.
func coerceDimension(v any) any {
	switch d := v.(type) {
	case string:
		if strings.Contains(d, "%") {
			return d
		}
		m := dimensionPattern.FindStringSubmatch(d)
		if m == nil {
			return d
		}
		f, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return d
		}
		return f
	case int:
		return float64(d)
	case int32:
		return float64(d)
	case int64:
		return float64(d)
	case float32:
		return float64(d)
	}
	return v
}

func (c MapConfig) Has(key string) bool {
	_, ok := c[key]
	return ok
}

func (c MapConfig) Bool(key string, def bool) bool {
	switch v := c[key].(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func (c MapConfig) Int(key string, def int) int {
	switch v := c[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case int32:
		return int(v)
	case float64:
		return int(v)
	case float32:
		return int(v)
	case string:
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func (c MapConfig) Float(key string, def float64) float64 {
	switch v := c[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

func (c MapConfig) String(key string, def string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return def
}

// Location returns the [lat, lon] map center.
func (c MapConfig) Location() ([2]float64, error) {
	var loc [2]float64
	switch v := c[OptLocation].(type) {
	case nil:
		return [2]float64{20, 0}, nil
	case [2]float64:
		return v, nil
	case []float64:
		if len(v) != 2 {
			return loc, fmt.Errorf("location must have two elements, got %d", len(v))
		}
		return [2]float64{v[0], v[1]}, nil
	case []int:
		if len(v) != 2 {
			return loc, fmt.Errorf("location must have two elements, got %d", len(v))
		}
		return [2]float64{float64(v[0]), float64(v[1])}, nil
	case []any:
		if len(v) != 2 {
			return loc, fmt.Errorf("location must have two elements, got %d", len(v))
		}
		for i, e := range v {
			f, ok := toFloat(e)
			if !ok {
				return loc, fmt.Errorf("location element %d is not a number: %v", i, e)
			}
			loc[i] = f
		}
		return loc, nil
	}
	return loc, fmt.Errorf("unsupported location value %T", c[OptLocation])
}

// StringMap returns a nested map option such as draw_options, or nil.
func (c MapConfig) StringMap(key string) map[string]any {
	switch v := c[key].(type) {
	case map[string]any:
		return v
	case MapConfig:
		return v
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}
