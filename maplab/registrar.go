package maplab

import (
	"go.uber.org/multierr"
)

// Register attaches the controls enabled in config, and the basemap when given, in a
// fixed order: fullscreen, draw, measure, search, basemap, layers. The layers control
// goes last so it lists everything before it. A failing step is logged and skipped;
// the remaining steps still run and all failures are returned together. Nothing is
// rolled back.
func Register(m *Map, config MapConfig, basemap *BasemapSpec) error {
	var errs error
	step := func(name string, enabled bool, add func() error) {
		if !enabled {
			return
		}
		if err := add(); err != nil {
			m.logger.Printf("failed to register %s, %v", name, err)
			errs = multierr.Append(errs, err)
		}
	}

	step("fullscreen control", config.Bool(OptFullscreen, true), func() error {
		_, err := m.AddFullscreenControl(config.String("fullscreen_position", ""))
		return err
	})
	step("draw control", config.Bool(OptDrawControl, false), func() error {
		_, err := m.AddDrawControl(config.StringMap("draw_options"))
		return err
	})
	step("measure control", config.Bool(OptMeasureControl, false), func() error {
		_, err := m.AddMeasureControl(config.StringMap("measure_options"))
		return err
	})
	step("search control", config.Bool(OptSearchControl, false), func() error {
		_, err := m.AddSearchControl(config.String("search_position", ""), config.StringMap("search_options"))
		return err
	})
	step("basemap", basemap != nil, func() error {
		_, err := m.AddBasemapSpec(*basemap, nil)
		return err
	})
	step("layers control", config.Bool(OptLayersControl, true), func() error {
		_, err := m.AddLayersControl(config.String("layers_position", ""))
		return err
	})
	return errs
}
