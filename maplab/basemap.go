package maplab

import (
	"strings"
)

const defaultProviderMaxZoom = 22

// BasemapSpec is a resolved tile layer ready for the renderer.
type BasemapSpec struct {
	Name        string
	URLTemplate string
	Attribution string
	MaxZoom     int
}

var wellKnownBasemaps = map[string]BasemapSpec{
	"roadmap": {
		Name:        "Google Maps",
		URLTemplate: "https://mt1.google.com/vt/lyrs=m&hl=en&x={x}&y={y}&z={z}",
		Attribution: "Google",
		MaxZoom:     defaultProviderMaxZoom,
	},
	"satellite": {
		Name:        "Google Satellite",
		URLTemplate: "https://mt1.google.com/vt/lyrs=s&hl=en&x={x}&y={y}&z={z}",
		Attribution: "Google",
		MaxZoom:     defaultProviderMaxZoom,
	},
	"terrain": {
		Name:        "Google Terrain",
		URLTemplate: "https://mt1.google.com/vt/lyrs=p&hl=en&x={x}&y={y}&z={z}",
		Attribution: "Google",
		MaxZoom:     defaultProviderMaxZoom,
	},
	"terrain_only": {
		Name:        "Google Terrain Only",
		URLTemplate: "https://mt1.google.com/vt/lyrs=t&hl=en&x={x}&y={y}&z={z}",
		Attribution: "Google",
		MaxZoom:     defaultProviderMaxZoom,
	},
	"hybrid": {
		Name:        "Google Hybrid",
		URLTemplate: "https://mt1.google.com/vt/lyrs=y&hl=en&x={x}&y={y}&z={z}",
		Attribution: "Google",
		MaxZoom:     defaultProviderMaxZoom,
	},
}

// WellKnownBasemaps lists the names resolved without a registry lookup.
func WellKnownBasemaps() []string {
	return []string{"roadmap", "satellite", "terrain", "terrain_only", "hybrid"}
}

// Resolver turns basemap identifiers into BasemapSpecs. It never falls back to a
// default provider; callers that want a fallback handle the error themselves.
type Resolver struct {
	registry *ProviderRegistry
}

func NewResolver(registry *ProviderRegistry) *Resolver {
	return &Resolver{registry: registry}
}

func (r *Resolver) Registry() *ProviderRegistry {
	return r.registry
}

func (r *Resolver) Resolve(identifier string) (BasemapSpec, error) {
	if spec, ok := wellKnownBasemaps[strings.ToLower(strings.TrimSpace(identifier))]; ok {
		return spec, nil
	}
	desc, ok := r.registry.Lookup(identifier)
	if !ok {
		return BasemapSpec{}, &UnknownBasemapError{Identifier: identifier}
	}
	spec, err := r.ResolveProvider(desc)
	if err != nil {
		return BasemapSpec{}, &UnknownBasemapError{Identifier: identifier}
	}
	return spec, nil
}

// ResolveProvider converts a raw descriptor, e.g. one built by the caller rather than
// taken from the registry.
func (r *Resolver) ResolveProvider(desc ProviderDescriptor) (BasemapSpec, error) {
	if desc.URL == "" {
		return BasemapSpec{}, &UnknownBasemapError{Identifier: desc.Key}
	}
	name := desc.Name
	if name == "" {
		name = desc.Key
	}
	maxZoom := desc.MaxZoom
	if maxZoom == 0 {
		maxZoom = defaultProviderMaxZoom
	}
	attribution := desc.Attribution
	if attribution == "" {
		attribution = desc.HTMLAttribution
	}
	return BasemapSpec{
		Name:        name,
		URLTemplate: desc.BuildURL(),
		Attribution: attribution,
		MaxZoom:     maxZoom,
	}, nil
}
