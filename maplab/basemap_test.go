package maplab

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveWellKnownCaseInsensitive(t *testing.T) {
	r := NewResolver(DefaultProviderRegistry())
	upper, err := r.Resolve("ROADMAP")
	assert.Nil(t, err)
	lower, err := r.Resolve("roadmap")
	assert.Nil(t, err)
	assert.Equal(t, lower, upper)
	assert.Equal(t, "Google Maps", lower.Name)
	assert.Contains(t, lower.URLTemplate, "lyrs=m")
	assert.Equal(t, 22, lower.MaxZoom)
}

func TestResolveAllWellKnown(t *testing.T) {
	r := NewResolver(NewProviderRegistry())
	for _, name := range WellKnownBasemaps() {
		spec, err := r.Resolve(name)
		assert.Nil(t, err, name)
		assert.Contains(t, spec.URLTemplate, "{x}")
	}
}

func TestResolveUnknown(t *testing.T) {
	r := NewResolver(DefaultProviderRegistry())
	_, err := r.Resolve("nonexistent.provider.path")
	var unknown *UnknownBasemapError
	assert.True(t, errors.As(err, &unknown))
	assert.Equal(t, "nonexistent.provider.path", unknown.Identifier)
	assert.True(t, errors.Is(err, ErrUnknownBasemap))
	assert.Equal(t, "nonexistent.provider.path is not a valid basemap", err.Error())

	var notFound *BasemapNotFoundError
	assert.True(t, errors.As(err, &notFound))
}

func TestResolveEmptyRegistry(t *testing.T) {
	r := NewResolver(nil)
	_, err := r.Resolve("OpenStreetMap.Mapnik")
	assert.True(t, errors.Is(err, ErrUnknownBasemap))
}

func TestResolveProviderKey(t *testing.T) {
	r := NewResolver(DefaultProviderRegistry())
	spec, err := r.Resolve("OpenStreetMap.Mapnik")
	assert.Nil(t, err)
	assert.Equal(t, "OpenStreetMap.Mapnik", spec.Name)
	assert.Equal(t, "https://tile.openstreetmap.org/{z}/{x}/{y}.png", spec.URLTemplate)
	assert.Equal(t, 19, spec.MaxZoom)
	assert.Contains(t, spec.Attribution, "OpenStreetMap")

	folded, err := r.Resolve("openstreetmap.mapnik")
	assert.Nil(t, err)
	assert.Equal(t, spec, folded)
}

func TestResolveProviderDefaults(t *testing.T) {
	r := NewResolver(NewProviderRegistry(ProviderDescriptor{
		Key:             "Local.Tiles",
		URL:             "https://{s}.example.com/{variant}/{z}/{x}/{y}{r}.png",
		HTMLAttribution: "&copy; Local",
		Subdomains:      "xyz",
		Options:         map[string]string{"variant": "dark"},
	}))
	spec, err := r.Resolve("Local.Tiles")
	assert.Nil(t, err)
	assert.Equal(t, "https://x.example.com/dark/{z}/{x}/{y}.png", spec.URLTemplate)
	assert.Equal(t, "&copy; Local", spec.Attribution)
	assert.Equal(t, 22, spec.MaxZoom)
}

func TestResolveProviderWithoutURL(t *testing.T) {
	r := NewResolver(nil)
	_, err := r.ResolveProvider(ProviderDescriptor{Key: "Broken"})
	assert.True(t, errors.Is(err, ErrUnknownBasemap))
}
