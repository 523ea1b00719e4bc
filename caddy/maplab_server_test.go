package caddy

import (
	"testing"

	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/stretchr/testify/assert"
)

func TestUnmarshalCaddyfile(t *testing.T) {
	d := caddyfile.NewTestDispenser(`maplab_server {
		bucket file:///srv/maps
		cache_size 32
		registry providers.json
		tile_service https://tiles.example.com
		cors *
	}`)
	var m Middleware
	assert.Nil(t, m.UnmarshalCaddyfile(d))
	assert.Equal(t, "file:///srv/maps", m.Bucket)
	assert.Equal(t, 32, m.CacheSize)
	assert.Equal(t, "providers.json", m.Registry)
	assert.Equal(t, "https://tiles.example.com", m.TileService)
	assert.Equal(t, "*", m.Cors)
	assert.Nil(t, m.Validate())
}

func TestUnmarshalCaddyfileErrors(t *testing.T) {
	var m Middleware
	assert.NotNil(t, m.UnmarshalCaddyfile(caddyfile.NewTestDispenser(`maplab_server {
		cache_size big
	}`)))
	assert.NotNil(t, m.UnmarshalCaddyfile(caddyfile.NewTestDispenser(`maplab_server {
		zoom 3
	}`)))

	var empty Middleware
	assert.NotNil(t, empty.Validate())
}
