package maplab

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
)

// ProviderDescriptor describes one tile provider in a basemap catalog.
type ProviderDescriptor struct {
	Key             string
	Name            string
	URL             string
	Attribution     string
	HTMLAttribution string
	MinZoom         int
	MaxZoom         int
	Subdomains      string
	Options         map[string]string
}

// BuildURL fills the descriptor's own placeholders ({variant}, {ext}, {s}, {r}, ...)
// and leaves the {x}, {y} and {z} tile coordinates for the renderer.
func (p ProviderDescriptor) BuildURL() string {
	url := p.URL
	for k, v := range p.Options {
		url = strings.ReplaceAll(url, "{"+k+"}", v)
	}
	if strings.Contains(url, "{s}") {
		subdomains := p.Subdomains
		if subdomains == "" {
			subdomains = "abc"
		}
		url = strings.ReplaceAll(url, "{s}", subdomains[:1])
	}
	url = strings.ReplaceAll(url, "{r}", "")
	return url
}

func (p ProviderDescriptor) clone() ProviderDescriptor {
	if p.Options != nil {
		opts := make(map[string]string, len(p.Options))
		for k, v := range p.Options {
			opts[k] = v
		}
		p.Options = opts
	}
	return p
}

// ProviderRegistry is an immutable catalog of tile providers keyed by dotted path,
// e.g. "OpenStreetMap.Mapnik" or "Esri.WorldImagery".
type ProviderRegistry struct {
	providers map[string]ProviderDescriptor
	folded    map[string]string
}

func NewProviderRegistry(descs ...ProviderDescriptor) *ProviderRegistry {
	r := &ProviderRegistry{
		providers: make(map[string]ProviderDescriptor, len(descs)),
		folded:    make(map[string]string, len(descs)),
	}
	for _, d := range descs {
		if d.Key == "" {
			d.Key = d.Name
		}
		if d.Name == "" {
			d.Name = d.Key
		}
		r.providers[d.Key] = d.clone()
		r.folded[strings.ToLower(d.Key)] = d.Key
	}
	return r
}

// Lookup finds a provider by exact key, then case-insensitively.
func (r *ProviderRegistry) Lookup(key string) (ProviderDescriptor, bool) {
	if r == nil {
		return ProviderDescriptor{}, false
	}
	if d, ok := r.providers[key]; ok {
		return d.clone(), true
	}
	if k, ok := r.folded[strings.ToLower(key)]; ok {
		return r.providers[k].clone(), true
	}
	return ProviderDescriptor{}, false
}

func (r *ProviderRegistry) Keys() []string {
	keys := make([]string, 0, len(r.providers))
	for k := range r.providers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *ProviderRegistry) Len() int {
	return len(r.providers)
}

// ParseProviderRegistry reads a nested provider catalog in the xyzservices JSON layout.
// Any object carrying a "url" string is a provider; its path of parent keys joined
// with dots becomes the lookup key.
func ParseProviderRegistry(data []byte) (*ProviderRegistry, error) {
	var root map[string]any
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("invalid provider catalog: %w", err)
	}
	var descs []ProviderDescriptor
	flattenProviders("", root, &descs)
	if len(descs) == 0 {
		return nil, fmt.Errorf("provider catalog contains no providers")
	}
	return NewProviderRegistry(descs...), nil
}

func flattenProviders(prefix string, node map[string]any, out *[]ProviderDescriptor) {
	if url, ok := node["url"].(string); ok {
		*out = append(*out, descriptorFromJSON(prefix, url, node))
		return
	}
	keys := make([]string, 0, len(node))
	for k := range node {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		child, ok := node[k].(map[string]any)
		if !ok {
			continue
		}
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		flattenProviders(path, child, out)
	}
}

func descriptorFromJSON(key string, url string, node map[string]any) ProviderDescriptor {
	d := ProviderDescriptor{Key: key, URL: url, Options: map[string]string{}}
	for k, v := range node {
		switch k {
		case "url":
		case "name":
			d.Name, _ = v.(string)
		case "attribution":
			d.Attribution, _ = v.(string)
		case "html_attribution":
			d.HTMLAttribution, _ = v.(string)
		case "max_zoom":
			if f, ok := v.(float64); ok {
				d.MaxZoom = int(f)
			}
		case "min_zoom":
			if f, ok := v.(float64); ok {
				d.MinZoom = int(f)
			}
		case "subdomains":
			switch s := v.(type) {
			case string:
				d.Subdomains = s
			case []any:
				var b strings.Builder
				for _, e := range s {
					if str, ok := e.(string); ok {
						b.WriteString(str)
					}
				}
				d.Subdomains = b.String()
			}
		default:
			switch s := v.(type) {
			case string:
				d.Options[k] = s
			case float64, bool:
				d.Options[k] = fmt.Sprint(s)
			}
		}
	}
	if d.Name == "" {
		d.Name = key
	}
	return d
}

// LoadProviderRegistry reads a provider catalog from a local path, URL or cloud bucket.
func LoadProviderRegistry(ctx context.Context, logger *log.Logger, bucketURL string, key string) (*ProviderRegistry, error) {
	logger = orDiscard(logger)
	bucketURL, key, err := NormalizeBucketKey(bucketURL, "", key)
	if err != nil {
		return nil, err
	}
	bucket, err := OpenBucket(ctx, bucketURL, "")
	if err != nil {
		return nil, fmt.Errorf("failed to open bucket for %s, %w", bucketURL, err)
	}
	defer bucket.Close()

	r, err := bucket.NewReader(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read provider catalog %s, %w", key, err)
	}
	defer r.Close()
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	registry, err := ParseProviderRegistry(b)
	if err != nil {
		return nil, err
	}
	logger.Printf("loaded %d basemap providers from %s/%s", registry.Len(), bucketURL, key)
	return registry, nil
}

const osmAttribution = "(C) OpenStreetMap contributors"

func esri(variant, attribution string, maxZoom int) ProviderDescriptor {
	return ProviderDescriptor{
		Key:         "Esri." + strings.ReplaceAll(strings.ReplaceAll(variant, "_", ""), "Canvas/", ""),
		URL:         "https://server.arcgisonline.com/ArcGIS/rest/services/{variant}/MapServer/tile/{z}/{y}/{x}",
		Attribution: attribution,
		MaxZoom:     maxZoom,
		Options:     map[string]string{"variant": variant},
	}
}

func cartoDB(name, variant string) ProviderDescriptor {
	return ProviderDescriptor{
		Key:         "CartoDB." + name,
		URL:         "https://{s}.basemaps.cartocdn.com/{variant}/{z}/{x}/{y}{r}.png",
		Attribution: "(C) OpenStreetMap contributors (C) CARTO",
		MaxZoom:     20,
		Subdomains:  "abcd",
		Options:     map[string]string{"variant": variant},
	}
}

func stadia(name, variant, ext string, maxZoom int) ProviderDescriptor {
	return ProviderDescriptor{
		Key:         "Stadia." + name,
		URL:         "https://tiles.stadiamaps.com/tiles/{variant}/{z}/{x}/{y}{r}.{ext}",
		Attribution: "(C) Stadia Maps (C) Stamen Design (C) OpenMapTiles (C) OpenStreetMap contributors",
		MaxZoom:     maxZoom,
		Options:     map[string]string{"variant": variant, "ext": ext},
	}
}

func usgs(name, service string) ProviderDescriptor {
	return ProviderDescriptor{
		Key:         "USGS." + name,
		URL:         "https://basemap.nationalmap.gov/arcgis/rest/services/" + service + "/MapServer/tile/{z}/{y}/{x}",
		Attribution: "Tiles courtesy of the U.S. Geological Survey",
		MaxZoom:     20,
	}
}

// DefaultProviderRegistry returns the built-in catalog.
func DefaultProviderRegistry() *ProviderRegistry {
	return NewProviderRegistry(
		ProviderDescriptor{Key: "OpenStreetMap.Mapnik", URL: "https://tile.openstreetmap.org/{z}/{x}/{y}.png", Attribution: osmAttribution, MaxZoom: 19},
		ProviderDescriptor{Key: "OpenStreetMap.DE", URL: "https://tile.openstreetmap.de/{z}/{x}/{y}.png", Attribution: osmAttribution, MaxZoom: 18},
		ProviderDescriptor{Key: "OpenStreetMap.France", URL: "https://{s}.tile.openstreetmap.fr/osmfr/{z}/{x}/{y}.png", Attribution: "(C) OpenStreetMap France | " + osmAttribution, MaxZoom: 20},
		ProviderDescriptor{Key: "OpenStreetMap.HOT", URL: "https://{s}.tile.openstreetmap.fr/hot/{z}/{x}/{y}.png", Attribution: osmAttribution + ", Tiles style by Humanitarian OpenStreetMap Team", MaxZoom: 19},
		ProviderDescriptor{Key: "OpenTopoMap", URL: "https://{s}.tile.opentopomap.org/{z}/{x}/{y}.png", Attribution: "Map data: " + osmAttribution + ", SRTM | Map style: (C) OpenTopoMap (CC-BY-SA)", MaxZoom: 17},
		esri("World_Street_Map", "Tiles (C) Esri", 0),
		esri("World_Topo_Map", "Tiles (C) Esri", 0),
		esri("World_Imagery", "Tiles (C) Esri -- Source: Esri, i-cubed, USDA, USGS, AEX, GeoEye, Getmapping, Aerogrid, IGN, IGP, UPR-EGP, and the GIS User Community", 0),
		esri("World_Terrain_Base", "Tiles (C) Esri -- Source: USGS, Esri, TANA, DeLorme, and NPS", 13),
		esri("World_Shaded_Relief", "Tiles (C) Esri -- Source: Esri", 13),
		esri("World_Physical_Map", "Tiles (C) Esri -- Source: US National Park Service", 8),
		esri("NatGeo_World_Map", "Tiles (C) Esri -- National Geographic, Esri, DeLorme, NAVTEQ, UNEP-WCMC, USGS, NASA, ESA, METI, NRCAN, GEBCO, NOAA, iPC", 16),
		esri("Canvas/World_Light_Gray_Base", "Tiles (C) Esri -- Esri, DeLorme, NAVTEQ", 16),
		cartoDB("Positron", "light_all"),
		cartoDB("PositronNoLabels", "light_nolabels"),
		cartoDB("DarkMatter", "dark_all"),
		cartoDB("DarkMatterNoLabels", "dark_nolabels"),
		cartoDB("Voyager", "rastertiles/voyager"),
		stadia("AlidadeSmooth", "alidade_smooth", "png", 20),
		stadia("AlidadeSmoothDark", "alidade_smooth_dark", "png", 20),
		stadia("OSMBright", "osm_bright", "png", 20),
		stadia("StamenToner", "stamen_toner", "png", 20),
		stadia("StamenTerrain", "stamen_terrain", "png", 18),
		stadia("StamenWatercolor", "stamen_watercolor", "jpg", 16),
		usgs("USTopo", "USGSTopo"),
		usgs("USImagery", "USGSImageryOnly"),
		usgs("USImageryTopo", "USGSImageryTopo"),
		ProviderDescriptor{Key: "NASAGIBS.BlueMarble", URL: "https://gibs.earthdata.nasa.gov/wmts/epsg3857/best/BlueMarble_NextGeneration/default/EPSG3857_500m/{z}/{y}/{x}.jpeg", Attribution: "Imagery provided by services from the Global Imagery Browse Services (GIBS), operated by the NASA/GSFC/Earth Science Data and Information System (ESDIS)", MaxZoom: 8},
		ProviderDescriptor{Key: "Gaode.Normal", URL: "http://webrd0{s}.is.autonavi.com/appmaptile?lang=zh_cn&size=1&scale=1&style=8&x={x}&y={y}&z={z}", Attribution: "(C) AutoNavi", MaxZoom: 19, Subdomains: "1234"},
		ProviderDescriptor{Key: "Gaode.Satellite", URL: "http://webst0{s}.is.autonavi.com/appmaptile?style=6&x={x}&y={y}&z={z}", Attribution: "(C) AutoNavi", MaxZoom: 19, Subdomains: "1234"},
	)
}
