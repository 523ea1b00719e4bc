package maplab

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"golang.org/x/text/encoding/htmlindex"
)

// readSource reads a whole local file, URL or bucket object.
func readSource(ctx context.Context, logger *log.Logger, location string) ([]byte, error) {
	bucketURL, key, err := NormalizeBucketKey("", "", location)
	if err != nil {
		return nil, dataSourceErr(location, err)
	}
	bucket, err := OpenBucket(ctx, bucketURL, "")
	if err != nil {
		return nil, dataSourceErr(location, err)
	}
	defer bucket.Close()

	r, err := bucket.NewReader(ctx, key)
	if err != nil {
		return nil, dataSourceErr(location, err)
	}
	defer r.Close()
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, dataSourceErr(location, err)
	}
	logger.Printf("read %s (%s)", location, humanize.Bytes(uint64(len(b))))
	return b, nil
}

func isRemote(location string) bool {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return true
	}
	for _, scheme := range []string{"s3://", "gs://", "azblob://"} {
		if strings.HasPrefix(location, scheme) {
			return true
		}
	}
	return false
}

// downloadToTemp copies a remote object into a temporary file and returns its path.
// The caller removes the file.
func downloadToTemp(ctx context.Context, logger *log.Logger, location string) (string, error) {
	bucketURL, key, err := NormalizeBucketKey("", "", location)
	if err != nil {
		return "", err
	}
	bucket, err := OpenBucket(ctx, bucketURL, "")
	if err != nil {
		return "", err
	}
	defer bucket.Close()

	r, err := bucket.NewReader(ctx, key)
	if err != nil {
		return "", err
	}
	defer r.Close()

	ext := path.Ext(strings.SplitN(key, "?", 2)[0])
	tmp, err := os.CreateTemp("", "maplab-*"+ext)
	if err != nil {
		return "", err
	}
	defer tmp.Close()

	bar := getReporter().Download(location, -1)
	n, err := io.Copy(io.MultiWriter(tmp, bar), r)
	bar.Close()
	if err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	logger.Printf("downloaded %s (%s)", location, humanize.Bytes(uint64(n)))
	return tmp.Name(), nil
}

// ParseGeoJSON accepts a FeatureCollection, a single Feature or a bare geometry and
// always returns a FeatureCollection.
func ParseGeoJSON(data []byte) (*geojson.FeatureCollection, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}
	switch probe.Type {
	case "FeatureCollection":
		return geojson.UnmarshalFeatureCollection(data)
	case "Feature":
		f, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return nil, err
		}
		fc := geojson.NewFeatureCollection()
		fc.Append(f)
		return fc, nil
	case "":
		return nil, errors.New("geojson object has no type")
	}
	g, err := geojson.UnmarshalGeometry(data)
	if err != nil {
		return nil, err
	}
	fc := geojson.NewFeatureCollection()
	fc.Append(geojson.NewFeature(g.Geometry()))
	return fc, nil
}

func ReadGeoJSON(ctx context.Context, logger *log.Logger, location string) (*geojson.FeatureCollection, error) {
	logger = orDiscard(logger)
	b, err := readSource(ctx, logger, location)
	if err != nil {
		return nil, err
	}
	fc, err := ParseGeoJSON(b)
	if err != nil {
		return nil, dataSourceErr(location, err)
	}
	return fc, nil
}

// FeatureCollectionBounds returns the bbox of all features, or false when the
// collection has no geometry.
func FeatureCollectionBounds(fc *geojson.FeatureCollection) (Bounds, bool) {
	var bound orb.Bound
	found := false
	for _, f := range fc.Features {
		if f.Geometry == nil {
			continue
		}
		if !found {
			bound = f.Geometry.Bound()
			found = true
			continue
		}
		bound = bound.Union(f.Geometry.Bound())
	}
	if !found {
		return Bounds{}, false
	}
	return BoundsFromBBox([4]float64{bound.Min.X(), bound.Min.Y(), bound.Max.X(), bound.Max.Y()}), true
}

type shapeReader interface {
	Next() bool
	Shape() (int, shp.Shape)
	Attribute(n int) string
	Fields() []shp.Field
	Err() error
	Close() error
}

// ReadShapefile reads a .shp (with its .dbf next to it) or a zipped shapefile. Remote
// shapefiles must be zipped. encoding names the DBF text encoding, e.g. "gbk";
// empty means UTF-8.
func ReadShapefile(ctx context.Context, logger *log.Logger, location string, encoding string) (*geojson.FeatureCollection, error) {
	logger = orDiscard(logger)
	ext := strings.ToLower(path.Ext(strings.SplitN(location, "?", 2)[0]))
	local := location

	if isRemote(location) {
		if ext != ".zip" {
			return nil, dataSourceErr(location, errors.New("remote shapefiles must be zipped"))
		}
		tmp, err := downloadToTemp(ctx, logger, location)
		if err != nil {
			return nil, dataSourceErr(location, err)
		}
		defer os.Remove(tmp)
		local = tmp
	}

	var reader shapeReader
	var err error
	switch ext {
	case ".zip":
		reader, err = shp.OpenZip(local)
	case ".shp":
		reader, err = shp.Open(local)
	default:
		err = fmt.Errorf("unsupported shapefile extension %q", ext)
	}
	if err != nil {
		return nil, dataSourceErr(location, err)
	}
	defer reader.Close()

	decode := func(s string) string { return s }
	if encoding != "" {
		enc, err := htmlindex.Get(encoding)
		if err != nil {
			return nil, dataSourceErr(location, fmt.Errorf("unknown encoding %s", encoding))
		}
		dec := enc.NewDecoder()
		decode = func(s string) string {
			if out, err := dec.String(s); err == nil {
				return out
			}
			return s
		}
	}

	fields := reader.Fields()
	if len(fields) == 0 {
		return nil, dataSourceErr(location, errors.New("missing or unreadable .dbf attribute table"))
	}
	fc := geojson.NewFeatureCollection()
	for reader.Next() {
		_, shape := reader.Shape()
		geom := shapeGeometry(shape)
		if geom == nil {
			continue
		}
		f := geojson.NewFeature(geom)
		for i, field := range fields {
			f.Properties[decode(field.String())] = attributeValue(field, decode(reader.Attribute(i)))
		}
		fc.Append(f)
	}
	if err := reader.Err(); err != nil {
		return nil, dataSourceErr(location, err)
	}
	logger.Printf("read %d features from %s", len(fc.Features), location)
	return fc, nil
}

func attributeValue(field shp.Field, raw string) any {
	value := strings.Trim(raw, " \x00")
	switch field.Fieldtype {
	case 'N':
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	case 'F':
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	case 'L':
		switch strings.ToUpper(value) {
		case "T", "Y":
			return true
		case "F", "N":
			return false
		}
	}
	return value
}

func shapeGeometry(shape shp.Shape) orb.Geometry {
	switch s := shape.(type) {
	case *shp.Point:
		return orb.Point{s.X, s.Y}
	case *shp.PointZ:
		return orb.Point{s.X, s.Y}
	case *shp.PointM:
		return orb.Point{s.X, s.Y}
	case *shp.MultiPoint:
		return multiPoint(s.Points)
	case *shp.MultiPointZ:
		return multiPoint(s.Points)
	case *shp.MultiPointM:
		return multiPoint(s.Points)
	case *shp.PolyLine:
		return lines(s.Parts, s.Points)
	case *shp.PolyLineZ:
		return lines(s.Parts, s.Points)
	case *shp.PolyLineM:
		return lines(s.Parts, s.Points)
	case *shp.Polygon:
		return polygons(s.Parts, s.Points)
	case *shp.PolygonZ:
		return polygons(s.Parts, s.Points)
	case *shp.PolygonM:
		return polygons(s.Parts, s.Points)
	}
	return nil
}

func multiPoint(points []shp.Point) orb.MultiPoint {
	mp := make(orb.MultiPoint, len(points))
	for i, p := range points {
		mp[i] = orb.Point{p.X, p.Y}
	}
	return mp
}

func splitParts(parts []int32, points []shp.Point) [][]orb.Point {
	var out [][]orb.Point
	for i, start := range parts {
		end := len(points)
		if i+1 < len(parts) {
			end = int(parts[i+1])
		}
		if int(start) >= end || end > len(points) {
			continue
		}
		part := make([]orb.Point, 0, end-int(start))
		for _, p := range points[start:end] {
			part = append(part, orb.Point{p.X, p.Y})
		}
		out = append(out, part)
	}
	return out
}

func lines(parts []int32, points []shp.Point) orb.Geometry {
	split := splitParts(parts, points)
	if len(split) == 1 {
		return orb.LineString(split[0])
	}
	mls := make(orb.MultiLineString, len(split))
	for i, p := range split {
		mls[i] = orb.LineString(p)
	}
	return mls
}

// polygons groups rings into polygons: shapefile outer rings are clockwise and
// holes follow the ring that contains them.
func polygons(parts []int32, points []shp.Point) orb.Geometry {
	var mp orb.MultiPolygon
	for _, p := range splitParts(parts, points) {
		ring := orb.Ring(p)
		if ring.Orientation() == orb.CW || len(mp) == 0 {
			mp = append(mp, orb.Polygon{ring})
		} else {
			last := len(mp) - 1
			mp[last] = append(mp[last], ring)
		}
	}
	if len(mp) == 1 {
		return mp[0]
	}
	return mp
}

var (
	lonColumns = []string{"lon", "lng", "long", "longitude", "x"}
	latColumns = []string{"lat", "latitude", "y"}
)

func findColumn(header []string, names []string) int {
	for _, n := range names {
		for i, h := range header {
			if strings.ToLower(strings.TrimSpace(h)) == n {
				return i
			}
		}
	}
	return -1
}

// ParseCSVPoints turns a CSV with longitude and latitude columns into point features.
func ParseCSVPoints(data []byte) (*geojson.FeatureCollection, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	header, err := reader.Read()
	if err != nil {
		return nil, err
	}
	lonIdx := findColumn(header, lonColumns)
	latIdx := findColumn(header, latColumns)
	if lonIdx < 0 || latIdx < 0 {
		return nil, errors.New("csv has no longitude/latitude columns")
	}
	fc := geojson.NewFeatureCollection()
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		lon, err := strconv.ParseFloat(strings.TrimSpace(row[lonIdx]), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid longitude %q", row[lonIdx])
		}
		lat, err := strconv.ParseFloat(strings.TrimSpace(row[latIdx]), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid latitude %q", row[latIdx])
		}
		f := geojson.NewFeature(orb.Point{lon, lat})
		for i, name := range header {
			if i == lonIdx || i == latIdx || i >= len(row) {
				continue
			}
			f.Properties[name] = row[i]
		}
		fc.Append(f)
	}
	return fc, nil
}

// ReadVector picks a reader by file extension.
func ReadVector(ctx context.Context, logger *log.Logger, location string, encoding string) (*geojson.FeatureCollection, error) {
	logger = orDiscard(logger)
	ext := strings.ToLower(filepath.Ext(strings.SplitN(location, "?", 2)[0]))
	switch ext {
	case ".geojson", ".json":
		return ReadGeoJSON(ctx, logger, location)
	case ".shp", ".zip":
		return ReadShapefile(ctx, logger, location, encoding)
	case ".csv":
		b, err := readSource(ctx, logger, location)
		if err != nil {
			return nil, err
		}
		fc, err := ParseCSVPoints(b)
		if err != nil {
			return nil, dataSourceErr(location, err)
		}
		return fc, nil
	}
	return nil, dataSourceErr(location, fmt.Errorf("unsupported vector format %q", ext))
}
