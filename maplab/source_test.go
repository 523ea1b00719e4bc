package maplab

import (
	"archive/zip"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGeoJSONKinds(t *testing.T) {
	fc, err := ParseGeoJSON([]byte(`{"type":"FeatureCollection","features":[{"type":"Feature","geometry":{"type":"Point","coordinates":[1,2]},"properties":{}},{"type":"Feature","geometry":{"type":"Point","coordinates":[3,4]},"properties":{}}]}`))
	assert.Nil(t, err)
	assert.Len(t, fc.Features, 2)

	fc, err = ParseGeoJSON([]byte(`{"type":"Feature","geometry":{"type":"Point","coordinates":[1,2]},"properties":{"a":1}}`))
	assert.Nil(t, err)
	assert.Len(t, fc.Features, 1)
	assert.Equal(t, 1.0, fc.Features[0].Properties["a"])

	fc, err = ParseGeoJSON([]byte(`{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,0]]]}`))
	assert.Nil(t, err)
	assert.Len(t, fc.Features, 1)
	_, ok := fc.Features[0].Geometry.(orb.Polygon)
	assert.True(t, ok)

	_, err = ParseGeoJSON([]byte(`{"features":[]}`))
	assert.NotNil(t, err)
	_, err = ParseGeoJSON([]byte(`nope`))
	assert.NotNil(t, err)
}

func TestFeatureCollectionBounds(t *testing.T) {
	fc, _ := ParseGeoJSON([]byte(`{"type":"MultiPoint","coordinates":[[-5,10],[7,-2]]}`))
	b, ok := FeatureCollectionBounds(fc)
	assert.True(t, ok)
	assert.Equal(t, Bounds{{-5, -2}, {7, 10}}, b)

	fc, _ = ParseGeoJSON([]byte(`{"type":"FeatureCollection","features":[]}`))
	_, ok = FeatureCollectionBounds(fc)
	assert.False(t, ok)
}

func TestParseCSVPoints(t *testing.T) {
	fc, err := ParseCSVPoints([]byte("name,Latitude,Longitude\nA,10.5,20.25\nB,-1,2\n"))
	assert.Nil(t, err)
	assert.Len(t, fc.Features, 2)
	assert.Equal(t, orb.Point{20.25, 10.5}, fc.Features[0].Geometry)
	assert.Equal(t, "A", fc.Features[0].Properties["name"])
	assert.NotContains(t, fc.Features[0].Properties, "Latitude")

	_, err = ParseCSVPoints([]byte("a,b\n1,2\n"))
	assert.NotNil(t, err)
	_, err = ParseCSVPoints([]byte("lat,lon\nx,2\n"))
	assert.NotNil(t, err)
}

func TestPolygonRings(t *testing.T) {
	// clockwise outer ring with a counter-clockwise hole, then a second outer ring
	points := []shp.Point{
		{X: 0, Y: 0}, {X: 0, Y: 10}, {X: 10, Y: 10}, {X: 10, Y: 0}, {X: 0, Y: 0},
		{X: 2, Y: 2}, {X: 4, Y: 2}, {X: 4, Y: 4}, {X: 2, Y: 4}, {X: 2, Y: 2},
		{X: 20, Y: 20}, {X: 20, Y: 30}, {X: 30, Y: 30}, {X: 30, Y: 20}, {X: 20, Y: 20},
	}
	g := polygons([]int32{0, 5, 10}, points)
	mp, ok := g.(orb.MultiPolygon)
	require.True(t, ok)
	assert.Len(t, mp, 2)
	assert.Len(t, mp[0], 2)
	assert.Len(t, mp[1], 1)

	g = polygons([]int32{0}, points[:5])
	_, ok = g.(orb.Polygon)
	assert.True(t, ok)
}

func TestLines(t *testing.T) {
	points := []shp.Point{{X: 0, Y: 0}, {X: 1, Y: 1}, {X: 2, Y: 2}, {X: 3, Y: 3}}
	_, ok := lines([]int32{0}, points).(orb.LineString)
	assert.True(t, ok)
	mls, ok := lines([]int32{0, 2}, points).(orb.MultiLineString)
	assert.True(t, ok)
	assert.Len(t, mls, 2)
}

func writeTestShapefile(t *testing.T, dir string) string {
	t.Helper()
	name := filepath.Join(dir, "places.shp")
	w, err := shp.Create(name, shp.POINT)
	require.Nil(t, err)
	w.SetFields([]shp.Field{
		shp.StringField("NAME", 20),
		shp.NumberField("POP", 10),
	})
	w.Write(&shp.Point{X: 13.4, Y: 52.5})
	w.WriteAttribute(0, 0, "Berlin")
	w.WriteAttribute(0, 1, 3645000)
	w.Write(&shp.Point{X: 2.35, Y: 48.85})
	w.WriteAttribute(1, 0, "Paris")
	w.WriteAttribute(1, 1, 2161000)
	w.Close()
	// go-shp drops the dot when deriving the attribute file name
	if _, err := os.Stat(filepath.Join(dir, "placesdbf")); err == nil {
		require.Nil(t, os.Rename(filepath.Join(dir, "placesdbf"), filepath.Join(dir, "places.dbf")))
	}
	return name
}

func TestReadShapefile(t *testing.T) {
	dir := t.TempDir()
	name := writeTestShapefile(t, dir)

	fc, err := ReadShapefile(context.Background(), nil, name, "")
	require.Nil(t, err)
	require.Len(t, fc.Features, 2)
	assert.Equal(t, orb.Point{13.4, 52.5}, fc.Features[0].Geometry)
	assert.Equal(t, "Berlin", fc.Features[0].Properties["NAME"])
	assert.Equal(t, int64(3645000), fc.Features[0].Properties["POP"])
}

func TestReadShapefileMissingAttributes(t *testing.T) {
	dir := t.TempDir()
	name := writeTestShapefile(t, dir)
	require.Nil(t, os.Remove(filepath.Join(dir, "places.dbf")))

	_, err := ReadShapefile(context.Background(), nil, name, "")
	assert.True(t, errors.Is(err, ErrDataSource))
}

func writeTestZip(t *testing.T, dir string) string {
	t.Helper()
	writeTestShapefile(t, dir)

	zipName := filepath.Join(dir, "places.zip")
	out, err := os.Create(zipName)
	require.Nil(t, err)
	zw := zip.NewWriter(out)
	for _, ext := range []string{".shp", ".shx", ".dbf"} {
		f, err := zw.Create("places" + ext)
		require.Nil(t, err)
		in, err := os.Open(filepath.Join(dir, "places"+ext))
		require.Nil(t, err)
		_, err = io.Copy(f, in)
		in.Close()
		require.Nil(t, err)
	}
	require.Nil(t, zw.Close())
	require.Nil(t, out.Close())
	return zipName
}

func TestReadZippedShapefile(t *testing.T) {
	zipName := writeTestZip(t, t.TempDir())

	fc, err := ReadVector(context.Background(), nil, zipName, "")
	require.Nil(t, err)
	assert.Len(t, fc.Features, 2)
	assert.Equal(t, "Paris", fc.Features[1].Properties["NAME"])
}

func TestReadRemoteZippedShapefile(t *testing.T) {
	defer resetReporter()
	progress := &mockReporter{}
	SetReporter(progress)

	dir := t.TempDir()
	zipName := writeTestZip(t, dir)
	data, err := os.ReadFile(zipName)
	require.Nil(t, err)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	}))
	defer ts.Close()

	location := ts.URL + "/layers/places.zip"
	fc, err := ReadShapefile(context.Background(), nil, location, "")
	require.Nil(t, err)
	assert.Equal(t, "Berlin", fc.Features[0].Properties["NAME"])

	require.Len(t, progress.downloads, 1)
	assert.Equal(t, location, progress.downloads[0].location)
	assert.Equal(t, int64(len(data)), progress.downloads[0].written)
	assert.True(t, progress.downloads[0].closed)
}

func TestReadShapefileErrors(t *testing.T) {
	_, err := ReadShapefile(context.Background(), nil, "https://example.com/places.shp", "")
	assert.True(t, errors.Is(err, ErrDataSource))

	_, err = ReadShapefile(context.Background(), nil, filepath.Join(t.TempDir(), "missing.shp"), "")
	assert.True(t, errors.Is(err, ErrDataSource))

	dir := t.TempDir()
	name := writeTestShapefile(t, dir)
	_, err = ReadShapefile(context.Background(), nil, name, "no-such-encoding")
	assert.True(t, errors.Is(err, ErrDataSource))
}

func TestReadVectorDispatch(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "points.csv")
	require.Nil(t, os.WriteFile(csvPath, []byte("x,y,label\n1,2,a\n"), 0644))
	fc, err := ReadVector(context.Background(), nil, csvPath, "")
	assert.Nil(t, err)
	assert.Len(t, fc.Features, 1)

	_, err = ReadVector(context.Background(), nil, filepath.Join(dir, "data.kml"), "")
	var dsErr *DataSourceError
	assert.True(t, errors.As(err, &dsErr))
}

func TestAttributeValue(t *testing.T) {
	assert.Equal(t, int64(12), attributeValue(shp.Field{Fieldtype: 'N'}, " 12 "))
	assert.Equal(t, 1.5, attributeValue(shp.Field{Fieldtype: 'N'}, "1.5"))
	assert.Equal(t, 2.5, attributeValue(shp.Field{Fieldtype: 'F'}, "2.5"))
	assert.Equal(t, true, attributeValue(shp.Field{Fieldtype: 'L'}, "T"))
	assert.Equal(t, "text", attributeValue(shp.Field{Fieldtype: 'C'}, "text  "))
}
