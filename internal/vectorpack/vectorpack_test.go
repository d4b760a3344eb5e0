package vectorpack

import (
	"archive/zip"
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/geoportal/internal/core/model"
)

func TestGeoJSONRoundTrip(t *testing.T) {
	in := []model.Feature{
		{
			Geometry:   orb.Polygon{{{0, 0}, {1, 0}, {1, 1}, {0, 0}}},
			Properties: map[string]any{"name": "field", "area": 12.5, "irrigated": true},
		},
		{
			Geometry:   orb.Polygon{{{2, 2}, {3, 2}, {3, 3}, {2, 2}}},
			Properties: map[string]any{"name": "other", "area": 3.0, "irrigated": false},
		},
	}
	b, err := EncodeGeoJSON(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeGeoJSON(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("len=%d want %d", len(out), len(in))
	}
	for i := range in {
		if out[i].GeometryType() != in[i].GeometryType() {
			t.Fatalf("feature %d: type %s want %s", i, out[i].GeometryType(), in[i].GeometryType())
		}
		if len(out[i].Properties) != len(in[i].Properties) {
			t.Fatalf("feature %d: props %v want %v", i, out[i].Properties, in[i].Properties)
		}
		for k, v := range in[i].Properties {
			if out[i].Properties[k] != v {
				t.Fatalf("feature %d: %s=%v want %v", i, k, out[i].Properties[k], v)
			}
		}
	}
}

func TestDecodeGeoJSON_SingleFeatureAndErrors(t *testing.T) {
	got, err := DecodeGeoJSON([]byte(`{"type":"Feature","geometry":{"type":"Point","coordinates":[1,2]},"properties":{"a":"b"}}`))
	if err != nil {
		t.Fatalf("decode feature: %v", err)
	}
	if len(got) != 1 || got[0].GeometryType() != "Point" || got[0].Properties["a"] != "b" {
		t.Fatalf("got %+v", got)
	}

	for _, bad := range []string{`{}`, `{"type":"Point","coordinates":[1,2]}`, `not json`} {
		if _, err := DecodeGeoJSON([]byte(bad)); err == nil {
			t.Errorf("%s: expected error", bad)
		}
	}
}

func TestSplitByGeometryType(t *testing.T) {
	fs := []model.Feature{
		{Geometry: orb.Point{0, 0}},
		{Geometry: orb.LineString{{0, 0}, {1, 1}}},
		{Geometry: orb.Point{1, 1}},
	}
	groups := SplitByGeometryType(fs)
	if len(groups) != 2 {
		t.Fatalf("groups=%d", len(groups))
	}
	if groups[0].GeometryType != "Point" || len(groups[0].Features) != 2 {
		t.Fatalf("first group=%+v", groups[0])
	}
	if groups[1].GeometryType != "LineString" || len(groups[1].Features) != 1 {
		t.Fatalf("second group=%+v", groups[1])
	}
}

func zipNames(t *testing.T, data []byte) []string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("zip: %v", err)
	}
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	slices.Sort(names)
	return names
}

func extract(t *testing.T, data []byte) string {
	t.Helper()
	dir := t.TempDir()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("zip: %v", err)
	}
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open %s: %v", f.Name, err)
		}
		b, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			t.Fatalf("read %s: %v", f.Name, err)
		}
		if err := os.WriteFile(filepath.Join(dir, f.Name), b, 0o600); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func fieldName(f shp.Field) string {
	return strings.TrimRight(string(f.Name[:]), "\x00")
}

func TestPackage_PointsProduceOneSet(t *testing.T) {
	fs := []model.Feature{
		{Geometry: orb.Point{10, 20}, Properties: map[string]any{"name": "well", "depth": 12.0}},
		{Geometry: orb.Point{11, 21}, Properties: map[string]any{"name": "pump", "depth": 7.25}},
		{Geometry: orb.Point{12, 22}, Properties: map[string]any{"name": "tank"}},
	}
	a, err := Package("water points", fs, Options{})
	if err != nil {
		t.Fatalf("Package: %v", err)
	}
	if a.BaseName != "water_points" || a.GeometryType != "Point" || a.Count != 3 {
		t.Fatalf("archive=%+v", a)
	}

	want := []string{"water_points.dbf", "water_points.prj", "water_points.shp", "water_points.shx"}
	if got := zipNames(t, a.Data); !slices.Equal(got, want) {
		t.Fatalf("entries=%v want %v", got, want)
	}
	if base, err := InspectArchive(a.Data); err != nil || base != "water_points" {
		t.Fatalf("InspectArchive=%q,%v", base, err)
	}

	dir := extract(t, a.Data)
	prj, err := os.ReadFile(filepath.Join(dir, "water_points.prj"))
	if err != nil || !strings.HasPrefix(string(prj), `GEOGCS["GCS_WGS_1984"`) {
		t.Fatalf("prj=%q err=%v", prj, err)
	}

	r, err := shp.Open(filepath.Join(dir, "water_points.shp"))
	if err != nil {
		t.Fatalf("shp.Open: %v", err)
	}
	defer func() { _ = r.Close() }()

	if r.GeometryType != shp.POINT {
		t.Fatalf("geometry type=%v", r.GeometryType)
	}
	var cols []string
	for _, f := range r.Fields() {
		cols = append(cols, fieldName(f))
	}
	if !slices.Equal(cols, []string{"depth", "name"}) {
		t.Fatalf("columns=%v", cols)
	}

	var names []string
	for r.Next() {
		n, s := r.Shape()
		p, ok := s.(*shp.Point)
		if !ok {
			t.Fatalf("shape %d is %T", n, s)
		}
		if p.X != fs[n].Geometry.(orb.Point)[0] {
			t.Fatalf("shape %d x=%v", n, p.X)
		}
		names = append(names, strings.Trim(r.ReadAttribute(n, 1), " \x00"))
	}
	if !slices.Equal(names, []string{"well", "pump", "tank"}) {
		t.Fatalf("names=%v", names)
	}
}

func TestPackage_PolygonWinding(t *testing.T) {
	// counter-clockwise outer ring as GeoJSON writes it, clockwise hole
	outer := orb.Ring{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {0, 0}}
	hole := orb.Ring{{2, 2}, {2, 4}, {4, 4}, {4, 2}, {2, 2}}
	fs := []model.Feature{{Geometry: orb.Polygon{outer, hole}, Properties: map[string]any{"kind": "plot"}}}

	a, err := Package("plots", fs, Options{CRS: CRSWebMercator})
	if err != nil {
		t.Fatalf("Package: %v", err)
	}
	dir := extract(t, a.Data)
	r, err := shp.Open(filepath.Join(dir, "plots.shp"))
	if err != nil {
		t.Fatalf("shp.Open: %v", err)
	}
	defer func() { _ = r.Close() }()

	if !r.Next() {
		t.Fatal("no shapes")
	}
	_, s := r.Shape()
	poly, ok := s.(*shp.Polygon)
	if !ok {
		t.Fatalf("shape is %T", s)
	}
	if poly.NumParts != 2 {
		t.Fatalf("parts=%d", poly.NumParts)
	}
	ring := func(from, to int32) orb.Ring {
		var out orb.Ring
		for _, p := range poly.Points[from:to] {
			out = append(out, orb.Point{p.X, p.Y})
		}
		return out
	}
	if o := ring(poly.Parts[0], poly.Parts[1]).Orientation(); o != orb.CW {
		t.Fatalf("outer orientation=%v want CW", o)
	}
	if o := ring(poly.Parts[1], poly.NumPoints).Orientation(); o != orb.CCW {
		t.Fatalf("hole orientation=%v want CCW", o)
	}

	prj, _ := os.ReadFile(filepath.Join(dir, "plots.prj"))
	if !strings.Contains(string(prj), "Web_Mercator") {
		t.Fatalf("prj=%q", prj)
	}
}

func TestPackage_Rejects(t *testing.T) {
	if _, err := Package("x", nil, Options{}); err == nil {
		t.Fatal("empty input accepted")
	}
	mp := []model.Feature{{Geometry: orb.MultiPoint{{0, 0}}}}
	if _, err := Package("x", mp, Options{}); err == nil {
		t.Fatal("multipoint accepted")
	}
	pt := []model.Feature{{Geometry: orb.Point{0, 0}}}
	if _, err := Package("x", pt, Options{CRS: "EPSG:2154"}); err == nil {
		t.Fatal("unknown crs accepted")
	}
}

func TestWriteShapefile_SetOnDisk(t *testing.T) {
	dir := t.TempDir()
	fs := []model.Feature{
		{Geometry: orb.Point{1, 1}, Properties: map[string]any{"n": 1}},
		{Geometry: orb.Point{2, 2}, Properties: map[string]any{"n": 2}},
	}
	if err := writeShapefile(filepath.Join(dir, "m.shp"), shp.POINT, fs); err != nil {
		t.Fatalf("writeShapefile: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	slices.Sort(names)
	if want := []string{"m.dbf", "m.shp", "m.shx"}; !slices.Equal(names, want) {
		t.Fatalf("files=%v want %v", names, want)
	}
}

func TestPackage_MixedGeometryRejected(t *testing.T) {
	fs := []model.Feature{
		{Geometry: orb.Point{0, 0}},
		{Geometry: orb.LineString{{0, 0}, {1, 1}}},
	}
	_, err := Package("mixed", fs, Options{})
	if !errors.Is(err, ErrMixedGeometry) {
		t.Fatalf("err=%v want ErrMixedGeometry", err)
	}

	// each group packages on its own
	for _, g := range SplitByGeometryType(fs) {
		a, err := Package("mixed_"+g.GeometryType, g.Features, Options{})
		if err != nil {
			t.Fatalf("%s: %v", g.GeometryType, err)
		}
		if a.GeometryType != g.GeometryType {
			t.Fatalf("archive type=%s want %s", a.GeometryType, g.GeometryType)
		}
	}
}

func TestFilterGeometry(t *testing.T) {
	fs := []model.Feature{
		{Geometry: orb.Point{1, 1}},
		{Geometry: orb.LineString{{0, 0}, {1, 1}}},
		{Geometry: orb.Point{2, 2}},
	}
	if got := FilterGeometry(fs, "point"); len(got) != 2 {
		t.Fatalf("points = %d", len(got))
	}
	if got := FilterGeometry(fs, "Polygon"); got != nil {
		t.Fatalf("polygons = %v", got)
	}
}

func TestIsZip(t *testing.T) {
	tests := []struct {
		ct   string
		data string
		want bool
	}{
		{"application/zip", "", true},
		{"application/x-zip-compressed", "", true},
		{"Application/X-Zip; charset=binary", "", true},
		{"application/octet-stream", "PK\x03\x04", true},
		{"", "PK\x03\x04", true},
		{"application/geo+json", `{"type":"FeatureCollection"}`, false},
		{"", "PK", false},
	}
	for _, tc := range tests {
		if got := IsZip(tc.ct, []byte(tc.data)); got != tc.want {
			t.Fatalf("IsZip(%q, %q) = %v want %v", tc.ct, tc.data, got, tc.want)
		}
	}
}

func TestDBFFieldNames(t *testing.T) {
	got := DBFFieldNames([]string{"population_2020", "population_2021", "näme", "", "Population_2020x"})
	want := []string{"population", "populati_1", "n_me", "field", "Populati_2"}
	if !slices.Equal(got, want) {
		t.Fatalf("names=%v want %v", got, want)
	}
	for _, n := range got {
		if len(n) > 10 {
			t.Fatalf("%q longer than 10 bytes", n)
		}
	}
}

func TestInspectArchive_Errors(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	_, _ = zw.Create("readme.txt")
	_ = zw.Close()
	if _, err := InspectArchive(buf.Bytes()); err == nil {
		t.Fatal("archive without .shp accepted")
	}
	if _, err := InspectArchive([]byte("nope")); err == nil {
		t.Fatal("non-zip accepted")
	}
}
