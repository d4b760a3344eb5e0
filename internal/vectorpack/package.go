package vectorpack

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/geoportal/internal/core/model"
	"github.com/mohammed-shakir/geoportal/internal/featuretable"
)

const (
	CRSWGS84       = "EPSG:4326"
	CRSWebMercator = "EPSG:3857"

	maxDBFName   = 10
	maxDBFText   = 254
	numberLength = 18
	floatDecimal = 8
)

var (
	ErrUnsupportedGeometry = errors.New("unsupported geometry type")
	// ErrMixedGeometry is returned when features do not share the first
	// feature's geometry type; a shapefile set holds one type only.
	ErrMixedGeometry = errors.New("mixed geometry types")
)

var prjWKT = map[string]string{
	CRSWGS84: `GEOGCS["GCS_WGS_1984",DATUM["D_WGS_1984",SPHEROID["WGS_1984",6378137.0,298.257223563]],` +
		`PRIMEM["Greenwich",0.0],UNIT["Degree",0.0174532925199433]]`,
	CRSWebMercator: `PROJCS["WGS_1984_Web_Mercator_Auxiliary_Sphere",GEOGCS["GCS_WGS_1984",DATUM["D_WGS_1984",` +
		`SPHEROID["WGS_1984",6378137.0,298.257223563]],PRIMEM["Greenwich",0.0],UNIT["Degree",0.0174532925199433]],` +
		`PROJECTION["Mercator_Auxiliary_Sphere"],PARAMETER["False_Easting",0.0],PARAMETER["False_Northing",0.0],` +
		`PARAMETER["Central_Meridian",0.0],PARAMETER["Standard_Parallel_1",0.0],PARAMETER["Auxiliary_Sphere_Type",0.0],` +
		`UNIT["Meter",1.0]]`,
}

// SupportedCRS reports whether a .prj can be written for crs.
func SupportedCRS(crs string) bool {
	_, ok := prjWKT[crs]
	return ok
}

type Options struct {
	// CRS of the feature coordinates; defaults to EPSG:4326.
	CRS string
}

// Archive is a zipped shapefile set.
type Archive struct {
	BaseName     string
	Data         []byte
	GeometryType string
	Count        int
}

func (a *Archive) Model() *model.Archive {
	return &model.Archive{BaseName: a.BaseName, Data: a.Data}
}

// Package writes features as one .shp/.shx/.dbf/.prj set named after name
// and returns it zipped. The shape type follows the first feature; any later
// feature of another type fails with ErrMixedGeometry. Use
// SplitByGeometryType to publish a mixed input group by group.
func Package(name string, features []model.Feature, opts Options) (*Archive, error) {
	if len(features) == 0 {
		return nil, errors.New("package: no features")
	}
	crs := opts.CRS
	if crs == "" {
		crs = CRSWGS84
	}
	wkt, ok := prjWKT[crs]
	if !ok {
		return nil, fmt.Errorf("package: unsupported crs %q", crs)
	}
	gtype := features[0].GeometryType()
	st, ok := shapeType(gtype)
	if !ok {
		return nil, fmt.Errorf("package: %w %q", ErrUnsupportedGeometry, gtype)
	}
	base := BaseName(name)

	dir, err := os.MkdirTemp("", "vectorpack-*")
	if err != nil {
		return nil, fmt.Errorf("package: temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	if err := writeShapefile(filepath.Join(dir, base+".shp"), st, features); err != nil {
		return nil, fmt.Errorf("package: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, base+".prj"), []byte(wkt), 0o600); err != nil {
		return nil, fmt.Errorf("package: write prj: %w", err)
	}

	data, err := zipSet(dir, base)
	if err != nil {
		return nil, fmt.Errorf("package: %w", err)
	}
	return &Archive{BaseName: base, Data: data, GeometryType: gtype, Count: len(features)}, nil
}

func shapeType(geojsonType string) (shp.ShapeType, bool) {
	switch geojsonType {
	case "Point":
		return shp.POINT, true
	case "LineString":
		return shp.POLYLINE, true
	case "Polygon":
		return shp.POLYGON, true
	}
	return shp.NULL, false
}

func shapeName(st shp.ShapeType) string {
	switch st {
	case shp.POINT:
		return "Point"
	case shp.POLYLINE:
		return "LineString"
	case shp.POLYGON:
		return "Polygon"
	}
	return "unknown"
}

type column struct {
	prop string
	typ  featuretable.ColumnType
}

func writeShapefile(path string, st shp.ShapeType, features []model.Feature) error {
	w, err := shp.Create(path, st)
	if err != nil {
		return fmt.Errorf("create shapefile: %w", err)
	}
	if err := writeRecords(w, st, features); err != nil {
		w.Close()
		return err
	}
	w.Close()
	return fixDBFName(path)
}

// fixDBFName moves "<base>dbf" to "<base>.dbf". go-shp v0.1.1 drops the dot
// when it creates the dBASE file in SetFields.
func fixDBFName(shpPath string) error {
	base := strings.TrimSuffix(shpPath, filepath.Ext(shpPath))
	want := base + ".dbf"
	if _, err := os.Stat(want); err == nil {
		return nil
	}
	if err := os.Rename(base+"dbf", want); err != nil {
		return fmt.Errorf("rename dbf: %w", err)
	}
	return nil
}

func writeRecords(w *shp.Writer, st shp.ShapeType, features []model.Feature) error {
	tbl := featuretable.New(features)
	props := tbl.Fields()
	names := DBFFieldNames(props)
	cols := make([]column, len(props))
	fields := make([]shp.Field, 0, len(props))
	for i, p := range props {
		cols[i] = column{prop: p, typ: tbl.ColumnType(p)}
		switch cols[i].typ {
		case featuretable.ColumnInteger:
			fields = append(fields, shp.NumberField(names[i], numberLength))
		case featuretable.ColumnFloat:
			fields = append(fields, shp.FloatField(names[i], numberLength, floatDecimal))
		default:
			fields = append(fields, shp.StringField(names[i], maxDBFText))
		}
	}
	if len(fields) == 0 {
		// dBASE needs at least one column
		fields = append(fields, shp.NumberField("id", numberLength))
		cols = append(cols, column{prop: "", typ: featuretable.ColumnInteger})
	}
	if err := w.SetFields(fields); err != nil {
		return fmt.Errorf("set fields: %w", err)
	}

	for i, f := range features {
		s, err := toShape(f.Geometry, st)
		if err != nil {
			return fmt.Errorf("feature %d: %w", i, err)
		}
		row := int(w.Write(s))
		for j, c := range cols {
			v := attrValue(c, f.Properties, i)
			if err := w.WriteAttribute(row, j, v); err != nil {
				return fmt.Errorf("feature %d field %s: %w", i, c.prop, err)
			}
		}
	}
	return nil
}

func attrValue(c column, props map[string]any, row int) any {
	if c.prop == "" {
		return row + 1
	}
	v, ok := props[c.prop]
	if !ok || v == nil {
		return ""
	}
	switch c.typ {
	case featuretable.ColumnInteger:
		if n, ok := toFloat(v); ok {
			return int(n)
		}
	case featuretable.ColumnFloat:
		if n, ok := toFloat(v); ok {
			return n
		}
	}
	return truncateUTF8(fmt.Sprint(v), maxDBFText)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case interface{ Float64() (float64, error) }:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func toShape(g orb.Geometry, st shp.ShapeType) (shp.Shape, error) {
	if g != nil {
		if got, ok := shapeType(g.GeoJSONType()); ok && got != st {
			return nil, fmt.Errorf("%w: %s in a %s set", ErrMixedGeometry, g.GeoJSONType(), shapeName(st))
		}
	}
	switch v := g.(type) {
	case orb.Point:
		return &shp.Point{X: v[0], Y: v[1]}, nil
	case orb.LineString:
		return shp.NewPolyLine([][]shp.Point{points(v)}), nil
	case orb.Polygon:
		parts := make([][]shp.Point, 0, len(v))
		for i, r := range v {
			parts = append(parts, points(orient(r, i == 0)))
		}
		poly := shp.Polygon(*shp.NewPolyLine(parts))
		return &poly, nil
	case nil:
		return nil, errors.New("missing geometry")
	default:
		return nil, fmt.Errorf("%w %q", ErrUnsupportedGeometry, g.GeoJSONType())
	}
}

// orient closes r and winds it clockwise for outer rings and
// counter-clockwise for holes.
func orient(r orb.Ring, outer bool) orb.Ring {
	r = append(orb.Ring(nil), r...)
	if len(r) > 0 && !r.Closed() {
		r = append(r, r[0])
	}
	o := r.Orientation()
	if (outer && o == orb.CCW) || (!outer && o == orb.CW) {
		r.Reverse()
	}
	return r
}

func points[T ~[]orb.Point](ps T) []shp.Point {
	out := make([]shp.Point, len(ps))
	for i, p := range ps {
		out[i] = shp.Point{X: p[0], Y: p[1]}
	}
	return out
}

// DBFFieldNames maps property keys to unique dBASE column names of at most
// ten ASCII bytes.
func DBFFieldNames(props []string) []string {
	out := make([]string, len(props))
	used := map[string]struct{}{}
	for i, p := range props {
		n := sanitize(p, maxDBFName)
		if n == "" {
			n = "field"
		}
		cand := n
		for k := 1; ; k++ {
			if _, dup := used[strings.ToUpper(cand)]; !dup {
				break
			}
			sfx := "_" + strconv.Itoa(k)
			cand = truncateASCII(n, maxDBFName-len(sfx)) + sfx
		}
		used[strings.ToUpper(cand)] = struct{}{}
		out[i] = cand
	}
	return out
}

// BaseName turns a layer name into a file base name the server keeps as the
// native feature type name.
func BaseName(layer string) string {
	b := sanitize(layer, 0)
	if b == "" {
		return "layer"
	}
	return b
}

func sanitize(s string, limit int) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		case r == '-' && limit == 0:
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if limit > 0 {
		out = truncateASCII(out, limit)
	}
	return out
}

func truncateASCII(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

var setExtensions = []string{".shp", ".shx", ".dbf", ".prj"}

func zipSet(dir, base string) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, ext := range setExtensions {
		if err := addFile(zw, filepath.Join(dir, base+ext), base+ext); err != nil {
			_ = zw.Close()
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close zip: %w", err)
	}
	return buf.Bytes(), nil
}

func addFile(zw *zip.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer func() { _ = f.Close() }()

	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
	if err != nil {
		return fmt.Errorf("zip %s: %w", name, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("zip %s: %w", name, err)
	}
	return nil
}

var zipMagic = []byte("PK\x03\x04")

// IsZip reports whether an upload is a zip archive, by media type or, when
// the client sent a generic or missing one, by the local file header magic.
func IsZip(contentType string, data []byte) bool {
	mt, _, _ := mime.ParseMediaType(contentType)
	switch strings.ToLower(mt) {
	case "application/zip", "application/x-zip", "application/x-zip-compressed":
		return true
	}
	return bytes.HasPrefix(data, zipMagic)
}

// InspectArchive returns the base name of the single shapefile set inside a
// zip archive, which the server uses as the native name.
func InspectArchive(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("inspect archive: %w", err)
	}
	var base string
	for _, f := range zr.File {
		name := filepath.Base(f.Name)
		if !strings.EqualFold(filepath.Ext(name), ".shp") {
			continue
		}
		if base != "" {
			return "", errors.New("inspect archive: more than one .shp file")
		}
		base = strings.TrimSuffix(name, filepath.Ext(name))
	}
	if base == "" {
		return "", errors.New("inspect archive: no .shp file")
	}
	return base, nil
}
