package router

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/geoportal/internal/core/model"
)

// ParseFeatureQuery reads a feature query from the URL. The workspace
// defaults to def when the caller does not name one.
func ParseFeatureQuery(r *http.Request, def string) (model.FeatureQuery, string, error) {
	var warn string
	v := r.URL.Query()

	q := model.FeatureQuery{
		Workspace: strings.TrimSpace(v.Get("workspace")),
		Layer:     strings.TrimSpace(v.Get("layer")),
	}
	// accept qualified names as listed by the catalog
	if ws, local, ok := strings.Cut(q.Layer, ":"); ok {
		if q.Workspace != "" && ws != q.Workspace {
			return model.FeatureQuery{}, "", fmt.Errorf("layer %q is not in workspace %q", q.Layer, q.Workspace)
		}
		q.Workspace, q.Layer = ws, local
	}
	if q.Workspace == "" {
		q.Workspace = def
	}
	if q.Layer == "" {
		return model.FeatureQuery{}, "", errors.New("missing required parameter: layer")
	}

	if raw := strings.TrimSpace(v.Get("max")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return model.FeatureQuery{}, "", fmt.Errorf("invalid max %q", raw)
		}
		q.MaxFeatures = n
	}

	rawBBox := strings.TrimSpace(v.Get("bbox"))
	rawPoly := strings.TrimSpace(v.Get("polygon"))

	// drop bbox if polygon is given (polygon wins)
	if rawBBox != "" && rawPoly != "" {
		warn = "both bbox and polygon supplied; preferring polygon"
		rawBBox = ""
	}
	if rawBBox != "" {
		bb, err := parseBBOX(rawBBox)
		if err != nil {
			return model.FeatureQuery{}, warn, fmt.Errorf("invalid bbox: %w", err)
		}
		q.BBox = &bb
	}
	if rawPoly != "" {
		g, err := geojson.UnmarshalGeometry([]byte(rawPoly))
		if err != nil {
			return model.FeatureQuery{}, warn, fmt.Errorf("invalid polygon: %w", err)
		}
		switch t := g.Geometry().GeoJSONType(); t {
		case "Polygon", "MultiPolygon":
			q.Intersects = g.Geometry()
		default:
			return model.FeatureQuery{}, warn, fmt.Errorf("invalid polygon: unsupported GeoJSON type %q", t)
		}
	}

	if err := q.Validate(); err != nil {
		return model.FeatureQuery{}, warn, err
	}
	return q, warn, nil
}

func parseBBOX(bboxParam string) (model.BBox, error) {
	parts := strings.Split(bboxParam, ",")
	if len(parts) != 5 {
		return model.BBox{}, errors.New("expected 5 comma-separated values: x1,y1,x2,y2,EPSG:4326")
	}
	var c [4]float64
	for i, name := range []string{"x1", "y1", "x2", "y2"} {
		f, err := strconv.ParseFloat(strings.TrimSpace(parts[i]), 64)
		if err != nil {
			return model.BBox{}, fmt.Errorf("%s: %w", name, err)
		}
		c[i] = f
	}
	xMin, yMin, xMax, yMax := c[0], c[1], c[2], c[3]

	srid := strings.ToUpper(strings.TrimSpace(parts[4]))
	if srid != "EPSG:4326" {
		return model.BBox{}, fmt.Errorf("only EPSG:4326 is supported (got %q)", srid)
	}
	if !(xMin >= -180 && xMin <= 180 && xMax >= -180 && xMax <= 180) {
		return model.BBox{}, errors.New("longitude must be in [-180,180]")
	}
	if !(yMin >= -90 && yMin <= 90 && yMax >= -90 && yMax <= 90) {
		return model.BBox{}, errors.New("latitude must be in [-90,90]")
	}
	if xMax <= xMin || yMax <= yMin {
		return model.BBox{}, errors.New("coordinates must satisfy x2>x1 and y2>y1")
	}
	return model.BBox{X1: xMin, Y1: yMin, X2: xMax, Y2: yMax, SRID: srid}, nil
}
