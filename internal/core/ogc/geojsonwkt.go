package ogc

import (
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"
)

// GeoJSONToWKT converts a GeoJSON geometry object to WKT.
func GeoJSONToWKT(s string) (string, error) {
	g, err := geojson.UnmarshalGeometry([]byte(s))
	if err != nil {
		return "", fmt.Errorf("parse geojson: %w", err)
	}
	return GeometryWKT(g.Geometry())
}

func GeometryWKT(g orb.Geometry) (string, error) {
	switch v := g.(type) {
	case nil:
		return "", errors.New("empty geometry")
	case orb.Polygon:
		if len(v) == 0 {
			return "", errors.New("empty polygon")
		}
		for _, r := range v {
			if len(r) < 4 {
				return "", errors.New("polygon ring has <4 points")
			}
		}
	case orb.MultiPolygon:
		if len(v) == 0 {
			return "", errors.New("empty multipolygon")
		}
	case orb.Point, orb.LineString, orb.MultiPoint, orb.MultiLineString:
	default:
		return "", fmt.Errorf("unsupported type %q", g.GeoJSONType())
	}
	return wkt.MarshalString(g), nil
}
