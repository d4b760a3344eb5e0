// Package vectorpack converts edited features to the interchange and archive
// formats the geospatial server accepts.
package vectorpack

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/geoportal/internal/core/model"
)

// EncodeGeoJSON renders features as a GeoJSON FeatureCollection.
func EncodeGeoJSON(features []model.Feature) ([]byte, error) {
	fc := geojson.NewFeatureCollection()
	for i, f := range features {
		if f.Geometry == nil {
			return nil, fmt.Errorf("feature %d has no geometry", i)
		}
		gf := geojson.NewFeature(f.Geometry)
		gf.ID = f.ID
		if len(f.Properties) > 0 {
			gf.Properties = make(geojson.Properties, len(f.Properties))
			maps.Copy(gf.Properties, f.Properties)
		}
		fc.Append(gf)
	}
	b, err := json.Marshal(fc)
	if err != nil {
		return nil, fmt.Errorf("encode geojson: %w", err)
	}
	return b, nil
}

// DecodeGeoJSON accepts a FeatureCollection or a single Feature.
func DecodeGeoJSON(data []byte) ([]model.Feature, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode geojson: %w", err)
	}

	var gfs []*geojson.Feature
	switch head.Type {
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return nil, fmt.Errorf("decode geojson: %w", err)
		}
		gfs = fc.Features
	case "Feature":
		f, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return nil, fmt.Errorf("decode geojson: %w", err)
		}
		gfs = []*geojson.Feature{f}
	case "":
		return nil, errors.New("decode geojson: missing type")
	default:
		return nil, fmt.Errorf("decode geojson: unsupported type %q", head.Type)
	}

	out := make([]model.Feature, 0, len(gfs))
	for _, gf := range gfs {
		props := make(map[string]any, len(gf.Properties))
		maps.Copy(props, gf.Properties)
		out = append(out, model.Feature{ID: gf.ID, Geometry: gf.Geometry, Properties: props})
	}
	return out, nil
}

// Group is a run of features sharing one geometry type.
type Group struct {
	GeometryType string
	Features     []model.Feature
}

// SplitByGeometryType groups features by geometry type, ordered by the first
// appearance of each type. A shapefile set holds one type only, so callers
// publish each group separately.
func SplitByGeometryType(features []model.Feature) []Group {
	var groups []Group
	idx := map[string]int{}
	for _, f := range features {
		t := f.GeometryType()
		i, ok := idx[t]
		if !ok {
			i = len(groups)
			idx[t] = i
			groups = append(groups, Group{GeometryType: t})
		}
		groups[i].Features = append(groups[i].Features, f)
	}
	return groups
}

// FilterGeometry keeps the features whose geometry type matches geom, case
// insensitively, the way a drawing layer holds one geometry type.
func FilterGeometry(features []model.Feature, geom string) []model.Feature {
	for _, g := range SplitByGeometryType(features) {
		if strings.EqualFold(g.GeometryType, geom) {
			return g.Features
		}
	}
	return nil
}
