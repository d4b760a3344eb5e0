package ogc

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/mohammed-shakir/geoportal/internal/core/model"
)

const (
	DefaultMaxFeatures = 50
	// GeometryAttr is the geometry column GeoServer exposes for shapefile stores.
	GeometryAttr = "the_geom"
)

func OWSEndpoint(geoServerBase string) string {
	return strings.TrimRight(geoServerBase, "/") + "/ows"
}

// WorkspaceEndpoint returns the virtual service endpoint of one workspace,
// e.g. http://host/geoserver/alice/wfs.
func WorkspaceEndpoint(geoServerBase, workspace, service string) string {
	return strings.TrimRight(geoServerBase, "/") + "/" + url.PathEscape(workspace) + "/" + strings.ToLower(service)
}

func GetCapabilitiesParams(service string) url.Values {
	params := url.Values{}
	params.Set("service", strings.ToUpper(service))
	params.Set("request", "GetCapabilities")
	return params
}

// BuildGetFeatureParams builds a WFS 1.0.0 GetFeature query against a
// workspace endpoint, so the type name is the unqualified layer name.
func BuildGetFeatureParams(q model.FeatureQuery) url.Values {
	return BuildGetFeatureParamsFormat(q, "application/json")
}

func BuildGetFeatureParamsFormat(q model.FeatureQuery, outputFormat string) url.Values {
	params := url.Values{}
	params.Set("service", "WFS")
	params.Set("version", "1.0.0")
	params.Set("request", "GetFeature")
	params.Set("typeName", q.Layer)

	n := q.MaxFeatures
	if n <= 0 {
		n = DefaultMaxFeatures
	}
	params.Set("maxFeatures", strconv.Itoa(n))

	// prefer the geometry filter over bbox
	if q.Intersects != nil {
		if wkt, err := GeometryWKT(q.Intersects); err == nil {
			params.Set("cql_filter", fmt.Sprintf("INTERSECTS(%s, %s)", GeometryAttr, wkt))
		} else if q.BBox != nil {
			params.Set("bbox", q.BBox.String())
		}
	} else if q.BBox != nil {
		params.Set("bbox", q.BBox.String())
	}
	if strings.TrimSpace(outputFormat) == "" {
		outputFormat = "application/json"
	}
	params.Set("outputFormat", outputFormat)
	return params
}
