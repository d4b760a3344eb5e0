// Package model defines core domain types shared across the service.
package model

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/paulmach/orb"
)

// Kind distinguishes raster (coverage) from vector (feature) layers.
type Kind string

const (
	KindRaster Kind = "raster"
	KindVector Kind = "vector"
)

// Rules decide which workspace a tenant publishes into.
type Rules struct {
	SharedWorkspace string
	PrivilegedRole  string
}

func DefaultRules() Rules {
	return Rules{SharedWorkspace: "geoportal", PrivilegedRole: "provider"}
}

// Tenant is the identity under which a workspace is resolved.
type Tenant struct {
	Nickname string
	Roles    []string
}

func (t Tenant) Privileged(r Rules) bool {
	return r.PrivilegedRole != "" && slices.Contains(t.Roles, r.PrivilegedRole)
}

// Workspace maps privileged tenants to the shared workspace and everyone else
// to their own nickname. Empty when the tenant is anonymous.
func (t Tenant) Workspace(r Rules) string {
	if t.Privileged(r) {
		return r.SharedWorkspace
	}
	return strings.TrimSpace(t.Nickname)
}

func (t Tenant) IsZero() bool {
	return strings.TrimSpace(t.Nickname) == "" && len(t.Roles) == 0
}

// LayerName is a caller-supplied identifier, unique per workspace on the server.
type LayerName string

const maxLayerNameLen = 255

func (n LayerName) String() string { return string(n) }

func (n LayerName) Validate() error { return checkName("layer name", string(n)) }

// ValidateWorkspace rejects workspace names that would not address a single
// path segment on the server. A nickname like ".." resolves to such a name.
func ValidateWorkspace(ws string) error {
	if ws == "" {
		return errors.New("tenant has no workspace")
	}
	return checkName("workspace", ws)
}

func checkName(what, s string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%s is required", what)
	}
	if s != strings.TrimSpace(s) {
		return fmt.Errorf("%s %q has surrounding whitespace", what, s)
	}
	if s == "." || s == ".." {
		return fmt.Errorf("%s %q is reserved", what, s)
	}
	if len(s) > maxLayerNameLen {
		return fmt.Errorf("%s longer than %d bytes", what, maxLayerNameLen)
	}
	for _, r := range s {
		switch {
		case r == '/' || r == '\\' || r == '?' || r == '#':
			return fmt.Errorf("%s %q contains %q", what, s, r)
		case unicode.IsControl(r):
			return fmt.Errorf("%s %q contains a control character", what, s)
		}
	}
	return nil
}

// Feature is one geometry + attribute record.
type Feature struct {
	ID         any
	Geometry   orb.Geometry
	Properties map[string]any
}

// GeometryType returns the GeoJSON type name of the feature geometry.
func (f Feature) GeometryType() string {
	if f.Geometry == nil {
		return ""
	}
	return f.Geometry.GeoJSONType()
}

func SupportedGeometry(t string) bool {
	switch t {
	case orb.Point{}.GeoJSONType(), orb.LineString{}.GeoJSONType(), orb.Polygon{}.GeoJSONType():
		return true
	}
	return false
}

type RasterPayload struct {
	Data        []byte
	ContentType string
}

// Archive is a pre-packaged, zipped shapefile set.
type Archive struct {
	BaseName string
	Data     []byte
}

// VectorPayload carries either features to package or a ready archive.
type VectorPayload struct {
	Features []Feature
	Archive  *Archive
}

type PublicationRequest struct {
	Tenant    Tenant
	LayerName LayerName
	Kind      Kind
	Raster    *RasterPayload
	Vector    *VectorPayload
}

func (r PublicationRequest) Validate() error {
	if err := r.LayerName.Validate(); err != nil {
		return err
	}
	switch r.Kind {
	case KindRaster:
		if r.Raster == nil || len(r.Raster.Data) == 0 {
			return errors.New("raster payload is empty")
		}
	case KindVector:
		if r.Vector == nil {
			return errors.New("vector payload is missing")
		}
		if r.Vector.Archive != nil {
			if len(r.Vector.Archive.Data) == 0 {
				return errors.New("vector archive is empty")
			}
			return nil
		}
		if len(r.Vector.Features) == 0 {
			return errors.New("vector payload has no features")
		}
		for i, f := range r.Vector.Features {
			if !SupportedGeometry(f.GeometryType()) {
				return fmt.Errorf("feature %d: unsupported geometry %q", i, f.GeometryType())
			}
		}
	default:
		return fmt.Errorf("unknown layer kind %q", r.Kind)
	}
	return nil
}

type ChangeOp string

const (
	OpPublished ChangeOp = "published"
	OpDeleted   ChangeOp = "deleted"
)

// LayerChange describes a server-side layer that was created or removed.
type LayerChange struct {
	Op        ChangeOp
	Kind      Kind
	Workspace string
	Layer     string
	Store     string
	TS        time.Time
}

type BBox struct {
	X1, Y1 float64
	X2, Y2 float64
	SRID   string
}

// String representation matching wfs/wms bbox format
func (b BBox) String() string {
	return fmt.Sprintf("%.6f,%.6f,%.6f,%.6f,%s", b.X1, b.Y1, b.X2, b.Y2, b.SRID)
}

// FeatureQuery selects features of one published vector layer.
type FeatureQuery struct {
	Workspace   string
	Layer       string
	MaxFeatures int
	BBox        *BBox
	// Intersects, when set, wins over BBox.
	Intersects orb.Geometry
}

func (q FeatureQuery) Validate() error {
	if strings.TrimSpace(q.Workspace) == "" {
		return errors.New("workspace is required")
	}
	if err := LayerName(q.Layer).Validate(); err != nil {
		return err
	}
	if q.MaxFeatures < 0 {
		return fmt.Errorf("max features %d is negative", q.MaxFeatures)
	}
	if b := q.BBox; b != nil && (b.X1 > b.X2 || b.Y1 > b.Y2) {
		return fmt.Errorf("bbox %s is inverted", b)
	}
	return nil
}
