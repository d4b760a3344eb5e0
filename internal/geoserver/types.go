package geoserver

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
)

type validator interface {
	Validate() error
}

func encodeXML(v validator) ([]byte, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	b, err := xml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal xml: %w", err)
	}
	return b, nil
}

func requireName(kind, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%s name is required", kind)
	}
	return nil
}

// WorkspaceRequest is the body of POST /workspaces.
type WorkspaceRequest struct {
	XMLName xml.Name `xml:"workspace"`
	Name    string   `xml:"name"`
}

func (r WorkspaceRequest) Validate() error { return requireName("workspace", r.Name) }

// CoverageStoreRequest is the body of POST /workspaces/{ws}/coveragestores.
type CoverageStoreRequest struct {
	XMLName   xml.Name `xml:"coverageStore"`
	Name      string   `xml:"name"`
	Type      string   `xml:"type"`
	Enabled   bool     `xml:"enabled"`
	Workspace string   `xml:"workspace"`
	URL       string   `xml:"url"`
}

const CoverageTypeGeoTIFF = "GeoTIFF"

func (r CoverageStoreRequest) Validate() error {
	if err := requireName("coverage store", r.Name); err != nil {
		return err
	}
	if err := requireName("workspace", r.Workspace); err != nil {
		return err
	}
	if r.Type == "" {
		return errors.New("coverage store type is required")
	}
	if r.URL == "" {
		return errors.New("coverage store url is required")
	}
	return nil
}

// Entry is one connection parameter of a data store.
type Entry struct {
	Key   string `xml:"key,attr"`
	Value string `xml:",chardata"`
}

// DataStoreRequest is the body of POST /workspaces/{ws}/datastores.
type DataStoreRequest struct {
	XMLName              xml.Name `xml:"dataStore"`
	Name                 string   `xml:"name"`
	ConnectionParameters []Entry  `xml:"connectionParameters>entry"`
}

func (r DataStoreRequest) Validate() error {
	if err := requireName("data store", r.Name); err != nil {
		return err
	}
	for _, e := range r.ConnectionParameters {
		if e.Key == "" {
			return errors.New("data store connection parameter without key")
		}
	}
	return nil
}

// FeatureTypeRequest declares a feature type on an existing data store. Name
// is the published layer name, NativeName the name inside the uploaded data.
type FeatureTypeRequest struct {
	XMLName    xml.Name `xml:"featureType"`
	Name       string   `xml:"name"`
	NativeName string   `xml:"nativeName"`
	Title      string   `xml:"title"`
	SRS        string   `xml:"srs,omitempty"`
}

func (r FeatureTypeRequest) Validate() error {
	if err := requireName("feature type", r.Name); err != nil {
		return err
	}
	return requireName("native", r.NativeName)
}

// Configure controls what GeoServer publishes after a file upload.
type Configure string

const (
	ConfigureFirst Configure = ""
	ConfigureNone  Configure = "none"
	ConfigureAll   Configure = "all"
)

// Existence is the tri-state result of a resource lookup.
type Existence int

const (
	Indeterminate Existence = iota
	Absent
	Present
)

func (e Existence) String() string {
	switch e {
	case Absent:
		return "absent"
	case Present:
		return "present"
	default:
		return "indeterminate"
	}
}

// StatusError is a non-2xx answer from the REST API.
type StatusError struct {
	Op     string
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("geoserver %s: %s %s: status %d", e.Op, e.Method, e.Path, e.Code)
	}
	return fmt.Sprintf("geoserver %s: %s %s: status %d: %s", e.Op, e.Method, e.Path, e.Code, e.Body)
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}
