package ogc

import (
	"encoding/xml"
	"fmt"
	"io"
	"slices"
	"strings"
)

// VectorKeyword marks WMS layers that are backed by a feature type.
const VectorKeyword = "features"

// CapabilityLayer is one layer advertised by a capabilities document.
type CapabilityLayer struct {
	Name     string
	Title    string
	Keywords []string
}

func (l CapabilityLayer) HasKeyword(k string) bool { return slices.Contains(l.Keywords, k) }

// LocalName strips the "workspace:" prefix GeoServer puts on layer names.
func (l CapabilityLayer) LocalName() string { return SplitQualified(l.Name).Local }

type QualifiedName struct {
	Workspace string
	Local     string
}

func SplitQualified(name string) QualifiedName {
	if ws, local, ok := strings.Cut(name, ":"); ok {
		return QualifiedName{Workspace: ws, Local: local}
	}
	return QualifiedName{Local: name}
}

type wfsCapabilities struct {
	FeatureTypes []struct {
		Name     string   `xml:"Name"`
		Title    string   `xml:"Title"`
		Keywords []string `xml:"Keywords>Keyword"`
	} `xml:"FeatureTypeList>FeatureType"`
}

// ParseWFSCapabilities returns the feature types that carry both a name and
// a title.
func ParseWFSCapabilities(r io.Reader) ([]CapabilityLayer, error) {
	var doc wfsCapabilities
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode wfs capabilities: %w", err)
	}
	out := make([]CapabilityLayer, 0, len(doc.FeatureTypes))
	for _, ft := range doc.FeatureTypes {
		name, title := strings.TrimSpace(ft.Name), strings.TrimSpace(ft.Title)
		if name == "" || title == "" {
			continue
		}
		out = append(out, CapabilityLayer{Name: name, Title: title, Keywords: trimAll(ft.Keywords)})
	}
	return out, nil
}

type wmsLayer struct {
	Name     string     `xml:"Name"`
	Title    string     `xml:"Title"`
	Keywords []string   `xml:"KeywordList>Keyword"`
	Layers   []wmsLayer `xml:"Layer"`
}

type wmsCapabilities struct {
	Root wmsLayer `xml:"Capability>Layer"`
}

// ParseWMSCapabilities flattens the layer tree depth first and keeps named
// layers only.
func ParseWMSCapabilities(r io.Reader) ([]CapabilityLayer, error) {
	var doc wmsCapabilities
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode wms capabilities: %w", err)
	}
	var out []CapabilityLayer
	var walk func(l wmsLayer)
	walk = func(l wmsLayer) {
		if name := strings.TrimSpace(l.Name); name != "" {
			title := strings.TrimSpace(l.Title)
			if title == "" {
				title = name
			}
			out = append(out, CapabilityLayer{Name: name, Title: title, Keywords: trimAll(l.Keywords)})
		}
		for _, c := range l.Layers {
			walk(c)
		}
	}
	walk(doc.Root)
	return out, nil
}

func trimAll(ss []string) []string {
	out := ss[:0]
	for _, s := range ss {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
