// Package keys builds Redis keys for cached catalog documents.
package keys

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

const (
	catalogPrefix = "catalog"
	maxSegmentLen = 64
)

// Catalog returns the key of the capabilities-derived layer list of one
// workspace service. The readable segment is sanitized and truncated, so the
// hash of the raw workspace name keeps distinct workspaces apart.
func Catalog(workspace, service string) string {
	ws := strings.TrimSpace(workspace)
	safe := sanitize(ws)
	if len(safe) > maxSegmentLen {
		safe = safe[:maxSegmentLen]
	}
	return fmt.Sprintf("%s:%s:%s:h=%016x", catalogPrefix, safe, strings.ToLower(strings.TrimSpace(service)), xxhash.Sum64String(ws))
}

// CatalogAll returns every catalog key of a workspace, for invalidation.
func CatalogAll(workspace string, services ...string) []string {
	out := make([]string, 0, len(services))
	for _, s := range services {
		out = append(out, Catalog(workspace, s))
	}
	return out
}

func sanitize(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case unicode.IsSpace(r):
			out = '_'
		case isAlphaNum(r) || r == '_' || r == '-' || r == '.':
			out = r
		default:
			// Any other rune (including non-ASCII) becomes '-'
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9')
}
