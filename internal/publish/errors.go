package publish

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a publication failure.
type Kind string

const (
	KindInvalidRequest    Kind = "invalid_request"
	KindCredential        Kind = "credential"
	KindWorkspaceLookup   Kind = "workspace_lookup"
	KindWorkspaceCreation Kind = "workspace_creation"
	KindNameCollision     Kind = "name_collision"
	KindStoreCheck        Kind = "store_check"
	KindStoreCreation     Kind = "store_creation"
	KindPackaging         Kind = "packaging"
	KindUpload            Kind = "upload"
	KindFeatureType       Kind = "feature_type"
	KindDeletion          Kind = "deletion"
)

var (
	ErrInvalidRequest    = errors.New("invalid publication request")
	ErrCredential        = errors.New("no credential available")
	ErrWorkspaceLookup   = errors.New("workspace lookup failed")
	ErrWorkspaceCreation = errors.New("workspace creation failed")
	ErrNameCollision     = errors.New("layer name already taken")
	ErrStoreCheck        = errors.New("store existence check failed")
	ErrStoreCreation     = errors.New("store creation failed")
	ErrPackaging         = errors.New("vector packaging failed")
	ErrUpload            = errors.New("upload failed")
	ErrFeatureType       = errors.New("feature type declaration failed")
	ErrDeletion          = errors.New("deletion failed")
)

var sentinels = map[Kind]error{
	KindInvalidRequest:    ErrInvalidRequest,
	KindCredential:        ErrCredential,
	KindWorkspaceLookup:   ErrWorkspaceLookup,
	KindWorkspaceCreation: ErrWorkspaceCreation,
	KindNameCollision:     ErrNameCollision,
	KindStoreCheck:        ErrStoreCheck,
	KindStoreCreation:     ErrStoreCreation,
	KindPackaging:         ErrPackaging,
	KindUpload:            ErrUpload,
	KindFeatureType:       ErrFeatureType,
	KindDeletion:          ErrDeletion,
}

// Error is the typed failure of one workflow step. It matches its kind's
// sentinel with errors.Is and also unwraps to the underlying cause.
type Error struct {
	Kind      Kind
	Workspace string
	// Resource names the store or layer involved, if any.
	Resource string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("publish: ")
	if s, ok := sentinels[e.Kind]; ok {
		b.WriteString(s.Error())
	} else {
		b.WriteString(string(e.Kind))
	}
	if e.Resource != "" {
		fmt.Fprintf(&b, " %q", e.Resource)
	}
	if e.Workspace != "" {
		fmt.Fprintf(&b, " in workspace %q", e.Workspace)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if s, ok := sentinels[e.Kind]; ok {
		out = append(out, s)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// KindOf returns the kind of the first *Error in err's tree, or "".
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// Failed returns the resources named by every *Error in err's tree, which
// for DeleteLayers is the list of names that could not be removed.
func Failed(err error) []string {
	var out []string
	var walk func(error)
	walk = func(e error) {
		if e == nil {
			return
		}
		if pe, ok := e.(*Error); ok {
			if pe.Resource != "" {
				out = append(out, pe.Resource)
			}
			return
		}
		switch u := e.(type) {
		case interface{ Unwrap() []error }:
			for _, c := range u.Unwrap() {
				walk(c)
			}
		case interface{ Unwrap() error }:
			walk(u.Unwrap())
		}
	}
	walk(err)
	return out
}

func newErr(k Kind, ws, resource string, cause error) *Error {
	return &Error{Kind: k, Workspace: ws, Resource: resource, Err: cause}
}
