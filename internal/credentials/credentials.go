// Package credentials supplies bearer tokens for the geospatial server.
package credentials

import (
	"context"
	"errors"
	"strings"
)

// ErrNoToken is returned when no credential can be obtained. It is final:
// providers never retry.
var ErrNoToken = errors.New("credentials: no token available")

type Token string

type Provider interface {
	Token(ctx context.Context) (Token, error)
}

// Static always returns the same token.
type Static Token

func (s Static) Token(_ context.Context) (Token, error) {
	if strings.TrimSpace(string(s)) == "" {
		return "", ErrNoToken
	}
	return Token(s), nil
}

// Func adapts a function into a Provider.
type Func func(ctx context.Context) (Token, error)

func (f Func) Token(ctx context.Context) (Token, error) {
	tok, err := f(ctx)
	if err != nil {
		return "", errors.Join(ErrNoToken, err)
	}
	if tok == "" {
		return "", ErrNoToken
	}
	return tok, nil
}

type ctxKey struct{}

// WithBearer stores the caller's bearer token in ctx for Passthrough.
func WithBearer(ctx context.Context, tok Token) context.Context {
	if tok == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, tok)
}

// Passthrough forwards the bearer token the caller authenticated with.
type Passthrough struct{}

func (Passthrough) Token(ctx context.Context) (Token, error) {
	if v, ok := ctx.Value(ctxKey{}).(Token); ok && v != "" {
		return v, nil
	}
	return "", ErrNoToken
}

// Chain returns the first token any provider yields.
type Chain []Provider

func (c Chain) Token(ctx context.Context) (Token, error) {
	for _, p := range c {
		if tok, err := p.Token(ctx); err == nil && tok != "" {
			return tok, nil
		}
	}
	return "", ErrNoToken
}

// BearerFromHeader extracts the token from an Authorization header value.
func BearerFromHeader(v string) Token {
	const prefix = "bearer "
	v = strings.TrimSpace(v)
	if len(v) <= len(prefix) || !strings.EqualFold(v[:len(prefix)], prefix) {
		return ""
	}
	return Token(strings.TrimSpace(v[len(prefix):]))
}
