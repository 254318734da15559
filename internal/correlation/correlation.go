// Package correlation carries a request correlation identifier through
// contexts and across HTTP hops.
package correlation

import (
	"context"
	"strings"

	"github.com/rs/xid"
)

// Header is the HTTP header used to propagate correlation identifiers.
const Header = "X-Correlation-Id"

// MaxIDLength bounds accepted identifiers.
const MaxIDLength = 128

type contextKey struct{}

// New returns a fresh identifier.
func New() string {
	return xid.New().String()
}

// With returns ctx carrying id. Invalid identifiers are replaced.
func With(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		normalized = New()
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// Ensure returns ctx unchanged if it already carries an identifier and
// attaches a new one otherwise.
func Ensure(ctx context.Context) context.Context {
	if ID(ctx) != "" {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, New())
}

// ID returns the identifier carried by ctx, if any.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Normalize accepts printable ASCII identifiers up to MaxIDLength.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}
