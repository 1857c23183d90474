// Package gateway wires the stamp-gate middleware and the chat-completion
// handler together with the admin routes and server-level CORS/version
// concerns.
package gateway

import (
	"context"

	"github.com/tollkeeper/cashu-gate/internal/pricing"
	"github.com/tollkeeper/cashu-gate/internal/stamp"
	"github.com/tollkeeper/cashu-gate/internal/token"
)

type contextKey string

const scopeContextKey contextKey = "gateway.scope"

// scope is everything the stamp-gate middleware resolves and the handler
// downstream of it needs, threaded via context.Context rather than a global
// or request-local map, so the parsed body is read at most once.
type scope struct {
	Body map[string]any
	Model string

	Stamp          *stamp.Stamp
	Rule           pricing.Rule
	EstimatedPrice uint64

	Keep   token.Proofs
	Change token.Proofs
	KVKey  string
}

func withScope(ctx context.Context, s *scope) context.Context {
	return context.WithValue(ctx, scopeContextKey, s)
}

func scopeFrom(ctx context.Context) (*scope, bool) {
	s, ok := ctx.Value(scopeContextKey).(*scope)
	return s, ok
}
