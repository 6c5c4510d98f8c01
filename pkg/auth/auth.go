package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"worldsync/pkg/httpx"
)

// Verdict is the outcome of validating a connection token. A token can be
// structurally fine yet still rejected, so Valid and error are distinct:
// error means the validator itself could not run.
type Verdict struct {
	Valid     bool   `json:"valid"`
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

// Validator checks a session token issued by a given auth provider.
type Validator interface {
	ValidateToken(ctx context.Context, token, provider string) (Verdict, error)
}

var ErrUnknownProvider = errors.New("unknown auth provider")

// MultiValidator routes validation by provider name. An empty provider uses
// the default validator.
type MultiValidator struct {
	Default    Validator
	ByProvider map[string]Validator
}

func (m *MultiValidator) ValidateToken(ctx context.Context, token, provider string) (Verdict, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" || provider == "default" {
		if m.Default == nil {
			return Verdict{}, ErrUnknownProvider
		}
		return m.Default.ValidateToken(ctx, token, provider)
	}
	v, ok := m.ByProvider[provider]
	if !ok {
		return Verdict{}, ErrUnknownProvider
	}
	return v.ValidateToken(ctx, token, provider)
}

type contextKey string

const identityContextKey contextKey = "worldsync.identity"

type Identity struct {
	AgentID   string
	SessionID string
}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	v := ctx.Value(identityContextKey)
	if v == nil {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok
}

// Middleware guards plain HTTP endpoints (stats, metrics) with the same
// bearer tokens the websocket handshake accepts. Mode "off" lets every
// request through as anonymous, for local development.
func Middleware(mode string, validator Validator) func(http.Handler) http.Handler {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" || mode == "off" {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), Identity{AgentID: "anonymous"})))
			})
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
				httpx.Error(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			token := strings.TrimSpace(header[len("Bearer "):])
			verdict, err := validator.ValidateToken(r.Context(), token, r.URL.Query().Get("provider"))
			if err != nil || !verdict.Valid {
				httpx.Error(w, http.StatusUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), Identity{
				AgentID:   verdict.AgentID,
				SessionID: verdict.SessionID,
			})))
		})
	}
}
