package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func mintToken(t *testing.T, claims TokenClaims, secret string) string {
	t.Helper()
	token, err := SignHS256Token(claims, secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestHS256ValidatorRoundTrip(t *testing.T) {
	t.Parallel()
	v := &HS256Validator{Secret: "test-secret"}
	token := mintToken(t, TokenClaims{
		Sub: "agent-1",
		Sid: "sess-1",
		Exp: time.Now().Add(time.Hour).Unix(),
	}, "test-secret")

	verdict, err := v.ValidateToken(context.Background(), token, "")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !verdict.Valid {
		t.Fatalf("expected valid, reason %q", verdict.Reason)
	}
	if verdict.AgentID != "agent-1" || verdict.SessionID != "sess-1" {
		t.Fatalf("identity = %q/%q", verdict.AgentID, verdict.SessionID)
	}
}

func TestHS256ValidatorRejections(t *testing.T) {
	t.Parallel()
	exp := time.Now().Add(time.Hour).Unix()
	cases := []struct {
		name   string
		claims TokenClaims
		secret string
	}{
		{"expired", TokenClaims{Sub: "a", Sid: "s", Exp: time.Now().Add(-time.Minute).Unix()}, "test-secret"},
		{"wrong secret", TokenClaims{Sub: "a", Sid: "s", Exp: exp}, "other-secret"},
		{"missing subject", TokenClaims{Sid: "s", Exp: exp}, "test-secret"},
		{"not yet active", TokenClaims{Sub: "a", Sid: "s", Exp: exp, Nbf: time.Now().Add(time.Hour).Unix()}, "test-secret"},
	}
	v := &HS256Validator{Secret: "test-secret"}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			token := mintToken(t, tc.claims, tc.secret)
			verdict, err := v.ValidateToken(context.Background(), token, "")
			if err != nil {
				t.Fatalf("validate: %v", err)
			}
			if verdict.Valid {
				t.Fatalf("expected rejection")
			}
			if verdict.Reason == "" {
				t.Fatalf("expected reason")
			}
		})
	}
}

func TestHS256ValidatorIssuerAudience(t *testing.T) {
	t.Parallel()
	v := &HS256Validator{Secret: "test-secret", Issuer: "worldsync", Audience: "gateway"}
	good := mintToken(t, TokenClaims{
		Sub: "a", Sid: "s", Iss: "worldsync", Aud: "gateway",
		Exp: time.Now().Add(time.Hour).Unix(),
	}, "test-secret")
	verdict, err := v.ValidateToken(context.Background(), good, "")
	if err != nil || !verdict.Valid {
		t.Fatalf("expected valid, err %v reason %q", err, verdict.Reason)
	}

	bad := mintToken(t, TokenClaims{
		Sub: "a", Sid: "s", Iss: "someone-else", Aud: "gateway",
		Exp: time.Now().Add(time.Hour).Unix(),
	}, "test-secret")
	verdict, err = v.ValidateToken(context.Background(), bad, "")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if verdict.Valid {
		t.Fatalf("expected issuer rejection")
	}
}

func TestVerifyHS256TokenMalformed(t *testing.T) {
	t.Parallel()
	for _, token := range []string{"", "abc", "a.b", "a.b.c.d", "!!.!!.!!"} {
		if _, err := VerifyHS256Token(token, "secret", time.Now(), "", ""); err == nil {
			t.Fatalf("expected error for %q", token)
		}
	}
}

func TestMultiValidatorRouting(t *testing.T) {
	t.Parallel()
	def := &HS256Validator{Secret: "default-secret"}
	alt := &HS256Validator{Secret: "alt-secret"}
	m := &MultiValidator{Default: def, ByProvider: map[string]Validator{"partner": alt}}

	token := mintToken(t, TokenClaims{Sub: "a", Sid: "s", Exp: time.Now().Add(time.Hour).Unix()}, "alt-secret")
	verdict, err := m.ValidateToken(context.Background(), token, "Partner")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !verdict.Valid {
		t.Fatalf("expected valid via partner, reason %q", verdict.Reason)
	}

	if _, err := m.ValidateToken(context.Background(), token, "nobody"); err != ErrUnknownProvider {
		t.Fatalf("err = %v, want ErrUnknownProvider", err)
	}
}

func TestRemoteValidator(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"valid":true,"agent_id":"remote-agent","session_id":"remote-sess"}`))
	}))
	defer srv.Close()

	v := NewRemoteValidator(srv.URL)
	verdict, err := v.ValidateToken(context.Background(), "opaque-token", "oidc")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !verdict.Valid || verdict.AgentID != "remote-agent" {
		t.Fatalf("verdict = %+v", verdict)
	}
}

func TestRemoteValidatorUnauthorized(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	v := NewRemoteValidator(srv.URL)
	verdict, err := v.ValidateToken(context.Background(), "bad", "")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if verdict.Valid {
		t.Fatalf("expected invalid verdict")
	}
}

func TestMiddlewareOffModeAnonymous(t *testing.T) {
	t.Parallel()
	var got Identity
	handler := Middleware("off", nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = IdentityFromContext(r.Context())
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got.AgentID != "anonymous" {
		t.Fatalf("agent = %q", got.AgentID)
	}
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	t.Parallel()
	handler := Middleware("token", &HS256Validator{Secret: "s"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler should not run")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stats", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestMiddlewareAcceptsBearer(t *testing.T) {
	t.Parallel()
	token := mintToken(t, TokenClaims{Sub: "agent-9", Sid: "sess-9", Exp: time.Now().Add(time.Hour).Unix()}, "mw-secret")
	var got Identity
	handler := Middleware("token", &HS256Validator{Secret: "mw-secret"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = IdentityFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got.AgentID != "agent-9" || got.SessionID != "sess-9" {
		t.Fatalf("identity = %+v", got)
	}
}
