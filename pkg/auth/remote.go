package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"worldsync/pkg/httpx"
	"worldsync/pkg/telemetry"
)

// RemoteValidator delegates token validation to an external auth service.
// The service receives the token and provider and answers with a Verdict.
type RemoteValidator struct {
	URL     string
	Client  *http.Client
	Retries int
}

func NewRemoteValidator(url string) *RemoteValidator {
	return &RemoteValidator{
		URL:     strings.TrimSpace(url),
		Client:  telemetry.InstrumentClient(&http.Client{Timeout: 5 * time.Second}),
		Retries: 2,
	}
}

func (v *RemoteValidator) ValidateToken(ctx context.Context, token, provider string) (Verdict, error) {
	if v.URL == "" {
		return Verdict{}, fmt.Errorf("remote validator url is required")
	}
	payload, err := json.Marshal(map[string]string{"token": token, "provider": provider})
	if err != nil {
		return Verdict{}, fmt.Errorf("remote validation: encode request: %w", err)
	}
	status, body, err := httpx.RequestJSON(ctx, v.Client, http.MethodPost, v.URL, payload, nil, v.Retries, 200*time.Millisecond)
	if err != nil {
		return Verdict{}, fmt.Errorf("remote validation: %w", err)
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return Verdict{Valid: false, Reason: "rejected by auth service"}, nil
	}
	if status != http.StatusOK {
		return Verdict{}, fmt.Errorf("remote validation: unexpected status %d", status)
	}
	var verdict Verdict
	if err := json.Unmarshal(body, &verdict); err != nil {
		return Verdict{}, fmt.Errorf("remote validation: decode response: %w", err)
	}
	return verdict, nil
}
