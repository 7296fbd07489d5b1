package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"parlor/internal/realtime"
)

// CredentialSource hands out a fresh capability credential. It is asked again
// on every reconnect.
type CredentialSource interface {
	Credential(ctx context.Context) (realtime.Credential, error)
}

type CredentialFunc func(ctx context.Context) (realtime.Credential, error)

func (f CredentialFunc) Credential(ctx context.Context) (realtime.Credential, error) {
	return f(ctx)
}

// HTTPCredentials fetches credentials from the API's issuance endpoint using
// a session token.
type HTTPCredentials struct {
	Endpoint     string
	SessionToken string
	Client       *http.Client
}

func (h HTTPCredentials) Credential(ctx context.Context) (realtime.Credential, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.Endpoint, nil)
	if err != nil {
		return realtime.Credential{}, err
	}
	req.Header.Set("Accept", "application/json")
	if h.SessionToken != "" {
		req.Header.Set("Authorization", "Bearer "+h.SessionToken)
	}
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return realtime.Credential{}, fmt.Errorf("request credential: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return realtime.Credential{}, fmt.Errorf("request credential: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var cred realtime.Credential
	if err := json.NewDecoder(resp.Body).Decode(&cred); err != nil {
		return realtime.Credential{}, fmt.Errorf("decode credential: %w", err)
	}
	if cred.HubURL == "" {
		return realtime.Credential{}, fmt.Errorf("decode credential: missing hub_url")
	}
	return cred, nil
}
