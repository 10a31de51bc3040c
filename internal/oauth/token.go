// Package oauth exchanges an authorization code from the embedded activity
// SDK for an access token at the identity provider.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

var ErrNotConfigured = errors.New("NOT_CONFIGURED: oauth client id/secret missing")

type Exchanger struct {
	config *oauth2.Config
	client *http.Client
}

// NewExchanger returns an Exchanger for the authorization_code grant. The
// client credentials are sent in the form body, as the provider expects.
func NewExchanger(clientID, clientSecret, tokenURL string) *Exchanger {
	return &Exchanger{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Exchange trades code for an access token.
func (e *Exchanger) Exchange(ctx context.Context, code string) (string, error) {
	if e == nil || e.config.ClientID == "" || e.config.ClientSecret == "" {
		return "", ErrNotConfigured
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, e.client)

	token, err := e.config.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("failed to get token: %w", err)
	}
	return token.AccessToken, nil
}

type tokenRequest struct {
	Code string `json:"code"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
}

// Handler serves POST {code} -> {access_token}.
func Handler(e *Exchanger, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req tokenRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil || strings.TrimSpace(req.Code) == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			return
		}

		accessToken, err := e.Exchange(r.Context(), req.Code)
		if errors.Is(err, ErrNotConfigured) {
			http.Error(w, "token exchange not configured", http.StatusServiceUnavailable)
			return
		}
		if err != nil {
			logger.Error("token exchange failed", zap.Error(err))
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(tokenResponse{AccessToken: accessToken}); err != nil {
			logger.Warn("failed to write token response", zap.Error(err))
		}
	}
}
