package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

const (
	defaultAuthorizationURL = "https://accounts.google.com/o/oauth2/v2/auth"
	defaultTokenURL         = "https://oauth2.googleapis.com/token"
	oauthScope              = "openid email profile"
)

// OAuth flow markers carried in the provider state parameter.
const (
	FlowRegister = "register"
	FlowLogin    = "login"
)

// ErrExternalAuthFailed covers every provider-side failure: a missing or
// rejected authorization code, a non-success token response, or an identity
// claim that does not verify. Callers abort the flow without mutating any
// user record.
var ErrExternalAuthFailed = errors.New("auth: external authentication failed")

var errMissingAuthorizationCode = errors.New("missing authorization code")

// IdentityVerifier verifies a provider-signed ID token.
type IdentityVerifier interface {
	Verify(ctx context.Context, rawToken string) (ExternalIdentity, error)
}

// GoogleExchangerConfig configures the authorization-code exchange with Google.
type GoogleExchangerConfig struct {
	ClientID         string
	ClientSecret     string
	RedirectURI      string
	AuthorizationURL string
	TokenURL         string
	Verifier         IdentityVerifier
	HTTPClient       *http.Client
	Logger           *zap.Logger
}

// GoogleExchanger turns an authorization code into a verified external
// identity. Each exchange is a single blocking round trip with no retry.
type GoogleExchanger struct {
	clientID         string
	clientSecret     string
	redirectURI      string
	authorizationURL string
	tokenURL         string
	verifier         IdentityVerifier
	httpClient       *http.Client
	logger           *zap.Logger
}

// NewGoogleExchanger constructs an exchanger with validated configuration.
func NewGoogleExchanger(cfg GoogleExchangerConfig) (*GoogleExchanger, error) {
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVerifierConfig, errMissingClientID)
	}
	if cfg.Verifier == nil {
		return nil, errors.New("auth: identity verifier required")
	}

	authorizationURL := strings.TrimSpace(cfg.AuthorizationURL)
	if authorizationURL == "" {
		authorizationURL = defaultAuthorizationURL
	}
	tokenURL := strings.TrimSpace(cfg.TokenURL)
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &GoogleExchanger{
		clientID:         strings.TrimSpace(cfg.ClientID),
		clientSecret:     cfg.ClientSecret,
		redirectURI:      strings.TrimSpace(cfg.RedirectURI),
		authorizationURL: authorizationURL,
		tokenURL:         tokenURL,
		verifier:         cfg.Verifier,
		httpClient:       httpClient,
		logger:           logger,
	}, nil
}

// AuthorizationURL builds the provider consent-screen redirect for the given
// flow marker (FlowRegister or FlowLogin).
func (e *GoogleExchanger) AuthorizationURL(flow string) string {
	query := url.Values{}
	query.Set("client_id", e.clientID)
	query.Set("redirect_uri", e.redirectURI)
	query.Set("response_type", "code")
	query.Set("scope", oauthScope)
	query.Set("prompt", "consent")
	query.Set("state", flow)
	return e.authorizationURL + "?" + query.Encode()
}

type tokenEndpointResponse struct {
	IDToken string `json:"id_token"`
}

// Exchange swaps the authorization code for provider tokens and verifies the
// identity claim they carry.
func (e *GoogleExchanger) Exchange(ctx context.Context, code string) (ExternalIdentity, error) {
	if strings.TrimSpace(code) == "" {
		return ExternalIdentity{}, fmt.Errorf("%w: %v", ErrExternalAuthFailed, errMissingAuthorizationCode)
	}

	form := url.Values{}
	form.Set("code", code)
	form.Set("client_id", e.clientID)
	form.Set("client_secret", e.clientSecret)
	form.Set("redirect_uri", e.redirectURI)
	form.Set("grant_type", "authorization_code")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return ExternalIdentity{}, fmt.Errorf("%w: %v", ErrExternalAuthFailed, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	response, err := e.httpClient.Do(req)
	if err != nil {
		return ExternalIdentity{}, fmt.Errorf("%w: %v", ErrExternalAuthFailed, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		e.logger.Warn("token exchange returned non-success status", zap.Int("status", response.StatusCode))
		return ExternalIdentity{}, fmt.Errorf("%w: token exchange returned status %d", ErrExternalAuthFailed, response.StatusCode)
	}

	var tokens tokenEndpointResponse
	if err := json.NewDecoder(response.Body).Decode(&tokens); err != nil {
		return ExternalIdentity{}, fmt.Errorf("%w: %v", ErrExternalAuthFailed, err)
	}
	if strings.TrimSpace(tokens.IDToken) == "" {
		return ExternalIdentity{}, fmt.Errorf("%w: token response missing id_token", ErrExternalAuthFailed)
	}

	identity, err := e.verifier.Verify(ctx, tokens.IDToken)
	if err != nil {
		e.logger.Warn("id token verification failed", zap.Error(err))
		return ExternalIdentity{}, fmt.Errorf("%w: %v", ErrExternalAuthFailed, err)
	}
	return identity, nil
}
