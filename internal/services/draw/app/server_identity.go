package server

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fairdraw/fairdraw/internal/platform/timeouts"
	"github.com/fairdraw/fairdraw/internal/services/draw/domain"
)

// Identity is a verified identity-provider subject.
type Identity struct {
	ID      string
	Profile domain.Profile
}

// IdentityProvider is the external identity collaborator. Verify resolves an
// opaque access token to a subject; Lookup resolves a subject's profile.
// Nothing identity-related is ever taken from a client payload.
type IdentityProvider interface {
	Verify(ctx context.Context, accessToken string) (Identity, error)
	Lookup(ctx context.Context, stakeholderID string) (domain.Profile, error)
}

// httpIdentityProvider verifies tokens against an introspection endpoint and
// resolves profiles from the provider's user endpoint.
type httpIdentityProvider struct {
	baseURL        string
	resourceSecret string
	httpClient     *http.Client
}

type introspectResponse struct {
	Active bool   `json:"active"`
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Avatar string `json:"avatar"`
}

type userLookupResponse struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Avatar string `json:"avatar"`
}

// NewHTTPIdentityProvider builds an introspection-backed identity provider.
// It returns nil when the endpoint or secret is unset so callers can treat
// identity verification as unconfigured.
func NewHTTPIdentityProvider(baseURL string, resourceSecret string) IdentityProvider {
	baseURL = strings.TrimSpace(baseURL)
	resourceSecret = strings.TrimSpace(resourceSecret)
	if baseURL == "" || resourceSecret == "" {
		return nil
	}
	return &httpIdentityProvider{
		baseURL:        strings.TrimRight(baseURL, "/"),
		resourceSecret: resourceSecret,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

func (p *httpIdentityProvider) Verify(ctx context.Context, accessToken string) (Identity, error) {
	if p == nil || p.httpClient == nil {
		return Identity{}, errors.New("identity provider is not configured")
	}
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return Identity{}, errors.New("access token is required")
	}

	callCtx, cancel := context.WithTimeout(ctx, timeouts.IdentityRequest)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, p.baseURL+"/introspect", nil)
	if err != nil {
		return Identity{}, fmt.Errorf("build introspection request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("X-Resource-Secret", p.resourceSecret)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("call identity introspection: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Identity{}, fmt.Errorf("identity introspection status %d", resp.StatusCode)
	}

	var payload introspectResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Identity{}, fmt.Errorf("decode introspection response: %w", err)
	}
	if !payload.Active {
		return Identity{}, errors.New("inactive access token")
	}
	userID := strings.TrimSpace(payload.UserID)
	if userID == "" {
		return Identity{}, errors.New("introspection returned empty user id")
	}

	return Identity{
		ID: userID,
		Profile: domain.Profile{
			Name:   strings.TrimSpace(payload.Name),
			Email:  strings.TrimSpace(payload.Email),
			Avatar: strings.TrimSpace(payload.Avatar),
		},
	}, nil
}

func (p *httpIdentityProvider) Lookup(ctx context.Context, stakeholderID string) (domain.Profile, error) {
	if p == nil || p.httpClient == nil {
		return domain.Profile{}, errors.New("identity provider is not configured")
	}
	stakeholderID = strings.TrimSpace(stakeholderID)
	if stakeholderID == "" {
		return domain.Profile{}, errors.New("stakeholder id is required")
	}

	callCtx, cancel := context.WithTimeout(ctx, timeouts.IdentityRequest)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, p.baseURL+"/users/"+stakeholderID, nil)
	if err != nil {
		return domain.Profile{}, fmt.Errorf("build user lookup request: %w", err)
	}
	req.Header.Set("X-Resource-Secret", p.resourceSecret)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return domain.Profile{}, fmt.Errorf("call user lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.Profile{}, fmt.Errorf("user lookup status %d", resp.StatusCode)
	}

	var payload userLookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return domain.Profile{}, fmt.Errorf("decode user lookup response: %w", err)
	}
	return domain.Profile{
		Name:   strings.TrimSpace(payload.Name),
		Email:  strings.TrimSpace(payload.Email),
		Avatar: strings.TrimSpace(payload.Avatar),
	}, nil
}

// JWTIdentityConfig defines how self-contained identity tokens are verified.
type JWTIdentityConfig struct {
	Issuer   string
	Audience string
	Key      ed25519.PublicKey
	Now      func() time.Time
}

// ParseJWTIdentityKey decodes a base64-encoded ed25519 public key.
func ParseJWTIdentityKey(encoded string) (ed25519.PublicKey, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, errors.New("identity public key is required")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		raw, err = base64.RawURLEncoding.DecodeString(encoded)
	}
	if err != nil {
		return nil, fmt.Errorf("decode identity public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("identity public key must be %d bytes", ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

type identityClaims struct {
	jwt.RegisteredClaims
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// jwtIdentityProvider verifies EdDSA-signed identity tokens locally. Profiles
// of previously verified subjects are cached so Lookup can resolve the draw
// roster without a remote directory.
type jwtIdentityProvider struct {
	config JWTIdentityConfig

	mu       sync.Mutex
	profiles map[string]domain.Profile
}

// NewJWTIdentityProvider builds a token-verifying identity provider. It
// returns nil when the key is unset so callers can treat identity
// verification as unconfigured.
func NewJWTIdentityProvider(config JWTIdentityConfig) IdentityProvider {
	if len(config.Key) != ed25519.PublicKeySize {
		return nil
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &jwtIdentityProvider{
		config:   config,
		profiles: make(map[string]domain.Profile),
	}
}

func (p *jwtIdentityProvider) Verify(ctx context.Context, accessToken string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return Identity{}, errors.New("access token is required")
	}

	var claims identityClaims
	_, err := jwt.ParseWithClaims(accessToken, &claims, func(token *jwt.Token) (any, error) {
		return p.config.Key, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithTimeFunc(p.config.Now),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("verify identity token: %w", err)
	}

	if p.config.Issuer != "" && claims.Issuer != p.config.Issuer {
		return Identity{}, errors.New("identity token issuer mismatch")
	}
	if p.config.Audience != "" && !containsAudience(claims.Audience, p.config.Audience) {
		return Identity{}, errors.New("identity token audience mismatch")
	}

	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return Identity{}, errors.New("identity token has no subject")
	}

	identity := Identity{
		ID: subject,
		Profile: domain.Profile{
			Name:   strings.TrimSpace(claims.Name),
			Email:  strings.TrimSpace(claims.Email),
			Avatar: strings.TrimSpace(claims.Avatar),
		},
	}

	p.mu.Lock()
	p.profiles[subject] = identity.Profile
	p.mu.Unlock()

	return identity, nil
}

func (p *jwtIdentityProvider) Lookup(ctx context.Context, stakeholderID string) (domain.Profile, error) {
	if err := ctx.Err(); err != nil {
		return domain.Profile{}, err
	}

	p.mu.Lock()
	profile, ok := p.profiles[strings.TrimSpace(stakeholderID)]
	p.mu.Unlock()
	if !ok {
		return domain.Profile{}, fmt.Errorf("no verified profile for stakeholder %q", stakeholderID)
	}
	return profile, nil
}

func containsAudience(audience jwt.ClaimStrings, expected string) bool {
	for _, value := range audience {
		if value == expected {
			return true
		}
	}
	return false
}
