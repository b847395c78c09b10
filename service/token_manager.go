package service

import (
	"context"
	"fmt"
	"time"

	"github.com/layer-3/capsule/core"
	"github.com/layer-3/capsule/ports"
)

// ClaimsSource re-derives server-side claims for a subject during refresh
type ClaimsSource func(ctx context.Context, subject string) (map[string]any, error)

// TokenManagerOption configures a TokenManager
type TokenManagerOption func(*TokenManager)

// WithClaimsSource sets the lookup used to rebuild access token claims on refresh
func WithClaimsSource(src ClaimsSource) TokenManagerOption {
	return func(m *TokenManager) {
		m.claimsSource = src
	}
}

// TokenManager issues, validates and refreshes token pairs.
// It holds no mutable state and is safe for concurrent use.
type TokenManager struct {
	tokenizer    ports.Tokenizer
	clock        ports.Clock
	accessTTL    time.Duration
	refreshTTL   time.Duration
	claimsSource ClaimsSource
}

// NewTokenManager creates a new token manager
func NewTokenManager(
	tokenizer ports.Tokenizer,
	clock ports.Clock,
	accessTTL, refreshTTL time.Duration,
	opts ...TokenManagerOption,
) (*TokenManager, error) {
	if tokenizer == nil || clock == nil {
		return nil, fmt.Errorf("%w: tokenizer and clock are required", core.ErrInvalidConfig)
	}
	if accessTTL <= 0 || refreshTTL <= 0 {
		return nil, fmt.Errorf("%w: token TTLs must be positive", core.ErrInvalidConfig)
	}
	if refreshTTL <= accessTTL {
		return nil, fmt.Errorf("%w: refresh TTL %s must exceed access TTL %s", core.ErrInvalidConfig, refreshTTL, accessTTL)
	}

	m := &TokenManager{
		tokenizer:  tokenizer,
		clock:      clock,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// AccessTTL returns the lifetime of issued access tokens
func (m *TokenManager) AccessTTL() time.Duration {
	return m.accessTTL
}

// Issue mints an access and refresh token pair for subject
func (m *TokenManager) Issue(subject string, claims map[string]any) (*core.TokenPair, error) {
	if subject == "" {
		return nil, fmt.Errorf("%w: subject is required", core.ErrInvalidArgument)
	}
	for k := range claims {
		if core.IsReservedClaim(k) {
			return nil, fmt.Errorf("%w: claim %q is reserved", core.ErrInvalidArgument, k)
		}
	}
	return m.issue(subject, claims)
}

func (m *TokenManager) issue(subject string, claims map[string]any) (*core.TokenPair, error) {
	now := m.clock.Now()
	accessExpiry := now.Add(m.accessTTL)

	extra := make(map[string]any, len(claims))
	for k, v := range claims {
		extra[k] = v
	}

	accessToken, err := m.tokenizer.Encode(core.TokenKindAccess, core.TokenClaims{
		Subject:   subject,
		IssuedAt:  now,
		ExpiresAt: accessExpiry,
		Extra:     extra,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create access token: %w", err)
	}

	refreshToken, err := m.tokenizer.Encode(core.TokenKindRefresh, core.TokenClaims{
		Subject:   subject,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.refreshTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh token: %w", err)
	}

	return &core.TokenPair{
		AccessToken:     accessToken,
		RefreshToken:    refreshToken,
		ExpiresIn:       int64(m.accessTTL / time.Second),
		AccessExpiresAt: accessExpiry,
	}, nil
}

// Validate verifies an access token and returns the identity it carries
func (m *TokenManager) Validate(token string) (*core.Identity, error) {
	claims, err := m.tokenizer.Decode(core.TokenKindAccess, token)
	if err != nil {
		return nil, err
	}

	return &core.Identity{
		Subject:   claims.Subject,
		Claims:    claims.Extra,
		IssuedAt:  claims.IssuedAt,
		ExpiresAt: claims.ExpiresAt,
	}, nil
}

// Refresh mints a new token pair from a verified refresh token. Only the
// refresh token's subject is carried over; access claims come from the
// configured claims source, never from the presented token.
func (m *TokenManager) Refresh(ctx context.Context, refreshToken string) (*core.TokenPair, error) {
	claims, err := m.tokenizer.Decode(core.TokenKindRefresh, refreshToken)
	if err != nil {
		return nil, err
	}

	var extra map[string]any
	if m.claimsSource != nil {
		src, err := m.claimsSource(ctx, claims.Subject)
		if err != nil {
			return nil, fmt.Errorf("failed to load claims for subject: %w", err)
		}
		extra = make(map[string]any, len(src))
		for k, v := range src {
			if core.IsReservedClaim(k) {
				continue
			}
			extra[k] = v
		}
	}

	return m.issue(claims.Subject, extra)
}

// ExtractSubject validates token and returns its subject
func (m *TokenManager) ExtractSubject(token string) (string, error) {
	identity, err := m.Validate(token)
	if err != nil {
		return "", err
	}
	return identity.Subject, nil
}

// ExtractClaim validates token and returns the auxiliary claim stored under key
func (m *TokenManager) ExtractClaim(token, key string) (any, bool, error) {
	identity, err := m.Validate(token)
	if err != nil {
		return nil, false, err
	}
	v, ok := identity.Claim(key)
	return v, ok, nil
}
