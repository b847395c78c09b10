package core

import "time"

// TokenKind separates access tokens from refresh tokens
type TokenKind string

const (
	TokenKindAccess  TokenKind = "access"
	TokenKindRefresh TokenKind = "refresh"
)

// Registered claim names owned by the token engine. Callers may not set them.
const (
	ClaimSubject   = "sub"
	ClaimIssuedAt  = "iat"
	ClaimExpiresAt = "exp"
	ClaimNotBefore = "nbf"
)

// IsReservedClaim reports whether key is managed by the token engine
func IsReservedClaim(key string) bool {
	switch key {
	case ClaimSubject, ClaimIssuedAt, ClaimExpiresAt, ClaimNotBefore:
		return true
	}
	return false
}

// TokenClaims is the decoded payload of a session or refresh token
type TokenClaims struct {
	Subject   string         // User identifier
	IssuedAt  time.Time      // When the token was minted
	ExpiresAt time.Time      // When the token stops being accepted
	Extra     map[string]any // Auxiliary claims, never contains reserved keys
}

// Identity is what a validated access token proves about its bearer.
//
// Claims hold the auxiliary values as decoded from the token's JSON payload:
// numbers come back as float64, arrays as []any and objects as map[string]any,
// whatever Go type they were issued with.
type Identity struct {
	Subject   string
	Claims    map[string]any
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Claim returns an auxiliary claim by key
func (i *Identity) Claim(key string) (any, bool) {
	if i == nil || i.Claims == nil {
		return nil, false
	}
	v, ok := i.Claims[key]
	return v, ok
}

// TokenPair is the result of a login, registration or refresh
type TokenPair struct {
	AccessToken     string
	RefreshToken    string
	ExpiresIn       int64 // Access token lifetime in seconds
	AccessExpiresAt time.Time
}

// UserStatus is the account state of a user
type UserStatus int

const (
	UserStatusDisabled UserStatus = 0
	UserStatusActive   UserStatus = 1
)

// User is the account record behind a principal
type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	Status       UserStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Principal is the resolved identity of an authenticated caller
type Principal struct {
	UserID   string
	Username string
	Email    string
	Identity *Identity
}
