package ports

import "github.com/layer-3/capsule/core"

// Tokenizer converts between token claims and signed compact tokens
type Tokenizer interface {
	// Encode signs claims as a token of the given kind
	Encode(kind core.TokenKind, claims core.TokenClaims) (string, error)

	// Decode verifies the signature first, then expiry, and returns the claims.
	// Errors are core.ErrSignatureInvalid, core.ErrTokenExpired or core.ErrTokenMalformed.
	Decode(kind core.TokenKind, token string) (*core.TokenClaims, error)
}

// SignatureVerifier proves ownership of a wallet address
type SignatureVerifier interface {
	Verify(claimedAddress, message, signatureHex string) bool
}
