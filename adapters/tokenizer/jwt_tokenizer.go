package tokenizer

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/golang-jwt/jwt/v5"
	"github.com/layer-3/capsule/core"
	"github.com/layer-3/capsule/ports"
	"golang.org/x/crypto/hkdf"
)

// MinSecretBytes is the shortest accepted signing secret (256 bits)
const MinSecretBytes = 32

const (
	infoAccess  = "capsule access token"
	infoRefresh = "capsule refresh token"
)

var signingMethod = jwt.SigningMethodHS512

// JWTTokenizer implements the Tokenizer interface using HMAC-signed JWTs
type JWTTokenizer struct {
	accessKey  []byte
	refreshKey []byte
	parser     *jwt.Parser
}

// NewJWTTokenizer creates a new JWT tokenizer. Access and refresh tokens are
// signed with separate keys derived from secret, so neither kind verifies as the other.
func NewJWTTokenizer(secret []byte, clock ports.Clock) (ports.Tokenizer, error) {
	if len(secret) < MinSecretBytes {
		return nil, fmt.Errorf("%w: got %d bytes", core.ErrSecretTooShort, len(secret))
	}

	accessKey, err := deriveKey(secret, infoAccess)
	if err != nil {
		return nil, err
	}
	refreshKey, err := deriveKey(secret, infoRefresh)
	if err != nil {
		return nil, err
	}

	return &JWTTokenizer{
		accessKey:  accessKey,
		refreshKey: refreshKey,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{signingMethod.Alg()}),
			jwt.WithStrictDecoding(),
			jwt.WithExpirationRequired(),
			jwt.WithTimeFunc(clock.Now),
		),
	}, nil
}

func deriveKey(secret []byte, info string) ([]byte, error) {
	key := make([]byte, 64)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("failed to derive signing key: %w", err)
	}
	return key, nil
}

func (j *JWTTokenizer) keyFor(kind core.TokenKind) ([]byte, error) {
	switch kind {
	case core.TokenKindAccess:
		return j.accessKey, nil
	case core.TokenKindRefresh:
		return j.refreshKey, nil
	default:
		return nil, fmt.Errorf("%w: unknown token kind %q", core.ErrInvalidArgument, kind)
	}
}

// Encode signs claims as a compact token of the given kind
func (j *JWTTokenizer) Encode(kind core.TokenKind, claims core.TokenClaims) (string, error) {
	key, err := j.keyFor(kind)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: subject is required", core.ErrInvalidArgument)
	}
	if kind == core.TokenKindRefresh && len(claims.Extra) > 0 {
		return "", fmt.Errorf("%w: refresh tokens carry no auxiliary claims", core.ErrInvalidArgument)
	}

	token := jwt.NewWithClaims(signingMethod, toMapClaims(claims))

	signedToken, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign %s token: %w", kind, err)
	}

	return signedToken, nil
}

// Decode verifies a token of the given kind and returns its claims
func (j *JWTTokenizer) Decode(kind core.TokenKind, tokenStr string) (*core.TokenClaims, error) {
	key, err := j.keyFor(kind)
	if err != nil {
		return nil, err
	}

	claims := jwt.MapClaims{}
	token, err := j.parser.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return key, nil
	})
	if err != nil {
		return nil, classify(err)
	}

	if !token.Valid {
		return nil, core.ErrTokenMalformed
	}

	return fromMapClaims(claims)
}

// classify maps parser failures onto the token error taxonomy.
// The parser verifies the signature before it looks at any claim.
func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return core.ErrSignatureInvalid
	case errors.Is(err, jwt.ErrTokenExpired):
		return core.ErrTokenExpired
	default:
		return core.ErrTokenMalformed
	}
}
