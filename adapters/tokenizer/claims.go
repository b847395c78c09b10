package tokenizer

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/layer-3/capsule/core"
)

// toMapClaims flattens token claims into the wire payload
func toMapClaims(claims core.TokenClaims) jwt.MapClaims {
	m := make(jwt.MapClaims, len(claims.Extra)+3)
	for k, v := range claims.Extra {
		if core.IsReservedClaim(k) {
			continue
		}
		m[k] = v
	}
	m[core.ClaimSubject] = claims.Subject
	m[core.ClaimIssuedAt] = jwt.NewNumericDate(claims.IssuedAt)
	m[core.ClaimExpiresAt] = jwt.NewNumericDate(claims.ExpiresAt)
	return m
}

// fromMapClaims extracts token claims from a verified payload
func fromMapClaims(m jwt.MapClaims) (*core.TokenClaims, error) {
	sub, err := m.GetSubject()
	if err != nil || sub == "" {
		return nil, core.ErrTokenMalformed
	}

	exp, err := m.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, core.ErrTokenMalformed
	}

	var issuedAt time.Time
	iat, err := m.GetIssuedAt()
	if err != nil {
		return nil, core.ErrTokenMalformed
	}
	if iat != nil {
		issuedAt = iat.Time
	}

	extra := make(map[string]any)
	for k, v := range m {
		if core.IsReservedClaim(k) {
			continue
		}
		extra[k] = v
	}

	return &core.TokenClaims{
		Subject:   sub,
		IssuedAt:  issuedAt,
		ExpiresAt: exp.Time,
		Extra:     extra,
	}, nil
}
