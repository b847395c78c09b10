package core

import "errors"

var (
	ErrTokenExpired     = errors.New("token has expired")
	ErrTokenMalformed   = errors.New("malformed token")
	ErrSignatureInvalid = errors.New("invalid token signature")
	ErrSecretTooShort   = errors.New("signing secret must be at least 256 bits")
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNotFound         = errors.New("record not found")

	ErrRateLimited        = errors.New("verification code requested too frequently")
	ErrDailyLimitExceeded = errors.New("daily verification code limit reached")
	ErrVerificationFailed = errors.New("verification failed")
	ErrWalletProofFailed  = errors.New("wallet signature verification failed")
	ErrWalletAlreadyBound = errors.New("wallet address is already bound")
	ErrWalletNotBound     = errors.New("no bound wallet")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserExists         = errors.New("user already exists")
	ErrAccountDisabled    = errors.New("account is disabled")
	ErrUnauthenticated    = errors.New("unauthenticated")
)
