package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/layer-3/capsule/adapters/clock"
	"github.com/layer-3/capsule/adapters/store"
	"github.com/layer-3/capsule/adapters/tokenizer"
	"github.com/layer-3/capsule/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type authFixture struct {
	svc    *AuthService
	tokens *TokenManager
	codes  *VerificationService
	sent   *codeRecorder
	store  *store.MemoryStore
	clock  *clock.Manual
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	clk := clock.NewManual(verifyStart)
	st := store.NewMemoryStore()

	tk, err := tokenizer.NewJWTTokenizer(testSecret, clk)
	require.NoError(t, err)
	tokens, err := NewTokenManager(tk, clk, 2*time.Hour, 7*24*time.Hour, WithClaimsSource(UserClaimsSource(st)))
	require.NoError(t, err)

	sent := newCodeRecorder()
	codes, err := NewVerificationService(st, sent, clk, DefaultVerificationConfig(), nil)
	require.NoError(t, err)

	svc := NewAuthService(st, tokens, codes, clk, nil, WithPasswordCost(bcrypt.MinCost))
	return &authFixture{svc: svc, tokens: tokens, codes: codes, sent: sent, store: st, clock: clk}
}

func (f *authFixture) register(t *testing.T, username, email string) *AuthResult {
	t.Helper()
	res, err := f.svc.Register(context.Background(), RegisterRequest{Username: username, Password: "correct-horse", Email: email})
	require.NoError(t, err)
	return res
}

func TestAuthService_Register(t *testing.T) {
	f := newAuthFixture(t)
	res := f.register(t, "alice", "Alice@Example.com")

	assert.True(t, res.IsNewUser)
	assert.True(t, strings.HasPrefix(res.User.ID, "U"))
	assert.Equal(t, "alice@example.com", res.User.Email)
	assert.NotEqual(t, "correct-horse", res.User.PasswordHash)
	assert.Equal(t, int64(7200), res.Tokens.ExpiresIn)

	identity, err := f.tokens.Validate(res.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, res.User.ID, identity.Subject)
	v, ok := identity.Claim(ClaimUsername)
	assert.True(t, ok)
	assert.Equal(t, "alice", v)
}

func TestAuthService_RegisterValidation(t *testing.T) {
	f := newAuthFixture(t)
	f.register(t, "alice", "alice@example.com")

	tests := []struct {
		name    string
		req     RegisterRequest
		wantErr error
	}{
		{name: "short username", req: RegisterRequest{Username: "al", Password: "password1"}, wantErr: core.ErrInvalidArgument},
		{name: "username with spaces", req: RegisterRequest{Username: "al ice", Password: "password1"}, wantErr: core.ErrInvalidArgument},
		{name: "short password", req: RegisterRequest{Username: "bob", Password: "short"}, wantErr: core.ErrInvalidArgument},
		{name: "long password", req: RegisterRequest{Username: "bob", Password: strings.Repeat("p", 65)}, wantErr: core.ErrInvalidArgument},
		{name: "bad email", req: RegisterRequest{Username: "bob", Password: "password1", Email: "bob"}, wantErr: core.ErrInvalidArgument},
		{name: "taken username", req: RegisterRequest{Username: "alice", Password: "password1"}, wantErr: core.ErrUserExists},
		{name: "taken email", req: RegisterRequest{Username: "bob", Password: "password1", Email: "ALICE@example.com"}, wantErr: core.ErrUserExists},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Register(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestAuthService_Login(t *testing.T) {
	f := newAuthFixture(t)
	reg := f.register(t, "alice", "alice@example.com")
	ctx := context.Background()

	res, err := f.svc.Login(ctx, "alice", "correct-horse")
	require.NoError(t, err)
	assert.False(t, res.IsNewUser)
	assert.Equal(t, reg.User.ID, res.User.ID)

	res, err = f.svc.Login(ctx, "alice@example.com", "correct-horse")
	require.NoError(t, err)
	assert.Equal(t, reg.User.ID, res.User.ID)

	_, err = f.svc.Login(ctx, "alice", "wrong-horse")
	assert.ErrorIs(t, err, core.ErrInvalidCredentials)

	_, err = f.svc.Login(ctx, "nobody", "correct-horse")
	assert.ErrorIs(t, err, core.ErrInvalidCredentials)

	_, err = f.svc.Login(ctx, "", "")
	assert.ErrorIs(t, err, core.ErrInvalidCredentials)
}

func TestAuthService_LoginDisabled(t *testing.T) {
	f := newAuthFixture(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("password1"), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, f.store.CreateUser(context.Background(), core.User{
		ID: "U1", Username: "mallory", PasswordHash: string(hash), Status: core.UserStatusDisabled,
	}))

	_, err = f.svc.Login(context.Background(), "mallory", "password1")
	assert.ErrorIs(t, err, core.ErrAccountDisabled)

	_, err = f.svc.LoadBySubject(context.Background(), "U1")
	assert.ErrorIs(t, err, core.ErrAccountDisabled)
}

func TestAuthService_Refresh(t *testing.T) {
	f := newAuthFixture(t)
	reg := f.register(t, "alice", "")

	f.clock.Advance(3 * time.Hour)
	_, err := f.tokens.Validate(reg.Tokens.AccessToken)
	require.ErrorIs(t, err, core.ErrTokenExpired)

	pair, err := f.svc.Refresh(context.Background(), reg.Tokens.RefreshToken)
	require.NoError(t, err)

	identity, err := f.tokens.Validate(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, reg.User.ID, identity.Subject)
	v, _ := identity.Claim(ClaimUsername)
	assert.Equal(t, "alice", v)

	_, err = f.svc.Refresh(context.Background(), reg.Tokens.AccessToken)
	assert.ErrorIs(t, err, core.ErrSignatureInvalid)
}

func TestAuthService_RefreshUnknownUser(t *testing.T) {
	f := newAuthFixture(t)
	pair, err := f.tokens.Issue("U-ghost", nil)
	require.NoError(t, err)

	_, err = f.svc.Refresh(context.Background(), pair.RefreshToken)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestAuthService_ResetPassword(t *testing.T) {
	f := newAuthFixture(t)
	f.register(t, "alice", "alice@example.com")
	ctx := context.Background()

	_, err := f.codes.Send(ctx, SendRequest{Target: "alice@example.com", Channel: core.ChannelEmail, Purpose: core.PurposeReset})
	require.NoError(t, err)
	code := f.sent.codes["alice@example.com"]

	err = f.svc.ResetPassword(ctx, "alice@example.com", code, "short")
	assert.ErrorIs(t, err, core.ErrInvalidArgument)

	err = f.svc.ResetPassword(ctx, "alice@example.com", "xxxxxx", "brand-new-pass")
	assert.ErrorIs(t, err, core.ErrVerificationFailed)

	require.NoError(t, f.svc.ResetPassword(ctx, "Alice@Example.com", code, "brand-new-pass"))

	_, err = f.svc.Login(ctx, "alice", "correct-horse")
	assert.ErrorIs(t, err, core.ErrInvalidCredentials)
	_, err = f.svc.Login(ctx, "alice", "brand-new-pass")
	assert.NoError(t, err)

	// Single use
	err = f.svc.ResetPassword(ctx, "alice@example.com", code, "another-pass")
	assert.ErrorIs(t, err, core.ErrVerificationFailed)
}

func TestAuthService_ResetPasswordUnknownAccount(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	_, err := f.codes.Send(ctx, SendRequest{Target: "ghost@example.com", Channel: core.ChannelEmail, Purpose: core.PurposeReset})
	require.NoError(t, err)

	err = f.svc.ResetPassword(ctx, "ghost@example.com", f.sent.codes["ghost@example.com"], "brand-new-pass")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestAuthService_ResetPasswordNeedsEmail(t *testing.T) {
	f := newAuthFixture(t)
	f.register(t, "13800138000", "")
	ctx := context.Background()

	_, err := f.codes.Send(ctx, SendRequest{Target: "13800138000", Channel: core.ChannelSMS, Purpose: core.PurposeReset})
	require.NoError(t, err)
	code := f.sent.codes["13800138000"]

	err = f.svc.ResetPassword(ctx, "13800138000", code, "brand-new-pass")
	assert.ErrorIs(t, err, core.ErrInvalidArgument)

	_, err = f.svc.Login(ctx, "13800138000", "correct-horse")
	assert.NoError(t, err)

	// The code was not spent
	ok, err := f.codes.Consume(ctx, "13800138000", code, core.PurposeReset)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAuthService_ChangePassword(t *testing.T) {
	f := newAuthFixture(t)
	reg := f.register(t, "alice", "")
	ctx := context.Background()

	err := f.svc.ChangePassword(ctx, reg.User.ID, "wrong-horse", "brand-new-pass")
	assert.ErrorIs(t, err, core.ErrInvalidCredentials)

	require.NoError(t, f.svc.ChangePassword(ctx, reg.User.ID, "correct-horse", "brand-new-pass"))
	_, err = f.svc.Login(ctx, "alice", "brand-new-pass")
	assert.NoError(t, err)
}

func TestAuthService_AccountExistsAndPrincipal(t *testing.T) {
	f := newAuthFixture(t)
	reg := f.register(t, "alice", "alice@example.com")
	ctx := context.Background()

	exists, err := f.svc.AccountExists(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = f.svc.AccountExists(ctx, "ALICE@example.com")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = f.svc.AccountExists(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, exists)

	p, err := f.svc.LoadBySubject(ctx, reg.User.ID)
	require.NoError(t, err)
	assert.Equal(t, &core.Principal{UserID: reg.User.ID, Username: "alice", Email: "alice@example.com"}, p)

	_, err = f.svc.LoadBySubject(ctx, "U404")
	assert.ErrorIs(t, err, core.ErrNotFound)
}
