package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/layer-3/capsule/adapters/clock"
	"github.com/layer-3/capsule/adapters/signature"
	"github.com/layer-3/capsule/adapters/store"
	"github.com/layer-3/capsule/adapters/tokenizer"
	"github.com/layer-3/capsule/core"
	"github.com/layer-3/capsule/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var routerStart = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

// inbox captures dispatched codes per target
type inbox struct {
	mu    sync.Mutex
	codes map[string]string
}

func (i *inbox) Dispatch(ctx context.Context, target string, channel core.Channel, code string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.codes[target] = code
	return nil
}

func (i *inbox) code(target string) string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.codes[target]
}

type nopEvents struct{}

func (nopEvents) PublishWalletBound(context.Context, core.WalletBinding) error { return nil }
func (nopEvents) PublishWalletUnbound(context.Context, string, int) error      { return nil }

type server struct {
	router *gin.Engine
	clock  *clock.Manual
	inbox  *inbox
	health error
}

func newServer(t *testing.T) *server {
	t.Helper()
	clk := clock.NewManual(routerStart)
	st := store.NewMemoryStore()
	box := &inbox{codes: make(map[string]string)}

	tk, err := tokenizer.NewJWTTokenizer([]byte("capsule-router-secret-0123456789abcdef"), clk)
	require.NoError(t, err)
	tokens, err := service.NewTokenManager(tk, clk, 2*time.Hour, 7*24*time.Hour,
		service.WithClaimsSource(service.UserClaimsSource(st)))
	require.NoError(t, err)

	verification, err := service.NewVerificationService(st, box, clk, service.DefaultVerificationConfig(), nil)
	require.NoError(t, err)

	auth := service.NewAuthService(st, tokens, verification, clk, nil, service.WithPasswordCost(bcrypt.MinCost))
	wallets := service.NewWalletService(st, st, signature.NewEthVerifier(), verification, nopEvents{}, clk, true, nil)

	s := &server{clock: clk, inbox: box}
	s.router = SetupRouter(Dependencies{
		Auth:         auth,
		Tokens:       tokens,
		Verification: verification,
		Wallets:      wallets,
		Health:       func(context.Context) error { return s.health },
		StoreTimeout: time.Second,
	})
	return s
}

func (s *server) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var resp map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	}
	return w, resp
}

func (s *server) register(t *testing.T, username, email string) map[string]any {
	t.Helper()
	w, resp := s.do(t, http.MethodPost, "/api/v1/auth/register", "", gin.H{
		"username": username,
		"password": "correct-horse",
		"email":    email,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return resp
}

func TestRouter_Health(t *testing.T) {
	s := newServer(t)

	w, resp := s.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", resp["status"])

	s.health = errors.New("redis down")
	w, _ = s.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRouter_RegisterLoginProfile(t *testing.T) {
	s := newServer(t)

	reg := s.register(t, "alice", "alice@example.com")
	assert.Equal(t, "Bearer", reg["token_type"])
	assert.Equal(t, float64(7200), reg["expires_in"])
	assert.Equal(t, true, reg["is_new_user"])
	assert.NotEmpty(t, reg["refresh_token"])

	w, _ := s.do(t, http.MethodPost, "/api/v1/auth/register", "", gin.H{
		"username": "alice", "password": "another-password",
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w, login := s.do(t, http.MethodPost, "/api/v1/auth/login", "", gin.H{
		"username": "alice", "password": "correct-horse",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, login["is_new_user"])
	assert.Equal(t, reg["user_id"], login["user_id"])

	w, _ = s.do(t, http.MethodPost, "/api/v1/auth/login", "", gin.H{
		"username": "alice", "password": "wrong-password",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token := login["access_token"].(string)
	w, profile := s.do(t, http.MethodGet, "/api/v1/user/profile", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", profile["username"])
	assert.Equal(t, "alice@example.com", profile["email"])
	assert.NotContains(t, profile, "password_hash")
}

func TestRouter_BadRequestBody(t *testing.T) {
	s := newServer(t)

	w, resp := s.do(t, http.MethodPost, "/api/v1/auth/login", "", gin.H{"username": "alice"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid request", resp["error"])
}

func TestRouter_ProtectedRoutesNeedToken(t *testing.T) {
	s := newServer(t)

	for _, path := range []string{"/api/v1/user/profile", "/api/v1/user/wallet", "/api/v1/user/wallet/history"} {
		w, resp := s.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
		assert.Equal(t, "authentication required", resp["error"], path)
	}
}

func TestRouter_ExpiredAccessTokenThenRefresh(t *testing.T) {
	s := newServer(t)
	reg := s.register(t, "alice", "")
	access := reg["access_token"].(string)

	s.clock.Advance(2*time.Hour + time.Second)

	w, resp := s.do(t, http.MethodGet, "/api/v1/user/profile", access, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "token expired", resp["error"])

	w, refreshed := s.do(t, http.MethodPost, "/api/v1/auth/refresh", "", gin.H{
		"refresh_token": reg["refresh_token"],
	})
	require.Equal(t, http.StatusOK, w.Code)

	w, _ = s.do(t, http.MethodGet, "/api/v1/user/profile", refreshed["access_token"].(string), nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_RefreshRejectsAccessToken(t *testing.T) {
	s := newServer(t)
	reg := s.register(t, "alice", "")

	w, resp := s.do(t, http.MethodPost, "/api/v1/auth/refresh", "", gin.H{
		"refresh_token": reg["access_token"],
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "invalid token", resp["error"])
}

func TestRouter_Logout(t *testing.T) {
	s := newServer(t)

	w, resp := s.do(t, http.MethodPost, "/api/v1/auth/logout", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Logged out", resp["message"])
}

func TestRouter_SendCodeRateLimited(t *testing.T) {
	s := newServer(t)
	send := gin.H{"target": "bob@example.com", "type": "email", "purpose": "register"}

	w, resp := s.do(t, http.MethodPost, "/api/v1/verify-code/send", "", send)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(300), resp["expires_in"])
	assert.Len(t, s.inbox.code("bob@example.com"), 6)

	w, _ = s.do(t, http.MethodPost, "/api/v1/verify-code/send", "", send)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	s.clock.Advance(61 * time.Second)
	w, _ = s.do(t, http.MethodPost, "/api/v1/verify-code/send", "", send)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_SendCodeValidation(t *testing.T) {
	s := newServer(t)

	w, _ := s.do(t, http.MethodPost, "/api/v1/verify-code/send", "", gin.H{
		"target": "not-an-email", "type": "email", "purpose": "register",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = s.do(t, http.MethodPost, "/api/v1/verify-code/send", "", gin.H{
		"target": "bob@example.com", "type": "pigeon", "purpose": "register",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouter_ResetPassword(t *testing.T) {
	s := newServer(t)
	s.register(t, "carol", "carol@example.com")

	w, _ := s.do(t, http.MethodPost, "/api/v1/verify-code/send", "", gin.H{
		"target": "carol@example.com", "type": "email", "purpose": "reset",
	})
	require.Equal(t, http.StatusOK, w.Code)
	code := s.inbox.code("carol@example.com")

	w, resp := s.do(t, http.MethodPost, "/api/v1/password/reset", "", gin.H{
		"account": "carol@example.com", "verify_code": "000000x", "new_password": "brand-new-pass",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid or expired verification code", resp["error"])

	w, _ = s.do(t, http.MethodPost, "/api/v1/password/reset", "", gin.H{
		"account": "carol@example.com", "verify_code": code, "new_password": "brand-new-pass",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w, _ = s.do(t, http.MethodPost, "/api/v1/password/reset", "", gin.H{
		"account": "carol@example.com", "verify_code": code, "new_password": "other-new-pass",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = s.do(t, http.MethodPost, "/api/v1/auth/login", "", gin.H{
		"username": "carol", "password": "brand-new-pass",
	})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_ChangePassword(t *testing.T) {
	s := newServer(t)
	reg := s.register(t, "dave", "")
	token := reg["access_token"].(string)

	w, _ := s.do(t, http.MethodPost, "/api/v1/user/password/change", token, gin.H{
		"old_password": "wrong-horse", "new_password": "battery-staple",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = s.do(t, http.MethodPost, "/api/v1/user/password/change", token, gin.H{
		"old_password": "correct-horse", "new_password": "battery-staple",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w, _ = s.do(t, http.MethodPost, "/api/v1/auth/login", "", gin.H{
		"username": "dave", "password": "battery-staple",
	})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_CheckAccount(t *testing.T) {
	s := newServer(t)
	s.register(t, "erin", "erin@example.com")

	w, resp := s.do(t, http.MethodGet, "/api/v1/user/check-username?username=erin", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, resp["exists"])

	w, resp = s.do(t, http.MethodGet, "/api/v1/user/check-email?email=ERIN@example.com", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, resp["exists"])

	w, resp = s.do(t, http.MethodGet, "/api/v1/user/check-username?username=frank", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, resp["exists"])

	w, _ = s.do(t, http.MethodGet, "/api/v1/user/check-email", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouter_WalletLifecycle(t *testing.T) {
	s := newServer(t)
	reg := s.register(t, "grace", "grace@example.com")
	token := reg["access_token"].(string)
	userID := reg["user_id"].(string)

	w, resp := s.do(t, http.MethodGet, "/api/v1/user/wallet", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, resp["wallet"])

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()
	message := "Bind wallet to " + userID
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	require.NoError(t, err)

	w, _ = s.do(t, http.MethodPost, "/api/v1/user/wallet/bind", token, gin.H{
		"wallet_address": address, "message": message, "signature": hexutil.Encode(sig) + "00",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, resp = s.do(t, http.MethodPost, "/api/v1/user/wallet/bind", token, gin.H{
		"wallet_address": address, "message": message, "signature": hexutil.Encode(sig),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	bound := resp["wallet"].(map[string]any)
	assert.Equal(t, strings.ToLower(address), bound["wallet_address"])
	assert.Equal(t, float64(core.DefaultChainID), bound["chain_id"])
	assert.Equal(t, true, bound["is_primary"])

	other := s.register(t, "heidi", "")
	otherMessage := "Bind wallet to " + other["user_id"].(string)
	otherSig, err := crypto.Sign(accounts.TextHash([]byte(otherMessage)), key)
	require.NoError(t, err)
	w, _ = s.do(t, http.MethodPost, "/api/v1/user/wallet/bind", other["access_token"].(string), gin.H{
		"wallet_address": address, "message": otherMessage, "signature": hexutil.Encode(otherSig),
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w, resp = s.do(t, http.MethodGet, "/api/v1/user/wallet", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, strings.ToLower(address), resp["wallet"].(map[string]any)["wallet_address"])

	// A code delivered to another mailbox does not count
	w, _ = s.do(t, http.MethodPost, "/api/v1/verify-code/send", token, gin.H{
		"target": "mallory@example.com", "type": "email", "purpose": "bind",
	})
	require.Equal(t, http.StatusOK, w.Code)
	w, _ = s.do(t, http.MethodPost, "/api/v1/user/wallet/unbind", token, gin.H{
		"target": "mallory@example.com", "verify_code": s.inbox.code("mallory@example.com"),
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = s.do(t, http.MethodPost, "/api/v1/verify-code/send", token, gin.H{
		"target": "grace@example.com", "type": "email", "purpose": "bind",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w, _ = s.do(t, http.MethodPost, "/api/v1/user/wallet/unbind", token, gin.H{
		"verify_code": "bogus",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, resp = s.do(t, http.MethodPost, "/api/v1/user/wallet/unbind", token, gin.H{
		"verify_code": s.inbox.code("grace@example.com"),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(1), resp["unbound"])

	w, resp = s.do(t, http.MethodGet, "/api/v1/user/wallet", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, resp["wallet"])

	w, resp = s.do(t, http.MethodGet, "/api/v1/user/wallet/history", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	history := resp["wallets"].([]any)
	require.Len(t, history, 1)
	assert.Equal(t, string(core.WalletStatusUnbound), history[0].(map[string]any)["status"])
}

func TestRouter_CodeHistory(t *testing.T) {
	s := newServer(t)
	reg := s.register(t, "ivan", "ivan@example.com")
	token := reg["access_token"].(string)

	w, resp := s.do(t, http.MethodGet, "/api/v1/user/verify-code/history", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, resp["codes"])

	w, _ = s.do(t, http.MethodPost, "/api/v1/verify-code/send", "", gin.H{
		"target": "ivan@example.com", "type": "email", "purpose": "reset",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w, resp = s.do(t, http.MethodGet, "/api/v1/user/verify-code/history", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	codes := resp["codes"].([]any)
	require.Len(t, codes, 1)
	entry := codes[0].(map[string]any)
	assert.Equal(t, "reset", entry["purpose"])
	assert.Equal(t, false, entry["used"])
	assert.NotContains(t, entry, "code")
	assert.NotContains(t, w.Body.String(), s.inbox.code("ivan@example.com"))

	w, _ = s.do(t, http.MethodGet, "/api/v1/user/verify-code/history", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
