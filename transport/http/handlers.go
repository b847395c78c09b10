package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/capsule/core"
	"github.com/layer-3/capsule/service"
)

// Handlers contains HTTP handlers for the account, verification and wallet endpoints
type Handlers struct {
	auth         *service.AuthService
	verification *service.VerificationService
	wallets      *service.WalletService
	health       func(ctx context.Context) error
	storeTimeout time.Duration
}

// NewHandlers creates new handlers
func NewHandlers(
	auth *service.AuthService,
	verification *service.VerificationService,
	wallets *service.WalletService,
	health func(ctx context.Context) error,
	storeTimeout time.Duration,
) *Handlers {
	return &Handlers{
		auth:         auth,
		verification: verification,
		wallets:      wallets,
		health:       health,
		storeTimeout: storeTimeout,
	}
}

// requestContext bounds store calls made on behalf of the request
func (h *Handlers) requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	if h.storeTimeout <= 0 {
		return context.WithCancel(c.Request.Context())
	}
	return context.WithTimeout(c.Request.Context(), h.storeTimeout)
}

func tokenResponse(pair *core.TokenPair) gin.H {
	return gin.H{
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
		"token_type":    "Bearer",
		"expires_in":    pair.ExpiresIn,
	}
}

func authResponse(res *service.AuthResult) gin.H {
	resp := tokenResponse(res.Tokens)
	resp["user_id"] = res.User.ID
	resp["username"] = res.User.Username
	resp["is_new_user"] = res.IsNewUser
	return resp
}

func walletResponse(w core.WalletBinding) gin.H {
	resp := gin.H{
		"wallet_address": w.Address,
		"chain_id":       w.ChainID,
		"is_primary":     w.Primary,
		"status":         w.Status,
		"bound_at":       w.BoundAt.UTC(),
	}
	if w.UnboundAt != nil {
		resp["unbound_at"] = w.UnboundAt.UTC()
	}
	return resp
}

// Register handles account registration
func (h *Handlers) Register(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
		Email    string `json:"email"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	res, err := h.auth.Register(ctx, service.RegisterRequest{
		Username: req.Username,
		Password: req.Password,
		Email:    req.Email,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, authResponse(res))
}

// Login handles the login request
func (h *Handlers) Login(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	res, err := h.auth.Login(ctx, req.Username, req.Password)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, authResponse(res))
}

// Refresh handles token refresh
func (h *Handlers) Refresh(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	pair, err := h.auth.Refresh(ctx, req.RefreshToken)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, tokenResponse(pair))
}

// Logout acknowledges a logout. Tokens are stateless; the client discards them.
func (h *Handlers) Logout(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "Logged out"})
}

// SendCode issues a verification code. Authenticated callers are recorded as the code owner.
func (h *Handlers) SendCode(c *gin.Context) {
	var req struct {
		Target  string `json:"target" binding:"required"`
		Type    string `json:"type" binding:"required"`
		Purpose string `json:"purpose" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	var userID string
	if p, ok := principalFrom(c); ok {
		userID = p.UserID
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	expiresIn, err := h.verification.Send(ctx, service.SendRequest{
		Target:  req.Target,
		Channel: core.Channel(req.Type),
		Purpose: core.Purpose(req.Purpose),
		UserID:  userID,
		Origin:  c.ClientIP(),
	})
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"expires_in": expiresIn})
}

// ResetPassword replaces a forgotten password using a reset code
func (h *Handlers) ResetPassword(c *gin.Context) {
	var req struct {
		Account     string `json:"account" binding:"required"`
		VerifyCode  string `json:"verify_code" binding:"required"`
		NewPassword string `json:"new_password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	if err := h.auth.ResetPassword(ctx, req.Account, req.VerifyCode, req.NewPassword); err != nil {
		// An unknown account looks the same as a bad code
		if errors.Is(err, core.ErrNotFound) {
			err = core.ErrVerificationFailed
		}
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Password reset"})
}

// CheckUsername reports whether a username is taken
func (h *Handlers) CheckUsername(c *gin.Context) {
	h.checkAccount(c, c.Query("username"))
}

// CheckEmail reports whether an email is taken
func (h *Handlers) CheckEmail(c *gin.Context) {
	h.checkAccount(c, c.Query("email"))
}

func (h *Handlers) checkAccount(c *gin.Context, account string) {
	if account == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	exists, err := h.auth.AccountExists(ctx, account)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"exists": exists})
}

// Profile returns the authenticated user's account
func (h *Handlers) Profile(c *gin.Context) {
	p, _ := principalFrom(c)

	ctx, cancel := h.requestContext(c)
	defer cancel()

	user, err := h.auth.Profile(ctx, p.UserID)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":    user.ID,
		"username":   user.Username,
		"email":      user.Email,
		"created_at": user.CreatedAt.UTC(),
	})
}

// ChangePassword replaces the authenticated user's password
func (h *Handlers) ChangePassword(c *gin.Context) {
	var req struct {
		OldPassword string `json:"old_password" binding:"required"`
		NewPassword string `json:"new_password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	p, _ := principalFrom(c)

	ctx, cancel := h.requestContext(c)
	defer cancel()

	if err := h.auth.ChangePassword(ctx, p.UserID, req.OldPassword, req.NewPassword); err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Password changed"})
}

// CodeHistory lists recent code requests for the user's email. Code values are never returned.
func (h *Handlers) CodeHistory(c *gin.Context) {
	p, _ := principalFrom(c)

	ctx, cancel := h.requestContext(c)
	defer cancel()

	codes, err := h.verification.Recent(ctx, p.Email)
	if err != nil {
		abortWithError(c, err)
		return
	}

	history := make([]gin.H, 0, len(codes))
	for _, code := range codes {
		entry := gin.H{
			"type":       code.Channel,
			"purpose":    code.Purpose,
			"origin":     code.Origin,
			"used":       code.Used,
			"created_at": code.CreatedAt.UTC(),
			"expires_at": code.ExpiresAt.UTC(),
		}
		if code.UsedAt != nil {
			entry["used_at"] = code.UsedAt.UTC()
		}
		history = append(history, entry)
	}
	c.JSON(http.StatusOK, gin.H{"codes": history})
}

// Wallet returns the authenticated user's primary wallet, or null
func (h *Handlers) Wallet(c *gin.Context) {
	p, _ := principalFrom(c)

	ctx, cancel := h.requestContext(c)
	defer cancel()

	w, err := h.wallets.Primary(ctx, p.UserID)
	if errors.Is(err, core.ErrWalletNotBound) {
		c.JSON(http.StatusOK, gin.H{"wallet": nil})
		return
	}
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"wallet": walletResponse(*w)})
}

// WalletHistory lists every wallet the user has bound
func (h *Handlers) WalletHistory(c *gin.Context) {
	p, _ := principalFrom(c)

	ctx, cancel := h.requestContext(c)
	defer cancel()

	history, err := h.wallets.History(ctx, p.UserID)
	if err != nil {
		abortWithError(c, err)
		return
	}

	wallets := make([]gin.H, 0, len(history))
	for _, w := range history {
		wallets = append(wallets, walletResponse(w))
	}
	c.JSON(http.StatusOK, gin.H{"wallets": wallets})
}

// BindWallet binds a wallet after verifying its signature proof
func (h *Handlers) BindWallet(c *gin.Context) {
	var req struct {
		WalletAddress string `json:"wallet_address" binding:"required"`
		Message       string `json:"message" binding:"required"`
		Signature     string `json:"signature" binding:"required"`
		ChainID       int64  `json:"chain_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	p, _ := principalFrom(c)

	ctx, cancel := h.requestContext(c)
	defer cancel()

	w, err := h.wallets.Bind(ctx, p.UserID, service.BindRequest{
		Address:   req.WalletAddress,
		Message:   req.Message,
		Signature: req.Signature,
		ChainID:   req.ChainID,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"wallet": walletResponse(*w)})
}

// UnbindWallet releases the user's wallets after checking a bind-purpose code
// sent to the account's registered email
func (h *Handlers) UnbindWallet(c *gin.Context) {
	var req struct {
		VerifyCode string `json:"verify_code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	p, _ := principalFrom(c)

	ctx, cancel := h.requestContext(c)
	defer cancel()

	n, err := h.wallets.Unbind(ctx, p.UserID, req.VerifyCode)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"unbound": n})
}

// Health reports whether the backing stores answer
func (h *Handlers) Health(c *gin.Context) {
	if h.health != nil {
		ctx, cancel := h.requestContext(c)
		defer cancel()
		if err := h.health(ctx); err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
