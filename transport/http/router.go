package http

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/gin-gonic/gin"
	"github.com/layer-3/capsule/service"
)

// Dependencies are the services the router exposes
type Dependencies struct {
	Auth         *service.AuthService
	Tokens       *service.TokenManager
	Verification *service.VerificationService
	Wallets      *service.WalletService
	Health       func(ctx context.Context) error
	StoreTimeout time.Duration
	Logger       watermill.LoggerAdapter
}

// SetupRouter sets up the Gin router
func SetupRouter(deps Dependencies) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	router := gin.New()
	router.Use(TraceID(), RequestLogger(logger), gin.Recovery())
	router.Use(Authenticate(deps.Tokens, deps.Auth, deps.StoreTimeout, logger))

	handlers := NewHandlers(deps.Auth, deps.Verification, deps.Wallets, deps.Health, deps.StoreTimeout)

	router.GET("/healthz", handlers.Health)

	v1 := router.Group("/api/v1")

	// Public routes
	auth := v1.Group("/auth")
	{
		auth.POST("/register", handlers.Register)
		auth.POST("/login", handlers.Login)
		auth.POST("/refresh", handlers.Refresh)
		auth.POST("/logout", handlers.Logout)
	}
	v1.POST("/verify-code/send", handlers.SendCode)
	v1.POST("/password/reset", handlers.ResetPassword)
	v1.GET("/user/check-username", handlers.CheckUsername)
	v1.GET("/user/check-email", handlers.CheckEmail)

	// Protected routes
	user := v1.Group("/user")
	user.Use(RequireAuth())
	{
		user.GET("/profile", handlers.Profile)
		user.POST("/password/change", handlers.ChangePassword)
		user.GET("/verify-code/history", handlers.CodeHistory)
		user.GET("/wallet", handlers.Wallet)
		user.GET("/wallet/history", handlers.WalletHistory)
		user.POST("/wallet/bind", handlers.BindWallet)
		user.POST("/wallet/unbind", handlers.UnbindWallet)
	}

	return router
}
