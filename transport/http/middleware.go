package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/layer-3/capsule/core"
	"github.com/layer-3/capsule/ports"
)

const (
	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer "

	// TraceIDHeader carries the request trace id in both directions
	TraceIDHeader = "X-Trace-Id"

	// authErrorKey holds why a presented token was not accepted
	authErrorKey = "capsule.auth_error"
)

// TokenValidator validates access tokens
type TokenValidator interface {
	Validate(token string) (*core.Identity, error)
}

// TraceID reuses the caller's trace id or generates one, and exposes it on the
// request context and the response.
func TraceID() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := strings.TrimSpace(c.GetHeader(TraceIDHeader))
		if traceID == "" || len(traceID) > 64 {
			traceID = uuid.NewString()
		}
		c.Header(TraceIDHeader, traceID)
		c.Request = c.Request.WithContext(core.WithTraceID(c.Request.Context(), traceID))
		c.Next()
	}
}

// RequestLogger logs every request once it completes
func RequestLogger(logger watermill.LoggerAdapter) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := watermill.LogFields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"latency":  time.Since(start).String(),
			"client":   c.ClientIP(),
			"trace_id": core.TraceIDFromContext(c.Request.Context()),
		}
		if c.Writer.Status() >= http.StatusInternalServerError && len(c.Errors) > 0 {
			logger.Error("Request failed", c.Errors.Last().Err, fields)
			return
		}
		logger.Debug("Request handled", fields)
	}
}

// Authenticate resolves a bearer token into a principal on the request context.
// It never rejects a request: a missing or invalid token, or a failed lookup,
// leaves the request anonymous for RequireAuth or the handler to judge.
// The principal is visible only while downstream handlers run.
func Authenticate(tokens TokenValidator, resolver ports.PrincipalResolver, timeout time.Duration, logger watermill.LoggerAdapter) gin.HandlerFunc {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader(authorizationHeader))
		if !ok {
			c.Next()
			return
		}

		principal, err := resolvePrincipal(c.Request.Context(), token, tokens, resolver, timeout, logger)
		if err != nil {
			c.Set(authErrorKey, err)
			c.Next()
			return
		}

		original := c.Request
		c.Request = original.WithContext(core.WithPrincipal(original.Context(), principal))
		defer func() {
			c.Request = original
		}()

		c.Next()
	}
}

// resolvePrincipal validates token and loads its subject. Panics are turned into errors.
func resolvePrincipal(
	ctx context.Context,
	token string,
	tokens TokenValidator,
	resolver ports.PrincipalResolver,
	timeout time.Duration,
	logger watermill.LoggerAdapter,
) (principal *core.Principal, err error) {
	fields := watermill.LogFields{"trace_id": core.TraceIDFromContext(ctx)}

	defer func() {
		if r := recover(); r != nil {
			principal = nil
			err = fmt.Errorf("%w: principal resolution panicked: %v", core.ErrUnauthenticated, r)
			logger.Error("Authentication failed", err, fields)
		}
	}()

	identity, err := tokens.Validate(token)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrTokenExpired):
			logger.Debug("Expired access token", fields)
		case errors.Is(err, core.ErrSignatureInvalid):
			logger.Info("Token rejected: invalid signature", fields)
		default:
			logger.Info("Token rejected: malformed", fields)
		}
		return nil, err
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	principal, err = resolver.LoadBySubject(ctx, identity.Subject)
	if err != nil {
		logger.Error("Failed to resolve principal", err, fields.Add(watermill.LogFields{"subject": identity.Subject}))
		return nil, core.ErrUnauthenticated
	}
	if principal == nil {
		return nil, core.ErrUnauthenticated
	}

	resolved := *principal
	resolved.Identity = identity
	return &resolved, nil
}

func bearerToken(header string) (string, bool) {
	if !strings.HasPrefix(header, bearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	return token, token != ""
}

// RequireAuth rejects requests that carry no principal
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := core.PrincipalFromContext(c.Request.Context()); ok {
			c.Next()
			return
		}

		var err error = core.ErrUnauthenticated
		if v, ok := c.Get(authErrorKey); ok {
			if authErr, ok := v.(error); ok {
				err = authErr
			}
		}
		abortWithError(c, err)
	}
}

// principalFrom returns the authenticated caller, if any
func principalFrom(c *gin.Context) (*core.Principal, bool) {
	return core.PrincipalFromContext(c.Request.Context())
}
