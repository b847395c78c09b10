package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/google/uuid"
	"github.com/layer-3/capsule/core"
	"github.com/layer-3/capsule/ports"
	"golang.org/x/crypto/bcrypt"
)

// Password length bounds; bcrypt ignores input past 72 bytes
const (
	MinPasswordLength = 8
	MaxPasswordLength = 64
)

// ClaimUsername is the auxiliary access token claim carrying the username
const ClaimUsername = "username"

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{3,32}$`)

// RegisterRequest holds the fields of a new account
type RegisterRequest struct {
	Username string
	Password string
	Email    string // Optional
}

// AuthResult is returned by registration and login
type AuthResult struct {
	User      core.User
	Tokens    *core.TokenPair
	IsNewUser bool
}

// AuthServiceOption configures an AuthService
type AuthServiceOption func(*AuthService)

// WithPasswordCost sets the bcrypt cost used for new password hashes
func WithPasswordCost(cost int) AuthServiceOption {
	return func(s *AuthService) {
		s.passwordCost = cost
	}
}

// AuthService handles account registration, login and password recovery
type AuthService struct {
	users  ports.UserStore
	tokens *TokenManager
	codes  CodeConsumer
	clock  ports.Clock
	logger watermill.LoggerAdapter

	passwordCost int
}

// NewAuthService creates a new authentication service
func NewAuthService(
	users ports.UserStore,
	tokens *TokenManager,
	codes CodeConsumer,
	clock ports.Clock,
	logger watermill.LoggerAdapter,
	opts ...AuthServiceOption,
) *AuthService {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	s := &AuthService{
		users:        users,
		tokens:       tokens,
		codes:        codes,
		clock:        clock,
		logger:       logger,
		passwordCost: bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// UserClaimsSource builds access token claims from the user directory.
// Disabled accounts cannot refresh.
func UserClaimsSource(users ports.UserStore) ClaimsSource {
	return func(ctx context.Context, subject string) (map[string]any, error) {
		user, err := users.GetUser(ctx, subject)
		if err != nil {
			return nil, err
		}
		if user.Status != core.UserStatusActive {
			return nil, core.ErrAccountDisabled
		}
		return userClaims(user), nil
	}
}

func userClaims(user core.User) map[string]any {
	return map[string]any{ClaimUsername: user.Username}
}

// Register creates an account and signs the user in
func (s *AuthService) Register(ctx context.Context, req RegisterRequest) (*AuthResult, error) {
	username := strings.TrimSpace(req.Username)
	if !usernamePattern.MatchString(username) {
		return nil, fmt.Errorf("%w: username must be 3-32 letters, digits or underscores", core.ErrInvalidArgument)
	}
	if err := validatePassword(req.Password); err != nil {
		return nil, err
	}
	email := core.NormalizeTarget(req.Email)
	if email != "" {
		if err := validateTarget(email, core.ChannelEmail); err != nil {
			return nil, err
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.passwordCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := s.clock.Now()
	user := core.User{
		ID:           newUserID(),
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
		Status:       core.UserStatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, core.ErrUserExists) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	tokens, err := s.tokens.Issue(user.ID, userClaims(user))
	if err != nil {
		return nil, err
	}

	s.logger.Info("User registered", watermill.LogFields{"user_id": user.ID})
	return &AuthResult{User: user, Tokens: tokens, IsNewUser: true}, nil
}

// Login checks the password of account (username or email) and issues tokens
func (s *AuthService) Login(ctx context.Context, account, password string) (*AuthResult, error) {
	account = strings.TrimSpace(account)
	if account == "" || password == "" {
		return nil, core.ErrInvalidCredentials
	}

	user, err := s.users.GetUserByAccount(ctx, account)
	if errors.Is(err, core.ErrNotFound) {
		s.logger.Info("Login failed: unknown account", nil)
		return nil, core.ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		s.logger.Info("Login failed: wrong password", watermill.LogFields{"user_id": user.ID})
		return nil, core.ErrInvalidCredentials
	}
	if user.Status != core.UserStatusActive {
		s.logger.Info("Login refused: account disabled", watermill.LogFields{"user_id": user.ID})
		return nil, core.ErrAccountDisabled
	}

	tokens, err := s.tokens.Issue(user.ID, userClaims(user))
	if err != nil {
		return nil, err
	}
	return &AuthResult{User: user, Tokens: tokens}, nil
}

// Refresh rotates a refresh token into a new token pair
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*core.TokenPair, error) {
	pair, err := s.tokens.Refresh(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, core.ErrSignatureInvalid) {
			s.logger.Info("Refresh token rejected: bad signature", nil)
		}
		return nil, err
	}
	return pair, nil
}

// ResetPassword consumes a reset code sent to the account's email and replaces the password.
// Accounts are matched by email only.
func (s *AuthService) ResetPassword(ctx context.Context, email, code, newPassword string) error {
	email = core.NormalizeTarget(email)
	if !strings.Contains(email, "@") {
		return fmt.Errorf("%w: password reset requires the account email", core.ErrInvalidArgument)
	}
	if err := validatePassword(newPassword); err != nil {
		return err
	}

	ok, err := s.codes.Consume(ctx, email, code, core.PurposeReset)
	if err != nil {
		return err
	}
	if !ok {
		return core.ErrVerificationFailed
	}

	user, err := s.users.GetUserByAccount(ctx, email)
	if err != nil {
		return err
	}

	if err := s.setPassword(ctx, user.ID, newPassword); err != nil {
		return err
	}
	s.logger.Info("Password reset", watermill.LogFields{"user_id": user.ID})
	return nil
}

// ChangePassword replaces the password of an authenticated user
func (s *AuthService) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	if err := validatePassword(newPassword); err != nil {
		return err
	}

	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(oldPassword)); err != nil {
		s.logger.Info("Password change refused: wrong password", watermill.LogFields{"user_id": userID})
		return core.ErrInvalidCredentials
	}

	if err := s.setPassword(ctx, userID, newPassword); err != nil {
		return err
	}
	s.logger.Info("Password changed", watermill.LogFields{"user_id": userID})
	return nil
}

// AccountExists reports whether a username or email is taken
func (s *AuthService) AccountExists(ctx context.Context, account string) (bool, error) {
	_, err := s.users.GetUserByAccount(ctx, core.NormalizeTarget(account))
	if errors.Is(err, core.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// LoadBySubject resolves a token subject to the principal behind it
func (s *AuthService) LoadBySubject(ctx context.Context, subject string) (*core.Principal, error) {
	user, err := s.users.GetUser(ctx, subject)
	if err != nil {
		return nil, err
	}
	if user.Status != core.UserStatusActive {
		return nil, core.ErrAccountDisabled
	}
	return &core.Principal{
		UserID:   user.ID,
		Username: user.Username,
		Email:    user.Email,
	}, nil
}

// Profile returns the account record of userID
func (s *AuthService) Profile(ctx context.Context, userID string) (*core.User, error) {
	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *AuthService) setPassword(ctx context.Context, userID, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.passwordCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	if err := s.users.UpdatePasswordHash(ctx, userID, string(hash), s.clock.Now()); err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	return nil
}

func validatePassword(password string) error {
	if n := len(password); n < MinPasswordLength || n > MaxPasswordLength {
		return fmt.Errorf("%w: password must be %d-%d characters", core.ErrInvalidArgument, MinPasswordLength, MaxPasswordLength)
	}
	return nil
}

// newUserID returns a "U" prefixed opaque identifier
func newUserID() string {
	return "U" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
