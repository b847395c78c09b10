package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/google/uuid"
	"github.com/layer-3/capsule/core"
	"github.com/layer-3/capsule/ports"
)

// CodeConsumer consumes single-use verification codes
type CodeConsumer interface {
	Consume(ctx context.Context, target, code string, purpose core.Purpose) (bool, error)
}

// BindRequest is a signed proof that the caller controls Address
type BindRequest struct {
	Address   string
	Message   string
	Signature string
	ChainID   int64 // Zero selects core.DefaultChainID
}

// WalletService binds wallet addresses to accounts after a signature proof
type WalletService struct {
	store    ports.WalletStore
	users    ports.UserStore
	verifier ports.SignatureVerifier
	codes    CodeConsumer
	events   ports.EventPublisher
	clock    ports.Clock
	logger   watermill.LoggerAdapter

	// requireSubjectInMessage rejects proofs whose message does not contain the user id
	requireSubjectInMessage bool
}

// NewWalletService creates a new wallet binding service
func NewWalletService(
	store ports.WalletStore,
	users ports.UserStore,
	verifier ports.SignatureVerifier,
	codes CodeConsumer,
	events ports.EventPublisher,
	clock ports.Clock,
	requireSubjectInMessage bool,
	logger watermill.LoggerAdapter,
) *WalletService {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &WalletService{
		store:                   store,
		users:                   users,
		verifier:                verifier,
		codes:                   codes,
		events:                  events,
		clock:                   clock,
		logger:                  logger,
		requireSubjectInMessage: requireSubjectInMessage,
	}
}

// Bind verifies the ownership proof and makes the address the user's primary wallet
func (s *WalletService) Bind(ctx context.Context, userID string, req BindRequest) (*core.WalletBinding, error) {
	if userID == "" {
		return nil, core.ErrUnauthenticated
	}

	address := strings.TrimSpace(req.Address)
	if !core.IsAddress(address) {
		return nil, fmt.Errorf("%w: wallet address must be 0x followed by 40 hex digits", core.ErrInvalidArgument)
	}
	if req.Message == "" || strings.TrimSpace(req.Signature) == "" {
		return nil, fmt.Errorf("%w: message and signature are required", core.ErrInvalidArgument)
	}
	chainID := req.ChainID
	if chainID == 0 {
		chainID = core.DefaultChainID
	}
	if chainID < 0 {
		return nil, fmt.Errorf("%w: invalid chain id", core.ErrInvalidArgument)
	}

	fields := watermill.LogFields{
		"user_id": userID,
		"address": core.MaskAddress(address),
	}

	if s.requireSubjectInMessage && !strings.Contains(req.Message, userID) {
		s.logger.Info("Wallet proof rejected: message does not name the user", fields)
		return nil, core.ErrWalletProofFailed
	}
	if !s.verifier.Verify(address, req.Message, req.Signature) {
		s.logger.Info("Wallet proof rejected: signature does not match address", fields)
		return nil, core.ErrWalletProofFailed
	}

	binding := core.WalletBinding{
		ID:      uuid.NewString(),
		UserID:  userID,
		Address: core.NormalizeAddress(address),
		ChainID: chainID,
		Primary: true,
		Status:  core.WalletStatusActive,
		BoundAt: s.clock.Now(),
	}
	if err := s.store.Bind(ctx, binding); err != nil {
		if errors.Is(err, core.ErrWalletAlreadyBound) {
			s.logger.Info("Wallet bind refused: address already bound", fields)
			return nil, err
		}
		return nil, fmt.Errorf("failed to save wallet binding: %w", err)
	}

	s.logger.Info("Wallet bound", fields)
	if err := s.events.PublishWalletBound(ctx, binding); err != nil {
		s.logger.Error("Failed to publish wallet bound event", err, fields)
	}

	return &binding, nil
}

// Unbind releases every active wallet of the user after consuming a bind-purpose
// code sent to the user's registered email
func (s *WalletService) Unbind(ctx context.Context, userID, code string) (int, error) {
	if userID == "" {
		return 0, core.ErrUnauthenticated
	}

	// Check first so a user without a wallet does not burn a code
	if _, err := s.Primary(ctx, userID); err != nil {
		return 0, err
	}

	user, err := s.users.GetUser(ctx, userID)
	if errors.Is(err, core.ErrNotFound) {
		return 0, core.ErrUnauthenticated
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load user: %w", err)
	}
	if user.Email == "" {
		s.logger.Info("Wallet unbind refused: no registered email", watermill.LogFields{"user_id": userID})
		return 0, core.ErrVerificationFailed
	}

	ok, err := s.codes.Consume(ctx, user.Email, code, core.PurposeBind)
	if err != nil {
		return 0, err
	}
	if !ok {
		s.logger.Info("Wallet unbind refused: verification failed", watermill.LogFields{"user_id": userID})
		return 0, core.ErrVerificationFailed
	}

	n, err := s.store.Unbind(ctx, userID, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to unbind wallets: %w", err)
	}
	if n == 0 {
		return 0, core.ErrWalletNotBound
	}

	fields := watermill.LogFields{"user_id": userID, "count": n}
	s.logger.Info("Wallets unbound", fields)
	if err := s.events.PublishWalletUnbound(ctx, userID, n); err != nil {
		s.logger.Error("Failed to publish wallet unbound event", err, fields)
	}

	return n, nil
}

// Primary returns the user's active primary wallet
func (s *WalletService) Primary(ctx context.Context, userID string) (*core.WalletBinding, error) {
	w, err := s.store.Primary(ctx, userID)
	if errors.Is(err, core.ErrNotFound) {
		return nil, core.ErrWalletNotBound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet: %w", err)
	}
	return &w, nil
}

// History returns every binding the user ever held, newest first
func (s *WalletService) History(ctx context.Context, userID string) ([]core.WalletBinding, error) {
	history, err := s.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet history: %w", err)
	}
	return history, nil
}
