package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/google/uuid"
	"github.com/layer-3/capsule/core"
	"github.com/layer-3/capsule/ports"
)

// VerificationConfig holds the limits of the verification code engine
type VerificationConfig struct {
	CodeTTL    time.Duration
	Cooldown   time.Duration
	DailyCap   int
	CodeLength int
	Location   *time.Location // Calendar used for the daily cap
}

// DefaultVerificationConfig returns the stock limits: 6 digits, 5 minute TTL,
// 60 second cooldown and 10 codes per target per UTC day
func DefaultVerificationConfig() VerificationConfig {
	return VerificationConfig{
		CodeTTL:    5 * time.Minute,
		Cooldown:   60 * time.Second,
		DailyCap:   10,
		CodeLength: 6,
		Location:   time.UTC,
	}
}

// SendRequest describes a verification code request
type SendRequest struct {
	Target  string
	Channel core.Channel
	Purpose core.Purpose
	UserID  string // Empty when the caller is anonymous
	Origin  string
}

// VerificationService issues and consumes single-use verification codes
type VerificationService struct {
	store    ports.CodeStore
	notifier ports.Notifier
	clock    ports.Clock
	cfg      VerificationConfig
	logger   watermill.LoggerAdapter
}

// NewVerificationService creates a new verification code service
func NewVerificationService(
	store ports.CodeStore,
	notifier ports.Notifier,
	clock ports.Clock,
	cfg VerificationConfig,
	logger watermill.LoggerAdapter,
) (*VerificationService, error) {
	if store == nil || notifier == nil || clock == nil {
		return nil, fmt.Errorf("%w: store, notifier and clock are required", core.ErrInvalidConfig)
	}
	if cfg.CodeTTL <= 0 || cfg.Cooldown < 0 || cfg.DailyCap < 0 || cfg.CodeLength < 1 {
		return nil, fmt.Errorf("%w: invalid verification limits", core.ErrInvalidConfig)
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	return &VerificationService{
		store:    store,
		notifier: notifier,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// Send generates, persists and dispatches a code. It returns the code lifetime in seconds.
func (s *VerificationService) Send(ctx context.Context, req SendRequest) (int64, error) {
	target := core.NormalizeTarget(req.Target)
	if err := validateTarget(target, req.Channel); err != nil {
		return 0, err
	}
	if !req.Purpose.Valid() {
		return 0, fmt.Errorf("%w: unknown purpose %q", core.ErrInvalidArgument, req.Purpose)
	}

	code, err := GenerateCode(s.cfg.CodeLength)
	if err != nil {
		return 0, err
	}

	now := s.clock.Now()
	record := core.VerificationCode{
		ID:        uuid.NewString(),
		Target:    target,
		Code:      code,
		Channel:   req.Channel,
		Purpose:   req.Purpose,
		UserID:    req.UserID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.CodeTTL),
		Origin:    req.Origin,
	}
	limits := core.CodeLimits{
		Cooldown: s.cfg.Cooldown,
		DailyCap: s.cfg.DailyCap,
		DayStart: core.StartOfDay(now, s.cfg.Location),
	}

	fields := watermill.LogFields{
		"target":  core.MaskTarget(target),
		"channel": string(req.Channel),
		"purpose": string(req.Purpose),
		"origin":  req.Origin,
	}

	if err := s.store.Reserve(ctx, record, limits); err != nil {
		if errors.Is(err, core.ErrRateLimited) || errors.Is(err, core.ErrDailyLimitExceeded) {
			s.logger.Info("Verification code request refused", fields.Add(watermill.LogFields{"reason": err.Error()}))
			return 0, err
		}
		return 0, fmt.Errorf("failed to save verification code: %w", err)
	}

	// The record stays valid when delivery fails; the caller may retry after the cooldown
	if err := s.notifier.Dispatch(ctx, target, req.Channel, code); err != nil {
		s.logger.Error("Failed to dispatch verification code", err, fields)
	} else {
		s.logger.Debug("Verification code sent", fields)
	}

	return int64(s.cfg.CodeTTL / time.Second), nil
}

// Consume marks the newest matching code as used. Wrong, expired and already
// used codes all report false; an error means the store failed.
func (s *VerificationService) Consume(ctx context.Context, target, code string, purpose core.Purpose) (bool, error) {
	target = core.NormalizeTarget(target)
	code = strings.TrimSpace(code)
	if target == "" || code == "" || !purpose.Valid() {
		return false, nil
	}

	ok, err := s.store.ConsumeLatest(ctx, target, code, purpose, s.clock.Now())
	if err != nil {
		return false, fmt.Errorf("failed to consume verification code: %w", err)
	}
	if !ok {
		s.logger.Info("Verification code rejected", watermill.LogFields{
			"target":  core.MaskTarget(target),
			"purpose": string(purpose),
		})
	}
	return ok, nil
}

// HistoryWindow is how far back Recent looks
const HistoryWindow = 24 * time.Hour

// Recent returns the codes requested for target within the last HistoryWindow, newest first
func (s *VerificationService) Recent(ctx context.Context, target string) ([]core.VerificationCode, error) {
	target = core.NormalizeTarget(target)
	if target == "" {
		return nil, nil
	}

	codes, err := s.store.ListByTarget(ctx, target, s.clock.Now().Add(-HistoryWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to list verification codes: %w", err)
	}
	return codes, nil
}

// GenerateCode returns a code of the given length drawn from the configured generator
func (s *VerificationService) GenerateCode(length int) (string, error) {
	return GenerateCode(length)
}

// GenerateCode returns length uniformly random decimal digits. Leading zeros are kept.
func GenerateCode(length int) (string, error) {
	if length < 1 {
		return "", fmt.Errorf("%w: code length must be positive", core.ErrInvalidArgument)
	}

	ten := big.NewInt(10)
	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", fmt.Errorf("failed to generate code: %w", err)
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}

func validateTarget(target string, channel core.Channel) error {
	switch channel {
	case core.ChannelEmail:
		at := strings.LastIndex(target, "@")
		if at <= 0 || at == len(target)-1 {
			return fmt.Errorf("%w: invalid email address", core.ErrInvalidArgument)
		}
	case core.ChannelSMS:
		digits := strings.TrimPrefix(target, "+")
		if len(digits) < 5 || strings.IndexFunc(digits, func(r rune) bool { return r < '0' || r > '9' }) != -1 {
			return fmt.Errorf("%w: invalid phone number", core.ErrInvalidArgument)
		}
	default:
		return fmt.Errorf("%w: unknown channel %q", core.ErrInvalidArgument, channel)
	}
	return nil
}
