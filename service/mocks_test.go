package service

import (
	"context"

	"github.com/layer-3/capsule/core"
	"github.com/stretchr/testify/mock"
)

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Dispatch(ctx context.Context, target string, channel core.Channel, code string) error {
	args := m.Called(ctx, target, channel, code)
	return args.Error(0)
}

type mockEventPublisher struct {
	mock.Mock
}

func (m *mockEventPublisher) PublishWalletBound(ctx context.Context, binding core.WalletBinding) error {
	args := m.Called(ctx, binding)
	return args.Error(0)
}

func (m *mockEventPublisher) PublishWalletUnbound(ctx context.Context, userID string, count int) error {
	args := m.Called(ctx, userID, count)
	return args.Error(0)
}

type mockSignatureVerifier struct {
	mock.Mock
}

func (m *mockSignatureVerifier) Verify(claimedAddress, message, signatureHex string) bool {
	args := m.Called(claimedAddress, message, signatureHex)
	return args.Bool(0)
}

// codeRecorder is a notifier that remembers every dispatched code
type codeRecorder struct {
	codes map[string]string
}

func newCodeRecorder() *codeRecorder {
	return &codeRecorder{codes: make(map[string]string)}
}

func (r *codeRecorder) Dispatch(_ context.Context, target string, _ core.Channel, code string) error {
	r.codes[target] = code
	return nil
}
