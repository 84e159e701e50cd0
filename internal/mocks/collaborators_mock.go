package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"repcore/internal/group"
	"repcore/internal/restore"
)

// MockTransferExecutor is a testify mock of restore.TransferExecutor.
type MockTransferExecutor struct {
	mock.Mock
}

func (m *MockTransferExecutor) Transfer(ctx context.Context, donor group.Member, req restore.Request) restore.Outcome {
	args := m.Called(ctx, donor, req)
	return args.Get(0).(restore.Outcome)
}

// MockProber is a testify mock of consistency.PeerProber.
type MockProber struct {
	mock.Mock
}

func (m *MockProber) Probe(ctx context.Context, member group.Member) error {
	args := m.Called(ctx, member)
	return args.Error(0)
}

// MockRewriteListener is a testify mock of rollback.RewriteListener.
type MockRewriteListener struct {
	mock.Mock
}

func (m *MockRewriteListener) RewriteLogFiles(ctx context.Context, files []string) error {
	args := m.Called(ctx, files)
	return args.Error(0)
}

// MemberNamed matches a group.Member argument by name.
func MemberNamed(name string) interface{} {
	return mock.MatchedBy(func(m group.Member) bool { return m.Name == name })
}
