package restore_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"repcore/internal/group"
	"repcore/internal/mocks"
	"repcore/internal/restore"
)

func members(names ...string) []group.Member {
	out := make([]group.Member, 0, len(names))
	for _, n := range names {
		out = append(out, group.Member{Name: n, Type: group.Electable, Host: "localhost", Port: 1})
	}
	return out
}

func TestRestore_FirstRequestCarriesSentinels(t *testing.T) {
	executor := &mocks.MockTransferExecutor{}
	recorder := mocks.NewMockRecorder()

	firstRound := mock.MatchedBy(func(r restore.Request) bool {
		return r.ExpectedLoad == restore.LoadUnknown && r.MinVLSN == restore.RangeEndUnknown-100
	})
	secondRound := mock.MatchedBy(func(r restore.Request) bool {
		return r.ExpectedLoad == 2 && r.MinVLSN == 400 && r.LocalRangeEnd == 7 && r.GroupName == "g"
	})
	executor.On("Transfer", mock.Anything, mocks.MemberNamed("a"), firstRound).
		Return(restore.RejectedOutcome(500, 2)).Once()
	executor.On("Transfer", mock.Anything, mocks.MemberNamed("a"), secondRound).
		Return(restore.Succeeded(4096, 3)).Once()

	c := restore.NewCoordinator(restore.Config{
		Local:     restore.LocalIdentity{Name: "local", ID: 9},
		GroupName: "g",
		Executor:  executor,
		Metrics:   recorder,
	})
	res, err := c.Restore(context.Background(), members("a"), 7, 100)
	require.NoError(t, err)
	assert.Equal(t, "a", res.Donor.Member.Name)
	assert.Equal(t, int64(4096), res.BytesCopied)
	assert.Equal(t, 3, res.Files)
	assert.Equal(t, 2, res.Rounds)

	executor.AssertExpectations(t)
	assert.Equal(t, 2, recorder.Rounds())
	assert.Equal(t, 1, recorder.CandidateOutcomes("rejected"))
	assert.Equal(t, 1, recorder.CandidateOutcomes("success"))
	assert.Equal(t, []bool{true}, recorder.Results())
}

func TestRestore_IncompatibleDonorIsNeverRetried(t *testing.T) {
	executor := &mocks.MockTransferExecutor{}
	recorder := mocks.NewMockRecorder()

	executor.On("Transfer", mock.Anything, mocks.MemberNamed("old"), mock.Anything).
		Return(restore.IncompatibleOutcome(errors.New("log version 0"))).Once()
	executor.On("Transfer", mock.Anything, mocks.MemberNamed("gone"), mock.Anything).
		Return(restore.UnreachableOutcome(errors.New("connection refused"))).Once()

	c := restore.NewCoordinator(restore.Config{
		Local:    restore.LocalIdentity{Name: "local"},
		Executor: executor,
		Metrics:  recorder,
	})
	_, err := c.Restore(context.Background(), members("old", "gone"), 0, 10)
	require.ErrorIs(t, err, restore.ErrAllCandidatesExhausted)

	var exhausted *restore.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 1, exhausted.Rounds)
	require.Len(t, exhausted.Dropped, 2)

	executor.AssertNumberOfCalls(t, "Transfer", 2)
	assert.Equal(t, 1, recorder.CandidateOutcomes("incompatible"))
	assert.Equal(t, 1, recorder.CandidateOutcomes("unreachable"))
	assert.Equal(t, []bool{false}, recorder.Results())
}

func TestRestore_LocalFailureStopsWithoutTryingOthers(t *testing.T) {
	executor := &mocks.MockTransferExecutor{}
	recorder := mocks.NewMockRecorder()
	diskFull := errors.New("no space left on device")

	executor.On("Transfer", mock.Anything, mocks.MemberNamed("a"), mock.Anything).
		Return(restore.RejectedOutcome(100, 0)).Once()
	executor.On("Transfer", mock.Anything, mocks.MemberNamed("b"), mock.Anything).
		Return(restore.RejectedOutcome(100, 1)).Once()
	executor.On("Transfer", mock.Anything, mocks.MemberNamed("a"), mock.Anything).
		Return(restore.LocalFailureOutcome(diskFull)).Once()

	c := restore.NewCoordinator(restore.Config{
		Local:    restore.LocalIdentity{Name: "local"},
		Executor: executor,
		Metrics:  recorder,
	})
	_, err := c.Restore(context.Background(), members("a", "b"), 0, 10)
	require.ErrorIs(t, err, diskFull)
	assert.NotErrorIs(t, err, restore.ErrAllCandidatesExhausted)

	var local *restore.LocalFailureError
	require.ErrorAs(t, err, &local)
	assert.Equal(t, "a", local.Donor)
	assert.Equal(t, 2, local.Round)

	executor.AssertNumberOfCalls(t, "Transfer", 3)
	assert.Equal(t, 1, recorder.CandidateOutcomes("local_failure"))
	assert.Equal(t, []bool{false}, recorder.Results())
}
