package restore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repcore/internal/group"
	"repcore/internal/pubsub"
)

type donorBehavior int

const (
	serve donorBehavior = iota
	down
	wrongVersion
)

// simDonor is an in-memory donor that applies the admission rule to its current state.
type simDonor struct {
	rangeEnd uint64
	load     int
	behavior donorBehavior
	// loadGrowth is added to load after every request.
	loadGrowth int
}

type attempt struct {
	donor   string
	outcome OutcomeKind
	req     Request
}

// simNetwork is a TransferExecutor over simDonors that records every attempt.
type simNetwork struct {
	mu       sync.Mutex
	donors   map[string]*simDonor
	attempts []attempt
	onCall   func(n int)
}

func newSimNetwork(donors map[string]*simDonor) *simNetwork {
	return &simNetwork{donors: donors}
}

func (n *simNetwork) Transfer(_ context.Context, donor group.Member, req Request) Outcome {
	n.mu.Lock()
	defer n.mu.Unlock()

	d := n.donors[donor.Name]
	var out Outcome
	switch d.behavior {
	case down:
		out = UnreachableOutcome(errors.New("connection refused"))
	case wrongVersion:
		out = IncompatibleOutcome(errors.New("log version 7 not supported"))
	default:
		if Admit(d.rangeEnd, d.load, req.MinVLSN, req.ExpectedLoad) {
			out = Succeeded(int64(d.rangeEnd)*10, 3)
			out.RangeEnd, out.Load = d.rangeEnd, d.load
		} else {
			out = RejectedOutcome(d.rangeEnd, d.load)
		}
		d.load += d.loadGrowth
	}
	n.attempts = append(n.attempts, attempt{donor: donor.Name, outcome: out.Kind, req: req})
	if n.onCall != nil {
		n.onCall(len(n.attempts))
	}
	return out
}

func members(names ...string) []group.Member {
	out := make([]group.Member, 0, len(names))
	for i, name := range names {
		out = append(out, group.Member{Name: name, ID: group.NodeID(i + 1), Type: group.Electable, Host: "localhost", Port: 6000 + i})
	}
	return out
}

func newTestCoordinator(exec TransferExecutor, maxRounds int) *Coordinator {
	return NewCoordinator(Config{
		Local:     LocalIdentity{Name: "self", ID: 9},
		GroupName: "g",
		MaxRounds: maxRounds,
		Executor:  exec,
	})
}

func TestRestore_FirstRoundOnlyGathersInformation(t *testing.T) {
	net := newSimNetwork(map[string]*simDonor{
		"master": {rangeEnd: 1000, load: 4},
		"r1":     {rangeEnd: 995, load: 1},
		"r2":     {rangeEnd: 998, load: 2},
	})
	res, err := newTestCoordinator(net, 0).Restore(context.Background(), members("master", "r1", "r2"), 10, 50)
	require.NoError(t, err)

	require.Len(t, net.attempts, 4)
	for _, a := range net.attempts[:3] {
		assert.Equal(t, Rejected, a.outcome, "first round attempt on %s", a.donor)
		assert.Equal(t, LoadUnknown, a.req.ExpectedLoad)
	}
	assert.Equal(t, "r1", res.Donor.Member.Name, "least loaded fresh donor wins")
	assert.Equal(t, 2, res.Rounds)
	assert.Equal(t, int64(9950), res.BytesCopied)
	assert.Equal(t, uint64(950), net.attempts[3].req.MinVLSN)
	assert.Equal(t, uint64(10), net.attempts[3].req.LocalRangeEnd)
}

func TestRestore_SkipsLaggingLeastLoadedDonor(t *testing.T) {
	net := newSimNetwork(map[string]*simDonor{
		"master": {rangeEnd: 1000, load: 5},
		"stale":  {rangeEnd: 100, load: 0},
		"fresh":  {rangeEnd: 990, load: 1},
	})
	res, err := newTestCoordinator(net, 0).Restore(context.Background(), members("master", "stale", "fresh"), 0, 50)
	require.NoError(t, err)

	assert.Equal(t, "fresh", res.Donor.Member.Name)
	assert.LessOrEqual(t, res.Rounds, 3)
	// round two tries stale first (lowest load) and is turned away
	assert.Equal(t, "stale", net.attempts[3].donor)
	assert.Equal(t, Rejected, net.attempts[3].outcome)
}

func TestRestore_TerminatesWithinCandidateCount(t *testing.T) {
	// the master's load grows with every request, so it is always rejected after round one
	net := newSimNetwork(map[string]*simDonor{
		"master": {rangeEnd: 1000, load: 0, loadGrowth: 1},
		"r1":     {rangeEnd: 980, load: 3},
		"r2":     {rangeEnd: 10, load: 0},
		"r3":     {rangeEnd: 20, load: 1},
	})
	res, err := newTestCoordinator(net, 0).Restore(context.Background(), members("master", "r1", "r2", "r3"), 0, 100)
	require.NoError(t, err)
	assert.Equal(t, "r1", res.Donor.Member.Name)
	assert.LessOrEqual(t, res.Rounds, 4)
}

func TestRestore_AllUnreachableExhaustsAfterOnePass(t *testing.T) {
	net := newSimNetwork(map[string]*simDonor{
		"a": {behavior: down},
		"b": {behavior: down},
		"c": {behavior: down},
	})
	res, err := newTestCoordinator(net, 0).Restore(context.Background(), members("a", "b", "c"), 0, 10)
	require.Nil(t, res)

	assert.ErrorIs(t, err, ErrAllCandidatesExhausted)
	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 1, ex.Rounds)
	assert.Len(t, ex.Dropped, 3)
	assert.Len(t, net.attempts, 3)
	assert.Contains(t, ex.Error(), "connection refused")
}

func TestRestore_DroppedCandidatesAreNotRetried(t *testing.T) {
	net := newSimNetwork(map[string]*simDonor{
		"old":    {behavior: wrongVersion},
		"gone":   {behavior: down},
		"master": {rangeEnd: 500, load: 2},
	})
	res, err := newTestCoordinator(net, 0).Restore(context.Background(), members("old", "gone", "master"), 0, 10)
	require.NoError(t, err)
	assert.Equal(t, "master", res.Donor.Member.Name)

	counts := map[string]int{}
	for _, a := range net.attempts {
		counts[a.donor]++
	}
	assert.Equal(t, map[string]int{"old": 1, "gone": 1, "master": 2}, counts)
}

func TestRestore_SkipsSelfAndDuplicates(t *testing.T) {
	net := newSimNetwork(map[string]*simDonor{
		"r1": {rangeEnd: 100, load: 0},
	})
	sources := append(members("self", "r1"), members("r1")...)
	res, err := newTestCoordinator(net, 0).Restore(context.Background(), sources, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, "r1", res.Donor.Member.Name)
	for _, a := range net.attempts {
		assert.NotEqual(t, "self", a.donor)
	}
	assert.Len(t, net.attempts, 2)
}

func TestRestore_NoCandidates(t *testing.T) {
	net := newSimNetwork(nil)
	_, err := newTestCoordinator(net, 0).Restore(context.Background(), members("self"), 0, 10)
	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 0, ex.Rounds)
}

func TestRestore_RoundCap(t *testing.T) {
	net := newSimNetwork(map[string]*simDonor{
		"a": {rangeEnd: 100, load: 0, loadGrowth: 1},
		"b": {rangeEnd: 100, load: 0, loadGrowth: 1},
	})
	_, err := newTestCoordinator(net, 3).Restore(context.Background(), members("a", "b"), 0, 10)

	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 3, ex.Rounds)
	assert.Len(t, ex.Remaining, 2)
	assert.Len(t, net.attempts, 6)
	assert.Contains(t, ex.Error(), "round limit 3")
}

func TestRestore_AbortBetweenAttempts(t *testing.T) {
	net := newSimNetwork(map[string]*simDonor{
		"a": {rangeEnd: 100, load: 0},
		"b": {rangeEnd: 100, load: 0},
	})
	ctx, cancel := context.WithCancel(context.Background())
	net.onCall = func(n int) {
		if n == 1 {
			cancel()
		}
	}

	_, err := newTestCoordinator(net, 0).Restore(ctx, members("a", "b"), 0, 10)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrAllCandidatesExhausted)
	assert.Len(t, net.attempts, 1)
}

func TestRestore_NewSessionPerAttempt(t *testing.T) {
	net := newSimNetwork(map[string]*simDonor{
		"a": {rangeEnd: 100, load: 0},
		"b": {rangeEnd: 100, load: 1},
	})
	_, err := newTestCoordinator(net, 0).Restore(context.Background(), members("a", "b"), 0, 10)
	require.NoError(t, err)

	seen := map[string]bool{}
	for _, a := range net.attempts {
		require.NotEmpty(t, a.req.SessionID)
		assert.False(t, seen[a.req.SessionID])
		seen[a.req.SessionID] = true
		assert.Equal(t, "self", a.req.Local.Name)
		assert.Equal(t, "g", a.req.GroupName)
	}
}

func TestRestore_PublishesProgress(t *testing.T) {
	bus := pubsub.NewBus(16, nil)
	events := make(chan *pubsub.Event[pubsub.RestoreStep], 16)
	pubsub.Subscribe(bus, pubsub.RestoreProgress, events, pubsub.SubscriptionOptions{IsBlocking: true})

	net := newSimNetwork(map[string]*simDonor{
		"a": {rangeEnd: 100, load: 0},
		"b": {behavior: down},
	})
	c := NewCoordinator(Config{Local: LocalIdentity{Name: "self"}, Executor: net, Bus: bus})
	_, err := c.Restore(context.Background(), members("a", "b"), 0, 10)
	require.NoError(t, err)
	bus.Shutdown()

	var got []string
	for ev := range events {
		got = append(got, fmt.Sprintf("%d:%s:%s", ev.Payload.Round, ev.Payload.Donor, ev.Payload.Outcome))
	}
	assert.Equal(t, []string{"1:a:rejected", "1:b:unreachable", "2:a:success"}, got)
}

func TestMinVLSN(t *testing.T) {
	tests := []struct {
		name      string
		rangeEnds []uint64
		maxLag    uint64
		want      uint64
	}{
		{"highest minus lag", []uint64{100, 250, 200}, 50, 200},
		{"floored at zero", []uint64{30, 10}, 50, 0},
		{"unknown range end", []uint64{RangeEndUnknown, 10}, 100, RangeEndUnknown - 100},
		{"no candidates", nil, 10, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cands []Candidate
			for _, re := range tt.rangeEnds {
				cands = append(cands, Candidate{RangeEnd: re})
			}
			assert.Equal(t, tt.want, MinVLSN(cands, tt.maxLag))
		})
	}
}

func TestAdmit(t *testing.T) {
	assert.False(t, Admit(1000, 0, RangeEndUnknown-10, LoadUnknown), "first contact is always rejected")
	assert.False(t, Admit(1000, 0, 0, LoadUnknown))
	assert.False(t, Admit(90, 0, 100, 5), "too stale")
	assert.False(t, Admit(200, 6, 100, 5), "load grew")
	assert.True(t, Admit(100, 5, 100, 5))
}
