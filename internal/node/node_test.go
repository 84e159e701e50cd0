package node

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repcore/internal/ack"
	"repcore/internal/config"
	"repcore/internal/consistency"
	"repcore/internal/group"
	"repcore/internal/logging"
	"repcore/internal/pubsub"
	"repcore/internal/quorum"
	"repcore/internal/segment"
)

const testGroup = "node-test"

func newConfig(t *testing.T, name string, opts ...config.Option) *config.NodeConfig {
	t.Helper()
	base := func(c *config.NodeConfig) {
		c.Name = name
		c.Group = testGroup
		c.Host = "localhost"
		c.Port = 0
		c.DataDir = t.TempDir()
		c.AckTimeout = time.Second
		c.ConsistencyTimeout = time.Second
		c.JoinAttempts = 3
		c.JoinBackoff = 10 * time.Millisecond
		c.SyncupIdleTimeout = 2 * time.Second
		c.HeartbeatInterval = 50 * time.Millisecond
	}
	cfg, err := config.New(append([]config.Option{base}, opts...)...)
	require.NoError(t, err)
	return cfg
}

// startNode opens a node and serves it until the test ends.
func startNode(t *testing.T, cfg *config.NodeConfig) *Node {
	t.Helper()
	return startNodeWith(t, cfg, Options{})
}

func startNodeWith(t *testing.T, cfg *config.NodeConfig, opts Options) *Node {
	t.Helper()
	opts.Logger = logging.NopLogger{}
	n, err := Open(cfg, opts)
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- n.Serve(context.Background()) }()
	t.Cleanup(func() {
		require.NoError(t, n.Close())
		require.NoError(t, <-served)
	})
	return n
}

// introduce records members in n's group metadata.
func introduce(t *testing.T, n *Node, members ...group.Member) {
	t.Helper()
	for _, m := range members {
		_, err := n.Groups().Register(m)
		require.NoError(t, err)
	}
}

// unreachable returns an electable member whose address refuses connections.
func unreachable(t *testing.T, name string) group.Member {
	t.Helper()
	lis, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	port := lis.Addr().(*net.TCPAddr).Port
	require.NoError(t, lis.Close())
	return group.Member{Name: name, Type: group.Electable, Host: "localhost", Port: port, Priority: 1}
}

func TestOpen_RegistersSelf(t *testing.T) {
	cfg := newConfig(t, "nd-open-1")
	n, err := Open(cfg, Options{Logger: logging.NopLogger{}})
	require.NoError(t, err)

	self, ok := n.View().Member("nd-open-1")
	require.True(t, ok)
	assert.Equal(t, group.NodeID(1), self.ID)
	assert.Equal(t, n.Self().Port, self.Port)
	assert.NotZero(t, self.Port)
	assert.Equal(t, Detached, n.Role())
	require.NoError(t, n.Close())

	// Reopening on another port updates the recorded address but keeps the id
	n, err = Open(cfg, Options{Logger: logging.NopLogger{}})
	require.NoError(t, err)
	defer n.Close()

	self, ok = n.View().Member("nd-open-1")
	require.True(t, ok)
	assert.Equal(t, group.NodeID(1), self.ID)
	assert.Equal(t, n.Self().Port, self.Port)
	assert.Len(t, n.View().Members(), 1)
}

func TestOpen_RejectsInvalidConfig(t *testing.T) {
	cfg := config.NewUnchecked(func(c *config.NodeConfig) { c.Name = "nd-invalid" })
	_, err := Open(cfg, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid node config")
}

func TestSetMaster_PublishesRoleChanges(t *testing.T) {
	n := startNode(t, newConfig(t, "nd-role-1"))
	introduce(t, n, unreachable(t, "nd-role-2"))

	events := make(chan *pubsub.Event[pubsub.RoleChange], 4)
	pubsub.Subscribe(n.Bus(), pubsub.RoleChanged, events, pubsub.SubscriptionOptions{})

	n.SetMaster("nd-role-1")
	assert.True(t, n.IsMaster())
	assert.Equal(t, "nd-role-1", n.Master())

	n.SetMaster("nd-role-2")
	assert.Equal(t, Replica, n.Role())
	assert.Equal(t, "nd-role-2", n.Master())
	m, ok := n.masterMember()
	require.True(t, ok)
	assert.NotZero(t, m.Port)

	n.SetMaster("")
	assert.Equal(t, Detached, n.Role())
	assert.Empty(t, n.Master())

	var got []string
	for i := 0; i < 3; i++ {
		select {
		case ev := <-events:
			got = append(got, ev.Payload.From+"->"+ev.Payload.To)
		case <-time.After(time.Second):
			t.Fatalf("missing role change event %d", i+1)
		}
	}
	assert.Equal(t, []string{"DETACHED->MASTER", "MASTER->REPLICA", "REPLICA->DETACHED"}, got)
}

func TestCommit_NotMaster(t *testing.T) {
	n := startNode(t, newConfig(t, "nd-commit-nm"))
	_, err := n.Commit(context.Background(), "txn-1", 1, 10, []byte("x"))
	assert.ErrorIs(t, err, consistency.ErrNotMaster)
	assert.Equal(t, uint64(0), n.Segments().RangeEnd())
}

func TestCommit_SingleNodeNeedsNoAcks(t *testing.T) {
	n := startNode(t, newConfig(t, "nd-commit-solo"))
	n.SetMaster(n.Name())

	info, err := n.Commit(context.Background(), "txn-1", 1, 10, []byte("records"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.Number)
	assert.Equal(t, uint64(10), n.Segments().RangeEnd())
	assert.Zero(t, n.acks.InFlight())
}

func TestCommit_WaitsForRequiredAcks(t *testing.T) {
	n := startNode(t, newConfig(t, "nd-commit-maj"))
	introduce(t, n, unreachable(t, "nd-commit-maj-r1"), unreachable(t, "nd-commit-maj-r2"))
	n.SetMaster(n.Name())

	// Three electable members: a simple majority is two, the master counts itself.
	required, err := n.calc.RequiredAcks(quorum.AckSimpleMajority, n.View())
	require.NoError(t, err)
	require.Equal(t, 1, required)

	done := make(chan error, 1)
	go func() {
		_, err := n.Commit(context.Background(), "txn-maj", 1, 5, []byte("abc"))
		done <- err
	}()

	require.Eventually(t, func() bool { return n.acks.InFlight() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, n.Acknowledge("txn-maj", "nd-commit-maj-r1"))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("commit did not complete after the required ack")
	}
	assert.False(t, n.Acknowledge("txn-maj", "nd-commit-maj-r2"), "late acks are ignored")
	assert.Equal(t, uint64(1), n.Metrics().GetReport(n.Name()).AcksReceived)
}

func TestCommit_FailedAppendWithdrawsAckWait(t *testing.T) {
	n := startNode(t, newConfig(t, "nd-commit-gap"))
	introduce(t, n, unreachable(t, "nd-commit-gap-r1"), unreachable(t, "nd-commit-gap-r2"))
	n.SetMaster(n.Name())

	_, err := n.Segments().Append(1, 5, []byte("abc"))
	require.NoError(t, err)

	_, err = n.Commit(context.Background(), "txn-overlap", 3, 8, []byte("abc"))
	require.ErrorIs(t, err, segment.ErrBadRange)
	assert.Zero(t, n.acks.InFlight())
	assert.False(t, n.Acknowledge("txn-overlap", "nd-commit-gap-r1"))
	assert.Equal(t, uint64(5), n.Segments().RangeEnd())
}

func TestCommit_InsufficientAcks(t *testing.T) {
	n := startNode(t, newConfig(t, "nd-commit-all", func(c *config.NodeConfig) {
		c.AckPolicy = quorum.AckAll.String()
		c.AckTimeout = 100 * time.Millisecond
	}))
	introduce(t, n, unreachable(t, "nd-commit-all-r1"), unreachable(t, "nd-commit-all-r2"))
	n.SetMaster(n.Name())

	done := make(chan error, 1)
	go func() {
		_, err := n.Commit(context.Background(), "txn-all", 1, 5, nil)
		done <- err
	}()
	require.Eventually(t, func() bool { return n.acks.InFlight() == 1 }, time.Second, 5*time.Millisecond)
	n.Acknowledge("txn-all", "nd-commit-all-r1")

	var err error
	select {
	case err = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("commit did not time out")
	}
	var insufficient *ack.InsufficientAcksError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 1, insufficient.Pending)
	assert.Equal(t, 2, insufficient.Required)
	assert.False(t, insufficient.Closing)
	assert.Contains(t, insufficient.FeederState, "role=MASTER")
	// The records stay in the local log
	assert.Equal(t, uint64(5), n.Segments().RangeEnd())
}

func TestEnsureAuthority(t *testing.T) {
	master := startNode(t, newConfig(t, "nd-auth-m", func(c *config.NodeConfig) {
		c.ConsistencyTimeout = 300 * time.Millisecond
	}))
	peer := startNode(t, newConfig(t, "nd-auth-p"))
	introduce(t, master, peer.Self(), unreachable(t, "nd-auth-down"))

	t.Run("not master", func(t *testing.T) {
		start := time.Now()
		assert.ErrorIs(t, master.EnsureAuthority(context.Background()), consistency.ErrNotMaster)
		assert.Less(t, time.Since(start), 100*time.Millisecond)
	})

	master.SetMaster(master.Name())

	t.Run("quorum reached", func(t *testing.T) {
		require.NoError(t, master.EnsureAuthority(context.Background()))
	})

	t.Run("quorum lost", func(t *testing.T) {
		require.NoError(t, peer.Close())
		err := master.EnsureAuthority(context.Background())
		var timeout *consistency.TimeoutError
		require.ErrorAs(t, err, &timeout)
		assert.Equal(t, 1, timeout.Contacted)
		assert.Equal(t, 2, timeout.Required)
	})
}

func TestClose_FailsPendingWaits(t *testing.T) {
	cfg := newConfig(t, "nd-close-m", func(c *config.NodeConfig) {
		c.AckTimeout = 10 * time.Second
		c.ConsistencyTimeout = 10 * time.Second
	})
	n, err := Open(cfg, Options{Logger: logging.NopLogger{}})
	require.NoError(t, err)
	introduce(t, n, unreachable(t, "nd-close-r1"), unreachable(t, "nd-close-r2"))
	n.SetMaster(n.Name())

	commitErr := make(chan error, 1)
	go func() {
		_, err := n.Commit(context.Background(), "txn-close", 1, 1, nil)
		commitErr <- err
	}()
	gateErr := make(chan error, 1)
	go func() { gateErr <- n.EnsureAuthority(context.Background()) }()

	require.Eventually(t, func() bool { return n.acks.InFlight() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, n.Close())
	require.NoError(t, n.Close(), "close is idempotent")

	select {
	case err := <-commitErr:
		var insufficient *ack.InsufficientAcksError
		require.ErrorAs(t, err, &insufficient)
		assert.True(t, insufficient.Closing)
	case <-time.After(2 * time.Second):
		t.Fatal("commit wait not failed by close")
	}
	select {
	case err := <-gateErr:
		assert.ErrorIs(t, err, consistency.ErrEnvironmentClosing)
	case <-time.After(2 * time.Second):
		t.Fatal("consistency wait not failed by close")
	}
	assert.ErrorIs(t, n.EnsureConsistency(context.Background(), consistency.AbsoluteRequirement(time.Second)),
		consistency.ErrEnvironmentClosing)
}

func TestServe_StopsWhenContextCancelled(t *testing.T) {
	n, err := Open(newConfig(t, "nd-serve-1"), Options{Logger: logging.NopLogger{}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- n.Serve(ctx) }()

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return")
	}
	// Already closed by Serve
	assert.NoError(t, n.Close())
}

func TestReplicaConsistency_WaitsForReplay(t *testing.T) {
	n := startNode(t, newConfig(t, "nd-replay-1"))

	done := make(chan error, 1)
	go func() {
		done <- n.EnsureConsistency(context.Background(), consistency.Requirement{
			Kind:       consistency.CommitPoint,
			Timeout:    time.Second,
			CommitVLSN: 42,
		})
	}()

	n.Replayed(41, time.Now())
	select {
	case err := <-done:
		t.Fatalf("returned before the commit point was replayed: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	n.Replayed(42, time.Now())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("commit point wait did not finish")
	}
}

func TestContextKeys(t *testing.T) {
	ctx := withValue(context.Background(), joinAttemptKey, 3)
	ctx = withValue(ctx, syncMasterKey, "m")

	attempt, ok := JoinAttempt(ctx)
	assert.True(t, ok)
	assert.Equal(t, 3, attempt)
	master, ok := SyncMaster(ctx)
	assert.True(t, ok)
	assert.Equal(t, "m", master)
	_, ok = NodeName(ctx)
	assert.False(t, ok)
	assert.Equal(t, "node.Key[int](joinAttempt)", joinAttemptKey.String())
}

func TestRole_String(t *testing.T) {
	assert.Equal(t, "REPLICA", Replica.String())
	assert.Equal(t, "Role(7)", Role(7).String())
}
