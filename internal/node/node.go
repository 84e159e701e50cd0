// Package node assembles the replication core into a running group member: the group metadata and log segment
// stores, the donor service and its connection pool, the consistency gate, the acknowledgment tracker, network
// restore and the rollback notifier, all sharing one event bus and one set of metrics.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"repcore/internal/ack"
	"repcore/internal/config"
	"repcore/internal/consistency"
	"repcore/internal/group"
	"repcore/internal/logging"
	"repcore/internal/metrics"
	"repcore/internal/pubsub"
	"repcore/internal/quorum"
	"repcore/internal/restore"
	"repcore/internal/rollback"
	"repcore/internal/segment"
	"repcore/internal/transport"
)

const groupDBFile = "group.db"

// Options holds the collaborators a caller may supply when opening a node. Every field is optional.
type Options struct {
	// Registerer receives the node's Prometheus collectors. A private registry is used when nil.
	Registerer prometheus.Registerer
	// Logger replaces the per-component loggers.
	Logger logging.Logger
	// RewriteListeners are warned before a rollback rewrites local log files.
	RewriteListeners []rollback.RewriteListener
}

// peerClient is the part of the connection pool used for master discovery and syncup.
type peerClient interface {
	Ping(ctx context.Context, m group.Member) (*transport.PingResponse, error)
}

// Node is one member of a replication group.
type Node struct {
	nodeState

	cfg     *config.NodeConfig
	self    group.Member
	logger  logging.Logger
	bus     *pubsub.Bus
	metrics *metrics.Metrics

	groups   *group.Store
	segments *segment.Store
	calc     quorum.Calculator

	pool        *transport.Pool
	peers       peerClient
	donor       *transport.Donor
	coordinator *restore.Coordinator
	replay      *consistency.Tracker
	gate        *consistency.Gate
	acks        *ack.Tracker
	rollbacks   *rollback.Notifier

	lis        net.Listener
	grpcServer *grpc.Server

	viewMu   sync.Mutex
	lastView *group.View

	jobs      sync.WaitGroup
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Open starts a node from a validated configuration: it opens the stores under the data directory, registers the
// node in the group metadata if needed and binds the listener. Serve must be called to accept requests.
func Open(cfg *config.NodeConfig, opts Options) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid node config: %w", err)
	}
	componentLogger := func(component string) logging.Logger {
		if opts.Logger != nil {
			return opts.Logger
		}
		return logging.New(component, cfg.Name, cfg.Debug)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	lis, err := net.Listen("tcp", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, err
	}
	tcpAddr, ok := lis.Addr().(*net.TCPAddr)
	if !ok {
		lis.Close()
		return nil, fmt.Errorf("unexpected listener address %T", lis.Addr())
	}
	// The port may have been picked by the OS
	self := cfg.Member()
	self.Port = tcpAddr.Port

	groups, err := group.OpenStore(filepath.Join(cfg.DataDir, groupDBFile), cfg.Group)
	if err != nil {
		lis.Close()
		return nil, err
	}
	self, err = registerSelf(groups, self)
	if err != nil {
		lis.Close()
		groups.Close()
		return nil, fmt.Errorf("failed to register %s: %w", cfg.Name, err)
	}
	view, err := groups.View()
	if err != nil {
		lis.Close()
		groups.Close()
		return nil, err
	}

	segments, err := segment.Open(cfg.DataDir, componentLogger("SEGMENT"))
	if err != nil {
		lis.Close()
		groups.Close()
		return nil, err
	}

	n := &Node{
		cfg:      cfg,
		self:     self,
		logger:   componentLogger("NODE"),
		bus:      pubsub.NewBus(100, componentLogger("BUS")),
		metrics:  metrics.NewMetrics(opts.Registerer),
		groups:   groups,
		segments: segments,
		calc:     quorum.Calculator{SizeOverride: cfg.ElectableGroupSizeOverride},
		pool:     transport.NewPool(cfg.Name, cfg.Group, componentLogger("TRANSPORT")),
		replay:   consistency.NewTracker(),
		lis:      lis,
		lastView: view,
		closed:   make(chan struct{}),
	}
	n.peers = n.pool

	n.donor = transport.NewDonor(transport.DonorConfig{
		Name:      self.Name,
		GroupName: cfg.Group,
		GroupUUID: view.UUID(),
		NodeType:  self.Type.String(),
		IsMaster:  n.IsMaster,
		Segments:  segments,
		ChunkSize: cfg.Restore.ChunkSize,
		Logger:    componentLogger("DONOR"),
		Metrics:   n.metrics,
	})
	n.coordinator = restore.NewCoordinator(restore.Config{
		Local:       restore.LocalIdentity{Name: self.Name, ID: self.ID},
		GroupName:   cfg.Group,
		RetainFiles: cfg.Restore.RetainFiles,
		MaxRounds:   cfg.Restore.MaxRounds,
		Executor: transport.NewExecutor(transport.ExecutorConfig{
			Pool:            n.pool,
			Segments:        segments,
			ConnectTimeout:  cfg.Restore.ConnectTimeout,
			TransferTimeout: cfg.Restore.TransferTimeout,
			Logger:          componentLogger("RESTORE"),
		}),
		Logger:  componentLogger("RESTORE"),
		Metrics: n.metrics,
		Bus:     n.bus,
	})
	n.gate = consistency.NewGate(consistency.Config{
		Self:       self.Name,
		View:       n.View,
		Role:       n,
		Prober:     n.pool,
		Calculator: n.calc,
		Replay:     n.replay,
		Logger:     componentLogger("CONSISTENCY"),
		Metrics:    n.metrics,
	})
	n.acks = ack.NewTracker(ack.Options{
		Logger:      componentLogger("ACK"),
		Metrics:     n.metrics,
		FeederState: n.feederState,
	})
	n.rollbacks = rollback.NewNotifier(componentLogger("ROLLBACK"))
	for _, l := range opts.RewriteListeners {
		n.rollbacks.Register(l)
	}

	n.grpcServer = grpc.NewServer(grpc.ConnectionTimeout(30 * time.Second))
	transport.RegisterDonorService(n.grpcServer, n.donor)
	transport.RegisterPeer(self.Name, self.Address())

	closingCh := make(chan *pubsub.Event[struct{}], 1)
	pubsub.Subscribe(n.bus, pubsub.EnvironmentClosing, closingCh, pubsub.SubscriptionOptions{IsBlocking: true})
	heartbeatStopCh := make(chan *pubsub.Event[struct{}], 1)
	pubsub.Subscribe(n.bus, pubsub.EnvironmentClosing, heartbeatStopCh, pubsub.SubscriptionOptions{IsBlocking: true})
	n.jobs.Add(2)
	go n.closingJob(closingCh)
	go n.heartbeatJob(cfg.HeartbeatInterval, heartbeatStopCh)

	n.logger.Infof("node %s opened in group %s (%s), listening on %s", self.Name, cfg.Group, view.UUID(),
		self.Address())
	return n, nil
}

// registerSelf records the local member in the group metadata, or updates its address when it moved.
func registerSelf(groups *group.Store, self group.Member) (group.Member, error) {
	view, err := groups.View()
	if err != nil {
		return group.Member{}, err
	}
	existing, ok := view.Member(self.Name)
	if !ok {
		return groups.Register(self)
	}
	if existing.Host == self.Host && existing.Port == self.Port {
		return existing, nil
	}
	return groups.Apply(self.Name, group.Edit{Host: &self.Host, Port: &self.Port}, false)
}

// Serve accepts ping and restore requests until ctx is cancelled or the node is closed. Cancelling ctx closes the
// node.
func (n *Node) Serve(ctx context.Context) error {
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		// This one blocks until the server is stopped
		if err := n.grpcServer.Serve(n.lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("serve %s: %w", n.self.Name, err)
		}
		return nil
	})
	eg.Go(func() error {
		select {
		case <-egCtx.Done():
			return n.Close()
		case <-n.closed:
			return nil
		}
	})
	return eg.Wait()
}

// Close publishes EnvironmentClosing, which fails pending consistency and acknowledgment waits, then stops the
// server and closes the stores. It is idempotent.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		n.logger.Infof("closing node %s", n.self.Name)
		close(n.closed)
		pubsub.Publish(n.bus, pubsub.NewEvent(pubsub.EnvironmentClosing, struct{}{}))
		n.jobs.Wait()

		// First stop accepting requests, then close outbound connections
		n.grpcServer.GracefulStop()
		n.lis.Close()
		n.pool.Close()
		transport.UnregisterPeer(n.self.Name)
		n.bus.Shutdown()

		n.closeErr = errors.Join(n.segments.Close(), n.groups.Close())
	})
	return n.closeErr
}

// Name returns the member name of the node.
func (n *Node) Name() string { return n.self.Name }

// Self returns the member record of the node, with the port it actually listens on.
func (n *Node) Self() group.Member { return n.self }

// Role returns the current replication role.
func (n *Node) Role() Role { return n.getRole() }

// Master returns the name of the current master, or "" while detached.
func (n *Node) Master() string { return n.getMaster().Name }

// IsMaster implements consistency.RoleSource.
func (n *Node) IsMaster() bool { return n.getRole() == Master }

// Joins returns how many joins the node has completed.
func (n *Node) Joins() uint64 { return n.getJoins() }

func (n *Node) Bus() *pubsub.Bus             { return n.bus }
func (n *Node) Metrics() *metrics.Metrics    { return n.metrics }
func (n *Node) Segments() *segment.Store     { return n.segments }
func (n *Node) Groups() *group.Store         { return n.groups }
func (n *Node) Replay() *consistency.Tracker { return n.replay }

// View returns the current membership snapshot. When the metadata cannot be read the last snapshot read is
// returned.
func (n *Node) View() *group.View {
	v, err := n.groups.View()

	n.viewMu.Lock()
	defer n.viewMu.Unlock()
	if err != nil {
		n.logger.Errorf("failed to read group view, using change version %d: %v", n.lastView.ChangeVersion(), err)
		return n.lastView
	}
	n.lastView = v
	return v
}

// SetMaster records the master chosen by an election. Naming the local node makes it master; an empty name
// detaches it.
func (n *Node) SetMaster(name string) {
	switch name {
	case "":
		n.setMaster(Detached, group.Member{})
	case n.self.Name:
		n.setMaster(Master, n.self)
	default:
		m, ok := n.View().Member(name)
		if !ok {
			m = group.Member{Name: name}
		}
		n.setMaster(Replica, m)
	}
}

func (n *Node) setMaster(role Role, master group.Member) {
	prev := n.setRole(role, master)
	if prev == role {
		return
	}
	n.logger.Infof("role changed from %s to %s (master %q)", prev, role, master.Name)
	pubsub.Publish(n.bus, pubsub.NewEvent(pubsub.RoleChanged, pubsub.RoleChange{
		Node: n.self.Name,
		From: prev.String(),
		To:   role.String(),
		At:   time.Now(),
	}))
}

// masterMember returns the master when its address is known.
func (n *Node) masterMember() (group.Member, bool) {
	m := n.getMaster()
	return m, m.Name != "" && m.Port != 0
}

// EnsureConsistency blocks until req holds on this node. See consistency.Gate.Ensure.
func (n *Node) EnsureConsistency(ctx context.Context, req consistency.Requirement) error {
	return n.gate.Ensure(ctx, req)
}

// EnsureAuthority proves that this node is still the master by reaching a quorum of electable members within the
// configured consistency timeout.
func (n *Node) EnsureAuthority(ctx context.Context) error {
	return n.gate.Ensure(ctx, consistency.AbsoluteRequirement(n.cfg.ConsistencyTimeout))
}

// Commit appends the records first..last to the local log as one transaction and waits for the replica
// acknowledgments required by the ack policy. An *ack.InsufficientAcksError is returned when they do not arrive
// within the ack timeout; the records stay in the local log either way.
func (n *Node) Commit(ctx context.Context, txnID string, first, last uint64, data []byte) (segment.Info, error) {
	if !n.IsMaster() {
		return segment.Info{}, consistency.ErrNotMaster
	}
	required, err := n.calc.RequiredAcks(n.cfg.AckPolicyValue(), n.View())
	if err != nil {
		return segment.Info{}, err
	}

	if required == 0 {
		info, err := n.segments.Append(first, last, data)
		if err != nil {
			return segment.Info{}, fmt.Errorf("txn %s: %w", txnID, err)
		}
		return info, nil
	}

	// Registered before the append so that no acknowledgment can arrive for an unknown transaction
	h, err := n.acks.Register(txnID, required, n.cfg.AckTimeout)
	if err != nil {
		return segment.Info{}, err
	}
	info, err := n.segments.Append(first, last, data)
	if err != nil {
		h.Cancel()
		return segment.Info{}, fmt.Errorf("txn %s: %w", txnID, err)
	}
	if err := h.Await(ctx); err != nil {
		return info, err
	}
	return info, nil
}

// Acknowledge records that replica durably applied txnID. It reports whether the acknowledgment was counted.
func (n *Node) Acknowledge(txnID, replica string) bool {
	return n.acks.Ack(txnID, replica)
}

// Replayed records that the replication stream applied the commit at vlsn, committed on the master at
// commitTime.
func (n *Node) Replayed(vlsn uint64, commitTime time.Time) {
	n.replay.Replayed(vlsn, commitTime)
}

func (n *Node) feederState() string {
	return fmt.Sprintf("role=%s feeders=%d inflight=%d", n.getRole(), n.donor.Load(), n.acks.InFlight())
}
