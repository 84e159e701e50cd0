// Package consistency blocks callers until a stated consistency condition holds on the local node.
//
// The strictest condition, Absolute, requires the local node to be the master and to prove that it still is by
// reaching a simple majority of the electable members of the group within the requested timeout. The TimeLag and
// CommitPoint conditions wait on the locally tracked replay progress instead.
package consistency

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"repcore/internal/group"
	"repcore/internal/logging"
	"repcore/internal/quorum"
)

const (
	defaultProbeInterval = 50 * time.Millisecond
	defaultProbeTimeout  = time.Second
)

// PeerProber contacts a group member and returns nil if it answered as a live member of the same group.
type PeerProber interface {
	Probe(ctx context.Context, member group.Member) error
}

// RoleSource reports whether the local node currently holds the master role.
type RoleSource interface {
	IsMaster() bool
}

// Recorder receives wait statistics. Implementations must not block.
type Recorder interface {
	RecordConsistencyWait(kind string, d time.Duration)
	RecordConsistencyFailure(kind, reason string)
}

// Config holds the collaborators of a Gate.
type Config struct {
	// Self is the local node's member name, excluded from probing.
	Self string
	// View returns the current group view.
	View       func() *group.View
	Role       RoleSource
	Prober     PeerProber
	Calculator quorum.Calculator
	// Replay tracks replica progress. Required for TimeLag and CommitPoint.
	Replay *Tracker
	// ProbeInterval is the pause between two unsuccessful probe rounds.
	ProbeInterval time.Duration
	// ProbeTimeout bounds one probe round.
	ProbeTimeout time.Duration
	Logger        logging.Logger
	Metrics       Recorder
}

// Stats are the counters kept for successful waits.
type Stats struct {
	Waits    uint64
	WaitTime time.Duration
}

// Gate implements consistency waits. It is safe for concurrent use.
type Gate struct {
	cfg    Config
	logger logging.Logger

	waitCount atomic.Uint64
	waitNanos atomic.Int64

	closing   chan struct{}
	closeOnce sync.Once
}

func NewGate(cfg Config) *Gate {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = defaultProbeInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	return &Gate{
		cfg:     cfg,
		logger:  logging.OrNop(cfg.Logger),
		closing: make(chan struct{}),
	}
}

// Ensure blocks until req holds, returning nil, or fails with ErrNotMaster, *TimeoutError, ErrEnvironmentClosing
// or the context's error.
func (g *Gate) Ensure(ctx context.Context, req Requirement) error {
	if err := req.validate(); err != nil {
		return err
	}
	if g.isClosing() {
		return ErrEnvironmentClosing
	}
	if req.Kind == Absolute && !g.isMaster() {
		g.recordFailure(req.Kind, "not_master")
		return ErrNotMaster
	}

	waitCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()
	stop := g.cancelOnClose(waitCtx, cancel)
	defer stop()

	start := time.Now()
	var err error
	switch req.Kind {
	case Absolute:
		err = g.proveAuthority(ctx, waitCtx, req)
	default:
		err = g.awaitReplay(ctx, waitCtx, req)
	}
	if err != nil {
		return err
	}

	g.recordWait(req.Kind, time.Since(start))
	return nil
}

// Close fails every current and future wait with ErrEnvironmentClosing.
func (g *Gate) Close() {
	g.closeOnce.Do(func() {
		close(g.closing)
	})
}

// Stats returns the number of successful waits and the cumulative time spent in them.
func (g *Gate) Stats() Stats {
	return Stats{Waits: g.waitCount.Load(), WaitTime: time.Duration(g.waitNanos.Load())}
}

func (g *Gate) proveAuthority(parent, ctx context.Context, req Requirement) error {
	var contacted, required int
	for {
		view := g.cfg.View()
		q, err := g.cfg.Calculator.ElectionQuorum(quorum.SimpleMajority, view)
		if err != nil {
			return err
		}
		required = q

		// The master counts itself.
		contacted = 1 + g.probeRound(ctx, view, q-1)
		if contacted >= required {
			g.logger.Debugf("authority proven: %d of %d electable members", contacted, required)
			return nil
		}
		if !g.isMaster() {
			g.recordFailure(req.Kind, "not_master")
			return ErrNotMaster
		}

		select {
		case <-ctx.Done():
			return g.waitFailed(parent, req, &TimeoutError{
				Kind: req.Kind, Timeout: req.Timeout, Contacted: contacted, Required: required,
			})
		case <-time.After(g.cfg.ProbeInterval):
		}
	}
}

// probeRound probes the electable peers concurrently and returns how many answered. Outstanding probes are
// cancelled as soon as need answers have arrived.
func (g *Gate) probeRound(ctx context.Context, view *group.View, need int) int {
	if need <= 0 {
		return 0
	}

	roundCtx, cancel := context.WithTimeout(ctx, g.cfg.ProbeTimeout)
	defer cancel()
	eg, egCtx := errgroup.WithContext(roundCtx)

	var answered atomic.Int32
	for _, peer := range group.Peers(view.Electable(), g.cfg.Self) {
		eg.Go(func() error {
			if err := g.cfg.Prober.Probe(egCtx, peer); err != nil {
				g.logger.Debugf("probe of %s failed: %v", peer.Name, err)
				return nil
			}
			if int(answered.Add(1)) >= need {
				cancel()
			}
			return nil
		})
	}
	_ = eg.Wait()

	n := int(answered.Load())
	if n > need {
		n = need
	}
	return n
}

// isMaster reports false when no role source is configured.
func (g *Gate) isMaster() bool {
	return g.cfg.Role != nil && g.cfg.Role.IsMaster()
}

func (g *Gate) awaitReplay(parent, ctx context.Context, req Requirement) error {
	// The master is always consistent with itself.
	if g.isMaster() {
		return nil
	}
	if g.cfg.Replay == nil {
		return fmt.Errorf("%s consistency needs a replay tracker", req.Kind)
	}

	err := g.cfg.Replay.Wait(ctx, func(replayed uint64, lag time.Duration) bool {
		if req.Kind == CommitPoint {
			return replayed >= req.CommitVLSN
		}
		return lag <= req.PermissibleLag
	})
	if err == nil {
		return nil
	}

	te := &TimeoutError{Kind: req.Kind, Timeout: req.Timeout}
	if req.Kind == CommitPoint {
		te.Target = fmt.Sprintf("VLSN %d", req.CommitVLSN)
		te.Reached = fmt.Sprintf("VLSN %d", g.cfg.Replay.ReplayedVLSN())
	} else {
		te.Target = fmt.Sprintf("lag <= %v", req.PermissibleLag)
		te.Reached = fmt.Sprintf("lag %v", g.cfg.Replay.Lag())
	}
	return g.waitFailed(parent, req, te)
}

// waitFailed maps the end of an unsuccessful wait to its cause: closing, caller cancellation or timeout.
func (g *Gate) waitFailed(parent context.Context, req Requirement, timeout *TimeoutError) error {
	switch {
	case g.isClosing():
		g.recordFailure(req.Kind, "closing")
		return ErrEnvironmentClosing
	case parent.Err() != nil:
		g.recordFailure(req.Kind, "cancelled")
		return parent.Err()
	default:
		g.recordFailure(req.Kind, "timeout")
		g.logger.Infof("%v", timeout)
		return timeout
	}
}

func (g *Gate) cancelOnClose(ctx context.Context, cancel context.CancelFunc) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-g.closing:
			cancel()
		case <-ctx.Done():
		case <-done:
		}
	}()
	return func() { close(done) }
}

func (g *Gate) isClosing() bool {
	select {
	case <-g.closing:
		return true
	default:
		return false
	}
}

func (g *Gate) recordWait(kind Kind, d time.Duration) {
	g.waitCount.Add(1)
	g.waitNanos.Add(int64(d))
	if g.cfg.Metrics != nil {
		g.cfg.Metrics.RecordConsistencyWait(kind.String(), d)
	}
}

func (g *Gate) recordFailure(kind Kind, reason string) {
	if g.cfg.Metrics != nil {
		g.cfg.Metrics.RecordConsistencyFailure(kind.String(), reason)
	}
}
