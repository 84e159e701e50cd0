package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"repcore/internal/group"
	"repcore/internal/pubsub"
	"repcore/internal/restore"
	"repcore/internal/retry"
	"repcore/internal/rollback"
	"repcore/internal/transport"
)

var (
	// ErrNoMaster is returned (wrapped) when no reachable member reports itself as master.
	ErrNoMaster = errors.New("no master found")
	// ErrIsMaster is returned by Join on the master itself.
	ErrIsMaster = errors.New("node is the master")
)

// InsufficientLogError reports that the master no longer holds the positions following the local log, so the
// replica cannot be fed by replay and needs a network restore.
type InsufficientLogError struct {
	Master      string
	LocalEnd    uint64
	MasterStart uint64
}

func (e *InsufficientLogError) Error() string {
	return fmt.Sprintf("master %s starts at VLSN %d, local log ends at %d", e.Master, e.MasterStart, e.LocalEnd)
}

// JoinResult describes a completed join.
type JoinResult struct {
	Master group.Member
	// Attempts is the number of syncups run, including the successful one.
	Attempts int
	// Restore is set when the local log was replaced by a network restore.
	Restore *restore.Result
	// Rollback is set when local records past the matchpoint were discarded.
	Rollback *rollback.RollbackError
}

// syncState is what the matchpoint search learned about the local log and the master's.
type syncState struct {
	masterStart uint64
	masterEnd   uint64
	localEnd    uint64
	matchpoint  uint64
}

// Join brings the node into the group as a replica of the current master.
//
// Syncup with the master runs first. When the master no longer holds the positions that follow the local log, the
// log is replaced by a network restore and syncup runs again within the same attempt. Local records the master does
// not have are rolled back after the rewrite listeners agreed. Transient failures are retried following retry
// directives built from JoinAttempts and JoinBackoff; a syncup that fails because the master went quiet is not
// retried.
func (n *Node) Join(ctx context.Context) (*JoinResult, error) {
	if n.IsMaster() {
		return nil, ErrIsMaster
	}

	seq := retry.NewSequence(n.cfg.JoinAttempts, n.cfg.JoinBackoff, 0)
	res := &JoinResult{}
	ctx = withValue(ctx, nodeNameKey, n.self.Name)

	err := retry.Do(ctx, func(ctx context.Context) error {
		res.Attempts++
		ctx = withValue(ctx, joinAttemptKey, res.Attempts)

		master, err := n.syncUp(ctx, res)
		var insufficient *InsufficientLogError
		if errors.As(err, &insufficient) {
			n.logger.Infof("%v, starting network restore", err)
			result, restoreErr := n.Restore(ctx)
			if restoreErr != nil {
				return restoreErr
			}
			res.Restore = result
			// Ordinary syncup against the restored log, within the same attempt
			master, err = n.syncUp(ctx, res)
		}
		switch {
		case err == nil:
			res.Master = master
			return nil
		case errors.As(err, &insufficient), errors.Is(err, ErrNoMaster), transport.Retryable(err):
			n.logger.Infof("join attempt %d: %v", res.Attempts, err)
			return nextAttempt(seq, err.Error())
		default:
			return err
		}
	})
	if err != nil {
		n.SetMaster("")
		return nil, fmt.Errorf("join %s: %w", n.self.Name, err)
	}

	n.incrementJoins()
	n.logger.Infof("joined master %s after %d attempts", res.Master.Name, res.Attempts)
	return res, nil
}

// nextAttempt turns the next directive of seq into the error retry.Do consumes.
func nextAttempt(seq *retry.Sequence, reason string) error {
	d, err := seq.Next(reason)
	if err != nil {
		return err
	}
	return d
}

// syncUp finds the master and the matchpoint, and rolls back local records past it.
func (n *Node) syncUp(ctx context.Context, res *JoinResult) (group.Member, error) {
	master, err := n.findMaster(ctx)
	if err != nil {
		return group.Member{}, err
	}
	ctx = withValue(ctx, syncMasterKey, master.Name)
	n.setMaster(Replica, master)

	st, err := n.searchMatchpoint(ctx, master)
	if err != nil {
		return master, err
	}

	switch {
	case st.masterEnd > 0 && st.masterStart > st.localEnd+1:
		return master, &InsufficientLogError{Master: master.Name, LocalEnd: st.localEnd, MasterStart: st.masterStart}
	case st.localEnd > st.matchpoint:
		rb, err := n.rollbackTo(ctx, st)
		if err != nil {
			return master, err
		}
		res.Rollback = rb
	}

	now := time.Now()
	n.replay.Heartbeat(st.masterEnd, now)
	n.replay.Replayed(n.segments.RangeEnd(), now)
	n.logger.Infof("synced with master %s at matchpoint %d, master at %d", master.Name, st.matchpoint,
		st.masterEnd)
	return master, nil
}

// findMaster pings the known members and the configured helpers concurrently and returns the one that answers
// as master of this group.
func (n *Node) findMaster(ctx context.Context) (group.Member, error) {
	candidates := group.Peers(n.View().Members(), n.self.Name)
	for _, h := range n.cfg.Helpers {
		host, port, err := group.ParseAddress(h)
		if err != nil || (host == n.self.Host && port == n.self.Port) {
			continue
		}
		// Helpers are addressed by their address until they tell us their name
		candidates = append(candidates, group.Member{Name: h, Type: group.Electable, Host: host, Port: port})
	}

	var (
		mu    sync.Mutex
		found []group.Member
	)
	eg, egCtx := errgroup.WithContext(ctx)
	for _, c := range candidates {
		eg.Go(func() error {
			resp, err := n.peers.Ping(egCtx, c)
			if err != nil {
				n.logger.Debugf("master discovery: %s did not answer: %v", c.Name, err)
				return nil
			}
			if !resp.IsMaster || resp.Name == n.self.Name || resp.GroupName != n.cfg.Group {
				return nil
			}
			m := c
			m.Name = resp.Name
			if t, err := group.ParseNodeType(resp.NodeType); err == nil {
				m.Type = t
			}
			mu.Lock()
			found = append(found, m)
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()

	if err := ctx.Err(); err != nil {
		return group.Member{}, err
	}
	if len(found) == 0 {
		return group.Member{}, fmt.Errorf("%w among %d candidates", ErrNoMaster, len(candidates))
	}
	// Prefer the record from group metadata over one reached through a helper
	for _, m := range found {
		if _, ok := n.View().Member(m.Name); ok {
			return m, nil
		}
	}
	return found[0], nil
}

// searchMatchpoint runs the matchpoint search against master. The search reports every step it makes; if it stays
// quiet for the syncup idle timeout it is abandoned with a *rollback.SyncUpFailedError.
func (n *Node) searchMatchpoint(ctx context.Context, master group.Member) (syncState, error) {
	searchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	activity := make(chan struct{}, 1)
	done := make(chan struct{})
	var (
		last      atomic.Uint64
		st        syncState
		searchErr error
	)
	go func() {
		defer close(done)
		st, searchErr = n.matchpoint(searchCtx, master, func(vlsn uint64) {
			last.Store(vlsn)
			select {
			case activity <- struct{}{}:
			default:
			}
		})
	}()

	if err := rollback.WatchChannel(ctx, master.Name, n.cfg.SyncupIdleTimeout, activity, done, last.Load); err != nil {
		cancel()
		<-done
		n.logger.Warnf("syncup with %s abandoned: %v", master.Name, err)
		return syncState{}, err
	}
	return st, searchErr
}

// matchpoint asks master for its range and walks the local segments back from the newest one until it reaches
// a position the master also holds. A segment straddling the master's end is matched at that end.
func (n *Node) matchpoint(ctx context.Context, master group.Member, progress func(vlsn uint64)) (syncState, error) {
	resp, err := n.peers.Ping(ctx, master)
	if err != nil {
		return syncState{}, err
	}
	if !resp.IsMaster {
		return syncState{}, fmt.Errorf("%w: %s stepped down", ErrNoMaster, master.Name)
	}
	progress(resp.RangeEnd)

	segs, err := n.segments.Segments()
	if err != nil {
		return syncState{}, err
	}
	st := syncState{masterStart: resp.RangeStart, masterEnd: resp.RangeEnd}
	if len(segs) > 0 {
		st.localEnd = segs[len(segs)-1].LastVLSN
	}
	for i := len(segs) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return syncState{}, err
		}
		seg := segs[i]
		progress(seg.LastVLSN)
		if seg.LastVLSN <= resp.RangeEnd {
			st.matchpoint = seg.LastVLSN
			break
		}
		if seg.FirstVLSN <= resp.RangeEnd {
			st.matchpoint = resp.RangeEnd
			break
		}
	}
	return st, nil
}

// rollbackTo discards the local segments past the matchpoint once every rewrite listener accepted it.
func (n *Node) rollbackTo(ctx context.Context, st syncState) (*rollback.RollbackError, error) {
	affected, err := n.segments.SegmentsAfter(st.matchpoint)
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(affected))
	for _, seg := range affected {
		files = append(files, seg.Name())
	}
	// Every segment holds exactly one committed transaction
	rb := &rollback.RollbackError{
		Node:          n.self.Name,
		Matchpoint:    st.matchpoint,
		LocalEnd:      st.localEnd,
		CommittedTxns: len(affected),
		Files:         files,
	}

	pubsub.Publish(n.bus, pubsub.NewEvent(pubsub.RollbackWarning, pubsub.RollbackNotice{
		Node:       n.self.Name,
		Matchpoint: st.matchpoint,
		Files:      files,
	}))
	if err := n.rollbacks.Prepare(ctx, rb); err != nil {
		return nil, fmt.Errorf("%w: %w", rb, err)
	}

	removed, err := n.segments.TruncateAfter(st.matchpoint)
	if err != nil {
		return nil, fmt.Errorf("rollback to %d: %w", st.matchpoint, err)
	}
	n.logger.Warnf("rolled back %d committed txns to matchpoint %d, removed %d files", rb.CommittedTxns,
		st.matchpoint, len(removed))
	return rb, nil
}

// Restore replaces the local log with a copy taken from a data-bearing member chosen by the restore coordinator.
func (n *Node) Restore(ctx context.Context) (*restore.Result, error) {
	sources := group.Peers(n.View().DataNodes(), n.self.Name)
	if m, ok := n.masterMember(); ok && !containsMember(sources, m.Name) {
		sources = append(sources, m)
	}

	result, err := n.coordinator.Restore(ctx, sources, n.segments.RangeEnd(), n.cfg.Restore.MaxLag)
	if err != nil {
		return nil, err
	}
	n.replay.Replayed(n.segments.RangeEnd(), time.Now())
	return result, nil
}

func containsMember(members []group.Member, name string) bool {
	for _, m := range members {
		if m.Name == name {
			return true
		}
	}
	return false
}
