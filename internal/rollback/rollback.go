// Package rollback defines the signals raised when locally durable log content diverges from the master's
// history: a warning callback fired before log files are rewritten, the rollback failure itself, and the failure
// raised when the syncup peer channel goes quiet before the matchpoint search completes.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"repcore/internal/logging"
)

// RewriteListener is warned before the given log files are rewritten. Returning an error vetoes the rewrite.
type RewriteListener interface {
	RewriteLogFiles(ctx context.Context, files []string) error
}

// RewriteListenerFunc adapts a function to RewriteListener.
type RewriteListenerFunc func(ctx context.Context, files []string) error

func (f RewriteListenerFunc) RewriteLogFiles(ctx context.Context, files []string) error {
	return f(ctx, files)
}

// RollbackError reports that local records after Matchpoint diverge from the new master's history and must be
// discarded. Files lists the log files that will be rewritten.
type RollbackError struct {
	Node string
	// Matchpoint is the most recent position at which local and master history agree.
	Matchpoint uint64
	// LocalEnd is the last position present locally before the rollback.
	LocalEnd uint64
	// CommittedTxns is the number of locally committed transactions that will be rolled back.
	CommittedTxns int
	Files         []string
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("node %s must roll back from VLSN %d to matchpoint %d (%d committed txns, %d files)",
		e.Node, e.LocalEnd, e.Matchpoint, e.CommittedTxns, len(e.Files))
}

// SyncUpFailedError reports that syncup with Peer could not finish because the channel went idle or closed while
// the matchpoint search was still running.
type SyncUpFailedError struct {
	Peer     string
	LastVLSN uint64
	Idle     time.Duration
	Cause    error
}

func (e *SyncUpFailedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("syncup with %s failed at VLSN %d: %v", e.Peer, e.LastVLSN, e.Cause)
	}
	return fmt.Sprintf("syncup with %s failed at VLSN %d: channel idle for %v", e.Peer, e.LastVLSN, e.Idle)
}

func (e *SyncUpFailedError) Unwrap() error { return e.Cause }

// ErrRewriteVetoed wraps a listener's refusal to allow a rewrite.
var ErrRewriteVetoed = errors.New("log file rewrite vetoed")

// Notifier fans a rollback warning out to the registered listeners before any file is touched.
type Notifier struct {
	mu        sync.RWMutex
	listeners []RewriteListener
	logger    logging.Logger
}

func NewNotifier(logger logging.Logger) *Notifier {
	return &Notifier{logger: logging.OrNop(logger)}
}

// Register adds a listener.
func (n *Notifier) Register(l RewriteListener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, l)
}

// Prepare warns every listener about the rollback described by rb. It must be called, and must succeed, before
// the files are rewritten. The first listener error stops the notification and is returned wrapped in
// ErrRewriteVetoed.
func (n *Notifier) Prepare(ctx context.Context, rb *RollbackError) error {
	files := make([]string, len(rb.Files))
	copy(files, rb.Files)
	sort.Strings(files)

	n.mu.RLock()
	listeners := make([]RewriteListener, len(n.listeners))
	copy(listeners, n.listeners)
	n.mu.RUnlock()

	n.logger.Warnf("rolling back to matchpoint %d, rewriting %d log files", rb.Matchpoint, len(files))
	for _, l := range listeners {
		if err := l.RewriteLogFiles(ctx, files); err != nil {
			return fmt.Errorf("%w: %w", ErrRewriteVetoed, err)
		}
	}
	return nil
}

// WatchChannel waits on activity while a matchpoint search is in progress. Every receive on activity resets the
// idle timer; done signals that the search finished. If activity is closed or no activity arrives within idle,
// a SyncUpFailedError is returned. lastVLSN reports the last position the search reached.
func WatchChannel(ctx context.Context, peer string, idle time.Duration, activity <-chan struct{}, done <-chan struct{},
	lastVLSN func() uint64) error {

	timer := time.NewTimer(idle)
	defer timer.Stop()

	for {
		select {
		case <-done:
			return nil
		case _, ok := <-activity:
			if !ok {
				return &SyncUpFailedError{Peer: peer, LastVLSN: lastVLSN(), Cause: errors.New("channel closed")}
			}
			timer.Reset(idle)
		case <-timer.C:
			return &SyncUpFailedError{Peer: peer, LastVLSN: lastVLSN(), Idle: idle}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
