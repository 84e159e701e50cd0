package consistency

import (
	"context"
	"sync"
	"time"
)

// Tracker follows how far a replica's replay has progressed relative to the master. Waiters are parked on
// channels that are closed whenever the tracked state changes.
type Tracker struct {
	mu sync.Mutex

	replayedVLSN       uint64
	replayedCommitTime time.Time
	masterVLSN         uint64
	masterTime         time.Time

	waiters []chan struct{}
}

func NewTracker() *Tracker {
	return &Tracker{}
}

// Replayed records that the commit at vlsn, which the master committed at commitTime, has been applied locally.
func (t *Tracker) Replayed(vlsn uint64, commitTime time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if vlsn <= t.replayedVLSN {
		return
	}
	t.replayedVLSN = vlsn
	t.replayedCommitTime = commitTime
	t.broadcast()
}

// Heartbeat records the master's latest position and clock as carried by a heartbeat.
func (t *Tracker) Heartbeat(masterVLSN uint64, masterTime time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if masterVLSN > t.masterVLSN {
		t.masterVLSN = masterVLSN
	}
	if masterTime.After(t.masterTime) {
		t.masterTime = masterTime
	}
	t.broadcast()
}

// ReplayedVLSN returns the highest position replayed locally.
func (t *Tracker) ReplayedVLSN() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.replayedVLSN
}

// Lag returns how far the local replay trails the master in master time. It is zero once everything the master
// announced has been replayed.
func (t *Tracker) Lag() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lagLocked()
}

func (t *Tracker) lagLocked() time.Duration {
	if t.replayedVLSN >= t.masterVLSN {
		return 0
	}
	if t.replayedCommitTime.IsZero() {
		if t.masterTime.IsZero() {
			return 0
		}
		// nothing replayed yet, the lag is unbounded
		return time.Duration(1<<63 - 1)
	}
	lag := t.masterTime.Sub(t.replayedCommitTime)
	if lag < 0 {
		return 0
	}
	return lag
}

// Wait blocks until cond, evaluated under the tracker lock, holds or ctx is done.
func (t *Tracker) Wait(ctx context.Context, cond func(replayedVLSN uint64, lag time.Duration) bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for !cond(t.replayedVLSN, t.lagLocked()) {
		ch := make(chan struct{})
		t.waiters = append(t.waiters, ch)
		t.mu.Unlock()

		select {
		case <-ch:
			t.mu.Lock()
		case <-ctx.Done():
			t.mu.Lock()
			t.waiters = removeWaiter(t.waiters, ch)
			return ctx.Err()
		}
	}
	return nil
}

// broadcast must be called with the lock held.
func (t *Tracker) broadcast() {
	for _, ch := range t.waiters {
		close(ch)
	}
	t.waiters = nil
}

func removeWaiter(list []chan struct{}, ch chan struct{}) []chan struct{} {
	n := len(list)
	for i := 0; i < n; {
		if list[i] == ch {
			n--
			list[i] = list[n]
		} else {
			i++
		}
	}
	return list[:n]
}
