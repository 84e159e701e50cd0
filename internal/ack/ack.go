// Package ack accounts, per write transaction, for the replica acknowledgments the master still needs before the
// commit may be reported durable.
//
// The tracker does not decide how many acknowledgments a policy requires (see quorum.RequiredAcks); it only keeps
// the outstanding count, wakes the committing goroutine when the count reaches zero, and produces a precise
// InsufficientAcksError when the wait times out or the environment closes.
package ack

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"repcore/internal/logging"
)

var (
	// ErrTrackerClosed is returned by Register after Close.
	ErrTrackerClosed = errors.New("ack tracker is closed")
	// ErrDuplicateTxn is returned when a transaction id is registered twice while still in flight.
	ErrDuplicateTxn = errors.New("transaction already registered")
	// ErrInvalidRequiredAcks is returned for a negative acknowledgment count.
	ErrInvalidRequiredAcks = errors.New("required acks must not be negative")
)

// InsufficientAcksError reports that a commit did not receive the acknowledgments its durability policy requires.
type InsufficientAcksError struct {
	TxnID    string
	Pending  int
	Required int
	Timeout  time.Duration
	// FeederState is a diagnostic snapshot of the master's replica feeders at the time of failure.
	FeederState string
	// Closing is set when the wait was cut short by the environment closing rather than by the timeout.
	Closing bool
}

func (e *InsufficientAcksError) Error() string {
	cause := fmt.Sprintf("timed out after %v", e.Timeout)
	if e.Closing {
		cause = "environment closing"
	}
	msg := fmt.Sprintf("txn %s: insufficient acks (%d of %d pending): %s", e.TxnID, e.Pending, e.Required, cause)
	if e.FeederState != "" {
		msg += "; feeders: " + e.FeederState
	}
	return msg
}

// Recorder receives acknowledgment statistics. It must not block.
type Recorder interface {
	RecordAckReceived()
	RecordAckWait(d time.Duration)
	RecordAckTimeout()
}

// Options configures a Tracker. Every field is optional.
type Options struct {
	Logger  logging.Logger
	Metrics Recorder
	// FeederState returns a description of the feeders, attached to InsufficientAcksError.
	FeederState func() string
}

// Tracker indexes in-flight handles by transaction id so the acknowledgment stream can find them.
type Tracker struct {
	mu      sync.Mutex
	handles map[string]*Handle

	closing   chan struct{}
	closeOnce sync.Once

	logger      logging.Logger
	metrics     Recorder
	feederState func() string
}

func NewTracker(opts Options) *Tracker {
	return &Tracker{
		handles:     make(map[string]*Handle),
		closing:     make(chan struct{}),
		logger:      logging.OrNop(opts.Logger),
		metrics:     opts.Metrics,
		feederState: opts.FeederState,
	}
}

// Register creates the acknowledgment state for txnID. A handle with requiredAcks of zero is durable immediately.
func (t *Tracker) Register(txnID string, requiredAcks int, timeout time.Duration) (*Handle, error) {
	if requiredAcks < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRequiredAcks, requiredAcks)
	}

	h := &Handle{
		txnID:     txnID,
		required:  requiredAcks,
		timeout:   timeout,
		startedAt: time.Now(),
		durable:   make(chan struct{}),
		tracker:   t,
	}
	h.pending.Store(int64(requiredAcks))

	t.mu.Lock()
	defer t.mu.Unlock()

	select {
	case <-t.closing:
		return nil, ErrTrackerClosed
	default:
	}
	if _, ok := t.handles[txnID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateTxn, txnID)
	}

	if requiredAcks == 0 {
		close(h.durable)
		return h, nil
	}
	t.handles[txnID] = h
	t.logger.Debugf("registered txn %s, awaiting %d acks within %v", txnID, requiredAcks, timeout)
	return h, nil
}

// Ack routes an acknowledgment from replica to the handle for txnID. Acknowledgments for unknown or already
// durable transactions are ignored and reported as false.
func (t *Tracker) Ack(txnID, replica string) bool {
	t.mu.Lock()
	h, ok := t.handles[txnID]
	t.mu.Unlock()
	if !ok {
		t.logger.Debugf("late ack from %s for txn %s ignored", replica, txnID)
		return false
	}
	return h.Ack(replica)
}

// InFlight returns the number of handles still waiting for acknowledgments.
func (t *Tracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handles)
}

// Close wakes every waiting handle with an InsufficientAcksError marked Closing. It is safe to call more than once.
func (t *Tracker) Close() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		n := len(t.handles)
		close(t.closing)
		t.mu.Unlock()
		if n > 0 {
			t.logger.Warnf("closing with %d transactions still awaiting acks", n)
		}
	})
}

func (t *Tracker) remove(h *Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.handles[h.txnID]; ok && cur == h {
		delete(t.handles, h.txnID)
	}
}

func (t *Tracker) feeders() string {
	if t.feederState == nil {
		return ""
	}
	return t.feederState()
}

// Handle is the acknowledgment state of one transaction. The committing goroutine owns it and waits on it; the
// acknowledgment stream decrements it.
type Handle struct {
	txnID     string
	required  int
	pending   atomic.Int64
	timeout   time.Duration
	startedAt time.Time
	// closed when pending reaches zero
	durable chan struct{}
	tracker *Tracker
}

func (h *Handle) TxnID() string { return h.txnID }

func (h *Handle) Required() int { return h.required }

// Pending returns the number of acknowledgments still outstanding.
func (h *Handle) Pending() int { return int(h.pending.Load()) }

// Durable reports whether every required acknowledgment has arrived.
func (h *Handle) Durable() bool {
	select {
	case <-h.durable:
		return true
	default:
		return false
	}
}

// Ack records one acknowledgment from replica and reports whether it was counted. The pending count never drops
// below zero; once the handle is durable further acknowledgments are no-ops.
func (h *Handle) Ack(replica string) bool {
	for {
		p := h.pending.Load()
		if p <= 0 {
			return false
		}
		if !h.pending.CompareAndSwap(p, p-1) {
			continue
		}
		if h.tracker.metrics != nil {
			h.tracker.metrics.RecordAckReceived()
		}
		if p == 1 {
			close(h.durable)
			h.tracker.remove(h)
			if h.tracker.metrics != nil {
				h.tracker.metrics.RecordAckWait(time.Since(h.startedAt))
			}
			h.tracker.logger.Debugf("txn %s durable, last ack from %s", h.txnID, replica)
		}
		return true
	}
}

// Await blocks until the handle is durable, the ack timeout elapses, the tracker closes or ctx is done. The
// timeout is measured from registration. A timeout or close yields an *InsufficientAcksError.
func (h *Handle) Await(ctx context.Context) error {
	if h.Durable() {
		return nil
	}

	timer := time.NewTimer(time.Until(h.startedAt.Add(h.timeout)))
	defer timer.Stop()

	select {
	case <-h.durable:
		return nil
	case <-timer.C:
		if err := h.Timeout(); err != nil {
			return err
		}
		return nil
	case <-h.tracker.closing:
		if err := h.EnvironmentClosing(); err != nil {
			return err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel withdraws the handle from the tracker without reporting a failure, for a transaction that was never
// committed. Acknowledgments arriving afterwards are ignored.
func (h *Handle) Cancel() {
	h.tracker.remove(h)
	h.tracker.logger.Debugf("txn %s withdrawn", h.txnID)
}

// Timeout gives up on the handle and returns the insufficiency with the exact counts at this instant, or nil when
// the handle already became durable.
func (h *Handle) Timeout() error {
	return h.fail(false)
}

// EnvironmentClosing is like Timeout but marks the failure as caused by the environment closing.
func (h *Handle) EnvironmentClosing() error {
	return h.fail(true)
}

func (h *Handle) fail(closing bool) error {
	if h.Durable() {
		return nil
	}
	h.tracker.remove(h)

	err := &InsufficientAcksError{
		TxnID:       h.txnID,
		Pending:     h.Pending(),
		Required:    h.required,
		Timeout:     h.timeout,
		FeederState: h.tracker.feeders(),
		Closing:     closing,
	}
	if h.tracker.metrics != nil {
		h.tracker.metrics.RecordAckTimeout()
	}
	h.tracker.logger.Warnf("%v", err)
	return err
}
