package mocks

import (
	"sync"
	"time"
)

// MockRecorder is a hand-written implementation of the statistics recorders of the ack, consistency, restore and
// transport packages for testing.
type MockRecorder struct {
	mu sync.RWMutex

	AcksReceived int
	AckWaits     []time.Duration
	AckTimeouts  int

	ConsistencyWaits    map[string][]time.Duration
	ConsistencyFailures map[string]int

	RestoreRounds     int
	RestoreCandidates map[string]int
	RestoreResults    []bool
	RestoreBytes      int64

	FeederLoads []int
}

// NewMockRecorder creates a new mock recorder
func NewMockRecorder() *MockRecorder {
	return &MockRecorder{
		ConsistencyWaits:    make(map[string][]time.Duration),
		ConsistencyFailures: make(map[string]int),
		RestoreCandidates:   make(map[string]int),
	}
}

func (m *MockRecorder) RecordAckReceived() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AcksReceived++
}

func (m *MockRecorder) RecordAckWait(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AckWaits = append(m.AckWaits, d)
}

func (m *MockRecorder) RecordAckTimeout() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AckTimeouts++
}

func (m *MockRecorder) RecordConsistencyWait(kind string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ConsistencyWaits[kind] = append(m.ConsistencyWaits[kind], d)
}

// RecordConsistencyFailure counts failures under "kind/reason".
func (m *MockRecorder) RecordConsistencyFailure(kind, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ConsistencyFailures[kind+"/"+reason]++
}

func (m *MockRecorder) RecordRestoreRound() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RestoreRounds++
}

func (m *MockRecorder) RecordRestoreCandidate(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RestoreCandidates[outcome]++
}

func (m *MockRecorder) RecordRestoreResult(ok bool, bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RestoreResults = append(m.RestoreResults, ok)
	m.RestoreBytes += bytes
}

func (m *MockRecorder) SetFeederLoad(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FeederLoads = append(m.FeederLoads, n)
}

// Acks returns the received acknowledgment count, the number of recorded waits and the timeouts.
func (m *MockRecorder) Acks() (received, waits, timeouts int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.AcksReceived, len(m.AckWaits), m.AckTimeouts
}

func (m *MockRecorder) ConsistencyWaitCount(kind string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ConsistencyWaits[kind])
}

func (m *MockRecorder) ConsistencyFailureCount(kind, reason string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ConsistencyFailures[kind+"/"+reason]
}

func (m *MockRecorder) CandidateOutcomes(outcome string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RestoreCandidates[outcome]
}

func (m *MockRecorder) Rounds() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RestoreRounds
}

// Results returns a copy of the recorded restore results.
func (m *MockRecorder) Results() []bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]bool(nil), m.RestoreResults...)
}

// Reset clears everything recorded so far
func (m *MockRecorder) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AcksReceived = 0
	m.AckWaits = nil
	m.AckTimeouts = 0
	m.ConsistencyWaits = make(map[string][]time.Duration)
	m.ConsistencyFailures = make(map[string]int)
	m.RestoreRounds = 0
	m.RestoreCandidates = make(map[string]int)
	m.RestoreResults = nil
	m.RestoreBytes = 0
	m.FeederLoads = nil
}
