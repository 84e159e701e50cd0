package restore

import (
	"context"
	"fmt"
	"math"

	"repcore/internal/group"
)

const (
	// RangeEndUnknown is the range end every candidate starts with before it has answered once.
	RangeEndUnknown uint64 = math.MaxUint64
	// LoadUnknown is the load every candidate starts with. No donor can report a load at or below it, so the first
	// request sent to any candidate is always rejected.
	LoadUnknown = -1
)

// Candidate is a possible donor together with what it last reported about itself. Candidates are values: each
// round builds a fresh list.
type Candidate struct {
	Member group.Member
	// RangeEnd is the highest log position the candidate holds.
	RangeEnd uint64
	// Load is the number of feeders the candidate is serving.
	Load int
}

func (c Candidate) String() string {
	rangeEnd := "?"
	if c.RangeEnd != RangeEndUnknown {
		rangeEnd = fmt.Sprint(c.RangeEnd)
	}
	return fmt.Sprintf("%s(rangeEnd=%s, load=%d)", c.Member.Name, rangeEnd, c.Load)
}

// OutcomeKind tags the result of one transfer attempt.
type OutcomeKind int

const (
	Success OutcomeKind = iota + 1
	// Unreachable means the donor could not be contacted. The candidate is dropped.
	Unreachable
	// Incompatible means the donor cannot serve this node, for example a different group or an unusable log
	// version. The candidate is dropped.
	Incompatible
	// Rejected means the donor declined with fresh range end and load values. The candidate is retried in the
	// next round with those values.
	Rejected
	// LocalFailure means the restoring node could not stage or install what it received. It says nothing about
	// the donor and aborts the restore.
	LocalFailure
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case Unreachable:
		return "unreachable"
	case Incompatible:
		return "incompatible"
	case Rejected:
		return "rejected"
	case LocalFailure:
		return "local_failure"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

// Outcome is the tagged result of a transfer attempt.
type Outcome struct {
	Kind OutcomeKind
	// BytesCopied and Files are set on Success.
	BytesCopied int64
	Files       int
	// RangeEnd and Load are the donor's fresh values, set on Rejected and, when known, on Success.
	RangeEnd uint64
	Load     int
	// Err describes Unreachable, Incompatible and LocalFailure outcomes.
	Err error
}

func Succeeded(bytesCopied int64, files int) Outcome {
	return Outcome{Kind: Success, BytesCopied: bytesCopied, Files: files}
}

func UnreachableOutcome(err error) Outcome {
	return Outcome{Kind: Unreachable, Err: err}
}

func IncompatibleOutcome(err error) Outcome {
	return Outcome{Kind: Incompatible, Err: err}
}

func LocalFailureOutcome(err error) Outcome {
	return Outcome{Kind: LocalFailure, Err: err}
}

func RejectedOutcome(rangeEnd uint64, load int) Outcome {
	return Outcome{Kind: Rejected, RangeEnd: rangeEnd, Load: load}
}

// LocalIdentity names the node being restored.
type LocalIdentity struct {
	Name string
	ID   group.NodeID
}

// Request is what a restoring node sends to a donor for one transfer attempt.
type Request struct {
	// SessionID identifies the attempt; every attempt gets a new one.
	SessionID string
	Local     LocalIdentity
	GroupName string
	// LocalRangeEnd is the restoring node's own last log position.
	LocalRangeEnd uint64
	// MinVLSN is the lowest range end a donor must hold to be accepted.
	MinVLSN uint64
	// ExpectedLoad is the donor's load as last seen by the restoring node.
	ExpectedLoad int
	RetainFiles  bool
}

// TransferExecutor runs one transfer attempt against donor. Implementations must leave the local log unchanged
// unless they return Success, including when ctx is cancelled mid-transfer.
type TransferExecutor interface {
	Transfer(ctx context.Context, donor group.Member, req Request) Outcome
}

// TransferFunc adapts a function to TransferExecutor.
type TransferFunc func(ctx context.Context, donor group.Member, req Request) Outcome

func (f TransferFunc) Transfer(ctx context.Context, donor group.Member, req Request) Outcome {
	return f(ctx, donor, req)
}

// Admit is the donor's admission rule: a request is served only if the donor holds data at least as recent as
// minVLSN and its load has not grown beyond what the client expects.
func Admit(rangeEnd uint64, load int, minVLSN uint64, expectedLoad int) bool {
	return rangeEnd >= minVLSN && load <= expectedLoad
}
