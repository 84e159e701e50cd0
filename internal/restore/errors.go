package restore

import (
	"errors"
	"fmt"
	"strings"
)

// ErrAllCandidatesExhausted is matched by every *ExhaustedError.
var ErrAllCandidatesExhausted = errors.New("all restore candidates exhausted")

// DroppedCandidate records why a candidate was removed from the restore.
type DroppedCandidate struct {
	Name   string
	Reason OutcomeKind
	Err    error
}

// ExhaustedError reports that no candidate could serve the restore. It is fatal for the recovering node.
type ExhaustedError struct {
	Rounds  int
	Dropped []DroppedCandidate
	// Remaining lists the candidates still eligible when a round cap stopped the restore.
	Remaining []Candidate
	MaxRounds int
}

func (e *ExhaustedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%v after %d rounds", ErrAllCandidatesExhausted, e.Rounds)
	if len(e.Remaining) > 0 {
		fmt.Fprintf(&b, " (round limit %d reached, %d candidates still eligible)", e.MaxRounds, len(e.Remaining))
	}
	for _, d := range e.Dropped {
		fmt.Fprintf(&b, "; %s %s", d.Name, d.Reason)
		if d.Err != nil {
			fmt.Fprintf(&b, ": %v", d.Err)
		}
	}
	return b.String()
}

func (e *ExhaustedError) Unwrap() error { return ErrAllCandidatesExhausted }

// LocalFailureError reports that the restoring node failed to stage or install the files received from Donor.
// No other candidate is tried: the failure is the local node's, not the donor's.
type LocalFailureError struct {
	Donor string
	Round int
	Err   error
}

func (e *LocalFailureError) Error() string {
	return fmt.Sprintf("restore from %s failed locally in round %d: %v", e.Donor, e.Round, e.Err)
}

func (e *LocalFailureError) Unwrap() error { return e.Err }
