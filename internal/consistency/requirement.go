package consistency

import (
	"fmt"
	"strings"
	"time"
)

// Kind selects the condition a Gate waits for.
type Kind int

const (
	// Absolute requires the local node to be the master and to prove, by contacting a quorum of electable peers,
	// that it still is.
	Absolute Kind = iota + 1
	// TimeLag requires the local replay lag behind the master to be within a permissible bound.
	TimeLag
	// CommitPoint requires a given commit position to have been replayed locally.
	CommitPoint
)

func (k Kind) String() string {
	switch k {
	case Absolute:
		return "ABSOLUTE"
	case TimeLag:
		return "TIME_LAG"
	case CommitPoint:
		return "COMMIT_POINT"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind parses the names returned by Kind.String, case-insensitively.
func ParseKind(s string) (Kind, error) {
	switch strings.ToUpper(s) {
	case "ABSOLUTE":
		return Absolute, nil
	case "TIME_LAG":
		return TimeLag, nil
	case "COMMIT_POINT":
		return CommitPoint, nil
	default:
		return 0, fmt.Errorf("unknown consistency kind %q", s)
	}
}

// Requirement is a single consistency request, consumed once by Gate.Ensure.
type Requirement struct {
	Kind    Kind
	Timeout time.Duration
	// CommitVLSN is the position that must be replayed. CommitPoint only.
	CommitVLSN uint64
	// PermissibleLag is the largest acceptable replay lag. TimeLag only.
	PermissibleLag time.Duration
}

// AbsoluteRequirement is a shorthand for an Absolute requirement.
func AbsoluteRequirement(timeout time.Duration) Requirement {
	return Requirement{Kind: Absolute, Timeout: timeout}
}

func (r Requirement) validate() error {
	if r.Timeout < 0 {
		return fmt.Errorf("consistency timeout must not be negative: %v", r.Timeout)
	}
	switch r.Kind {
	case Absolute, CommitPoint:
	case TimeLag:
		if r.PermissibleLag < 0 {
			return fmt.Errorf("permissible lag must not be negative: %v", r.PermissibleLag)
		}
	default:
		return fmt.Errorf("unknown consistency kind %v", r.Kind)
	}
	return nil
}
