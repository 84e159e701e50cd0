package consistency

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotMaster is returned at once when Absolute consistency is requested on a node that is not the master.
	ErrNotMaster = errors.New("absolute consistency requires the master role")
	// ErrEnvironmentClosing is returned when a wait is cut short because the environment is closing.
	ErrEnvironmentClosing = errors.New("environment is closing")
)

// TimeoutError reports that a consistency requirement did not hold within its timeout.
type TimeoutError struct {
	Kind    Kind
	Timeout time.Duration
	// Contacted and Required describe the quorum proof for Absolute waits.
	Contacted int
	Required  int
	// Target and Reached describe the replay position or lag for the other kinds.
	Target  string
	Reached string
}

func (e *TimeoutError) Error() string {
	if e.Kind == Absolute {
		return fmt.Sprintf("%s consistency timed out after %v: contacted %d of %d required electable members",
			e.Kind, e.Timeout, e.Contacted, e.Required)
	}
	return fmt.Sprintf("%s consistency timed out after %v: wanted %s, reached %s", e.Kind, e.Timeout, e.Target, e.Reached)
}
