// Package quorum computes how many group members must take part in an election or acknowledge a commit.
package quorum

import (
	"errors"
	"fmt"
	"strings"

	"repcore/internal/group"
)

// ErrInvalidPolicy is returned for a policy value outside the closed set below.
var ErrInvalidPolicy = errors.New("invalid quorum policy")

// Policy is the participation rule used for an election or an acknowledgment decision.
type Policy int

const (
	// All requires every member of the group.
	All Policy = iota + 1
	// SimpleMajority requires floor(n/2) + 1 members.
	SimpleMajority
)

func (p Policy) String() string {
	switch p {
	case All:
		return "ALL"
	case SimpleMajority:
		return "SIMPLE_MAJORITY"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// Size returns the minimum number of participants required by policy in a group of groupSize members. It is a
// pure function.
func Size(policy Policy, groupSize int) (int, error) {
	switch policy {
	case All:
		return groupSize, nil
	case SimpleMajority:
		return groupSize/2 + 1, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrInvalidPolicy, int(policy))
	}
}

// AckPolicy is the durability policy configured for commits on the master.
type AckPolicy int

const (
	// AckNone means the master never waits for replica acknowledgments.
	AckNone AckPolicy = iota
	// AckSimpleMajority waits for a simple majority of the acknowledging members, the master included.
	AckSimpleMajority
	// AckAll waits for every acknowledging member.
	AckAll
)

func (p AckPolicy) String() string {
	switch p {
	case AckNone:
		return "NONE"
	case AckSimpleMajority:
		return "SIMPLE_MAJORITY"
	case AckAll:
		return "ALL"
	default:
		return fmt.Sprintf("AckPolicy(%d)", int(p))
	}
}

// ParseAckPolicy parses NONE, SIMPLE_MAJORITY or ALL (case insensitive).
func ParseAckPolicy(s string) (AckPolicy, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "NONE":
		return AckNone, nil
	case "SIMPLE_MAJORITY":
		return AckSimpleMajority, nil
	case "ALL":
		return AckAll, nil
	default:
		return 0, fmt.Errorf("%w: unknown ack policy %q", ErrInvalidPolicy, s)
	}
}

// Calculator derives quorum sizes from a group view. Only electable members count toward the election group
// size; electable members and arbiters count toward the acknowledgment group size.
type Calculator struct {
	// SizeOverride, when positive, replaces the electable group size. Operators use it to restore a quorum on a
	// group that has permanently lost members.
	SizeOverride int
}

// ElectionGroupSize returns the number of members that take part in elections.
func (c Calculator) ElectionGroupSize(view *group.View) int {
	if c.SizeOverride > 0 {
		return c.SizeOverride
	}
	return len(view.Electable())
}

// AckGroupSize returns the number of members whose acknowledgments count toward durability.
func (c Calculator) AckGroupSize(view *group.View) int {
	if c.SizeOverride > 0 {
		return c.SizeOverride
	}
	return len(view.AckVoters())
}

// ElectionQuorum returns the number of electable members needed to elect a master or to prove the master is
// still authoritative.
func (c Calculator) ElectionQuorum(policy Policy, view *group.View) (int, error) {
	return Size(policy, c.ElectionGroupSize(view))
}

// RequiredAcks maps an ack policy and a group size to the number of replica acknowledgments the master waits for.
// The master counts itself, so the result is one less than the quorum size (never negative).
func RequiredAcks(policy AckPolicy, groupSize int) (int, error) {
	var size int
	switch policy {
	case AckNone:
		return 0, nil
	case AckSimpleMajority:
		size, _ = Size(SimpleMajority, groupSize)
	case AckAll:
		size, _ = Size(All, groupSize)
	default:
		return 0, fmt.Errorf("%w: %d", ErrInvalidPolicy, int(policy))
	}
	if size <= 1 {
		return 0, nil
	}
	return size - 1, nil
}

// RequiredAcks resolves the ack count for the given view.
func (c Calculator) RequiredAcks(policy AckPolicy, view *group.View) (int, error) {
	return RequiredAcks(policy, c.AckGroupSize(view))
}
