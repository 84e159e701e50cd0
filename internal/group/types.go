package group

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// NodeID identifies a member within a group. IDs are allocated from the group's node id sequence and are never
// reused while the member is present.
type NodeID int32

// NullNodeID is the id carried by members whose type has a transient id (SECONDARY and EXTERNAL nodes).
const NullNodeID NodeID = 0

// NodeType is the role a member plays in the group.
type NodeType int

const (
	// Electable members vote, acknowledge commits and may become master.
	Electable NodeType = iota
	// Secondary members replicate data but never vote or acknowledge.
	Secondary
	// Arbiter members hold no data. They count toward acknowledgment quorum but never become master.
	Arbiter
	// External members consume the replication stream from outside the group.
	External
)

func (t NodeType) String() string {
	switch t {
	case Electable:
		return "ELECTABLE"
	case Secondary:
		return "SECONDARY"
	case Arbiter:
		return "ARBITER"
	case External:
		return "EXTERNAL"
	default:
		return "UNKNOWN"
	}
}

// ParseNodeType parses the upper or lower case name of a NodeType.
func ParseNodeType(s string) (NodeType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ELECTABLE":
		return Electable, nil
	case "SECONDARY":
		return Secondary, nil
	case "ARBITER":
		return Arbiter, nil
	case "EXTERNAL":
		return External, nil
	default:
		return 0, fmt.Errorf("unknown node type %q", s)
	}
}

// HasTransientID reports whether members of this type are stored with NullNodeID.
func (t NodeType) HasTransientID() bool {
	return t == Secondary || t == External
}

// IsElectable reports whether members of this type can become master and vote in elections.
func (t NodeType) IsElectable() bool {
	return t == Electable
}

// CountsForAcks reports whether members of this type count toward the acknowledgment quorum.
func (t NodeType) CountsForAcks() bool {
	return t == Electable || t == Arbiter
}

// HasData reports whether members of this type hold log files and can therefore serve a network restore.
func (t NodeType) HasData() bool {
	return t == Electable || t == Secondary
}

// Member is a single group member as recorded in group metadata. Values are copied into every View, so a
// Member obtained from a View is never mutated by later membership edits.
type Member struct {
	Name string
	ID   NodeID
	Type NodeType
	Host string
	Port int
	// Priority 0 means the member is never elected master. It still votes and counts toward quorum.
	Priority int
	Removed  bool
}

// Address returns the host:port of the member.
func (m Member) Address() string {
	return net.JoinHostPort(m.Host, strconv.Itoa(m.Port))
}

func (m Member) String() string {
	return fmt.Sprintf("%s(id=%d, type=%s, addr=%s, priority=%d)", m.Name, m.ID, m.Type, m.Address(), m.Priority)
}

// ParseAddress splits a host:port string into its parts.
func ParseAddress(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port in address %q", addr)
	}
	return host, port, nil
}
