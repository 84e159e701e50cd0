package node

import (
	"fmt"
	"sync"

	"repcore/internal/group"
)

// Role is the replication role of the local node.
type Role int

const (
	// Detached nodes have not joined a master yet.
	Detached Role = iota
	Replica
	Master
)

func (r Role) String() string {
	switch r {
	case Detached:
		return "DETACHED"
	case Replica:
		return "REPLICA"
	case Master:
		return "MASTER"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// nodeState holds the role variables of the node and gives thread safe access to them.
type nodeState struct {
	// Protects all fields below
	mu sync.RWMutex

	role Role
	// The current master, zero while detached
	master group.Member
	// Number of times the node has completed a join
	joins uint64
}

func (s *nodeState) getRole() Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

func (s *nodeState) getMaster() group.Member {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.master
}

// setRole stores the new role and master and returns the previous role.
func (s *nodeState) setRole(role Role, master group.Member) Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.role
	s.role = role
	s.master = master
	return prev
}

func (s *nodeState) getJoins() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.joins
}

func (s *nodeState) incrementJoins() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joins++
}
