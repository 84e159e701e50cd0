package pubsub

import "time"

// Events published by a replication node.
const (
	// EnvironmentClosing is published once when the node environment starts closing. Payload: struct{}.
	EnvironmentClosing EventType = iota + 1
	// RoleChanged is published when the local node's replication role changes. Payload: RoleChange.
	RoleChanged
	// RollbackWarning is published before local log files are rewritten by a rollback. Payload: RollbackNotice.
	RollbackWarning
	// RestoreProgress is published as a network restore moves between candidates. Payload: RestoreStep.
	RestoreProgress
)

// RoleChange carries the previous and new role names.
type RoleChange struct {
	Node string
	From string
	To   string
	At   time.Time
}

// RollbackNotice lists the files about to be rewritten.
type RollbackNotice struct {
	Node       string
	Matchpoint uint64
	Files      []string
}

// RestoreStep describes one candidate attempt during a network restore.
type RestoreStep struct {
	Node    string
	Round   int
	Donor   string
	Outcome string
}
