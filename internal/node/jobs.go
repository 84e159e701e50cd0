package node

import (
	"context"
	"time"

	"repcore/internal/pubsub"
)

/*
Background jobs of a Node. Each job subscribes to EnvironmentClosing so it exits when the node closes and no
goroutine outlives the environment.
*/

// closingJob fails every blocked consistency wait and pending acknowledgment wait once the environment starts
// closing.
func (n *Node) closingJob(stopJobCh <-chan *pubsub.Event[struct{}]) {
	defer n.jobs.Done()

	<-stopJobCh
	n.logger.Infof("[JOB] environment closing, failing pending waits (%d acks in flight)", n.acks.InFlight())
	n.gate.Close()
	n.acks.Close()
}

// heartbeatJob asks the master for its position every interval while the node is a replica, feeding the replay
// tracker that TIME_LAG and COMMIT_POINT waits depend on.
func (n *Node) heartbeatJob(interval time.Duration, stopJobCh <-chan *pubsub.Event[struct{}]) {
	defer n.jobs.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	n.logger.Debugf("[JOB] started heartbeat job every %v", interval)
	for {
		select {
		case <-ticker.C:
			n.heartbeat()
		case <-stopJobCh:
			n.logger.Debugf("[JOB] stopping heartbeat job")
			return
		}
	}
}

func (n *Node) heartbeat() {
	if n.getRole() != Replica {
		return
	}
	master, ok := n.masterMember()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.HeartbeatInterval)
	defer cancel()
	resp, err := n.pool.Ping(ctx, master)
	if err != nil {
		n.logger.Debugf("[JOB] heartbeat to master %s failed: %v", master.Name, err)
		return
	}
	if !resp.IsMaster {
		n.logger.Infof("[JOB] %s no longer reports itself as master", master.Name)
		n.SetMaster("")
		return
	}
	n.replay.Heartbeat(resp.RangeEnd, time.Now())
}
