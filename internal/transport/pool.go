// Package transport carries the donor service between group members over gRPC: member pings used for quorum
// proofs and donor discovery, and the restore stream that copies log segments to a recovering node.
//
// Messages are encoded with protowire under the "repwire" content subtype, and connections are addressed by
// member name through a "repnode" resolver so address edits reach open connections.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"repcore/internal/group"
	"repcore/internal/logging"
	"repcore/internal/retry"
)

const (
	// RPCTimeout is the maximum time to wait for a single ping attempt.
	RPCTimeout = 500 * time.Millisecond

	// MaxPingRetries is the number of attempts made for one ping.
	MaxPingRetries = 3

	// RetryBackoffBase is the base duration of the linear backoff between attempts.
	RetryBackoffBase = 10 * time.Millisecond

	// MaxRetryBackoff caps the backoff between attempts.
	MaxRetryBackoff = 100 * time.Millisecond
)

// ErrGroupMismatch is returned when a member answers for a different replication group.
var ErrGroupMismatch = errors.New("member belongs to a different group")

// Pool keeps one gRPC client connection per member name.
type Pool struct {
	// map[string]*grpc.ClientConn
	conns     *sync.Map
	self      string
	groupName string
	logger    logging.Logger
}

func NewPool(self, groupName string, logger logging.Logger) *Pool {
	return &Pool{
		conns:     &sync.Map{},
		self:      self,
		groupName: groupName,
		logger:    logging.OrNop(logger),
	}
}

// Conn returns the connection to m, creating it on first use. The member's address is (re-)registered with the
// resolver on every call.
func (p *Pool) Conn(m group.Member) (*grpc.ClientConn, error) {
	if addr, ok := LookupPeer(m.Name); !ok || addr != m.Address() {
		RegisterPeer(m.Name, m.Address())
	}
	if v, ok := p.conns.Load(m.Name); ok {
		conn, ok := v.(*grpc.ClientConn)
		if !ok {
			return nil, fmt.Errorf("invalid clientConn type for member %s: %T", m.Name, v)
		}
		return conn, nil
	}

	conn, err := grpc.NewClient(memberTarget(m.Name), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed establishing a gRPC channel to %s: %w", m.Name, err)
	}
	if existing, loaded := p.conns.LoadOrStore(m.Name, conn); loaded {
		conn.Close()
		return existing.(*grpc.ClientConn), nil
	}
	return conn, nil
}

// Ping asks m to describe itself, retrying transient failures with a linear backoff.
func (p *Pool) Ping(ctx context.Context, m group.Member) (*PingResponse, error) {
	conn, err := p.Conn(m)
	if err != nil {
		return nil, err
	}
	client := NewDonorClient(conn)
	req := &PingRequest{GroupName: p.groupName, From: p.self}
	seq := retry.NewSequence(MaxPingRetries, RetryBackoffBase, MaxRetryBackoff)

	var resp *PingResponse
	err = retry.Do(ctx, func(ctx context.Context) error {
		rpcCtx, cancel := context.WithTimeout(ctx, RPCTimeout)
		defer cancel()

		var callErr error
		resp, callErr = client.Ping(rpcCtx, req)
		if callErr == nil || !Retryable(callErr) || ctx.Err() != nil {
			return callErr
		}
		d, seqErr := seq.Next(callErr.Error())
		if seqErr != nil {
			return callErr
		}
		return d
	})
	if err != nil {
		p.logger.Debugf("ping of %s failed: %v", m.Name, err)
		return nil, fmt.Errorf("ping %s: %w", m.Name, err)
	}
	return resp, nil
}

// Probe implements the consistency gate's prober: it succeeds when m answers as a member of this group.
func (p *Pool) Probe(ctx context.Context, m group.Member) error {
	resp, err := p.Ping(ctx, m)
	if err != nil {
		return err
	}
	if resp.GroupName != p.groupName {
		return fmt.Errorf("%w: %s answered for %q", ErrGroupMismatch, m.Name, resp.GroupName)
	}
	return nil
}

// Remove closes and forgets the connection to a member that left the group.
func (p *Pool) Remove(name string) {
	if v, ok := p.conns.LoadAndDelete(name); ok {
		if conn, ok := v.(*grpc.ClientConn); ok {
			if err := conn.Close(); err != nil {
				p.logger.Warnf("failed to close connection to removed member %s: %v", name, err)
			}
		}
	}
	UnregisterPeer(name)
}

// Close closes every connection in the pool.
func (p *Pool) Close() {
	p.conns.Range(func(key, value any) bool {
		if conn, ok := value.(*grpc.ClientConn); ok {
			if err := conn.Close(); err != nil {
				p.logger.Warnf("failed to close connection to %s: %v", key, err)
			}
		}
		p.conns.Delete(key)
		return true
	})
}

// Retryable reports whether err is a transient transport failure worth another attempt.
func Retryable(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return true
	default:
		return false
	}
}

// Incompatible reports whether err means the peer can never serve this node.
func Incompatible(err error) bool {
	switch status.Code(err) {
	case codes.FailedPrecondition, codes.Unimplemented, codes.InvalidArgument, codes.PermissionDenied:
		return true
	default:
		return errors.Is(err, ErrGroupMismatch)
	}
}
