package transport

import (
	"context"
	"errors"
	"io"
	"sync/atomic"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"repcore/internal/logging"
	"repcore/internal/restore"
	"repcore/internal/segment"
)

// DefaultChunkSize is the segment chunk size used when none is configured.
const DefaultChunkSize = 64 * 1024

// LoadRecorder receives the donor's feeder load. It must not block.
type LoadRecorder interface {
	SetFeederLoad(n int)
}

// DonorConfig configures a Donor.
type DonorConfig struct {
	Name      string
	GroupName string
	GroupUUID string
	NodeType  string
	// IsMaster reports the local role for pings. Optional.
	IsMaster  func() bool
	Segments  *segment.Store
	ChunkSize int
	Logger    logging.Logger
	Metrics   LoadRecorder
}

// Donor serves pings and restore streams from the local segment store. Every restore stream being served counts
// as one feeder toward the donor's load.
type Donor struct {
	cfg    DonorConfig
	load   atomic.Int64
	logger logging.Logger
}

func NewDonor(cfg DonorConfig) *Donor {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	return &Donor{cfg: cfg, logger: logging.OrNop(cfg.Logger)}
}

// Load returns the number of restore streams being served.
func (d *Donor) Load() int {
	return int(d.load.Load())
}

func (d *Donor) Ping(_ context.Context, req *PingRequest) (*PingResponse, error) {
	first, last, err := d.cfg.Segments.Range()
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to read segment range: %v", err)
	}
	resp := &PingResponse{
		Name:       d.cfg.Name,
		GroupName:  d.cfg.GroupName,
		GroupUUID:  d.cfg.GroupUUID,
		NodeType:   d.cfg.NodeType,
		RangeStart: first,
		RangeEnd:   last,
		Load:       d.Load(),
		LogVersion: segment.LogVersion,
	}
	if d.cfg.IsMaster != nil {
		resp.IsMaster = d.cfg.IsMaster()
	}
	d.logger.Debugf("ping from %s", req.From)
	return resp, nil
}

func (d *Donor) Restore(req *RestoreRequest, stream RestoreServerStream) error {
	switch {
	case req.GroupName != d.cfg.GroupName:
		return status.Errorf(codes.FailedPrecondition, "group %q requested, this node serves %q", req.GroupName,
			d.cfg.GroupName)
	case req.LogVersion != segment.LogVersion:
		return status.Errorf(codes.FailedPrecondition, "log version %d requested, this node has %d", req.LogVersion,
			segment.LogVersion)
	case req.NodeName == d.cfg.Name:
		return status.Error(codes.InvalidArgument, "a node cannot restore from itself")
	}

	rangeEnd := d.cfg.Segments.RangeEnd()
	load := d.Load()
	if !restore.Admit(rangeEnd, load, req.MinVLSN, req.ExpectedLoad) {
		d.logger.Debugf("rejecting restore %s for %s: rangeEnd %d (min %d), load %d (expected %d)",
			req.SessionID, req.NodeName, rangeEnd, req.MinVLSN, load, req.ExpectedLoad)
		return stream.Send(&RestoreFrame{Kind: FrameRejected, RangeEnd: rangeEnd, Load: load})
	}

	d.setLoad(d.load.Add(1))
	defer func() { d.setLoad(d.load.Add(-1)) }()

	segs, err := d.cfg.Segments.Segments()
	if err != nil {
		return status.Errorf(codes.Internal, "failed to list segments: %v", err)
	}
	d.logger.Infof("serving restore %s to %s: %d segments up to VLSN %d", req.SessionID, req.NodeName, len(segs),
		rangeEnd)

	if err := stream.Send(&RestoreFrame{Kind: FrameManifest, RangeEnd: rangeEnd, Load: load, Files: segs}); err != nil {
		return err
	}
	buf := make([]byte, d.cfg.ChunkSize)
	for _, seg := range segs {
		if err := d.sendSegment(stream, seg.Number, buf); err != nil {
			d.logger.Warnf("restore %s to %s aborted: %v", req.SessionID, req.NodeName, err)
			return err
		}
	}
	return stream.Send(&RestoreFrame{Kind: FrameDone, RangeEnd: rangeEnd, Load: load})
}

func (d *Donor) sendSegment(stream RestoreServerStream, number uint64, buf []byte) error {
	f, _, err := d.cfg.Segments.OpenSegment(number)
	if err != nil {
		return status.Errorf(codes.Internal, "%v", err)
	}
	defer f.Close()

	// every segment gets at least one chunk, so empty segments are still created on the receiver
	sent := false
	for {
		if err := stream.Context().Err(); err != nil {
			return status.FromContextError(err).Err()
		}
		n, err := f.Read(buf)
		if n > 0 || (errors.Is(err, io.EOF) && !sent) {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if err := stream.Send(&RestoreFrame{Kind: FrameChunk, FileNumber: number, Data: chunk}); err != nil {
				return err
			}
			sent = true
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return status.Errorf(codes.Internal, "failed to read %s: %v", segment.FileName(number), err)
		}
	}
}

func (d *Donor) setLoad(n int64) {
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.SetFeederLoad(int(n))
	}
}
