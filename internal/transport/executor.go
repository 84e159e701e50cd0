package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"repcore/internal/group"
	"repcore/internal/logging"
	"repcore/internal/restore"
	"repcore/internal/segment"
)

const (
	DefaultConnectTimeout  = 2 * time.Second
	DefaultTransferTimeout = 10 * time.Minute
)

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	Pool     *Pool
	Segments *segment.Store
	// ConnectTimeout bounds the handshake ping sent before every transfer.
	ConnectTimeout time.Duration
	// TransferTimeout bounds one whole transfer.
	TransferTimeout time.Duration
	Logger          logging.Logger
}

// Executor runs restore transfers over the donor service. Received segments go to a staging area that is
// installed only once the donor reports the stream complete.
type Executor struct {
	cfg    ExecutorConfig
	logger logging.Logger
}

func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.TransferTimeout <= 0 {
		cfg.TransferTimeout = DefaultTransferTimeout
	}
	return &Executor{cfg: cfg, logger: logging.OrNop(cfg.Logger)}
}

// Transfer implements restore.TransferExecutor.
func (e *Executor) Transfer(ctx context.Context, donor group.Member, req restore.Request) restore.Outcome {
	if err := e.handshake(ctx, donor, req); err != nil {
		return classify(err)
	}

	conn, err := e.cfg.Pool.Conn(donor)
	if err != nil {
		return restore.UnreachableOutcome(err)
	}
	transferCtx, cancel := context.WithTimeout(ctx, e.cfg.TransferTimeout)
	defer cancel()

	stream, err := NewDonorClient(conn).Restore(transferCtx, &RestoreRequest{
		SessionID:     req.SessionID,
		GroupName:     req.GroupName,
		NodeName:      req.Local.Name,
		NodeID:        int32(req.Local.ID),
		LocalRangeEnd: req.LocalRangeEnd,
		MinVLSN:       req.MinVLSN,
		ExpectedLoad:  req.ExpectedLoad,
		RetainFiles:   req.RetainFiles,
		LogVersion:    segment.LogVersion,
	})
	if err != nil {
		return classify(err)
	}

	first, err := stream.Recv()
	if err != nil {
		return classify(err)
	}
	switch first.Kind {
	case FrameRejected:
		return restore.RejectedOutcome(first.RangeEnd, first.Load)
	case FrameManifest:
	default:
		return restore.IncompatibleOutcome(fmt.Errorf("unexpected %s frame from %s", first.Kind, donor.Name))
	}

	staging, err := e.cfg.Segments.Stage(req.SessionID)
	if err != nil {
		return restore.LocalFailureOutcome(fmt.Errorf("failed to stage restore: %w", err))
	}
	if err := receive(stream, staging, first.Files); err != nil {
		if abandonErr := staging.Abandon(); abandonErr != nil {
			e.logger.Errorf("failed to abandon staging for session %s: %v", req.SessionID, abandonErr)
		}
		if ctx.Err() != nil {
			return restore.UnreachableOutcome(ctx.Err())
		}
		return classify(err)
	}

	n, err := staging.Install(req.RetainFiles)
	if err != nil {
		return restore.LocalFailureOutcome(err)
	}
	out := restore.Succeeded(n, len(first.Files))
	out.RangeEnd, out.Load = first.RangeEnd, first.Load
	return out
}

func (e *Executor) handshake(ctx context.Context, donor group.Member, req restore.Request) error {
	pingCtx, cancel := context.WithTimeout(ctx, e.cfg.ConnectTimeout)
	defer cancel()

	resp, err := e.cfg.Pool.Ping(pingCtx, donor)
	if err != nil {
		return err
	}
	if resp.GroupName != req.GroupName {
		return fmt.Errorf("%w: %s answered for %q", ErrGroupMismatch, donor.Name, resp.GroupName)
	}
	if resp.LogVersion != segment.LogVersion {
		return fmt.Errorf("%w: %s has log version %d", errIncompatibleLog, donor.Name, resp.LogVersion)
	}
	return nil
}

var errIncompatibleLog = errors.New("incompatible log version")

// receive writes the announced segments into staging as their chunks arrive. Chunks of one segment are
// contiguous and segments arrive in manifest order.
func receive(stream *RestoreClientStream, staging *segment.Staging, files []segment.Info) error {
	var (
		next    int
		current *segment.FileWriter
		number  uint64
	)
	finish := func() error {
		if current == nil {
			return nil
		}
		err := current.Commit()
		current = nil
		return err
	}

	for {
		frame, err := stream.Recv()
		if err != nil {
			if current != nil {
				current.Discard()
			}
			if errors.Is(err, io.EOF) {
				return errors.New("restore stream ended before completion")
			}
			return err
		}

		switch frame.Kind {
		case FrameChunk:
			if current == nil || frame.FileNumber != number {
				if err := finish(); err != nil {
					return err
				}
				if next >= len(files) || files[next].Number != frame.FileNumber {
					return fmt.Errorf("unexpected chunk for %s", segment.FileName(frame.FileNumber))
				}
				if current, err = staging.Create(files[next]); err != nil {
					return err
				}
				number = frame.FileNumber
				next++
			}
			if _, err := current.Write(frame.Data); err != nil {
				current.Discard()
				return err
			}

		case FrameDone:
			if err := finish(); err != nil {
				return err
			}
			if got := len(staging.Files()); got != len(files) {
				return fmt.Errorf("restore stream completed with %d of %d segments", got, len(files))
			}
			return nil

		default:
			if current != nil {
				current.Discard()
			}
			return fmt.Errorf("unexpected %s frame during transfer", frame.Kind)
		}
	}
}

// classify maps a transport error to a restore outcome.
func classify(err error) restore.Outcome {
	if Incompatible(err) || errors.Is(err, errIncompatibleLog) {
		return restore.IncompatibleOutcome(err)
	}
	return restore.UnreachableOutcome(err)
}
