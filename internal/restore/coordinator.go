// Package restore brings a node that has fallen too far behind back into the group by copying log files from a
// peer (the donor) instead of replaying the whole replication stream.
//
// Donor selection runs in rounds. Every candidate starts with an unknown range end and a load of -1, so the first
// round only gathers each candidate's real values through its rejection. Later rounds try the candidates in
// ascending load order against a freshness bar derived from the most recent range end seen, and keep retrying
// rejected candidates with the values they just reported. Unreachable and incompatible candidates are dropped for
// the rest of the restore.
package restore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"repcore/internal/group"
	"repcore/internal/logging"
	"repcore/internal/pubsub"
)

// Recorder receives restore statistics. It must not block.
type Recorder interface {
	RecordRestoreRound()
	RecordRestoreCandidate(outcome string)
	RecordRestoreResult(ok bool, bytes int64)
}

// Config configures a Coordinator.
type Config struct {
	Local     LocalIdentity
	GroupName string
	// RetainFiles keeps the replaced log files as backups instead of deleting them.
	RetainFiles bool
	// MaxRounds caps the number of selection rounds. Zero means no cap.
	MaxRounds int
	Executor  TransferExecutor
	Logger    logging.Logger
	Metrics   Recorder
	// Bus, when set, receives a RestoreProgress event for every attempt.
	Bus *pubsub.Bus
}

// Result describes a successful restore.
type Result struct {
	Donor       Candidate
	SessionID   string
	BytesCopied int64
	Files       int
	Rounds      int
	Duration    time.Duration
}

// Coordinator runs network restores. A Coordinator may be reused, but a node normally runs one restore at a time.
type Coordinator struct {
	cfg    Config
	logger logging.Logger
}

func NewCoordinator(cfg Config) *Coordinator {
	return &Coordinator{cfg: cfg, logger: logging.OrNop(cfg.Logger)}
}

// Restore copies the missing log files from one of sources. localRangeEnd is the local node's last log position
// and maxLag the distance a donor may trail the freshest candidate and still be used.
//
// Cancelling ctx aborts the restore between attempts and, through the executor, during a transfer; the error
// then wraps ctx.Err(). When every candidate has been dropped the error is an *ExhaustedError. A failure of the
// local node to stage or install a transfer stops the restore at once with a *LocalFailureError.
func (c *Coordinator) Restore(ctx context.Context, sources []group.Member, localRangeEnd, maxLag uint64) (*Result, error) {
	start := time.Now()
	candidates := initialCandidates(sources, c.cfg.Local.Name)
	c.logger.Infof("starting network restore from %d candidates, local range end %d, max lag %d",
		len(candidates), localRangeEnd, maxLag)

	exhausted := &ExhaustedError{MaxRounds: c.cfg.MaxRounds}
	round := 0
	for len(candidates) > 0 {
		if c.cfg.MaxRounds > 0 && round >= c.cfg.MaxRounds {
			exhausted.Remaining = candidates
			break
		}
		round++
		c.recordRound()

		sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Load < candidates[j].Load })
		minVLSN := MinVLSN(candidates, maxLag)
		c.logger.Debugf("round %d: %d candidates, minVLSN %d", round, len(candidates), minVLSN)

		var next []Candidate
		for _, cand := range candidates {
			if err := ctx.Err(); err != nil {
				return nil, c.aborted(round, err)
			}

			req := Request{
				SessionID:     uuid.NewString(),
				Local:         c.cfg.Local,
				GroupName:     c.cfg.GroupName,
				LocalRangeEnd: localRangeEnd,
				MinVLSN:       minVLSN,
				ExpectedLoad:  cand.Load,
				RetainFiles:   c.cfg.RetainFiles,
			}
			outcome := c.cfg.Executor.Transfer(ctx, cand.Member, req)
			if err := ctx.Err(); err != nil && outcome.Kind != Success {
				return nil, c.aborted(round, err)
			}
			c.recordCandidate(round, cand, outcome)

			switch outcome.Kind {
			case Success:
				donor := cand
				if outcome.RangeEnd != 0 {
					donor.RangeEnd = outcome.RangeEnd
					donor.Load = outcome.Load
				}
				res := &Result{
					Donor:       donor,
					SessionID:   req.SessionID,
					BytesCopied: outcome.BytesCopied,
					Files:       outcome.Files,
					Rounds:      round,
					Duration:    time.Since(start),
				}
				c.logger.Infof("restored %d files (%d bytes) from %s in round %d", res.Files, res.BytesCopied,
					cand.Member.Name, round)
				if c.cfg.Metrics != nil {
					c.cfg.Metrics.RecordRestoreResult(true, res.BytesCopied)
				}
				return res, nil

			case Unreachable, Incompatible:
				c.logger.Warnf("dropping candidate %s: %s: %v", cand.Member.Name, outcome.Kind, outcome.Err)
				exhausted.Dropped = append(exhausted.Dropped, DroppedCandidate{
					Name: cand.Member.Name, Reason: outcome.Kind, Err: outcome.Err,
				})

			case LocalFailure:
				c.logger.Errorf("restore from %s failed locally in round %d: %v", cand.Member.Name, round, outcome.Err)
				if c.cfg.Metrics != nil {
					c.cfg.Metrics.RecordRestoreResult(false, 0)
				}
				return nil, &LocalFailureError{Donor: cand.Member.Name, Round: round, Err: outcome.Err}

			case Rejected:
				fresh := Candidate{Member: cand.Member, RangeEnd: outcome.RangeEnd, Load: outcome.Load}
				if round == 1 {
					c.logger.Debugf("candidate %s answered with %s", cand.Member.Name, fresh)
				} else {
					c.logger.Infof("candidate %s rejected restore (minVLSN %d, expected load %d): now %s",
						cand.Member.Name, minVLSN, cand.Load, fresh)
				}
				next = append(next, fresh)

			default:
				c.logger.Errorf("dropping candidate %s: unexpected outcome %v", cand.Member.Name, outcome.Kind)
				exhausted.Dropped = append(exhausted.Dropped, DroppedCandidate{
					Name: cand.Member.Name, Reason: outcome.Kind, Err: outcome.Err,
				})
			}
		}
		candidates = next
	}

	exhausted.Rounds = round
	c.logger.Errorf("%v", exhausted)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordRestoreResult(false, 0)
	}
	return nil, exhausted
}

// MinVLSN returns the freshness bar for a round: the largest range end among candidates minus maxLag, floored at
// zero.
func MinVLSN(candidates []Candidate, maxLag uint64) uint64 {
	var highest uint64
	for _, cand := range candidates {
		if cand.RangeEnd > highest {
			highest = cand.RangeEnd
		}
	}
	if highest < maxLag {
		return 0
	}
	return highest - maxLag
}

func initialCandidates(sources []group.Member, self string) []Candidate {
	candidates := make([]Candidate, 0, len(sources))
	seen := make(map[string]bool, len(sources))
	for _, m := range sources {
		if m.Name == self || seen[m.Name] {
			continue
		}
		seen[m.Name] = true
		candidates = append(candidates, Candidate{Member: m, RangeEnd: RangeEndUnknown, Load: LoadUnknown})
	}
	return candidates
}

func (c *Coordinator) aborted(round int, err error) error {
	c.logger.Warnf("restore aborted in round %d: %v", round, err)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordRestoreResult(false, 0)
	}
	return fmt.Errorf("restore aborted in round %d: %w", round, err)
}

func (c *Coordinator) recordRound() {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordRestoreRound()
	}
}

func (c *Coordinator) recordCandidate(round int, cand Candidate, outcome Outcome) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordRestoreCandidate(outcome.Kind.String())
	}
	if c.cfg.Bus != nil {
		pubsub.Publish(c.cfg.Bus, pubsub.NewEvent(pubsub.RestoreProgress, pubsub.RestoreStep{
			Node:    c.cfg.Local.Name,
			Round:   round,
			Donor:   cand.Member.Name,
			Outcome: outcome.Kind.String(),
		}))
	}
}
