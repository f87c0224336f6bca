package clone

import (
	"context"
	"fmt"
	"sync"

	"go.temporal.io/sdk/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/nucleus/capture-api/internal/logging"
)

// UnitCopy is the input of one unit copy.
type UnitCopy struct {
	Kind             UnitKind
	SourceProjectID  ID
	SourceID         ID
	TargetProjectID  ID
	Move             bool
	TaskRemap        map[ID]ID
	ParticipantRemap map[ID]ID
	// ProtocolRemap resolves text-to-protocol references. Empty for protocols.
	ProtocolRemap map[ID]ID
}

// UnitCopier copies one unit atomically: either the unit and everything it
// owns exists in the target project (and, on move, is gone from the source)
// or nothing changed.
type UnitCopier interface {
	CopyUnit(ctx context.Context, in UnitCopy) (ID, error)
}

// UnitLister lists the units of a project.
type UnitLister interface {
	ListUnitIDs(ctx context.Context, kind UnitKind, projectID ID) ([]ID, error)
}

// StepResult is the outcome of one CopyStep run.
type StepResult struct {
	Kind     UnitKind  `json:"kind"`
	Copied   map[ID]ID `json:"copied"`
	Failures []Failure `json:"failures,omitempty"`
}

// CopyStep copies a list of units of one kind.
type CopyStep struct {
	Copier UnitCopier
	// Parallelism bounds concurrent unit copies. Values below 1 mean 1.
	Parallelism int
	// Limiter throttles unit copies when set.
	Limiter *rate.Limiter
	Logger  log.Logger
}

// WithLogger returns a copy of the step that logs to l.
func (s *CopyStep) WithLogger(l log.Logger) *CopyStep {
	cp := *s
	cp.Logger = l
	return &cp
}

// Run copies every id and records successes in rc. A failing unit is
// reported in the result and does not stop the step; only cancellation of
// ctx does.
func (s *CopyStep) Run(ctx context.Context, kind UnitKind, ids []ID, req CloneRequest, rc *RunContext) (*StepResult, error) {
	logger := logging.OrNop(s.Logger)
	result := &StepResult{Kind: kind, Copied: make(map[ID]ID, len(ids))}

	var protocolRemap map[ID]ID
	if kind == UnitText {
		protocolRemap = rc.Remap(UnitProtocol)
	}

	limit := s.Parallelism
	if limit < 1 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	var mu sync.Mutex
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if s.Limiter != nil {
				if err := s.Limiter.Wait(gctx); err != nil {
					return err
				}
			}
			if err := gctx.Err(); err != nil {
				return err
			}
			newID, err := s.Copier.CopyUnit(gctx, UnitCopy{
				Kind:             kind,
				SourceProjectID:  req.SourceProjectID,
				SourceID:         id,
				TargetProjectID:  req.TargetProjectID,
				Move:             req.Move,
				TaskRemap:        req.TaskRemap,
				ParticipantRemap: req.ParticipantRemap,
				ProtocolRemap:    protocolRemap,
			})
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				err = fmt.Errorf("%w: %s %d: %v", ErrCopyFailed, kind, id, err)
				logger.Warn("unit copy failed", "kind", kind, "sourceId", id, "error", err)
				mu.Lock()
				result.Failures = append(result.Failures, Failure{Kind: kind, SourceID: id, Error: err.Error()})
				mu.Unlock()
				return nil
			}
			rc.Put(kind, id, newID)
			mu.Lock()
			result.Copied[id] = newID
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}

	logger.Info("copy step finished", "kind", kind, "copied", len(result.Copied), "failed", len(result.Failures))
	return result, nil
}

// Chunk splits ids into consecutive slices of at most size elements.
func Chunk(ids []ID, size int) [][]ID {
	if size < 1 {
		size = 1
	}
	var out [][]ID
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[start:end])
	}
	return out
}
