package clone

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/log"

	"github.com/nucleus/capture-api/internal/logging"
	"github.com/nucleus/capture-api/internal/params"
)

// DefaultDispatchDelay postpones the engine-side start of every run.
const DefaultDispatchDelay = 500 * time.Millisecond

// Submission is what the orchestrator hands to the job engine.
type Submission struct {
	RunID      string
	WorkflowID string
	Params     params.Set
	// Delay postpones the start of the run on the engine side.
	Delay time.Duration
}

// Dispatcher submits a run to the job engine.
type Dispatcher interface {
	Dispatch(ctx context.Context, sub Submission) error
}

// RunRecorder keeps the queryable status of clone runs.
type RunRecorder interface {
	CreateCloneRun(ctx context.Context, req CloneRequest) error
	MarkCloneRunFailed(ctx context.Context, runID, errMsg string) error
}

// CommitHook registers fn to run after the transaction carried by ctx
// commits. It reports false when ctx carries no transaction.
type CommitHook func(ctx context.Context, fn func()) bool

// Trigger is an operator clone request.
type Trigger struct {
	SourceProjectID  ID        `json:"sourceProjectId"`
	TargetProjectID  ID        `json:"targetProjectId"`
	Move             bool      `json:"move"`
	TaskRemap        map[ID]ID `json:"taskRemap,omitempty"`
	ParticipantRemap map[ID]ID `json:"participantRemap,omitempty"`
	ProtocolIDs      []ID      `json:"protocolIds,omitempty"`
	TextIDs          []ID      `json:"textIds,omitempty"`
	RequestedBy      string    `json:"requestedBy,omitempty"`
}

// Orchestrator turns triggers into runs on the job engine. Every run starts
// Delay after submission. When the caller's context carries a transaction
// (AfterCommit reports true), the run row is written in it and submission
// waits for the commit. Engine submission is best effort: failures are
// logged and recorded, never returned.
type Orchestrator struct {
	Dispatcher  Dispatcher
	Runs        RunRecorder
	Delay       time.Duration
	AfterCommit CommitHook
	Logger      log.Logger

	tokens TokenSource
	wg     sync.WaitGroup
}

// NewOrchestrator returns an orchestrator using the default delay.
func NewOrchestrator(d Dispatcher, runs RunRecorder, logger log.Logger) *Orchestrator {
	return &Orchestrator{
		Dispatcher: d,
		Runs:       runs,
		Delay:      DefaultDispatchDelay,
		Logger:     logger,
	}
}

// CloneProject starts a run copying every protocol and text of the source
// project. It returns the run ID before the run starts.
func (o *Orchestrator) CloneProject(ctx context.Context, t Trigger) (string, error) {
	return o.submit(ctx, t, ScopeProject)
}

// CloneSubset starts a run copying only the listed protocols and texts.
func (o *Orchestrator) CloneSubset(ctx context.Context, t Trigger) (string, error) {
	return o.submit(ctx, t, ScopeSubset)
}

// Wait blocks until every pending submission has been handed off.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) submit(ctx context.Context, t Trigger, scope Scope) (string, error) {
	logger := logging.OrNop(o.Logger)
	req := CloneRequest{
		RunID:            uuid.New().String(),
		SourceProjectID:  t.SourceProjectID,
		TargetProjectID:  t.TargetProjectID,
		Move:             t.Move,
		UniquenessToken:  o.tokens.Next(),
		Scope:            scope,
		TaskRemap:        t.TaskRemap,
		ParticipantRemap: t.ParticipantRemap,
		RequestedBy:      t.RequestedBy,
	}
	if scope == ScopeSubset {
		req.ProtocolIDs = t.ProtocolIDs
		req.TextIDs = t.TextIDs
	}
	if err := req.Validate(); err != nil {
		return "", err
	}

	sub := Submission{
		RunID:      req.RunID,
		WorkflowID: WorkflowID(req.UniquenessToken, req.RunID),
		Params:     req.Encode(),
		Delay:      o.Delay,
	}
	bg := context.WithoutCancel(ctx)
	deferred := o.AfterCommit != nil && o.AfterCommit(ctx, func() { o.dispatch(bg, sub) })

	// Inside a transaction the run row commits or rolls back together with
	// the pending dispatch.
	if o.Runs != nil {
		if err := o.Runs.CreateCloneRun(ctx, req); err != nil {
			if deferred {
				return "", fmt.Errorf("failed to record clone run: %w", err)
			}
			logger.Warn("failed to record clone run", "runId", req.RunID, "error", err)
		}
	}
	if deferred {
		logger.Debug("clone run deferred until commit", "runId", req.RunID)
		return req.RunID, nil
	}
	o.dispatch(bg, sub)
	return req.RunID, nil
}

func (o *Orchestrator) dispatch(ctx context.Context, sub Submission) {
	logger := logging.OrNop(o.Logger)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.Dispatcher.Dispatch(ctx, sub); err != nil {
			err = fmt.Errorf("%w: %v", ErrSubmissionFailed, err)
			logger.Error("clone run not submitted", "runId", sub.RunID, "workflowId", sub.WorkflowID, "error", err)
			if o.Runs != nil {
				if markErr := o.Runs.MarkCloneRunFailed(ctx, sub.RunID, err.Error()); markErr != nil {
					logger.Warn("failed to mark clone run failed", "runId", sub.RunID, "error", markErr)
				}
			}
			return
		}
		logger.Info("clone run submitted", "runId", sub.RunID, "workflowId", sub.WorkflowID, "delay", sub.Delay)
	}()
}

// WorkflowID names the engine execution of a run. The run ID keeps tokens
// minted by different processes in the same nanosecond apart.
func WorkflowID(token int64, runID string) string {
	return "clone-" + strconv.FormatInt(token, 10) + "-" + runID
}

// TokenSource hands out strictly increasing nanosecond tokens.
type TokenSource struct {
	mu   sync.Mutex
	last int64
	// Now defaults to time.Now.
	Now func() time.Time
}

// Next returns a token greater than every previous one.
func (s *TokenSource) Next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	n := now().UnixNano()
	if n <= s.last {
		n = s.last + 1
	}
	s.last = n
	return n
}
