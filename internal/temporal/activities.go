package temporal

import (
	"context"
	"errors"
	"fmt"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/nucleus/capture-api/internal/clone"
	"github.com/nucleus/capture-api/internal/params"
	"github.com/nucleus/capture-api/internal/preview"
)

// RunStore persists clone run status and results.
type RunStore interface {
	MarkCloneRunStarted(ctx context.Context, runID, workflowID, temporalRunID string) error
	MarkCloneRunFinished(ctx context.Context, runID string, copiedProtocols, copiedTexts, failed int, errMsg string) error
	MarkCloneRunFailed(ctx context.Context, runID, errMsg string) error
	SaveRunContext(ctx context.Context, runID string, snap clone.Snapshot, failures []clone.Failure) error
}

// CloneActivities holds the clone activity implementations.
type CloneActivities struct {
	Step   *clone.CopyStep
	Lister clone.UnitLister
	Runs   RunStore
}

// NewCloneActivities creates a new CloneActivities instance.
func NewCloneActivities(step *clone.CopyStep, lister clone.UnitLister, runs RunStore) *CloneActivities {
	return &CloneActivities{Step: step, Lister: lister, Runs: runs}
}

// =============================================================================
// CLONE RUN STATUS ACTIVITIES
// =============================================================================

// MarkCloneRunStartedInput is the input for MarkCloneRunStarted.
type MarkCloneRunStartedInput struct {
	RunID         string `json:"runId"`
	WorkflowID    string `json:"workflowId"`
	TemporalRunID string `json:"temporalRunId"`
}

// MarkCloneRunStarted marks a clone run as started.
func (a *CloneActivities) MarkCloneRunStarted(ctx context.Context, input MarkCloneRunStartedInput) error {
	return a.Runs.MarkCloneRunStarted(ctx, input.RunID, input.WorkflowID, input.TemporalRunID)
}

// MarkCloneRunFinishedInput is the input for MarkCloneRunFinished.
type MarkCloneRunFinishedInput struct {
	RunID           string `json:"runId"`
	CopiedProtocols int    `json:"copiedProtocols"`
	CopiedTexts     int    `json:"copiedTexts"`
	FailedUnits     int    `json:"failedUnits"`
}

// MarkCloneRunFinished marks a clone run as SUCCEEDED or PARTIAL.
func (a *CloneActivities) MarkCloneRunFinished(ctx context.Context, input MarkCloneRunFinishedInput) error {
	var errMsg string
	if input.FailedUnits > 0 {
		errMsg = fmt.Sprintf("%d units failed to copy", input.FailedUnits)
	}
	return a.Runs.MarkCloneRunFinished(ctx, input.RunID, input.CopiedProtocols, input.CopiedTexts, input.FailedUnits, errMsg)
}

// MarkCloneRunFailedInput is the input for MarkCloneRunFailed.
type MarkCloneRunFailedInput struct {
	RunID string `json:"runId"`
	Error string `json:"error"`
}

// MarkCloneRunFailed marks a clone run as failed.
func (a *CloneActivities) MarkCloneRunFailed(ctx context.Context, input MarkCloneRunFailedInput) error {
	return a.Runs.MarkCloneRunFailed(ctx, input.RunID, input.Error)
}

// SaveRunContextInput is the input for SaveRunContext.
type SaveRunContextInput struct {
	RunID    string          `json:"runId"`
	Snapshot clone.Snapshot  `json:"snapshot"`
	Failures []clone.Failure `json:"failures,omitempty"`
}

// SaveRunContext persists the final remap of a run.
func (a *CloneActivities) SaveRunContext(ctx context.Context, input SaveRunContextInput) error {
	activity.GetLogger(ctx).Info("saving run context", "runId", input.RunID,
		"protocols", len(input.Snapshot.ProtocolIDRemap), "texts", len(input.Snapshot.TextIDRemap))
	return a.Runs.SaveRunContext(ctx, input.RunID, input.Snapshot, input.Failures)
}

// =============================================================================
// COPY ACTIVITIES
// =============================================================================

// ListUnitIDsInput is the input for ListUnitIDs.
type ListUnitIDsInput struct {
	Kind      clone.UnitKind `json:"kind"`
	ProjectID int64          `json:"projectId"`
}

// ListUnitIDs lists every unit of a kind in a project.
func (a *CloneActivities) ListUnitIDs(ctx context.Context, input ListUnitIDsInput) ([]int64, error) {
	ids, err := a.Lister.ListUnitIDs(ctx, input.Kind, input.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s ids: %w", input.Kind, err)
	}
	activity.GetLogger(ctx).Info("listed units", "kind", input.Kind, "projectId", input.ProjectID, "count", len(ids))
	return ids, nil
}

// CopyUnits copies one chunk of units. The input is the run's parameter set
// plus the unit kind, the chunk's IDs and, for texts, the protocol remap.
func (a *CloneActivities) CopyUnits(ctx context.Context, in params.Set) (*clone.StepResult, error) {
	logger := activity.GetLogger(ctx)

	req, kind, ids, protocolRemap, err := decodeCopyUnits(in)
	if err != nil {
		return nil, temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeMalformedParameterSet, err)
	}

	rc := clone.NewRunContext()
	rc.Merge(clone.UnitProtocol, protocolRemap)

	logger.Info("copying units", "runId", req.RunID, "kind", kind, "count", len(ids))
	return a.Step.WithLogger(logger).Run(ctx, kind, ids, req, rc)
}

func decodeCopyUnits(in params.Set) (clone.CloneRequest, clone.UnitKind, []int64, map[int64]int64, error) {
	req, err := clone.DecodeRequest(in)
	if err != nil {
		return req, "", nil, nil, err
	}
	kind := clone.UnitKind(in.String(KeyKind))
	if kind != clone.UnitProtocol && kind != clone.UnitText {
		return req, "", nil, nil, fmt.Errorf("%w: unknown unit kind %q", params.ErrMalformedParameterSet, kind)
	}
	ids, err := params.DecodeList(in, PrefixUnitIDs)
	if err != nil {
		return req, "", nil, nil, err
	}
	protocolRemap, err := params.DecodeMap(in, PrefixProtocolRemap)
	if err != nil {
		return req, "", nil, nil, err
	}
	return req, kind, ids, protocolRemap, nil
}

// =============================================================================
// PREVIEW ACTIVITIES
// =============================================================================

// PreviewActivities holds the preview tick activity implementations.
type PreviewActivities struct {
	Scanner  *preview.Scanner
	Renderer preview.Renderer
	Writer   *preview.Writer
}

// NewPreviewActivities creates a new PreviewActivities instance.
func NewPreviewActivities(scanner *preview.Scanner, renderer preview.Renderer, writer *preview.Writer) *PreviewActivities {
	return &PreviewActivities{Scanner: scanner, Renderer: renderer, Writer: writer}
}

// ScanOutput is the output of ScanStalePreview.
type ScanOutput struct {
	Tick    preview.TickContext `json:"tick"`
	Capture preview.Capture     `json:"capture"`
}

// ScanStalePreview picks the next stale protocol, if any.
func (a *PreviewActivities) ScanStalePreview(ctx context.Context) (*ScanOutput, error) {
	scanner := *a.Scanner
	scanner.Logger = activity.GetLogger(ctx)
	tc, rec, err := scanner.Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := &ScanOutput{Tick: tc}
	if rec != nil {
		out.Capture = rec.Capture
	}
	return out, nil
}

// RenderInput is the input for RenderPreview.
type RenderInput struct {
	Tick    preview.TickContext `json:"tick"`
	Capture preview.Capture     `json:"capture"`
}

// RenderOutput is the output of RenderPreview.
type RenderOutput struct {
	Data []byte `json:"data"`
}

// RenderPreview renders the capture of the scanned protocol. A render
// failure is not retried; the protocol stays stale for a later tick.
func (a *PreviewActivities) RenderPreview(ctx context.Context, input RenderInput) (*RenderOutput, error) {
	logger := activity.GetLogger(ctx)
	data, err := preview.Render(ctx, a.Renderer, input.Capture)
	if err != nil {
		if errors.Is(err, preview.ErrRenderFailed) {
			logger.Warn("preview render failed", "protocolId", input.Tick.ProtocolID, "error", err)
			preview.Defer(ctx, a.Scanner.Source, input.Tick.ProtocolID, logger)
			return nil, temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeRenderFailed, err)
		}
		return nil, err
	}
	return &RenderOutput{Data: data}, nil
}

// WriteInput is the input for WritePreview.
type WriteInput struct {
	Tick preview.TickContext `json:"tick"`
	Data []byte              `json:"data"`
}

// WritePreview stores the artifact and clears the staleness flag.
func (a *PreviewActivities) WritePreview(ctx context.Context, input WriteInput) (*preview.TickResult, error) {
	writer := *a.Writer
	writer.Logger = activity.GetLogger(ctx)
	res, err := writer.Write(ctx, input.Tick, input.Data)
	if err != nil {
		return nil, err
	}
	return &res, nil
}
