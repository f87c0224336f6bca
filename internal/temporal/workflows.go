// Package temporal provides the Temporal workflows, activities and client
// that run clone jobs and preview ticks.
package temporal

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/nucleus/capture-api/internal/clone"
	"github.com/nucleus/capture-api/internal/params"
	"github.com/nucleus/capture-api/internal/preview"
)

// =============================================================================
// WORKFLOW NAMES
// =============================================================================

const (
	CloneRunWorkflow    = "cloneRunWorkflow"
	PreviewTickWorkflow = "previewTickWorkflow"
)

// RunContextQuery returns the live remap of a clone run.
const RunContextQuery = "runContext"

// Error types of application errors raised at the engine boundary.
const (
	ErrTypeMalformedParameterSet = "MalformedParameterSet"
	ErrTypeRenderFailed          = "RenderFailed"
)

// Parameter keys of the CopyUnits activity, on top of the request keys.
const (
	KeyKind             = "kind"
	KeyChunkSize        = "chunkSize"
	PrefixUnitIDs       = "unitIds."
	PrefixProtocolRemap = "protocolRemap."
)

// DefaultChunkSize is used when a run carries no chunk size.
const DefaultChunkSize = 50

// =============================================================================
// ACTIVITY OPTIONS
// =============================================================================

var defaultActivityOptions = workflow.ActivityOptions{
	StartToCloseTimeout: time.Hour,
	RetryPolicy: &temporal.RetryPolicy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    time.Minute,
		MaximumAttempts:    3,
	},
}

// Copy chunks are not retried: a retried chunk would copy its already
// copied units a second time.
var copyActivityOptions = workflow.ActivityOptions{
	StartToCloseTimeout: time.Hour,
	RetryPolicy: &temporal.RetryPolicy{
		MaximumAttempts: 1,
	},
}

var previewActivityOptions = workflow.ActivityOptions{
	StartToCloseTimeout: 5 * time.Minute,
	RetryPolicy: &temporal.RetryPolicy{
		InitialInterval:        time.Second,
		BackoffCoefficient:     2.0,
		MaximumInterval:        30 * time.Second,
		MaximumAttempts:        3,
		NonRetryableErrorTypes: []string{ErrTypeRenderFailed},
	},
}

// =============================================================================
// WORKFLOW INPUTS/OUTPUTS
// =============================================================================

// CloneRunResult is the output of CloneRunWorkflow.
type CloneRunResult struct {
	RunID           string          `json:"runId"`
	ProtocolIDRemap map[int64]int64 `json:"protocolIdRemap"`
	TextIDRemap     map[int64]int64 `json:"textIdRemap"`
	Failures        []clone.Failure `json:"failures,omitempty"`
}

// =============================================================================
// CLONE RUN WORKFLOW
// =============================================================================

// CloneRunWorkflowFunc copies the protocols of a run, then its texts, in
// chunks. Failed units are collected; the run still finishes.
func CloneRunWorkflowFunc(ctx workflow.Context, in params.Set) (*CloneRunResult, error) {
	logger := workflow.GetLogger(ctx)
	info := workflow.GetInfo(ctx)
	actCtx := workflow.WithActivityOptions(ctx, defaultActivityOptions)

	req, err := clone.DecodeRequest(in)
	if err == nil {
		err = req.Validate()
	}
	if err != nil {
		logger.Error("malformed clone parameters", "error", err)
		if runID := in.String(clone.KeyRunID); runID != "" {
			_ = workflow.ExecuteActivity(actCtx, "MarkCloneRunFailed", map[string]any{
				"runId": runID,
				"error": err.Error(),
			}).Get(ctx, nil)
		}
		return nil, temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeMalformedParameterSet, err)
	}

	rc := clone.NewRunContext()
	if err := workflow.SetQueryHandler(ctx, RunContextQuery, func() (clone.Snapshot, error) {
		return rc.Snapshot(), nil
	}); err != nil {
		return nil, err
	}

	fail := func(err error) (*CloneRunResult, error) {
		_ = workflow.ExecuteActivity(actCtx, "MarkCloneRunFailed", map[string]any{
			"runId": req.RunID,
			"error": err.Error(),
		}).Get(ctx, nil)
		return nil, err
	}

	// The status row is bookkeeping. A missing or unwritable row must not
	// stop the copy.
	err = workflow.ExecuteActivity(actCtx, "MarkCloneRunStarted", map[string]any{
		"runId":         req.RunID,
		"workflowId":    info.WorkflowExecution.ID,
		"temporalRunId": info.WorkflowExecution.RunID,
	}).Get(ctx, nil)
	if err != nil {
		logger.Warn("failed to mark clone run started", "runId", req.RunID, "error", err)
	}

	size := chunkSize(in)
	copyCtx := workflow.WithActivityOptions(ctx, copyActivityOptions)
	var failures []clone.Failure

	// Texts reference protocols, so every protocol chunk completes first.
	for _, kind := range []clone.UnitKind{clone.UnitProtocol, clone.UnitText} {
		ids, err := resolveUnitIDs(ctx, actCtx, req, kind)
		if err != nil {
			return fail(err)
		}

		var protocolRemap map[int64]int64
		if kind == clone.UnitText {
			protocolRemap = rc.Remap(clone.UnitProtocol)
		}

		for i, chunk := range clone.Chunk(ids, size) {
			chunkIn := params.Merge(
				req.Encode(),
				params.Set{KeyKind: string(kind)},
				params.EncodeList(chunk, PrefixUnitIDs),
				params.EncodeMap(protocolRemap, PrefixProtocolRemap),
			)
			var res clone.StepResult
			if err := workflow.ExecuteActivity(copyCtx, "CopyUnits", chunkIn).Get(ctx, &res); err != nil {
				return fail(err)
			}
			rc.Merge(kind, res.Copied)
			failures = append(failures, res.Failures...)
			logger.Info("clone chunk finished", "kind", kind, "chunk", i, "copied", len(res.Copied), "failed", len(res.Failures))
		}
	}

	snap := rc.Snapshot()
	err = workflow.ExecuteActivity(actCtx, "SaveRunContext", SaveRunContextInput{
		RunID:    req.RunID,
		Snapshot: snap,
		Failures: failures,
	}).Get(ctx, nil)
	if err != nil {
		return fail(err)
	}

	err = workflow.ExecuteActivity(actCtx, "MarkCloneRunFinished", map[string]any{
		"runId":           req.RunID,
		"copiedProtocols": len(snap.ProtocolIDRemap),
		"copiedTexts":     len(snap.TextIDRemap),
		"failedUnits":     len(failures),
	}).Get(ctx, nil)
	if err != nil {
		logger.Warn("failed to mark clone run finished", "runId", req.RunID, "error", err)
	}

	return &CloneRunResult{
		RunID:           req.RunID,
		ProtocolIDRemap: snap.ProtocolIDRemap,
		TextIDRemap:     snap.TextIDRemap,
		Failures:        failures,
	}, nil
}

func chunkSize(in params.Set) int {
	n, err := in.Int64(KeyChunkSize)
	if err != nil || n < 1 {
		return DefaultChunkSize
	}
	return int(n)
}

func resolveUnitIDs(ctx, actCtx workflow.Context, req clone.CloneRequest, kind clone.UnitKind) ([]int64, error) {
	if req.Scope == clone.ScopeSubset {
		if kind == clone.UnitText {
			return req.TextIDs, nil
		}
		return req.ProtocolIDs, nil
	}
	var ids []int64
	err := workflow.ExecuteActivity(actCtx, "ListUnitIDs", map[string]any{
		"kind":      string(kind),
		"projectId": req.SourceProjectID,
	}).Get(ctx, &ids)
	return ids, err
}

// =============================================================================
// PREVIEW TICK WORKFLOW
// =============================================================================

// PreviewTickWorkflowFunc renders at most one stale preview.
func PreviewTickWorkflowFunc(ctx workflow.Context) (*preview.TickResult, error) {
	logger := workflow.GetLogger(ctx)
	actCtx := workflow.WithActivityOptions(ctx, previewActivityOptions)

	var scan ScanOutput
	if err := workflow.ExecuteActivity(actCtx, "ScanStalePreview").Get(ctx, &scan); err != nil {
		return nil, err
	}
	if !scan.Tick.Found {
		logger.Debug("no stale preview")
		return &preview.TickResult{}, nil
	}

	var rendered RenderOutput
	err := workflow.ExecuteActivity(actCtx, "RenderPreview", RenderInput{
		Tick:    scan.Tick,
		Capture: scan.Capture,
	}).Get(ctx, &rendered)
	if err != nil {
		return &preview.TickResult{ProjectID: scan.Tick.ProjectID, ProtocolID: scan.Tick.ProtocolID}, err
	}

	var result preview.TickResult
	err = workflow.ExecuteActivity(actCtx, "WritePreview", WriteInput{
		Tick: scan.Tick,
		Data: rendered.Data,
	}).Get(ctx, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}
