package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/nucleus/capture-api/internal/clone"
)

// ErrRunNotFound is returned when a clone run does not exist.
var ErrRunNotFound = errors.New("clone run not found")

// =============================================================================
// CLONE RUN QUERIES
// =============================================================================

// CreateCloneRun records a QUEUED run for req, inside the transaction
// carried by ctx when there is one.
func (c *Client) CreateCloneRun(ctx context.Context, req clone.CloneRequest) error {
	var protocolIDs, textIDs any
	if req.Scope == clone.ScopeSubset {
		protocolIDs = pq.Array(req.ProtocolIDs)
		textIDs = pq.Array(req.TextIDs)
	}
	_, err := c.conn(ctx).ExecContext(ctx, `
		INSERT INTO clone_runs (id, token, source_project_id, target_project_id, scope, move,
		                        protocol_ids, text_ids, status, requested_by, workflow_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, req.RunID, req.UniquenessToken, req.SourceProjectID, req.TargetProjectID, string(req.Scope), req.Move,
		protocolIDs, textIDs, CloneStatusQueued, ToNullString(req.RequestedBy), clone.WorkflowID(req.UniquenessToken, req.RunID))
	if err != nil {
		return fmt.Errorf("failed to create clone run: %w", err)
	}
	return nil
}

// GetCloneRun returns a clone run by ID.
func (c *Client) GetCloneRun(ctx context.Context, runID string) (*CloneRun, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, token, source_project_id, target_project_id, scope, move, status,
		       requested_by, requested_at, started_at, completed_at, workflow_id, temporal_run_id,
		       copied_protocols, copied_texts, failed_units, error
		FROM clone_runs
		WHERE id = $1
	`, runID)
	run, err := scanCloneRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("failed to get clone run: %w", err)
	}
	return run, nil
}

func scanCloneRun(row rowScanner) (*CloneRun, error) {
	var r CloneRun
	err := row.Scan(
		&r.ID, &r.Token, &r.SourceProjectID, &r.TargetProjectID, &r.Scope, &r.Move, &r.Status,
		&r.RequestedBy, &r.RequestedAt, &r.StartedAt, &r.CompletedAt, &r.WorkflowID, &r.TemporalRunID,
		&r.CopiedProtocols, &r.CopiedTexts, &r.FailedUnits, &r.Error,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// UpdateCloneRunStatus updates a clone run's status and the given columns.
func (c *Client) UpdateCloneRunStatus(ctx context.Context, runID string, status CloneRunStatus, updates map[string]any) error {
	query, args := buildStatusUpdate(runID, status, updates)
	result, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update clone run: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

func buildStatusUpdate(runID string, status CloneRunStatus, updates map[string]any) (string, []any) {
	keys := make([]string, 0, len(updates))
	for key := range updates {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	setClauses := []string{"status = $2"}
	args := []any{runID, status}
	argIdx := 3
	for _, key := range keys {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", key, argIdx))
		args = append(args, updates[key])
		argIdx++
	}

	query := fmt.Sprintf(`
		UPDATE clone_runs
		SET %s
		WHERE id = $1
	`, strings.Join(setClauses, ", "))
	return query, args
}

// MarkCloneRunStarted updates a run to RUNNING status.
func (c *Client) MarkCloneRunStarted(ctx context.Context, runID, workflowID, temporalRunID string) error {
	return c.UpdateCloneRunStatus(ctx, runID, CloneStatusRunning, map[string]any{
		"started_at":      time.Now(),
		"workflow_id":     workflowID,
		"temporal_run_id": temporalRunID,
		"error":           nil,
	})
}

// MarkCloneRunFinished updates a run to SUCCEEDED, or PARTIAL when some
// units failed.
func (c *Client) MarkCloneRunFinished(ctx context.Context, runID string, copiedProtocols, copiedTexts, failed int, errMsg string) error {
	return c.UpdateCloneRunStatus(ctx, runID, FinishedStatus(failed), map[string]any{
		"completed_at":     time.Now(),
		"copied_protocols": copiedProtocols,
		"copied_texts":     copiedTexts,
		"failed_units":     failed,
		"error":            ToNullString(errMsg),
	})
}

// MarkCloneRunFailed updates a run to FAILED status.
func (c *Client) MarkCloneRunFailed(ctx context.Context, runID, errMsg string) error {
	return c.UpdateCloneRunStatus(ctx, runID, CloneStatusFailed, map[string]any{
		"completed_at": time.Now(),
		"error":        errMsg,
	})
}

// FinishedStatus is the terminal status of a run that ran to completion.
func FinishedStatus(failedUnits int) CloneRunStatus {
	if failedUnits > 0 {
		return CloneStatusPartial
	}
	return CloneStatusSucceeded
}

var _ clone.RunRecorder = (*Client)(nil)
var _ clone.UnitCopier = (*Client)(nil)
var _ clone.UnitLister = (*Client)(nil)
