package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nucleus/capture-api/internal/clone"
)

// Run context keys.
const (
	RemapKeySnapshot = "remap"
	RemapKeyFailures = "failures"
)

// ErrVersionMismatch is returned when an optimistic write sees another version.
var ErrVersionMismatch = errors.New("version mismatch")

// =============================================================================
// RUN CONTEXT STORE
// =============================================================================

// SaveRunRemap writes value under key for runID and returns the new version.
// A positive expectedVersion must match the stored version.
func (c *Client) SaveRunRemap(ctx context.Context, runID, key string, value []byte, expectedVersion int64) (int64, error) {
	var next int64
	err := c.Transaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var current int64
		err := tx.QueryRowContext(ctx, `
			SELECT version FROM clone_run_remaps WHERE run_id = $1 AND key = $2 FOR UPDATE
		`, runID, key).Scan(&current)
		if err != nil {
			if !errors.Is(err, sql.ErrNoRows) {
				return err
			}
			if expectedVersion > 0 {
				return fmt.Errorf("%w: expected %d but key missing", ErrVersionMismatch, expectedVersion)
			}
			next = 1
			_, err = tx.ExecContext(ctx, `
				INSERT INTO clone_run_remaps (run_id, key, value, version) VALUES ($1, $2, $3, 1)
			`, runID, key, value)
			return err
		}
		if expectedVersion > 0 && current != expectedVersion {
			return fmt.Errorf("%w: expected %d got %d", ErrVersionMismatch, expectedVersion, current)
		}
		next = current + 1
		_, err = tx.ExecContext(ctx, `
			UPDATE clone_run_remaps SET value = $1, version = $2, updated_at = NOW()
			WHERE run_id = $3 AND key = $4
		`, value, next, runID, key)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to save run remap %s/%s: %w", runID, key, err)
	}
	return next, nil
}

// GetRunRemap returns the entry stored under key for runID, or nil.
func (c *Client) GetRunRemap(ctx context.Context, runID, key string) (*RunContextEntry, error) {
	entry := RunContextEntry{RunID: runID, Key: key}
	err := c.db.QueryRowContext(ctx, `
		SELECT value, version FROM clone_run_remaps WHERE run_id = $1 AND key = $2
	`, runID, key).Scan(&entry.Value, &entry.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get run remap: %w", err)
	}
	return &entry, nil
}

// SaveRunContext stores the final remap and the failures of a run.
func (c *Client) SaveRunContext(ctx context.Context, runID string, snap clone.Snapshot, failures []clone.Failure) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if _, err := c.SaveRunRemap(ctx, runID, RemapKeySnapshot, data, 0); err != nil {
		return err
	}
	if failures == nil {
		failures = []clone.Failure{}
	}
	data, err = json.Marshal(failures)
	if err != nil {
		return err
	}
	_, err = c.SaveRunRemap(ctx, runID, RemapKeyFailures, data, 0)
	return err
}

// LoadRunContext returns the stored remap and failures of a run. Both are
// empty when the run has not finished.
func (c *Client) LoadRunContext(ctx context.Context, runID string) (*clone.Snapshot, []clone.Failure, error) {
	snap := &clone.Snapshot{}
	entry, err := c.GetRunRemap(ctx, runID, RemapKeySnapshot)
	if err != nil {
		return nil, nil, err
	}
	if entry != nil {
		if err := json.Unmarshal(entry.Value, snap); err != nil {
			return nil, nil, fmt.Errorf("decode run remap: %w", err)
		}
	}

	var failures []clone.Failure
	entry, err = c.GetRunRemap(ctx, runID, RemapKeyFailures)
	if err != nil {
		return nil, nil, err
	}
	if entry != nil {
		if err := json.Unmarshal(entry.Value, &failures); err != nil {
			return nil, nil, fmt.Errorf("decode run failures: %w", err)
		}
	}
	return snap, failures, nil
}
