package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nucleus/capture-api/internal/clone"
)

// ErrUnitNotFound is returned when a unit does not exist in the source project.
var ErrUnitNotFound = errors.New("unit not found")

// =============================================================================
// UNIT LISTING
// =============================================================================

// ListUnitIDs returns the IDs of all units of kind in projectID, in ID order.
func (c *Client) ListUnitIDs(ctx context.Context, kind clone.UnitKind, projectID int64) ([]int64, error) {
	table, err := unitTable(kind)
	if err != nil {
		return nil, err
	}
	rows, err := c.db.QueryContext(ctx, `SELECT id FROM `+table+` WHERE project_id = $1 ORDER BY id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s ids: %w", kind, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func unitTable(kind clone.UnitKind) (string, error) {
	switch kind {
	case clone.UnitProtocol:
		return "protocols", nil
	case clone.UnitText:
		return "texts", nil
	}
	return "", fmt.Errorf("unknown unit kind %q", kind)
}

// =============================================================================
// UNIT COPY
// =============================================================================

// CopyUnit copies one protocol (with strokes and dots) or one text into the
// target project in a single transaction and returns the new ID. With Move
// set, the source row is deleted in the same transaction.
func (c *Client) CopyUnit(ctx context.Context, in clone.UnitCopy) (int64, error) {
	var newID int64
	err := c.Transaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		switch in.Kind {
		case clone.UnitProtocol:
			newID, err = copyProtocol(ctx, tx, in)
		case clone.UnitText:
			newID, err = copyText(ctx, tx, in)
		default:
			err = fmt.Errorf("unknown unit kind %q", in.Kind)
		}
		return err
	})
	if err != nil {
		return 0, err
	}
	return newID, nil
}

func copyProtocol(ctx context.Context, tx *sql.Tx, in clone.UnitCopy) (int64, error) {
	var (
		taskID, participantID sql.NullInt64
		name                  string
		device                sql.NullString
		recordedAt            sql.NullTime
	)
	err := tx.QueryRowContext(ctx, `
		SELECT task_id, participant_id, name, device, recorded_at
		FROM protocols
		WHERE id = $1 AND project_id = $2
		FOR UPDATE
	`, in.SourceID, in.SourceProjectID).Scan(&taskID, &participantID, &name, &device, &recordedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("%w: protocol %d in project %d", ErrUnitNotFound, in.SourceID, in.SourceProjectID)
		}
		return 0, fmt.Errorf("failed to load protocol: %w", err)
	}

	var newID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO protocols (project_id, task_id, participant_id, name, device, recorded_at,
		                       preview_stale, preview_generation, preview_stale_since)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, 0, NOW())
		RETURNING id
	`, in.TargetProjectID, remapNull(taskID, in.TaskRemap), remapNull(participantID, in.ParticipantRemap),
		name, device, recordedAt).Scan(&newID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert protocol: %w", err)
	}

	if err := copyStrokes(ctx, tx, in.SourceID, newID); err != nil {
		return 0, err
	}

	if in.Move {
		if _, err := tx.ExecContext(ctx, `DELETE FROM protocols WHERE id = $1`, in.SourceID); err != nil {
			return 0, fmt.Errorf("failed to delete moved protocol: %w", err)
		}
	}
	return newID, nil
}

type strokeRow struct {
	id    int64
	seq   int
	color sql.NullString
}

func copyStrokes(ctx context.Context, tx *sql.Tx, sourceProtocolID, targetProtocolID int64) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, seq, color FROM strokes WHERE protocol_id = $1 ORDER BY seq, id
	`, sourceProtocolID)
	if err != nil {
		return fmt.Errorf("failed to load strokes: %w", err)
	}
	var strokes []strokeRow
	for rows.Next() {
		var s strokeRow
		if err := rows.Scan(&s.id, &s.seq, &s.color); err != nil {
			rows.Close()
			return err
		}
		strokes = append(strokes, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, s := range strokes {
		var newStrokeID int64
		err := tx.QueryRowContext(ctx, `
			INSERT INTO strokes (protocol_id, seq, color) VALUES ($1, $2, $3) RETURNING id
		`, targetProtocolID, s.seq, s.color).Scan(&newStrokeID)
		if err != nil {
			return fmt.Errorf("failed to insert stroke: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO dots (stroke_id, seq, x, y, pressure, ts)
			SELECT $1, seq, x, y, pressure, ts FROM dots WHERE stroke_id = $2
		`, newStrokeID, s.id)
		if err != nil {
			return fmt.Errorf("failed to copy dots of stroke %d: %w", s.id, err)
		}
	}
	return nil
}

func copyText(ctx context.Context, tx *sql.Tx, in clone.UnitCopy) (int64, error) {
	var (
		taskID, participantID, protocolID sql.NullInt64
		content                           string
	)
	err := tx.QueryRowContext(ctx, `
		SELECT task_id, participant_id, protocol_id, content
		FROM texts
		WHERE id = $1 AND project_id = $2
		FOR UPDATE
	`, in.SourceID, in.SourceProjectID).Scan(&taskID, &participantID, &protocolID, &content)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("%w: text %d in project %d", ErrUnitNotFound, in.SourceID, in.SourceProjectID)
		}
		return 0, fmt.Errorf("failed to load text: %w", err)
	}

	var newID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO texts (project_id, task_id, participant_id, protocol_id, content)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, in.TargetProjectID, remapNull(taskID, in.TaskRemap), remapNull(participantID, in.ParticipantRemap),
		remapNull(protocolID, in.ProtocolRemap), content).Scan(&newID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert text: %w", err)
	}

	if in.Move {
		if _, err := tx.ExecContext(ctx, `DELETE FROM texts WHERE id = $1`, in.SourceID); err != nil {
			return 0, fmt.Errorf("failed to delete moved text: %w", err)
		}
	}
	return newID, nil
}

// remapNull replaces a referenced ID through remap. IDs without an entry
// and NULLs are kept.
func remapNull(v sql.NullInt64, remap map[int64]int64) sql.NullInt64 {
	if !v.Valid {
		return v
	}
	if to, ok := remap[v.Int64]; ok {
		return sql.NullInt64{Int64: to, Valid: true}
	}
	return v
}

// =============================================================================
// CAPTURE WRITES
// =============================================================================

// CreateProtocol inserts an empty protocol. Its preview starts stale.
func (c *Client) CreateProtocol(ctx context.Context, p Protocol) (int64, error) {
	var id int64
	err := c.db.QueryRowContext(ctx, `
		INSERT INTO protocols (project_id, task_id, participant_id, name, device, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, p.ProjectID, p.TaskID, p.ParticipantID, p.Name, p.Device, p.RecordedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create protocol: %w", err)
	}
	return id, nil
}

// AppendStroke adds a stroke with its dots to a protocol and flags the
// preview stale in the same transaction.
func (c *Client) AppendStroke(ctx context.Context, protocolID int64, color string, dots []DotInput) (int64, error) {
	var strokeID int64
	err := c.Transaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO strokes (protocol_id, seq, color)
			VALUES ($1, (SELECT COALESCE(MAX(seq), -1) + 1 FROM strokes WHERE protocol_id = $1), $2)
			RETURNING id
		`, protocolID, ToNullString(color)).Scan(&strokeID)
		if err != nil {
			return fmt.Errorf("failed to insert stroke: %w", err)
		}
		for i, d := range dots {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO dots (stroke_id, seq, x, y, pressure, ts) VALUES ($1, $2, $3, $4, $5, $6)
			`, strokeID, i, d.X, d.Y, d.Pressure, d.Timestamp)
			if err != nil {
				return fmt.Errorf("failed to insert dot: %w", err)
			}
		}
		return markPreviewStale(ctx, tx, protocolID)
	})
	if err != nil {
		return 0, err
	}
	return strokeID, nil
}

// DotInput is one sampled pen position to store.
type DotInput struct {
	X         float64
	Y         float64
	Pressure  float64
	Timestamp int64
}

// CreateText inserts a text.
func (c *Client) CreateText(ctx context.Context, t Text) (int64, error) {
	var id int64
	err := c.db.QueryRowContext(ctx, `
		INSERT INTO texts (project_id, task_id, participant_id, protocol_id, content)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, t.ProjectID, t.TaskID, t.ParticipantID, t.ProtocolID, t.Content).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create text: %w", err)
	}
	return id, nil
}
