package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nucleus/capture-api/internal/preview"
)

// =============================================================================
// PREVIEW STATE
// =============================================================================

// FindOneStaleProtocol returns the protocol that has been stale the longest,
// with its capture data, or nil when no preview is stale. Rows locked by a
// concurrent scan are skipped.
func (c *Client) FindOneStaleProtocol(ctx context.Context) (*preview.Record, error) {
	var rec *preview.Record
	err := c.Transaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var r preview.Record
		err := tx.QueryRowContext(ctx, `
			SELECT id, project_id, preview_generation
			FROM protocols
			WHERE preview_stale
			ORDER BY preview_stale_since, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		`).Scan(&r.ProtocolID, &r.ProjectID, &r.Generation)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("failed to find stale protocol: %w", err)
		}
		capture, err := loadCapture(ctx, tx, r.ProtocolID)
		if err != nil {
			return err
		}
		r.Capture = capture
		rec = &r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func loadCapture(ctx context.Context, q queryer, protocolID int64) (preview.Capture, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT s.id, d.x, d.y, d.pressure, d.ts
		FROM strokes s
		LEFT JOIN dots d ON d.stroke_id = s.id
		WHERE s.protocol_id = $1
		ORDER BY s.seq, s.id, d.seq
	`, protocolID)
	if err != nil {
		return preview.Capture{}, fmt.Errorf("failed to load capture: %w", err)
	}
	defer rows.Close()

	var capture preview.Capture
	for rows.Next() {
		var (
			strokeID       int64
			x, y, pressure sql.NullFloat64
			ts             sql.NullInt64
		)
		if err := rows.Scan(&strokeID, &x, &y, &pressure, &ts); err != nil {
			return preview.Capture{}, err
		}
		n := len(capture.Strokes)
		if n == 0 || capture.Strokes[n-1].ID != strokeID {
			capture.Strokes = append(capture.Strokes, preview.Stroke{ID: strokeID})
			n++
		}
		if !x.Valid {
			continue
		}
		capture.Strokes[n-1].Dots = append(capture.Strokes[n-1].Dots, preview.Dot{
			X:         x.Float64,
			Y:         y.Float64,
			Pressure:  pressure.Float64,
			Timestamp: ts.Int64,
		})
	}
	return capture, rows.Err()
}

// ClearStaleFlag clears the flag of protocolID if its generation still
// equals generation. It reports whether the row was updated.
func (c *Client) ClearStaleFlag(ctx context.Context, protocolID, generation int64) (bool, error) {
	res, err := c.db.ExecContext(ctx, `
		UPDATE protocols
		SET preview_stale = FALSE, preview_rendered_at = NOW()
		WHERE id = $1 AND preview_stale AND preview_generation = $2
	`, protocolID, generation)
	if err != nil {
		return false, fmt.Errorf("failed to clear stale flag: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// MarkPreviewStale flags the preview of protocolID for regeneration.
func (c *Client) MarkPreviewStale(ctx context.Context, protocolID int64) error {
	return markPreviewStale(ctx, c.db, protocolID)
}

func markPreviewStale(ctx context.Context, q queryer, protocolID int64) error {
	_, err := q.ExecContext(ctx, `
		UPDATE protocols
		SET preview_stale = TRUE,
		    preview_generation = preview_generation + 1,
		    preview_stale_since = CASE WHEN preview_stale THEN preview_stale_since ELSE NOW() END,
		    updated_at = NOW()
		WHERE id = $1
	`, protocolID)
	if err != nil {
		return fmt.Errorf("failed to mark preview stale: %w", err)
	}
	return nil
}

// DeferStalePreview moves a stale protocol to the back of the scan order.
// The flag and generation are left unchanged.
func (c *Client) DeferStalePreview(ctx context.Context, protocolID int64) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE protocols SET preview_stale_since = NOW() WHERE id = $1 AND preview_stale
	`, protocolID)
	if err != nil {
		return fmt.Errorf("failed to defer stale preview: %w", err)
	}
	return nil
}

// PreviewSource adapts the client to preview.Source.
type PreviewSource struct {
	Client *Client
}

var (
	_ preview.Source   = PreviewSource{}
	_ preview.Deferrer = PreviewSource{}
)

// FindOneStale implements preview.Source.
func (s PreviewSource) FindOneStale(ctx context.Context) (*preview.Record, error) {
	return s.Client.FindOneStaleProtocol(ctx)
}

// ClearStale implements preview.Source.
func (s PreviewSource) ClearStale(ctx context.Context, protocolID int64, generation int64) (bool, error) {
	return s.Client.ClearStaleFlag(ctx, protocolID, generation)
}

// DeferStale implements preview.Deferrer.
func (s PreviewSource) DeferStale(ctx context.Context, protocolID int64) error {
	return s.Client.DeferStalePreview(ctx, protocolID)
}
