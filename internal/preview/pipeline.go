package preview

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/log"

	"github.com/nucleus/capture-api/internal/logging"
	"github.com/nucleus/capture-api/internal/storage"
)

// TickContext carries the protocol picked by the scanner to the writer of
// the same tick.
type TickContext struct {
	Found      bool  `json:"found"`
	ProjectID  ID    `json:"projectId,omitempty"`
	ProtocolID ID    `json:"protocolId,omitempty"`
	Generation int64 `json:"generation,omitempty"`
}

// TickResult summarizes one tick.
type TickResult struct {
	ProjectID  ID     `json:"projectId,omitempty"`
	ProtocolID ID     `json:"protocolId,omitempty"`
	Rendered   bool   `json:"rendered"`
	Cleared    bool   `json:"cleared"`
	Key        string `json:"key,omitempty"`
}

// Scanner picks the next stale protocol.
type Scanner struct {
	Source Source
	Logger log.Logger
}

// Scan returns the tick context and the capture to render. When nothing is
// stale the context is empty and the record nil.
func (s *Scanner) Scan(ctx context.Context) (TickContext, *Record, error) {
	rec, err := s.Source.FindOneStale(ctx)
	if err != nil {
		return TickContext{}, nil, fmt.Errorf("find stale protocol: %w", err)
	}
	if rec == nil {
		logging.OrNop(s.Logger).Debug("no stale preview")
		return TickContext{}, nil, nil
	}
	logging.OrNop(s.Logger).Info("stale preview found", "projectId", rec.ProjectID, "protocolId", rec.ProtocolID, "generation", rec.Generation)
	return TickContext{
		Found:      true,
		ProjectID:  rec.ProjectID,
		ProtocolID: rec.ProtocolID,
		Generation: rec.Generation,
	}, rec, nil
}

// Writer stores rendered artifacts and clears the staleness flag.
type Writer struct {
	Store     storage.ObjectStore
	Source    Source
	Bucket    string
	Prefix    string
	Extension string
	Logger    log.Logger
}

// Write stores data for the protocol in tc and, once stored, clears its
// flag. An empty tick context is a no-op.
func (w *Writer) Write(ctx context.Context, tc TickContext, data []byte) (TickResult, error) {
	logger := logging.OrNop(w.Logger)
	if !tc.Found {
		return TickResult{}, nil
	}
	res := TickResult{
		ProjectID:  tc.ProjectID,
		ProtocolID: tc.ProtocolID,
		Key:        ArtifactKey(w.Prefix, tc.ProjectID, tc.ProtocolID, w.Extension),
	}
	if err := w.Store.EnsureBucket(ctx, w.Bucket); err != nil {
		return res, fmt.Errorf("ensure preview bucket: %w", err)
	}
	if err := w.Store.PutObject(ctx, w.Bucket, res.Key, data); err != nil {
		return res, fmt.Errorf("write preview %s: %w", res.Key, err)
	}
	res.Rendered = true

	cleared, err := w.Source.ClearStale(ctx, tc.ProtocolID, tc.Generation)
	if err != nil {
		return res, fmt.Errorf("clear stale flag of protocol %d: %w", tc.ProtocolID, err)
	}
	res.Cleared = cleared
	if !cleared {
		logger.Info("protocol changed while rendering, left stale", "protocolId", tc.ProtocolID)
	}
	logger.Info("preview written", "key", res.Key, "cleared", cleared)
	return res, nil
}

// Pipeline runs scan, render and write in sequence.
type Pipeline struct {
	Scanner  *Scanner
	Renderer Renderer
	Writer   *Writer
	Logger   log.Logger
}

// Tick renders at most one stale protocol. A render failure leaves the
// flag set and is returned wrapped in ErrRenderFailed.
func (p *Pipeline) Tick(ctx context.Context) (TickResult, error) {
	tc, rec, err := p.Scanner.Scan(ctx)
	if err != nil {
		return TickResult{}, err
	}
	if !tc.Found {
		return TickResult{}, nil
	}
	data, err := Render(ctx, p.Renderer, rec.Capture)
	if err != nil {
		logging.OrNop(p.Logger).Warn("preview render failed", "protocolId", tc.ProtocolID, "error", err)
		Defer(ctx, p.Scanner.Source, tc.ProtocolID, p.Logger)
		return TickResult{ProjectID: tc.ProjectID, ProtocolID: tc.ProtocolID}, err
	}
	return p.Writer.Write(ctx, tc, data)
}

// Render calls r and makes sure failures wrap ErrRenderFailed.
func Render(ctx context.Context, r Renderer, c Capture) ([]byte, error) {
	data, err := r.Render(ctx, c)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, wrapRenderError(err)
	}
	return data, nil
}

// Defer moves protocolID behind the other stale protocols when src supports
// it, so a capture that never renders does not block later ticks.
func Defer(ctx context.Context, src Source, protocolID ID, logger log.Logger) {
	d, ok := src.(Deferrer)
	if !ok {
		return
	}
	if err := d.DeferStale(ctx, protocolID); err != nil {
		logging.OrNop(logger).Warn("failed to defer stale preview", "protocolId", protocolID, "error", err)
	}
}
