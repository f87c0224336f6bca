// Package preview keeps the rendered preview of each protocol in sync with
// its capture data. One tick picks at most one stale protocol, renders it,
// stores the artifact and clears the staleness flag.
package preview

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strconv"

	"github.com/nucleus/capture-api/internal/params"
)

// ID identifies a project or protocol.
type ID = params.ID

var (
	// ErrRenderFailed is returned when capture data cannot be rendered. The
	// staleness flag stays set so a later tick retries.
	ErrRenderFailed = errors.New("render failed")
)

// Dot is one sampled pen position.
type Dot struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Pressure  float64 `json:"pressure"`
	Timestamp int64   `json:"timestamp"`
}

// Stroke is one pen-down to pen-up trace.
type Stroke struct {
	ID   ID    `json:"id"`
	Dots []Dot `json:"dots"`
}

// Capture is the raw handwriting of a protocol.
type Capture struct {
	Strokes []Stroke `json:"strokes"`
}

// Record is a stale protocol picked up for rendering.
type Record struct {
	ProtocolID ID `json:"protocolId"`
	ProjectID  ID `json:"projectId"`
	// Generation is the staleness generation seen by the scanner. Clearing
	// only succeeds while it is unchanged.
	Generation int64   `json:"generation"`
	Capture    Capture `json:"capture"`
}

// Source is the persistence side of the preview state.
type Source interface {
	// FindOneStale returns the oldest stale protocol, or nil when none is stale.
	FindOneStale(ctx context.Context) (*Record, error)
	// ClearStale clears the flag in one conditional update. It reports false
	// when the protocol was flagged again after generation was read.
	ClearStale(ctx context.Context, protocolID ID, generation int64) (bool, error)
}

// Deferrer is implemented by sources that can move a stale protocol to the
// back of the queue without clearing its flag.
type Deferrer interface {
	DeferStale(ctx context.Context, protocolID ID) error
}

// Renderer converts capture data to an artifact. It must not touch
// persisted state.
type Renderer interface {
	Render(ctx context.Context, c Capture) ([]byte, error)
	// Extension is the file extension of the output format, e.g. "svg".
	Extension() string
}

// ArtifactPath is where the artifact of a protocol lives on disk:
// {root}/{projectId}/{protocolId}.{ext}.
func ArtifactPath(root string, projectID, protocolID ID, ext string) string {
	return filepath.Join(root, strconv.FormatInt(projectID, 10), strconv.FormatInt(protocolID, 10)+"."+ext)
}

// ArtifactKey is the object key of an artifact below prefix.
func ArtifactKey(prefix string, projectID, protocolID ID, ext string) string {
	return path.Join(prefix, strconv.FormatInt(projectID, 10), strconv.FormatInt(protocolID, 10)+"."+ext)
}

func wrapRenderError(err error) error {
	if errors.Is(err, ErrRenderFailed) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrRenderFailed, err)
}
