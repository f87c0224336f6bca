package preview

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/nucleus/capture-api/internal/storage"
)

// =============================================================================
// MOCK TYPES
// =============================================================================

type memProtocol struct {
	project    ID
	stale      bool
	generation int64
	capture    Capture
}

// memSource implements Source over an in-memory table.
type memSource struct {
	mu        sync.Mutex
	protocols map[ID]*memProtocol
	clears    int
	deferred  []ID
	// onFind runs after a record is picked, to simulate concurrent edits.
	onFind func(id ID)
}

func newMemSource() *memSource {
	return &memSource{protocols: make(map[ID]*memProtocol)}
}

func (m *memSource) FindOneStale(ctx context.Context) (*Record, error) {
	m.mu.Lock()
	ids := make([]ID, 0, len(m.protocols))
	for id, p := range m.protocols {
		if p.stale {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		m.mu.Unlock()
		return nil, nil
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	p := m.protocols[ids[0]]
	rec := &Record{ProtocolID: ids[0], ProjectID: p.project, Generation: p.generation, Capture: p.capture}
	hook := m.onFind
	m.mu.Unlock()
	if hook != nil {
		hook(ids[0])
	}
	return rec, nil
}

func (m *memSource) ClearStale(ctx context.Context, protocolID ID, generation int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clears++
	p, ok := m.protocols[protocolID]
	if !ok || !p.stale || p.generation != generation {
		return false, nil
	}
	p.stale = false
	return true, nil
}

func (m *memSource) DeferStale(ctx context.Context, protocolID ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deferred = append(m.deferred, protocolID)
	return nil
}

func (m *memSource) touch(id ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.protocols[id]
	p.stale = true
	p.generation++
}

// countingStore counts writes on top of a LocalStore.
type countingStore struct {
	*storage.LocalStore
	puts int
}

func (c *countingStore) PutObject(ctx context.Context, bucket, key string, data []byte) error {
	c.puts++
	return c.LocalStore.PutObject(ctx, bucket, key, data)
}

type failingRenderer struct{}

func (failingRenderer) Render(ctx context.Context, c Capture) ([]byte, error) {
	return nil, errors.New("converter crashed")
}

func (failingRenderer) Extension() string { return "svg" }

func sampleCapture() Capture {
	return Capture{Strokes: []Stroke{
		{ID: 1, Dots: []Dot{{X: 0, Y: 0, Pressure: 0.5}, {X: 10, Y: 5, Pressure: 0.7}, {X: 20, Y: 5, Pressure: 0.6}}},
		{ID: 2, Dots: []Dot{{X: 4, Y: 9, Pressure: 1}}},
	}}
}

func newTestPipeline(t *testing.T, src *memSource, r Renderer) (*Pipeline, *countingStore, string) {
	t.Helper()
	root := t.TempDir()
	store := &countingStore{LocalStore: storage.NewLocalStore(root)}
	return &Pipeline{
		Scanner:  &Scanner{Source: src},
		Renderer: r,
		Writer:   &Writer{Store: store, Source: src, Extension: r.Extension()},
	}, store, root
}

// =============================================================================
// PIPELINE
// =============================================================================

func TestTickRendersStaleProtocol(t *testing.T) {
	src := newMemSource()
	src.protocols[42] = &memProtocol{project: 7, stale: true, capture: sampleCapture()}
	p, _, root := newTestPipeline(t, src, SVGRenderer{})

	res, err := p.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if !res.Rendered || !res.Cleared {
		t.Errorf("result = %+v, want rendered and cleared", res)
	}

	path := ArtifactPath(root, 7, 42, "svg")
	if path != filepath.Join(root, "7", "42.svg") {
		t.Errorf("ArtifactPath = %q", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("artifact not written: %v", err)
	}
	if !strings.HasPrefix(string(data), "<svg") {
		t.Errorf("artifact is not an svg: %q", data)
	}
	if src.protocols[42].stale {
		t.Error("protocol still stale after tick")
	}
}

func TestTickIsIdempotent(t *testing.T) {
	src := newMemSource()
	src.protocols[1] = &memProtocol{project: 3, stale: true, capture: sampleCapture()}
	p, store, _ := newTestPipeline(t, src, SVGRenderer{})

	if _, err := p.Tick(context.Background()); err != nil {
		t.Fatalf("first Tick: %v", err)
	}
	res, err := p.Tick(context.Background())
	if err != nil {
		t.Fatalf("second Tick: %v", err)
	}
	if res.Rendered || res.Cleared {
		t.Errorf("second tick result = %+v, want no-op", res)
	}
	if store.puts != 1 {
		t.Errorf("writes = %d, want 1", store.puts)
	}
	if src.clears != 1 {
		t.Errorf("flag updates = %d, want 1", src.clears)
	}
}

func TestTickRendersOneProtocolPerRun(t *testing.T) {
	src := newMemSource()
	src.protocols[1] = &memProtocol{project: 1, stale: true}
	src.protocols[2] = &memProtocol{project: 1, stale: true}
	p, store, _ := newTestPipeline(t, src, SVGRenderer{})

	if _, err := p.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if store.puts != 1 {
		t.Errorf("writes = %d, want 1", store.puts)
	}
	if !src.protocols[2].stale {
		t.Error("second protocol was handled in the same tick")
	}
}

func TestTickLeavesFlagOnRenderFailure(t *testing.T) {
	src := newMemSource()
	src.protocols[9] = &memProtocol{project: 1, stale: true}
	p, store, _ := newTestPipeline(t, src, failingRenderer{})

	_, err := p.Tick(context.Background())
	if !errors.Is(err, ErrRenderFailed) {
		t.Fatalf("err = %v, want ErrRenderFailed", err)
	}
	if !src.protocols[9].stale {
		t.Error("flag cleared after render failure")
	}
	if store.puts != 0 || src.clears != 0 {
		t.Errorf("puts = %d, clears = %d, want none", store.puts, src.clears)
	}
	if len(src.deferred) != 1 || src.deferred[0] != 9 {
		t.Errorf("deferred = %v, want [9]", src.deferred)
	}
}

func TestTickKeepsFlagWhenReflaggedDuringRender(t *testing.T) {
	src := newMemSource()
	src.protocols[5] = &memProtocol{project: 2, stale: true, capture: sampleCapture()}
	src.onFind = src.touch
	p, _, _ := newTestPipeline(t, src, SVGRenderer{})

	res, err := p.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if !res.Rendered || res.Cleared {
		t.Errorf("result = %+v, want rendered but not cleared", res)
	}
	if !src.protocols[5].stale {
		t.Error("re-flagged protocol lost its stale flag")
	}
}

func TestWriterNoopWithoutRecord(t *testing.T) {
	src := newMemSource()
	store := &countingStore{LocalStore: storage.NewLocalStore(t.TempDir())}
	w := &Writer{Store: store, Source: src, Extension: "svg"}

	res, err := w.Write(context.Background(), TickContext{}, []byte("<svg/>"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if res.Rendered || store.puts != 0 || src.clears != 0 {
		t.Errorf("empty tick context touched state: %+v puts=%d clears=%d", res, store.puts, src.clears)
	}
}

// =============================================================================
// SVG RENDERER
// =============================================================================

func TestSVGRenderer(t *testing.T) {
	out, err := SVGRenderer{}.Render(context.Background(), sampleCapture())
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	svg := string(out)
	if !strings.Contains(svg, `<polyline points="0,0 10,5 20,5"`) {
		t.Errorf("missing polyline for stroke 1:\n%s", svg)
	}
	if !strings.Contains(svg, `<circle cx="4" cy="9"`) {
		t.Errorf("missing circle for single-dot stroke:\n%s", svg)
	}
	if !strings.Contains(svg, `viewBox="-10 -10 40 29"`) {
		t.Errorf("unexpected viewBox:\n%s", svg)
	}
}

func TestSVGRendererEmptyCapture(t *testing.T) {
	out, err := SVGRenderer{}.Render(context.Background(), Capture{})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.HasSuffix(string(out), "</svg>\n") {
		t.Errorf("output = %q", out)
	}
}

func TestSVGRendererRejectsMalformedCapture(t *testing.T) {
	c := Capture{Strokes: []Stroke{{ID: 3, Dots: []Dot{{X: math.NaN(), Y: 1}}}}}

	_, err := SVGRenderer{}.Render(context.Background(), c)
	if !errors.Is(err, ErrRenderFailed) {
		t.Fatalf("err = %v, want ErrRenderFailed", err)
	}
}

func TestArtifactKey(t *testing.T) {
	if got := ArtifactKey("previews", 1, 2, "svg"); got != "previews/1/2.svg" {
		t.Errorf("ArtifactKey = %q", got)
	}
	if got := ArtifactKey("", 1, 2, "svg"); got != "1/2.svg" {
		t.Errorf("ArtifactKey without prefix = %q", got)
	}
}

func TestNewRenderer(t *testing.T) {
	r, err := NewRenderer("svg")
	if err != nil || r.Extension() != "svg" {
		t.Errorf("NewRenderer(svg) = %v, %v", r, err)
	}
	if _, err := NewRenderer("pdf"); err == nil {
		t.Error("expected error for unsupported format")
	}
}
