package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nucleus/capture-api/internal/auth"
	"github.com/nucleus/capture-api/internal/clone"
	"github.com/nucleus/capture-api/internal/config"
	"github.com/nucleus/capture-api/internal/database"
	"github.com/nucleus/capture-api/internal/storage"
)

// =============================================================================
// MOCK TYPES
// =============================================================================

type fakeClones struct {
	scope   clone.Scope
	trigger clone.Trigger
}

func (f *fakeClones) start(scope clone.Scope, t clone.Trigger) (string, error) {
	f.scope = scope
	f.trigger = t
	if t.SourceProjectID == 0 {
		return "", fmt.Errorf("%w: sourceProjectId is required", clone.ErrInvalidRequest)
	}
	return "run-1", nil
}

func (f *fakeClones) CloneProject(ctx context.Context, t clone.Trigger) (string, error) {
	return f.start(clone.ScopeProject, t)
}

func (f *fakeClones) CloneSubset(ctx context.Context, t clone.Trigger) (string, error) {
	return f.start(clone.ScopeSubset, t)
}

type fakeRuns struct {
	runs map[string]*database.CloneRun
}

func (f *fakeRuns) GetCloneRun(ctx context.Context, runID string) (*database.CloneRun, error) {
	run, ok := f.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", database.ErrRunNotFound, runID)
	}
	return run, nil
}

func (f *fakeRuns) LoadRunContext(ctx context.Context, runID string) (*clone.Snapshot, []clone.Failure, error) {
	return &clone.Snapshot{ProtocolIDRemap: map[int64]int64{100: 500}, TextIDRemap: map[int64]int64{}}, nil, nil
}

type fakeTicker struct {
	calls int
}

func (f *fakeTicker) TriggerPreviewTick(ctx context.Context) (string, string, error) {
	f.calls++
	return "preview-tick-manual", "r1", nil
}

type fakeSchedule struct {
	paused bool
	calls  int
}

func (f *fakeSchedule) PausePreviewSchedule(ctx context.Context) error {
	f.calls++
	f.paused = true
	return nil
}

func (f *fakeSchedule) UnpausePreviewSchedule(ctx context.Context) error {
	f.calls++
	f.paused = false
	return nil
}

type fakeDispatcher struct {
	subs []clone.Submission
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, sub clone.Submission) error {
	f.subs = append(f.subs, sub)
	return nil
}

func newTestServer() (*Server, *fakeClones, *fakeTicker) {
	clones := &fakeClones{}
	ticker := &fakeTicker{}
	s := &Server{
		Clones: clones,
		Runs: &fakeRuns{runs: map[string]*database.CloneRun{
			"run-1": {ID: "run-1", Status: database.CloneStatusSucceeded, CopiedProtocols: 1},
		}},
		Previews: ticker,
	}
	return s, clones, ticker
}

func do(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// =============================================================================
// TESTS
// =============================================================================

func TestCloneProjectRecordsOperator(t *testing.T) {
	s, clones, _ := newTestServer()
	h := s.Routes(auth.Middleware(&config.Config{}))

	rec := do(t, h, http.MethodPost, "/clone/projects",
		`{"sourceProjectId":1,"targetProjectId":2,"taskRemap":{"10":20}}`,
		map[string]string{"X-User-Id": "operator-7"})

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp startResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.RunID != "run-1" {
		t.Errorf("runId = %q", resp.RunID)
	}
	if clones.scope != clone.ScopeProject {
		t.Errorf("scope = %q", clones.scope)
	}
	if clones.trigger.RequestedBy != "operator-7" {
		t.Errorf("requestedBy = %q", clones.trigger.RequestedBy)
	}
	if clones.trigger.TaskRemap[10] != 20 {
		t.Errorf("taskRemap = %v", clones.trigger.TaskRemap)
	}
}

func TestCloneUnits(t *testing.T) {
	s, clones, _ := newTestServer()
	h := s.Routes(nil)

	rec := do(t, h, http.MethodPost, "/clone/units",
		`{"sourceProjectId":1,"targetProjectId":2,"protocolIds":[100,101],"move":true}`, nil)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if clones.scope != clone.ScopeSubset || !clones.trigger.Move || len(clones.trigger.ProtocolIDs) != 2 {
		t.Errorf("trigger = %+v scope = %q", clones.trigger, clones.scope)
	}
}

func TestCloneRejectsBadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"sourceProjectId":`},
		{"invalid trigger", `{"targetProjectId":2}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, _ := newTestServer()
			rec := do(t, s.Routes(nil), http.MethodPost, "/clone/projects", tt.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestCloneRunsInsideTransaction(t *testing.T) {
	s, _, _ := newTestServer()
	inTx := 0
	s.InTransaction = func(ctx context.Context, fn func(ctx context.Context) error) error {
		inTx++
		return fn(ctx)
	}

	rec := do(t, s.Routes(nil), http.MethodPost, "/clone/projects", `{"sourceProjectId":1,"targetProjectId":2}`, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if inTx != 1 {
		t.Errorf("transactions = %d, want 1", inTx)
	}
}

func TestGetRun(t *testing.T) {
	s, _, _ := newTestServer()
	h := s.Routes(nil)

	rec := do(t, h, http.MethodGet, "/clone/runs/run-1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "SUCCEEDED" {
		t.Errorf("status = %v", body["status"])
	}
	remap, _ := body["remap"].(map[string]any)
	protocols, _ := remap["protocolIdRemap"].(map[string]any)
	if protocols["100"] != float64(500) {
		t.Errorf("remap = %v", body["remap"])
	}

	rec = do(t, h, http.MethodGet, "/clone/runs/missing", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing run status = %d, want 404", rec.Code)
	}
}

func TestPreviewTick(t *testing.T) {
	s, _, ticker := newTestServer()

	rec := do(t, s.Routes(nil), http.MethodPost, "/previews/tick", "", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if ticker.calls != 1 {
		t.Errorf("ticks = %d, want 1", ticker.calls)
	}
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer()

	rec := do(t, s.Routes(nil), http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("health = %d %s", rec.Code, rec.Body.String())
	}
}

func TestCloneDispatchKeepsConfiguredDelay(t *testing.T) {
	d := &fakeDispatcher{}
	orch := clone.NewOrchestrator(d, nil, nil)
	orch.Delay = 750 * time.Millisecond

	var hooks []func()
	orch.AfterCommit = func(ctx context.Context, fn func()) bool {
		hooks = append(hooks, fn)
		return true
	}
	s := &Server{
		Clones: orch,
		InTransaction: func(ctx context.Context, fn func(ctx context.Context) error) error {
			if err := fn(ctx); err != nil {
				return err
			}
			for _, h := range hooks {
				h()
			}
			return nil
		},
	}

	rec := do(t, s.Routes(nil), http.MethodPost, "/clone/projects", `{"sourceProjectId":1,"targetProjectId":2}`, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	orch.Wait()
	if len(d.subs) != 1 {
		t.Fatalf("submissions = %d, want 1", len(d.subs))
	}
	if d.subs[0].Delay != 750*time.Millisecond {
		t.Errorf("Delay = %v, want the configured 750ms", d.subs[0].Delay)
	}
}

func TestPreviewSchedulePauseResume(t *testing.T) {
	s, _, _ := newTestServer()
	sched := &fakeSchedule{}
	s.Schedule = sched
	h := s.Routes(nil)

	rec := do(t, h, http.MethodPost, "/previews/schedule/pause", "", nil)
	if rec.Code != http.StatusOK || !sched.paused {
		t.Fatalf("pause: status = %d, paused = %v", rec.Code, sched.paused)
	}
	rec = do(t, h, http.MethodPost, "/previews/schedule/resume", "", nil)
	if rec.Code != http.StatusOK || sched.paused {
		t.Fatalf("resume: status = %d, paused = %v", rec.Code, sched.paused)
	}
	if sched.calls != 2 {
		t.Errorf("calls = %d, want 2", sched.calls)
	}

	s.Schedule = nil
	rec = do(t, s.Routes(nil), http.MethodPost, "/previews/schedule/pause", "", nil)
	if rec.Code != http.StatusNotImplemented {
		t.Errorf("unconfigured schedule status = %d, want 501", rec.Code)
	}
}

func TestPreviewArtifacts(t *testing.T) {
	store := storage.NewLocalStore(t.TempDir())
	if err := store.PutObject(context.Background(), "", "7/42.svg", []byte("<svg/>")); err != nil {
		t.Fatal(err)
	}
	s, _, _ := newTestServer()
	s.Artifacts = store
	h := s.Routes(nil)

	rec := do(t, h, http.MethodGet, "/previews/7/42", "", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "<svg/>" {
		t.Fatalf("get: status = %d, body = %q", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/svg+xml" {
		t.Errorf("Content-Type = %q", ct)
	}

	tests := []struct {
		name string
		path string
		want int
	}{
		{"missing protocol", "/previews/7/43", http.StatusNotFound},
		{"bad protocol id", "/previews/7/abc", http.StatusBadRequest},
		{"bad project id", "/previews/-1", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := do(t, h, http.MethodGet, tt.path, "", nil); rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}

	rec = do(t, h, http.MethodGet, "/previews/7", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status = %d", rec.Code)
	}
	var list previewList
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list.Keys) != 1 || list.Keys[0] != "7/42.svg" {
		t.Errorf("keys = %v, want [7/42.svg]", list.Keys)
	}
}
