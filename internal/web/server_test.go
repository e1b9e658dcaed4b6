package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/conveyorci/conveyor/internal/approval"
	"github.com/conveyorci/conveyor/internal/artifact"
	"github.com/conveyorci/conveyor/internal/classify"
	"github.com/conveyorci/conveyor/internal/config"
	"github.com/conveyorci/conveyor/internal/environment"
	"github.com/conveyorci/conveyor/internal/envlock"
	"github.com/conveyorci/conveyor/internal/orchestrator"
	"github.com/conveyorci/conveyor/internal/run"
	"github.com/conveyorci/conveyor/internal/stage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type okCollab struct{}

func (okCollab) Build(ctx context.Context, change run.ChangeRequest) (artifact.Artifact, stage.Outcome, error) {
	return artifact.Artifact{Fingerprint: "fp-1"}, stage.Outcome{Status: stage.StatusOK}, nil
}
func (okCollab) Test(ctx context.Context, env config.Environment, art artifact.Artifact) (stage.Outcome, error) {
	return stage.Outcome{Status: stage.StatusOK}, nil
}
func (okCollab) Deploy(ctx context.Context, env config.Environment, art artifact.Artifact) (stage.Outcome, error) {
	return stage.Outcome{Status: stage.StatusOK}, nil
}
func (okCollab) Verify(ctx context.Context, env config.Environment, art artifact.Artifact) (stage.Outcome, error) {
	return stage.Outcome{Status: stage.StatusOK}, nil
}

type testServer struct {
	srv    *Server
	router *gin.Engine
	store  *run.Store
	gate   *approval.Gate
	envs   *environment.Registry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := &config.Orchestrator{
		Name:            "test",
		ApprovalTimeout: "1m",
		Retry:           config.Retry{MaxAttempts: 3, BaseDelay: "1ms"},
		Classifier:      classify.DefaultPolicy(),
		Environments:    []config.Environment{{Name: "staging", PromotionOrder: 1}},
	}
	store := run.NewStore(t.TempDir())
	artifacts, err := artifact.NewRegistry("")
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	envs, err := environment.NewRegistry("", cfg.Environments)
	if err != nil {
		t.Fatalf("environment.NewRegistry: %v", err)
	}
	gate := approval.NewGate()
	c := okCollab{}
	orc, err := orchestrator.NewOrchestrator(cfg, store, artifacts, envs, envlock.NewManager(), gate, nil, orchestrator.Collaborators{
		Builder: c, Tester: c, Deployer: c, Verifier: c,
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	driver := orchestrator.NewDriver(orc, 1)
	srv := NewServer(driver, orc, store, gate, envs, artifacts, nil, ":0")
	return &testServer{srv: srv, router: srv.Router(), store: store, gate: gate, envs: envs}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, "GET", "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestTriggerCreatesRun(t *testing.T) {
	ts := newTestServer(t)
	body := TriggerRequest{
		SourceRef: "main",
		Commit:    "abc123",
		Diff:      []classify.FileDelta{{Path: "api/server.go", Added: 5}},
	}

	w := ts.do(t, "POST", "/v1/triggers", body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		RunID   string `json:"run_id"`
		Created bool   `json:"created"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Created || resp.RunID == "" {
		t.Errorf("resp = %+v", resp)
	}

	// Retriggering the same change returns the existing run with 200.
	w = ts.do(t, "POST", "/v1/triggers", body)
	if w.Code != http.StatusOK {
		t.Fatalf("duplicate status = %d", w.Code)
	}
	var dup struct {
		RunID   string `json:"run_id"`
		Created bool   `json:"created"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &dup)
	if dup.Created || dup.RunID != resp.RunID {
		t.Errorf("duplicate = %+v, want run %s", dup, resp.RunID)
	}
}

func TestTriggerValidation(t *testing.T) {
	ts := newTestServer(t)

	// Missing commit fails binding.
	w := ts.do(t, "POST", "/v1/triggers", map[string]string{"source_ref": "main"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing commit: status = %d", w.Code)
	}

	// Empty diff with no override label is rejected by intake.
	w = ts.do(t, "POST", "/v1/triggers", TriggerRequest{SourceRef: "main", Commit: "abc123"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty diff: status = %d, body %s", w.Code, w.Body.String())
	}
}

func TestGetRun(t *testing.T) {
	ts := newTestServer(t)
	r, err := ts.store.Create(run.ChangeRequest{SourceRef: "main", Commit: "abc123"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	w := ts.do(t, "GET", "/v1/runs/"+r.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var got RunDetail
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != r.ID || got.State != run.StateQueued {
		t.Errorf("run = %+v", got.Run)
	}

	if w := ts.do(t, "GET", "/v1/runs/nope", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing run: status = %d", w.Code)
	}
}

func TestListRunsFiltersByState(t *testing.T) {
	ts := newTestServer(t)
	a, _ := ts.store.Create(run.ChangeRequest{SourceRef: "main", Commit: "aaa"})
	b, _ := ts.store.Create(run.ChangeRequest{SourceRef: "main", Commit: "bbb"})
	_, _ = ts.store.Update(b.ID, func(r *run.Run) { r.State = run.StateCompleted })

	w := ts.do(t, "GET", "/v1/runs?state=queued", nil)
	var resp struct {
		Runs []run.Run `json:"runs"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Runs) != 1 || resp.Runs[0].ID != a.ID {
		t.Errorf("runs = %+v", resp.Runs)
	}
}

func TestCancelRun(t *testing.T) {
	ts := newTestServer(t)
	r, _ := ts.store.Create(run.ChangeRequest{SourceRef: "main", Commit: "abc123"})

	if w := ts.do(t, "POST", "/v1/runs/"+r.ID+"/cancel", nil); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	got, _ := ts.store.Get(r.ID)
	if got.State != run.StateCancelled {
		t.Errorf("state = %s", got.State)
	}

	// Cancelling again conflicts: the run is already terminal.
	if w := ts.do(t, "POST", "/v1/runs/"+r.ID+"/cancel", nil); w.Code != http.StatusConflict {
		t.Errorf("second cancel: status = %d", w.Code)
	}
	if w := ts.do(t, "POST", "/v1/runs/nope/cancel", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing run: status = %d", w.Code)
	}
}

func TestApprovalDecision(t *testing.T) {
	ts := newTestServer(t)
	req := ts.gate.Request("run-1", "staging", time.Now(), time.Now().Add(time.Hour))

	w := ts.do(t, "GET", "/v1/approvals", nil)
	var list struct {
		Approvals []approval.Request `json:"approvals"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if len(list.Approvals) != 1 || list.Approvals[0].ID != req.ID {
		t.Fatalf("approvals = %+v", list.Approvals)
	}

	w = ts.do(t, "POST", "/v1/approvals/"+req.ID+"/decision", DecisionRequest{Decision: "approved", DecidedBy: "alice"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var settled approval.Request
	_ = json.Unmarshal(w.Body.Bytes(), &settled)
	if settled.Decision != approval.DecisionApproved || settled.DecidedBy != "alice" {
		t.Errorf("settled = %+v", settled)
	}

	// First decision wins.
	w = ts.do(t, "POST", "/v1/approvals/"+req.ID+"/decision", DecisionRequest{Decision: "rejected", DecidedBy: "bob"})
	if w.Code != http.StatusConflict {
		t.Errorf("second decision: status = %d", w.Code)
	}

	w = ts.do(t, "POST", "/v1/approvals/nope/decision", DecisionRequest{Decision: "approved", DecidedBy: "alice"})
	if w.Code != http.StatusNotFound {
		t.Errorf("missing request: status = %d", w.Code)
	}
}

func TestEnvironments(t *testing.T) {
	ts := newTestServer(t)
	if err := ts.envs.Freeze("staging", "manual"); err != nil {
		t.Fatalf("Freeze: %v", err)
	}

	w := ts.do(t, "GET", "/v1/environments", nil)
	var resp struct {
		Environments []environment.Info `json:"environments"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Environments) != 1 || !resp.Environments[0].Frozen {
		t.Fatalf("environments = %+v", resp.Environments)
	}

	if w := ts.do(t, "POST", "/v1/environments/staging/unfreeze", nil); w.Code != http.StatusOK {
		t.Fatalf("unfreeze: status = %d", w.Code)
	}
	if ts.envs.IsFrozen("staging") {
		t.Error("staging still frozen")
	}
	if w := ts.do(t, "POST", "/v1/environments/nope/unfreeze", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown env: status = %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, "GET", "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}
