package gateway

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/avermeil/lifeline/internal/cron"
)

func newTestGateway(t *testing.T, cfg Config, deps Deps) *Gateway {
	t.Helper()
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.NewRegistry()
	}
	return New(cfg, deps)
}

func newTestScheduler(t *testing.T) *cron.Scheduler {
	t.Helper()
	s, err := cron.New(cron.Config{}, cron.Deps{
		Store:  cron.NewStore(filepath.Join(t.TempDir(), "jobs.json")),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("cron.New: %v", err)
	}
	return s
}

func doRequest(t *testing.T, handler http.Handler, method, path, token string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthIsPublic(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t, Config{AuthToken: "secret"}, Deps{})
	rec := doRequest(t, g.buildRouter(), http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", rec.Code)
	}

	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" {
		t.Fatalf("health = %+v", resp)
	}
}

func TestMetricsIsPublic(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "lifeline_test_total"})
	reg.MustRegister(c)
	c.Inc()

	g := newTestGateway(t, Config{}, Deps{Gatherer: reg})
	rec := doRequest(t, g.buildRouter(), http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "lifeline_test_total") {
		t.Fatal("registered metric missing from exposition")
	}
}

func TestAdminRequiresAuth(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t, Config{AuthToken: "secret"}, Deps{Cron: newTestScheduler(t)})
	router := g.buildRouter()

	for _, path := range []string{"/status", "/api/cron/jobs"} {
		if rec := doRequest(t, router, http.MethodGet, path, "", ""); rec.Code != http.StatusUnauthorized {
			t.Errorf("GET %s without token = %d, want 401", path, rec.Code)
		}
		if rec := doRequest(t, router, http.MethodGet, path, "wrong", ""); rec.Code != http.StatusUnauthorized {
			t.Errorf("GET %s with bad token = %d, want 401", path, rec.Code)
		}
		if rec := doRequest(t, router, http.MethodGet, path, "secret", ""); rec.Code != http.StatusOK {
			t.Errorf("GET %s with token = %d, want 200", path, rec.Code)
		}
	}
}

func TestAdminUnmountedWithoutToken(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t, Config{}, Deps{Cron: newTestScheduler(t)})
	rec := doRequest(t, g.buildRouter(), http.MethodGet, "/status", "", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("GET /status with no auth configured = %d, want 404", rec.Code)
	}
}

func TestStatusFields(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t)
	if _, err := s.Add(cron.Job{
		ID:       "j",
		Enabled:  true,
		Schedule: cron.Schedule{Kind: cron.ScheduleEvery, EveryMs: 60_000},
		Payload:  cron.Payload{Kind: cron.PayloadAgentTurn, Message: "hi"},
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	g := newTestGateway(t, Config{AuthToken: "secret"}, Deps{
		Cron:       s,
		NodeCounts: func() (int, int) { return 2, 3 },
		Channels:   func() []string { return []string{"telegram"} },
	})

	rec := doRequest(t, g.buildRouter(), http.MethodGet, "/status", "secret", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /status = %d", rec.Code)
	}

	var resp StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Cron == nil || resp.Cron.JobCount != 1 {
		t.Fatalf("status cron = %+v", resp.Cron)
	}
	if resp.Nodes != 2 || resp.NodeSessions != 3 {
		t.Fatalf("status nodes = %d/%d", resp.Nodes, resp.NodeSessions)
	}
	if len(resp.Channels) != 1 || resp.Channels[0] != "telegram" {
		t.Fatalf("status channels = %v", resp.Channels)
	}
}

func TestCronCRUD(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t, Config{AuthToken: "secret"}, Deps{Cron: newTestScheduler(t)})
	router := g.buildRouter()

	body := `{
		"id": "daily",
		"enabled": true,
		"schedule": {"kind": "every", "every_ms": 60000},
		"payload": {"kind": "agent_turn", "message": "check in"}
	}`

	rec := doRequest(t, router, http.MethodPost, "/api/cron/jobs", "secret", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST job = %d: %s", rec.Code, rec.Body.String())
	}

	if rec := doRequest(t, router, http.MethodPost, "/api/cron/jobs", "secret", body); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate POST = %d, want 409", rec.Code)
	}

	rec = doRequest(t, router, http.MethodGet, "/api/cron/jobs/daily", "secret", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET job = %d", rec.Code)
	}
	var job cron.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if job.State.NextRunAtMs == 0 {
		t.Fatal("added job has no due instant")
	}

	rec = doRequest(t, router, http.MethodPatch, "/api/cron/jobs/daily", "secret", `{"name": "renamed"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("PATCH job = %d: %s", rec.Code, rec.Body.String())
	}

	if rec := doRequest(t, router, http.MethodDelete, "/api/cron/jobs/daily", "secret", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("DELETE job = %d", rec.Code)
	}
	if rec := doRequest(t, router, http.MethodDelete, "/api/cron/jobs/daily", "secret", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("second DELETE = %d, want 404", rec.Code)
	}
}

func TestCronRunEndpoint(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t)
	g := newTestGateway(t, Config{AuthToken: "secret"}, Deps{Cron: s})
	router := g.buildRouter()

	if rec := doRequest(t, router, http.MethodPost, "/api/cron/jobs/ghost/run", "secret", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("run unknown = %d, want 404", rec.Code)
	}

	if _, err := s.Add(cron.Job{
		ID:       "sys",
		Enabled:  true,
		Schedule: cron.Schedule{Kind: cron.ScheduleEvery, EveryMs: 3_600_000},
		Payload:  cron.Payload{Kind: cron.PayloadSystemEvent, Text: "tick"},
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	rec := doRequest(t, router, http.MethodPost, "/api/cron/jobs/sys/run", "secret", "")
	var report cron.RunReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Outcome != cron.OutcomeNotDue {
		t.Fatalf("due-mode run of future job = %+v, want not-due", report)
	}

	rec = doRequest(t, router, http.MethodPost, "/api/cron/jobs/sys/run?mode=force", "secret", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Outcome != cron.OutcomeRan {
		t.Fatalf("forced run = %+v, want ran", report)
	}
}

func TestNodeHandlerMounted(t *testing.T) {
	t.Parallel()

	marker := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	g := newTestGateway(t, Config{}, Deps{NodeHandler: marker})

	rec := doRequest(t, g.buildRouter(), http.MethodGet, "/ws/node", "", "")
	if rec.Code != http.StatusTeapot {
		t.Fatalf("GET /ws/node = %d, want handler to receive it", rec.Code)
	}
}
