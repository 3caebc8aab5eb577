package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/terraskye/eventhub"
	"github.com/terraskye/eventhub/analytics"
	"github.com/terraskye/eventhub/api"
	"github.com/terraskye/eventhub/eventbus"
	"github.com/terraskye/eventhub/eventstore/memory"
	"github.com/terraskye/eventhub/fixtures"
	"github.com/terraskye/eventhub/jobqueue"
	"github.com/terraskye/eventhub/replay"
)

type env struct {
	router  *gin.Engine
	bus     *eventbus.Bus
	handler *fixtures.RecordingHandler
}

func setup(t *testing.T) env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memory.NewMemoryStore()
	bus := eventbus.New(store, eventbus.WithWorkers(0), eventbus.WithRegistry(fixtures.NewRegistry()))
	h := fixtures.NewRecordingHandler(fixtures.OrderPlacedType, "projector")
	if err := bus.Subscribe("", h, eventbus.Synchronous()); err != nil {
		t.Fatal(err)
	}
	if err := bus.Start(t.Context()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = bus.Stop(context.Background()) })

	for _, ev := range []eventhub.DomainEvent{
		fixtures.PlaceOrder("o1", 10),
		fixtures.AddItem("o1", "sku-1", 2),
		fixtures.PlaceOrder("o2", 20),
	} {
		if _, err := bus.Publish(t.Context(), ev); err != nil {
			t.Fatal(err)
		}
	}

	router := api.NewRouter(&api.Handler{
		Replay: replay.New(store, bus),
		Bus:    bus,
		Reader: analytics.NewReader(store),
		Queue:  bus.Queue(),
	})
	return env{router: router, bus: bus, handler: h}
}

func (e env) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON response %q: %v", w.Body.String(), err)
	}
	return out
}

func TestNewRouter_RoutesExist(t *testing.T) {
	e := setup(t)
	expected := []string{
		"GET /healthz",
		"POST /replay",
		"POST /replay/aggregates/:type/:id",
		"POST /replay/time-range",
		"POST /replay/event-types",
		"POST /replay/preview",
		"GET /bus/metrics",
		"DELETE /bus/metrics",
		"GET /bus/subscriptions/:eventType",
		"GET /store/health",
		"GET /analytics/summary",
		"GET /analytics/trends",
		"GET /jobs/stats",
		"GET /jobs/failed",
	}

	found := map[string]bool{}
	for _, r := range e.router.Routes() {
		found[r.Method+" "+r.Path] = true
	}
	for _, key := range expected {
		if !found[key] {
			t.Errorf("missing route %s", key)
		}
	}
}

func TestReplay_EmptyBodyReplaysEverything(t *testing.T) {
	e := setup(t)
	w := e.do(t, http.MethodPost, "/replay", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body)
	}
	res := decode[replay.Result](t, w)
	if res.TotalEvents != 3 || res.ProcessedEvents != 3 || !res.Success {
		t.Errorf("unexpected result %+v", res)
	}
	if got := len(e.handler.Events()); got != 4 {
		t.Errorf("expected 2 publishes and 2 replayed deliveries, got %d", got)
	}
}

func TestReplay_Aggregate(t *testing.T) {
	e := setup(t)
	w := e.do(t, http.MethodPost, "/replay/aggregates/Order/o1", `{"dryRun":true}`)
	res := decode[replay.Result](t, w)
	if w.Code != http.StatusOK || res.ProcessedEvents != 2 {
		t.Errorf("expected 2 events for o1, got %d %+v", w.Code, res)
	}
}

func TestReplay_BadRequests(t *testing.T) {
	e := setup(t)
	tests := []struct {
		name, target, body string
	}{
		{"inverted positions", "/replay", `{"fromPosition":5,"toPosition":2}`},
		{"malformed json", "/replay", `{"fromPosition":`},
		{"missing types", "/replay/event-types", `{"types":[]}`},
		{"missing range", "/replay/time-range", `{"from":"2024-01-01T00:00:00Z"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := e.do(t, http.MethodPost, tt.target, tt.body); w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", w.Code, w.Body)
			}
		})
	}
}

func TestReplay_EventTypesAndPreview(t *testing.T) {
	e := setup(t)
	w := e.do(t, http.MethodPost, "/replay/event-types", `{"types":["ItemAdded"],"dryRun":true}`)
	if res := decode[replay.Result](t, w); res.ProcessedEvents != 1 {
		t.Errorf("expected one ItemAdded event, got %+v", res)
	}

	w = e.do(t, http.MethodPost, "/replay/preview", `{"skipEventTypes":["ItemAdded"]}`)
	p := decode[replay.Preview](t, w)
	if p.TotalEvents != 3 || p.SkippedEvents != 1 || p.EventsByType[fixtures.OrderPlacedType] != 2 {
		t.Errorf("unexpected preview %+v", p)
	}
}

func TestBus_MetricsAndSubscriptions(t *testing.T) {
	e := setup(t)

	m := decode[eventbus.Metrics](t, e.do(t, http.MethodGet, "/bus/metrics", ""))
	if m.TotalPublished != 3 {
		t.Errorf("expected 3 published, got %d", m.TotalPublished)
	}
	if w := e.do(t, http.MethodDelete, "/bus/metrics", ""); w.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", w.Code)
	}
	if e.bus.Metrics().TotalPublished != 0 {
		t.Errorf("metrics were not cleared")
	}

	subs := decode[[]eventbus.SubscriptionInfo](t, e.do(t, http.MethodGet, "/bus/subscriptions/OrderPlaced", ""))
	if len(subs) != 1 || subs[0].HandlerName != "projector" || !subs[0].Synchronous {
		t.Errorf("unexpected subscriptions %+v", subs)
	}
}

func TestAnalytics_Endpoints(t *testing.T) {
	e := setup(t)

	h := decode[analytics.Health](t, e.do(t, http.MethodGet, "/store/health", ""))
	if !h.Healthy || h.TotalEvents != 3 || h.LastPosition != 3 {
		t.Errorf("unexpected health %+v", h)
	}

	s := decode[analytics.Summary](t, e.do(t, http.MethodGet, "/analytics/summary?refresh=true", ""))
	if s.TotalEvents != 3 || s.EventsToday != 3 {
		t.Errorf("unexpected summary %+v", s)
	}

	tr := decode[analytics.Trends](t, e.do(t, http.MethodGet, "/analytics/trends?days=3", ""))
	if len(tr.Days) != 3 || tr.Total != 3 {
		t.Errorf("unexpected trends %+v", tr)
	}

	if w := e.do(t, http.MethodGet, "/analytics/trends?days=zero", ""); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad days, got %d", w.Code)
	}
}

func TestAnalytics_DaysOutOfRange(t *testing.T) {
	e := setup(t)

	for _, target := range []string{
		"/analytics/trends?days=366",
		"/analytics/daily?days=366",
		"/analytics/trends?days=1000000000",
	} {
		if w := e.do(t, http.MethodGet, target, ""); w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", target, w.Code)
		}
	}

	b := decode[[]analytics.Bucket](t, e.do(t, http.MethodGet, "/analytics/daily?days=365", ""))
	if len(b) != analytics.MaxDays {
		t.Errorf("expected %d buckets at the cap, got %d", analytics.MaxDays, len(b))
	}
}

func TestJobs_StatsAndFailed(t *testing.T) {
	e := setup(t)

	w := e.do(t, http.MethodGet, "/jobs/stats", "")
	var body struct {
		Stats jobqueue.Stats `json:"stats"`
		Total int64          `json:"total"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || w.Code != http.StatusOK {
		t.Fatalf("unexpected response %d %s", w.Code, w.Body)
	}
	if body.Total != 0 {
		t.Errorf("expected no jobs for synchronous subscribers, got %+v", body)
	}

	failed := decode[[]jobqueue.Job](t, e.do(t, http.MethodGet, "/jobs/failed?limit=5", ""))
	if len(failed) != 0 {
		t.Errorf("expected no failed jobs, got %d", len(failed))
	}
}

func TestCorrelationID_Echoed(t *testing.T) {
	e := setup(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(api.CorrelationIDHeader, "abc-123")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if got := w.Header().Get(api.CorrelationIDHeader); got != "abc-123" {
		t.Errorf("expected correlation id echoed, got %q", got)
	}
}
