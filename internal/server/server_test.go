package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"shoppulse/backend/internal/ema"
	"shoppulse/backend/internal/heartbeat"
	"shoppulse/backend/internal/metrics"
	"shoppulse/backend/internal/presence"
	"shoppulse/backend/internal/session"
	"shoppulse/backend/internal/session/domain"
	"shoppulse/backend/internal/session/tracker"
)

type failPinger struct{ err error }

func (p *failPinger) PingContext(context.Context) error { return p.err }

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	store := presence.NewMemoryStore()
	sessions := session.NewService(tracker.NewMemoryTracker(), nil, 15*time.Minute, nil)
	manager := heartbeat.NewManager(store, sessions, nil, nil, 10*time.Second, time.Minute)
	t.Cleanup(manager.Shutdown)
	metricsSvc := metrics.NewService(store, metrics.NewMemoryStateStore(), nil, nil, nil, nil,
		ema.DefaultParams(), time.Minute)
	return NewRouter(Deps{Heartbeats: manager, Metrics: metricsSvc})
}

func postJSON(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "203.0.113.9:41234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHeartbeat_OK(t *testing.T) {
	h := newTestHandler(t)

	rec := postJSON(t, h, "/v1/heartbeat",
		`{"shop":"demo.example","visitor_id":"v1","page_path":"/products/1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body)
	}

	var res struct {
		SessionID      string `json:"session_id"`
		NextIntervalMS int64  `json:"next_heartbeat_interval_ms"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if res.SessionID == "" {
		t.Error("response carries no session id")
	}
	if res.NextIntervalMS < 8000 || res.NextIntervalMS > 12000 {
		t.Errorf("next_interval_ms = %d, want jittered around 10000", res.NextIntervalMS)
	}
}

func TestHeartbeat_Validation(t *testing.T) {
	h := newTestHandler(t)

	cases := []struct {
		name string
		body string
	}{
		{"missing shop", `{"visitor_id":"v1"}`},
		{"missing visitor id", `{"shop":"demo.example"}`},
		{"blank visitor id", `{"shop":"demo.example","visitor_id":"  "}`},
		{"malformed json", `{"shop":`},
		{"unknown field", `{"shop":"demo.example","visitor_id":"v1","nope":true}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postJSON(t, h, "/v1/heartbeat", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400; body: %s", rec.Code, rec.Body)
			}
		})
	}
}

func TestHeartbeat_BodyTooLarge(t *testing.T) {
	h := newTestHandler(t)

	body := `{"shop":"demo.example","visitor_id":"v1","page_path":"/` +
		strings.Repeat("x", 20<<10) + `"}`
	rec := postJSON(t, h, "/v1/heartbeat", body)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}

func TestUnload_AcceptedAndCountsDrop(t *testing.T) {
	h := newTestHandler(t)

	postJSON(t, h, "/v1/heartbeat", `{"shop":"demo.example","visitor_id":"v1"}`)

	rec := postJSON(t, h, "/v1/unload", `{"shop":"demo.example","visitor_id":"v1"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/active-users?shop=demo.example", nil)
	out := httptest.NewRecorder()
	h.ServeHTTP(out, req)
	var res struct {
		AuRaw int `json:"au_raw"`
	}
	if err := json.Unmarshal(out.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if res.AuRaw != 0 {
		t.Errorf("au_raw = %d after unload, want 0", res.AuRaw)
	}
}

func TestActiveUsers_CountsHeartbeatedVisitors(t *testing.T) {
	h := newTestHandler(t)

	for _, v := range []string{"v1", "v2", "v3"} {
		postJSON(t, h, "/v1/heartbeat", `{"shop":"demo.example","visitor_id":"`+v+`"}`)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/active-users?shop=demo.example", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body)
	}

	var res struct {
		AuRaw         int    `json:"au_raw"`
		Trend         string `json:"trend"`
		WindowSeconds int    `json:"window_seconds"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if res.AuRaw != 3 {
		t.Errorf("au_raw = %d, want 3", res.AuRaw)
	}
	if res.WindowSeconds != 60 {
		t.Errorf("window_seconds = %d, want 60", res.WindowSeconds)
	}
}

func TestActiveUsers_RequiresShop(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/active-users", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHealth_DegradedOnPingFailure(t *testing.T) {
	h := NewRouter(Deps{DBPinger: &failPinger{err: errors.New("connection refused")}})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestHealth_OKWithoutPingers(t *testing.T) {
	h := NewRouter(Deps{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

type stubLister struct {
	rows []*domain.Record
	err  error
}

func (l *stubLister) ListRecentByShop(ctx context.Context, shop string, limit int32) ([]*domain.Record, error) {
	return l.rows, l.err
}

func TestSessions_ListsRecent(t *testing.T) {
	ended := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	duration := int64(42000)
	h := NewRouter(Deps{Sessions: &stubLister{rows: []*domain.Record{{
		ID:         "s1",
		Shop:       "demo.example",
		VisitorID:  "v1",
		StartedAt:  ended.Add(-42 * time.Second),
		EndedAt:    &ended,
		FirstPage:  "/",
		LastPage:   "/cart",
		DurationMS: &duration,
		PageCount:  4,
		IsEnded:    true,
		EndReason:  domain.EndReasonUnload,
	}}}})

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions?shop=demo.example", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body)
	}

	var res []struct {
		ID         string `json:"id"`
		DurationMS int64  `json:"duration_ms"`
		EndReason  string `json:"end_reason"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(res) != 1 || res[0].ID != "s1" || res[0].DurationMS != 42000 || res[0].EndReason != "unload" {
		t.Errorf("unexpected listing: %+v", res)
	}
}

func TestSessions_EmptyWithoutStorage(t *testing.T) {
	h := NewRouter(Deps{})

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions?shop=demo.example", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Errorf("body = %s, want []", body)
	}
}

func TestSessions_LimitValidation(t *testing.T) {
	h := NewRouter(Deps{})

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions?shop=demo.example&limit=9999", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
