package server

import (
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"shoppulse/backend/internal/heartbeat"
)

// maxBodyBytes bounds tracking request bodies; real payloads are well under 1 KB.
const maxBodyBytes = 16 << 10

type trackRequest struct {
	Shop      string `json:"shop"`
	VisitorID string `json:"visitor_id"`
	SessionID string `json:"session_id,omitempty"`
	PagePath  string `json:"page_path,omitempty"`
	Referrer  string `json:"referrer,omitempty"`
}

type heartbeatResponse struct {
	SessionID      string `json:"session_id"`
	NextIntervalMS int64  `json:"next_heartbeat_interval_ms"`
}

type activeUsersResponse struct {
	Shop          string    `json:"shop"`
	AuRaw         int       `json:"au_raw"`
	AuEmaFast     float64   `json:"au_ema_fast"`
	AuEmaSlow     float64   `json:"au_ema_slow"`
	Trend         string    `json:"trend"`
	TrendStrength float64   `json:"trend_strength"`
	WindowSeconds int       `json:"window_seconds"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type snapshotResponse struct {
	TsMinute time.Time `json:"ts_minute"`
	AuRaw    int       `json:"au_raw"`
	EmaFast  float64   `json:"ema_fast"`
	EmaSlow  float64   `json:"ema_slow"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeTrack(w, r)
	if !ok {
		return
	}

	res, err := s.deps.Heartbeats.ProcessHeartbeat(r.Context(), heartbeat.Signal{
		Shop:      req.Shop,
		VisitorID: req.VisitorID,
		SessionID: req.SessionID,
		PagePath:  req.PagePath,
		Referrer:  req.Referrer,
		UserAgent: r.UserAgent(),
		ClientIP:  clientIP(r),
	})
	if err != nil {
		log.Printf("server: heartbeat: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, heartbeatResponse{
		SessionID:      res.SessionID,
		NextIntervalMS: res.NextIntervalMS,
	})
}

// handleUnload accepts beacon-style final signals. The browser never reads the
// response, so it answers 202 as soon as the signal is handed off.
func (s *server) handleUnload(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeTrack(w, r)
	if !ok {
		return
	}

	if err := s.deps.Heartbeats.ProcessUnload(r.Context(), heartbeat.Signal{
		Shop:      req.Shop,
		VisitorID: req.VisitorID,
		SessionID: req.SessionID,
		UserAgent: r.UserAgent(),
		ClientIP:  clientIP(r),
	}); err != nil {
		log.Printf("server: unload: %v", err)
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *server) handleActiveUsers(w http.ResponseWriter, r *http.Request) {
	shop := strings.TrimSpace(r.URL.Query().Get("shop"))
	if shop == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "shop is required"})
		return
	}

	m, err := s.deps.Metrics.GetActiveUsers(r.Context(), shop)
	if err != nil {
		log.Printf("server: active-users %s: %v", shop, err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, activeUsersResponse{
		Shop:          m.Shop,
		AuRaw:         m.AuRaw,
		AuEmaFast:     m.EmaFast,
		AuEmaSlow:     m.EmaSlow,
		Trend:         string(m.Trend),
		TrendStrength: m.TrendStrength,
		WindowSeconds: m.WindowSeconds,
		UpdatedAt:     m.UpdatedAt,
	})
}

func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	shop := strings.TrimSpace(r.URL.Query().Get("shop"))
	if shop == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "shop is required"})
		return
	}
	since := time.Now().UTC().Add(-time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "since must be RFC 3339"})
			return
		}
		since = parsed
	}

	rows, err := s.deps.Metrics.ListSnapshots(r.Context(), shop, since)
	if err != nil {
		log.Printf("server: history %s: %v", shop, err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	out := make([]snapshotResponse, 0, len(rows))
	for _, row := range rows {
		out = append(out, snapshotResponse{
			TsMinute: row.TsMinute,
			AuRaw:    row.AuRaw,
			EmaFast:  row.EmaFast,
			EmaSlow:  row.EmaSlow,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type sessionResponse struct {
	ID         string     `json:"id"`
	VisitorID  string     `json:"visitor_id"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	FirstPage  string     `json:"first_page"`
	LastPage   string     `json:"last_page"`
	DurationMS *int64     `json:"duration_ms,omitempty"`
	PageCount  int        `json:"page_count"`
	IsEnded    bool       `json:"is_ended"`
	EndReason  string     `json:"end_reason,omitempty"`
}

// defaultSessionLimit bounds the sessions listing when no limit is given.
const defaultSessionLimit = 50

func (s *server) handleSessions(w http.ResponseWriter, r *http.Request) {
	shop := strings.TrimSpace(r.URL.Query().Get("shop"))
	if shop == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "shop is required"})
		return
	}
	limit := int32(defaultSessionLimit)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be between 1 and 500"})
			return
		}
		limit = int32(n)
	}

	out := []sessionResponse{}
	if s.deps.Sessions != nil {
		rows, err := s.deps.Sessions.ListRecentByShop(r.Context(), shop, limit)
		if err != nil {
			log.Printf("server: sessions %s: %v", shop, err)
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
			return
		}
		for _, rec := range rows {
			out = append(out, sessionResponse{
				ID:         rec.ID,
				VisitorID:  rec.VisitorID,
				StartedAt:  rec.StartedAt,
				EndedAt:    rec.EndedAt,
				FirstPage:  rec.FirstPage,
				LastPage:   rec.LastPage,
				DurationMS: rec.DurationMS,
				PageCount:  rec.PageCount,
				IsEnded:    rec.IsEnded,
				EndReason:  string(rec.EndReason),
			})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]string{"status": "ok"}
	if s.deps.DBPinger != nil {
		if err := s.deps.DBPinger.PingContext(r.Context()); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]string{"status": "degraded", "db": err.Error()}
		}
	}
	if s.deps.KVPinger != nil && status == http.StatusOK {
		if err := s.deps.KVPinger.PingContext(r.Context()); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]string{"status": "degraded", "kv": err.Error()}
		}
	}
	writeJSON(w, status, body)
}

// decodeTrack parses and validates a tracking body. On failure it writes the
// 4xx response and returns ok=false.
func decodeTrack(w http.ResponseWriter, r *http.Request) (trackRequest, bool) {
	var req trackRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "body too large"})
			return trackRequest{}, false
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed JSON body"})
		return trackRequest{}, false
	}

	req.Shop = strings.TrimSpace(req.Shop)
	req.VisitorID = strings.TrimSpace(req.VisitorID)
	switch {
	case req.Shop == "":
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "shop is required"})
		return trackRequest{}, false
	case req.VisitorID == "":
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "visitor_id is required"})
		return trackRequest{}, false
	}
	if req.PagePath == "" {
		req.PagePath = "/"
	}
	return req, true
}

// clientIP returns the request's remote host. middleware.RealIP has already
// folded trusted forwarding headers into RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("server: encode response: %v", err)
	}
}
