package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/relaycore/dispatchcore/internal/auth"
)

// ---------------------------------------------------------------------------
// Model listing — derived from whatever models the pool's identities
// currently report quota for, since this deployment fronts one upstream
// whose available model set varies by account tier rather than a fixed
// catalog.
// ---------------------------------------------------------------------------

func (s *Server) knownModels() []string {
	seen := map[string]bool{}
	for _, v := range s.pool.Snapshot() {
		for _, q := range v.QuotaSnapshot {
			seen[q.ModelName] = true
		}
	}
	models := make([]string, 0, len(seen))
	for m := range seen {
		models = append(models, m)
	}
	sort.Strings(models)
	return models
}

func (s *Server) handleOpenAIModels(w http.ResponseWriter, r *http.Request) {
	models := s.knownModels()
	data := make([]map[string]interface{}, 0, len(models))
	for _, m := range models {
		data = append(data, map[string]interface{}{
			"id":       m,
			"object":   "model",
			"created":  s.startTime.Unix(),
			"owned_by": "dispatchcore",
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"object": "list", "data": data})
}

func (s *Server) handleGeminiModelList(w http.ResponseWriter, r *http.Request) {
	models := s.knownModels()
	data := make([]map[string]interface{}, 0, len(models))
	for _, m := range models {
		data = append(data, map[string]interface{}{
			"name":             "models/" + m,
			"supportedMethods": []string{"generateContent", "streamGenerateContent"},
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"models": data})
}

func (s *Server) handleGeminiModelMeta(w http.ResponseWriter, r *http.Request) {
	model := r.PathValue("model")
	for _, m := range s.knownModels() {
		if m == model {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"name":             "models/" + m,
				"supportedMethods": []string{"generateContent", "streamGenerateContent"},
			})
			return
		}
	}
	writeAdminError(w, http.StatusNotFound, "not_found_error", "model not found")
}

// ---------------------------------------------------------------------------
// Warmup — manual trigger, and health snapshot across the identity pool.
// ---------------------------------------------------------------------------

func (s *Server) handleTriggerWarmup(w http.ResponseWriter, r *http.Request) {
	ki := auth.GetKeyInfo(r.Context())
	if ki == nil {
		writeAdminError(w, http.StatusUnauthorized, "authentication_error", "not authenticated")
		return
	}
	if s.warmup == nil {
		writeAdminError(w, http.StatusServiceUnavailable, "internal_error", "warmup scheduler disabled")
		return
	}
	go s.warmup.TriggerScan(r.Context())
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scan triggered"})
}

func (s *Server) handleAdminHealth(w http.ResponseWriter, r *http.Request) {
	counters := s.health.All()
	type row struct {
		AccountID         string    `json:"account_id"`
		ConsecutiveErrors int       `json:"consecutive_errors"`
		TotalErrors       int       `json:"total_errors"`
		TotalSuccesses    int       `json:"total_successes"`
		IsDisabled        bool      `json:"is_disabled"`
		DisabledAt        time.Time `json:"disabled_at,omitempty"`
		LastErrorClass    string    `json:"last_error_class,omitempty"`
		Score             float64   `json:"score"`
	}
	rows := make([]row, 0, len(counters))
	for id, c := range counters {
		rows = append(rows, row{
			AccountID:         id,
			ConsecutiveErrors: c.ConsecutiveErrors,
			TotalErrors:       c.TotalErrors,
			TotalSuccesses:    c.TotalSuccesses,
			IsDisabled:        c.IsDisabled,
			DisabledAt:        c.DisabledAt,
			LastErrorClass:    c.LastErrorClass.String(),
			Score:             s.health.Score(id),
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].AccountID < rows[j].AccountID })

	d := time.Since(s.startTime)
	uptime := fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime":   uptime,
		"version":  s.version,
		"pool_size": len(s.pool.Snapshot()),
		"accounts": rows,
	})
}

// ---------------------------------------------------------------------------
// Live event/log SSE stream — mirrors the teacher's admin dashboard feed,
// scoped down to the two ring buffers the dispatch core actually keeps.
// ---------------------------------------------------------------------------

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAdminError(w, http.StatusInternalServerError, "internal_error", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	eventID, eventCh, recentEvents := s.bus.Subscribe()
	defer s.bus.Unsubscribe(eventID)
	for _, e := range recentEvents {
		data, _ := json.Marshal(e)
		fmt.Fprintf(w, "event: event\ndata: %s\n\n", data)
	}

	var logCh <-chan interface{}
	if s.logHandler != nil {
		logID, ch, recentLogs := s.logHandler.Subscribe()
		defer s.logHandler.Unsubscribe(logID)
		for _, l := range recentLogs {
			data, _ := json.Marshal(l)
			fmt.Fprintf(w, "event: log\ndata: %s\n\n", data)
		}
		wrapped := make(chan interface{})
		go func() {
			defer close(wrapped)
			for l := range ch {
				wrapped <- l
			}
		}()
		logCh = wrapped
	}
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-eventCh:
			if !ok {
				return
			}
			data, _ := json.Marshal(e)
			fmt.Fprintf(w, "event: event\ndata: %s\n\n", data)
			flusher.Flush()
		case l, ok := <-logCh:
			if !ok {
				return
			}
			data, _ := json.Marshal(l)
			fmt.Fprintf(w, "event: log\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeAdminError(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"type":"error","error":{"type":"%s","message":"%s"}}`, errType, msg)
}
