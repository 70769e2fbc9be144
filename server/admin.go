package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

const inspectTimeout = 2 * time.Second

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// HandleMetrics 输出会话运行指标
// GET /metrics
func (s *Server) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tick":    s.session.Tick(),
		"phase":   s.session.Phase().String(),
		"metrics": s.session.Metrics().Snapshot(),
	})
}

// HandleSession 输出连接注册表与世界概况，由 Tick 协程生成副本
// GET /admin/session
func (s *Server) HandleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), inspectTimeout)
	defer cancel()
	info, err := s.session.Inspect(ctx)
	if err != nil {
		s.log.Warnw("session inspect failed", "err", err)
		http.Error(w, "session unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// HandleSchema 输出协议的 JSON Schema
// GET /schema?kind=client|server（默认 client）
func (s *Server) HandleSchema(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Query().Get("kind") {
	case "", "client":
		writeJSON(w, http.StatusOK, ClientSchema())
	case "server":
		writeJSON(w, http.StatusOK, ServerSchema())
	default:
		http.Error(w, "unknown schema kind", http.StatusBadRequest)
	}
}
