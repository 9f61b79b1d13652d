package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"
)

type serverHandler struct {
	cfg       config
	pool      *Pool
	engine    *queryEngine
	mon       *monitor
	metrics   *metrics
	recent    *failureLog
	store     *usageStore
	startTime time.Time
}

// requireAdmin enforces the bearer token on mutating commands. With no
// token configured, mutating admin operations are rejected.
func (h *serverHandler) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if h.cfg.adminToken == "" {
		respondError(w, http.StatusForbidden, "admin operations disabled: PPLX_ADMIN_TOKEN not set")
		return false
	}
	auth := r.Header.Get("Authorization")
	if auth != "Bearer "+h.cfg.adminToken {
		respondError(w, http.StatusUnauthorized, "invalid admin token")
		return false
	}
	return true
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func (h *serverHandler) serveHealth(w http.ResponseWriter) {
	st := h.pool.Status()
	respondJSON(w, map[string]any{
		"status":  "healthy",
		"service": "pplx-pool-gateway",
		"uptime":  time.Since(h.startTime).Round(time.Second).String(),
		"pool": map[string]int{
			"total":     st.Total,
			"available": st.Available,
		},
	})
}

func (h *serverHandler) handlePoolStatus(w http.ResponseWriter, r *http.Request) {
	// Refresh the shared view first so the admin sees sibling writes.
	h.pool.loadState()
	respondJSON(w, h.pool.Status())
}

func (h *serverHandler) handlePoolExport(w http.ResponseWriter, r *http.Request, id string) {
	tokens := h.pool.ExportTokens()
	if id == "" {
		respondJSON(w, map[string]any{
			"monitor":  h.pool.MonitorConfig(),
			"fallback": h.pool.FallbackConfig(),
			"tokens":   tokens,
		})
		return
	}
	for _, t := range tokens {
		if t.ID == id {
			respondJSON(w, []TokenEntry{t})
			return
		}
	}
	respondJSON(w, []TokenEntry{})
}

func (h *serverHandler) handlePoolImport(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid body")
		return
	}
	defer r.Body.Close()

	// Accept either a bare token array or an object with a tokens field.
	var tokens []TokenEntry
	if err := json.Unmarshal(raw, &tokens); err != nil {
		var wrapped struct {
			Tokens []TokenEntry `json:"tokens"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			respondError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		tokens = wrapped.Tokens
	}
	if len(tokens) == 0 {
		respondError(w, http.StatusBadRequest, "no tokens found in config")
		return
	}
	res := h.pool.ImportTokens(tokens)
	for _, id := range res.Added {
		h.checkNewClient(id)
	}
	respondJSON(w, map[string]any{"status": "ok", "result": res})
}

// checkNewClient populates session_valid and rate_limits for a freshly
// added token without waiting for the next monitor tick.
func (h *serverHandler) checkNewClient(id string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.requestTimeout)
		defer cancel()
		if _, err := h.mon.TestClient(ctx, id); err != nil {
			log.Printf("[%s] initial health check failed: %v", id, err)
		}
	}()
}

func (h *serverHandler) handlePoolAction(w http.ResponseWriter, r *http.Request, action string) {
	var body struct {
		ID           string `json:"id"`
		CSRFToken    string `json:"csrf_token"`
		SessionToken string `json:"session_token"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var err error
	switch action {
	case "list":
		respondJSON(w, map[string]any{"status": "ok", "data": h.pool.Status()})
		return
	case "add":
		err = h.pool.AddClient(body.ID, body.CSRFToken, body.SessionToken)
		if err == nil {
			h.checkNewClient(body.ID)
		}
	case "remove":
		err = h.pool.RemoveClient(body.ID)
	case "enable":
		err = h.pool.EnableClient(body.ID)
	case "disable":
		err = h.pool.DisableClient(body.ID)
	case "reset":
		err = h.pool.ResetClient(body.ID)
	default:
		respondError(w, http.StatusNotFound, "unknown action: %s", action)
		return
	}
	if err != nil {
		respondError(w, http.StatusBadRequest, "%v", err)
		return
	}
	respondJSON(w, map[string]string{"status": "ok", "message": "client '" + body.ID + "' " + action + " ok"})
}

// handleUserInfo fetches the upstream auth-session payload for one client
// or all of them. The HTTP calls run against snapshotted session references,
// never under the pool mutex.
func (h *serverHandler) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	ids := h.pool.ids()
	if id != "" {
		ids = []string{id}
	}
	out := make(map[string]any, len(ids))
	for _, cid := range ids {
		sess, ok := h.pool.sessionFor(cid)
		if !ok {
			out[cid] = map[string]string{"error": "not found"}
			continue
		}
		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		info, err := sess.UserInfo(ctx)
		cancel()
		if err != nil {
			out[cid] = map[string]string{"error": err.Error()}
			continue
		}
		out[cid] = map[string]any{"logged_in": info.LoggedIn(), "user": info.User}
	}
	respondJSON(w, map[string]any{"status": "ok", "data": out})
}

func (h *serverHandler) handleQuery(w http.ResponseWriter, r *http.Request, reqID string) {
	var body struct {
		Query     string            `json:"query"`
		Mode      string            `json:"mode"`
		Model     string            `json:"model"`
		Sources   []string          `json:"sources"`
		Files     map[string]string `json:"files"` // filename -> base64
		Language  string            `json:"language"`
		Incognito bool              `json:"incognito"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Mode == "" {
		body.Mode = ModeAuto
	}

	var files map[string][]byte
	if len(body.Files) > 0 {
		files = make(map[string][]byte, len(body.Files))
		for name, enc := range body.Files {
			data, err := base64.StdEncoding.DecodeString(enc)
			if err != nil {
				respondError(w, http.StatusBadRequest, "file %q is not valid base64", name)
				return
			}
			files[name] = data
		}
	}

	result, err := h.engine.RunQuery(r.Context(), QueryRequest{
		Query:     body.Query,
		Mode:      body.Mode,
		Model:     body.Model,
		Sources:   body.Sources,
		Files:     files,
		Language:  body.Language,
		Incognito: body.Incognito,
	})
	if err != nil {
		status := http.StatusBadGateway
		errType := "RequestFailed"
		if kindOf(err) == KindValidation {
			status = http.StatusBadRequest
			errType = "ValidationError"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":     "error",
			"error_type": errType,
			"message":    err.Error(),
		})
		return
	}
	respondJSON(w, map[string]any{"status": "ok", "data": result})
}

func (h *serverHandler) handleMonitorConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		respondJSON(w, map[string]any{"status": "ok", "config": h.pool.MonitorConfig()})
		return
	}
	if !h.requireAdmin(w, r) {
		return
	}
	cfg := h.pool.MonitorConfig()
	var body map[string]json.RawMessage
	if err := decodeBody(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if raw, ok := body["enable"]; ok {
		json.Unmarshal(raw, &cfg.Enable)
	}
	if raw, ok := body["interval"]; ok {
		json.Unmarshal(raw, &cfg.Interval)
	}
	if raw, ok := body["tg_bot_token"]; ok {
		json.Unmarshal(raw, &cfg.TGBotToken)
	}
	if raw, ok := body["tg_chat_id"]; ok {
		json.Unmarshal(raw, &cfg.TGChatID)
	}
	h.mon.Reconfigure(cfg)
	respondJSON(w, map[string]any{"status": "ok", "config": h.pool.MonitorConfig()})
}

func (h *serverHandler) handleMonitorStart(w http.ResponseWriter, r *http.Request) {
	if h.mon.Start() {
		respondJSON(w, map[string]string{"status": "ok", "message": "monitor started"})
		return
	}
	if !h.pool.MonitorConfig().Enable {
		respondError(w, http.StatusBadRequest, "monitor is disabled in config")
		return
	}
	respondJSON(w, map[string]string{"status": "ok", "message": "monitor already running"})
}

func (h *serverHandler) handleMonitorStop(w http.ResponseWriter, r *http.Request) {
	if h.mon.Stop() {
		respondJSON(w, map[string]string{"status": "ok", "message": "monitor stopped"})
		return
	}
	respondJSON(w, map[string]string{"status": "ok", "message": "monitor not running"})
}

// handleMonitorTest runs one health-check cycle immediately, for a single
// client or all of them, regardless of the enable flag.
func (h *serverHandler) handleMonitorTest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID string `json:"id"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Minute)
	defer cancel()
	if body.ID != "" {
		state, err := h.mon.TestClient(ctx, body.ID)
		h.pool.saveState("monitor")
		if err != nil {
			respondJSON(w, map[string]any{"status": "error", "client_id": body.ID, "state": state, "error": err.Error()})
			return
		}
		respondJSON(w, map[string]any{"status": "ok", "client_id": body.ID, "state": state})
		return
	}
	results := h.mon.TestAll(ctx)
	respondJSON(w, map[string]any{"status": "ok", "results": results})
}

func (h *serverHandler) handleFallbackConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		respondJSON(w, map[string]any{"status": "ok", "config": h.pool.FallbackConfig()})
		return
	}
	if !h.requireAdmin(w, r) {
		return
	}
	cfg := h.pool.FallbackConfig()
	var body map[string]json.RawMessage
	if err := decodeBody(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if raw, ok := body["fallback_to_auto"]; ok {
		json.Unmarshal(raw, &cfg.FallbackToAuto)
	}
	h.pool.SetFallbackConfig(cfg)
	respondJSON(w, map[string]any{"status": "ok", "config": h.pool.FallbackConfig()})
}

func (h *serverHandler) handleLogsTail(w http.ResponseWriter, r *http.Request) {
	n := 100
	if v := r.URL.Query().Get("lines"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			n = parsed
		}
	}
	if n > 1000 {
		n = 1000
	}
	lines, size, err := tailFile(h.cfg.logFile, n)
	if err != nil {
		respondError(w, http.StatusNotFound, "log file not found: %s", h.cfg.logFile)
		return
	}
	respondJSON(w, map[string]any{
		"status":    "ok",
		"lines":     lines,
		"file_size": size,
	})
}

func (h *serverHandler) handleUsageRecent(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}
	events, err := h.store.recentEvents(limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "usage store: %v", err)
		return
	}
	totals := make(map[string]ClientTotals)
	for _, id := range h.pool.ids() {
		if t, err := h.store.clientTotals(id); err == nil {
			totals[id] = t
		}
	}
	respondJSON(w, map[string]any{"status": "ok", "events": events, "totals": totals})
}
