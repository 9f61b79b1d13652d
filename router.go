package main

import (
	"log"
	"net/http"
	"strings"
)

// ServeHTTP routes incoming requests to the appropriate handler.
func (h *serverHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := randomID()
	if h.cfg.debug {
		log.Printf("[%s] incoming %s %s", reqID, r.Method, r.URL.Path)
	}

	switch r.URL.Path {
	case "/":
		h.serveAdminPage(w, r)
		return
	case "/health":
		h.serveHealth(w)
		return
	case "/metrics":
		h.metrics.serve(w, r)
		return
	case "/query":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.handleQuery(w, r, reqID)
		return
	case "/pool/status":
		h.handlePoolStatus(w, r)
		return
	case "/pool/export":
		h.handlePoolExport(w, r, "")
		return
	case "/pool/import":
		if !h.requireAdmin(w, r) {
			return
		}
		h.handlePoolImport(w, r)
		return
	case "/pool/user-info":
		h.handleUserInfo(w, r)
		return
	case "/monitor/config":
		h.handleMonitorConfig(w, r)
		return
	case "/monitor/start":
		if !h.requireAdmin(w, r) {
			return
		}
		h.handleMonitorStart(w, r)
		return
	case "/monitor/stop":
		if !h.requireAdmin(w, r) {
			return
		}
		h.handleMonitorStop(w, r)
		return
	case "/monitor/test":
		if !h.requireAdmin(w, r) {
			return
		}
		h.handleMonitorTest(w, r)
		return
	case "/fallback/config":
		h.handleFallbackConfig(w, r)
		return
	case "/logs/tail":
		h.handleLogsTail(w, r)
		return
	case "/usage/recent":
		h.handleUsageRecent(w, r)
		return
	case "/errors/recent":
		respondJSON(w, map[string]any{"status": "ok", "failures": h.recent.snapshot()})
		return
	}

	// Single-token export: /pool/export/{id}
	if strings.HasPrefix(r.URL.Path, "/pool/export/") {
		h.handlePoolExport(w, r, strings.TrimPrefix(r.URL.Path, "/pool/export/"))
		return
	}

	// Pool management actions: /pool/{action}
	if strings.HasPrefix(r.URL.Path, "/pool/") {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		action := strings.TrimPrefix(r.URL.Path, "/pool/")
		if action != "list" && !h.requireAdmin(w, r) {
			return
		}
		h.handlePoolAction(w, r, action)
		return
	}

	http.NotFound(w, r)
}
