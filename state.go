package main

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"time"
)

// pool_state.json lets the stdio tool server and the admin server share a
// live view of the same pool without IPC. The admin server is the
// authoritative owner; writes are atomic, reads are best-effort.

const stateFileName = "pool_state.json"

type clientState struct {
	Enabled             bool        `json:"enabled"`
	SessionValid        *bool       `json:"session_valid"`
	RateLimits          *RateLimits `json:"rate_limits"`
	LastCheckAt         *string     `json:"last_check_at"`
	RequestCount        int64       `json:"request_count"`
	FailCount           int64       `json:"fail_count"`
	BackoffUntil        int64       `json:"backoff_until"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	// Computed from session_valid + rate_limits; written for readers that
	// predate the session_valid field.
	State string `json:"state"`
}

type poolStateFile struct {
	Version   int                    `json:"version"`
	UpdatedAt float64                `json:"updated_at"`
	Writer    string                 `json:"writer"`
	Clients   map[string]clientState `json:"clients"`
}

func (p *Pool) statePath() string {
	if p.configPath == "" {
		return ""
	}
	return filepath.Join(filepath.Dir(p.configPath), stateFileName)
}

// saveState persists runtime pool state for cross-process sharing.
func (p *Pool) saveState(writer string) {
	p.mu.Lock()
	path := p.statePath()
	if path == "" {
		p.mu.Unlock()
		return
	}
	out := poolStateFile{
		Version:   2,
		UpdatedAt: float64(time.Now().UnixMilli()) / 1000,
		Writer:    writer,
		Clients:   make(map[string]clientState, len(p.clients)),
	}
	for _, id := range p.sortedIDsLocked() {
		w := p.clients[id]
		cs := clientState{
			Enabled:             w.Enabled,
			SessionValid:        w.SessionValid,
			RateLimits:          w.RateLimits.clone(),
			RequestCount:        w.RequestCount,
			FailCount:           w.FailCount,
			ConsecutiveFailures: w.ConsecutiveFailures,
			State:               w.stateLocked(),
		}
		if !w.BackoffUntil.IsZero() {
			cs.BackoffUntil = w.BackoffUntil.Unix()
		}
		if !w.LastCheck.IsZero() {
			s := w.LastCheck.UTC().Format(time.RFC3339)
			cs.LastCheckAt = &s
		}
		out.Clients[id] = cs
	}
	p.mu.Unlock()

	if err := atomicWriteJSON(path, out); err != nil {
		log.Printf("failed to save pool state: %v", err)
		return
	}
	p.mu.Lock()
	if fi, err := os.Stat(path); err == nil {
		p.stateMtime = fi.ModTime()
	}
	p.mu.Unlock()
	p.debugf("pool state saved to %s (writer=%s)", path, writer)
}

// loadState merges the shared state file into the in-memory pool. Only
// re-reads when the file mtime changed. Absent or malformed files are
// tolerated; the in-memory copy stays authoritative then.
func (p *Pool) loadState() bool {
	p.mu.Lock()
	path := p.statePath()
	lastMtime := p.stateMtime
	p.mu.Unlock()
	if path == "" {
		return false
	}
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	if fi.ModTime().Equal(lastMtime) {
		return false
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var state poolStateFile
	if err := json.Unmarshal(raw, &state); err != nil {
		log.Printf("corrupted state file, ignoring: %v", err)
		return false
	}
	if state.Version != 0 && state.Version != 1 && state.Version != 2 {
		log.Printf("unknown state file version: %d", state.Version)
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for id, cs := range state.Clients {
		w, ok := p.clients[id]
		if !ok {
			continue
		}
		// enabled/backoff fields exist only in the v2 schema; legacy files
		// carry just state + last_check, so leave the local values alone there.
		if state.Version >= 2 {
			w.Enabled = cs.Enabled
			if cs.BackoffUntil > 0 {
				w.BackoffUntil = time.Unix(cs.BackoffUntil, 0)
			} else {
				w.BackoffUntil = time.Time{}
			}
			w.ConsecutiveFailures = cs.ConsecutiveFailures
		}
		if cs.SessionValid != nil {
			w.SessionValid = cs.SessionValid
		} else if cs.State != "" {
			// Derive validity from the legacy state label.
			switch cs.State {
			case StateOffline:
				valid := false
				w.SessionValid = &valid
			case StateUnknown:
				w.SessionValid = nil
			default:
				valid := true
				w.SessionValid = &valid
			}
		}
		if cs.RateLimits != nil {
			w.RateLimits = cs.RateLimits
		}
		if cs.LastCheckAt != nil {
			if t, err := time.Parse(time.RFC3339, *cs.LastCheckAt); err == nil {
				w.LastCheck = t
			}
		}
		if cs.RequestCount > w.RequestCount {
			w.RequestCount = cs.RequestCount
		}
		if cs.FailCount > w.FailCount {
			w.FailCount = cs.FailCount
		}
	}
	p.stateMtime = fi.ModTime()
	p.debugf("pool state loaded from %s (writer=%s)", path, state.Writer)
	return true
}

// isStateStale reports whether the shared state file is missing or older
// than the monitor interval.
func (p *Pool) isStateStale() bool {
	p.mu.Lock()
	path := p.statePath()
	maxAge := p.monitorCfg.intervalDuration()
	p.mu.Unlock()
	if path == "" {
		return true
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return true
	}
	var state poolStateFile
	if err := json.Unmarshal(raw, &state); err != nil {
		return true
	}
	updated := time.Unix(int64(state.UpdatedAt), 0)
	return time.Since(updated) > maxAge
}
