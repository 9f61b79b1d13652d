package main

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

// Search modes accepted by the upstream engine.
const (
	ModeAuto         = "auto"
	ModePro          = "pro"
	ModeReasoning    = "reasoning"
	ModeDeepResearch = "deep research"
)

// Backoff ladder: 60s, 120s, 240s, ... capped at one hour.
const (
	initialBackoff = 60 * time.Second
	maxBackoff     = 3600 * time.Second
)

func backoffDuration(consecutiveFailures int) time.Duration {
	if consecutiveFailures <= 0 {
		return 0
	}
	d := initialBackoff
	for i := 1; i < consecutiveFailures; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// ModeLimit is the per-mode slice of a rate-limit snapshot.
// Remaining is nil when the upstream does not report an exact number.
type ModeLimit struct {
	Available bool   `json:"available"`
	Remaining *int   `json:"remaining"`
	Kind      string `json:"kind,omitempty"`
}

// RateLimits is a snapshot of upstream quotas at a point in time.
type RateLimits struct {
	ProRemaining *int                 `json:"pro_remaining"`
	Modes        map[string]ModeLimit `json:"modes,omitempty"`
	FetchedAt    int64                `json:"fetched_at,omitempty"`
}

func (rl *RateLimits) clone() *RateLimits {
	if rl == nil {
		return nil
	}
	out := &RateLimits{FetchedAt: rl.FetchedAt}
	if rl.ProRemaining != nil {
		v := *rl.ProRemaining
		out.ProRemaining = &v
	}
	if rl.Modes != nil {
		out.Modes = make(map[string]ModeLimit, len(rl.Modes))
		for k, m := range rl.Modes {
			if m.Remaining != nil {
				v := *m.Remaining
				m.Remaining = &v
			}
			out.Modes[k] = m
		}
	}
	return out
}

// TokenCredentials is the immutable cookie pair identifying one upstream session.
type TokenCredentials struct {
	CSRFToken    string `json:"csrf_token"`
	SessionToken string `json:"session_token"`
}

func (c TokenCredentials) cookies() map[string]string {
	return map[string]string{
		cookieCSRFToken:    c.CSRFToken,
		cookieSessionToken: c.SessionToken,
	}
}

// ClientWrapper is the mutable per-session record. All fields are guarded by
// the owning pool's mutex; methods with a Locked suffix assume it is held.
type ClientWrapper struct {
	ID          string
	Credentials TokenCredentials
	Session     Session

	Enabled             bool
	SessionValid        *bool // nil until the first health check
	RateLimits          *RateLimits
	LastCheck           time.Time
	RequestCount        int64
	FailCount           int64
	BackoffUntil        time.Time
	ConsecutiveFailures int
}

// Derived display states.
const (
	StateNormal    = "normal"
	StateExhausted = "exhausted"
	StateOffline   = "offline"
	StateUnknown   = "unknown"
)

// stateLocked recomputes the display state; it is never stored.
func (w *ClientWrapper) stateLocked() string {
	switch {
	case w.SessionValid != nil && !*w.SessionValid:
		return StateOffline
	case w.SessionValid == nil:
		return StateUnknown
	case w.RateLimits != nil && w.RateLimits.ProRemaining != nil && *w.RateLimits.ProRemaining == 0:
		return StateExhausted
	default:
		return StateNormal
	}
}

// hasQuotaLocked reports whether the wrapper still has quota for mode.
// Unknown counters count as available.
func (w *ClientWrapper) hasQuotaLocked(mode string) bool {
	if w.SessionValid != nil && !*w.SessionValid {
		return false
	}
	switch mode {
	case ModePro, ModeReasoning:
		if w.RateLimits == nil || w.RateLimits.ProRemaining == nil {
			return true
		}
		return *w.RateLimits.ProRemaining > 0
	case ModeDeepResearch:
		if w.RateLimits == nil {
			return true
		}
		research, ok := w.RateLimits.Modes["research"]
		if !ok {
			return true
		}
		if !research.Available {
			return false
		}
		if research.Remaining == nil {
			return true
		}
		return *research.Remaining > 0
	default:
		return true
	}
}

func (w *ClientWrapper) isAvailableLocked(now time.Time) bool {
	return w.Enabled && !now.Before(w.BackoffUntil)
}

func (w *ClientWrapper) recordSuccessLocked() {
	w.RequestCount++
	w.ConsecutiveFailures = 0
	w.BackoffUntil = time.Time{}
}

func (w *ClientWrapper) recordFailureLocked(kind ErrorKind, now time.Time) {
	w.FailCount++
	w.ConsecutiveFailures++
	w.BackoffUntil = now.Add(backoffDuration(w.ConsecutiveFailures))
	if kind == KindSessionInvalid {
		valid := false
		w.SessionValid = &valid
	}
}

func (w *ClientWrapper) applyRateLimitsLocked(rl *RateLimits, now time.Time) {
	valid := true
	w.SessionValid = &valid
	w.RateLimits = rl.clone()
	if w.RateLimits != nil && w.RateLimits.FetchedAt == 0 {
		w.RateLimits.FetchedAt = now.Unix()
	}
	w.LastCheck = now
}

// decrementQuotaLocked applies the local optimistic decrement after a
// successful paid query. Pro and reasoning share the upstream counter, so
// both touch pro_remaining and modes.pro_search; the next monitor tick
// replaces these with authoritative values.
func (w *ClientWrapper) decrementQuotaLocked(mode string) {
	if w.RateLimits == nil {
		return
	}
	dec := func(p *int) *int {
		if p == nil || *p <= 0 {
			return p
		}
		v := *p - 1
		return &v
	}
	switch mode {
	case ModePro, ModeReasoning:
		w.RateLimits.ProRemaining = dec(w.RateLimits.ProRemaining)
		if m, ok := w.RateLimits.Modes["pro_search"]; ok {
			m.Remaining = dec(m.Remaining)
			w.RateLimits.Modes["pro_search"] = m
		}
	case ModeDeepResearch:
		if m, ok := w.RateLimits.Modes["research"]; ok {
			m.Remaining = dec(m.Remaining)
			w.RateLimits.Modes["research"] = m
		}
	}
}

// zeroQuotaLocked forces the counter relevant to mode to zero after an
// upstream quota error or a detected downgrade.
func (w *ClientWrapper) zeroQuotaLocked(mode string) {
	if w.RateLimits == nil {
		w.RateLimits = &RateLimits{}
	}
	zero := 0
	switch mode {
	case ModePro, ModeReasoning:
		w.RateLimits.ProRemaining = &zero
	case ModeDeepResearch:
		if w.RateLimits.Modes == nil {
			w.RateLimits.Modes = map[string]ModeLimit{}
		}
		m := w.RateLimits.Modes["research"]
		m.Remaining = &zero
		w.RateLimits.Modes["research"] = m
	}
}

// SessionFactory builds a Session for a cookie set. Tests swap this out.
type SessionFactory func(cookies map[string]string) Session

// Pool owns every client wrapper plus the round-robin cursor. A single
// mutex guards the ordered map, the cursor, the config sections, and all
// wrapper fields; network I/O never happens under it.
type Pool struct {
	mu      sync.Mutex
	clients map[string]*ClientWrapper
	order   []string
	cursor  int

	monitorCfg  MonitorConfig
	fallbackCfg FallbackConfig

	configPath     string
	configWritable bool
	configMtime    time.Time
	stateMtime     time.Time
	extraConfig    map[string]rawJSON

	newSession SessionFactory
	debug      bool
}

func newPool(factory SessionFactory, debug bool) *Pool {
	return &Pool{
		clients:        make(map[string]*ClientWrapper),
		monitorCfg:     MonitorConfig{Interval: 6},
		fallbackCfg:    FallbackConfig{FallbackToAuto: true},
		configWritable: true,
		newSession:     factory,
		debug:          debug,
	}
}

func (p *Pool) addClientLocked(id string, creds TokenCredentials) error {
	if _, ok := p.clients[id]; ok {
		return fmt.Errorf("client %q already exists", id)
	}
	p.clients[id] = &ClientWrapper{
		ID:          id,
		Credentials: creds,
		Session:     p.newSession(creds.cookies()),
		Enabled:     true,
	}
	p.order = append(p.order, id)
	return nil
}

func (p *Pool) removeClientLocked(id string) error {
	if _, ok := p.clients[id]; !ok {
		return fmt.Errorf("client %q not found", id)
	}
	if len(p.clients) <= 1 {
		return fmt.Errorf("cannot remove the last client")
	}
	delete(p.clients, id)
	for i, cid := range p.order {
		if cid == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	if p.cursor >= len(p.order) {
		p.cursor = 0
	}
	return nil
}

// AddClient adds a token at runtime and persists the config.
func (p *Pool) AddClient(id, csrf, session string) error {
	if id == "" || csrf == "" || session == "" {
		return validationError("id, csrf_token and session_token are required")
	}
	p.mu.Lock()
	err := p.addClientLocked(id, TokenCredentials{CSRFToken: csrf, SessionToken: session})
	p.mu.Unlock()
	if err != nil {
		return err
	}
	p.saveConfig()
	return nil
}

// RemoveClient removes a token at runtime and persists the config.
func (p *Pool) RemoveClient(id string) error {
	p.mu.Lock()
	err := p.removeClientLocked(id)
	p.mu.Unlock()
	if err != nil {
		return err
	}
	p.saveConfig()
	return nil
}

func (p *Pool) EnableClient(id string) error {
	p.mu.Lock()
	w, ok := p.clients[id]
	if ok {
		w.Enabled = true
	}
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("client %q not found", id)
	}
	p.saveState("enable")
	return nil
}

func (p *Pool) DisableClient(id string) error {
	p.mu.Lock()
	w, ok := p.clients[id]
	if ok && w.Enabled {
		enabled := 0
		for _, o := range p.clients {
			if o.Enabled {
				enabled++
			}
		}
		if enabled <= 1 {
			p.mu.Unlock()
			return fmt.Errorf("cannot disable the last enabled client")
		}
		w.Enabled = false
	}
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("client %q not found", id)
	}
	p.saveState("disable")
	return nil
}

// ResetClient clears backoff and failure state. Idempotent.
func (p *Pool) ResetClient(id string) error {
	p.mu.Lock()
	w, ok := p.clients[id]
	if ok {
		w.ConsecutiveFailures = 0
		w.BackoffUntil = time.Time{}
	}
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("client %q not found", id)
	}
	p.saveState("reset")
	return nil
}

func (p *Pool) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// acquire returns the next eligible wrapper in round-robin order starting at
// the cursor, advancing the cursor past it. ok is false when nothing in the
// pool is enabled, out of backoff, and in quota for the mode.
func (p *Pool) acquire(mode string) (string, *ClientWrapper, bool) {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.order)
	if n == 0 {
		return "", nil, false
	}
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		id := p.order[idx]
		w := p.clients[id]
		if w.isAvailableLocked(now) && w.hasQuotaLocked(mode) {
			p.cursor = (idx + 1) % n
			return id, w, true
		}
	}
	return "", nil, false
}

// earliestBackoff returns the soonest time any client leaves backoff, or
// zero when some client is not in backoff at all.
func (p *Pool) earliestBackoff() time.Time {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	var earliest time.Time
	for _, w := range p.clients {
		if w.isAvailableLocked(now) {
			return time.Time{}
		}
		if earliest.IsZero() || w.BackoffUntil.Before(earliest) {
			earliest = w.BackoffUntil
		}
	}
	return earliest
}

// RecordSuccess updates counters, optimistically decrements the mode's
// quota, and persists the shared state.
func (p *Pool) RecordSuccess(id, mode string) {
	p.mu.Lock()
	if w, ok := p.clients[id]; ok {
		w.recordSuccessLocked()
		w.decrementQuotaLocked(mode)
	}
	p.mu.Unlock()
	p.saveState("success")
}

// RecordFailure applies backoff and the per-kind quota/validity updates,
// then persists the shared state.
func (p *Pool) RecordFailure(id, mode string, kind ErrorKind) {
	p.mu.Lock()
	if w, ok := p.clients[id]; ok {
		w.recordFailureLocked(kind, time.Now())
		switch kind {
		case KindQuotaExhausted:
			w.zeroQuotaLocked(mode)
		case KindSilentDowngrade:
			w.zeroQuotaLocked(ModeDeepResearch)
		}
	}
	p.mu.Unlock()
	p.saveState("failure")
}

// ApplyRateLimits installs a fresh quota snapshot for a client.
func (p *Pool) ApplyRateLimits(id string, rl *RateLimits) {
	p.mu.Lock()
	if w, ok := p.clients[id]; ok {
		w.applyRateLimitsLocked(rl, time.Now())
	}
	p.mu.Unlock()
	p.saveState("rate_limits")
}

// MarkSessionInvalid flags a client as logged out after a failed health check.
func (p *Pool) MarkSessionInvalid(id string) {
	valid := false
	p.mu.Lock()
	if w, ok := p.clients[id]; ok {
		w.SessionValid = &valid
		w.LastCheck = time.Now()
	}
	p.mu.Unlock()
	p.saveState("session_invalid")
}

// sessionFor snapshots the Session reference for a client so the caller can
// do network I/O without holding the pool mutex.
func (p *Pool) sessionFor(id string) (Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.clients[id]
	if !ok {
		return nil, false
	}
	return w.Session, true
}

func (p *Pool) ids() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

func (p *Pool) stateOf(id string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.clients[id]
	if !ok {
		return "", false
	}
	return w.stateLocked(), true
}

// ClientStatus is the admin-facing view of one wrapper.
type ClientStatus struct {
	ID                  string      `json:"id"`
	Enabled             bool        `json:"enabled"`
	Available           bool        `json:"available"`
	State               string      `json:"state"`
	SessionValid        *bool       `json:"session_valid"`
	RateLimits          *RateLimits `json:"rate_limits,omitempty"`
	LastCheckAt         string      `json:"last_check_at,omitempty"`
	NextAvailableAt     string      `json:"next_available_at,omitempty"`
	RequestCount        int64       `json:"request_count"`
	FailCount           int64       `json:"fail_count"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
}

// PoolStatus summarises the pool for /pool/status and the admin UI.
type PoolStatus struct {
	Total     int            `json:"total"`
	Available int            `json:"available"`
	Clients   []ClientStatus `json:"clients"`
}

func (p *Pool) Status() PoolStatus {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	st := PoolStatus{Total: len(p.order)}
	for _, id := range p.order {
		w := p.clients[id]
		cs := ClientStatus{
			ID:                  id,
			Enabled:             w.Enabled,
			Available:           w.isAvailableLocked(now),
			State:               w.stateLocked(),
			SessionValid:        w.SessionValid,
			RateLimits:          w.RateLimits.clone(),
			RequestCount:        w.RequestCount,
			FailCount:           w.FailCount,
			ConsecutiveFailures: w.ConsecutiveFailures,
		}
		if cs.Available {
			st.Available++
		} else if !w.BackoffUntil.IsZero() {
			cs.NextAvailableAt = w.BackoffUntil.UTC().Format(time.RFC3339)
		}
		if !w.LastCheck.IsZero() {
			cs.LastCheckAt = w.LastCheck.UTC().Format(time.RFC3339)
		}
		st.Clients = append(st.Clients, cs)
	}
	return st
}

// MonitorConfig controls the background health checker. Interval is hours.
type MonitorConfig struct {
	Enable     bool    `json:"enable"`
	Interval   float64 `json:"interval"`
	TGBotToken string  `json:"tg_bot_token,omitempty"`
	TGChatID   string  `json:"tg_chat_id,omitempty"`
}

const minMonitorInterval = 0.1 // hours

func (c MonitorConfig) intervalDuration() time.Duration {
	hours := c.Interval
	if hours < minMonitorInterval {
		hours = minMonitorInterval
	}
	return time.Duration(hours * float64(time.Hour))
}

// FallbackConfig controls the auto-mode fallback chain.
type FallbackConfig struct {
	FallbackToAuto bool `json:"fallback_to_auto"`
}

func (p *Pool) MonitorConfig() MonitorConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.monitorCfg
}

func (p *Pool) SetMonitorConfig(cfg MonitorConfig) {
	p.mu.Lock()
	p.monitorCfg = cfg
	p.mu.Unlock()
	p.saveConfig()
}

func (p *Pool) FallbackConfig() FallbackConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fallbackCfg
}

func (p *Pool) SetFallbackConfig(cfg FallbackConfig) {
	p.mu.Lock()
	p.fallbackCfg = cfg
	p.mu.Unlock()
	p.saveConfig()
}

// TokenEntry is one record of the master config's tokens array.
type TokenEntry struct {
	ID           string `json:"id"`
	CSRFToken    string `json:"csrf_token"`
	SessionToken string `json:"session_token"`
}

// ExportTokens returns the configured tokens in rotation order.
func (p *Pool) ExportTokens() []TokenEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]TokenEntry, 0, len(p.order))
	for _, id := range p.order {
		w := p.clients[id]
		out = append(out, TokenEntry{
			ID:           id,
			CSRFToken:    w.Credentials.CSRFToken,
			SessionToken: w.Credentials.SessionToken,
		})
	}
	return out
}

// ImportResult reports what ImportTokens did per token.
type ImportResult struct {
	Added   []string `json:"added"`
	Skipped []string `json:"skipped"`
	Errors  []string `json:"errors"`
}

// ImportTokens adds every valid new token, skipping existing ids.
func (p *Pool) ImportTokens(tokens []TokenEntry) ImportResult {
	var res ImportResult
	for _, t := range tokens {
		if t.ID == "" || t.CSRFToken == "" || t.SessionToken == "" {
			res.Errors = append(res.Errors, "invalid token entry: missing required fields")
			continue
		}
		p.mu.Lock()
		_, exists := p.clients[t.ID]
		var err error
		if !exists {
			err = p.addClientLocked(t.ID, TokenCredentials{CSRFToken: t.CSRFToken, SessionToken: t.SessionToken})
		}
		p.mu.Unlock()
		switch {
		case exists:
			res.Skipped = append(res.Skipped, t.ID)
		case err != nil:
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", t.ID, err))
		default:
			res.Added = append(res.Added, t.ID)
		}
	}
	if len(res.Added) > 0 {
		p.saveConfig()
	}
	return res
}

// sortedIDsLocked gives persistence writers deterministic output order for
// the clients map.
func (p *Pool) sortedIDsLocked() []string {
	out := make([]string, 0, len(p.clients))
	for id := range p.clients {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (p *Pool) debugf(format string, args ...any) {
	if p == nil || !p.debug {
		return
	}
	log.Printf(format, args...)
}
