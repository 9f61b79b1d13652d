package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"
)

// monitor periodically verifies every enabled client against the zero-cost
// rate-limit API, updating session validity and quota snapshots. Stopping
// or reconfiguring cancels a sleeping tick promptly; an in-flight fetch is
// allowed to finish and its result is applied only if the client still
// exists.
type monitor struct {
	pool    *Pool
	timeout time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	wake    chan struct{}
	running bool

	// send delivers one notification; tests replace it.
	send func(botToken, chatID, text string) error
}

const monitorTestConcurrency = 5

func newMonitor(pool *Pool, timeout time.Duration) *monitor {
	return &monitor{
		pool:    pool,
		timeout: timeout,
		send:    sendTelegramMessage,
	}
}

// Start launches the background loop. Returns false when the monitor is
// disabled in config or already running.
func (m *monitor) Start() bool {
	if !m.pool.MonitorConfig().Enable {
		log.Printf("monitor is disabled, not starting")
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wake = make(chan struct{}, 1)
	m.running = true
	go m.loop(ctx, m.wake)
	log.Printf("monitor started")
	return true
}

// Stop cancels the loop, interrupting a sleeping tick immediately.
func (m *monitor) Stop() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return false
	}
	m.cancel()
	m.running = false
	log.Printf("monitor stopped")
	return true
}

// Reconfigure applies a new monitor config and restarts the loop so the
// new interval takes effect without waiting out the old sleep.
func (m *monitor) Reconfigure(cfg MonitorConfig) {
	old := m.pool.MonitorConfig()
	m.pool.SetMonitorConfig(cfg)
	if cfg.Enable && (!old.Enable || old.Interval != cfg.Interval) {
		log.Printf("monitor config changed, restarting")
		m.Stop()
		m.Start()
		return
	}
	if !cfg.Enable {
		m.Stop()
		return
	}
	// Same cadence; nudge the loop so it re-reads notification settings.
	m.mu.Lock()
	if m.running {
		select {
		case m.wake <- struct{}{}:
		default:
		}
	}
	m.mu.Unlock()
}

func (m *monitor) loop(ctx context.Context, wake chan struct{}) {
	log.Printf("monitor loop started")
	for {
		interval := m.pool.MonitorConfig().intervalDuration()
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-wake:
			timer.Stop()
			continue
		case <-timer.C:
		}
		log.Printf("monitor: starting health check for all clients (interval %v)", interval)
		m.TestAll(ctx)
	}
}

// TestClient runs one health check for a single client regardless of the
// enable flag: verify the session first, then fetch precise quotas. No user
// quota is consumed.
func (m *monitor) TestClient(ctx context.Context, id string) (string, error) {
	prev, ok := m.pool.stateOf(id)
	if !ok {
		return "", fmt.Errorf("client %q not found", id)
	}
	sess, ok := m.pool.sessionFor(id)
	if !ok {
		return "", fmt.Errorf("client %q not found", id)
	}

	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	info, err := sess.UserInfo(callCtx)
	if err != nil || !info.LoggedIn() {
		m.pool.MarkSessionInvalid(id)
		if prev != StateOffline {
			m.notify(fmt.Sprintf("⚠️ pplx pool: %s session invalid.", id))
		}
		if err != nil {
			log.Printf("[%s] health check failed: %v", id, err)
			return StateOffline, err
		}
		log.Printf("[%s] session invalid (not logged in)", id)
		return StateOffline, fmt.Errorf("session invalid (not logged in)")
	}

	limits, err := sess.FetchRateLimits(callCtx)
	if err != nil {
		m.pool.MarkSessionInvalid(id)
		if prev != StateOffline {
			m.notify(fmt.Sprintf("⚠️ pplx pool: %s test failed.", id))
		}
		log.Printf("[%s] rate limit fetch failed: %v", id, err)
		return StateOffline, err
	}

	// Applied only if the client still exists; ApplyRateLimits is a no-op
	// for unknown ids.
	m.pool.ApplyRateLimits(id, limits)
	state, _ := m.pool.stateOf(id)
	log.Printf("[%s] health check: %s -> %s", id, prev, state)

	if state != prev {
		switch {
		case state == StateExhausted:
			m.notify(fmt.Sprintf("⚠️ pplx pool: %s pro quota exhausted.", id))
		case state == StateNormal && prev == StateExhausted:
			m.notify(fmt.Sprintf("✅ pplx pool: %s recovered (pro quota available).", id))
		}
	}
	return state, nil
}

// TestAll checks every enabled client with bounded concurrency, spacing
// requests out to avoid tripping the upstream's own rate limiting.
func (m *monitor) TestAll(ctx context.Context) map[string]string {
	ids := m.pool.ids()
	results := make(map[string]string, len(ids))
	var (
		wg  sync.WaitGroup
		rmu sync.Mutex
		sem = make(chan struct{}, monitorTestConcurrency)
	)
	enabled := make(map[string]bool, len(ids))
	for _, cs := range m.pool.Status().Clients {
		enabled[cs.ID] = cs.Enabled
	}
	for _, id := range ids {
		if !enabled[id] {
			continue
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()
			state, _ := m.TestClient(ctx, id)
			rmu.Lock()
			results[id] = state
			rmu.Unlock()
			time.Sleep(500 * time.Millisecond)
		}(id)
	}
	wg.Wait()
	m.pool.saveState("monitor")
	log.Printf("monitor: health check completed for %d clients", len(results))
	return results
}

// notify delivers a notification to Telegram when configured, otherwise it
// is only logged.
func (m *monitor) notify(text string) {
	cfg := m.pool.MonitorConfig()
	if cfg.TGBotToken == "" || cfg.TGChatID == "" {
		log.Printf("notification (telegram not configured): %s", text)
		return
	}
	if err := m.send(cfg.TGBotToken, cfg.TGChatID, text); err != nil {
		log.Printf("failed to send telegram notification: %v", err)
		return
	}
	log.Printf("telegram notification sent: %s", text)
}

func sendTelegramMessage(botToken, chatID, text string) error {
	payload, _ := json.Marshal(map[string]string{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "HTML",
	})
	url := "https://api.telegram.org/bot" + botToken + "/sendMessage"
	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram sendMessage returned %d", resp.StatusCode)
	}
	return nil
}
