package main

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeSession is a scriptable Session for tests.
type fakeSession struct {
	mu        sync.Mutex
	searchFn  func(req SearchRequest) (*SearchResponse, error)
	limits    *RateLimits
	limitsErr error
	user      *UserInfo
	userErr   error
	searches  int
}

func (f *fakeSession) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	f.mu.Lock()
	f.searches++
	fn := f.searchFn
	f.mu.Unlock()
	if fn == nil {
		return &SearchResponse{Answer: "ok"}, nil
	}
	return fn(req)
}

func (f *fakeSession) FetchRateLimits(ctx context.Context) (*RateLimits, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.limitsErr != nil {
		return nil, f.limitsErr
	}
	if f.limits == nil {
		return &RateLimits{}, nil
	}
	return f.limits.clone(), nil
}

func (f *fakeSession) UserInfo(ctx context.Context) (*UserInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.userErr != nil {
		return nil, f.userErr
	}
	if f.user == nil {
		return &UserInfo{User: map[string]any{"email": "x@y"}}, nil
	}
	return f.user, nil
}

func (f *fakeSession) searchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.searches
}

// newTestPool builds a pool whose sessions resolve to the given fakes by id.
// The csrf cookie doubles as the client id so the factory can route.
func newTestPool(t *testing.T, ids []string, fakes map[string]*fakeSession) *Pool {
	t.Helper()
	p := newPool(func(cookies map[string]string) Session {
		if f, ok := fakes[cookies[cookieCSRFToken]]; ok {
			return f
		}
		return &fakeSession{}
	}, false)
	for _, id := range ids {
		if err := p.addClientLocked(id, TokenCredentials{CSRFToken: id, SessionToken: "s-" + id}); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
	}
	return p
}

func intPtr(n int) *int { return &n }

func boolPtr(b bool) *bool { return &b }

func TestBackoffLadder(t *testing.T) {
	cases := []struct {
		failures int
		want     time.Duration
	}{
		{0, 0},
		{1, 60 * time.Second},
		{2, 120 * time.Second},
		{3, 240 * time.Second},
		{4, 480 * time.Second},
		{7, 3600 * time.Second},
		{50, 3600 * time.Second},
	}
	for _, c := range cases {
		if got := backoffDuration(c.failures); got != c.want {
			t.Fatalf("backoffDuration(%d) = %v, want %v", c.failures, got, c.want)
		}
	}
}

func TestAcquireRoundRobinFairness(t *testing.T) {
	p := newTestPool(t, []string{"a", "b", "c"}, nil)

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		id, _, ok := p.acquire(ModePro)
		if !ok {
			t.Fatalf("acquire %d failed", i)
		}
		if seen[id] {
			t.Fatalf("id %q returned twice within one rotation", id)
		}
		seen[id] = true
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 distinct ids, got %d", len(seen))
	}
}

func TestAcquireSkipsBackoffAndDisabled(t *testing.T) {
	p := newTestPool(t, []string{"a", "b", "c"}, nil)

	p.mu.Lock()
	p.clients["a"].BackoffUntil = time.Now().Add(time.Minute)
	p.clients["b"].Enabled = false
	p.mu.Unlock()

	for i := 0; i < 5; i++ {
		id, w, ok := p.acquire(ModeAuto)
		if !ok {
			t.Fatalf("acquire failed")
		}
		if id != "c" {
			t.Fatalf("expected only c eligible, got %q", id)
		}
		if !w.isAvailableLocked(time.Now()) {
			t.Fatalf("acquire returned a wrapper in backoff")
		}
	}
}

func TestAcquireRespectsQuota(t *testing.T) {
	p := newTestPool(t, []string{"a", "b"}, nil)
	p.mu.Lock()
	p.clients["a"].SessionValid = boolPtr(true)
	p.clients["a"].RateLimits = &RateLimits{ProRemaining: intPtr(0)}
	p.mu.Unlock()

	for i := 0; i < 4; i++ {
		id, _, ok := p.acquire(ModePro)
		if !ok {
			t.Fatalf("acquire failed")
		}
		if id == "a" {
			t.Fatalf("acquire returned exhausted client for pro mode")
		}
	}

	// Auto mode ignores the pro counter.
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		id, _, ok := p.acquire(ModeAuto)
		if !ok {
			t.Fatalf("acquire failed")
		}
		seen[id] = true
	}
	if !seen["a"] {
		t.Fatalf("exhausted client should be eligible in auto mode")
	}
}

func TestAcquireNoneWhenAllExcluded(t *testing.T) {
	p := newTestPool(t, []string{"a"}, nil)
	p.mu.Lock()
	p.clients["a"].BackoffUntil = time.Now().Add(time.Hour)
	p.mu.Unlock()

	if _, _, ok := p.acquire(ModeAuto); ok {
		t.Fatalf("expected no eligible client")
	}
	if eb := p.earliestBackoff(); eb.IsZero() {
		t.Fatalf("expected earliest backoff to be reported")
	}
}

func TestHasQuotaModes(t *testing.T) {
	w := &ClientWrapper{Enabled: true}

	// Everything unknown counts as available.
	for _, mode := range []string{ModeAuto, ModePro, ModeReasoning, ModeDeepResearch} {
		if !w.hasQuotaLocked(mode) {
			t.Fatalf("unknown quota should be available for %q", mode)
		}
	}

	w.SessionValid = boolPtr(false)
	if w.hasQuotaLocked(ModeAuto) {
		t.Fatalf("invalid session must have no quota for any mode")
	}

	w.SessionValid = boolPtr(true)
	w.RateLimits = &RateLimits{
		ProRemaining: intPtr(0),
		Modes: map[string]ModeLimit{
			"research": {Available: true, Remaining: intPtr(2), Kind: "exact"},
		},
	}
	if w.hasQuotaLocked(ModePro) || w.hasQuotaLocked(ModeReasoning) {
		t.Fatalf("pro/reasoning should be out of quota")
	}
	if !w.hasQuotaLocked(ModeDeepResearch) {
		t.Fatalf("deep research should still have quota")
	}
	if !w.hasQuotaLocked(ModeAuto) {
		t.Fatalf("auto always has quota while the session is valid")
	}

	w.RateLimits.Modes["research"] = ModeLimit{Available: false}
	if w.hasQuotaLocked(ModeDeepResearch) {
		t.Fatalf("unavailable research mode should have no quota")
	}
}

func TestStateDerivation(t *testing.T) {
	w := &ClientWrapper{Enabled: true}
	if got := w.stateLocked(); got != StateUnknown {
		t.Fatalf("state = %q, want unknown", got)
	}
	w.SessionValid = boolPtr(false)
	if got := w.stateLocked(); got != StateOffline {
		t.Fatalf("state = %q, want offline", got)
	}
	w.SessionValid = boolPtr(true)
	if got := w.stateLocked(); got != StateNormal {
		t.Fatalf("state = %q, want normal", got)
	}
	w.RateLimits = &RateLimits{ProRemaining: intPtr(0)}
	if got := w.stateLocked(); got != StateExhausted {
		t.Fatalf("state = %q, want exhausted", got)
	}
	w.RateLimits.ProRemaining = intPtr(3)
	if got := w.stateLocked(); got != StateNormal {
		t.Fatalf("state = %q, want normal after refill", got)
	}
}

func TestRecordSuccessClearsBackoff(t *testing.T) {
	p := newTestPool(t, []string{"a"}, nil)
	p.RecordFailure("a", ModePro, KindTransient)
	p.RecordFailure("a", ModePro, KindTransient)

	p.mu.Lock()
	w := p.clients["a"]
	if w.ConsecutiveFailures != 2 || w.FailCount != 2 {
		p.mu.Unlock()
		t.Fatalf("expected 2 failures, got cons=%d fail=%d", w.ConsecutiveFailures, w.FailCount)
	}
	p.mu.Unlock()

	p.RecordSuccess("a", ModeAuto)
	p.mu.Lock()
	defer p.mu.Unlock()
	if w.ConsecutiveFailures != 0 {
		t.Fatalf("consecutive failures not reset")
	}
	if !w.BackoffUntil.IsZero() {
		t.Fatalf("backoff not cleared after success")
	}
	if w.FailCount != 2 {
		t.Fatalf("fail_count must stay monotonic, got %d", w.FailCount)
	}
	if w.RequestCount != 1 {
		t.Fatalf("request_count = %d, want 1", w.RequestCount)
	}
}

func TestSessionInvalidFailureMarksOffline(t *testing.T) {
	p := newTestPool(t, []string{"a"}, nil)
	p.RecordFailure("a", ModePro, KindSessionInvalid)
	p.mu.Lock()
	defer p.mu.Unlock()
	w := p.clients["a"]
	if w.SessionValid == nil || *w.SessionValid {
		t.Fatalf("session should be marked invalid")
	}
	if w.stateLocked() != StateOffline {
		t.Fatalf("state = %q, want offline", w.stateLocked())
	}
}

func TestQuotaDecrementSharedCounter(t *testing.T) {
	p := newTestPool(t, []string{"a"}, nil)
	p.mu.Lock()
	p.clients["a"].SessionValid = boolPtr(true)
	p.clients["a"].RateLimits = &RateLimits{
		ProRemaining: intPtr(2),
		Modes: map[string]ModeLimit{
			"pro_search": {Available: true, Remaining: intPtr(2)},
			"research":   {Available: true, Remaining: intPtr(1)},
		},
	}
	p.mu.Unlock()

	p.RecordSuccess("a", ModeReasoning)
	p.mu.Lock()
	rl := p.clients["a"].RateLimits
	if *rl.ProRemaining != 1 {
		t.Fatalf("pro_remaining = %d, want 1", *rl.ProRemaining)
	}
	if *rl.Modes["pro_search"].Remaining != 1 {
		t.Fatalf("pro_search remaining = %d, want 1", *rl.Modes["pro_search"].Remaining)
	}
	if *rl.Modes["research"].Remaining != 1 {
		t.Fatalf("research remaining must be untouched by reasoning")
	}
	p.mu.Unlock()

	p.RecordSuccess("a", ModeDeepResearch)
	p.mu.Lock()
	defer p.mu.Unlock()
	rl = p.clients["a"].RateLimits
	if *rl.Modes["research"].Remaining != 0 {
		t.Fatalf("research remaining = %d, want 0", *rl.Modes["research"].Remaining)
	}
	if *rl.ProRemaining != 1 {
		t.Fatalf("pro_remaining must be untouched by deep research")
	}
}

func TestResetIdempotent(t *testing.T) {
	p := newTestPool(t, []string{"a"}, nil)
	p.RecordFailure("a", ModePro, KindTransient)

	for i := 0; i < 3; i++ {
		if err := p.ResetClient("a"); err != nil {
			t.Fatalf("reset %d: %v", i, err)
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	w := p.clients["a"]
	if w.ConsecutiveFailures != 0 || !w.BackoffUntil.IsZero() {
		t.Fatalf("reset did not clear failure state")
	}
}

func TestDisableEnablePreservesState(t *testing.T) {
	p := newTestPool(t, []string{"a", "b"}, nil)
	p.mu.Lock()
	p.clients["a"].SessionValid = boolPtr(true)
	p.clients["a"].RateLimits = &RateLimits{ProRemaining: intPtr(7)}
	p.clients["a"].RequestCount = 5
	p.clients["a"].FailCount = 2
	p.mu.Unlock()

	if err := p.DisableClient("a"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if err := p.EnableClient("a"); err != nil {
		t.Fatalf("enable: %v", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	w := p.clients["a"]
	if *w.RateLimits.ProRemaining != 7 || w.RequestCount != 5 || w.FailCount != 2 {
		t.Fatalf("disable/enable must not touch quotas or counters")
	}
}

func TestCannotDisableLastEnabledClient(t *testing.T) {
	p := newTestPool(t, []string{"a"}, nil)
	if err := p.DisableClient("a"); err == nil {
		t.Fatalf("expected error disabling the last enabled client")
	}
}

func TestIDUniquenessAndReAdd(t *testing.T) {
	p := newTestPool(t, []string{"a", "b"}, nil)
	if err := p.AddClient("a", "x", "y"); err == nil {
		t.Fatalf("duplicate id must be rejected")
	}
	if err := p.RemoveClient("a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := p.AddClient("a", "x", "y"); err != nil {
		t.Fatalf("re-adding a removed id must work: %v", err)
	}
	ids := p.ids()
	count := 0
	for _, id := range ids {
		if id == "a" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("id a appears %d times", count)
	}
}

func TestCannotRemoveLastClient(t *testing.T) {
	p := newTestPool(t, []string{"a"}, nil)
	if err := p.RemoveClient("a"); err == nil {
		t.Fatalf("expected error removing the last client")
	}
}

func TestImportTokensSkipsExisting(t *testing.T) {
	p := newTestPool(t, []string{"a"}, nil)
	res := p.ImportTokens([]TokenEntry{
		{ID: "a", CSRFToken: "x", SessionToken: "y"},
		{ID: "b", CSRFToken: "x", SessionToken: "y"},
		{ID: "", CSRFToken: "x", SessionToken: "y"},
	})
	if len(res.Added) != 1 || res.Added[0] != "b" {
		t.Fatalf("added = %v, want [b]", res.Added)
	}
	if len(res.Skipped) != 1 || res.Skipped[0] != "a" {
		t.Fatalf("skipped = %v, want [a]", res.Skipped)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("errors = %v, want one entry", res.Errors)
	}
}

func TestApplyRateLimitsSetsValidity(t *testing.T) {
	p := newTestPool(t, []string{"a"}, nil)
	rl := &RateLimits{ProRemaining: intPtr(100)}
	p.ApplyRateLimits("a", rl)

	p.mu.Lock()
	defer p.mu.Unlock()
	w := p.clients["a"]
	if w.SessionValid == nil || !*w.SessionValid {
		t.Fatalf("apply_rate_limits must mark the session valid")
	}
	if w.LastCheck.IsZero() {
		t.Fatalf("last_check not set")
	}
	// The stored snapshot must be independent of the caller's copy.
	*rl.ProRemaining = 1
	if *w.RateLimits.ProRemaining != 100 {
		t.Fatalf("rate limits must be copied, not aliased")
	}
}
