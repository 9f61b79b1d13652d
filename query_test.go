package main

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestEngine(p *Pool) *queryEngine {
	return newQueryEngine(p, 5*time.Second, func(cookies map[string]string) Session {
		return &fakeSession{}
	})
}

func TestRunQueryBasicRotation(t *testing.T) {
	fakes := map[string]*fakeSession{
		"a": {}, "b": {}, "c": {},
	}
	p := newTestPool(t, []string{"a", "b", "c"}, fakes)
	e := newTestEngine(p)

	seen := map[string]bool{}
	var first string
	for i := 0; i < 3; i++ {
		res, err := e.RunQuery(context.Background(), QueryRequest{Query: "q", Mode: ModePro})
		if err != nil {
			t.Fatalf("query %d: %v", i, err)
		}
		if i == 0 {
			first = res.ClientID
		}
		if seen[res.ClientID] {
			t.Fatalf("client %q used twice in one rotation", res.ClientID)
		}
		seen[res.ClientID] = true
	}
	if len(seen) != 3 {
		t.Fatalf("expected all three clients used, got %d", len(seen))
	}

	res, err := e.RunQuery(context.Background(), QueryRequest{Query: "q", Mode: ModePro})
	if err != nil {
		t.Fatalf("fourth query: %v", err)
	}
	if res.ClientID != first {
		t.Fatalf("fourth query hit %q, want wrap-around to %q", res.ClientID, first)
	}
}

func TestRunQueryExhaustionFallsBackToAuto(t *testing.T) {
	quotaErr := errors.New("No remaining pro queries")
	fakes := map[string]*fakeSession{
		"a": {searchFn: func(req SearchRequest) (*SearchResponse, error) {
			return &SearchResponse{Answer: "from a"}, nil
		}},
		"b": {searchFn: func(req SearchRequest) (*SearchResponse, error) {
			return nil, quotaErr
		}},
		"c": {searchFn: func(req SearchRequest) (*SearchResponse, error) {
			return nil, quotaErr
		}},
	}
	p := newTestPool(t, []string{"a", "b", "c"}, fakes)
	p.mu.Lock()
	p.clients["a"].SessionValid = boolPtr(true)
	p.clients["a"].RateLimits = &RateLimits{ProRemaining: intPtr(0)}
	p.mu.Unlock()

	e := newTestEngine(p)
	res, err := e.RunQuery(context.Background(), QueryRequest{Query: "q", Mode: ModePro})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if res.ClientID != "a" {
		t.Fatalf("fallback should pick the exhausted client in auto mode, got %q", res.ClientID)
	}
	if !res.Fallback || res.FallbackMode != ModeAuto || res.OriginalMode != ModePro {
		t.Fatalf("fallback metadata wrong: %+v", res)
	}
	if res.Answer != "from a" {
		t.Fatalf("answer = %q", res.Answer)
	}

	// The failed clients picked up quota-exhausted bookkeeping.
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range []string{"b", "c"} {
		w := p.clients[id]
		if w.RateLimits == nil || w.RateLimits.ProRemaining == nil || *w.RateLimits.ProRemaining != 0 {
			t.Fatalf("[%s] pro_remaining should be zeroed after quota error", id)
		}
		if w.BackoffUntil.IsZero() {
			t.Fatalf("[%s] expected backoff after failure", id)
		}
	}
}

func TestRunQueryEmptyResponseSurfacesDroppedConnection(t *testing.T) {
	fakes := map[string]*fakeSession{
		"a": {searchFn: func(req SearchRequest) (*SearchResponse, error) {
			return nil, nil
		}},
	}
	p := newTestPool(t, []string{"a"}, fakes)
	p.SetFallbackConfig(FallbackConfig{FallbackToAuto: false})

	e := newTestEngine(p)
	_, err := e.RunQuery(context.Background(), QueryRequest{Query: "q", Mode: ModePro})
	if err == nil {
		t.Fatalf("expected error for dropped connection")
	}
	if !strings.Contains(err.Error(), "dropped") {
		t.Fatalf("error should mention a dropped connection: %v", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.clients["a"].FailCount != 1 {
		t.Fatalf("empty response must record a failure")
	}
}

func TestRunQueryDeepResearchDowngrade(t *testing.T) {
	fakes := map[string]*fakeSession{
		"a": {searchFn: func(req SearchRequest) (*SearchResponse, error) {
			// Pro-shaped payload: text is a plain string.
			return &SearchResponse{
				Answer: "shallow answer",
				Text:   json.RawMessage(`"shallow answer"`),
			}, nil
		}},
	}
	p := newTestPool(t, []string{"a"}, fakes)
	p.SetFallbackConfig(FallbackConfig{FallbackToAuto: false})

	e := newTestEngine(p)
	_, err := e.RunQuery(context.Background(), QueryRequest{Query: "q", Mode: ModeDeepResearch})
	if err == nil {
		t.Fatalf("expected downgrade error")
	}
	if !strings.Contains(err.Error(), "downgraded") {
		t.Fatalf("error should name the downgrade: %v", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	w := p.clients["a"]
	research, ok := w.RateLimits.Modes["research"]
	if !ok || research.Remaining == nil || *research.Remaining != 0 {
		t.Fatalf("research remaining should be zeroed after downgrade")
	}
	if w.FailCount != 1 {
		t.Fatalf("downgrade must record a failure")
	}
}

func TestRunQueryDeepResearchAcceptsStepList(t *testing.T) {
	fakes := map[string]*fakeSession{
		"a": {searchFn: func(req SearchRequest) (*SearchResponse, error) {
			return &SearchResponse{
				Answer: "deep answer",
				Text:   json.RawMessage(`[{"step_type":"FINAL","content":{}}]`),
			}, nil
		}},
	}
	p := newTestPool(t, []string{"a"}, fakes)
	e := newTestEngine(p)
	res, err := e.RunQuery(context.Background(), QueryRequest{Query: "q", Mode: ModeDeepResearch})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if res.Answer != "deep answer" {
		t.Fatalf("answer = %q", res.Answer)
	}
}

func TestRunQueryValidation(t *testing.T) {
	p := newTestPool(t, []string{"a"}, nil)
	e := newTestEngine(p)

	if _, err := e.RunQuery(context.Background(), QueryRequest{Query: "  ", Mode: ModeAuto}); kindOf(err) != KindValidation {
		t.Fatalf("empty query must be a validation error, got %v", err)
	}
	if _, err := e.RunQuery(context.Background(), QueryRequest{Query: "q", Mode: "turbo"}); kindOf(err) != KindValidation {
		t.Fatalf("unknown mode must be a validation error, got %v", err)
	}
	if _, err := e.RunQuery(context.Background(), QueryRequest{Query: "q", Mode: ModeAuto, Language: "xx-XX"}); kindOf(err) != KindValidation {
		t.Fatalf("unknown language must be a validation error, got %v", err)
	}

	// Validation never consumes a client.
	p.mu.Lock()
	defer p.mu.Unlock()
	w := p.clients["a"]
	if w.RequestCount != 0 || w.FailCount != 0 {
		t.Fatalf("validation errors must not touch client counters")
	}
}

func TestRunQueryAnonymousFallback(t *testing.T) {
	fakes := map[string]*fakeSession{
		"a": {searchFn: func(req SearchRequest) (*SearchResponse, error) {
			return nil, errors.New("upstream returned 503")
		}},
	}
	p := newTestPool(t, []string{"a"}, fakes)

	anon := &fakeSession{searchFn: func(req SearchRequest) (*SearchResponse, error) {
		if req.Mode != ModeAuto || !req.Incognito {
			return nil, errors.New("anonymous fallback must be incognito auto")
		}
		return &SearchResponse{Answer: "anon"}, nil
	}}
	e := newQueryEngine(p, 5*time.Second, func(cookies map[string]string) Session {
		if len(cookies) != 0 {
			return &fakeSession{}
		}
		return anon
	})

	res, err := e.RunQuery(context.Background(), QueryRequest{Query: "q", Mode: ModePro})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if res.FallbackMode != "anonymous_auto" {
		t.Fatalf("fallback_mode = %q", res.FallbackMode)
	}

	// The anonymous one-shot touches no wrapper counters.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.clients["a"].RequestCount != 0 {
		t.Fatalf("anonymous success must not count against any client")
	}
}

func TestExtractResultSources(t *testing.T) {
	resp := &SearchResponse{
		Answer: "answer",
		Text: json.RawMessage(`[
			{"step_type":"SEARCH_RESULTS","content":{"web_results":[
				{"url":"https://example.com/a","name":"A"},
				{"url":"https://example.com/b","name":"B"}
			]}},
			{"step_type":"FINAL","content":{}}
		]`),
	}
	res := extractResult(resp)
	if len(res.Sources) != 2 {
		t.Fatalf("sources = %d, want 2", len(res.Sources))
	}
	if res.Sources[0].URL != "https://example.com/a" || res.Sources[0].Title != "A" {
		t.Fatalf("first source = %+v", res.Sources[0])
	}

	// Chunk fallback when no step list is present.
	resp2 := &SearchResponse{
		Answer: "answer",
		Chunks: []json.RawMessage{
			json.RawMessage(`{"url":"https://example.com/c","title":"C"}`),
			json.RawMessage(`"plain text chunk"`),
		},
	}
	res2 := extractResult(resp2)
	if len(res2.Sources) != 1 || res2.Sources[0].URL != "https://example.com/c" {
		t.Fatalf("chunk sources = %+v", res2.Sources)
	}
}
