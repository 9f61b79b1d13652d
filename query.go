package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"
)

// QueryRequest is the caller-facing shape of one gateway query.
type QueryRequest struct {
	Query     string
	Mode      string
	Model     string
	Sources   []string
	Files     map[string][]byte
	Language  string
	Incognito bool
}

// SourceLink is one citation attached to an answer.
type SourceLink struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// QueryResult is the cleaned answer returned to callers.
type QueryResult struct {
	Answer       string       `json:"answer"`
	Sources      []SourceLink `json:"sources"`
	Fallback     bool         `json:"fallback,omitempty"`
	FallbackMode string       `json:"fallback_mode,omitempty"`
	OriginalMode string       `json:"original_mode,omitempty"`
	ClientID     string       `json:"-"`
}

// queryEngine drives the selection loop and the fallback chain over a pool.
type queryEngine struct {
	pool       *Pool
	timeout    time.Duration
	newSession SessionFactory
	metrics    *metrics
	recent     *failureLog
	store      *usageStore
	debug      bool
}

func newQueryEngine(pool *Pool, timeout time.Duration, factory SessionFactory) *queryEngine {
	return &queryEngine{
		pool:       pool,
		timeout:    timeout,
		newSession: factory,
	}
}

func (e *queryEngine) debugf(format string, args ...any) {
	if e.debug {
		log.Printf(format, args...)
	}
}

// RunQuery executes one query with rotation, optional auto-mode fallback,
// and the anonymous last resort. Validation errors surface immediately
// without consuming a client.
func (e *queryEngine) RunQuery(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	query, err := sanitizeQuery(req.Query)
	if err != nil {
		return nil, err
	}
	if _, ok := modelPreferences[req.Mode]; !ok {
		return nil, validationError("Invalid mode '%s'. Must be one of: auto, pro, reasoning, deep research", req.Mode)
	}
	language := req.Language
	if language == "" {
		language = "en-US"
	}
	if !containsString(searchLanguages, language) {
		return nil, validationError("Invalid language '%s'. Choose from: %s", language, joinStrings(searchLanguages))
	}
	sources := req.Sources
	if len(sources) == 0 {
		sources = []string{"web"}
	}
	if err := validateFiles(req.Files); err != nil {
		return nil, err
	}

	// Pick up mutations made by the sibling process before selecting.
	e.pool.reloadConfig()
	e.pool.loadState()

	run := SearchRequest{
		Query:     query,
		Mode:      req.Mode,
		Model:     req.Model,
		Sources:   sources,
		Files:     req.Files,
		Language:  language,
		Incognito: req.Incognito,
	}

	result, lastErr := e.runPool(ctx, run)
	if result != nil {
		return result, nil
	}

	isProMode := req.Mode == ModePro || req.Mode == ModeReasoning || req.Mode == ModeDeepResearch
	fallbackEnabled := e.pool.FallbackConfig().FallbackToAuto

	// Retry as auto: exhausted clients become eligible again since auto
	// never consumes pro quota. Files are dropped; auto doesn't take them.
	if fallbackEnabled && isProMode {
		autoReq := run
		autoReq.Mode = ModeAuto
		autoReq.Model = ""
		autoReq.Files = nil
		log.Printf("all clients failed for mode=%q, retrying pool in auto mode", req.Mode)
		if result, err := e.runPool(ctx, autoReq); result != nil {
			result.Fallback = true
			result.FallbackMode = ModeAuto
			result.OriginalMode = req.Mode
			return result, nil
		} else if err != nil {
			lastErr = err
		}
	}

	// Last resort: one-shot anonymous session. Its outcome touches no
	// wrapper counters.
	if fallbackEnabled && req.Mode != ModeAuto {
		log.Printf("all authenticated attempts failed, trying anonymous auto fallback")
		anon := e.newSession(map[string]string{})
		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		resp, err := anon.Search(callCtx, SearchRequest{
			Query:     query,
			Mode:      ModeAuto,
			Sources:   sources,
			Language:  language,
			Incognito: true,
		})
		cancel()
		if err == nil && !resp.IsEmpty() {
			result := extractResult(resp)
			result.Fallback = true
			result.FallbackMode = "anonymous_auto"
			result.OriginalMode = req.Mode
			return &result, nil
		}
		if err != nil {
			log.Printf("anonymous auto fallback failed: %v", err)
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("request failed after multiple attempts")
	}
	return nil, fmt.Errorf("query failed: %w", lastErr)
}

// runPool walks the pool in round-robin order, visiting every distinct
// eligible client at most once even when the cursor wraps.
func (e *queryEngine) runPool(ctx context.Context, req SearchRequest) (*QueryResult, error) {
	seen := make(map[string]bool)
	var lastErr error
	total := e.pool.count()

	for i := 0; i < total*2; i++ {
		id, _, ok := e.pool.acquire(req.Mode)
		if !ok {
			if len(seen) == 0 && lastErr == nil {
				if t := e.pool.earliestBackoff(); !t.IsZero() {
					lastErr = fmt.Errorf("all clients are currently unavailable; earliest available at %s",
						t.UTC().Format(time.RFC3339))
				} else {
					lastErr = fmt.Errorf("no clients with quota for mode %q", req.Mode)
				}
			}
			break
		}
		if seen[id] {
			if len(seen) >= total {
				break
			}
			continue
		}
		seen[id] = true

		sess, ok := e.pool.sessionFor(id)
		if !ok {
			continue
		}

		e.debugf("[%s] executing search: mode=%q model=%q", id, req.Mode, req.Model)
		start := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		resp, err := sess.Search(callCtx, req)
		cancel()
		elapsed := time.Since(start)

		if err != nil {
			kind := kindOf(err)
			if kind == KindValidation {
				if isClientLimitMessage(err.Error()) {
					// Per-client limit dressed up as a validation failure:
					// this client is out, the next one may not be.
					e.noteFailure(id, req.Mode, KindQuotaExhausted, elapsed, err)
					lastErr = err
					continue
				}
				// Genuine input error; retrying on another client cannot help.
				return nil, err
			}
			e.noteFailure(id, req.Mode, kind, elapsed, err)
			lastErr = err
			continue
		}

		if resp.IsEmpty() {
			err := newQueryError(KindEmptyResponse, "empty response from upstream (connection may have dropped)")
			e.noteFailure(id, req.Mode, KindEmptyResponse, elapsed, err)
			lastErr = err
			continue
		}

		if req.Mode == ModeDeepResearch && !resp.TextIsStepList() {
			err := newQueryError(KindSilentDowngrade,
				"deep research request was silently downgraded to a plain pro answer")
			e.noteFailure(id, req.Mode, KindSilentDowngrade, elapsed, err)
			lastErr = err
			continue
		}

		e.pool.RecordSuccess(id, req.Mode)
		if e.metrics != nil {
			e.metrics.inc("ok", id)
		}
		if e.store != nil {
			e.store.record(QueryEvent{
				Timestamp: time.Now(),
				ClientID:  id,
				Mode:      req.Mode,
				Outcome:   "ok",
				Duration:  elapsed,
			})
		}
		e.debugf("[%s] query succeeded in %v", id, elapsed)
		result := extractResult(resp)
		result.ClientID = id
		return &result, nil
	}

	return nil, lastErr
}

func (e *queryEngine) noteFailure(id, mode string, kind ErrorKind, elapsed time.Duration, err error) {
	log.Printf("[%s] request failed (%s): %v", id, kind, err)
	e.pool.RecordFailure(id, mode, kind)
	if e.metrics != nil {
		e.metrics.inc(string(kind), id)
	}
	if e.recent != nil {
		e.recent.add(id, kind, err)
	}
	if e.store != nil {
		e.store.record(QueryEvent{
			Timestamp: time.Now(),
			ClientID:  id,
			Mode:      mode,
			Outcome:   string(kind),
			Duration:  elapsed,
		})
	}
}

// extractResult pulls the final answer and source links out of the terminal
// stream payload.
func extractResult(resp *SearchResponse) QueryResult {
	result := QueryResult{Answer: resp.Answer, Sources: []SourceLink{}}

	if resp.TextIsStepList() {
		var steps []ResearchStep
		if json.Unmarshal(resp.Text, &steps) == nil {
			for _, step := range steps {
				if step.StepType != "SEARCH_RESULTS" {
					continue
				}
				var content struct {
					WebResults []struct {
						URL  string `json:"url"`
						Name string `json:"name"`
					} `json:"web_results"`
				}
				if json.Unmarshal(step.Content, &content) != nil {
					continue
				}
				for _, wr := range content.WebResults {
					if wr.URL == "" {
						continue
					}
					result.Sources = append(result.Sources, SourceLink{URL: wr.URL, Title: wr.Name})
				}
			}
		}
	}

	if len(result.Sources) == 0 {
		for _, raw := range resp.Chunks {
			var chunk struct {
				URL   string `json:"url"`
				Title string `json:"title"`
				Name  string `json:"name"`
			}
			if json.Unmarshal(raw, &chunk) != nil || chunk.URL == "" {
				continue
			}
			title := chunk.Title
			if title == "" {
				title = chunk.Name
			}
			result.Sources = append(result.Sources, SourceLink{URL: chunk.URL, Title: title})
		}
	}
	return result
}
