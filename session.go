package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Upstream API surface.
const (
	apiBaseURL              = "https://www.perplexity.ai"
	apiVersion              = "2.18"
	endpointAuthSession     = apiBaseURL + "/api/auth/session"
	endpointSSEAsk          = apiBaseURL + "/rest/sse/perplexity_ask"
	endpointUploadURL       = apiBaseURL + "/rest/uploads/create_upload_url"
	endpointRateLimit       = apiBaseURL + "/rest/rate-limit"
	endpointRateLimitStatus = apiBaseURL + "/rest/rate-limit/status"
)

var searchSources = []string{"web", "scholar", "social"}

var searchLanguages = []string{"en-US", "en-GB", "pt-BR", "es-ES", "fr-FR", "de-DE", "zh-CN"}

// modelPreferences maps mode -> user-facing model name -> backend preference
// id. The empty model name selects the mode's default.
var modelPreferences = map[string]map[string]string{
	ModeAuto: {"": "turbo"},
	ModePro: {
		"":                  "pplx_pro",
		"sonar":             "experimental",
		"gpt-5.2":           "gpt52",
		"claude-4.5-sonnet": "claude45sonnet",
		"grok-4.1":          "grok41nonreasoning",
	},
	ModeReasoning: {
		"":                           "pplx_reasoning",
		"gpt-5.2-thinking":           "gpt52_thinking",
		"claude-4.5-sonnet-thinking": "claude45sonnetthinking",
		"gemini-3.0-pro":             "gemini30pro",
		"kimi-k2-thinking":           "kimik2thinking",
		"grok-4.1-reasoning":         "grok41reasoning",
	},
	ModeDeepResearch: {"": "pplx_alpha"},
}

// Browser headers sent on every upstream request.
var defaultHeaders = map[string]string{
	"accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7",
	"accept-language":           "en-US,en;q=0.9",
	"cache-control":             "max-age=0",
	"dnt":                       "1",
	"priority":                  "u=0, i",
	"sec-ch-ua":                 `"Not;A=Brand";v="24", "Chromium";v="128"`,
	"sec-ch-ua-mobile":          "?0",
	"sec-ch-ua-platform":        `"Windows"`,
	"sec-fetch-dest":            "document",
	"sec-fetch-mode":            "navigate",
	"sec-fetch-site":            "same-origin",
	"upgrade-insecure-requests": "1",
	"user-agent":                "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/128.0.0.0 Safari/537.36",
}

// SearchRequest carries one query to the upstream engine.
type SearchRequest struct {
	Query     string
	Mode      string
	Model     string
	Sources   []string
	Files     map[string][]byte
	Language  string
	Incognito bool
}

// ResearchStep is one entry of a deep-research step list.
type ResearchStep struct {
	StepType string          `json:"step_type"`
	Content  json.RawMessage `json:"content"`
}

// SearchResponse is the terminal payload of a search stream.
type SearchResponse struct {
	Answer      string
	Chunks      []json.RawMessage
	Text        json.RawMessage // string for plain answers, step list for deep research
	BackendUUID string
	Raw         map[string]json.RawMessage
}

// IsEmpty reports whether the response carries no usable content.
func (r *SearchResponse) IsEmpty() bool {
	return r == nil || (r.Answer == "" && len(r.Text) == 0)
}

// TextIsStepList reports whether the text payload has the deep-research
// shape (a JSON array of step objects) rather than a plain string.
func (r *SearchResponse) TextIsStepList() bool {
	if r == nil {
		return false
	}
	trimmed := bytes.TrimSpace(r.Text)
	return len(trimmed) > 0 && trimmed[0] == '['
}

// UserInfo is the auth-session payload; User is nil for anonymous sessions.
type UserInfo struct {
	User map[string]any `json:"user"`
}

func (u *UserInfo) LoggedIn() bool { return u != nil && len(u.User) > 0 }

// Session is the fixed capability set of one upstream browser session.
type Session interface {
	Search(ctx context.Context, req SearchRequest) (*SearchResponse, error)
	FetchRateLimits(ctx context.Context) (*RateLimits, error)
	UserInfo(ctx context.Context) (*UserInfo, error)
}

// httpSession talks to the upstream engine over an impersonated-Chrome
// transport. Cookies are deep-copied at construction; nothing the caller
// does to its map afterwards can reach this session.
type httpSession struct {
	client  *http.Client
	cookies map[string]string
	own     bool

	// Known-zero pre-checks. nil means unknown/unlimited.
	proQuota  *int
	fileQuota *int
}

// Cloudinary rewrites image uploads under a signed path; strip it so the
// stored attachment URL stays stable.
var imageUploadPattern = regexp.MustCompile(`/private/s--.*?--/v\d+/user_uploads/`)

// Deep research streams can stay quiet for minutes between steps.
const sseIdleTimeout = 5 * time.Minute

// NewSession builds a Session for the given cookie map. An empty map yields
// an anonymous session with zero pro quota.
func NewSession(cookies map[string]string) Session {
	copied := make(map[string]string, len(cookies))
	for k, v := range cookies {
		if v == "" {
			continue
		}
		copied[k] = v
	}
	// Each session owns its connection pool; nothing is shared across
	// wrappers.
	s := &httpSession{
		client:  &http.Client{Transport: newChromeTransport()},
		cookies: copied,
		own:     len(copied) > 0,
	}
	if !s.own {
		zero := 0
		s.proQuota = &zero
		s.fileQuota = &zero
	}
	return s
}

func (s *httpSession) newRequest(ctx context.Context, method, rawURL string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, err
	}
	for k, v := range defaultHeaders {
		req.Header.Set(k, v)
	}
	if len(s.cookies) > 0 {
		names := make([]string, 0, len(s.cookies))
		for k := range s.cookies {
			names = append(names, k)
		}
		sort.Strings(names)
		pairs := make([]string, 0, len(names))
		for _, k := range names {
			pairs = append(pairs, k+"="+s.cookies[k])
		}
		req.Header.Set("Cookie", strings.Join(pairs, "; "))
	}
	return req, nil
}

func withVersionParams(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set("version", apiVersion)
	q.Set("source", "default")
	u.RawQuery = q.Encode()
	return u.String()
}

// UserInfo fetches the auth-session payload. A missing user object means
// the session is anonymous or logged out.
func (s *httpSession) UserInfo(ctx context.Context) (*UserInfo, error) {
	req, err := s.newRequest(ctx, http.MethodGet, endpointAuthSession, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, newQueryError(KindSessionInvalid, "auth session returned %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("auth session returned %d", resp.StatusCode)
	}
	var info UserInfo
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode auth session: %w", err)
	}
	return &info, nil
}

// FetchRateLimits reads the quota counters without consuming any quota.
func (s *httpSession) FetchRateLimits(ctx context.Context) (*RateLimits, error) {
	out := &RateLimits{FetchedAt: time.Now().Unix()}

	req, err := s.newRequest(ctx, http.MethodGet, withVersionParams(endpointRateLimit), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	func() {
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return
		}
		var body struct {
			Remaining *int `json:"remaining"`
		}
		if json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body) == nil {
			out.ProRemaining = body.Remaining
		}
	}()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, newQueryError(KindSessionInvalid, "rate limit endpoint returned %d", resp.StatusCode)
	}

	req2, err := s.newRequest(ctx, http.MethodGet, withVersionParams(endpointRateLimitStatus), nil)
	if err != nil {
		return nil, err
	}
	resp2, err := s.client.Do(req2)
	if err != nil {
		return nil, fmt.Errorf("rate limit status: %w", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode == http.StatusOK {
		var body struct {
			Modes map[string]struct {
				Available       bool `json:"available"`
				RemainingDetail struct {
					Remaining *int   `json:"remaining"`
					Kind      string `json:"kind"`
				} `json:"remaining_detail"`
			} `json:"modes"`
		}
		if json.NewDecoder(io.LimitReader(resp2.Body, 1<<20)).Decode(&body) == nil && body.Modes != nil {
			out.Modes = make(map[string]ModeLimit, len(body.Modes))
			for name, m := range body.Modes {
				out.Modes[name] = ModeLimit{
					Available: m.Available,
					Remaining: m.RemainingDetail.Remaining,
					Kind:      m.RemainingDetail.Kind,
				}
			}
		}
	}

	// Track known-zero pro quota for the pre-dispatch check.
	if out.ProRemaining != nil {
		v := *out.ProRemaining
		s.proQuota = &v
	}
	return out, nil
}

// validate rejects bad parameters before any quota is spent. Every branch
// raises ValidationError; none of these checks are strippable.
func (s *httpSession) validate(req SearchRequest) error {
	models, ok := modelPreferences[req.Mode]
	if !ok {
		return validationError("Invalid mode '%s'. Must be one of: auto, pro, reasoning, deep research", req.Mode)
	}
	if req.Model != "" {
		if !s.own {
			return validationError("Model selection requires an account with cookies.")
		}
		if _, ok := models[req.Model]; !ok {
			names := make([]string, 0, len(models))
			for m := range models {
				if m != "" {
					names = append(names, m)
				}
			}
			sort.Strings(names)
			return validationError("Invalid model '%s' for mode '%s'. Valid models: %s",
				req.Model, req.Mode, strings.Join(names, ", "))
		}
	}
	if len(req.Sources) == 0 {
		return validationError("At least one source must be specified")
	}
	for _, src := range req.Sources {
		valid := false
		for _, known := range searchSources {
			if src == known {
				valid = true
				break
			}
		}
		if !valid {
			return validationError("Invalid sources: %s. Valid sources: %s", src, strings.Join(searchSources, ", "))
		}
	}
	if req.Mode != ModeAuto && s.proQuota != nil && *s.proQuota <= 0 {
		return validationError("No remaining pro queries.")
	}
	if len(req.Files) > 0 && s.fileQuota != nil && *s.fileQuota < len(req.Files) {
		return validationError("File upload limit exceeded.")
	}
	return nil
}

type uploadInfo struct {
	Fields      map[string]string `json:"fields"`
	S3BucketURL string            `json:"s3_bucket_url"`
	S3ObjectURL string            `json:"s3_object_url"`
}

// uploadFile pushes one attachment through the signed-upload flow and
// returns the URL to reference in the query payload.
func (s *httpSession) uploadFile(ctx context.Context, filename string, data []byte) (string, error) {
	contentType := http.DetectContentType(data)
	payload, _ := json.Marshal(map[string]any{
		"content_type": contentType,
		"file_size":    len(data),
		"filename":     filename,
		"force_image":  false,
		"source":       "default",
	})
	req, err := s.newRequest(ctx, http.MethodPost, withVersionParams(endpointUploadURL), bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("create upload url: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("create upload url returned %d", resp.StatusCode)
	}
	var info uploadInfo
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&info); err != nil {
		return "", fmt.Errorf("decode upload info: %w", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	names := make([]string, 0, len(info.Fields))
	for k := range info.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		mw.WriteField(k, info.Fields[k])
	}
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	hdr.Set("Content-Type", contentType)
	part, err := mw.CreatePart(hdr)
	if err != nil {
		return "", err
	}
	part.Write(data)
	mw.Close()

	upReq, err := s.newRequest(ctx, http.MethodPost, info.S3BucketURL, &buf)
	if err != nil {
		return "", err
	}
	upReq.Header.Set("Content-Type", mw.FormDataContentType())
	upResp, err := s.client.Do(upReq)
	if err != nil {
		return "", fmt.Errorf("file upload: %w", err)
	}
	defer upResp.Body.Close()
	if upResp.StatusCode < 200 || upResp.StatusCode >= 300 {
		return "", newQueryError(KindFatal, "file upload error: status %d", upResp.StatusCode)
	}

	if strings.Contains(info.S3ObjectURL, "image/upload") {
		var body struct {
			SecureURL string `json:"secure_url"`
		}
		if json.NewDecoder(io.LimitReader(upResp.Body, 1<<20)).Decode(&body) == nil && body.SecureURL != "" {
			return imageUploadPattern.ReplaceAllString(body.SecureURL, "/private/user_uploads/"), nil
		}
	}
	return info.S3ObjectURL, nil
}

// Search runs one query and blocks until the SSE stream terminates with an
// end-of-stream marker. A stream that closes without the marker fails with
// EmptyResponse rather than returning a partial or nil result.
func (s *httpSession) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	var attachments []string
	names := make([]string, 0, len(req.Files))
	for name := range req.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		uploaded, err := s.uploadFile(ctx, name, req.Files[name])
		if err != nil {
			return nil, err
		}
		attachments = append(attachments, uploaded)
	}
	if attachments == nil {
		attachments = []string{}
	}

	frontendMode := "copilot"
	if req.Mode == ModeAuto {
		frontendMode = "concise"
	}
	payload, _ := json.Marshal(map[string]any{
		"query_str": req.Query,
		"params": map[string]any{
			"attachments":           attachments,
			"frontend_context_uuid": uuid.NewString(),
			"frontend_uuid":         uuid.NewString(),
			"is_incognito":          req.Incognito,
			"language":              req.Language,
			"last_backend_uuid":     nil,
			"mode":                  frontendMode,
			"model_preference":      modelPreferences[req.Mode][req.Model],
			"source":                "default",
			"sources":               req.Sources,
			"version":               apiVersion,
		},
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	httpReq, err := s.newRequest(ctx, http.MethodPost, endpointSSEAsk, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		return nil, newQueryError(KindSessionInvalid, "search returned %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		sample, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		resp.Body.Close()
		return nil, fmt.Errorf("search returned %d: %s", resp.StatusCode, safeText(sample))
	}

	// Guard against upstreams that stall without closing the connection.
	body := newIdleTimeoutReader(resp.Body, sseIdleTimeout, cancel)
	defer body.Close()

	result, err := consumeSearchStream(body)
	if err != nil {
		return nil, err
	}

	// Local counters mirror the spend so the pre-dispatch check can reject
	// known-zero quota before the next network round trip.
	if req.Mode != ModeAuto && s.proQuota != nil && *s.proQuota > 0 {
		v := *s.proQuota - 1
		s.proQuota = &v
	}
	return result, nil
}

// consumeSearchStream reads SSE frames until end_of_stream, keeping the last
// message event as the terminal payload.
func consumeSearchStream(body io.Reader) (*SearchResponse, error) {
	var last *SearchResponse
	frames := newSSEFrameScanner(body)
	for frames.Scan() {
		frame := frames.Frame()
		switch {
		case bytes.HasPrefix(frame, []byte("event: message")):
			if parsed := parseMessageFrame(frame); parsed != nil {
				last = parsed
			}
		case bytes.HasPrefix(frame, []byte("event: end_of_stream")):
			if last == nil || last.IsEmpty() {
				return nil, newQueryError(KindEmptyResponse, "stream ended without content (connection may have dropped)")
			}
			return last, nil
		}
	}
	if err := frames.Err(); err != nil {
		return nil, wrapQueryError(KindTransient, "read search stream", err)
	}
	return nil, newQueryError(KindEmptyResponse, "stream closed without end_of_stream marker (connection may have dropped)")
}

// parseMessageFrame decodes one `event: message` frame. Deep-research
// payloads nest the final answer inside a FINAL step; plain answers carry
// it at the top level.
func parseMessageFrame(frame []byte) *SearchResponse {
	idx := bytes.Index(frame, []byte("data: "))
	if idx < 0 {
		return nil
	}
	data := bytes.TrimSpace(frame[idx+len("data: "):])
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil
	}
	out := &SearchResponse{Raw: fields}
	if raw, ok := fields["backend_uuid"]; ok {
		json.Unmarshal(raw, &out.BackendUUID)
	}
	if raw, ok := fields["answer"]; ok {
		json.Unmarshal(raw, &out.Answer)
	}
	if raw, ok := fields["chunks"]; ok {
		json.Unmarshal(raw, &out.Chunks)
	}
	if raw, ok := fields["text"]; ok {
		out.Text = raw
		// text may itself be a JSON-encoded string containing the step list.
		var inner string
		if json.Unmarshal(raw, &inner) == nil {
			trimmed := strings.TrimSpace(inner)
			if strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, "{") {
				out.Text = json.RawMessage(inner)
			}
		}
	}
	if out.TextIsStepList() {
		var steps []ResearchStep
		if json.Unmarshal(out.Text, &steps) == nil {
			for _, step := range steps {
				if step.StepType != "FINAL" {
					continue
				}
				var content struct {
					Answer string `json:"answer"`
				}
				if json.Unmarshal(step.Content, &content) != nil || content.Answer == "" {
					continue
				}
				var final struct {
					Answer string            `json:"answer"`
					Chunks []json.RawMessage `json:"chunks"`
				}
				if json.Unmarshal([]byte(content.Answer), &final) == nil {
					out.Answer = final.Answer
					out.Chunks = final.Chunks
				}
				break
			}
		}
	}
	return out
}
