package main

import "testing"

func TestClientLimitPattern(t *testing.T) {
	matches := []string{
		"No remaining pro queries",
		"Pro search quota exhausted",
		"Rate limit exceeded",
		"rate-limit hit",
		"File upload limit",
		"quota exceeded for this account",
	}
	for _, msg := range matches {
		if !isClientLimitMessage(msg) {
			t.Fatalf("expected match for %q", msg)
		}
	}

	nonMatches := []string{
		"provide a valid query",
		"processing error",
		"account not found",
		"unlimited",
		"Invalid model 'pro-turbo' for mode 'pro'",
	}
	for _, msg := range nonMatches {
		if isClientLimitMessage(msg) {
			t.Fatalf("unexpected match for %q", msg)
		}
	}
}

func TestClassifyMessage(t *testing.T) {
	cases := []struct {
		msg  string
		want ErrorKind
	}{
		{"No remaining pro queries", KindQuotaExhausted},
		{"Pro search quota exhausted", KindQuotaExhausted},
		{"Rate limit exceeded", KindQuotaExhausted},
		{"File upload limit", KindQuotaExhausted},
		{"upstream returned 401", KindSessionInvalid},
		{"403 Forbidden", KindSessionInvalid},
		{"context deadline exceeded", KindTransient},
		{"connection reset by peer", KindTransient},
		{"upstream returned 503", KindTransient},
		{"provide a valid query", KindFatal},
		{"processing error", KindFatal},
	}
	for _, c := range cases {
		if got := classifyMessage(c.msg); got != c.want {
			t.Fatalf("classifyMessage(%q) = %s, want %s", c.msg, got, c.want)
		}
	}
}

func TestKindOfPrefersTypedErrors(t *testing.T) {
	err := validationError("Invalid model '%s' for mode '%s'", "pro-turbo", "pro")
	if got := kindOf(err); got != KindValidation {
		t.Fatalf("kindOf = %s, want validation", got)
	}
	wrapped := wrapQueryError(KindEmptyResponse, "read stream", err)
	if got := kindOf(wrapped); got != KindEmptyResponse {
		t.Fatalf("kindOf = %s, want empty_response", got)
	}
}
