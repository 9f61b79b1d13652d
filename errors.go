package main

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrorKind classifies upstream failures so the rotation loop and the
// backoff machinery can react per kind.
type ErrorKind string

const (
	KindValidation      ErrorKind = "validation"
	KindSessionInvalid  ErrorKind = "session_invalid"
	KindQuotaExhausted  ErrorKind = "quota_exhausted"
	KindSilentDowngrade ErrorKind = "silent_downgrade"
	KindEmptyResponse   ErrorKind = "empty_response"
	KindTransient       ErrorKind = "transient"
	KindFatal           ErrorKind = "fatal"
)

type queryError struct {
	Kind ErrorKind
	msg  string
	err  error
}

func (e *queryError) Error() string {
	if e.err != nil {
		if e.msg != "" {
			return e.msg + ": " + e.err.Error()
		}
		return e.err.Error()
	}
	return e.msg
}

func (e *queryError) Unwrap() error { return e.err }

func newQueryError(kind ErrorKind, format string, args ...any) *queryError {
	return &queryError{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

func wrapQueryError(kind ErrorKind, msg string, err error) *queryError {
	return &queryError{Kind: kind, msg: msg, err: err}
}

func validationError(format string, args ...any) *queryError {
	return newQueryError(KindValidation, format, args...)
}

// kindOf returns the classification of err, classifying plain errors on the
// fly so transport errors from deep inside net/http still land in a bucket.
func kindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var qe *queryError
	if errors.As(err, &qe) {
		return qe.Kind
	}
	return classifyMessage(err.Error())
}

// clientLimitPattern distinguishes per-client quota exhaustion from other
// failures. Word boundaries are load-bearing: bare "pro" or "limit" would
// false-match "provide", "process", "unlimited".
var clientLimitPattern = regexp.MustCompile(`(?i)\b(pro queries|pro search|rate.?limit|quota|remaining|file upload)\b`)

func isClientLimitMessage(msg string) bool {
	return clientLimitPattern.MatchString(msg)
}

// classifyMessage buckets a raw upstream error string.
func classifyMessage(msg string) ErrorKind {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "401") || strings.Contains(lower, "403") ||
		strings.Contains(lower, "unauthorized") || strings.Contains(lower, "forbidden"):
		return KindSessionInvalid
	case isClientLimitMessage(msg):
		return KindQuotaExhausted
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline exceeded") ||
		strings.Contains(lower, "connection refused") || strings.Contains(lower, "connection reset") ||
		strings.Contains(lower, "context canceled") || strings.Contains(lower, "eof") ||
		strings.Contains(lower, "502") || strings.Contains(lower, "503") || strings.Contains(lower, "504"):
		return KindTransient
	default:
		return KindFatal
	}
}
