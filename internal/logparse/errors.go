package logparse

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrMalformedLog is returned when the log bytes cannot be decoded, for
// example a truncated gzip stream.
var ErrMalformedLog = errors.New("logparse: malformed log")

// FetchError reports a failure to retrieve a log. StatusCode is zero for
// transport-level failures.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("logparse: fetch %s: http %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("logparse: fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt may succeed.
func (e *FetchError) Retryable() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	}
	return false
}

// Unavailable reports whether the log is permanently inaccessible (403 or
// 404). Such logs are skipped rather than failed.
func (e *FetchError) Unavailable() bool {
	return e.StatusCode == http.StatusForbidden || e.StatusCode == http.StatusNotFound
}
