package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrCacheMiss is returned by KVStore.Get for absent or expired keys.
	ErrCacheMiss = errors.New("cache miss")
	ErrNotFound  = errors.New("not found")
)

// missing or malformed user context
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid input: %s %s", e.Field, e.Reason)
}

// token issuance failed
type AuthenticationError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *AuthenticationError) Error() string {
	msg := "authentication failed"
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s: status %d", msg, e.StatusCode)
	}
	switch {
	case e.Body != "":
		msg = fmt.Sprintf("%s: %s", msg, e.Body)
	case e.Err != nil:
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// report retrieval failed after retries were exhausted
type ReportFetchError struct {
	OrgID      string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *ReportFetchError) Error() string {
	msg := fmt.Sprintf("report fetch failed for org %q after %d attempt(s)", e.OrgID, e.Attempts)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s: status %d", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ReportFetchError) Unwrap() error {
	return e.Err
}
