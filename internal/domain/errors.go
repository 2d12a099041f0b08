package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every layer. Callers test with errors.Is.
var (
	// ErrConnectivity means a collaborator (graph, relational store, cache,
	// bus) could not be reached. It is the only retryable class.
	ErrConnectivity = errors.New("collaborator unreachable")

	// ErrValidation means the request was malformed and nothing was written.
	ErrValidation = errors.New("validation failed")

	// ErrPartialRow marks a single bad record inside a batch.
	ErrPartialRow = errors.New("partial row")

	// ErrIntegrity means an evidence hash did not reproduce.
	ErrIntegrity = errors.New("integrity check failed")

	// ErrNotFound is returned by lookups that matched nothing.
	ErrNotFound = errors.New("not found")

	// ErrRateLimited means a case exceeded its build budget for the window.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// RowError describes one skipped record in a batch.
type RowError struct {
	Kind  string `json:"kind"`
	Index int    `json:"index"`
	Err   error  `json:"-"`
}

func (e *RowError) Error() string {
	return fmt.Sprintf("%s[%d]: %v", e.Kind, e.Index, e.Err)
}

// Unwrap exposes both ErrPartialRow and the underlying cause.
func (e *RowError) Unwrap() []error {
	return []error{ErrPartialRow, e.Err}
}

// BatchSummary reports how a batch was applied.
type BatchSummary struct {
	Accepted int            `json:"accepted"`
	Skipped  int            `json:"skipped"`
	ByKind   map[string]int `json:"byKind,omitempty"`
	Errors   []string       `json:"errors,omitempty"`
}

// maxSummaryErrors caps the error strings kept in a summary.
const maxSummaryErrors = 100

// Accept counts an applied record.
func (s *BatchSummary) Accept(kind string) {
	s.Accepted++
	if s.ByKind == nil {
		s.ByKind = make(map[string]int)
	}
	s.ByKind[kind]++
}

// Skip counts a rejected record and keeps its message.
func (s *BatchSummary) Skip(err *RowError) {
	s.Skipped++
	if len(s.Errors) < maxSummaryErrors {
		s.Errors = append(s.Errors, err.Error())
	}
}

// Merge folds another summary into s.
func (s *BatchSummary) Merge(o BatchSummary) {
	s.Accepted += o.Accepted
	s.Skipped += o.Skipped
	for k, v := range o.ByKind {
		if s.ByKind == nil {
			s.ByKind = make(map[string]int)
		}
		s.ByKind[k] += v
	}
	for _, e := range o.Errors {
		if len(s.Errors) >= maxSummaryErrors {
			break
		}
		s.Errors = append(s.Errors, e)
	}
}
