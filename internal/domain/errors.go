package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ValidationError reports malformed or missing caller input.
type ValidationError struct {
	Field     string
	Message   string
	RecordIDs []string
}

func (e *ValidationError) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = e.Field + ": " + msg
	}
	if len(e.RecordIDs) > 0 {
		msg += " (records: " + strings.Join(e.RecordIDs, ", ") + ")"
	}
	return "validation: " + msg
}

// MaterialityConfigMissing is a warning: no config applied and the system
// fallback tolerance was used instead.
type MaterialityConfigMissing struct {
	PropertyID    string
	StatementType DocumentType
	AccountCode   string
}

func (e *MaterialityConfigMissing) Error() string {
	return fmt.Sprintf("materiality config missing for property=%s statement=%s account=%s",
		e.PropertyID, e.StatementType, e.AccountCode)
}

// MatchingStrategyError isolates one strategy's (or rule's) failure.
type MatchingStrategyError struct {
	Strategy  MatchType
	RuleID    string
	RecordIDs []string
	Err       error
}

func (e *MatchingStrategyError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "strategy %s", e.Strategy)
	if e.RuleID != "" {
		fmt.Fprintf(&b, " rule %s", e.RuleID)
	}
	if len(e.RecordIDs) > 0 {
		fmt.Fprintf(&b, " records [%s]", strings.Join(e.RecordIDs, ", "))
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

func (e *MatchingStrategyError) Unwrap() error { return e.Err }

// SessionTimeoutError aborts a run that exceeded its wall-clock budget.
type SessionTimeoutError struct {
	SessionID string
	Budget    time.Duration
	Strategy  string
}

func (e *SessionTimeoutError) Error() string {
	return fmt.Sprintf("session %s exceeded budget %s before strategy %s", e.SessionID, e.Budget, e.Strategy)
}

// ErrSessionCancelled stops a run at the next strategy boundary.
var ErrSessionCancelled = errors.New("session cancelled")

// ConcurrentModificationError is returned when a review write lost a race.
type ConcurrentModificationError struct {
	MatchID         string
	ExpectedVersion int
	ActualVersion   int
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("match %s was modified concurrently (expected version %d, current %d)",
		e.MatchID, e.ExpectedVersion, e.ActualVersion)
}

// PersistenceError wraps a storage failure; it is fatal for a session.
type PersistenceError struct {
	Op        string
	Strategy  string
	RecordIDs []string
	Err       error
}

func (e *PersistenceError) Error() string {
	msg := "persistence: " + e.Op
	if e.Strategy != "" {
		msg += " (strategy " + e.Strategy + ")"
	}
	if len(e.RecordIDs) > 0 {
		msg += " records [" + strings.Join(e.RecordIDs, ", ") + "]"
	}
	return msg + ": " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error { return e.Err }
