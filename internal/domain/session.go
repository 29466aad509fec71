package domain

import (
	"encoding/json"
	"time"
)

type SessionState string

const (
	SessionCreated    SessionState = "CREATED"
	SessionRunning    SessionState = "RUNNING"
	SessionCompleted  SessionState = "COMPLETED"
	SessionFailed     SessionState = "FAILED"
	SessionCancelling SessionState = "CANCELLING"
	SessionCancelled  SessionState = "CANCELLED"
)

var sessionTransitions = map[SessionState][]SessionState{
	SessionCreated:    {SessionRunning, SessionCancelled},
	SessionRunning:    {SessionCompleted, SessionFailed, SessionCancelling},
	SessionCancelling: {SessionCancelled, SessionFailed},
}

// CanTransition reports whether from -> to moves the session forward.
func (s SessionState) CanTransition(to SessionState) bool {
	for _, next := range sessionTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal states accept no further transitions.
func (s SessionState) Terminal() bool {
	return len(sessionTransitions[s]) == 0
}

// StrategyFlags selects which matching strategies a run uses.
type StrategyFlags struct {
	UseExact      bool `json:"use_exact"`
	UseRules      bool `json:"use_rules"`
	UseCalculated bool `json:"use_calculated"`
	UseFuzzy      bool `json:"use_fuzzy"`
	UseInferred   bool `json:"use_inferred"`
	AutoResolve   bool `json:"auto_resolve"`
}

func DefaultStrategyFlags() StrategyFlags {
	return StrategyFlags{
		UseExact:      true,
		UseRules:      true,
		UseCalculated: true,
		UseFuzzy:      true,
		UseInferred:   true,
		AutoResolve:   true,
	}
}

// Any reports whether at least one strategy is enabled.
func (f StrategyFlags) Any() bool {
	return f.UseExact || f.UseRules || f.UseCalculated || f.UseFuzzy || f.UseInferred
}

// ReconciliationSession is one reconciliation run for one property/period.
type ReconciliationSession struct {
	ID             string          `json:"id"`
	PropertyID     string          `json:"property_id"`
	PeriodID       string          `json:"period_id"`
	State          SessionState    `json:"state"`
	StrategyFlags  StrategyFlags   `json:"strategy_flags"`
	ConfigSnapshot json.RawMessage `json:"config_snapshot,omitempty"`
	ErrorDetail    string          `json:"error_detail,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// Checkpoint marks a durable point in a run. Everything persisted up to the
// last checkpoint survives a failure.
type Checkpoint struct {
	SessionID        string    `json:"session_id"`
	Seq              int       `json:"seq"`
	Partition        int       `json:"partition"`
	Strategy         string    `json:"strategy"`
	MatchesPersisted int       `json:"matches_persisted"`
	CreatedAt        time.Time `json:"created_at"`
}
