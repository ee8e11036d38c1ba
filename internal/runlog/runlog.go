// Package runlog models the execution record of a submission on a workflow
// execution service and its flat annotation encoding on the submission.
package runlog

import (
	"fmt"
	"time"
)

// State is a workflow run state as reported by a GA4GH WES endpoint.
type State string

const (
	StateUnknown       State = "UNKNOWN"
	StateQueued        State = "QUEUED"
	StateInitializing  State = "INITIALIZING"
	StateRunning       State = "RUNNING"
	StatePaused        State = "PAUSED"
	StateComplete      State = "COMPLETE"
	StateExecutorError State = "EXECUTOR_ERROR"
	StateSystemError   State = "SYSTEM_ERROR"
	StateCanceled      State = "CANCELED"
	StateCanceling     State = "CANCELING"

	// StateCancelled is the spelling used by older WES implementations.
	StateCancelled State = "CANCELLED"

	// StateFailed marks a run that was never accepted by the service.
	StateFailed State = "FAILED"
)

// FailedRunID is the run id recorded when dispatch did not produce a run.
const FailedRunID = "failed"

// Active reports whether the run is still progressing on the service.
func (s State) Active() bool {
	switch s {
	case StateQueued, StateInitializing, StateRunning:
		return true
	}
	return false
}

// Terminal reports whether the run has reached a final state that maps to
// a submission outcome.
func (s State) Terminal() bool {
	switch s {
	case StateComplete, StateExecutorError, StateCancelled, StateCanceled:
		return true
	}
	return false
}

// RunLog is the execution record of one submission.
type RunLog struct {
	RunID       string     `json:"run_id"`
	Status      State      `json:"status"`
	StartTime   *time.Time `json:"start_time,omitempty"`
	ElapsedTime string     `json:"elapsed_time,omitempty"`
	WESID       string     `json:"wes_id,omitempty"`
	Stderr      *string    `json:"stderr,omitempty"`
	Stdout      *string    `json:"stdout,omitempty"`
}

// New builds the RunLog for a dispatch outcome. A FailedRunID yields a
// FAILED record without a start time; any other id is stamped with now and
// defaults to QUEUED when the service reported no state.
func New(runID string, state State, wesID string, now time.Time) *RunLog {
	if runID == "" || runID == FailedRunID {
		return Failed(wesID)
	}
	if state == "" || state == StateUnknown {
		state = StateQueued
	}
	start := now.UTC()
	return &RunLog{
		RunID:     runID,
		Status:    state,
		StartTime: &start,
		WESID:     wesID,
	}
}

// Failed returns the record for a run that was never created.
func Failed(wesID string) *RunLog {
	return &RunLog{
		RunID:  FailedRunID,
		Status: StateFailed,
		WESID:  wesID,
	}
}

// Dispatched reports whether the service accepted the run.
func (r *RunLog) Dispatched() bool {
	return r != nil && r.RunID != "" && r.RunID != FailedRunID
}

// Clone returns a deep copy.
func (r *RunLog) Clone() *RunLog {
	if r == nil {
		return nil
	}
	c := *r
	if r.StartTime != nil {
		t := *r.StartTime
		c.StartTime = &t
	}
	if r.Stderr != nil {
		s := *r.Stderr
		c.Stderr = &s
	}
	if r.Stdout != nil {
		s := *r.Stdout
		c.Stdout = &s
	}
	return &c
}

// Merge overlays update onto prev. Fields left empty in update keep the
// value from prev. Neither argument is modified.
func Merge(prev, update *RunLog) *RunLog {
	if prev == nil {
		return update.Clone()
	}
	out := prev.Clone()
	if update == nil {
		return out
	}
	if update.RunID != "" {
		out.RunID = update.RunID
	}
	if update.Status != "" {
		out.Status = update.Status
	}
	if update.StartTime != nil {
		t := *update.StartTime
		out.StartTime = &t
	}
	if update.ElapsedTime != "" {
		out.ElapsedTime = update.ElapsedTime
	}
	if update.WESID != "" {
		out.WESID = update.WESID
	}
	if update.Stderr != nil {
		s := *update.Stderr
		out.Stderr = &s
	}
	if update.Stdout != nil {
		s := *update.Stdout
		out.Stdout = &s
	}
	return out
}

// UpdateElapsed applies the elapsed-time policy: active runs measure from
// their start time, runs that never recorded an elapsed time get zero, and
// a previously recorded value is kept once the run stops.
func (r *RunLog) UpdateElapsed(now time.Time) {
	switch {
	case r.Status.Active() && r.StartTime != nil:
		r.ElapsedTime = FormatElapsed(now.Sub(*r.StartTime))
	case r.ElapsedTime == "":
		r.ElapsedTime = FormatElapsed(0)
	}
}

// FormatElapsed renders d as "<h>h:<m>m:<s>s" with unbounded hours.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	return fmt.Sprintf("%dh:%dm:%ds", total/3600, (total%3600)/60, total%60)
}

// ParseElapsed is the inverse of FormatElapsed.
func ParseElapsed(s string) (time.Duration, error) {
	var h, m, sec int64
	if _, err := fmt.Sscanf(s, "%dh:%dm:%ds", &h, &m, &sec); err != nil {
		return 0, fmt.Errorf("parse elapsed time %q: %w", s, err)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec)*time.Second, nil
}
