package runlog

import (
	"testing"
	"time"
)

func strPtr(s string) *string { return &s }

func TestNew(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		runID     string
		state     State
		wantState State
		wantStart bool
	}{
		{"failed sentinel", FailedRunID, StateQueued, StateFailed, false},
		{"empty run id", "", "", StateFailed, false},
		{"accepted without state", "run-1", "", StateQueued, true},
		{"accepted with state", "run-1", StateInitializing, StateInitializing, true},
		{"unknown state defaults", "run-1", StateUnknown, StateQueued, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := New(tt.runID, tt.state, "local", now)
			if r.Status != tt.wantState {
				t.Errorf("Status = %q, want %q", r.Status, tt.wantState)
			}
			if (r.StartTime != nil) != tt.wantStart {
				t.Errorf("StartTime set = %v, want %v", r.StartTime != nil, tt.wantStart)
			}
			if (r.RunID == FailedRunID) != (r.Status == StateFailed) {
				t.Errorf("run id %q inconsistent with status %q", r.RunID, r.Status)
			}
			if r.WESID != "local" {
				t.Errorf("WESID = %q, want local", r.WESID)
			}
		})
	}
}

func TestFormatElapsed(t *testing.T) {
	t.Parallel()
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0h:0m:0s"},
		{30 * time.Second, "0h:0m:30s"},
		{61 * time.Minute, "1h:1m:0s"},
		{26*time.Hour + 5*time.Second, "26h:0m:5s"},
		{1500 * time.Millisecond, "0h:0m:1s"},
		{-time.Second, "0h:0m:0s"},
	}
	for _, tt := range tests {
		if got := FormatElapsed(tt.d); got != tt.want {
			t.Errorf("FormatElapsed(%v) = %q, want %q", tt.d, got, tt.want)
		}
		if tt.d >= 0 && tt.d%time.Second == 0 {
			back, err := ParseElapsed(tt.want)
			if err != nil || back != tt.d {
				t.Errorf("ParseElapsed(%q) = %v, %v", tt.want, back, err)
			}
		}
	}
}

func TestUpdateElapsed(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := start.Add(90 * time.Second)

	t.Run("active run measures from start", func(t *testing.T) {
		t.Parallel()
		r := &RunLog{RunID: "r", Status: StateRunning, StartTime: &start, ElapsedTime: "0h:0m:5s"}
		r.UpdateElapsed(now)
		if r.ElapsedTime != "0h:1m:30s" {
			t.Errorf("ElapsedTime = %q", r.ElapsedTime)
		}
	})

	t.Run("terminal run keeps frozen value", func(t *testing.T) {
		t.Parallel()
		r := &RunLog{RunID: "r", Status: StateComplete, StartTime: &start, ElapsedTime: "0h:0m:30s"}
		r.UpdateElapsed(now.Add(time.Hour))
		if r.ElapsedTime != "0h:0m:30s" {
			t.Errorf("ElapsedTime = %q, want frozen 0h:0m:30s", r.ElapsedTime)
		}
	})

	t.Run("terminal run without value gets zero", func(t *testing.T) {
		t.Parallel()
		r := &RunLog{RunID: "r", Status: StateExecutorError, StartTime: &start}
		r.UpdateElapsed(now)
		if r.ElapsedTime != "0h:0m:0s" {
			t.Errorf("ElapsedTime = %q, want zero", r.ElapsedTime)
		}
	})
}

func TestMergePreservesAbsentFields(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	prev := &RunLog{RunID: "r1", Status: StateQueued, StartTime: &start, WESID: "local", Stdout: strPtr("hello")}
	update := &RunLog{Status: StateRunning, ElapsedTime: "0h:0m:30s"}

	got := Merge(prev, update)

	if got.RunID != "r1" || got.WESID != "local" {
		t.Errorf("identity fields not preserved: %+v", got)
	}
	if got.Status != StateRunning || got.ElapsedTime != "0h:0m:30s" {
		t.Errorf("update fields not applied: %+v", got)
	}
	if got.StartTime == nil || !got.StartTime.Equal(start) {
		t.Errorf("StartTime = %v", got.StartTime)
	}
	if got.Stdout == nil || *got.Stdout != "hello" {
		t.Errorf("Stdout not preserved")
	}
	if prev.Status != StateQueued {
		t.Error("Merge modified its input")
	}
}

func TestAnnotationsRoundTrip(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := &RunLog{
		RunID:       "abc",
		Status:      StateExecutorError,
		StartTime:   &start,
		ElapsedTime: "0h:2m:0s",
		WESID:       "local",
		Stderr:      strPtr("boom"),
	}

	a := r.Annotations()
	if _, ok := a[KeyStdout]; ok {
		t.Error("unset stdout must be omitted")
	}
	if a[KeyStartTime] != "2026-03-01T12:00:00Z" {
		t.Errorf("start_time = %q", a[KeyStartTime])
	}

	back, err := FromAnnotations(a)
	if err != nil {
		t.Fatalf("FromAnnotations: %v", err)
	}
	if back.RunID != r.RunID || back.Status != r.Status || back.ElapsedTime != r.ElapsedTime {
		t.Errorf("round trip mismatch: %+v", back)
	}
	if back.Stderr == nil || *back.Stderr != "boom" {
		t.Errorf("stderr lost")
	}
}

func TestFromAnnotations(t *testing.T) {
	t.Parallel()

	t.Run("no run id", func(t *testing.T) {
		t.Parallel()
		r, err := FromAnnotations(map[string]string{"other": "x"})
		if err != nil || r != nil {
			t.Errorf("got %+v, %v; want nil, nil", r, err)
		}
	})

	t.Run("failed run has no start time", func(t *testing.T) {
		t.Parallel()
		r, err := FromAnnotations(map[string]string{KeyRunID: FailedRunID, KeyStatus: "FAILED"})
		if err != nil {
			t.Fatal(err)
		}
		if r.StartTime != nil || r.Dispatched() {
			t.Errorf("unexpected %+v", r)
		}
	})

	t.Run("legacy ctime start", func(t *testing.T) {
		t.Parallel()
		r, err := FromAnnotations(map[string]string{KeyRunID: "x", KeyStartTime: "Sun Mar  1 12:00:00 2026"})
		if err != nil {
			t.Fatal(err)
		}
		if r.StartTime == nil || r.StartTime.Day() != 1 || r.StartTime.Hour() != 12 {
			t.Errorf("StartTime = %v", r.StartTime)
		}
	})

	t.Run("bad start time", func(t *testing.T) {
		t.Parallel()
		if _, err := FromAnnotations(map[string]string{KeyRunID: "x", KeyStartTime: "yesterday"}); err == nil {
			t.Error("expected error")
		}
	})
}

func TestStatePredicates(t *testing.T) {
	t.Parallel()
	for _, s := range []State{StateQueued, StateInitializing, StateRunning} {
		if !s.Active() || s.Terminal() {
			t.Errorf("%s should be active and not terminal", s)
		}
	}
	for _, s := range []State{StateComplete, StateCancelled, StateCanceled, StateExecutorError} {
		if s.Active() || !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []State{StateFailed, StateSystemError, StatePaused, StateUnknown} {
		if s.Active() || s.Terminal() {
			t.Errorf("%s should be neither active nor terminal", s)
		}
	}
}
