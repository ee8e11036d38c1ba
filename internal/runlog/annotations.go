package runlog

import (
	"fmt"
	"time"
)

// Annotation keys written on the submission.
const (
	KeyRunID       = "run_id"
	KeyStatus      = "status"
	KeyStartTime   = "start_time"
	KeyElapsedTime = "elapsed_time"
	KeyWESID       = "wes_id"
	KeyStderr      = "stderr"
	KeyStdout      = "stdout"
)

// legacyTimeLayout is the ctime layout found on submissions annotated by
// earlier tooling.
const legacyTimeLayout = "Mon Jan _2 15:04:05 2006"

// Annotations encodes the RunLog as a flat string map. Unset fields are
// omitted so that a merge-on-write store keeps prior values for them.
func (r *RunLog) Annotations() map[string]string {
	out := make(map[string]string, 7)
	if r.RunID != "" {
		out[KeyRunID] = r.RunID
	}
	if r.Status != "" {
		out[KeyStatus] = string(r.Status)
	}
	if r.StartTime != nil {
		out[KeyStartTime] = r.StartTime.UTC().Format(time.RFC3339)
	}
	if r.ElapsedTime != "" {
		out[KeyElapsedTime] = r.ElapsedTime
	}
	if r.WESID != "" {
		out[KeyWESID] = r.WESID
	}
	if r.Stderr != nil {
		out[KeyStderr] = *r.Stderr
	}
	if r.Stdout != nil {
		out[KeyStdout] = *r.Stdout
	}
	return out
}

// FromAnnotations rehydrates a RunLog. It returns nil when the map holds no
// run id, which means the submission was never dispatched.
func FromAnnotations(a map[string]string) (*RunLog, error) {
	runID, ok := a[KeyRunID]
	if !ok || runID == "" {
		return nil, nil
	}
	r := &RunLog{
		RunID:       runID,
		Status:      State(a[KeyStatus]),
		ElapsedTime: a[KeyElapsedTime],
		WESID:       a[KeyWESID],
	}
	if v, ok := a[KeyStartTime]; ok && v != "" {
		t, err := parseTime(v)
		if err != nil {
			return nil, err
		}
		r.StartTime = &t
	}
	if v, ok := a[KeyStderr]; ok {
		s := v
		r.Stderr = &s
	}
	if v, ok := a[KeyStdout]; ok {
		s := v
		r.Stdout = &s
	}
	return r, nil
}

func parseTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(legacyTimeLayout, v, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s %q: %w", KeyStartTime, v, err)
	}
	return t, nil
}
