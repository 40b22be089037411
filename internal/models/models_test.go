package models

import "testing"

func TestJobStateValid(t *testing.T) {
	for _, st := range AllStates {
		if !st.Valid() {
			t.Errorf("state %s should be valid", st)
		}
	}
	for _, st := range []JobState{"", "running", "PENDING", "done"} {
		if st.Valid() {
			t.Errorf("state %q should be invalid", st)
		}
	}
}

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()
	if s.MaxRetries != DefaultMaxRetries || s.BackoffBase != DefaultBackoffBase {
		t.Errorf("unexpected defaults: %+v", s)
	}
}
