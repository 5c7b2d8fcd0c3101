package eventlog

import (
	"context"
	"testing"
)

func TestEventTypeConstants(t *testing.T) {
	expectedEvents := map[EventType]string{
		EventSessionStarted:   "session_started",
		EventSegmentDetected:  "segment_detected",
		EventSegmentEmitted:   "segment_emitted",
		EventBalanceExhausted: "balance_exhausted",
		EventUpstreamFailure:  "upstream_failure",
		EventSessionSettled:   "session_settled",
		EventSessionEnded:     "session_ended",
	}

	for eventType, expectedValue := range expectedEvents {
		if string(eventType) != expectedValue {
			t.Errorf("EventType %q = %q, want %q", expectedValue, string(eventType), expectedValue)
		}
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	// A nil logger (event logging disabled) must swallow writes, not panic.
	var l *Logger

	if err := l.Log(context.Background(), "session-1", EventSessionStarted, nil); err != nil {
		t.Errorf("nil logger Log returned %v, want nil", err)
	}
	l.LogAsync("session-1", EventSessionEnded, map[string]any{"state": "closed"})
}
