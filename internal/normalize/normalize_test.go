package normalize

import (
	"errors"
	"testing"
	"time"

	"authmon/internal/model"
)

func fixedNow() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

func TestNormalizeDefaults(t *testing.T) {
	ev, err := Normalize(Fields{Type: "Token-Validation", SubjectID: " alice ", LatencyMS: "12.5"}, fixedNow)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if ev.Type != model.EventTokenValidation {
		t.Fatalf("type: %q", ev.Type)
	}
	if ev.SubjectID != "alice" || !ev.Success || ev.LatencyMS != 12.5 {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if !ev.Timestamp.Equal(fixedNow()) {
		t.Fatalf("timestamp should default to now: %v", ev.Timestamp)
	}
}

func TestNormalizeFailureFromErrorCode(t *testing.T) {
	ev, err := Normalize(Fields{Type: "login", ErrorCode: "bad_password"}, fixedNow)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if ev.Success {
		t.Fatalf("error code without result should mark failure")
	}
	ev, _ = Normalize(Fields{Type: "login", Result: "ok", ErrorCode: "warn"}, fixedNow)
	if !ev.Success {
		t.Fatalf("explicit result wins over error code")
	}
}

func TestNormalizeRejectsBadInput(t *testing.T) {
	if _, err := Normalize(Fields{Type: "login", LatencyMS: "fast"}, fixedNow); !errors.Is(err, model.ErrInvalidEvent) {
		t.Fatalf("expected invalid latency, got %v", err)
	}
	if _, err := Normalize(Fields{Type: "login", Timestamp: "yesterday"}, fixedNow); !errors.Is(err, model.ErrInvalidEvent) {
		t.Fatalf("expected invalid timestamp, got %v", err)
	}
}

func TestParseLatencyDuration(t *testing.T) {
	ms, err := ParseLatency("1.5s")
	if err != nil || ms != 1500 {
		t.Fatalf("latency: %v %v", ms, err)
	}
}

func TestParseTimestamp(t *testing.T) {
	inputs := []string{
		"2026-03-01T12:00:00Z",
		"2026-03-01 12:00:00",
		"1772366400",
		"1772366400000",
		"2026-03-01T13:00:00+0100",
	}
	for _, in := range inputs {
		got, err := ParseTimestamp(in, time.UTC)
		if err != nil {
			t.Fatalf("%s: %v", in, err)
		}
		if !got.Equal(fixedNow()) {
			t.Fatalf("%s: got %v", in, got)
		}
	}
}
