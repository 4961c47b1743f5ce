package normalize

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"authmon/internal/model"
)

// Fields is the loosely typed view of an inbound event before it is
// converted to a model.Event. Every value is kept as text so REST and
// Kafka payloads go through the same rules.
type Fields struct {
	Type        string
	SubjectID   string
	Result      string
	LatencyMS   string
	ErrorCode   string
	ErrorDetail string
	Timestamp   string
	Metadata    map[string]string
}

// Normalize converts fields into an event. It does not check the event
// type against the known set; the metrics store does that on record.
func Normalize(fields Fields, now func() time.Time) (model.Event, error) {
	if now == nil {
		now = time.Now
	}
	ts := now().UTC()
	if fields.Timestamp != "" {
		parsed, err := ParseTimestamp(fields.Timestamp, time.UTC)
		if err != nil {
			return model.Event{}, fmt.Errorf("%w: parse timestamp: %v", model.ErrInvalidEvent, err)
		}
		ts = parsed.UTC()
	}

	latency, err := ParseLatency(fields.LatencyMS)
	if err != nil {
		return model.Event{}, fmt.Errorf("%w: %v", model.ErrInvalidEvent, err)
	}

	errCode := strings.TrimSpace(fields.ErrorCode)
	ev := model.Event{
		Type:        ParseType(fields.Type),
		SubjectID:   strings.TrimSpace(fields.SubjectID),
		Success:     ParseResult(fields.Result, errCode),
		LatencyMS:   latency,
		ErrorCode:   errCode,
		ErrorDetail: strings.TrimSpace(fields.ErrorDetail),
		Timestamp:   ts,
	}
	if len(fields.Metadata) > 0 {
		ev.Metadata = make(map[string]string, len(fields.Metadata))
		for k, v := range fields.Metadata {
			ev.Metadata[k] = v
		}
	}
	return ev, nil
}

// ParseType lowercases the type and folds '-', '.' and spaces to '_'.
func ParseType(value string) model.EventType {
	n := strings.ToLower(strings.TrimSpace(value))
	n = strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(n)
	return model.EventType(n)
}

func ParseResult(result string, errorCode string) bool {
	n := strings.ToLower(strings.TrimSpace(result))
	switch n {
	case "ok", "success", "succeeded", "true", "1", "allow", "allowed", "granted", "pass", "valid":
		return true
	case "fail", "failed", "failure", "false", "0", "denied", "reject", "rejected", "timeout", "error", "invalid", "expired":
		return false
	}
	return strings.TrimSpace(errorCode) == ""
}

// ParseLatency accepts plain milliseconds or a Go duration string such as
// "120ms" or "1.5s". Empty means zero.
func ParseLatency(value string) (float64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	ms, err := strconv.ParseFloat(value, 64)
	if err != nil {
		d, derr := time.ParseDuration(value)
		if derr != nil {
			return 0, fmt.Errorf("unsupported latency %q", value)
		}
		ms = float64(d) / float64(time.Millisecond)
	}
	if math.IsNaN(ms) || math.IsInf(ms, 0) {
		return 0, fmt.Errorf("latency is not finite")
	}
	return ms, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
}

func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if loc == nil {
		loc = time.UTC
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

// parseUnix treats 13 or more digits as milliseconds.
func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
