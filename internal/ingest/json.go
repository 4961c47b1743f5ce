package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"authmon/internal/normalize"
)

func ParseJSONBytes(data []byte) (*normalize.Fields, error) {
	var obj map[string]interface{}
	if err := decodeJSON(data, &obj); err != nil {
		return nil, err
	}
	return ParseJSONMap(obj), nil
}

// decodeJSON keeps numbers as json.Number so unix timestamps survive
// without float formatting.
func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// ParseJSONMap maps a decoded JSON object onto normalize.Fields. Keys are
// matched case-insensitively against a few common aliases. A nested
// "metadata" object is flattened into Fields.Metadata; other unknown keys
// are ignored.
func ParseJSONMap(obj map[string]interface{}) *normalize.Fields {
	values := make(map[string]string, len(obj))
	fields := &normalize.Fields{}
	for key, val := range obj {
		k := strings.ToLower(key)
		if k == "metadata" || k == "meta" {
			if nested, ok := val.(map[string]interface{}); ok {
				fields.Metadata = flatten(nested)
			}
			continue
		}
		if val == nil {
			continue
		}
		values[k] = fmt.Sprint(val)
	}
	fields.Type = firstNonEmpty(values, "type", "event_type", "event", "kind")
	fields.SubjectID = firstNonEmpty(values, "subject_id", "subject", "user_id", "user", "username", "client_id")
	fields.Result = firstNonEmpty(values, "success", "result", "status", "outcome")
	fields.LatencyMS = firstNonEmpty(values, "latency_ms", "latency", "duration_ms", "duration")
	fields.ErrorCode = firstNonEmpty(values, "error_code", "error", "err", "code")
	fields.ErrorDetail = firstNonEmpty(values, "error_detail", "detail", "message", "reason")
	fields.Timestamp = firstNonEmpty(values, "timestamp", "time", "ts")
	return fields
}

func flatten(obj map[string]interface{}) map[string]string {
	if len(obj) == 0 {
		return nil
	}
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		if v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			out[k] = t
		case map[string]interface{}, []interface{}:
			b, err := json.Marshal(t)
			if err != nil {
				continue
			}
			out[k] = string(b)
		default:
			out[k] = fmt.Sprint(t)
		}
	}
	return out
}

func firstNonEmpty(values map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(values[k]); v != "" {
			return v
		}
	}
	return ""
}
