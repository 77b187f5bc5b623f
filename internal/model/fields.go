package model

import (
	"encoding/json"
	"strconv"
	"time"
)

// Known sensor field names. Devices send a sparse subset of these; any other
// numeric keys in the payload are ignored.
var sensorFields = []string{
	"temperature",
	"humidity",
	"light",
	"soil_moisture",
	"uv_index",
}

// fieldAliases maps legacy payload keys to their canonical field name.
// Older firmware reports the GUVA-S12SD sensor as "uv_light".
var fieldAliases = map[string]string{
	"uv_light": "uv_index",
}

// ExtractFields pulls the known sensor measurements out of a decoded upload
// payload. A field is looked up at the top level first, then once in the
// nested "raw" bag some firmware versions wrap their samples in. Resolution
// happens here, at ingestion, and nowhere else.
func ExtractFields(payload map[string]any) map[string]float64 {
	var raw map[string]any
	if v, ok := payload["raw"].(map[string]any); ok {
		raw = v
	}

	out := make(map[string]float64)
	lookup := func(key string) (float64, bool) {
		if v, ok := toFloat(payload[key]); ok {
			return v, true
		}
		if raw != nil {
			if v, ok := toFloat(raw[key]); ok {
				return v, true
			}
		}
		return 0, false
	}

	for _, name := range sensorFields {
		if v, ok := lookup(name); ok {
			out[name] = v
		}
	}
	for alias, name := range fieldAliases {
		if _, have := out[name]; have {
			continue
		}
		if v, ok := lookup(alias); ok {
			out[name] = v
		}
	}

	if len(out) == 0 {
		return nil
	}
	return out
}

// ParseTimestamp interprets the "timestamp" value of an upload payload.
// Devices send either epoch seconds (number) or an RFC3339 string; absent or
// unparseable timestamps fall back to the server arrival time.
func ParseTimestamp(v any, fallback time.Time) time.Time {
	switch t := v.(type) {
	case float64:
		return time.Unix(int64(t), 0).UTC()
	case string:
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts.UTC()
		}
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts.UTC()
		}
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return time.Unix(n, 0).UTC()
		}
	}
	return fallback.UTC()
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
