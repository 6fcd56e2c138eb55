package client

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// countKeys are checked in order; servers have used each of these names.
var countKeys = []string{"active", "activeUsers", "viewers", "count", "users"}

// ParseCount extracts a live count from a server frame. It accepts a bare
// integer or a JSON object holding an integer (or integer string) under one
// of the known keys.
func ParseCount(data []byte) (int, bool) {
	trimmed := bytes.TrimSpace(data)
	if n, err := strconv.Atoi(string(trimmed)); err == nil {
		return n, n >= 0
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return 0, false
	}
	for _, key := range countKeys {
		raw, ok := obj[key]
		if !ok {
			continue
		}
		if n, ok := parseInt(raw); ok {
			return n, true
		}
	}
	return 0, false
}

func parseInt(raw json.RawMessage) (int, bool) {
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, n >= 0
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			return n, true
		}
	}
	return 0, false
}
