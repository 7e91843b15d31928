package capabilities

import (
	"fmt"
	"strconv"
	"time"
)

// Parameters arrive from Go callers, YAML and JSON alike, so numeric values
// may be int, int64 or float64 and durations may be strings.

func paramString(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

func requireString(params map[string]any, key string) (string, error) {
	s := paramString(params, key)
	if s == "" {
		return "", fmt.Errorf("missing required parameter %q", key)
	}
	return s, nil
}

func paramInt(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func paramDuration(params map[string]any, key string) time.Duration {
	switch v := params[key].(type) {
	case time.Duration:
		return v
	case int:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return 0
}
