package config

import (
	"strconv"
	"strings"
	"time"
)

// ParseDuration 解析 "15m" / "1h" / "1d" / "1w"，也接受 time.ParseDuration 的全部格式。
// Returns (0, false) on invalid input.
func ParseDuration(raw string) (time.Duration, bool) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d, d >= 0
	}
	unit := raw[len(raw)-1]
	numStr := strings.TrimSpace(raw[:len(raw)-1])
	if numStr == "" {
		return 0, false
	}
	n, err := strconv.Atoi(numStr)
	if err != nil || n <= 0 {
		return 0, false
	}
	switch unit {
	case 'd':
		return time.Duration(n) * 24 * time.Hour, true
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, true
	default:
		return 0, false
	}
}

// DurationOr 解析失败时返回 def。
func DurationOr(raw string, def time.Duration) time.Duration {
	if d, ok := ParseDuration(raw); ok {
		return d
	}
	return def
}
