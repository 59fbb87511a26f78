package util

import (
	"strconv"
	"time"
)

// numeric timestamps at or above this magnitude are unix milliseconds
const millisFloor = int64(1e12)

// ParseTime accepts RFC3339, RFC3339Nano, unix seconds and unix
// milliseconds. Returns (t, true) when any form parsed.
func ParseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, true
	}
	ts, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ts <= 0 {
		return time.Time{}, false
	}
	if ts >= millisFloor {
		return time.UnixMilli(ts), true
	}
	return time.Unix(ts, 0), true
}

// ParseTimeDefault parses s or falls back to def.
func ParseTimeDefault(s string, def time.Time) time.Time {
	if t, ok := ParseTime(s); ok {
		return t
	}
	return def
}
