package http

import (
	"time"

	xutil "TrapLine/pkg/util"
)

// ParseTime accepts RFC3339, RFC3339Nano, unix seconds and unix milliseconds.
func ParseTime(s string) (time.Time, bool) { return xutil.ParseTime(s) }
