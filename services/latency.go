package services

import (
	"strconv"
	"strings"
	"time"
)

// ParseLatency converts "<N>ms" or "<N>s" into a duration.
// Anything else, including negative numbers, yields zero.
func ParseLatency(v string) time.Duration {
	switch {
	case strings.HasSuffix(v, "ms"):
		return time.Duration(parseCount(strings.TrimSuffix(v, "ms"))) * time.Millisecond
	case strings.HasSuffix(v, "s"):
		return time.Duration(parseCount(strings.TrimSuffix(v, "s"))) * time.Second
	default:
		return 0
	}
}

func parseCount(v string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 32)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
