// Package util contains misc internal utilities.
package util

import "time"

// ClampInt limits a value to the range [low, high]
func ClampInt(input, low, high int) int {
	if input < low {
		return low
	}
	if input > high {
		return high
	}
	return input
}

// SecsToDuration converts a number of seconds to a duration,
// rounding to the nearest nanosecond
func SecsToDuration(secs float64) time.Duration {
	if secs < 0 {
		return -time.Duration(-secs*1e9 + 0.5)
	}
	return time.Duration(secs*1e9 + 0.5)
}

// AllElementsNumbers returns true if every rune in s is a digit or a decimal point.
// An empty string returns false
func AllElementsNumbers(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && r != '.' {
			return false
		}
	}
	return true
}
