package exchange

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Day is the length of a daily candle.
const Day = 24 * time.Hour

// ParseTimeframe parses a candle width such as "1m", "15m", "1h", "1D", "1W".
func ParseTimeframe(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid timeframe %q", s)
	}

	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid timeframe %q", s)
	}

	var unit time.Duration
	switch s[len(s)-1] {
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'D', 'd':
		unit = Day
	case 'W', 'w':
		unit = 7 * Day
	default:
		return 0, fmt.Errorf("invalid timeframe unit in %q", s)
	}

	return time.Duration(n) * unit, nil
}

// FormatTimeframe is the inverse of ParseTimeframe, using the largest exact unit.
func FormatTimeframe(d time.Duration) string {
	switch {
	case d >= 7*Day && d%(7*Day) == 0:
		return strconv.Itoa(int(d/(7*Day))) + "W"
	case d >= Day && d%Day == 0:
		return strconv.Itoa(int(d/Day)) + "D"
	case d >= time.Hour && d%time.Hour == 0:
		return strconv.Itoa(int(d/time.Hour)) + "h"
	default:
		return strconv.Itoa(int(d/time.Minute)) + "m"
	}
}

// NormalizePair lower-cases a pair and trims whitespace.
func NormalizePair(pair string) string {
	return strings.ToLower(strings.TrimSpace(pair))
}
