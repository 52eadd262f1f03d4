package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Timeframe is a bar interval, spelled the way it appears in storage paths
// and strategy configs: "1m", "5m", "15m", "1h", "1d".
type Timeframe string

const (
	TF1Min  Timeframe = "1m"
	TF3Min  Timeframe = "3m"
	TF5Min  Timeframe = "5m"
	TF15Min Timeframe = "15m"
	TF30Min Timeframe = "30m"
	TF1Hour Timeframe = "1h"
	TF1Day  Timeframe = "1d"
)

// TimeframeFromMinutes builds the canonical intraday spelling for n minutes.
func TimeframeFromMinutes(n int) Timeframe {
	if n == 60 {
		return TF1Hour
	}
	return Timeframe(strconv.Itoa(n) + "m")
}

// ParseTimeframe validates and normalizes a timeframe string.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(strings.ToLower(strings.TrimSpace(s)))
	if tf == TF1Day {
		return tf, nil
	}
	if _, err := tf.intradayMinutes(); err != nil {
		return "", err
	}
	return tf, nil
}

// Minutes returns the bar length in minutes, or 0 for non-intraday frames.
func (tf Timeframe) Minutes() int {
	n, err := tf.intradayMinutes()
	if err != nil {
		return 0
	}
	return n
}

// Duration returns the bar length for intraday frames and 24h for TF1Day.
func (tf Timeframe) Duration() time.Duration {
	if tf == TF1Day {
		return 24 * time.Hour
	}
	return time.Duration(tf.Minutes()) * time.Minute
}

// Intraday reports whether the frame is sub-daily.
func (tf Timeframe) Intraday() bool {
	return tf != TF1Day && tf.Minutes() > 0
}

func (tf Timeframe) intradayMinutes() (int, error) {
	s := string(tf)
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid timeframe %q", s)
	}
	unit := s[len(s)-1]
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid timeframe %q", s)
	}
	switch unit {
	case 'm':
		return n, nil
	case 'h':
		return n * 60, nil
	}
	return 0, fmt.Errorf("invalid timeframe %q", s)
}
