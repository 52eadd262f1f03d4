package types

import "time"

// NSE equity session: 09:15-15:30 IST. Storage keeps everything in UTC;
// these helpers exist so bucket alignment and session checks agree on one
// definition of the trading day.
const (
	SessionOpenHour    = 9
	SessionOpenMinute  = 15
	SessionCloseHour   = 15
	SessionCloseMinute = 30
)

// MarketTZ is the exchange timezone used for session alignment. IST has no
// DST, so a fixed zone avoids a tzdata dependency at runtime.
var MarketTZ = time.FixedZone("IST", 5*3600+30*60)

// SessionOpen returns the session open instant (in UTC) for the trading day
// containing t.
func SessionOpen(t time.Time) time.Time {
	local := t.In(MarketTZ)
	return time.Date(local.Year(), local.Month(), local.Day(),
		SessionOpenHour, SessionOpenMinute, 0, 0, MarketTZ).UTC()
}

// SessionClose returns the session close instant (in UTC) for the trading day
// containing t.
func SessionClose(t time.Time) time.Time {
	local := t.In(MarketTZ)
	return time.Date(local.Year(), local.Month(), local.Day(),
		SessionCloseHour, SessionCloseMinute, 0, 0, MarketTZ).UTC()
}

// InSession reports whether t falls inside the trading session
// [open, close).
func InSession(t time.Time) bool {
	return !t.Before(SessionOpen(t)) && t.Before(SessionClose(t))
}

// BucketStart returns the start of the session-aligned bucket containing ts
// for an intraday timeframe. Buckets are anchored at the session open, so for
// 15m the boundaries fall on 09:15, 09:30, 09:45 IST and so on. Instants
// before the open map to the open itself.
func BucketStart(ts time.Time, tf Timeframe) time.Time {
	open := SessionOpen(ts)
	if !ts.After(open) {
		return open
	}
	d := tf.Duration()
	offset := ts.Sub(open)
	return open.Add(offset - offset%d)
}

// MinuteBucket truncates ts to its 1-minute bucket. Tick aggregation uses
// plain minute alignment; session alignment only matters for resampling.
func MinuteBucket(ts time.Time) time.Time {
	return ts.UTC().Truncate(time.Minute)
}

// TradingDate returns the exchange-local calendar date of t, normalized to
// midnight UTC, for keying per-day files and live sessions.
func TradingDate(t time.Time) time.Time {
	local := t.In(MarketTZ)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}
