package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// InstrumentKind discriminates the Instrument union.
type InstrumentKind string

const (
	KindEquity InstrumentKind = "EQUITY"
	KindFuture InstrumentKind = "FUTURE"
	KindOption InstrumentKind = "OPTION"
)

// OptionRight is the option flavor, spelled the NSE way.
type OptionRight string

const (
	Call OptionRight = "CE"
	Put  OptionRight = "PE"
)

// Instrument is a tagged union over equities, futures and options.
//
// Equities are keyed as EXCHANGE_SEGMENT|ISIN, e.g. "NSE_EQ|INE002A01018".
// Derivatives are keyed as UNDERLYING + DDMMMYY expiry + suffix:
// "NIFTY30SEP26FUT" (future), "NIFTY30SEP2624000CE" (option, strike before
// the right). ParseSymbolKey and Key are inverse on canonical keys.
//
// LotSize and Multiplier are not encoded in the key; they come from the
// instrument master and default to 1. Position PnL scales by Multiplier.
type Instrument struct {
	Kind       InstrumentKind
	Exchange   string      // "NSE", "BSE"
	Segment    string      // "EQ" for equities; derivatives leave it empty
	ISIN       string      // equities only
	Underlying string      // derivatives only
	Expiry     time.Time   // derivatives only; date in UTC, midnight
	Strike     float64     // options only
	Right      OptionRight // options only
	LotSize    int64
	Multiplier int64
}

var monthAbbrev = [12]string{"JAN", "FEB", "MAR", "APR", "MAY", "JUN", "JUL", "AUG", "SEP", "OCT", "NOV", "DEC"}

// Equity builds an equity instrument for the given exchange segment and ISIN.
func Equity(exchange, segment, isin string) Instrument {
	return Instrument{
		Kind:       KindEquity,
		Exchange:   exchange,
		Segment:    segment,
		ISIN:       isin,
		LotSize:    1,
		Multiplier: 1,
	}
}

// Key renders the canonical symbol key.
func (i Instrument) Key() string {
	switch i.Kind {
	case KindEquity:
		return i.Exchange + "_" + i.Segment + "|" + i.ISIN
	case KindFuture:
		return i.Underlying + formatExpiry(i.Expiry) + "FUT"
	case KindOption:
		return i.Underlying + formatExpiry(i.Expiry) + formatStrike(i.Strike) + string(i.Right)
	}
	return ""
}

// Derivative reports whether the instrument is a future or an option.
func (i Instrument) Derivative() bool {
	return i.Kind == KindFuture || i.Kind == KindOption
}

// EffectiveMultiplier returns Multiplier, treating 0 as 1 so instruments
// built without master data still price correctly.
func (i Instrument) EffectiveMultiplier() int64 {
	if i.Multiplier <= 0 {
		return 1
	}
	return i.Multiplier
}

// ParseSymbolKey decodes a canonical symbol key into an Instrument.
// LotSize and Multiplier are set to 1; enrich them from the instrument
// master if contract sizing matters.
func ParseSymbolKey(key string) (Instrument, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Instrument{}, fmt.Errorf("empty symbol key")
	}
	if strings.ContainsRune(key, '|') {
		return parseEquityKey(key)
	}
	return parseDerivativeKey(key)
}

func parseEquityKey(key string) (Instrument, error) {
	seg, isin, _ := strings.Cut(key, "|")
	exchange, segment, ok := strings.Cut(seg, "_")
	if !ok || exchange == "" || segment == "" {
		return Instrument{}, fmt.Errorf("symbol key %q: want EXCHANGE_SEGMENT before '|'", key)
	}
	if isin == "" {
		return Instrument{}, fmt.Errorf("symbol key %q: missing ISIN", key)
	}
	return Equity(exchange, segment, isin), nil
}

func parseDerivativeKey(key string) (Instrument, error) {
	inst := Instrument{Exchange: "NSE", LotSize: 1, Multiplier: 1}
	body := key
	switch {
	case strings.HasSuffix(key, "FUT"):
		inst.Kind = KindFuture
		body = strings.TrimSuffix(key, "FUT")
	case strings.HasSuffix(key, string(Call)):
		inst.Kind = KindOption
		inst.Right = Call
		body = strings.TrimSuffix(key, string(Call))
	case strings.HasSuffix(key, string(Put)):
		inst.Kind = KindOption
		inst.Right = Put
		body = strings.TrimSuffix(key, string(Put))
	default:
		return Instrument{}, fmt.Errorf("symbol key %q: unrecognized format", key)
	}

	if inst.Kind == KindFuture {
		// Futures end with the DDMMMYY expiry.
		if len(body) < 8 {
			return Instrument{}, fmt.Errorf("symbol key %q: too short for UNDERLYING+DDMMMYY", key)
		}
		expiry, err := parseExpiry(body[len(body)-7:])
		if err != nil {
			return Instrument{}, fmt.Errorf("symbol key %q: %w", key, err)
		}
		inst.Expiry = expiry
		inst.Underlying = body[:len(body)-7]
		return inst, nil
	}

	// Options interleave digits (UNDERLYING DDMMMYY STRIKE), so the strike
	// cannot be split off by scanning digits from the right; anchor on the
	// rightmost DDMMMYY whose remainder parses as a strike.
	for i := len(body) - 5; i >= 3; i-- {
		if monthIndex(body[i:i+3]) == 0 {
			continue
		}
		if !allDigits(body[i-2:i]) || !allDigits(body[i+3:i+5]) {
			continue
		}
		if !validStrike(body[i+5:]) {
			continue
		}
		strike, err := strconv.ParseFloat(body[i+5:], 64)
		if err != nil || strike <= 0 {
			continue
		}
		expiry, err := parseExpiry(body[i-2 : i+5])
		if err != nil {
			continue
		}
		inst.Expiry = expiry
		inst.Strike = strike
		inst.Underlying = body[:i-2]
		return inst, nil
	}
	return Instrument{}, fmt.Errorf("symbol key %q: no UNDERLYING+DDMMMYY+STRIKE match", key)
}

// monthIndex returns 1..12 for a DDMMMYY month abbreviation, 0 otherwise.
func monthIndex(s string) int {
	for idx, m := range monthAbbrev {
		if s == m {
			return idx + 1
		}
	}
	return 0
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) {
			return false
		}
	}
	return len(s) > 0
}

// validStrike accepts plain decimal strikes: digits with at most one dot.
func validStrike(s string) bool {
	digits, dots := 0, 0
	for i := 0; i < len(s); i++ {
		switch {
		case isDigit(s[i]):
			digits++
		case s[i] == '.':
			dots++
		default:
			return false
		}
	}
	return digits > 0 && dots <= 1
}

func parseExpiry(s string) (time.Time, error) {
	if len(s) != 7 {
		return time.Time{}, fmt.Errorf("bad expiry %q", s)
	}
	day, err := strconv.Atoi(s[:2])
	if err != nil || day < 1 || day > 31 {
		return time.Time{}, fmt.Errorf("bad expiry day in %q", s)
	}
	month := monthIndex(s[2:5])
	if month == 0 {
		return time.Time{}, fmt.Errorf("bad expiry month in %q", s)
	}
	yy, err := strconv.Atoi(s[5:])
	if err != nil {
		return time.Time{}, fmt.Errorf("bad expiry year in %q", s)
	}
	return time.Date(2000+yy, time.Month(month), day, 0, 0, 0, 0, time.UTC), nil
}

func formatExpiry(t time.Time) string {
	return fmt.Sprintf("%02d%s%02d", t.Day(), monthAbbrev[int(t.Month())-1], t.Year()%100)
}

func formatStrike(strike float64) string {
	return strconv.FormatFloat(strike, 'f', -1, 64)
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
