package types

import (
	"testing"
	"time"
)

func TestParseSymbolKeyEquity(t *testing.T) {
	t.Parallel()

	inst, err := ParseSymbolKey("NSE_EQ|INE002A01018")
	if err != nil {
		t.Fatalf("ParseSymbolKey() error: %v", err)
	}
	if inst.Kind != KindEquity {
		t.Errorf("Kind = %q, want %q", inst.Kind, KindEquity)
	}
	if inst.Exchange != "NSE" || inst.Segment != "EQ" || inst.ISIN != "INE002A01018" {
		t.Errorf("parsed %+v, want NSE/EQ/INE002A01018", inst)
	}
	if inst.Multiplier != 1 || inst.LotSize != 1 {
		t.Errorf("equity lot/multiplier = %d/%d, want 1/1", inst.LotSize, inst.Multiplier)
	}
}

func TestParseSymbolKeyOption(t *testing.T) {
	t.Parallel()

	inst, err := ParseSymbolKey("NIFTY30SEP2624000CE")
	if err != nil {
		t.Fatalf("ParseSymbolKey() error: %v", err)
	}
	if inst.Kind != KindOption || inst.Right != Call {
		t.Errorf("Kind/Right = %q/%q, want OPTION/CE", inst.Kind, inst.Right)
	}
	if inst.Underlying != "NIFTY" {
		t.Errorf("Underlying = %q, want NIFTY", inst.Underlying)
	}
	if inst.Strike != 24000 {
		t.Errorf("Strike = %v, want 24000", inst.Strike)
	}
	wantExp := time.Date(2026, 9, 30, 0, 0, 0, 0, time.UTC)
	if !inst.Expiry.Equal(wantExp) {
		t.Errorf("Expiry = %s, want %s", inst.Expiry, wantExp)
	}
}

func TestParseSymbolKeyFuture(t *testing.T) {
	t.Parallel()

	inst, err := ParseSymbolKey("BANKNIFTY24DEC26FUT")
	if err != nil {
		t.Fatalf("ParseSymbolKey() error: %v", err)
	}
	if inst.Kind != KindFuture {
		t.Errorf("Kind = %q, want %q", inst.Kind, KindFuture)
	}
	if inst.Underlying != "BANKNIFTY" {
		t.Errorf("Underlying = %q, want BANKNIFTY", inst.Underlying)
	}
	wantExp := time.Date(2026, 12, 24, 0, 0, 0, 0, time.UTC)
	if !inst.Expiry.Equal(wantExp) {
		t.Errorf("Expiry = %s, want %s", inst.Expiry, wantExp)
	}
}

// Key() after ParseSymbolKey() must be the identity on canonical keys.
func TestSymbolKeyRoundTrip(t *testing.T) {
	t.Parallel()

	keys := []string{
		"NSE_EQ|INE002A01018",
		"NSE_EQ|INE009A01021",
		"BSE_EQ|INE467B01029",
		"NIFTY30SEP2624000CE",
		"NIFTY30SEP2623500PE",
		"RELIANCE30SEP261502.5CE",
		"BANKNIFTY24DEC26FUT",
		"NIFTY05JAN27FUT",
	}
	for _, key := range keys {
		inst, err := ParseSymbolKey(key)
		if err != nil {
			t.Errorf("ParseSymbolKey(%q) error: %v", key, err)
			continue
		}
		if got := inst.Key(); got != key {
			t.Errorf("round trip: parse(%q).Key() = %q", key, got)
		}
	}
}

func TestParseSymbolKeyErrors(t *testing.T) {
	t.Parallel()

	bad := []string{
		"",
		"|INE002A01018",    // no exchange segment
		"NSEEQ|",           // no ISIN, no underscore
		"NIFTYCE",          // no expiry or strike
		"NIFTY99XXX2624000CE", // bad month
		"X30SEP26",         // no instrument suffix
		"NIFTY30SEP26CE",   // option without strike
	}
	for _, key := range bad {
		if _, err := ParseSymbolKey(key); err == nil {
			t.Errorf("ParseSymbolKey(%q) succeeded, want error", key)
		}
	}
}

func TestEffectiveMultiplier(t *testing.T) {
	t.Parallel()

	if got := (Instrument{}).EffectiveMultiplier(); got != 1 {
		t.Errorf("zero-value multiplier = %d, want 1", got)
	}
	if got := (Instrument{Multiplier: 50}).EffectiveMultiplier(); got != 50 {
		t.Errorf("multiplier = %d, want 50", got)
	}
}
