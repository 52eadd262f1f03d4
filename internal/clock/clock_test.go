package clock

import (
	"testing"
	"time"
)

func TestReplayMonotonic(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 5, 3, 45, 0, 0, time.UTC)
	c := NewReplay(start)

	if got := c.Now(); !got.Equal(start) {
		t.Fatalf("Now() = %s, want start %s", got, start)
	}

	later := start.Add(15 * time.Minute)
	c.AdvanceTo(later)
	if got := c.Now(); !got.Equal(later) {
		t.Errorf("Now() after advance = %s, want %s", got, later)
	}

	// Moving backward must be a no-op.
	c.AdvanceTo(start)
	if got := c.Now(); !got.Equal(later) {
		t.Errorf("Now() after backward advance = %s, want %s", got, later)
	}

	// Equal instant is also a no-op.
	c.AdvanceTo(later)
	if got := c.Now(); !got.Equal(later) {
		t.Errorf("Now() after equal advance = %s, want %s", got, later)
	}
}

func TestReplayNormalizesToUTC(t *testing.T) {
	t.Parallel()

	ist := time.FixedZone("IST", 5*3600+1800)
	c := NewReplay(time.Date(2026, 1, 5, 9, 15, 0, 0, ist))

	want := time.Date(2026, 1, 5, 3, 45, 0, 0, time.UTC)
	got := c.Now()
	if !got.Equal(want) || got.Location() != time.UTC {
		t.Errorf("Now() = %s (%s), want %s in UTC", got, got.Location(), want)
	}
}

func TestRealNowIsUTC(t *testing.T) {
	t.Parallel()

	if got := NewReal().Now(); got.Location() != time.UTC {
		t.Errorf("Real.Now() location = %s, want UTC", got.Location())
	}
}
