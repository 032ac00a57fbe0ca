package quotes

import (
	"testing"
	"time"

	"github.com/advisorly/marketgate/internal/instrument"
)

func TestCache_TTLBoundary(t *testing.T) {
	t0 := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	clock := t0
	c := NewCache(5 * time.Second).WithClock(func() time.Time { return clock })

	c.Put("INFY", instrument.KindEquity, Snapshot{Symbol: "INFY", LastPrice: 1520})

	// Just inside the TTL.
	clock = t0.Add(5*time.Second - time.Millisecond)
	if _, ok := c.Get("INFY", instrument.KindEquity); !ok {
		t.Fatal("Get() missed inside TTL")
	}

	// Just past the TTL.
	clock = t0.Add(5*time.Second + time.Millisecond)
	if _, ok := c.Get("INFY", instrument.KindEquity); ok {
		t.Fatal("Get() hit past TTL")
	}
	if c.Len() != 0 {
		t.Fatalf("Len() = %d after lazy eviction, want 0", c.Len())
	}
}

func TestCache_KeyIncludesKind(t *testing.T) {
	c := NewCache(time.Minute)
	c.Put("GOLD", instrument.KindCommodity, Snapshot{Symbol: "GOLD", LastPrice: 71000})

	if _, ok := c.Get("GOLD", instrument.KindEquity); ok {
		t.Fatal("Get() with different kind hit the commodity entry")
	}
	snap, ok := c.Get("GOLD", instrument.KindCommodity)
	if !ok || snap.LastPrice != 71000 {
		t.Fatalf("Get() = (%+v, %v)", snap, ok)
	}
}

func TestCache_LastWriterWins(t *testing.T) {
	c := NewCache(time.Minute)
	c.Put("INFY", instrument.KindEquity, Snapshot{LastPrice: 1500})
	c.Put("INFY", instrument.KindEquity, Snapshot{LastPrice: 1510})

	snap, ok := c.Get("INFY", instrument.KindEquity)
	if !ok || snap.LastPrice != 1510 {
		t.Fatalf("Get() = (%+v, %v), want last write 1510", snap, ok)
	}
}

func TestCache_InvalidateAll(t *testing.T) {
	c := NewCache(time.Minute)
	c.Put("INFY", instrument.KindEquity, Snapshot{LastPrice: 1500})
	c.Put("TCS", instrument.KindEquity, Snapshot{LastPrice: 3890})

	c.InvalidateAll()

	if c.Len() != 0 {
		t.Fatalf("Len() = %d after InvalidateAll, want 0", c.Len())
	}
	if _, ok := c.Get("INFY", instrument.KindEquity); ok {
		t.Fatal("Get() hit after InvalidateAll")
	}
}

func TestCache_MissOnUnknownKey(t *testing.T) {
	c := NewCache(time.Minute)
	if _, ok := c.Get("UNKNOWN", instrument.KindEquity); ok {
		t.Fatal("Get() hit for never-written key")
	}
}
