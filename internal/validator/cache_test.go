package validator

import (
	"testing"
	"time"
)

func TestVerdictCache_GetSet(t *testing.T) {
	c := NewVerdictCache(time.Minute, 10)

	if _, ok := c.Get("q"); ok {
		t.Fatal("expected miss on empty cache")
	}

	c.Set("q", deny(KindTable, "secret_table", "denied"))
	got, ok := c.Get("q")
	if !ok {
		t.Fatal("expected hit")
	}
	if got.Authorized || got.Violation.Identifier != "secret_table" {
		t.Fatalf("unexpected verdict: %+v", got)
	}
}

func TestVerdictCache_Expiry(t *testing.T) {
	c := NewVerdictCache(10*time.Millisecond, 10)
	c.Set("q", allow())

	time.Sleep(20 * time.Millisecond)

	if _, ok := c.Get("q"); ok {
		t.Fatal("expected expired entry to miss")
	}
	if c.Len() != 0 {
		t.Fatalf("expected expired entry to be removed, len=%d", c.Len())
	}
}

func TestVerdictCache_MaxEntries(t *testing.T) {
	c := NewVerdictCache(time.Minute, 2)
	c.Set("a", allow())
	c.Set("b", allow())
	c.Set("c", allow())

	if c.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", c.Len())
	}
	if _, ok := c.Get("c"); ok {
		t.Fatal("entry beyond capacity must not be stored")
	}

	// Overwriting an existing key at capacity is a no-op for the bound.
	c.Set("a", deny(KindColumn, "x", "denied"))
	if c.Len() != 2 {
		t.Fatalf("expected 2 entries after overwrite, got %d", c.Len())
	}
}

func TestVerdictCache_SweepMakesRoom(t *testing.T) {
	c := NewVerdictCache(10*time.Millisecond, 1)
	c.Set("a", allow())

	time.Sleep(20 * time.Millisecond)
	c.Set("b", allow())

	if _, ok := c.Get("b"); !ok {
		t.Fatal("expected sweep to make room for b")
	}
}
