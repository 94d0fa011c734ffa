package model

import (
	"testing"
	"time"
)

func TestIDGeneratorLexOrder(t *testing.T) {
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	gen := NewIDGeneratorWithClock(func() time.Time { return clock })

	prev := ""
	for i := 0; i < 50; i++ {
		id := gen.New("msg")
		if prev != "" && id <= prev {
			t.Fatalf("ids not strictly increasing: %q then %q", prev, id)
		}
		prev = id
	}
}

func TestIDGeneratorAcrossMillis(t *testing.T) {
	ms := int64(0)
	gen := NewIDGeneratorWithClock(func() time.Time {
		return time.UnixMilli(ms)
	})

	first := gen.New("msg")
	ms++
	second := gen.New("msg")
	if second <= first {
		t.Fatalf("id minted in a later millisecond must sort after: %q then %q", first, second)
	}
}

func TestIDGeneratorPrefix(t *testing.T) {
	gen := NewIDGenerator()
	id := gen.New("prm")
	if len(id) < 4 || id[:4] != "prm_" {
		t.Errorf("expected id to start with prefix %q, got %q", "prm_", id)
	}
}
