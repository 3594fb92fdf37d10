package generation

import (
	"strings"
	"testing"
	"time"
)

func TestBatcherFlushesOnSize(t *testing.T) {
	b := NewBatcher(5, time.Hour) // time trigger effectively disabled

	fragments := []string{"H", "e", "l", "l", "o", " ", "w", "o", "r", "l", "d", "!"}
	var batches []string
	for _, f := range fragments {
		if batch, flush := b.Add(f); flush {
			batches = append(batches, batch)
		}
	}
	if batch, ok := b.Flush(); ok {
		batches = append(batches, batch)
	}

	if len(batches) < 2 {
		t.Fatalf("expected at least two batches, got %d: %v", len(batches), batches)
	}
	if got := strings.Join(batches, ""); got != "Hello world!" {
		t.Fatalf("concatenation = %q, want %q", got, "Hello world!")
	}
	for _, batch := range batches[:len(batches)-1] {
		if len(batch) < 5 {
			t.Fatalf("non-final batch %q under size threshold", batch)
		}
	}
}

func TestBatcherFlushesOnElapsedTime(t *testing.T) {
	b := NewBatcher(1000, 100*time.Millisecond)

	current := time.Unix(0, 0)
	b.now = func() time.Time { return current }
	b.lastFlush = current

	if _, flush := b.Add("hi"); flush {
		t.Fatal("no trigger should have fired yet")
	}

	current = current.Add(150 * time.Millisecond)
	batch, flush := b.Add("!")
	if !flush {
		t.Fatal("time trigger should have fired")
	}
	if batch != "hi!" {
		t.Fatalf("batch = %q, want %q", batch, "hi!")
	}

	// Flush resets the baseline: the next fragment should not flush again.
	current = current.Add(50 * time.Millisecond)
	if _, flush := b.Add("x"); flush {
		t.Fatal("timer baseline was not reset by flush")
	}
}

func TestBatcherFlushEmpty(t *testing.T) {
	b := NewBatcher(5, time.Hour)
	if _, ok := b.Flush(); ok {
		t.Fatal("empty batcher must not flush")
	}
}
