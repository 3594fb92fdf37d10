package generation

import (
	"time"
)

// Batcher accumulates text fragments and decides when the buffer should be
// flushed to the transport: when it reaches maxChars, or when interval has
// elapsed since the last flush, whichever comes first. The dual trigger bounds
// both per-event overhead (size) and perceived latency (time).
type Batcher struct {
	maxChars  int
	interval  time.Duration
	now       func() time.Time
	buf       []byte
	lastFlush time.Time
}

// NewBatcher creates a batcher with the given thresholds. Non-positive values
// fall back to the defaults (20 chars, 100ms).
func NewBatcher(maxChars int, interval time.Duration) *Batcher {
	if maxChars <= 0 {
		maxChars = 20
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	b := &Batcher{
		maxChars: maxChars,
		interval: interval,
		now:      time.Now,
	}
	b.lastFlush = b.now()
	return b
}

// Add appends a fragment and returns the buffered batch if either flush
// trigger fired. Flushing clears the buffer and resets the timer baseline.
func (b *Batcher) Add(fragment string) (batch string, flush bool) {
	b.buf = append(b.buf, fragment...)
	if len(b.buf) == 0 {
		return "", false
	}
	if len(b.buf) >= b.maxChars || b.now().Sub(b.lastFlush) >= b.interval {
		return b.drain(), true
	}
	return "", false
}

// Flush drains whatever remains in the buffer. Returns false when the buffer
// is empty.
func (b *Batcher) Flush() (batch string, ok bool) {
	if len(b.buf) == 0 {
		return "", false
	}
	return b.drain(), true
}

func (b *Batcher) drain() string {
	batch := string(b.buf)
	b.buf = b.buf[:0]
	b.lastFlush = b.now()
	return batch
}
