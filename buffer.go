package lightz

import (
	"sync"
	"sync/atomic"
)

// recordBuffer holds finished records until the next flush.
// Safe for concurrent use by multiple goroutines.
//
// The buffer never holds more than limit records. Appending to a full buffer
// drops the record being appended.
//
//nolint:govet // Field alignment optimized for readability over memory efficiency
type recordBuffer[T any] struct {
	records []T
	dropped atomic.Int64
	limit   int
	mu      sync.Mutex
}

func newRecordBuffer[T any](limit int) *recordBuffer[T] {
	initial := 8
	if limit < initial {
		initial = limit
	}
	return &recordBuffer[T]{
		records: make([]T, 0, initial), // Start with small capacity.
		limit:   limit,
	}
}

// add appends a record. It reports false when the record was dropped.
func (b *recordBuffer[T]) add(record T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.records) >= b.limit {
		b.dropped.Add(1)
		return false
	}

	if len(b.records) >= cap(b.records) {
		currentCap := cap(b.records)
		var newCap int
		if currentCap < 1024 {
			newCap = currentCap * 2
		} else {
			newCap = currentCap + currentCap/2
		}
		if newCap < 32 {
			newCap = 32
		}
		if newCap > b.limit {
			newCap = b.limit
		}
		grown := make([]T, len(b.records), newCap)
		copy(grown, b.records)
		b.records = grown
	}
	b.records = append(b.records, record)
	return true
}

// drain removes and returns every buffered record in insertion order.
// The returned slice is owned by the caller.
func (b *recordBuffer[T]) drain() []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.records) == 0 {
		return nil
	}

	out := b.records

	// Only shrink if the batch was small compared to the allocation.
	nextCap := cap(out)
	if nextCap > 256 && len(out) < nextCap/8 {
		nextCap /= 4
		if nextCap < 32 {
			nextCap = 32
		}
	}
	b.records = make([]T, 0, nextCap)

	return out
}

// markDropped counts records lost outside of add, such as a failed delivery.
func (b *recordBuffer[T]) markDropped(n int) {
	b.dropped.Add(int64(n))
}

// takeDropped returns the drop count accumulated since the previous call.
func (b *recordBuffer[T]) takeDropped() int64 {
	return b.dropped.Swap(0)
}

// count returns the number of buffered records.
func (b *recordBuffer[T]) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// reset discards every buffered record.
func (b *recordBuffer[T]) reset() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.records)
	b.records = b.records[:0]
	return n
}
