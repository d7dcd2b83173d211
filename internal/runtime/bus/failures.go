package bus

import (
	"sync"
	"time"
)

// DeliveryFailure records one subscription that kept failing after all retry
// attempts were spent.
type DeliveryFailure struct {
	SubscriptionID string    `json:"subscription_id"`
	EventID        string    `json:"event_id"`
	EventType      string    `json:"event_type"`
	Attempts       int       `json:"attempts"`
	Error          string    `json:"error"`
	FailedAt       time.Time `json:"failed_at"`
}

// failureLog keeps the most recent delivery failures in a fixed-size ring so
// a misbehaving subscriber cannot grow memory without bound.
type failureLog struct {
	mu     sync.Mutex
	ring   []DeliveryFailure
	next   int
	filled int
	total  uint64
}

func newFailureLog(size int) *failureLog {
	if size <= 0 {
		size = defaultFailureHistory
	}
	return &failureLog{ring: make([]DeliveryFailure, size)}
}

func (f *failureLog) Record(failure DeliveryFailure) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.ring[f.next] = failure
	f.next = (f.next + 1) % len(f.ring)
	if f.filled < len(f.ring) {
		f.filled++
	}
	f.total++
}

// Snapshot returns the recorded failures, oldest first.
func (f *failureLog) Snapshot() []DeliveryFailure {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]DeliveryFailure, f.filled)
	for i := 0; i < f.filled; i++ {
		idx := f.next - f.filled + i
		if idx < 0 {
			idx += len(f.ring)
		}
		out[i] = f.ring[idx]
	}
	return out
}

// Total returns the number of failures recorded over the bus lifetime,
// including those already evicted from the ring.
func (f *failureLog) Total() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total
}
