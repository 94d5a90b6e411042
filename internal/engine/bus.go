package engine

import (
	"sync"

	"polywatch/pkg/types"
)

// lowWaterConfidence marks entries eligible for eviction when the bus is
// full. Mirrors the MEDIUM delivery floor so only signals that would rank
// LOW downstream get shed under pressure.
const lowWaterConfidence = 0.55

// signalBus is the bounded queue between the detectors and the signal
// consumer. Publishing never blocks the ingestion path: when the bus is
// full the oldest low-confidence entry is evicted to make room.
type signalBus struct {
	mu       sync.Mutex
	queue    []types.EarlySignal
	capacity int
	notify   chan struct{}
}

func newSignalBus(capacity int) *signalBus {
	if capacity <= 0 {
		capacity = 256
	}
	return &signalBus{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// Publish enqueues a signal, evicting on overflow. Returns the number of
// entries dropped (0 or 1).
func (b *signalBus) Publish(sig types.EarlySignal) int {
	b.mu.Lock()
	dropped := 0
	if len(b.queue) >= b.capacity {
		idx := 0
		for i, s := range b.queue {
			if s.Confidence < lowWaterConfidence {
				idx = i
				break
			}
		}
		b.queue = append(b.queue[:idx], b.queue[idx+1:]...)
		dropped = 1
	}
	b.queue = append(b.queue, sig)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return dropped
}

// Pop removes the oldest entry. Returns false when the bus is empty.
func (b *signalBus) Pop() (types.EarlySignal, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return types.EarlySignal{}, false
	}
	sig := b.queue[0]
	b.queue = b.queue[1:]
	return sig, true
}

// Len returns the current depth.
func (b *signalBus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Wait returns the channel pulsed after each publish.
func (b *signalBus) Wait() <-chan struct{} { return b.notify }
