package voice

import (
	"math/rand"
	"sync"
	"time"
)

// missThreshold is the number of consecutive stale periods before the
// supervisor calls its timeout callback.
const missThreshold = 2

// staleFactor is the tolerance multiplier on the interval before a beat
// counts as missed.
const staleFactor = 1.5

// heartbeatSupervisor sends a Heartbeat on a fixed cadence supplied by the
// server and watches for missed acknowledgments. It owns no transport —
// send and timeout are both caller-supplied callbacks, so the supervisor
// stays test-friendly and ignorant of the wire format.
type heartbeatSupervisor struct {
	mu       sync.Mutex
	interval time.Duration
	send     func(nonce int64) error
	onMissed func()

	lastAckAt time.Time
	missed    int

	stopCh chan struct{}
	doneCh chan struct{}
}

func newHeartbeatSupervisor(interval time.Duration, send func(nonce int64) error, onMissed func()) *heartbeatSupervisor {
	return &heartbeatSupervisor{
		interval: interval,
		send:     send,
		onMissed: onMissed,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// start begins the heartbeat cadence. Must be called once; Stop tears it
// down.
func (h *heartbeatSupervisor) start() {
	h.mu.Lock()
	h.lastAckAt = time.Now()
	h.mu.Unlock()

	go h.run()
}

func (h *heartbeatSupervisor) run() {
	defer close(h.doneCh)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			if err := h.send(rand.Int63()); err != nil {
				// A send failure is a transport problem, not a heartbeat
				// problem; the transport's own error channel surfaces it.
				continue
			}
			h.checkStale()
		}
	}
}

func (h *heartbeatSupervisor) checkStale() {
	h.mu.Lock()
	stale := time.Since(h.lastAckAt) > time.Duration(float64(h.interval)*staleFactor)
	var fire bool
	if stale {
		h.missed++
		fire = h.missed >= missThreshold
	}
	callback := h.onMissed
	h.mu.Unlock()

	if fire && callback != nil {
		callback()
	}
}

// ack records a HeartbeatAck, resetting the missed-beat counter.
func (h *heartbeatSupervisor) ack() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastAckAt = time.Now()
	h.missed = 0
}

// missedCount reports the current consecutive-miss counter.
func (h *heartbeatSupervisor) missedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.missed
}

// stop halts the cadence. Idempotent is not required: callers only stop a
// supervisor once, on leaving Connected.
func (h *heartbeatSupervisor) stop() {
	close(h.stopCh)
	<-h.doneCh
}
