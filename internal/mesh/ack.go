package mesh

import (
	"sync"
	"time"
)

// PendingDelivery is one outstanding delivery-acknowledgment request.
type PendingDelivery struct {
	Text   string
	SentAt time.Time
}

// Expired pairs a timed-out request with what was sent.
type Expired struct {
	RequestID uint32
	Delivery  PendingDelivery
}

// AckTracker holds outstanding delivery requests until they are confirmed or
// swept out by timeout. A request id maps to at most one entry at a time.
// Safe for concurrent use.
type AckTracker struct {
	mu      sync.Mutex
	timeout time.Duration
	pending map[uint32]PendingDelivery
}

// NewAckTracker creates a tracker that expires entries older than timeout.
func NewAckTracker(timeout time.Duration) *AckTracker {
	return &AckTracker{
		timeout: timeout,
		pending: make(map[uint32]PendingDelivery),
	}
}

// Add registers a pending delivery. Adding an id twice overwrites the
// previous entry.
func (a *AckTracker) Add(requestID uint32, text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending[requestID] = PendingDelivery{Text: text, SentAt: time.Now()}
}

// Confirm removes and returns the entry for requestID. The second return is
// false when nothing was pending, which also covers a second confirmation of
// the same id.
func (a *AckTracker) Confirm(requestID uint32) (PendingDelivery, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delivery, ok := a.pending[requestID]
	if ok {
		delete(a.pending, requestID)
	}
	return delivery, ok
}

// SweepTimeouts removes and returns every entry older than the configured
// timeout. Invoked periodically by the watchdog loop.
func (a *AckTracker) SweepTimeouts() []Expired {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := time.Now()
	var expired []Expired
	for id, delivery := range a.pending {
		if now.Sub(delivery.SentAt) > a.timeout {
			expired = append(expired, Expired{RequestID: id, Delivery: delivery})
			delete(a.pending, id)
		}
	}
	return expired
}

// Timeout returns the configured expiry.
func (a *AckTracker) Timeout() time.Duration {
	return a.timeout
}

// Len returns the number of outstanding entries.
func (a *AckTracker) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}
