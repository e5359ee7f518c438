package matcher

import (
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/observability"
)

// ExpiryFunc runs on the timer goroutine when a batch's window closes.
type ExpiryFunc func(requestID string, batch int)

type armedBatch struct {
	batch int
	timer *time.Timer
}

// TimeoutSupervisor holds at most one armed timer per request. The table is
// keyed by request id and each entry remembers its batch number: a request
// only ever has its latest batch open, so (request, batch) pairs never need
// more than one slot per request. A timer fires its callback at most once,
// and never after it was cancelled or replaced by a later batch's timer.
type TimeoutSupervisor struct {
	mu     sync.Mutex
	armed  map[string]armedBatch
	onFire ExpiryFunc
	now    func() time.Time
}

func NewTimeoutSupervisor(onFire ExpiryFunc) *TimeoutSupervisor {
	return &TimeoutSupervisor{armed: make(map[string]armedBatch), onFire: onFire, now: time.Now}
}

// Arm schedules the expiry of batch for requestID, replacing any timer still
// armed for an earlier batch of the same request.
func (s *TimeoutSupervisor) Arm(requestID string, batch int, expiry time.Time) {
	d := expiry.Sub(s.now())
	if d < 0 {
		d = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.armed[requestID]; ok {
		prev.timer.Stop()
	} else {
		observability.ActiveTimers.Inc()
	}
	s.armed[requestID] = armedBatch{
		batch: batch,
		timer: time.AfterFunc(d, func() { s.fire(requestID, batch) }),
	}
}

// Cancel disarms the request's timer. It reports whether one was armed.
func (s *TimeoutSupervisor) Cancel(requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.armed[requestID]
	if !ok {
		return false
	}
	cur.timer.Stop()
	delete(s.armed, requestID)
	observability.ActiveTimers.Dec()
	return true
}

// Armed reports the batch currently armed for the request.
func (s *TimeoutSupervisor) Armed(requestID string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.armed[requestID]
	return cur.batch, ok
}

// Stop disarms everything; used on shutdown.
func (s *TimeoutSupervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cur := range s.armed {
		cur.timer.Stop()
		delete(s.armed, id)
		observability.ActiveTimers.Dec()
	}
}

func (s *TimeoutSupervisor) fire(requestID string, batch int) {
	s.mu.Lock()
	cur, ok := s.armed[requestID]
	if !ok || cur.batch != batch {
		// cancelled or superseded after the timer had already started
		s.mu.Unlock()
		return
	}
	delete(s.armed, requestID)
	observability.ActiveTimers.Dec()
	s.mu.Unlock()
	s.onFire(requestID, batch)
}
