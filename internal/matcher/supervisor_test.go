package matcher

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type firings struct {
	mu  sync.Mutex
	got []int
}

func (f *firings) record(_ string, batch int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, batch)
}

func (f *firings) batches() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.got...)
}

func TestSupervisorFiresOnce(t *testing.T) {
	f := &firings{}
	s := NewTimeoutSupervisor(f.record)
	s.Arm("r1", 1, time.Now().Add(10*time.Millisecond))

	require.Eventually(t, func() bool { return len(f.batches()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, []int{1}, f.batches())
	_, armed := s.Armed("r1")
	assert.False(t, armed)
}

func TestSupervisorCancelPreventsFire(t *testing.T) {
	f := &firings{}
	s := NewTimeoutSupervisor(f.record)
	s.Arm("r1", 1, time.Now().Add(20*time.Millisecond))
	assert.True(t, s.Cancel("r1"))
	assert.False(t, s.Cancel("r1"))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, f.batches())
}

func TestSupervisorRearmReplacesEarlierBatch(t *testing.T) {
	f := &firings{}
	s := NewTimeoutSupervisor(f.record)
	s.Arm("r1", 1, time.Now().Add(15*time.Millisecond))
	s.Arm("r1", 2, time.Now().Add(30*time.Millisecond))

	b, ok := s.Armed("r1")
	require.True(t, ok)
	assert.Equal(t, 2, b)

	require.Eventually(t, func() bool { return len(f.batches()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, []int{2}, f.batches())
}

func TestSupervisorPastExpiryFiresImmediately(t *testing.T) {
	f := &firings{}
	s := NewTimeoutSupervisor(f.record)
	s.Arm("r1", 3, time.Now().Add(-time.Second))
	require.Eventually(t, func() bool { return len(f.batches()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestSupervisorStop(t *testing.T) {
	f := &firings{}
	s := NewTimeoutSupervisor(f.record)
	s.Arm("r1", 1, time.Now().Add(20*time.Millisecond))
	s.Arm("r2", 1, time.Now().Add(20*time.Millisecond))
	s.Stop()

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, f.batches())
}
