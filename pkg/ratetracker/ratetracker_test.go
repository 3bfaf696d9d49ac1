package ratetracker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_ClampsMinimumWindow(t *testing.T) {
	tr := New(5 * time.Second)
	assert.Equal(t, MinWindow, tr.Window())

	tr2 := New(60 * time.Second)
	assert.Equal(t, 60*time.Second, tr2.Window())
}

func TestRatePerMinute_EmptyIsZero(t *testing.T) {
	tr := New(30 * time.Second)
	assert.Equal(t, 0.0, tr.RatePerMinute())
}

func TestRatePerMinute_SingleEventUsesOneSecondFloor(t *testing.T) {
	tr := New(30 * time.Second)
	tr.Record()
	rate := tr.RatePerMinute()
	// A single very-recent event spans <1s; the 1s floor caps the rate at 60/min.
	require.LessOrEqual(t, rate, 60.0)
	require.Greater(t, rate, 0.0)
}

func TestRatePerMinute_BurstWithinWindow(t *testing.T) {
	tr := New(30 * time.Second)
	for i := 0; i < 10; i++ {
		tr.Record()
	}
	rate := tr.RatePerMinute()
	assert.Greater(t, rate, 0.0)
}

func TestRatePerMinute_PrunesStaleEvents(t *testing.T) {
	tr := New(MinWindow)
	// Manually seed an event well outside the window to simulate "W+1s ago".
	tr.mu.Lock()
	tr.events = append(tr.events, time.Now().Add(-(MinWindow + time.Second)))
	tr.mu.Unlock()

	tr.Record()
	assert.Equal(t, 1, tr.Count(), "the stale event should have been pruned, leaving only the fresh one")
}

func TestTracker_ConcurrentAccess(t *testing.T) {
	tr := New(30 * time.Second)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			tr.Record()
		}()
		go func() {
			defer wg.Done()
			_ = tr.RatePerMinute()
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, tr.Count(), 50)
}
