package admission

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAcquireAtCapacity(t *testing.T) {
	c := New(2, 10)

	a, ok := c.TryAcquire()
	require.True(t, ok)
	_, ok = c.TryAcquire()
	require.True(t, ok)

	before := c.Stats()
	_, ok = c.TryAcquire()
	require.False(t, ok, "acquire at capacity must be refused")
	after := c.Stats()
	assert.Equal(t, before.ActiveConnections, after.ActiveConnections)
	assert.Equal(t, before.TotalConnections, after.TotalConnections)
	assert.Len(t, c.History(0), 2)

	a.Release()
	_, ok = c.TryAcquire()
	require.True(t, ok, "acquire after release must succeed")
	assert.Equal(t, int64(3), c.Stats().TotalConnections)
}

func TestSlotReleaseIsIdempotent(t *testing.T) {
	c := New(1, 10)
	slot, ok := c.TryAcquire()
	require.True(t, ok)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slot.Release()
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, c.Active())
	// one connect and exactly one disconnect
	assert.Len(t, c.History(0), 2)

	var nilSlot *Slot
	nilSlot.Release()
}

func TestConcurrentAcquireNeverExceedsMax(t *testing.T) {
	const max = 5
	c := New(max, 100)

	var peak atomic.Int64
	c.SetEventHook(func(ev Event) {
		for {
			cur := peak.Load()
			if int64(ev.Active) <= cur || peak.CompareAndSwap(cur, int64(ev.Active)) {
				return
			}
		}
	})

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				slot, ok := c.TryAcquire()
				if !ok {
					continue
				}
				active := c.Active()
				if active > max || active < 1 {
					t.Errorf("active = %d out of range", active)
				}
				slot.Release()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, c.Active())
	assert.LessOrEqual(t, peak.Load(), int64(max))
	assert.Len(t, c.History(0), 100)
}

func TestHistoryEvictsOldest(t *testing.T) {
	c := New(10, 3)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	c.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	s1, _ := c.TryAcquire()
	s2, _ := c.TryAcquire()
	s1.Release()
	s2.Release()

	h := c.History(0)
	require.Len(t, h, 3)
	assert.Equal(t, ActionConnected, h[0].Action)
	assert.Equal(t, 2, h[0].Active)
	assert.Equal(t, ActionDisconnected, h[2].Action)
	assert.Equal(t, 0, h[2].Active)
	assert.True(t, h[0].Timestamp.Before(h[2].Timestamp))

	assert.Len(t, c.History(2), 2)
}

func TestWaitDrainsSlots(t *testing.T) {
	c := New(2, 10)
	slot, _ := c.TryAcquire()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, c.Wait(ctx))

	go func() {
		time.Sleep(10 * time.Millisecond)
		slot.Release()
	}()
	require.NoError(t, c.Wait(context.Background()))
}

func TestStatsUptime(t *testing.T) {
	c := New(4, 10)
	start := c.startedAt
	c.now = func() time.Time { return start.Add(26*time.Hour + 3*time.Minute + 4*time.Second) }

	st := c.Stats()
	assert.Equal(t, 4, st.AvailableSlots)
	assert.Equal(t, int64(93784), st.UptimeSeconds)
	assert.Equal(t, "1 day, 2:03:04", st.UptimeFormatted)
}
