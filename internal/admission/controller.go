// Package admission bounds the number of concurrent interview relays and keeps
// a short rolling history of accept/release events.
package admission

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	ActionConnected    = "connected"
	ActionDisconnected = "disconnected"
)

// Event is one entry of the admission history.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Active    int       `json:"active"`
	Total     int64     `json:"total,omitempty"`
}

type Stats struct {
	ActiveConnections int     `json:"active_connections"`
	TotalConnections  int64   `json:"total_connections"`
	MaxCapacity       int     `json:"max_capacity"`
	AvailableSlots    int     `json:"available_slots"`
	UptimeSeconds     int64   `json:"uptime_seconds"`
	UptimeFormatted   string  `json:"uptime_formatted"`
	Utilization       float64 `json:"utilization"`
}

// Controller is the process-wide admission gate. All counter mutation happens
// under mu; callers only see TryAcquire, Slot.Release and read-only snapshots.
type Controller struct {
	mu        sync.Mutex
	max       int
	active    int
	total     int64
	nextID    int64
	history   []Event
	next      int
	filled    bool
	startedAt time.Time
	now       func() time.Time
	onEvent   func(Event)

	inflight sync.WaitGroup
}

func New(max, historySize int) *Controller {
	if max <= 0 {
		max = 1
	}
	if historySize <= 0 {
		historySize = 100
	}
	c := &Controller{
		max:     max,
		history: make([]Event, historySize),
		now:     time.Now,
	}
	c.startedAt = c.now()
	return c
}

// SetEventHook registers a callback invoked after every accept or release.
// The hook runs outside the critical section.
func (c *Controller) SetEventHook(fn func(Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvent = fn
}

// Slot is a granted admission. Release is safe to call any number of times
// from any goroutine; only the first call frees the slot.
type Slot struct {
	ID         int64
	AcquiredAt time.Time

	once    sync.Once
	release func()
}

func (s *Slot) Release() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
	})
}

// TryAcquire grants a slot iff fewer than max slots are held. A refusal is a
// normal outcome and leaves the counters untouched.
func (c *Controller) TryAcquire() (*Slot, bool) {
	c.mu.Lock()
	if c.active >= c.max {
		c.mu.Unlock()
		return nil, false
	}
	c.active++
	c.total++
	c.nextID++
	now := c.now()
	ev := Event{Timestamp: now, Action: ActionConnected, Active: c.active, Total: c.total}
	c.appendLocked(ev)
	slot := &Slot{ID: c.nextID, AcquiredAt: now}
	c.inflight.Add(1)
	hook := c.onEvent
	c.mu.Unlock()

	slot.release = c.release
	if hook != nil {
		hook(ev)
	}
	return slot, true
}

func (c *Controller) release() {
	c.mu.Lock()
	if c.active > 0 {
		c.active--
	}
	ev := Event{Timestamp: c.now(), Action: ActionDisconnected, Active: c.active}
	c.appendLocked(ev)
	hook := c.onEvent
	c.mu.Unlock()

	c.inflight.Done()
	if hook != nil {
		hook(ev)
	}
}

func (c *Controller) appendLocked(ev Event) {
	c.history[c.next] = ev
	c.next++
	if c.next >= len(c.history) {
		c.next = 0
		c.filled = true
	}
}

// CanAccept reports whether a TryAcquire issued now would succeed.
func (c *Controller) CanAccept() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active < c.max
}

func (c *Controller) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Controller) Max() int {
	return c.max
}

func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	uptime := c.now().Sub(c.startedAt)
	return Stats{
		ActiveConnections: c.active,
		TotalConnections:  c.total,
		MaxCapacity:       c.max,
		AvailableSlots:    c.max - c.active,
		UptimeSeconds:     int64(uptime / time.Second),
		UptimeFormatted:   formatUptime(uptime),
		Utilization:       float64(c.active) / float64(c.max),
	}
}

// History returns up to limit of the most recent events, oldest first.
// A non-positive limit returns the whole retained history.
func (c *Controller) History(limit int) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ordered []Event
	if c.filled {
		ordered = make([]Event, 0, len(c.history))
		ordered = append(ordered, c.history[c.next:]...)
		ordered = append(ordered, c.history[:c.next]...)
	} else {
		ordered = make([]Event, c.next)
		copy(ordered, c.history[:c.next])
	}
	if limit > 0 && len(ordered) > limit {
		ordered = ordered[len(ordered)-limit:]
	}
	return ordered
}

// Wait blocks until every granted slot has been released or ctx is done.
func (c *Controller) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("admission drain: %w", ctx.Err())
	}
}

func formatUptime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	days := total / 86400
	h := (total % 86400) / 3600
	m := (total % 3600) / 60
	s := total % 60
	if days > 0 {
		unit := "days"
		if days == 1 {
			unit = "day"
		}
		return fmt.Sprintf("%d %s, %d:%02d:%02d", days, unit, h, m, s)
	}
	return fmt.Sprintf("%d:%02d:%02d", h, m, s)
}
