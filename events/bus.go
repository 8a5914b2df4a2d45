/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package events implements the pub/sub fabric carrying task state changes.
// Publishers append to per-subscriber queues and poke a wake channel, so a
// subscriber always observes one publisher's events in publish order and
// never loses one while busy.
package events

import (
	"sync"
)

// Event is one published (task, event) tuple.
type Event struct {
	Task string
	Name string
}

func (e Event) Key() string {
	return e.Task + `:` + e.Name
}

// Sub is one subscription. Wake fires (coalesced) whenever new events are
// queued; Drain empties the queue.
type Sub struct {
	bus     *Bus
	pattern string
	queue   []Event
	wake    chan struct{}
}

// Bus is the event fabric. It keeps the edge-triggered fired set the ready
// predicate consults and a monotonic fire counter per event key for trigger
// re-arming.
type Bus struct {
	mtx      sync.Mutex
	fired    map[string]uint64 //key -> times fired since load
	subs     []*Sub
	shutdown chan struct{}
	shutOnce sync.Once
}

func NewBus() *Bus {
	return &Bus{
		fired:    make(map[string]uint64),
		shutdown: make(chan struct{}),
	}
}

// Publish records that (task, event) fired and notifies every matching
// subscriber.
func (b *Bus) Publish(task, event string) {
	ev := Event{Task: task, Name: event}
	b.mtx.Lock()
	b.fired[ev.Key()]++
	for _, s := range b.subs {
		if !s.matches(ev) {
			continue
		}
		s.queue = append(s.queue, ev)
		select {
		case s.wake <- struct{}{}:
		default: //already pending
		}
	}
	b.mtx.Unlock()
}

// Subscribe registers interest. The pattern is a task name, `task:event`,
// or `*` for everything.
func (b *Bus) Subscribe(pattern string) *Sub {
	s := &Sub{
		bus:     b,
		pattern: pattern,
		wake:    make(chan struct{}, 1),
	}
	b.mtx.Lock()
	b.subs = append(b.subs, s)
	b.mtx.Unlock()
	return s
}

// Unsubscribe removes the subscription from the bus.
func (b *Bus) Unsubscribe(s *Sub) {
	b.mtx.Lock()
	for i := range b.subs {
		if b.subs[i] == s {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	b.mtx.Unlock()
}

func (s *Sub) matches(ev Event) bool {
	switch s.pattern {
	case `*`, ``:
		return true
	case ev.Task:
		return true
	case ev.Key():
		return true
	}
	return false
}

// Wake returns the channel that fires when events are pending.
func (s *Sub) Wake() <-chan struct{} {
	return s.wake
}

// Drain returns the queued events in publish order and empties the queue.
func (s *Sub) Drain() []Event {
	s.bus.mtx.Lock()
	out := s.queue
	s.queue = nil
	s.bus.mtx.Unlock()
	return out
}

// Fired reports whether (task, event) has been published at least once
// since load.
func (b *Bus) Fired(task, event string) bool {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.fired[task+`:`+event] > 0
}

// FireCount returns the monotonic fire counter for (task, event), used by
// trigger re-arming to detect fires since a snapshot.
func (b *Bus) FireCount(task, event string) uint64 {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.fired[task+`:`+event]
}

// RequestShutdown latches the shutdown broadcast; safe to call more than
// once. Every waiter sees Done close and every poll loop checks the latch
// on return.
func (b *Bus) RequestShutdown() {
	b.shutOnce.Do(func() {
		close(b.shutdown)
	})
}

// Done returns the shutdown latch channel.
func (b *Bus) Done() <-chan struct{} {
	return b.shutdown
}

// ShuttingDown reports the latch state without blocking.
func (b *Bus) ShuttingDown() bool {
	select {
	case <-b.shutdown:
		return true
	default:
		return false
	}
}
