/*
 * ps2bus - EE-cycle event scheduler.
 *
 * Copyright 2025, PS2 Bus Core Contributors
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in
 * all copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 */

// Package scheduler is the EE-cycle time base: a monotonic counter plus an
// ordered heap of (deadline, event) entries, the sole source of "what
// happens next" for the rest of the core. Unlike the teacher's
// emu/event package, which kept the event list in module-level globals,
// every piece of state here lives in a *Scheduler value so an arena can
// own many independent instances (tests construct one per case).
package scheduler

import "container/heap"

// Kind enumerates the deferred events the core originates.
type Kind int

const (
	VBlankStart Kind = iota
	VBlankEnd
	CDVDCompletion
	TimerOverflow
	SPUSample
)

// Callback runs when an event's deadline is reached. arg carries the
// event-specific payload (timer index, device id, ...).
type Callback func(arg int)

type event struct {
	deadline int64 // absolute cycle the event fires at
	seq      int64 // insertion order, breaks deadline ties
	id       int64 // handle returned to the caller, used by Cancel
	kind     Kind
	arg      int
	cb       Callback
	index    int // heap.Interface bookkeeping
}

type eventHeap []*event

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if h[i].deadline != h[j].deadline {
		return h[i].deadline < h[j].deadline
	}
	return h[i].seq < h[j].seq
}
func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *eventHeap) Push(x any) {
	e := x.(*event)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Scheduler is a monotonic EE-cycle counter plus a min-heap of pending
// events. Zero value is ready to use.
type Scheduler struct {
	now    int64
	heap   eventHeap
	seq    int64
	nextID int64
	byID   map[int64]*event
}

// New returns an empty Scheduler at cycle 0.
func New() *Scheduler {
	return &Scheduler{byID: make(map[int64]*event)}
}

// Now returns the current cycle count.
func (s *Scheduler) Now() int64 { return s.now }

// Schedule adds an event firing `delay` cycles from now (delay < 0 is
// clamped to 0, i.e. fires on the next RunFor). Returns a handle
// that Cancel accepts.
func (s *Scheduler) Schedule(delay int64, kind Kind, arg int, cb Callback) int64 {
	if delay < 0 {
		delay = 0
	}
	if s.byID == nil {
		s.byID = make(map[int64]*event)
	}
	s.nextID++
	id := s.nextID
	e := &event{deadline: s.now + delay, seq: s.seq, id: id, kind: kind, arg: arg, cb: cb}
	s.seq++
	heap.Push(&s.heap, e)
	s.byID[id] = e
	return id
}

// Cancel removes a pending event by handle. Idempotent: canceling an
// already-fired or already-canceled handle is a no-op.
func (s *Scheduler) Cancel(id int64) {
	e, ok := s.byID[id]
	if !ok {
		return
	}
	delete(s.byID, id)
	if e.index >= 0 {
		heap.Remove(&s.heap, e.index)
	}
}

// Pending reports whether any event remains in the queue.
func (s *Scheduler) Pending() bool {
	return len(s.heap) > 0
}

// RunFor advances the counter by `cycles` (saturating at zero for
// negative input, never running backwards) and fires every event whose
// deadline falls within the advanced window, in deadline order with
// insertion-order tie-breaks.
func (s *Scheduler) RunFor(cycles int64) {
	if cycles < 0 {
		cycles = 0
	}
	target := s.now + cycles
	for len(s.heap) > 0 && s.heap[0].deadline <= target {
		e := heap.Pop(&s.heap).(*event)
		delete(s.byID, e.id)
		s.now = e.deadline
		e.cb(e.arg)
	}
	if s.now < target {
		s.now = target
	}
}
