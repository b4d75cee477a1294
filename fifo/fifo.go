/*
 * ps2bus - Generic fixed-capacity ordered queue.
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

// Package fifo is the ordered, fixed-capacity queue shared by SIF, VIF and
// GIF. Readers see elements in insertion order; a write to a full queue is
// a programming bug, not a runtime error (§7), so Push reports ok=false
// and leaves the queue untouched instead of panicking - callers must
// check CanPush first and retry on the next cycle.
package fifo

// Queue is a ring-buffer backed FIFO of element type T.
type Queue[T any] struct {
	buf   []T
	head  int
	count int
}

// New returns an empty queue with room for `capacity` elements.
func New[T any](capacity int) *Queue[T] {
	return &Queue[T]{buf: make([]T, capacity)}
}

func (q *Queue[T]) Cap() int { return len(q.buf) }
func (q *Queue[T]) Len() int { return q.count }
func (q *Queue[T]) Empty() bool { return q.count == 0 }
func (q *Queue[T]) Full() bool  { return q.count == len(q.buf) }
func (q *Queue[T]) CanPush() bool { return !q.Full() }
func (q *Queue[T]) Free() int     { return len(q.buf) - q.count }

// Push appends v. ok is false (no mutation) if the queue is full.
func (q *Queue[T]) Push(v T) (ok bool) {
	if q.Full() {
		return false
	}
	tail := (q.head + q.count) % len(q.buf)
	q.buf[tail] = v
	q.count++
	return true
}

// Pop removes and returns the oldest element. ok is false if empty.
func (q *Queue[T]) Pop() (v T, ok bool) {
	if q.Empty() {
		return v, false
	}
	v = q.buf[q.head]
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	return v, true
}

// Peek returns the oldest element without removing it.
func (q *Queue[T]) Peek() (v T, ok bool) {
	if q.Empty() {
		return v, false
	}
	return q.buf[q.head], true
}

// Reset empties the queue without reallocating the backing array.
func (q *Queue[T]) Reset() {
	q.head, q.count = 0, 0
}
