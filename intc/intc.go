/*
 * ps2bus - EE Interrupt Controller: INTC_STAT/INTC_MASK latch pair.
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

// Package intc is the EE's interrupt controller: INTC_STAT/INTC_MASK at
// 0x1000_F000-F01F (spec §6.1), plus the spin-wait speedhack heuristic
// of §5 suspension point (c). INTC_STAT bits are cleared by writing 1
// (spec §8 round-trip laws); INTC_MASK bits XOR-toggle on write. Line 1
// (INT1) is raised through the EE DMAC's INT1 callback (wired by the
// bus) so a channel-done or MFIFO_EMPTY event becomes a real interrupt
// line, closing the loop the
// spec's §4.3 "int1_check()" calls into. Grounded on sif.go's control
// register latch/XOR-toggle idiom, the only other place this bus speaks
// that register convention.
package intc

// Line indexes the handful of interrupt sources this core originates.
// Real hardware has 16 lines (INT0-INT15); only the ones this core's
// components can actually assert are named.
type Line uint

const (
	INT1   Line = 1 // EE DMAC channel-done / MFIFO_EMPTY
	INT2   Line = 2 // EE DMAC stall-drain completion (reserved, unused)
	SBUS   Line = 3 // SIF mailbox activity
	maxLine     = 16
)

// INTC holds the latched status/mask pair and the spin-read counter
// behind the "halt on repeated unchanged INTC_STAT read" heuristic.
type INTC struct {
	stat uint32
	mask uint32

	spinReads  int
	lastRead   uint32
	halted     bool
}

// New returns an INTC with every line clear and unmasked.
func New() *INTC { return &INTC{} }

// Raise latches a line's status bit (idempotent: an already-set bit
// stays set until explicitly cleared).
func (i *INTC) Raise(l Line) {
	if l >= maxLine {
		return
	}
	i.stat |= 1 << uint(l)
}

// ReadStat returns INTC_STAT and runs the spin-wait speedhack heuristic:
// 1000 consecutive reads that return the same value halt the (external)
// CPU until the next WriteStat or WriteMask call. A Raise that changes
// the value restarts the count on the next read but does not clear a
// halt already in effect.
func (i *INTC) ReadStat() uint32 {
	if i.stat == i.lastRead {
		i.spinReads++
		if i.spinReads >= 1000 {
			i.halted = true
		}
	} else {
		i.spinReads = 1
		i.lastRead = i.stat
	}
	return i.stat
}

// WriteStat clears the bits set in v (write-1-to-clear) and unhalts the
// core, matching spec §5(c): "unhalt() runs on every INTC write."
func (i *INTC) WriteStat(v uint32) {
	i.stat &^= v
	i.unhalt()
}

// ReadMask returns INTC_MASK.
func (i *INTC) ReadMask() uint32 { return i.mask }

// WriteMask XOR-toggles the bits set in v and unhalts the core.
func (i *INTC) WriteMask(v uint32) {
	i.mask ^= v
	i.unhalt()
}

func (i *INTC) unhalt() {
	i.spinReads = 0
	i.halted = false
}

// Halted reports whether the spin-wait heuristic has parked the CPU.
func (i *INTC) Halted() bool { return i.halted }

// Pending reports whether any unmasked line is asserted.
func (i *INTC) Pending() bool { return i.stat&i.mask != 0 }
