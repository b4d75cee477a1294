/*
 * ps2bus - Subsystem Interface: SIF0/SIF1 FIFOs bridging EE and IOP.
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

// Package sif is the Subsystem Interface: two 32-word FIFOs coupling
// the EE and IOP DMACs, plus the MSCOM/SMCOM/MSFLAG/SMFLAG mailbox
// registers and the control register's split latch/XOR-toggle write
// semantics (spec §4.5, §6.3). Grounded on the teacher's pattern of a
// small peripheral struct with explicit register accessors
// (emu/sys_channel chandefs.go), generalized from CCW-channel
// bookkeeping to a two-FIFO bridge.
package sif

import "github.com/pstwo/bus/fifo"

const fifoDepth = 32

// SIF owns both FIFOs and the mailbox/control registers. Neither the
// EE nor the IOP DMAC owns this struct; both reach it through a shared
// *SIF capability wired by the bus (Design Notes, "cyclic references").
type SIF struct {
	sif0 *fifo.Queue[uint32]
	sif1 *fifo.Queue[uint32]

	last4     [4]uint32
	last4Len  int
	junkValue uint32
	junkArmed bool

	mscom, smcom   uint32
	msflag, smflag uint32
	ctrl           uint32

	notify Notify
}

// Notify carries the dma_req edges of §4.5: the bus wires these to the
// two DMACs' SetDMARequest entry points at construction. Any hook may
// be nil.
type Notify struct {
	SIF0Readable func() // EE side: >= 4 words queued
	SIF0Writable func() // IOP side: >= 2 words free
	SIF1Readable func() // IOP side: any word queued
	SIF1Writable func() // EE side: a whole quadword fits
}

// SetNotify installs the backpressure hooks.
func (s *SIF) SetNotify(n Notify) { s.notify = n }

// New returns an SIF with both FIFOs empty.
func New() *SIF {
	return &SIF{sif0: fifo.New[uint32](fifoDepth), sif1: fifo.New[uint32](fifoDepth)}
}

// --- SIF0: IOP -> EE ---

// WriteSIF0 is the IOP DMAC's push. Returns false (FIFO full, no
// mutation) if there is no room; the IOP DMAC must check CanWriteSIF0
// first and retry on the next cycle (spec §7, no FIFO-overflow errors).
func (s *SIF) WriteSIF0(word uint32) bool {
	if !s.sif0.Push(word) {
		return false
	}
	if s.last4Len < 4 {
		s.last4[s.last4Len] = word
		s.last4Len++
	} else {
		copy(s.last4[:], s.last4[1:])
		s.last4[3] = word
	}
	s.junkArmed = false
	if s.sif0.Len() >= 4 && s.notify.SIF0Readable != nil {
		s.notify.SIF0Readable()
	}
	return true
}

// CanWriteSIF0 asserts the IOP-side dma_req per §4.5: free slots >= 2.
func (s *SIF) CanWriteSIF0() bool { return s.sif0.Free() >= 2 }

// CanReadSIF0 asserts the EE-side dma_req per §4.5: at least 4 words
// (one quadword) available.
func (s *SIF) CanReadSIF0() bool { return s.sif0.Len() >= 4 }

// ReadSIF0Word is the EE DMAC's pop. When the real FIFO has been
// drained mid-quadword it returns the junk-replay word (the oldest of
// the last four words the IOP wrote) instead of blocking, matching the
// "SIF0 junk-word replay" rule in §4.5.
func (s *SIF) ReadSIF0Word() uint32 {
	if v, ok := s.sif0.Pop(); ok {
		if s.sif0.Free() >= 2 && s.notify.SIF0Writable != nil {
			s.notify.SIF0Writable()
		}
		return v
	}
	if !s.junkArmed {
		s.junkValue = s.oldestOfLast4()
		s.junkArmed = true
	}
	return s.junkValue
}

// SendSIF0Junk pushes `count` replay words into SIF0, the IOP DMAC's
// padding after a transfer whose word count was not a multiple of four
// (spec §4.5).
func (s *SIF) SendSIF0Junk(count int) {
	for i := 0; i < count && s.sif0.CanPush(); i++ {
		s.sif0.Push(s.oldestOfLast4())
	}
}

func (s *SIF) oldestOfLast4() uint32 {
	if s.last4Len == 0 {
		return 0
	}
	return s.last4[0]
}

// ReadSIF0Tag satisfies the EE DMAC's destination-chain framing: the
// first two words of a SIF0 transfer are the IOP-composed DMAtag.
func (s *SIF) ReadSIF0Tag() (lo, hi uint32, ok bool) {
	w0, ok0 := s.sif0.Pop()
	if !ok0 {
		return 0, 0, false
	}
	w1, _ := s.sif0.Pop()
	return w0, w1, true
}

// --- SIF1: EE -> IOP ---

func (s *SIF) WriteSIF1(word uint32) bool {
	if !s.sif1.Push(word) {
		return false
	}
	if s.notify.SIF1Readable != nil {
		s.notify.SIF1Readable()
	}
	return true
}

func (s *SIF) CanWriteSIF1() bool { return s.sif1.CanPush() }
func (s *SIF) CanReadSIF1() bool  { return !s.sif1.Empty() }

func (s *SIF) ReadSIF1Word() (uint32, bool) {
	w, ok := s.sif1.Pop()
	if ok && s.sif1.Free() >= 4 && s.notify.SIF1Writable != nil {
		s.notify.SIF1Writable()
	}
	return w, ok
}

// --- EE DMAC SIF0Peer/SIF1Peer adapter methods ---

// ReadTag implements eedmac.SIF0Peer.
func (s *SIF) ReadTag() (lo, hi uint32, ok bool) { return s.ReadSIF0Tag() }

// ReadWord implements eedmac.SIF0Peer: always succeeds once any data
// (real or junk) has ever been written, per the replay rule above.
func (s *SIF) ReadWord() (uint32, bool) {
	if s.sif0.Empty() && s.last4Len == 0 {
		return 0, false
	}
	return s.ReadSIF0Word(), true
}

// Write implements eedmac.SIF1Peer: push one quadword (as four words)
// into SIF1. Returns false if there isn't room for all four words.
func (s *SIF) Write(lo, hi uint64) bool {
	if s.sif1.Free() < 4 {
		return false
	}
	words := [4]uint32{uint32(lo), uint32(lo >> 32), uint32(hi), uint32(hi >> 32)}
	for _, w := range words {
		s.sif1.Push(w)
	}
	if s.notify.SIF1Readable != nil {
		s.notify.SIF1Readable()
	}
	return true
}

// --- mailbox registers ---

func (s *SIF) ReadMSCOM() uint32    { return s.mscom }
func (s *SIF) WriteMSCOM(v uint32)  { s.mscom = v }
func (s *SIF) ReadSMCOM() uint32    { return s.smcom }
func (s *SIF) WriteSMCOM(v uint32)  { s.smcom = v }

func (s *SIF) ReadMSFLAG() uint32 { return s.msflag }

// WriteMSFLAG sets bits when written by the EE (its own flag) and
// clears bits when written by the IOP acknowledging it.
func (s *SIF) WriteMSFLAG(v uint32, fromEE bool) {
	if fromEE {
		s.msflag |= v
	} else {
		s.msflag &^= v
	}
}

func (s *SIF) ReadSMFLAG() uint32 { return s.smflag }

// WriteSMFLAG is SMFLAG's mirror: the IOP sets, the EE clears.
func (s *SIF) WriteSMFLAG(v uint32, fromEE bool) {
	if fromEE {
		s.smflag &^= v
	} else {
		s.smflag |= v
	}
}

// --- control register (spec §6.3) ---

const (
	ctrlEELatchMask  = 0x100
	ctrlIOPXorMask   = 0x2000 | 0xF000 | 0xFF
	ctrlEEReadOR     = 0xF0000102
	ctrlIOPReadOR    = 0xF0000002
)

// WriteCtrlEE latches bit 0x100 directly (EE-side reset/ack).
func (s *SIF) WriteCtrlEE(v uint32) {
	s.ctrl = (s.ctrl &^ ctrlEELatchMask) | (v & ctrlEELatchMask)
}

// WriteCtrlIOP XOR-toggles bits 0x2000, 0xF000 and the low 8 bits.
func (s *SIF) WriteCtrlIOP(v uint32) {
	s.ctrl ^= v & ctrlIOPXorMask
}

func (s *SIF) ReadCtrlEE() uint32  { return s.ctrl | ctrlEEReadOR }
func (s *SIF) ReadCtrlIOP() uint32 { return s.ctrl | ctrlIOPReadOR }
