/*
 * ps2bus - Graphics Interface: PATH1/2/3 arbitration and GIFtag decode.
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

// Package gif parses GIFtag-prefixed packet streams from the three GS
// paths and forwards decoded register writes to the GS sink (spec
// §4.7). No gif.cpp/gif.hpp was retrieved into original_source/, so
// this is grounded purely on spec.md's wire layout and the teacher's
// small-struct-with-explicit-accessors style (mirrored from dmatag's
// bitfield layout, itself grounded on dmac.cpp).
package gif

import (
	"github.com/pstwo/bus/dmatag"
	"github.com/pstwo/bus/fifo"
	"github.com/pstwo/bus/gs"
)

// Path identifies one of the GIF's three input paths.
type Path int

const (
	Path1 Path = iota // VU1 XGKICK
	Path2             // VIF1 DIRECT
	Path3             // DMAC GIF channel
	numPaths
)

const fifoDepth = 16

type quad struct{ lo, hi uint64 }

// decodeState is the packet decoder's position within the current
// GIFtag-directed packet: fresh tag, or mid-loop at a known format.
type decodeState int

const (
	decodeNeedTag decodeState = iota
	decodePacked
	decodeRegList
	decodeImage
)

// GIF is the Graphics Interface: path arbiter plus packet decoder.
type GIF struct {
	gs gs.Sink

	in *fifo.Queue[quad]

	activePath    Path
	hasActive     bool
	requested     [numPaths]bool
	path3Masked   bool

	state          decodeState
	tag            dmatag.GIFTag
	loopsLeft      int
	regIdx         int
	imageWordsLeft int

	dmaWaiting bool
}

// New builds a GIF wired to the given GS sink.
func New(sink gs.Sink) *GIF {
	return &GIF{gs: sink, in: fifo.New[quad](fifoDepth)}
}

// RequestPath3 registers PATH3's bus request; returns whether PATH3 is
// immediately grantable (no higher-priority path active and PATH3
// isn't masked).
func (g *GIF) RequestPath3() bool {
	g.requested[Path3] = true
	return g.tryActivate(Path3)
}

// RequestPath1/RequestPath2 are the equivalent entry points for XGKICK
// and VIF1 DIRECT.
func (g *GIF) RequestPath1() bool { g.requested[Path1] = true; return g.tryActivate(Path1) }
func (g *GIF) RequestPath2() bool { g.requested[Path2] = true; return g.tryActivate(Path2) }

func (g *GIF) tryActivate(p Path) bool {
	if p == Path3 && g.path3Masked {
		return false
	}
	if !g.hasActive {
		g.activePath, g.hasActive = p, true
		return true
	}
	if g.activePath == p {
		return true
	}
	// Priority PATH1 > PATH2 > PATH3; a higher-priority request
	// preempts a lower one only at a GIFtag boundary, EOP or not. At a
	// boundary it is granted here; mid-packet it stays pending and
	// finishPacket hands it the bus when the current tag's loops end.
	if p < g.activePath && g.atPacketBoundary() {
		g.activePath = p
		return true
	}
	return false
}

func (g *GIF) atPacketBoundary() bool {
	return g.state == decodeNeedTag
}

// SetDMAWaiting / DMAWaiting record that the EE DMAC's GIF channel is
// parked on PATH3 backpressure (spec §4.7 "dma_waiting(b)").
func (g *GIF) SetDMAWaiting(waiting bool) { g.dmaWaiting = waiting }
func (g *GIF) DMAWaiting() bool           { return g.dmaWaiting }

// DeactivatePath2 releases PATH2 when VIF1's DIRECT payload completes.
func (g *GIF) DeactivatePath2() { g.DeactivatePath(Path2) }

// DeactivatePath releases a path once its packet stream is exhausted.
func (g *GIF) DeactivatePath(p Path) {
	g.requested[p] = false
	if g.hasActive && g.activePath == p {
		g.hasActive = false
		g.promoteNext()
	}
}

func (g *GIF) promoteNext() {
	for _, p := range [numPaths]Path{Path1, Path2, Path3} {
		if g.requested[p] && !(p == Path3 && g.path3Masked) {
			g.activePath, g.hasActive = p, true
			return
		}
	}
}

// PathActive reports whether p is the currently winning path.
func (g *GIF) PathActive(p Path) bool { return g.hasActive && g.activePath == p }

// PathActive3 is the EE DMAC's narrow view of PathActive(Path3).
func (g *GIF) PathActive3() bool { return g.PathActive(Path3) }

// SetMaskPath3 implements VIF's MSKPATH3: while masked, PATH3 requests
// remain pending instead of winning arbitration.
func (g *GIF) SetMaskPath3(masked bool) {
	g.path3Masked = masked
	if !masked && g.requested[Path3] {
		g.tryActivate(Path3)
	}
}

// FIFOFull / FIFODraining gate PATH3 delivery.
func (g *GIF) FIFOFull() bool     { return g.in.Full() }
func (g *GIF) FIFODraining() bool { return !g.in.Empty() && g.state != decodeNeedTag }

// SendPath3 is the EE DMAC's per-quadword delivery call.
func (g *GIF) SendPath3(lo, hi uint64) bool {
	return g.deliver(Path3, lo, hi)
}

// SendPath2 is VIF1 DIRECT's delivery call.
func (g *GIF) SendPath2(lo, hi uint64) bool {
	return g.deliver(Path2, lo, hi)
}

// SendPath1 is VU1 XGKICK's delivery call.
func (g *GIF) SendPath1(lo, hi uint64) bool {
	return g.deliver(Path1, lo, hi)
}

func (g *GIF) deliver(p Path, lo, hi uint64) bool {
	if !g.PathActive(p) {
		return false
	}
	if !g.in.Push(quad{lo, hi}) {
		return false
	}
	g.drain()
	return true
}

// Path3Done reports whether the decoder sits at a GIFtag boundary
// (the previous tag's loops are done, with or without EOP), the DMAC's
// cue to yield the bus (spec §4.7).
func (g *GIF) Path3Done() bool {
	return g.state == decodeNeedTag
}

// drain runs the packet decoder over whatever quadwords are queued,
// parsing tags and forwarding register writes to the GS.
func (g *GIF) drain() {
	for {
		switch g.state {
		case decodeNeedTag:
			q, ok := g.in.Pop()
			if !ok {
				return
			}
			g.tag = dmatag.DecodeGIFTag(q.lo, q.hi)
			g.loopsLeft = int(g.tag.NLOOP)
			g.regIdx = 0
			if g.tag.PRE {
				g.gs.WritePRIM(g.tag.PRIM)
			}
			switch g.tag.FLG {
			case dmatag.GIFPacked:
				g.state = decodePacked
			case dmatag.GIFRegList:
				g.state = decodeRegList
			case dmatag.GIFImage, dmatag.GIFDisable:
				g.state = decodeImage
				g.imageWordsLeft = int(g.tag.NLOOP) * 2
			}
			if g.loopsLeft == 0 {
				g.finishPacket()
			}

		case decodePacked:
			q, ok := g.in.Pop()
			if !ok {
				return
			}
			reg := g.tag.Reg(g.regIdx)
			g.gs.WriteReg(reg, q.lo, q.hi)
			g.advanceReg()

		case decodeRegList:
			// Each quadword carries two 64-bit register values; the
			// high half is padding when the packet's total is odd.
			q, ok := g.in.Pop()
			if !ok {
				return
			}
			g.gs.WriteReg(g.tag.Reg(g.regIdx), q.lo, 0)
			g.advanceReg()
			if g.state == decodeRegList {
				g.gs.WriteReg(g.tag.Reg(g.regIdx), q.hi, 0)
				g.advanceReg()
			}

		case decodeImage:
			q, ok := g.in.Pop()
			if !ok {
				return
			}
			if g.tag.FLG == dmatag.GIFImage {
				g.gs.WriteHWREG(q.lo, q.hi)
			}
			g.imageWordsLeft--
			if g.imageWordsLeft <= 0 {
				g.loopsLeft = 0
				g.finishPacket()
			}
		}
	}
}

func (g *GIF) advanceReg() {
	g.regIdx++
	if g.regIdx >= g.tag.RegCount() {
		g.regIdx = 0
		g.loopsLeft--
		if g.loopsLeft <= 0 {
			g.finishPacket()
		}
	}
}

func (g *GIF) finishPacket() {
	g.state = decodeNeedTag
	if g.tag.EOP {
		g.DeactivatePath(g.activePath)
		return
	}
	// Packet boundary without EOP: a higher-priority request recorded
	// while this packet was in flight wins now. The lower path's own
	// request stays pending, so promoteNext resumes it once the winner
	// releases the bus.
	if g.hasActive {
		for p := Path1; p < g.activePath; p++ {
			if g.requested[p] {
				g.activePath = p
				return
			}
		}
	}
}
