/*
 * ps2bus - GIF test cases.
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

package gif

import (
	"testing"

	"github.com/pstwo/bus/gs"
)

func gifTagQuad(nloop uint16, eop bool, nreg uint8, flg uint8, regs uint64) (lo, hi uint64) {
	lo = uint64(nloop)
	if eop {
		lo |= 1 << 15
	}
	word1 := uint64(flg&0x3)<<(58-32) | uint64(nreg&0xF)<<(60-32)
	lo |= word1 << 32
	return lo, regs
}

func TestPath3PackedPacketForwarded(t *testing.T) {
	rec := gs.NewRecorder()
	g := New(rec)
	if !g.RequestPath3() {
		t.Fatal("RequestPath3 should grant immediately with no other path active")
	}

	tagLo, tagHi := gifTagQuad(2, true, 1, 0, 0x5) // NLOOP=2, EOP, NREG=1, reg 0x5, PACKED
	if !g.SendPath3(tagLo, tagHi) {
		t.Fatal("SendPath3 refused the tag quadword")
	}
	if !g.SendPath3(0x1111, 0x2222) {
		t.Fatal("SendPath3 refused loop 0 data")
	}
	if !g.SendPath3(0x3333, 0x4444) {
		t.Fatal("SendPath3 refused loop 1 data")
	}

	if len(rec.Regs) != 2 {
		t.Fatalf("GS received %d register writes, want 2", len(rec.Regs))
	}
	if rec.Regs[0].Reg != 0x5 || rec.Regs[0].Lo != 0x1111 || rec.Regs[0].Hi != 0x2222 {
		t.Fatalf("reg write 0 = %+v", rec.Regs[0])
	}
	if !g.Path3Done() {
		t.Fatal("Path3Done should be true after EOP packet completes")
	}
}

func TestPath1PreemptsPath3OnlyAtBoundary(t *testing.T) {
	rec := gs.NewRecorder()
	g := New(rec)
	g.RequestPath3()

	tagLo, tagHi := gifTagQuad(1, false, 1, 0, 0x0)
	g.SendPath3(tagLo, tagHi)

	if g.RequestPath1() {
		t.Fatal("PATH1 should not preempt mid-packet")
	}
	if !g.PathActive3() {
		t.Fatal("PATH3 should remain active mid-packet")
	}

	g.SendPath3(0xAAAA, 0xBBBB) // completes the single loop, no EOP so stays at decodeNeedTag boundary
	if !g.atPacketBoundary() {
		t.Fatal("decoder should be back at a tag boundary")
	}
}

func TestMaskPath3BlocksArbitration(t *testing.T) {
	rec := gs.NewRecorder()
	g := New(rec)
	g.SetMaskPath3(true)
	if g.RequestPath3() {
		t.Fatal("RequestPath3 should not win while masked")
	}
	g.SetMaskPath3(false)
	if !g.PathActive3() {
		t.Fatal("PATH3 should activate once unmasked with a pending request")
	}
}

func TestImageFormatForwardsHWREG(t *testing.T) {
	rec := gs.NewRecorder()
	g := New(rec)
	g.RequestPath3()
	tagLo, tagHi := gifTagQuad(1, true, 0, 2, 0) // NLOOP=1, EOP, FLG=image -> 2 raw quadwords
	g.SendPath3(tagLo, tagHi)
	g.SendPath3(0x1, 0x2)
	g.SendPath3(0x3, 0x4)

	if len(rec.HWREGs) != 2 {
		t.Fatalf("HWREG writes = %d, want 2", len(rec.HWREGs))
	}
}

// REGLIST packs two 64-bit register values per quadword; an odd total
// leaves the final high half as padding.
func TestRegListTwoValuesPerQuad(t *testing.T) {
	rec := gs.NewRecorder()
	g := New(rec)
	g.RequestPath3()

	tagLo, tagHi := gifTagQuad(3, true, 1, 1, 0x4) // NLOOP=3, NREG=1, reg 0x4, REGLIST
	g.SendPath3(tagLo, tagHi)
	g.SendPath3(0x11, 0x22)
	g.SendPath3(0x33, 0x9999) // high half is padding beyond the third value

	if len(rec.Regs) != 3 {
		t.Fatalf("GS received %d register writes, want 3", len(rec.Regs))
	}
	want := []uint64{0x11, 0x22, 0x33}
	for i, w := range want {
		if rec.Regs[i].Reg != 0x4 || rec.Regs[i].Lo != w {
			t.Fatalf("reg write %d = %+v, want lo=%x", i, rec.Regs[i], w)
		}
	}
	if !g.Path3Done() {
		t.Fatal("packet should be complete")
	}
}

// PRE writes PRIM once per packet before the loops run.
func TestPREWritesPRIM(t *testing.T) {
	rec := gs.NewRecorder()
	g := New(rec)
	g.RequestPath3()

	tagLo, tagHi := gifTagQuad(1, true, 1, 0, 0x0)
	tagLo |= 1 << 46          // PRE
	tagLo |= uint64(0x155) << 47 // PRIM
	g.SendPath3(tagLo, tagHi)
	g.SendPath3(0xAA, 0xBB)

	if len(rec.Prims) != 1 || rec.Prims[0] != 0x155 {
		t.Fatalf("PRIM writes = %v, want [0x155]", rec.Prims)
	}
}

// A PATH1 request recorded mid-packet wins at the next packet
// boundary of a non-EOP PATH3 chain, and PATH3 resumes once PATH1's
// packet ends.
func TestPath1WinsAtNonEOPBoundaryThenPath3Resumes(t *testing.T) {
	rec := gs.NewRecorder()
	g := New(rec)
	g.RequestPath3()

	tagLo, tagHi := gifTagQuad(1, false, 1, 0, 0x0)
	g.SendPath3(tagLo, tagHi)
	if g.RequestPath1() {
		t.Fatal("PATH1 must not preempt mid-packet")
	}

	g.SendPath3(0xAAAA, 0xBBBB) // finishes the packet, no EOP
	if !g.PathActive(Path1) {
		t.Fatal("PATH1 should win at the packet boundary")
	}
	if g.PathActive3() {
		t.Fatal("PATH3 must be parked while PATH1 holds the bus")
	}

	// PATH1 sends a header-only EOP packet and releases the bus.
	eopLo, eopHi := gifTagQuad(0, true, 0, 0, 0x0)
	if !g.SendPath1(eopLo, eopHi) {
		t.Fatal("SendPath1 refused while PATH1 active")
	}
	if !g.PathActive3() {
		t.Fatal("PATH3's pending request should resume after PATH1's EOP")
	}
}
