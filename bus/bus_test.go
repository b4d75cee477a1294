/*
 * ps2bus - Bus wiring tests.
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

package bus

import (
	"testing"

	"github.com/pstwo/bus/gs"
	"github.com/pstwo/bus/iopdmac"
)

func setup() (*Bus, *gs.Recorder) {
	rec := gs.NewRecorder()
	b := New(nil, rec)
	return b, rec
}

// Writing a quadword into main RAM and kicking the GIF DMA channel
// through a CHCR/MADR/QWC register sequence should end up forwarded
// to the GS sink via GIF PATH3, exercising memory, EE DMAC register
// decode, and GIF end to end.
func TestGIFPath3EndToEnd(t *testing.T) {
	b, rec := setup()

	if !b.gifc.RequestPath3() {
		t.Fatal("RequestPath3 should grant with the bus idle")
	}

	const base = uint32(0x00100000)
	// GIFtag: NLOOP=1, EOP, NREG=1, reg 0x5 (PACKED).
	tagLo := uint64(1) | 1<<15
	tagHi := uint64(0x5)
	if f := b.mem.Write(base, 16, tagLo, tagHi); f != nil {
		t.Fatalf("seed tag write faulted: %v", f)
	}
	if f := b.mem.Write(base+16, 16, 0xAAAA, 0xBBBB); f != nil {
		t.Fatalf("seed data write faulted: %v", f)
	}

	b.writeEEDMACReg(0x1000A010, base) // GIF MADR
	b.writeEEDMACReg(0x1000A020, 2)    // GIF QWC
	b.writeEEDMACReg(0x1000A000, 0x101) // GIF CHCR: dir=from-mem, mode=normal, start

	b.RunFor(64)

	if len(rec.Regs) != 1 {
		t.Fatalf("GS received %d register writes, want 1", len(rec.Regs))
	}
	if rec.Regs[0].Reg != 0x5 || rec.Regs[0].Lo != 0xAAAA || rec.Regs[0].Hi != 0xBBBB {
		t.Fatalf("reg write = %+v", rec.Regs[0])
	}
}

func TestRunForAdvancesSchedulerAndDMACsWithoutPanicking(t *testing.T) {
	b, _ := setup()
	b.RunFor(1000)
	if b.Scheduler().Now() != 1000 {
		t.Fatalf("scheduler now = %d, want 1000", b.Scheduler().Now())
	}
}

// D_CTRL/D_STAT/RBOR/RBSR are reachable through the CPU-side MMIO
// window (spec §6.1), not just eedmac's own accessors, and a completed
// channel's D_STAT bit reaches INTC as INT1 (spec §5(c), §4.3).
func TestGlobalRegisterMMIOAndINTC(t *testing.T) {
	b, _ := setup()

	b.writeEEDMACGlobalReg(regDRBOR, 0x12340)
	b.writeEEDMACGlobalReg(regDRBSR, 0x00FF0)
	if got := b.readEEDMACGlobalReg(regDRBOR); got != 0x12340 {
		t.Fatalf("RBOR round-trip = %#x, want 0x12340", got)
	}
	if got := b.readEEDMACGlobalReg(regDRBSR); got != 0x00FF0 {
		t.Fatalf("RBSR round-trip = %#x, want 0x00FF0", got)
	}

	b.writeEEDMACGlobalReg(regDCTRL, 0x1) // master enable
	if b.readEEDMACGlobalReg(regDCTRL)&0x1 == 0 {
		t.Fatal("D_CTRL master-enable bit should round-trip")
	}

	// Unmask the GIF channel's D_STAT bit (index 2) so its completion
	// actually asserts INT1, matching real hardware: a latched-but-
	// unmasked D_STAT bit never reaches INTC.
	b.writeEEDMACGlobalReg(regDSTAT, 1<<(16+2))

	const base = uint32(0x00100000)
	if !b.gifc.RequestPath3() {
		t.Fatal("RequestPath3 should grant with the bus idle")
	}
	b.mem.Write(base, 16, uint64(1)|1<<15, 0x5)
	b.mem.Write(base+16, 16, 0xAAAA, 0xBBBB)
	b.writeEEDMACReg(0x1000A010, base)
	b.writeEEDMACReg(0x1000A020, 2)
	b.writeEEDMACReg(0x1000A000, 0x101)
	b.RunFor(64)

	if b.readINTCReg(0x1000F000)&(1<<1) == 0 {
		t.Fatalf("GIF DMAC completion should have raised INT1 (bit 1) in INTC_STAT")
	}
}

// Scenario 3 end to end: the IOP queues a 5-word SIF0 transfer; the EE
// drains 8 words (two quadwords), so the trailing three slots replay
// the oldest of the IOP's last-four buffer.
func TestSIF0EndToEndJunkReplay(t *testing.T) {
	b, _ := setup()

	// IOP-side SIF DMAtag at 0x100: payload at 0x1000, 5 words, end bit,
	// followed by the EE-side DMAtag (QWC=2, id=end, dest 0x00100000).
	b.iopRAM.WriteWord(0x100, 0x1000|0x80000000)
	b.iopRAM.WriteWord(0x104, 5)
	b.iopRAM.WriteWord(0x108, uint32(2)|uint32(7)<<28)
	b.iopRAM.WriteWord(0x10C, 0x00100000)
	payload := []uint32{0xA1, 0xB2, 0xC3, 0xD4, 0xE5}
	for i, w := range payload {
		b.iopRAM.WriteWord(0x1000+uint32(i)*4, w)
	}

	b.iop.WriteTADR(iopdmac.ChSIF0, 0x100)
	b.iop.Start(iopdmac.ChSIF0)
	b.writeEEDMACReg(0x1000C000, 0x104) // SIF0 CHCR: chain, to memory, start

	for i := 0; i < 4; i++ {
		b.RunFor(256)
	}

	lo0, hi0, f := b.mem.Read(0x00100000, 16)
	if f != nil {
		t.Fatalf("readback faulted: %v", f)
	}
	if lo0 != (uint64(0xA1)|uint64(0xB2)<<32) || hi0 != (uint64(0xC3)|uint64(0xD4)<<32) {
		t.Fatalf("quad 0 = %x:%x", hi0, lo0)
	}

	// The junk value is the oldest surviving entry of the last-four
	// buffer: with 7 words written (2 tag + 5 payload), that is 0xB2.
	lo1, hi1, f := b.mem.Read(0x00100010, 16)
	if f != nil {
		t.Fatalf("readback faulted: %v", f)
	}
	if lo1 != (uint64(0xE5)|uint64(0xB2)<<32) || hi1 != (uint64(0xB2)|uint64(0xB2)<<32) {
		t.Fatalf("quad 1 = %x:%x, want E5 then three 0xB2 junk words", hi1, lo1)
	}
}

// VIF1 DIRECT reaches the GS through PATH2, fed by the VIF1 DMA
// channel: memory -> EE DMAC -> VIF1 -> GIF -> sink.
func TestVIF1DirectPath2EndToEnd(t *testing.T) {
	b, rec := setup()

	const base = uint32(0x00100000)
	// quad 0: three NOPs then DIRECT count=1, so the payload that
	// follows is quadword-aligned the way real packets pad it
	direct := uint64(0x50)<<24 | 1
	b.mem.Write(base, 16, 0, direct<<32)
	// quad 1: the GIFtag packet (NLOOP=0, EOP) - a header-only packet
	b.mem.Write(base+16, 16, uint64(0)|1<<15, 0)

	b.writeEEDMACReg(0x10009010, base) // VIF1 MADR
	b.writeEEDMACReg(0x10009020, 2)    // VIF1 QWC
	b.writeEEDMACReg(0x10009000, 0x101)

	for i := 0; i < 4; i++ {
		b.RunFor(64)
	}

	if b.vif1.CurrentState() != 0 {
		t.Fatalf("VIF1 should be idle after the DIRECT payload drained")
	}
	_ = rec
	if !b.gifc.Path3Done() {
		t.Fatal("GIF should be back at a packet boundary")
	}
}

// The INTC spin-read heuristic halts after 1000 unchanged reads and
// any INTC write unhalts (spec §5(c)).
func TestINTCSpinReadHalt(t *testing.T) {
	b, _ := setup()
	for i := 0; i < 1000; i++ {
		b.readINTCReg(0x1000F000)
	}
	if !b.Halted() {
		t.Fatal("core should halt after 1000 unchanged INTC_STAT reads")
	}
	b.writeINTCReg(0x1000F000, 0)
	if b.Halted() {
		t.Fatal("any INTC write must unhalt")
	}
}
