/*
 * ps2bus - Bus: the arena wiring every component together.
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

// Package bus is the cooperative single-threaded core (spec §2, §5):
// the arena that owns the Scheduler, EE memory subsystem, both DMACs,
// SIF, VIF0/VIF1, GIF, the vector units, GS sink, IOP RAM and
// scratchpad, and drives them all from one RunFor call. Grounded on
// the teacher's emu/core/core.go cooperative loop (cycle the active
// engine, advance the event queue, process pending requests), with
// the goroutine/channel plumbing removed since this core has no
// separate "operator console" thread to synchronize with.
package bus

import (
	"log/slog"

	"github.com/pstwo/bus/eedmac"
	"github.com/pstwo/bus/fault"
	"github.com/pstwo/bus/eemem"
	"github.com/pstwo/bus/gif"
	"github.com/pstwo/bus/gs"
	"github.com/pstwo/bus/intc"
	"github.com/pstwo/bus/iopdmac"
	"github.com/pstwo/bus/ipu"
	"github.com/pstwo/bus/logger"
	"github.com/pstwo/bus/scheduler"
	"github.com/pstwo/bus/sif"
	"github.com/pstwo/bus/vif"
	"github.com/pstwo/bus/vu"
)

const (
	mainRAMSize    = 32 * 1024 * 1024
	iopRAMSize     = 2 * 1024 * 1024
	scratchpadSize = 16 * 1024
	vu0DataSize    = 4 * 1024
	vu0InstrSize   = 4 * 1024
	vu1DataSize    = 16 * 1024
	vu1InstrSize   = 16 * 1024
)

// iopRAM adapts a flat byte slice to iopdmac.RAM.
type iopRAM struct{ mem []byte }

func (r *iopRAM) ReadWord(addr uint32) uint32 {
	a := addr % uint32(len(r.mem)-3)
	return uint32(r.mem[a]) | uint32(r.mem[a+1])<<8 | uint32(r.mem[a+2])<<16 | uint32(r.mem[a+3])<<24
}

func (r *iopRAM) WriteWord(addr uint32, v uint32) {
	a := addr % uint32(len(r.mem)-3)
	r.mem[a] = byte(v)
	r.mem[a+1] = byte(v >> 8)
	r.mem[a+2] = byte(v >> 16)
	r.mem[a+3] = byte(v >> 24)
}

// mmioRouter implements eemem.MMIO, demultiplexing physical addresses
// to the owning peripheral per spec §6.1. The DMAC, VIF register and
// FIFO, INTC, SIF and D_ENABLER/D_ENABLEW ranges are wired; any other
// address reads as 0 and ignores writes.
type mmioRouter struct {
	bus *Bus
}

func (m *mmioRouter) Read(addr uint32, size int) (uint64, bool) {
	switch {
	case addr >= 0x10003800 && addr < 0x10004000:
		return m.bus.readVIFReg(addr), true
	case addr >= 0x10008000 && addr < 0x1000E000:
		return m.bus.readEEDMACReg(addr), true
	case addr >= 0x1000E000 && addr < 0x1000F000:
		return m.bus.readEEDMACGlobalReg(addr), true
	case addr >= 0x1000F000 && addr < 0x1000F020:
		return m.bus.readINTCReg(addr), true
	case addr >= 0x1000F200 && addr < 0x1000F260:
		return m.bus.readSIFReg(addr), true
	case addr == 0x1000F520:
		return uint64(m.bus.ee.ReadEnable()), true
	}
	return 0, true
}

func (m *mmioRouter) Write(addr uint32, size int, value uint64) bool {
	switch {
	case addr >= 0x10003800 && addr < 0x10004000:
		m.bus.writeVIFReg(addr, uint32(value))
	case addr >= 0x10004000 && addr < 0x10006000:
		m.bus.writeVIFFIFO(addr, size, value)
	case addr >= 0x10008000 && addr < 0x1000E000:
		m.bus.writeEEDMACReg(addr, uint32(value))
	case addr >= 0x1000E000 && addr < 0x1000F000:
		m.bus.writeEEDMACGlobalReg(addr, uint32(value))
	case addr >= 0x1000F000 && addr < 0x1000F020:
		m.bus.writeINTCReg(addr, uint32(value))
	case addr >= 0x1000F200 && addr < 0x1000F260:
		m.bus.writeSIFReg(addr, uint32(value))
	case addr == 0x1000F590:
		m.bus.ee.WriteEnable(uint32(value))
	}
	return true
}

// Bus owns every component; no component holds an owning back-pointer
// to another (Design Notes, "cyclic references") - peers reach each
// other only through the capability interfaces passed at
// construction.
type Bus struct {
	log *slog.Logger

	sched *scheduler.Scheduler
	mem   *eemem.Memory

	mainRAMPages [][]byte
	scratchpad   []byte
	iopRAM       *iopRAM

	ee   *eedmac.DMAC
	iop  *iopdmac.DMAC
	sif  *sif.SIF
	intc *intc.INTC

	vif0   *vif.VIF
	vif1   *vif.VIF
	gifc   *gif.GIF
	gsSink gs.Sink

	vu0, vu1 *vu.Unit
	ipuGate  *ipu.Gate

	fatal *fault.Fault
}

// New assembles the full bus: every component constructed and wired
// before RunFor is ever called, matching the teacher's NewCPU
// constructor shape.
func New(log *slog.Logger, gsSink gs.Sink) *Bus {
	if log == nil {
		log = logger.Nop()
	}

	b := &Bus{
		log:        log,
		sched:      scheduler.New(),
		scratchpad: make([]byte, scratchpadSize),
		iopRAM:     &iopRAM{mem: make([]byte, iopRAMSize)},
		vu0:        vu.New(vu0DataSize, vu0InstrSize),
		vu1:        vu.New(vu1DataSize, vu1InstrSize),
		ipuGate:    ipu.New(8),
		sif:        sif.New(),
		intc:       intc.New(),
		gsSink:     gsSink,
	}

	b.mem = eemem.New(1<<20, &mmioRouter{bus: b})
	b.mapMainRAM()
	b.mapMMIO()
	b.mapWindow(0x70000000, b.scratchpad)
	b.mapWindow(0x1C000000, b.iopRAM.mem)

	b.gifc = gif.New(gsSink)
	b.vif0 = vif.New(b.vu0, 64, nil)
	b.vif1 = vif.New(b.vu1, 64, b.gifc)

	b.ee = eedmac.New(b.mem, b.scratchpad, eedmac.Peers{
		VIF0: vifFeedAdapter{b.vif0},
		VIF1: vifFeedAdapter{b.vif1},
		GIF:  b.gifc,
		IPU:  b.ipuGate,
		SIF0: b.sif,
		SIF1: b.sif,
	})
	b.iop = iopdmac.New(b.iopRAM, b.sif, b.sif)
	b.ee.SetMasterEnable(true)
	b.iop.SetMasterEnable(true)

	b.ee.SetInt1Callback(func() { b.intc.Raise(intc.INT1) })
	b.sif.SetNotify(sif.Notify{
		SIF0Readable: func() { b.ee.SetDMARequest(eedmac.SIF0) },
		SIF0Writable: func() { b.iop.SetDMARequest(iopdmac.ChSIF0) },
		SIF1Readable: func() { b.iop.SetDMARequest(iopdmac.ChSIF1) },
		SIF1Writable: func() { b.ee.SetDMARequest(eedmac.SIF1) },
	})

	return b
}

// vifFeedAdapter narrows *vif.VIF to eedmac.VIFPeer: whole quadwords
// in, the TTE tag path routed to TransferDMAtag.
type vifFeedAdapter struct{ v *vif.VIF }

func (a vifFeedAdapter) Feed(lo, hi uint64) bool    { return a.v.FeedDMA(lo, hi) }
func (a vifFeedAdapter) FeedTag(lo, hi uint64) bool { return a.v.TransferDMAtag(lo, hi) }

// mapMMIO marks the low register window (spec §6.1's 0x1000_0000-
// 0x1000_F590 peripheral range) as MMIO-dispatched so mmioRouter is
// actually reachable from a CPU-side access; without this every
// channel/global/INTC/SIF register read or write would fall through to
// the null TLB sentinel and fault as an AccessViolation.
func (b *Bus) mapMMIO() {
	const pageSize = 4096
	for addr := uint32(0x10000000); addr < 0x10010000; addr += pageSize {
		b.mem.MapMMIO(addr)
	}
}

// mapWindow exposes a flat backing slice (scratchpad, IOP RAM) at its
// §6.1 physical window, page by page.
func (b *Bus) mapWindow(base uint32, backing []byte) {
	const pageSize = 4096
	for off := 0; off+pageSize <= len(backing); off += pageSize {
		b.mem.MapPage(base+uint32(off), backing[off:off+pageSize])
	}
}

func (b *Bus) mapMainRAM() {
	const pageSize = 4096
	pages := mainRAMSize / pageSize
	b.mainRAMPages = make([][]byte, pages)
	for i := 0; i < pages; i++ {
		b.mainRAMPages[i] = make([]byte, pageSize)
		b.mem.MapPage(uint32(i*pageSize), b.mainRAMPages[i])
	}
}

// Memory exposes the EE memory subsystem for CPU-side access (out of
// scope per spec §1, but the interpreter/JIT needs this handle).
func (b *Bus) Memory() *eemem.Memory { return b.mem }

// Scheduler exposes the time base for vblank/timer wiring.
func (b *Bus) Scheduler() *scheduler.Scheduler { return b.sched }

// RunFor advances the whole core by `cycles` EE cycles: the scheduler
// first (firing any due events), then the EE DMAC, the IOP DMAC at
// roughly half rate, and the VIF/GIF decoders, matching the
// time-sliced cooperative model of spec §5.
func (b *Bus) RunFor(cycles int64) {
	b.sched.RunFor(cycles)

	if f := b.ee.Run(int(cycles)); f != nil {
		b.halt(f)
	}
	if f := b.iop.Run(int(cycles) / 2); f != nil {
		b.halt(f)
	}
	for i := int64(0); i < cycles; i++ {
		if f := b.vif0.Step(); f != nil {
			b.halt(f)
			break
		}
		if f := b.vif1.Step(); f != nil {
			b.halt(f)
			break
		}
	}
}

// halt records the first unrecoverable fault; the binary turns it into
// a nonzero exit with the diagnostic on stderr (spec §7).
func (b *Bus) halt(f *fault.Fault) {
	b.log.Error("bus fault", "error", f.Error())
	if b.fatal == nil && !f.Kind.Recoverable() {
		b.fatal = f
	}
}

// Fault returns the unrecoverable fault that halted the core, if any.
func (b *Bus) Fault() *fault.Fault { return b.fatal }

// --- VIF register and FIFO windows (spec §4.6, §6.1) ---
//
// Real hardware places VIF0's registers at 0x1000_3800 and VIF1's at
// 0x1000_3C00 (STAT/FBRST/ERR/MARK at +0x00/+0x10/+0x20/+0x30); the
// FIFO doors sit at 0x1000_4000 (VIF0) and 0x1000_5000 (VIF1).

func (b *Bus) vifForAddr(addr uint32) *vif.VIF {
	if addr&0x400 != 0 || addr&0x1000 != 0 {
		return b.vif1
	}
	return b.vif0
}

func (b *Bus) readVIFReg(addr uint32) uint64 {
	v := b.vifForAddr(addr)
	switch addr & 0xFF {
	case 0x00:
		return uint64(v.ReadStat())
	case 0x20:
		return uint64(v.ReadErr())
	case 0x30:
		return uint64(v.ReadMark())
	default:
		return 0
	}
}

func (b *Bus) writeVIFReg(addr uint32, val uint32) {
	v := b.vifForAddr(addr)
	switch addr & 0xFF {
	case 0x10:
		v.WriteFBRST(val)
	case 0x20:
		v.WriteErr(val)
	case 0x30:
		v.WriteMark(val)
	}
}

// writeVIFFIFO feeds CPU-side FIFO-door stores word by word; the
// memory subsystem splits a 128-bit store into two 64-bit MMIO writes,
// so each call carries at most 8 bytes.
func (b *Bus) writeVIFFIFO(addr uint32, size int, value uint64) {
	v := b.vifForAddr(addr)
	v.FeedWord(uint32(value))
	if size == 8 {
		v.FeedWord(uint32(value >> 32))
	}
}

// --- EE DMAC MMIO register window (spec §6.2) ---

var channelBase = map[uint32]eedmac.Channel{
	0x10008000: eedmac.VIF0,
	0x10009000: eedmac.VIF1,
	0x1000A000: eedmac.GIF,
	0x1000B000: eedmac.IPUFrom,
	0x1000B400: eedmac.IPUTo,
	0x1000C000: eedmac.SIF0,
	0x1000C400: eedmac.SIF1,
	0x1000D000: eedmac.SPRFrom,
	0x1000D400: eedmac.SPRTo,
}

func (b *Bus) channelForAddr(addr uint32) (eedmac.Channel, uint32, bool) {
	base := addr &^ 0xFF
	ch, ok := channelBase[base]
	return ch, addr & 0xFF, ok
}

func (b *Bus) readEEDMACReg(addr uint32) uint64 {
	ch, off, ok := b.channelForAddr(addr)
	if !ok {
		return 0
	}
	switch off {
	case 0x00:
		return uint64(b.ee.ReadCHCR(ch))
	case 0x10:
		return uint64(b.ee.ReadMADR(ch))
	case 0x20:
		return uint64(b.ee.ReadQWC(ch))
	case 0x30:
		return uint64(b.ee.ReadTADR(ch))
	case 0x80:
		return uint64(b.ee.ReadSADR(ch))
	default:
		return 0
	}
}

func (b *Bus) writeEEDMACReg(addr uint32, v uint32) {
	ch, off, ok := b.channelForAddr(addr)
	if !ok {
		return
	}
	switch off {
	case 0x00:
		b.ee.WriteCHCR(ch, v)
	case 0x10:
		b.ee.WriteMADR(ch, v)
	case 0x20:
		b.ee.WriteQWC(ch, v)
	case 0x30:
		b.ee.WriteTADR(ch, v)
	case 0x80:
		b.ee.WriteSADR(ch, v)
	}
}

// --- D_CTRL/D_STAT/PCR/SQWC/RBOR/RBSR/STADR window (spec §3, §6.1) ---
//
// Real hardware places these at 0x1000E000-0x1000E060; spec §6.2 only
// fixes the per-channel bases, so this core follows the hardware
// layout for the global registers the per-channel table omits.
const (
	regDCTRL = 0x1000E000
	regDSTAT = 0x1000E010
	regDPCR  = 0x1000E020
	regDSQWC = 0x1000E030
	regDRBOR = 0x1000E040
	regDRBSR = 0x1000E050
	regSTADR = 0x1000E060
)

func (b *Bus) readEEDMACGlobalReg(addr uint32) uint64 {
	switch addr {
	case regDCTRL:
		return uint64(b.ee.ReadDCTRL())
	case regDSTAT:
		return uint64(b.ee.ReadSTAT())
	case regDPCR:
		return uint64(b.ee.ReadPCR())
	case regDSQWC:
		return uint64(b.ee.ReadSQWC())
	case regDRBOR:
		return uint64(b.ee.ReadRBOR())
	case regDRBSR:
		return uint64(b.ee.ReadRBSR())
	case regSTADR:
		return uint64(b.ee.ReadSTADR())
	default:
		return 0
	}
}

func (b *Bus) writeEEDMACGlobalReg(addr uint32, v uint32) {
	switch addr {
	case regDCTRL:
		b.ee.WriteDCTRL(v)
	case regDSTAT:
		b.ee.WriteSTAT(v)
	case regDPCR:
		b.ee.WritePCR(v)
	case regDSQWC:
		b.ee.WriteSQWC(v&0xFF, (v>>16)&0xFF)
	case regDRBOR:
		b.ee.WriteRBOR(v)
	case regDRBSR:
		b.ee.WriteRBSR(v)
	}
}

// --- INTC_STAT/INTC_MASK window (spec §5(c), §6.1, §8) ---

func (b *Bus) readINTCReg(addr uint32) uint64 {
	switch addr & 0xFF {
	case 0x00:
		return uint64(b.intc.ReadStat())
	case 0x10:
		return uint64(b.intc.ReadMask())
	default:
		return 0
	}
}

func (b *Bus) writeINTCReg(addr uint32, v uint32) {
	switch addr & 0xFF {
	case 0x00:
		b.intc.WriteStat(v)
	case 0x10:
		b.intc.WriteMask(v)
	}
}

// Halted reports the INTC spin-read speedhack heuristic (spec §5(c)).
func (b *Bus) Halted() bool { return b.intc.Halted() }

// --- SIF register window (spec §4.5, §6.3): EE-side access only; the
// mmioRouter sits behind the EE memory subsystem, so every write here
// is "fromEE" and reads use the EE OR-mask per §6.3. ---

const (
	regSIFMSCOM = 0x1000F200
	regSIFSMCOM = 0x1000F210
	regSIFMSFLG = 0x1000F220
	regSIFSMFLG = 0x1000F230
	regSIFCTRL  = 0x1000F240
)

func (b *Bus) readSIFReg(addr uint32) uint64 {
	switch addr {
	case regSIFMSCOM:
		return uint64(b.sif.ReadMSCOM())
	case regSIFSMCOM:
		return uint64(b.sif.ReadSMCOM())
	case regSIFMSFLG:
		return uint64(b.sif.ReadMSFLAG())
	case regSIFSMFLG:
		return uint64(b.sif.ReadSMFLAG())
	case regSIFCTRL:
		return uint64(b.sif.ReadCtrlEE())
	default:
		return 0
	}
}

func (b *Bus) writeSIFReg(addr uint32, v uint32) {
	switch addr {
	case regSIFMSCOM:
		b.sif.WriteMSCOM(v)
	case regSIFSMCOM:
		b.sif.WriteSMCOM(v)
	case regSIFMSFLG:
		b.sif.WriteMSFLAG(v, true)
	case regSIFSMFLG:
		b.sif.WriteSMFLAG(v, true)
	case regSIFCTRL:
		b.sif.WriteCtrlEE(v)
	}
}
