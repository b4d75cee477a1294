/*
 * ps2bus - EE DMA controller: 10-channel priority arbiter and chain-tag engine.
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

// Package eedmac is the EE's 10-channel DMA controller. Channel order,
// the fetch128/store128 address dispatch and the handle_source_chain
// chain-tag state machine are grounded on DobieStation's
// src/core/ee/dmac.cpp; the per-channel peer dispatch follows the
// teacher's emu/sys_channel switch-on-device-type shape, generalized
// from CCW channel words to DMAtag chain operations. Like scheduler,
// all state lives in a *DMAC value (no module-level globals), with
// peers reached through function-typed capabilities set at
// construction (Design Notes, "cyclic references").
package eedmac

import (
	"fmt"

	"github.com/pstwo/bus/dmatag"
	"github.com/pstwo/bus/eemem"
	"github.com/pstwo/bus/fault"
)

// Channel indexes the 10 EE DMAC channels in hardware priority order,
// highest first (spec §5 "Ordering guarantees").
type Channel int

const (
	VIF0 Channel = iota
	VIF1
	GIF
	IPUFrom
	IPUTo
	SIF0
	SIF1
	SIF2
	SPRFrom
	SPRTo
	numChannels
)

func (c Channel) String() string {
	names := [numChannels]string{"VIF0", "VIF1", "GIF", "IPU_FROM", "IPU_TO", "SIF0", "SIF1", "SIF2", "SPR_FROM", "SPR_TO"}
	if c < 0 || c >= numChannels {
		return "?"
	}
	return names[c]
}

// Mode is the CHCR.mode field. Mode 3 is hardware-reserved and is
// remapped to chain mode, matching DobieStation's start_DMA quirk.
type Mode int

const (
	ModeNormal Mode = iota
	ModeChain
	ModeInterleave
	modeReserved
)

// CHCR bit layout (spec §6.2).
const (
	chcrDirBit    = 0
	chcrModeShift = 2
	chcrModeMask  = 0x3
	chcrASPShift  = 4
	chcrASPMask   = 0x3
	chcrTTEBit    = 6
	chcrTIEBit    = 7
	chcrStartBit  = 8
	chcrTagShift  = 16
	chcrTagMask   = 0x7FFF
)

// CHCR is the decoded channel-control register.
type CHCR struct {
	ToMemory bool // direction bit clear: peer -> RAM
	Mode     Mode
	ASP      int
	TTE      bool
	TIE      bool
	Start    bool
	TagBits  uint32 // latched PCE/ID/IRQ from the most recent DMAtag
}

func decodeCHCR(v uint32) CHCR {
	return CHCR{
		ToMemory: v&(1<<chcrDirBit) == 0,
		Mode:     Mode((v >> chcrModeShift) & chcrModeMask),
		ASP:      int((v >> chcrASPShift) & chcrASPMask),
		TTE:      v&(1<<chcrTTEBit) != 0,
		TIE:      v&(1<<chcrTIEBit) != 0,
		Start:    v&(1<<chcrStartBit) != 0,
		TagBits:  (v >> chcrTagShift) & chcrTagMask,
	}
}

func encodeCHCR(c CHCR) uint32 {
	var v uint32
	if !c.ToMemory {
		v |= 1 << chcrDirBit
	}
	v |= uint32(c.Mode&chcrModeMask) << chcrModeShift
	v |= uint32(c.ASP&chcrASPMask) << chcrASPShift
	if c.TTE {
		v |= 1 << chcrTTEBit
	}
	if c.TIE {
		v |= 1 << chcrTIEBit
	}
	if c.Start {
		v |= 1 << chcrStartBit
	}
	v |= (c.TagBits & chcrTagMask) << chcrTagShift
	return v
}

// state is the per-channel runtime register bank plus chain-execution
// flags (spec §3 "DMAChannel").
type state struct {
	chcr    CHCR
	address uint32 // MADR
	tagAddr uint32 // TADR
	qwc     uint32
	sprAddr uint32 // SADR, SPR channels only
	tagSave [2]uint32 // ASR0/ASR1: call/ret return addresses
	tagID   dmatag.ID
	tagEnd  bool
	started bool

	canStall bool // latched by a refs tag; gates the stall-drain guard in chain mode
	fromSPR  bool // current tag's SPR bit: data fetches come from scratchpad
	dmaReq   bool

	ilCount uint32 // quadwords transferred in the current interleave group

	ttePending     bool // a tag payload quadword awaits delivery to the peer
	tteLo, tteHi   uint64
}

// VIFPeer is the capability VIF0/VIF1 channels deliver quadwords
// through. Feed returns false (and leaves state untouched) when the
// VIF's command FIFO cannot take a whole quadword; FeedTag carries a
// DMAtag quadword pushed ahead of the data when CHCR.TTE is set.
type VIFPeer interface {
	Feed(lo, hi uint64) bool
	FeedTag(lo, hi uint64) bool
}

// GIFPeer is the capability the GIF channel uses for PATH3 arbitration
// and delivery (spec §4.7).
type GIFPeer interface {
	RequestPath3() bool
	PathActive3() bool
	FIFOFull() bool
	FIFODraining() bool
	SendPath3(lo, hi uint64) bool
	Path3Done() bool
	SetDMAWaiting(waiting bool)
}

// IPUPeer gates IPU_FROM/IPU_TO transfers; satisfied by *ipu.Gate.
type IPUPeer interface {
	CanWriteFIFO() bool
	CanReadFIFO() bool
	WriteFIFO(lo, hi uint64) bool
	ReadFIFO() (lo, hi uint64, ok bool)
}

// SIF0Peer is the destination-chain capability for SIF0 (IOP -> EE):
// the DMAC reads a DMAtag and then data words out of the SIF0 FIFO.
type SIF0Peer interface {
	ReadTag() (lo, hi uint32, ok bool)
	ReadWord() (uint32, bool)
}

// SIF1Peer is the source-chain capability for SIF1 (EE -> IOP): the
// DMAC pushes quadwords read from RAM into the SIF1 FIFO.
type SIF1Peer interface {
	Write(lo, hi uint64) bool
}

// Peers bundles every channel's capability, supplied once at
// construction (the "arena + capability" pattern, Design Notes).
type Peers struct {
	VIF0 VIFPeer
	VIF1 VIFPeer
	GIF  GIFPeer
	IPU  IPUPeer
	SIF0 SIF0Peer
	SIF1 SIF1Peer
}

// DMAC is the EE's 10-channel DMA controller.
type DMAC struct {
	mem   *eemem.Memory
	spr   []byte // 16 KiB scratchpad
	peers Peers

	ch [numChannels]state

	active    Channel
	hasActive bool
	queued    []Channel

	masterEnable  bool
	masterDisable bool // D_ENABLE bit 16
	cycleSteal    bool
	releaseCycle  uint32
	stallSrc      int // channel index, -1 = none
	stallDst      int
	memDrainChan  int // mem_drain_channel; 0 = none, else Channel+1

	stat uint32 // low 15 bits: channel-done + MFIFO_EMPTY(bit13); INT1 raised when (stat&mask)!=0
	mask uint32

	pcr   uint32
	rbor  uint32
	rbsr  uint32
	stadr uint32

	sqwcTransfer uint32
	sqwcSkip     uint32

	mfifoEmptyLatched bool

	onInt1 func()

	cycle int64
}

const mfifoEmptyBit = 1 << 13

const stallGuardQWC = 8

// New builds an EE DMAC wired to the given memory subsystem, a 16 KiB
// scratchpad, and peer capabilities. Every channel's dma_req starts
// asserted; peers clear it (or refuse delivery) to throttle.
func New(mem *eemem.Memory, scratchpad []byte, peers Peers) *DMAC {
	d := &DMAC{mem: mem, spr: scratchpad, peers: peers, active: VIF0, stallSrc: -1, stallDst: -1}
	for i := range d.ch {
		d.ch[i].dmaReq = true
	}
	return d
}

// SetMasterEnable toggles D_CTRL's overall enable bit.
func (d *DMAC) SetMasterEnable(on bool) { d.masterEnable = on }

// SetMasterDisable sets D_ENABLE bit 16; while set the DMAC is entirely
// blocked (spec §5 "Cancellation and timeouts").
func (d *DMAC) SetMasterDisable(on bool) { d.masterDisable = on }

// SetInt1Callback wires the INT1 line; called whenever a latched,
// unmasked D_STAT bit makes the interrupt condition true.
func (d *DMAC) SetInt1Callback(cb func()) { d.onInt1 = cb }

// SetStallChannels configures the stall-drain source/destination pair
// directly (the D_CTRL write path goes through WriteDCTRL).
func (d *DMAC) SetStallChannels(src, dst Channel) {
	d.stallSrc, d.stallDst = int(src), int(dst)
}

// SetMemDrainChannel sets D_CTRL's MFIFO channel selector. ch+1 matches
// hardware's "0 = disabled" encoding; pass -1 to disable.
func (d *DMAC) SetMemDrainChannel(ch Channel) {
	d.memDrainChan = int(ch) + 1
}

// WriteCHCR programs a channel's control register and, on a rising
// start bit, arms the channel (eligible once dma_req is also set).
// Writing with start clear while running cancels the channel in place
// (spec §5 "Cancellation and timeouts").
func (d *DMAC) WriteCHCR(ch Channel, v uint32) {
	wasStarted := d.ch[ch].chcr.Start
	d.ch[ch].chcr = decodeCHCR(v)
	if d.ch[ch].chcr.Start && !wasStarted {
		d.startChannel(ch)
	}
	if !d.ch[ch].chcr.Start {
		d.deactivate(ch)
	}
}

func (d *DMAC) ReadCHCR(ch Channel) uint32 { return encodeCHCR(d.ch[ch].chcr) }

func (d *DMAC) WriteMADR(ch Channel, v uint32) { d.ch[ch].address = v &^ 0xF }
func (d *DMAC) ReadMADR(ch Channel) uint32     { return d.ch[ch].address }

func (d *DMAC) WriteQWC(ch Channel, v uint32) { d.ch[ch].qwc = v & 0xFFFF }
func (d *DMAC) ReadQWC(ch Channel) uint32     { return d.ch[ch].qwc }

func (d *DMAC) WriteTADR(ch Channel, v uint32) { d.ch[ch].tagAddr = v &^ 0xF }
func (d *DMAC) ReadTADR(ch Channel) uint32     { return d.ch[ch].tagAddr }

func (d *DMAC) WriteASR(ch Channel, n int, v uint32) { d.ch[ch].tagSave[n] = v &^ 0xF }
func (d *DMAC) ReadASR(ch Channel, n int) uint32     { return d.ch[ch].tagSave[n] }

func (d *DMAC) WriteSADR(ch Channel, v uint32) { d.ch[ch].sprAddr = v & 0x3FF0 }
func (d *DMAC) ReadSADR(ch Channel) uint32     { return d.ch[ch].sprAddr }

// WriteSQWC programs the interleave transfer/skip quadword counts
// shared by the SPR channels (spec §3 "DMAC registers").
func (d *DMAC) WriteSQWC(transfer, skip uint32) {
	d.sqwcTransfer = transfer & 0xFF
	d.sqwcSkip = skip & 0xFF
}

func (d *DMAC) ReadSQWC() uint32 { return d.sqwcTransfer | d.sqwcSkip<<16 }

// WriteSTAT applies §4.3's clear-low/XOR-high semantics.
func (d *DMAC) WriteSTAT(v uint32) {
	d.stat &^= v & 0x7FFF
	d.mask ^= (v >> 16) & 0x7FFF
}

func (d *DMAC) ReadSTAT() uint32 { return d.stat | (d.mask << 16) }

// D_CTRL field layout (spec §3; DobieStation dmac.cpp write handler):
// bit0 DMAE master enable, bit1 RELE cycle stealing, bits2-3 MFD
// memory-drain channel (0=off, 2=VIF1, 3=GIF), bits4-5 STS stall
// source (0=none, 1=SIF0, 2=SPR_FROM, 3=IPU_FROM), bits6-7 STD stall
// destination (0=none, 1=VIF1, 2=GIF, 3=SIF1), bits8-10 RCYC release
// cycle.
var (
	stsChannels = [4]int{-1, int(SIF0), int(SPRFrom), int(IPUFrom)}
	stdChannels = [4]int{-1, int(VIF1), int(GIF), int(SIF1)}
)

func (d *DMAC) WriteDCTRL(v uint32) {
	d.masterEnable = v&0x1 != 0
	d.cycleSteal = v&0x2 != 0
	mfd := (v >> 2) & 0x3
	switch mfd {
	case 2:
		d.memDrainChan = int(VIF1) + 1
	case 3:
		d.memDrainChan = int(GIF) + 1
	default:
		d.memDrainChan = 0
	}
	d.stallSrc = stsChannels[(v>>4)&0x3]
	d.stallDst = stdChannels[(v>>6)&0x3]
	d.releaseCycle = (v >> 8) & 0x7
}

// ReadDCTRL packs the same fields back, matching WriteDCTRL's layout.
func (d *DMAC) ReadDCTRL() uint32 {
	var v uint32
	if d.masterEnable {
		v |= 0x1
	}
	if d.cycleSteal {
		v |= 0x2
	}
	switch d.memDrainChan - 1 {
	case int(VIF1):
		v |= 2 << 2
	case int(GIF):
		v |= 3 << 2
	}
	for i, ch := range stsChannels {
		if ch == d.stallSrc && i > 0 {
			v |= uint32(i) << 4
		}
	}
	for i, ch := range stdChannels {
		if ch == d.stallDst && i > 0 {
			v |= uint32(i) << 6
		}
	}
	v |= (d.releaseCycle & 0x7) << 8
	return v
}

// WriteEnable / ReadEnable are the D_ENABLEW/D_ENABLER pair (spec §6.1's
// master-disable register at 0x1000_F590/F520): bit 16 blocks the whole
// DMAC; clearing it resumes from current channel state.
func (d *DMAC) WriteEnable(v uint32) { d.masterDisable = v&0x10000 != 0 }

func (d *DMAC) ReadEnable() uint32 {
	if d.masterDisable {
		return 0x10000
	}
	return 0
}

func (d *DMAC) WritePCR(v uint32) { d.pcr = v }
func (d *DMAC) ReadPCR() uint32   { return d.pcr }

func (d *DMAC) WriteRBOR(v uint32) { d.rbor = v &^ 0xF }
func (d *DMAC) ReadRBOR() uint32   { return d.rbor }

func (d *DMAC) WriteRBSR(v uint32) { d.rbsr = v &^ 0xF }
func (d *DMAC) ReadRBSR() uint32   { return d.rbsr }

// ReadSTADR reads the latched stall-drain source address; it has no
// CPU-side write path on real hardware (the DMAC itself maintains it).
func (d *DMAC) ReadSTADR() uint32 { return d.stadr }

func (d *DMAC) startChannel(ch Channel) {
	c := &d.ch[ch]
	c.started = true
	mode := c.chcr.Mode
	if mode == modeReserved {
		mode = ModeChain
		c.chcr.Mode = mode
	}
	c.tagEnd = mode != ModeChain
	c.canStall = false
	c.fromSPR = false
	c.ttePending = false
	c.ilCount = 0
	d.arbitrate(ch, true)
}

func (d *DMAC) deactivate(ch Channel) {
	d.ch[ch].started = false
	if d.hasActive && d.active == ch {
		d.hasActive = false
	}
	for i, q := range d.queued {
		if q == ch {
			d.queued = append(d.queued[:i], d.queued[i+1:]...)
			break
		}
	}
}

// SetDMARequest / ClearDMARequest are called by peers to indicate
// they can accept (source channels) or deliver (dest channels) data.
func (d *DMAC) SetDMARequest(ch Channel) {
	d.ch[ch].dmaReq = true
	if d.ch[ch].started {
		d.arbitrate(ch, false)
	}
}

func (d *DMAC) ClearDMARequest(ch Channel) {
	d.ch[ch].dmaReq = false
}

// eligible ignores the master enable/disable gates deliberately: those
// block Run as a whole, so a channel armed while the DMAC is disabled
// still takes its arbitration slot and resumes when the gate clears.
func (d *DMAC) eligible(ch Channel) bool {
	return d.ch[ch].started && d.ch[ch].chcr.Start && d.ch[ch].dmaReq
}

// arbitrate re-runs priority selection: the highest-priority (lowest
// index) eligible channel becomes active; any previously active
// channel that is still eligible is requeued.
func (d *DMAC) arbitrate(newlyEligible Channel, forceQueue bool) {
	if !d.eligible(newlyEligible) {
		return
	}
	if !d.hasActive {
		d.active = newlyEligible
		d.hasActive = true
		return
	}
	if d.active == newlyEligible {
		return
	}
	if newlyEligible < d.active {
		if d.eligible(d.active) {
			d.queued = append(d.queued, d.active)
		}
		d.active = newlyEligible
		return
	}
	if forceQueue && !d.inQueue(newlyEligible) {
		d.queued = append(d.queued, newlyEligible)
	}
}

func (d *DMAC) inQueue(ch Channel) bool {
	for _, q := range d.queued {
		if q == ch {
			return true
		}
	}
	return false
}

func (d *DMAC) nextActive() {
	d.hasActive = false
	best := -1
	bestIdx := -1
	for i, q := range d.queued {
		if d.eligible(q) && (best == -1 || q < Channel(best)) {
			best = int(q)
			bestIdx = i
		}
	}
	if best == -1 {
		return
	}
	d.active = Channel(best)
	d.hasActive = true
	d.queued = append(d.queued[:bestIdx], d.queued[bestIdx+1:]...)
}

// Run executes up to `cycles` quadword-transfer opportunities across
// the active channel set, matching DobieStation's run(cycles) shape:
// iterate, dispatch the active channel's per-kind step, rotate to a
// queued channel when the active one stalls, stop when the budget is
// exhausted or nothing can make progress.
func (d *DMAC) Run(cycles int) *fault.Fault {
	for i := 0; i < cycles; i++ {
		d.cycle++
		if !d.masterEnable || d.masterDisable {
			return nil
		}
		if !d.hasActive {
			d.nextActive()
			if !d.hasActive {
				return nil
			}
		}
		progressed, done, f := d.step(d.active)
		if f != nil {
			return f
		}
		if done {
			d.finishChannel(d.active)
			d.nextActive()
			continue
		}
		if !progressed {
			// Stalled on peer backpressure, MFIFO empty or the
			// stall-drain guard band. Hand the bus to a queued channel
			// if one can run; otherwise yield the rest of the budget.
			if len(d.queued) == 0 {
				return nil
			}
			stalled := d.active
			d.nextActive()
			if d.eligible(stalled) {
				d.queued = append(d.queued, stalled)
			}
			if !d.hasActive {
				return nil
			}
		}
	}
	return nil
}

func (d *DMAC) finishChannel(ch Channel) {
	d.ch[ch].chcr.Start = false
	d.ch[ch].started = false
	d.stat |= 1 << uint(ch)
	d.int1Check()
}

// int1Check raises INT1 whenever a latched D_STAT bit has its mask
// enabled, mirroring DobieStation's int1_check on every completion.
func (d *DMAC) int1Check() {
	if d.stat&d.mask != 0 && d.onInt1 != nil {
		d.onInt1()
	}
}

// Pending reports whether INT1 is currently asserted by this DMAC.
func (d *DMAC) Pending() bool {
	return d.stat&d.mask != 0
}

// step advances the active channel by one quadword-transfer
// opportunity. progressed is false when the channel is blocked by
// peer backpressure or a stall-drain guard band; done is true once the
// channel has reached an end/refe tag with QWC exhausted.
func (d *DMAC) step(ch Channel) (progressed bool, done bool, f *fault.Fault) {
	c := &d.ch[ch]

	if d.memDrainChan == int(ch)+1 && d.mfifoHandler(ch) {
		return false, false, nil
	}

	if c.ttePending {
		if !d.deliverTTE(ch) {
			return false, false, nil
		}
		c.ttePending = false
		return true, false, nil
	}

	if c.qwc > 0 {
		return d.transferQuad(ch)
	}

	if c.tagEnd {
		return true, true, nil
	}

	return d.advanceTag(ch)
}

// mfifoHandler mirrors DobieStation's mfifo_handler: when the selected
// channel's tag/data address lands on SPR_FROM's current address, the
// MFIFO is empty and the channel suspends until SPR_FROM advances.
func (d *DMAC) mfifoHandler(ch Channel) bool {
	c := &d.ch[ch]
	checkAddr := c.tagAddr
	if c.qwc > 0 {
		checkAddr = c.address
	}
	masked := (checkAddr & d.rbsr) | d.rbor
	if masked == d.ch[SPRFrom].address {
		if !d.mfifoEmptyLatched {
			d.stat |= mfifoEmptyBit
			d.mfifoEmptyLatched = true
			d.int1Check()
		}
		return true
	}
	d.mfifoEmptyLatched = false
	return false
}

// deliverTTE hands the pending tag-payload quadword to the channel's
// peer, honoring the same backpressure gates as data quadwords.
func (d *DMAC) deliverTTE(ch Channel) bool {
	c := &d.ch[ch]
	switch ch {
	case VIF0:
		return d.peers.VIF0.FeedTag(c.tteLo, c.tteHi)
	case VIF1:
		return d.peers.VIF1.FeedTag(c.tteLo, c.tteHi)
	case GIF:
		if !d.gifGateOpen() {
			return false
		}
		return d.peers.GIF.SendPath3(c.tteHi, 0)
	case SIF1:
		return d.peers.SIF1.Write(c.tteHi, 0)
	default:
		// Dest channels and the SPR pair have no tag-transfer path.
		return true
	}
}

func (d *DMAC) gifGateOpen() bool {
	g := d.peers.GIF
	if !g.PathActive3() && !g.RequestPath3() {
		g.SetDMAWaiting(true)
		return false
	}
	if g.FIFOFull() || g.FIFODraining() {
		g.SetDMAWaiting(true)
		return false
	}
	g.SetDMAWaiting(false)
	return true
}

// transferQuad reads one quadword from the channel's current source
// and hands it to the peer, applying the channel-kind-specific
// delivery rule from spec §4.3 "Per-channel specifics".
func (d *DMAC) transferQuad(ch Channel) (progressed, done bool, f *fault.Fault) {
	c := &d.ch[ch]
	yieldBus := false

	switch ch {
	case VIF0, VIF1:
		if ch == VIF1 && !d.stallGuardOK(ch) {
			return false, false, nil
		}
		lo, hi, ferr := d.fetchData(ch)
		if ferr != nil {
			return false, false, ferr
		}
		peer := d.peers.VIF0
		if ch == VIF1 {
			peer = d.peers.VIF1
		}
		if !peer.Feed(lo, hi) {
			return false, false, nil
		}
		d.advanceSource(ch)

	case GIF:
		if !d.gifGateOpen() {
			return false, false, nil
		}
		if !d.stallGuardOK(ch) {
			return false, false, nil
		}
		lo, hi, ferr := d.fetchData(ch)
		if ferr != nil {
			return false, false, ferr
		}
		if !d.peers.GIF.SendPath3(lo, hi) {
			return false, false, nil
		}
		d.advanceSource(ch)
		// path3_done at a packet boundary is the cue to yield the bus
		// before issuing more quadwords (spec §4.7); PATH3 masking and
		// higher-priority path requests get their window here.
		yieldBus = d.peers.GIF.Path3Done()

	case IPUFrom:
		if !d.peers.IPU.CanReadFIFO() {
			return false, false, nil
		}
		lo, hi, ok := d.peers.IPU.ReadFIFO()
		if !ok {
			return false, false, nil
		}
		if ferr := d.store(c.address, lo, hi); ferr != nil {
			return false, false, ferr
		}
		d.advanceDest(ch)

	case IPUTo:
		if !d.peers.IPU.CanWriteFIFO() {
			return false, false, nil
		}
		lo, hi, ferr := d.fetchData(ch)
		if ferr != nil {
			return false, false, ferr
		}
		if !d.peers.IPU.WriteFIFO(lo, hi) {
			return false, false, nil
		}
		d.advanceSource(ch)

	case SIF0:
		w0, ok := d.peers.SIF0.ReadWord()
		if !ok {
			return false, false, nil
		}
		w1, _ := d.peers.SIF0.ReadWord()
		w2, _ := d.peers.SIF0.ReadWord()
		w3, _ := d.peers.SIF0.ReadWord()
		lo := uint64(w0) | uint64(w1)<<32
		hi := uint64(w2) | uint64(w3)<<32
		if ferr := d.store(c.address, lo, hi); ferr != nil {
			return false, false, ferr
		}
		d.advanceDest(ch)

	case SIF1:
		if !d.stallGuardOK(ch) {
			return false, false, nil
		}
		lo, hi, ferr := d.fetchData(ch)
		if ferr != nil {
			return false, false, ferr
		}
		if !d.peers.SIF1.Write(lo, hi) {
			return false, false, nil
		}
		d.advanceSource(ch)

	case SPRFrom:
		lo, hi := fetchSPR(d.spr, c.sprAddr)
		if ferr := d.store(c.address, lo, hi); ferr != nil {
			return false, false, ferr
		}
		c.sprAddr = (c.sprAddr + 16) & 0x3FF0
		d.advanceDest(ch)
		d.interleaveSkip(ch)

	case SPRTo:
		lo, hi, ferr := d.fetch(c.address)
		if ferr != nil {
			return false, false, ferr
		}
		storeSPR(d.spr, c.sprAddr, lo, hi)
		c.sprAddr = (c.sprAddr + 16) & 0x3FF0
		d.advanceSource(ch)
		d.interleaveSkip(ch)

	default:
		return false, false, fault.New(fault.UnsupportedDMAtag, ch.String(), c.address, d.cycle, "no peer for channel")
	}

	c.qwc--
	if c.qwc == 0 && c.tagEnd {
		return true, true, nil
	}
	if yieldBus {
		return false, false, nil
	}
	return true, false, nil
}

// interleaveSkip applies mode 2's alternation: after transfer_qwc
// consecutive quadwords, the RAM-side address skips skip_qwc quadword
// slots without moving data (spec §4.3 "Interleave").
func (d *DMAC) interleaveSkip(ch Channel) {
	c := &d.ch[ch]
	if c.chcr.Mode != ModeInterleave || d.sqwcTransfer == 0 {
		return
	}
	c.ilCount++
	if c.ilCount >= d.sqwcTransfer {
		c.address += d.sqwcSkip * 16
		c.ilCount = 0
	}
}

// stallGuardOK enforces invariant 6: the drain channel's address never
// crosses STADR minus the 8-quadword guard band. The guard applies to
// the channel D_CTRL.STD names, in normal/interleave mode always and in
// chain mode once a refs tag has latched can_stall_drain.
func (d *DMAC) stallGuardOK(ch Channel) bool {
	if d.stallDst != int(ch) {
		return true
	}
	c := &d.ch[ch]
	if c.chcr.Mode == ModeChain && !c.canStall {
		return true
	}
	return c.address+stallGuardQWC*16 <= d.stadr
}

func (d *DMAC) advanceSource(ch Channel) {
	d.ch[ch].address += 16
}

func (d *DMAC) advanceDest(ch Channel) {
	d.ch[ch].address += 16
	if d.stallSrc == int(ch) {
		d.stadr = d.ch[ch].address
	}
}

// fetchData reads one data quadword for a source channel, honoring the
// current tag's SPR bit (spec §6.5: source = scratchpad when set).
func (d *DMAC) fetchData(ch Channel) (lo, hi uint64, f *fault.Fault) {
	c := &d.ch[ch]
	if c.fromSPR {
		lo, hi = fetchSPR(d.spr, c.address)
		return lo, hi, nil
	}
	return d.fetch(c.address)
}

func (d *DMAC) fetch(addr uint32) (lo, hi uint64, f *fault.Fault) {
	return d.mem.Read(addr, 16)
}

func (d *DMAC) store(addr uint32, lo, hi uint64) *fault.Fault {
	return d.mem.Write(addr, 16, lo, hi)
}

func fetchSPR(spr []byte, addr uint32) (lo, hi uint64) {
	off := addr & 0x3FF0
	for i := 0; i < 8; i++ {
		lo |= uint64(spr[off+uint32(i)]) << (8 * i)
		hi |= uint64(spr[off+8+uint32(i)]) << (8 * i)
	}
	return lo, hi
}

func storeSPR(spr []byte, addr uint32, lo, hi uint64) {
	off := addr & 0x3FF0
	for i := 0; i < 8; i++ {
		spr[off+uint32(i)] = byte(lo >> (8 * i))
		spr[off+8+uint32(i)] = byte(hi >> (8 * i))
	}
}

// advanceTag reads the next DMAtag from TADR (or, for dest-chain SIF0,
// from the peer FIFO) and executes the chain operation, matching
// DobieStation's handle_source_chain exactly for the seven tag ids.
func (d *DMAC) advanceTag(ch Channel) (progressed, done bool, f *fault.Fault) {
	c := &d.ch[ch]

	if ch == SIF0 {
		return d.advanceSIF0Tag(ch)
	}

	lo, hi, ferr := d.fetch(c.tagAddr)
	if ferr != nil {
		return false, false, ferr
	}
	tagLo := uint32(lo)
	tagHi := uint32(lo >> 32)
	tag := dmatag.Decode(tagLo, tagHi)
	c.tagID = tag.ID
	c.qwc = uint32(tag.QWC)
	c.fromSPR = tag.SPR
	c.chcr.TagBits = (uint32(tag.PCE)&0x3)<<10 | (uint32(tag.ID)&0x7)<<12 | boolBit(tag.IRQ, 15)

	switch tag.ID {
	case dmatag.IDRefe:
		c.address = tag.Addr
		c.tagAddr += 16
		c.tagEnd = true
	case dmatag.IDCnt:
		c.address = c.tagAddr + 16
		c.tagAddr = c.address + c.qwc*16
		c.fromSPR = false
	case dmatag.IDNext:
		c.address = c.tagAddr + 16
		c.tagAddr = tag.Addr
		c.fromSPR = false
	case dmatag.IDRef:
		c.address = tag.Addr
		c.tagAddr += 16
	case dmatag.IDRefs:
		c.address = tag.Addr
		c.tagAddr += 16
		c.canStall = true
	case dmatag.IDCall:
		c.address = c.tagAddr + 16
		if c.chcr.ASP == 2 {
			return false, false, fault.New(fault.UnsupportedDMAtag, ch.String(), c.tagAddr, d.cycle,
				"DMAtag call with ASP already at 2")
		}
		c.tagSave[c.chcr.ASP] = c.address + c.qwc*16
		c.chcr.ASP++
		c.tagAddr = tag.Addr
		c.fromSPR = false
	case dmatag.IDRet:
		c.address = c.tagAddr + 16
		switch c.chcr.ASP {
		case 0:
			c.tagEnd = true
		case 1:
			c.chcr.ASP--
			c.tagAddr = c.tagSave[0]
		case 2:
			c.chcr.ASP--
			c.tagAddr = c.tagSave[1]
		}
		c.fromSPR = false
	case dmatag.IDEnd:
		c.address = c.tagAddr + 16
		c.tagEnd = true
		c.fromSPR = false
	default:
		return false, false, fault.New(fault.UnsupportedDMAtag, ch.String(), uint32(tag.ID), d.cycle,
			fmt.Sprintf("unrecognized DMAtag id %d", tag.ID))
	}

	if tag.IRQ && c.chcr.TIE {
		c.tagEnd = true
	}

	if c.chcr.TTE {
		c.tteLo, c.tteHi = lo, hi
		c.ttePending = true
	}

	return true, false, nil
}

// advanceSIF0Tag handles the destination-chain tag for SIF0 (spec §4.3
// "Per-channel specifics"): the IOP composes a regular EE DMAtag and
// pushes it into the SIF0 FIFO as two words ahead of the data.
func (d *DMAC) advanceSIF0Tag(ch Channel) (progressed, done bool, f *fault.Fault) {
	c := &d.ch[ch]
	w0, w1, ok := d.peers.SIF0.ReadTag()
	if !ok {
		return false, false, nil
	}
	tag := dmatag.Decode(w0, w1)
	c.tagID = tag.ID
	c.qwc = uint32(tag.QWC)
	c.address = tag.Addr
	c.chcr.TagBits = (uint32(tag.PCE)&0x3)<<10 | (uint32(tag.ID)&0x7)<<12 | boolBit(tag.IRQ, 15)
	if tag.ID == dmatag.IDRefe || tag.ID == dmatag.IDEnd {
		c.tagEnd = true
	}
	if tag.IRQ && c.chcr.TIE {
		c.tagEnd = true
	}
	return true, false, nil
}

func boolBit(b bool, shift uint) uint32 {
	if b {
		return 1 << shift
	}
	return 0
}
