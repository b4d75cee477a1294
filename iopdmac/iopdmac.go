/*
 * ps2bus - IOP DMA controller: 13-channel, per-kind tagged-variant dispatch.
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

// Package iopdmac is the IOP's 13-channel DMA controller. Per the
// Design Notes ("Dynamic dispatch"), the copy step is a per-channel
// tagged variant (Kind) dispatched in Run, not a function-pointer
// table or object hierarchy - the same shape the teacher's
// emu/sys_channel switches on device-class in its channel loop, just
// over ChannelKind instead of a CCW opcode. SIF0/SIF1 tag framing is
// grounded on DobieStation's src/core/iop_dma.cpp.
package iopdmac

import "github.com/pstwo/bus/fault"

// Kind tags what a channel's copy step does, replacing the original's
// per-channel function pointer (Design Notes).
type Kind int

const (
	KindUnused Kind = iota
	KindCDVD
	KindSPU
	KindSPU2
	KindSIF0
	KindSIF1
	KindSIO2In
	KindSIO2Out
)

// Channel indexes the 13 IOP DMAC channels. Index order is the
// hardware priority tie-break: the active-channel selection rule
// favors the *highest* index (spec §4.4), the opposite convention
// from the EE DMAC's lowest-index-wins.
type Channel int

const (
	ChMDECIn  Channel = 0
	ChMDECOut Channel = 1
	ChSIF2    Channel = 2
	ChCDVD    Channel = 3
	ChSPU     Channel = 4
	ChPIO     Channel = 5
	ChOTC     Channel = 6
	ChSPU2    Channel = 7
	ChDEV9    Channel = 8
	ChSIF0    Channel = 9
	ChSIF1    Channel = 10
	ChSIO2In  Channel = 11
	ChSIO2Out Channel = 12

	numChannels = 13
)

// BlockPaced holds the block-count/block-size state CDVD/SPU/SPU2
// channels use to drive a fixed-rate transfer with inter-word delay.
type BlockPaced struct {
	BlockSize   uint16
	BlockCount  uint16
	wordInBlock uint16
	delay       int
	delayTicks  int
}

// sifTagEndBits marks the IOP-side SIF DMAtag's ERT/IRQ flags in the
// address word; either one terminates the chain after this block.
const sifTagEndBits = 0xC0000000

type state struct {
	kind    Kind
	madr    uint32
	tadr    uint32 // SIF0: where the next SIF DMAtag is fetched from
	bcr     BlockPaced
	dmaReq  bool
	running bool

	// SIF chain framing
	needTag   bool
	endTag    bool
	wordCount uint32
	junkWords int // quadword padding owed once the block drains
	tagWords  [4]uint32
	tagN      int
}

// SIF0OutPeer is the capability the SIF0 channel uses to push words
// (and the EE-side DMAtag) toward the EE; satisfied by *sif.SIF.
// SendSIF0Junk pads a block whose word count was not a multiple of
// four out to the quadword the EE side will read (spec §4.5).
type SIF0OutPeer interface {
	CanWriteSIF0() bool
	WriteSIF0(word uint32) bool
	SendSIF0Junk(count int)
}

// SIF1InPeer is the capability the SIF1 channel uses to drain words
// coming from the EE; satisfied by *sif.SIF.
type SIF1InPeer interface {
	CanReadSIF1() bool
	ReadSIF1Word() (uint32, bool)
}

// RAM is the IOP's 2 MiB address space, read/written directly (no TLB
// indirection on the IOP side per spec §3 "Ownership").
type RAM interface {
	ReadWord(addr uint32) uint32
	WriteWord(addr uint32, v uint32)
}

// DevicePort is the word-at-a-time device side of a block-paced
// channel (CDVD sector buffer, SPU/SPU2 sample FIFOs, SIO2 pads).
// A nil port reads zeros and swallows writes.
type DevicePort interface {
	ReadWord() uint32
	WriteWord(v uint32)
}

// DMAC is the IOP's 13-channel DMA controller.
type DMAC struct {
	ram  RAM
	sif0 SIF0OutPeer
	sif1 SIF1InPeer

	ch  [numChannels]state
	dev [numChannels]DevicePort

	active    Channel
	hasActive bool
	queued    []Channel

	masterEnable bool
}

// New builds an IOP DMAC with the hardware channel-to-kind assignment;
// SetKind can remap a channel for tests.
func New(ram RAM, sif0 SIF0OutPeer, sif1 SIF1InPeer) *DMAC {
	d := &DMAC{ram: ram, sif0: sif0, sif1: sif1}
	d.ch[ChCDVD].kind = KindCDVD
	d.ch[ChSPU].kind = KindSPU
	d.ch[ChSPU2].kind = KindSPU2
	d.ch[ChSIF0].kind = KindSIF0
	d.ch[ChSIF1].kind = KindSIF1
	d.ch[ChSIO2In].kind = KindSIO2In
	d.ch[ChSIO2Out].kind = KindSIO2Out
	return d
}

// SetMasterEnable toggles the controller's overall enable.
func (d *DMAC) SetMasterEnable(on bool) { d.masterEnable = on }

// SetKind assigns a channel's tagged-variant kind (wiring time only).
func (d *DMAC) SetKind(ch Channel, k Kind) { d.ch[ch].kind = k }

// SetDevice attaches the device side of a block-paced channel.
func (d *DMAC) SetDevice(ch Channel, port DevicePort) { d.dev[ch] = port }

func (d *DMAC) WriteMADR(ch Channel, v uint32) { d.ch[ch].madr = v }
func (d *DMAC) ReadMADR(ch Channel) uint32     { return d.ch[ch].madr }

func (d *DMAC) WriteTADR(ch Channel, v uint32) { d.ch[ch].tadr = v }
func (d *DMAC) ReadTADR(ch Channel) uint32     { return d.ch[ch].tadr }

func (d *DMAC) WriteBCR(ch Channel, blockSize, blockCount uint16) {
	delay := d.ch[ch].bcr.delayTicks
	d.ch[ch].bcr = BlockPaced{BlockSize: blockSize, BlockCount: blockCount, delayTicks: delay}
}

// SetInterWordDelay configures the fixed per-word pacing delay (in
// Run-cycle units) for block-paced channels (CDVD/SPU/SPU2).
func (d *DMAC) SetInterWordDelay(ch Channel, delay int) {
	d.ch[ch].bcr.delayTicks = delay
}

// Start arms a channel (CHCR.start-equivalent) and requests
// arbitration. SIF channels begin by fetching their DMAtag.
func (d *DMAC) Start(ch Channel) {
	c := &d.ch[ch]
	c.running = true
	c.dmaReq = true
	switch c.kind {
	case KindSIF0, KindSIF1:
		c.needTag = true
		c.endTag = false
		c.wordCount = 0
		c.tagN = 0
	default:
		c.bcr.delay = c.bcr.delayTicks
		c.bcr.wordInBlock = 0
	}
	d.arbitrate(ch)
}

// Stop deactivates a channel immediately, discarding partial progress
// tracking beyond what has already been written (spec §5).
func (d *DMAC) Stop(ch Channel) {
	d.ch[ch].running = false
	d.ch[ch].dmaReq = false
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

// SetDMARequest / ClearDMARequest let peers throttle a channel.
func (d *DMAC) SetDMARequest(ch Channel) {
	d.ch[ch].dmaReq = true
	d.arbitrate(ch)
}

func (d *DMAC) ClearDMARequest(ch Channel) { d.ch[ch].dmaReq = false }

// eligible ignores masterEnable: that gate blocks Run as a whole, so a
// channel armed while the controller is disabled keeps its slot.
func (d *DMAC) eligible(ch Channel) bool {
	return d.ch[ch].running && d.ch[ch].dmaReq
}

// arbitrate applies §4.4's preemption rule: a request from a
// higher-index channel than the current active one takes over
// immediately; otherwise it queues.
func (d *DMAC) arbitrate(ch Channel) {
	if !d.eligible(ch) {
		return
	}
	if !d.hasActive {
		d.active, d.hasActive = ch, true
		return
	}
	if d.active == ch {
		return
	}
	if d.active < ch {
		if d.eligible(d.active) {
			d.queued = append(d.queued, d.active)
		}
		d.active = ch
		return
	}
	for _, q := range d.queued {
		if q == ch {
			return
		}
	}
	d.queued = append(d.queued, ch)
}

// nextActive selects the highest-index queued eligible channel.
func (d *DMAC) nextActive() {
	d.hasActive = false
	best := -1
	bestIdx := -1
	for i, q := range d.queued {
		if d.eligible(q) && int(q) > best {
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

// Run serves the single active channel until its word count or a
// stall empties it, then re-arbitrates, spending up to `cycles`
// budget units (spec §4.4).
func (d *DMAC) Run(cycles int) *fault.Fault {
	for i := 0; i < cycles; i++ {
		if !d.masterEnable {
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
			d.ch[d.active].running = false
			d.ch[d.active].dmaReq = false
			d.nextActive()
			continue
		}
		if !progressed {
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

func (d *DMAC) step(ch Channel) (progressed, done bool, f *fault.Fault) {
	switch d.ch[ch].kind {
	case KindCDVD, KindSPU, KindSPU2, KindSIO2In, KindSIO2Out:
		return d.stepBlockPaced(ch)
	case KindSIF0:
		return d.stepSIF0(ch)
	case KindSIF1:
		return d.stepSIF1(ch)
	default:
		return false, true, nil
	}
}

// stepBlockPaced transfers one word per call once its inter-word
// delay elapses, advancing through BlockSize words per block and
// BlockCount blocks (spec §4.4). CDVD and SIO2-out move device data
// into IOP RAM; SPU/SPU2/SIO2-in drain RAM toward the device.
func (d *DMAC) stepBlockPaced(ch Channel) (progressed, done bool, f *fault.Fault) {
	c := &d.ch[ch]
	if c.bcr.BlockCount == 0 {
		return true, true, nil
	}
	if c.bcr.delay > 0 {
		c.bcr.delay--
		return true, false, nil
	}

	toRAM := c.kind == KindCDVD || c.kind == KindSIO2Out
	if toRAM {
		var w uint32
		if d.dev[ch] != nil {
			w = d.dev[ch].ReadWord()
		}
		d.ram.WriteWord(c.madr, w)
	} else {
		w := d.ram.ReadWord(c.madr)
		if d.dev[ch] != nil {
			d.dev[ch].WriteWord(w)
		}
	}

	c.madr += 4
	c.bcr.wordInBlock++
	c.bcr.delay = c.bcr.delayTicks
	if c.bcr.wordInBlock >= c.bcr.BlockSize {
		c.bcr.wordInBlock = 0
		c.bcr.BlockCount--
	}
	if c.bcr.BlockCount == 0 {
		return true, true, nil
	}
	return true, false, nil
}

// stepSIF0 runs the IOP side of SIF0: fetch the four-word SIF DMAtag
// from TADR (IOP data address, word count, and the EE-side DMAtag's
// two words, which are pushed into the FIFO ahead of the payload),
// then stream the payload words from IOP RAM (spec §4.4).
func (d *DMAC) stepSIF0(ch Channel) (progressed, done bool, f *fault.Fault) {
	c := &d.ch[ch]

	if c.needTag {
		w0 := d.ram.ReadWord(c.tadr)
		w1 := d.ram.ReadWord(c.tadr + 4)
		eeLo := d.ram.ReadWord(c.tadr + 8)
		eeHi := d.ram.ReadWord(c.tadr + 12)
		if !d.sif0.CanWriteSIF0() {
			return false, false, nil
		}
		if !d.sif0.WriteSIF0(eeLo) || !d.sif0.WriteSIF0(eeHi) {
			return false, false, nil
		}
		c.madr = w0 &^ sifTagEndBits
		c.wordCount = w1
		c.junkWords = int((4 - (w1 & 3)) & 3)
		c.endTag = w0&sifTagEndBits != 0
		c.tadr += 16
		c.needTag = false
		return true, false, nil
	}

	if c.wordCount > 0 {
		if !d.sif0.CanWriteSIF0() {
			return false, false, nil
		}
		word := d.ram.ReadWord(c.madr)
		if !d.sif0.WriteSIF0(word) {
			return false, false, nil
		}
		c.madr += 4
		c.wordCount--
		if c.wordCount == 0 && c.junkWords > 0 {
			d.sif0.SendSIF0Junk(c.junkWords)
			c.junkWords = 0
		}
		return true, false, nil
	}

	if c.endTag {
		return true, true, nil
	}
	c.needTag = true
	return true, false, nil
}

// stepSIF1 runs the IOP side of SIF1: gather the quadword carrying the
// IOP-side DMAtag (destination address, word count) out of the FIFO,
// then drain the payload words into IOP RAM.
func (d *DMAC) stepSIF1(ch Channel) (progressed, done bool, f *fault.Fault) {
	c := &d.ch[ch]

	if c.needTag {
		for c.tagN < 4 {
			w, ok := d.sif1.ReadSIF1Word()
			if !ok {
				return false, false, nil
			}
			c.tagWords[c.tagN] = w
			c.tagN++
		}
		c.madr = c.tagWords[0] &^ sifTagEndBits
		c.wordCount = c.tagWords[1]
		c.endTag = c.tagWords[0]&sifTagEndBits != 0
		c.tagN = 0
		c.needTag = false
		return true, false, nil
	}

	if c.wordCount > 0 {
		word, ok := d.sif1.ReadSIF1Word()
		if !ok {
			return false, false, nil
		}
		d.ram.WriteWord(c.madr, word)
		c.madr += 4
		c.wordCount--
		return true, false, nil
	}

	if c.endTag {
		return true, true, nil
	}
	c.needTag = true
	return true, false, nil
}
