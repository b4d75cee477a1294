/*
 * ps2bus - EE DMAtag and GIFtag bit-layout decode/encode.
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

// Package dmatag decodes and encodes the 128-bit EE DMAtag and GIFtag wire
// formats. Field layouts are grounded on DobieStation's
// src/core/ee/dmac.cpp handle_source_chain (tag id table, ASP stack) and
// src/core/gif.hpp's tag bitfields; expressed here the way the teacher's
// emu/sys_channel chandefs.go names bitfield constants (shifted mask
// groups, not a packed struct with field tags).
package dmatag

// ID enumerates the 3-bit DMAtag chain-operation code (bits 28-30 of the
// low quadword word).
type ID int

const (
	IDRefe ID = iota
	IDCnt
	IDNext
	IDRef
	IDRefs
	IDCall
	IDRet
	IDEnd
)

func (id ID) String() string {
	switch id {
	case IDRefe:
		return "refe"
	case IDCnt:
		return "cnt"
	case IDNext:
		return "next"
	case IDRef:
		return "ref"
	case IDRefs:
		return "refs"
	case IDCall:
		return "call"
	case IDRet:
		return "ret"
	case IDEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Low quadword bitfield layout of an EE DMAtag (DobieStation dmac.cpp):
//
//	bits 0-15   quadword count (QWC)
//	bits 26-27  PCE (priority control, SPR-related; unused by most chans)
//	bits 28-30  tag id
//	bit  31     IRQ-after-transfer request
//	bits 32-63  address, with bit 31 of the full 32-bit field marking SPR
const (
	qwcMask     = 0xFFFF
	pceShift    = 26
	pceMask     = 0x3
	irqShift    = 31 // DobieStation stores IRQ at bit 31 of the low word
	idShift     = 28
	idMask      = 0x7
	addrSPRBit  = 0x80000000
	addrMask    = 0x7FFFFFFF
)

// Tag is a decoded EE DMAtag: the control quadword preceding a chained
// DMA transfer.
type Tag struct {
	QWC     uint16
	PCE     uint8
	IRQ     bool
	ID      ID
	Addr uint32 // lower 31 bits of the address field, low 4 clear
	SPR  bool   // address field's SPR indicator bit
}

// Decode unpacks the low and high 32-bit words of a DMAtag quadword
// (low holds control+count, high holds the second data word per
// DobieStation's tag128.data[0]/data[1] layout). The address field's
// lower 4 bits are always cleared on the wire (spec §6.5).
func Decode(lo, hi uint32) Tag {
	return Tag{
		QWC:    uint16(lo & qwcMask),
		PCE:    uint8((lo >> pceShift) & pceMask),
		IRQ:    (lo>>irqShift)&1 != 0,
		ID:     ID((lo >> idShift) & idMask),
		Addr: hi & addrMask &^ 0xF,
		SPR:  hi&addrSPRBit != 0,
	}
}

// Encode packs a Tag back into its low/high 32-bit wire words.
func Encode(t Tag) (lo, hi uint32) {
	lo = uint32(t.QWC) & qwcMask
	lo |= uint32(t.PCE&pceMask) << pceShift
	if t.IRQ {
		lo |= 1 << irqShift
	}
	lo |= uint32(t.ID&idMask) << idShift
	hi = t.Addr & addrMask
	if t.SPR {
		hi |= addrSPRBit
	}
	return lo, hi
}

// GIFFlag is the 2-bit PACKED/REGLIST/IMAGE/DISABLE format selector
// carried in a GIFtag (spec §4.7, DobieStation gif.hpp).
type GIFFlag int

const (
	GIFPacked GIFFlag = iota
	GIFRegList
	GIFImage
	GIFDisable
)

func (f GIFFlag) String() string {
	switch f {
	case GIFPacked:
		return "packed"
	case GIFRegList:
		return "reglist"
	case GIFImage:
		return "image"
	case GIFDisable:
		return "disable"
	default:
		return "unknown"
	}
}

// GIFTag is a decoded 128-bit GIFtag. The wire format is four 32-bit
// words: word0 holds NLOOP/EOP, word1 holds PRE/PRIM/FLG/NREG, words2-3
// hold the up-to-16 4-bit register descriptors (REGS).
const (
	gifNloopMask = 0x7FFF
	gifEOPBit    = 1 << 15
	gifPREBit    = uint64(1) << 46
	gifPrimShift = 47
	gifPrimMask  = 0x7FF // PRIM spans bits 47-57
	gifFlgShift  = 58
	gifFlgMask   = 0x3
	gifNregShift = 60
	gifNregMask  = 0xF
)

type GIFTag struct {
	NLOOP uint16
	EOP   bool
	PRE   bool
	PRIM  uint16
	FLG   GIFFlag
	NREG  uint8
	REGS  uint64 // packed 4-bit register descriptors, up to 16 of them
}

// DecodeGIFTag unpacks a GIFtag from its low and high 64-bit halves.
func DecodeGIFTag(lo, hi uint64) GIFTag {
	return GIFTag{
		NLOOP: uint16(lo & gifNloopMask),
		EOP:   lo&gifEOPBit != 0,
		PRE:   lo&gifPREBit != 0,
		PRIM:  uint16((lo >> gifPrimShift) & gifPrimMask),
		FLG:   GIFFlag((lo >> gifFlgShift) & gifFlgMask),
		NREG:  uint8((lo >> gifNregShift) & gifNregMask),
		REGS:  hi,
	}
}

// RegCount returns the number of register descriptors for one PACKED/
// REGLIST loop iteration: NREG, with 0 meaning 16 per the wire format.
func (t GIFTag) RegCount() int {
	if t.NREG == 0 {
		return 16
	}
	return int(t.NREG)
}

// Reg returns the i'th 4-bit register descriptor (i in [0, RegCount())).
func (t GIFTag) Reg(i int) uint8 {
	return uint8((t.REGS >> (uint(i) * 4)) & 0xF)
}
