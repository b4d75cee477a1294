/*
 * ps2bus - EE memory subsystem: TLB-mapped address space and MMIO dispatch.
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

// Package eemem is the EE's memory front-end: a flat, page-indexed TLB map
// (generalizing the teacher's fixed-array emu/memory.go to a virtual
// address space), typed 1/2/4/8/16-byte accessors with MMIO dispatch, and
// the 128-line 2-way icache model used by read_instr.
package eemem

import (
	"encoding/binary"

	"github.com/pstwo/bus/fault"
)

const (
	pageShift = 12
	pageSize  = 1 << pageShift
	pageMask  = pageSize - 1
)

// entryKind distinguishes the three TLB sentinel states from §4.2.
type entryKind int

const (
	entryInvalid entryKind = iota // null: AccessViolation
	entryMMIO                     // sentinel 1: forward to MMIO dispatch
	entryPage                     // host-backed 4 KiB page
)

type tlbEntry struct {
	kind entryKind
	page []byte // len == pageSize, only valid when kind == entryPage
	dirty bool
}

// MMIO demultiplexes a physical address to the owning peripheral. It is
// supplied by the Bus at construction time (a capability, not an owned
// back-pointer, per the Design Notes).
type MMIO interface {
	Read(addr uint32, size int) (uint64, bool)
	Write(addr uint32, size int, value uint64) bool
}

// Memory is the EE's virtual-to-host mapping table plus the icache model.
type Memory struct {
	tlb  []tlbEntry // indexed by vaddr >> 12
	mmio MMIO

	// 128-line, 2-way instruction cache. way 0/1 per line; lfu is the
	// per-line bit XORed on a miss to pick a fill way (§4.2).
	icacheTag   [128][2]uint32
	icacheValid [128][2]bool
	icacheLFU   [128]bool

	icacheMissCycles  int
	uncachedReadCycles int
}

const (
	icacheLines       = 128
	icacheMissPenalty = 40
	uncachedPenalty   = 16
)

// New creates a Memory with `pages` TLB slots, all initially invalid, and
// wires the MMIO dispatcher.
func New(pages int, mmio MMIO) *Memory {
	return &Memory{tlb: make([]tlbEntry, pages), mmio: mmio}
}

// MapPage installs a host-backed 4 KiB page at vaddr's page number.
func (m *Memory) MapPage(vaddr uint32, backing []byte) {
	if len(backing) != pageSize {
		panic("eemem: page must be exactly 4 KiB")
	}
	m.tlb[vaddr>>pageShift] = tlbEntry{kind: entryPage, page: backing}
}

// MapMMIO marks vaddr's page as MMIO-dispatched.
func (m *Memory) MapMMIO(vaddr uint32) {
	m.tlb[vaddr>>pageShift] = tlbEntry{kind: entryMMIO}
}

// Unmap invalidates vaddr's page (TLB entry becomes null).
func (m *Memory) Unmap(vaddr uint32) {
	m.tlb[vaddr>>pageShift] = tlbEntry{}
}

// Resident reports whether the TLB search for vaddr's page succeeds
// (invariant 7: non-null iff the CPU-side TLB search succeeds).
func (m *Memory) Resident(vaddr uint32) bool {
	if int(vaddr>>pageShift) >= len(m.tlb) {
		return false
	}
	return m.tlb[vaddr>>pageShift].kind != entryInvalid
}

func alignedTo(addr uint32, size int) bool {
	return addr&uint32(size-1) == 0
}

// Read performs a `size`-byte (1/2/4/8/16) load. size==16 returns the low
// 64 bits in value and the high 64 bits in hi.
func (m *Memory) Read(addr uint32, size int) (value uint64, hi uint64, f *fault.Fault) {
	if !alignedTo(addr, size) {
		return 0, 0, fault.New(fault.AlignmentError, "eemem", addr, 0, "misaligned read")
	}
	idx := int(addr >> pageShift)
	if idx >= len(m.tlb) {
		return 0, 0, fault.New(fault.AccessViolation, "eemem", addr, 0, "address beyond TLB map")
	}
	e := &m.tlb[idx]
	switch e.kind {
	case entryInvalid:
		return 0, 0, fault.New(fault.AccessViolation, "eemem", addr, 0, "TLB miss")
	case entryMMIO:
		lo, _ := m.mmio.Read(addr, min(size, 8))
		if size == 16 {
			h, _ := m.mmio.Read(addr+8, 8)
			return lo, h, nil
		}
		return lo, 0, nil
	default:
		off := addr & pageMask
		switch size {
		case 1:
			return uint64(e.page[off]), 0, nil
		case 2:
			return uint64(binary.LittleEndian.Uint16(e.page[off:])), 0, nil
		case 4:
			return uint64(binary.LittleEndian.Uint32(e.page[off:])), 0, nil
		case 8:
			return binary.LittleEndian.Uint64(e.page[off:]), 0, nil
		case 16:
			lo := binary.LittleEndian.Uint64(e.page[off:])
			hi := binary.LittleEndian.Uint64(e.page[off+8:])
			return lo, hi, nil
		default:
			panic("eemem: unsupported access width")
		}
	}
}

// Write performs a `size`-byte store; for size==16, hi carries the upper
// 64 bits. Writing invalidates the page's JIT dirty-retranslation flag.
func (m *Memory) Write(addr uint32, size int, value uint64, hi uint64) *fault.Fault {
	if !alignedTo(addr, size) {
		return fault.New(fault.AlignmentError, "eemem", addr, 0, "misaligned write")
	}
	idx := int(addr >> pageShift)
	if idx >= len(m.tlb) {
		return fault.New(fault.AccessViolation, "eemem", addr, 0, "address beyond TLB map")
	}
	e := &m.tlb[idx]
	switch e.kind {
	case entryInvalid:
		return fault.New(fault.AccessViolation, "eemem", addr, 0, "TLB miss")
	case entryMMIO:
		m.mmio.Write(addr, min(size, 8), value)
		if size == 16 {
			m.mmio.Write(addr+8, 8, hi)
		}
		return nil
	default:
		off := addr & pageMask
		switch size {
		case 1:
			e.page[off] = byte(value)
		case 2:
			binary.LittleEndian.PutUint16(e.page[off:], uint16(value))
		case 4:
			binary.LittleEndian.PutUint32(e.page[off:], uint32(value))
		case 8:
			binary.LittleEndian.PutUint64(e.page[off:], value)
		case 16:
			binary.LittleEndian.PutUint64(e.page[off:], value)
			binary.LittleEndian.PutUint64(e.page[off+8:], hi)
		default:
			panic("eemem: unsupported access width")
		}
		e.dirty = true // invalidates the JIT's page-dirty cache
		return nil
	}
}

// Dirty reports and clears whether the page containing vaddr was written
// since the last call, the hook the JIT uses to decide retranslation.
func (m *Memory) Dirty(vaddr uint32) bool {
	idx := int(vaddr >> pageShift)
	if idx >= len(m.tlb) || m.tlb[idx].kind != entryPage {
		return false
	}
	d := m.tlb[idx].dirty
	m.tlb[idx].dirty = false
	return d
}

// ReadInstr performs a 32-bit instruction fetch through the icache model:
// 128 lines, 2-way, LFU-XOR replacement on miss. Returns the instruction
// word and the cycle debit to apply (0 on a cache hit, icacheMissPenalty
// on a miss, uncachedPenalty if the line maps outside cacheable pages).
func (m *Memory) ReadInstr(vaddr uint32) (instr uint32, cycles int, f *fault.Fault) {
	lo, _, f := m.Read(vaddr, 4)
	if f != nil {
		return 0, 0, f
	}
	idx := int(vaddr>>pageShift) % len(m.tlb)
	if m.tlb[idx].kind != entryPage {
		return uint32(lo), uncachedPenalty, nil
	}
	line := (vaddr >> 4) % icacheLines
	tag := vaddr &^ 0xF

	for way := 0; way < 2; way++ {
		if m.icacheValid[line][way] && m.icacheTag[line][way] == tag {
			return uint32(lo), 0, nil // hit
		}
	}

	way := 0
	switch {
	case !m.icacheValid[line][0]:
		way = 0
	case !m.icacheValid[line][1]:
		way = 1
	default:
		// Both ways occupied: XOR the line's LFU bit to pick a victim.
		m.icacheLFU[line] = !m.icacheLFU[line]
		if m.icacheLFU[line] {
			way = 1
		} else {
			way = 0
		}
	}
	m.icacheTag[line][way] = tag
	m.icacheValid[line][way] = true
	m.icacheLFU[line] = !m.icacheLFU[line]

	return uint32(lo), icacheMissPenalty, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
