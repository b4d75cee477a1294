/*
 * ps2bus - Vector Unit memory peer stub.
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

// Package vu models a Vector Unit's memory arrays as the bus-and-transfer
// core sees them: a destination for VIF UNPACK/MPG writes and an idle flag
// MSCAL/FLUSH wait on. The microcode engine itself is out of scope (spec
// §1) and is not modeled here.
package vu

// Unit is one vector unit's instruction and data memory windows.
type Unit struct {
	Data  []byte // VU0: 4 KiB, VU1: 16 KiB
	Instr []byte // VU0: 4 KiB, VU1: 16 KiB
	idle  bool
	mscal uint32 // microprogram entry address latched by the last MSCAL
}

// New builds a Unit with the given data/instruction memory sizes in
// bytes, initially idle.
func New(dataSize, instrSize int) *Unit {
	return &Unit{Data: make([]byte, dataSize), Instr: make([]byte, instrSize), idle: true}
}

// Idle reports whether the unit's microprogram has finished running;
// VIF's FLUSH family blocks decoding until this is true.
func (u *Unit) Idle() bool { return u.idle }

// Start marks the unit busy running the microprogram at addr (as if
// MSCAL/MSCNT/MSCALF had fired). The opaque microcode engine (out of
// scope) is expected to call Finish when it completes.
func (u *Unit) Start(addr uint32) {
	u.mscal = addr
	u.idle = false
}

// Finish marks the unit idle again.
func (u *Unit) Finish() { u.idle = true }

// mask wraps a byte offset to the memory's size (always a power of
// two) at quadword granularity, the way VIF UNPACK addresses wrap.
func mask(mem []byte, offset uint32) uint32 {
	return offset & uint32(len(mem)-1) &^ 0xF
}

// WriteData stores a quadword (lo, hi 64-bit halves) into data memory.
func (u *Unit) WriteData(offset uint32, lo, hi uint64) {
	putQuad(u.Data, mask(u.Data, offset), lo, hi)
}

// WriteInstr stores a quadword into instruction memory (VIF's MPG).
func (u *Unit) WriteInstr(offset uint32, lo, hi uint64) {
	putQuad(u.Instr, mask(u.Instr, offset), lo, hi)
}

// ReadData loads a quadword from data memory (XGKICK/PATH1 source).
func (u *Unit) ReadData(offset uint32) (lo, hi uint64) {
	return getQuad(u.Data, mask(u.Data, offset))
}

func putQuad(mem []byte, offset uint32, lo, hi uint64) {
	for i := 0; i < 8; i++ {
		mem[offset+uint32(i)] = byte(lo >> (8 * i))
		mem[offset+8+uint32(i)] = byte(hi >> (8 * i))
	}
}

func getQuad(mem []byte, offset uint32) (lo, hi uint64) {
	for i := 0; i < 8; i++ {
		lo |= uint64(mem[offset+uint32(i)]) << (8 * i)
		hi |= uint64(mem[offset+8+uint32(i)]) << (8 * i)
	}
	return lo, hi
}
