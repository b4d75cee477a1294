/*
 * ps2bus - Graphics Synthesizer sink interface.
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

// Package gs is the non-blocking sink the GIF forwards decoded register
// writes to. The rasterizer itself is out of scope (spec §1); this
// package defines the contract and a recording fake for tests, the way
// the teacher's device package defines an interface peripherals satisfy.
package gs

// Sink receives GS privileged-register writes. All calls are
// non-blocking per §5: the GIF never waits on the rasterizer.
type Sink interface {
	WriteReg(reg uint8, lo, hi uint64)
	WriteHWREG(lo, hi uint64)
	WritePRIM(prim uint16)
}

// Recorder is a Sink that remembers every call, used by GIF tests to
// assert exact register-write sequences without a real rasterizer.
type Recorder struct {
	Regs   []RegWrite
	HWREGs []Quad
	Prims  []uint16
}

// RegWrite is one WriteReg call's arguments.
type RegWrite struct {
	Reg    uint8
	Lo, Hi uint64
}

// Quad is a raw quadword, used for HWREG payloads.
type Quad struct {
	Lo, Hi uint64
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) WriteReg(reg uint8, lo, hi uint64) {
	r.Regs = append(r.Regs, RegWrite{Reg: reg, Lo: lo, Hi: hi})
}

func (r *Recorder) WriteHWREG(lo, hi uint64) {
	r.HWREGs = append(r.HWREGs, Quad{Lo: lo, Hi: hi})
}

func (r *Recorder) WritePRIM(prim uint16) {
	r.Prims = append(r.Prims, prim)
}
