/*
 * ps2bus - IPU FIFO-gate stub.
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

// Package ipu is the IPU peer gate the EE DMAC's IPU_FROM/IPU_TO channels
// check before moving a quadword (spec §4.3). The MPEG/DCT decode
// pipeline itself is out of scope (spec §1); only the FIFO-capacity gate
// the DMAC depends on is modeled.
package ipu

import "github.com/pstwo/bus/fifo"

// Gate is the backpressure surface the EE DMAC polls for IPU_FROM/TO.
type Gate struct {
	in  *fifo.Queue[[2]uint64] // IPU_TO: EE writes in
	out *fifo.Queue[[2]uint64] // IPU_FROM: EE reads out
}

// New builds a Gate with the given FIFO depth on each direction.
func New(depth int) *Gate {
	return &Gate{in: fifo.New[[2]uint64](depth), out: fifo.New[[2]uint64](depth)}
}

// CanWriteFIFO reports whether IPU_TO can accept another quadword.
func (g *Gate) CanWriteFIFO() bool { return g.in.CanPush() }

// CanReadFIFO reports whether IPU_FROM has a quadword ready.
func (g *Gate) CanReadFIFO() bool { return !g.out.Empty() }

// WriteFIFO delivers a quadword from the EE DMAC (IPU_TO channel).
func (g *Gate) WriteFIFO(lo, hi uint64) bool {
	return g.in.Push([2]uint64{lo, hi})
}

// ReadFIFO drains a quadword for the EE DMAC (IPU_FROM channel).
func (g *Gate) ReadFIFO() (lo, hi uint64, ok bool) {
	v, ok := g.out.Pop()
	return v[0], v[1], ok
}

// Produce is called by the (out-of-scope) decode pipeline to stage an
// output quadword for IPU_FROM to drain.
func (g *Gate) Produce(lo, hi uint64) bool {
	return g.out.Push([2]uint64{lo, hi})
}
