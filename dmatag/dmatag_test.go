/*
 * ps2bus - DMAtag/GIFtag codec test cases.
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

package dmatag

import "testing"

func TestDecodeCntTag(t *testing.T) {
	lo := uint32(0x40) | uint32(IDCnt)<<idShift
	hi := uint32(0x00102000)
	tag := Decode(lo, hi)
	if tag.QWC != 0x40 {
		t.Fatalf("QWC = %d, want 64", tag.QWC)
	}
	if tag.ID != IDCnt {
		t.Fatalf("ID = %v, want cnt", tag.ID)
	}
	if tag.Addr != 0x00102000 {
		t.Fatalf("Addr = 0x%x, want 0x00102000", tag.Addr)
	}
	if tag.SPR {
		t.Fatal("SPR bit set unexpectedly")
	}
}

func TestDecodeSPRAddress(t *testing.T) {
	hi := uint32(0x80000400) // SPR bit set, offset 0x400
	tag := Decode(0, hi)
	if !tag.SPR {
		t.Fatal("expected SPR bit set")
	}
	if tag.Addr != 0x400 {
		t.Fatalf("Addr = 0x%x, want 0x400", tag.Addr)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	want := Tag{QWC: 0x123, IRQ: true, ID: IDRef, Addr: 0x01ABCDE0, SPR: true}
	lo, hi := Encode(want)
	got := Decode(lo, hi)
	if got != want {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestDecodeGIFTagPacked(t *testing.T) {
	// NLOOP=3, EOP set, FLG=packed(0), NREG=2, two descriptors: 0x1, 0x2
	lo := uint64(3) | (1 << 15) | uint64(2)<<60
	gif := DecodeGIFTag(lo, 0x21)
	if gif.NLOOP != 3 || !gif.EOP {
		t.Fatalf("got NLOOP=%d EOP=%v, want 3,true", gif.NLOOP, gif.EOP)
	}
	if gif.FLG != GIFPacked {
		t.Fatalf("FLG = %v, want packed", gif.FLG)
	}
}

func TestGIFTagRegCountZeroMeansSixteen(t *testing.T) {
	gif := GIFTag{NREG: 0}
	if gif.RegCount() != 16 {
		t.Fatalf("RegCount() = %d, want 16 for NREG=0", gif.RegCount())
	}
	gif2 := GIFTag{NREG: 5}
	if gif2.RegCount() != 5 {
		t.Fatalf("RegCount() = %d, want 5", gif2.RegCount())
	}
}

func TestGIFTagRegExtraction(t *testing.T) {
	gif := GIFTag{REGS: 0x00000000000000A1} // descriptor 0 = 0x1, descriptor 1 = 0xA
	if gif.Reg(0) != 0x1 {
		t.Fatalf("Reg(0) = 0x%x, want 0x1", gif.Reg(0))
	}
	if gif.Reg(1) != 0xA {
		t.Fatalf("Reg(1) = 0x%x, want 0xA", gif.Reg(1))
	}
}
