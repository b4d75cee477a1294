/*
 * ps2bus - Structured fault results.
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

// Package fault defines the two fault categories the bus core can raise:
// recoverable ones that the CPU-facing memory API returns as values, and
// unrecoverable invariant violations that halt the core.
package fault

import "fmt"

// Kind distinguishes the handful of fault categories named in the spec.
type Kind int

const (
	// AlignmentError - access size isn't naturally aligned to its address.
	AlignmentError Kind = iota
	// AccessViolation - TLB entry for the page is null.
	AccessViolation
	// UnsupportedDMAtag - chain tag ID invalid for the channel.
	UnsupportedDMAtag
	// UnsupportedVIFcode - VIF opcode not recognized.
	UnsupportedVIFcode
	// ASPOverflow - a 'call' chain tag issued with ASP already at 2.
	ASPOverflow
)

func (k Kind) String() string {
	switch k {
	case AlignmentError:
		return "AlignmentError"
	case AccessViolation:
		return "AccessViolation"
	case UnsupportedDMAtag:
		return "UnsupportedDMAtag"
	case UnsupportedVIFcode:
		return "UnsupportedVIFcode"
	case ASPOverflow:
		return "ASPOverflow"
	default:
		return "UnknownFault"
	}
}

// Recoverable reports whether the fault is handed back to the CPU layer
// as an exception (true) or halts the core (false).
func (k Kind) Recoverable() bool {
	return k == AlignmentError || k == AccessViolation
}

// Fault names the component, the offending address or opcode, and the
// cycle at which it occurred, per §7's propagation policy.
type Fault struct {
	Kind      Kind
	Component string
	Value     uint32 // offending address or opcode, interpretation depends on Kind
	Cycle     int64
	Detail    string
}

func New(kind Kind, component string, value uint32, cycle int64, detail string) *Fault {
	return &Fault{Kind: kind, Component: component, Value: value, Cycle: cycle, Detail: detail}
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s in %s at 0x%08x (cycle %d): %s", f.Kind, f.Component, f.Value, f.Cycle, f.Detail)
}
