// Copyright 2025 go-highway Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lowered

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
)

// Expression is one scheduled operation of the linear IR.
//
// Expressions are linked into a LinearIR; prev/next are maintained by the
// container so that expressions can be spliced around without invalidating
// references held by a traversal.
type Expression struct {
	// ID is unique within its LinearIR.
	ID int

	// Kind categorizes the operation.
	Kind OpKind

	// Op is the specific operation name (e.g. "Add", "Maximum", "Exp").
	Op string

	// Inputs are the consumed tensors, shared by identity with the
	// producers' Outputs.
	Inputs []*TensorDesc

	// Outputs are the produced tensors.
	Outputs []*TensorDesc

	// LoopIDs has one entry per nesting level, outermost first.
	LoopIDs []LoopID

	// Count is the number of elements moved per call by memory-access
	// expressions, and the number of valid lanes for Fill.
	Count int

	// FillInputs maps an input port to the neutral value its lanes must be
	// filled with when the expression runs in a tail loop.
	FillInputs map[int]uint32

	// FillValue is the bit pattern written by a Fill expression.
	FillValue uint32

	// InRegs and OutRegs are the physical register bindings, when assigned.
	InRegs  []int
	OutRegs []int

	// Loop holds the runtime loop parameters of a LoopEnd expression.
	Loop *LoopEnd

	// BufferID is the storage color assigned to a Buffer expression.
	BufferID int

	// BufferOffset is the byte offset of a Buffer inside the kernel scratch
	// area, assigned by BufferAllocation.
	BufferOffset int64

	// AllocationShape is the number of elements reserved by a Buffer, per
	// dimension.
	AllocationShape []int

	prev, next *Expression
	ir         *LinearIR
}

// Next returns the following expression in the sequence, or nil.
func (e *Expression) Next() *Expression {
	return e.next
}

// Prev returns the preceding expression in the sequence, or nil.
func (e *Expression) Prev() *Expression {
	return e.prev
}

// Attached reports whether the expression currently belongs to a LinearIR.
func (e *Expression) Attached() bool {
	return e.ir != nil
}

// LoopID returns the loop identifier at the given nesting depth.
func (e *Expression) LoopID(depth int) LoopID {
	if depth < 0 || depth >= len(e.LoopIDs) {
		exceptions.Panicf("expression #%d has %d loop levels, requested depth %d", e.ID, len(e.LoopIDs), depth)
	}
	return e.LoopIDs[depth]
}

// SetLoopID retags the expression at the given nesting depth.
func (e *Expression) SetLoopID(id LoopID, depth int) {
	if depth < 0 || depth >= len(e.LoopIDs) {
		exceptions.Panicf("expression #%d has %d loop levels, cannot set depth %d", e.ID, len(e.LoopIDs), depth)
	}
	e.LoopIDs[depth] = id
}

// InLoop reports whether id appears at any nesting level of the expression.
func (e *Expression) InLoop(id LoopID) bool {
	for _, l := range e.LoopIDs {
		if l == id {
			return true
		}
	}
	return false
}

// InputPort returns the port for input i.
func (e *Expression) InputPort(i int) ExpressionPort {
	return InputPort(e, i)
}

// OutputPort returns the port for output i.
func (e *Expression) OutputPort(i int) ExpressionPort {
	return OutputPort(e, i)
}

// ByteSize returns the allocation size of a Buffer in bytes.
func (e *Expression) ByteSize() int64 {
	if e.Kind != OpKindBuffer {
		exceptions.Panicf("ByteSize requested on %s expression #%d", e.Kind, e.ID)
	}
	n := int64(1)
	for _, s := range e.AllocationShape {
		n *= int64(s)
	}
	return n * e.Outputs[0].ElemSize()
}

// isIO reports whether the expression is a kernel input, output or constant.
// Those anchor loops but never take part in a loop body.
func (e *Expression) isIO() bool {
	switch e.Kind {
	case OpKindParameter, OpKindConstant, OpKindResult:
		return true
	default:
		return false
	}
}

// clone copies the expression payload. Links, ownership and ID are left
// for the caller.
func (e *Expression) clone() *Expression {
	c := &Expression{
		Kind:            e.Kind,
		Op:              e.Op,
		Inputs:          append([]*TensorDesc(nil), e.Inputs...),
		Outputs:         append([]*TensorDesc(nil), e.Outputs...),
		LoopIDs:         append([]LoopID(nil), e.LoopIDs...),
		Count:           e.Count,
		FillValue:       e.FillValue,
		InRegs:          append([]int(nil), e.InRegs...),
		OutRegs:         append([]int(nil), e.OutRegs...),
		BufferID:        e.BufferID,
		BufferOffset:    e.BufferOffset,
		AllocationShape: append([]int(nil), e.AllocationShape...),
	}
	if e.FillInputs != nil {
		c.FillInputs = make(map[int]uint32, len(e.FillInputs))
		for k, v := range e.FillInputs {
			c.FillInputs[k] = v
		}
	}
	if e.Loop != nil {
		c.Loop = e.Loop.Clone()
	}
	return c
}

// String returns a debug string representation of the Expression.
func (e *Expression) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "#%d %s", e.ID, e.Kind)
	if e.Op != "" && e.Op != e.Kind.String() {
		fmt.Fprintf(&sb, "(%s)", e.Op)
	}
	ids := make([]string, len(e.LoopIDs))
	for i, id := range e.LoopIDs {
		ids[i] = id.String()
	}
	fmt.Fprintf(&sb, " loops=[%s]", strings.Join(ids, ","))
	if e.Kind.IsMemoryAccess() || e.Kind == OpKindFill {
		fmt.Fprintf(&sb, " count=%d", e.Count)
	}
	switch e.Kind {
	case OpKindBuffer:
		fmt.Fprintf(&sb, " id=%d offset=%d", e.BufferID, e.BufferOffset)
	case OpKindLoopEnd:
		fmt.Fprintf(&sb, " %s", e.Loop)
	case OpKindFill:
		fmt.Fprintf(&sb, " value=%#x", e.FillValue)
	}
	if len(e.Outputs) > 0 {
		outs := make([]string, len(e.Outputs))
		for i, o := range e.Outputs {
			outs[i] = o.String()
		}
		fmt.Fprintf(&sb, " -> %s", strings.Join(outs, ","))
	}
	return sb.String()
}

// LoopEnd holds the runtime parameters of one materialized loop.
//
// Slices are indexed by operand: the loop's entry ports first, then its
// exit ports.
type LoopEnd struct {
	// ID is the LoopInfo this marker was created from.
	ID LoopID

	WorkAmount int64
	Increment  int64

	// PtrIncrements is the per-operand step, in elements per unit of the
	// iterated dimension. One body execution advances an operand pointer by
	// PtrIncrements[i]*Increment elements.
	PtrIncrements []int64

	// FinalizationOffsets are applied once, in elements, when the loop is
	// left for good.
	FinalizationOffsets []int64

	// ElementSizes are the operand element sizes in bytes.
	ElementSizes []int64

	NumEntries int
	NumExits   int

	// EvaluateOnce disables the trip counter and per-iteration pointer
	// increments: the body runs exactly once.
	EvaluateOnce bool

	// HasOuterLoop is set when an enclosing loop will execute this loop
	// again, so pointer state after the loop matters.
	HasOuterLoop bool
}

// Clone returns a deep copy.
func (l *LoopEnd) Clone() *LoopEnd {
	c := *l
	c.PtrIncrements = append([]int64(nil), l.PtrIncrements...)
	c.FinalizationOffsets = append([]int64(nil), l.FinalizationOffsets...)
	c.ElementSizes = append([]int64(nil), l.ElementSizes...)
	return &c
}

// NumOperands returns NumEntries+NumExits.
func (l *LoopEnd) NumOperands() int {
	return l.NumEntries + l.NumExits
}

// String implements fmt.Stringer.
func (l *LoopEnd) String() string {
	if l == nil {
		return "<nil>"
	}
	s := fmt.Sprintf("id=%s wa=%d inc=%d ptr=%s fin=%s",
		l.ID, l.WorkAmount, l.Increment, joinInts(l.PtrIncrements), joinInts(l.FinalizationOffsets))
	if l.EvaluateOnce {
		s += " once"
	}
	if l.HasOuterLoop {
		s += " outer"
	}
	return s
}
