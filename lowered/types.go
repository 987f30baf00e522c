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

// Package lowered provides the linear intermediate representation of a
// tensor kernel body together with the lowering passes that schedule its
// loops: loop fusion, loop marker insertion, tail-loop splitting, and
// scratch-buffer identification.
//
// A kernel is a strictly ordered sequence of expressions. There is no
// separate control-flow graph: loop nesting is carried by a per-expression
// vector of loop identifiers and, once lowered, by explicit LoopBegin and
// LoopEnd marker expressions.
package lowered

import (
	"fmt"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"

	"github.com/ajroetker/go-snippets/parallel"
)

// OpKind categorizes expressions for the lowering passes.
type OpKind int

const (
	// OpKindParameter is a kernel input. It anchors loops but never belongs
	// to a loop body.
	OpKindParameter OpKind = iota

	// OpKindConstant is a compile-time constant.
	OpKindConstant

	// OpKindResult is a kernel output.
	OpKindResult

	// OpKindLoad reads Count elements from memory into a vector register.
	OpKindLoad

	// OpKindBroadcastLoad reads one element and replicates it over all lanes.
	OpKindBroadcastLoad

	// OpKindStore writes Count elements of a vector register to memory.
	OpKindStore

	// OpKindElementwise is a pure register-to-register computation
	// (Add, Maximum, Exp, ...).
	OpKindElementwise

	// OpKindScalar materializes a scalar into a register.
	OpKindScalar

	// OpKindBrgemm is a blocked matrix-multiply primitive reading and
	// writing memory directly.
	OpKindBrgemm

	// OpKindBuffer is a temporary scratch storage with no lifetime beyond
	// the kernel body.
	OpKindBuffer

	// OpKindFill overwrites the lanes past Count of a register with a
	// neutral value.
	OpKindFill

	// OpKindLoopBegin marks the start of a loop body.
	OpKindLoopBegin

	// OpKindLoopEnd marks the end of a loop body and holds the loop's
	// runtime parameters.
	OpKindLoopEnd
)

// String returns a human-readable name for the OpKind.
func (k OpKind) String() string {
	switch k {
	case OpKindParameter:
		return "Parameter"
	case OpKindConstant:
		return "Constant"
	case OpKindResult:
		return "Result"
	case OpKindLoad:
		return "Load"
	case OpKindBroadcastLoad:
		return "BroadcastLoad"
	case OpKindStore:
		return "Store"
	case OpKindElementwise:
		return "Elementwise"
	case OpKindScalar:
		return "Scalar"
	case OpKindBrgemm:
		return "Brgemm"
	case OpKindBuffer:
		return "Buffer"
	case OpKindFill:
		return "Fill"
	case OpKindLoopBegin:
		return "LoopBegin"
	case OpKindLoopEnd:
		return "LoopEnd"
	default:
		return fmt.Sprintf("OpKind(%d)", k)
	}
}

// IsMemoryAccess reports whether expressions of this kind carry a
// per-call element count.
func (k OpKind) IsMemoryAccess() bool {
	switch k {
	case OpKindLoad, OpKindBroadcastLoad, OpKindStore, OpKindBrgemm:
		return true
	default:
		return false
	}
}

// IsLoopMarker reports whether the kind is LoopBegin or LoopEnd.
func (k OpKind) IsLoopMarker() bool {
	return k == OpKindLoopBegin || k == OpKindLoopEnd
}

// LoopID identifies a LoopInfo entry in the LoopManager. Negative values
// are sentinels.
type LoopID int

const (
	// LoopNull marks a nesting level at which the expression is not part of
	// any loop.
	LoopNull LoopID = -1

	// LoopFake marks a nesting level covered by a synthetic loop that is not
	// materialized yet.
	LoopFake LoopID = -2
)

// IsSentinel reports whether id is LoopNull or LoopFake.
func (id LoopID) IsSentinel() bool {
	return id < 0
}

// String implements fmt.Stringer.
func (id LoopID) String() string {
	switch id {
	case LoopNull:
		return "_"
	case LoopFake:
		return "~"
	default:
		return fmt.Sprintf("%d", int(id))
	}
}

// DynamicValue marks a work amount, increment or pointer step that is only
// known at execution time.
const DynamicValue = parallel.DynamicValue

// IsDynamic reports whether v is DynamicValue.
func IsDynamic(v int64) bool {
	return v == DynamicValue
}

// TensorDesc describes the tensor flowing through one expression port.
//
// Descriptors are shared by identity: a producer's output descriptor is the
// same pointer as each consumer's input descriptor. The LinearIR uses this
// identity to answer producer and consumer queries.
type TensorDesc struct {
	// Shape is the logical shape.
	Shape []int

	// Layout is the physical order of the logical dimensions, outermost
	// first. Layout[len-1] is the innermost (contiguous) dimension.
	Layout []int

	// DType is the element type.
	DType dtypes.DType
}

// NewTensorDesc creates a descriptor with a planar (identity) layout.
func NewTensorDesc(dtype dtypes.DType, shape ...int) *TensorDesc {
	layout := make([]int, len(shape))
	for i := range layout {
		layout[i] = i
	}
	return &TensorDesc{
		Shape:  append([]int(nil), shape...),
		Layout: layout,
		DType:  dtype,
	}
}

// Clone returns a deep copy of the descriptor.
func (d *TensorDesc) Clone() *TensorDesc {
	return &TensorDesc{
		Shape:  append([]int(nil), d.Shape...),
		Layout: append([]int(nil), d.Layout...),
		DType:  d.DType,
	}
}

// ElemSize returns the element size in bytes.
func (d *TensorDesc) ElemSize() int64 {
	return int64(d.DType.Size())
}

// NumElements returns the product of the shape.
func (d *TensorDesc) NumElements() int64 {
	n := int64(1)
	for _, s := range d.Shape {
		n *= int64(s)
	}
	return n
}

// String returns a compact representation such as "Float32[2,17]{1,0}"; the layout is
// only shown when it is not planar.
func (d *TensorDesc) String() string {
	var sb strings.Builder
	sb.WriteString(d.DType.String())
	sb.WriteString(joinInts(d.Shape))
	if !isPlanar(d.Layout) {
		fmt.Fprintf(&sb, "{%s}", strings.Trim(joinInts(d.Layout), "[]"))
	}
	return sb.String()
}

// dimStride returns the physical stride, in elements, of logical dimension
// dim: the product of the sizes of every dimension placed inside dim by
// layout.
func dimStride(dim int, layout, shape []int) int64 {
	stride := int64(1)
	for i := len(layout) - 1; i >= 0; i-- {
		if layout[i] == dim {
			break
		}
		stride *= int64(shape[layout[i]])
	}
	return stride
}

func isPlanar(layout []int) bool {
	for i, l := range layout {
		if l != i {
			return false
		}
	}
	return true
}

func joinInts[T ~int | ~int64](values []T) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// PortType distinguishes input from output ports.
type PortType int

const (
	// PortInput is an operand consumed by an expression.
	PortInput PortType = iota

	// PortOutput is a value produced by an expression.
	PortOutput
)

// ExpressionPort references one input or output of an expression. It is the
// unit stored in loop boundaries.
type ExpressionPort struct {
	Expr  *Expression
	Type  PortType
	Index int
}

// InputPort returns the port for input i of expr.
func InputPort(expr *Expression, i int) ExpressionPort {
	return ExpressionPort{Expr: expr, Type: PortInput, Index: i}
}

// OutputPort returns the port for output i of expr.
func OutputPort(expr *Expression, i int) ExpressionPort {
	return ExpressionPort{Expr: expr, Type: PortOutput, Index: i}
}

// Desc returns the tensor descriptor attached to the port.
func (p ExpressionPort) Desc() *TensorDesc {
	if p.Type == PortInput {
		return p.Expr.Inputs[p.Index]
	}
	return p.Expr.Outputs[p.Index]
}

// String implements fmt.Stringer.
func (p ExpressionPort) String() string {
	dir := "in"
	if p.Type == PortOutput {
		dir = "out"
	}
	return fmt.Sprintf("#%d.%s%d", p.Expr.ID, dir, p.Index)
}
