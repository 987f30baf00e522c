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
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/samber/lo"
)

// Builder assembles a LinearIR the way the upstream graph compiler hands it
// over: expressions in execution order, loop ids already assigned and an
// initial LoopInfo table.
//
// Every expression is created with loopDepth levels set to LoopNull; loops
// are then marked over ranges with Loop.
type Builder struct {
	// ir is the kernel being built.
	ir *LinearIR

	// dtype is the element type of descriptors created from shapes.
	dtype dtypes.DType

	// loopDepth is the number of nesting levels of every expression.
	loopDepth int

	// count is the per-call element count of vector memory accesses.
	count int

	// regs tracks the register holding each register-resident value.
	regs    map[*TensorDesc]int
	nextReg int
}

// BuilderOption configures the Builder.
type BuilderOption func(*Builder)

// WithDType sets the element type of descriptors created from shapes.
func WithDType(dtype dtypes.DType) BuilderOption {
	return func(b *Builder) {
		b.dtype = dtype
	}
}

// WithConfig sets the lowering configuration of the built IR.
func WithConfig(config Config) BuilderOption {
	return func(b *Builder) {
		b.ir.Config = config
	}
}

// WithLoopDepth sets the number of loop nesting levels.
func WithLoopDepth(depth int) BuilderOption {
	return func(b *Builder) {
		b.loopDepth = depth
	}
}

// WithVectorCount sets the element count of Load and Store.
func WithVectorCount(count int) BuilderOption {
	return func(b *Builder) {
		b.count = count
	}
}

// NewBuilder creates a builder for an empty kernel.
func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{
		ir:        NewLinearIR(DefaultConfig()),
		dtype:     dtypes.Float32,
		loopDepth: 1,
		count:     8,
		regs:      make(map[*TensorDesc]int),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// IR returns the kernel built so far.
func (b *Builder) IR() *LinearIR {
	return b.ir
}

// Last returns the most recently added expression.
func (b *Builder) Last() *Expression {
	return b.ir.Back()
}

// Parameter adds a kernel input of the given shape with a planar layout.
func (b *Builder) Parameter(shape ...int) *TensorDesc {
	return b.ParameterDesc(NewTensorDesc(b.dtype, shape...))
}

// ParameterDesc adds a kernel input described by desc.
func (b *Builder) ParameterDesc(desc *TensorDesc) *TensorDesc {
	b.add(OpKindParameter, "Parameter", nil, desc)
	return desc
}

// Constant adds a compile-time constant.
func (b *Builder) Constant(shape ...int) *TensorDesc {
	desc := NewTensorDesc(b.dtype, shape...)
	b.add(OpKindConstant, "Constant", nil, desc)
	return desc
}

// Load reads src into a register.
func (b *Builder) Load(src *TensorDesc) *TensorDesc {
	out := src.Clone()
	e := b.add(OpKindLoad, "Load", []*TensorDesc{src}, out)
	e.Count = b.count
	b.assignRegs(e)
	return out
}

// BroadcastLoad reads one element of src and replicates it over all lanes.
func (b *Builder) BroadcastLoad(src *TensorDesc) *TensorDesc {
	out := src.Clone()
	e := b.add(OpKindBroadcastLoad, "BroadcastLoad", []*TensorDesc{src}, out)
	e.Count = 1
	b.assignRegs(e)
	return out
}

// Scalar materializes a scalar in a register.
func (b *Builder) Scalar() *TensorDesc {
	out := NewTensorDesc(b.dtype, 1)
	e := b.add(OpKindScalar, "Scalar", nil, out)
	b.assignRegs(e)
	return out
}

// Elementwise applies op to register values. The result takes the shape of
// the widest input.
func (b *Builder) Elementwise(op string, inputs ...*TensorDesc) *TensorDesc {
	if len(inputs) == 0 {
		exceptions.Panicf("Elementwise(%q) needs at least one input", op)
	}
	widest := lo.MaxBy(inputs, func(x, y *TensorDesc) bool {
		return x.NumElements() > y.NumElements()
	})
	out := widest.Clone()
	e := b.add(OpKindElementwise, op, inputs, out)
	b.assignRegs(e)
	return out
}

// Store writes a register value to memory.
func (b *Builder) Store(src *TensorDesc) *TensorDesc {
	out := src.Clone()
	e := b.add(OpKindStore, "Store", []*TensorDesc{src}, out)
	e.Count = b.count
	b.assignRegs(e)
	return out
}

// Buffer adds a scratch buffer holding src. allocationShape defaults to the
// shape of src.
func (b *Builder) Buffer(src *TensorDesc, allocationShape ...int) *TensorDesc {
	out := src.Clone()
	e := b.add(OpKindBuffer, "Buffer", []*TensorDesc{src}, out)
	if len(allocationShape) == 0 {
		allocationShape = src.Shape
	}
	e.AllocationShape = append([]int(nil), allocationShape...)
	return out
}

// Brgemm multiplies a [M,K] by [K,N] into a new [M,N] tensor in memory.
// count is the number of rows processed per call.
func (b *Builder) Brgemm(a, c *TensorDesc, count int) *TensorDesc {
	if len(a.Shape) < 2 || len(c.Shape) < 2 {
		exceptions.Panicf("Brgemm needs rank-2 operands, got %s and %s", a, c)
	}
	m, n := a.Shape[len(a.Shape)-2], c.Shape[len(c.Shape)-1]
	out := NewTensorDesc(a.DType, m, n)
	e := b.add(OpKindBrgemm, "Brgemm", []*TensorDesc{a, c}, out)
	e.Count = count
	return out
}

// Result adds a kernel output.
func (b *Builder) Result(src *TensorDesc) *Expression {
	return b.add(OpKindResult, "Result", []*TensorDesc{src}, nil)
}

// SetFill records the neutral value used to pad input port of e in tail
// loops.
func (b *Builder) SetFill(e *Expression, port int, value uint32) {
	if port < 0 || port >= len(e.Inputs) {
		exceptions.Panicf("SetFill: expression #%d has no input %d", e.ID, port)
	}
	if e.FillInputs == nil {
		e.FillInputs = make(map[int]uint32)
	}
	e.FillInputs[port] = value
}

// Mark returns a position to open a loop from: the loop started by
// Loop(mark, ...) covers every expression added after Mark was called.
func (b *Builder) Mark() *Expression {
	return b.ir.Back()
}

// Loop marks the expressions added since mark as one loop at depth. The
// iterated dimension is derived from the depth: the innermost level
// iterates the innermost dimension.
func (b *Builder) Loop(mark *Expression, depth int, workAmount, increment int64) LoopID {
	begin := b.after(mark)
	if begin == nil {
		exceptions.Panicf("Loop: no expression added since mark")
	}
	return b.ir.MarkLoop(begin, nil, depth, workAmount, increment, b.loopDepth-1-depth)
}

// FakeLoop tags the expressions added since mark with LoopFake at depth.
func (b *Builder) FakeLoop(mark *Expression, depth int) {
	for e := b.after(mark); e != nil; e = e.Next() {
		e.SetLoopID(LoopFake, depth)
	}
}

func (b *Builder) after(mark *Expression) *Expression {
	if mark == nil {
		return b.ir.Front()
	}
	return mark.Next()
}

func (b *Builder) add(kind OpKind, op string, inputs []*TensorDesc, output *TensorDesc) *Expression {
	var outputs []*TensorDesc
	if output != nil {
		outputs = []*TensorDesc{output}
	}
	e := b.ir.NewExpression(kind, op, inputs, outputs, b.loopDepth)
	return b.ir.PushBack(e)
}

// assignRegs binds register-resident inputs to their producers' registers
// and gives each register-resident output a new one.
func (b *Builder) assignRegs(e *Expression) {
	e.InRegs = lo.FilterMap(e.Inputs, func(in *TensorDesc, _ int) (int, bool) {
		reg, ok := b.regs[in]
		return reg, ok
	})
	if e.Kind == OpKindStore {
		return
	}
	for _, out := range e.Outputs {
		b.regs[out] = b.nextReg
		e.OutRegs = append(e.OutRegs, b.nextReg)
		b.nextReg++
	}
}
