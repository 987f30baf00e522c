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

package main

import (
	"math"
	"slices"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/ajroetker/go-snippets/lowered"
	"github.com/ajroetker/go-snippets/parallel"
)

// float32Size is the element size of every tensor the interpreter runs.
const float32Size = 4

// interpreter executes a lowered float32 kernel on real memory. It stands
// in for the compiled preamble: registers are slices of width lanes and
// every tensor is a backing slice plus a position, in elements, moved by
// the LoopEnds stepping it.
type interpreter struct {
	ir    *lowered.LinearIR
	width int

	// exec dispatches ir.ParallelLoop when set.
	exec *parallel.Executor

	mem  map[*lowered.TensorDesc][]float32
	offs map[*lowered.TensorDesc]int64
	regs map[*lowered.TensorDesc][]float32

	// temps are the intermediate tensors that are neither kernel arguments
	// nor Buffers. They are private to each interpreter.
	temps map[*lowered.TensorDesc]bool
}

// newInterpreter binds the kernel Parameters to inputs and its Results to
// outputs, in order, and places the Buffers in a fresh scratch area.
func newInterpreter(ir *lowered.LinearIR, inputs, outputs [][]float32, exec *parallel.Executor) (*interpreter, error) {
	it := &interpreter{
		ir:    ir,
		width: 1,
		exec:  exec,
		mem:   make(map[*lowered.TensorDesc][]float32),
		offs:  make(map[*lowered.TensorDesc]int64),
		regs:  make(map[*lowered.TensorDesc][]float32),
		temps: make(map[*lowered.TensorDesc]bool),
	}
	scratch := make([]float32, ir.ScratchSize/float32Size)
	var params, results int
	for e := ir.Front(); e != nil; e = e.Next() {
		if e.Kind.IsMemoryAccess() {
			it.width = max(it.width, e.Count)
		}
		for _, desc := range slices.Concat(e.Inputs, e.Outputs) {
			if desc.DType != dtypes.Float32 && !e.Kind.IsLoopMarker() {
				return nil, errors.Errorf("expression #%d: only Float32 kernels can be run, got %s", e.ID, desc.DType)
			}
		}
		switch e.Kind {
		case lowered.OpKindParameter:
			if params >= len(inputs) {
				return nil, errors.Errorf("kernel has more than %d parameters", len(inputs))
			}
			if err := it.bind(e.Outputs[0], inputs[params]); err != nil {
				return nil, err
			}
			params++
		case lowered.OpKindResult:
			if results >= len(outputs) {
				return nil, errors.Errorf("kernel has more than %d results", len(outputs))
			}
			if err := it.bind(e.Inputs[0], outputs[results]); err != nil {
				return nil, err
			}
			results++
		case lowered.OpKindBuffer:
			if e.BufferOffset%float32Size != 0 {
				return nil, errors.Errorf("buffer #%d: offset %d is not a multiple of the element size", e.ID, e.BufferOffset)
			}
			for _, desc := range []*lowered.TensorDesc{e.Inputs[0], e.Outputs[0]} {
				it.mem[desc] = scratch
				it.offs[desc] = e.BufferOffset / float32Size
			}
		}
	}
	if params != len(inputs) || results != len(outputs) {
		return nil, errors.Errorf("kernel has %d parameters and %d results, got %d inputs and %d outputs",
			params, results, len(inputs), len(outputs))
	}
	return it, nil
}

func (it *interpreter) bind(desc *lowered.TensorDesc, data []float32) error {
	if int64(len(data)) != desc.NumElements() {
		return errors.Errorf("tensor %s needs %d elements, got %d", desc, desc.NumElements(), len(data))
	}
	it.mem[desc] = data
	it.offs[desc] = 0
	return nil
}

// fork returns an interpreter sharing the bound memory of it, with its own
// positions, registers and temporaries.
func (it *interpreter) fork() *interpreter {
	w := &interpreter{
		ir:    it.ir,
		width: it.width,
		mem:   make(map[*lowered.TensorDesc][]float32, len(it.mem)),
		offs:  make(map[*lowered.TensorDesc]int64, len(it.offs)),
		regs:  make(map[*lowered.TensorDesc][]float32),
		temps: make(map[*lowered.TensorDesc]bool),
	}
	for desc, data := range it.mem {
		if !it.temps[desc] {
			w.mem[desc] = data
			w.offs[desc] = it.offs[desc]
		}
	}
	return w
}

// data returns the backing slice of desc, allocating a temporary on first
// use.
func (it *interpreter) data(desc *lowered.TensorDesc) []float32 {
	if data, ok := it.mem[desc]; ok {
		return data
	}
	data := make([]float32, desc.NumElements())
	it.mem[desc] = data
	it.offs[desc] = 0
	it.temps[desc] = true
	return data
}

// window returns the count elements of desc at its current position.
func (it *interpreter) window(desc *lowered.TensorDesc, count int) []float32 {
	data := it.data(desc)
	off := it.offs[desc]
	if off < 0 || off+int64(count) > int64(len(data)) {
		exceptions.Panicf("access to %d elements of %s at offset %d is out of bounds", count, desc, off)
	}
	return data[off : off+int64(count)]
}

// Run executes the whole kernel.
func (it *interpreter) Run() error {
	return exceptions.TryCatch[error](func() { it.run(it.ir.Front(), nil) })
}

func (it *interpreter) run(begin, end *lowered.Expression) {
	for e := begin; e != end; e = e.Next() {
		switch e.Kind {
		case lowered.OpKindParameter, lowered.OpKindResult, lowered.OpKindBuffer, lowered.OpKindConstant:
		case lowered.OpKindLoopBegin:
			loopEnd := it.ir.LoopEndOf(e)
			if it.exec != nil && loopEnd == it.ir.ParallelLoop {
				it.dispatch(e, loopEnd)
			} else {
				it.loop(e, loopEnd)
			}
			e = loopEnd
		case lowered.OpKindLoad:
			reg := make([]float32, it.width)
			copy(reg, it.window(e.Inputs[0], e.Count))
			it.regs[e.Outputs[0]] = reg
		case lowered.OpKindBroadcastLoad:
			value := it.window(e.Inputs[0], 1)[0]
			reg := make([]float32, it.width)
			for i := range reg {
				reg[i] = value
			}
			it.regs[e.Outputs[0]] = reg
		case lowered.OpKindScalar:
			it.regs[e.Outputs[0]] = make([]float32, it.width)
		case lowered.OpKindFill:
			reg := slices.Clone(it.reg(e.Inputs[0]))
			for i := e.Count; i < len(reg); i++ {
				reg[i] = math.Float32frombits(e.FillValue)
			}
			it.regs[e.Outputs[0]] = reg
		case lowered.OpKindElementwise:
			args := make([][]float32, len(e.Inputs))
			for i, in := range e.Inputs {
				args[i] = it.reg(in)
			}
			it.regs[e.Outputs[0]] = elementwise(e.Op, args, it.width)
		case lowered.OpKindStore:
			copy(it.window(e.Outputs[0], e.Count), it.reg(e.Inputs[0]))
		default:
			exceptions.Panicf("expression #%d: %s cannot be interpreted", e.ID, e.Kind)
		}
	}
}

func (it *interpreter) reg(desc *lowered.TensorDesc) []float32 {
	reg, ok := it.regs[desc]
	if !ok {
		exceptions.Panicf("register value %s read before it is computed", desc)
	}
	return reg
}

// loop runs a materialized loop and applies its finalization offsets.
func (it *interpreter) loop(begin, end *lowered.Expression) {
	l := end.Loop
	if l.EvaluateOnce {
		it.run(begin.Next(), end)
	} else {
		it.iterate(begin, end, l.WorkAmount)
	}
	it.step(end, l.FinalizationOffsets)
}

// iterate runs workAmount/Increment bodies of a loop, advancing its
// operands after each.
func (it *interpreter) iterate(begin, end *lowered.Expression, workAmount int64) {
	l := end.Loop
	increments := make([]int64, l.NumOperands())
	for i := range increments {
		increments[i] = l.PtrIncrements[i] * l.Increment
	}
	for range workAmount / l.Increment {
		it.run(begin.Next(), end)
		it.step(end, increments)
	}
}

// step moves every operand of loopEnd by offsets, given in elements.
func (it *interpreter) step(loopEnd *lowered.Expression, offsets []int64) {
	for i := range loopEnd.Loop.NumOperands() {
		desc := loopEnd.Inputs[i]
		it.data(desc)
		it.offs[desc] += offsets[i]
	}
}

// dispatch runs the loop through the parallel executor: every team member
// runs its chunks on a fork of the interpreter.
func (it *interpreter) dispatch(begin, end *lowered.Expression) {
	cfg, err := lowered.ParallelLoopConfigFor(end)
	if err != nil {
		panic(err)
	}
	operands := end.Inputs[:end.Loop.NumOperands()]
	offsets := make([]int64, len(operands))
	for i, desc := range operands {
		it.data(desc)
		offsets[i] = it.offs[desc] * float32Size
	}
	klog.V(1).Infof("dispatching loop %s on %d threads", end.Loop.ID, it.exec.NumThreads(cfg))

	var mu sync.Mutex
	var firstErr error
	it.exec.ExecuteOffsets(cfg, offsets, func(workAmount int64, threadOffsets []int64) {
		w := it.fork()
		for i, desc := range operands {
			w.mem[desc] = it.mem[desc]
			w.offs[desc] = threadOffsets[i] / float32Size
		}
		err := exceptions.TryCatch[error](func() { w.iterate(begin, end, workAmount) })
		if err != nil {
			mu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
		}
	})
	if firstErr != nil {
		panic(firstErr)
	}
	for i, desc := range operands {
		it.offs[desc] = offsets[i] / float32Size
	}
}

var unaryOps = map[string]func(float32) float32{
	"Exp":  exp32,
	"Neg":  func(x float32) float32 { return -x },
	"Relu": func(x float32) float32 { return max(x, 0) },
	"Abs":  func(x float32) float32 { return float32(math.Abs(float64(x))) },
}

var binaryOps = map[string]func(x, y float32) float32{
	"Add":     func(x, y float32) float32 { return x + y },
	"Sub":     func(x, y float32) float32 { return x - y },
	"Mul":     func(x, y float32) float32 { return x * y },
	"Maximum": func(x, y float32) float32 { return max(x, y) },
	"Minimum": func(x, y float32) float32 { return min(x, y) },
}

// elementwise applies op lane by lane.
func elementwise(op string, args [][]float32, width int) []float32 {
	out := make([]float32, width)
	if fn, ok := unaryOps[op]; ok && len(args) == 1 {
		for i := range out {
			out[i] = fn(args[0][i])
		}
		return out
	}
	if fn, ok := binaryOps[op]; ok && len(args) == 2 {
		for i := range out {
			out[i] = fn(args[0][i], args[1][i])
		}
		return out
	}
	exceptions.Panicf("unsupported elementwise operation %s with %d operands", op, len(args))
	return nil
}
