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

// LinearIR is the ordered expression sequence of one kernel body together
// with its loop table.
//
// The sequence is an intrusive doubly linked list: moving or removing an
// expression never invalidates a reference to any other expression, which
// lets passes relocate whole loop bodies while scanning the sequence.
type LinearIR struct {
	// Config controls optional lowering behavior.
	Config Config

	// ScratchSize is the total scratch memory in bytes, set by
	// BufferAllocation.
	ScratchSize int64

	// ParallelLoop is the LoopEnd selected for multi-threaded dispatch, set
	// by MarkParallelLoop.
	ParallelLoop *Expression

	front, back *Expression
	length      int
	loops       *LoopManager
	nextID      int

	// Data flow by descriptor identity. A descriptor may have several
	// producers once a loop body has been cloned for its tail: the vector
	// and tail stores write disjoint parts of the same tensor.
	producers map[*TensorDesc][]ExpressionPort
	consumers map[*TensorDesc][]ExpressionPort
}

// NewLinearIR creates an empty IR.
func NewLinearIR(config Config) *LinearIR {
	return &LinearIR{
		Config:    config,
		loops:     NewLoopManager(),
		producers: make(map[*TensorDesc][]ExpressionPort),
		consumers: make(map[*TensorDesc][]ExpressionPort),
	}
}

// LoopManager returns the loop table.
func (ir *LinearIR) LoopManager() *LoopManager {
	return ir.loops
}

// Front returns the first expression, or nil.
func (ir *LinearIR) Front() *Expression {
	return ir.front
}

// Back returns the last expression, or nil.
func (ir *LinearIR) Back() *Expression {
	return ir.back
}

// Len returns the number of expressions.
func (ir *LinearIR) Len() int {
	return ir.length
}

// Empty reports whether the IR has no expressions.
func (ir *LinearIR) Empty() bool {
	return ir.length == 0
}

// Exprs returns a snapshot of the sequence.
func (ir *LinearIR) Exprs() []*Expression {
	exprs := make([]*Expression, 0, ir.length)
	for e := ir.front; e != nil; e = e.next {
		exprs = append(exprs, e)
	}
	return exprs
}

// NewExpression creates a detached expression owned by this IR's ID space.
// loopDepth nesting levels are initialized to LoopNull.
func (ir *LinearIR) NewExpression(kind OpKind, op string, inputs, outputs []*TensorDesc, loopDepth int) *Expression {
	loopIDs := make([]LoopID, loopDepth)
	for i := range loopIDs {
		loopIDs[i] = LoopNull
	}
	return &Expression{
		ID:      ir.newID(),
		Kind:    kind,
		Op:      op,
		Inputs:  inputs,
		Outputs: outputs,
		LoopIDs: loopIDs,
	}
}

func (ir *LinearIR) newID() int {
	id := ir.nextID
	ir.nextID++
	return id
}

// PushBack appends e to the sequence.
func (ir *LinearIR) PushBack(e *Expression) *Expression {
	return ir.InsertBefore(e, nil)
}

// InsertBefore inserts the detached expression e before mark. A nil mark
// appends at the end.
func (ir *LinearIR) InsertBefore(e, mark *Expression) *Expression {
	if e.ir != nil {
		exceptions.Panicf("expression #%d is already part of a LinearIR", e.ID)
	}
	ir.link(e, mark)
	ir.register(e)
	return e
}

// InsertAfter inserts the detached expression e after mark.
func (ir *LinearIR) InsertAfter(e, mark *Expression) *Expression {
	return ir.InsertBefore(e, mark.next)
}

// Remove unlinks e and drops its data-flow edges.
func (ir *LinearIR) Remove(e *Expression) {
	ir.checkOwner(e)
	ir.unregister(e)
	ir.unlink(e)
}

// Move relocates e before mark without touching its data-flow edges. A nil
// mark moves e to the end.
func (ir *LinearIR) Move(e, mark *Expression) {
	ir.checkOwner(e)
	if e == mark {
		return
	}
	ir.unlink(e)
	ir.link(e, mark)
}

// ReplaceInput rewires input i of e to desc.
func (ir *LinearIR) ReplaceInput(e *Expression, i int, desc *TensorDesc) {
	ir.checkOwner(e)
	port := e.InputPort(i)
	ir.consumers[e.Inputs[i]] = removePort(ir.consumers[e.Inputs[i]], port)
	e.Inputs[i] = desc
	ir.consumers[desc] = append(ir.consumers[desc], port)
}

// ExprByOutput returns the first producer of desc. ok is false for tensors
// without a producer inside the IR.
func (ir *LinearIR) ExprByOutput(desc *TensorDesc) (port ExpressionPort, ok bool) {
	ports := ir.producers[desc]
	if len(ports) == 0 {
		return ExpressionPort{}, false
	}
	return ports[0], true
}

// Producers returns every producer of desc in registration order.
func (ir *LinearIR) Producers(desc *TensorDesc) []ExpressionPort {
	return ir.producers[desc]
}

// ExprsByInput returns the consumers of desc in registration order.
func (ir *LinearIR) ExprsByInput(desc *TensorDesc) []ExpressionPort {
	return ir.consumers[desc]
}

// Find returns the first expression in [begin, end) equal to target, or end
// when target is not in the range. A nil end scans to the end of the IR.
func (ir *LinearIR) Find(begin, end, target *Expression) *Expression {
	for e := begin; e != end; e = e.next {
		if e == target {
			return e
		}
	}
	return end
}

// InRange reports whether target lies in [begin, end).
func (ir *LinearIR) InRange(begin, end, target *Expression) bool {
	if target == nil || target == end {
		return false
	}
	return ir.Find(begin, end, target) == target
}

// LoopBeginOf returns the LoopBegin paired with a LoopEnd expression. The
// pairing is the LoopEnd's last input: the LoopBegin's output.
func (ir *LinearIR) LoopBeginOf(loopEnd *Expression) *Expression {
	if loopEnd.Kind != OpKindLoopEnd || len(loopEnd.Inputs) == 0 {
		exceptions.Panicf("expression #%d is not a LoopEnd", loopEnd.ID)
	}
	port, ok := ir.ExprByOutput(loopEnd.Inputs[len(loopEnd.Inputs)-1])
	if !ok || port.Expr.Kind != OpKindLoopBegin {
		exceptions.Panicf("LoopEnd #%d has no LoopBegin", loopEnd.ID)
	}
	return port.Expr
}

// LoopEndOf returns the LoopEnd paired with a LoopBegin expression.
func (ir *LinearIR) LoopEndOf(loopBegin *Expression) *Expression {
	if loopBegin.Kind != OpKindLoopBegin {
		exceptions.Panicf("expression #%d is not a LoopBegin", loopBegin.ID)
	}
	for _, port := range ir.consumers[loopBegin.Outputs[0]] {
		if port.Expr.Kind == OpKindLoopEnd {
			return port.Expr
		}
	}
	exceptions.Panicf("LoopBegin #%d has no LoopEnd", loopBegin.ID)
	return nil
}

// Buffers returns the Buffer expressions in execution order.
func (ir *LinearIR) Buffers() []*Expression {
	var buffers []*Expression
	for e := ir.front; e != nil; e = e.next {
		if e.Kind == OpKindBuffer {
			buffers = append(buffers, e)
		}
	}
	return buffers
}

// LoopEnds returns the LoopEnd expressions in execution order.
func (ir *LinearIR) LoopEnds() []*Expression {
	var ends []*Expression
	for e := ir.front; e != nil; e = e.next {
		if e.Kind == OpKindLoopEnd {
			ends = append(ends, e)
		}
	}
	return ends
}

// String dumps the sequence, one expression per line.
func (ir *LinearIR) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "LinearIR{exprs:%d loops:%d", ir.length, ir.loops.Len())
	if ir.ScratchSize > 0 {
		fmt.Fprintf(&sb, " scratch:%d", ir.ScratchSize)
	}
	sb.WriteString("}\n")
	for e := ir.front; e != nil; e = e.next {
		sb.WriteString("  ")
		sb.WriteString(e.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}

func (ir *LinearIR) checkOwner(e *Expression) {
	if e.ir != ir {
		exceptions.Panicf("expression #%d does not belong to this LinearIR", e.ID)
	}
}

func (ir *LinearIR) link(e, mark *Expression) {
	if mark != nil {
		ir.checkOwner(mark)
	}
	e.ir = ir
	if mark == nil {
		e.prev = ir.back
		e.next = nil
		if ir.back != nil {
			ir.back.next = e
		} else {
			ir.front = e
		}
		ir.back = e
	} else {
		e.prev = mark.prev
		e.next = mark
		if mark.prev != nil {
			mark.prev.next = e
		} else {
			ir.front = e
		}
		mark.prev = e
	}
	ir.length++
}

func (ir *LinearIR) unlink(e *Expression) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		ir.front = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		ir.back = e.prev
	}
	e.prev, e.next, e.ir = nil, nil, nil
	ir.length--
}

func (ir *LinearIR) register(e *Expression) {
	for i, in := range e.Inputs {
		ir.consumers[in] = append(ir.consumers[in], e.InputPort(i))
	}
	for i, out := range e.Outputs {
		ir.producers[out] = append(ir.producers[out], e.OutputPort(i))
	}
}

func (ir *LinearIR) unregister(e *Expression) {
	for i, in := range e.Inputs {
		ir.consumers[in] = removePort(ir.consumers[in], e.InputPort(i))
	}
	for i, out := range e.Outputs {
		ir.producers[out] = removePort(ir.producers[out], e.OutputPort(i))
	}
}

func removePort(ports []ExpressionPort, port ExpressionPort) []ExpressionPort {
	out := ports[:0]
	for _, p := range ports {
		if p != port {
			out = append(out, p)
		}
	}
	return out
}
