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
	"slices"

	"k8s.io/klog/v2"
)

// InsertTailLoop splits every materialized loop whose work amount is not a
// multiple of its increment into a vector loop and a tail loop covering the
// remainder.
//
// LoopEnds are visited in expression order, so inner loops are split before
// the loops enclosing them and a copied outer body already contains the
// split inner loops.
type InsertTailLoop struct{}

// Name implements Pass.
func (*InsertTailLoop) Name() string { return "InsertTailLoop" }

// Run implements Pass.
func (p *InsertTailLoop) Run(ir *LinearIR) bool {
	modified := false
	for e := ir.Front(); e != nil; e = e.Next() {
		if e.Kind != OpKindLoopEnd {
			continue
		}
		loop := e.Loop
		if loop.EvaluateOnce || loop.WorkAmount == 0 || IsDynamic(loop.WorkAmount) || IsDynamic(loop.Increment) {
			continue
		}
		tailSize := loop.WorkAmount % loop.Increment
		needTail := tailSize != 0
		needVectorLoop := loop.WorkAmount >= loop.Increment
		touchesBuffer := loopTouchesBuffer(ir, e)

		// The vector loop may be turned into an evaluate-once loop below,
		// which changes its offsets: the tail gets the original ones.
		var tailFinalizationOffsets []int64
		if needTail {
			tailFinalizationOffsets = slices.Clone(loop.FinalizationOffsets)
		}

		if needVectorLoop {
			if needTail {
				// Pointers are rewound after the very last chunk, which is
				// the tail.
				clear(loop.FinalizationOffsets)
				loop.WorkAmount -= tailSize
				ir.LoopManager().Info(loop.ID).WorkAmount = loop.WorkAmount
			}
			if ir.Config.OptimizeSingleEvaluation {
				OptimizeSingleEvaluation(loop, needTail || touchesBuffer)
			}
		}

		if needTail {
			e = p.createTailLoop(ir, e, needVectorLoop, tailSize, tailFinalizationOffsets, touchesBuffer)
			debugPrint("loop %s split: tail of %d after %s", loop.ID, tailSize, e.Loop)
		}
		modified = true
	}
	if modified {
		klog.V(2).Infof("InsertTailLoop: %d loops after splitting", ir.LoopManager().Len())
	}
	return modified
}

// createTailLoop builds the tail of the loop ending at vectorEnd and returns
// the tail's LoopEnd. With a vector loop the body is copied right after it;
// otherwise the loop itself becomes the tail.
func (p *InsertTailLoop) createTailLoop(ir *LinearIR, vectorEnd *Expression, needVectorLoop bool, tailSize int64,
	tailFinalizationOffsets []int64, touchesBuffer bool) *Expression {
	lm := ir.LoopManager()
	vectorBegin := ir.LoopBeginOf(vectorEnd)
	originalInfo := lm.Info(vectorEnd.Loop.ID)

	tailBegin, tailEnd := vectorBegin, vectorEnd
	tailInfo := originalInfo
	if needVectorLoop {
		tailBegin, tailEnd, tailInfo = p.copyLoop(ir, vectorBegin, vectorEnd)
	}
	tailInfo.WorkAmount = tailSize
	tailInfo.Increment = tailSize

	// Inner loops iterating the same dimension as a split outer loop are
	// scaled down to the outer tail.
	if originalInfo.OuterSplitLoop {
		for e := tailBegin.Next(); e != tailEnd; e = e.Next() {
			if e.Kind != OpKindLoopEnd {
				continue
			}
			innerInfo := lm.Info(e.Loop.ID)
			if innerInfo.DimIdx != originalInfo.DimIdx {
				continue
			}
			inner := e.Loop
			if inner.WorkAmount != 0 {
				for i, offset := range inner.FinalizationOffsets {
					inner.FinalizationOffsets[i] = offset / inner.WorkAmount * tailSize
				}
			}
			inner.WorkAmount = tailSize
			inner.Increment = min(inner.Increment, tailSize)
			innerInfo.WorkAmount, innerInfo.Increment = inner.WorkAmount, inner.Increment
			p.tailTransformations(ir, ir.LoopBeginOf(e), e, tailSize)
		}
	}

	p.tailTransformations(ir, tailBegin, tailEnd, tailSize)

	tail := tailEnd.Loop
	tail.WorkAmount = tailSize
	tail.Increment = tailSize
	tail.FinalizationOffsets = tailFinalizationOffsets
	tail.HasOuterLoop = vectorEnd.Loop.HasOuterLoop
	tail.EvaluateOnce = false
	if ir.Config.OptimizeSingleEvaluation {
		OptimizeSingleEvaluation(tail, touchesBuffer)
	}
	return tailEnd
}

// copyLoop inserts a copy of the loop [begin, end] right after end. The copy
// and every loop nested in it get their own LoopInfo.
func (p *InsertTailLoop) copyLoop(ir *LinearIR, begin, end *Expression) (copyBegin, copyEnd *Expression, info *LoopInfo) {
	var ids []LoopID
	for e := begin; e != end.Next(); e = e.Next() {
		for _, id := range e.LoopIDs {
			if !id.IsSentinel() && !slices.Contains(end.LoopIDs, id) && !slices.Contains(ids, id) {
				ids = append(ids, id)
			}
		}
	}
	rc := ir.DeepCopyRange(begin, end.Next())
	mapping := ir.CopyLoops(rc, ids)
	ir.InsertCopy(rc, end.Next())
	copyBegin, copyEnd = rc.ExprMap[begin], rc.ExprMap[end]
	return copyBegin, copyEnd, ir.LoopManager().Info(mapping[end.Loop.ID])
}

// tailTransformations rebinds the body (begin, end) to process tailSize
// elements. Nested loops are skipped: they were handled on their own.
func (p *InsertTailLoop) tailTransformations(ir *LinearIR, begin, end *Expression, tailSize int64) {
	for e := begin.Next(); e != end; e = e.Next() {
		if e.Kind == OpKindLoopBegin {
			e = ir.LoopEndOf(e)
			continue
		}
		switch {
		case ir.Config.NeedFillTailRegister && e.Kind == OpKindElementwise && (e.Op == "Maximum" || e.Op == "Add"):
			// Reductions following the loop read every lane: the unused
			// ones must hold neutral values.
			for i := range e.Inputs {
				value, ok := e.FillInputs[i]
				if !ok {
					continue
				}
				insertFill(ir, e, i, int(tailSize), value)
			}
		case e.Kind.IsMemoryAccess():
			if e.Count > 1 {
				e.Count = int(tailSize)
			}
		}
	}
}

// insertFill pads input port of consumer in place: the Fill reads and
// writes the register of that operand.
func insertFill(ir *LinearIR, consumer *Expression, port, count int, value uint32) {
	in := consumer.Inputs[port]
	fill := ir.NewExpression(OpKindFill, "Fill", []*TensorDesc{in}, []*TensorDesc{in.Clone()}, 0)
	fill.LoopIDs = slices.Clone(consumer.LoopIDs)
	fill.Count = count
	fill.FillValue = value
	if port < len(consumer.InRegs) {
		reg := consumer.InRegs[port]
		fill.InRegs = []int{reg}
		fill.OutRegs = []int{reg}
	}
	ir.InsertBefore(fill, consumer)
	ir.ReplaceInput(consumer, port, fill.Outputs[0])
	delete(consumer.FillInputs, port)
}

// loopTouchesBuffer reports whether one of the loop's operands is a Buffer.
func loopTouchesBuffer(ir *LinearIR, loopEnd *Expression) bool {
	loop := loopEnd.Loop
	for i := 0; i < loop.NumEntries; i++ {
		if port, ok := ir.ExprByOutput(loopEnd.Inputs[i]); ok && port.Expr.Kind == OpKindBuffer {
			return true
		}
	}
	for i := loop.NumEntries; i < loop.NumOperands(); i++ {
		for _, consumer := range ir.ExprsByInput(loopEnd.Inputs[i]) {
			if consumer.Expr.Kind == OpKindBuffer {
				return true
			}
		}
	}
	return false
}
