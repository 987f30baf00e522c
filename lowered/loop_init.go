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

	"github.com/gomlx/exceptions"
	"github.com/samber/lo"
	"k8s.io/klog/v2"
)

// LoopInit materializes every LoopInfo as a LoopBegin/LoopEnd marker pair
// carrying per-operand pointer arithmetic.
//
// Loops are visited outer to inner in expression order. The LoopEnd operands
// are the loop's Loads (entries) followed by its Stores (exits); other
// boundary ports need no pointer stepping.
type LoopInit struct{}

// Name implements Pass.
func (*LoopInit) Name() string { return "LoopInit" }

// Run implements Pass.
func (p *LoopInit) Run(ir *LinearIR) bool {
	if ir.Empty() {
		return false
	}
	inserted := make(map[LoopID]bool)
	for e := ir.Front(); e != nil; e = e.Next() {
		if e.Kind.IsLoopMarker() || e.Kind == OpKindBuffer || e.isIO() {
			continue
		}
		for level, id := range e.LoopIDs {
			if id.IsSentinel() || inserted[id] {
				continue
			}
			hasOuterLoop := level > 0 && inserted[e.LoopIDs[level-1]]
			p.insert(ir, id, level, hasOuterLoop)
			inserted[id] = true
		}
	}
	if len(inserted) > 0 {
		klog.V(2).Infof("LoopInit: materialized %d loops", len(inserted))
	}
	return len(inserted) > 0
}

func (p *LoopInit) insert(ir *LinearIR, id LoopID, level int, hasOuterLoop bool) {
	info := ir.LoopManager().Info(id)
	begin, end := ir.LoopBounds(id)

	entries, exits := filterPorts(ir, info.Entries, info.Exits)
	ptrIncrements := initPtrIncrements(entries, exits, info.DimIdx)
	finalizationOffsets := initFinalizationOffsets(ptrIncrements, info.WorkAmount)
	elementSizes := make([]int64, 0, len(entries)+len(exits))
	for _, port := range slices.Concat(entries, exits) {
		elementSizes = append(elementSizes, port.Desc().ElemSize())
	}

	// Markers belong to the enclosing loops only.
	loopIDs := slices.Clone(begin.LoopIDs)
	for i := level; i < len(loopIDs); i++ {
		loopIDs[i] = LoopNull
	}

	loopBegin := ir.NewExpression(OpKindLoopBegin, "LoopBegin", nil, []*TensorDesc{{}}, 0)
	loopBegin.LoopIDs = slices.Clone(loopIDs)
	ir.InsertBefore(loopBegin, begin)

	inputs := make([]*TensorDesc, 0, len(entries)+len(exits)+1)
	for _, port := range slices.Concat(entries, exits) {
		inputs = append(inputs, port.Desc())
	}
	inputs = append(inputs, loopBegin.Outputs[0])
	loopEnd := ir.NewExpression(OpKindLoopEnd, "LoopEnd", inputs, nil, 0)
	loopEnd.LoopIDs = loopIDs
	loopEnd.Loop = &LoopEnd{
		ID:                  id,
		WorkAmount:          info.WorkAmount,
		Increment:           info.Increment,
		PtrIncrements:       ptrIncrements,
		FinalizationOffsets: finalizationOffsets,
		ElementSizes:        elementSizes,
		NumEntries:          len(entries),
		NumExits:            len(exits),
		HasOuterLoop:        hasOuterLoop,
	}
	ir.InsertBefore(loopEnd, end)
	debugPrint("loop %s materialized: %s", id, loopEnd.Loop)
}

// filterPorts keeps the boundary ports that step a pointer: Loads and
// BroadcastLoads reading distinct producers, and Stores.
func filterPorts(ir *LinearIR, entries, exits []ExpressionPort) (newEntries, newExits []ExpressionPort) {
	parents := make(map[*Expression]bool)
	for _, entry := range entries {
		if entry.Expr.Kind != OpKindLoad && entry.Expr.Kind != OpKindBroadcastLoad {
			continue
		}
		var parent *Expression
		if port, ok := ir.ExprByOutput(entry.Desc()); ok {
			parent = port.Expr
		}
		if parent != nil && parents[parent] {
			continue
		}
		parents[parent] = true
		newEntries = append(newEntries, entry)
	}
	newExits = lo.Filter(exits, func(exit ExpressionPort, _ int) bool {
		return exit.Expr.Kind == OpKindStore
	})
	return newEntries, newExits
}

// iteratedDim returns the logical dimension a loop at dimIdx steps over for
// the operand at port, and whether the operand sits in a fake inner loop.
func iteratedDim(port ExpressionPort, dimIdx int) (dim int, hasFakeLoop bool) {
	ids := port.Expr.LoopIDs
	hasFakeLoop = len(ids) > 0 && ids[len(ids)-1] == LoopFake
	layout := port.Desc().Layout
	idx := len(layout) - 1 - dimIdx
	if hasFakeLoop {
		idx++
	}
	if idx < 0 || idx >= len(layout) {
		exceptions.Panicf("operand %s of rank %d cannot be iterated at dimension index %d", port, len(layout), dimIdx)
	}
	return layout[idx], hasFakeLoop
}

// initPtrIncrements derives the per-operand pointer step along dimIdx. An
// operand of size 1 along the iterated dimension, while another operand is
// larger, is broadcast and does not move.
func initPtrIncrements(entries, exits []ExpressionPort, dimIdx int) []int64 {
	ports := slices.Concat(entries, exits)
	if len(ports) == 0 {
		return nil
	}
	// All operands of one loop share the layout of the first one.
	loopLayout := ports[0].Desc().Layout

	maxRelevantDimSize := lo.Max(lo.Map(ports, func(port ExpressionPort, _ int) int {
		dim, _ := iteratedDim(port, dimIdx)
		return port.Desc().Shape[dim]
	}))

	ptrIncrements := make([]int64, len(ports))
	for i, port := range ports {
		desc := port.Desc()
		dim, hasFakeLoop := iteratedDim(port, dimIdx)
		if desc.Shape[dim] == 1 && maxRelevantDimSize != 1 {
			continue
		}
		layout := desc.Layout
		if hasFakeLoop {
			layout = loopLayout
		}
		ptrIncrements[i] = dimStride(dim, layout, desc.Shape)
	}
	return ptrIncrements
}

// initFinalizationOffsets rewinds every pointer by the full work amount.
func initFinalizationOffsets(ptrIncrements []int64, workAmount int64) []int64 {
	return lo.Map(ptrIncrements, func(ptrIncrement int64, _ int) int64 {
		if IsDynamic(workAmount) {
			return DynamicValue
		}
		return -ptrIncrement * workAmount
	})
}
