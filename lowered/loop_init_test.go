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
	"strings"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/google/go-cmp/cmp"
)

func kindsOf(ir *LinearIR) []OpKind {
	var kinds []OpKind
	for e := ir.Front(); e != nil; e = e.Next() {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func TestLoopInitNested(t *testing.T) {
	k := newUnaryKernel(2, 17, 8)
	modified := runPasses(t, k.ir, &LoopInit{})
	if len(modified) != 1 {
		t.Fatalf("LoopInit did not modify the IR")
	}
	want := []OpKind{
		OpKindParameter,
		OpKindLoopBegin, OpKindLoopBegin,
		OpKindLoad, OpKindElementwise, OpKindStore,
		OpKindLoopEnd, OpKindLoopEnd,
		OpKindResult,
	}
	if diff := cmp.Diff(want, kindsOf(k.ir)); diff != "" {
		t.Fatalf("expression kinds (-want +got):\n%s", diff)
	}

	ends := k.ir.LoopEnds()
	inner, outer := ends[0], ends[1]
	wantInner := &LoopEnd{
		ID: k.inner, WorkAmount: 17, Increment: 8,
		PtrIncrements: []int64{1, 1}, FinalizationOffsets: []int64{-17, -17}, ElementSizes: []int64{4, 4},
		NumEntries: 1, NumExits: 1, HasOuterLoop: true,
	}
	wantOuter := &LoopEnd{
		ID: k.outer, WorkAmount: 2, Increment: 1,
		PtrIncrements: []int64{17, 17}, FinalizationOffsets: []int64{-34, -34}, ElementSizes: []int64{4, 4},
		NumEntries: 1, NumExits: 1,
	}
	if diff := cmp.Diff(wantInner, inner.Loop); diff != "" {
		t.Errorf("inner LoopEnd (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantOuter, outer.Loop); diff != "" {
		t.Errorf("outer LoopEnd (-want +got):\n%s", diff)
	}

	// Markers belong to the enclosing loops only.
	if diff := cmp.Diff([]LoopID{LoopNull, LoopNull}, outer.LoopIDs); diff != "" {
		t.Errorf("outer marker loop ids (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]LoopID{k.outer, LoopNull}, inner.LoopIDs); diff != "" {
		t.Errorf("inner marker loop ids (-want +got):\n%s", diff)
	}
	innerBegin := k.ir.LoopBeginOf(inner)
	if innerBegin.Next().Kind != OpKindLoad || k.ir.LoopEndOf(innerBegin) != inner {
		t.Errorf("inner LoopBegin is not paired with its LoopEnd")
	}
	if k.ir.LoopBeginOf(outer) != k.ir.Front().Next() {
		t.Errorf("outer LoopBegin is not the first marker")
	}
}

func TestLoopInitBroadcast(t *testing.T) {
	// A [1,8] is broadcast along dimension 0 of B [8,8].
	b := NewBuilder(WithLoopDepth(2), WithVectorCount(4))
	a := b.Parameter(1, 8)
	c := b.Parameter(8, 8)
	mark := b.Mark()
	sum := b.Elementwise("Add", b.Load(a), b.Load(c))
	out := b.Store(sum)
	b.Loop(mark, 0, 8, 4)
	b.Result(out)
	ir := b.IR()

	runPasses(t, ir, &LoopInit{})
	ends := ir.LoopEnds()
	if len(ends) != 1 {
		t.Fatalf("%d LoopEnds, want 1", len(ends))
	}
	loop := ends[0].Loop
	if diff := cmp.Diff([]int64{0, 8, 8}, loop.PtrIncrements); diff != "" {
		t.Errorf("pointer increments (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int64{0, -64, -64}, loop.FinalizationOffsets); diff != "" {
		t.Errorf("finalization offsets (-want +got):\n%s", diff)
	}
	if loop.HasOuterLoop {
		t.Errorf("outermost loop marked as having an outer loop")
	}
}

func TestLoopInitLayout(t *testing.T) {
	// The innermost physical dimension of a column-major [4,8] is dimension
	// 0, whose stride is 1.
	b := NewBuilder(WithVectorCount(2))
	desc := NewTensorDesc(dtypes.Float32, 4, 8)
	desc.Layout = []int{1, 0}
	in := b.ParameterDesc(desc)
	mark := b.Mark()
	out := b.Store(b.Elementwise("Exp", b.Load(in)))
	b.Loop(mark, 0, 4, 2)
	b.Result(out)

	runPasses(t, b.IR(), &LoopInit{})
	loop := b.IR().LoopEnds()[0].Loop
	if diff := cmp.Diff([]int64{1, 1}, loop.PtrIncrements); diff != "" {
		t.Errorf("pointer increments (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int64{-4, -4}, loop.FinalizationOffsets); diff != "" {
		t.Errorf("finalization offsets (-want +got):\n%s", diff)
	}
}

func TestLoopInitDynamic(t *testing.T) {
	b := NewBuilder()
	in := b.Parameter(16)
	mark := b.Mark()
	out := b.Store(b.Load(in))
	b.Loop(mark, 0, DynamicValue, 8)
	b.Result(out)

	runPasses(t, b.IR(), &LoopInit{})
	loop := b.IR().LoopEnds()[0].Loop
	if diff := cmp.Diff([]int64{DynamicValue, DynamicValue}, loop.FinalizationOffsets); diff != "" {
		t.Errorf("finalization offsets (-want +got):\n%s", diff)
	}
}

func TestLoopInitRankTooSmall(t *testing.T) {
	b := NewBuilder(WithLoopDepth(2))
	in := b.Parameter(16)
	mark := b.Mark()
	out := b.Store(b.Load(in))
	b.Loop(mark, 0, 16, 8)
	b.Result(out)

	_, err := NewPipeline(&LoopInit{}).Run(b.IR())
	if err == nil || !strings.Contains(err.Error(), "cannot be iterated") {
		t.Errorf("LoopInit on a rank-1 operand at dimension index 1: err=%v", err)
	}
}
