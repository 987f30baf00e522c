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
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/google/go-cmp/cmp"
)

func TestSimulateBrgemm(t *testing.T) {
	b := NewBuilder(WithLoopDepth(2))
	a := b.Parameter(4, 8)
	c := b.Parameter(8, 16)
	out := b.Brgemm(a, c, 4)
	b.Result(out)

	if diff := cmp.Diff([]int{4, 16}, out.Shape); diff != "" {
		t.Errorf("Brgemm output shape (-want +got):\n%s", diff)
	}
	trace := Simulate(b.IR())
	for _, desc := range []*TensorDesc{a, c, out} {
		if diff := cmp.Diff([]Access{{Offset: 0, Count: 4}}, trace.Accesses[desc]); diff != "" {
			t.Errorf("accesses of %s (-want +got):\n%s", desc, diff)
		}
	}
}

func TestSimulateDynamic(t *testing.T) {
	b := NewBuilder()
	in := b.Parameter(16)
	mark := b.Mark()
	out := b.Store(b.Load(in))
	b.Loop(mark, 0, DynamicValue, 8)
	b.Result(out)
	runPasses(t, b.IR(), &LoopInit{})

	if exceptions.TryCatch[error](func() { Simulate(b.IR()) }) == nil {
		t.Errorf("simulating a dynamic loop should panic")
	}
}

func TestStepLoop(t *testing.T) {
	loop := &LoopEnd{
		WorkAmount: 24, Increment: 8,
		PtrIncrements: []int64{1, 0}, FinalizationOffsets: []int64{-24, 0},
		NumEntries: 1, NumExits: 1,
	}
	bodies, final := StepLoop(loop, 0, 100)
	if diff := cmp.Diff([]int64{100, 108, 116}, bodies); diff != "" {
		t.Errorf("body positions (-want +got):\n%s", diff)
	}
	if final != 100 {
		t.Errorf("final = %d, want 100", final)
	}
	bodies, final = StepLoop(loop, 1, 0)
	if diff := cmp.Diff([]int64{0, 0, 0}, bodies); diff != "" || final != 0 {
		t.Errorf("broadcast operand: bodies=%v final=%d", bodies, final)
	}
}
