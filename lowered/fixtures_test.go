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

	"github.com/google/go-cmp/cmp"
)

// sameExpr compares expressions by identity.
var sameExpr = cmp.Comparer(func(x, y *Expression) bool { return x == y })

// unaryKernel is Result(Store(op(Load(input)))) over an input of shape
// [rows, cols], with an outer loop over rows (increment 1) and an inner
// loop over cols (increment inc).
type unaryKernel struct {
	ir            *LinearIR
	input, output *TensorDesc
	outer, inner  LoopID
	op            *Expression
}

func newUnaryKernel(rows, cols int, inc int64, opts ...BuilderOption) *unaryKernel {
	opts = append([]BuilderOption{WithLoopDepth(2), WithVectorCount(int(inc))}, opts...)
	b := NewBuilder(opts...)
	k := &unaryKernel{}
	k.input = b.Parameter(rows, cols)
	mark := b.Mark()
	v := b.Load(k.input)
	r := b.Elementwise("Exp", v)
	k.op = b.Last()
	k.output = b.Store(r)
	k.inner = b.Loop(mark, 1, int64(cols), inc)
	k.outer = b.Loop(mark, 0, int64(rows), 1)
	b.Result(k.output)
	k.ir = b.IR()
	return k
}

// runPasses applies passes in order and fails the test on a precondition
// violation.
func runPasses(t *testing.T, ir *LinearIR, passes ...Pass) []string {
	t.Helper()
	modified, err := NewPipeline(passes...).Run(ir)
	if err != nil {
		t.Fatalf("lowering failed: %+v", err)
	}
	return modified
}

// exprsOf returns the expressions of ir with the given kind.
func exprsOf(ir *LinearIR, kind OpKind) []*Expression {
	var exprs []*Expression
	for e := ir.Front(); e != nil; e = e.Next() {
		if e.Kind == kind {
			exprs = append(exprs, e)
		}
	}
	return exprs
}

// exprsByOp returns the expressions of ir running op.
func exprsByOp(ir *LinearIR, op string) []*Expression {
	var exprs []*Expression
	for e := ir.Front(); e != nil; e = e.Next() {
		if e.Op == op {
			exprs = append(exprs, e)
		}
	}
	return exprs
}

// indexOf returns the position of target in ir, or -1.
func indexOf(ir *LinearIR, target *Expression) int {
	i := 0
	for e := ir.Front(); e != nil; e = e.Next() {
		if e == target {
			return i
		}
		i++
	}
	return -1
}

// innerLoopEnds returns the LoopEnds nested in some other loop.
func innerLoopEnds(ir *LinearIR) []*Expression {
	var ends []*Expression
	for _, e := range ir.LoopEnds() {
		if !isOutermost(e) {
			ends = append(ends, e)
		}
	}
	return ends
}

// checkCoveredOnce fails unless every element in [0, n) of desc was
// accessed exactly once and nothing else was.
func checkCoveredOnce(t *testing.T, trace *Trace, desc *TensorDesc, n int64) {
	t.Helper()
	covered := trace.Covered(desc)
	if int64(len(covered)) != n {
		t.Errorf("%d distinct elements accessed, want %d: %v", len(covered), n, trace.Accesses[desc])
	}
	for k := range n {
		if covered[k] != 1 {
			t.Errorf("element %d accessed %d times, want 1", k, covered[k])
		}
	}
}
