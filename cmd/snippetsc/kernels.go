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

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/ajroetker/go-snippets/lowered"
)

// kernel is one entry of the demo catalogue. Every kernel has two loop
// levels; rank-1 kernels leave the outer one empty.
type kernel struct {
	name        string
	description string

	// build returns the kernel body with loops marked, before lowering.
	build func(b *lowered.Builder, inc int64)

	// reference computes the expected outputs from the inputs, one
	// element at a time.
	reference func(inputs [][]float32) [][]float32
}

var catalogue = []*kernel{
	{
		name:        "exp",
		description: "Exp over a [3,37] tensor: row loop around a column loop with a tail",
		build: func(b *lowered.Builder, inc int64) {
			in := b.Parameter(3, 37)
			mark := b.Mark()
			out := b.Store(b.Elementwise("Exp", b.Load(in)))
			b.Loop(mark, 1, 37, inc)
			b.Loop(mark, 0, 3, 1)
			b.Result(out)
		},
		reference: unaryReference(exp32),
	},
	{
		name:        "bias-add",
		description: "[6,29] + [1,29]: the bias is broadcast over rows",
		build: func(b *lowered.Builder, inc int64) {
			in := b.Parameter(6, 29)
			bias := b.Parameter(1, 29)
			mark := b.Mark()
			out := b.Store(b.Elementwise("Add", b.Load(in), b.Load(bias)))
			b.Loop(mark, 1, 29, inc)
			b.Loop(mark, 0, 6, 1)
			b.Result(out)
		},
		reference: func(inputs [][]float32) [][]float32 {
			in, bias := inputs[0], inputs[1]
			out := make([]float32, len(in))
			for i := range in {
				out[i] = in[i] + bias[i%len(bias)]
			}
			return [][]float32{out}
		},
	},
	{
		name:        "chain",
		description: "Exp then Neg over [69] as two loops that fuse into one",
		build: func(b *lowered.Builder, inc int64) {
			in := b.Parameter(69)
			mark := b.Mark()
			tmp := b.Store(b.Elementwise("Exp", b.Load(in)))
			b.Loop(mark, 1, 69, inc)
			mark = b.Mark()
			out := b.Store(b.Elementwise("Neg", b.Load(tmp)))
			b.Loop(mark, 1, 69, inc)
			b.Result(out)
		},
		reference: unaryReference(func(x float32) float32 { return -exp32(x) }),
	},
	{
		name:        "relu-buffer",
		description: "Relu into a scratch Buffer over [4,21], then Exp out of it",
		build: func(b *lowered.Builder, inc int64) {
			in := b.Parameter(4, 21)
			mark := b.Mark()
			tmp := b.Store(b.Elementwise("Relu", b.Load(in)))
			b.Loop(mark, 1, 21, inc)
			b.Loop(mark, 0, 4, 1)
			buf := b.Buffer(tmp)
			mark = b.Mark()
			out := b.Store(b.Elementwise("Exp", b.Load(buf)))
			b.Loop(mark, 1, 21, inc)
			b.Loop(mark, 0, 4, 1)
			b.Result(out)
		},
		reference: unaryReference(func(x float32) float32 { return exp32(max(x, 0)) }),
	},
	{
		name:        "max-fill",
		description: "Maximum(x, 0) over [45] with a fill value on the tail lanes",
		build: func(b *lowered.Builder, inc int64) {
			in := b.Parameter(45)
			mark := b.Mark()
			v := b.Load(in)
			m := b.Elementwise("Maximum", v, b.Scalar())
			b.SetFill(b.Last(), 0, math.Float32bits(-math.MaxFloat32))
			out := b.Store(m)
			b.Loop(mark, 1, 45, inc)
			b.Result(out)
		},
		reference: unaryReference(func(x float32) float32 { return max(x, 0) }),
	},
	{
		name:        "split",
		description: "Exp over [37] with the dimension split into blocks of two vectors",
		build: func(b *lowered.Builder, inc int64) {
			in := b.Parameter(37)
			mark := b.Mark()
			out := b.Store(b.Elementwise("Exp", b.Load(in)))
			b.Loop(mark, 1, 2*inc, inc)
			outer := b.Loop(mark, 0, 37, 2*inc)
			info := b.IR().LoopManager().Info(outer)
			info.DimIdx = 0
			info.OuterSplitLoop = true
			b.Result(out)
		},
		reference: unaryReference(exp32),
	},
}

// findKernel returns the catalogue entry called name.
func findKernel(name string) (*kernel, error) {
	k, ok := lo.Find(catalogue, func(k *kernel) bool { return k.name == name })
	if !ok {
		return nil, errors.Errorf("unknown kernel %q, known kernels: %v", name, kernelNames())
	}
	return k, nil
}

func kernelNames() []string {
	return lo.Map(catalogue, func(k *kernel, _ int) string { return k.name })
}

// newIR builds the kernel body for the given increment and configuration.
func (k *kernel) newIR(inc int64, config lowered.Config) *lowered.LinearIR {
	b := lowered.NewBuilder(
		lowered.WithDType(dtypes.Float32),
		lowered.WithLoopDepth(2),
		lowered.WithVectorCount(int(inc)),
		lowered.WithConfig(config))
	k.build(b, inc)
	return b.IR()
}

// lower builds and lowers the kernel, and selects its parallel loop.
func (k *kernel) lower(inc int64, config lowered.Config) (*lowered.LinearIR, error) {
	if inc <= 0 {
		return nil, errors.Errorf("kernel %s: increment must be positive, got %d", k.name, inc)
	}
	ir := k.newIR(inc, config)
	pipeline := lowered.DefaultPipeline()
	pipeline.Register(&lowered.MarkParallelLoop{})
	if _, err := pipeline.Run(ir); err != nil {
		return nil, errors.WithMessagef(err, "lowering kernel %s", k.name)
	}
	return ir, nil
}

// inputData returns deterministic inputs for the Parameters of ir.
func inputData(ir *lowered.LinearIR) [][]float32 {
	var inputs [][]float32
	for e := ir.Front(); e != nil; e = e.Next() {
		if e.Kind != lowered.OpKindParameter {
			continue
		}
		data := make([]float32, e.Outputs[0].NumElements())
		for i := range data {
			data[i] = float32((i*7+len(inputs)*3)%13-6) * 0.25
		}
		inputs = append(inputs, data)
	}
	return inputs
}

func unaryReference(fn func(float32) float32) func([][]float32) [][]float32 {
	return func(inputs [][]float32) [][]float32 {
		return [][]float32{lo.Map(inputs[0], func(x float32, _ int) float32 { return fn(x) })}
	}
}

func exp32(x float32) float32 {
	return float32(math.Exp(float64(x)))
}

// maxAbsDiff returns the largest element-wise difference between got and
// want.
func maxAbsDiff(got, want [][]float32) float64 {
	var diff float64
	for i := range min(len(got), len(want)) {
		for j := range min(len(got[i]), len(want[i])) {
			diff = max(diff, math.Abs(float64(got[i][j]-want[i][j])))
		}
		if len(got[i]) != len(want[i]) {
			diff = math.Inf(1)
		}
	}
	if len(got) != len(want) {
		diff = math.Inf(1)
	}
	return diff
}
