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
	"bytes"
	"fmt"
	"runtime"
	"strings"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajroetker/go-snippets/lowered"
	"github.com/ajroetker/go-snippets/parallel"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestKernels(t *testing.T) {
	out, err := execute(t, "kernels")
	require.NoError(t, err)
	for _, name := range kernelNames() {
		assert.Contains(t, out, name)
	}
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), len(catalogue))
}

func TestLowerCode(t *testing.T) {
	out, err := execute(t, "lower", "exp", "--format", "code", "--increment", "8")
	require.NoError(t, err)
	assert.Contains(t, out, "== exp ==\n")
	assert.Contains(t, out, "kernel exp(")
	assert.Contains(t, out, "loop 1 wa=3 inc=1 ptr=[37,37] fin=[-111,-111] parallel {")
	assert.Contains(t, out, "loop 0 wa=32 inc=8")
	assert.NotContains(t, out, "LinearIR{")
}

func TestLowerAll(t *testing.T) {
	out, err := execute(t, "lower", "--all", "--format", "both", "--increment", "4")
	require.NoError(t, err)
	last := -1
	for _, name := range kernelNames() {
		idx := strings.Index(out, fmt.Sprintf("== %s ==\n", name))
		require.Greater(t, idx, last, "kernel %s missing or out of catalogue order", name)
		last = idx
	}
	assert.Contains(t, out, "LinearIR{")
	assert.Contains(t, out, "scratch[")
}

func TestLowerErrors(t *testing.T) {
	_, err := execute(t, "lower")
	require.ErrorContains(t, err, "no kernel given")

	_, err = execute(t, "lower", "exp", "--format", "asm")
	require.ErrorContains(t, err, "unknown --format")

	_, err = execute(t, "lower", "softmax")
	require.ErrorContains(t, err, `unknown kernel "softmax"`)
}

func TestRun(t *testing.T) {
	for _, name := range kernelNames() {
		for _, inc := range []string{"1", "4", "8"} {
			for _, extra := range [][]string{nil, {"--fill-tail"}, {"--no-single-eval"}} {
				args := append([]string{"run", name, "--threads", "3", "--increment", inc}, extra...)
				t.Run(strings.Join(args[1:], " "), func(t *testing.T) {
					out, err := execute(t, args...)
					require.NoError(t, err, out)
					assert.Contains(t, out, name+": sequential max |diff| = 0\n")
					assert.Contains(t, out, name+": parallel max |diff| = 0\n")
				})
			}
		}
	}
}

func TestInterpreterRepeatedRuns(t *testing.T) {
	pool := parallel.New(4)
	defer pool.Close()
	exec := parallel.NewExecutor(pool)
	for _, k := range catalogue {
		t.Run(k.name, func(t *testing.T) {
			ir, err := k.lower(4, lowered.DefaultConfig())
			require.NoError(t, err)
			inputs := inputData(ir)
			want := k.reference(inputs)
			for run := range 20 {
				got := make([][]float32, len(want))
				for i := range want {
					got[i] = make([]float32, len(want[i]))
				}
				x := exec
				if run%2 == 0 {
					x = nil
				}
				it, err := newInterpreter(ir, inputs, got, x)
				require.NoError(t, err)
				require.NoError(t, it.Run())
				require.Zero(t, maxAbsDiff(got, want), "run %d", run)
				runtime.GC()
			}
		})
	}
}

func TestInterpreterOutOfBounds(t *testing.T) {
	// A Store of 8 elements into a 5 element result.
	b := lowered.NewBuilder(lowered.WithDType(dtypes.Float32), lowered.WithLoopDepth(1), lowered.WithVectorCount(8))
	b.Result(b.Store(b.Elementwise("Neg", b.Load(b.Parameter(5)))))
	it, err := newInterpreter(b.IR(), [][]float32{make([]float32, 5)}, [][]float32{make([]float32, 5)}, nil)
	require.NoError(t, err)
	require.ErrorContains(t, it.Run(), "out of bounds")
}

func TestRunUnknownKernel(t *testing.T) {
	_, err := execute(t, "run", "softmax")
	require.ErrorContains(t, err, "unknown kernel")
}

func TestInterpreterUnsupported(t *testing.T) {
	t.Run("Brgemm", func(t *testing.T) {
		b := lowered.NewBuilder(lowered.WithDType(dtypes.Float32), lowered.WithLoopDepth(1))
		a := b.Parameter(4, 4)
		c := b.Parameter(4, 4)
		b.Result(b.Brgemm(a, c, 4))
		inputs := [][]float32{make([]float32, 16), make([]float32, 16)}
		it, err := newInterpreter(b.IR(), inputs, [][]float32{make([]float32, 16)}, nil)
		require.NoError(t, err)
		require.ErrorContains(t, it.Run(), "cannot be interpreted")
	})

	t.Run("Float64", func(t *testing.T) {
		b := lowered.NewBuilder(lowered.WithDType(dtypes.Float64), lowered.WithLoopDepth(1))
		b.Result(b.Store(b.Elementwise("Exp", b.Load(b.Parameter(8)))))
		_, err := newInterpreter(b.IR(), [][]float32{make([]float32, 8)}, [][]float32{make([]float32, 8)}, nil)
		require.ErrorContains(t, err, "only Float32")
	})

	t.Run("ArgumentCount", func(t *testing.T) {
		k, err := findKernel("bias-add")
		require.NoError(t, err)
		ir, err := k.lower(4, lowered.DefaultConfig())
		require.NoError(t, err)
		_, err = newInterpreter(ir, [][]float32{make([]float32, 6*29)}, [][]float32{make([]float32, 6*29)}, nil)
		require.ErrorContains(t, err, "more than 1 parameters")

		_, err = newInterpreter(ir, [][]float32{make([]float32, 6*29), make([]float32, 3)}, [][]float32{make([]float32, 6*29)}, nil)
		require.ErrorContains(t, err, "needs 29 elements, got 3")
	})
}
