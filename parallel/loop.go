// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

package parallel

import (
	"fmt"
	"math"
	"slices"
	"unsafe"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DynamicValue marks a loop parameter only known at execution time.
const DynamicValue int64 = math.MaxInt64

// LoopConfig holds the static parameters of one loop dispatched over
// threads. All per-operand slices have one entry per data pointer.
type LoopConfig struct {
	WorkAmount int64
	Increment  int64

	// PtrIncrements are in elements per iteration of the loop dimension.
	PtrIncrements []int64

	// FinalizationOffsets are in elements, applied once after the loop.
	FinalizationOffsets []int64

	// ElementSizes are in bytes.
	ElementSizes []int64
}

// NewLoopConfig validates and copies the loop parameters. Dynamic values
// are rejected: the chunk layout must be known before dispatch.
func NewLoopConfig(workAmount, increment int64, ptrIncrements, finalizationOffsets, elementSizes []int64) (*LoopConfig, error) {
	if workAmount == DynamicValue || increment == DynamicValue {
		return nil, errors.Errorf("parallel loop needs a static work amount and increment, got work_amount=%s increment=%s",
			formatValue(workAmount), formatValue(increment))
	}
	if workAmount < 0 || increment <= 0 {
		return nil, errors.Errorf("invalid parallel loop: work_amount=%d increment=%d", workAmount, increment)
	}
	n := len(ptrIncrements)
	if len(finalizationOffsets) != n || len(elementSizes) != n {
		return nil, errors.Errorf("parallel loop operands mismatch: %d ptr increments, %d finalization offsets, %d element sizes",
			n, len(finalizationOffsets), len(elementSizes))
	}
	for i := range n {
		if ptrIncrements[i] == DynamicValue || finalizationOffsets[i] == DynamicValue {
			return nil, errors.Errorf("parallel loop operand %d has a dynamic pointer step", i)
		}
		if elementSizes[i] <= 0 {
			return nil, errors.Errorf("parallel loop operand %d has element size %d", i, elementSizes[i])
		}
	}
	return &LoopConfig{
		WorkAmount:          workAmount,
		Increment:           increment,
		PtrIncrements:       append([]int64(nil), ptrIncrements...),
		FinalizationOffsets: append([]int64(nil), finalizationOffsets...),
		ElementSizes:        append([]int64(nil), elementSizes...),
	}, nil
}

// NumPointers returns the number of data pointers the loop steps.
func (c *LoopConfig) NumPointers() int {
	return len(c.PtrIncrements)
}

// NumChunks returns the number of whole increments in the work amount.
func (c *LoopConfig) NumChunks() int64 {
	return c.WorkAmount / c.Increment
}

// String implements fmt.Stringer.
func (c *LoopConfig) String() string {
	return fmt.Sprintf("LoopConfig{wa=%d inc=%d ptr=%v fin=%v sizes=%v}",
		c.WorkAmount, c.Increment, c.PtrIncrements, c.FinalizationOffsets, c.ElementSizes)
}

func formatValue(v int64) string {
	if v == DynamicValue {
		return "?"
	}
	return fmt.Sprintf("%d", v)
}

// Preamble is a compiled loop body: it processes workAmount iterations of
// the loop dimension starting at ptrs.
type Preamble func(workAmount int64, ptrs []unsafe.Pointer)

// Executor dispatches parallel loops on a Pool.
type Executor struct {
	pool       *Pool
	maxThreads int
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithMaxThreads caps the team size of every dispatch.
func WithMaxThreads(n int) ExecutorOption {
	return func(x *Executor) {
		if n > 0 {
			x.maxThreads = n
		}
	}
}

// NewExecutor creates an executor running on pool.
func NewExecutor(pool *Pool, opts ...ExecutorOption) *Executor {
	x := &Executor{pool: pool, maxThreads: pool.NumWorkers()}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// NumThreads returns the team size used for cfg: never more threads than
// chunks.
func (x *Executor) NumThreads(cfg *LoopConfig) int {
	return int(min(int64(x.maxThreads), int64(x.pool.NumWorkers()), cfg.NumChunks()))
}

// OffsetPreamble is a loop body addressing its operands by byte offsets
// from bases the caller owns.
type OffsetPreamble func(workAmount int64, offsets []int64)

// Execute runs the loop described by cfg over the data pointers ptrs and
// then moves ptrs past the loop, exactly as a single-threaded loop would.
//
// The chunks of cfg are split statically over the team. Each member derives
// its own pointers from the bases and calls preamble with the number of
// iterations it owns. Execute blocks until all members return.
func (x *Executor) Execute(cfg *LoopConfig, ptrs []unsafe.Pointer, preamble Preamble) {
	if len(ptrs) != cfg.NumPointers() {
		panic(errors.Errorf("parallel loop expects %d pointers, got %d", cfg.NumPointers(), len(ptrs)))
	}
	bases := slices.Clone(ptrs)
	offsets := make([]int64, len(ptrs))
	x.ExecuteOffsets(cfg, offsets, func(workAmount int64, offsets []int64) {
		threadPtrs := make([]unsafe.Pointer, len(bases))
		for i, base := range bases {
			threadPtrs[i] = unsafe.Add(base, offsets[i])
		}
		preamble(workAmount, threadPtrs)
	})
	for i := range ptrs {
		ptrs[i] = unsafe.Add(ptrs[i], offsets[i])
	}
}

// ExecuteOffsets is Execute for operands addressed by byte offsets:
// offsets are moved past the loop, and each member gets the offsets of its
// first iteration.
func (x *Executor) ExecuteOffsets(cfg *LoopConfig, offsets []int64, preamble OffsetPreamble) {
	if len(offsets) != cfg.NumPointers() {
		panic(errors.Errorf("parallel loop expects %d pointers, got %d", cfg.NumPointers(), len(offsets)))
	}
	numChunks := cfg.NumChunks()
	nthr := x.NumThreads(cfg)
	klog.V(2).Infof("parallel loop: %d chunks on %d threads", numChunks, nthr)

	bases := slices.Clone(offsets)
	x.pool.ParallelFor(int(numChunks), nthr, func(startChunk, endChunk int) {
		start := int64(startChunk) * cfg.Increment
		end := int64(endChunk) * cfg.Increment
		threadOffsets := make([]int64, len(bases))
		for i, base := range bases {
			threadOffsets[i] = base + cfg.PtrIncrements[i]*cfg.ElementSizes[i]*start
		}
		preamble(end-start, threadOffsets)
	})

	// The per-iteration increments were never applied to the bases: apply
	// them here together with the finalization offsets.
	for i := range offsets {
		offsets[i] += (cfg.PtrIncrements[i]*cfg.WorkAmount + cfg.FinalizationOffsets[i]) * cfg.ElementSizes[i]
	}
}
