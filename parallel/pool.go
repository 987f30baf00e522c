// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

// Package parallel is the runtime side of a parallel loop: a persistent
// worker pool with static, even work splitting, and the executor that fans
// the chunks of one compiled loop out over it.
//
// Usage:
//
//	pool := parallel.New(runtime.GOMAXPROCS(0))
//	defer pool.Close()
//
//	exec := parallel.NewExecutor(pool)
//	cfg, err := parallel.NewLoopConfig(workAmount, increment, ptrIncs, offsets, sizes)
//	if err != nil {
//	    return err
//	}
//	exec.Execute(cfg, ptrs, preamble)
package parallel

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/xyproto/env/v2"
)

// Pool is a persistent worker pool that can be reused across many parallel
// loops. Workers are spawned once at creation and reused.
type Pool struct {
	numWorkers int
	workC      chan workItem
	closeOnce  sync.Once
	closed     atomic.Bool
}

// workItem is the share of one team member.
type workItem struct {
	fn      func()
	barrier *sync.WaitGroup
}

// DefaultNumWorkers returns SNIPPETS_NUM_THREADS when set to a positive
// value, and GOMAXPROCS otherwise. The environment is re-read on every
// call.
func DefaultNumWorkers() int {
	env.Load()
	if n := env.Int("SNIPPETS_NUM_THREADS", 0); n > 0 {
		return n
	}
	return runtime.GOMAXPROCS(0)
}

// New creates a pool with numWorkers workers. Workers are spawned
// immediately and persist until Close is called.
// If numWorkers <= 0, uses DefaultNumWorkers.
func New(numWorkers int) *Pool {
	if numWorkers <= 0 {
		numWorkers = DefaultNumWorkers()
	}

	p := &Pool{
		numWorkers: numWorkers,
		// Buffer enough for all workers to have pending work
		workC: make(chan workItem, numWorkers*2),
	}

	for range numWorkers {
		go p.worker()
	}

	return p
}

func (p *Pool) worker() {
	for item := range p.workC {
		item.fn()
		item.barrier.Done()
	}
}

// NumWorkers returns the number of workers in the pool.
func (p *Pool) NumWorkers() int {
	return p.numWorkers
}

// Close shuts down the worker pool. All pending work will complete.
// Calling Close multiple times is safe.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.workC)
	})
}

// RunTeam calls fn(ithr, nthr) once for every ithr in [0, nthr), each call
// on its own worker, and blocks until all of them return.
// nthr is capped by NumWorkers.
func (p *Pool) RunTeam(nthr int, fn func(ithr, nthr int)) {
	if nthr <= 0 {
		return
	}
	nthr = min(nthr, p.numWorkers)

	if nthr == 1 || p.closed.Load() {
		// Sequential fallback keeps the same static partition.
		for ithr := range nthr {
			fn(ithr, nthr)
		}
		return
	}

	var wg sync.WaitGroup
	wg.Add(nthr)
	for ithr := range nthr {
		p.workC <- workItem{
			fn: func() {
				fn(ithr, nthr)
			},
			barrier: &wg,
		}
	}
	wg.Wait()
}

// ParallelFor executes fn over [0, n) split evenly across a team of at
// most nthr workers; nthr <= 0 uses every worker.
// Each member processes a contiguous range of indices, in member order.
// Blocks until all work completes.
//
// fn receives (start, end) indices where work should process [start, end).
func (p *Pool) ParallelFor(n, nthr int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	if nthr <= 0 {
		nthr = p.numWorkers
	}
	p.RunTeam(min(nthr, p.numWorkers, n), func(ithr, nthr int) {
		start, end := Splitter(n, nthr, ithr)
		if start < end {
			fn(start, end)
		}
	})
}
