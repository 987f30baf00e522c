// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

package parallel

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
)

func TestNew(t *testing.T) {
	pool := New(4)
	defer pool.Close()

	if pool.NumWorkers() != 4 {
		t.Errorf("NumWorkers() = %d, want 4", pool.NumWorkers())
	}
}

func TestNewDefault(t *testing.T) {
	t.Setenv("SNIPPETS_NUM_THREADS", "")
	pool := New(0)
	defer pool.Close()

	if pool.NumWorkers() != runtime.GOMAXPROCS(0) {
		t.Errorf("NumWorkers() = %d, want %d", pool.NumWorkers(), runtime.GOMAXPROCS(0))
	}
}

func TestNewFromEnv(t *testing.T) {
	t.Setenv("SNIPPETS_NUM_THREADS", "")
	if n := DefaultNumWorkers(); n != runtime.GOMAXPROCS(0) {
		t.Fatalf("DefaultNumWorkers() = %d, want %d", n, runtime.GOMAXPROCS(0))
	}
	t.Setenv("SNIPPETS_NUM_THREADS", "3")
	pool := New(0)
	defer pool.Close()

	if pool.NumWorkers() != 3 {
		t.Errorf("NumWorkers() = %d, want 3", pool.NumWorkers())
	}
}

func TestParallelFor(t *testing.T) {
	pool := New(4)
	defer pool.Close()

	n := 100
	results := make([]int, n)

	pool.ParallelFor(n, 0, func(start, end int) {
		for i := start; i < end; i++ {
			results[i] = i * 2
		}
	})

	for i := 0; i < n; i++ {
		if results[i] != i*2 {
			t.Errorf("results[%d] = %d, want %d", i, results[i], i*2)
		}
	}
}

func TestParallelForSmallN(t *testing.T) {
	pool := New(8)
	defer pool.Close()

	// Test with n smaller than workers
	n := 3
	var count atomic.Int32

	pool.ParallelFor(n, 0, func(start, end int) {
		count.Add(int32(end - start))
	})

	if count.Load() != int32(n) {
		t.Errorf("count = %d, want %d", count.Load(), n)
	}
}

func TestParallelForZeroN(t *testing.T) {
	pool := New(4)
	defer pool.Close()

	var called bool
	pool.ParallelFor(0, 0, func(start, end int) {
		called = true
	})

	if called {
		t.Error("ParallelFor with n=0 should not call fn")
	}
}

func TestParallelForTeamCap(t *testing.T) {
	pool := New(8)
	defer pool.Close()

	var mu sync.Mutex
	var ranges [][2]int
	pool.ParallelFor(10, 3, func(start, end int) {
		mu.Lock()
		ranges = append(ranges, [2]int{start, end})
		mu.Unlock()
	})

	sort.Slice(ranges, func(i, j int) bool { return ranges[i][0] < ranges[j][0] })
	want := [][2]int{{0, 4}, {4, 7}, {7, 10}}
	if len(ranges) != len(want) {
		t.Fatalf("ranges = %v, want %v", ranges, want)
	}
	for i := range want {
		if ranges[i] != want[i] {
			t.Errorf("ranges = %v, want %v", ranges, want)
			break
		}
	}
}

func TestRunTeam(t *testing.T) {
	pool := New(4)
	defer pool.Close()

	var mu sync.Mutex
	seen := make(map[int]int)
	pool.RunTeam(6, func(ithr, nthr int) {
		mu.Lock()
		defer mu.Unlock()
		seen[ithr]++
		if nthr != 4 {
			t.Errorf("nthr = %d, want the pool size 4", nthr)
		}
	})

	if len(seen) != 4 {
		t.Errorf("%d members ran, want 4", len(seen))
	}
	for ithr, n := range seen {
		if n != 1 {
			t.Errorf("member %d ran %d times", ithr, n)
		}
	}
}

func TestCloseMultipleTimes(t *testing.T) {
	pool := New(4)
	pool.Close()
	pool.Close() // Should not panic
}

func TestClosedPoolFallback(t *testing.T) {
	pool := New(4)
	pool.Close()

	n := 100
	results := make([]int, n)

	// Should still work (sequential fallback)
	pool.ParallelFor(n, 0, func(start, end int) {
		for i := start; i < end; i++ {
			results[i] = i * 2
		}
	})

	for i := 0; i < n; i++ {
		if results[i] != i*2 {
			t.Errorf("results[%d] = %d, want %d", i, results[i], i*2)
		}
	}
}

func BenchmarkParallelFor(b *testing.B) {
	pool := New(0) // Use GOMAXPROCS
	defer pool.Close()

	n := 1000

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pool.ParallelFor(n, 0, func(start, end int) {
			// Simulate work
			for j := start; j < end; j++ {
				_ = j * j
			}
		})
	}
}
