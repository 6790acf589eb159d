package stage

import (
	"runtime"
	"sync"
)

// getWorkers returns the configured worker count or a sane default.
func getWorkers(configured int) int {
	n := runtime.NumCPU()
	if configured > 0 {
		n = configured
	}
	if n < 1 {
		n = 1
	}
	return n
}

// runIndexedParallel executes fn for indices [0,n) using a worker pool and
// returns all results in index order.
func runIndexedParallel[T any](n, workers int, fn func(int) T) []T {
	type item struct {
		idx int
		val T
	}
	jobs := make(chan int)
	results := make(chan item)
	var wg sync.WaitGroup

	worker := func() {
		defer wg.Done()
		for idx := range jobs {
			results <- item{idx: idx, val: fn(idx)}
		}
	}

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go worker()
	}

	go func() {
		for i := 0; i < n; i++ {
			jobs <- i
		}
		close(jobs)
	}()

	out := make([]T, n)
	for i := 0; i < n; i++ {
		it := <-results
		out[it.idx] = it.val
	}
	wg.Wait()
	return out
}
