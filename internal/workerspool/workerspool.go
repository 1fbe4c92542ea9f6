// Package workerspool limits the number of goroutines working in parallel on a list of independent tasks,
// like decoding image files.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool of workers. Create it with New.
type Pool struct {
	// maxParallelism is the limit of tasks running at the same time.
	maxParallelism int
	mu             sync.Mutex
	cond           sync.Cond // Signaled whenever numRunning is decreased.
	numRunning     int
	wg             sync.WaitGroup
}

// New returns a new Pool of workers with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	w := &Pool{maxParallelism: runtime.NumCPU()}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// MaxParallelism is the limit of tasks running at the same time.
// If 0 parallelism is disabled, and if -1 it is unlimited.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// SetMaxParallelism sets the limit of tasks running at the same time. It returns the Pool, so calls can be cascaded.
//
// It should only be changed before any task is started.
func (w *Pool) SetMaxParallelism(maxParallelism int) *Pool {
	w.maxParallelism = maxParallelism
	return w
}

// lockedIsFull must be called with w.mu acquired.
func (w *Pool) lockedIsFull() bool {
	return w.maxParallelism >= 0 && w.numRunning >= w.maxParallelism
}

// WaitToStart waits until there is a worker available and starts task in it.
// If parallelism is disabled (MaxParallelism is 0) it runs the task inline, and returns when it is finished.
func (w *Pool) WaitToStart(task func()) {
	if w.maxParallelism == 0 {
		task()
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.lockedIsFull() {
		w.cond.Wait()
	}
	w.numRunning++
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		task()
		w.mu.Lock()
		w.numRunning--
		w.cond.Signal()
		w.mu.Unlock()
	}()
}

// Wait for all started tasks to finish.
func (w *Pool) Wait() {
	w.wg.Wait()
}

// Map calls fn(ii) for ii in [0, n), in parallel, and waits for all calls to finish.
// It returns the first error (by index) returned by fn, or nil.
func Map(w *Pool, n int, fn func(ii int) error) error {
	errs := make([]error, n)
	for ii := range n {
		w.WaitToStart(func() { errs[ii] = fn(ii) })
	}
	w.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
