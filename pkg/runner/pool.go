package runner

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// workerPool processes job indices with a fixed number of workers. Jobs are
// submitted one at a time so a halt or stop signal takes effect between
// items; anything already handed to a worker runs to completion.
type workerPool struct {
	numWorkers int
	jobChan    chan int
	resultChan chan Result
	wg         sync.WaitGroup
	process    func(ctx context.Context, index int) Result
	logger     *zap.Logger
}

func newWorkerPool(numWorkers int, process func(ctx context.Context, index int) Result, logger *zap.Logger) *workerPool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	return &workerPool{
		numWorkers: numWorkers,
		jobChan:    make(chan int),
		resultChan: make(chan Result, numWorkers),
		process:    process,
		logger:     logger,
	}
}

// start launches the workers.
func (wp *workerPool) start(ctx context.Context) {
	for i := 0; i < wp.numWorkers; i++ {
		wp.wg.Add(1)
		go wp.worker(ctx, i)
	}
	go func() {
		wp.wg.Wait()
		close(wp.resultChan)
	}()
}

func (wp *workerPool) worker(ctx context.Context, id int) {
	defer wp.wg.Done()
	for index := range wp.jobChan {
		wp.logger.Debug("worker picked item", zap.Int("worker_id", id), zap.Int("index", index))
		wp.resultChan <- wp.process(ctx, index)
	}
}

// submitAll hands indices 0..n-1 to the workers until one of the signals
// fires, then closes the job channel. It returns the number submitted.
func (wp *workerPool) submitAll(ctx context.Context, n int, stop, halt <-chan struct{}) int {
	defer close(wp.jobChan)
	for i := 0; i < n; i++ {
		if signalled(stop) || signalled(halt) || ctx.Err() != nil {
			return i
		}
		select {
		case wp.jobChan <- i:
		case <-stop:
			return i
		case <-halt:
			return i
		case <-ctx.Done():
			return i
		}
	}
	return n
}

// results returns the result channel, closed once every worker exits.
func (wp *workerPool) results() <-chan Result {
	return wp.resultChan
}

func signalled(ch <-chan struct{}) bool {
	if ch == nil {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
