// Copyright 2023 Nydus Developers. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"sync"
)

// WorkerPool executes up to total queued jobs on worker goroutines.
// After the first job failure the remaining queued jobs are drained
// without being run; Wait returns the first failure.
type WorkerPool struct {
	wg    sync.WaitGroup
	queue chan func() error

	mu  sync.Mutex
	err error
}

func NewWorkerPool(worker, total uint) *WorkerPool {
	if worker == 0 {
		worker = 1
	}

	pool := &WorkerPool{
		queue: make(chan func() error, total),
	}

	for count := uint(0); count < worker; count++ {
		pool.wg.Add(1)
		go func() {
			defer pool.wg.Done()
			for job := range pool.queue {
				if pool.Err() != nil {
					continue
				}
				if err := job(); err != nil {
					pool.setErr(err)
				}
			}
		}()
	}

	return pool
}

// Put queues one job. The queue holds up to the total declared at
// construction, so Put never blocks when the declared total is honored.
func (pool *WorkerPool) Put(job func() error) {
	pool.queue <- job
}

// Wait closes the queue, waits for the workers to drain it, and
// returns the first job error.
func (pool *WorkerPool) Wait() error {
	close(pool.queue)
	pool.wg.Wait()
	return pool.Err()
}

func (pool *WorkerPool) Err() error {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	return pool.err
}

func (pool *WorkerPool) setErr(err error) {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	if pool.err == nil {
		pool.err = err
	}
}
