// Copyright 2025 Tom Barlow
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

package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// defaultTaskQueueSize bounds how many background tasks may be pending
// before Submit rejects new work.
const defaultTaskQueueSize = 64

// defaultTaskTimeout bounds a single background task's runtime.
const defaultTaskTimeout = 2 * time.Minute

// task is one unit of supervised background work.
type task struct {
	name string
	fn   func(context.Context) error
}

// taskRunner runs background work on a single worker goroutine with a
// bounded queue. Every task's outcome is logged; a full queue is a
// visible error rather than an unbounded pileup of goroutines.
type taskRunner struct {
	logger  *slog.Logger
	queue   chan task
	timeout time.Duration

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// newTaskRunner starts the worker. size <= 0 uses the default bound.
func newTaskRunner(logger *slog.Logger, size int) *taskRunner {
	if size <= 0 {
		size = defaultTaskQueueSize
	}
	r := &taskRunner{
		logger:  logger,
		queue:   make(chan task, size),
		timeout: defaultTaskTimeout,
		done:    make(chan struct{}),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

func (r *taskRunner) run() {
	defer r.wg.Done()
	for {
		select {
		case t := <-r.queue:
			r.execute(t)
		case <-r.done:
			// Drain remaining tasks before exiting so submitted work
			// is never silently dropped.
			for {
				select {
				case t := <-r.queue:
					r.execute(t)
				default:
					return
				}
			}
		}
	}
}

func (r *taskRunner) execute(t task) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	start := time.Now()
	err := t.fn(ctx)
	elapsed := time.Since(start)

	if err != nil {
		r.logger.Error("background task failed",
			"task", t.name, "error", err, "duration", elapsed.String())
		return
	}
	r.logger.Debug("background task completed",
		"task", t.name, "duration", elapsed.String())
}

// Submit enqueues a task. It fails fast when the queue is full or the
// runner is shut down.
func (r *taskRunner) Submit(name string, fn func(context.Context) error) error {
	select {
	case <-r.done:
		return fmt.Errorf("task runner is shut down")
	default:
	}

	select {
	case r.queue <- task{name: name, fn: fn}:
		return nil
	default:
		return fmt.Errorf("task queue is full (%d pending)", cap(r.queue))
	}
}

// Close stops accepting work, drains the queue, and waits for the
// worker to finish.
func (r *taskRunner) Close() {
	r.closeOnce.Do(func() { close(r.done) })
	r.wg.Wait()
}
