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

// Package execpool bounds how many runs execute their workflow
// concurrently, via a semaphore-gated goroutine-per-run model, and
// supports graceful draining on shutdown.
//
// Grounded on the daemon runner's MaxParallel/semaphore/draining
// pattern (internal/daemon/runner/runner.go), generalized from
// per-workflow-step execution to per-run workflow execution.
package execpool

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Task is one unit of work submitted to the pool: a run ID and the
// function that executes its workflow.
type Task struct {
	RunID string
	Run   func(ctx context.Context)
}

// Pool bounds concurrent execution with a buffered channel semaphore,
// tracks active run count for metrics, and supports a drain mode that
// stops admitting new work while letting in-flight runs finish.
type Pool struct {
	maxParallel int
	semaphore   chan struct{}
	logger      *slog.Logger

	mu      sync.Mutex
	active  map[string]context.CancelFunc
	draining atomic.Bool

	wg sync.WaitGroup
}

func New(maxParallel int, logger *slog.Logger) *Pool {
	if maxParallel < 1 {
		maxParallel = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		maxParallel: maxParallel,
		semaphore:   make(chan struct{}, maxParallel),
		logger:      logger,
		active:      map[string]context.CancelFunc{},
	}
}

// Submit blocks until a slot is free (or ctx is cancelled), then runs
// task.Run in a new goroutine with its own cancellable context.
// Submission is rejected outright once the pool is draining.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	if p.draining.Load() {
		return ErrDraining
	}

	select {
	case p.semaphore <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.active[task.RunID] = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			<-p.semaphore
			p.mu.Lock()
			delete(p.active, task.RunID)
			p.mu.Unlock()
		}()
		task.Run(runCtx)
	}()

	return nil
}

// ErrDraining is returned by Submit once the pool has started
// draining.
var ErrDraining = drainError{}

type drainError struct{}

func (drainError) Error() string { return "execpool: pool is draining, no new submissions accepted" }

// Cancel cancels a specific in-flight run's context, if still active.
func (p *Pool) Cancel(runID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cancel, ok := p.active[runID]
	if ok {
		cancel()
	}
	return ok
}

// ActiveCount returns the number of runs currently executing.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// StartDraining stops the pool from accepting new submissions.
func (p *Pool) StartDraining() {
	p.draining.Store(true)
}

// IsDraining reports whether the pool has started draining.
func (p *Pool) IsDraining() bool {
	return p.draining.Load()
}

// WaitForDrain blocks until every active run completes or timeout
// elapses, polling every 100ms — mirroring the daemon runner's
// WaitForDrain.
func (p *Pool) WaitForDrain(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if p.ActiveCount() == 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		<-ticker.C
	}
}
