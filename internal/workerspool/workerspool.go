// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool runs independent pieces of host work (typically one per batch slot) in a bounded
// number of goroutines.
package workerspool

import (
	"runtime"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Pool bounds the number of tasks running in parallel.
// It holds no goroutines between calls, so it can be shared and needs no cleanup.
type Pool struct {
	// maxParallelism: 0 runs every task inline, < 0 is unlimited.
	maxParallelism int
}

// New returns a Pool with parallelism runtime.NumCPU().
func New() *Pool {
	return NewWithParallelism(runtime.NumCPU())
}

// NewWithParallelism returns a Pool running at most maxParallelism tasks at a time.
// 0 disables parallelism (tasks run inline), and a negative value means unlimited.
func NewWithParallelism(maxParallelism int) *Pool {
	return &Pool{maxParallelism: maxParallelism}
}

// MaxParallelism returns the configured parallelism. See NewWithParallelism.
func (p *Pool) MaxParallelism() int {
	return p.maxParallelism
}

// IsEnabled returns whether tasks run in separate goroutines.
func (p *Pool) IsEnabled() bool {
	return p.maxParallelism != 0
}

// ForEach calls fn(i) for i in [0, n), in parallel as the pool allows, and waits for all of them.
// Every task runs even if others fail. It returns the error of the lowest index that failed, so
// results don't depend on scheduling.
func (p *Pool) ForEach(n int, fn func(i int) error) error {
	errs := make([]error, n)
	if p.IsEnabled() {
		var g errgroup.Group
		g.SetLimit(p.maxParallelism) // Negative means no limit.
		for i := range n {
			g.Go(func() error {
				errs[i] = fn(i)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i := range n {
			errs[i] = fn(i)
		}
	}
	for i, err := range errs {
		if err != nil {
			return errors.WithMessagef(err, "task #%d of %d", i, n)
		}
	}
	return nil
}
