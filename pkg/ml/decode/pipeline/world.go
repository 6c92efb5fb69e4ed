// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/gomlx/decodesync/pkg/core/distributed"
	"github.com/gomlx/decodesync/pkg/ml/decode/config"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Report of a RunWorld.
type Report struct {
	// Results of the finished requests, sorted by request ID.
	Results []Result

	// Steps run by every rank.
	Steps int

	// Unserved is the number of requests not finished within the steps.
	Unserved int

	// Messages and Bytes delivered point-to-point by the world transport.
	Messages, Bytes int64

	// LiveTensors left allocated after all runners were released, summed over the ranks.
	LiveTensors int
}

// RunWorld runs every rank of the configured world on a LocalWorld, each one in its own goroutine, for
// steps steps. Requests not finished by then are counted in Report.Unserved.
//
// If any rank fails, or ctx is cancelled, the transports are aborted so that blocked ranks return, and
// the first failure is returned.
func RunWorld(ctx context.Context, cfg *config.EngineConfig, opts Options, steps int) (*Report, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	size := cfg.PipelineParallelism * cfg.TensorParallelism
	world := distributed.NewLocalWorld(size)
	firstStage := distributed.NewLocalWorld(cfg.TensorParallelism)
	klog.V(1).Infof("running %d ranks (pp=%d, tp=%d) for %d steps on local world %s", size,
		cfg.PipelineParallelism, cfg.TensorParallelism, steps, world.ID())

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stopAbort := context.AfterFunc(runCtx, func() {
		cause := context.Cause(runCtx)
		world.Abort(cause)
		firstStage.Abort(cause)
	})

	var (
		mu          sync.Mutex
		results     []Result
		unserved    int
		liveTensors int
	)
	var g errgroup.Group
	for rank := range size {
		g.Go(func() error {
			var group distributed.Communicator
			if rank < cfg.TensorParallelism {
				group = firstStage.Communicator(rank)
			}
			r, err := NewRunner(cfg, world.Communicator(rank), group, opts)
			if err != nil {
				cancel(err)
				return err
			}
			var rankResults []Result
			for step := range steps {
				stepResults, err := r.Step(runCtx, step)
				if err != nil {
					r.Release()
					cancel(err)
					return err
				}
				rankResults = append(rankResults, stepResults...)
			}
			r.Release()
			mu.Lock()
			defer mu.Unlock()
			results = append(results, rankResults...)
			if rank == ownerRank {
				unserved = r.Unserved()
			}
			liveTensors += r.PoolStats().LiveTensors
			return nil
		})
	}
	err := g.Wait()
	stopAbort()
	if cause := context.Cause(runCtx); cause != nil {
		err = cause
	}
	if err != nil {
		return nil, errors.WithMessage(err, "pipeline run")
	}
	slices.SortFunc(results, func(a, b Result) int { return cmp.Compare(a.Request.ID, b.Request.ID) })
	messages, bytes := world.Traffic()
	return &Report{Results: results, Steps: steps, Unserved: unserved, Messages: messages, Bytes: bytes, LiveTensors: liveTensors}, nil
}
