// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package distributed describes the parallel topology of a decoding job (WorldConfig) and the
// point-to-point and broadcast transport used to move decoder buffers between ranks (Communicator).
//
// Ranks are laid out as a 2D mesh with axes ("pipeline", "tensor"): global rank = pipelineRank * tensorParallelism
// + tensorRank. The decoder (sampling, beam search) runs on the last pipeline stage, and the outputs are sent back
// to the first stage, which owns the requests.
package distributed

import (
	"fmt"
	"slices"

	"github.com/gomlx/decodesync/pkg/support/sets"
	"github.com/pkg/errors"
)

// Axis names of the world mesh.
const (
	PipelineAxis = "pipeline"
	TensorAxis   = "tensor"
)

// WorldConfig is the view of the parallel topology from one rank.
type WorldConfig struct {
	// axesNames and axesSizes of the mesh, in major to minor order.
	axesNames []string
	axesSizes []int
	rank      int
}

// NewWorldConfig creates the topology for the given rank.
func NewWorldConfig(tensorParallelism, pipelineParallelism, rank int) (*WorldConfig, error) {
	if tensorParallelism < 1 || pipelineParallelism < 1 {
		return nil, errors.Errorf("invalid world: tensor parallelism %d and pipeline parallelism %d must be >= 1",
			tensorParallelism, pipelineParallelism)
	}
	size := tensorParallelism * pipelineParallelism
	if rank < 0 || rank >= size {
		return nil, errors.Errorf("rank %d out of range for a world of size %d", rank, size)
	}
	return &WorldConfig{
		axesNames: []string{PipelineAxis, TensorAxis},
		axesSizes: []int{pipelineParallelism, tensorParallelism},
		rank:      rank,
	}, nil
}

// SingleRank returns the topology of a non-distributed job.
func SingleRank() *WorldConfig {
	w, _ := NewWorldConfig(1, 1, 0)
	return w
}

// Rank returns this process global rank.
func (w *WorldConfig) Rank() int { return w.rank }

// Size returns the total number of ranks.
func (w *WorldConfig) Size() int { return w.axesSizes[0] * w.axesSizes[1] }

// PipelineParallelism returns the number of pipeline stages.
func (w *WorldConfig) PipelineParallelism() int { return w.axesSizes[0] }

// TensorParallelism returns the number of ranks per pipeline stage.
func (w *WorldConfig) TensorParallelism() int { return w.axesSizes[1] }

// PipelineParallelRank returns the pipeline stage of this rank.
func (w *WorldConfig) PipelineParallelRank() int { return w.rank / w.TensorParallelism() }

// TensorParallelRank returns the position of this rank within its pipeline stage.
func (w *WorldConfig) TensorParallelRank() int { return w.rank % w.TensorParallelism() }

// IsFirstPipelineParallelRank returns whether this rank belongs to the first pipeline stage.
func (w *WorldConfig) IsFirstPipelineParallelRank() bool { return w.PipelineParallelRank() == 0 }

// IsLastPipelineParallelRank returns whether this rank belongs to the last pipeline stage, where decoding runs.
func (w *WorldConfig) IsLastPipelineParallelRank() bool {
	return w.PipelineParallelRank() == w.PipelineParallelism()-1
}

// GlobalRank returns the global rank of the given (pipeline, tensor) coordinates.
func (w *WorldConfig) GlobalRank(pipelineRank, tensorRank int) int {
	return pipelineRank*w.TensorParallelism() + tensorRank
}

// FirstStagePeer returns the rank on the first pipeline stage with the same tensor-parallel position.
func (w *WorldConfig) FirstStagePeer() int { return w.GlobalRank(0, w.TensorParallelRank()) }

// LastStagePeer returns the rank on the last pipeline stage with the same tensor-parallel position.
func (w *WorldConfig) LastStagePeer() int {
	return w.GlobalRank(w.PipelineParallelism()-1, w.TensorParallelRank())
}

// TensorParallelGroup returns the ranks of this rank's pipeline stage, in tensor-parallel order.
func (w *WorldConfig) TensorParallelGroup() []int {
	return w.groupOf(TensorAxis)
}

// PipelineParallelGroup returns the ranks sharing this rank's tensor-parallel position, one per stage.
func (w *WorldConfig) PipelineParallelGroup() []int {
	return w.groupOf(PipelineAxis)
}

func (w *WorldConfig) groupOf(axis string) []int {
	groups, err := w.ComputeGroups(axis)
	if err != nil {
		panic(err)
	}
	for _, group := range groups {
		if slices.Contains(group, w.rank) {
			return group
		}
	}
	panic(errors.Errorf("rank %d not found in any %q group of %s", w.rank, axis, w))
}

// ComputeGroups returns the groups of ranks participating in a collective performed along the given axes.
// The other axes are split into different groups.
//
// Example, with pipeline parallelism 2 and tensor parallelism 2:
//
//	w.ComputeGroups("tensor")              // -> [][]int{{0, 1}, {2, 3}}
//	w.ComputeGroups("pipeline")            // -> [][]int{{0, 2}, {1, 3}}
//	w.ComputeGroups("pipeline", "tensor")  // -> [][]int{{0, 1, 2, 3}}
func (w *WorldConfig) ComputeGroups(axes ...string) ([][]int, error) {
	axisIndices := make([]int, 0, len(axes))
	seen := sets.Make[int](len(axes))
	for _, axis := range axes {
		idx := slices.Index(w.axesNames, axis)
		if idx < 0 {
			return nil, errors.Errorf("axis %q not found in world axes %v", axis, w.axesNames)
		}
		if seen.Has(idx) {
			return nil, errors.Errorf("axis %q is duplicated: each axis can only appear once", axis)
		}
		seen.Insert(idx)
		axisIndices = append(axisIndices, idx)
	}
	var otherIndices []int
	for i := range w.axesSizes {
		if !seen.Has(i) {
			otherIndices = append(otherIndices, i)
		}
	}

	groupSize := 1
	for _, idx := range axisIndices {
		groupSize *= w.axesSizes[idx]
	}
	numRanks := w.Size()
	groups := make([][]int, numRanks/groupSize)
	for i := range groups {
		groups[i] = make([]int, groupSize)
	}

	coords := make([]int, len(w.axesSizes))
	for rank := range numRanks {
		remaining := rank
		for i := len(w.axesSizes) - 1; i >= 0; i-- {
			coords[i] = remaining % w.axesSizes[i]
			remaining /= w.axesSizes[i]
		}
		groupIdx := flatten(coords, w.axesSizes, otherIndices)
		posInGroup := flatten(coords, w.axesSizes, axisIndices)
		groups[groupIdx][posInGroup] = rank
	}
	return groups, nil
}

// flatten the coordinates of the selected axes, row-major.
func flatten(coords, sizes, selected []int) int {
	flat := 0
	for _, axis := range selected {
		flat = flat*sizes[axis] + coords[axis]
	}
	return flat
}

// String implements fmt.Stringer.
func (w *WorldConfig) String() string {
	return fmt.Sprintf("World(rank=%d of %d, %s=%d/%d, %s=%d/%d)", w.rank, w.Size(),
		PipelineAxis, w.PipelineParallelRank(), w.PipelineParallelism(),
		TensorAxis, w.TensorParallelRank(), w.TensorParallelism())
}
