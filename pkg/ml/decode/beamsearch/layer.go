// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package beamsearch implements the beam search layer of the decoder: the per-slot search parameters, the
// workspace sizing and a host reference of the forward step.
//
// Each step, for every active slot, the layer expands the beams with the most likely next tokens,
// keeps the best beamWidth candidates, and updates the decoder outputs (tokens, log probabilities,
// sequence lengths, finish reasons and the cache indirection that maps each beam to the KV-cache
// entries of its history). GatherSlot reconstructs the final beams of a slot once it's finished.
package beamsearch

import (
	"strconv"

	"github.com/gomlx/decodesync/internal/scoped"
	"github.com/gomlx/decodesync/internal/workerspool"
	"github.com/gomlx/decodesync/pkg/core/dtypes"
	"github.com/gomlx/decodesync/pkg/core/shapes"
	"github.com/gomlx/decodesync/pkg/core/tensors"
	"github.com/gomlx/decodesync/pkg/ml/decode/config"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Keys of the setup parameters, looked up in the scope "/slot/<n>" of each slot, falling back to the root scope.
const (
	ParamDiversityRate = "diversity_rate"
	ParamLengthPenalty = "length_penalty"
	ParamEarlyStopping = "early_stopping"
)

// Default values of the setup parameters.
const (
	DefaultDiversityRate float32 = 0
	DefaultLengthPenalty float32 = 1
	DefaultEarlyStopping int32   = 1
)

// Domain holds the maxima the layer is sized for.
type Domain struct {
	// MaxBatchSize is the number of slots: batch slots index [0, MaxBatchSize).
	MaxBatchSize       int
	MaxBeamWidth       int
	VocabSize          int
	MaxSeqLen          int
	MaxAttentionWindow int
}

// DomainFromEngineConfig returns the domain of an engine configuration.
func DomainFromEngineConfig(cfg *config.EngineConfig) Domain {
	return Domain{
		MaxBatchSize:       cfg.MaxNumSequences,
		MaxBeamWidth:       cfg.MaxBeamWidth,
		VocabSize:          cfg.Model.VocabSize,
		MaxSeqLen:          cfg.MaxSeqLen,
		MaxAttentionWindow: cfg.MaxAttentionWindow,
	}
}

// Validate returns an ErrInvalidConfig error if any of the maxima is < 1.
func (d Domain) Validate() error {
	if d.MaxBatchSize < 1 || d.MaxBeamWidth < 1 || d.VocabSize < 1 || d.MaxSeqLen < 1 || d.MaxAttentionWindow < 1 {
		return errors.Wrapf(config.ErrInvalidConfig, "beam search domain values must all be >= 1, got %+v", d)
	}
	return nil
}

// Layer is the beam search layer. It is driven by a single goroutine: Setup, ResetSlots, Forward and
// GatherSlot must not be called concurrently.
type Layer struct {
	domain Domain
	pool   *workerspool.Pool

	// Per-slot search parameters, [MaxBatchSize], filled by Setup.
	DiversityRateDevice, DiversityRateHost *tensors.Tensor // float32
	LengthPenaltyDevice, LengthPenaltyHost *tensors.Tensor // float32
	EarlyStoppingDevice, EarlyStoppingHost *tensors.Tensor // int32

	// OutputIDs and ParentIDs hold the token and parent beam of each beam at each position,
	// int32 [MaxBatchSize, MaxBeamWidth, MaxSeqLen].
	OutputIDs, ParentIDs *tensors.Tensor

	// beamWidth of each slot, and position of its last generated token (-1 if none).
	beamWidth []int
	lastPos   []int
}

// New creates a beam search layer, allocating its per-slot tensors with alloc.
func New(domain Domain, alloc tensors.Allocator) (*Layer, error) {
	if err := domain.Validate(); err != nil {
		return nil, err
	}
	l := &Layer{
		domain:    domain,
		pool:      workerspool.New(),
		beamWidth: make([]int, domain.MaxBatchSize),
		lastPos:   make([]int, domain.MaxBatchSize),
	}
	var owned []*tensors.Tensor
	allocate := func(residency tensors.Residency, dtype dtypes.DType, dims ...int) (*tensors.Tensor, error) {
		t, err := alloc.Allocate(shapes.Make(dtype, dims...), residency)
		if err == nil {
			owned = append(owned, t)
		}
		return t, err
	}
	n := domain.MaxBatchSize
	var err error
	for _, spec := range []struct {
		dst       **tensors.Tensor
		residency tensors.Residency
		dtype     dtypes.DType
		dims      []int
	}{
		{&l.DiversityRateDevice, tensors.Device, dtypes.Float32, []int{n}},
		{&l.DiversityRateHost, tensors.PinnedHost, dtypes.Float32, []int{n}},
		{&l.LengthPenaltyDevice, tensors.Device, dtypes.Float32, []int{n}},
		{&l.LengthPenaltyHost, tensors.PinnedHost, dtypes.Float32, []int{n}},
		{&l.EarlyStoppingDevice, tensors.Device, dtypes.Int32, []int{n}},
		{&l.EarlyStoppingHost, tensors.PinnedHost, dtypes.Int32, []int{n}},
		{&l.OutputIDs, tensors.Device, dtypes.Int32, []int{n, domain.MaxBeamWidth, domain.MaxSeqLen}},
		{&l.ParentIDs, tensors.Device, dtypes.Int32, []int{n, domain.MaxBeamWidth, domain.MaxSeqLen}},
	} {
		if *spec.dst, err = allocate(spec.residency, spec.dtype, spec.dims...); err != nil {
			for _, t := range owned {
				t.Release()
			}
			return nil, errors.WithMessage(err, "allocating beam search layer")
		}
	}
	for slot := range n {
		l.beamWidth[slot] = 1
		l.lastPos[slot] = -1
	}
	klog.V(1).Infof("beam search layer for %+v: workspace of %d bytes", domain, l.WorkspaceSize())
	return l, nil
}

// Domain returns the maxima the layer was created with.
func (l *Layer) Domain() Domain { return l.domain }

// SetParallelism sets the number of slots processed in parallel by Forward. 0 processes them inline.
func (l *Layer) SetParallelism(parallelism int) {
	l.pool = workerspool.NewWithParallelism(parallelism)
}

// Release frees the layer tensors. It is idempotent.
func (l *Layer) Release() {
	for _, t := range []**tensors.Tensor{&l.DiversityRateDevice, &l.DiversityRateHost, &l.LengthPenaltyDevice,
		&l.LengthPenaltyHost, &l.EarlyStoppingDevice, &l.EarlyStoppingHost, &l.OutputIDs, &l.ParentIDs} {
		(*t).Release()
		*t = nil
	}
}

// SlotScope returns the scope of the setup parameters of a slot.
func SlotScope(slot int) string {
	return scoped.Join(scoped.RootScope, "slot", strconv.Itoa(slot))
}

// Setup configures the first batchSize slots of batchSlots for a search with beamWidth beams: their
// diversity rate, length penalty and early stopping are read from params (nil uses the defaults), written
// to the host tensors and then copied to the device ones.
func (l *Layer) Setup(batchSize, beamWidth int, batchSlots []int32, params *scoped.Params) error {
	if batchSize < 1 || batchSize > l.domain.MaxBatchSize || batchSize > len(batchSlots) {
		return errors.Wrapf(config.ErrInvalidConfig, "beam search setup: batch size %d must be in [1, %d] and <= %d batch slots",
			batchSize, l.domain.MaxBatchSize, len(batchSlots))
	}
	if beamWidth < 1 || beamWidth > l.domain.MaxBeamWidth {
		return errors.Wrapf(config.ErrInvalidConfig, "beam search setup: beam width %d must be in [1, %d]", beamWidth, l.domain.MaxBeamWidth)
	}
	if params == nil {
		params = scoped.New()
	}
	slots := batchSlots[:batchSize]
	diversity := make([]float32, batchSize)
	lengthPenalty := make([]float32, batchSize)
	earlyStopping := make([]int32, batchSize)
	for i, slot := range slots {
		if err := l.checkSlot(slot); err != nil {
			return err
		}
		scope := SlotScope(int(slot))
		var err error
		if diversity[i], err = scoped.GetAs(params, scope, ParamDiversityRate, DefaultDiversityRate); err != nil {
			return errors.Wrap(config.ErrInvalidConfig, err.Error())
		}
		if lengthPenalty[i], err = scoped.GetAs(params, scope, ParamLengthPenalty, DefaultLengthPenalty); err != nil {
			return errors.Wrap(config.ErrInvalidConfig, err.Error())
		}
		if earlyStopping[i], err = scoped.GetAs(params, scope, ParamEarlyStopping, DefaultEarlyStopping); err != nil {
			return errors.Wrap(config.ErrInvalidConfig, err.Error())
		}
	}
	err := scatter(l.DiversityRateHost, l.DiversityRateDevice, slots, diversity)
	if err == nil {
		err = scatter(l.LengthPenaltyHost, l.LengthPenaltyDevice, slots, lengthPenalty)
	}
	if err == nil {
		err = scatter(l.EarlyStoppingHost, l.EarlyStoppingDevice, slots, earlyStopping)
	}
	if err != nil {
		return errors.WithMessage(err, "beam search setup")
	}
	for _, slot := range slots {
		l.beamWidth[slot] = beamWidth
	}
	klog.V(2).Infof("beam search setup of slots %v with beam width %d", slots, beamWidth)
	return nil
}

// scatter writes values[i] at host[slots[i]], and copies host to device.
func scatter[T dtypes.Supported](host, device *tensors.Tensor, slots []int32, values []T) error {
	err := tensors.MutableFlatData(host, func(flat []T) {
		for i, slot := range slots {
			flat[slot] = values[i]
		}
	})
	if err != nil {
		return err
	}
	return device.CopyFrom(host)
}

func (l *Layer) checkSlot(slot int32) error {
	if slot < 0 || int(slot) >= l.domain.MaxBatchSize {
		return errors.Wrapf(config.ErrInvalidConfig, "batch slot %d out of range [0, %d)", slot, l.domain.MaxBatchSize)
	}
	return nil
}

// BeamWidth returns the beam width a slot was set up with.
func (l *Layer) BeamWidth(slot int) int { return l.beamWidth[slot] }
