// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package buffers

import (
	"sync"

	"github.com/gomlx/decodesync/pkg/core/dtypes"
	"github.com/gomlx/decodesync/pkg/core/tensors"
	"github.com/gomlx/decodesync/pkg/ml/decode/config"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// SlotDecoderBuffers holds the final outputs of one request slot, on device and on pinned host.
type SlotDecoderBuffers struct {
	OutputIDs, OutputIDsHost             *tensors.Tensor // int32 [beam, maxSeqLen]
	SequenceLengths, SequenceLengthsHost *tensors.Tensor // int32 [beam]
	CumLogProbs, CumLogProbsHost         *tensors.Tensor // float32 [beam]
	LogProbs, LogProbsHost               *tensors.Tensor // float32 [beam, maxSeqLen]
	FinishReasonsHost                    *tensors.Tensor // uint8 [beam]

	maxBeamWidth, maxSeqLen int
}

// NewSlotDecoderBuffers allocates the outputs of one slot.
func NewSlotDecoderBuffers(maxBeamWidth, maxSeqLen int, alloc tensors.Allocator) (*SlotDecoderBuffers, error) {
	if maxBeamWidth < 1 || maxSeqLen < 1 {
		return nil, errors.Wrapf(config.ErrInvalidConfig, "slot buffers: maxBeamWidth (%d) and maxSeqLen (%d) must be >= 1",
			maxBeamWidth, maxSeqLen)
	}
	b := newBuilder(alloc)
	s := &SlotDecoderBuffers{maxBeamWidth: maxBeamWidth, maxSeqLen: maxSeqLen}
	s.OutputIDs = b.device("slot.outputIds", dtypes.Int32, maxBeamWidth, maxSeqLen)
	s.OutputIDsHost = b.pinned("slot.outputIdsHost", dtypes.Int32, maxBeamWidth, maxSeqLen)
	s.SequenceLengths = b.device("slot.sequenceLengths", dtypes.Int32, maxBeamWidth)
	s.SequenceLengthsHost = b.pinned("slot.sequenceLengthsHost", dtypes.Int32, maxBeamWidth)
	s.CumLogProbs = b.device("slot.cumLogProbs", dtypes.Float32, maxBeamWidth)
	s.CumLogProbsHost = b.pinned("slot.cumLogProbsHost", dtypes.Float32, maxBeamWidth)
	s.LogProbs = b.device("slot.logProbs", dtypes.Float32, maxBeamWidth, maxSeqLen)
	s.LogProbsHost = b.pinned("slot.logProbsHost", dtypes.Float32, maxBeamWidth, maxSeqLen)
	s.FinishReasonsHost = b.pinned("slot.finishReasonsHost", dtypes.Uint8, maxBeamWidth)
	if err := b.finish(); err != nil {
		return nil, err
	}
	return s, nil
}

// MaxBeamWidth returns the beam width the slot was allocated for.
func (s *SlotDecoderBuffers) MaxBeamWidth() int { return s.maxBeamWidth }

// MaxSeqLen returns the sequence length the slot was allocated for.
func (s *SlotDecoderBuffers) MaxSeqLen() int { return s.maxSeqLen }

// devicePairs returns the (device, host) pairs of the slot.
func (s *SlotDecoderBuffers) devicePairs() [][2]*tensors.Tensor {
	return [][2]*tensors.Tensor{
		{s.OutputIDs, s.OutputIDsHost},
		{s.SequenceLengths, s.SequenceLengthsHost},
		{s.CumLogProbs, s.CumLogProbsHost},
		{s.LogProbs, s.LogProbsHost},
	}
}

// CopyToDevice copies every host mirror to its device tensor.
func (s *SlotDecoderBuffers) CopyToDevice() error {
	for _, pair := range s.devicePairs() {
		if err := pair[0].CopyFrom(pair[1]); err != nil {
			return err
		}
	}
	return nil
}

// CopyToHost copies every device tensor to its host mirror.
func (s *SlotDecoderBuffers) CopyToHost() error {
	for _, pair := range s.devicePairs() {
		if err := pair[1].CopyFrom(pair[0]); err != nil {
			return err
		}
	}
	return nil
}

// Reset zeroes every tensor, to reuse the slot for a new request.
func (s *SlotDecoderBuffers) Reset() error {
	for _, f := range s.Fields() {
		if err := f.Tensor.Zero(); err != nil {
			return err
		}
	}
	return nil
}

// Fields enumerates the present tensors.
func (s *SlotDecoderBuffers) Fields() []Field {
	var fields []Field
	fields = appendField(fields, "slot.outputIds", s.OutputIDs)
	fields = appendField(fields, "slot.outputIdsHost", s.OutputIDsHost)
	fields = appendField(fields, "slot.sequenceLengths", s.SequenceLengths)
	fields = appendField(fields, "slot.sequenceLengthsHost", s.SequenceLengthsHost)
	fields = appendField(fields, "slot.cumLogProbs", s.CumLogProbs)
	fields = appendField(fields, "slot.cumLogProbsHost", s.CumLogProbsHost)
	fields = appendField(fields, "slot.logProbs", s.LogProbs)
	fields = appendField(fields, "slot.logProbsHost", s.LogProbsHost)
	fields = appendField(fields, "slot.finishReasonsHost", s.FinishReasonsHost)
	return fields
}

// Release drops every tensor held. It is idempotent.
func (s *SlotDecoderBuffers) Release() {
	releaseFields(s.Fields())
	*s = SlotDecoderBuffers{maxBeamWidth: s.maxBeamWidth, maxSeqLen: s.maxSeqLen}
}

// SlotPool recycles SlotDecoderBuffers across requests: a slot index is acquired when a request
// starts and freed once its outputs were delivered.
//
// It is safe for concurrent use.
type SlotPool struct {
	maxBeamWidth, maxSeqLen int
	alloc                   tensors.Allocator

	mu     sync.Mutex
	free   []*SlotDecoderBuffers
	active map[int]*SlotDecoderBuffers
}

// NewSlotPool creates an empty pool: buffers are allocated on demand.
func NewSlotPool(maxBeamWidth, maxSeqLen int, alloc tensors.Allocator) *SlotPool {
	return &SlotPool{
		maxBeamWidth: maxBeamWidth,
		maxSeqLen:    maxSeqLen,
		alloc:        alloc,
		active:       make(map[int]*SlotDecoderBuffers),
	}
}

// Acquire returns zeroed buffers for the slot, reusing freed ones if available.
func (p *SlotPool) Acquire(slot int) (*SlotDecoderBuffers, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, found := p.active[slot]; found {
		return nil, errors.Errorf("slot %d already acquired", slot)
	}
	var s *SlotDecoderBuffers
	if n := len(p.free); n > 0 {
		s = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		var err error
		s, err = NewSlotDecoderBuffers(p.maxBeamWidth, p.maxSeqLen, p.alloc)
		if err != nil {
			return nil, errors.WithMessagef(err, "acquiring slot %d", slot)
		}
		klog.V(2).Infof("slot pool: allocated buffers for slot %d", slot)
	}
	p.active[slot] = s
	return s, nil
}

// Get returns the buffers of an acquired slot.
func (p *SlotPool) Get(slot int) (*SlotDecoderBuffers, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, found := p.active[slot]
	return s, found
}

// Free returns the slot buffers to the pool, zeroed.
func (p *SlotPool) Free(slot int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, found := p.active[slot]
	if !found {
		return errors.Errorf("slot %d is not acquired", slot)
	}
	delete(p.active, slot)
	if err := s.Reset(); err != nil {
		s.Release()
		return err
	}
	p.free = append(p.free, s)
	return nil
}

// NumActive returns the number of acquired slots.
func (p *SlotPool) NumActive() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// Release drops every buffer, active or free.
func (p *SlotPool) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.free {
		s.Release()
	}
	for _, s := range p.active {
		s.Release()
	}
	p.free = nil
	p.active = make(map[int]*SlotDecoderBuffers)
}
