// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package transfer moves decoder outputs between pipeline-parallel ranks.
//
// Two protocols are defined, each one a static table of fields with a fixed tag and an inclusion
// predicate:
//
//   - The step protocol transfers the outputs of a decoder step (buffers.DecoderBuffers), from the last
//     pipeline stage, where they are computed, to the rank that assembles the outputs.
//   - The slot protocol transfers the final outputs of one request (buffers.SlotDecoderBuffers).
//
// The sending, receiving and broadcasting sides evaluate the same predicates, so given the same flags
// they agree on the set of fields and their order. Sends are asynchronous: NewStepSend and NewSlotSend
// issue every transfer and return a handle whose Close joins them. Receives and broadcasts block.
//
// Transfers are not retried nor cancelled: a transport failure is returned by Close (or by the
// blocking call), with the field that failed.
package transfer

import (
	"github.com/gomlx/decodesync/pkg/core/distributed"
	"github.com/gomlx/decodesync/pkg/core/tensors"
	"github.com/gomlx/decodesync/pkg/ml/decode/buffers"
	"github.com/gomlx/decodesync/pkg/ml/decode/config"
)

// StepFlags select the optional fields of the step protocol.
type StepFlags struct {
	// ReturnLogProbs includes cumulative and per-token log probabilities.
	ReturnLogProbs bool

	// MaxBeamWidth > 1 includes the cache indirection output.
	MaxBeamWidth int

	// UseMedusa includes the accepted draft lengths and paths.
	UseMedusa bool
}

// StepFlagsFor returns the flags matching an engine configuration.
func StepFlagsFor(cfg *config.EngineConfig) StepFlags {
	return StepFlags{
		ReturnLogProbs: cfg.ReturnLogProbs,
		MaxBeamWidth:   cfg.MaxBeamWidth,
		UseMedusa:      cfg.Model.SpeculativeMode.IsMedusa(),
	}
}

func returnLogProbs(f StepFlags) bool { return f.ReturnLogProbs }
func beamSearch(f StepFlags) bool     { return f.MaxBeamWidth > 1 }
func useMedusa(f StepFlags) bool      { return f.UseMedusa }

func draftField(get func(d *buffers.DraftBuffers) *tensors.Tensor) func(b *buffers.DecoderBuffers) *tensors.Tensor {
	return func(b *buffers.DecoderBuffers) *tensors.Tensor {
		if b.Draft == nil {
			return nil
		}
		return get(b.Draft)
	}
}

var stepProtocol = &protocol[*buffers.DecoderBuffers, StepFlags]{
	name:        "step",
	description: "DecoderBuffers",
	tags:        StepTags,
	manifestTag: ManifestTags.Tag(0),
	fields: []field[*buffers.DecoderBuffers, StepFlags]{
		{"newOutputTokens", always[StepFlags], func(b *buffers.DecoderBuffers) *tensors.Tensor { return b.NewOutputTokensHost }},
		{"finishedSum", always[StepFlags], func(b *buffers.DecoderBuffers) *tensors.Tensor { return b.FinishedSumHost }},
		{"sequenceLengths", always[StepFlags], func(b *buffers.DecoderBuffers) *tensors.Tensor { return b.SequenceLengthsHost }},
		{"cumLogProbs", returnLogProbs, func(b *buffers.DecoderBuffers) *tensors.Tensor { return b.CumLogProbsHost }},
		{"logProbs", returnLogProbs, func(b *buffers.DecoderBuffers) *tensors.Tensor { return b.LogProbsHost }},
		{"cacheIndirectionOutput", beamSearch, func(b *buffers.DecoderBuffers) *tensors.Tensor { return b.CacheIndirectionOutput }},
		{"acceptedLengthsCumSum", useMedusa, draftField(func(d *buffers.DraftBuffers) *tensors.Tensor { return d.AcceptedLengthsCumSumDevice })},
		{"acceptedPackedPaths", useMedusa, draftField(func(d *buffers.DraftBuffers) *tensors.Tensor { return d.AcceptedPackedPathsDevice })},
		{"finishReasons", always[StepFlags], func(b *buffers.DecoderBuffers) *tensors.Tensor { return b.FinishReasonsHost }},
	},
}

// StepSend is the handle of the asynchronous send of a decoder step outputs.
//
// The buffers must not be modified until Close returns. Every handle must be closed: one garbage
// collected without Close is reported as leaked.
type StepSend struct {
	handle sendHandle
}

// NewStepSend issues one send per field of bufs included by flags, to peer, and returns without waiting.
//
// If an issue call fails, the sends already issued are joined, and the error is returned.
func NewStepSend(bufs *buffers.DecoderBuffers, flags StepFlags, comm distributed.Communicator, peer int, opts ...Option) (*StepSend, error) {
	pending, err := stepProtocol.issueSends(bufs, flags, comm, peer, makeOptions(opts))
	if err != nil {
		return nil, err
	}
	s := &StepSend{handle: sendHandle{pending: pending, peer: peer}}
	watchLeaks(s, &s.handle)
	return s, nil
}

// Close waits for every issued send to complete, and returns the first failure.
// It is idempotent: later calls return the same result without waiting again.
func (s *StepSend) Close() error {
	return s.handle.close()
}

// RecvStep receives, from peer, the fields of bufs included by flags. It blocks until all are received.
func RecvStep(bufs *buffers.DecoderBuffers, flags StepFlags, comm distributed.Communicator, peer int, opts ...Option) error {
	return stepProtocol.receive(bufs, flags, comm, peer, makeOptions(opts))
}

// BcastStep broadcasts the fields of bufs included by flags from root to every rank of comm's group,
// and waits for completion. The root is the source; on the other ranks bufs are overwritten.
func BcastStep(bufs *buffers.DecoderBuffers, flags StepFlags, comm distributed.Communicator, root int, opts ...Option) error {
	return stepProtocol.broadcast(bufs, flags, comm, root, makeOptions(opts))
}
