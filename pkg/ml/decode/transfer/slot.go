// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"github.com/gomlx/decodesync/pkg/core/distributed"
	"github.com/gomlx/decodesync/pkg/core/tensors"
	"github.com/gomlx/decodesync/pkg/ml/decode/buffers"
)

// slotTensors are the fields of the slot protocol.
type slotTensors struct {
	outputIDs, sequenceLengths, cumLogProbs, logProbs *tensors.Tensor
}

func slotTensorsOf(slot *buffers.SlotDecoderBuffers) *slotTensors {
	return &slotTensors{
		outputIDs:       slot.OutputIDs,
		sequenceLengths: slot.SequenceLengths,
		cumLogProbs:     slot.CumLogProbs,
		logProbs:        slot.LogProbs,
	}
}

func slotReturnLogProbs(returnLogProbs bool) bool { return returnLogProbs }

var slotProtocol = &protocol[*slotTensors, bool]{
	name:        "slot",
	description: "SlotDecoderBuffers",
	tags:        SlotTags,
	manifestTag: ManifestTags.Tag(1),
	fields: []field[*slotTensors, bool]{
		{"outputIds", always[bool], func(s *slotTensors) *tensors.Tensor { return s.outputIDs }},
		{"sequenceLengths", always[bool], func(s *slotTensors) *tensors.Tensor { return s.sequenceLengths }},
		{"cumLogProbs", slotReturnLogProbs, func(s *slotTensors) *tensors.Tensor { return s.cumLogProbs }},
		{"logProbs", slotReturnLogProbs, func(s *slotTensors) *tensors.Tensor { return s.logProbs }},
	},
}

// SlotSend is the handle of the asynchronous send of the final outputs of one request slot.
// See StepSend for the handle contract.
type SlotSend struct {
	handle sendHandle
}

// NewSlotSend issues the sends of the slot outputs to peer: outputIDs and sequenceLengths always,
// cumLogProbs and logProbs only if returnLogProbs.
func NewSlotSend(outputIDs, sequenceLengths, cumLogProbs, logProbs *tensors.Tensor, returnLogProbs bool,
	comm distributed.Communicator, peer int, opts ...Option) (*SlotSend, error) {
	bufs := &slotTensors{outputIDs: outputIDs, sequenceLengths: sequenceLengths, cumLogProbs: cumLogProbs, logProbs: logProbs}
	pending, err := slotProtocol.issueSends(bufs, returnLogProbs, comm, peer, makeOptions(opts))
	if err != nil {
		return nil, err
	}
	s := &SlotSend{handle: sendHandle{pending: pending, peer: peer}}
	watchLeaks(s, &s.handle)
	return s, nil
}

// NewSlotSendFromBuffers is NewSlotSend with the device tensors of slot.
func NewSlotSendFromBuffers(slot *buffers.SlotDecoderBuffers, returnLogProbs bool, comm distributed.Communicator, peer int,
	opts ...Option) (*SlotSend, error) {
	return NewSlotSend(slot.OutputIDs, slot.SequenceLengths, slot.CumLogProbs, slot.LogProbs, returnLogProbs, comm, peer, opts...)
}

// Close waits for every issued send to complete, and returns the first failure. It is idempotent.
func (s *SlotSend) Close() error {
	return s.handle.close()
}

// RecvSlot receives, from peer, the slot outputs into the device tensors of slot. It blocks until all are received.
func RecvSlot(slot *buffers.SlotDecoderBuffers, returnLogProbs bool, comm distributed.Communicator, peer int, opts ...Option) error {
	return slotProtocol.receive(slotTensorsOf(slot), returnLogProbs, comm, peer, makeOptions(opts))
}
