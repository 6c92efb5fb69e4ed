// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package buffers

import (
	"github.com/gomlx/decodesync/pkg/core/dtypes"
	"github.com/gomlx/decodesync/pkg/core/shapes"
	"github.com/gomlx/decodesync/pkg/core/tensors"
	"github.com/gomlx/decodesync/pkg/ml/decode/config"
	"github.com/pkg/errors"
)

// DecoderInputBuffers holds the batch slot indices and input ids of the decoder.
type DecoderInputBuffers struct {
	alloc tensors.Allocator

	// SetupBatchSlots lists the slots of new requests being set up, pinned [maxBatchSize].
	SetupBatchSlots *tensors.Tensor

	// InputsIDs are the flattened input token ids, pinned. Starts empty, see ReserveInputsIDs.
	InputsIDs *tensors.Tensor

	// ForwardBatchSlotsRequestOrder and its device twin map batch positions to slots, [maxBatchSize].
	ForwardBatchSlotsRequestOrder, ForwardBatchSlotsRequestOrderDevice *tensors.Tensor

	// FillValues and its device twin hold per-slot fill values, [maxBatchSize].
	FillValues, FillValuesDevice *tensors.Tensor

	// ForwardBatchSlots has one pinned [maxBatchSize] tensor per decoder step.
	ForwardBatchSlots []*tensors.Tensor

	maxBatchSize int
}

// NewDecoderInputBuffers allocates the input buffers.
func NewDecoderInputBuffers(maxBatchSize, maxDecoderSteps int, alloc tensors.Allocator) (*DecoderInputBuffers, error) {
	if maxBatchSize < 1 || maxDecoderSteps < 1 {
		return nil, errors.Wrapf(config.ErrInvalidConfig, "decoder inputs: maxBatchSize (%d) and maxDecoderSteps (%d) must be >= 1",
			maxBatchSize, maxDecoderSteps)
	}
	b := newBuilder(alloc)
	in := &DecoderInputBuffers{alloc: alloc, maxBatchSize: maxBatchSize}
	in.SetupBatchSlots = b.pinned("setupBatchSlots", dtypes.Int32, maxBatchSize)
	in.InputsIDs = b.pinned("inputsIds", dtypes.Int32, 0)
	in.ForwardBatchSlotsRequestOrder = b.pinned("forwardBatchSlotsRequestOrder", dtypes.Int32, maxBatchSize)
	in.ForwardBatchSlotsRequestOrderDevice = b.device("forwardBatchSlotsRequestOrderDevice", dtypes.Int32, maxBatchSize)
	in.FillValues = b.pinned("fillValues", dtypes.Int32, maxBatchSize)
	in.FillValuesDevice = b.device("fillValuesDevice", dtypes.Int32, maxBatchSize)
	in.ForwardBatchSlots = make([]*tensors.Tensor, maxDecoderSteps)
	for step := range maxDecoderSteps {
		in.ForwardBatchSlots[step] = b.pinned(indexedName("forwardBatchSlots", step), dtypes.Int32, maxBatchSize)
	}
	if err := b.finish(); err != nil {
		return nil, err
	}
	return in, nil
}

// ReserveInputsIDs sets InputsIDs to hold n elements. The buffer is reshaped in place if the capacity
// is enough, otherwise it is replaced by a larger allocation.
func (in *DecoderInputBuffers) ReserveInputsIDs(n int) error {
	if n < 0 {
		return errors.Errorf("ReserveInputsIDs(%d): negative size", n)
	}
	if n <= in.InputsIDs.Capacity() {
		return in.InputsIDs.Reshape(n)
	}
	grown, err := in.alloc.Allocate(shapes.Make(dtypes.Int32, n), tensors.PinnedHost)
	if err != nil {
		return errors.WithMessagef(err, "growing inputsIds to %d", n)
	}
	in.InputsIDs.Release()
	in.InputsIDs = grown
	return nil
}

// SetForwardBatchSlots writes the slots processed at the given decoder step, padding with -1.
func (in *DecoderInputBuffers) SetForwardBatchSlots(step int, slots []int32) error {
	if step < 0 || step >= len(in.ForwardBatchSlots) {
		return errors.Errorf("decoder step %d out of range [0, %d)", step, len(in.ForwardBatchSlots))
	}
	return fillSlots(in.ForwardBatchSlots[step], slots, in.maxBatchSize)
}

// SetSetupBatchSlots writes the slots of the requests being set up, padding with -1.
func (in *DecoderInputBuffers) SetSetupBatchSlots(slots []int32) error {
	return fillSlots(in.SetupBatchSlots, slots, in.maxBatchSize)
}

func fillSlots(t *tensors.Tensor, slots []int32, maxBatchSize int) error {
	if len(slots) > maxBatchSize {
		return errors.Wrapf(config.ErrInvalidConfig, "%d slots exceed max batch size %d", len(slots), maxBatchSize)
	}
	return tensors.MutableFlatData(t, func(flat []int32) {
		n := copy(flat, slots)
		for i := n; i < len(flat); i++ {
			flat[i] = -1
		}
	})
}

// Fields enumerates the present tensors.
func (in *DecoderInputBuffers) Fields() []Field {
	var fields []Field
	fields = appendField(fields, "inputs.setupBatchSlots", in.SetupBatchSlots)
	fields = appendField(fields, "inputs.inputsIds", in.InputsIDs)
	fields = appendField(fields, "inputs.forwardBatchSlotsRequestOrder", in.ForwardBatchSlotsRequestOrder)
	fields = appendField(fields, "inputs.forwardBatchSlotsRequestOrderDevice", in.ForwardBatchSlotsRequestOrderDevice)
	fields = appendField(fields, "inputs.fillValues", in.FillValues)
	fields = appendField(fields, "inputs.fillValuesDevice", in.FillValuesDevice)
	for step, t := range in.ForwardBatchSlots {
		fields = appendField(fields, indexedName("inputs.forwardBatchSlots", step), t)
	}
	return fields
}

// Release drops every tensor held. The buffers can't be used afterwards.
func (in *DecoderInputBuffers) Release() {
	releaseFields(in.Fields())
	*in = DecoderInputBuffers{}
}
