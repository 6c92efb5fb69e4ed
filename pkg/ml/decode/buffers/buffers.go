// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package buffers holds the pre-allocated tensors a decoder reads and writes at each generation step.
//
// Everything is sized once from configured maxima (Sizes, ModelConfig), and allocated through a
// tensors.Allocator. Fields that a configuration doesn't need are left nil ("absent"); transfers and
// reports skip them.
//
//   - DecoderInputBuffers: batch slot indices and input ids fed to the decoder.
//   - DecoderBuffers: the per-step decoder outputs, with host mirrors used by the transfer protocols.
//   - DraftBuffers: speculative decoding draft state, present only for modes that need it.
//   - ModeBuffers: the one mode-specific sub-buffer (explicit draft tokens, lookahead or Eagle).
//   - SlotDecoderBuffers: the final outputs of one request slot.
package buffers

import (
	"fmt"

	"github.com/gomlx/decodesync/pkg/core/dtypes"
	"github.com/gomlx/decodesync/pkg/core/shapes"
	"github.com/gomlx/decodesync/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Field is a named tensor of a buffer set, used for reports and bulk release.
type Field struct {
	Name   string
	Tensor *tensors.Tensor
}

// appendField appends the tensor if it is present.
func appendField(fields []Field, name string, t *tensors.Tensor) []Field {
	if t == nil {
		return fields
	}
	return append(fields, Field{Name: name, Tensor: t})
}

// Footprint returns the allocated bytes of the fields, per residency.
func Footprint(fields []Field) map[tensors.Residency]uintptr {
	result := make(map[tensors.Residency]uintptr, 2)
	for _, f := range fields {
		if f.Tensor.Ok() {
			result[f.Tensor.Residency()] += f.Tensor.CapacityMemory()
		}
	}
	return result
}

// releaseFields drops one reference of each field.
func releaseFields(fields []Field) {
	for _, f := range fields {
		f.Tensor.Release()
	}
}

// builder allocates a group of tensors, stopping at the first failure.
// On failure, everything allocated so far is released by finish.
type builder struct {
	alloc tensors.Allocator
	owned []*tensors.Tensor
	err   error
}

func newBuilder(alloc tensors.Allocator) *builder {
	return &builder{alloc: alloc}
}

func (b *builder) make(residency tensors.Residency, name string, dtype dtypes.DType, dimensions ...int) *tensors.Tensor {
	if b.err != nil {
		return nil
	}
	shape := shapes.Make(dtype, dimensions...)
	t, err := b.alloc.Allocate(shape, residency)
	if err != nil {
		b.err = errors.WithMessagef(err, "allocating %s %s on %s", name, shape, residency)
		return nil
	}
	b.owned = append(b.owned, t)
	return t
}

func (b *builder) device(name string, dtype dtypes.DType, dimensions ...int) *tensors.Tensor {
	return b.make(tensors.Device, name, dtype, dimensions...)
}

func (b *builder) pinned(name string, dtype dtypes.DType, dimensions ...int) *tensors.Tensor {
	return b.make(tensors.PinnedHost, name, dtype, dimensions...)
}

// finish returns the first allocation error, after releasing every tensor allocated by the builder.
func (b *builder) finish() error {
	if b.err == nil {
		return nil
	}
	for _, t := range b.owned {
		t.Release()
	}
	b.owned = nil
	return b.err
}

// rebind replaces the tensor held at *slot by t, retaining t and releasing the previous binding.
func rebind(slot **tensors.Tensor, t *tensors.Tensor) {
	if t != nil {
		t.Retain()
	}
	(*slot).Release()
	*slot = t
}

func indexedName(name string, indices ...int) string {
	for _, idx := range indices {
		name += fmt.Sprintf("[%d]", idx)
	}
	return name
}
