// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implement a `Tensor`, a fixed-capacity multidimensional buffer used to hold decoder state.
//
// A Tensor has a shape (a data type and its axes' dimensions), a Residency (Device or PinnedHost) and a
// capacity, fixed at allocation time. The shape can later be changed with Tensor.Reshape, as long as the new
// volume fits the capacity: there is no re-allocation after construction.
//
// Tensors are created by an Allocator (see MemoryPool) or, for small standalone values, with FromShape and
// FromFlatDataAndDimensions. They are reference counted: Allocate returns a tensor with one reference,
// Tensor.Retain adds one, and Tensor.Release drops one, freeing the storage when the last reference is dropped.
//
// The storage of both residencies is host memory in this implementation: Device residency is an
// accounting and API distinction, which keeps the decoder bookkeeping identical to what a runtime with
// real accelerator buffers does.
package tensors

import (
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/gomlx/decodesync/pkg/core/dtypes"
	"github.com/gomlx/decodesync/pkg/core/shapes"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Residency of a Tensor's storage.
type Residency int

const (
	// Device memory, owned by the accelerator.
	Device Residency = iota

	// PinnedHost is page-locked host memory, used as the staging side of device transfers.
	PinnedHost

	numResidencies
)

// String implements fmt.Stringer.
func (r Residency) String() string {
	switch r {
	case Device:
		return "device"
	case PinnedHost:
		return "pinned"
	default:
		return fmt.Sprintf("Residency(%d)", int(r))
	}
}

// releaser is implemented by the allocator owning a tensor's storage.
type releaser interface {
	free(residency Residency, numBytes uintptr)
}

// Tensor is a fixed-capacity buffer of a given dtype, with a reshapeable shape.
//
// It is safe for concurrent use: accessors lock the tensor while the access function runs.
type Tensor struct {
	id        uint64
	residency Residency
	capacity  int

	// mu protects shape and flat.
	mu    sync.Mutex
	shape shapes.Shape
	flat  any // []T, with len(flat) == capacity. nil once finalized.

	refs  atomic.Int32
	owner releaser
}

// newTensor allocates the storage for the given shape, with capacity equal to the shape size.
func newTensor(id uint64, shape shapes.Shape, residency Residency, owner releaser) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("tensors: cannot create a tensor with invalid shape %s", shape)
	}
	capacity := shape.Size()
	t := &Tensor{
		id:        id,
		residency: residency,
		capacity:  capacity,
		shape:     shape.Clone(),
		flat:      reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), capacity, capacity).Interface(),
		owner:     owner,
	}
	t.refs.Store(1)
	return t
}

// FromShape returns a standalone (not pooled) zero-initialized tensor.
func FromShape(residency Residency, shape shapes.Shape) *Tensor {
	return newTensor(0, shape, residency, nil)
}

// FromFlatDataAndDimensions returns a standalone (not pooled) tensor with the given dimensions,
// filled with a copy of data.
//
// It panics if the size of data is wrong for the shape.
func FromFlatDataAndDimensions[T dtypes.Supported](residency Residency, data []T, dimensions ...int) *Tensor {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("FromFlatDataAndDimensions(%s): data size is %d, but dimensions size is %d",
			shape, len(data), shape.Size())
	}
	t := FromShape(residency, shape)
	copy(t.flat.([]T), data)
	return t
}

// ID returns the allocator-assigned identifier. Standalone tensors have ID 0.
func (t *Tensor) ID() uint64 { return t.id }

// Residency returns where the tensor storage lives.
func (t *Tensor) Residency() Residency { return t.residency }

// Capacity returns the number of elements allocated, the upper bound for Reshape.
func (t *Tensor) Capacity() int { return t.capacity }

// Shape returns a copy of the current shape.
func (t *Tensor) Shape() shapes.Shape {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.shape.Clone()
}

// DType returns the DType of the tensor's shape.
func (t *Tensor) DType() dtypes.DType {
	if t == nil {
		return dtypes.InvalidDType
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.shape.DType
}

// Size returns the number of elements in the current shape.
func (t *Tensor) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.shape.Size()
}

// Memory returns the number of bytes of the current shape. See also CapacityMemory.
func (t *Tensor) Memory() uintptr {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.shape.Memory()
}

// CapacityMemory returns the number of bytes allocated for the tensor.
func (t *Tensor) CapacityMemory() uintptr {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.shape.DType.Memory() * uintptr(t.capacity)
}

// Ok returns whether the Tensor is in a valid state: it is not nil, and it hasn't been finalized.
func (t *Tensor) Ok() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flat != nil
}

// CheckValid returns an error if it's nil or if it has been finalized.
func (t *Tensor) CheckValid() error {
	if t == nil {
		return errors.New("Tensor is nil")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lockedCheckValid()
}

func (t *Tensor) lockedCheckValid() error {
	if t.flat == nil {
		return errors.Errorf("Tensor #%d has been finalized", t.id)
	}
	return nil
}

// Reshape changes the dimensions of the tensor, keeping its dtype and storage.
// The new volume must fit within the capacity fixed at allocation.
//
// Element values are kept in flat (row-major) order.
func (t *Tensor) Reshape(dimensions ...int) error {
	for _, dim := range dimensions {
		if dim < 0 {
			return errors.Errorf("Tensor.Reshape(%v): negative dimension", dimensions)
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.lockedCheckValid(); err != nil {
		return err
	}
	newShape := shapes.Make(t.shape.DType, dimensions...)
	if newShape.Size() > t.capacity {
		return errors.Errorf("Tensor.Reshape(%v): volume %d exceeds capacity %d of tensor #%d %s",
			dimensions, newShape.Size(), t.capacity, t.id, t.shape)
	}
	t.shape = newShape
	return nil
}

// Retain adds a reference to the tensor and returns it, for chaining.
func (t *Tensor) Retain() *Tensor {
	if t.refs.Add(1) <= 1 {
		exceptions.Panicf("Tensor.Retain() on released tensor #%d", t.id)
	}
	return t
}

// RefCount returns the current number of references.
func (t *Tensor) RefCount() int {
	return int(t.refs.Load())
}

// Release drops one reference. The storage is freed (and returned to its allocator) when
// the last reference is dropped. It is a no-op on a nil tensor.
func (t *Tensor) Release() {
	if t == nil {
		return
	}
	refs := t.refs.Add(-1)
	if refs > 0 {
		return
	}
	if refs < 0 {
		exceptions.Panicf("Tensor.Release() called more times than references on tensor #%d", t.id)
	}
	t.finalize()
}

// finalize frees the storage and leaves the Tensor in an invalid state.
func (t *Tensor) finalize() {
	t.mu.Lock()
	if t.flat == nil {
		t.mu.Unlock()
		return
	}
	numBytes := t.shape.DType.Memory() * uintptr(t.capacity)
	t.flat = nil
	t.mu.Unlock()
	if t.owner != nil {
		t.owner.free(t.residency, numBytes)
	}
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	if t == nil {
		return "Tensor(nil)"
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.flat == nil {
		return fmt.Sprintf("Tensor#%d(finalized)", t.id)
	}
	return fmt.Sprintf("Tensor#%d%s@%s", t.id, t.shape, t.residency)
}

// ConstBytes calls accessFn with a view of the current shape's data as bytes.
// The tensor is locked until accessFn returns, and the contents must not be changed.
func (t *Tensor) ConstBytes(accessFn func(data []byte)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.lockedCheckValid(); err != nil {
		return err
	}
	accessFn(t.lockedBytes())
	return nil
}

// MutableBytes calls accessFn with a mutable view of the current shape's data as bytes.
// The tensor is locked until accessFn returns.
func (t *Tensor) MutableBytes(accessFn func(data []byte)) error {
	return t.ConstBytes(accessFn)
}

// lockedBytes returns the bytes of the current shape. Zero-sized shapes return an empty slice.
func (t *Tensor) lockedBytes() []byte {
	numBytes := t.shape.Memory()
	if numBytes == 0 {
		return []byte{}
	}
	flatV := reflect.ValueOf(t.flat)
	return unsafe.Slice((*byte)(flatV.UnsafePointer()), numBytes)
}

// CopyFrom copies the contents of src into t. Both must have the same dtype and size;
// dimensions may differ.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if t == src {
		return nil
	}
	if src == nil {
		return errors.New("Tensor.CopyFrom(nil)")
	}
	first, second := t, src
	if second.id < first.id || (second.id == first.id && uintptr(unsafe.Pointer(second)) < uintptr(unsafe.Pointer(first))) {
		first, second = second, first
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()
	if err := t.lockedCheckValid(); err != nil {
		return err
	}
	if err := src.lockedCheckValid(); err != nil {
		return err
	}
	if t.shape.DType != src.shape.DType || t.shape.Size() != src.shape.Size() {
		return errors.Errorf("Tensor.CopyFrom: incompatible shapes %s and source %s", t.shape, src.shape)
	}
	copy(t.lockedBytes(), src.lockedBytes())
	return nil
}

// Zero sets all elements of the current shape to zero.
func (t *Tensor) Zero() error {
	return t.MutableBytes(func(data []byte) {
		clear(data)
	})
}

// SetBytes overwrites the tensor contents with data, which must have exactly Memory() bytes.
func (t *Tensor) SetBytes(data []byte) error {
	var err error
	errAccess := t.MutableBytes(func(dst []byte) {
		if len(dst) != len(data) {
			err = errors.Errorf("Tensor.SetBytes: got %d bytes, tensor %s holds %d bytes", len(data), t.shape, len(dst))
			return
		}
		copy(dst, data)
	})
	if errAccess != nil {
		return errAccess
	}
	return err
}
