// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"github.com/gomlx/decodesync/pkg/core/dtypes"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// lockedFlat returns the flat data of the current shape, as a []T. It must be called with the tensor locked.
func lockedFlat[T dtypes.Supported](t *Tensor) ([]T, error) {
	if err := t.lockedCheckValid(); err != nil {
		return nil, err
	}
	if t.shape.DType != dtypes.FromGenericsType[T]() {
		var v T
		return nil, errors.Errorf("flat data of type %T is incompatible with Tensor's dtype %s -- expected dtype %s",
			v, t.shape.DType, dtypes.FromGenericsType[T]())
	}
	return t.flat.([]T)[:t.shape.Size()], nil
}

// ConstFlatData calls accessFn with the flattened data of the current shape as a slice of T.
// It locks the Tensor until accessFn returns.
//
// This provides accessFn with the actual Tensor data (not a copy), and it should not be changed.
// It returns an error if T doesn't match the tensor dtype, or if the tensor was released.
func ConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) error {
	return MutableFlatData(t, accessFn)
}

// MutableFlatData calls accessFn with a flat slice pointing to the Tensor data.
// The contents of the slice itself can be changed until accessFn returns.
// During this time the Tensor is locked.
func MutableFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) error {
	if t == nil {
		return errors.New("Tensor is nil")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	flat, err := lockedFlat[T](t)
	if err != nil {
		return err
	}
	accessFn(flat)
	return nil
}

// MustMutableFlatData is like MutableFlatData, but panics on error.
func MustMutableFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	if err := MutableFlatData(t, accessFn); err != nil {
		exceptions.Panicf("MustMutableFlatData: %+v", err)
	}
}

// MustConstFlatData is like ConstFlatData, but panics on error.
func MustConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	if err := ConstFlatData(t, accessFn); err != nil {
		exceptions.Panicf("MustConstFlatData: %+v", err)
	}
}

// CopyFlatData returns a copy of the flat data of the current shape.
func CopyFlatData[T dtypes.Supported](t *Tensor) ([]T, error) {
	var result []T
	err := ConstFlatData(t, func(flat []T) {
		result = make([]T, len(flat))
		copy(result, flat)
	})
	return result, err
}

// MustCopyFlatData is like CopyFlatData, but panics on error.
func MustCopyFlatData[T dtypes.Supported](t *Tensor) []T {
	result, err := CopyFlatData[T](t)
	if err != nil {
		exceptions.Panicf("MustCopyFlatData: %+v", err)
	}
	return result
}

// AssignFlatData copies fromFlat into the tensor. len(fromFlat) must be equal to the tensor size.
func AssignFlatData[T dtypes.Supported](toTensor *Tensor, fromFlat []T) error {
	var err error
	errAccess := MutableFlatData(toTensor, func(flat []T) {
		if len(flat) != len(fromFlat) {
			err = errors.Errorf("AssignFlatData: tensor has %d elements, got %d values", len(flat), len(fromFlat))
			return
		}
		copy(flat, fromFlat)
	})
	if errAccess != nil {
		return errAccess
	}
	return err
}

// Fill sets every element of the current shape to value.
func Fill[T dtypes.Supported](t *Tensor, value T) error {
	return MutableFlatData(t, func(flat []T) {
		for i := range flat {
			flat[i] = value
		}
	})
}
