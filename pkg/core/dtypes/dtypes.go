// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dtypes includes the DType enum for the element types held by decoder buffers, with the
// converters needed to allocate and address host memory: Go type, element size and name parsing.
package dtypes

import (
	"maps"
	"reflect"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

func init() {
	// Lower-case aliases, so configuration files can say "f16" or "float32".
	for _, key := range slices.Collect(maps.Keys(MapOfNames)) {
		lower := strings.ToLower(key)
		if _, found := MapOfNames[lower]; !found {
			MapOfNames[lower] = MapOfNames[key]
		}
	}
}

// Supported lists the Go types that have a DType counterpart.
type Supported interface {
	bool | int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 | float16.Float16 | float32 | float64
}

func typeOf[T Supported]() reflect.Type {
	return reflect.TypeFor[T]()
}

// goTypes is indexed by DType; InvalidDType maps to nil.
var goTypes = [...]reflect.Type{
	InvalidDType: nil,
	Bool:         typeOf[bool](),
	Int8:         typeOf[int8](),
	Int16:        typeOf[int16](),
	Int32:        typeOf[int32](),
	Int64:        typeOf[int64](),
	Uint8:        typeOf[uint8](),
	Uint16:       typeOf[uint16](),
	Uint32:       typeOf[uint32](),
	Uint64:       typeOf[uint64](),
	Float16:      typeOf[float16.Float16](),
	Float32:      typeOf[float32](),
	Float64:      typeOf[float64](),
}

// FromGenericsType returns the DType of T.
func FromGenericsType[T Supported]() DType {
	want := typeOf[T]()
	for dtype, goType := range goTypes {
		if goType == want {
			return DType(dtype)
		}
	}
	return InvalidDType
}

// FromName parses a dtype name (case-insensitive, aliases such as "f16" accepted).
func FromName(name string) (DType, error) {
	if dtype, found := MapOfNames[name]; found {
		return dtype, nil
	}
	if dtype, found := MapOfNames[strings.ToLower(name)]; found {
		return dtype, nil
	}
	return InvalidDType, errors.Errorf("unknown dtype %q", name)
}

// GoType returns the Go type holding one element of dtype, or nil if dtype is not valid.
func (dtype DType) GoType() reflect.Type {
	if dtype < 0 || int(dtype) >= len(goTypes) {
		return nil
	}
	return goTypes[dtype]
}

// Size returns the number of bytes of one element, or 0 for invalid dtypes.
func (dtype DType) Size() int {
	if goType := dtype.GoType(); goType != nil {
		return int(goType.Size())
	}
	return 0
}

// Memory is Size as an uintptr.
func (dtype DType) Memory() uintptr {
	return uintptr(dtype.Size())
}

// SizeForDimensions returns the bytes needed by an array of dtype with the given dimensions.
func (dtype DType) SizeForDimensions(dimensions ...int) int {
	size := dtype.Size()
	for _, dim := range dimensions {
		size *= dim
	}
	return size
}

// IsValid returns whether dtype is one of the known types.
func (dtype DType) IsValid() bool {
	return dtype.GoType() != nil
}

// IsFloat returns whether dtype is a supported float.
func (dtype DType) IsFloat() bool {
	switch dtype {
	case Float16, Float32, Float64:
		return true
	}
	return false
}

// MarshalText implements encoding.TextMarshaler, so dtypes can be used in configuration files.
func (dtype DType) MarshalText() ([]byte, error) {
	return []byte(dtype.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (dtype *DType) UnmarshalText(text []byte) error {
	parsed, err := FromName(string(text))
	if err != nil {
		return err
	}
	*dtype = parsed
	return nil
}
