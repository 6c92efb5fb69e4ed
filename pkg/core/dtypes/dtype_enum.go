// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dtypes

// This file is maintained by hand, there is no generator: a new DType needs an entry in dtypeNames,
// MapOfNames and goTypes (dtypes.go), checked by TestEnumTables.

import "strconv"

// DType is an enum of the element types carried by decoder buffers.
//
// The numeric values follow the PJRT element type numbering, so they can be exchanged with
// accelerator runtimes without translation.
type DType int32

const (
	// InvalidDType represents an invalid (or not set) data type.
	InvalidDType DType = 0

	// Bool is stored as one byte per element.
	Bool DType = 1

	Int8  DType = 2
	Int16 DType = 3
	Int32 DType = 4
	Int64 DType = 5

	Uint8  DType = 6
	Uint16 DType = 7
	Uint32 DType = 8
	Uint64 DType = 9

	// Float16 is the IEEE 754 half-precision type, used for logits on most accelerators.
	Float16 DType = 10
	Float32 DType = 11
	Float64 DType = 12
)

var dtypeNames = map[DType]string{
	InvalidDType: "InvalidDType",
	Bool:         "Bool",
	Int8:         "Int8",
	Int16:        "Int16",
	Int32:        "Int32",
	Int64:        "Int64",
	Uint8:        "Uint8",
	Uint16:       "Uint16",
	Uint32:       "Uint32",
	Uint64:       "Uint64",
	Float16:      "Float16",
	Float32:      "Float32",
	Float64:      "Float64",
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if name, found := dtypeNames[dtype]; found {
		return name
	}
	return "DType(" + strconv.Itoa(int(dtype)) + ")"
}

// MapOfNames to their dtypes. It includes also aliases to the various dtypes.
// Lower-case versions of every key are added at initialization.
var MapOfNames = map[string]DType{
	"InvalidDType": InvalidDType,
	"Bool":         Bool,
	"Int8":         Int8,
	"Int16":        Int16,
	"Int32":        Int32,
	"Int64":        Int64,
	"Uint8":        Uint8,
	"Uint16":       Uint16,
	"Uint32":       Uint32,
	"Uint64":       Uint64,
	"Float16":      Float16,
	"Float32":      Float32,
	"Float64":      Float64,

	"F16": Float16,
	"F32": Float32,
	"F64": Float64,
	"S8":  Int8,
	"S32": Int32,
	"S64": Int64,
	"U8":  Uint8,
	"U32": Uint32,
}
