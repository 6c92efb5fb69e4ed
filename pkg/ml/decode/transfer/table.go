// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"github.com/gomlx/decodesync/pkg/core/tensors"
	"github.com/gomlx/decodesync/pkg/ml/decode/config"
	"github.com/pkg/errors"
)

// field of a protocol: its position in the table defines its tag.
type field[B, F any] struct {
	name    string
	include func(flags F) bool
	tensor  func(bufs B) *tensors.Tensor
}

// protocol is a static, ordered table of fields, shared by the sending, receiving and broadcasting sides.
// Using the same table (and the same flags) on every side is what keeps them matched.
type protocol[B, F any] struct {
	name        string // Metric label.
	description string // Log description of what is transferred.
	tags        TagRange
	manifestTag int
	fields      []field[B, F]
}

// boundField is a field resolved against a buffer set: tensor is nil if the field is excluded by the flags.
type boundField struct {
	name   string
	tag    int
	tensor *tensors.Tensor
}

func always[F any](F) bool { return true }

// plan resolves the fields for the given buffers and flags, in tag order.
//
// An included field whose tensor is missing (or released) is a configuration error: the buffers were not
// built for these flags.
func (p *protocol[B, F]) plan(bufs B, flags F) ([]boundField, error) {
	bound := make([]boundField, len(p.fields))
	for i, f := range p.fields {
		bound[i] = boundField{name: f.name, tag: p.tags.Tag(i)}
		if !f.include(flags) {
			continue
		}
		t := f.tensor(bufs)
		if !t.Ok() {
			return nil, errors.Wrapf(config.ErrInvalidConfig, "%s protocol: field %q (tag %d) is included but its tensor is missing",
				p.name, f.name, bound[i].tag)
		}
		bound[i].tensor = t
	}
	return bound, nil
}

// includedNames returns the names of the included fields, for logging.
func includedNames(bound []boundField) []string {
	names := make([]string, 0, len(bound))
	for _, f := range bound {
		if f.tensor != nil {
			names = append(names, f.name)
		}
	}
	return names
}
