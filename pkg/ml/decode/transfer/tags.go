// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"fmt"

	"github.com/gomlx/decodesync/pkg/support/sets"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// TagRange is a contiguous range of transport tags [Offset, Offset+Count) owned by one protocol.
type TagRange struct {
	Name   string
	Offset int
	Count  int
}

// End returns the first tag after the range.
func (r TagRange) End() int { return r.Offset + r.Count }

// Tag returns the tag of the i-th field of the range.
func (r TagRange) Tag(i int) int {
	if i < 0 || i >= r.Count {
		exceptions.Panicf("tag index %d out of range for %s", i, r)
	}
	return r.Offset + i
}

// String implements fmt.Stringer.
func (r TagRange) String() string {
	return fmt.Sprintf("%s tags [%d, %d)", r.Name, r.Offset, r.End())
}

var (
	// StepTags are used by the decoder step protocol, one per DecoderBuffers field.
	StepTags = TagRange{Name: "step", Offset: 0, Count: 9}

	// SlotTags are used by the slot protocol, one per SlotDecoderBuffers field.
	// They start at the upper bound of StepTags.
	SlotTags = TagRange{Name: "slot", Offset: 9, Count: 4}

	// ManifestTags carry the optional debug manifests: the first one for the step protocol, the second
	// for the slot protocol.
	ManifestTags = TagRange{Name: "manifest", Offset: 13, Count: 2}
)

// ValidateTagRanges returns an error if any two ranges overlap, or if a range is empty or negative.
func ValidateTagRanges(ranges ...TagRange) error {
	used := sets.Make[int]()
	owner := make(map[int]TagRange)
	for _, r := range ranges {
		if r.Offset < 0 || r.Count < 1 {
			return errors.Errorf("invalid %s", r)
		}
		for tag := r.Offset; tag < r.End(); tag++ {
			if used.Has(tag) {
				return errors.Errorf("%s overlaps %s at tag %d", r, owner[tag], tag)
			}
			used.Insert(tag)
			owner[tag] = r
		}
	}
	return nil
}

func init() {
	if err := ValidateTagRanges(StepTags, SlotTags, ManifestTags); err != nil {
		exceptions.Panicf("transfer: %v", err)
	}
	if SlotTags.Offset < StepTags.End() {
		exceptions.Panicf("transfer: %s must start at or above the end of %s", SlotTags, StepTags)
	}
	if len(stepProtocol.fields) != StepTags.Count || len(slotProtocol.fields) != SlotTags.Count {
		exceptions.Panicf("transfer: field tables (%d step, %d slot) don't match %s and %s",
			len(stepProtocol.fields), len(slotProtocol.fields), StepTags, SlotTags)
	}
}
