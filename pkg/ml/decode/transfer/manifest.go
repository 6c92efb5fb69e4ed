// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"math/bits"

	"github.com/cespare/xxhash/v2"
	"github.com/gomlx/decodesync/pkg/core/tensors"
	"github.com/pkg/errors"
)

// ErrProtocolMismatch is returned (wrapped) when a debug manifest disagrees with the receiver's own plan,
// or when a received field doesn't match the sender's checksum.
var ErrProtocolMismatch = errors.New("transfer protocol mismatch")

// manifest describes the fields of one transfer.
//
// Its wire form is a fixed-size int64 tensor [count, bitmask, checksum_0, ..., checksum_{n-1}], with one
// checksum slot per table field (0 for excluded fields), so both sides can size it without agreeing on
// the flags first.
type manifest struct {
	mask      uint64
	checksums []uint64
}

func (m *manifest) count() int { return bits.OnesCount64(m.mask) }

// checksum returns the xxhash64 of the tensor contents.
func checksum(t *tensors.Tensor) (uint64, error) {
	var sum uint64
	err := t.ConstBytes(func(data []byte) {
		sum = xxhash.Sum64(data)
	})
	return sum, err
}

// newManifest describes the bound fields. If withChecksums is false only the mask is filled.
func newManifest(bound []boundField, withChecksums bool) (*manifest, error) {
	m := &manifest{checksums: make([]uint64, len(bound))}
	for i, f := range bound {
		if f.tensor == nil {
			continue
		}
		m.mask |= 1 << i
		if !withChecksums {
			continue
		}
		sum, err := checksum(f.tensor)
		if err != nil {
			return nil, errors.WithMessagef(err, "checksum of %q", f.name)
		}
		m.checksums[i] = sum
	}
	return m, nil
}

// emptyManifestTensor returns a tensor to receive the manifest of a table with numFields entries.
func emptyManifestTensor(numFields int) *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions(tensors.PinnedHost, make([]int64, 2+numFields), 2+numFields)
}

// tensor returns the wire form of the manifest.
func (m *manifest) tensor() *tensors.Tensor {
	flat := make([]int64, 2+len(m.checksums))
	flat[0] = int64(m.count())
	flat[1] = int64(m.mask)
	for i, sum := range m.checksums {
		flat[2+i] = int64(sum)
	}
	return tensors.FromFlatDataAndDimensions(tensors.PinnedHost, flat, len(flat))
}

// parseManifest reads the wire form of a manifest of numFields entries.
func parseManifest(t *tensors.Tensor, numFields int) (*manifest, error) {
	flat, err := tensors.CopyFlatData[int64](t)
	if err != nil {
		return nil, err
	}
	if len(flat) != 2+numFields {
		return nil, errors.Wrapf(ErrProtocolMismatch, "manifest has %d entries, expected %d", len(flat), 2+numFields)
	}
	m := &manifest{mask: uint64(flat[1]), checksums: make([]uint64, numFields)}
	if int64(m.count()) != flat[0] {
		return nil, errors.Wrapf(ErrProtocolMismatch, "corrupted manifest: count %d but bitmask %#x", flat[0], m.mask)
	}
	for i := range numFields {
		m.checksums[i] = uint64(flat[2+i])
	}
	return m, nil
}

// checkPlan verifies that the received manifest m includes exactly the fields of the local plan.
func (m *manifest) checkPlan(protocol string, bound []boundField) error {
	local, _ := newManifest(bound, false)
	if m.mask == local.mask {
		return nil
	}
	var sent, expected []string
	for i, f := range bound {
		if m.mask&(1<<i) != 0 {
			sent = append(sent, f.name)
		}
		if local.mask&(1<<i) != 0 {
			expected = append(expected, f.name)
		}
	}
	return errors.Wrapf(ErrProtocolMismatch, "%s protocol: peer sends %d fields %v, this rank expects %d fields %v",
		protocol, m.count(), sent, local.count(), expected)
}

// checkReceived verifies the checksums of the received fields.
func (m *manifest) checkReceived(protocol string, bound []boundField) error {
	for i, f := range bound {
		if f.tensor == nil {
			continue
		}
		sum, err := checksum(f.tensor)
		if err != nil {
			return errors.WithMessagef(err, "checksum of %q", f.name)
		}
		if sum != m.checksums[i] {
			return errors.Wrapf(ErrProtocolMismatch, "%s protocol: field %q (tag %d) checksum %#x doesn't match sender's %#x",
				protocol, f.name, f.tag, sum, m.checksums[i])
		}
	}
	return nil
}
