// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/decodesync/pkg/core/shapes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrResourceExhausted is returned (wrapped) by allocators when a request doesn't fit the configured limit.
var ErrResourceExhausted = errors.New("resource exhausted")

// Allocator creates tensors of a given shape and residency.
//
// Implementations must be safe for concurrent use.
type Allocator interface {
	Allocate(shape shapes.Shape, residency Residency) (*Tensor, error)
}

// MemoryPool is the reference Allocator: it allocates host memory for both residencies and
// enforces optional per-residency byte limits.
type MemoryPool struct {
	nextID atomic.Uint64

	mu     sync.Mutex
	limits [numResidencies]uintptr
	inUse  [numResidencies]uintptr
	peak   [numResidencies]uintptr
	live   int
}

var _ Allocator = (*MemoryPool)(nil)

// PoolOption configures a MemoryPool.
type PoolOption func(p *MemoryPool)

// WithLimit sets the maximum number of bytes in use for the given residency. 0 means unlimited.
func WithLimit(residency Residency, numBytes uintptr) PoolOption {
	return func(p *MemoryPool) {
		p.limits[residency] = numBytes
	}
}

// NewMemoryPool creates a MemoryPool. By default, it has no limits.
func NewMemoryPool(options ...PoolOption) *MemoryPool {
	p := &MemoryPool{}
	for _, option := range options {
		option(p)
	}
	return p
}

// Allocate implements Allocator. The returned tensor is zero-initialized and holds one reference.
func (p *MemoryPool) Allocate(shape shapes.Shape, residency Residency) (*Tensor, error) {
	if residency < 0 || residency >= numResidencies {
		return nil, errors.Errorf("MemoryPool.Allocate(%s): invalid residency %s", shape, residency)
	}
	if !shape.Ok() || !shape.DType.IsValid() {
		return nil, errors.Errorf("MemoryPool.Allocate: invalid shape %s", shape)
	}
	numBytes := shape.Memory()
	p.mu.Lock()
	limit := p.limits[residency]
	if limit > 0 && p.inUse[residency]+numBytes > limit {
		inUse := p.inUse[residency]
		p.mu.Unlock()
		return nil, errors.Wrapf(ErrResourceExhausted, "allocating %s for %s on %s: %s in use, limit %s",
			humanize.Bytes(uint64(numBytes)), shape, residency, humanize.Bytes(uint64(inUse)), humanize.Bytes(uint64(limit)))
	}
	p.inUse[residency] += numBytes
	p.peak[residency] = max(p.peak[residency], p.inUse[residency])
	p.live++
	p.mu.Unlock()

	t := newTensor(p.nextID.Add(1), shape, residency, p)
	if klog.V(3).Enabled() {
		klog.Infof("allocated %s (%s)", t, humanize.Bytes(uint64(numBytes)))
	}
	return t, nil
}

// free implements releaser.
func (p *MemoryPool) free(residency Residency, numBytes uintptr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inUse[residency] -= numBytes
	p.live--
}

// PoolStats is a snapshot of a MemoryPool usage.
type PoolStats struct {
	InUse, Peak, Limit map[Residency]uintptr
	LiveTensors        int
}

// String implements fmt.Stringer.
func (s PoolStats) String() string {
	return fmt.Sprintf("%d live tensors, device %s (peak %s), pinned %s (peak %s)", s.LiveTensors,
		humanize.Bytes(uint64(s.InUse[Device])), humanize.Bytes(uint64(s.Peak[Device])),
		humanize.Bytes(uint64(s.InUse[PinnedHost])), humanize.Bytes(uint64(s.Peak[PinnedHost])))
}

// Stats returns a snapshot of the current usage.
func (p *MemoryPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := PoolStats{
		InUse:       make(map[Residency]uintptr, numResidencies),
		Peak:        make(map[Residency]uintptr, numResidencies),
		Limit:       make(map[Residency]uintptr, numResidencies),
		LiveTensors: p.live,
	}
	for r := Residency(0); r < numResidencies; r++ {
		s.InUse[r] = p.inUse[r]
		s.Peak[r] = p.peak[r]
		s.Limit[r] = p.limits[r]
	}
	return s
}
