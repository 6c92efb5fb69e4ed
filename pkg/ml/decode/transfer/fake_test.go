// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"sync"
	"sync/atomic"

	"github.com/gomlx/decodesync/pkg/core/distributed"
	"github.com/gomlx/decodesync/pkg/core/dtypes"
	"github.com/gomlx/decodesync/pkg/core/shapes"
	"github.com/gomlx/decodesync/pkg/core/tensors"
	"github.com/gomlx/decodesync/pkg/ml/decode/buffers"
	"github.com/pkg/errors"
)

var errFake = errors.New("fake transport failure")

// call is one operation recorded by recordingComm.
type call struct {
	op   string // "send", "recv" or "bcast".
	peer int
	tag  int // -1 for broadcasts.
	dims []int
}

type fakeRequest struct {
	waits atomic.Int32
	err   error
}

func (r *fakeRequest) Wait() error {
	r.waits.Add(1)
	return r.err
}

// recordingComm records every operation, and completes requests immediately.
type recordingComm struct {
	rank, size int

	mu       sync.Mutex
	calls    []call
	requests []*fakeRequest

	// failIssue makes the n-th (1-based) SendAsync or BcastAsync call fail. 0 disables it.
	failIssue int
	// waitErrs are returned by Wait of the requests with the given tag.
	waitErrs map[int]error
	// recvErrs are returned by Recv of the given tag.
	recvErrs map[int]error

	numIssued int
}

var _ distributed.Communicator = (*recordingComm)(nil)

func newRecordingComm(rank, size int) *recordingComm {
	return &recordingComm{rank: rank, size: size, waitErrs: map[int]error{}, recvErrs: map[int]error{}}
}

func (c *recordingComm) Rank() int { return c.rank }
func (c *recordingComm) Size() int { return c.size }

func (c *recordingComm) issue(op string, t *tensors.Tensor, peer, tag int) (distributed.Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.numIssued++
	if c.failIssue == c.numIssued {
		return nil, errors.Wrapf(errFake, "issuing %s on tag %d", op, tag)
	}
	c.calls = append(c.calls, call{op: op, peer: peer, tag: tag, dims: t.Shape().Dimensions})
	r := &fakeRequest{err: c.waitErrs[tag]}
	c.requests = append(c.requests, r)
	return r, nil
}

func (c *recordingComm) SendAsync(t *tensors.Tensor, peer, tag int) (distributed.Request, error) {
	return c.issue("send", t, peer, tag)
}

func (c *recordingComm) BcastAsync(t *tensors.Tensor, root int) (distributed.Request, error) {
	return c.issue("bcast", t, root, -1)
}

func (c *recordingComm) Recv(t *tensors.Tensor, peer, tag int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call{op: "recv", peer: peer, tag: tag, dims: t.Shape().Dimensions})
	return c.recvErrs[tag]
}

func (c *recordingComm) tags() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	tags := make([]int, len(c.calls))
	for i, call := range c.calls {
		tags[i] = call.tag
	}
	return tags
}

func (c *recordingComm) dims() [][]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	dims := make([][]int, len(c.calls))
	for i, call := range c.calls {
		dims[i] = call.dims
	}
	return dims
}

// waits returns how many times each issued request was waited on.
func (c *recordingComm) waits() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	waits := make([]int, len(c.requests))
	for i, r := range c.requests {
		waits[i] = int(r.waits.Load())
	}
	return waits
}

func repeat(value, n int) []int {
	result := make([]int, n)
	for i := range result {
		result[i] = value
	}
	return result
}

// fullDecoderBuffers returns standalone decoder buffers with every field of the step protocol present,
// so any combination of flags can be transferred.
func fullDecoderBuffers(n, beam, tokensPerStep, seqLen, window, draftPathLen int) *buffers.DecoderBuffers {
	alloc := func(residency tensors.Residency, dtype dtypes.DType, dims ...int) *tensors.Tensor {
		return tensors.FromShape(residency, shapes.Make(dtype, dims...))
	}
	return &buffers.DecoderBuffers{
		CacheIndirectionInput:  alloc(tensors.Device, dtypes.Int32, n, beam, window),
		CacheIndirectionOutput: alloc(tensors.Device, dtypes.Int32, n, beam, window),
		SequenceLengthsHost:    alloc(tensors.PinnedHost, dtypes.Int32, n, beam),
		NewOutputTokensHost:    alloc(tensors.PinnedHost, dtypes.Int32, tokensPerStep, n, beam),
		CumLogProbsHost:        alloc(tensors.PinnedHost, dtypes.Float32, n, beam),
		LogProbsHost:           alloc(tensors.PinnedHost, dtypes.Float32, n, beam, seqLen),
		FinishedSumHost:        alloc(tensors.PinnedHost, dtypes.Int32, n),
		FinishReasonsHost:      alloc(tensors.PinnedHost, dtypes.Uint8, n, beam),
		Draft: &buffers.DraftBuffers{
			AcceptedLengthsCumSumDevice: alloc(tensors.Device, dtypes.Int32, n+1),
			AcceptedPackedPathsDevice:   alloc(tensors.Device, dtypes.Int32, n, draftPathLen),
		},
	}
}

// fillDecoderBuffers writes distinct values, derived from seed, in every field.
func fillDecoderBuffers(b *buffers.DecoderBuffers, seed int) {
	for i, f := range b.Fields() {
		base := seed*1000 + i*10
		switch f.Tensor.DType() {
		case dtypes.Int32:
			tensors.MustMutableFlatData(f.Tensor, func(flat []int32) {
				for j := range flat {
					flat[j] = int32(base + j)
				}
			})
		case dtypes.Float32:
			tensors.MustMutableFlatData(f.Tensor, func(flat []float32) {
				for j := range flat {
					flat[j] = float32(base+j) / 8
				}
			})
		case dtypes.Uint8:
			tensors.MustMutableFlatData(f.Tensor, func(flat []uint8) {
				for j := range flat {
					flat[j] = uint8(base + j)
				}
			})
		}
	}
}

// fieldBytes returns the contents of the named fields of b.
func fieldBytes(b *buffers.DecoderBuffers, names ...string) map[string][]byte {
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}
	result := make(map[string][]byte)
	for _, f := range b.Fields() {
		if !wanted[f.Name] {
			continue
		}
		_ = f.Tensor.ConstBytes(func(data []byte) {
			result[f.Name] = append([]byte(nil), data...)
		})
	}
	return result
}
