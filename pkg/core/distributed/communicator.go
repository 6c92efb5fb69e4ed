// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"github.com/gomlx/decodesync/pkg/core/tensors"
	"github.com/pkg/errors"
)

// ErrTransport is returned (wrapped) when the underlying transport fails or is aborted.
var ErrTransport = errors.New("transport failure")

// Request is the handle of an asynchronous transfer.
type Request interface {
	// Wait blocks until the transfer completes. For sends, completion means the source tensor
	// can be reused; for broadcasts, on non-root ranks, that the destination tensor was filled.
	Wait() error
}

// Communicator moves tensors between the ranks of a group.
//
// Transfers between a pair of ranks with the same tag are matched in FIFO order. Broadcasts are matched
// by the order they are issued: all ranks of the group must issue the same sequence of broadcasts.
type Communicator interface {
	// Rank of this process within the group.
	Rank() int

	// Size of the group.
	Size() int

	// SendAsync starts sending the contents of t to peer. The tensor must not be modified or
	// released until the returned Request completes.
	SendAsync(t *tensors.Tensor, peer, tag int) (Request, error)

	// Recv blocks until a tensor sent by peer with the given tag is received into t.
	// The received payload must have exactly the size of t.
	Recv(t *tensors.Tensor, peer, tag int) error

	// BcastAsync starts a broadcast of t from root to all ranks in the group. On the root
	// t is the source, on the other ranks it is the destination.
	BcastAsync(t *tensors.Tensor, root int) (Request, error)
}
