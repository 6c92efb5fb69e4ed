// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/decodesync/pkg/core/dtypes"
	"github.com/gomlx/decodesync/pkg/core/tensors"
	"github.com/gomlx/decodesync/pkg/support/xsync"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// LocalWorld is an in-process transport: a group of ranks, each one typically driven by its own goroutine,
// exchanging tensors through mailboxes.
//
// Sends complete when the receiver has consumed the message; broadcasts complete on the root when every
// other rank has copied the payload.
type LocalWorld struct {
	id   string
	size int

	mu        sync.Mutex
	cond      *sync.Cond
	mailboxes map[mailboxKey][]*message
	bcasts    map[int]*broadcast
	err       error
	aborted   *xsync.Latch
	comms     []*LocalCommunicator

	numMessages, numBytes atomic.Int64
}

type mailboxKey struct {
	src, dst, tag int
}

type message struct {
	dtype     dtypes.DType
	payload   []byte
	delivered *xsync.LatchWithValue[error]
}

type broadcast struct {
	root     int
	dtype    dtypes.DType
	payload  []byte
	consumed int
	pending  *xsync.Countdown
}

// NewLocalWorld creates a group of the given size.
func NewLocalWorld(size int) *LocalWorld {
	if size < 1 {
		panic(errors.Errorf("NewLocalWorld(%d): size must be >= 1", size))
	}
	w := &LocalWorld{
		id:        uuid.NewString(),
		size:      size,
		mailboxes: make(map[mailboxKey][]*message),
		bcasts:    make(map[int]*broadcast),
		aborted:   xsync.NewLatch(),
	}
	w.cond = sync.NewCond(&w.mu)
	w.comms = make([]*LocalCommunicator, size)
	for rank := range size {
		w.comms[rank] = &LocalCommunicator{world: w, rank: rank}
	}
	return w
}

// ID returns the unique session id of the world, used in logs.
func (w *LocalWorld) ID() string { return w.id }

// Size returns the number of ranks.
func (w *LocalWorld) Size() int { return w.size }

// Communicator returns the endpoint of the given rank.
func (w *LocalWorld) Communicator(rank int) *LocalCommunicator {
	return w.comms[rank]
}

// Abort fails all pending and future transfers with an error wrapping ErrTransport.
// Only the first call has an effect.
func (w *LocalWorld) Abort(cause error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return
	}
	w.err = errors.Wrapf(ErrTransport, "local world %s aborted: %v", w.id, cause)
	klog.V(1).Infof("%v", w.err)
	w.aborted.Trigger()
	w.cond.Broadcast()
}

// Err returns the abort error, if any.
func (w *LocalWorld) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Traffic returns the number of point-to-point messages and bytes delivered so far.
func (w *LocalWorld) Traffic() (messages, bytes int64) {
	return w.numMessages.Load(), w.numBytes.Load()
}

// LocalCommunicator implements Communicator for one rank of a LocalWorld.
type LocalCommunicator struct {
	world    *LocalWorld
	rank     int
	bcastSeq int // Only accessed by the goroutine driving this rank.
}

var _ Communicator = (*LocalCommunicator)(nil)

// Rank implements Communicator.
func (c *LocalCommunicator) Rank() int { return c.rank }

// Size implements Communicator.
func (c *LocalCommunicator) Size() int { return c.world.size }

func (c *LocalCommunicator) checkPeer(peer int) error {
	if peer < 0 || peer >= c.world.size {
		return errors.Errorf("peer rank %d out of range for world of size %d", peer, c.world.size)
	}
	return nil
}

// snapshot returns a copy of the tensor contents.
func snapshot(t *tensors.Tensor) (payload []byte, err error) {
	err = t.ConstBytes(func(data []byte) {
		payload = make([]byte, len(data))
		copy(payload, data)
	})
	return
}

// SendAsync implements Communicator. The payload is copied when the send is issued.
func (c *LocalCommunicator) SendAsync(t *tensors.Tensor, peer, tag int) (Request, error) {
	if err := c.checkPeer(peer); err != nil {
		return nil, err
	}
	payload, err := snapshot(t)
	if err != nil {
		return nil, errors.WithMessagef(err, "SendAsync(tag=%d, peer=%d)", tag, peer)
	}
	msg := &message{dtype: t.DType(), payload: payload, delivered: xsync.NewLatchWithValue[error]()}
	w := c.world
	w.mu.Lock()
	if w.err != nil {
		err := w.err
		w.mu.Unlock()
		return nil, err
	}
	key := mailboxKey{src: c.rank, dst: peer, tag: tag}
	w.mailboxes[key] = append(w.mailboxes[key], msg)
	w.cond.Broadcast()
	w.mu.Unlock()
	if klog.V(3).Enabled() {
		klog.Infof("world %s: rank %d sent %s to rank %d (tag %d)", w.id, c.rank,
			humanize.Bytes(uint64(len(payload))), peer, tag)
	}
	return &localRequest{world: w, done: msg.delivered.WaitChan(), result: msg.delivered.Wait}, nil
}

// Recv implements Communicator.
func (c *LocalCommunicator) Recv(t *tensors.Tensor, peer, tag int) error {
	if err := c.checkPeer(peer); err != nil {
		return err
	}
	w := c.world
	key := mailboxKey{src: peer, dst: c.rank, tag: tag}
	w.mu.Lock()
	for len(w.mailboxes[key]) == 0 && w.err == nil {
		w.cond.Wait()
	}
	if len(w.mailboxes[key]) == 0 {
		err := w.err
		w.mu.Unlock()
		return err
	}
	msg := w.mailboxes[key][0]
	w.mailboxes[key] = w.mailboxes[key][1:]
	if len(w.mailboxes[key]) == 0 {
		delete(w.mailboxes, key)
	}
	w.mu.Unlock()

	err := deliver(t, msg.dtype, msg.payload)
	if err != nil {
		err = errors.Wrapf(err, "Recv(tag=%d) from rank %d on rank %d", tag, peer, c.rank)
	} else {
		w.numMessages.Add(1)
		w.numBytes.Add(int64(len(msg.payload)))
	}
	msg.delivered.Trigger(err)
	return err
}

// deliver copies the payload into t, checking dtype and size.
func deliver(t *tensors.Tensor, dtype dtypes.DType, payload []byte) error {
	if t.DType() != dtype {
		return errors.Wrapf(ErrTransport, "payload of dtype %s doesn't match destination dtype %s", dtype, t.DType())
	}
	if err := t.SetBytes(payload); err != nil {
		return errors.Wrap(ErrTransport, err.Error())
	}
	return nil
}

// BcastAsync implements Communicator.
func (c *LocalCommunicator) BcastAsync(t *tensors.Tensor, root int) (Request, error) {
	if err := c.checkPeer(root); err != nil {
		return nil, err
	}
	w := c.world
	seq := c.bcastSeq
	if w.size == 1 {
		c.bcastSeq++
		return completedRequest{}, nil
	}
	if c.rank == root {
		payload, err := snapshot(t)
		if err != nil {
			return nil, errors.WithMessagef(err, "BcastAsync(root=%d)", root)
		}
		c.bcastSeq++
		b := &broadcast{root: root, dtype: t.DType(), payload: payload, pending: xsync.NewCountdown(w.size - 1)}
		w.mu.Lock()
		if w.err != nil {
			err := w.err
			w.mu.Unlock()
			return nil, err
		}
		w.bcasts[seq] = b
		w.cond.Broadcast()
		w.mu.Unlock()
		return &localRequest{world: w, done: b.pending.WaitChan(), result: b.pending.Err}, nil
	}

	c.bcastSeq++
	received := xsync.NewLatchWithValue[error]()
	go func() {
		w.mu.Lock()
		for w.bcasts[seq] == nil && w.err == nil {
			w.cond.Wait()
		}
		b := w.bcasts[seq]
		if b == nil {
			err := w.err
			w.mu.Unlock()
			received.Trigger(err)
			return
		}
		b.consumed++
		if b.consumed == w.size-1 {
			delete(w.bcasts, seq)
		}
		w.mu.Unlock()

		var err error
		if b.root != root {
			err = errors.Wrapf(ErrTransport, "broadcast #%d: rank %d expected root %d, got root %d", seq, c.rank, root, b.root)
		} else {
			err = deliver(t, b.dtype, b.payload)
		}
		if err != nil {
			b.pending.Fail(err)
		} else {
			b.pending.Done()
		}
		received.Trigger(err)
	}()
	return &localRequest{world: w, done: received.WaitChan(), result: received.Wait}, nil
}

// localRequest completes when done is closed, or fails when the world is aborted.
type localRequest struct {
	world  *LocalWorld
	done   <-chan struct{}
	result func() error
}

// Wait implements Request.
func (r *localRequest) Wait() error {
	select {
	case <-r.done:
		return r.result()
	case <-r.world.aborted.WaitChan():
		select {
		case <-r.done:
			return r.result()
		default:
			return r.world.Err()
		}
	}
}

type completedRequest struct{}

func (completedRequest) Wait() error { return nil }
