// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomlx/decodesync/pkg/core/distributed"
	"github.com/gomlx/decodesync/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// pendingRequest is an issued transfer of one field.
type pendingRequest struct {
	name    string
	tag     int
	request distributed.Request
}

// pendingSet holds the requests issued by one transfer, in tag order. Fields that were not issued
// (excluded by the flags) have no entry.
type pendingSet struct {
	protocol string
	requests []pendingRequest

	// keep holds tensors created by the transfer itself (manifests) until the requests complete.
	keep []*tensors.Tensor
}

func (s *pendingSet) add(name string, tag int, request distributed.Request) {
	s.requests = append(s.requests, pendingRequest{name: name, tag: tag, request: request})
}

// join waits for every issued request, even after a failure. It returns the first error, with the field
// context added, and logs the others.
func (s *pendingSet) join() error {
	start := time.Now()
	var firstErr error
	for _, r := range s.requests {
		err := r.request.Wait()
		if err == nil {
			continue
		}
		err = errors.WithMessagef(err, "%s transfer of %q (tag %d)", s.protocol, r.name, r.tag)
		if firstErr == nil {
			firstErr = err
		} else {
			klog.Warningf("additional transfer failure: %v", err)
		}
	}
	joinSeconds.WithLabelValues(s.protocol).Observe(time.Since(start).Seconds())
	s.requests = nil
	s.keep = nil
	return firstErr
}

// sendHandle is the common part of StepSend and SlotSend: the issued requests, joined exactly once by Close.
type sendHandle struct {
	pending   *pendingSet
	peer      int
	closeOnce sync.Once
	closeErr  error
	closed    *atomic.Bool
}

// leakReport is what the runtime cleanup of a send handle needs: it must not reference the handle itself.
type leakReport struct {
	protocol string
	peer     int
	closed   *atomic.Bool
}

func reportLeak(r leakReport) {
	if r.closed.Load() {
		return
	}
	leakedHandlesTotal.Inc()
	klog.Errorf("%s send handle to rank %d was garbage collected without Close: its transfers were never joined",
		r.protocol, r.peer)
}

// watchLeaks reports h as leaked if owner is garbage collected before h is closed.
func watchLeaks[T any](owner *T, h *sendHandle) {
	h.closed = &atomic.Bool{}
	runtime.AddCleanup(owner, reportLeak, leakReport{protocol: h.pending.protocol, peer: h.peer, closed: h.closed})
}

// close joins the pending requests once; later calls return the same result.
func (h *sendHandle) close() error {
	h.closeOnce.Do(func() {
		h.closeErr = h.pending.join()
		h.closed.Store(true)
		if h.closeErr == nil {
			klog.V(2).Infof("%s send to rank %d completed", h.pending.protocol, h.peer)
		}
	})
	return h.closeErr
}
