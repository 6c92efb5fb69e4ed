// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"slices"

	"github.com/pkg/errors"
)

// Request is a generation request to be served by the pipeline.
type Request struct {
	ID        int
	PromptLen int

	// Slot and Start are set when the request is assigned to a batch slot.
	Slot  int32
	Start int
}

// scheduler assigns pending requests to free batch slots, lowest slot first.
//
// Every rank that tracks the requests runs its own scheduler, and they stay in agreement because they
// are fed the same finished slots, in the same order.
type scheduler struct {
	numSlots, maxActive int
	pending             []Request
	active              map[int32]Request
}

func newScheduler(numSlots, maxActive int, requests []Request) *scheduler {
	return &scheduler{
		numSlots:  numSlots,
		maxActive: maxActive,
		pending:   slices.Clone(requests),
		active:    make(map[int32]Request, numSlots),
	}
}

// fill assigns pending requests to free slots, and returns the newly assigned ones.
func (s *scheduler) fill(step int) []Request {
	var assigned []Request
	for slot := range int32(s.numSlots) {
		if len(s.pending) == 0 || len(s.active) >= s.maxActive {
			break
		}
		if _, busy := s.active[slot]; busy {
			continue
		}
		r := s.pending[0]
		s.pending = s.pending[1:]
		r.Slot, r.Start = slot, step
		s.active[slot] = r
		assigned = append(assigned, r)
	}
	return assigned
}

// activeSlots returns the slots with an assigned request, sorted.
func (s *scheduler) activeSlots() []int32 {
	slots := make([]int32, 0, len(s.active))
	for slot := range s.active {
		slots = append(slots, slot)
	}
	slices.Sort(slots)
	return slots
}

func (s *scheduler) request(slot int32) (Request, bool) {
	r, found := s.active[slot]
	return r, found
}

// finish frees the slot, returning the request it was serving.
func (s *scheduler) finish(slot int32) (Request, error) {
	r, found := s.active[slot]
	if !found {
		return Request{}, errors.Errorf("slot %d has no active request", slot)
	}
	delete(s.active, slot)
	return r, nil
}

// unserved returns the number of requests pending or active.
func (s *scheduler) unserved() int {
	return len(s.pending) + len(s.active)
}
