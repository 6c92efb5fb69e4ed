// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"github.com/gomlx/decodesync/pkg/core/distributed"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// issueSends starts one SendAsync per included field, preceded by the manifest if enabled.
//
// If issuing fails midway, the requests already issued are joined before returning the error.
func (p *protocol[B, F]) issueSends(bufs B, flags F, comm distributed.Communicator, peer int, o options) (*pendingSet, error) {
	bound, err := p.plan(bufs, flags)
	if err != nil {
		return nil, err
	}
	klog.V(2).Infof("start send outputs of %s to rank %d: %v", p.description, peer, includedNames(bound))
	set := &pendingSet{protocol: p.name}
	abort := func(err error) (*pendingSet, error) {
		if joinErr := set.join(); joinErr != nil {
			klog.Warningf("while aborting %s send to rank %d: %v", p.name, peer, joinErr)
		}
		return nil, err
	}
	if o.manifest {
		m, err := newManifest(bound, true)
		if err != nil {
			return nil, err
		}
		mt := m.tensor()
		request, err := comm.SendAsync(mt, peer, p.manifestTag)
		if err != nil {
			return nil, errors.WithMessagef(err, "%s protocol: sending manifest to rank %d", p.name, peer)
		}
		set.add("manifest", p.manifestTag, request)
		set.keep = append(set.keep, mt)
		countRequest(p.name, "send", mt.Memory())
	}
	for _, f := range bound {
		if f.tensor == nil {
			continue
		}
		request, err := comm.SendAsync(f.tensor, peer, f.tag)
		if err != nil {
			return abort(errors.WithMessagef(err, "%s protocol: sending %q (tag %d) to rank %d", p.name, f.name, f.tag, peer))
		}
		set.add(f.name, f.tag, request)
		countRequest(p.name, "send", f.tensor.Memory())
	}
	return set, nil
}

// receive blocks until every included field was received from peer.
func (p *protocol[B, F]) receive(bufs B, flags F, comm distributed.Communicator, peer int, o options) error {
	bound, err := p.plan(bufs, flags)
	if err != nil {
		return err
	}
	klog.V(2).Infof("start recv outputs of %s from rank %d: %v", p.description, peer, includedNames(bound))
	var m *manifest
	if o.manifest {
		mt := emptyManifestTensor(len(bound))
		if err := comm.Recv(mt, peer, p.manifestTag); err != nil {
			return errors.WithMessagef(err, "%s protocol: receiving manifest from rank %d", p.name, peer)
		}
		countRequest(p.name, "recv", mt.Memory())
		if m, err = parseManifest(mt, len(bound)); err != nil {
			return err
		}
		if err := m.checkPlan(p.name, bound); err != nil {
			return err
		}
	}
	for _, f := range bound {
		if f.tensor == nil {
			continue
		}
		if err := comm.Recv(f.tensor, peer, f.tag); err != nil {
			return errors.WithMessagef(err, "%s protocol: receiving %q (tag %d) from rank %d", p.name, f.name, f.tag, peer)
		}
		countRequest(p.name, "recv", f.tensor.Memory())
	}
	if m != nil {
		if err := m.checkReceived(p.name, bound); err != nil {
			return err
		}
	}
	klog.V(2).Infof("end recv outputs of %s from rank %d", p.description, peer)
	return nil
}

// broadcast issues one BcastAsync per included field from root, and joins them all.
func (p *protocol[B, F]) broadcast(bufs B, flags F, comm distributed.Communicator, root int, o options) error {
	bound, err := p.plan(bufs, flags)
	if err != nil {
		return err
	}
	isRoot := comm.Rank() == root
	klog.V(2).Infof("start bcast outputs of %s from rank %d (rank %d of %d)", p.description, root, comm.Rank(), comm.Size())
	set := &pendingSet{protocol: p.name}
	var m *manifest
	if o.manifest {
		if isRoot {
			sent, err := newManifest(bound, true)
			if err != nil {
				return err
			}
			mt := sent.tensor()
			request, err := comm.BcastAsync(mt, root)
			if err != nil {
				return errors.WithMessagef(err, "%s protocol: broadcasting manifest", p.name)
			}
			set.add("manifest", p.manifestTag, request)
			set.keep = append(set.keep, mt)
			countRequest(p.name, "bcast", mt.Memory())
		} else {
			mt := emptyManifestTensor(len(bound))
			request, err := comm.BcastAsync(mt, root)
			if err == nil {
				countRequest(p.name, "bcast", mt.Memory())
				err = request.Wait()
			}
			if err != nil {
				return errors.WithMessagef(err, "%s protocol: receiving broadcast manifest from rank %d", p.name, root)
			}
			if m, err = parseManifest(mt, len(bound)); err != nil {
				return err
			}
			if err := m.checkPlan(p.name, bound); err != nil {
				return err
			}
		}
	}
	for _, f := range bound {
		if f.tensor == nil {
			continue
		}
		request, err := comm.BcastAsync(f.tensor, root)
		if err != nil {
			err = errors.WithMessagef(err, "%s protocol: broadcasting %q from rank %d", p.name, f.name, root)
			if joinErr := set.join(); joinErr != nil {
				klog.Warningf("while aborting %s broadcast: %v", p.name, joinErr)
			}
			return err
		}
		set.add(f.name, f.tag, request)
		countRequest(p.name, "bcast", f.tensor.Memory())
	}
	if err := set.join(); err != nil {
		return err
	}
	if m != nil {
		return m.checkReceived(p.name, bound)
	}
	return nil
}
