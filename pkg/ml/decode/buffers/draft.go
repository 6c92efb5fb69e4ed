// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package buffers

import (
	"github.com/gomlx/decodesync/pkg/core/dtypes"
	"github.com/gomlx/decodesync/pkg/core/tensors"
	"github.com/gomlx/decodesync/pkg/ml/decode/config"
	"github.com/gomlx/decodesync/pkg/ml/decode/speculative"
	"github.com/pkg/errors"
)

// DraftBuffers holds the speculative decoding state shared by the draft-producing modes.
//
// Each group of fields is controlled by its own gate, see draftGates.
type DraftBuffers struct {
	// NextDraftTokensHost holds the draft tokens for the next step, pinned [N, maxTokensPerStep-1].
	// The device twin is bound by the decoder.
	NextDraftTokensDevice, NextDraftTokensHost *tensors.Tensor

	// Draft lengths, pinned [N], only for variable draft length modes.
	PrevDraftTokensLengthsDevice, PrevDraftTokensLengthsHost *tensors.Tensor
	NextDraftTokensLengthsDevice, NextDraftTokensLengthsHost *tensors.Tensor

	// AcceptedLengthsCumSumDevice [N+1] and AcceptedPackedPathsDevice [N, maxDraftPathLen] describe the
	// accepted draft tokens, used to rewind the KV cache.
	AcceptedLengthsCumSumDevice *tensors.Tensor
	AcceptedPackedPathsDevice   *tensors.Tensor

	// PredictedDraftLogits is indexed [sequence][head], Medusa only. Leaves are nil until bound.
	PredictedDraftLogits [][]*tensors.Tensor
}

// draftGates are the three independent conditions controlling DraftBuffers fields.
type draftGates struct {
	predictsDraftTokens bool
	variableDraftLength bool // Only relevant if predictsDraftTokens.
	hasDraftLogits      bool
	needsKVCacheRewind  bool
}

func gatesFor(mode speculative.Mode) draftGates {
	return draftGates{
		predictsDraftTokens: mode.PredictsDraftTokens(),
		variableDraftLength: mode.VariableDraftLength(),
		hasDraftLogits:      mode.IsMedusa(),
		needsKVCacheRewind:  mode.NeedsKVCacheRewind(),
	}
}

// any returns whether DraftBuffers are needed at all.
func (g draftGates) any() bool {
	return g.predictsDraftTokens || g.hasDraftLogits || g.needsKVCacheRewind
}

func newDraftBuffers(b *builder, sizes Sizes, module *speculative.Module, gates draftGates) (*DraftBuffers, error) {
	n := sizes.MaxNumSequences
	if gates.predictsDraftTokens && sizes.MaxTokensPerStep < 2 {
		return nil, errors.Wrapf(config.ErrInvalidConfig,
			"draft tokens require maxTokensPerStep >= 2, got %d", sizes.MaxTokensPerStep)
	}
	if (gates.hasDraftLogits || gates.needsKVCacheRewind) && (module == nil || module.MaxDraftPathLen < 1) {
		return nil, errors.Wrapf(config.ErrInvalidConfig, "draft buffers require a speculative module with maxDraftPathLen >= 1")
	}
	d := &DraftBuffers{}
	if gates.predictsDraftTokens {
		d.NextDraftTokensHost = b.pinned("draft.nextDraftTokensHost", dtypes.Int32, n, sizes.MaxTokensPerStep-1)
		if gates.variableDraftLength {
			d.NextDraftTokensLengthsHost = b.pinned("draft.nextDraftTokensLengthsHost", dtypes.Int32, n)
			d.PrevDraftTokensLengthsHost = b.pinned("draft.prevDraftTokensLengthsHost", dtypes.Int32, n)
		}
	}
	if gates.hasDraftLogits {
		d.PredictedDraftLogits = make([][]*tensors.Tensor, n)
		for seq := range d.PredictedDraftLogits {
			d.PredictedDraftLogits[seq] = make([]*tensors.Tensor, module.MaxDraftPathLen)
		}
	}
	if gates.needsKVCacheRewind {
		d.AcceptedLengthsCumSumDevice = b.device("draft.acceptedLengthsCumSumDevice", dtypes.Int32, n+1)
		d.AcceptedPackedPathsDevice = b.device("draft.acceptedPackedPathsDevice", dtypes.Int32, n, module.MaxDraftPathLen)
	}
	return d, nil
}

// BindPredictedDraftLogits binds the logits of the given Medusa head for a sequence. The tensor is
// retained, and any previous binding released. A nil tensor unbinds.
func (d *DraftBuffers) BindPredictedDraftLogits(seq, head int, t *tensors.Tensor) error {
	if d.PredictedDraftLogits == nil {
		return errors.Wrap(ErrWrongMode, "predicted draft logits are only available in medusa mode")
	}
	if seq < 0 || seq >= len(d.PredictedDraftLogits) {
		return errors.Errorf("sequence %d out of range [0, %d)", seq, len(d.PredictedDraftLogits))
	}
	heads := d.PredictedDraftLogits[seq]
	if head < 0 || head >= len(heads) {
		return errors.Errorf("draft head %d out of range [0, %d)", head, len(heads))
	}
	rebind(&heads[head], t)
	return nil
}

// Fields enumerates the present tensors, including bound draft logits.
func (d *DraftBuffers) Fields() []Field {
	if d == nil {
		return nil
	}
	var fields []Field
	fields = appendField(fields, "draft.nextDraftTokensDevice", d.NextDraftTokensDevice)
	fields = appendField(fields, "draft.nextDraftTokensHost", d.NextDraftTokensHost)
	fields = appendField(fields, "draft.prevDraftTokensLengthsDevice", d.PrevDraftTokensLengthsDevice)
	fields = appendField(fields, "draft.prevDraftTokensLengthsHost", d.PrevDraftTokensLengthsHost)
	fields = appendField(fields, "draft.nextDraftTokensLengthsDevice", d.NextDraftTokensLengthsDevice)
	fields = appendField(fields, "draft.nextDraftTokensLengthsHost", d.NextDraftTokensLengthsHost)
	fields = appendField(fields, "draft.acceptedLengthsCumSumDevice", d.AcceptedLengthsCumSumDevice)
	fields = appendField(fields, "draft.acceptedPackedPathsDevice", d.AcceptedPackedPathsDevice)
	for seq, heads := range d.PredictedDraftLogits {
		for head, t := range heads {
			fields = appendField(fields, indexedName("draft.predictedDraftLogits", seq, head), t)
		}
	}
	return fields
}
