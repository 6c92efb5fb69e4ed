// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package beamsearch

import (
	"cmp"
	"math"
	"slices"

	"github.com/gomlx/decodesync/pkg/core/tensors"
	"github.com/gomlx/decodesync/pkg/ml/decode/buffers"
	"github.com/gomlx/decodesync/pkg/ml/decode/config"
	"github.com/pkg/errors"
)

// NormalizedScore is the cumulative log probability of a beam divided by length^lengthPenalty.
// A lengthPenalty of 0, or an empty beam, leaves the score unnormalized.
func NormalizedScore(cumLogProb float32, length int, lengthPenalty float32) float64 {
	if length < 1 || lengthPenalty == 0 {
		return float64(cumLogProb)
	}
	return float64(cumLogProb) / math.Pow(float64(length), float64(lengthPenalty))
}

// finalBeam is a beam reconstructed by backtracking its parents.
type finalBeam struct {
	tokens   []int32
	logProbs []float32
	length   int32
	cum      float32
	reason   uint8
	score    float64
}

// GatherSlot reconstructs the beams of slot and writes them to the host tensors of dst, best normalized
// score first. Rows of dst beyond the slot beam width, and positions beyond each beam length, are zero.
func (l *Layer) GatherSlot(slot int, outputs *Outputs, dst *buffers.SlotDecoderBuffers) error {
	if err := l.checkSlot(int32(slot)); err != nil {
		return err
	}
	if err := outputs.validate(l.domain); err != nil {
		return err
	}
	last := l.lastPos[slot]
	if last < 0 {
		return errors.Errorf("gather slot %d: no tokens generated", slot)
	}
	beamWidth := l.beamWidth[slot]
	if dst.MaxBeamWidth() < beamWidth || dst.MaxSeqLen() < last+1 {
		return errors.Wrapf(config.ErrInvalidConfig, "gather slot %d: slot buffers [%d, %d] too small for %d beams of %d tokens",
			slot, dst.MaxBeamWidth(), dst.MaxSeqLen(), beamWidth, last+1)
	}
	lengthPenalties, err := tensors.CopyFlatData[float32](l.LengthPenaltyHost)
	if err != nil {
		return err
	}
	lengthPenalty := lengthPenalties[slot]

	d := l.domain
	beamRow, seqLen := slot*d.MaxBeamWidth, d.MaxSeqLen
	beams := make([]finalBeam, beamWidth)
	err = outputs.access(func(v *views) error {
		for j := range beamWidth {
			beam := finalBeam{
				tokens:   make([]int32, last+1),
				logProbs: make([]float32, last+1),
				length:   v.seqLens[beamRow+j],
				cum:      v.cumLogProbs[beamRow+j],
				reason:   v.finishReasons[beamRow+j],
			}
			idx := j
			for pos := last; pos >= 0; pos-- {
				offset := (beamRow+idx)*seqLen + pos
				beam.tokens[pos] = v.ids[offset]
				beam.logProbs[pos] = v.logProbs[offset]
				idx = int(v.parents[offset])
			}
			beam.score = NormalizedScore(beam.cum, int(beam.length), lengthPenalty)
			beams[j] = beam
		}
		return nil
	})
	if err != nil {
		return errors.WithMessagef(err, "gather slot %d", slot)
	}
	slices.SortStableFunc(beams, func(a, b finalBeam) int { return cmp.Compare(b.score, a.score) })

	if err := dst.Reset(); err != nil {
		return err
	}
	dstSeqLen := dst.MaxSeqLen()
	err = tensors.MutableFlatData(dst.OutputIDsHost, func(flat []int32) {
		for r, beam := range beams {
			copy(flat[r*dstSeqLen:], beam.tokens[:beam.length])
		}
	})
	if err == nil {
		err = tensors.MutableFlatData(dst.LogProbsHost, func(flat []float32) {
			for r, beam := range beams {
				copy(flat[r*dstSeqLen:], beam.logProbs[:beam.length])
			}
		})
	}
	if err == nil {
		err = tensors.MutableFlatData(dst.SequenceLengthsHost, func(flat []int32) {
			for r, beam := range beams {
				flat[r] = beam.length
			}
		})
	}
	if err == nil {
		err = tensors.MutableFlatData(dst.CumLogProbsHost, func(flat []float32) {
			for r, beam := range beams {
				flat[r] = beam.cum
			}
		})
	}
	if err == nil {
		err = tensors.MutableFlatData(dst.FinishReasonsHost, func(flat []uint8) {
			for r, beam := range beams {
				flat[r] = beam.reason
			}
		})
	}
	return errors.WithMessagef(err, "gather slot %d", slot)
}
