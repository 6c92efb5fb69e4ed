// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package beamsearch

import (
	"cmp"
	"math"
	"slices"
	"unsafe"

	"github.com/gomlx/decodesync/pkg/core/dtypes"
	"github.com/gomlx/decodesync/pkg/core/shapes"
	"github.com/gomlx/decodesync/pkg/core/tensors"
	"github.com/gomlx/decodesync/pkg/ml/decode/config"
	"github.com/gomlx/decodesync/pkg/support/sets"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// candidate is a possible continuation of a beam.
type candidate struct {
	score    float32 // Ranking score: cum minus the diversity penalty.
	cum      float32
	logProb  float32
	token    int32
	parent   int32
	finished bool // The parent beam was already finished.
}

// candidatesPerBeam is the number of continuations kept per beam in the first stage: enough to still fill
// all beams if half of the candidates are dropped.
func candidatesPerBeam(beamWidth int) int { return 2 * beamWidth }

// Workspace is the scratch memory of Forward. It can be reused across steps, but not shared by
// concurrent calls.
type Workspace struct {
	domain     Domain
	logProbs   []float32   // [MaxBatchSize, MaxBeamWidth, VocabSize]
	candidates []candidate // [MaxBatchSize, MaxBeamWidth * candidatesPerBeam]
	topTokens  [][]int     // [MaxBatchSize][candidatesPerBeam]
}

func (d Domain) candidatesPerSlot() int {
	return d.MaxBeamWidth * candidatesPerBeam(d.MaxBeamWidth)
}

// WorkspaceSize returns the number of bytes of scratch memory Forward uses for the domain.
func WorkspaceSize(d Domain) int {
	logProbs := d.MaxBatchSize * d.MaxBeamWidth * d.VocabSize * int(unsafe.Sizeof(float32(0)))
	candidates := d.MaxBatchSize * d.candidatesPerSlot() * int(unsafe.Sizeof(candidate{}))
	topTokens := d.MaxBatchSize * candidatesPerBeam(d.MaxBeamWidth) * int(unsafe.Sizeof(int(0)))
	return logProbs + candidates + topTokens
}

// WorkspaceSize returns the number of bytes of scratch memory of the layer's Forward.
func (l *Layer) WorkspaceSize() int { return WorkspaceSize(l.domain) }

// NewWorkspace allocates a workspace for the layer.
func (l *Layer) NewWorkspace() *Workspace {
	d := l.domain
	ws := &Workspace{
		domain:     d,
		logProbs:   make([]float32, d.MaxBatchSize*d.MaxBeamWidth*d.VocabSize),
		candidates: make([]candidate, d.MaxBatchSize*d.candidatesPerSlot()),
		topTokens:  make([][]int, d.MaxBatchSize),
	}
	for slot := range ws.topTokens {
		ws.topTokens[slot] = make([]int, 0, candidatesPerBeam(d.MaxBeamWidth))
	}
	return ws
}

// Size returns the workspace size in bytes.
func (ws *Workspace) Size() int {
	return len(ws.logProbs)*int(unsafe.Sizeof(float32(0))) +
		len(ws.candidates)*int(unsafe.Sizeof(candidate{})) +
		len(ws.topTokens)*candidatesPerBeam(ws.domain.MaxBeamWidth)*int(unsafe.Sizeof(int(0)))
}

// Forward runs one beam search step for every slot of inputs.BatchSlots, updating outputs.
//
// Every output is validated against its declared shape before anything is written. Slots whose beams
// are all finished are left untouched.
func (l *Layer) Forward(outputs *Outputs, inputs *Inputs, ws *Workspace) error {
	if ws == nil || ws.domain != l.domain {
		return errors.Wrap(config.ErrInvalidConfig, "beam search: workspace was not created for this layer")
	}
	if err := outputs.validate(l.domain); err != nil {
		return err
	}
	seen := sets.Make[int32](len(inputs.BatchSlots))
	for _, slot := range inputs.BatchSlots {
		if err := l.checkSlot(slot); err != nil {
			return err
		}
		if seen.Has(slot) {
			return errors.Wrapf(config.ErrInvalidConfig, "beam search: batch slot %d repeated", slot)
		}
		seen.Insert(slot)
		if int(slot) >= len(inputs.Logits) {
			return errors.Wrapf(config.ErrInvalidConfig, "beam search: no logits for slot %d", slot)
		}
		logits := inputs.Logits[slot]
		if dtype := logits.DType(); dtype != dtypes.Float32 && dtype != dtypes.Float16 {
			return errors.Wrapf(config.ErrInvalidConfig, "beam search: logits of slot %d have dtype %s, expected Float32 or Float16", slot, dtype)
		}
		beamWidth := l.beamWidth[slot]
		if err := checkTensor("logits", logits, shapes.Make(logits.DType(), beamWidth, l.domain.VocabSize)); err != nil {
			return errors.WithMessagef(err, "slot %d", slot)
		}
		if beamWidth > l.domain.VocabSize {
			return errors.Wrapf(config.ErrInvalidConfig, "beam search: beam width %d larger than vocabulary %d", beamWidth, l.domain.VocabSize)
		}
	}
	diversity, err := tensors.CopyFlatData[float32](l.DiversityRateHost)
	if err != nil {
		return err
	}
	earlyStopping, err := tensors.CopyFlatData[int32](l.EarlyStoppingHost)
	if err != nil {
		return err
	}
	return outputs.access(func(v *views) error {
		return l.pool.ForEach(len(inputs.BatchSlots), func(i int) error {
			slot := int(inputs.BatchSlots[i])
			return l.forwardSlot(slot, v, inputs, ws, diversity[slot], earlyStopping[slot] != 0)
		})
	})
}

// forwardSlot runs the step for one slot. Slots write disjoint regions of the views, so they can run in parallel.
func (l *Layer) forwardSlot(slot int, v *views, inputs *Inputs, ws *Workspace, diversityRate float32, earlyStopping bool) error {
	d := l.domain
	beamWidth, vocab, seqLen, window := l.beamWidth[slot], d.VocabSize, d.MaxSeqLen, d.MaxAttentionWindow
	beamRow := slot * d.MaxBeamWidth
	if int(v.finishedSum[slot]) >= beamWidth {
		return nil
	}
	pos := l.lastPos[slot] + 1
	if pos >= seqLen {
		return errors.Errorf("slot %d: no room left after %d tokens", slot, seqLen)
	}

	// Log-softmax of each beam's logits.
	logProbs := ws.logProbs[beamRow*vocab:][:beamWidth*vocab]
	if err := readLogits(inputs.Logits[slot], logProbs); err != nil {
		return errors.WithMessagef(err, "slot %d", slot)
	}
	for beam := range beamWidth {
		logSoftmax(logProbs[beam*vocab:][:vocab])
	}

	// First stage: best continuations of each beam. At the first position all beams are identical,
	// so only beam 0 is expanded.
	numSources := beamWidth
	if pos == 0 {
		numSources = 1
	}
	k := min(candidatesPerBeam(beamWidth), vocab)
	candidates := ws.candidates[slot*d.candidatesPerSlot():][:0]
	for beam := range numSources {
		cum := v.cumLogProbs[beamRow+beam]
		if v.finishReasons[beamRow+beam] != FinishReasonNone {
			candidates = append(candidates, candidate{score: cum, cum: cum, token: inputs.EndID, parent: int32(beam), finished: true})
			continue
		}
		beamLogProbs := logProbs[beam*vocab:][:vocab]
		ws.topTokens[slot] = topK(beamLogProbs, k, ws.topTokens[slot])
		for rank, token := range ws.topTokens[slot] {
			lp := beamLogProbs[token]
			candidates = append(candidates, candidate{
				score:   cum + lp - diversityRate*float32(rank),
				cum:     cum + lp,
				logProb: lp,
				token:   int32(token),
				parent:  int32(beam),
			})
		}
	}
	if len(candidates) < beamWidth {
		return errors.Wrapf(config.ErrInvalidConfig, "slot %d: only %d candidates for %d beams", slot, len(candidates), beamWidth)
	}

	// Second stage: best beamWidth candidates overall.
	slices.SortStableFunc(candidates, func(a, b candidate) int { return cmp.Compare(b.score, a.score) })
	selected := candidates[:beamWidth]

	oldLengths := slices.Clone(v.seqLens[beamRow:][:beamWidth])
	oldReasons := slices.Clone(v.finishReasons[beamRow:][:beamWidth])
	numFinished := 0
	for beam, c := range selected {
		parent := int(c.parent)
		row := beamRow + beam
		v.newTokens[row] = c.token
		v.ids[row*seqLen+pos] = c.token
		v.parents[row*seqLen+pos] = c.parent
		v.logProbs[row*seqLen+pos] = c.logProb
		v.cumLogProbs[row] = c.cum

		length, reason := oldLengths[parent], oldReasons[parent]
		if !c.finished {
			length++
			switch {
			case c.token == inputs.EndID:
				reason = FinishReasonEndID
			case pos+1 >= seqLen:
				reason = FinishReasonLength
			}
		}
		v.seqLens[row] = length
		v.finishReasons[row] = reason
		if reason != FinishReasonNone {
			numFinished++
		}

		// The new beam inherits its parent's cache history, and the entry at pos is the parent's.
		copy(v.indirOut[row*window:][:window], v.indirIn[(beamRow+parent)*window:][:window])
		v.indirOut[row*window+pos%window] = c.parent
	}
	if earlyStopping && v.finishReasons[beamRow] != FinishReasonNone {
		numFinished = beamWidth
	}
	v.finishedSum[slot] = int32(numFinished)
	l.lastPos[slot] = pos
	return nil
}

// readLogits copies the logits into dst as float32.
func readLogits(t *tensors.Tensor, dst []float32) error {
	switch t.DType() {
	case dtypes.Float32:
		return tensors.ConstFlatData(t, func(flat []float32) { copy(dst, flat) })
	case dtypes.Float16:
		return tensors.ConstFlatData(t, func(flat []float16.Float16) {
			for i, x := range flat {
				dst[i] = x.Float32()
			}
		})
	}
	return errors.Errorf("unsupported logits dtype %s", t.DType())
}

// logSoftmax replaces x by log(softmax(x)).
func logSoftmax(x []float32) {
	maxX := float32(math.Inf(-1))
	for _, v := range x {
		maxX = max(maxX, v)
	}
	var sum float64
	for _, v := range x {
		sum += math.Exp(float64(v - maxX))
	}
	logSum := maxX + float32(math.Log(sum))
	for i := range x {
		x[i] -= logSum
	}
}

// topK returns the indices of the k largest values, largest first. Ties keep the lowest index first.
// The result reuses dst storage.
func topK(values []float32, k int, dst []int) []int {
	dst = dst[:0]
	for i, x := range values {
		n := len(dst)
		if n == k && x <= values[dst[k-1]] {
			continue
		}
		pos := n
		if n < k {
			dst = append(dst, i)
		} else {
			pos = k - 1
		}
		for pos > 0 && values[dst[pos-1]] < x {
			dst[pos] = dst[pos-1]
			pos--
		}
		dst[pos] = i
	}
	return dst
}
