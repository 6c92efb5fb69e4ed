// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pipeline drives the decoder loop of a pipeline and tensor parallel world.
//
// The last pipeline stage computes each decoder step (a beam search over synthetic logits) and sends its
// outputs to the owner, the first tensor-parallel rank of the first stage, which assembles the results.
// The owner then broadcasts the step outputs to the other ranks of its stage. When a request finishes,
// the last stage gathers its beams into slot buffers and sends them to the owner.
//
// Middle stages hold buffers but take no part in the output synchronization.
package pipeline

import (
	"context"
	"math/rand/v2"

	"github.com/gomlx/decodesync/internal/scoped"
	"github.com/gomlx/decodesync/pkg/core/distributed"
	"github.com/gomlx/decodesync/pkg/core/dtypes"
	"github.com/gomlx/decodesync/pkg/core/shapes"
	"github.com/gomlx/decodesync/pkg/core/tensors"
	"github.com/gomlx/decodesync/pkg/ml/decode/beamsearch"
	"github.com/gomlx/decodesync/pkg/ml/decode/buffers"
	"github.com/gomlx/decodesync/pkg/ml/decode/config"
	"github.com/gomlx/decodesync/pkg/ml/decode/transfer"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// ownerRank is the global rank that assembles the outputs: tensor-parallel rank 0 of the first stage.
const ownerRank = 0

// Options of a pipeline run.
type Options struct {
	// Requests to serve. If empty, one request per sequence slot is created.
	Requests []Request

	// Seed of the synthetic logits.
	Seed uint64

	// EndID is the token that finishes a beam.
	EndID int32

	// EndBias is added to the EndID logit for every generated token, so requests eventually finish.
	EndBias float32

	// Manifest enables the debug manifest of the transfers, see transfer.WithManifest.
	Manifest bool

	// Params of the beam search, see beamsearch.Layer.Setup.
	Params *scoped.Params

	// Progress, if set, is called by the owner after each step.
	Progress func(step int)
}

// DefaultOptions returns the options used by the command line tool.
func DefaultOptions() Options {
	return Options{Seed: 42, EndID: 2, EndBias: 0.5}
}

// Beam is one final hypothesis of a request.
type Beam struct {
	Tokens []int32

	// CumLogProb is only set if the engine returns log probabilities.
	CumLogProb float32
}

// Result of a finished request, best beam first.
type Result struct {
	Request Request
	Step    int
	Beams   []Beam
}

// Runner runs the decoder loop of one rank. It's driven by a single goroutine.
type Runner struct {
	cfg   *config.EngineConfig
	opts  Options
	world *distributed.WorldConfig
	comm  distributed.Communicator

	// group connects the ranks of the first stage, nil on the other stages.
	group distributed.Communicator

	pool   *tensors.MemoryPool
	bufs   *buffers.DecoderBuffers
	inputs *buffers.DecoderInputBuffers
	slots  *buffers.SlotPool

	// Only on the last stage.
	layer *beamsearch.Layer
	ws    *beamsearch.Workspace

	// Only on the first and last stages.
	sched *scheduler

	flags        transfer.StepFlags
	transferOpts []transfer.Option
}

// NewRunner creates the runner of the rank of comm. group must be the communicator of the first stage
// tensor-parallel group for ranks of the first stage, and is ignored elsewhere.
func NewRunner(cfg *config.EngineConfig, comm, group distributed.Communicator, opts Options) (*Runner, error) {
	world, err := distributed.NewWorldConfig(cfg.TensorParallelism, cfg.PipelineParallelism, comm.Rank())
	if err != nil {
		return nil, errors.Wrap(config.ErrInvalidConfig, err.Error())
	}
	if comm.Size() != world.Size() {
		return nil, errors.Wrapf(config.ErrInvalidConfig, "communicator of size %d for a world of %s", comm.Size(), world)
	}
	dtype := cfg.Model.LogitsDType
	if dtype != dtypes.Float32 && dtype != dtypes.Float16 {
		return nil, errors.Wrapf(config.ErrInvalidConfig, "synthetic logits of dtype %s not supported", dtype)
	}
	r := &Runner{
		cfg:   cfg,
		opts:  opts,
		world: world,
		comm:  comm,
		pool:  tensors.NewMemoryPool(),
		flags: transfer.StepFlagsFor(cfg),
	}
	if opts.Manifest {
		r.transferOpts = append(r.transferOpts, transfer.WithManifest())
	}
	if world.IsFirstPipelineParallelRank() {
		if group == nil || group.Size() != cfg.TensorParallelism || group.Rank() != world.TensorParallelRank() {
			return nil, errors.Wrapf(config.ErrInvalidConfig, "rank %d of the first stage needs its tensor-parallel group", world.Rank())
		}
		r.group = group
	}
	if err := r.allocate(); err != nil {
		r.Release()
		return nil, err
	}
	return r, nil
}

func (r *Runner) allocate() error {
	cfg := r.cfg
	var err error
	r.bufs, err = buffers.NewDecoderBuffers(buffers.SizesFromEngineConfig(cfg), r.pool, &cfg.Model, r.world)
	if err != nil {
		return err
	}
	r.inputs, err = buffers.NewDecoderInputBuffers(cfg.MaxBatchSize, cfg.MaxDecoderSteps, r.pool)
	if err != nil {
		return err
	}
	r.slots = buffers.NewSlotPool(cfg.MaxBeamWidth, cfg.MaxSeqLen, r.pool)
	if r.world.IsLastPipelineParallelRank() {
		r.layer, err = beamsearch.New(beamsearch.DomainFromEngineConfig(cfg), r.pool)
		if err != nil {
			return err
		}
		r.ws = r.layer.NewWorkspace()
	}
	if r.world.IsFirstPipelineParallelRank() || r.world.IsLastPipelineParallelRank() {
		requests := r.opts.Requests
		if len(requests) == 0 {
			requests = make([]Request, cfg.MaxNumSequences)
			for i := range requests {
				requests[i] = Request{ID: i, PromptLen: 1}
			}
		}
		r.sched = newScheduler(cfg.MaxNumSequences, cfg.MaxBatchSize, requests)
	}
	return nil
}

// World returns the topology seen by the runner.
func (r *Runner) World() *distributed.WorldConfig { return r.world }

// Unserved returns the number of requests not finished yet. Middle stages don't track requests and return 0.
func (r *Runner) Unserved() int {
	if r.sched == nil {
		return 0
	}
	return r.sched.unserved()
}

// PoolStats returns the memory usage of the rank.
func (r *Runner) PoolStats() tensors.PoolStats { return r.pool.Stats() }

// Release frees every buffer of the runner.
func (r *Runner) Release() {
	if r.bufs != nil {
		r.bufs.Release()
	}
	if r.inputs != nil {
		r.inputs.Release()
	}
	if r.slots != nil {
		r.slots.Release()
	}
	if r.layer != nil {
		r.layer.Release()
	}
}

// isSender returns whether the rank sends the outputs to the owner: the first tensor-parallel rank of the
// last stage, if it is not the owner itself.
func (r *Runner) isSender() bool {
	return r.world.IsLastPipelineParallelRank() && !r.world.IsFirstPipelineParallelRank() && r.world.TensorParallelRank() == 0
}

// lastStageSource is the rank the owner receives from.
func (r *Runner) lastStageSource() int {
	return r.world.GlobalRank(r.world.PipelineParallelism()-1, 0)
}

// Step runs the decoder step number step. It returns the requests finished in this step: only the owner
// returns results.
//
// Step doesn't start any transfer if ctx is done.
func (r *Runner) Step(ctx context.Context, step int) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.sched == nil {
		return nil, nil
	}
	if err := r.setup(step, r.sched.fill(step)); err != nil {
		return nil, errors.WithMessagef(err, "rank %d, step %d: setup", r.world.Rank(), step)
	}
	active := r.sched.activeSlots()
	if err := r.inputs.SetForwardBatchSlots(step%r.cfg.MaxDecoderSteps, active); err != nil {
		return nil, err
	}
	if r.layer != nil && len(active) > 0 {
		if err := r.compute(step, active); err != nil {
			return nil, errors.WithMessagef(err, "rank %d, step %d: compute", r.world.Rank(), step)
		}
	}
	finished, err := r.syncStep(active)
	if err != nil {
		return nil, errors.WithMessagef(err, "rank %d, step %d: step outputs", r.world.Rank(), step)
	}
	results, err := r.syncSlots(step, finished)
	if err != nil {
		return nil, errors.WithMessagef(err, "rank %d, step %d: slot outputs", r.world.Rank(), step)
	}
	return results, nil
}

// setup prepares the slots of newly assigned requests.
func (r *Runner) setup(step int, assigned []Request) error {
	if len(assigned) == 0 {
		return nil
	}
	slots := make([]int32, len(assigned))
	promptTokens := 0
	for i, req := range assigned {
		slots[i] = req.Slot
		promptTokens += req.PromptLen
	}
	if err := r.inputs.SetSetupBatchSlots(slots); err != nil {
		return err
	}
	if err := r.inputs.ReserveInputsIDs(promptTokens); err != nil {
		return err
	}
	if r.layer != nil {
		if err := r.layer.Setup(len(slots), r.cfg.MaxBeamWidth, slots, r.opts.Params); err != nil {
			return err
		}
		if err := r.layer.ResetSlots(r.layer.OutputsFor(r.bufs), slots); err != nil {
			return err
		}
	}
	klog.V(2).Infof("rank %d, step %d: set up slots %v", r.world.Rank(), step, slots)
	return nil
}

// compute runs the beam search step of the active slots over synthetic logits.
func (r *Runner) compute(step int, active []int32) error {
	for _, slot := range active {
		logits, err := r.syntheticLogits(step, slot)
		if err != nil {
			return err
		}
		err = r.bufs.BindLogits(int(slot), logits)
		logits.Release()
		if err != nil {
			return err
		}
	}
	inputs := &beamsearch.Inputs{Logits: r.bufs.Logits, BatchSlots: active, EndID: r.opts.EndID}
	return r.layer.Forward(r.layer.OutputsFor(r.bufs), inputs, r.ws)
}

// syntheticLogits returns the logits of a slot, a pure function of the seed, step and slot, so every
// tensor-parallel rank of the last stage computes the same ones.
func (r *Runner) syntheticLogits(step int, slot int32) (*tensors.Tensor, error) {
	req, found := r.sched.request(slot)
	if !found {
		return nil, errors.Errorf("synthetic logits for slot %d, which has no active request", slot)
	}
	beam, vocab := r.cfg.MaxBeamWidth, r.cfg.Model.VocabSize
	t, err := r.pool.Allocate(shapes.Make(r.cfg.Model.LogitsDType, beam, vocab), tensors.Device)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(r.opts.Seed, uint64(step)<<32|uint64(slot)))
	values := make([]float32, beam*vocab)
	endBias := r.opts.EndBias * float32(step-req.Start)
	for i := range values {
		values[i] = float32(rng.NormFloat64()) * 2
		if int32(i%vocab) == r.opts.EndID {
			values[i] += endBias
		}
	}
	switch t.DType() {
	case dtypes.Float16:
		err = tensors.MutableFlatData(t, func(flat []float16.Float16) {
			for i, v := range values {
				flat[i] = float16.Fromfloat32(v)
			}
		})
	default:
		err = tensors.AssignFlatData(t, values)
	}
	if err != nil {
		t.Release()
		return nil, err
	}
	return t, nil
}

// syncStep moves the step outputs to the owner and its tensor-parallel peers, and returns the active
// slots that finished.
func (r *Runner) syncStep(active []int32) ([]int32, error) {
	switch {
	case r.isSender():
		send, err := transfer.NewStepSend(r.bufs, r.flags, r.comm, ownerRank, r.transferOpts...)
		if err != nil {
			return nil, err
		}
		// Reading the outputs while the send is in flight is fine, they are only read by the transfer.
		finished, findErr := r.finishedSlots(active)
		if err := send.Close(); err != nil {
			return nil, err
		}
		if findErr != nil {
			return nil, findErr
		}
		r.bufs.SwapCacheIndirection()
		return finished, nil

	case r.world.IsFirstPipelineParallelRank():
		if r.world.Rank() == ownerRank && !r.world.IsLastPipelineParallelRank() {
			if err := transfer.RecvStep(r.bufs, r.flags, r.comm, r.lastStageSource(), r.transferOpts...); err != nil {
				return nil, err
			}
		}
		if err := transfer.BcastStep(r.bufs, r.flags, r.group, 0, r.transferOpts...); err != nil {
			return nil, err
		}
	}
	if r.layer != nil {
		r.bufs.SwapCacheIndirection()
	}
	return r.finishedSlots(active)
}

// finishedSlots returns the active slots whose beams are all finished.
func (r *Runner) finishedSlots(active []int32) ([]int32, error) {
	sums, err := tensors.CopyFlatData[int32](r.bufs.FinishedSumHost)
	if err != nil {
		return nil, err
	}
	var finished []int32
	for _, slot := range active {
		if int(sums[slot]) >= r.cfg.MaxBeamWidth {
			finished = append(finished, slot)
		}
	}
	return finished, nil
}

// syncSlots gathers the finished slots on the last stage, moves them to the owner, and frees them.
func (r *Runner) syncSlots(step int, finished []int32) ([]Result, error) {
	var results []Result
	isOwner := r.world.Rank() == ownerRank
	gathers := r.layer != nil && r.world.TensorParallelRank() == 0
	for _, slot := range finished {
		req, err := r.sched.finish(slot)
		if err != nil {
			return nil, err
		}
		if !gathers && !isOwner {
			continue
		}
		buf, err := r.slots.Acquire(int(slot))
		if err != nil {
			return nil, err
		}
		err = r.moveSlot(slot, buf)
		if err == nil && isOwner {
			var result Result
			result, err = r.readResult(buf)
			result.Request, result.Step = req, step
			results = append(results, result)
		}
		if freeErr := r.slots.Free(int(slot)); err == nil {
			err = freeErr
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "request %d in slot %d", req.ID, slot)
		}
		klog.V(2).Infof("rank %d, step %d: request %d finished in slot %d", r.world.Rank(), step, req.ID, slot)
	}
	if isOwner && r.opts.Progress != nil {
		r.opts.Progress(step)
	}
	return results, nil
}

// moveSlot fills buf with the final outputs of slot: gathered on the last stage, received on the owner.
func (r *Runner) moveSlot(slot int32, buf *buffers.SlotDecoderBuffers) error {
	returnLogProbs := r.cfg.ReturnLogProbs
	if r.layer != nil {
		if err := r.layer.GatherSlot(int(slot), r.layer.OutputsFor(r.bufs), buf); err != nil {
			return err
		}
		if err := buf.CopyToDevice(); err != nil {
			return err
		}
		if !r.isSender() {
			return nil
		}
		send, err := transfer.NewSlotSendFromBuffers(buf, returnLogProbs, r.comm, ownerRank, r.transferOpts...)
		if err != nil {
			return err
		}
		return send.Close()
	}
	if err := transfer.RecvSlot(buf, returnLogProbs, r.comm, r.lastStageSource(), r.transferOpts...); err != nil {
		return err
	}
	return buf.CopyToHost()
}

// readResult reads the beams from the host tensors of buf.
func (r *Runner) readResult(buf *buffers.SlotDecoderBuffers) (Result, error) {
	lengths, err := tensors.CopyFlatData[int32](buf.SequenceLengthsHost)
	if err != nil {
		return Result{}, err
	}
	ids, err := tensors.CopyFlatData[int32](buf.OutputIDsHost)
	if err != nil {
		return Result{}, err
	}
	var cum []float32
	if r.cfg.ReturnLogProbs {
		if cum, err = tensors.CopyFlatData[float32](buf.CumLogProbsHost); err != nil {
			return Result{}, err
		}
	}
	seqLen := buf.MaxSeqLen()
	result := Result{Beams: make([]Beam, r.cfg.MaxBeamWidth)}
	for i := range result.Beams {
		beam := Beam{Tokens: ids[i*seqLen:][:lengths[i]]}
		if cum != nil {
			beam.CumLogProb = cum[i]
		}
		result.Beams[i] = beam
	}
	return result, nil
}
