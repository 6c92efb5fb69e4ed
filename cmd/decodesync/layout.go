// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/decodesync/pkg/core/distributed"
	"github.com/gomlx/decodesync/pkg/core/tensors"
	"github.com/gomlx/decodesync/pkg/ml/decode/beamsearch"
	"github.com/gomlx/decodesync/pkg/ml/decode/buffers"
	"github.com/gomlx/decodesync/pkg/ml/decode/config"
	"github.com/gomlx/decodesync/pkg/ml/decode/transfer"
	"github.com/janpfeifer/must"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

// newPlainTable returns a table with alternating row styles. Columns after the first are right aligned.
func newPlainTable(headers ...string) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		Headers(headers...).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row < 0:
				return headerRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			if col == 0 {
				return s.Align(lipgloss.Left)
			}
			return s.Align(lipgloss.Right)
		})
}

// printLayout prints every buffer allocated by the last pipeline stage, where the decoder runs.
func printLayout(cfg *config.EngineConfig) {
	lastRank := cfg.PipelineParallelism*cfg.TensorParallelism - 1
	world := must.M1(distributed.NewWorldConfig(cfg.TensorParallelism, cfg.PipelineParallelism, lastRank))
	pool := tensors.NewMemoryPool()

	decoder := must.M1(buffers.NewDecoderBuffers(buffers.SizesFromEngineConfig(cfg), pool, &cfg.Model, world))
	defer decoder.Release()
	inputs := must.M1(buffers.NewDecoderInputBuffers(cfg.MaxBatchSize, cfg.MaxDecoderSteps, pool))
	defer inputs.Release()
	slot := must.M1(buffers.NewSlotDecoderBuffers(cfg.MaxBeamWidth, cfg.MaxSeqLen, pool))
	defer slot.Release()

	fmt.Println(titleStyle.Render(fmt.Sprintf("Buffers of rank %d (%s), speculative mode %s", lastRank, world, cfg.Model.SpeculativeMode)))
	table := newPlainTable("Name", "Shape", "Residency", "Bytes")
	var fields []buffers.Field
	fields = append(fields, decoder.Fields()...)
	fields = append(fields, inputs.Fields()...)
	fields = append(fields, slot.Fields()...)
	for _, f := range fields {
		table.Row(f.Name, f.Tensor.Shape().String(), f.Tensor.Residency().String(), humanize.Bytes(uint64(f.Tensor.CapacityMemory())))
	}
	fmt.Println(table.Render())

	footprint := buffers.Footprint(fields)
	summary := newPlainTable("Total", "Value")
	summary.Row("# buffers", humanize.Comma(int64(len(fields))))
	summary.Row("device", humanize.Bytes(uint64(footprint[tensors.Device])))
	summary.Row("pinned host", humanize.Bytes(uint64(footprint[tensors.PinnedHost])))
	summary.Row("beam search workspace", humanize.Bytes(uint64(beamsearch.WorkspaceSize(beamsearch.DomainFromEngineConfig(cfg)))))
	summary.Row("step transfer", stepTransferSummary(cfg))
	fmt.Println(summary.Render())
}

// stepTransferSummary describes the tags of the step protocol.
func stepTransferSummary(cfg *config.EngineConfig) string {
	flags := transfer.StepFlagsFor(cfg)
	return fmt.Sprintf("tags %s, %+v", transfer.StepTags, flags)
}
