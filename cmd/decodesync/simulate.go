// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/decodesync/pkg/ml/decode/config"
	"github.com/gomlx/decodesync/pkg/ml/decode/pipeline"
	"github.com/gomlx/decodesync/pkg/ml/decode/transfer"
	"github.com/janpfeifer/must"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// simulate runs the decoder loop on a LocalWorld and prints the results and the transfer metrics.
func simulate(cfg *config.EngineConfig) {
	registry := prometheus.NewRegistry()
	must.M(transfer.RegisterMetrics(registry))

	opts := pipeline.DefaultOptions()
	opts.Seed = *flagSeed
	opts.EndBias = float32(*flagEndBias)
	opts.Manifest = *flagManifest
	for i := range *flagRequests {
		opts.Requests = append(opts.Requests, pipeline.Request{ID: i, PromptLen: 1 + i%7})
	}
	bar := progressbar.NewOptions(*flagSteps,
		progressbar.OptionSetDescription("simulating"),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionSetWriter(os.Stderr),
	)
	opts.Progress = func(int) { _ = bar.Add(1) }

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	report, err := pipeline.RunWorld(ctx, cfg, opts, *flagSteps)
	_ = bar.Finish()
	fmt.Fprintln(os.Stderr)
	if err != nil {
		klog.Exitf("Simulation failed: %+v", err)
	}

	fmt.Println(titleStyle.Render(fmt.Sprintf("Simulation of %d steps, pp=%d, tp=%d", report.Steps,
		cfg.PipelineParallelism, cfg.TensorParallelism)))
	results := newPlainTable("Request", "Slot", "Steps", "Best beam length", "Cum. log prob")
	for _, result := range report.Results {
		best := result.Beams[0]
		cum := "-"
		if cfg.ReturnLogProbs {
			cum = fmt.Sprintf("%.3f", best.CumLogProb)
		}
		results.Row(fmt.Sprint(result.Request.ID), fmt.Sprint(result.Request.Slot),
			fmt.Sprintf("%d-%d", result.Request.Start, result.Step), fmt.Sprint(len(best.Tokens)), cum)
	}
	fmt.Println(results.Render())

	summary := newPlainTable("Total", "Value")
	summary.Row("finished requests", humanize.Comma(int64(len(report.Results))))
	summary.Row("unserved requests", humanize.Comma(int64(report.Unserved)))
	summary.Row("messages", humanize.Comma(report.Messages))
	summary.Row("bytes", humanize.Bytes(uint64(report.Bytes)))
	summary.Row("live tensors at exit", humanize.Comma(int64(report.LiveTensors)))
	fmt.Println(summary.Render())
	printMetrics(registry)
}

// printMetrics prints the counters and histogram counts gathered by the registry.
func printMetrics(registry *prometheus.Registry) {
	families := must.M1(registry.Gather())
	table := newPlainTable("Metric", "Labels", "Value")
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			labels := make([]string, 0, len(metric.GetLabel()))
			for _, label := range metric.GetLabel() {
				labels = append(labels, label.GetName()+"="+label.GetValue())
			}
			var value string
			switch {
			case metric.GetCounter() != nil:
				value = humanize.Comma(int64(metric.GetCounter().GetValue()))
			case metric.GetHistogram() != nil:
				h := metric.GetHistogram()
				value = fmt.Sprintf("%d joins, %.1fµs total", h.GetSampleCount(), h.GetSampleSum()*1e6)
			default:
				continue
			}
			table.Row(family.GetName(), strings.Join(labels, ","), value)
		}
	}
	fmt.Println(titleStyle.Render("Transfer metrics"))
	fmt.Println(table.Render())
}
