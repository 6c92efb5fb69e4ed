// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// decodesync prints the decoder buffers layout of an engine configuration, and simulates the
// synchronization of the decoder outputs across a pipeline and tensor parallel world.
//
// Examples:
//
//	decodesync -layout -beam 4 -return_log_probs
//	decodesync -simulate -pp 2 -tp 2 -steps 200 -requests 16 -manifest
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/decodesync/pkg/ml/decode/config"
	"github.com/gomlx/decodesync/pkg/ml/decode/speculative"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagConfig = flag.String("config", "", "YAML engine configuration file. If empty, a small greedy configuration is used.")
	flagLayout = flag.Bool("layout", false, "Print the layout and footprint of the decoder buffers.")

	flagSimulate = flag.Bool("simulate", false, "Simulate the decoder loop on an in-process world.")
	flagSteps    = flag.Int("steps", 100, "Number of decoder steps to simulate.")
	flagRequests = flag.Int("requests", 0, "Number of requests to simulate. 0 creates one per sequence slot.")
	flagSeed     = flag.Uint64("seed", 42, "Seed of the synthetic logits.")
	flagEndBias  = flag.Float64("end_bias", 0.5, "Bias added to the end token logit for each generated token.")
	flagManifest = flag.Bool("manifest", false, "Send a debug manifest before each transfer, to detect protocol mismatches.")

	// Overrides of the configuration.
	flagSlots          = flag.Int("slots", 0, "If > 0, overrides max_num_sequences and max_batch_size.")
	flagBeam           = flag.Int("beam", 0, "If > 0, overrides max_beam_width.")
	flagSpecMode       = flag.String("spec_mode", "", "If set, overrides the speculative decoding mode (e.g.: \"none\", \"medusa\").")
	flagPP             = flag.Int("pp", 0, "If > 0, overrides pipeline_parallelism.")
	flagTP             = flag.Int("tp", 0, "If > 0, overrides tensor_parallelism.")
	flagReturnLogProbs = flag.Bool("return_log_probs", false, "Return log probabilities.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if !*flagLayout && !*flagSimulate {
		fmt.Fprintln(os.Stderr, "Nothing to do: use -layout and/or -simulate. See 'decodesync -help'.")
		os.Exit(1)
	}
	cfg := loadConfig()
	if *flagLayout {
		printLayout(cfg)
	}
	if *flagSimulate {
		simulate(cfg)
	}
}

// loadConfig reads the configuration, applies the flag overrides and validates the result.
func loadConfig() *config.EngineConfig {
	cfg := config.DefaultEngineConfig()
	if *flagConfig != "" {
		cfg = must.M1(config.Load(*flagConfig))
	}
	if *flagSlots > 0 {
		cfg.MaxNumSequences = *flagSlots
		cfg.MaxBatchSize = *flagSlots
	}
	if *flagBeam > 0 {
		cfg.MaxBeamWidth = *flagBeam
	}
	if *flagSpecMode != "" {
		cfg.Model.SpeculativeMode = must.M1(speculative.ParseMode(*flagSpecMode))
	}
	if *flagPP > 0 {
		cfg.PipelineParallelism = *flagPP
	}
	if *flagTP > 0 {
		cfg.TensorParallelism = *flagTP
	}
	if *flagReturnLogProbs {
		cfg.ReturnLogProbs = true
	}
	must.M(cfg.Validate())
	klog.V(1).Infof("engine configuration:\n%s", cfg)
	return cfg
}
