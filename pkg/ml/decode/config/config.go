// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config holds the model and engine configuration of the decoder, loaded from YAML.
package config

import (
	"bytes"
	"io"
	"os"

	"github.com/gomlx/decodesync/pkg/core/dtypes"
	"github.com/gomlx/decodesync/pkg/ml/decode/speculative"
	"github.com/gomlx/decodesync/pkg/support/fsutil"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned (wrapped) for inconsistent sizes, modes or flags.
var ErrInvalidConfig = errors.New("invalid configuration")

// ModelConfig describes the model attributes that size the decoder buffers.
type ModelConfig struct {
	VocabSize       int              `yaml:"vocab_size"`
	LogitsDType     dtypes.DType     `yaml:"logits_dtype"`
	SpeculativeMode speculative.Mode `yaml:"speculative_mode"`

	// Module holds the draft sizing parameters, only used if SpeculativeMode is not None.
	speculative.Module `yaml:",inline"`
}

// SpeculativeModule returns the draft sizing parameters, or nil if speculative decoding is disabled.
func (m *ModelConfig) SpeculativeModule() *speculative.Module {
	if m.SpeculativeMode.IsNone() {
		return nil
	}
	return &m.Module
}

// Validate the model configuration.
func (m *ModelConfig) Validate() error {
	if m.VocabSize < 1 {
		return errors.Wrapf(ErrInvalidConfig, "model.vocab_size must be >= 1, got %d", m.VocabSize)
	}
	if !m.LogitsDType.IsFloat() {
		return errors.Wrapf(ErrInvalidConfig, "model.logits_dtype must be a float type, got %s", m.LogitsDType)
	}
	if !m.SpeculativeMode.IsValid() {
		return errors.Wrapf(ErrInvalidConfig, "model.speculative_mode is invalid (%d)", uint8(m.SpeculativeMode))
	}
	if err := m.Module.Validate(m.SpeculativeMode); err != nil {
		return errors.Wrap(ErrInvalidConfig, err.Error())
	}
	return nil
}

// EngineConfig holds the decoder maxima, parallelism and model configuration.
type EngineConfig struct {
	MaxBatchSize       int  `yaml:"max_batch_size"`
	MaxNumSequences    int  `yaml:"max_num_sequences"`
	MaxBeamWidth       int  `yaml:"max_beam_width"`
	MaxAttentionWindow int  `yaml:"max_attention_window"`
	MaxSeqLen          int  `yaml:"max_seq_len"`
	MaxTokensPerStep   int  `yaml:"max_tokens_per_step"`
	MaxDecoderSteps    int  `yaml:"max_decoder_steps"`
	ReturnLogProbs     bool `yaml:"return_log_probs"`

	PipelineParallelism int `yaml:"pipeline_parallelism"`
	TensorParallelism   int `yaml:"tensor_parallelism"`

	Model ModelConfig `yaml:"model"`
}

// DefaultEngineConfig returns a small greedy decoding configuration on a single rank.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		MaxBatchSize:        8,
		MaxNumSequences:     8,
		MaxBeamWidth:        1,
		MaxAttentionWindow:  128,
		MaxSeqLen:           128,
		MaxTokensPerStep:    1,
		MaxDecoderSteps:     1,
		PipelineParallelism: 1,
		TensorParallelism:   1,
		Model: ModelConfig{
			VocabSize:       256,
			LogitsDType:     dtypes.Float32,
			SpeculativeMode: speculative.None,
		},
	}
}

// Load reads a YAML configuration file on top of DefaultEngineConfig, and validates it.
// Unknown keys are rejected. A leading "~" and environment variables in path are expanded.
func Load(path string) (*EngineConfig, error) {
	expanded, err := fsutil.RegularFile(path)
	if err != nil {
		return nil, errors.WithMessage(err, "configuration")
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, errors.Wrapf(err, "reading configuration %q", path)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "configuration %q", path)
	}
	return cfg, nil
}

// Parse the YAML contents on top of DefaultEngineConfig, and validate it.
func Parse(data []byte) (*EngineConfig, error) {
	cfg := DefaultEngineConfig()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrapf(ErrInvalidConfig, "parsing YAML: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the sizes, the parallelism and the compatibility of the speculative mode with them.
func (c *EngineConfig) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"max_batch_size", c.MaxBatchSize},
		{"max_num_sequences", c.MaxNumSequences},
		{"max_beam_width", c.MaxBeamWidth},
		{"max_attention_window", c.MaxAttentionWindow},
		{"max_seq_len", c.MaxSeqLen},
		{"max_tokens_per_step", c.MaxTokensPerStep},
		{"max_decoder_steps", c.MaxDecoderSteps},
		{"pipeline_parallelism", c.PipelineParallelism},
		{"tensor_parallelism", c.TensorParallelism},
	}
	for _, p := range positive {
		if p.value < 1 {
			return errors.Wrapf(ErrInvalidConfig, "%s must be >= 1, got %d", p.name, p.value)
		}
	}
	if c.MaxBatchSize > c.MaxNumSequences {
		return errors.Wrapf(ErrInvalidConfig, "max_batch_size (%d) cannot exceed max_num_sequences (%d)",
			c.MaxBatchSize, c.MaxNumSequences)
	}
	if err := c.Model.Validate(); err != nil {
		return err
	}
	mode := c.Model.SpeculativeMode
	if mode.RequiresBeamWidthOne() && c.MaxBeamWidth != 1 {
		return errors.Wrapf(ErrInvalidConfig, "speculative mode %s requires max_beam_width 1, got %d", mode, c.MaxBeamWidth)
	}
	if mode.IsNone() {
		if c.MaxTokensPerStep != 1 {
			return errors.Wrapf(ErrInvalidConfig, "max_tokens_per_step must be 1 without speculative decoding, got %d",
				c.MaxTokensPerStep)
		}
	} else if c.MaxTokensPerStep != c.Model.MaxDecodingTokens() {
		return errors.Wrapf(ErrInvalidConfig, "speculative mode %s requires max_tokens_per_step == max_decoding_draft_tokens+1 (%d), got %d",
			mode, c.Model.MaxDecodingTokens(), c.MaxTokensPerStep)
	}
	return nil
}

// String returns the configuration as YAML.
func (c *EngineConfig) String() string {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err.Error()
	}
	return string(data)
}
