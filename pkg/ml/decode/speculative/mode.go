// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package speculative defines the speculative decoding modes and the draft sizing parameters of the model.
//
// A Mode is a bit set with at most one bit on; the predicates (PredictsDraftTokens, NeedsKVCacheRewind, ...)
// group the modes by which decoder buffers they require.
package speculative

import (
	"strings"

	"github.com/pkg/errors"
)

// Mode of speculative decoding.
type Mode uint8

const (
	// None disables speculative decoding: one token per step.
	None Mode = 1 << iota

	// DraftTokensExternal uses draft tokens produced by a separate draft model.
	DraftTokensExternal

	// Medusa uses extra decoding heads predicting draft tokens along a tree of paths.
	Medusa

	// LookaheadDecoding uses n-gram guesses collected by Jacobi iterations.
	LookaheadDecoding

	// ExplicitDraftTokens (ReDrafter) uses a draft head with explicit beams of draft tokens.
	ExplicitDraftTokens

	// Eagle uses a draft model fed with the target model hidden states.
	Eagle
)

var modeNames = []struct {
	mode Mode
	name string
}{
	{None, "none"},
	{DraftTokensExternal, "draft_tokens_external"},
	{Medusa, "medusa"},
	{LookaheadDecoding, "lookahead"},
	{ExplicitDraftTokens, "explicit_draft_tokens"},
	{Eagle, "eagle"},
}

// AllModes lists every mode, in declaration order.
var AllModes = []Mode{None, DraftTokensExternal, Medusa, LookaheadDecoding, ExplicitDraftTokens, Eagle}

// String implements fmt.Stringer.
func (m Mode) String() string {
	for _, entry := range modeNames {
		if entry.mode == m {
			return entry.name
		}
	}
	return "invalid"
}

// ParseMode converts a mode name (case-insensitive, "-" accepted for "_") to a Mode.
// The empty string is None.
func ParseMode(name string) (Mode, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
	if normalized == "" {
		return None, nil
	}
	for _, entry := range modeNames {
		if entry.name == normalized {
			return entry.mode, nil
		}
	}
	return 0, errors.Errorf("unknown speculative decoding mode %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	if !m.IsValid() {
		return nil, errors.Errorf("invalid speculative decoding mode %d", uint8(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// IsValid returns whether exactly one mode bit is set.
func (m Mode) IsValid() bool { return m != 0 && m&(m-1) == 0 && m <= Eagle }

func (m Mode) anyBitSet(bits Mode) bool { return m&bits != 0 }

func (m Mode) IsNone() bool                { return m == None }
func (m Mode) IsDraftTokensExternal() bool { return m == DraftTokensExternal }
func (m Mode) IsMedusa() bool              { return m == Medusa }
func (m Mode) IsLookaheadDecoding() bool   { return m == LookaheadDecoding }
func (m Mode) IsExplicitDraftTokens() bool { return m == ExplicitDraftTokens }
func (m Mode) IsEagle() bool               { return m == Eagle }

// PredictsDraftTokens returns whether the target model itself (or its heads) predicts the next draft tokens.
func (m Mode) PredictsDraftTokens() bool {
	return m.anyBitSet(Medusa | LookaheadDecoding | ExplicitDraftTokens | Eagle)
}

// NeedsKVCacheRewind returns whether rejected draft tokens must be removed from the KV cache.
func (m Mode) NeedsKVCacheRewind() bool {
	return m.anyBitSet(Medusa | LookaheadDecoding | ExplicitDraftTokens | Eagle)
}

// HasDraftLogits returns whether the mode produces per-head draft logits.
func (m Mode) HasDraftLogits() bool {
	return m.anyBitSet(Medusa)
}

// VariableDraftLength returns whether the number of draft tokens varies per request and step.
func (m Mode) VariableDraftLength() bool {
	return m.anyBitSet(DraftTokensExternal | LookaheadDecoding)
}

// UpdatesPositionIDs returns whether the mode produces its own position ids for the draft tokens.
func (m Mode) UpdatesPositionIDs() bool {
	return m.anyBitSet(LookaheadDecoding | ExplicitDraftTokens | Eagle)
}

// RequiresBeamWidthOne returns whether the mode can only be used with greedy (or sampling) decoding.
func (m Mode) RequiresBeamWidthOne() bool {
	return m.anyBitSet(Medusa | LookaheadDecoding | ExplicitDraftTokens | Eagle)
}

// Module holds the draft sizing parameters of a speculative decoding model.
type Module struct {
	// MaxDraftPathLen is the maximum number of draft tokens along one path (Medusa: number of heads).
	MaxDraftPathLen int `yaml:"max_draft_path_len"`

	// MaxDecodingDraftTokens is the maximum number of draft tokens verified per step.
	MaxDecodingDraftTokens int `yaml:"max_decoding_draft_tokens"`

	// MaxNumPaths is the maximum number of draft paths (tree branches).
	MaxNumPaths int `yaml:"max_num_paths"`

	// NumMedusaHeads, for Medusa only.
	NumMedusaHeads int `yaml:"num_medusa_heads"`
}

// MaxDecodingTokens returns the number of tokens processed per step: the draft tokens plus the "golden" token.
func (m *Module) MaxDecodingTokens() int {
	return m.MaxDecodingDraftTokens + 1
}

// Validate the module parameters for the given mode.
func (m *Module) Validate(mode Mode) error {
	if m.MaxDraftPathLen < 0 || m.MaxDecodingDraftTokens < 0 || m.MaxNumPaths < 0 || m.NumMedusaHeads < 0 {
		return errors.Errorf("speculative module %+v has negative values", *m)
	}
	if mode.IsNone() {
		return nil
	}
	if m.MaxDecodingDraftTokens < 1 {
		return errors.Errorf("speculative mode %s requires max_decoding_draft_tokens >= 1, got %d", mode, m.MaxDecodingDraftTokens)
	}
	if (mode.HasDraftLogits() || mode.NeedsKVCacheRewind()) && m.MaxDraftPathLen < 1 {
		return errors.Errorf("speculative mode %s requires max_draft_path_len >= 1, got %d", mode, m.MaxDraftPathLen)
	}
	if mode.IsMedusa() && m.NumMedusaHeads != 0 && m.NumMedusaHeads != m.MaxDraftPathLen {
		return errors.Errorf("medusa: num_medusa_heads (%d) must match max_draft_path_len (%d)", m.NumMedusaHeads, m.MaxDraftPathLen)
	}
	return nil
}
