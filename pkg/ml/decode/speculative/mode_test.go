// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package speculative

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPredicates(t *testing.T) {
	tests := []struct {
		mode                            Mode
		predicts, rewind, logits, varia bool
	}{
		{None, false, false, false, false},
		{DraftTokensExternal, false, false, false, true},
		{Medusa, true, true, true, false},
		{LookaheadDecoding, true, true, false, true},
		{ExplicitDraftTokens, true, true, false, false},
		{Eagle, true, true, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			assert.True(t, tt.mode.IsValid())
			assert.Equal(t, tt.predicts, tt.mode.PredictsDraftTokens())
			assert.Equal(t, tt.rewind, tt.mode.NeedsKVCacheRewind())
			assert.Equal(t, tt.logits, tt.mode.HasDraftLogits())
			assert.Equal(t, tt.varia, tt.mode.VariableDraftLength())
		})
	}
	assert.False(t, Mode(0).IsValid())
	assert.False(t, (Medusa | Eagle).IsValid())
}

func TestParseMode(t *testing.T) {
	for _, mode := range AllModes {
		parsed, err := ParseMode(mode.String())
		require.NoError(t, err)
		assert.Equal(t, mode, parsed)
	}
	parsed, err := ParseMode("Explicit-Draft-Tokens")
	require.NoError(t, err)
	assert.Equal(t, ExplicitDraftTokens, parsed)
	parsed, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, None, parsed)
	_, err = ParseMode("jacobi")
	require.Error(t, err)
}

func TestModuleValidate(t *testing.T) {
	require.NoError(t, (&Module{}).Validate(None))
	require.Error(t, (&Module{}).Validate(Medusa))
	medusa := &Module{MaxDraftPathLen: 4, MaxDecodingDraftTokens: 63, MaxNumPaths: 16, NumMedusaHeads: 4}
	require.NoError(t, medusa.Validate(Medusa))
	assert.Equal(t, 64, medusa.MaxDecodingTokens())
	medusa.NumMedusaHeads = 3
	require.Error(t, medusa.Validate(Medusa))
	require.NoError(t, (&Module{MaxDecodingDraftTokens: 4}).Validate(DraftTokensExternal))
	require.Error(t, (&Module{MaxDraftPathLen: -1}).Validate(None))
}
