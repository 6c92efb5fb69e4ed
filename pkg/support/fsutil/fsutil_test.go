// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fsutil

import (
	"os"
	"os/user"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandPath(t *testing.T) {
	usr, err := user.Current()
	require.NoError(t, err)

	got, err := ExpandPath("~/configs/../engine.yaml")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(usr.HomeDir, "engine.yaml"), got)

	got, err = ExpandPath("~")
	require.NoError(t, err)
	assert.Equal(t, filepath.Clean(usr.HomeDir), got)

	t.Setenv("DECODESYNC_TEST_DIR", "/tmp/decodesync")
	got, err = ExpandPath("${DECODESYNC_TEST_DIR}/engine.yaml")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/decodesync/engine.yaml", got)

	got, err = ExpandPath("")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = ExpandPath("~no-such-user-for-sure/x")
	require.Error(t, err)
}

func TestRegularFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))

	got, err := RegularFile(path)
	require.NoError(t, err)
	assert.Equal(t, path, got)

	_, err = RegularFile(dir)
	require.Error(t, err)
	_, err = RegularFile(filepath.Join(dir, "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
