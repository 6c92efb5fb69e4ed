// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fsutil resolves user given paths.
package fsutil

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// ExpandPath replaces a leading "~" or "~user" by the home directory, expands environment variables
// ("$VAR" or "${VAR}") and cleans the result. An empty path is returned as is.
func ExpandPath(path string) (string, error) {
	if path == "" {
		return path, nil
	}
	path = os.ExpandEnv(path)
	if path[0] == '~' {
		rest := path[1:]
		userName, tail, _ := strings.Cut(rest, "/")
		var (
			usr *user.User
			err error
		)
		if userName == "" {
			usr, err = user.Current()
		} else {
			usr, err = user.Lookup(userName)
		}
		if err != nil {
			return "", errors.Wrapf(err, "looking up the home directory in path %q", path)
		}
		path = filepath.Join(usr.HomeDir, tail)
	}
	return filepath.Clean(path), nil
}

// RegularFile expands path and checks that it is an existing regular file.
func RegularFile(path string) (string, error) {
	expanded, err := ExpandPath(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(expanded)
	if err != nil {
		return "", errors.Wrapf(err, "checking file %q", path)
	}
	if !info.Mode().IsRegular() {
		return "", errors.Errorf("%q is not a regular file", expanded)
	}
	return expanded, nil
}
