// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transfer

// Option configures a transfer. Every side of a transfer must use the same options.
type Option func(o *options)

type options struct {
	manifest bool
}

// WithManifest sends (or expects) a debug manifest ahead of the fields: the number of fields, the bitmask
// of included fields and a checksum of each one.
//
// A receiver whose own flags disagree with the manifest fails with ErrProtocolMismatch before waiting on
// any field, and corrupted payloads are detected after receipt.
func WithManifest() Option {
	return func(o *options) {
		o.manifest = true
	}
}

func makeOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
