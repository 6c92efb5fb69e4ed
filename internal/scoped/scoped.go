// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package scoped provides a mapping from keys to values, organized in hierarchical scopes.
package scoped

import (
	"maps"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// RootScope is the scope every other scope inherits from.
const RootScope = "/"

// Params maps (scope, key) to values. A lookup searches the given scope, then each parent scope up to the
// root, and returns the first value found.
//
// Example, with the parameters below:
//
//	Scope "/":        { "length_penalty": 1.0, "early_stopping": 1 }
//	Scope "/slot":    { "early_stopping": 0 }
//	Scope "/slot/3":  { "length_penalty": 0.6 }
//
//	Get("/slot/3", "length_penalty") -> 0.6
//	Get("/slot/3", "early_stopping") -> 0
//	Get("/slot/2", "length_penalty") -> 1.0
//	Get("/slot/3", "diversity_rate") -> not found
//
// Scopes are paths of parts separated by "/", and always start with "/".
//
// Params is not safe for concurrent mutation.
type Params struct {
	scopes map[string]map[string]any
}

// New creates an empty Params.
func New() *Params {
	return &Params{scopes: make(map[string]map[string]any)}
}

// Join returns the scope of the given parts under parent. E.g. Join("/", "slot", "3") returns "/slot/3".
func Join(parent string, parts ...string) string {
	scope := strings.TrimSuffix(parent, RootScope)
	for _, part := range parts {
		scope += RootScope + part
	}
	if scope == "" {
		return RootScope
	}
	return scope
}

// parent returns the parent of scope, and false for the root scope.
func parent(scope string) (string, bool) {
	if scope == RootScope {
		return "", false
	}
	idx := strings.LastIndex(scope, RootScope)
	if idx <= 0 {
		return RootScope, true
	}
	return scope[:idx], true
}

func checkScope(scope string) {
	if !strings.HasPrefix(scope, RootScope) || (scope != RootScope && strings.HasSuffix(scope, RootScope)) {
		exceptions.Panicf("scoped: invalid scope %q, it must start with %q and not end with it", scope, RootScope)
	}
}

// Clone returns a copy of the parameters. Values themselves are not copied.
func (p *Params) Clone() *Params {
	clone := New()
	for scope, values := range p.scopes {
		clone.scopes[scope] = maps.Clone(values)
	}
	return clone
}

// Set sets the value of key in scope.
func (p *Params) Set(scope, key string, value any) {
	checkScope(scope)
	values, found := p.scopes[scope]
	if !found {
		values = make(map[string]any)
		p.scopes[scope] = values
	}
	values[key] = value
}

// Get returns the value of key in scope or in its closest parent scope that has it.
func (p *Params) Get(scope, key string) (value any, found bool) {
	checkScope(scope)
	for {
		if value, found = p.scopes[scope][key]; found {
			return value, true
		}
		var hasParent bool
		if scope, hasParent = parent(scope); !hasParent {
			return nil, false
		}
	}
}

// Number is the set of types GetAs can convert numeric values to.
type Number interface {
	~int | ~int32 | ~int64 | ~float32 | ~float64
}

// GetAs returns the value of key, as seen from scope, converted to T. It returns defaultValue if the key
// is not set, and an error if the value is not a number (or a bool, which converts to 0 or 1).
//
// Values loaded from configuration files are usually int or float64, hence the conversion.
func GetAs[T Number](p *Params, scope, key string, defaultValue T) (T, error) {
	value, found := p.Get(scope, key)
	if !found {
		return defaultValue, nil
	}
	switch v := value.(type) {
	case T:
		return v, nil
	case int:
		return T(v), nil
	case int32:
		return T(v), nil
	case int64:
		return T(v), nil
	case float32:
		return T(v), nil
	case float64:
		return T(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	}
	return defaultValue, errors.Errorf("scoped parameter %q (seen from scope %q) has type %T, not a number", key, scope, value)
}

// Enumerate calls fn for every parameter, sorted by scope and then by key.
func (p *Params) Enumerate(fn func(scope, key string, value any)) {
	for _, scope := range slices.Sorted(maps.Keys(p.scopes)) {
		values := p.scopes[scope]
		for _, key := range slices.Sorted(maps.Keys(values)) {
			fn(scope, key, values[key])
		}
	}
}
