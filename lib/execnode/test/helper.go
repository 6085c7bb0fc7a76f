// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"context"
	"strings"
	"sync"

	"git.arvados.org/execnode.git/lib/execnode/helper"
)

// HelperRunner records helper invocations and runs them in process
// (unless Fake is set), so tests don't need root or sudo.
type HelperRunner struct {
	// If non-nil, called instead of running the helper.
	Fake func(args []string) ([]byte, error)

	mtx   sync.Mutex
	calls []string
}

func (r *HelperRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	r.mtx.Lock()
	r.calls = append(r.calls, strings.Join(args, " "))
	fake := r.Fake
	r.mtx.Unlock()
	if fake != nil {
		return fake(args)
	}
	return helper.LocalRunner{}.Run(ctx, args...)
}

// Calls returns the invocations whose arguments start with prefix.
func (r *HelperRunner) Calls(prefix string) []string {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	var calls []string
	for _, c := range r.calls {
		if strings.HasPrefix(c, prefix) {
			calls = append(calls, c)
		}
	}
	return calls
}
