// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package slot

import (
	"context"
	"io"
	"sync"

	"git.arvados.org/execnode.git/sdk/go/nodeapi"
)

// Slot is a reusable execution unit leased to one job at a time. A
// leased slot is bound to the Location chosen by AcquireSlot.
type Slot struct {
	Index  int
	UserID int

	// guarded by manager.mtx
	busy bool

	loc *Location

	prepMtx    sync.Mutex
	prepCancel context.CancelFunc
}

func (s *Slot) Location() *Location {
	return s.loc
}

func (s *Slot) SlotPath() string {
	return s.loc.SlotPath(s.Index)
}

func (s *Slot) SandboxPath(kind nodeapi.SandboxKind) string {
	return s.loc.SandboxPath(s.Index, kind)
}

// PreparationContext returns a context that is cancelled by
// CancelPreparation. Each call replaces the previous context.
func (s *Slot) PreparationContext(parent context.Context) context.Context {
	s.prepMtx.Lock()
	defer s.prepMtx.Unlock()
	if s.prepCancel != nil {
		s.prepCancel()
	}
	ctx, cancel := context.WithCancel(parent)
	s.prepCancel = cancel
	return ctx
}

// CancelPreparation cancels the context returned by the latest call
// to PreparationContext.
func (s *Slot) CancelPreparation() {
	s.prepMtx.Lock()
	defer s.prepMtx.Unlock()
	if s.prepCancel != nil {
		s.prepCancel()
		s.prepCancel = nil
	}
}

func (s *Slot) PrepareSandboxDirectories(ctx context.Context, opts SandboxOptions) ([]string, error) {
	return s.loc.PrepareSandboxDirectories(ctx, s.Index, opts)
}

func (s *Slot) MakeSandboxCopy(kind nodeapi.SandboxKind, name, src string, executable bool) error {
	return s.loc.MakeSandboxCopy(s.Index, kind, name, src, executable)
}

func (s *Slot) MakeSandboxLink(kind nodeapi.SandboxKind, name, target string, executable bool) error {
	return s.loc.MakeSandboxLink(s.Index, kind, name, target, executable)
}

func (s *Slot) MakeSandboxFile(kind nodeapi.SandboxKind, name string, producer func(io.Writer) error, executable bool) error {
	return s.loc.MakeSandboxFile(s.Index, kind, name, producer, executable)
}

func (s *Slot) FinalizeSandboxPreparation(ctx context.Context) error {
	return s.loc.FinalizeSandboxPreparation(ctx, s.Index, s.UserID)
}

func (s *Slot) MakeConfig(cfg nodeapi.JobProxyConfig) (string, error) {
	return s.loc.MakeConfig(s.Index, cfg)
}

func (s *Slot) CleanSandbox(ctx context.Context) error {
	s.CancelPreparation()
	return s.loc.CleanSandboxes(ctx, s.Index)
}
