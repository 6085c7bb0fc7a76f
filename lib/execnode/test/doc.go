// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package test provides stub implementations of the exec node's
// pluggable components, for use in tests.
package test
