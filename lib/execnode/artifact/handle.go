// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package artifact

import "sync"

// Handle refers to a cached artifact. The file at Path() is not
// removed from the cache until the handle is released.
type Handle struct {
	path    string
	size    int64
	once    sync.Once
	release func()
}

func (h *Handle) Path() string {
	return h.path
}

func (h *Handle) Size() int64 {
	return h.size
}

// Release unpins the artifact. Calling Release more than once has no
// effect.
func (h *Handle) Release() {
	h.once.Do(func() {
		if h.release != nil {
			h.release()
		}
	})
}
