// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package controller

import (
	"sort"
	"sync"
)

// Directory maps node IDs to addresses, as learned from heartbeat
// responses. The zero value is an empty directory.
type Directory struct {
	mtx   sync.RWMutex
	addrs map[string]string
}

// Update adds or replaces the given entries. An empty address
// removes the entry.
func (d *Directory) Update(addrs map[string]string) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.addrs == nil {
		d.addrs = map[string]string{}
	}
	for id, addr := range addrs {
		if addr == "" {
			delete(d.addrs, id)
		} else {
			d.addrs[id] = addr
		}
	}
}

// Lookup implements job.NodeDirectory.
func (d *Directory) Lookup(ids []string) (map[string]string, []string) {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	addrs := map[string]string{}
	var missing []string
	for _, id := range ids {
		if addr, ok := d.addrs[id]; ok {
			addrs[id] = addr
		} else {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)
	return addrs, missing
}

// Len returns the number of known nodes.
func (d *Directory) Len() int {
	d.mtx.RLock()
	defer d.mtx.RUnlock()
	return len(d.addrs)
}
