// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package slot

import (
	"sync"
	"time"
)

// throttle holds an error until a deadline.
type throttle struct {
	err   error
	until time.Time
	mtx   sync.Mutex
}

// ErrorUntil ensures Error() returns err until the given time. If a
// notify func is given, it will be called after the holdoff period
// expires.
func (thr *throttle) ErrorUntil(err error, until time.Time, notify func()) {
	thr.mtx.Lock()
	defer thr.mtx.Unlock()
	thr.err, thr.until = err, until
	if notify != nil {
		time.AfterFunc(until.Sub(time.Now()), notify)
	}
}

func (thr *throttle) Error() error {
	thr.mtx.Lock()
	defer thr.mtx.Unlock()
	if thr.err != nil && !time.Now().Before(thr.until) {
		thr.err = nil
	}
	return thr.err
}
