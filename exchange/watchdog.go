// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package exchange

import (
	"time"
)

type watchdog struct {
	*time.Timer
	expire time.Duration
}

// watchdogPeriods is the number of poll periods without a kick after which
// the uplink loop is considered stalled
const watchdogPeriods = 10

func newWatchdog(expire time.Duration, callback func()) *watchdog {
	return &watchdog{
		Timer:  time.AfterFunc(expire, callback),
		expire: expire,
	}
}

// Kick the watchdog. Returns false if it had already expired.
func (w *watchdog) Kick() bool {
	alive := w.Stop()
	w.Reset(w.expire)
	return alive
}
