// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package cmd

import (
	"sync/atomic"

	"github.com/apex/log"
)

// levelHandler filters entries below a level that can be changed while
// other goroutines are logging
type levelHandler struct {
	level   int32
	handler log.Handler
}

func newLevelHandler(handler log.Handler, level log.Level) *levelHandler {
	return &levelHandler{level: int32(level), handler: handler}
}

func (h *levelHandler) Level() log.Level {
	return log.Level(atomic.LoadInt32(&h.level))
}

// SetLevel returns false if the level was already set
func (h *levelHandler) SetLevel(level log.Level) bool {
	return atomic.SwapInt32(&h.level, int32(level)) != int32(level)
}

func (h *levelHandler) HandleLog(e *log.Entry) error {
	if e.Level < h.Level() {
		return nil
	}
	return h.handler.HandleLog(e)
}
