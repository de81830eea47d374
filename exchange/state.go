// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package exchange

import "fmt"

// State of the Exchange
type State int

// Exchange states
const (
	Idle State = iota
	Starting
	Running
	Fatal
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Starting:
		return "Starting"
	case Running:
		return "Running"
	case Fatal:
		return "Fatal"
	case Stopped:
		return "Stopped"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// State returns the current state of the Exchange
func (b *Exchange) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *Exchange) setState(state State) {
	b.mu.Lock()
	b.state = state
	b.mu.Unlock()
	bridgeState.Set(float64(state))
	b.ctx.WithField("State", state).Debug("State changed")
}

// transition only changes the state if it is currently from
func (b *Exchange) transition(from, to State) bool {
	b.mu.Lock()
	if b.state != from {
		b.mu.Unlock()
		return false
	}
	b.state = to
	b.mu.Unlock()
	bridgeState.Set(float64(to))
	return true
}
