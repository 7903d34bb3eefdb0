/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package call

// State is the lifecycle state of a call.
type State int32

// States.
const (
	StateIdle State = iota
	StateJoining
	StateNegotiating
	StateConnected
	StateDisconnecting
	StateClosed
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:          "idle",
	StateJoining:       "joining",
	StateNegotiating:   "negotiating",
	StateConnected:     "connected",
	StateDisconnecting: "disconnecting",
	StateClosed:        "closed",
	StateFailed:        "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal returns true for states which are never left again.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
