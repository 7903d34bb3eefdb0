/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package callmgr

import (
	"time"

	"stash.kopano.io/kwm/kwmapprtc/internal/call"
)

// Record is a call owned by a Manager.
type Record struct {
	ID      string
	Created time.Time

	orchestrator *call.Orchestrator
}

// CallResource is the API representation of a Record.
type CallResource struct {
	ID        string    `json:"id"`
	Room      string    `json:"room"`
	RoomID    string    `json:"room_id,omitempty"`
	ClientID  string    `json:"client_id,omitempty"`
	Initiator bool      `json:"initiator"`
	State     string    `json:"state"`
	Error     string    `json:"error,omitempty"`
	Created   time.Time `json:"created"`
}

// State returns the current state of the call.
func (r *Record) State() call.State {
	return r.orchestrator.State()
}

// Done returns a channel which is closed when the call has finished.
func (r *Record) Done() <-chan struct{} {
	return r.orchestrator.Done()
}

// Err returns the error which ended the call, if any.
func (r *Record) Err() error {
	return r.orchestrator.Err()
}

// Resource returns the API representation of the Record.
func (r *Record) Resource() *CallResource {
	resource := &CallResource{
		ID:      r.ID,
		Room:    r.orchestrator.RoomName(),
		State:   r.orchestrator.State().String(),
		Created: r.Created,
	}
	if room := r.orchestrator.Room(); room != nil {
		resource.RoomID = room.RoomID
		resource.ClientID = room.ClientID
		resource.Initiator = room.Initiator
	}
	if err := r.orchestrator.Err(); err != nil {
		resource.Error = err.Error()
	}
	return resource
}
