/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package call

import (
	"github.com/sasha-s/go-deadlock"
)

type event func()

// eventQueue is an unbounded FIFO of events. Posting never blocks, a single
// consumer waits on notify and takes everything queued so far.
type eventQueue struct {
	mutex  deadlock.Mutex
	events []event
	notify chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		notify: make(chan struct{}, 1),
	}
}

func (q *eventQueue) post(e event) {
	q.mutex.Lock()
	q.events = append(q.events, e)
	q.mutex.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue) take() []event {
	q.mutex.Lock()
	events := q.events
	q.events = nil
	q.mutex.Unlock()
	return events
}
