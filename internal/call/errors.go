/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package call

import (
	"errors"
	"fmt"
)

// Errors.
var (
	ErrAlreadyStarted = errors.New("call already started")
	ErrIceFailed      = errors.New("ice connection failed")
)

// NegotiationError is reported when the engine rejects creating or applying
// a session description.
type NegotiationError struct {
	Op  string
	Err error
}

func (err *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation %s failed: %v", err.Op, err.Err)
}

func (err *NegotiationError) Unwrap() error {
	return err.Err
}

// SetupError is returned when acquiring local resources for a call fails.
type SetupError struct {
	Op  string
	Err error
}

func (err *SetupError) Error() string {
	return fmt.Sprintf("call setup %s failed: %v", err.Op, err.Err)
}

func (err *SetupError) Unwrap() error {
	return err.Err
}
