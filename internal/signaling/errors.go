/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package signaling

import (
	"fmt"
)

// Error is returned for signaling transport failures like a failed dial or
// an unexpected closure of the stream.
type Error struct {
	Op  string
	Err error
}

func (err *Error) Error() string {
	return fmt.Sprintf("signal channel %s: %v", err.Op, err.Err)
}

func (err *Error) Unwrap() error {
	return err.Err
}
