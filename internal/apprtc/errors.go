/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package apprtc

import (
	"fmt"
)

// JoinError is returned when joining a room fails.
type JoinError struct {
	Room       string
	Result     string
	StatusCode int
	Err        error
}

func (err *JoinError) Error() string {
	switch {
	case err.Err != nil:
		return fmt.Sprintf("join room %s failed: %v", err.Room, err.Err)
	case err.Result != "":
		return fmt.Sprintf("join room %s failed with result %s", err.Room, err.Result)
	default:
		return fmt.Sprintf("join room %s failed with status %d", err.Room, err.StatusCode)
	}
}

func (err *JoinError) Unwrap() error {
	return err.Err
}

// IceResolutionError is returned when fetching TURN servers fails.
type IceResolutionError struct {
	URL        string
	StatusCode int
	Err        error
}

func (err *IceResolutionError) Error() string {
	if err.Err != nil {
		return fmt.Sprintf("ice server request to %s failed: %v", err.URL, err.Err)
	}
	return fmt.Sprintf("ice server request to %s failed with status %d", err.URL, err.StatusCode)
}

func (err *IceResolutionError) Unwrap() error {
	return err.Err
}
