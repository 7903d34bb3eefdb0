/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package call

import (
	"context"
)

// CaptureSource produces the media of the local tracks.
type CaptureSource interface {
	Tracks() []*LocalTrack
	Start(ctx context.Context, sinks map[string]TrackSink) error
	Stop() error
}

// CaptureFactory creates a CaptureSource for a call.
type CaptureFactory func() (CaptureSource, error)

// Renderer controls where local and remote video is displayed.
type Renderer interface {
	SetSwappedFeeds(swapped bool)
	Detach()
	Release()
}

// AudioRouting saves and restores ambient audio state around a call.
type AudioRouting interface {
	Enter() error
	Restore() error
}

type nopRenderer struct{}

func (nopRenderer) SetSwappedFeeds(bool) {}
func (nopRenderer) Detach()              {}
func (nopRenderer) Release()             {}

type nopAudioRouting struct{}

func (nopAudioRouting) Enter() error   { return nil }
func (nopAudioRouting) Restore() error { return nil }
