/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package call

import (
	"github.com/pion/rtp"

	"stash.kopano.io/kwm/kwmapprtc/internal/apprtc"
	"stash.kopano.io/kwm/kwmapprtc/internal/signaling"
)

// SDPType is the type of a session description.
type SDPType string

// Session description types.
const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

// SessionDescription is a typed SDP blob.
type SessionDescription struct {
	Type SDPType
	SDP  string
}

// ICECandidate is a single ICE candidate.
type ICECandidate struct {
	SDPMid        string
	SDPMLineIndex int
	Candidate     string
}

func candidateFromSignaling(c *signaling.Candidate) *ICECandidate {
	return &ICECandidate{
		SDPMid:        c.ID,
		SDPMLineIndex: c.Label,
		Candidate:     c.Candidate,
	}
}

func (c *ICECandidate) toSignaling() *signaling.Candidate {
	return &signaling.Candidate{
		ID:        c.SDPMid,
		Label:     c.SDPMLineIndex,
		Candidate: c.Candidate,
	}
}

// ConnectionState is the ICE connection state reported by an Engine.
type ConnectionState int

// Connection states.
const (
	ConnectionStateNew ConnectionState = iota
	ConnectionStateChecking
	ConnectionStateConnected
	ConnectionStateCompleted
	ConnectionStateDisconnected
	ConnectionStateFailed
	ConnectionStateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateNew:
		return "new"
	case ConnectionStateChecking:
		return "checking"
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateCompleted:
		return "completed"
	case ConnectionStateDisconnected:
		return "disconnected"
	case ConnectionStateFailed:
		return "failed"
	case ConnectionStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TrackKind is the media kind of a track.
type TrackKind string

// Track kinds.
const (
	TrackKindVideo TrackKind = "video"
	TrackKindAudio TrackKind = "audio"
)

// LocalTrack describes a local media track to be sent to the peer.
type LocalTrack struct {
	ID       string
	StreamID string
	Kind     TrackKind
	Codec    string
}

// Default local track names.
const (
	DefaultStreamID     = "ARDAMS"
	DefaultVideoTrackID = "ARDAMSv0"
	DefaultAudioTrackID = "ARDAMSa0"
)

// DefaultTracks returns the local video and audio tracks of a call.
func DefaultTracks(videoCodec string) []*LocalTrack {
	return []*LocalTrack{
		{
			ID:       DefaultVideoTrackID,
			StreamID: DefaultStreamID,
			Kind:     TrackKindVideo,
			Codec:    videoCodec,
		},
		{
			ID:       DefaultAudioTrackID,
			StreamID: DefaultStreamID,
			Kind:     TrackKindAudio,
			Codec:    "opus",
		},
	}
}

// TrackSink receives RTP packets for a local track.
type TrackSink interface {
	PayloadType() uint8
	SSRC() uint32
	WriteRTP(packet *rtp.Packet) error
}

// EngineConfig is the configuration an Engine is created with.
type EngineConfig struct {
	ICEServers []*apprtc.ICEServer
	Initiator  bool
}

// EngineObserver receives the events of an Engine. Implementations must not
// block.
type EngineObserver interface {
	OnLocalDescriptionCreated(description *SessionDescription)
	OnLocalDescriptionSet()
	OnRemoteDescriptionSet()
	OnLocalICECandidate(candidate *ICECandidate)
	OnLocalICECandidatesRemoved(candidates []*ICECandidate)
	OnConnectionStateChanged(state ConnectionState)
	OnNegotiationError(op string, err error)
}

// Engine negotiates the peer connection. Commands report their outcome
// through the EngineObserver, either synchronously or later.
type Engine interface {
	AddTrack(track *LocalTrack) (TrackSink, error)

	CreateOffer()
	CreateAnswer()
	SetLocalDescription(description *SessionDescription)
	SetRemoteDescription(description *SessionDescription)

	AddICECandidate(candidate *ICECandidate) error
	RemoveICECandidates(candidates []*ICECandidate) error

	Close() error
}

// EngineFactory creates an Engine.
type EngineFactory func(config *EngineConfig, observer EngineObserver) (Engine, error)
