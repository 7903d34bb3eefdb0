/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package call

import (
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kwm/kwmapprtc/internal/sdp"
	"stash.kopano.io/kwm/kwmapprtc/internal/signaling"
)

// negotiationState is owned by the event loop.
type negotiationState struct {
	localDescription  *SessionDescription
	localSet          bool
	remoteRequested   *SessionDescription
	remoteDescription *SessionDescription

	pendingRemoteCandidates []*ICECandidate
	pendingLocalCandidates  []*ICECandidate
}

func (n *negotiationState) hasRemoteDescription() bool {
	return n.remoteDescription != nil
}

// canSendCandidates is true once the local description was announced to
// the peer and the peer's description was applied.
func (n *negotiationState) canSendCandidates() bool {
	return n.localSet && n.hasRemoteDescription()
}

type engineObserver struct {
	o *Orchestrator
}

func (eo *engineObserver) OnLocalDescriptionCreated(description *SessionDescription) {
	eo.o.queue.post(func() {
		eo.o.handleLocalDescriptionCreated(description)
	})
}

func (eo *engineObserver) OnLocalDescriptionSet() {
	eo.o.queue.post(eo.o.handleLocalDescriptionSet)
}

func (eo *engineObserver) OnRemoteDescriptionSet() {
	eo.o.queue.post(eo.o.handleRemoteDescriptionSet)
}

func (eo *engineObserver) OnLocalICECandidate(candidate *ICECandidate) {
	eo.o.queue.post(func() {
		eo.o.handleLocalICECandidate(candidate)
	})
}

func (eo *engineObserver) OnLocalICECandidatesRemoved(candidates []*ICECandidate) {
	eo.o.queue.post(func() {
		eo.o.handleLocalICECandidatesRemoved(candidates)
	})
}

func (eo *engineObserver) OnConnectionStateChanged(state ConnectionState) {
	eo.o.queue.post(func() {
		eo.o.handleConnectionStateChanged(state)
	})
}

func (eo *engineObserver) OnNegotiationError(op string, err error) {
	eo.o.queue.post(func() {
		eo.o.handleNegotiationError(op, err)
	})
}

type channelHandler struct {
	o *Orchestrator
}

func (ch *channelHandler) HandleOpen() {
	ch.o.queue.post(ch.o.handleChannelOpen)
}

func (ch *channelHandler) HandleMessage(message *signaling.Message) {
	ch.o.queue.post(func() {
		ch.o.handleMessage(message)
	})
}

func (ch *channelHandler) HandleClose(err error) {
	ch.o.queue.post(func() {
		ch.o.handleChannelClosed(err)
	})
}

func (o *Orchestrator) send(message *signaling.Message) {
	if err := o.channel.Send(message); err != nil {
		o.logger.WithError(err).WithField("type", message.Type).Warnln("failed to queue signaling message")
		return
	}
	o.options.Metrics.message("out", string(message.Type))
}

func (o *Orchestrator) handleChannelOpen() {
	if !o.active() {
		return
	}
	room := o.Room()
	o.logger.Debugln("signal channel open")

	if room.Initiator {
		return
	}
	// Replay what the initiator left in the room before any live message,
	// the offer first.
	offer := room.Offer()
	if offer == nil {
		o.logger.Debugln("no offer in room backlog, waiting for peer")
	} else {
		o.handleMessage(offer)
	}
	for _, message := range room.Messages {
		if message == offer {
			continue
		}
		o.handleMessage(message)
	}
}

func (o *Orchestrator) handleChannelClosed(err error) {
	switch o.State() {
	case StateNegotiating:
		o.teardown(err)
	case StateConnected:
		o.logger.WithError(err).Warnln("signal channel lost while connected")
	}
}

func (o *Orchestrator) handleMessage(message *signaling.Message) {
	if !o.active() {
		return
	}
	o.options.Metrics.message("in", string(message.Type))

	n := o.negotiation
	initiator := o.Room().Initiator
	logger := o.logger.WithField("type", message.Type)

	switch message.Type {
	case signaling.MessageTypeOffer:
		if initiator || n.remoteRequested != nil {
			logger.Debugln("ignoring unexpected offer")
			return
		}
		n.remoteRequested = &SessionDescription{
			Type: SDPTypeOffer,
			SDP:  sdp.PreferCodec(message.SDP, o.options.RemoteVideoCodec, false),
		}
		o.engine.SetRemoteDescription(n.remoteRequested)

	case signaling.MessageTypeAnswer:
		if !initiator || n.remoteRequested != nil {
			logger.Debugln("ignoring unexpected answer")
			return
		}
		n.remoteRequested = &SessionDescription{
			Type: SDPTypeAnswer,
			SDP:  message.SDP,
		}
		o.engine.SetRemoteDescription(n.remoteRequested)

	case signaling.MessageTypeCandidate:
		if message.Candidate == nil {
			logger.Warnln("ignoring candidate message without candidate")
			return
		}
		candidate := candidateFromSignaling(message.Candidate)
		if !n.hasRemoteDescription() {
			n.pendingRemoteCandidates = append(n.pendingRemoteCandidates, candidate)
			return
		}
		o.addRemoteCandidate(candidate)

	case signaling.MessageTypeRemoveCandidates:
		candidates := make([]*ICECandidate, 0, len(message.Candidates))
		for _, c := range message.Candidates {
			if c == nil {
				continue
			}
			candidates = append(candidates, candidateFromSignaling(c))
		}
		if !n.hasRemoteDescription() {
			n.pendingRemoteCandidates = removeCandidates(n.pendingRemoteCandidates, candidates)
			return
		}
		if err := o.engine.RemoveICECandidates(candidates); err != nil {
			logger.WithError(err).Warnln("failed to remove remote candidates")
		}

	case signaling.MessageTypeBye:
		o.logger.Infoln("peer left")
		o.teardown(nil)

	default:
		logger.Warnln("ignoring unknown signaling message")
	}
}

func (o *Orchestrator) addRemoteCandidate(candidate *ICECandidate) {
	if err := o.engine.AddICECandidate(candidate); err != nil {
		o.logger.WithError(err).WithField("candidate", candidate.Candidate).Warnln("failed to add remote candidate")
	}
}

func (o *Orchestrator) handleLocalDescriptionCreated(description *SessionDescription) {
	if !o.active() {
		return
	}
	n := o.negotiation
	if n.localDescription != nil {
		o.logger.Debugln("ignoring repeated local description")
		return
	}

	n.localDescription = &SessionDescription{
		Type: description.Type,
		SDP:  sdp.PreferCodec(description.SDP, o.options.LocalVideoCodec, false),
	}
	o.engine.SetLocalDescription(n.localDescription)
}

func (o *Orchestrator) handleLocalDescriptionSet() {
	if !o.active() {
		return
	}
	n := o.negotiation
	if n.localDescription == nil || n.localSet {
		return
	}
	n.localSet = true

	if o.Room().Initiator {
		if !n.hasRemoteDescription() {
			o.logger.Debugln("sending offer")
			o.send(signaling.NewOffer(n.localDescription.SDP))
		} else {
			o.flushLocalCandidates()
		}
		return
	}

	o.logger.Debugln("sending answer")
	o.send(signaling.NewAnswer(n.localDescription.SDP))
	o.flushLocalCandidates()
}

func (o *Orchestrator) handleRemoteDescriptionSet() {
	if !o.active() {
		return
	}
	n := o.negotiation
	if n.remoteRequested == nil || n.remoteDescription != nil {
		return
	}
	n.remoteDescription = n.remoteRequested

	pending := n.pendingRemoteCandidates
	n.pendingRemoteCandidates = nil
	o.logger.WithField("count", len(pending)).Debugln("remote description set, flushing remote candidates")
	for _, candidate := range pending {
		o.addRemoteCandidate(candidate)
	}

	if o.Room().Initiator {
		if n.localSet {
			o.flushLocalCandidates()
		}
		return
	}
	if n.localDescription == nil {
		o.engine.CreateAnswer()
	}
}

func (o *Orchestrator) flushLocalCandidates() {
	n := o.negotiation
	pending := n.pendingLocalCandidates
	n.pendingLocalCandidates = nil
	for _, candidate := range pending {
		o.send(signaling.NewCandidate(candidate.toSignaling()))
	}
}

func (o *Orchestrator) handleLocalICECandidate(candidate *ICECandidate) {
	if !o.active() {
		return
	}
	n := o.negotiation
	if !n.canSendCandidates() {
		n.pendingLocalCandidates = append(n.pendingLocalCandidates, candidate)
		return
	}
	o.send(signaling.NewCandidate(candidate.toSignaling()))
}

func (o *Orchestrator) handleLocalICECandidatesRemoved(candidates []*ICECandidate) {
	if !o.active() {
		return
	}
	n := o.negotiation
	if !n.canSendCandidates() {
		n.pendingLocalCandidates = removeCandidates(n.pendingLocalCandidates, candidates)
		return
	}
	removed := make([]*signaling.Candidate, 0, len(candidates))
	for _, candidate := range candidates {
		removed = append(removed, candidate.toSignaling())
	}
	o.send(signaling.NewRemoveCandidates(removed))
}

func (o *Orchestrator) handleConnectionStateChanged(state ConnectionState) {
	if !o.active() {
		return
	}
	o.logger.WithField("ice_state", state.String()).Debugln("connection state changed")

	switch state {
	case ConnectionStateConnected, ConnectionStateCompleted:
		if o.State() == StateConnected {
			return
		}
		o.setState(StateConnected)
		o.logger.Infoln("call connected")
		if o.feedsSwapped {
			o.feedsSwapped = false
			o.options.Renderer.SetSwappedFeeds(false)
		}

	case ConnectionStateDisconnected, ConnectionStateClosed:
		o.teardown(nil)

	case ConnectionStateFailed:
		o.teardown(&NegotiationError{Op: "ice", Err: ErrIceFailed})
	}
}

func (o *Orchestrator) handleNegotiationError(op string, err error) {
	if !o.active() {
		return
	}
	o.logger.WithFields(logrus.Fields{
		"op": op,
	}).WithError(err).Errorln("negotiation error")
	o.teardown(&NegotiationError{Op: op, Err: err})
}

func removeCandidates(list []*ICECandidate, remove []*ICECandidate) []*ICECandidate {
	if len(list) == 0 || len(remove) == 0 {
		return list
	}
	kept := list[:0]
	for _, c := range list {
		found := false
		for _, r := range remove {
			if c.Candidate == r.Candidate && c.SDPMid == r.SDPMid && c.SDPMLineIndex == r.SDPMLineIndex {
				found = true
				break
			}
		}
		if !found {
			kept = append(kept, c)
		}
	}
	return kept
}
