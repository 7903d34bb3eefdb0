/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType is the kind of a signaling message.
type MessageType string

// Known message types.
const (
	MessageTypeOffer            MessageType = "offer"
	MessageTypeAnswer           MessageType = "answer"
	MessageTypeCandidate        MessageType = "candidate"
	MessageTypeRemoveCandidates MessageType = "remove-candidates"
	MessageTypeBye              MessageType = "bye"
)

// Candidate is an ICE candidate as exchanged between peers.
type Candidate struct {
	ID        string `json:"id"`
	Label     int    `json:"label"`
	Candidate string `json:"candidate"`
}

// Message is a unit exchanged between the two peers of a room.
type Message struct {
	Type MessageType

	SDP        string
	Candidate  *Candidate
	Candidates []*Candidate
}

type messageJSON struct {
	Type MessageType `json:"type"`

	SDP string `json:"sdp,omitempty"`

	ID        *string `json:"id,omitempty"`
	Label     *int    `json:"label,omitempty"`
	Candidate *string `json:"candidate,omitempty"`

	Candidates []*Candidate `json:"candidates,omitempty"`
}

// NewOffer creates an offer message.
func NewOffer(sdp string) *Message {
	return &Message{Type: MessageTypeOffer, SDP: sdp}
}

// NewAnswer creates an answer message.
func NewAnswer(sdp string) *Message {
	return &Message{Type: MessageTypeAnswer, SDP: sdp}
}

// NewCandidate creates a candidate message.
func NewCandidate(candidate *Candidate) *Message {
	return &Message{Type: MessageTypeCandidate, Candidate: candidate}
}

// NewRemoveCandidates creates a remove-candidates message.
func NewRemoveCandidates(candidates []*Candidate) *Message {
	return &Message{Type: MessageTypeRemoveCandidates, Candidates: candidates}
}

// NewBye creates a bye message.
func NewBye() *Message {
	return &Message{Type: MessageTypeBye}
}

// MarshalJSON implements json.Marshaler with the flat wire layout.
func (m *Message) MarshalJSON() ([]byte, error) {
	out := &messageJSON{
		Type: m.Type,
	}
	switch m.Type {
	case MessageTypeOffer, MessageTypeAnswer:
		out.SDP = m.SDP
	case MessageTypeCandidate:
		if m.Candidate == nil {
			return nil, errors.New("candidate message without candidate")
		}
		out.ID = &m.Candidate.ID
		out.Label = &m.Candidate.Label
		out.Candidate = &m.Candidate.Candidate
	case MessageTypeRemoveCandidates:
		out.Candidates = m.Candidates
		if out.Candidates == nil {
			out.Candidates = []*Candidate{}
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler and validates the payload
// required by the message type.
func (m *Message) UnmarshalJSON(b []byte) error {
	in := &messageJSON{}
	if err := json.Unmarshal(b, in); err != nil {
		return err
	}

	*m = Message{Type: in.Type}
	switch in.Type {
	case MessageTypeOffer, MessageTypeAnswer:
		if in.SDP == "" {
			return fmt.Errorf("%s message missing sdp", in.Type)
		}
		m.SDP = in.SDP
	case MessageTypeCandidate:
		if in.Candidate == nil || in.Label == nil {
			return errors.New("candidate message missing candidate or label")
		}
		m.Candidate = &Candidate{
			Label:     *in.Label,
			Candidate: *in.Candidate,
		}
		if in.ID != nil {
			m.Candidate.ID = *in.ID
		}
	case MessageTypeRemoveCandidates:
		if in.Candidates == nil {
			return errors.New("remove-candidates message missing candidates")
		}
		for _, c := range in.Candidates {
			if c == nil || c.Candidate == "" {
				return errors.New("remove-candidates message with invalid candidate")
			}
		}
		m.Candidates = in.Candidates
	case MessageTypeBye:
	default:
		return fmt.Errorf("unsupported message type %q", in.Type)
	}
	return nil
}

// ParseMessage decodes a single signaling message.
func ParseMessage(b []byte) (*Message, error) {
	message := &Message{}
	if err := json.Unmarshal(b, message); err != nil {
		return nil, fmt.Errorf("failed to parse signaling message: %w", err)
	}
	return message, nil
}
