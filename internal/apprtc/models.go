/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package apprtc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"stash.kopano.io/kwm/kwmapprtc/internal/signaling"
)

// ResultSuccess is the join result of a successful join.
const ResultSuccess = "SUCCESS"

// ICEServer describes a STUN or TURN server.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// IsTURN returns true if any of the server's URLs is a TURN URL.
func (s *ICEServer) IsTURN() bool {
	for _, u := range s.URLs {
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			return true
		}
	}
	return false
}

// RoomDescriptor is the result of a successful join.
type RoomDescriptor struct {
	RoomID           string
	ClientID         string
	WebsocketURL     string
	WebsocketPostURL string
	Initiator        bool

	ICEServers   []*ICEServer
	ICEServerURL string

	// Messages holds the offer and candidates which the initiator left in
	// the room before this peer joined. Only set for joiners.
	Messages []*signaling.Message
}

// Offer returns the first offer of the backlog, or nil.
func (room *RoomDescriptor) Offer() *signaling.Message {
	for _, message := range room.Messages {
		if message.Type == signaling.MessageTypeOffer {
			return message
		}
	}
	return nil
}

type joinResponse struct {
	Result string          `json:"result"`
	Params json.RawMessage `json:"params"`
}

type joinParams struct {
	RoomID           string          `json:"room_id"`
	ClientID         string          `json:"client_id"`
	WebsocketURL     string          `json:"wss_url"`
	WebsocketPostURL string          `json:"wss_post_url"`
	IsInitiator      flexBool        `json:"is_initiator"`
	Messages         json.RawMessage `json:"messages"`
	PCConfig         json.RawMessage `json:"pc_config"`
	ICEServerURL     string          `json:"ice_server_url"`
}

type pcConfig struct {
	ICEServers []*iceServerJSON `json:"iceServers"`
}

type iceServerJSON struct {
	URLs       stringOrStringSlice `json:"urls"`
	Username   string              `json:"username"`
	Credential string              `json:"credential"`
}

type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

type flexBool bool

func (v *flexBool) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		switch strings.ToLower(s) {
		case "true":
			*v = true
		case "false", "":
			*v = false
		default:
			return fmt.Errorf("invalid boolean %q", s)
		}
		return nil
	}
	var value bool
	if err := json.Unmarshal(b, &value); err != nil {
		return err
	}
	*v = flexBool(value)
	return nil
}

// unwrapJSON returns the embedded JSON of a value which is either JSON
// encoded into a string or embedded directly.
func unwrapJSON(raw json.RawMessage) (json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '"' {
		return raw, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return json.RawMessage(s), nil
}

func isNullJSON(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

func (s *iceServerJSON) toICEServers(split bool) []*ICEServer {
	urls := make([]string, 0, len(s.URLs))
	for _, u := range s.URLs {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	if len(urls) == 0 {
		return nil
	}
	if !split {
		return []*ICEServer{{
			URLs:       urls,
			Username:   s.Username,
			Credential: s.Credential,
		}}
	}
	servers := make([]*ICEServer, 0, len(urls))
	for _, u := range urls {
		servers = append(servers, &ICEServer{
			URLs:       []string{u},
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return servers
}

func parseBacklog(raw json.RawMessage) ([]*signaling.Message, error) {
	if isNullJSON(raw) {
		return nil, nil
	}
	raw, err := unwrapJSON(raw)
	if err != nil {
		return nil, err
	}
	if isNullJSON(raw) {
		return nil, nil
	}

	var entries []json.RawMessage
	if err = json.Unmarshal(raw, &entries); err != nil {
		return nil, err
	}
	messages := make([]*signaling.Message, 0, len(entries))
	for idx, entry := range entries {
		entry, err = unwrapJSON(entry)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", idx, err)
		}
		message, parseErr := signaling.ParseMessage(entry)
		if parseErr != nil {
			return nil, fmt.Errorf("message %d: %w", idx, parseErr)
		}
		messages = append(messages, message)
	}
	return messages, nil
}
