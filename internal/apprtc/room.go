/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package apprtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Defaults.
const (
	DefaultReferer      = "https://appr.tc"
	DefaultJoinTimeout  = 30 * time.Second
	DefaultLeaveTimeout = 5 * time.Second

	maxResponseSize = 1024 * 1024
)

// Config bundles the settings of a Client.
type Config struct {
	Logger     logrus.FieldLogger
	HTTPClient *http.Client

	// Referer is sent when fetching TURN servers.
	Referer string

	JoinTimeout time.Duration
}

// Client talks to an AppRTC compatible room server.
type Client struct {
	baseURI string

	config *Config
	logger logrus.FieldLogger
}

// NewClient creates a Client for the room server at baseURI.
func NewClient(baseURI string, cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	uri, err := url.Parse(baseURI)
	if err != nil {
		return nil, fmt.Errorf("invalid room server URL: %w", err)
	}
	switch uri.Scheme {
	case "https":
	case "http":
	default:
		return nil, errors.New("unknown URI scheme")
	}

	config := *cfg
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}
	if config.Referer == "" {
		config.Referer = DefaultReferer
	}
	if config.JoinTimeout <= 0 {
		config.JoinTimeout = DefaultJoinTimeout
	}

	c := &Client{
		baseURI: strings.TrimRight(uri.String(), "/"),
		config:  &config,
		logger:  config.Logger,
	}

	return c, nil
}

// Join joins the named room and resolves its ICE servers.
func (c *Client) Join(ctx context.Context, roomName string) (*RoomDescriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.JoinTimeout)
	defer cancel()

	logger := c.logger.WithField("room", roomName)

	uri := c.baseURI + "/join/" + url.PathEscape(roomName)
	status, body, err := c.do(ctx, http.MethodPost, uri, nil)
	if err != nil {
		return nil, &JoinError{Room: roomName, Err: err}
	}
	if status < 200 || status >= 300 {
		logger.WithField("status", status).Debugln("join request failed")
		return nil, &JoinError{Room: roomName, StatusCode: status}
	}

	response := &joinResponse{}
	if err = json.Unmarshal(body, response); err != nil {
		return nil, &JoinError{Room: roomName, StatusCode: status, Err: fmt.Errorf("invalid join response: %w", err)}
	}
	if response.Result != ResultSuccess {
		return nil, &JoinError{Room: roomName, StatusCode: status, Result: response.Result}
	}

	room, err := c.parseParams(response.Params)
	if err != nil {
		return nil, &JoinError{Room: roomName, StatusCode: status, Err: err}
	}

	logger = logger.WithFields(logrus.Fields{
		"room_id":   room.RoomID,
		"client_id": room.ClientID,
		"initiator": room.Initiator,
	})
	logger.Debugln("room joined")

	hasTURN := false
	for _, server := range room.ICEServers {
		if server.IsTURN() {
			hasTURN = true
			break
		}
	}
	if hasTURN && room.ICEServerURL != "" {
		servers, fetchErr := c.fetchICEServers(ctx, room.ICEServerURL)
		if fetchErr != nil {
			// Leave again, the room is unusable without relay servers.
			leaveCtx, leaveCancel := context.WithTimeout(context.Background(), DefaultLeaveTimeout)
			c.Leave(leaveCtx, room)
			leaveCancel()
			return nil, fetchErr
		}
		logger.WithField("count", len(servers)).Debugln("turn servers resolved")
		room.ICEServers = append(room.ICEServers, servers...)
	}

	return room, nil
}

func (c *Client) parseParams(raw json.RawMessage) (*RoomDescriptor, error) {
	if isNullJSON(raw) {
		return nil, errors.New("join response without params")
	}
	raw, err := unwrapJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	params := &joinParams{}
	if err = json.Unmarshal(raw, params); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if params.RoomID == "" || params.ClientID == "" {
		return nil, errors.New("params without room or client id")
	}
	if params.WebsocketURL == "" {
		return nil, errors.New("params without websocket url")
	}

	room := &RoomDescriptor{
		RoomID:           params.RoomID,
		ClientID:         params.ClientID,
		WebsocketURL:     params.WebsocketURL,
		WebsocketPostURL: strings.TrimRight(params.WebsocketPostURL, "/"),
		Initiator:        bool(params.IsInitiator),
		ICEServerURL:     params.ICEServerURL,
	}

	if !isNullJSON(params.PCConfig) {
		pcRaw, pcErr := unwrapJSON(params.PCConfig)
		if pcErr != nil {
			return nil, fmt.Errorf("invalid pc_config: %w", pcErr)
		}
		pc := &pcConfig{}
		if pcErr = json.Unmarshal(pcRaw, pc); pcErr != nil {
			return nil, fmt.Errorf("invalid pc_config: %w", pcErr)
		}
		for _, server := range pc.ICEServers {
			if server == nil {
				continue
			}
			room.ICEServers = append(room.ICEServers, server.toICEServers(false)...)
		}
	}

	if !room.Initiator {
		room.Messages, err = parseBacklog(params.Messages)
		if err != nil {
			return nil, fmt.Errorf("invalid messages: %w", err)
		}
	}

	return room, nil
}

// Leave leaves the room and deletes this client's registration at the
// signaling server. Errors are logged, not returned.
func (c *Client) Leave(ctx context.Context, room *RoomDescriptor) {
	if room == nil {
		return
	}
	logger := c.logger.WithFields(logrus.Fields{
		"room_id":   room.RoomID,
		"client_id": room.ClientID,
	})

	uri := c.baseURI + "/leave/" + url.PathEscape(room.RoomID) + "/" + url.PathEscape(room.ClientID)
	status, body, err := c.do(ctx, http.MethodPost, uri, nil)
	if err != nil {
		logger.WithError(err).Warnln("leave request failed")
	} else {
		logger.WithFields(logrus.Fields{
			"status":   status,
			"response": string(body),
		}).Debugln("leave response")
	}

	if room.WebsocketPostURL == "" {
		return
	}
	uri = room.WebsocketPostURL + "/" + url.PathEscape(room.RoomID) + "/" + url.PathEscape(room.ClientID)
	status, body, err = c.do(ctx, http.MethodDelete, uri, nil)
	if err != nil {
		logger.WithError(err).Warnln("delete request failed")
	} else {
		logger.WithFields(logrus.Fields{
			"status":   status,
			"response": string(body),
		}).Debugln("delete response")
	}
}

// MessageURL returns the URL where the initiator posts its messages.
func (c *Client) MessageURL(room *RoomDescriptor) string {
	return c.baseURI + "/message/" + url.PathEscape(room.RoomID) + "/" + url.PathEscape(room.ClientID)
}

func (c *Client) do(ctx context.Context, method, uri string, header http.Header) (int, []byte, error) {
	request, err := http.NewRequestWithContext(ctx, method, uri, nil)
	if err != nil {
		return 0, nil, err
	}
	for k, v := range header {
		request.Header[k] = v
	}

	response, err := c.config.HTTPClient.Do(request)
	if err != nil {
		return 0, nil, err
	}
	defer response.Body.Close()

	body, err := ioutil.ReadAll(io.LimitReader(response.Body, maxResponseSize))
	if err != nil {
		return response.StatusCode, nil, err
	}
	return response.StatusCode, body, nil
}
