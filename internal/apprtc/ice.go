/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package apprtc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

type iceServersResponse struct {
	ICEServers []*iceServerJSON `json:"iceServers"`
}

// fetchICEServers requests TURN credentials. Every returned URL becomes its
// own server entry carrying the returned credentials.
func (c *Client) fetchICEServers(ctx context.Context, uri string) ([]*ICEServer, error) {
	header := http.Header{}
	header.Set("Referer", c.config.Referer)

	status, body, err := c.do(ctx, http.MethodPost, uri, header)
	if err != nil {
		return nil, &IceResolutionError{URL: uri, Err: err}
	}
	if status < 200 || status >= 300 {
		return nil, &IceResolutionError{URL: uri, StatusCode: status}
	}

	response := &iceServersResponse{}
	if err = json.Unmarshal(body, response); err != nil {
		return nil, &IceResolutionError{URL: uri, StatusCode: status, Err: fmt.Errorf("invalid response: %w", err)}
	}

	var servers []*ICEServer
	for _, server := range response.ICEServers {
		if server == nil {
			continue
		}
		servers = append(servers, server.toICEServers(true)...)
	}
	return servers, nil
}
