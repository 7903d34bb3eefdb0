/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package callmgr

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	api "stash.kopano.io/kwm/kwmapprtc/bridge/api-v0"
)

const maxRequestBodySize = 4096

// StartCallRequest is the body of a request to start a call.
type StartCallRequest struct {
	Room string `json:"room"`
}

func (m *Manager) writeError(rw http.ResponseWriter, err error) {
	if writeErr := api.WriteErrorAsJSON(rw, err); writeErr != nil {
		m.logger.WithError(writeErr).Errorln("failed to write json error")
	}
}

// HTTPCallsHandler lists calls and starts new ones.
func (m *Manager) HTTPCallsHandler(rw http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		calls := make([]interface{}, 0)
		for _, record := range m.Records() {
			calls = append(calls, record.Resource())
		}
		if writeErr := api.WriteResourceAsJSON(rw, api.NewCollectionResource(calls, req, nil)); writeErr != nil {
			m.logger.WithError(writeErr).Errorln("failed to write json response")
		}

	case http.MethodPost:
		var request StartCallRequest
		decoder := json.NewDecoder(io.LimitReader(req.Body, maxRequestBodySize))
		if err := decoder.Decode(&request); err != nil {
			m.writeError(rw, api.NewErrorWithCodeAndMessage(
				api.ErrorCodeInvalidRequest,
				"The request body is not valid JSON",
				api.ErrBadRequest,
			))
			return
		}

		record, err := m.StartCall(request.Room)
		if err != nil {
			if errors.Is(err, ErrInvalidRoomName) {
				m.writeError(rw, api.NewErrorWithCodeAndMessage(
					"ErrorMessageInvalidRoom",
					"The specified room name is not valid",
					api.ErrBadRequest,
				))
				return
			}
			m.logger.WithError(err).Errorln("failed to start call")
			m.writeError(rw, err)
			return
		}

		if writeErr := api.WriteResourceAsJSONWithStatus(rw, http.StatusCreated, api.NewItemResource(record.Resource(), req)); writeErr != nil {
			m.logger.WithError(writeErr).Errorln("failed to write json response")
		}

	default:
		rw.Header().Set("Allow", "GET, POST")
		http.Error(rw, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

// HTTPCallHandler returns and ends a single call.
func (m *Manager) HTTPCallHandler(rw http.ResponseWriter, req *http.Request) {
	callID, _ := api.GetRequestVar(req, "callID")

	var record *Record
	var ok bool
	status := http.StatusOK

	switch req.Method {
	case http.MethodGet:
		record, ok = m.Get(callID)
	case http.MethodDelete:
		record, ok = m.EndCall(callID)
		status = http.StatusAccepted
	default:
		rw.Header().Set("Allow", "GET, DELETE")
		http.Error(rw, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	if !ok {
		m.writeError(rw, api.NewErrorWithCodeAndMessage(
			"ErrorMessageCallNotfound",
			"The specified call was not found",
			api.ErrNotFound,
		))
		return
	}

	if writeErr := api.WriteResourceAsJSONWithStatus(rw, status, api.NewItemResource(record.Resource(), req)); writeErr != nil {
		m.logger.WithError(writeErr).Errorln("failed to write json response")
	}
}
