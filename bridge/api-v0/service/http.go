/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package service

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kwm/kwmapprtc/bridge"
	"stash.kopano.io/kwm/kwmapprtc/bridge/callmgr"
	"stash.kopano.io/kwm/kwmapprtc/bridge/odata"
)

const (
	URIPrefix = "/api/kwmapprtc/v0"
)

// HTTPService binds the HTTP router with handlers for kwmapprtc API v0.
type HTTPService struct {
	logger   logrus.FieldLogger
	services *bridge.Services
}

// NewHTTPService creates a new HTTPService  with the provided options.
func NewHTTPService(ctx context.Context, logger logrus.FieldLogger, services *bridge.Services) *HTTPService {
	return &HTTPService{
		logger:   logger,
		services: services,
	}
}

// AddRoutes configures the services HTTP end point routing on the provided
// context and router.
func (h *HTTPService) AddRoutes(ctx context.Context, router *mux.Router, chain alice.Chain) http.Handler {
	v0 := router.PathPrefix(URIPrefix).Subrouter()
	chain = chain.Append(odata.WithOData)

	if callm, ok := h.services.CallManager.(*callmgr.Manager); ok {
		// /api/kwmapprtc/v0/calls
		// /api/kwmapprtc/v0/calls/:call
		v0.Handle("/calls", chain.ThenFunc(callm.HTTPCallsHandler)).Methods(http.MethodGet, http.MethodPost)
		v0.Handle("/calls/{callID}", chain.ThenFunc(callm.HTTPCallHandler)).Methods(http.MethodGet, http.MethodDelete)
	}

	return router
}

// NumActive returns the number of the currently active connections at the
// accociated HTTPService.
func (h *HTTPService) NumActive() (active uint64) {
	for _, service := range h.services.Services() {
		active += service.NumActive()
	}

	return active
}
