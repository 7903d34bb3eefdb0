/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package api

import (
	"net/http"
	"net/url"

	"stash.kopano.io/kwm/kwmapprtc/bridge/odata"
)

func odataContext(req *http.Request) string {
	if o := odata.FromContext(req.Context()); o != nil {
		return o.Context
	}
	return req.URL.Path
}

// NewCollectionResource wraps the provided values for the request.
func NewCollectionResource(values Collection, req *http.Request, nextLink *url.URL) *CollectionResource {
	resource := &CollectionResource{
		ODataContext: odataContext(req),
		Values:       values,
	}
	if nextLink != nil {
		resource.ODataNextLink = nextLink.String()
	}
	return resource
}

// NewItemResource wraps the provided item for the request.
func NewItemResource(item Item, req *http.Request) *ItemResource {
	return &ItemResource{
		ODataContext: odataContext(req),
		Item:         item,
	}
}
