/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package config

import (
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Config defines a Server's configuration settings.
type Config struct {
	ListenAddr string

	WithMetrics       bool
	MetricsListenAddr string

	HTTPClient *http.Client

	Logger logrus.FieldLogger

	Metrics prometheus.Registerer

	RoomServerURI    *url.URL
	ICEServerReferer string

	JoinTimeout  time.Duration
	DialTimeout  time.Duration
	LeaveTimeout time.Duration

	LocalVideoCodec  string
	RemoteVideoCodec string

	VideoRTPListenAddr string
	AudioRTPListenAddr string

	ICEInterfaces            []string
	ICENetworkTypes          []string
	ICEEphemeralUDPPortRange [2]uint16
}
