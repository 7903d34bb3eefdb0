/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package main

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	cfg "stash.kopano.io/kwm/kwmapprtc/config"
	"stash.kopano.io/kwm/kwmapprtc/internal/apprtc"
	"stash.kopano.io/kwm/kwmapprtc/internal/call"
	"stash.kopano.io/kwm/kwmapprtc/internal/signaling"
)

const defaultRoomServerURL = "https://appr.tc"

var (
	detectDeadlocks = true
)

func addCallFlags(c *cobra.Command) {
	c.Flags().Bool("insecure", false, "Disable TLS certificate and hostname validation")
	c.Flags().Bool("log-timestamp", true, "Prefix each log line with timestamp")
	c.Flags().String("log-level", "info", "Log level (one of panic, fatal, error, warn, info, debug or trace)")
	c.Flags().String("apprtc-url", defaultRoomServerURL, "URL of the AppRTC room server")
	c.Flags().String("ice-server-referer", apprtc.DefaultReferer, "Referer sent when requesting TURN servers")
	c.Flags().Duration("join-timeout", apprtc.DefaultJoinTimeout, "Timeout for joining a room including TURN server resolution")
	c.Flags().Duration("dial-timeout", signaling.DefaultDialTimeout, "Timeout for connecting the signaling websocket")
	c.Flags().Duration("leave-timeout", call.DefaultLeaveTimeout, "Timeout for leaving a room")
	c.Flags().String("local-video-codec", call.DefaultLocalVideoCodec, "Preferred video codec of local descriptions")
	c.Flags().String("remote-video-codec", call.DefaultRemoteVideoCodec, "Preferred video codec of remote offers")
	c.Flags().String("video-rtp-listen", "", "UDP listen address receiving RTP for the local video track")
	c.Flags().String("audio-rtp-listen", "", "UDP listen address receiving RTP for the local audio track")
	c.Flags().StringArray("use-ice-if", nil, "Interface to use when gathering ICE candidates, all interfaces will be used if not set")
	c.Flags().StringArray("use-ice-network-type", nil, "ICE network type supported when gathering candidates, if not set all types (udp4, udp6, tcp4, tcp6) are enabled")
	c.Flags().String("use-ice-udp-port-range", "", "Range of ephemeral ports that ICE UDP connections can allocate from in format min:max, if not set its not limited")
	c.Flags().BoolVar(&detectDeadlocks, "with-deadlock-detector", detectDeadlocks, "Enable deadlock detection")
}

func loggerFromFlags(c *cobra.Command) (logrus.FieldLogger, error) {
	logTimestamp, _ := c.Flags().GetBool("log-timestamp")
	logLevel, _ := c.Flags().GetString("log-level")

	logger, err := newLogger(!logTimestamp, logLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %v", err)
	}

	deadlock.Opts.Disable = !detectDeadlocks
	deadlock.Opts.DeadlockTimeout = 15 * time.Second
	if !deadlock.Opts.Disable {
		logger.Warnln("enabled automatic deadlock detector")
	}

	return logger, nil
}

func configFromFlags(c *cobra.Command, logger logrus.FieldLogger) (*cfg.Config, error) {
	config := &cfg.Config{
		Logger: logger,
	}

	roomServerURLString, _ := c.Flags().GetString("apprtc-url")
	roomServerURI, err := url.Parse(roomServerURLString)
	if err != nil {
		return nil, fmt.Errorf("invalid apprtc-url: %w", err)
	}
	if roomServerURI.Scheme != "http" && roomServerURI.Scheme != "https" {
		return nil, fmt.Errorf("invalid apprtc-url scheme: %q", roomServerURI.Scheme)
	}
	roomServerURI.Path = strings.TrimRight(roomServerURI.Path, "/") // Always trim trailing slash to simplify url generation later.
	config.RoomServerURI = roomServerURI

	config.ICEServerReferer, _ = c.Flags().GetString("ice-server-referer")
	config.JoinTimeout, _ = c.Flags().GetDuration("join-timeout")
	config.DialTimeout, _ = c.Flags().GetDuration("dial-timeout")
	config.LeaveTimeout, _ = c.Flags().GetDuration("leave-timeout")
	config.LocalVideoCodec, _ = c.Flags().GetString("local-video-codec")
	config.RemoteVideoCodec, _ = c.Flags().GetString("remote-video-codec")
	config.VideoRTPListenAddr, _ = c.Flags().GetString("video-rtp-listen")
	config.AudioRTPListenAddr, _ = c.Flags().GetString("audio-rtp-listen")

	if ICEInterfaceStrings, _ := c.Flags().GetStringArray("use-ice-if"); ICEInterfaceStrings != nil {
		config.ICEInterfaces = ICEInterfaceStrings
		logger.WithField("interfaces", config.ICEInterfaces).Infoln("limiting ICE interfaces")
	}
	if ICENetworkTypeStrings, _ := c.Flags().GetStringArray("use-ice-network-type"); ICENetworkTypeStrings != nil {
		config.ICENetworkTypes = ICENetworkTypeStrings
		logger.WithField("types", config.ICENetworkTypes).Infoln("limiting ICE network types")
	}
	if ICEEphemeralUDPPortRangeString, _ := c.Flags().GetString("use-ice-udp-port-range"); ICEEphemeralUDPPortRangeString != "" {
		if config.ICEEphemeralUDPPortRange, err = parsePortRange(ICEEphemeralUDPPortRangeString); err != nil {
			return nil, fmt.Errorf("invalid use-ice-udp-port-range: %w", err)
		}
		logger.WithFields(logrus.Fields{
			"min": config.ICEEphemeralUDPPortRange[0],
			"max": config.ICEEphemeralUDPPortRange[1],
		}).Infoln("limiting ICE port range")
	}

	var tlsClientConfig *tls.Config
	tlsInsecureSkipVerify, _ := c.Flags().GetBool("insecure")
	if tlsInsecureSkipVerify {
		// NOTE(longsleep): This disable http2 client support. See https://github.com/golang/go/issues/14275 for reasons.
		tlsClientConfig = &tls.Config{
			InsecureSkipVerify: tlsInsecureSkipVerify,
		}
		logger.Warnln("insecure mode, TLS client connections are susceptible to man-in-the-middle attacks")
		logger.Debugln("http2 client support is disabled (insecure mode)")
	}
	config.HTTPClient = &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
				DualStack: true,
			}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			TLSClientConfig:       tlsClientConfig,
		},
	}

	return config, nil
}

// parsePortRange parses min:max. A missing min defaults to 10000 and a
// missing max to 65535.
func parsePortRange(s string) ([2]uint16, error) {
	portRange := [2]uint16{10000, ^uint16(0)}
	minMax := strings.SplitN(s, ":", 2)
	if minMax[0] != "" {
		minPort, err := strconv.ParseUint(minMax[0], 10, 16)
		if err != nil {
			return portRange, fmt.Errorf("invalid min port value: %w", err)
		}
		portRange[0] = uint16(minPort)
	}
	if len(minMax) > 1 && minMax[1] != "" {
		maxPort, err := strconv.ParseUint(minMax[1], 10, 16)
		if err != nil {
			return portRange, fmt.Errorf("invalid max port value: %w", err)
		}
		if maxPort <= uint64(portRange[0]) {
			return portRange, fmt.Errorf("max port value must be higher than min port %d", portRange[0])
		}
		portRange[1] = uint16(maxPort)
	}
	return portRange, nil
}
