/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package pionengine

import (
	"crypto/rand"
	"math/big"
	"strings"

	"github.com/pion/webrtc/v2"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kwm/kwmapprtc/internal/apprtc"
	"stash.kopano.io/kwm/kwmapprtc/internal/call"
)

const maxUint32 = ^uint32(0)

func newRandomUint32() uint32 {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(maxUint32)))
	if err != nil {
		panic(err)
	}

	return uint32(n.Uint64())
}

// iceServers maps room ICE servers to the webrtc representation. TURN
// servers without credentials are skipped, they would fail validation.
func iceServers(servers []*apprtc.ICEServer, logger logrus.FieldLogger) []webrtc.ICEServer {
	result := make([]webrtc.ICEServer, 0, len(servers))
	for _, server := range servers {
		if server == nil || len(server.URLs) == 0 {
			continue
		}
		if server.IsTURN() && (server.Username == "" || server.Credential == "") {
			logger.WithField("urls", server.URLs).Warnln("skipping TURN server without credentials")
			continue
		}
		s := webrtc.ICEServer{
			URLs: server.URLs,
		}
		if server.Username != "" || server.Credential != "" {
			s.Username = server.Username
			s.Credential = server.Credential
			s.CredentialType = webrtc.ICECredentialTypePassword
		}
		result = append(result, s)
	}
	return result
}

func networkTypes(names []string, logger logrus.FieldLogger) []webrtc.NetworkType {
	types := make([]webrtc.NetworkType, 0, len(names))
	for _, name := range names {
		var nt webrtc.NetworkType
		switch strings.ToLower(name) {
		case "udp4":
			nt = webrtc.NetworkTypeUDP4
		case "udp6":
			nt = webrtc.NetworkTypeUDP6
		case "tcp4":
			nt = webrtc.NetworkTypeTCP4
		case "tcp6":
			nt = webrtc.NetworkTypeTCP6
		default:
			logger.WithField("type", name).Warnln("unsupported network type, skipped")
			continue
		}
		types = append(types, nt)
	}
	return types
}

func connectionState(state webrtc.ICEConnectionState) call.ConnectionState {
	switch state {
	case webrtc.ICEConnectionStateChecking:
		return call.ConnectionStateChecking
	case webrtc.ICEConnectionStateConnected:
		return call.ConnectionStateConnected
	case webrtc.ICEConnectionStateCompleted:
		return call.ConnectionStateCompleted
	case webrtc.ICEConnectionStateDisconnected:
		return call.ConnectionStateDisconnected
	case webrtc.ICEConnectionStateFailed:
		return call.ConnectionStateFailed
	case webrtc.ICEConnectionStateClosed:
		return call.ConnectionStateClosed
	default:
		return call.ConnectionStateNew
	}
}

func sdpType(t call.SDPType) webrtc.SDPType {
	if t == call.SDPTypeAnswer {
		return webrtc.SDPTypeAnswer
	}
	return webrtc.SDPTypeOffer
}

func rtpCodecType(kind call.TrackKind) webrtc.RTPCodecType {
	if kind == call.TrackKindAudio {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}

// payloadType finds the payload type of the named codec, falling back to
// the first codec of the kind.
func payloadType(m *webrtc.MediaEngine, kind call.TrackKind, name string) (uint8, bool) {
	codecs := m.GetCodecsByKind(rtpCodecType(kind))
	for _, codec := range codecs {
		if strings.EqualFold(codec.Name, name) {
			return codec.PayloadType, true
		}
	}
	if len(codecs) > 0 {
		return codecs[0].PayloadType, true
	}
	return 0, false
}
