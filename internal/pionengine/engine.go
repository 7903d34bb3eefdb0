/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package pionengine

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v2"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
	"stash.kopano.io/kgol/rndm"

	cfg "stash.kopano.io/kwm/kwmapprtc/config"
	"stash.kopano.io/kwm/kwmapprtc/internal/call"
)

var errClosed = errors.New("engine is closed")
var errNoPeerConnection = errors.New("no peer connection")

// Factory creates pion backed call engines sharing one set of ICE settings.
type Factory struct {
	logger   logrus.FieldLogger
	settings webrtc.SettingEngine
}

// NewFactory creates a Factory from the provided configuration.
func NewFactory(config *cfg.Config) (*Factory, error) {
	if config == nil || config.Logger == nil {
		return nil, errors.New("config with logger is required")
	}
	logger := config.Logger.WithField("scope", "pionengine")

	s := webrtc.SettingEngine{
		LoggerFactory: &loggerFactory{
			logger: logger,
			trace:  traceEnabled(config.Logger),
		},
	}
	s.SetTrickle(true)

	if len(config.ICEInterfaces) > 0 {
		logger.WithField("interfaces", config.ICEInterfaces).Debugln("enabling ICE interface filter")
		iceInterfaceFilterMap := make(map[string]bool)
		for _, ifName := range config.ICEInterfaces {
			iceInterfaceFilterMap[ifName] = true
		}
		s.SetInterfaceFilter(func(i string) bool {
			return iceInterfaceFilterMap[i]
		})
	}

	if len(config.ICENetworkTypes) > 0 {
		candidateTypes := networkTypes(config.ICENetworkTypes, logger)
		if len(candidateTypes) == 0 {
			logger.Errorln("ICE candidate network type list is empty, continuing anyway")
		}
		logger.WithField("types", candidateTypes).Debugln("enabling limit of ICE candidate network type")
		s.SetNetworkTypes(candidateTypes)
	}

	if config.ICEEphemeralUDPPortRange[1] != 0 {
		logger.WithFields(logrus.Fields{
			"min": config.ICEEphemeralUDPPortRange[0],
			"max": config.ICEEphemeralUDPPortRange[1],
		}).Debugln("limiting ICE ports")
		if err := s.SetEphemeralUDPPortRange(config.ICEEphemeralUDPPortRange[0], config.ICEEphemeralUDPPortRange[1]); err != nil {
			return nil, fmt.Errorf("failed to set ICE port range: %w", err)
		}
	}

	return &Factory{
		logger:   logger,
		settings: s,
	}, nil
}

// New creates an Engine. It satisfies call.EngineFactory.
func (f *Factory) New(config *call.EngineConfig, observer call.EngineObserver) (call.Engine, error) {
	if config == nil || observer == nil {
		return nil, errors.New("config and observer are required")
	}

	pcid := rndm.GenerateRandomString(7)
	e := &Engine{
		factory:  f,
		config:   config,
		observer: observer,
		logger:   f.logger.WithField("pcid", pcid),
		pcid:     pcid,
		iceConfig: webrtc.Configuration{
			SDPSemantics:  webrtc.SDPSemanticsUnifiedPlan,
			BundlePolicy:  webrtc.BundlePolicyMaxBundle,
			RTCPMuxPolicy: webrtc.RTCPMuxPolicyRequire,
		},
	}
	e.iceConfig.ICEServers = iceServers(config.ICEServers, e.logger)

	if config.Initiator {
		// The offerer decides the payload types.
		m := webrtc.MediaEngine{}
		m.RegisterCodec(webrtc.NewRTPH264Codec(webrtc.DefaultPayloadTypeH264, 90000))
		m.RegisterCodec(webrtc.NewRTPVP8Codec(webrtc.DefaultPayloadTypeVP8, 90000))
		m.RegisterCodec(webrtc.NewRTPOpusCodec(webrtc.DefaultPayloadTypeOpus, 48000))
		if err := e.createPeerConnection(&m); err != nil {
			return nil, err
		}
	}

	return e, nil
}

// Engine is a call.Engine backed by a pion peer connection. Joiners create
// the peer connection when the remote offer arrives, so answers use the
// payload types of the offer.
type Engine struct {
	deadlock.Mutex

	factory  *Factory
	config   *call.EngineConfig
	observer call.EngineObserver
	logger   logrus.FieldLogger
	pcid     string

	iceConfig webrtc.Configuration

	pc     *webrtc.PeerConnection
	media  *webrtc.MediaEngine
	sinks  []*trackSink
	closed bool
}

func (e *Engine) createPeerConnection(m *webrtc.MediaEngine) error {
	api := webrtc.NewAPI(webrtc.WithMediaEngine(*m), webrtc.WithSettingEngine(e.factory.settings))
	pc, err := api.NewPeerConnection(e.iceConfig)
	if err != nil {
		return fmt.Errorf("failed to create peer connection: %w", err)
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			e.logger.Debugln("ICE complete")
			return
		}
		candidateInit := candidate.ToJSON()
		c := &call.ICECandidate{
			Candidate: candidateInit.Candidate,
		}
		if candidateInit.SDPMid != nil {
			c.SDPMid = *candidateInit.SDPMid
		}
		if candidateInit.SDPMLineIndex != nil {
			c.SDPMLineIndex = int(*candidateInit.SDPMLineIndex)
		}
		e.observer.OnLocalICECandidate(c)
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		e.logger.WithField("state", state).Debugln("ICE connection state changed")
		e.observer.OnConnectionStateChanged(connectionState(state))
	})
	pc.OnTrack(func(remoteTrack *webrtc.Track, receiver *webrtc.RTPReceiver) {
		trackLogger := e.logger.WithFields(logrus.Fields{
			"track_id":   remoteTrack.ID(),
			"track_ssrc": remoteTrack.SSRC(),
			"codec":      remoteTrack.Codec().Name,
		})
		trackLogger.Debugln("remote track received")
		go func() {
			var count uint64
			for {
				if _, readErr := remoteTrack.ReadRTP(); readErr != nil {
					if readErr != io.EOF {
						trackLogger.WithError(readErr).Debugln("remote track read failed")
					}
					trackLogger.WithField("packets", count).Debugln("remote track ended")
					return
				}
				count++
			}
		}()
	})

	e.pc = pc
	e.media = m

	for _, sink := range e.sinks {
		if err = e.bindTrack(sink); err != nil {
			return err
		}
	}

	return nil
}

func (e *Engine) bindTrack(sink *trackSink) error {
	pt, ok := payloadType(e.media, sink.local.Kind, sink.local.Codec)
	if !ok {
		return fmt.Errorf("no codec for %s track %s", sink.local.Kind, sink.local.ID)
	}
	track, err := e.pc.NewTrack(pt, sink.ssrc, sink.local.ID, sink.local.StreamID)
	if err != nil {
		return fmt.Errorf("failed to create track: %w", err)
	}
	sender, err := e.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("failed to add track: %w", err)
	}
	sink.bind(track)

	e.logger.WithFields(logrus.Fields{
		"track_id":     sink.local.ID,
		"track_ssrc":   sink.ssrc,
		"payload_type": pt,
	}).Debugln("local track added")

	go func() {
		for {
			packets, readErr := sender.ReadRTCP()
			if readErr != nil {
				if readErr != io.EOF && readErr != io.ErrClosedPipe {
					e.logger.WithError(readErr).Debugln("RTCP read failed")
				}
				return
			}
			e.handleRTCP(sink, packets)
		}
	}()

	return nil
}

func (e *Engine) handleRTCP(sink *trackSink, packets []rtcp.Packet) {
	for _, packet := range packets {
		switch packet.(type) {
		case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
			atomic.AddUint64(&sink.keyframeRequests, 1)
			e.logger.WithField("track_id", sink.local.ID).Debugln("peer requested key frame")
		}
	}
}

// AddTrack adds a local track. The returned sink drops packets until the
// peer connection exists.
func (e *Engine) AddTrack(track *call.LocalTrack) (call.TrackSink, error) {
	e.Lock()
	defer e.Unlock()

	if e.closed {
		return nil, errClosed
	}
	sink := &trackSink{
		local: track,
		ssrc:  newRandomUint32(),
	}
	if e.pc != nil {
		if err := e.bindTrack(sink); err != nil {
			return nil, err
		}
	}
	e.sinks = append(e.sinks, sink)

	return sink, nil
}

func (e *Engine) peerConnection() (*webrtc.PeerConnection, error) {
	e.Lock()
	defer e.Unlock()

	if e.closed {
		return nil, errClosed
	}
	if e.pc == nil {
		return nil, errNoPeerConnection
	}
	return e.pc, nil
}

// CreateOffer creates an offer.
func (e *Engine) CreateOffer() {
	pc, err := e.peerConnection()
	if err != nil {
		e.observer.OnNegotiationError("create offer", err)
		return
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		e.observer.OnNegotiationError("create offer", err)
		return
	}
	e.observer.OnLocalDescriptionCreated(&call.SessionDescription{
		Type: call.SDPTypeOffer,
		SDP:  offer.SDP,
	})
}

// CreateAnswer creates an answer.
func (e *Engine) CreateAnswer() {
	pc, err := e.peerConnection()
	if err != nil {
		e.observer.OnNegotiationError("create answer", err)
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		e.observer.OnNegotiationError("create answer", err)
		return
	}
	e.observer.OnLocalDescriptionCreated(&call.SessionDescription{
		Type: call.SDPTypeAnswer,
		SDP:  answer.SDP,
	})
}

// SetLocalDescription applies the local description.
func (e *Engine) SetLocalDescription(description *call.SessionDescription) {
	pc, err := e.peerConnection()
	if err != nil {
		e.observer.OnNegotiationError("set local description", err)
		return
	}
	if err = pc.SetLocalDescription(webrtc.SessionDescription{
		Type: sdpType(description.Type),
		SDP:  description.SDP,
	}); err != nil {
		e.observer.OnNegotiationError("set local description", err)
		return
	}
	e.observer.OnLocalDescriptionSet()
}

// SetRemoteDescription applies the remote description. For joiners it also
// creates the peer connection with the codecs of the offer.
func (e *Engine) SetRemoteDescription(description *call.SessionDescription) {
	sessionDescription := webrtc.SessionDescription{
		Type: sdpType(description.Type),
		SDP:  description.SDP,
	}

	e.Lock()
	if e.closed {
		e.Unlock()
		e.observer.OnNegotiationError("set remote description", errClosed)
		return
	}
	if e.pc == nil {
		if sessionDescription.Type != webrtc.SDPTypeOffer {
			e.Unlock()
			e.observer.OnNegotiationError("set remote description", errNoPeerConnection)
			return
		}
		m := webrtc.MediaEngine{}
		if err := m.PopulateFromSDP(sessionDescription); err != nil {
			e.Unlock()
			e.observer.OnNegotiationError("set remote description", fmt.Errorf("failed to populate media engine from remote description: %w", err))
			return
		}
		for _, codec := range m.GetCodecsByKind(webrtc.RTPCodecTypeVideo) {
			e.logger.WithField("payload_type", codec.PayloadType).Debugln("remote media video codec", codec.Name)
		}
		if err := e.createPeerConnection(&m); err != nil {
			e.Unlock()
			e.observer.OnNegotiationError("set remote description", err)
			return
		}
	}
	pc := e.pc
	e.Unlock()

	if err := pc.SetRemoteDescription(sessionDescription); err != nil {
		e.observer.OnNegotiationError("set remote description", err)
		return
	}
	e.observer.OnRemoteDescriptionSet()
}

// AddICECandidate adds a remote candidate.
func (e *Engine) AddICECandidate(candidate *call.ICECandidate) error {
	pc, err := e.peerConnection()
	if err != nil {
		return err
	}
	sdpMid := candidate.SDPMid
	sdpMLineIndex := uint16(candidate.SDPMLineIndex)
	return pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        &sdpMid,
		SDPMLineIndex: &sdpMLineIndex,
	})
}

// RemoveICECandidates is not supported by pion, removals are logged only.
func (e *Engine) RemoveICECandidates(candidates []*call.ICECandidate) error {
	e.logger.WithField("count", len(candidates)).Debugln("ignoring remote candidate removal")
	return nil
}

// Close closes the peer connection.
func (e *Engine) Close() error {
	e.Lock()
	if e.closed {
		e.Unlock()
		return nil
	}
	e.closed = true
	pc := e.pc
	sinks := e.sinks
	e.Unlock()

	for _, sink := range sinks {
		e.logger.WithFields(logrus.Fields{
			"track_id":          sink.local.ID,
			"keyframe_requests": sink.KeyframeRequests(),
		}).Debugln("local track done")
	}

	if pc == nil {
		return nil
	}
	e.logger.Debugln("closing peer connection")
	return pc.Close()
}

type trackSink struct {
	keyframeRequests uint64

	local *call.LocalTrack
	ssrc  uint32

	mutex deadlock.RWMutex
	track *webrtc.Track
}

func (s *trackSink) bind(track *webrtc.Track) {
	s.mutex.Lock()
	s.track = track
	s.mutex.Unlock()
}

// KeyframeRequests returns how often the peer asked for a key frame.
func (s *trackSink) KeyframeRequests() uint64 {
	return atomic.LoadUint64(&s.keyframeRequests)
}

func (s *trackSink) PayloadType() uint8 {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.track == nil {
		return 0
	}
	return s.track.PayloadType()
}

func (s *trackSink) SSRC() uint32 {
	return s.ssrc
}

func (s *trackSink) WriteRTP(packet *rtp.Packet) error {
	s.mutex.RLock()
	track := s.track
	s.mutex.RUnlock()
	if track == nil {
		return nil
	}
	return track.WriteRTP(packet)
}
