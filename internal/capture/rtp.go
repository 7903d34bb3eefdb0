/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"

	cfg "stash.kopano.io/kwm/kwmapprtc/config"
	"stash.kopano.io/kwm/kwmapprtc/internal/call"
)

const maxPacketSize = 1500

// Config defines where a Source reads its media from.
type Config struct {
	Logger logrus.FieldLogger

	VideoCodec string

	VideoRTPListenAddr string
	AudioRTPListenAddr string
}

// Source is a call.CaptureSource which receives RTP over UDP, for example
// from ffmpeg restreaming an RTSP camera, and forwards it to the local
// tracks.
type Source struct {
	logger logrus.FieldLogger

	tracks []*call.LocalTrack
	addrs  map[string]string

	mutex deadlock.Mutex
	conns map[string]*net.UDPConn
	wg    sync.WaitGroup
	stop  chan struct{}

	started int32
	stopped int32
}

// New creates a Source.
func New(config *Config) (*Source, error) {
	if config.VideoRTPListenAddr == "" && config.AudioRTPListenAddr == "" {
		return nil, errors.New("no RTP listen address")
	}

	videoCodec := config.VideoCodec
	if videoCodec == "" {
		videoCodec = call.DefaultLocalVideoCodec
	}
	tracks := call.DefaultTracks(videoCodec)
	addrs := make(map[string]string)
	for _, track := range tracks {
		switch track.Kind {
		case call.TrackKindVideo:
			if config.VideoRTPListenAddr != "" {
				addrs[track.ID] = config.VideoRTPListenAddr
			}
		case call.TrackKindAudio:
			if config.AudioRTPListenAddr != "" {
				addrs[track.ID] = config.AudioRTPListenAddr
			}
		}
	}

	logger := config.Logger
	if logger == nil {
		logger = logrus.New()
	}

	return &Source{
		logger: logger.WithField("scope", "capture"),

		tracks: tracks,
		addrs:  addrs,
		conns:  make(map[string]*net.UDPConn),
		stop:   make(chan struct{}),
	}, nil
}

// NewFactory returns a call.CaptureFactory for the configured RTP listen
// addresses, or nil when none is configured.
func NewFactory(config *cfg.Config) call.CaptureFactory {
	if config.VideoRTPListenAddr == "" && config.AudioRTPListenAddr == "" {
		return nil
	}
	return func() (call.CaptureSource, error) {
		source, err := New(&Config{
			Logger:             config.Logger,
			VideoCodec:         config.LocalVideoCodec,
			VideoRTPListenAddr: config.VideoRTPListenAddr,
			AudioRTPListenAddr: config.AudioRTPListenAddr,
		})
		if err != nil {
			return nil, err
		}
		return source, nil
	}
}

// Tracks returns the local tracks fed by the Source.
func (s *Source) Tracks() []*call.LocalTrack {
	return s.tracks
}

// Start binds the listeners and forwards packets to the sinks until Stop is
// called or the context is done.
func (s *Source) Start(ctx context.Context, sinks map[string]call.TrackSink) error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return errors.New("already started")
	}

	s.mutex.Lock()
	for trackID, addr := range s.addrs {
		sink, ok := sinks[trackID]
		if !ok {
			continue
		}
		udpAddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			s.mutex.Unlock()
			s.Stop()
			return fmt.Errorf("invalid RTP listen address %s: %w", addr, err)
		}
		conn, err := net.ListenUDP("udp", udpAddr)
		if err != nil {
			s.mutex.Unlock()
			s.Stop()
			return fmt.Errorf("failed to listen for RTP: %w", err)
		}
		s.conns[trackID] = conn
		s.logger.WithFields(logrus.Fields{
			"track_id": trackID,
			"addr":     conn.LocalAddr().String(),
		}).Infoln("receiving RTP")

		s.wg.Add(1)
		go s.forward(trackID, conn, sink)
	}
	s.mutex.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.stop:
		}
	}()

	return nil
}

// LocalAddr returns the bound address of the listener of a track.
func (s *Source) LocalAddr(trackID string) net.Addr {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if conn, ok := s.conns[trackID]; ok {
		return conn.LocalAddr()
	}
	return nil
}

// Stop closes the listeners and waits for the forwarders to exit.
func (s *Source) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.stopped, 0, 1) {
		return nil
	}

	close(s.stop)

	s.mutex.Lock()
	for _, conn := range s.conns {
		conn.Close()
	}
	s.mutex.Unlock()

	s.wg.Wait()
	return nil
}

func (s *Source) forward(trackID string, conn *net.UDPConn, sink call.TrackSink) {
	defer s.wg.Done()

	logger := s.logger.WithField("track_id", trackID)
	buf := make([]byte, maxPacketSize)
	var count uint64
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if atomic.LoadInt32(&s.stopped) == 0 {
				logger.WithError(err).Warnln("RTP read failed")
			}
			logger.WithField("packets", count).Debugln("RTP forwarder ended")
			return
		}

		packet := &rtp.Packet{}
		if err = packet.Unmarshal(buf[:n]); err != nil {
			logger.WithError(err).Debugln("dropping invalid RTP packet")
			continue
		}
		payloadType := sink.PayloadType()
		if payloadType == 0 {
			// Track not bound to a peer connection yet.
			continue
		}
		packet.PayloadType = payloadType
		packet.SSRC = sink.SSRC()

		if err = sink.WriteRTP(packet); err != nil && err != io.ErrClosedPipe {
			logger.WithError(err).Debugln("RTP write failed")
			continue
		}
		count++
	}
}
