/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package callmgr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map"
	"github.com/rogpeppe/fastuuid"
	"github.com/sirupsen/logrus"

	cfg "stash.kopano.io/kwm/kwmapprtc/config"
	"stash.kopano.io/kwm/kwmapprtc/internal/apprtc"
	"stash.kopano.io/kwm/kwmapprtc/internal/call"
	"stash.kopano.io/kwm/kwmapprtc/internal/capture"
	"stash.kopano.io/kwm/kwmapprtc/internal/pionengine"
	"stash.kopano.io/kwm/kwmapprtc/internal/signaling"
)

// ErrInvalidRoomName is returned for empty or malformed room names.
var ErrInvalidRoomName = errors.New("invalid room name")

// Manager handles calls.
type Manager struct {
	logger logrus.FieldLogger
	ctx    context.Context
	config *cfg.Config

	metrics *call.Metrics
	uuids   *fastuuid.Generator

	roomClient     call.RoomClient
	messageURL     func(room *apprtc.RoomDescriptor) string
	engineFactory  call.EngineFactory
	captureFactory call.CaptureFactory

	wg      sync.WaitGroup
	records cmap.ConcurrentMap
}

// NewManager creates a Manager for the room server of the provided config.
// Calls are ended when the provided context is done.
func NewManager(ctx context.Context, config *cfg.Config) (*Manager, error) {
	if config.RoomServerURI == nil {
		return nil, errors.New("room server URI is required")
	}

	logger := config.Logger.WithField("manager", "callmgr")

	client, err := apprtc.NewClient(config.RoomServerURI.String(), &apprtc.Config{
		Logger:     config.Logger.WithField("url", config.RoomServerURI.String()),
		HTTPClient: config.HTTPClient,

		Referer:     config.ICEServerReferer,
		JoinTimeout: config.JoinTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create room client: %w", err)
	}

	engines, err := pionengine.NewFactory(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine factory: %w", err)
	}

	m := &Manager{
		logger: logger,
		ctx:    ctx,
		config: config,

		metrics: call.NewMetrics(config.Metrics),
		uuids:   fastuuid.MustNewGenerator(),

		roomClient:     client,
		messageURL:     client.MessageURL,
		engineFactory:  engines.New,
		captureFactory: capture.NewFactory(config),

		records: cmap.New(),
	}

	return m, nil
}

func (m *Manager) newChannel(room *apprtc.RoomDescriptor, handler signaling.Handler) (call.SignalChannel, error) {
	mode := signaling.ModeJoiner
	if room.Initiator {
		mode = signaling.ModeInitiator
	}

	channel, err := signaling.New(&signaling.Options{
		Mode: mode,

		WebsocketURL: room.WebsocketURL,
		MessageURL:   m.messageURL(room),
		RoomID:       room.RoomID,
		ClientID:     room.ClientID,

		Logger:     m.logger.WithField("room_id", room.RoomID),
		HTTPClient: m.config.HTTPClient,

		DialTimeout: m.config.DialTimeout,
	}, handler)
	if err != nil {
		return nil, err
	}
	return channel, nil
}

// StartCall starts a call in the named room.
func (m *Manager) StartCall(roomName string) (*Record, error) {
	roomName = strings.TrimSpace(roomName)
	if roomName == "" || strings.ContainsAny(roomName, "/?#") {
		return nil, ErrInvalidRoomName
	}
	if err := m.ctx.Err(); err != nil {
		return nil, err
	}

	id := m.uuids.Hex128()
	logger := m.logger.WithField("call", id)

	o, err := call.NewOrchestrator(m.ctx, &call.Options{
		Logger:  logger,
		Metrics: m.metrics,

		RoomClient:     m.roomClient,
		ChannelFactory: m.newChannel,
		EngineFactory:  m.engineFactory,
		CaptureFactory: m.captureFactory,

		LocalVideoCodec:  m.config.LocalVideoCodec,
		RemoteVideoCodec: m.config.RemoteVideoCodec,

		LeaveTimeout: m.config.LeaveTimeout,
	})
	if err != nil {
		return nil, err
	}

	record := &Record{
		ID:      id,
		Created: time.Now(),

		orchestrator: o,
	}
	m.records.Set(id, record)

	if err = o.Start(roomName); err != nil {
		m.records.Remove(id)
		return nil, err
	}
	logger.WithField("room", roomName).Infoln("call started")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		<-o.Done()
		m.records.Remove(id)
		logger.WithField("state", o.State().String()).Debugln("call record removed")
	}()

	return record, nil
}

// Get returns the call with the provided id.
func (m *Manager) Get(id string) (*Record, bool) {
	if v, ok := m.records.Get(id); ok {
		return v.(*Record), true
	}
	return nil, false
}

// Records returns all current calls.
func (m *Manager) Records() []*Record {
	records := make([]*Record, 0, m.records.Count())
	m.records.IterCb(func(_ string, v interface{}) {
		records = append(records, v.(*Record))
	})
	return records
}

// EndCall ends the call with the provided id.
func (m *Manager) EndCall(id string) (*Record, bool) {
	record, ok := m.Get(id)
	if !ok {
		return nil, false
	}
	record.orchestrator.End()
	return record, true
}

// Wait blocks until all calls are done.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// NumActive returns the number of calls which have not finished yet.
func (m *Manager) NumActive() uint64 {
	return uint64(m.records.Count())
}
