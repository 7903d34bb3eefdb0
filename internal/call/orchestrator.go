/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package call

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kwm/kwmapprtc/internal/apprtc"
	"stash.kopano.io/kwm/kwmapprtc/internal/signaling"
)

// Defaults.
const (
	DefaultLocalVideoCodec  = "H264"
	DefaultRemoteVideoCodec = "VP8"
	DefaultLeaveTimeout     = 5 * time.Second
	DefaultOpenTimeout      = 30 * time.Second
)

// RoomClient joins and leaves rooms.
type RoomClient interface {
	Join(ctx context.Context, roomName string) (*apprtc.RoomDescriptor, error)
	Leave(ctx context.Context, room *apprtc.RoomDescriptor)
}

// SignalChannel is the signaling path to the peer.
type SignalChannel interface {
	Open(ctx context.Context) error
	Send(message *signaling.Message) error
	Close() error
}

// ChannelFactory creates the SignalChannel for a joined room.
type ChannelFactory func(room *apprtc.RoomDescriptor, handler signaling.Handler) (SignalChannel, error)

// Options define the collaborators and settings of an Orchestrator.
type Options struct {
	Logger  logrus.FieldLogger
	Metrics *Metrics

	RoomClient     RoomClient
	ChannelFactory ChannelFactory
	EngineFactory  EngineFactory
	CaptureFactory CaptureFactory
	Renderer       Renderer
	AudioRouting   AudioRouting

	LocalVideoCodec  string
	RemoteVideoCodec string

	LeaveTimeout time.Duration
	OpenTimeout  time.Duration
}

// Orchestrator drives a single call through join, negotiation and teardown.
// All state changes happen on one goroutine which consumes an event queue
// fed by the room client, the signal channel and the engine.
type Orchestrator struct {
	options *Options
	logger  logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc

	queue *eventQueue
	done  chan struct{}

	state    int32
	started  int32
	counted  int32
	finished int32
	tornDown int32

	mutex    deadlock.RWMutex
	roomName string
	room     *apprtc.RoomDescriptor
	err      error

	// Owned by the event loop.
	joinCancel   context.CancelFunc
	endRequested bool
	audioEntered bool
	channel      SignalChannel
	engine       Engine
	capture      CaptureSource
	negotiation  *negotiationState
	feedsSwapped bool
}

// NewOrchestrator creates an Orchestrator with the provided options. The
// context bounds the lifetime of the call.
func NewOrchestrator(ctx context.Context, options *Options) (*Orchestrator, error) {
	if options == nil {
		return nil, errors.New("options cannot be nil")
	}
	if options.RoomClient == nil {
		return nil, errors.New("room client is required")
	}
	if options.ChannelFactory == nil {
		return nil, errors.New("channel factory is required")
	}
	if options.EngineFactory == nil {
		return nil, errors.New("engine factory is required")
	}

	opts := *options
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Renderer == nil {
		opts.Renderer = nopRenderer{}
	}
	if opts.AudioRouting == nil {
		opts.AudioRouting = nopAudioRouting{}
	}
	if opts.LocalVideoCodec == "" {
		opts.LocalVideoCodec = DefaultLocalVideoCodec
	}
	if opts.RemoteVideoCodec == "" {
		opts.RemoteVideoCodec = DefaultRemoteVideoCodec
	}
	if opts.LeaveTimeout <= 0 {
		opts.LeaveTimeout = DefaultLeaveTimeout
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = DefaultOpenTimeout
	}

	o := &Orchestrator{
		options: &opts,
		logger:  opts.Logger,

		queue: newEventQueue(),
		done:  make(chan struct{}),

		negotiation: &negotiationState{},
	}
	o.ctx, o.cancel = context.WithCancel(ctx)

	return o, nil
}

// Start joins the named room. It returns immediately, progress is reported
// through State and Done.
func (o *Orchestrator) Start(roomName string) error {
	if !atomic.CompareAndSwapInt32(&o.started, 0, 1) {
		return ErrAlreadyStarted
	}

	o.mutex.Lock()
	o.roomName = roomName
	o.mutex.Unlock()
	o.logger = o.logger.WithField("room", roomName)

	atomic.StoreInt32(&o.counted, 1)
	o.options.Metrics.started()
	o.setState(StateJoining)

	joinCtx, joinCancel := context.WithCancel(o.ctx)
	o.joinCancel = joinCancel

	go o.run()
	go func() {
		select {
		case <-o.ctx.Done():
			o.End()
		case <-o.done:
		}
	}()
	go func() {
		room, err := o.options.RoomClient.Join(joinCtx, roomName)
		o.queue.post(func() {
			o.handleJoinResult(room, err)
		})
	}()

	return nil
}

// End ends the call. It can be called in any state and more than once.
func (o *Orchestrator) End() {
	if atomic.CompareAndSwapInt32(&o.started, 0, 1) {
		// Never started, nothing to release.
		o.finish(StateClosed, nil)
		return
	}
	o.queue.post(o.handleEnd)
}

// State returns the current state.
func (o *Orchestrator) State() State {
	return State(atomic.LoadInt32(&o.state))
}

// Done returns a channel which is closed when the call reached its final
// state.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// Err returns the error which ended the call, if any.
func (o *Orchestrator) Err() error {
	o.mutex.RLock()
	defer o.mutex.RUnlock()
	return o.err
}

// RoomName returns the name of the room passed to Start.
func (o *Orchestrator) RoomName() string {
	o.mutex.RLock()
	defer o.mutex.RUnlock()
	return o.roomName
}

// Room returns the joined room, or nil when not joined.
func (o *Orchestrator) Room() *apprtc.RoomDescriptor {
	o.mutex.RLock()
	defer o.mutex.RUnlock()
	return o.room
}

func (o *Orchestrator) setState(state State) {
	previous := State(atomic.SwapInt32(&o.state, int32(state)))
	if previous != state {
		o.logger.WithFields(logrus.Fields{
			"from": previous.String(),
			"to":   state.String(),
		}).Debugln("call state changed")
	}
}

func (o *Orchestrator) active() bool {
	switch o.State() {
	case StateNegotiating, StateConnected:
		return true
	}
	return false
}

func (o *Orchestrator) run() {
	for {
		select {
		case <-o.queue.notify:
		case <-o.done:
			return
		}
		for _, e := range o.queue.take() {
			e()
			if atomic.LoadInt32(&o.finished) == 1 {
				return
			}
		}
	}
}

func (o *Orchestrator) finish(state State, err error) {
	if !atomic.CompareAndSwapInt32(&o.finished, 0, 1) {
		return
	}

	o.mutex.Lock()
	o.err = err
	o.mutex.Unlock()

	o.setState(state)
	if atomic.LoadInt32(&o.counted) == 1 {
		o.options.Metrics.finished(state)
	}
	if err != nil {
		o.logger.WithError(err).Errorln("call failed")
	} else {
		o.logger.Infoln("call ended")
	}

	o.cancel()
	close(o.done)
}

func (o *Orchestrator) handleEnd() {
	switch o.State() {
	case StateJoining:
		o.logger.Debugln("call ended while joining, cancelling join")
		o.endRequested = true
		o.joinCancel()
	case StateNegotiating, StateConnected:
		o.teardown(nil)
	}
}

func (o *Orchestrator) handleJoinResult(room *apprtc.RoomDescriptor, err error) {
	o.joinCancel()

	if o.endRequested || o.ctx.Err() != nil {
		if room != nil {
			o.logger.Debugln("join completed after end, leaving room")
			o.leave(room)
		}
		o.finish(StateClosed, nil)
		return
	}
	if err != nil {
		o.finish(StateFailed, err)
		return
	}

	o.mutex.Lock()
	o.room = room
	o.mutex.Unlock()

	o.logger = o.logger.WithFields(logrus.Fields{
		"room_id":   room.RoomID,
		"client_id": room.ClientID,
		"initiator": room.Initiator,
	})
	o.logger.Infoln("room joined")
	o.setState(StateNegotiating)

	if err = o.setup(room); err != nil {
		o.teardown(err)
	}
}

func (o *Orchestrator) setup(room *apprtc.RoomDescriptor) error {
	if err := o.options.AudioRouting.Enter(); err != nil {
		o.logger.WithError(err).Warnln("failed to enter audio routing")
	} else {
		o.audioEntered = true
	}
	o.options.Renderer.SetSwappedFeeds(true)
	o.feedsSwapped = true

	tracks := DefaultTracks(o.options.LocalVideoCodec)
	if o.options.CaptureFactory != nil {
		capture, err := o.options.CaptureFactory()
		if err != nil {
			return &SetupError{Op: "capture", Err: err}
		}
		o.capture = capture
		tracks = capture.Tracks()
	}

	engine, err := o.options.EngineFactory(&EngineConfig{
		ICEServers: room.ICEServers,
		Initiator:  room.Initiator,
	}, &engineObserver{o})
	if err != nil {
		return &SetupError{Op: "engine", Err: err}
	}
	o.engine = engine

	sinks := make(map[string]TrackSink)
	for _, track := range tracks {
		sink, addErr := engine.AddTrack(track)
		if addErr != nil {
			return &SetupError{Op: "track", Err: addErr}
		}
		sinks[track.ID] = sink
	}
	if o.capture != nil {
		if err = o.capture.Start(o.ctx, sinks); err != nil {
			return &SetupError{Op: "capture", Err: err}
		}
	}

	channel, err := o.options.ChannelFactory(room, &channelHandler{o})
	if err != nil {
		return &SetupError{Op: "channel", Err: err}
	}
	o.channel = channel

	go func() {
		openCtx, openCancel := context.WithTimeout(o.ctx, o.options.OpenTimeout)
		defer openCancel()
		if openErr := channel.Open(openCtx); openErr != nil {
			o.queue.post(func() {
				o.handleChannelClosed(openErr)
			})
		}
	}()

	if room.Initiator {
		o.engine.CreateOffer()
	}

	return nil
}

func (o *Orchestrator) leave(room *apprtc.RoomDescriptor) {
	ctx, cancel := context.WithTimeout(context.Background(), o.options.LeaveTimeout)
	defer cancel()
	o.options.RoomClient.Leave(ctx, room)
}

// teardown releases everything acquired by the call. It runs at most once.
func (o *Orchestrator) teardown(cause error) {
	if !atomic.CompareAndSwapInt32(&o.tornDown, 0, 1) {
		return
	}
	o.setState(StateDisconnecting)
	if cause != nil {
		o.logger.WithError(cause).Warnln("call disconnecting on error")
	} else {
		o.logger.Infoln("call disconnecting")
	}

	o.options.Renderer.Detach()

	if o.channel != nil {
		if err := o.channel.Send(signaling.NewBye()); err != nil {
			o.logger.WithError(err).Debugln("failed to send bye")
		} else {
			o.options.Metrics.message("out", string(signaling.MessageTypeBye))
		}
	}

	// Closing flushes the bye, which must reach the peer before the room
	// server forgets this client.
	if o.channel != nil {
		if err := o.channel.Close(); err != nil {
			o.logger.WithError(err).Debugln("failed to close signal channel")
		}
	}

	if room := o.Room(); room != nil {
		o.leave(room)
	}
	if o.engine != nil {
		if err := o.engine.Close(); err != nil {
			o.logger.WithError(err).Debugln("failed to close engine")
		}
	}
	if o.capture != nil {
		if err := o.capture.Stop(); err != nil {
			o.logger.WithError(err).Debugln("failed to stop capture")
		}
	}

	o.options.Renderer.Release()

	if o.audioEntered {
		if err := o.options.AudioRouting.Restore(); err != nil {
			o.logger.WithError(err).Warnln("failed to restore audio routing")
		}
	}

	if cause != nil {
		o.finish(StateFailed, cause)
	} else {
		o.finish(StateClosed, nil)
	}
}
