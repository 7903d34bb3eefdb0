/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package call

import (
	"context"
	"errors"
	"io/ioutil"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kwm/kwmapprtc/internal/apprtc"
	"stash.kopano.io/kwm/kwmapprtc/internal/signaling"
)

const testOfferSDP = "v=0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111 0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96 98\r\n" +
	"a=rtpmap:96 VP8/90000\r\n" +
	"a=rtpmap:98 H264/90000\r\n"

const testRemoteOfferSDP = "v=0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 98 96\r\n" +
	"a=rtpmap:96 VP8/90000\r\n" +
	"a=rtpmap:98 H264/90000\r\n"

func testLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.Out = ioutil.Discard
	return logger
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func waitDone(t *testing.T, o *Orchestrator) {
	t.Helper()
	select {
	case <-o.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for call to finish, state %s", o.State())
	}
}

type fakeRoomClient struct {
	mutex sync.Mutex

	room *apprtc.RoomDescriptor
	err  error

	// When set, Join waits for release or context cancellation.
	block   chan struct{}
	joinCtx context.Context

	leaves  int
	onLeave func()
}

func (c *fakeRoomClient) Join(ctx context.Context, roomName string) (*apprtc.RoomDescriptor, error) {
	c.mutex.Lock()
	c.joinCtx = ctx
	block := c.block
	c.mutex.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			if c.room != nil {
				// Join raced the cancellation and still succeeded.
				return c.room, nil
			}
			return nil, ctx.Err()
		}
	}
	return c.room, c.err
}

func (c *fakeRoomClient) Leave(ctx context.Context, room *apprtc.RoomDescriptor) {
	c.mutex.Lock()
	c.leaves++
	onLeave := c.onLeave
	c.mutex.Unlock()

	if onLeave != nil {
		onLeave()
	}
}

func (c *fakeRoomClient) Leaves() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.leaves
}

type fakeChannel struct {
	mutex sync.Mutex

	handler signaling.Handler
	openErr error

	opened int
	sent   []*signaling.Message
	closed int
}

func (c *fakeChannel) Open(ctx context.Context) error {
	if c.openErr != nil {
		return c.openErr
	}
	c.mutex.Lock()
	c.opened++
	c.mutex.Unlock()
	c.handler.HandleOpen()
	return nil
}

func (c *fakeChannel) Send(message *signaling.Message) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed > 0 {
		return errors.New("closed")
	}
	c.sent = append(c.sent, message)
	return nil
}

func (c *fakeChannel) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.closed++
	return nil
}

func (c *fakeChannel) Sent() []*signaling.Message {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([]*signaling.Message{}, c.sent...)
}

func (c *fakeChannel) SentTypes() []signaling.MessageType {
	var types []signaling.MessageType
	for _, message := range c.Sent() {
		types = append(types, message.Type)
	}
	return types
}

func (c *fakeChannel) Closed() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.closed
}

func (c *fakeChannel) Opened() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.opened
}

type fakeSink struct{}

func (fakeSink) PayloadType() uint8         { return 96 }
func (fakeSink) SSRC() uint32               { return 1 }
func (fakeSink) WriteRTP(*rtp.Packet) error { return nil }

type fakeEngine struct {
	mutex sync.Mutex

	config   *EngineConfig
	observer EngineObserver

	// When set, SetRemoteDescription does not report success on its own.
	deferRemoteSet bool
	remoteErr      error

	calls      []string
	remote     []*SessionDescription
	local      []*SessionDescription
	candidates []*ICECandidate
	closed     int
}

func (e *fakeEngine) record(call string) {
	e.mutex.Lock()
	e.calls = append(e.calls, call)
	e.mutex.Unlock()
}

func (e *fakeEngine) AddTrack(track *LocalTrack) (TrackSink, error) {
	e.record("AddTrack:" + track.ID)
	return fakeSink{}, nil
}

func (e *fakeEngine) CreateOffer() {
	e.record("CreateOffer")
	e.observer.OnLocalDescriptionCreated(&SessionDescription{Type: SDPTypeOffer, SDP: testOfferSDP})
}

func (e *fakeEngine) CreateAnswer() {
	e.record("CreateAnswer")
	e.observer.OnLocalDescriptionCreated(&SessionDescription{Type: SDPTypeAnswer, SDP: testOfferSDP})
}

func (e *fakeEngine) SetLocalDescription(description *SessionDescription) {
	e.record("SetLocalDescription:" + string(description.Type))
	e.mutex.Lock()
	e.local = append(e.local, description)
	e.mutex.Unlock()
	e.observer.OnLocalDescriptionSet()
}

func (e *fakeEngine) SetRemoteDescription(description *SessionDescription) {
	e.record("SetRemoteDescription:" + string(description.Type))
	e.mutex.Lock()
	e.remote = append(e.remote, description)
	deferred := e.deferRemoteSet
	remoteErr := e.remoteErr
	e.mutex.Unlock()

	if remoteErr != nil {
		e.observer.OnNegotiationError("set remote description", remoteErr)
		return
	}
	if !deferred {
		e.observer.OnRemoteDescriptionSet()
	}
}

func (e *fakeEngine) AddICECandidate(candidate *ICECandidate) error {
	e.record("AddICECandidate:" + candidate.Candidate)
	e.mutex.Lock()
	e.candidates = append(e.candidates, candidate)
	e.mutex.Unlock()
	return nil
}

func (e *fakeEngine) RemoveICECandidates(candidates []*ICECandidate) error {
	e.record("RemoveICECandidates")
	return nil
}

func (e *fakeEngine) Close() error {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.closed++
	return nil
}

func (e *fakeEngine) Calls() []string {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return append([]string{}, e.calls...)
}

func (e *fakeEngine) Closed() int {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.closed
}

func (e *fakeEngine) Remote() []*SessionDescription {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return append([]*SessionDescription{}, e.remote...)
}

func (e *fakeEngine) Local() []*SessionDescription {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return append([]*SessionDescription{}, e.local...)
}

type fakeRenderer struct {
	mutex    sync.Mutex
	swaps    []bool
	detached int
	released int
}

func (r *fakeRenderer) SetSwappedFeeds(swapped bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.swaps = append(r.swaps, swapped)
}

func (r *fakeRenderer) Detach() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.detached++
}

func (r *fakeRenderer) Release() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.released++
}

func (r *fakeRenderer) Swaps() []bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]bool{}, r.swaps...)
}

type fakeAudioRouting struct {
	mutex    sync.Mutex
	entered  int
	restored int
}

func (a *fakeAudioRouting) Enter() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.entered++
	return nil
}

func (a *fakeAudioRouting) Restore() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.restored++
	return nil
}

type fakeCapture struct {
	mutex   sync.Mutex
	sinks   map[string]TrackSink
	stopped int
}

func (c *fakeCapture) Tracks() []*LocalTrack {
	return DefaultTracks("H264")
}

func (c *fakeCapture) Start(ctx context.Context, sinks map[string]TrackSink) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.sinks = sinks
	return nil
}

func (c *fakeCapture) Stop() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.stopped++
	return nil
}

// testCall wires an Orchestrator to fakes.
type testCall struct {
	o *Orchestrator

	rooms    *fakeRoomClient
	renderer *fakeRenderer
	audio    *fakeAudioRouting
	capture  *fakeCapture

	mutex   sync.Mutex
	channel *fakeChannel
	engine  *fakeEngine

	channelOpenErr error
	engineSetup    func(e *fakeEngine)
}

func newTestCall(t *testing.T, rooms *fakeRoomClient) *testCall {
	tc := &testCall{
		rooms:    rooms,
		renderer: &fakeRenderer{},
		audio:    &fakeAudioRouting{},
		capture:  &fakeCapture{},
	}

	o, err := NewOrchestrator(context.Background(), &Options{
		Logger:     testLogger(),
		Metrics:    NewMetrics(nil),
		RoomClient: rooms,
		ChannelFactory: func(room *apprtc.RoomDescriptor, handler signaling.Handler) (SignalChannel, error) {
			tc.mutex.Lock()
			defer tc.mutex.Unlock()
			tc.channel = &fakeChannel{handler: handler, openErr: tc.channelOpenErr}
			return tc.channel, nil
		},
		EngineFactory: func(config *EngineConfig, observer EngineObserver) (Engine, error) {
			tc.mutex.Lock()
			defer tc.mutex.Unlock()
			tc.engine = &fakeEngine{config: config, observer: observer}
			if tc.engineSetup != nil {
				tc.engineSetup(tc.engine)
			}
			return tc.engine, nil
		},
		CaptureFactory: func() (CaptureSource, error) {
			return tc.capture, nil
		},
		Renderer:     tc.renderer,
		AudioRouting: tc.audio,
		LeaveTimeout: time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	tc.o = o

	return tc
}

func (tc *testCall) Channel() *fakeChannel {
	tc.mutex.Lock()
	defer tc.mutex.Unlock()
	return tc.channel
}

func (tc *testCall) Engine() *fakeEngine {
	tc.mutex.Lock()
	defer tc.mutex.Unlock()
	return tc.engine
}

func initiatorRoom() *apprtc.RoomDescriptor {
	return &apprtc.RoomDescriptor{
		RoomID:       "room1",
		ClientID:     "c1",
		WebsocketURL: "wss://collider.example.com/ws",
		Initiator:    true,
		ICEServers: []*apprtc.ICEServer{
			{URLs: []string{"turn:turn.example.com:3478"}, Username: "u", Credential: "p"},
		},
	}
}

func joinerRoom(messages ...*signaling.Message) *apprtc.RoomDescriptor {
	return &apprtc.RoomDescriptor{
		RoomID:       "room1",
		ClientID:     "c2",
		WebsocketURL: "wss://collider.example.com/ws",
		Initiator:    false,
		Messages:     messages,
	}
}

func candidateMessage(c string) *signaling.Message {
	return signaling.NewCandidate(&signaling.Candidate{ID: "0", Label: 0, Candidate: c})
}
