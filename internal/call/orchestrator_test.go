/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package call

import (
	"errors"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"stash.kopano.io/kwm/kwmapprtc/internal/apprtc"
	"stash.kopano.io/kwm/kwmapprtc/internal/signaling"
)

func TestInitiatorHappyPath(t *testing.T) {
	tc := newTestCall(t, &fakeRoomClient{room: initiatorRoom()})
	o := tc.o

	if err := o.Start("room1"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "offer", func() bool {
		c := tc.Channel()
		return c != nil && len(c.Sent()) == 1
	})
	channel := tc.Channel()
	engine := tc.Engine()

	offer := channel.Sent()[0]
	if offer.Type != signaling.MessageTypeOffer {
		t.Fatalf("expected offer, got %s", offer.Type)
	}
	if !strings.Contains(offer.SDP, "m=video 9 UDP/TLS/RTP/SAVPF 98 96\r\n") {
		t.Errorf("offer does not prefer H264: %q", offer.SDP)
	}
	if len(engine.config.ICEServers) != 1 || !engine.config.Initiator {
		t.Errorf("unexpected engine config %+v", engine.config)
	}
	if o.State() != StateNegotiating {
		t.Errorf("expected negotiating, got %s", o.State())
	}

	// Local candidates before the answer are held back.
	engine.observer.OnLocalICECandidate(&ICECandidate{SDPMid: "0", Candidate: "local1"})
	channel.handler.HandleMessage(signaling.NewAnswer("v=0\r\n"))

	waitFor(t, "candidate", func() bool {
		return len(channel.Sent()) == 2
	})
	sent := channel.Sent()
	if sent[1].Type != signaling.MessageTypeCandidate || sent[1].Candidate.Candidate != "local1" {
		t.Errorf("unexpected message %+v", sent[1])
	}
	remote := engine.Remote()
	if len(remote) != 1 || remote[0].Type != SDPTypeAnswer {
		t.Errorf("unexpected remote descriptions %+v", remote)
	}

	engine.observer.OnConnectionStateChanged(ConnectionStateConnected)
	engine.observer.OnConnectionStateChanged(ConnectionStateCompleted)
	waitFor(t, "connected", func() bool {
		return o.State() == StateConnected
	})
	waitFor(t, "swap", func() bool {
		return len(tc.renderer.Swaps()) == 2
	})

	o.End()
	waitDone(t, o)

	if o.State() != StateClosed {
		t.Errorf("expected closed, got %s", o.State())
	}
	if !reflect.DeepEqual(tc.renderer.Swaps(), []bool{true, false}) {
		t.Errorf("unexpected feed swaps %v", tc.renderer.Swaps())
	}
	types := channel.SentTypes()
	if types[len(types)-1] != signaling.MessageTypeBye {
		t.Errorf("expected bye last, got %v", types)
	}
	if tc.rooms.Leaves() != 1 || channel.Closed() != 1 || engine.Closed() != 1 {
		t.Errorf("unexpected teardown leave=%d channel=%d engine=%d", tc.rooms.Leaves(), channel.Closed(), engine.Closed())
	}
	if tc.capture.stopped != 1 || tc.renderer.released != 1 || tc.renderer.detached != 1 {
		t.Errorf("media not released")
	}
	if tc.audio.entered != 1 || tc.audio.restored != 1 {
		t.Errorf("audio routing not restored")
	}
	if len(tc.capture.sinks) != 2 {
		t.Errorf("expected capture sinks for both tracks, got %d", len(tc.capture.sinks))
	}
	if o.Err() != nil {
		t.Errorf("unexpected error %v", o.Err())
	}
}

func TestJoinerHappyPath(t *testing.T) {
	room := joinerRoom(
		signaling.NewOffer(testRemoteOfferSDP),
		candidateMessage("remote1"),
		candidateMessage("remote2"),
	)
	tc := newTestCall(t, &fakeRoomClient{room: room})
	o := tc.o

	if err := o.Start("room1"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "answer", func() bool {
		c := tc.Channel()
		return c != nil && len(c.Sent()) == 1
	})
	channel := tc.Channel()
	engine := tc.Engine()

	if channel.Opened() != 1 {
		t.Errorf("channel not opened")
	}
	if sent := channel.Sent(); sent[0].Type != signaling.MessageTypeAnswer {
		t.Errorf("expected answer, got %s", sent[0].Type)
	}

	expected := []string{
		"AddTrack:ARDAMSv0",
		"AddTrack:ARDAMSa0",
		"SetRemoteDescription:offer",
		"AddICECandidate:remote1",
		"AddICECandidate:remote2",
		"CreateAnswer",
		"SetLocalDescription:answer",
	}
	if calls := engine.Calls(); !reflect.DeepEqual(calls, expected) {
		t.Errorf("unexpected engine calls\n got %v\nwant %v", calls, expected)
	}

	remote := engine.Remote()
	if !strings.Contains(remote[0].SDP, "m=video 9 UDP/TLS/RTP/SAVPF 96 98\r\n") {
		t.Errorf("remote offer does not prefer VP8: %q", remote[0].SDP)
	}

	o.End()
	waitDone(t, o)
}

func TestJoinerBuffersCandidatesUntilRemoteDescriptionSet(t *testing.T) {
	tc := newTestCall(t, &fakeRoomClient{room: joinerRoom()})
	tc.engineSetup = func(e *fakeEngine) {
		e.deferRemoteSet = true
	}
	o := tc.o

	if err := o.Start("room1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "channel", func() bool {
		c := tc.Channel()
		return c != nil && c.Opened() == 1
	})
	channel := tc.Channel()
	engine := tc.Engine()

	channel.handler.HandleMessage(candidateMessage("early"))
	channel.handler.HandleMessage(signaling.NewOffer(testRemoteOfferSDP))
	channel.handler.HandleMessage(candidateMessage("late"))

	waitFor(t, "remote description", func() bool {
		return len(engine.Remote()) == 1
	})
	for _, call := range engine.Calls() {
		if strings.HasPrefix(call, "AddICECandidate") {
			t.Fatalf("candidate applied before remote description was set: %v", engine.Calls())
		}
	}

	engine.observer.OnRemoteDescriptionSet()
	waitFor(t, "candidates", func() bool {
		count := 0
		for _, call := range engine.Calls() {
			if strings.HasPrefix(call, "AddICECandidate") {
				count++
			}
		}
		return count == 2
	})

	o.End()
	waitDone(t, o)
}

func TestTURNFailure(t *testing.T) {
	joinErr := &apprtc.IceResolutionError{URL: "https://turn.example.com", StatusCode: 500}
	tc := newTestCall(t, &fakeRoomClient{err: joinErr})
	o := tc.o

	if err := o.Start("room1"); err != nil {
		t.Fatal(err)
	}
	waitDone(t, o)

	if o.State() != StateFailed {
		t.Errorf("expected failed, got %s", o.State())
	}
	var iceErr *apprtc.IceResolutionError
	if !errors.As(o.Err(), &iceErr) {
		t.Errorf("expected ice resolution error, got %v", o.Err())
	}
	if tc.Channel() != nil || tc.Engine() != nil {
		t.Error("no channel or engine must be created")
	}
	if tc.audio.entered != 0 {
		t.Error("audio routing must not be touched")
	}
}

func TestRemoteBye(t *testing.T) {
	tc := newTestCall(t, &fakeRoomClient{room: initiatorRoom()})
	o := tc.o

	if err := o.Start("room1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "offer", func() bool {
		c := tc.Channel()
		return c != nil && len(c.Sent()) == 1
	})
	channel := tc.Channel()

	channel.handler.HandleMessage(signaling.NewBye())
	channel.handler.HandleMessage(signaling.NewBye())
	waitDone(t, o)

	if o.State() != StateClosed {
		t.Errorf("expected closed, got %s", o.State())
	}
	if tc.rooms.Leaves() != 1 || channel.Closed() != 1 || tc.Engine().Closed() != 1 {
		t.Errorf("expected exactly one teardown")
	}
}

func TestTeardownFlushesChannelBeforeLeave(t *testing.T) {
	rooms := &fakeRoomClient{room: initiatorRoom()}
	tc := newTestCall(t, rooms)
	o := tc.o

	var closedOnLeave int32 = -1
	rooms.onLeave = func() {
		atomic.StoreInt32(&closedOnLeave, int32(tc.Channel().Closed()))
	}

	if err := o.Start("room1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "offer", func() bool {
		c := tc.Channel()
		return c != nil && len(c.Sent()) == 1
	})
	channel := tc.Channel()

	o.End()
	waitDone(t, o)

	if closed := atomic.LoadInt32(&closedOnLeave); closed != 1 {
		t.Errorf("expected channel closed before leave, got %d closes at leave", closed)
	}
	types := channel.SentTypes()
	if len(types) == 0 || types[len(types)-1] != signaling.MessageTypeBye {
		t.Errorf("expected bye last, got %v", types)
	}
}

func TestMalformedCandidatesIgnored(t *testing.T) {
	tc := newTestCall(t, &fakeRoomClient{room: joinerRoom()})
	o := tc.o

	if err := o.Start("room1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "channel", func() bool {
		c := tc.Channel()
		return c != nil && c.Opened() == 1
	})
	channel := tc.Channel()
	engine := tc.Engine()

	channel.handler.HandleMessage(signaling.NewOffer(testRemoteOfferSDP))
	waitFor(t, "remote description", func() bool {
		return len(engine.Remote()) == 1
	})
	channel.handler.HandleMessage(&signaling.Message{Type: signaling.MessageTypeCandidate})
	channel.handler.HandleMessage(signaling.NewRemoveCandidates([]*signaling.Candidate{nil}))
	channel.handler.HandleMessage(candidateMessage("after"))

	waitFor(t, "candidate after malformed ones", func() bool {
		for _, c := range engine.Calls() {
			if c == "AddICECandidate:after" {
				return true
			}
		}
		return false
	})
	if o.State() != StateNegotiating {
		t.Errorf("expected negotiating, got %s", o.State())
	}

	o.End()
	waitDone(t, o)
}

func TestJoinerReplaysBacklogOfferFirst(t *testing.T) {
	tc := newTestCall(t, &fakeRoomClient{room: joinerRoom(
		candidateMessage("early"),
		signaling.NewOffer(testRemoteOfferSDP),
	)})
	o := tc.o

	if err := o.Start("room1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "backlog candidate", func() bool {
		e := tc.Engine()
		if e == nil {
			return false
		}
		for _, c := range e.Calls() {
			if c == "AddICECandidate:early" {
				return true
			}
		}
		return false
	})

	calls := tc.Engine().Calls()
	remote, early := -1, -1
	for idx, c := range calls {
		switch c {
		case "SetRemoteDescription:offer":
			remote = idx
		case "AddICECandidate:early":
			early = idx
		}
	}
	if remote < 0 || remote > early {
		t.Errorf("expected offer applied before backlog candidate: %v", calls)
	}

	o.End()
	waitDone(t, o)
}

func TestEndIsIdempotent(t *testing.T) {
	tc := newTestCall(t, &fakeRoomClient{room: initiatorRoom()})
	o := tc.o

	if err := o.Start("room1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "offer", func() bool {
		c := tc.Channel()
		return c != nil && len(c.Sent()) == 1
	})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.End()
		}()
	}
	tc.Engine().observer.OnConnectionStateChanged(ConnectionStateDisconnected)
	wg.Wait()
	waitDone(t, o)
	o.End()

	channel := tc.Channel()
	if tc.rooms.Leaves() != 1 || channel.Closed() != 1 || tc.Engine().Closed() != 1 || tc.capture.stopped != 1 {
		t.Errorf("expected exactly one teardown")
	}
	byes := 0
	for _, messageType := range channel.SentTypes() {
		if messageType == signaling.MessageTypeBye {
			byes++
		}
	}
	if byes != 1 {
		t.Errorf("expected one bye, got %d", byes)
	}
}

func TestEndWhileJoining(t *testing.T) {
	rooms := &fakeRoomClient{block: make(chan struct{})}
	tc := newTestCall(t, rooms)
	o := tc.o

	if err := o.Start("room1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "join", func() bool {
		rooms.mutex.Lock()
		defer rooms.mutex.Unlock()
		return rooms.joinCtx != nil
	})

	o.End()
	waitDone(t, o)

	if o.State() != StateClosed {
		t.Errorf("expected closed, got %s", o.State())
	}
	if tc.Engine() != nil {
		t.Error("engine must not be created")
	}
	if rooms.Leaves() != 0 {
		t.Error("nothing to leave")
	}
}

func TestEndWhileJoiningLeavesLateRoom(t *testing.T) {
	rooms := &fakeRoomClient{block: make(chan struct{}), room: initiatorRoom()}
	tc := newTestCall(t, rooms)
	o := tc.o

	if err := o.Start("room1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "join", func() bool {
		rooms.mutex.Lock()
		defer rooms.mutex.Unlock()
		return rooms.joinCtx != nil
	})

	o.End()
	waitDone(t, o)

	if o.State() != StateClosed {
		t.Errorf("expected closed, got %s", o.State())
	}
	if rooms.Leaves() != 1 {
		t.Errorf("expected late room to be left, got %d", rooms.Leaves())
	}
	if tc.Engine() != nil || tc.Channel() != nil {
		t.Error("no session must be set up after end")
	}
}

func TestEndBeforeStart(t *testing.T) {
	tc := newTestCall(t, &fakeRoomClient{room: initiatorRoom()})
	o := tc.o

	o.End()
	waitDone(t, o)
	if o.State() != StateClosed {
		t.Errorf("expected closed, got %s", o.State())
	}
	if err := o.Start("room1"); err != ErrAlreadyStarted {
		t.Errorf("expected already started, got %v", err)
	}
}

func TestNegotiationError(t *testing.T) {
	tc := newTestCall(t, &fakeRoomClient{room: joinerRoom(signaling.NewOffer(testRemoteOfferSDP))})
	tc.engineSetup = func(e *fakeEngine) {
		e.remoteErr = errors.New("bad sdp")
	}
	o := tc.o

	if err := o.Start("room1"); err != nil {
		t.Fatal(err)
	}
	waitDone(t, o)

	if o.State() != StateFailed {
		t.Errorf("expected failed, got %s", o.State())
	}
	var negotiationErr *NegotiationError
	if !errors.As(o.Err(), &negotiationErr) {
		t.Errorf("expected negotiation error, got %v", o.Err())
	}
	if tc.rooms.Leaves() != 1 || tc.Engine().Closed() != 1 || tc.Channel().Closed() != 1 {
		t.Error("resources not released after negotiation error")
	}
}

func TestChannelOpenFailure(t *testing.T) {
	tc := newTestCall(t, &fakeRoomClient{room: joinerRoom()})
	tc.channelOpenErr = &signaling.Error{Op: "dial", Err: errors.New("refused")}
	o := tc.o

	if err := o.Start("room1"); err != nil {
		t.Fatal(err)
	}
	waitDone(t, o)

	if o.State() != StateFailed {
		t.Errorf("expected failed, got %s", o.State())
	}
	var channelErr *signaling.Error
	if !errors.As(o.Err(), &channelErr) {
		t.Errorf("expected signal channel error, got %v", o.Err())
	}
	if tc.Engine().Closed() != 1 || tc.rooms.Leaves() != 1 {
		t.Error("resources not released after channel failure")
	}
}

func TestChannelLostWhileConnected(t *testing.T) {
	tc := newTestCall(t, &fakeRoomClient{room: initiatorRoom()})
	o := tc.o

	if err := o.Start("room1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "offer", func() bool {
		c := tc.Channel()
		return c != nil && len(c.Sent()) == 1
	})
	tc.Channel().handler.HandleMessage(signaling.NewAnswer("v=0\r\n"))
	tc.Engine().observer.OnConnectionStateChanged(ConnectionStateConnected)
	waitFor(t, "connected", func() bool {
		return o.State() == StateConnected
	})

	tc.Channel().handler.HandleClose(&signaling.Error{Op: "read", Err: errors.New("eof")})
	// Posted after the close, so handled after it as well.
	tc.Channel().handler.HandleMessage(candidateMessage("remote1"))
	waitFor(t, "candidate", func() bool {
		calls := tc.Engine().Calls()
		return calls[len(calls)-1] == "AddICECandidate:remote1"
	})
	if o.State() != StateConnected {
		t.Errorf("expected connected, got %s", o.State())
	}

	o.End()
	waitDone(t, o)
}

func TestDuplicateLocalDescriptionIgnored(t *testing.T) {
	tc := newTestCall(t, &fakeRoomClient{room: initiatorRoom()})
	o := tc.o

	if err := o.Start("room1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "offer", func() bool {
		c := tc.Channel()
		return c != nil && len(c.Sent()) == 1
	})

	engine := tc.Engine()
	engine.observer.OnLocalDescriptionCreated(&SessionDescription{Type: SDPTypeOffer, SDP: "v=0\r\n"})
	engine.observer.OnConnectionStateChanged(ConnectionStateChecking)
	waitFor(t, "event processed", func() bool {
		o.queue.mutex.Lock()
		defer o.queue.mutex.Unlock()
		return len(o.queue.events) == 0
	})

	o.End()
	waitDone(t, o)

	if local := engine.Local(); len(local) != 1 {
		t.Errorf("expected one local description, got %d", len(local))
	}
	offers := 0
	for _, messageType := range tc.Channel().SentTypes() {
		if messageType == signaling.MessageTypeOffer {
			offers++
		}
	}
	if offers != 1 {
		t.Errorf("expected one offer, got %d", offers)
	}
}

func TestRemoteCandidateRemoval(t *testing.T) {
	tc := newTestCall(t, &fakeRoomClient{room: joinerRoom()})
	tc.engineSetup = func(e *fakeEngine) {
		e.deferRemoteSet = true
	}
	o := tc.o

	if err := o.Start("room1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "channel", func() bool {
		c := tc.Channel()
		return c != nil && c.Opened() == 1
	})
	channel := tc.Channel()
	engine := tc.Engine()

	channel.handler.HandleMessage(signaling.NewOffer(testRemoteOfferSDP))
	channel.handler.HandleMessage(candidateMessage("keep"))
	channel.handler.HandleMessage(candidateMessage("drop"))
	channel.handler.HandleMessage(signaling.NewRemoveCandidates([]*signaling.Candidate{
		{ID: "0", Label: 0, Candidate: "drop"},
	}))
	waitFor(t, "remote description", func() bool {
		return len(engine.Remote()) == 1
	})
	engine.observer.OnRemoteDescriptionSet()
	channel.handler.HandleMessage(signaling.NewRemoveCandidates([]*signaling.Candidate{
		{ID: "0", Label: 0, Candidate: "keep"},
	}))

	indexOf := func(calls []string, call string) int {
		for idx, c := range calls {
			if c == call {
				return idx
			}
		}
		return -1
	}
	waitFor(t, "removal", func() bool {
		return indexOf(engine.Calls(), "RemoveICECandidates") >= 0
	})
	calls := engine.Calls()
	if keep := indexOf(calls, "AddICECandidate:keep"); keep < 0 || keep > indexOf(calls, "RemoveICECandidates") {
		t.Errorf("unexpected engine calls %v", calls)
	}
	if indexOf(calls, "AddICECandidate:drop") >= 0 {
		t.Errorf("removed candidate was applied: %v", calls)
	}

	o.End()
	waitDone(t, o)
}

func TestStateNames(t *testing.T) {
	if StateConnected.String() != "connected" || State(42).String() != "unknown" {
		t.Error("unexpected state names")
	}
	if !StateFailed.Terminal() || StateDisconnecting.Terminal() {
		t.Error("unexpected terminal states")
	}
}
