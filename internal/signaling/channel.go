/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"

	"stash.kopano.io/kwm/kwmapprtc/internal/bpool"
)

// Default timeouts.
const (
	DefaultDialTimeout  = 10 * time.Second
	DefaultFlushTimeout = 5 * time.Second
	DefaultPostTimeout  = 10 * time.Second

	defaultReadLimit = 1024 * 1024
)

// Mode selects how outbound messages are delivered.
type Mode int

// Modes.
const (
	// ModeInitiator posts each outbound message via HTTP to the room server.
	ModeInitiator Mode = iota
	// ModeJoiner sends outbound messages as frames over the websocket.
	ModeJoiner
)

func (m Mode) String() string {
	switch m {
	case ModeInitiator:
		return "initiator"
	case ModeJoiner:
		return "joiner"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Handler receives channel events. Methods are called from the channel's
// goroutines and must not block.
type Handler interface {
	HandleOpen()
	HandleMessage(message *Message)
	HandleClose(err error)
}

// Options define the settings of a Channel.
type Options struct {
	Mode Mode

	WebsocketURL string
	MessageURL   string
	RoomID       string
	ClientID     string

	Logger     logrus.FieldLogger
	HTTPClient *http.Client

	DialTimeout  time.Duration
	FlushTimeout time.Duration
	PostTimeout  time.Duration
	ReadLimit    int64
}

type registerFrame struct {
	Cmd      string `json:"cmd"`
	RoomID   string `json:"roomid"`
	ClientID string `json:"clientid"`
}

type sendFrame struct {
	Cmd string `json:"cmd"`
	Msg string `json:"msg"`
}

type inboundFrame struct {
	Msg   string `json:"msg"`
	Error string `json:"error"`
}

// Channel is the bidirectional signaling path between both peers of a room.
// Inbound messages always arrive over the websocket. Outbound messages are
// queued and delivered in order by a single writer.
type Channel struct {
	options *Options
	handler Handler
	logger  logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
	ws     *websocket.Conn

	mutex  deadlock.Mutex
	outbox []*Message
	notify chan struct{}

	opened     chan struct{}
	flushing   chan struct{}
	writerDone chan struct{}
	readerDone chan struct{}

	openCalled int32
	closed     int32
}

// New creates a Channel with the provided options. The writer is started
// immediately so messages can be queued before the channel is opened.
func New(options *Options, handler Handler) (*Channel, error) {
	if options == nil {
		return nil, errors.New("options cannot be nil")
	}
	if handler == nil {
		return nil, errors.New("handler cannot be nil")
	}
	if options.WebsocketURL == "" {
		return nil, errors.New("websocket url is required")
	}
	if options.Mode == ModeInitiator && options.MessageURL == "" {
		return nil, errors.New("message url is required in initiator mode")
	}

	opts := *options
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = DefaultFlushTimeout
	}
	if opts.PostTimeout <= 0 {
		opts.PostTimeout = DefaultPostTimeout
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}

	c := &Channel{
		options: &opts,
		handler: handler,
		logger: opts.Logger.WithFields(logrus.Fields{
			"room_id":   opts.RoomID,
			"client_id": opts.ClientID,
			"mode":      opts.Mode.String(),
		}),

		notify: make(chan struct{}, 1),

		opened:     make(chan struct{}),
		flushing:   make(chan struct{}),
		writerDone: make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	go c.writePump()

	return c, nil
}

// Open connects the websocket, registers with the room and starts receiving.
func (c *Channel) Open(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&c.openCalled, 0, 1) {
		return errors.New("channel already opened")
	}
	if atomic.LoadInt32(&c.closed) == 1 {
		close(c.readerDone)
		return &Error{Op: "open", Err: errors.New("channel is closed")}
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, c.options.DialTimeout)
	defer dialCancel()
	dialDone := make(chan struct{})
	defer close(dialDone)
	go func() {
		select {
		case <-c.ctx.Done():
			dialCancel()
		case <-dialDone:
		}
	}()

	header := http.Header{}
	header.Set("Origin", c.options.WebsocketURL)
	ws, _, err := websocket.Dial(dialCtx, c.options.WebsocketURL, &websocket.DialOptions{
		HTTPClient: c.options.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		close(c.readerDone)
		return &Error{Op: "dial", Err: err}
	}
	if atomic.LoadInt32(&c.closed) == 1 {
		ws.Close(websocket.StatusNormalClosure, "")
		close(c.readerDone)
		return &Error{Op: "open", Err: errors.New("channel closed while dialing")}
	}
	ws.SetReadLimit(c.options.ReadLimit)

	err = c.writeFrame(dialCtx, ws, &registerFrame{
		Cmd:      "register",
		RoomID:   c.options.RoomID,
		ClientID: c.options.ClientID,
	})
	if err != nil {
		ws.Close(websocket.StatusInternalError, "")
		close(c.readerDone)
		return &Error{Op: "register", Err: err}
	}

	c.mutex.Lock()
	if atomic.LoadInt32(&c.closed) == 1 {
		c.mutex.Unlock()
		ws.Close(websocket.StatusNormalClosure, "")
		close(c.readerDone)
		return &Error{Op: "open", Err: errors.New("channel closed while registering")}
	}
	c.ws = ws
	c.mutex.Unlock()

	c.logger.Debugln("signal channel registered")
	close(c.opened)
	c.handler.HandleOpen()

	go func() {
		defer close(c.readerDone)
		readPumpErr := c.readPump(ws)
		if readPumpErr != nil && atomic.LoadInt32(&c.closed) == 0 {
			c.logger.WithError(readPumpErr).Warnln("signal channel closed unexpectedly")
			c.handler.HandleClose(&Error{Op: "read", Err: readPumpErr})
		}
	}()

	return nil
}

// Send queues the message for delivery. It never blocks.
func (c *Channel) Send(message *Message) error {
	if message == nil {
		return errors.New("message cannot be nil")
	}
	if atomic.LoadInt32(&c.closed) == 1 {
		return &Error{Op: "send", Err: errors.New("channel is closed")}
	}

	c.mutex.Lock()
	c.outbox = append(c.outbox, message)
	c.mutex.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

// Close flushes queued messages, closes the websocket and waits for the
// channel's goroutines. Calling Close more than once is a no-op.
func (c *Channel) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}

	close(c.flushing)
	select {
	case <-c.writerDone:
	case <-time.After(c.options.FlushTimeout):
		c.logger.Warnln("signal channel flush timeout, dropping queued messages")
		c.cancel()
		<-c.writerDone
	}

	c.mutex.Lock()
	ws := c.ws
	c.mutex.Unlock()

	if ws != nil {
		err := ws.Close(websocket.StatusNormalClosure, "")
		if err != nil {
			c.logger.WithError(err).Debugln("signal channel websocket close error")
		}
	}
	c.cancel()
	if atomic.LoadInt32(&c.openCalled) == 1 {
		<-c.readerDone
	}

	c.logger.Debugln("signal channel closed")
	return nil
}

func (c *Channel) readPump(ws *websocket.Conn) error {
	var mt websocket.MessageType
	var reader io.Reader
	var b *bytes.Buffer
	var err error
	for {
		mt, reader, err = ws.Reader(c.ctx)
		if err != nil {
			return err
		}

		b = bpool.Get()
		if _, err = b.ReadFrom(reader); err != nil {
			bpool.Put(b)
			return err
		}

		switch mt {
		case websocket.MessageText:
		default:
			bpool.Put(b)
			c.logger.WithField("message_type", mt).Warnln("signal channel received unknown websocket message type")
			continue
		}

		frame := &inboundFrame{}
		err = json.Unmarshal(b.Bytes(), frame)
		bpool.Put(b)
		if err != nil {
			c.logger.WithError(err).Errorln("signal channel frame parse error")
			continue
		}

		if frame.Error != "" {
			c.logger.WithField("error", frame.Error).Warnln("signal channel received error")
		}
		if frame.Msg == "" {
			continue
		}

		message, parseErr := ParseMessage([]byte(frame.Msg))
		if parseErr != nil {
			c.logger.WithError(parseErr).Errorln("signal channel message parse error")
			continue
		}
		c.handler.HandleMessage(message)
	}
}

func (c *Channel) drain() []*Message {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	messages := c.outbox
	c.outbox = nil
	return messages
}

func (c *Channel) writePump() {
	defer close(c.writerDone)

	for {
		messages := c.drain()
		if len(messages) == 0 {
			select {
			case <-c.notify:
				continue
			case <-c.flushing:
				if messages = c.drain(); len(messages) == 0 {
					return
				}
			case <-c.ctx.Done():
				return
			}
		}

		for _, message := range messages {
			if err := c.write(message); err != nil {
				if c.ctx.Err() != nil {
					return
				}
				c.logger.WithError(err).WithField("type", message.Type).Errorln("signal channel failed to send message")
			}
		}
	}
}

func (c *Channel) write(message *Message) error {
	b, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	switch c.options.Mode {
	case ModeInitiator:
		return c.post(b)
	default:
		if err = c.waitOpen(); err != nil {
			return err
		}
		c.mutex.Lock()
		ws := c.ws
		c.mutex.Unlock()
		return c.writeFrame(c.ctx, ws, &sendFrame{
			Cmd: "send",
			Msg: string(b),
		})
	}
}

func (c *Channel) waitOpen() error {
	select {
	case <-c.opened:
		return nil
	default:
	}
	select {
	case <-c.opened:
		return nil
	case <-c.flushing:
		return errors.New("channel closed before it was opened")
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

func (c *Channel) post(b []byte) error {
	ctx, cancel := context.WithTimeout(c.ctx, c.options.PostTimeout)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.options.MessageURL, bytes.NewReader(b))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "text/plain; charset=utf-8")

	response, err := c.options.HTTPClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	body, _ := ioutil.ReadAll(io.LimitReader(response.Body, 4096))

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return fmt.Errorf("message post failed with status %d", response.StatusCode)
	}
	c.logger.WithField("response", string(body)).Debugln("signal channel message posted")
	return nil
}

func (c *Channel) writeFrame(ctx context.Context, ws *websocket.Conn, frame interface{}) error {
	b, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, b)
}
