package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/markb/huddle/internal/auth"
	"github.com/markb/huddle/internal/log"
	"github.com/markb/huddle/internal/store"
)

const (
	// Send buffer size for outbound frames
	sendBufferSize = 256

	// Time allowed to write a frame
	writeWait = 10 * time.Second

	// Time allowed to read the next pong
	pongWait = 30 * time.Second

	// Send pings with this period (must be less than pongWait)
	pingPeriod = 25 * time.Second

	// Maximum inbound frame size
	maxFrameSize = 64 * 1024
)

var (
	errSendBufferFull = errors.New("send buffer full")
	errConnClosed     = errors.New("connection closed")
)

// Conn is one websocket connection. It is the dispatcher endpoint for its
// id: Deliver only enqueues, WritePump drains the queue in order.
type Conn struct {
	id        string
	ws        *websocket.Conn
	svc       *Service
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewConn creates a connection with a fresh id and attaches it to the
// service as anonymous.
func (s *Service) NewConn(ws *websocket.Conn) *Conn {
	c := &Conn{
		id:   uuid.New().String(),
		ws:   ws,
		svc:  s,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
	s.Attach(c.id, c)
	return c
}

// ID returns the connection id.
func (c *Conn) ID() string {
	return c.id
}

// Deliver queues ev for writing. It never blocks.
func (c *Conn) Deliver(ev Event) error {
	data, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

func (c *Conn) enqueue(data []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errSendBufferFull
	}
}

// Done is closed once the connection has ended.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close tears the connection down and reconciles its state. Safe to call
// from both pumps.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.ws != nil {
			c.ws.Close()
		}
		c.svc.OnDisconnect(context.Background(), c.id)
	})
}

// ReadPump reads frames until the socket fails or the peer stops answering
// pings.
func (c *Conn) ReadPump() {
	defer c.Close()

	c.ws.SetReadLimit(maxFrameSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug("realtime: read error", "conn_id", c.id, "error", err.Error())
			}
			return
		}

		f, err := DecodeFrame(data)
		if err != nil {
			log.Debug("realtime: invalid frame", "conn_id", c.id, "error", err.Error(), "len", len(data))
			c.replyError("", "", "invalid_frame", err.Error())
			continue
		}
		c.handleFrame(context.Background(), f)
	}
}

// WritePump writes queued frames and keeps the connection alive with pings.
func (c *Conn) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (c *Conn) handleFrame(ctx context.Context, f *Frame) {
	log.Debug("realtime: frame", "conn_id", c.id, "event", f.Event, "topic", f.Topic)

	var (
		response any
		err      error
	)
	switch f.Event {
	case FrameHeartbeat:
	case FrameRegister:
		response, err = c.handleRegister(ctx, f)
	case FrameJoin:
		err = c.handleJoin(ctx, f)
	case FrameLeave:
		err = c.svc.Leave(c.id, f.Topic)
	case FrameAway:
		err = c.handleAway(true)
	case FrameActive:
		err = c.handleAway(false)
	case FramePublish:
		response, err = c.handlePublish(ctx, f)
	default:
		c.replyError(f.Topic, f.Ref, "unknown_event", fmt.Sprintf("unknown event %q", f.Event))
		return
	}

	if err != nil {
		c.replyError(f.Topic, f.Ref, errorCode(err), err.Error())
		return
	}
	c.reply(f.Topic, f.Ref, response)
}

func (c *Conn) handleRegister(ctx context.Context, f *Frame) (any, error) {
	var p RegisterPayload
	if err := f.DecodePayload(&p); err != nil {
		return nil, err
	}
	userID, err := c.svc.Register(ctx, c.id, p.AccessToken)
	if err != nil {
		return nil, err
	}
	return map[string]string{"user_id": userID, "conn_id": c.id}, nil
}

// JoinPayload is the optional payload of a join frame. Group joins are
// checked against the store's membership list.
type JoinPayload struct {
	Group bool `json:"group"`
}

func (c *Conn) handleJoin(ctx context.Context, f *Frame) error {
	if f.Topic == "" {
		return fmt.Errorf("%w: missing topic", errBadRequest)
	}
	var p JoinPayload
	if err := f.DecodePayload(&p); err != nil {
		return err
	}
	if p.Group {
		return c.svc.JoinGroup(ctx, c.id, f.Topic)
	}
	return c.svc.Join(ctx, c.id, f.Topic)
}

func (c *Conn) handleAway(away bool) error {
	userID, ok := c.svc.UserOf(c.id)
	if !ok {
		return ErrNotRegistered
	}
	if away {
		c.svc.SetAway(userID)
	} else {
		c.svc.SetActive(userID)
	}
	return nil
}

// handlePublish fans a client event out to a room the connection has
// joined. message.created payloads are persisted first.
func (c *Conn) handlePublish(ctx context.Context, f *Frame) (any, error) {
	userID, ok := c.svc.UserOf(c.id)
	if !ok {
		return nil, ErrNotRegistered
	}
	if !c.svc.IsMember(c.id, f.Topic) {
		return nil, ErrNotMember
	}

	var p PublishPayload
	if err := f.DecodePayload(&p); err != nil {
		return nil, err
	}
	if p.Kind == "" || p.Kind == KindMessageCreated {
		msg, report, err := c.svc.PublishMessage(ctx, store.MessageInput{
			RoomID:   f.Topic,
			SenderID: userID,
			Content:  p.Payload,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"message": msg, "delivered": report.Delivered}, nil
	}

	report := c.svc.Publish(ctx, RoomTarget(f.Topic), p.Kind, p.Payload)
	return map[string]any{"event_id": report.EventID, "delivered": report.Delivered}, nil
}

func (c *Conn) reply(topic, ref string, response any) {
	data, err := EncodeReply(topic, ref, ReplyOK, response)
	if err != nil {
		log.Error("realtime: failed to encode reply", "conn_id", c.id, "error", err.Error())
		return
	}
	if err := c.enqueue(data); err != nil {
		log.Warn("realtime: reply dropped", "conn_id", c.id, "error", err.Error())
	}
}

func (c *Conn) replyError(topic, ref, code, message string) {
	data, err := EncodeErrorReply(topic, ref, code, message)
	if err != nil {
		return
	}
	if err := c.enqueue(data); err != nil {
		log.Warn("realtime: reply dropped", "conn_id", c.id, "error", err.Error())
	}
}

var errBadRequest = errors.New("bad request")

// errorCode maps core errors to the code carried by error replies.
func errorCode(err error) string {
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrAlreadyRegistered):
		return "already_registered"
	case errors.Is(err, ErrNotRegistered):
		return "not_registered"
	case errors.Is(err, ErrNotMember), errors.Is(err, ErrPersonalRoom):
		return "not_member"
	case errors.Is(err, ErrUnknownConnection):
		return "unknown_connection"
	case errors.Is(err, store.ErrInvalidMessage):
		return "invalid_message"
	case errors.Is(err, ErrPersistenceUnavailable):
		return "unavailable"
	default:
		return "bad_request"
	}
}
