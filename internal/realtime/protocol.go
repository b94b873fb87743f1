package realtime

import (
	"encoding/json"
	"fmt"
)

// Frame is the websocket wire format in both directions.
type Frame struct {
	Event   string          `json:"event"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ref     string          `json:"ref,omitempty"`
}

// Client frame events
const (
	FrameRegister  = "register"
	FrameJoin      = "join"
	FrameLeave     = "leave"
	FrameAway      = "away"
	FrameActive    = "active"
	FramePublish   = "publish"
	FrameHeartbeat = "heartbeat"
)

// Server frame events
const (
	FrameReply = "reply"
	FrameEvent = "event"
)

// Reply statuses
const (
	ReplyOK    = "ok"
	ReplyError = "error"
)

// RegisterPayload is the payload of a register frame.
type RegisterPayload struct {
	AccessToken string `json:"access_token"`
}

// PublishPayload is the payload of a publish frame. The frame topic names
// the room.
type PublishPayload struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// ReplyPayload answers a client frame with the same ref.
type ReplyPayload struct {
	Status   string `json:"status"`
	Response any    `json:"response"`
}

// DecodeFrame parses a client frame.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	if f.Event == "" {
		return nil, fmt.Errorf("invalid frame: missing event")
	}
	return &f, nil
}

// DecodePayload unmarshals the frame payload into v. An empty payload
// leaves v untouched.
func (f *Frame) DecodePayload(v any) error {
	if len(f.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", f.Event, err)
	}
	return nil
}

// EncodeReply builds a reply frame for ref.
func EncodeReply(topic, ref, status string, response any) ([]byte, error) {
	if response == nil {
		response = map[string]any{}
	}
	payload, err := json.Marshal(ReplyPayload{Status: status, Response: response})
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: FrameReply, Topic: topic, Ref: ref, Payload: payload})
}

// EncodeErrorReply builds an error reply carrying a machine code and message.
func EncodeErrorReply(topic, ref, code, message string) ([]byte, error) {
	return EncodeReply(topic, ref, ReplyError, map[string]string{
		"code":    code,
		"message": message,
	})
}

// EncodeEvent wraps a fanout event in an event frame. Room events carry the
// room id as topic.
func EncodeEvent(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	f := Frame{Event: FrameEvent, Payload: payload}
	if ev.Target.Kind == TargetRoom {
		f.Topic = ev.Target.ID
	}
	return json.Marshal(f)
}
