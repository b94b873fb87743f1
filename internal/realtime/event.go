package realtime

import (
	"time"

	"github.com/google/uuid"
)

// Event kinds published by the core.
const (
	KindPresenceChanged   = "presence.changed"
	KindMessageCreated    = "message.created"
	KindMembershipChanged = "membership.changed"
)

// TargetKind selects how a Target resolves to connections.
type TargetKind string

const (
	TargetUser      TargetKind = "user"
	TargetRoom      TargetKind = "room"
	TargetBroadcast TargetKind = "broadcast"
)

// Target is a fanout destination: a user (all of their connections), a
// room (all joined connections) or every registered connection.
type Target struct {
	Kind TargetKind `json:"kind"`
	ID   string     `json:"id,omitempty"`
}

// UserTarget addresses every connection of userID.
func UserTarget(userID string) Target {
	return Target{Kind: TargetUser, ID: userID}
}

// RoomTarget addresses every connection joined to roomID.
func RoomTarget(roomID string) Target {
	return Target{Kind: TargetRoom, ID: roomID}
}

// BroadcastTarget addresses every registered connection.
func BroadcastTarget() Target {
	return Target{Kind: TargetBroadcast}
}

func (t Target) String() string {
	if t.ID == "" {
		return string(t.Kind)
	}
	return string(t.Kind) + ":" + t.ID
}

// Event is the unit of fanout. Payload is opaque and passed through
// unchanged.
type Event struct {
	ID      string    `json:"id"`
	Kind    string    `json:"kind"`
	Target  Target    `json:"target"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// NewEvent builds an event with a fresh id.
func NewEvent(target Target, kind string, payload any) Event {
	return Event{
		ID:      uuid.NewString(),
		Kind:    kind,
		Target:  target,
		Payload: payload,
		At:      time.Now().UTC(),
	}
}

// Endpoint accepts events for a single connection. Deliver must not block;
// transports queue the event and write it asynchronously, preserving the
// order of Deliver calls.
type Endpoint interface {
	Deliver(Event) error
}

// EndpointFunc adapts a function to Endpoint.
type EndpointFunc func(Event) error

// Deliver calls f(ev).
func (f EndpointFunc) Deliver(ev Event) error {
	return f(ev)
}
