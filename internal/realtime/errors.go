package realtime

import "errors"

var (
	// ErrUnknownConnection is returned when an operation references a
	// connection id that was never attached or has already been removed.
	// Core mutations treat it as a no-op; it only surfaces where a caller
	// needs to know (registering an unattached connection).
	ErrUnknownConnection = errors.New("realtime: unknown connection")

	// ErrNotRegistered is returned when an anonymous connection tries to
	// join or leave a room.
	ErrNotRegistered = errors.New("realtime: connection not registered")

	// ErrAlreadyRegistered is returned when a connection that belongs to
	// one user is registered again for a different user.
	ErrAlreadyRegistered = errors.New("realtime: connection registered to another user")

	// ErrNotMember is returned when a user asks to join a group room they
	// do not belong to.
	ErrNotMember = errors.New("realtime: user is not a member of the group")

	// ErrPersonalRoom is returned when a connection tries to join the
	// personal room of another user.
	ErrPersonalRoom = errors.New("realtime: room is another user's personal room")

	// ErrDeliveryFailed marks a single destination that could not accept
	// an event. It never aborts a fanout batch.
	ErrDeliveryFailed = errors.New("realtime: delivery failed")

	// ErrPersistenceUnavailable wraps failures of the external store.
	ErrPersistenceUnavailable = errors.New("realtime: persistence unavailable")
)
