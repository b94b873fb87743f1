package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/markb/huddle/internal/log"
)

// DisconnectResult describes what OnDisconnect did.
type DisconnectResult struct {
	Known         bool
	UserID        string
	LeftRooms     []string
	BecameOffline bool
	LastSeen      time.Time
	PersistErr    error
}

// OnDisconnect reconciles state after a transport close: the connection
// leaves every room, is removed from the registry, and if it was the
// user's last connection the user goes offline and last-seen is persisted.
// A second close for the same connection is a no-op.
func (s *Service) OnDisconnect(ctx context.Context, connID string) DisconnectResult {
	s.mu.Lock()
	if _, ok := s.sessions[connID]; !ok {
		s.mu.Unlock()
		return DisconnectResult{}
	}
	delete(s.sessions, connID)

	left := s.rooms.LeaveAll(connID)
	removed, change, offline := s.tracker.Disconnect(connID)
	s.dispatcher.Detach(connID)
	s.mu.Unlock()

	res := DisconnectResult{
		Known:         true,
		UserID:        removed.UserID,
		LeftRooms:     left,
		BecameOffline: offline,
	}
	log.Debug("realtime: connection closed", "conn_id", connID, "user_id", removed.UserID, "rooms", len(left))

	if !offline {
		return res
	}
	res.LastSeen = change.LastSeen

	// Presence is already committed; a store failure is reported, not rolled back.
	if err := s.persistLastSeen(ctx, change.UserID, change.LastSeen); err != nil {
		res.PersistErr = err
	}
	return res
}

func (s *Service) persistLastSeen(ctx context.Context, userID string, at time.Time) error {
	if s.store == nil {
		return nil
	}
	if err := s.store.UpdateLastSeen(ctx, userID, at); err != nil {
		s.metrics.persistenceFailure(ctx, "update_last_seen")
		log.Warn("realtime: failed to persist last seen",
			"user_id", userID, "error", ErrPersistenceUnavailable.Error(), "cause", err.Error())
		return errors.Join(ErrPersistenceUnavailable, err)
	}
	return nil
}

// CloseConnections closes every attached connection, reconciling each one.
// Endpoints that cannot be closed are disconnected directly.
func (s *Service) CloseConnections(ctx context.Context) int {
	eps := s.dispatcher.endpointsSnapshot()
	for connID, ep := range eps {
		if c, ok := ep.(interface{ Close() }); ok {
			c.Close()
			continue
		}
		s.OnDisconnect(ctx, connID)
	}
	if len(eps) > 0 {
		log.Info("realtime: closed connections", "count", len(eps))
	}
	return len(eps)
}
