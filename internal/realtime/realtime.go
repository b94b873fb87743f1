// Package realtime implements the presence and fanout core: the connection
// registry, the presence state machine, the room membership index, the
// fanout dispatcher and the disconnect reconciler, together with a
// gorilla/websocket transport that drives them.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/markb/huddle/internal/auth"
	"github.com/markb/huddle/internal/log"
	"github.com/markb/huddle/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Store is the slice of the persistence layer the core needs.
type Store interface {
	CreateMessage(ctx context.Context, in store.MessageInput) (*store.Message, error)
	FindGroupMembership(ctx context.Context, groupID string) ([]string, error)
	GroupExists(ctx context.Context, groupID string) (bool, error)
	UpdateLastSeen(ctx context.Context, userID string, at time.Time) error
}

// Resolver turns a presented credential into a verified user id.
type Resolver interface {
	ResolveUser(ctx context.Context, credential string) (string, error)
}

// Config holds realtime configuration.
type Config struct {
	Store    Store
	Resolver Resolver

	// Meter for realtime instruments; nil uses no-op instruments.
	Meter metric.Meter

	// Clock overrides time.Now for presence timestamps.
	Clock func() time.Time

	// OnStatusChange is invoked for every presence transition, after the
	// change has been queued for fanout. It runs under the presence lock
	// and must not block.
	OnStatusChange StatusListener
}

// session is the service's view of one attached connection.
type session struct {
	userID string // empty while anonymous
}

// Service is the entry point used by transports and the REST layer.
type Service struct {
	registry   *Registry
	tracker    *Tracker
	rooms      *RoomIndex
	dispatcher *Dispatcher
	metrics    *Metrics
	tracer     trace.Tracer

	store    Store
	resolver Resolver
	onChange StatusListener

	// mu orders connection lifecycle steps (attach, register, join,
	// disconnect) so a late register or join can never resurrect a
	// connection that has already been reconciled.
	mu       sync.Mutex
	sessions map[string]*session

	gauges metric.Registration
}

// Stats contains realtime statistics.
type Stats struct {
	Connections int            `json:"connections"`
	Attached    int            `json:"attached"`
	OnlineUsers int            `json:"online_users"`
	Rooms       int            `json:"rooms"`
	Memberships int            `json:"memberships"`
	Presence    []UserPresence `json:"presence"`
}

// SyncResult reports the effect of SyncGroup.
type SyncResult struct {
	GroupID string   `json:"group_id"`
	Members []string `json:"members"`
	Joined  int      `json:"joined"`
	Removed int      `json:"removed"`
}

// NewService wires the core components together.
func NewService(cfg Config) (*Service, error) {
	metrics, err := NewMetrics(cfg.Meter)
	if err != nil {
		return nil, err
	}

	registry := NewRegistry()
	rooms := NewRoomIndex()
	s := &Service{
		registry:   registry,
		rooms:      rooms,
		dispatcher: NewDispatcher(registry, rooms, metrics),
		metrics:    metrics,
		tracer:     otel.Tracer("huddle/realtime"),
		store:      cfg.Store,
		resolver:   cfg.Resolver,
		onChange:   cfg.OnStatusChange,
		sessions:   make(map[string]*session),
	}

	opts := []TrackerOption{WithStatusListener(s.statusChanged)}
	if cfg.Clock != nil {
		opts = append(opts, WithClock(cfg.Clock))
	}
	s.tracker = NewTracker(registry, opts...)

	if s.gauges, err = metrics.observe(registry, rooms); err != nil {
		return nil, fmt.Errorf("failed to register realtime gauges: %w", err)
	}
	return s, nil
}

// Close releases metric registrations.
func (s *Service) Close() error {
	if s.gauges != nil {
		return s.gauges.Unregister()
	}
	return nil
}

// Attach records a new anonymous connection and the endpoint that accepts
// its events. Anonymous connections receive no fanout until registered.
func (s *Service) Attach(connID string, ep Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[connID]; !ok {
		s.sessions[connID] = &session{}
	}
	s.dispatcher.Attach(connID, ep)
	log.Debug("realtime: connection attached", "conn_id", connID)
}

// Register resolves credential and registers the connection for the
// resulting user. On failure the connection stays anonymous.
func (s *Service) Register(ctx context.Context, connID, credential string) (string, error) {
	if s.resolver == nil {
		return "", fmt.Errorf("%w: no identity resolver configured", auth.ErrUnauthenticated)
	}
	userID, err := s.resolver.ResolveUser(ctx, credential)
	if err != nil {
		log.Debug("realtime: registration rejected", "conn_id", connID, "error", err.Error())
		return "", err
	}
	if err := s.RegisterUser(connID, userID); err != nil {
		return "", err
	}
	return userID, nil
}

// RegisterUser binds an attached connection to userID, joins the user's
// personal room and drives the presence transition. Repeating the call for
// the same pair is a no-op.
func (s *Service) RegisterUser(connID, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: empty user id", auth.ErrUnauthenticated)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[connID]
	if !ok {
		return ErrUnknownConnection
	}
	if sess.userID != "" {
		if sess.userID != userID {
			return ErrAlreadyRegistered
		}
		return nil
	}

	sess.userID = userID
	s.tracker.Connect(userID, connID)
	if _, evicted := s.rooms.JoinPersonal(connID, userID); len(evicted) > 0 {
		log.Warn("realtime: removed foreign connections from personal room", "user_id", userID, "conns", evicted)
	}

	log.Debug("realtime: connection registered", "conn_id", connID, "user_id", userID)
	return nil
}

// Join adds a registered connection to roomID. Another user's personal
// room is refused with ErrPersonalRoom. A room the store knows as a group
// goes through the JoinGroup membership check.
func (s *Service) Join(ctx context.Context, connID, roomID string) error {
	s.mu.Lock()
	_, err := s.userLocked(connID)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	isGroup, err := s.isGroup(ctx, roomID)
	if err != nil {
		return err
	}
	if isGroup {
		return s.JoinGroup(ctx, connID, roomID)
	}
	return s.join(connID, roomID)
}

// join re-checks the connection under the service lock, so a connection
// reconciled in the meantime is never added back.
func (s *Service) join(connID, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	userID, err := s.userLocked(connID)
	if err != nil {
		return err
	}
	if roomID != userID && (s.rooms.isPersonal(roomID) || s.registry.HasConnections(roomID)) {
		return ErrPersonalRoom
	}
	if s.rooms.Join(connID, roomID) {
		log.Debug("realtime: joined room", "conn_id", connID, "room_id", roomID)
	}
	return nil
}

// Leave removes a registered connection from roomID. Leaving the personal
// room is ignored.
func (s *Service) Leave(connID, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.userLocked(connID); err != nil {
		return err
	}
	if s.rooms.Leave(connID, roomID) {
		log.Debug("realtime: left room", "conn_id", connID, "room_id", roomID)
	}
	return nil
}

// JoinGroup joins connID to the group room after checking, through the
// store, that the connection's user belongs to the group.
func (s *Service) JoinGroup(ctx context.Context, connID, groupID string) error {
	s.mu.Lock()
	userID, err := s.userLocked(connID)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	members, err := s.groupMembers(ctx, groupID)
	if err != nil {
		return err
	}
	if !slices.Contains(members, userID) {
		return ErrNotMember
	}
	return s.join(connID, groupID)
}

// SyncGroup reconciles a group room with the store's member list: every
// live connection of a member is joined, every connection of a former
// member is removed. Members are notified with a membership event.
func (s *Service) SyncGroup(ctx context.Context, groupID string) (SyncResult, error) {
	members, err := s.groupMembers(ctx, groupID)
	if err != nil {
		return SyncResult{}, err
	}
	res := SyncResult{GroupID: groupID, Members: members}

	memberSet := make(map[string]struct{}, len(members))
	for _, userID := range members {
		memberSet[userID] = struct{}{}
	}

	s.mu.Lock()
	for _, userID := range members {
		for _, connID := range s.registry.ListConnections(userID) {
			if sess, ok := s.sessions[connID]; ok && sess.userID == userID && s.rooms.Join(connID, groupID) {
				res.Joined++
			}
		}
	}
	for _, connID := range s.rooms.MembersOf(groupID) {
		userID, _ := s.registry.UserOf(connID)
		if _, ok := memberSet[userID]; !ok && s.rooms.Leave(connID, groupID) {
			res.Removed++
		}
	}
	s.mu.Unlock()

	s.Publish(ctx, RoomTarget(groupID), KindMembershipChanged, map[string]any{
		"group_id": groupID,
		"members":  members,
	})
	log.Info("realtime: group synced", "group_id", groupID, "joined", res.Joined, "removed", res.Removed)
	return res, nil
}

// SetAway marks a connected user as away.
func (s *Service) SetAway(userID string) bool {
	_, changed := s.tracker.SetAway(userID)
	return changed
}

// SetActive marks an away user as online again.
func (s *Service) SetActive(userID string) bool {
	_, changed := s.tracker.SetActive(userID)
	return changed
}

// Publish is the single fanout entry point.
func (s *Service) Publish(ctx context.Context, target Target, kind string, payload any) DeliveryReport {
	ctx, span := s.tracer.Start(ctx, "realtime.publish", trace.WithAttributes(
		attribute.String("realtime.target", target.String()),
		attribute.String("realtime.kind", kind),
	))
	defer span.End()

	report := s.dispatcher.Deliver(ctx, target, NewEvent(target, kind, payload))
	span.SetAttributes(
		attribute.Int("realtime.targets", report.Targets),
		attribute.Int("realtime.delivered", report.Delivered),
	)
	if len(report.Failed) > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d deliveries failed", len(report.Failed)))
	}
	return report
}

// PublishMessage persists a message and fans it out to its room.
func (s *Service) PublishMessage(ctx context.Context, in store.MessageInput) (*store.Message, DeliveryReport, error) {
	if s.store == nil {
		return nil, DeliveryReport{}, fmt.Errorf("%w: no store configured", ErrPersistenceUnavailable)
	}
	msg, err := s.store.CreateMessage(ctx, in)
	if err != nil {
		s.metrics.persistenceFailure(ctx, "create_message")
		if errors.Is(err, store.ErrInvalidMessage) {
			return nil, DeliveryReport{}, err
		}
		return nil, DeliveryReport{}, fmt.Errorf("%w: %w", ErrPersistenceUnavailable, err)
	}
	report := s.Publish(ctx, RoomTarget(msg.RoomID), KindMessageCreated, msg)
	return msg, report, nil
}

// IsOnline reports whether userID has at least one live connection.
func (s *Service) IsOnline(userID string) bool {
	return s.tracker.IsOnline(userID)
}

// OnlineUserIDs returns every user with at least one connection.
func (s *Service) OnlineUserIDs() []string {
	return s.registry.ListOnlineUserIDs()
}

// Status returns the user's presence status.
func (s *Service) Status(userID string) Status {
	return s.tracker.Status(userID)
}

// IsMember reports whether connID is joined to roomID.
func (s *Service) IsMember(connID, roomID string) bool {
	return s.rooms.IsMember(connID, roomID)
}

// RoomMembers returns the connections joined to roomID.
func (s *Service) RoomMembers(roomID string) []string {
	return s.rooms.MembersOf(roomID)
}

// UserOf returns the user a connection is registered to.
func (s *Service) UserOf(connID string) (string, bool) {
	return s.registry.UserOf(connID)
}

// Stats returns current realtime statistics.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	attached := len(s.sessions)
	s.mu.Unlock()

	return Stats{
		Connections: s.registry.ConnectionCount(),
		Attached:    attached,
		OnlineUsers: s.registry.UserCount(),
		Rooms:       s.rooms.RoomCount(),
		Memberships: s.rooms.MembershipCount(),
		Presence:    s.tracker.Snapshot(),
	}
}

// statusChanged runs under the tracker lock; it only queues events.
func (s *Service) statusChanged(change StatusChange) {
	ctx := context.Background()
	s.metrics.transition(ctx, change)
	s.dispatcher.Deliver(ctx, BroadcastTarget(), NewEvent(BroadcastTarget(), KindPresenceChanged, change))
	if s.onChange != nil {
		s.onChange(change)
	}
	log.Debug("realtime: presence changed", "user_id", change.UserID, "from", change.Previous, "to", change.Status)
}

func (s *Service) userLocked(connID string) (string, error) {
	sess, ok := s.sessions[connID]
	if !ok {
		return "", ErrUnknownConnection
	}
	if sess.userID == "" {
		return "", ErrNotRegistered
	}
	return sess.userID, nil
}

// isGroup asks the store whether roomID is a group. Without a store there
// are no groups.
func (s *Service) isGroup(ctx context.Context, roomID string) (bool, error) {
	if s.store == nil {
		return false, nil
	}
	ok, err := s.store.GroupExists(ctx, roomID)
	if err != nil {
		s.metrics.persistenceFailure(ctx, "group_exists")
		log.Warn("realtime: group lookup failed", "room_id", roomID, "error", err.Error())
		return false, fmt.Errorf("%w: %w", ErrPersistenceUnavailable, err)
	}
	return ok, nil
}

func (s *Service) groupMembers(ctx context.Context, groupID string) ([]string, error) {
	if s.store == nil {
		return nil, fmt.Errorf("%w: no store configured", ErrPersistenceUnavailable)
	}
	members, err := s.store.FindGroupMembership(ctx, groupID)
	if err != nil {
		s.metrics.persistenceFailure(ctx, "find_group_membership")
		log.Warn("realtime: group membership lookup failed", "group_id", groupID, "error", err.Error())
		return nil, fmt.Errorf("%w: %w", ErrPersistenceUnavailable, err)
	}
	return members, nil
}
