package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/markb/huddle/internal/log"
	"github.com/markb/huddle/internal/realtime"
	"github.com/markb/huddle/internal/store"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, errCode, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   errCode,
		Message: message,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeStoreError maps core and store errors onto HTTP statuses.
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrInvalidMessage):
		s.writeError(w, http.StatusBadRequest, "invalid_message", err.Error())
	case errors.Is(err, store.ErrGroupNotFound):
		s.writeError(w, http.StatusNotFound, "group_not_found", "Group not found")
	case errors.Is(err, store.ErrGroupExists):
		s.writeError(w, http.StatusConflict, "group_exists", "Group already exists")
	case errors.Is(err, realtime.ErrNotMember):
		s.writeError(w, http.StatusForbidden, "not_member", "Not a member of this group")
	case errors.Is(err, realtime.ErrPersistenceUnavailable):
		log.FromContext(r.Context()).Error("server: store unavailable", "error", err.Error())
		s.writeError(w, http.StatusServiceUnavailable, "store_unavailable", "Storage is unavailable")
	default:
		log.FromContext(r.Context()).Error("server: request failed", "error", err.Error())
		s.writeError(w, http.StatusInternalServerError, "internal_error", "Internal error")
	}
}

type presenceResponse struct {
	UserID   string          `json:"user_id"`
	Status   realtime.Status `json:"status"`
	Online   bool            `json:"online"`
	LastSeen *time.Time      `json:"last_seen"`
}

func (s *Server) handleOnline(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string][]string{"user_ids": s.rt.OnlineUserIDs()})
}

func (s *Server) handleUserPresence(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	resp := presenceResponse{
		UserID: userID,
		Status: s.rt.Status(userID),
		Online: s.rt.IsOnline(userID),
	}

	// last_seen is only meaningful while offline
	if !resp.Online && s.store != nil {
		at, err := s.store.LastSeen(r.Context(), userID)
		switch {
		case err == nil:
			resp.LastSeen = &at
		case errors.Is(err, store.ErrUserNotFound):
		default:
			log.FromContext(r.Context()).Warn("server: last seen lookup failed", "user_id", userID, "error", err.Error())
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.rt.Stats())
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	n := 100
	if v := r.URL.Query().Get("lines"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid_lines", "lines must be a positive integer")
			return
		}
		n = parsed
	}
	level := slog.LevelDebug
	if v := r.URL.Query().Get("level"); v != "" {
		level = log.ParseLevel(v)
	}

	entries := log.Recent(n, level)
	total, capacity, enabled := log.BufferStats()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"enabled":  enabled,
		"total":    total,
		"capacity": capacity,
		"entries":  entries,
	})
}

type createMessageRequest struct {
	RoomID  string          `json:"room_id"`
	Content json.RawMessage `json:"content"`
}

func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	var req createMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 2*store.MaxContentBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body")
		return
	}
	if !s.requireRoomAccess(w, r, req.RoomID) {
		return
	}

	msg, report, err := s.rt.PublishMessage(r.Context(), store.MessageInput{
		RoomID:   req.RoomID,
		SenderID: GetUserID(r),
		Content:  req.Content,
	})
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"message":   msg,
		"delivered": report.Delivered,
	})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	if !s.requireRoomAccess(w, r, roomID) {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	msgs, err := s.store.ListMessages(r.Context(), roomID, limit)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []*store.Message{}
	}
	s.writeJSON(w, http.StatusOK, msgs)
}

type createGroupRequest struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

// handleCreateGroup creates a group containing the caller and the listed
// members, then joins their live connections.
func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body")
		return
	}
	if req.ID == "" {
		s.writeError(w, http.StatusBadRequest, "invalid_group", "id is required")
		return
	}

	members := append([]string{GetUserID(r)}, req.Members...)
	group, err := s.store.CreateGroup(r.Context(), req.ID, req.Name, members)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	res, err := s.rt.SyncGroup(r.Context(), group.ID)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"group": group, "sync": res})
}

// requireMember rejects callers outside the group.
func (s *Server) requireMember(w http.ResponseWriter, r *http.Request, groupID string) bool {
	members, err := s.store.FindGroupMembership(r.Context(), groupID)
	if err != nil {
		s.writeStoreError(w, r, err)
		return false
	}
	if slices.Contains(members, GetUserID(r)) {
		return true
	}
	if len(members) == 0 {
		s.writeError(w, http.StatusNotFound, "group_not_found", "Group not found")
		return false
	}
	s.writeError(w, http.StatusForbidden, "not_member", "Not a member of this group")
	return false
}

// requireRoomAccess rejects callers outside a group room. Rooms that are
// not groups are open.
func (s *Server) requireRoomAccess(w http.ResponseWriter, r *http.Request, roomID string) bool {
	if roomID == "" {
		return true
	}
	isGroup, err := s.store.GroupExists(r.Context(), roomID)
	if err != nil {
		s.writeStoreError(w, r, err)
		return false
	}
	if !isGroup {
		return true
	}
	members, err := s.store.FindGroupMembership(r.Context(), roomID)
	if err != nil {
		s.writeStoreError(w, r, err)
		return false
	}
	if !slices.Contains(members, GetUserID(r)) {
		s.writeError(w, http.StatusForbidden, "not_member", "Not a member of this group")
		return false
	}
	return true
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	groupID, userID := chi.URLParam(r, "id"), chi.URLParam(r, "user")
	if !s.requireMember(w, r, groupID) {
		return
	}
	if err := s.store.AddGroupMember(r.Context(), groupID, userID); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.syncAndRespond(w, r, groupID)
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	groupID, userID := chi.URLParam(r, "id"), chi.URLParam(r, "user")
	if !s.requireMember(w, r, groupID) {
		return
	}
	if _, err := s.store.RemoveGroupMember(r.Context(), groupID, userID); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.syncAndRespond(w, r, groupID)
}

// handleSyncGroup applies a membership change made outside this process.
func (s *Server) handleSyncGroup(w http.ResponseWriter, r *http.Request) {
	s.syncAndRespond(w, r, chi.URLParam(r, "id"))
}

func (s *Server) syncAndRespond(w http.ResponseWriter, r *http.Request, groupID string) {
	res, err := s.rt.SyncGroup(r.Context(), groupID)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}
