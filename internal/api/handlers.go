package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/npezzotti/shadow-rooms/internal/database"
	"github.com/npezzotti/shadow-rooms/internal/identity"
	"github.com/npezzotti/shadow-rooms/internal/protocol"
	"github.com/npezzotti/shadow-rooms/internal/server"
	"github.com/npezzotti/shadow-rooms/internal/types"
)

const (
	maxBodyBytes = 16 << 10

	minRoomName       = 2
	maxRoomName       = 40
	maxDescription    = 200
	minReportReason   = 2
	maxReportReason   = 200
	recentRoomsWindow = 100

	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
	DefaultReportsLimit = 200
	MaxReportsLimit     = 500

	randomRoomName        = "Random Room"
	randomRoomDescription = "Auto-matched anonymous room."
)

func (s *RoomsApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *RoomsApp) writeError(w http.ResponseWriter, errResp *ApiError) {
	if errResp.Err != nil {
		s.log.Println(errResp.Error())
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *RoomsApp) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		s.writeError(w, NewBadRequestError())
		return false
	}

	return true
}

// lookupRoom resolves the {code} path value, writing the error response
// itself when the room cannot be used.
func (s *RoomsApp) lookupRoom(w http.ResponseWriter, r *http.Request) (database.Room, bool) {
	code := r.PathValue("code")
	if !s.cs.ValidRoomCode(code) {
		s.writeError(w, NewInvalidInputError("invalid room code"))
		return database.Room{}, false
	}

	room, err := s.db.GetRoomByCode(code)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, database.ErrNotFound) {
			errResp = NewRoomNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeError(w, errResp)
		return database.Room{}, false
	}

	return room, true
}

func queryLimit(r *http.Request, def, upper int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		return def
	}

	return max(1, min(upper, n))
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}

	return string([]rune(s)[:n])
}

func (s *RoomsApp) health(w http.ResponseWriter, _ *http.Request) {
	s.writeJson(w, http.StatusOK, types.OkResponse{Ok: true})
}

func (s *RoomsApp) createRoomHandler(w http.ResponseWriter, r *http.Request) {
	var req types.CreateRoomRequest
	if !s.decode(w, r, &req) {
		return
	}

	if !server.ValidUsername(req.Username) {
		s.writeError(w, NewInvalidInputError("invalid username"))
		return
	}

	name := strings.TrimSpace(req.Name)
	if n := utf8.RuneCountInString(name); n < minRoomName || n > maxRoomName {
		s.writeError(w, NewInvalidInputError("invalid room name (2-40 chars)"))
		return
	}

	room, err := s.createRoom(name, truncate(strings.TrimSpace(req.Description), maxDescription), req.Passphrase)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusCreated, types.CreateRoomResponse{Code: room.Code})
}

func (s *RoomsApp) joinRoom(w http.ResponseWriter, r *http.Request) {
	var req types.JoinRoomRequest
	if !s.decode(w, r, &req) {
		return
	}

	if !server.ValidUsername(req.Username) {
		s.writeError(w, NewInvalidInputError("invalid username"))
		return
	}

	room, ok := s.lookupRoom(w, r)
	if !ok {
		return
	}

	p, perr := s.cs.Admit(room, s.callerIdentity(r), req.Username, req.Passphrase)
	if perr != nil {
		s.writeError(w, FromProtocolError(perr))
		return
	}

	s.writeJson(w, http.StatusOK, types.RoomResponse{Room: server.RoomView(room, p)})
}

// callerIdentity returns the identity set by the session middleware, or
// the one derived from an optional session header.
func (s *RoomsApp) callerIdentity(r *http.Request) string {
	if identityHash, ok := Identity(r.Context()); ok {
		return identityHash
	}
	if token := r.Header.Get(SessionHeader); identity.ValidToken(token) {
		return s.cs.IdentityFor(token)
	}
	return ""
}

// admitted writes a forbidden response unless the caller passed the
// room's join pre-check.
func (s *RoomsApp) admitted(w http.ResponseWriter, r *http.Request, room database.Room) bool {
	if s.cs.Admitted(room, s.callerIdentity(r)) {
		return true
	}

	s.writeError(w, FromProtocolError(protocol.Errorf(protocol.CodeForbidden, "join the room first")))
	return false
}

// randomRoom picks the least populated active room with space, ignoring
// protected rooms, and creates one when none qualifies.
func (s *RoomsApp) randomRoom(w http.ResponseWriter, r *http.Request) {
	var req types.RandomRoomRequest
	if !s.decode(w, r, &req) {
		return
	}

	if !server.ValidUsername(req.Username) {
		s.writeError(w, NewInvalidInputError("invalid username"))
		return
	}

	rooms, err := s.db.ListRecentRooms(recentRoomsWindow)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	var (
		pick     database.Room
		pickSeen types.Presence
		found    bool
	)
	for _, room := range rooms {
		if room.PassphraseHash != "" {
			continue
		}

		p := s.cs.Presence(room.Code)
		if p.OnlineCount == 0 || p.OnlineCount >= s.cs.Capacity() {
			continue
		}

		if !found || p.OnlineCount < pickSeen.OnlineCount {
			pick, pickSeen, found = room, p, true
		}
	}

	if !found {
		pick, err = s.createRoom(randomRoomName, randomRoomDescription, "")
		if err != nil {
			s.writeError(w, NewInternalServerError(err))
			return
		}
		pickSeen = s.cs.Presence(pick.Code)
	}

	s.writeJson(w, http.StatusOK, types.RoomResponse{Room: server.RoomView(pick, pickSeen)})
}

func (s *RoomsApp) presence(w http.ResponseWriter, r *http.Request) {
	room, ok := s.lookupRoom(w, r)
	if !ok || !s.admitted(w, r, room) {
		return
	}

	s.writeJson(w, http.StatusOK, s.cs.Presence(room.Code))
}

func (s *RoomsApp) heartbeat(w http.ResponseWriter, r *http.Request) {
	identityHash, _ := Identity(r.Context())

	var req types.HeartbeatRequest
	if !s.decode(w, r, &req) {
		return
	}

	if !server.ValidUsername(req.Username) {
		s.writeError(w, NewInvalidInputError("invalid username"))
		return
	}

	room, ok := s.lookupRoom(w, r)
	if !ok {
		return
	}

	p, perr := s.cs.Heartbeat(room, identityHash, req.Username)
	if perr != nil {
		s.writeError(w, FromProtocolError(perr))
		return
	}

	s.writeJson(w, http.StatusOK, types.HeartbeatResponse{Ok: true, Presence: p})
}

func (s *RoomsApp) getMessages(w http.ResponseWriter, r *http.Request) {
	room, ok := s.lookupRoom(w, r)
	if !ok || !s.admitted(w, r, room) {
		return
	}

	messages, err := s.db.GetMessages(room.Id, queryLimit(r, DefaultHistoryLimit, MaxHistoryLimit))
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusOK, types.MessagesResponse{Messages: server.MessageViews(messages)})
}

func (s *RoomsApp) postMessage(w http.ResponseWriter, r *http.Request) {
	identityHash, _ := Identity(r.Context())

	var req types.PostMessageRequest
	if !s.decode(w, r, &req) {
		return
	}

	if !server.ValidUsername(req.Username) {
		s.writeError(w, NewInvalidInputError("invalid username"))
		return
	}

	room, ok := s.lookupRoom(w, r)
	if !ok {
		return
	}

	msg, perr := s.cs.PostMessage(room, req.Username, identityHash, req.Content)
	if perr != nil {
		s.writeError(w, FromProtocolError(perr))
		return
	}

	s.writeJson(w, http.StatusOK, types.PostMessageResponse{Ok: true, Message: msg})
}

func pathId(r *http.Request, key string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(key), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}

	return id, true
}

func (s *RoomsApp) deleteMessage(w http.ResponseWriter, r *http.Request) {
	identityHash, _ := Identity(r.Context())

	id, ok := pathId(r, "id")
	if !ok {
		s.writeError(w, NewInvalidInputError("invalid message id"))
		return
	}

	res, perr := s.cs.DeleteMessage(identityHash, id)
	if perr != nil {
		s.writeError(w, FromProtocolError(perr))
		return
	}

	s.writeJson(w, http.StatusOK, types.DeleteMessageResponse{
		Ok:             true,
		Id:             res.Id,
		DeletedAt:      res.DeletedAt,
		AlreadyDeleted: res.AlreadyDeleted,
	})
}

func (s *RoomsApp) getPin(w http.ResponseWriter, r *http.Request) {
	room, ok := s.lookupRoom(w, r)
	if !ok || !s.admitted(w, r, room) {
		return
	}

	pin, err := s.db.GetPin(room.Id)
	if errors.Is(err, database.ErrNotFound) {
		s.writeJson(w, http.StatusOK, types.PinResponse{})
		return
	} else if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	msg, err := s.db.GetMessageById(pin.MessageId)
	if errors.Is(err, database.ErrNotFound) {
		s.writeJson(w, http.StatusOK, types.PinResponse{})
		return
	} else if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	view := server.MessageView(msg)
	s.writeJson(w, http.StatusOK, types.PinResponse{Pin: &types.Pin{
		RoomCode:  room.Code,
		MessageId: pin.MessageId,
		PinnedAt:  pin.CreatedAt.UTC(),
		Message:   &view,
	}})
}

func (s *RoomsApp) setPin(w http.ResponseWriter, r *http.Request) {
	identityHash, _ := Identity(r.Context())

	var req types.PinRequest
	if !s.decode(w, r, &req) {
		return
	}

	if req.MessageId <= 0 {
		s.writeError(w, NewInvalidInputError("invalid message id"))
		return
	}

	room, ok := s.lookupRoom(w, r)
	if !ok || !s.admitted(w, r, room) {
		return
	}

	msg, err := s.db.GetMessageById(req.MessageId)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		s.writeError(w, NewInternalServerError(err))
		return
	}
	if err != nil || msg.RoomId != room.Id {
		s.writeError(w, FromProtocolError(protocol.Errorf(protocol.CodeNotFound, "message not found in room")))
		return
	}

	err = s.db.UpsertPin(database.UpsertPinParams{
		RoomId:    room.Id,
		MessageId: msg.Id,
		PinnedBy:  identityHash,
		CreatedAt: server.Now(),
	})
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	view := server.MessageView(msg)
	s.cs.RelayPin(room.Code, protocol.Pinned{MessageId: msg.Id, Message: &view})

	s.writeJson(w, http.StatusOK, types.OkResponse{Ok: true})
}

func (s *RoomsApp) clearPin(w http.ResponseWriter, r *http.Request) {
	room, ok := s.lookupRoom(w, r)
	if !ok || !s.admitted(w, r, room) {
		return
	}

	if err := s.db.DeletePin(room.Id); err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.cs.RelayPin(room.Code, protocol.Pinned{})

	s.writeJson(w, http.StatusOK, types.OkResponse{Ok: true})
}

func (s *RoomsApp) report(w http.ResponseWriter, r *http.Request) {
	identityHash, _ := Identity(r.Context())

	var req types.ReportRequest
	if !s.decode(w, r, &req) {
		return
	}

	if req.MessageId <= 0 {
		s.writeError(w, NewInvalidInputError("invalid message id"))
		return
	}

	reason := strings.TrimSpace(req.Reason)
	if n := utf8.RuneCountInString(reason); n < minReportReason || n > maxReportReason {
		s.writeError(w, NewInvalidInputError("invalid reason (2-200 chars)"))
		return
	}

	msg, err := s.db.GetMessageById(req.MessageId)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, database.ErrNotFound) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeError(w, errResp)
		return
	}

	err = s.db.CreateReport(database.CreateReportParams{
		MessageId:    msg.Id,
		RoomId:       msg.RoomId,
		ReporterHash: identityHash,
		Reason:       reason,
		CreatedAt:    server.Now(),
	})
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusOK, types.OkResponse{Ok: true})
}

func (s *RoomsApp) listReports(w http.ResponseWriter, r *http.Request) {
	views, err := s.db.ListReports(queryLimit(r, DefaultReportsLimit, MaxReportsLimit))
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	reports := make([]types.Report, 0, len(views))
	for _, v := range views {
		reports = append(reports, types.Report{
			Id:               v.Id,
			CreatedAt:        v.CreatedAt.UTC(),
			Reason:           v.Reason,
			ReporterHash:     v.ReporterHash,
			MessageId:        v.MessageId,
			MessageUsername:  v.MessageUsername,
			MessageContent:   v.MessageContent,
			MessageCreatedAt: v.MessageCreatedAt.UTC(),
			RoomCode:         v.RoomCode,
			RoomName:         v.RoomName,
		})
	}

	s.writeJson(w, http.StatusOK, types.ReportsResponse{Reports: reports})
}
