package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-groupchat/groupchat/internal/database"
	"github.com/go-groupchat/groupchat/internal/server"
	"github.com/go-groupchat/groupchat/internal/types"
	"github.com/gorilla/websocket"
)

type CreateRoomRequest struct {
	Name    string `json:"name"`
	IsGroup bool   `json:"is_group"`
	// MemberIds are added to the room alongside the creator.
	MemberIds []int `json:"member_ids"`
}

type RoomMemberRequest struct {
	RoomId string `json:"room_id"`
	UserId int    `json:"user_id"`
}

const defaultHistoryLimit = 50

// apiErrorFor translates engine errors into HTTP responses; anything
// without a known kind is a 500.
func apiErrorFor(err error) *ApiError {
	kind, ok := server.KindOf(err)
	if !ok {
		return NewInternalServerError(err)
	}

	switch kind {
	case server.KindValidation:
		return NewBadRequestError()
	case server.KindNotFound:
		return NewNotFoundError()
	case server.KindAuthorization:
		return NewForbiddenError()
	default:
		return NewInternalServerError(err)
	}
}

func (s *GroupChatApp) createRoom(w http.ResponseWriter, r *http.Request) {
	var createRoomReq CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&createRoomReq); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if createRoomReq.Name == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	sid, err := s.generateShortId()
	if err != nil {
		s.log.Println("generate room id:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	params := database.CreateRoomParams{
		Name:       createRoomReq.Name,
		IsGroup:    createRoomReq.IsGroup,
		OwnerId:    userId,
		ExternalId: sid,
	}

	newRoom, err := s.db.CreateRoom(params)
	if err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	for _, memberId := range createRoomReq.MemberIds {
		if memberId == userId {
			continue
		}
		if err := s.db.AddRoomMember(newRoom.Id, memberId); err != nil {
			s.log.Printf("add member %d to room %q: %v", memberId, newRoom.ExternalId, err)
		}
	}

	room := &types.Room{
		Id:         newRoom.Id,
		ExternalId: newRoom.ExternalId,
		Name:       newRoom.Name,
		IsGroup:    newRoom.IsGroup,
		OwnerId:    newRoom.OwnerId,
		CreatedAt:  newRoom.CreatedAt,
		UpdatedAt:  newRoom.UpdatedAt,
	}

	s.writeJson(w, http.StatusCreated, room)
}

func (s *GroupChatApp) deleteRoom(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	externalId := r.URL.Query().Get("id")
	if externalId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	room, err := s.db.GetRoomByExternalId(externalId)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if room.OwnerId != userId {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.db.DeleteRoom(room.Id); err != nil {
		s.log.Println("delete room:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.cs.UnloadRoom(room.ExternalId)
	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *GroupChatApp) getRoom(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	externalId := r.URL.Query().Get("id")
	if externalId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	room, err := s.db.GetRoomByExternalId(externalId)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	dbRoom, err := s.db.GetRoomWithMembers(room.Id)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var isMember bool
	members := make([]types.User, len(dbRoom.Members))
	for i, m := range dbRoom.Members {
		if m.AccountId == userId {
			isMember = true
		}
		members[i] = types.User{
			Id:       m.AccountId,
			Username: m.Username,
			IsOnline: s.cs.IsOnline(m.AccountId),
		}
	}

	if !isMember {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	resp := types.Room{
		Id:         dbRoom.Id,
		ExternalId: dbRoom.ExternalId,
		Name:       dbRoom.Name,
		IsGroup:    dbRoom.IsGroup,
		OwnerId:    dbRoom.OwnerId,
		Members:    members,
		CreatedAt:  dbRoom.CreatedAt,
		UpdatedAt:  dbRoom.UpdatedAt,
	}
	if dbRoom.LastMessageAt.Valid {
		resp.LastMessageAt = dbRoom.LastMessageAt.Time
	}

	s.writeJson(w, http.StatusOK, resp)
}

func (s *GroupChatApp) getUsersRooms(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	dbRooms, err := s.db.ListRoomsForAccount(userId)
	if err != nil {
		s.log.Println("list rooms:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var rooms []types.Room
	for _, dbRoom := range dbRooms {
		room := types.Room{
			Id:         dbRoom.Id,
			ExternalId: dbRoom.ExternalId,
			Name:       dbRoom.Name,
			IsGroup:    dbRoom.IsGroup,
			OwnerId:    dbRoom.OwnerId,
			CreatedAt:  dbRoom.CreatedAt,
			UpdatedAt:  dbRoom.UpdatedAt,
		}
		if dbRoom.LastMessageAt.Valid {
			room.LastMessageAt = dbRoom.LastMessageAt.Time
		}
		rooms = append(rooms, room)
	}

	s.writeJson(w, http.StatusOK, rooms)
}

func (s *GroupChatApp) addRoomMember(w http.ResponseWriter, r *http.Request) {
	s.changeRoomMember(w, r, true)
}

func (s *GroupChatApp) removeRoomMember(w http.ResponseWriter, r *http.Request) {
	s.changeRoomMember(w, r, false)
}

// changeRoomMember handles both add and remove. Only the owner can manage
// membership, except that any member may remove themselves.
func (s *GroupChatApp) changeRoomMember(w http.ResponseWriter, r *http.Request, add bool) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req RoomMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.RoomId == "" || req.UserId == 0 {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	room, err := s.db.GetRoomByExternalId(req.RoomId)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	selfRemoval := !add && req.UserId == userId
	if room.OwnerId != userId && !selfRemoval {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if add {
		err = s.db.AddRoomMember(room.Id, req.UserId)
	} else {
		err = s.db.RemoveRoomMember(room.Id, req.UserId)
	}
	if err != nil {
		s.log.Println("change room member:", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.cs.RoomMembershipChanged(room.ExternalId)
	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *GroupChatApp) getMessages(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	externalId := r.URL.Query().Get("room_id")
	if externalId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	before := time.Now().UTC()
	if beforeStr := r.URL.Query().Get("before"); beforeStr != "" {
		var err error
		before, err = time.Parse(time.RFC3339, beforeStr)
		if err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	limit := defaultHistoryLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		var err error
		limit, err = strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	messages, err := s.cs.History(externalId, userId, before, limit)
	if err != nil {
		errResp := apiErrorFor(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, messages)
}

func (s *GroupChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	id, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	user, err := s.db.GetAccountById(id)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				// if no origin header, allow the request
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := server.NewClient(types.User{
		Id:           user.Id,
		Username:     user.Username,
		EmailAddress: user.EmailAddress,
		CreatedAt:    user.CreatedAt,
		UpdatedAt:    user.UpdatedAt,
	}, conn, s.cs, s.log)

	s.cs.RegisterClient(client)
	go client.Write()
	go client.Read()
}
