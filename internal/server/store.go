package server

import (
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/go-groupchat/groupchat/internal/database"
	"github.com/go-groupchat/groupchat/internal/types"
	"github.com/teris-io/shortid"
)

const lockShards = 64

// MessageStore owns every content mutation on the message log. Mutations on
// the same message id are serialized through a striped mutex so concurrent
// reaction and receipt updates never lose a write; distinct messages proceed
// in parallel.
type MessageStore struct {
	db     database.ChatRepository
	roster *Roster
	locks  [lockShards]sync.Mutex
	newId  func() (string, error)
}

func NewMessageStore(db database.ChatRepository, roster *Roster) *MessageStore {
	return &MessageStore{
		db:     db,
		roster: roster,
		newId:  shortid.Generate,
	}
}

func (s *MessageStore) lockFor(messageId string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(messageId))
	return &s.locks[h.Sum32()%lockShards]
}

// Send appends a new message to the room's log and bumps the room's
// last-message time. The sender must be a member at send time.
func (s *MessageStore) Send(roomId string, senderId int, cmd *SendMessage) (types.Message, error) {
	roomDbId, err := s.requireMember(roomId, senderId)
	if err != nil {
		return types.Message{}, err
	}

	id, err := s.newId()
	if err != nil {
		return types.Message{}, fmt.Errorf("generate message id: %w", err)
	}

	now := Now()
	msg := database.Message{
		Id:             id,
		RoomId:         roomDbId,
		RoomExternalId: roomId,
		SenderId:       senderId,
		Text:           cmd.Text,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if cmd.FileUrl != "" {
		msg.FileUrl = sql.NullString{String: cmd.FileUrl, Valid: true}
		msg.FileType = sql.NullString{String: cmd.FileType, Valid: true}
	}

	if err := s.db.CreateMessage(msg); err != nil {
		return types.Message{}, fmt.Errorf("create message: %w", err)
	}

	if err := s.db.TouchRoomLastMessage(roomDbId, now); err != nil {
		return types.Message{}, fmt.Errorf("touch room: %w", err)
	}

	return toWireMessage(msg), nil
}

// Edit replaces the message text. Only the original sender may edit, and a
// deleted message is terminal.
func (s *MessageStore) Edit(messageId string, editorId int, text string) (MessageEdited, error) {
	lock := s.lockFor(messageId)
	lock.Lock()
	defer lock.Unlock()

	msg, err := s.visibleMessage(messageId)
	if err != nil {
		return MessageEdited{}, err
	}

	if msg.SenderId != editorId {
		return MessageEdited{}, NewAuthorizationError("only the sender can edit a message")
	}
	if msg.Deleted {
		return MessageEdited{}, NewConflictError("message %q is deleted", messageId)
	}

	if err := s.db.UpdateMessageText(messageId, text, Now()); err != nil {
		return MessageEdited{}, fmt.Errorf("update message: %w", err)
	}

	return MessageEdited{
		MessageId: messageId,
		RoomId:    msg.RoomExternalId,
		Text:      text,
		Edited:    true,
	}, nil
}

// Delete soft-deletes the message: content is cleared, the row persists.
func (s *MessageStore) Delete(messageId string, requesterId int) (MessageDeleted, error) {
	lock := s.lockFor(messageId)
	lock.Lock()
	defer lock.Unlock()

	msg, err := s.visibleMessage(messageId)
	if err != nil {
		return MessageDeleted{}, err
	}

	if msg.SenderId != requesterId {
		return MessageDeleted{}, NewAuthorizationError("only the sender can delete a message")
	}
	if msg.Deleted {
		return MessageDeleted{}, NewConflictError("message %q is already deleted", messageId)
	}

	if err := s.db.SoftDeleteMessage(messageId, Now()); err != nil {
		return MessageDeleted{}, fmt.Errorf("delete message: %w", err)
	}

	return MessageDeleted{
		MessageId: messageId,
		RoomId:    msg.RoomExternalId,
		Deleted:   true,
	}, nil
}

// AddReaction unions the (user, emoji) pair into the reaction set. Duplicate
// submissions are absorbed silently; the returned event always carries the
// full grouped summary.
func (s *MessageStore) AddReaction(messageId string, userId int, emoji string) (MessageReaction, error) {
	return s.mutateReaction(messageId, userId, emoji, true)
}

func (s *MessageStore) RemoveReaction(messageId string, userId int, emoji string) (MessageReaction, error) {
	return s.mutateReaction(messageId, userId, emoji, false)
}

func (s *MessageStore) mutateReaction(messageId string, userId int, emoji string, add bool) (MessageReaction, error) {
	lock := s.lockFor(messageId)
	lock.Lock()
	defer lock.Unlock()

	msg, err := s.visibleMessage(messageId)
	if err != nil {
		return MessageReaction{}, err
	}
	if msg.Deleted {
		return MessageReaction{}, NewConflictError("message %q is deleted", messageId)
	}

	if member, err := s.roster.IsMember(msg.RoomExternalId, userId); err != nil {
		return MessageReaction{}, err
	} else if !member {
		return MessageReaction{}, NewAuthorizationError("user %d is not a member of room %q", userId, msg.RoomExternalId)
	}

	if add {
		err = s.db.AddReaction(messageId, userId, emoji, Now())
	} else {
		err = s.db.RemoveReaction(messageId, userId, emoji)
	}
	if err != nil {
		return MessageReaction{}, fmt.Errorf("mutate reaction: %w", err)
	}

	summary, err := s.reactionSummary(messageId)
	if err != nil {
		return MessageReaction{}, err
	}

	return MessageReaction{
		MessageId: messageId,
		RoomId:    msg.RoomExternalId,
		Reactions: summary,
	}, nil
}

// MarkDelivered unions a delivered receipt. The returned event is nil when
// the receipt already existed; the fan-out is scoped to the sender only.
func (s *MessageStore) MarkDelivered(messageId string, userId int) (*MessageReceipt, int, error) {
	lock := s.lockFor(messageId)
	lock.Lock()
	defer lock.Unlock()

	msg, err := s.visibleMessage(messageId)
	if err != nil {
		return nil, 0, err
	}

	if member, err := s.roster.IsMember(msg.RoomExternalId, userId); err != nil {
		return nil, 0, err
	} else if !member {
		return nil, 0, NewAuthorizationError("user %d is not a member of room %q", userId, msg.RoomExternalId)
	}

	evt, err := s.addReceipt(msg, userId, database.ReceiptDelivered)
	if err != nil {
		return nil, 0, err
	}

	return evt, msg.SenderId, nil
}

// MarkRead unions a read receipt; a missing delivered receipt is unioned
// first, so read always implies delivered.
func (s *MessageStore) MarkRead(messageId string, userId int) (delivered, read *MessageReceipt, senderId int, err error) {
	lock := s.lockFor(messageId)
	lock.Lock()
	defer lock.Unlock()

	msg, err := s.visibleMessage(messageId)
	if err != nil {
		return nil, nil, 0, err
	}

	if member, err := s.roster.IsMember(msg.RoomExternalId, userId); err != nil {
		return nil, nil, 0, err
	} else if !member {
		return nil, nil, 0, NewAuthorizationError("user %d is not a member of room %q", userId, msg.RoomExternalId)
	}

	delivered, err = s.addReceipt(msg, userId, database.ReceiptDelivered)
	if err != nil {
		return nil, nil, 0, err
	}

	read, err = s.addReceipt(msg, userId, database.ReceiptRead)
	if err != nil {
		return nil, nil, 0, err
	}

	return delivered, read, msg.SenderId, nil
}

func (s *MessageStore) addReceipt(msg database.Message, userId int, kind string) (*MessageReceipt, error) {
	at := Now()
	inserted, err := s.db.AddReceipt(msg.Id, userId, kind, at)
	if err != nil {
		return nil, fmt.Errorf("add %s receipt: %w", kind, err)
	}
	if !inserted {
		return nil, nil
	}

	return &MessageReceipt{
		MessageId: msg.Id,
		RoomId:    msg.RoomExternalId,
		UserId:    userId,
		At:        at,
	}, nil
}

// Forward copies a message into the target room as a new, independent
// message stamped with provenance. The source message is not altered.
func (s *MessageStore) Forward(messageId, targetRoomId, extraText string, forwarderId int) (types.Message, error) {
	src, err := s.visibleMessage(messageId)
	if err != nil {
		return types.Message{}, err
	}
	if src.Deleted {
		return types.Message{}, NewConflictError("message %q is deleted", messageId)
	}

	targetDbId, err := s.requireMember(targetRoomId, forwarderId)
	if err != nil {
		return types.Message{}, err
	}

	sender, err := s.db.GetAccountById(src.SenderId)
	if err != nil {
		return types.Message{}, fmt.Errorf("get original sender: %w", err)
	}

	srcRoom, err := s.db.GetRoomByExternalId(src.RoomExternalId)
	if err != nil {
		return types.Message{}, fmt.Errorf("get original room: %w", err)
	}

	id, err := s.newId()
	if err != nil {
		return types.Message{}, fmt.Errorf("generate message id: %w", err)
	}

	// the forwarder's note, when present, becomes the message text; the
	// copied original rides along in the provenance
	text := src.Text
	if extraText != "" {
		text = extraText
	}

	now := Now()
	msg := database.Message{
		Id:                  id,
		RoomId:              targetDbId,
		RoomExternalId:      targetRoomId,
		SenderId:            forwarderId,
		Text:                text,
		FileUrl:             src.FileUrl,
		FileType:            src.FileType,
		ForwardedFromSender: sql.NullString{String: sender.Username, Valid: true},
		ForwardedFromRoom:   sql.NullString{String: srcRoom.Name, Valid: true},
		ForwardedFromText:   sql.NullString{String: src.Text, Valid: true},
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	if err := s.db.CreateMessage(msg); err != nil {
		return types.Message{}, fmt.Errorf("create forwarded message: %w", err)
	}

	if err := s.db.TouchRoomLastMessage(targetDbId, now); err != nil {
		return types.Message{}, fmt.Errorf("touch room: %w", err)
	}

	return toWireMessage(msg), nil
}

// StartThread creates a child message under the parent and atomically bumps
// the parent's reply counter, the only writer of that field.
func (s *MessageStore) StartThread(parentId string, authorId int, text string) (NewThreadMessage, error) {
	lock := s.lockFor(parentId)
	lock.Lock()
	defer lock.Unlock()

	parent, err := s.visibleMessage(parentId)
	if err != nil {
		return NewThreadMessage{}, err
	}
	if parent.Deleted {
		return NewThreadMessage{}, NewConflictError("message %q is deleted", parentId)
	}

	roomDbId, err := s.requireMember(parent.RoomExternalId, authorId)
	if err != nil {
		return NewThreadMessage{}, err
	}

	id, err := s.newId()
	if err != nil {
		return NewThreadMessage{}, fmt.Errorf("generate message id: %w", err)
	}

	now := Now()
	child := database.Message{
		Id:             id,
		RoomId:         roomDbId,
		RoomExternalId: parent.RoomExternalId,
		SenderId:       authorId,
		Text:           text,
		ThreadParentId: sql.NullString{String: parentId, Valid: true},
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.db.CreateMessage(child); err != nil {
		return NewThreadMessage{}, fmt.Errorf("create thread message: %w", err)
	}

	count, err := s.db.IncrementThreadReplyCount(parentId, now)
	if err != nil {
		return NewThreadMessage{}, fmt.Errorf("increment thread reply count: %w", err)
	}

	if err := s.db.TouchRoomLastMessage(roomDbId, now); err != nil {
		return NewThreadMessage{}, fmt.Errorf("touch room: %w", err)
	}

	return NewThreadMessage{
		Message:          toWireMessage(child),
		ParentMessageId:  parentId,
		ThreadReplyCount: count,
	}, nil
}

// CreateScheduled persists a pending message that stays invisible until the
// dispatcher promotes it.
func (s *MessageStore) CreateScheduled(roomId string, senderId int, text string, at time.Time) (types.Message, error) {
	if !at.After(Now()) {
		return types.Message{}, NewValidationError("scheduled_for must be in the future")
	}

	roomDbId, err := s.requireMember(roomId, senderId)
	if err != nil {
		return types.Message{}, err
	}

	id, err := s.newId()
	if err != nil {
		return types.Message{}, fmt.Errorf("generate message id: %w", err)
	}

	now := Now()
	msg := database.Message{
		Id:             id,
		RoomId:         roomDbId,
		RoomExternalId: roomId,
		SenderId:       senderId,
		Text:           text,
		ScheduledFor:   sql.NullTime{Time: at.UTC(), Valid: true},
		DispatchStatus: sql.NullString{String: types.DispatchPending, Valid: true},
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.db.CreateMessage(msg); err != nil {
		return types.Message{}, fmt.Errorf("create scheduled message: %w", err)
	}

	return toWireMessage(msg), nil
}

// History returns the room's visible messages older than before, newest
// first, with each message's reaction summary and receipt sets attached so a
// reconnecting client can rebuild state missed during the live fan-out.
func (s *MessageStore) History(roomId string, requesterId int, before time.Time, limit int) ([]types.Message, error) {
	roomDbId, err := s.requireMember(roomId, requesterId)
	if err != nil {
		return nil, err
	}

	msgs, err := s.db.ListMessages(roomDbId, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	out := make([]types.Message, 0, len(msgs))
	for _, m := range msgs {
		wire := toWireMessage(m)
		wire.Reactions, err = s.reactionSummary(m.Id)
		if err != nil {
			return nil, err
		}
		wire.DeliveredTo, wire.ReadBy, err = s.receiptSets(m.Id)
		if err != nil {
			return nil, err
		}
		out = append(out, wire)
	}

	return out, nil
}

func (s *MessageStore) requireMember(roomId string, userId int) (int, error) {
	roomDbId, _, err := s.roster.Resolve(roomId)
	if err != nil {
		return 0, err
	}

	member, err := s.roster.IsMember(roomId, userId)
	if err != nil {
		return 0, err
	}
	if !member {
		return 0, NewAuthorizationError("user %d is not a member of room %q", userId, roomId)
	}

	return roomDbId, nil
}

// visibleMessage loads a message that exists and has been promoted to the
// live log; unpromoted scheduled rows are indistinguishable from missing.
func (s *MessageStore) visibleMessage(messageId string) (database.Message, error) {
	msg, err := s.db.GetMessage(messageId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return database.Message{}, NewNotFoundError("message %q not found", messageId)
		}
		return database.Message{}, fmt.Errorf("get message: %w", err)
	}

	if msg.DispatchStatus.Valid && msg.DispatchStatus.String != types.DispatchSent {
		return database.Message{}, NewNotFoundError("message %q not found", messageId)
	}

	return msg, nil
}

func (s *MessageStore) reactionSummary(messageId string) ([]types.ReactionGroup, error) {
	reactions, err := s.db.GetReactions(messageId)
	if err != nil {
		return nil, fmt.Errorf("get reactions: %w", err)
	}

	var groups []types.ReactionGroup
	index := make(map[string]int)
	for _, r := range reactions {
		i, ok := index[r.Emoji]
		if !ok {
			i = len(groups)
			index[r.Emoji] = i
			groups = append(groups, types.ReactionGroup{Emoji: r.Emoji})
		}
		groups[i].Count++
		groups[i].UserIds = append(groups[i].UserIds, r.AccountId)
	}

	return groups, nil
}

func (s *MessageStore) receiptSets(messageId string) (delivered, read []types.Receipt, err error) {
	receipts, err := s.db.GetReceipts(messageId)
	if err != nil {
		return nil, nil, fmt.Errorf("get receipts: %w", err)
	}

	for _, r := range receipts {
		entry := types.Receipt{UserId: r.AccountId, At: r.CreatedAt}
		switch r.Kind {
		case database.ReceiptDelivered:
			delivered = append(delivered, entry)
		case database.ReceiptRead:
			read = append(read, entry)
		}
	}

	return delivered, read, nil
}

func toWireMessage(m database.Message) types.Message {
	msg := types.Message{
		Id:               m.Id,
		RoomId:           m.RoomExternalId,
		SenderId:         m.SenderId,
		Text:             m.Text,
		Edited:           m.Edited,
		Deleted:          m.Deleted,
		ThreadReplyCount: m.ThreadReplyCount,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}

	if m.FileUrl.Valid {
		msg.FileUrl = m.FileUrl.String
	}
	if m.FileType.Valid {
		msg.FileType = m.FileType.String
	}
	if m.ThreadParentId.Valid {
		msg.ThreadParentId = m.ThreadParentId.String
	}
	if m.ForwardedFromSender.Valid {
		msg.ForwardedFrom = &types.ForwardInfo{
			SenderName:   m.ForwardedFromSender.String,
			OriginalRoom: m.ForwardedFromRoom.String,
			OriginalText: m.ForwardedFromText.String,
		}
	}
	if m.ScheduledFor.Valid {
		t := m.ScheduledFor.Time
		msg.ScheduledFor = &t
	}
	if m.DispatchStatus.Valid {
		msg.DispatchStatus = m.DispatchStatus.String
	}

	return msg
}
