package server

import (
	"net/http"
	"time"

	"github.com/go-groupchat/groupchat/internal/types"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is the validated tagged union of every client command.
// Exactly one command field is set per message.
type ClientMessage struct {
	BaseMessage
	Send            *SendMessage     `json:"send_message,omitempty"`
	Edit            *EditMessage     `json:"edit_message,omitempty"`
	Delete          *DeleteMessage   `json:"delete_message,omitempty"`
	Typing          *Typing          `json:"typing,omitempty"`
	MarkRead        *MarkReceipt     `json:"mark_read,omitempty"`
	MarkDelivered   *MarkReceipt     `json:"mark_delivered,omitempty"`
	Join            *JoinRoom        `json:"join_room,omitempty"`
	AddReaction     *Reaction        `json:"add_reaction,omitempty"`
	RemoveReaction  *Reaction        `json:"remove_reaction,omitempty"`
	Forward         *ForwardMessage  `json:"forward_message,omitempty"`
	StartThread     *StartThread     `json:"start_thread,omitempty"`
	Schedule        *ScheduleMessage `json:"schedule_message,omitempty"`
	CancelScheduled *CancelScheduled `json:"cancel_scheduled_message,omitempty"`
	UserId          int              `json:"-"`
	client          *Client          `json:"-"`
}

// Validate rejects malformed commands before they reach the core.
func (m *ClientMessage) Validate() error {
	var set int
	for _, ok := range []bool{
		m.Send != nil, m.Edit != nil, m.Delete != nil, m.Typing != nil,
		m.MarkRead != nil, m.MarkDelivered != nil, m.Join != nil,
		m.AddReaction != nil, m.RemoveReaction != nil, m.Forward != nil,
		m.StartThread != nil, m.Schedule != nil, m.CancelScheduled != nil,
	} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return NewValidationError("message must contain exactly one command")
	}

	switch {
	case m.Send != nil:
		if m.Send.RoomId == "" {
			return NewValidationError("send_message: room_id is required")
		}
		if m.Send.Text == "" && m.Send.FileUrl == "" {
			return NewValidationError("send_message: text or file_url is required")
		}
	case m.Edit != nil:
		if m.Edit.MessageId == "" {
			return NewValidationError("edit_message: message_id is required")
		}
		if m.Edit.Text == "" {
			return NewValidationError("edit_message: text is required")
		}
	case m.Delete != nil:
		if m.Delete.MessageId == "" {
			return NewValidationError("delete_message: message_id is required")
		}
	case m.Typing != nil:
		if m.Typing.RoomId == "" {
			return NewValidationError("typing: room_id is required")
		}
	case m.MarkRead != nil:
		if m.MarkRead.MessageId == "" {
			return NewValidationError("mark_read: message_id is required")
		}
	case m.MarkDelivered != nil:
		if m.MarkDelivered.MessageId == "" {
			return NewValidationError("mark_delivered: message_id is required")
		}
	case m.Join != nil:
		if m.Join.RoomId == "" {
			return NewValidationError("join_room: room_id is required")
		}
	case m.AddReaction != nil:
		if m.AddReaction.MessageId == "" || m.AddReaction.Emoji == "" {
			return NewValidationError("add_reaction: message_id and emoji are required")
		}
	case m.RemoveReaction != nil:
		if m.RemoveReaction.MessageId == "" || m.RemoveReaction.Emoji == "" {
			return NewValidationError("remove_reaction: message_id and emoji are required")
		}
	case m.Forward != nil:
		if m.Forward.MessageId == "" || m.Forward.TargetRoomId == "" {
			return NewValidationError("forward_message: message_id and target_room_id are required")
		}
	case m.StartThread != nil:
		if m.StartThread.ParentId == "" || m.StartThread.Text == "" {
			return NewValidationError("start_thread: parent_id and text are required")
		}
	case m.Schedule != nil:
		if m.Schedule.RoomId == "" || m.Schedule.Text == "" {
			return NewValidationError("schedule_message: room_id and text are required")
		}
		if m.Schedule.ScheduledFor.IsZero() {
			return NewValidationError("schedule_message: scheduled_for is required")
		}
	case m.CancelScheduled != nil:
		if m.CancelScheduled.MessageId == "" {
			return NewValidationError("cancel_scheduled_message: message_id is required")
		}
	}

	return nil
}

type SendMessage struct {
	RoomId   string `json:"room_id"`
	Text     string `json:"text"`
	FileUrl  string `json:"file_url,omitempty"`
	FileType string `json:"file_type,omitempty"`
}

type EditMessage struct {
	MessageId string `json:"message_id"`
	Text      string `json:"text"`
}

type DeleteMessage struct {
	MessageId string `json:"message_id"`
}

type Typing struct {
	RoomId   string `json:"room_id"`
	IsTyping bool   `json:"is_typing"`
}

type MarkReceipt struct {
	MessageId string `json:"message_id"`
}

type JoinRoom struct {
	RoomId string `json:"room_id"`
}

type Reaction struct {
	MessageId string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

type ForwardMessage struct {
	MessageId    string `json:"message_id"`
	TargetRoomId string `json:"target_room_id"`
	ExtraText    string `json:"extra_text,omitempty"`
}

type StartThread struct {
	ParentId string `json:"parent_id"`
	Text     string `json:"text"`
}

type ScheduleMessage struct {
	RoomId       string    `json:"room_id"`
	Text         string    `json:"text"`
	ScheduledFor time.Time `json:"scheduled_for"`
}

type CancelScheduled struct {
	MessageId string `json:"message_id"`
}

// ServerMessage is the union of every server->client event. Mutation events
// other than NewMessage carry only the changed fields plus the message id so
// clients can merge them into locally held state.
type ServerMessage struct {
	BaseMessage
	Response          *Response          `json:"response,omitempty"`
	NewMessage        *types.Message     `json:"new_message,omitempty"`
	MessageEdited     *MessageEdited     `json:"message_edited,omitempty"`
	MessageDeleted    *MessageDeleted    `json:"message_deleted,omitempty"`
	UserTyping        *UserTyping        `json:"user_typing,omitempty"`
	UserStatusChanged *UserStatusChanged `json:"user_status_changed,omitempty"`
	RoomMembersStatus *RoomMembersStatus `json:"room_members_status,omitempty"`
	MessageRead       *MessageReceipt    `json:"message_read,omitempty"`
	MessageDelivered  *MessageReceipt    `json:"message_delivered,omitempty"`
	MessageReaction   *MessageReaction   `json:"message_reaction,omitempty"`
	NewThreadMessage  *NewThreadMessage  `json:"new_thread_message,omitempty"`

	// routing, never serialized
	UserId     int     `json:"-"`
	SkipClient *Client `json:"-"`
	SkipUserId int     `json:"-"`
}

type Response struct {
	ResponseCode int            `json:"response_code"`
	Error        string         `json:"error,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

type MessageEdited struct {
	MessageId string `json:"message_id"`
	RoomId    string `json:"room_id"`
	Text      string `json:"text"`
	Edited    bool   `json:"edited"`
}

type MessageDeleted struct {
	MessageId string `json:"message_id"`
	RoomId    string `json:"room_id"`
	Deleted   bool   `json:"deleted"`
}

type UserTyping struct {
	RoomId   string `json:"room_id"`
	UserId   int    `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

type UserStatusChanged struct {
	UserId   int        `json:"user_id"`
	IsOnline bool       `json:"is_online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

type RoomMembersStatus struct {
	RoomId  string       `json:"room_id"`
	Members []types.User `json:"members"`
}

type MessageReceipt struct {
	MessageId string    `json:"message_id"`
	RoomId    string    `json:"room_id"`
	UserId    int       `json:"user_id"`
	At        time.Time `json:"at"`
}

type MessageReaction struct {
	MessageId string                `json:"message_id"`
	RoomId    string                `json:"room_id"`
	Reactions []types.ReactionGroup `json:"reactions"`
}

type NewThreadMessage struct {
	Message          types.Message `json:"message"`
	ParentMessageId  string        `json:"parent_message_id"`
	ThreadReplyCount int           `json:"thread_reply_count"`
}

func NoErrOK(id int, data map[string]any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusOK,
			Data:         data,
		},
	}
}

func NoErrAccepted(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusAccepted,
		},
	}
}

// ErrCommand maps a core error to a response acknowledgment for the
// originating session.
func ErrCommand(id int, err error) *ServerMessage {
	code := http.StatusInternalServerError
	if kind, ok := KindOf(err); ok {
		switch kind {
		case KindValidation:
			code = http.StatusBadRequest
		case KindAuthorization:
			code = http.StatusForbidden
		case KindNotFound:
			code = http.StatusNotFound
		case KindConflict:
			code = http.StatusConflict
		case KindRateLimit:
			code = http.StatusTooManyRequests
		}
	}

	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: code,
			Error:        err.Error(),
		},
	}
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusServiceUnavailable,
			Error:        "service unavailable",
		},
	}
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusBadRequest,
			Error:        "invalid message format",
		},
	}

	if id > 0 {
		msg.Id = id
	}
	return msg
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
