package types

import (
	"time"
)

type User struct {
	Id           int        `json:"id"`
	Username     string     `json:"username"`
	EmailAddress string     `json:"email_address,omitempty"`
	Password     string     `json:"-"`
	IsOnline     bool       `json:"is_online"`
	LastSeen     *time.Time `json:"last_seen,omitempty"`
	CreatedAt    time.Time  `json:"created_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at,omitempty"`
}

type Room struct {
	Id            int       `json:"id"`
	ExternalId    string    `json:"external_id"`
	Name          string    `json:"name"`
	IsGroup       bool      `json:"is_group"`
	OwnerId       int       `json:"owner_id"`
	Members       []User    `json:"members,omitempty"`
	LastMessageAt time.Time `json:"last_message_at,omitempty"`
	CreatedAt     time.Time `json:"created_at,omitempty"`
	UpdatedAt     time.Time `json:"updated_at,omitempty"`
}

// ReactionGroup is one emoji's aggregated entry in a message's
// reaction summary. Events always carry the full summary, never a delta.
type ReactionGroup struct {
	Emoji   string `json:"emoji"`
	Count   int    `json:"count"`
	UserIds []int  `json:"user_ids"`
}

// Receipt records the first time a user acknowledged a message.
type Receipt struct {
	UserId int       `json:"user_id"`
	At     time.Time `json:"at"`
}

// ForwardInfo is the provenance stamped on a forwarded message.
type ForwardInfo struct {
	SenderName   string `json:"sender_name"`
	OriginalRoom string `json:"original_room"`
	OriginalText string `json:"original_text"`
}

const (
	DispatchPending   = "pending"
	DispatchSending   = "sending"
	DispatchSent      = "sent"
	DispatchCancelled = "cancelled"
	DispatchFailed    = "failed"
)

type Message struct {
	Id               string          `json:"id"`
	RoomId           string          `json:"room_id"`
	SenderId         int             `json:"sender_id"`
	Text             string          `json:"text,omitempty"`
	FileUrl          string          `json:"file_url,omitempty"`
	FileType         string          `json:"file_type,omitempty"`
	Edited           bool            `json:"edited"`
	Deleted          bool            `json:"deleted"`
	Reactions        []ReactionGroup `json:"reactions,omitempty"`
	ReadBy           []Receipt       `json:"read_by,omitempty"`
	DeliveredTo      []Receipt       `json:"delivered_to,omitempty"`
	ThreadParentId   string          `json:"thread_parent_id,omitempty"`
	ThreadReplyCount int             `json:"thread_reply_count,omitempty"`
	ForwardedFrom    *ForwardInfo    `json:"forwarded_from,omitempty"`
	ScheduledFor     *time.Time      `json:"scheduled_for,omitempty"`
	DispatchStatus   string          `json:"dispatch_status,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}
