package database

import (
	"database/sql"
	"time"
)

type User struct {
	Id           int
	Username     string
	EmailAddress string
	PasswordHash string
	LastSeen     sql.NullTime
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Room struct {
	Id            int
	ExternalId    string
	Name          string
	IsGroup       bool
	OwnerId       int
	LastMessageAt sql.NullTime
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Members       []Member
}

type Member struct {
	AccountId int
	Username  string
	CreatedAt time.Time
}

type Message struct {
	Id                  string
	RoomId              int
	RoomExternalId      string
	SenderId            int
	Text                string
	FileUrl             sql.NullString
	FileType            sql.NullString
	Edited              bool
	Deleted             bool
	ThreadParentId      sql.NullString
	ThreadReplyCount    int
	ForwardedFromSender sql.NullString
	ForwardedFromRoom   sql.NullString
	ForwardedFromText   sql.NullString
	ScheduledFor        sql.NullTime
	DispatchStatus      sql.NullString
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

type Reaction struct {
	MessageId string
	AccountId int
	Emoji     string
	CreatedAt time.Time
}

type Receipt struct {
	MessageId string
	AccountId int
	Kind      string
	CreatedAt time.Time
}

const (
	ReceiptDelivered = "delivered"
	ReceiptRead      = "read"
)

type CreateAccountParams struct {
	Username     string
	EmailAddress string
	PasswordHash string
}

type CreateRoomParams struct {
	Name       string `json:"name"`
	IsGroup    bool   `json:"is_group"`
	OwnerId    int    `json:"-"`
	ExternalId string `json:"external_id"`
}
