package database

import "time"

type ChatRepository interface {
	Ping() error
	CreateAccount(params CreateAccountParams) (User, error)
	GetAccountById(accountId int) (User, error)
	GetAccountByEmail(email string) (User, error)
	UpdateLastSeen(accountId int, lastSeen time.Time) error
	CreateRoom(params CreateRoomParams) (Room, error)
	GetRoomByExternalId(externalId string) (Room, error)
	GetRoomWithMembers(roomId int) (*Room, error)
	DeleteRoom(id int) error
	AddRoomMember(roomId, accountId int) error
	RemoveRoomMember(roomId, accountId int) error
	GetRoomMemberIds(roomId int) ([]int, error)
	ListRoomsForAccount(accountId int) ([]Room, error)
	CreateMessage(msg Message) error
	GetMessage(id string) (Message, error)
	ListMessages(roomId int, before time.Time, limit int) ([]Message, error)
	UpdateMessageText(id, text string, updatedAt time.Time) error
	SoftDeleteMessage(id string, updatedAt time.Time) error
	TouchRoomLastMessage(roomId int, at time.Time) error
	AddReaction(messageId string, accountId int, emoji string, at time.Time) error
	RemoveReaction(messageId string, accountId int, emoji string) error
	GetReactions(messageId string) ([]Reaction, error)
	AddReceipt(messageId string, accountId int, kind string, at time.Time) (bool, error)
	GetReceipts(messageId string) ([]Receipt, error)
	IncrementThreadReplyCount(parentId string, updatedAt time.Time) (int, error)
	ListDueScheduled(now time.Time, limit int) ([]Message, error)
	ClaimScheduled(id string, now time.Time) (bool, error)
	MarkScheduledSent(id string, sentAt time.Time) error
	MarkScheduledFailed(id string, now time.Time) error
	CancelScheduled(id string, requesterId int, now time.Time) (bool, error)
}
