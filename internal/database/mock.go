package database

import (
	"time"

	"github.com/stretchr/testify/mock"
)

type MockChatRepository struct {
	mock.Mock
}

func (m *MockChatRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockChatRepository) CreateAccount(accountParams CreateAccountParams) (User, error) {
	args := m.Called(accountParams)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) GetAccountById(accountId int) (User, error) {
	args := m.Called(accountId)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) GetAccountByEmail(email string) (User, error) {
	args := m.Called(email)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockChatRepository) UpdateLastSeen(accountId int, lastSeen time.Time) error {
	args := m.Called(accountId, lastSeen)
	return args.Error(0)
}
func (m *MockChatRepository) CreateRoom(params CreateRoomParams) (Room, error) {
	args := m.Called(params)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockChatRepository) GetRoomByExternalId(externalId string) (Room, error) {
	args := m.Called(externalId)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockChatRepository) GetRoomWithMembers(roomId int) (*Room, error) {
	args := m.Called(roomId)
	if room, ok := args.Get(0).(*Room); ok {
		return room, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) DeleteRoom(id int) error {
	args := m.Called(id)
	return args.Error(0)
}
func (m *MockChatRepository) AddRoomMember(roomId, accountId int) error {
	args := m.Called(roomId, accountId)
	return args.Error(0)
}
func (m *MockChatRepository) RemoveRoomMember(roomId, accountId int) error {
	args := m.Called(roomId, accountId)
	return args.Error(0)
}
func (m *MockChatRepository) GetRoomMemberIds(roomId int) ([]int, error) {
	args := m.Called(roomId)
	if ids, ok := args.Get(0).([]int); ok {
		return ids, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) ListRoomsForAccount(accountId int) ([]Room, error) {
	args := m.Called(accountId)
	if rooms, ok := args.Get(0).([]Room); ok {
		return rooms, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) CreateMessage(msg Message) error {
	args := m.Called(msg)
	return args.Error(0)
}
func (m *MockChatRepository) GetMessage(id string) (Message, error) {
	args := m.Called(id)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockChatRepository) ListMessages(roomId int, before time.Time, limit int) ([]Message, error) {
	args := m.Called(roomId, before, limit)
	if msgs, ok := args.Get(0).([]Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) UpdateMessageText(id, text string, updatedAt time.Time) error {
	args := m.Called(id, text, updatedAt)
	return args.Error(0)
}
func (m *MockChatRepository) SoftDeleteMessage(id string, updatedAt time.Time) error {
	args := m.Called(id, updatedAt)
	return args.Error(0)
}
func (m *MockChatRepository) TouchRoomLastMessage(roomId int, at time.Time) error {
	args := m.Called(roomId, at)
	return args.Error(0)
}
func (m *MockChatRepository) AddReaction(messageId string, accountId int, emoji string, at time.Time) error {
	args := m.Called(messageId, accountId, emoji, at)
	return args.Error(0)
}
func (m *MockChatRepository) RemoveReaction(messageId string, accountId int, emoji string) error {
	args := m.Called(messageId, accountId, emoji)
	return args.Error(0)
}
func (m *MockChatRepository) GetReactions(messageId string) ([]Reaction, error) {
	args := m.Called(messageId)
	if reactions, ok := args.Get(0).([]Reaction); ok {
		return reactions, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) AddReceipt(messageId string, accountId int, kind string, at time.Time) (bool, error) {
	args := m.Called(messageId, accountId, kind, at)
	return args.Bool(0), args.Error(1)
}
func (m *MockChatRepository) GetReceipts(messageId string) ([]Receipt, error) {
	args := m.Called(messageId)
	if receipts, ok := args.Get(0).([]Receipt); ok {
		return receipts, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) IncrementThreadReplyCount(parentId string, updatedAt time.Time) (int, error) {
	args := m.Called(parentId, updatedAt)
	return args.Int(0), args.Error(1)
}
func (m *MockChatRepository) ListDueScheduled(now time.Time, limit int) ([]Message, error) {
	args := m.Called(now, limit)
	if msgs, ok := args.Get(0).([]Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockChatRepository) ClaimScheduled(id string, now time.Time) (bool, error) {
	args := m.Called(id, now)
	return args.Bool(0), args.Error(1)
}
func (m *MockChatRepository) MarkScheduledSent(id string, sentAt time.Time) error {
	args := m.Called(id, sentAt)
	return args.Error(0)
}
func (m *MockChatRepository) MarkScheduledFailed(id string, now time.Time) error {
	args := m.Called(id, now)
	return args.Error(0)
}
func (m *MockChatRepository) CancelScheduled(id string, requesterId int, now time.Time) (bool, error) {
	args := m.Called(id, requesterId, now)
	return args.Bool(0), args.Error(1)
}
