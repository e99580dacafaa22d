package notify

import (
	"github.com/go-groupchat/groupchat/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) NotifyNewMessage(roomId string, recipients []int, msg types.Message) {
	m.Called(roomId, recipients, msg)
}
