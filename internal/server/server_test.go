package server

import (
	"context"
	"testing"
	"time"

	"github.com/go-groupchat/groupchat/internal/database"
	"github.com/go-groupchat/groupchat/internal/notify"
	"github.com/go-groupchat/groupchat/internal/stats"
	"github.com/go-groupchat/groupchat/internal/testutil"
	"github.com/go-groupchat/groupchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestChatServer(t *testing.T, db database.ChatRepository, su *stats.MockStatsUpdater, notifier notify.Notifier) *ChatServer {
	t.Helper()
	su.On("RegisterMetric", mock.Anything, mock.Anything).Times(5)

	if notifier == nil {
		notifier = notify.NewLogNotifier(testutil.TestLogger(t))
	}

	cs, err := NewChatServer(testutil.TestLogger(t), db, su, notifier, Options{
		OfflineGrace: time.Minute,
	})
	require.NoError(t, err, "failed to create test ChatServer")

	cs.store.newId = func() (string, error) {
		return "msg-1", nil
	}
	return cs
}

func newTestClient(cs *ChatServer, user types.User) *Client {
	return &Client{
		chatServer: cs,
		log:        cs.log,
		user:       user,
		send:       make(chan *ServerMessage, 16),
		rooms:      make(map[string]*Room),
		stop:       make(chan struct{}),
	}
}

func receiveMessage(t *testing.T, c *Client) *ServerMessage {
	t.Helper()
	select {
	case msg := <-c.send:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a queued message")
		return nil
	}
}

func assertNoMessage(t *testing.T, c *Client) {
	t.Helper()
	select {
	case msg := <-c.send:
		t.Fatalf("expected no queued message, got %+v", msg)
	default:
	}
}

func connectUser(t *testing.T, cs *ChatServer, db *database.MockChatRepository, su *stats.MockStatsUpdater, user types.User) *Client {
	t.Helper()
	su.On("Incr", metricActiveSessions).Once()
	db.On("ListRoomsForAccount", user.Id).Return([]database.Room{}, nil).Once()

	c := newTestClient(cs, user)
	cs.addClient(c)
	return c
}

func TestNewChatServer(t *testing.T) {
	db := &database.MockChatRepository{}
	defer db.AssertExpectations(t)

	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)

	cs := newTestChatServer(t, db, su, nil)
	assert.NotNil(t, cs.roster)
	assert.NotNil(t, cs.store)
	assert.NotNil(t, cs.presence)
	assert.NotNil(t, cs.typing)
	assert.NotNil(t, cs.scheduler)
	assert.NotNil(t, cs.joinChan)
	assert.NotNil(t, cs.RegisterChan)
	assert.NotNil(t, cs.deRegisterChan)
	assert.NotNil(t, cs.unloadRoomChan)
	assert.NotNil(t, cs.clients)
	assert.NotNil(t, cs.userMap)
}

func TestChatServer_addClient_removeClient(t *testing.T) {
	db := &database.MockChatRepository{}
	defer db.AssertExpectations(t)

	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)
	su.On("Decr", metricActiveSessions).Once()

	cs := newTestChatServer(t, db, su, nil)

	user := types.User{Id: 1, Username: "alice"}
	client := connectUser(t, cs, db, su, user)

	assert.Len(t, cs.clients, 1)
	assert.Contains(t, cs.userMap[user.Id], client)
	assert.True(t, cs.IsOnline(user.Id))

	cs.removeClient(client)
	assert.Len(t, cs.clients, 0)
	assert.NotContains(t, cs.userMap, user.Id)
	// still inside the offline grace window
	assert.True(t, cs.IsOnline(user.Id))
}

func TestChatServerShutdown(t *testing.T) {
	db := &database.MockChatRepository{}
	defer db.AssertExpectations(t)

	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)

	cs := newTestChatServer(t, db, su, nil)
	go cs.Run()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := cs.Shutdown(ctx)
	assert.NoError(t, err, "expected successful shutdown without error")
}

func TestChatServerHandleSend(t *testing.T) {
	t.Run("fans out to connected member sessions", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)

		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)
		su.On("Incr", metricMessagesSent).Once()

		cs := newTestChatServer(t, db, su, nil)

		sender := newTestClient(cs, types.User{Id: 1, Username: "alice"})
		recipient := connectUser(t, cs, db, su, types.User{Id: 2, Username: "bob"})

		expectRoomLookup(db, "room-a", 7, []int{1, 2})
		db.On("CreateMessage", mock.Anything).Return(nil).Once()
		db.On("TouchRoomLastMessage", 7, mock.Anything).Return(nil).Once()

		cs.Dispatch(&ClientMessage{
			BaseMessage: BaseMessage{Id: 5},
			Send:        &SendMessage{RoomId: "room-a", Text: "hello"},
			UserId:      1,
			client:      sender,
		})

		ack := receiveMessage(t, sender)
		require.NotNil(t, ack.Response)
		assert.Equal(t, 5, ack.Id)
		assert.Equal(t, 200, ack.Response.ResponseCode)

		evt := receiveMessage(t, recipient)
		require.NotNil(t, evt.NewMessage)
		assert.Equal(t, "hello", evt.NewMessage.Text)
		assert.Equal(t, "room-a", evt.NewMessage.RoomId)
	})

	t.Run("non-member gets an error ack and no fan-out", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)

		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, db, su, nil)
		sender := newTestClient(cs, types.User{Id: 9, Username: "mallory"})

		expectRoomLookup(db, "room-a", 7, []int{1, 2})

		cs.Dispatch(&ClientMessage{
			BaseMessage: BaseMessage{Id: 5},
			Send:        &SendMessage{RoomId: "room-a", Text: "hello"},
			UserId:      9,
			client:      sender,
		})

		ack := receiveMessage(t, sender)
		require.NotNil(t, ack.Response)
		assert.Equal(t, 403, ack.Response.ResponseCode)
	})

	t.Run("offline members are handed to the notifier", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)

		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)
		su.On("Incr", metricMessagesSent).Once()

		notifier := &notify.MockNotifier{}
		defer notifier.AssertExpectations(t)
		notifier.On("NotifyNewMessage", "room-a", []int{2}, mock.Anything).Once()

		cs := newTestChatServer(t, db, su, notifier)
		sender := newTestClient(cs, types.User{Id: 1, Username: "alice"})

		expectRoomLookup(db, "room-a", 7, []int{1, 2})
		db.On("CreateMessage", mock.Anything).Return(nil).Once()
		db.On("TouchRoomLastMessage", 7, mock.Anything).Return(nil).Once()

		cs.Dispatch(&ClientMessage{
			Send:   &SendMessage{RoomId: "room-a", Text: "hello"},
			UserId: 1,
			client: sender,
		})

		receiveMessage(t, sender) // ack
	})
}

func TestChatServerHandleMarkRead(t *testing.T) {
	db := &database.MockChatRepository{}
	defer db.AssertExpectations(t)

	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)

	cs := newTestChatServer(t, db, su, nil)

	sender := connectUser(t, cs, db, su, types.User{Id: 1, Username: "alice"})
	reader := newTestClient(cs, types.User{Id: 2, Username: "bob"})

	db.On("GetMessage", "msg-1").Return(database.Message{
		Id:             "msg-1",
		RoomId:         7,
		RoomExternalId: "room-a",
		SenderId:       1,
	}, nil).Once()
	expectRoomLookup(db, "room-a", 7, []int{1, 2})
	db.On("AddReceipt", "msg-1", 2, database.ReceiptDelivered, mock.Anything).Return(true, nil).Once()
	db.On("AddReceipt", "msg-1", 2, database.ReceiptRead, mock.Anything).Return(true, nil).Once()

	cs.Dispatch(&ClientMessage{
		BaseMessage: BaseMessage{Id: 8},
		MarkRead:    &MarkReceipt{MessageId: "msg-1"},
		UserId:      2,
		client:      reader,
	})

	ack := receiveMessage(t, reader)
	require.NotNil(t, ack.Response)
	assert.Equal(t, 202, ack.Response.ResponseCode)
	assertNoMessage(t, reader)

	delivered := receiveMessage(t, sender)
	require.NotNil(t, delivered.MessageDelivered)
	assert.Equal(t, 2, delivered.MessageDelivered.UserId)

	read := receiveMessage(t, sender)
	require.NotNil(t, read.MessageRead)
	assert.Equal(t, 2, read.MessageRead.UserId)
	assertNoMessage(t, sender)
}

func TestChatServerHandleStartThread(t *testing.T) {
	t.Run("offline members are handed to the notifier", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)

		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)
		su.On("Incr", metricMessagesSent).Once()

		notifier := &notify.MockNotifier{}
		defer notifier.AssertExpectations(t)
		notifier.On("NotifyNewMessage", "room-a", []int{2}, mock.MatchedBy(func(m types.Message) bool {
			return m.ThreadParentId == "msg-0" && m.Text == "a reply"
		})).Once()

		cs := newTestChatServer(t, db, su, notifier)
		author := newTestClient(cs, types.User{Id: 1, Username: "alice"})

		db.On("GetMessage", "msg-0").Return(database.Message{
			Id:             "msg-0",
			RoomId:         7,
			RoomExternalId: "room-a",
			SenderId:       2,
			Text:           "parent",
		}, nil).Once()
		expectRoomLookup(db, "room-a", 7, []int{1, 2})
		db.On("CreateMessage", mock.Anything).Return(nil).Once()
		db.On("IncrementThreadReplyCount", "msg-0", mock.Anything).Return(1, nil).Once()
		db.On("TouchRoomLastMessage", 7, mock.Anything).Return(nil).Once()

		cs.Dispatch(&ClientMessage{
			BaseMessage: BaseMessage{Id: 6},
			StartThread: &StartThread{ParentId: "msg-0", Text: "a reply"},
			UserId:      1,
			client:      author,
		})

		ack := receiveMessage(t, author)
		require.NotNil(t, ack.Response)
		assert.Equal(t, 200, ack.Response.ResponseCode)
	})
}

func TestChatServerHandleTyping(t *testing.T) {
	db := &database.MockChatRepository{}
	defer db.AssertExpectations(t)

	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)

	cs := newTestChatServer(t, db, su, nil)

	typist := connectUser(t, cs, db, su, types.User{Id: 1, Username: "alice"})
	watcher := connectUser(t, cs, db, su, types.User{Id: 2, Username: "bob"})

	expectRoomLookup(db, "room-a", 7, []int{1, 2})

	cs.Dispatch(&ClientMessage{
		Typing: &Typing{RoomId: "room-a", IsTyping: true},
		UserId: 1,
		client: typist,
	})

	evt := receiveMessage(t, watcher)
	require.NotNil(t, evt.UserTyping)
	assert.Equal(t, 1, evt.UserTyping.UserId)
	assert.True(t, evt.UserTyping.IsTyping)

	// the typist never sees their own typing event
	assertNoMessage(t, typist)
	assert.True(t, cs.typing.IsTyping("room-a", 1))
}

func TestChatServerTypingExpired(t *testing.T) {
	db := &database.MockChatRepository{}
	defer db.AssertExpectations(t)

	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)
	su.On("Incr", metricTypingExpiries).Once()

	cs := newTestChatServer(t, db, su, nil)
	watcher := connectUser(t, cs, db, su, types.User{Id: 2, Username: "bob"})

	expectRoomLookup(db, "room-a", 7, []int{1, 2})

	cs.typingExpired("room-a", 1)

	evt := receiveMessage(t, watcher)
	require.NotNil(t, evt.UserTyping)
	assert.Equal(t, 1, evt.UserTyping.UserId)
	assert.False(t, evt.UserTyping.IsTyping, "expiry emits a synthetic stop")
}

func TestChatServerRoomMembershipChanged(t *testing.T) {
	db := &database.MockChatRepository{}
	defer db.AssertExpectations(t)

	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)

	cs := newTestChatServer(t, db, su, nil)
	member := connectUser(t, cs, db, su, types.User{Id: 1, Username: "alice"})

	db.On("GetRoomByExternalId", "room-a").Return(database.Room{Id: 7, ExternalId: "room-a"}, nil).Times(2)
	db.On("GetRoomWithMembers", 7).Return(&database.Room{
		Id:         7,
		ExternalId: "room-a",
		Members: []database.Member{
			{AccountId: 1, Username: "alice"},
			{AccountId: 2, Username: "bob"},
		},
	}, nil).Once()
	db.On("GetRoomMemberIds", 7).Return([]int{1, 2}, nil).Once()

	cs.RoomMembershipChanged("room-a")

	evt := receiveMessage(t, member)
	require.NotNil(t, evt.RoomMembersStatus)
	assert.Equal(t, "room-a", evt.RoomMembersStatus.RoomId)
	require.Len(t, evt.RoomMembersStatus.Members, 2)
	assert.True(t, evt.RoomMembersStatus.Members[0].IsOnline, "alice has a live session")
	assert.False(t, evt.RoomMembersStatus.Members[1].IsOnline)
}
