package server

import (
	"database/sql"
	"testing"
	"time"

	"github.com/go-groupchat/groupchat/internal/database"
	"github.com/go-groupchat/groupchat/internal/testutil"
	"github.com/go-groupchat/groupchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T, db database.ChatRepository, dispatch func(types.Message)) *Scheduler {
	roster := NewRoster(db)
	store := NewMessageStore(db, roster)
	return NewScheduler(testutil.TestLogger(t), db, store, roster, time.Minute, dispatch)
}

func pendingMessage(id string) database.Message {
	return database.Message{
		Id:             id,
		RoomId:         7,
		RoomExternalId: "room-a",
		SenderId:       1,
		Text:           "scheduled",
		ScheduledFor:   sql.NullTime{Time: Now().Add(-time.Minute), Valid: true},
		DispatchStatus: sql.NullString{String: types.DispatchPending, Valid: true},
	}
}

func TestSchedulerSweep(t *testing.T) {
	t.Run("claims and dispatches a due message", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)

		now := Now()
		msg := pendingMessage("msg-1")

		db.On("ListDueScheduled", now, sweepBatchSize).Return([]database.Message{msg}, nil).Once()
		db.On("ClaimScheduled", "msg-1", now).Return(true, nil).Once()
		expectRoomLookup(db, "room-a", 7, []int{1, 2})
		db.On("MarkScheduledSent", "msg-1", now).Return(nil).Once()
		db.On("TouchRoomLastMessage", 7, now).Return(nil).Once()

		var dispatched []types.Message
		s := newTestScheduler(t, db, func(m types.Message) {
			dispatched = append(dispatched, m)
		})

		s.Sweep(now)

		require.Len(t, dispatched, 1)
		assert.Equal(t, "msg-1", dispatched[0].Id)
		assert.Equal(t, "room-a", dispatched[0].RoomId)
		assert.Equal(t, types.DispatchSent, dispatched[0].DispatchStatus)
		assert.Equal(t, now, dispatched[0].CreatedAt, "visible timestamp is the send time")
	})

	t.Run("lost claim means another worker owns it", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)

		now := Now()
		db.On("ListDueScheduled", now, sweepBatchSize).Return([]database.Message{pendingMessage("msg-1")}, nil).Once()
		db.On("ClaimScheduled", "msg-1", now).Return(false, nil).Once()

		var dispatched int
		s := newTestScheduler(t, db, func(types.Message) { dispatched++ })

		s.Sweep(now)
		assert.Zero(t, dispatched, "lost claim must not dispatch")
	})

	t.Run("sender no longer a member fails the message without retry", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)

		now := Now()
		db.On("ListDueScheduled", now, sweepBatchSize).Return([]database.Message{pendingMessage("msg-1")}, nil).Once()
		db.On("ClaimScheduled", "msg-1", now).Return(true, nil).Once()
		expectRoomLookup(db, "room-a", 7, []int{2, 3})
		db.On("MarkScheduledFailed", "msg-1", now).Return(nil).Once()

		var dispatched int
		s := newTestScheduler(t, db, func(types.Message) { dispatched++ })

		s.Sweep(now)
		assert.Zero(t, dispatched)
	})

	t.Run("each due message is claimed independently", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)

		now := Now()
		db.On("ListDueScheduled", now, sweepBatchSize).Return([]database.Message{
			pendingMessage("msg-1"),
			pendingMessage("msg-2"),
		}, nil).Once()
		db.On("ClaimScheduled", "msg-1", now).Return(false, nil).Once()
		db.On("ClaimScheduled", "msg-2", now).Return(true, nil).Once()
		expectRoomLookup(db, "room-a", 7, []int{1})
		db.On("MarkScheduledSent", "msg-2", now).Return(nil).Once()
		db.On("TouchRoomLastMessage", 7, now).Return(nil).Once()

		var dispatched []string
		s := newTestScheduler(t, db, func(m types.Message) {
			dispatched = append(dispatched, m.Id)
		})

		s.Sweep(now)
		assert.Equal(t, []string{"msg-2"}, dispatched)
	})
}

func TestSchedulerCancel(t *testing.T) {
	t.Run("pending message is cancelled", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)

		db.On("CancelScheduled", "msg-1", 1, mock.Anything).Return(true, nil).Once()

		s := newTestScheduler(t, db, nil)
		assert.NoError(t, s.Cancel("msg-1", 1))
	})

	t.Run("unknown message", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)

		db.On("CancelScheduled", "msg-1", 1, mock.Anything).Return(false, nil).Once()
		db.On("GetMessage", "msg-1").Return(database.Message{}, sql.ErrNoRows).Once()

		s := newTestScheduler(t, db, nil)
		assertKind(t, s.Cancel("msg-1", 1), KindNotFound)
	})

	t.Run("not a scheduled message", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)

		db.On("CancelScheduled", "msg-1", 1, mock.Anything).Return(false, nil).Once()
		db.On("GetMessage", "msg-1").Return(database.Message{Id: "msg-1", SenderId: 1}, nil).Once()

		s := newTestScheduler(t, db, nil)
		assertKind(t, s.Cancel("msg-1", 1), KindNotFound)
	})

	t.Run("only the scheduler may cancel", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)

		msg := pendingMessage("msg-1")
		db.On("CancelScheduled", "msg-1", 2, mock.Anything).Return(false, nil).Once()
		db.On("GetMessage", "msg-1").Return(msg, nil).Once()

		s := newTestScheduler(t, db, nil)
		assertKind(t, s.Cancel("msg-1", 2), KindAuthorization)
	})

	t.Run("already dispatched message conflicts", func(t *testing.T) {
		db := &database.MockChatRepository{}
		defer db.AssertExpectations(t)

		msg := pendingMessage("msg-1")
		msg.DispatchStatus = sql.NullString{String: types.DispatchSent, Valid: true}
		db.On("CancelScheduled", "msg-1", 1, mock.Anything).Return(false, nil).Once()
		db.On("GetMessage", "msg-1").Return(msg, nil).Once()

		s := newTestScheduler(t, db, nil)
		assertKind(t, s.Cancel("msg-1", 1), KindConflict)
	})
}

func TestSchedulerRunStop(t *testing.T) {
	db := &database.MockChatRepository{}
	defer db.AssertExpectations(t)

	s := newTestScheduler(t, db, nil)
	s.interval = 10 * time.Millisecond
	db.On("ListDueScheduled", mock.Anything, sweepBatchSize).Return([]database.Message{}, nil).Maybe()

	go s.Run()
	time.Sleep(30 * time.Millisecond)
	s.Stop()

	select {
	case <-s.done:
	default:
		t.Fatal("expected scheduler to be stopped")
	}
}
