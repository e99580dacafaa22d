package server

import (
	"testing"

	"github.com/go-groupchat/groupchat/internal/database"
	"github.com/go-groupchat/groupchat/internal/stats"
	"github.com/go-groupchat/groupchat/internal/types"
	"github.com/stretchr/testify/assert"
)

func TestClientQueueMessage(t *testing.T) {
	db := &database.MockChatRepository{}
	defer db.AssertExpectations(t)

	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)

	cs := newTestChatServer(t, db, su, nil)

	c := newTestClient(cs, types.User{Id: 1, Username: "alice"})
	c.send = make(chan *ServerMessage, 1)

	assert.True(t, c.queueMessage(NoErrAccepted(1)))
	// buffer full, the message is dropped and the session stays usable
	assert.False(t, c.queueMessage(NoErrAccepted(2)))

	got := receiveMessage(t, c)
	assert.Equal(t, 1, got.Id)
}

func TestClientStopIdempotent(t *testing.T) {
	db := &database.MockChatRepository{}
	defer db.AssertExpectations(t)

	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)

	cs := newTestChatServer(t, db, su, nil)
	c := newTestClient(cs, types.User{Id: 1, Username: "alice"})

	c.stopClient()
	c.stopClient()

	select {
	case <-c.stop:
	default:
		t.Fatal("expected stop channel to be closed")
	}
}
