package server

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTypingTracker(t *testing.T) {
	type expiry struct {
		roomId string
		userId int
	}

	newRecorder := func() (*sync.Mutex, *[]expiry, func(string, int)) {
		mu := &sync.Mutex{}
		var expiries []expiry
		return mu, &expiries, func(roomId string, userId int) {
			mu.Lock()
			defer mu.Unlock()
			expiries = append(expiries, expiry{roomId: roomId, userId: userId})
		}
	}

	t.Run("entry expires with a synthetic stop", func(t *testing.T) {
		mu, expiries, onExpire := newRecorder()
		tr := NewTypingTracker(20*time.Millisecond, onExpire)
		defer tr.Stop()

		tr.Set("room-a", 1, true)
		assert.True(t, tr.IsTyping("room-a", 1))

		assert.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(*expiries) == 1
		}, time.Second, 5*time.Millisecond)

		mu.Lock()
		assert.Equal(t, expiry{roomId: "room-a", userId: 1}, (*expiries)[0])
		mu.Unlock()
		assert.False(t, tr.IsTyping("room-a", 1))
	})

	t.Run("refresh re-arms the timer", func(t *testing.T) {
		mu, expiries, onExpire := newRecorder()
		tr := NewTypingTracker(50*time.Millisecond, onExpire)
		defer tr.Stop()

		tr.Set("room-a", 1, true)
		time.Sleep(30 * time.Millisecond)
		tr.Set("room-a", 1, true)
		time.Sleep(30 * time.Millisecond)

		mu.Lock()
		assert.Empty(t, *expiries, "refresh inside the TTL must not expire")
		mu.Unlock()
		assert.True(t, tr.IsTyping("room-a", 1))
	})

	t.Run("explicit stop clears without synthetic event", func(t *testing.T) {
		mu, expiries, onExpire := newRecorder()
		tr := NewTypingTracker(20*time.Millisecond, onExpire)
		defer tr.Stop()

		tr.Set("room-a", 1, true)
		tr.Set("room-a", 1, false)
		assert.False(t, tr.IsTyping("room-a", 1))

		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		assert.Empty(t, *expiries)
		mu.Unlock()
	})

	t.Run("entries are scoped per room and user", func(t *testing.T) {
		_, _, onExpire := newRecorder()
		tr := NewTypingTracker(time.Minute, onExpire)
		defer tr.Stop()

		tr.Set("room-a", 1, true)
		tr.Set("room-b", 1, true)
		tr.Set("room-a", 2, true)

		tr.Set("room-a", 1, false)
		assert.False(t, tr.IsTyping("room-a", 1))
		assert.True(t, tr.IsTyping("room-b", 1))
		assert.True(t, tr.IsTyping("room-a", 2))
	})

	t.Run("stop cancels all timers", func(t *testing.T) {
		mu, expiries, onExpire := newRecorder()
		tr := NewTypingTracker(20*time.Millisecond, onExpire)

		tr.Set("room-a", 1, true)
		tr.Set("room-a", 2, true)
		tr.Stop()

		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		assert.Empty(t, *expiries)
		mu.Unlock()
	})
}
