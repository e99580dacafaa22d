package server

import (
	"sync"
	"time"
)

const defaultTypingTTL = 1500 * time.Millisecond

type typingKey struct {
	roomId string
	userId int
}

// TypingTracker holds ephemeral per-room-per-user typing state. Every entry
// carries a TTL timer; if no refresh arrives before it elapses the entry
// expires and a synthetic stop event is emitted, covering clients that
// disconnect mid-type.
type TypingTracker struct {
	mu      sync.Mutex
	entries map[typingKey]*time.Timer
	ttl     time.Duration
	stopped bool

	onExpire func(roomId string, userId int)
}

func NewTypingTracker(ttl time.Duration, onExpire func(string, int)) *TypingTracker {
	if ttl <= 0 {
		ttl = defaultTypingTTL
	}
	return &TypingTracker{
		entries:  make(map[typingKey]*time.Timer),
		ttl:      ttl,
		onExpire: onExpire,
	}
}

// Set stores or clears the typing entry and (re)arms its expiry timer.
func (t *TypingTracker) Set(roomId string, userId int, isTyping bool) {
	key := typingKey{roomId: roomId, userId: userId}

	t.mu.Lock()
	defer t.mu.Unlock()

	if timer, ok := t.entries[key]; ok {
		timer.Stop()
		delete(t.entries, key)
	}

	if !isTyping || t.stopped {
		return
	}

	t.entries[key] = time.AfterFunc(t.ttl, func() {
		t.expire(key)
	})
}

func (t *TypingTracker) IsTyping(roomId string, userId int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.entries[typingKey{roomId: roomId, userId: userId}]
	return ok
}

func (t *TypingTracker) expire(key typingKey) {
	t.mu.Lock()
	if _, ok := t.entries[key]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.entries, key)
	t.mu.Unlock()

	if t.onExpire != nil {
		t.onExpire(key.roomId, key.userId)
	}
}

func (t *TypingTracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopped = true
	for key, timer := range t.entries {
		timer.Stop()
		delete(t.entries, key)
	}
}
