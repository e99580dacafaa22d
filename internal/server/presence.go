package server

import (
	"sync"
	"time"
)

const defaultOfflineGrace = 5 * time.Second

// PresenceTracker keeps per-user session counts and debounces offline
// transitions. A user who loses their last session stays publicly online for
// the grace window; reconnecting inside it cancels the pending broadcast.
type PresenceTracker struct {
	mu          sync.Mutex
	sessions    map[int]int
	graceTimers map[int]*time.Timer
	grace       time.Duration
	stopped     bool

	onOnline  func(userId int)
	onOffline func(userId int, lastSeen time.Time)
}

func NewPresenceTracker(grace time.Duration, onOnline func(int), onOffline func(int, time.Time)) *PresenceTracker {
	if grace <= 0 {
		grace = defaultOfflineGrace
	}
	return &PresenceTracker{
		sessions:    make(map[int]int),
		graceTimers: make(map[int]*time.Timer),
		grace:       grace,
		onOnline:    onOnline,
		onOffline:   onOffline,
	}
}

// AddSession records a new session for the user. The online broadcast fires
// only on the transition from zero live sessions with no pending grace timer.
func (p *PresenceTracker) AddSession(userId int) {
	p.mu.Lock()
	p.sessions[userId]++
	first := p.sessions[userId] == 1

	if timer, ok := p.graceTimers[userId]; ok {
		// reconnect inside the grace window, the user never went offline
		timer.Stop()
		delete(p.graceTimers, userId)
		first = false
	}
	p.mu.Unlock()

	if first && p.onOnline != nil {
		p.onOnline(userId)
	}
}

// RemoveSession drops a session and arms the offline grace timer when it was
// the user's last one.
func (p *PresenceTracker) RemoveSession(userId int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sessions[userId] == 0 {
		return
	}

	p.sessions[userId]--
	if p.sessions[userId] > 0 {
		return
	}
	delete(p.sessions, userId)

	if p.stopped {
		return
	}

	p.graceTimers[userId] = time.AfterFunc(p.grace, func() {
		p.expire(userId)
	})
}

func (p *PresenceTracker) expire(userId int) {
	p.mu.Lock()
	if _, ok := p.graceTimers[userId]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.graceTimers, userId)
	p.mu.Unlock()

	if p.onOffline != nil {
		p.onOffline(userId, time.Now().UTC())
	}
}

// IsOnline reports whether the user has a live session or is still inside
// the offline grace window.
func (p *PresenceTracker) IsOnline(userId int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sessions[userId] > 0 {
		return true
	}
	_, pending := p.graceTimers[userId]
	return pending
}

func (p *PresenceTracker) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopped = true
	for userId, timer := range p.graceTimers {
		timer.Stop()
		delete(p.graceTimers, userId)
	}
}
