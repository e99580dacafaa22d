package server

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/go-groupchat/groupchat/internal/database"
)

// Roster caches room membership for fan-out targeting and authorization
// checks. Entries are loaded on first use and dropped when the API layer
// reports a membership change; the directory itself is owned externally.
type Roster struct {
	db    database.ChatRepository
	mu    sync.RWMutex
	rooms map[string]*rosterEntry
}

type rosterEntry struct {
	roomId  int
	members map[int]struct{}
}

func NewRoster(db database.ChatRepository) *Roster {
	return &Roster{
		db:    db,
		rooms: make(map[string]*rosterEntry),
	}
}

// Resolve returns the room's numeric id and the current member id set.
func (r *Roster) Resolve(externalId string) (int, []int, error) {
	entry, err := r.entry(externalId)
	if err != nil {
		return 0, nil, err
	}

	members := make([]int, 0, len(entry.members))
	for id := range entry.members {
		members = append(members, id)
	}

	return entry.roomId, members, nil
}

func (r *Roster) IsMember(externalId string, userId int) (bool, error) {
	entry, err := r.entry(externalId)
	if err != nil {
		return false, err
	}

	_, ok := entry.members[userId]
	return ok, nil
}

// Invalidate drops the cached entry so the next lookup reloads it. Called on
// membership-changed notifications, never on a poll.
func (r *Roster) Invalidate(externalId string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rooms, externalId)
}

func (r *Roster) entry(externalId string) (*rosterEntry, error) {
	r.mu.RLock()
	entry, ok := r.rooms[externalId]
	r.mu.RUnlock()
	if ok {
		return entry, nil
	}

	room, err := r.db.GetRoomByExternalId(externalId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewNotFoundError("room %q not found", externalId)
		}
		return nil, fmt.Errorf("get room: %w", err)
	}

	memberIds, err := r.db.GetRoomMemberIds(room.Id)
	if err != nil {
		return nil, fmt.Errorf("get room members: %w", err)
	}

	entry = &rosterEntry{
		roomId:  room.Id,
		members: make(map[int]struct{}, len(memberIds)),
	}
	for _, id := range memberIds {
		entry.members[id] = struct{}{}
	}

	r.mu.Lock()
	r.rooms[externalId] = entry
	r.mu.Unlock()

	return entry, nil
}
