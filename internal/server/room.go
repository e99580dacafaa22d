package server

import (
	"log"
	"sync"
	"time"
)

const idleRoomTimeout = time.Second * 30

type exitReq struct {
	done chan string
}

type leaveReq struct {
	client *Client
}

// roomBroadcast is one committed event headed for the room's subscribers.
// memberIds widens delivery to member sessions that never joined the live
// room; notifyOffline additionally signals the push collaborator for members
// with no session at all.
type roomBroadcast struct {
	msg           *ServerMessage
	memberIds     []int
	notifyOffline bool
}

// Room is the fan-out actor for one active room. Its broadcast channel is
// the single ordering point for the room's event stream: events are
// delivered to subscribed sessions in the order they were committed.
type Room struct {
	externalId    string
	cs            *ChatServer
	joinChan      chan *ClientMessage
	leaveChan     chan *leaveReq
	broadcastChan chan roomBroadcast
	clients       map[*Client]struct{}
	userMap       map[int]map[*Client]struct{}
	clientLock    sync.RWMutex
	log           *log.Logger
	// killTimer unloads the room once no client is attached
	killTimer *time.Timer
	exit      chan exitReq
	done      chan struct{}
}

func newRoom(cs *ChatServer, externalId string) *Room {
	return &Room{
		externalId:    externalId,
		cs:            cs,
		joinChan:      make(chan *ClientMessage, 256),
		leaveChan:     make(chan *leaveReq, 256),
		broadcastChan: make(chan roomBroadcast, 256),
		clients:       make(map[*Client]struct{}),
		userMap:       make(map[int]map[*Client]struct{}),
		log:           cs.log,
		exit:          make(chan exitReq),
		done:          make(chan struct{}),
	}
}

func (r *Room) start() {
	r.log.Printf("starting room %q", r.externalId)
	r.killTimer = time.NewTimer(idleRoomTimeout)
	r.killTimer.Stop()

	for {
		select {
		case join := <-r.joinChan:
			r.handleJoin(join)
		case leave := <-r.leaveChan:
			r.handleLeave(leave)
		case b := <-r.broadcastChan:
			r.handleBroadcast(b)
		case <-r.killTimer.C:
			r.handleRoomTimeout()
		case e := <-r.exit:
			r.handleRoomExit(e)
			return
		}
	}
}

func (r *Room) handleRoomTimeout() {
	r.log.Printf("room %q idle, unloading", r.externalId)
	select {
	case r.cs.unloadRoomChan <- r.externalId:
	default:
		// try again on the next timeout
		r.killTimer.Reset(idleRoomTimeout)
	}
}

func (r *Room) handleRoomExit(e exitReq) {
	r.log.Printf("room %q is exiting", r.externalId)

	r.clientLock.Lock()
	for c := range r.clients {
		c.delRoom(r.externalId)
	}
	r.clientLock.Unlock()

	close(r.done)
	if e.done != nil {
		e.done <- r.externalId
	}
}

func (r *Room) handleJoin(join *ClientMessage) {
	r.killTimer.Stop()
	c := join.client

	r.addClient(c)

	members, err := r.cs.roomMembersStatus(r.externalId)
	if err != nil {
		r.log.Printf("members status for %q: %v", r.externalId, err)
		c.queueMessage(ErrCommand(join.Id, err))
		return
	}

	c.queueMessage(NoErrOK(join.Id, map[string]any{
		"room_id": r.externalId,
		"members": members.Members,
	}))
}

func (r *Room) handleLeave(leave *leaveReq) {
	r.removeClient(leave.client)
}

func (r *Room) handleBroadcast(b roomBroadcast) {
	attached := make(map[int]bool)

	r.clientLock.RLock()
	for c := range r.clients {
		attached[c.user.Id] = true
		if c == b.msg.SkipClient || (b.msg.SkipUserId != 0 && c.user.Id == b.msg.SkipUserId) {
			continue
		}
		c.queueMessage(b.msg)
	}
	r.clientLock.RUnlock()

	r.cs.deliverToMembers(r.externalId, b, attached)
}

func (r *Room) addClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	r.clients[c] = struct{}{}
	if r.userMap[c.user.Id] == nil {
		r.userMap[c.user.Id] = make(map[*Client]struct{})
	}
	r.userMap[c.user.Id][c] = struct{}{}

	c.addRoom(r)
}

func (r *Room) removeClient(c *Client) {
	r.clientLock.Lock()
	defer r.clientLock.Unlock()

	if _, ok := r.clients[c]; !ok {
		return
	}

	delete(r.clients, c)
	c.delRoom(r.externalId)

	if userClients, ok := r.userMap[c.user.Id]; ok {
		delete(userClients, c)
		if len(userClients) == 0 {
			delete(r.userMap, c.user.Id)
		}
	}

	if len(r.clients) == 0 {
		r.log.Printf("no clients in %q, starting kill timer", r.externalId)
		r.killTimer.Reset(idleRoomTimeout)
	}
}
