package server

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/go-groupchat/groupchat/internal/database"
	"github.com/go-groupchat/groupchat/internal/notify"
	"github.com/go-groupchat/groupchat/internal/stats"
	"github.com/go-groupchat/groupchat/internal/types"
)

const (
	metricActiveSessions    = "active_sessions"
	metricActiveRooms       = "active_rooms"
	metricMessagesSent      = "messages_sent"
	metricScheduledDispatch = "scheduled_dispatches"
	metricTypingExpiries    = "typing_expiries"
	defaultSessionRate      = 10
	defaultSessionBurst     = 20
	defaultScheduleSweep    = 20 * time.Second
)

type Options struct {
	TypingTTL     time.Duration
	OfflineGrace  time.Duration
	SweepInterval time.Duration
	SessionRate   float64
	SessionBurst  int
}

func (o *Options) withDefaults() {
	if o.SweepInterval <= 0 {
		o.SweepInterval = defaultScheduleSweep
	}
	if o.SessionRate <= 0 {
		o.SessionRate = defaultSessionRate
	}
	if o.SessionBurst <= 0 {
		o.SessionBurst = defaultSessionBurst
	}
}

// ChatServer owns the real-time core: the connection registry, the active
// room actors, the message store, and the background schedulers.
type ChatServer struct {
	log      *log.Logger
	db       database.ChatRepository
	stats    stats.StatsProvider
	notifier notify.Notifier
	opts     Options

	roster    *Roster
	store     *MessageStore
	presence  *PresenceTracker
	typing    *TypingTracker
	scheduler *Scheduler

	clients     map[*Client]struct{}
	userMap     map[int]map[*Client]struct{}
	clientsLock sync.RWMutex

	rooms     map[string]*Room
	roomsLock sync.RWMutex

	joinChan       chan *ClientMessage
	RegisterChan   chan *Client
	deRegisterChan chan *Client
	unloadRoomChan chan string
	stop           chan struct{}
	done           chan struct{}
}

func NewChatServer(logger *log.Logger, db database.ChatRepository, su stats.StatsProvider, notifier notify.Notifier, opts Options) (*ChatServer, error) {
	opts.withDefaults()

	cs := &ChatServer{
		log:            logger,
		db:             db,
		stats:          su,
		notifier:       notifier,
		opts:           opts,
		clients:        make(map[*Client]struct{}),
		userMap:        make(map[int]map[*Client]struct{}),
		rooms:          make(map[string]*Room),
		joinChan:       make(chan *ClientMessage, 256),
		RegisterChan:   make(chan *Client, 256),
		deRegisterChan: make(chan *Client, 256),
		unloadRoomChan: make(chan string, 256),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}

	cs.roster = NewRoster(db)
	cs.store = NewMessageStore(db, cs.roster)
	cs.presence = NewPresenceTracker(opts.OfflineGrace, cs.userOnline, cs.userOffline)
	cs.typing = NewTypingTracker(opts.TypingTTL, cs.typingExpired)
	cs.scheduler = NewScheduler(logger, db, cs.store, cs.roster, opts.SweepInterval, cs.dispatchScheduled)

	su.RegisterMetric(metricActiveSessions, "Number of connected sessions")
	su.RegisterMetric(metricActiveRooms, "Number of loaded room actors")
	su.RegisterMetric(metricMessagesSent, "Messages accepted into the log")
	su.RegisterMetric(metricScheduledDispatch, "Scheduled messages promoted to live ones")
	su.RegisterMetric(metricTypingExpiries, "Typing entries expired by TTL")

	return cs, nil
}

func (cs *ChatServer) Run() {
	go cs.scheduler.Run()

	for {
		select {
		case joinMsg := <-cs.joinChan:
			cs.handleJoinRoom(joinMsg)
		case client := <-cs.RegisterChan:
			cs.log.Printf("adding connection from %q", client.user.Username)
			cs.addClient(client)
		case client := <-cs.deRegisterChan:
			cs.log.Printf("removing connection from %q", client.user.Username)
			cs.removeClient(client)
		case id := <-cs.unloadRoomChan:
			cs.unloadRoom(id)
		case <-cs.stop:
			cs.shutdownRooms()
			close(cs.done)
			return
		}
	}
}

// Shutdown stops the sweeper, the timers, and every client, then waits for
// the run loop to drain.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.scheduler.Stop()
	cs.typing.Stop()
	cs.presence.Stop()

	cs.clientsLock.Lock()
	for c := range cs.clients {
		c.stopClient()
	}
	cs.clientsLock.Unlock()

	close(cs.stop)

	select {
	case <-cs.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatch executes one validated command on the calling session's
// goroutine; mutations on distinct messages run in parallel.
func (cs *ChatServer) Dispatch(msg *ClientMessage) {
	switch {
	case msg.Send != nil:
		cs.handleSend(msg)
	case msg.Edit != nil:
		cs.handleEdit(msg)
	case msg.Delete != nil:
		cs.handleDelete(msg)
	case msg.Typing != nil:
		cs.handleTyping(msg)
	case msg.MarkRead != nil:
		cs.handleMarkRead(msg)
	case msg.MarkDelivered != nil:
		cs.handleMarkDelivered(msg)
	case msg.AddReaction != nil:
		cs.handleReaction(msg, msg.AddReaction, true)
	case msg.RemoveReaction != nil:
		cs.handleReaction(msg, msg.RemoveReaction, false)
	case msg.Forward != nil:
		cs.handleForward(msg)
	case msg.StartThread != nil:
		cs.handleStartThread(msg)
	case msg.Schedule != nil:
		cs.handleSchedule(msg)
	case msg.CancelScheduled != nil:
		cs.handleCancelScheduled(msg)
	}
}

func (cs *ChatServer) handleSend(msg *ClientMessage) {
	wire, err := cs.store.Send(msg.Send.RoomId, msg.UserId, msg.Send)
	if err != nil {
		msg.client.queueMessage(ErrCommand(msg.Id, err))
		return
	}

	msg.client.queueMessage(NoErrOK(msg.Id, map[string]any{"message": wire}))
	cs.stats.Incr(metricMessagesSent)
	cs.publishNewMessage(wire)
}

func (cs *ChatServer) handleEdit(msg *ClientMessage) {
	evt, err := cs.store.Edit(msg.Edit.MessageId, msg.UserId, msg.Edit.Text)
	if err != nil {
		msg.client.queueMessage(ErrCommand(msg.Id, err))
		return
	}

	msg.client.queueMessage(NoErrAccepted(msg.Id))
	cs.publishToRoom(evt.RoomId, &ServerMessage{
		BaseMessage:   BaseMessage{Timestamp: Now()},
		MessageEdited: &evt,
	}, false)
}

func (cs *ChatServer) handleDelete(msg *ClientMessage) {
	evt, err := cs.store.Delete(msg.Delete.MessageId, msg.UserId)
	if err != nil {
		msg.client.queueMessage(ErrCommand(msg.Id, err))
		return
	}

	msg.client.queueMessage(NoErrAccepted(msg.Id))
	cs.publishToRoom(evt.RoomId, &ServerMessage{
		BaseMessage:    BaseMessage{Timestamp: Now()},
		MessageDeleted: &evt,
	}, false)
}

func (cs *ChatServer) handleTyping(msg *ClientMessage) {
	member, err := cs.roster.IsMember(msg.Typing.RoomId, msg.UserId)
	if err != nil {
		msg.client.queueMessage(ErrCommand(msg.Id, err))
		return
	}
	if !member {
		msg.client.queueMessage(ErrCommand(msg.Id, NewAuthorizationError("user %d is not a member of room %q", msg.UserId, msg.Typing.RoomId)))
		return
	}

	cs.typing.Set(msg.Typing.RoomId, msg.UserId, msg.Typing.IsTyping)

	cs.publishToRoom(msg.Typing.RoomId, &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		UserTyping: &UserTyping{
			RoomId:   msg.Typing.RoomId,
			UserId:   msg.UserId,
			IsTyping: msg.Typing.IsTyping,
		},
		SkipUserId: msg.UserId,
	}, false)
}

func (cs *ChatServer) handleMarkRead(msg *ClientMessage) {
	delivered, read, senderId, err := cs.store.MarkRead(msg.MarkRead.MessageId, msg.UserId)
	if err != nil {
		msg.client.queueMessage(ErrCommand(msg.Id, err))
		return
	}

	msg.client.queueMessage(NoErrAccepted(msg.Id))

	// receipts go to the original sender's sessions only
	if delivered != nil {
		cs.sendToUser(senderId, &ServerMessage{
			BaseMessage:      BaseMessage{Timestamp: Now()},
			MessageDelivered: delivered,
		})
	}
	if read != nil {
		cs.sendToUser(senderId, &ServerMessage{
			BaseMessage: BaseMessage{Timestamp: Now()},
			MessageRead: read,
		})
	}
}

func (cs *ChatServer) handleMarkDelivered(msg *ClientMessage) {
	delivered, senderId, err := cs.store.MarkDelivered(msg.MarkDelivered.MessageId, msg.UserId)
	if err != nil {
		msg.client.queueMessage(ErrCommand(msg.Id, err))
		return
	}

	msg.client.queueMessage(NoErrAccepted(msg.Id))

	if delivered != nil {
		cs.sendToUser(senderId, &ServerMessage{
			BaseMessage:      BaseMessage{Timestamp: Now()},
			MessageDelivered: delivered,
		})
	}
}

func (cs *ChatServer) handleReaction(msg *ClientMessage, reaction *Reaction, add bool) {
	var (
		evt MessageReaction
		err error
	)
	if add {
		evt, err = cs.store.AddReaction(reaction.MessageId, msg.UserId, reaction.Emoji)
	} else {
		evt, err = cs.store.RemoveReaction(reaction.MessageId, msg.UserId, reaction.Emoji)
	}
	if err != nil {
		msg.client.queueMessage(ErrCommand(msg.Id, err))
		return
	}

	msg.client.queueMessage(NoErrAccepted(msg.Id))
	cs.publishToRoom(evt.RoomId, &ServerMessage{
		BaseMessage:     BaseMessage{Timestamp: Now()},
		MessageReaction: &evt,
	}, false)
}

func (cs *ChatServer) handleForward(msg *ClientMessage) {
	wire, err := cs.store.Forward(msg.Forward.MessageId, msg.Forward.TargetRoomId, msg.Forward.ExtraText, msg.UserId)
	if err != nil {
		msg.client.queueMessage(ErrCommand(msg.Id, err))
		return
	}

	msg.client.queueMessage(NoErrOK(msg.Id, map[string]any{"message": wire}))
	cs.stats.Incr(metricMessagesSent)
	cs.publishNewMessage(wire)
}

func (cs *ChatServer) handleStartThread(msg *ClientMessage) {
	evt, err := cs.store.StartThread(msg.StartThread.ParentId, msg.UserId, msg.StartThread.Text)
	if err != nil {
		msg.client.queueMessage(ErrCommand(msg.Id, err))
		return
	}

	msg.client.queueMessage(NoErrOK(msg.Id, map[string]any{"message": evt.Message}))
	cs.stats.Incr(metricMessagesSent)
	cs.publishToRoom(evt.Message.RoomId, &ServerMessage{
		BaseMessage:      BaseMessage{Timestamp: Now()},
		NewThreadMessage: &evt,
	}, true)
}

func (cs *ChatServer) handleSchedule(msg *ClientMessage) {
	wire, err := cs.store.CreateScheduled(msg.Schedule.RoomId, msg.UserId, msg.Schedule.Text, msg.Schedule.ScheduledFor)
	if err != nil {
		msg.client.queueMessage(ErrCommand(msg.Id, err))
		return
	}

	// no fan-out until the dispatcher promotes the message
	msg.client.queueMessage(NoErrOK(msg.Id, map[string]any{"message": wire}))
}

func (cs *ChatServer) handleCancelScheduled(msg *ClientMessage) {
	if err := cs.scheduler.Cancel(msg.CancelScheduled.MessageId, msg.UserId); err != nil {
		msg.client.queueMessage(ErrCommand(msg.Id, err))
		return
	}

	msg.client.queueMessage(NoErrAccepted(msg.Id))
}

func (cs *ChatServer) handleJoinRoom(join *ClientMessage) {
	member, err := cs.roster.IsMember(join.Join.RoomId, join.UserId)
	if err != nil {
		join.client.queueMessage(ErrCommand(join.Id, err))
		return
	}
	if !member {
		join.client.queueMessage(ErrCommand(join.Id, NewAuthorizationError("user %d is not a member of room %q", join.UserId, join.Join.RoomId)))
		return
	}

	room := cs.getRoom(join.Join.RoomId)
	if room == nil {
		room = newRoom(cs, join.Join.RoomId)
		cs.roomsLock.Lock()
		cs.rooms[room.externalId] = room
		cs.roomsLock.Unlock()
		cs.stats.Incr(metricActiveRooms)
		go room.start()
	}

	select {
	case room.joinChan <- join:
	default:
		cs.log.Printf("join channel full on room %q", room.externalId)
		join.client.queueMessage(ErrServiceUnavailable(join.Id))
	}
}

// dispatchScheduled is the sweeper's path into the ordinary new-message
// fan-out pipeline.
func (cs *ChatServer) dispatchScheduled(msg types.Message) {
	cs.stats.Incr(metricScheduledDispatch)
	cs.stats.Incr(metricMessagesSent)
	cs.publishNewMessage(msg)
}

func (cs *ChatServer) publishNewMessage(msg types.Message) {
	cs.publishToRoom(msg.RoomId, &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		NewMessage:  &msg,
	}, true)
}

// publishToRoom routes one committed event through the room's actor when the
// room is live, or delivers directly to member sessions otherwise.
func (cs *ChatServer) publishToRoom(externalId string, msg *ServerMessage, notifyOffline bool) {
	_, memberIds, err := cs.roster.Resolve(externalId)
	if err != nil {
		cs.log.Printf("resolve recipients for %q: %v", externalId, err)
		return
	}

	b := roomBroadcast{
		msg:           msg,
		memberIds:     memberIds,
		notifyOffline: notifyOffline,
	}

	if room := cs.getRoom(externalId); room != nil {
		select {
		case room.broadcastChan <- b:
			return
		case <-room.done:
			// room unloaded while publishing, fall through to direct delivery
		}
	}

	cs.deliverToMembers(externalId, b, nil)
}

// deliverToMembers delivers to every session of the broadcast's members that
// is not already covered by a room actor, and signals the notifier for
// members with no connection at all.
func (cs *ChatServer) deliverToMembers(externalId string, b roomBroadcast, attached map[int]bool) {
	// thread replies are new messages too as far as the notifier is concerned
	newMsg := b.msg.NewMessage
	if newMsg == nil && b.msg.NewThreadMessage != nil {
		newMsg = &b.msg.NewThreadMessage.Message
	}

	var offline []int
	for _, userId := range b.memberIds {
		if b.msg.SkipUserId != 0 && userId == b.msg.SkipUserId {
			continue
		}

		if !attached[userId] {
			cs.sendToUser(userId, b.msg)
		}

		if b.notifyOffline && !cs.presence.IsOnline(userId) {
			if newMsg == nil || userId != newMsg.SenderId {
				offline = append(offline, userId)
			}
		}
	}

	if b.notifyOffline && len(offline) > 0 && newMsg != nil {
		cs.notifier.NotifyNewMessage(externalId, offline, *newMsg)
	}
}

// sendToUser queues the message on every live session of the user. Delivery
// is fire-and-forget; the durable signal of receipt is the explicit
// delivered/read mechanism.
func (cs *ChatServer) sendToUser(userId int, msg *ServerMessage) bool {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()

	sessions, ok := cs.userMap[userId]
	if !ok {
		return false
	}

	for c := range sessions {
		if c == msg.SkipClient {
			continue
		}
		c.queueMessage(msg)
	}

	return len(sessions) > 0
}

// RegisterClient hands a freshly upgraded session to the run loop.
func (cs *ChatServer) RegisterClient(c *Client) {
	cs.RegisterChan <- c
}

func (cs *ChatServer) IsOnline(userId int) bool {
	return cs.presence.IsOnline(userId)
}

// History exposes room history to the HTTP layer with the same membership
// and visibility rules the live path uses.
func (cs *ChatServer) History(roomId string, requesterId int, before time.Time, limit int) ([]types.Message, error) {
	return cs.store.History(roomId, requesterId, before, limit)
}

// RoomMembershipChanged is called by the directory owner when a room's
// member set changes; the cached index is refreshed and the room's sessions
// get a fresh members snapshot.
func (cs *ChatServer) RoomMembershipChanged(externalId string) {
	cs.roster.Invalidate(externalId)

	members, err := cs.roomMembersStatus(externalId)
	if err != nil {
		cs.log.Printf("members status for %q: %v", externalId, err)
		return
	}

	cs.publishToRoom(externalId, &ServerMessage{
		BaseMessage:       BaseMessage{Timestamp: Now()},
		RoomMembersStatus: members,
	}, false)
}

// UnloadRoom removes the room's actor, e.g. when the room is deleted.
func (cs *ChatServer) UnloadRoom(externalId string) {
	cs.roster.Invalidate(externalId)
	select {
	case cs.unloadRoomChan <- externalId:
	default:
		cs.log.Printf("unload channel full, room %q stays loaded", externalId)
	}
}

func (cs *ChatServer) roomMembersStatus(externalId string) (*RoomMembersStatus, error) {
	room, err := cs.db.GetRoomByExternalId(externalId)
	if err != nil {
		return nil, NewNotFoundError("room %q not found", externalId)
	}

	dbRoom, err := cs.db.GetRoomWithMembers(room.Id)
	if err != nil {
		return nil, NewNotFoundError("room %q not found", externalId)
	}

	members := make([]types.User, len(dbRoom.Members))
	for i, m := range dbRoom.Members {
		members[i] = types.User{
			Id:       m.AccountId,
			Username: m.Username,
			IsOnline: cs.presence.IsOnline(m.AccountId),
		}
	}

	return &RoomMembersStatus{
		RoomId:  externalId,
		Members: members,
	}, nil
}

func (cs *ChatServer) userOnline(userId int) {
	cs.broadcastStatus(userId, &UserStatusChanged{
		UserId:   userId,
		IsOnline: true,
	})
}

func (cs *ChatServer) userOffline(userId int, lastSeen time.Time) {
	if err := cs.db.UpdateLastSeen(userId, lastSeen); err != nil {
		cs.log.Printf("update last seen for user %d: %v", userId, err)
	}

	cs.broadcastStatus(userId, &UserStatusChanged{
		UserId:   userId,
		IsOnline: false,
		LastSeen: &lastSeen,
	})
}

// broadcastStatus announces a presence transition to every room the user
// belongs to.
func (cs *ChatServer) broadcastStatus(userId int, status *UserStatusChanged) {
	rooms, err := cs.db.ListRoomsForAccount(userId)
	if err != nil {
		cs.log.Printf("list rooms for user %d: %v", userId, err)
		return
	}

	for _, room := range rooms {
		cs.publishToRoom(room.ExternalId, &ServerMessage{
			BaseMessage:       BaseMessage{Timestamp: Now()},
			UserStatusChanged: status,
			SkipUserId:        userId,
		}, false)
	}
}

func (cs *ChatServer) typingExpired(roomId string, userId int) {
	cs.stats.Incr(metricTypingExpiries)
	cs.publishToRoom(roomId, &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		UserTyping: &UserTyping{
			RoomId:   roomId,
			UserId:   userId,
			IsTyping: false,
		},
		SkipUserId: userId,
	}, false)
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	cs.clients[c] = struct{}{}
	if cs.userMap[c.user.Id] == nil {
		cs.userMap[c.user.Id] = make(map[*Client]struct{})
	}
	cs.userMap[c.user.Id][c] = struct{}{}
	cs.clientsLock.Unlock()

	cs.stats.Incr(metricActiveSessions)
	cs.presence.AddSession(c.user.Id)
}

func (cs *ChatServer) removeClient(c *Client) {
	cs.clientsLock.Lock()
	if _, ok := cs.clients[c]; !ok {
		cs.clientsLock.Unlock()
		return
	}
	delete(cs.clients, c)
	if sessions, ok := cs.userMap[c.user.Id]; ok {
		delete(sessions, c)
		if len(sessions) == 0 {
			delete(cs.userMap, c.user.Id)
		}
	}
	cs.clientsLock.Unlock()

	cs.stats.Decr(metricActiveSessions)
	cs.presence.RemoveSession(c.user.Id)
}

func (cs *ChatServer) getRoom(externalId string) *Room {
	cs.roomsLock.RLock()
	defer cs.roomsLock.RUnlock()

	return cs.rooms[externalId]
}

func (cs *ChatServer) unloadRoom(externalId string) {
	cs.roomsLock.Lock()
	room, ok := cs.rooms[externalId]
	if ok {
		delete(cs.rooms, externalId)
	}
	cs.roomsLock.Unlock()

	if !ok {
		return
	}

	cs.stats.Decr(metricActiveRooms)
	room.exit <- exitReq{}
	<-room.done
}

func (cs *ChatServer) shutdownRooms() {
	cs.roomsLock.Lock()
	rooms := cs.rooms
	cs.rooms = make(map[string]*Room)
	cs.roomsLock.Unlock()

	for _, r := range rooms {
		cs.log.Printf("shutting down room %q", r.externalId)
		r.exit <- exitReq{}
		<-r.done
	}
}
