package server

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-groupchat/groupchat/internal/database"
	"github.com/go-groupchat/groupchat/internal/types"
)

const sweepBatchSize = 100

// Scheduler promotes due scheduled messages into live ones. The atomic
// pending->sending claim makes the promotion exactly-once-visible even with
// concurrent sweepers or a restart mid-sweep.
type Scheduler struct {
	log      *log.Logger
	db       database.ChatRepository
	store    *MessageStore
	roster   *Roster
	interval time.Duration
	dispatch func(msg types.Message)
	stop     chan struct{}
	done     chan struct{}
}

func NewScheduler(logger *log.Logger, db database.ChatRepository, store *MessageStore, roster *Roster, interval time.Duration, dispatch func(types.Message)) *Scheduler {
	return &Scheduler{
		log:      logger,
		db:       db,
		store:    store,
		roster:   roster,
		interval: interval,
		dispatch: dispatch,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *Scheduler) Run() {
	ticker := time.NewTicker(s.interval)
	defer func() {
		ticker.Stop()
		close(s.done)
	}()

	for {
		select {
		case <-ticker.C:
			s.Sweep(Now())
		case <-s.stop:
			return
		}
	}
}

func (s *Scheduler) Stop() {
	select {
	case <-s.done:
		return
	default:
	}

	close(s.stop)
	<-s.done
}

// Sweep selects everything due at now and attempts to promote each entry.
// Losing a claim race is not an error, another worker owns the message.
func (s *Scheduler) Sweep(now time.Time) {
	due, err := s.db.ListDueScheduled(now, sweepBatchSize)
	if err != nil {
		s.log.Printf("list due scheduled messages: %v", err)
		return
	}

	for _, msg := range due {
		claimed, err := s.db.ClaimScheduled(msg.Id, now)
		if err != nil {
			s.log.Printf("claim scheduled message %q: %v", msg.Id, err)
			continue
		}
		if !claimed {
			continue
		}

		s.promote(msg, now)
	}
}

// promote re-validates and sends a claimed message with the same semantics
// as a live send. The requester's session is long gone by dispatch time, so
// failures are logged and the message is marked failed with no retry.
func (s *Scheduler) promote(msg database.Message, now time.Time) {
	member, err := s.roster.IsMember(msg.RoomExternalId, msg.SenderId)
	if err != nil || !member {
		if err != nil {
			s.log.Printf("validate scheduled message %q: %v", msg.Id, err)
		} else {
			s.log.Printf("scheduled message %q: sender %d no longer a member of %q", msg.Id, msg.SenderId, msg.RoomExternalId)
		}
		if err := s.db.MarkScheduledFailed(msg.Id, now); err != nil {
			s.log.Printf("mark scheduled message %q failed: %v", msg.Id, err)
		}
		return
	}

	// the message becomes visible with the actual send time, not the
	// originally scheduled one
	if err := s.db.MarkScheduledSent(msg.Id, now); err != nil {
		s.log.Printf("mark scheduled message %q sent: %v", msg.Id, err)
		return
	}

	if err := s.db.TouchRoomLastMessage(msg.RoomId, now); err != nil {
		s.log.Printf("touch room %d: %v", msg.RoomId, err)
	}

	msg.DispatchStatus = sql.NullString{String: types.DispatchSent, Valid: true}
	msg.CreatedAt = now
	msg.UpdatedAt = now

	s.log.Printf("dispatched scheduled message %q to room %q", msg.Id, msg.RoomExternalId)
	s.dispatch(toWireMessage(msg))
}

// Cancel withdraws a scheduled message. It succeeds only while the message
// is still pending and the requester is the original scheduler; once a
// sweeper's claim lands, cancellation is rejected.
func (s *Scheduler) Cancel(messageId string, requesterId int) error {
	cancelled, err := s.db.CancelScheduled(messageId, requesterId, Now())
	if err != nil {
		return fmt.Errorf("cancel scheduled message: %w", err)
	}
	if cancelled {
		return nil
	}

	msg, err := s.db.GetMessage(messageId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return NewNotFoundError("message %q not found", messageId)
		}
		return fmt.Errorf("get message: %w", err)
	}

	if !msg.DispatchStatus.Valid {
		return NewNotFoundError("message %q is not scheduled", messageId)
	}
	if msg.SenderId != requesterId {
		return NewAuthorizationError("only the scheduler can cancel a scheduled message")
	}

	return NewConflictError("message %q is no longer pending (%s)", messageId, msg.DispatchStatus.String)
}
