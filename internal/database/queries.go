package database

import (
	"database/sql"
	"fmt"
	"time"
)

const (
	messageColumns = "m.id, m.room_id, r.external_id, m.sender_id, m.text, m.file_url, m.file_type, " +
		"m.edited, m.deleted, m.thread_parent_id, m.thread_reply_count, " +
		"m.forwarded_from_sender, m.forwarded_from_room, m.forwarded_from_text, " +
		"m.scheduled_for, m.dispatch_status, m.created_at, m.updated_at"

	// visibleMessages excludes scheduled rows that have not been promoted yet.
	visibleMessages = "(m.dispatch_status IS NULL OR m.dispatch_status = 'sent')"
)

func (db *PgChatRepository) CreateAccount(accountParams CreateAccountParams) (User, error) {
	res := db.conn.QueryRow(
		"INSERT INTO accounts (username, email, password_hash, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $4) RETURNING id, username, email",
		accountParams.Username,
		accountParams.EmailAddress,
		accountParams.PasswordHash,
		time.Now().UTC(),
	)

	var u User
	err := res.Scan(
		&u.Id,
		&u.Username,
		&u.EmailAddress,
	)

	return u, err
}

func (db *PgChatRepository) GetAccountById(id int) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, email, last_seen FROM accounts "+
			"WHERE id = $1 LIMIT 1",
		id,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.EmailAddress,
		&user.LastSeen,
	)

	return user, err
}

func (db *PgChatRepository) GetAccountByEmail(email string) (User, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, email, password_hash FROM accounts "+
			"WHERE email = $1 LIMIT 1",
		email,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.EmailAddress,
		&user.PasswordHash,
	)

	return user, err
}

func (db *PgChatRepository) UpdateLastSeen(accountId int, lastSeen time.Time) error {
	_, err := db.conn.Exec(
		"UPDATE accounts SET last_seen = $2, updated_at = $2 WHERE id = $1",
		accountId,
		lastSeen,
	)
	return err
}

func (db *PgChatRepository) CreateRoom(params CreateRoomParams) (Room, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return Room{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res := tx.QueryRow(
		"INSERT INTO rooms (name, external_id, is_group, owner_id, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $5) RETURNING id, name, external_id, is_group, owner_id, created_at, updated_at",
		params.Name,
		params.ExternalId,
		params.IsGroup,
		params.OwnerId,
		time.Now().UTC(),
	)

	var room Room
	err = res.Scan(
		&room.Id,
		&room.Name,
		&room.ExternalId,
		&room.IsGroup,
		&room.OwnerId,
		&room.CreatedAt,
		&room.UpdatedAt,
	)
	if err != nil {
		return Room{}, err
	}

	_, err = tx.Exec(
		"INSERT INTO room_members (room_id, account_id, created_at) VALUES ($1, $2, $3)",
		room.Id,
		params.OwnerId,
		time.Now().UTC(),
	)
	if err != nil {
		return Room{}, err
	}

	if err = tx.Commit(); err != nil {
		return Room{}, err
	}

	return room, err
}

func (db *PgChatRepository) GetRoomByExternalId(externalId string) (Room, error) {
	row := db.conn.QueryRow(
		"SELECT id, external_id, name, is_group, owner_id, last_message_at FROM rooms "+
			"WHERE external_id = $1 LIMIT 1",
		externalId,
	)

	var room Room
	err := row.Scan(
		&room.Id,
		&room.ExternalId,
		&room.Name,
		&room.IsGroup,
		&room.OwnerId,
		&room.LastMessageAt,
	)

	return room, err
}

func (db *PgChatRepository) GetRoomWithMembers(roomId int) (*Room, error) {
	query := `
		SELECT
				r.id,
				r.external_id,
				r.name,
				r.is_group,
				r.owner_id,
				r.last_message_at,
				r.created_at,
				r.updated_at,
				m.account_id,
				a.username,
				m.created_at AS member_created_at
		FROM rooms r
		LEFT JOIN room_members m ON r.id = m.room_id
		LEFT JOIN accounts a ON m.account_id = a.id
		WHERE r.id = $1;
`

	rows, err := db.conn.Query(query, roomId)
	if err != nil {
		return nil, fmt.Errorf("fetch room with members: %w", err)
	}
	defer rows.Close()

	var room *Room
	for rows.Next() {
		var (
			id              int
			externalId      string
			name            string
			isGroup         bool
			ownerId         int
			lastMessageAt   sql.NullTime
			roomCreatedAt   time.Time
			roomUpdatedAt   time.Time
			accountId       sql.NullInt64
			username        sql.NullString
			memberCreatedAt sql.NullTime
		)

		err := rows.Scan(
			&id,
			&externalId,
			&name,
			&isGroup,
			&ownerId,
			&lastMessageAt,
			&roomCreatedAt,
			&roomUpdatedAt,
			&accountId,
			&username,
			&memberCreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		if room == nil {
			room = &Room{
				Id:            id,
				ExternalId:    externalId,
				Name:          name,
				IsGroup:       isGroup,
				OwnerId:       ownerId,
				LastMessageAt: lastMessageAt,
				CreatedAt:     roomCreatedAt,
				UpdatedAt:     roomUpdatedAt,
				Members:       make([]Member, 0),
			}
		}

		if accountId.Valid && username.Valid {
			room.Members = append(room.Members, Member{
				AccountId: int(accountId.Int64),
				Username:  username.String,
				CreatedAt: memberCreatedAt.Time,
			})
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	if room == nil {
		return nil, sql.ErrNoRows
	}

	return room, nil
}

func (db *PgChatRepository) DeleteRoom(id int) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.Exec("DELETE FROM room_members WHERE room_id = $1", id); err != nil {
		return err
	}

	if _, err = tx.Exec("DELETE FROM rooms WHERE id = $1", id); err != nil {
		return err
	}

	return tx.Commit()
}

func (db *PgChatRepository) AddRoomMember(roomId, accountId int) error {
	_, err := db.conn.Exec(
		"INSERT INTO room_members (room_id, account_id, created_at) VALUES ($1, $2, $3) "+
			"ON CONFLICT (room_id, account_id) DO NOTHING",
		roomId,
		accountId,
		time.Now().UTC(),
	)
	return err
}

func (db *PgChatRepository) RemoveRoomMember(roomId, accountId int) error {
	_, err := db.conn.Exec(
		"DELETE FROM room_members WHERE room_id = $1 AND account_id = $2",
		roomId,
		accountId,
	)
	return err
}

func (db *PgChatRepository) GetRoomMemberIds(roomId int) ([]int, error) {
	rows, err := db.conn.Query(
		"SELECT account_id FROM room_members WHERE room_id = $1",
		roomId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

func (db *PgChatRepository) ListRoomsForAccount(accountId int) ([]Room, error) {
	rows, err := db.conn.Query(
		"SELECT r.id, r.external_id, r.name, r.is_group, r.owner_id, r.last_message_at "+
			"FROM rooms r JOIN room_members m ON r.id = m.room_id "+
			"WHERE m.account_id = $1 ORDER BY r.last_message_at DESC NULLS LAST",
		accountId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var room Room
		err := rows.Scan(
			&room.Id,
			&room.ExternalId,
			&room.Name,
			&room.IsGroup,
			&room.OwnerId,
			&room.LastMessageAt,
		)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}

	return rooms, rows.Err()
}

func (db *PgChatRepository) CreateMessage(msg Message) error {
	_, err := db.conn.Exec(
		"INSERT INTO messages (id, room_id, sender_id, text, file_url, file_type, edited, deleted, "+
			"thread_parent_id, thread_reply_count, forwarded_from_sender, forwarded_from_room, "+
			"forwarded_from_text, scheduled_for, dispatch_status, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)",
		msg.Id,
		msg.RoomId,
		msg.SenderId,
		msg.Text,
		msg.FileUrl,
		msg.FileType,
		msg.Edited,
		msg.Deleted,
		msg.ThreadParentId,
		msg.ThreadReplyCount,
		msg.ForwardedFromSender,
		msg.ForwardedFromRoom,
		msg.ForwardedFromText,
		msg.ScheduledFor,
		msg.DispatchStatus,
		msg.CreatedAt,
		msg.UpdatedAt,
	)
	return err
}

func scanMessage(row interface{ Scan(dest ...any) error }) (Message, error) {
	var m Message
	err := row.Scan(
		&m.Id,
		&m.RoomId,
		&m.RoomExternalId,
		&m.SenderId,
		&m.Text,
		&m.FileUrl,
		&m.FileType,
		&m.Edited,
		&m.Deleted,
		&m.ThreadParentId,
		&m.ThreadReplyCount,
		&m.ForwardedFromSender,
		&m.ForwardedFromRoom,
		&m.ForwardedFromText,
		&m.ScheduledFor,
		&m.DispatchStatus,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	return m, err
}

func (db *PgChatRepository) GetMessage(id string) (Message, error) {
	row := db.conn.QueryRow(
		"SELECT "+messageColumns+" FROM messages m JOIN rooms r ON m.room_id = r.id "+
			"WHERE m.id = $1 LIMIT 1",
		id,
	)

	return scanMessage(row)
}

func (db *PgChatRepository) ListMessages(roomId int, before time.Time, limit int) ([]Message, error) {
	rows, err := db.conn.Query(
		"SELECT "+messageColumns+" FROM messages m JOIN rooms r ON m.room_id = r.id "+
			"WHERE m.room_id = $1 AND m.created_at < $2 AND "+visibleMessages+" "+
			"ORDER BY m.created_at DESC LIMIT $3",
		roomId,
		before,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}

	return msgs, rows.Err()
}

func (db *PgChatRepository) UpdateMessageText(id, text string, updatedAt time.Time) error {
	_, err := db.conn.Exec(
		"UPDATE messages SET text = $2, edited = TRUE, updated_at = $3 WHERE id = $1",
		id,
		text,
		updatedAt,
	)
	return err
}

func (db *PgChatRepository) SoftDeleteMessage(id string, updatedAt time.Time) error {
	_, err := db.conn.Exec(
		"UPDATE messages SET deleted = TRUE, text = '', file_url = NULL, file_type = NULL, "+
			"updated_at = $2 WHERE id = $1",
		id,
		updatedAt,
	)
	return err
}

func (db *PgChatRepository) TouchRoomLastMessage(roomId int, at time.Time) error {
	_, err := db.conn.Exec(
		"UPDATE rooms SET last_message_at = $2, updated_at = $2 WHERE id = $1",
		roomId,
		at,
	)
	return err
}

func (db *PgChatRepository) AddReaction(messageId string, accountId int, emoji string, at time.Time) error {
	_, err := db.conn.Exec(
		"INSERT INTO message_reactions (message_id, account_id, emoji, created_at) "+
			"VALUES ($1, $2, $3, $4) ON CONFLICT (message_id, account_id, emoji) DO NOTHING",
		messageId,
		accountId,
		emoji,
		at,
	)
	return err
}

func (db *PgChatRepository) RemoveReaction(messageId string, accountId int, emoji string) error {
	_, err := db.conn.Exec(
		"DELETE FROM message_reactions WHERE message_id = $1 AND account_id = $2 AND emoji = $3",
		messageId,
		accountId,
		emoji,
	)
	return err
}

func (db *PgChatRepository) GetReactions(messageId string) ([]Reaction, error) {
	rows, err := db.conn.Query(
		"SELECT message_id, account_id, emoji, created_at FROM message_reactions "+
			"WHERE message_id = $1 ORDER BY created_at",
		messageId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reactions []Reaction
	for rows.Next() {
		var r Reaction
		if err := rows.Scan(&r.MessageId, &r.AccountId, &r.Emoji, &r.CreatedAt); err != nil {
			return nil, err
		}
		reactions = append(reactions, r)
	}

	return reactions, rows.Err()
}

// AddReceipt unions a delivered/read receipt into the message's receipt set.
// The first timestamp wins; it reports whether a row was actually inserted.
func (db *PgChatRepository) AddReceipt(messageId string, accountId int, kind string, at time.Time) (bool, error) {
	res, err := db.conn.Exec(
		"INSERT INTO message_receipts (message_id, account_id, kind, created_at) "+
			"VALUES ($1, $2, $3, $4) ON CONFLICT (message_id, account_id, kind) DO NOTHING",
		messageId,
		accountId,
		kind,
		at,
	)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

func (db *PgChatRepository) GetReceipts(messageId string) ([]Receipt, error) {
	rows, err := db.conn.Query(
		"SELECT message_id, account_id, kind, created_at FROM message_receipts "+
			"WHERE message_id = $1 ORDER BY created_at",
		messageId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var receipts []Receipt
	for rows.Next() {
		var r Receipt
		if err := rows.Scan(&r.MessageId, &r.AccountId, &r.Kind, &r.CreatedAt); err != nil {
			return nil, err
		}
		receipts = append(receipts, r)
	}

	return receipts, rows.Err()
}

func (db *PgChatRepository) IncrementThreadReplyCount(parentId string, updatedAt time.Time) (int, error) {
	row := db.conn.QueryRow(
		"UPDATE messages SET thread_reply_count = thread_reply_count + 1, updated_at = $2 "+
			"WHERE id = $1 RETURNING thread_reply_count",
		parentId,
		updatedAt,
	)

	var count int
	err := row.Scan(&count)
	return count, err
}

func (db *PgChatRepository) ListDueScheduled(now time.Time, limit int) ([]Message, error) {
	rows, err := db.conn.Query(
		"SELECT "+messageColumns+" FROM messages m JOIN rooms r ON m.room_id = r.id "+
			"WHERE m.dispatch_status = 'pending' AND m.scheduled_for <= $1 "+
			"ORDER BY m.scheduled_for LIMIT $2",
		now,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}

	return msgs, rows.Err()
}

// ClaimScheduled performs the atomic pending->sending transition. Exactly one
// of any number of racing sweepers observes true for a given message.
func (db *PgChatRepository) ClaimScheduled(id string, now time.Time) (bool, error) {
	res, err := db.conn.Exec(
		"UPDATE messages SET dispatch_status = 'sending', updated_at = $2 "+
			"WHERE id = $1 AND dispatch_status = 'pending'",
		id,
		now,
	)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

// MarkScheduledSent promotes a claimed message to a live one. The creation
// time is rewritten to the actual send time, not the original schedule time.
func (db *PgChatRepository) MarkScheduledSent(id string, sentAt time.Time) error {
	_, err := db.conn.Exec(
		"UPDATE messages SET dispatch_status = 'sent', created_at = $2, updated_at = $2 "+
			"WHERE id = $1 AND dispatch_status = 'sending'",
		id,
		sentAt,
	)
	return err
}

func (db *PgChatRepository) MarkScheduledFailed(id string, now time.Time) error {
	_, err := db.conn.Exec(
		"UPDATE messages SET dispatch_status = 'failed', updated_at = $2 "+
			"WHERE id = $1 AND dispatch_status = 'sending'",
		id,
		now,
	)
	return err
}

// CancelScheduled succeeds only while the message is still pending and the
// requester is the original scheduler.
func (db *PgChatRepository) CancelScheduled(id string, requesterId int, now time.Time) (bool, error) {
	res, err := db.conn.Exec(
		"UPDATE messages SET dispatch_status = 'cancelled', updated_at = $3 "+
			"WHERE id = $1 AND sender_id = $2 AND dispatch_status = 'pending'",
		id,
		requesterId,
		now,
	)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n > 0, nil
}
