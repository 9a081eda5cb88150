package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultRetention is how long undelivered messages are kept before the
// sweeper removes them.
const DefaultRetention = 24 * time.Hour

// Message is a pending encrypted blob awaiting delivery. The relay never
// inspects Payload; it stores and forwards it verbatim. At least one of
// ToHash and ToPeer is always set.
type Message struct {
	ID        string
	ToHash    string
	ToPeer    string
	Payload   []byte
	CreatedAt time.Time
}

// EnqueueMessage inserts msg if its id is not already present. Duplicate
// ids are absorbed silently so producers can retry without creating
// copies. A message with no recipient or no payload is rejected
// synchronously with an ErrValidation-wrapped error.
func (s *Store) EnqueueMessage(ctx context.Context, msg Message) error {
	if msg.ToHash == "" && msg.ToPeer == "" {
		return ErrMissingRecipient
	}
	if len(msg.Payload) == 0 {
		return ErrEmptyPayload
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO messages (id, to_hash, to_peer, data, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		msg.ID, nullable(msg.ToHash), nullable(msg.ToPeer), msg.Payload, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("enqueue message: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		logrus.WithFields(logrus.Fields{
			"message_id": msg.ID,
		}).Debug("duplicate message id, insert ignored")
	}
	return nil
}

// MessagesForHash returns all pending messages addressed to hash, oldest
// first. Messages are not deleted; acknowledgement is a separate step so
// a crash after delivery still leaves the message redeliverable.
func (s *Store) MessagesForHash(ctx context.Context, hash string) ([]Message, error) {
	return s.queryMessages(ctx,
		`SELECT id, to_hash, to_peer, data, created_at FROM messages
		 WHERE to_hash = ? ORDER BY created_at ASC, id ASC`, hash)
}

// MessagesForPeer returns all pending messages addressed to peerID,
// oldest first.
func (s *Store) MessagesForPeer(ctx context.Context, peerID string) ([]Message, error) {
	return s.queryMessages(ctx,
		`SELECT id, to_hash, to_peer, data, created_at FROM messages
		 WHERE to_peer = ? ORDER BY created_at ASC, id ASC`, peerID)
}

// LegacyPeerMessages returns pending messages addressed to peerID with no
// hash destination at all. Clients that predate hash addressing queue
// messages this way; the join drain checks this channel in addition to
// the two primary ones.
func (s *Store) LegacyPeerMessages(ctx context.Context, peerID string) ([]Message, error) {
	return s.queryMessages(ctx,
		`SELECT id, to_hash, to_peer, data, created_at FROM messages
		 WHERE to_peer = ? AND to_hash IS NULL ORDER BY created_at ASC, id ASC`, peerID)
}

// DeleteMessage removes a message by id, typically as the recipient's
// acknowledgement. Deleting an id that does not exist is not an error;
// the bool reports whether a row was removed.
func (s *Store) DeleteMessage(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete message: %w", err)
	}
	return n > 0, nil
}

// SweepExpired deletes every message older than retention and returns how
// many were removed. A retention of zero removes all stored messages.
func (s *Store) SweepExpired(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE created_at <= ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep expired messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep expired messages: %w", err)
	}

	if n > 0 {
		logrus.WithFields(logrus.Fields{
			"swept":     n,
			"retention": retention,
		}).Info("expired messages removed")
	}
	return n, nil
}

// PendingCount returns the number of stored messages, for the admin
// surface and tests.
func (s *Store) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			msg    Message
			toHash sql.NullString
			toPeer sql.NullString
		)
		if err := rows.Scan(&msg.ID, &toHash, &toPeer, &msg.Payload, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.ToHash = stringOrEmpty(toHash)
		msg.ToPeer = stringOrEmpty(toPeer)
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}
