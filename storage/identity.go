package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/hushrelay/internal/logutil"
)

// Source tags recorded in the peer-id history.
const (
	// SourceFirstRegistration marks the transition created together with
	// the identity row itself; old_peer_id is absent.
	SourceFirstRegistration = "first_registration"
	// SourcePeerIDChange marks every later transition.
	SourcePeerIDChange = "peerid_change"
)

// Identity is the durable record for one hash identity. The encrypted
// blob is opaque recovery material; the relay never decrypts it.
type Identity struct {
	Hash          string
	EncryptedBlob []byte
	PeerID        string
	DisplayName   string
	UpdatedAt     time.Time
}

// ChangeRecord is one entry of the append-only peer-id audit log.
type ChangeRecord struct {
	Sequence    int64
	Hash        string
	DisplayName string
	OldPeerID   string
	NewPeerID   string
	Source      string
	OccurredAt  time.Time
}

// UpsertIdentity registers or refreshes the identity for hash. The blob
// is last-write-wins; peerID and displayName keep their stored values
// when nil. Every observed peer-id transition appends exactly one history
// record inside the same transaction, so the per-hash log stays a
// consistent chain even under concurrent upserts.
//
// peerIdChanged reports whether the reachable peer id actually moved to a
// different value, including an identity gaining its first peer id after
// being created without one.
func (s *Store) UpsertIdentity(ctx context.Context, hash string, blob []byte, peerID, displayName *string) (peerIdChanged bool, err error) {
	if hash == "" {
		return false, ErrMissingHash
	}
	if len(blob) == 0 {
		return false, fmt.Errorf("%w: identity blob is empty", ErrValidation)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin identity upsert: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	var (
		storedPeer sql.NullString
		storedName sql.NullString
	)
	row := tx.QueryRowContext(ctx,
		`SELECT peer_id, display_name FROM identities WHERE hash = ?`, hash)
	switch err := row.Scan(&storedPeer, &storedName); {
	case errors.Is(err, sql.ErrNoRows):
		peerIdChanged, err = s.insertIdentity(ctx, tx, hash, blob, peerID, displayName, now)
		if err != nil {
			return false, err
		}
	case err != nil:
		return false, fmt.Errorf("read identity: %w", err)
	default:
		peerIdChanged, err = s.updateIdentity(ctx, tx, hash, blob, peerID, displayName, storedPeer, storedName, now)
		if err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit identity upsert: %w", err)
	}
	return peerIdChanged, nil
}

// insertIdentity handles the no-existing-row branch of the upsert.
func (s *Store) insertIdentity(ctx context.Context, tx *sql.Tx, hash string, blob []byte, peerID, displayName *string, now time.Time) (bool, error) {
	var peerVal, nameVal any
	if peerID != nil {
		peerVal = *peerID
	}
	if displayName != nil {
		nameVal = *displayName
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO identities (hash, encrypted_blob, peer_id, display_name, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		hash, blob, peerVal, nameVal, now); err != nil {
		return false, fmt.Errorf("insert identity: %w", err)
	}

	if peerID == nil {
		// Registration without a reachable peer id, e.g. a recovered
		// identity awaiting reconnection. Valid, nothing to log.
		return false, nil
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO peerid_history (hash, display_name, old_peer_id, new_peer_id, source_tag, occurred_at)
		 VALUES (?, ?, NULL, ?, ?, ?)`,
		hash, nameVal, *peerID, SourceFirstRegistration, now); err != nil {
		return false, fmt.Errorf("append first registration: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"hash":    logutil.TruncateID(hash),
		"peer_id": logutil.TruncateID(*peerID),
	}).Info("identity registered")
	return false, nil
}

// updateIdentity handles the existing-row branch of the upsert.
func (s *Store) updateIdentity(ctx context.Context, tx *sql.Tx, hash string, blob []byte, peerID, displayName *string, storedPeer, storedName sql.NullString, now time.Time) (bool, error) {
	changed := peerID != nil && (!storedPeer.Valid || storedPeer.String != *peerID)

	if changed {
		historyName := storedName
		if displayName != nil {
			historyName = sql.NullString{String: *displayName, Valid: true}
		}
		var oldPeer any
		if storedPeer.Valid {
			oldPeer = storedPeer.String
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO peerid_history (hash, display_name, old_peer_id, new_peer_id, source_tag, occurred_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			hash, nullableNullString(historyName), oldPeer, *peerID, SourcePeerIDChange, now); err != nil {
			return false, fmt.Errorf("append peer id change: %w", err)
		}

		logrus.WithFields(logrus.Fields{
			"hash":        logutil.TruncateID(hash),
			"old_peer_id": logutil.TruncateID(stringOrEmpty(storedPeer)),
			"new_peer_id": logutil.TruncateID(*peerID),
		}).Info("peer id changed")
	}

	var peerVal, nameVal any
	if peerID != nil {
		peerVal = *peerID
	}
	if displayName != nil {
		nameVal = *displayName
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE identities
		 SET encrypted_blob = ?,
		     peer_id = COALESCE(?, peer_id),
		     display_name = COALESCE(?, display_name),
		     updated_at = ?
		 WHERE hash = ?`,
		blob, peerVal, nameVal, now, hash); err != nil {
		return false, fmt.Errorf("update identity: %w", err)
	}

	return changed, nil
}

// RecoverIdentity returns the full identity record for hash, including
// the encrypted recovery blob.
func (s *Store) RecoverIdentity(ctx context.Context, hash string) (Identity, bool, error) {
	if hash == "" {
		return Identity{}, false, ErrMissingHash
	}

	var (
		ident Identity
		peer  sql.NullString
		name  sql.NullString
	)
	row := s.db.QueryRowContext(ctx,
		`SELECT hash, encrypted_blob, peer_id, display_name, updated_at
		 FROM identities WHERE hash = ?`, hash)
	switch err := row.Scan(&ident.Hash, &ident.EncryptedBlob, &peer, &name, &ident.UpdatedAt); {
	case errors.Is(err, sql.ErrNoRows):
		return Identity{}, false, nil
	case err != nil:
		return Identity{}, false, fmt.Errorf("recover identity: %w", err)
	}

	ident.PeerID = stringOrEmpty(peer)
	ident.DisplayName = stringOrEmpty(name)
	return ident, true, nil
}

// DirectoryLookup is the public projection of an identity: current peer
// id and display name, no blob. found is true for any registered hash,
// even one whose peer id is still absent.
func (s *Store) DirectoryLookup(ctx context.Context, hash string) (peerID, displayName string, found bool, err error) {
	if hash == "" {
		return "", "", false, ErrMissingHash
	}

	var peer, name sql.NullString
	row := s.db.QueryRowContext(ctx,
		`SELECT peer_id, display_name FROM identities WHERE hash = ?`, hash)
	switch err := row.Scan(&peer, &name); {
	case errors.Is(err, sql.ErrNoRows):
		return "", "", false, nil
	case err != nil:
		return "", "", false, fmt.Errorf("directory lookup: %w", err)
	}

	return stringOrEmpty(peer), stringOrEmpty(name), true, nil
}

// PeerIDHistory returns the recorded transitions for hash in append
// order.
func (s *Store) PeerIDHistory(ctx context.Context, hash string) ([]ChangeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence, hash, display_name, old_peer_id, new_peer_id, source_tag, occurred_at
		 FROM peerid_history WHERE hash = ? ORDER BY sequence ASC`, hash)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []ChangeRecord
	for rows.Next() {
		var (
			rec     ChangeRecord
			name    sql.NullString
			oldPeer sql.NullString
		)
		if err := rows.Scan(&rec.Sequence, &rec.Hash, &name, &oldPeer, &rec.NewPeerID, &rec.Source, &rec.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		rec.DisplayName = stringOrEmpty(name)
		rec.OldPeerID = stringOrEmpty(oldPeer)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return out, nil
}

func nullableNullString(v sql.NullString) any {
	if v.Valid {
		return v.String
	}
	return nil
}
