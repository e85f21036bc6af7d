// Package cache is the optional on-disk store behind fallback mode: the
// last accepted sync snapshot and recent messages per conversation, so a
// session without realtime can still show stale-but-useful data. The core
// itself keeps no persisted state; a nil *Store disables caching entirely.
package cache

import (
	"encoding/hex"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"golang.org/x/crypto/blake2b"

	"utalk/internal/history"
	"utalk/internal/models"
	"utalk/internal/syncstate"
)

var (
	bucketSnapshots = []byte("snapshots")
	bucketMessages  = []byte("messages")
)

type Store struct {
	db  *bbolt.DB
	now func() time.Time

	// session namespaces all keys; derived from the bearer token so the raw
	// token never hits disk and sessions of different users don't mix.
	session []byte
}

func Open(path, token string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketSnapshots); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketMessages); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &Store{
		db:      db,
		now:     time.Now,
		session: sessionKey(token),
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func sessionKey(token string) []byte {
	sum := blake2b.Sum256([]byte(token))
	return []byte(hex.EncodeToString(sum[:16]))
}

// PutSnapshot stores the latest accepted snapshot for this session,
// replacing any previous one.
func (s *Store) PutSnapshot(snap syncstate.Snapshot) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		rec := &dbSnapshot{
			Version:   snap.Version,
			Data:      snap.Data,
			Timestamp: snap.Timestamp,
			StoredAt:  s.now().Unix(),
		}
		data, err := rec.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(s.session, data)
	})
}

// GetSnapshot returns the stored snapshot, or models.ErrNotFound when the
// session has none.
func (s *Store) GetSnapshot() (syncstate.Snapshot, error) {
	var snap syncstate.Snapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		data := b.Get(s.session)
		if data == nil {
			return models.ErrNotFound
		}
		var rec dbSnapshot
		if err := rec.UnmarshalBinary(data); err != nil {
			return err
		}
		snap = syncstate.Snapshot{
			Version:   rec.Version,
			Data:      rec.Data,
			Timestamp: rec.Timestamp,
		}
		return nil
	})
	return snap, err
}

// AppendMessage stores one history record for a conversation, keyed by
// timestamp and message id. Re-appending the same message overwrites in
// place.
func (s *Store) AppendMessage(conversationID string, rec history.Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		sessBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists(s.session)
		if err != nil {
			return fmt.Errorf("failed to create session bucket: %w", err)
		}
		convBucket, err := sessBucket.CreateBucketIfNotExists([]byte(conversationID))
		if err != nil {
			return fmt.Errorf("failed to create conversation bucket: %w", err)
		}

		msg := &dbMessage{
			Seq:       int64(rec.Seq),
			Timestamp: rec.Timestamp,
			MessageID: rec.MessageID,
			SenderID:  rec.SenderID,
			Content:   rec.Content,
		}
		data, err := msg.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		return convBucket.Put(msg.Key(), data)
	})
}

// RecentMessages returns up to limit most recent cached records for a
// conversation, oldest first.
func (s *Store) RecentMessages(conversationID string, limit int) ([]history.Record, error) {
	var records []history.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		sessBucket := tx.Bucket(bucketMessages).Bucket(s.session)
		if sessBucket == nil {
			return nil
		}
		convBucket := sessBucket.Bucket([]byte(conversationID))
		if convBucket == nil {
			return nil
		}

		c := convBucket.Cursor()
		for k, v := c.Last(); k != nil && len(records) < limit; k, v = c.Prev() {
			var msg dbMessage
			if err := msg.UnmarshalBinary(v); err != nil {
				return err
			}
			records = append(records, history.Record{
				Seq:       history.Seq(msg.Seq),
				Timestamp: msg.Timestamp,
				MessageID: msg.MessageID,
				SenderID:  msg.SenderID,
				Content:   msg.Content,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Cursor walked newest to oldest; flip to chronological order.
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}
