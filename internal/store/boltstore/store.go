package boltstore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/suPer8Hu/convsync/internal/session"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketDrafts  = []byte("drafts")
	bucketSession = []byte("session")

	keyActive = []byte("active")
	keyUserID = []byte("user_id")
)

// Store keeps the CLI's transient state in one bbolt file. The file is
// opened per operation so several convctl processes can share it; bbolt's
// file lock serialises them.
type Store struct {
	path    string
	timeout time.Duration
}

var _ session.Holding = (*Store)(nil)

func New(path string) *Store {
	return &Store{path: path, timeout: 2 * time.Second}
}

func (s *Store) Path() string { return s.path }

func (s *Store) open() (*bolt.DB, error) {
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return bolt.Open(s.path, 0o600, &bolt.Options{Timeout: s.timeout})
}

func (s *Store) update(fn func(tx *bolt.Tx) error) error {
	db, err := s.open()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	return db.Update(fn)
}

func (s *Store) view(fn func(tx *bolt.Tx) error) error {
	db, err := s.open()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	return db.View(fn)
}

func (s *Store) AddDraft(ctx context.Context, d session.Draft) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	enc, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return s.update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketDrafts)
		if err != nil {
			return err
		}
		return b.Put([]byte(d.ID), enc)
	})
}

// TakeDrafts reads and drops the drafts bucket in one write transaction.
func (s *Store) TakeDrafts(ctx context.Context) ([]session.Draft, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []session.Draft
	err := s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDrafts)
		if b == nil {
			return nil
		}
		if err := b.ForEach(func(k, v []byte) error {
			var d session.Draft
			if err := json.Unmarshal(v, &d); err != nil {
				// skip malformed
				return nil
			}
			out = append(out, d)
			return nil
		}); err != nil {
			return err
		}
		return tx.DeleteBucket(bucketDrafts)
	})
	if err != nil {
		return nil, err
	}
	session.SortDrafts(out)
	return out, nil
}

// PeekDrafts lists held drafts without taking them.
func (s *Store) PeekDrafts(ctx context.Context) ([]session.Draft, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []session.Draft
	err := s.view(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDrafts)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var d session.Draft
			if err := json.Unmarshal(v, &d); err == nil {
				out = append(out, d)
			}
			return nil
		})
	})
	session.SortDrafts(out)
	return out, err
}

func (s *Store) SetActive(ctx context.Context, a session.ActiveConversation) error {
	enc, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return s.put(ctx, keyActive, enc)
}

func (s *Store) Active(ctx context.Context) (*session.ActiveConversation, error) {
	raw, err := s.get(ctx, keyActive)
	if err != nil || raw == nil {
		return nil, err
	}
	var a session.ActiveConversation
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) ClearActive(ctx context.Context) error {
	return s.del(ctx, keyActive)
}

// SetUser saves the signed-in user id for later convctl runs. Zero signs out.
func (s *Store) SetUser(ctx context.Context, userID uint64) error {
	if userID == 0 {
		return s.del(ctx, keyUserID)
	}
	return s.put(ctx, keyUserID, []byte(strconv.FormatUint(userID, 10)))
}

// User returns the saved user id, or 0.
func (s *Store) User(ctx context.Context) (uint64, error) {
	raw, err := s.get(ctx, keyUserID)
	if err != nil || raw == nil {
		return 0, err
	}
	id, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, errors.New("boltstore: corrupt user id")
	}
	return id, nil
}

func (s *Store) put(ctx context.Context, key, val []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketSession)
		if err != nil {
			return err
		}
		return b.Put(key, val)
	})
}

func (s *Store) get(ctx context.Context, key []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := s.view(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSession)
		if b == nil {
			return nil
		}
		if v := b.Get(key); v != nil {
			// v is only valid inside the transaction
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

func (s *Store) del(ctx context.Context, key []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSession)
		if b == nil {
			return nil
		}
		return b.Delete(key)
	})
}
