// Package store provides storage backends for TaskPipe.
//
// This file implements a bbolt-backed store, the default for a single
// client instance. Each logical table lives in its own bucket; turns are kept
// in a nested bucket per session keyed by big-endian sequence number.
package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/BTreeMap/TaskPipe/internal/models"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketKV       = []byte("kv")
	bucketSessions = []byte("sessions")
	bucketTurns    = []byte("turns")
	bucketResults  = []byte("final_results")
	bucketDedup    = []byte("inbound_dedup")
)

// BoltStore is a Store backed by a single bbolt file.
type BoltStore struct {
	db *bolt.DB
}

// Compile-time checks that BoltStore implements Store and DedupRepo.
var (
	_ Store     = (*BoltStore)(nil)
	_ DedupRepo = (*BoltStore)(nil)
)

// NewBoltStore opens (or creates) the bbolt file named by the DSN option.
// Opening fails after one second if another process holds the file.
func NewBoltStore(opts ...Option) (*BoltStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	path := cfg.DSN
	if path == "" {
		slog.Error("BoltStore path not set")
		return nil, fmt.Errorf("bolt path not set")
	}
	if err := os.MkdirAll(filepath.Dir(path), DefaultDirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		slog.Error("BoltStore.NewBoltStore: open failed", "error", err, "path", path)
		return nil, fmt.Errorf("failed to open bolt database %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketKV, bucketSessions, bucketTurns, bucketResults, bucketDedup} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}
	slog.Debug("BoltStore.NewBoltStore: opened", "path", path)
	return &BoltStore{db: db}, nil
}

func seqKey(seq int) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(seq))
	return key
}

func (s *BoltStore) GetValue(ctx context.Context, key string) (string, bool, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketKV).Get([]byte(key)); v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to get value %s: %w", key, err)
	}
	return string(value), value != nil, nil
}

func (s *BoltStore) SetValue(ctx context.Context, key, value string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).Put([]byte(key), []byte(value))
	})
	if err != nil {
		slog.Error("BoltStore.SetValue: put failed", "error", err, "key", key)
		return fmt.Errorf("failed to set value %s: %w", key, err)
	}
	slog.Debug("BoltStore.SetValue: stored", "key", key)
	return nil
}

func (s *BoltStore) DeleteValue(ctx context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).Delete([]byte(key))
	})
}

func (s *BoltStore) SaveSession(ctx context.Context, session models.Session) error {
	if session.ID == "" {
		return models.ErrEmptySessionID
	}
	now := time.Now().UTC()
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = now
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		if session.CreatedAt.IsZero() {
			session.CreatedAt = now
			if prev := b.Get([]byte(session.ID)); prev != nil {
				var existing models.Session
				if err := json.Unmarshal(prev, &existing); err == nil {
					session.CreatedAt = existing.CreatedAt
				}
			}
		}
		data, err := json.Marshal(session)
		if err != nil {
			return fmt.Errorf("failed to encode session: %w", err)
		}
		slog.Debug("BoltStore.SaveSession: saved", "session_id", session.ID, "state", session.State)
		return b.Put([]byte(session.ID), data)
	})
}

func (s *BoltStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var session *models.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSessions).Get([]byte(id))
		if v == nil {
			return nil
		}
		session = &models.Session{}
		return json.Unmarshal(v, session)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	return session, nil
}

func (s *BoltStore) ListSessions(ctx context.Context) ([]models.Session, error) {
	var sessions []models.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			var session models.Session
			if err := json.Unmarshal(v, &session); err != nil {
				slog.Warn("BoltStore.ListSessions: skipping malformed session", "key", string(k), "error", err)
				return nil
			}
			sessions = append(sessions, session)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

func (s *BoltStore) AppendTurn(ctx context.Context, turn models.Turn) error {
	if err := turn.Validate(); err != nil {
		return err
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketTurns).CreateBucketIfNotExists([]byte(turn.SessionID))
		if err != nil {
			return err
		}
		if k, _ := b.Cursor().Last(); k != nil {
			if last := int(binary.BigEndian.Uint64(k)); last >= turn.Seq {
				return fmt.Errorf("%w: seq %d after %d", ErrTurnOutOfOrder, turn.Seq, last)
			}
		}
		data, err := json.Marshal(turn)
		if err != nil {
			return fmt.Errorf("failed to encode turn: %w", err)
		}
		slog.Debug("BoltStore.AppendTurn: appended", "session_id", turn.SessionID, "seq", turn.Seq, "speaker", turn.Speaker)
		return b.Put(seqKey(turn.Seq), data)
	})
}

func (s *BoltStore) ListTurns(ctx context.Context, sessionID string) ([]models.Turn, error) {
	turns := []models.Turn{}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTurns).Bucket([]byte(sessionID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var turn models.Turn
			if err := json.Unmarshal(v, &turn); err != nil {
				return fmt.Errorf("failed to decode turn: %w", err)
			}
			turns = append(turns, turn)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list turns: %w", err)
	}
	return turns, nil
}

func (s *BoltStore) ClearTurns(ctx context.Context, sessionID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTurns)
		if b.Bucket([]byte(sessionID)) == nil {
			return nil
		}
		return b.DeleteBucket([]byte(sessionID))
	})
}

func (s *BoltStore) SaveFinalResult(ctx context.Context, sessionID string, result models.FinalResult) error {
	payload, err := encodeFinalResult(result)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResults).Put([]byte(sessionID), []byte(payload))
	})
}

func (s *BoltStore) GetFinalResult(ctx context.Context, sessionID string) (*models.FinalResult, error) {
	var payload []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketResults).Get([]byte(sessionID)); v != nil {
			payload = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get final result: %w", err)
	}
	if payload == nil {
		return nil, nil
	}
	return decodeFinalResult(string(payload))
}

func (s *BoltStore) DeleteFinalResult(ctx context.Context, sessionID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResults).Delete([]byte(sessionID))
	})
}

func (s *BoltStore) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketDedup).Get([]byte(messageID)) != nil
		return nil
	})
	return found, err
}

func (s *BoltStore) RecordInbound(ctx context.Context, messageID, sessionID string) (bool, error) {
	inserted := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDedup)
		if b.Get([]byte(messageID)) != nil {
			return nil
		}
		data, err := json.Marshal(DedupRecord{MessageID: messageID, SessionID: sessionID, ReceivedAt: time.Now().UTC()})
		if err != nil {
			return err
		}
		inserted = true
		return b.Put([]byte(messageID), data)
	})
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	return inserted, nil
}

func (s *BoltStore) MarkProcessed(ctx context.Context, messageID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDedup)
		v := b.Get([]byte(messageID))
		if v == nil {
			return nil
		}
		var rec DedupRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("mark processed failed: %w", err)
		}
		now := time.Now().UTC()
		rec.ProcessedAt = &now
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(messageID), data)
	})
}

// Close releases the bbolt file lock.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
