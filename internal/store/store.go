// Package store provides storage backends for TaskPipe.
//
// A store is the client-local storage of a TaskPipe instance: small fixed-key
// values (the session identifier, the bearer token), the persisted
// conversation sessions with their append-only transcripts, and the cached
// final results. The default backend is a bbolt file in the state directory;
// SQLite and PostgreSQL are available for relays that share state.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/TaskPipe/internal/models"
)

// DSN types returned by DetectDSNType.
const (
	DSNTypePostgres = "postgres"
	DSNTypeSQLite   = "sqlite"
	DSNTypeBolt     = "bolt"
	DSNTypeMemory   = "memory"
)

// Store is the persistence contract used by the conversation controller and
// its collaborators. Lookups that find nothing return (nil, nil) or ok=false.
type Store interface {
	GetValue(ctx context.Context, key string) (string, bool, error)
	SetValue(ctx context.Context, key, value string) error
	DeleteValue(ctx context.Context, key string) error

	SaveSession(ctx context.Context, session models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessions(ctx context.Context) ([]models.Session, error)

	AppendTurn(ctx context.Context, turn models.Turn) error
	ListTurns(ctx context.Context, sessionID string) ([]models.Turn, error)
	ClearTurns(ctx context.Context, sessionID string) error

	SaveFinalResult(ctx context.Context, sessionID string, result models.FinalResult) error
	GetFinalResult(ctx context.Context, sessionID string) (*models.FinalResult, error)
	DeleteFinalResult(ctx context.Context, sessionID string) error

	Close() error
}

// Opts holds configuration options for store constructors.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store constructors.
type Option func(*Opts)

// WithDSN sets the connection string or file path of the store.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets a PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return WithDSN(dsn)
}

// WithSQLiteDSN sets a SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return WithDSN(dsn)
}

// WithBoltPath sets a bbolt database file path.
func WithBoltPath(path string) Option {
	return WithDSN(path)
}

// DetectDSNType classifies a DSN. PostgreSQL URLs and key/value DSNs are
// "postgres"; files ending in .db/.sqlite/.sqlite3 (or using the file: scheme)
// are "sqlite"; ":memory:" or "memory" is "memory"; anything else is a bbolt path.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	lower := strings.ToLower(d)
	switch {
	case lower == "" || lower == "memory" || lower == ":memory:":
		return DSNTypeMemory
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"),
		strings.Contains(lower, "host=") && strings.Contains(lower, "dbname="):
		return DSNTypePostgres
	case strings.HasPrefix(lower, "file:"):
		return DSNTypeSQLite
	}
	path := lower
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if strings.HasSuffix(path, ".db") || strings.HasSuffix(path, ".sqlite") || strings.HasSuffix(path, ".sqlite3") {
		return DSNTypeSQLite
	}
	return DSNTypeBolt
}

// Open creates the store matching the DSN type.
func Open(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	kind := DetectDSNType(cfg.DSN)
	slog.Debug("store.Open: selecting backend", "type", kind, "dsn_set", cfg.DSN != "")
	switch kind {
	case DSNTypePostgres:
		return NewPostgresStore(opts...)
	case DSNTypeSQLite:
		return NewSQLiteStore(opts...)
	case DSNTypeBolt:
		return NewBoltStore(opts...)
	case DSNTypeMemory:
		return NewInMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store type %q", kind)
	}
}

// InMemoryStore is a Store kept entirely in process memory.
type InMemoryStore struct {
	mu       sync.RWMutex
	values   map[string]string
	sessions map[string]models.Session
	turns    map[string][]models.Turn
	results  map[string]models.FinalResult
	dedup    map[string]DedupRecord
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		values:   make(map[string]string),
		sessions: make(map[string]models.Session),
		turns:    make(map[string][]models.Turn),
		results:  make(map[string]models.FinalResult),
		dedup:    make(map[string]DedupRecord),
	}
}

func (s *InMemoryStore) GetValue(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *InMemoryStore) SetValue(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *InMemoryStore) DeleteValue(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

func (s *InMemoryStore) SaveSession(ctx context.Context, session models.Session) error {
	if session.ID == "" {
		return models.ErrEmptySessionID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[session.ID]; ok && session.CreatedAt.IsZero() {
		session.CreatedAt = existing.CreatedAt
	}
	s.sessions[session.ID] = session
	return nil
}

func (s *InMemoryStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	return &session, nil
}

func (s *InMemoryStore) ListSessions(ctx context.Context) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sessions := make([]models.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	return sessions, nil
}

func (s *InMemoryStore) AppendTurn(ctx context.Context, turn models.Turn) error {
	if err := turn.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.turns[turn.SessionID]
	if n := len(existing); n > 0 && existing[n-1].Seq >= turn.Seq {
		return fmt.Errorf("%w: seq %d after %d", ErrTurnOutOfOrder, turn.Seq, existing[n-1].Seq)
	}
	s.turns[turn.SessionID] = append(existing, turn)
	return nil
}

func (s *InMemoryStore) ListTurns(ctx context.Context, sessionID string) ([]models.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	turns := make([]models.Turn, len(s.turns[sessionID]))
	copy(turns, s.turns[sessionID])
	return turns, nil
}

func (s *InMemoryStore) ClearTurns(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.turns, sessionID)
	return nil
}

func (s *InMemoryStore) SaveFinalResult(ctx context.Context, sessionID string, result models.FinalResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[sessionID] = result
	return nil
}

func (s *InMemoryStore) GetFinalResult(ctx context.Context, sessionID string) (*models.FinalResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result, ok := s.results[sessionID]
	if !ok {
		return nil, nil
	}
	return &result, nil
}

func (s *InMemoryStore) DeleteFinalResult(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.results, sessionID)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}

// Compile-time check that InMemoryStore implements DedupRepo.
var _ DedupRepo = (*InMemoryStore)(nil)

func (s *InMemoryStore) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.dedup[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(ctx context.Context, messageID, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[messageID]; ok {
		return false, nil
	}
	s.dedup[messageID] = DedupRecord{MessageID: messageID, SessionID: sessionID, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.dedup[messageID]
	if !ok {
		return nil
	}
	now := time.Now()
	rec.ProcessedAt = &now
	s.dedup[messageID] = rec
	return nil
}
