package store

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockSQLStore(t *testing.T, numbered bool) (*sqlStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &sqlStore{db: db, name: "MockStore", numbered: numbered}, mock
}

func TestSQLStoreBind(t *testing.T) {
	s := &sqlStore{numbered: true}
	if got := s.bind("SELECT a FROM t WHERE x = ? AND y = ?"); got != "SELECT a FROM t WHERE x = $1 AND y = $2" {
		t.Errorf("numbered bind = %q", got)
	}

	s.numbered = false
	if got := s.bind("SELECT a FROM t WHERE x = ?"); got != "SELECT a FROM t WHERE x = ?" {
		t.Errorf("plain bind = %q", got)
	}
}

func TestSQLStoreGetValue(t *testing.T) {
	s, mock := newMockSQLStore(t, true)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT value FROM kv WHERE key = $1")).
		WithArgs("chat_user_id").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("user_k3j9x0a1b"))

	v, ok, err := s.GetValue(context.Background(), "chat_user_id")
	if err != nil {
		t.Fatalf("GetValue returned error: %v", err)
	}
	if !ok || v != "user_k3j9x0a1b" {
		t.Errorf("GetValue = %q, %v", v, ok)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSQLStoreGetValueError(t *testing.T) {
	s, mock := newMockSQLStore(t, false)
	boom := errors.New("disk I/O error")

	mock.ExpectQuery(regexp.QuoteMeta("SELECT value FROM kv WHERE key = ?")).
		WithArgs("authToken").
		WillReturnError(boom)

	_, ok, err := s.GetValue(context.Background(), "authToken")
	if ok {
		t.Error("expected no value on error")
	}
	if !errors.Is(err, boom) {
		t.Errorf("expected wrapped driver error, got %v", err)
	}
}

func TestSQLStoreRecordInboundDuplicate(t *testing.T) {
	s, mock := newMockSQLStore(t, false)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO inbound_dedup")).
		WithArgs("wamid.1", "15551234567", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := s.RecordInbound(context.Background(), "wamid.1", "15551234567")
	if err != nil {
		t.Fatalf("RecordInbound returned error: %v", err)
	}
	if inserted {
		t.Error("duplicate inbound message should not be inserted")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSQLStoreGetFinalResultMissing(t *testing.T) {
	s, mock := newMockSQLStore(t, false)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT payload FROM final_results WHERE session_id = ?")).
		WithArgs("user_a").
		WillReturnRows(sqlmock.NewRows([]string{"payload"}))

	result, err := s.GetFinalResult(context.Background(), "user_a")
	if err != nil {
		t.Fatalf("GetFinalResult returned error: %v", err)
	}
	if result != nil {
		t.Errorf("expected no final result, got %+v", result)
	}
}
