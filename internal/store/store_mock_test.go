package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/veritrail/veritrail/internal/audit"
)

// Mocked-driver tests cover failure paths a healthy SQLite file will not
// produce: write errors mid-transaction and commit failures. They pin
// down that every such failure rolls back and surfaces as
// audit.ErrAppendAborted.

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("creating sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Store{db: db}, mock
}

func TestAppendEntry_InsertFailureRollsBack(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO audit_entries").
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err := s.AppendEntry(context.Background(), testEntry("acme", 1, "sha256:genesis"))
	if !errors.Is(err, audit.ErrAppendAborted) {
		t.Fatalf("expected ErrAppendAborted, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestAppendEntry_HeadUpdateFailureRollsBack(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO audit_entries").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE chain_heads").
		WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	err := s.AppendEntry(context.Background(), testEntry("acme", 1, "sha256:genesis"))
	if !errors.Is(err, audit.ErrAppendAborted) {
		t.Fatalf("expected ErrAppendAborted, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestAppendEntry_CommitFailureIsAborted(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO audit_entries").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE chain_heads").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(errors.New("disk full"))

	err := s.AppendEntry(context.Background(), testEntry("acme", 1, "sha256:genesis"))
	if !errors.Is(err, audit.ErrAppendAborted) {
		t.Fatalf("expected ErrAppendAborted, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSealBatch_StampFailureRollsBack(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO sealed_batches").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE audit_entries SET sealed_batch_id").
		WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	batch := audit.SealedBatch{
		BatchID: "batch-1", TenantID: "acme", FromSeq: 1, ToSeq: 3,
		MerkleRoot: "sha256:root", Signature: "sig", SealedAt: time.Now().UTC(),
	}
	if err := s.SealBatch(context.Background(), batch); err == nil {
		t.Fatal("expected stamp failure to surface")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
