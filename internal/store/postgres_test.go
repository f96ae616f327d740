package store

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	apperrors "github.com/r3e-network/investment-core/infrastructure/errors"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(sqlx.NewDb(db, "postgres")), mock
}

func TestPostgresStore_GetUser_NotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT id, email, created_at FROM users WHERE id = \\$1").
		WithArgs("missing-user").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "created_at"}))

	_, err := s.GetUser(context.Background(), "missing-user")
	se, ok := err.(*apperrors.ServiceError)
	if !ok || se.Code != apperrors.ErrCodeNotFound {
		t.Fatalf("GetUser() error = %v, want a NotFound ServiceError", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_UpsertCustodian_GeneratesIDAndUpserts(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO custodians").
		WithArgs(sqlmock.AnyArg(), "alpaca", sqlmock.AnyArg(), true).
		WillReturnResult(sqlmock.NewResult(1, 1))

	c := &Custodian{Name: "alpaca", Healthy: true}
	if err := s.UpsertCustodian(context.Background(), c); err != nil {
		t.Fatalf("UpsertCustodian() error = %v", err)
	}
	if c.ID == "" {
		t.Error("UpsertCustodian() did not assign an ID")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_ListCustodians_ScansCapabilities(t *testing.T) {
	s, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"id", "name", "capabilities", "healthy"}).
		AddRow("c1", "alpaca", []byte(`["trade","read-balance"]`), true).
		AddRow("c2", "plaid", []byte(`["read-balance","read-holdings"]`), false)
	mock.ExpectQuery("SELECT id, name, capabilities, healthy FROM custodians").WillReturnRows(rows)

	custodians, err := s.ListCustodians(context.Background())
	if err != nil {
		t.Fatalf("ListCustodians() error = %v", err)
	}
	if len(custodians) != 2 {
		t.Fatalf("len(custodians) = %d, want 2", len(custodians))
	}
	if len(custodians[0].Capabilities) != 2 {
		t.Errorf("custodians[0].Capabilities = %v, want 2 entries", custodians[0].Capabilities)
	}
	if custodians[1].Healthy {
		t.Error("custodians[1].Healthy = true, want false")
	}
}

func TestPostgresStore_GetCustodian_DatabaseErrorWraps(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT id, name, capabilities, healthy FROM custodians WHERE id = \\$1").
		WithArgs("c1").
		WillReturnError(context.DeadlineExceeded)

	_, err := s.GetCustodian(context.Background(), "c1")
	if err == nil {
		t.Fatal("GetCustodian() error = nil, want a wrapped database error")
	}
}
