package adapters

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

func TestDBAdapter_ValidatePingsHandle(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer mockDB.Close()
	mock.ExpectPing()

	db := sqlx.NewDb(mockDB, "postgres")
	a := NewDBAdapter(DBConfig{DSN: "unused"})

	if err := a.Validate(context.Background(), db); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDBAdapter_DestroyClosesHandle(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	mock.ExpectClose()

	db := sqlx.NewDb(mockDB, "postgres")
	a := NewDBAdapter(DBConfig{})

	if err := a.Destroy(context.Background(), db); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
