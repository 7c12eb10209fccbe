package main

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestProbeSchema_AllTablesPresent(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT to_regclass").
		WillReturnRows(sqlmock.NewRows([]string{"jobs", "sessions"}).
			AddRow("scheduled_jobs", "sessions"))

	if err := probeSchema(db); err != nil {
		t.Errorf("probeSchema: %v", err)
	}
}

func TestProbeSchema_MissingTable(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	// to_regclass returns NULL for a missing relation.
	mock.ExpectQuery("SELECT to_regclass").
		WillReturnRows(sqlmock.NewRows([]string{"jobs", "sessions"}).
			AddRow(nil, "sessions"))

	if err := probeSchema(db); err == nil {
		t.Error("expected error when scheduled_jobs is missing")
	}
}

func TestProbeSchema_QueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT to_regclass").
		WillReturnError(sqlmock.ErrCancelled)

	if err := probeSchema(db); err == nil {
		t.Error("expected error when the probe query fails")
	}
}
