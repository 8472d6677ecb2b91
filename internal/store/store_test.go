package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/telemyapp/dwarf-link/internal/model"
)

func TestPutState_Upserts(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectExec(regexp.QuoteMeta("insert into device_state (device_address, state_key, state_value, updated_at)")).
		WithArgs("192.168.88.1", "isRecording", "true").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	s := New(mock)
	if err := s.PutState(context.Background(), "192.168.88.1", "isRecording", "true"); err != nil {
		t.Fatalf("PutState returned err: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLoadState_CollectsRows(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	rows := pgxmock.NewRows([]string{"state_key", "state_value"}).
		AddRow("typeIdDwarf", "2").
		AddRow("imagesTaken", "14")
	mock.ExpectQuery(regexp.QuoteMeta("select state_key, state_value")).
		WithArgs("192.168.88.1").
		WillReturnRows(rows)

	s := New(mock)
	out, err := s.LoadState(context.Background(), "192.168.88.1")
	if err != nil {
		t.Fatalf("LoadState returned err: %v", err)
	}
	if out["typeIdDwarf"] != "2" || out["imagesTaken"] != "14" || len(out) != 2 {
		t.Fatalf("unexpected state: %#v", out)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDeleteDevice_RemovesStateAndEvents(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("delete from device_state where device_address = $1")).
		WithArgs("10.0.0.5").
		WillReturnResult(pgxmock.NewResult("DELETE", 9))
	mock.ExpectExec(regexp.QuoteMeta("delete from connection_events where device_address = $1")).
		WithArgs("10.0.0.5").
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectCommit()

	s := New(mock)
	if err := s.DeleteDevice(context.Background(), "10.0.0.5"); err != nil {
		t.Fatalf("DeleteDevice returned err: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDeleteDevice_UnknownReturnsNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("delete from device_state where device_address = $1")).
		WithArgs("10.0.0.9").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectRollback()

	s := New(mock)
	err = s.DeleteDevice(context.Background(), "10.0.0.9")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecordConnectionEvent_AssignsIDAndTime(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectExec(regexp.QuoteMeta("insert into connection_events")).
		WithArgs(pgxmock.AnyArg(), "10.0.0.5", "conn_1", model.EventConnect, "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	s := New(mock)
	err = s.RecordConnectionEvent(context.Background(), model.ConnectionEvent{
		Address:      "10.0.0.5",
		ConnectionID: "conn_1",
		Event:        model.EventConnect,
	})
	if err != nil {
		t.Fatalf("RecordConnectionEvent returned err: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCleanupExpiredConnectionEvents(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectExec(regexp.QuoteMeta("delete from connection_events where created_at <= $1")).
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("DELETE", 4))

	s := New(mock)
	n, err := s.CleanupExpiredConnectionEvents(context.Background(), 30*24*time.Hour)
	if err != nil {
		t.Fatalf("CleanupExpiredConnectionEvents returned err: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4 deleted rows, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPruneStaleDevices(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectExec(regexp.QuoteMeta("delete from device_state")).
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("DELETE", 12))

	s := New(mock)
	n, err := s.PruneStaleDevices(context.Background(), 90*24*time.Hour)
	if err != nil {
		t.Fatalf("PruneStaleDevices returned err: %v", err)
	}
	if n != 12 {
		t.Fatalf("expected 12 deleted rows, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestEnsureSchema_CreatesTables(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectExec(`(?s)create table if not exists device_state.*create table if not exists connection_events`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	if err := New(mock).EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema returned err: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
