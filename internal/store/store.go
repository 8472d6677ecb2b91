package store

import (
	"context"
	_ "embed"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/telemyapp/dwarf-link/internal/metrics"
	"github.com/telemyapp/dwarf-link/internal/model"
)

var ErrNotFound = errors.New("not found")

//go:embed schema.sql
var schemaSQL string

// Backend names used in metrics labels.
const (
	BackendPostgres = "postgres"
	BackendDynamoDB = "dynamodb"
	BackendMemory   = "memory"
)

// Backend is the persistence surface used by device sessions.
type Backend interface {
	PutState(ctx context.Context, address, key, value string) error
	LoadState(ctx context.Context, address string) (map[string]string, error)
	DeleteDevice(ctx context.Context, address string) error
	RecordConnectionEvent(ctx context.Context, ev model.ConnectionEvent) error
}

// Store is the Postgres backend.
type Store struct {
	db DB
}

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

func New(db DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, schemaSQL)
	return err
}

func (s *Store) PutState(ctx context.Context, address, key, value string) error {
	const q = `
insert into device_state (device_address, state_key, state_value, updated_at)
values ($1, $2, $3, now())
on conflict (device_address, state_key)
do update set state_value = excluded.state_value, updated_at = now()`
	_, err := s.db.Exec(ctx, q, address, key, value)
	countWrite(BackendPostgres, err)
	return err
}

func (s *Store) LoadState(ctx context.Context, address string) (map[string]string, error) {
	const q = `
select state_key, state_value
from device_state
where device_address = $1`
	rows, err := s.db.Query(ctx, q, address)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ListDevices returns every address with persisted state, most recently
// updated first.
func (s *Store) ListDevices(ctx context.Context) ([]string, error) {
	const q = `
select device_address
from device_state
group by device_address
order by max(updated_at) desc`
	rows, err := s.db.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) DeleteDevice(ctx context.Context, address string) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `delete from device_state where device_address = $1`, address)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(ctx, `delete from connection_events where device_address = $1`, address); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) RecordConnectionEvent(ctx context.Context, ev model.ConnectionEvent) error {
	ev = normalizeEvent(ev)
	const q = `
insert into connection_events
  (id, device_address, connection_id, event, detail, created_at)
values
  ($1, $2, $3, $4, $5, $6)`
	_, err := s.db.Exec(ctx, q, ev.ID, ev.Address, ev.ConnectionID, ev.Event, ev.Detail, ev.CreatedAt)
	return err
}

func (s *Store) ListConnectionEvents(ctx context.Context, address string, limit int) ([]model.ConnectionEvent, error) {
	const q = `
select id, device_address, connection_id, event, detail, created_at
from connection_events
where device_address = $1
order by created_at desc
limit $2`
	rows, err := s.db.Query(ctx, q, address, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.ConnectionEvent, 0)
	for rows.Next() {
		var e model.ConnectionEvent
		if err := rows.Scan(&e.ID, &e.Address, &e.ConnectionID, &e.Event, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// CleanupExpiredConnectionEvents deletes audit rows older than retention and
// returns how many were removed.
func (s *Store) CleanupExpiredConnectionEvents(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := s.db.Exec(ctx, `delete from connection_events where created_at <= $1`, time.Now().UTC().Add(-retention))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// PruneStaleDevices removes state for devices whose newest row is older than
// retention.
func (s *Store) PruneStaleDevices(ctx context.Context, retention time.Duration) (int64, error) {
	const q = `
delete from device_state
where device_address in (
  select device_address
  from device_state
  group by device_address
  having max(updated_at) <= $1
)`
	tag, err := s.db.Exec(ctx, q, time.Now().UTC().Add(-retention))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func normalizeEvent(ev model.ConnectionEvent) model.ConnectionEvent {
	if ev.ID == "" {
		ev.ID = "evt_" + uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	return ev
}

func countWrite(backend string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.Default().IncCounter("dwarf_state_writes_total", map[string]string{"backend": backend, "status": status})
}
