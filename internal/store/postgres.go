package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/commune/realtime/internal/delivery"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// PostgresStore is the production Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool to the given DSN, verifies
// connectivity, and runs any pending schema migrations.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: postgres connection failed: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &PostgresStore{db: db}, nil
}

// runMigrations applies the embedded schema migrations.
func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("store: load migrations: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("store: migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("store: init migrations: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: apply migrations: %w", err)
	}
	return nil
}

// Create inserts the record and reads back the assigned sequence number.
func (s *PostgresStore) Create(ctx context.Context, rec *Record) error {
	if rec.Status == "" {
		rec.Status = delivery.StatusSent
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.UpdatedAt = rec.CreatedAt

	const query = `
		INSERT INTO records (id, channel, kind, sender, body, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING seq`

	err := s.db.QueryRowContext(ctx, query,
		rec.ID, rec.Channel, string(rec.Kind), rec.Sender, rec.Body,
		string(rec.Status), rec.CreatedAt, rec.UpdatedAt,
	).Scan(&rec.Seq)
	if err != nil {
		return fmt.Errorf("store: insert record: %w", err)
	}
	return nil
}

// Get returns the record by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	const query = `
		SELECT seq, id, channel, kind, sender, body, status, created_at, updated_at
		FROM records WHERE id = $1`

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get record: %w", err)
	}
	return rec, nil
}

// UpdateStatus transitions the record's status with an optimistic
// compare-and-set: the UPDATE matches on the expected current status so a
// concurrent transition loses cleanly instead of clobbering.
func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, from, to delivery.Status) (*Record, error) {
	const query = `
		UPDATE records SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING seq, id, channel, kind, sender, body, status, created_at, updated_at`

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, id, string(from), string(to)))
	if errors.Is(err, sql.ErrNoRows) {
		// Distinguish a missing record from a lost CAS.
		if _, getErr := s.Get(ctx, id); errors.Is(getErr, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrStatusConflict
	}
	if err != nil {
		return nil, fmt.Errorf("store: update status: %w", err)
	}
	return rec, nil
}

// ListSince returns channel records after the cursor in ascending Seq order.
func (s *PostgresStore) ListSince(ctx context.Context, channelID string, cursor int64, limit int) ([]Record, error) {
	const query = `
		SELECT seq, id, channel, kind, sender, body, status, created_at, updated_at
		FROM records
		WHERE channel = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3`

	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, query, channelID, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list since: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan record: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate records: %w", err)
	}
	return out, nil
}

// Close closes the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var kind, status string
	err := row.Scan(&rec.Seq, &rec.ID, &rec.Channel, &kind, &rec.Sender,
		&rec.Body, &status, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Kind = Kind(kind)
	rec.Status = delivery.Status(status)
	return &rec, nil
}
