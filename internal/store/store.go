// Package store persists processed telemetry records in SQLite or Postgres.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/romanborysenkov/IoT-Project/internal/model"
)

// ErrNotFound is returned when a record id does not exist.
var ErrNotFound = errors.New("record not found")

// Timestamps are stored as fixed-width UTC text so they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// Dialects understood by Open.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// Store wraps the database handle and schema lifecycle.
type Store struct {
	db      *sqlx.DB
	dialect string
}

// Open connects to dsn. A postgres:// or postgresql:// URL selects Postgres;
// anything else is treated as a SQLite file path.
func Open(dsn string) (*Store, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err := sqlx.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxIdleTime(5 * time.Minute)
		return &Store{db: db, dialect: DialectPostgres}, nil
	}

	if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	raw, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dsn))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	raw.SetMaxOpenConns(1)
	raw.SetConnMaxLifetime(0)
	raw.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: sqlx.NewDb(raw, "sqlite"), dialect: DialectSQLite}, nil
}

// Dialect returns DialectSQLite or DialectPostgres.
func (s *Store) Dialect() string { return s.dialect }

// Close releases the database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InitSchema creates the tables if they do not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	idColumn, tsType := "INTEGER PRIMARY KEY AUTOINCREMENT", "TEXT"
	if s.dialect == DialectPostgres {
		idColumn, tsType = "BIGSERIAL PRIMARY KEY", "TIMESTAMPTZ"
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS processed_agent_data (
			id ` + idColumn + `,
			road_state TEXT NOT NULL,
			user_id BIGINT NOT NULL,
			x DOUBLE PRECISION NOT NULL,
			y DOUBLE PRECISION NOT NULL,
			z DOUBLE PRECISION NOT NULL,
			latitude DOUBLE PRECISION NOT NULL,
			longitude DOUBLE PRECISION NOT NULL,
			timestamp ` + tsType + ` NOT NULL,
			accepted_at ` + tsType + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_processed_agent_data_user ON processed_agent_data(user_id, id)`,
		`CREATE TABLE IF NOT EXISTS ingestion_errors (
			id ` + idColumn + `,
			source TEXT NOT NULL,
			payload TEXT,
			error TEXT NOT NULL,
			created_at ` + tsType + ` NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// recordRow is the scan target; timestamps travel as text for both drivers.
type recordRow struct {
	ID         int64   `db:"id"`
	RoadState  string  `db:"road_state"`
	UserID     int64   `db:"user_id"`
	X          float64 `db:"x"`
	Y          float64 `db:"y"`
	Z          float64 `db:"z"`
	Latitude   float64 `db:"latitude"`
	Longitude  float64 `db:"longitude"`
	Timestamp  string  `db:"timestamp"`
	AcceptedAt string  `db:"accepted_at"`
}

func (r recordRow) stored() (model.StoredRecord, error) {
	ts, err := parseTime(r.Timestamp)
	if err != nil {
		return model.StoredRecord{}, fmt.Errorf("record %d timestamp: %w", r.ID, err)
	}
	accepted, err := parseTime(r.AcceptedAt)
	if err != nil {
		return model.StoredRecord{}, fmt.Errorf("record %d accepted_at: %w", r.ID, err)
	}
	return model.StoredRecord{
		ID: r.ID,
		FlatRecord: model.FlatRecord{
			RoadState: model.RoadState(r.RoadState),
			UserID:    r.UserID,
			X:         r.X,
			Y:         r.Y,
			Z:         r.Z,
			Latitude:  r.Latitude,
			Longitude: r.Longitude,
			Timestamp: ts,
		},
		AcceptedAt: accepted,
	}, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts.UTC(), nil
	}
	return model.ParseTimestamp(s)
}

const recordColumns = `id, road_state, user_id, x, y, z, latitude, longitude, timestamp, accepted_at`

// InsertBatch stores recs in one transaction and returns them with their
// assigned ids, in input order. Nothing is stored if any insert fails.
func (s *Store) InsertBatch(ctx context.Context, recs []model.FlatRecord) ([]model.StoredRecord, error) {
	if len(recs) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin insert batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := tx.Rebind(`INSERT INTO processed_agent_data
		(road_state, user_id, x, y, z, latitude, longitude, timestamp, accepted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`)

	accepted := time.Now().UTC()
	out := make([]model.StoredRecord, 0, len(recs))
	for _, rec := range recs {
		var id int64
		err := tx.QueryRowxContext(ctx, query,
			string(rec.RoadState),
			rec.UserID,
			rec.X,
			rec.Y,
			rec.Z,
			rec.Latitude,
			rec.Longitude,
			formatTime(rec.Timestamp),
			formatTime(accepted),
		).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("insert record: %w", err)
		}
		rec.Timestamp = rec.Timestamp.UTC()
		out = append(out, model.StoredRecord{ID: id, FlatRecord: rec, AcceptedAt: accepted})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit insert batch: %w", err)
	}
	return out, nil
}

// GetRecord returns one record by id.
func (s *Store) GetRecord(ctx context.Context, id int64) (model.StoredRecord, error) {
	var row recordRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+recordColumns+` FROM processed_agent_data WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.StoredRecord{}, ErrNotFound
	}
	if err != nil {
		return model.StoredRecord{}, fmt.Errorf("get record: %w", err)
	}
	return row.stored()
}

// ListFilter narrows ListRecords. Zero values mean no constraint.
type ListFilter struct {
	UserID  *int64
	AfterID int64
	Since   time.Time
	Limit   int
}

// ListRecords returns records in id order.
func (s *Store) ListRecords(ctx context.Context, f ListFilter) ([]model.StoredRecord, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	var (
		where []string
		args  []any
	)
	if f.UserID != nil {
		where = append(where, "user_id = ?")
		args = append(args, *f.UserID)
	}
	if f.AfterID > 0 {
		where = append(where, "id > ?")
		args = append(args, f.AfterID)
	}
	if !f.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, formatTime(f.Since))
	}

	query := `SELECT ` + recordColumns + ` FROM processed_agent_data`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)

	var rows []recordRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}

	out := make([]model.StoredRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.stored()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// UpdateRecord replaces the fields of an existing record. Its id and
// accepted_at are kept.
func (s *Store) UpdateRecord(ctx context.Context, id int64, rec model.FlatRecord) (model.StoredRecord, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE processed_agent_data
		SET road_state = ?, user_id = ?, x = ?, y = ?, z = ?, latitude = ?, longitude = ?, timestamp = ?
		WHERE id = ?`),
		string(rec.RoadState),
		rec.UserID,
		rec.X,
		rec.Y,
		rec.Z,
		rec.Latitude,
		rec.Longitude,
		formatTime(rec.Timestamp),
		id,
	)
	if err != nil {
		return model.StoredRecord{}, fmt.Errorf("update record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.StoredRecord{}, fmt.Errorf("update record: %w", err)
	}
	if n == 0 {
		return model.StoredRecord{}, ErrNotFound
	}
	return s.GetRecord(ctx, id)
}

// DeleteRecord removes a record and returns what was deleted.
func (s *Store) DeleteRecord(ctx context.Context, id int64) (model.StoredRecord, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return model.StoredRecord{}, fmt.Errorf("begin delete record: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var row recordRow
	err = tx.GetContext(ctx, &row, tx.Rebind(`SELECT `+recordColumns+` FROM processed_agent_data WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.StoredRecord{}, ErrNotFound
	}
	if err != nil {
		return model.StoredRecord{}, fmt.Errorf("delete record: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM processed_agent_data WHERE id = ?`), id); err != nil {
		return model.StoredRecord{}, fmt.Errorf("delete record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.StoredRecord{}, fmt.Errorf("commit delete record: %w", err)
	}
	return row.stored()
}

// InsertIngestionError records a payload the API rejected.
func (s *Store) InsertIngestionError(ctx context.Context, e model.IngestionError) error {
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`INSERT INTO ingestion_errors (source, payload, error, created_at) VALUES (?, ?, ?, ?)`),
		e.Source,
		e.Payload,
		e.Error,
		formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("insert ingestion error: %w", err)
	}
	return nil
}

// CountIngestionErrors returns the number of logged rejections.
func (s *Store) CountIngestionErrors(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM ingestion_errors`); err != nil {
		return 0, fmt.Errorf("count ingestion errors: %w", err)
	}
	return n, nil
}
