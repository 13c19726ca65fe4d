package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// SQLiteStorage is a Storage implementation on database/sql. It is written
// against SQLite (modernc.org/sqlite in this module's tests) but only relies
// on standard SQL plus AUTOINCREMENT. The UNIQUE constraint on
// (aggregate_id, version) enforces the version slot check; the rowid gives a
// global commit order, so this storage supports Replay.
type SQLiteStorage struct {
	db        *sql.DB
	tableName string
}

// GetSQLiteStorage returns a SQLite-backed storage, creating the events
// table when it does not exist yet.
func GetSQLiteStorage(ctx context.Context, db *sql.DB, tableName string) (*SQLiteStorage, error) {
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			global_position INTEGER PRIMARY KEY AUTOINCREMENT,
			aggregate_id    TEXT    NOT NULL,
			version         INTEGER NOT NULL,
			event_kind      TEXT    NOT NULL,
			event_data      BLOB,
			UNIQUE (aggregate_id, version)
		)`, tableName)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("could not create events table %s: %w", tableName, err)
	}
	return &SQLiteStorage{db: db, tableName: tableName}, nil
}

// Save implements the Storage interface. All records are inserted in one
// transaction; a unique constraint violation on any version slot rolls the
// whole batch back and surfaces as ErrConcurrencyConflict. The returned
// positions are the AUTOINCREMENT rowids, the same values ReadAll yields.
func (s *SQLiteStorage) Save(ctx context.Context, aggregateID string, records ...Record) ([]int64, error) {
	if len(records) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query := fmt.Sprintf(
		"INSERT INTO %s (aggregate_id, version, event_kind, event_data) VALUES (?, ?, ?, ?)",
		s.tableName,
	)
	positions := make([]int64, 0, len(records))
	for _, record := range records {
		res, err := tx.ExecContext(ctx, query, aggregateID, record.Version, record.Kind, record.Data)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, fmt.Errorf("%w: version %d already exists for aggregate %s",
					ErrConcurrencyConflict, record.Version, aggregateID)
			}
			return nil, err
		}
		position, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		positions = append(positions, position)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return positions, nil
}

// Load implements the Storage interface
func (s *SQLiteStorage) Load(ctx context.Context, aggregateID string, fromVersion, toVersion int) (History, error) {
	query := fmt.Sprintf(
		"SELECT version, event_kind, event_data FROM %s WHERE aggregate_id = ? AND version >= ?",
		s.tableName,
	)
	args := []interface{}{aggregateID, fromVersion}
	if toVersion > 0 {
		query += " AND version <= ?"
		args = append(args, toVersion)
	}
	query += " ORDER BY version"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	history := History{}
	for rows.Next() {
		var record Record
		if err = rows.Scan(&record.Version, &record.Kind, &record.Data); err != nil {
			return nil, err
		}
		history = append(history, record)
	}
	return history, rows.Err()
}

// ReadAll implements the GlobalReader interface
func (s *SQLiteStorage) ReadAll(ctx context.Context, fromPosition int64, limit int) ([]CommittedRecord, error) {
	query := fmt.Sprintf(`
		SELECT global_position, aggregate_id, version, event_kind, event_data
		FROM %s
		WHERE global_position > ?
		ORDER BY global_position
		LIMIT ?`, s.tableName)

	rows, err := s.db.QueryContext(ctx, query, fromPosition, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batch []CommittedRecord
	for rows.Next() {
		var committed CommittedRecord
		err = rows.Scan(
			&committed.GlobalPosition,
			&committed.AggregateID,
			&committed.Version,
			&committed.Kind,
			&committed.Data,
		)
		if err != nil {
			return nil, err
		}
		batch = append(batch, committed)
	}
	return batch, rows.Err()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}
