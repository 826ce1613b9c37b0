package seenset

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	sqlSeenTableName    = "notesync_seen"
	sqlSeenStoreKey     = "default"
	sqlOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type sqlDialect struct {
	driver      string
	createTable string
	selectIDs   string
	insertID    string
}

var postgresDialect = sqlDialect{
	driver: "postgres",
	createTable: `
		CREATE TABLE IF NOT EXISTS %s (
			store_key TEXT NOT NULL,
			file_id TEXT NOT NULL,
			position BIGINT NOT NULL,
			seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (store_key, file_id)
		)`,
	selectIDs: "SELECT file_id FROM %s WHERE store_key = $1 ORDER BY position ASC",
	insertID:  "INSERT INTO %s (store_key, file_id, position) VALUES ($1, $2, $3) ON CONFLICT (store_key, file_id) DO NOTHING",
}

var sqliteDialect = sqlDialect{
	driver: "sqlite",
	createTable: `
		CREATE TABLE IF NOT EXISTS %s (
			store_key TEXT NOT NULL,
			file_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			seen_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (store_key, file_id)
		)`,
	selectIDs: "SELECT file_id FROM %s WHERE store_key = ? ORDER BY position ASC",
	insertID:  "INSERT OR IGNORE INTO %s (store_key, file_id, position) VALUES (?, ?, ?)",
}

// SQLStore persists the set as rows. Rows are never deleted, so Save only
// inserts the ids it has not written or read before; the table still ends up
// holding the complete set. An empty table reads as "nothing persisted",
// which makes bootstrap a no-op beyond creating the table.
type SQLStore struct {
	dsn       string
	dialect   sqlDialect
	tableName string
	storeKey  string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	mu        sync.Mutex
	persisted map[string]struct{}
	inserts   int
}

func NewPostgresStore(dsn string) (*SQLStore, error) {
	return newSQLStore(dsn, postgresDialect)
}

// NewSQLiteStore opens a database file through the pure-Go sqlite driver.
func NewSQLiteStore(path string) (*SQLStore, error) {
	return newSQLStore(path, sqliteDialect)
}

func newSQLStore(dsn string, dialect sqlDialect) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidDSN
	}
	return &SQLStore{
		dsn:       dsn,
		dialect:   dialect,
		tableName: sqlSeenTableName,
		storeKey:  sqlSeenStoreKey,
		openDB:    sql.Open,
		persisted: map[string]struct{}{},
	}, nil
}

func (b *SQLStore) Load() (*Snapshot, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()

	rows, err := b.db.QueryContext(ctx, fmt.Sprintf(b.dialect.selectIDs, quoteIdentifier(b.tableName)), b.storeKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	for _, id := range ids {
		b.persisted[id] = struct{}{}
	}
	b.mu.Unlock()
	if len(ids) == 0 {
		return nil, nil
	}
	return &Snapshot{IDs: ids}, nil
}

func (b *SQLStore) Save(snapshot *Snapshot) error {
	if snapshot == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	type pendingID struct {
		id       string
		position int
	}
	var pending []pendingID
	for position, id := range snapshot.IDs {
		if _, ok := b.persisted[id]; !ok {
			pending = append(pending, pendingID{id: id, position: position})
		}
	}
	if len(pending) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
	defer cancel()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	query := fmt.Sprintf(b.dialect.insertID, quoteIdentifier(b.tableName))
	for _, p := range pending {
		if _, err := tx.ExecContext(ctx, query, b.storeKey, p.id, p.position); err != nil {
			return err
		}
		b.inserts++
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	for _, p := range pending {
		b.persisted[p.id] = struct{}{}
	}
	return nil
}

func (b *SQLStore) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLStore) ensureReady() error {
	if b == nil {
		return ErrInvalidDSN
	}
	b.initOnce.Do(func() {
		db, err := b.openDB(b.dialect.driver, b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()
		if _, err := db.ExecContext(ctx, fmt.Sprintf(b.dialect.createTable, quoteIdentifier(b.tableName))); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
