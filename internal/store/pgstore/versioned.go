package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/aykutalparslan/ferrite/internal/sequence"
)

// VersionedTable stores name-addressed records with an optimistic version
// column
type VersionedTable struct {
	db    *DB
	table string
}

var _ sequence.VersionedStore = (*VersionedTable)(nil)

// VersionedTable creates the relation when missing and returns it
func (db *DB) VersionedTable(ctx context.Context, name string) (*VersionedTable, error) {
	table := db.ident(name)
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		name TEXT COLLATE "C" PRIMARY KEY,
		value BYTEA NOT NULL,
		version BIGINT NOT NULL
	)`, table)
	if _, err := db.pool.Exec(ctx, ddl); err != nil {
		return nil, unavailable(err)
	}
	return &VersionedTable{db: db, table: table}, nil
}

func (t *VersionedTable) Get(ctx context.Context, name string) ([]byte, uint64, bool, error) {
	var value []byte
	var version int64
	err := t.db.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT value, version FROM %s WHERE name = $1", t.table), name).
		Scan(&value, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, unavailable(err)
	}
	return value, uint64(version), true, nil
}

func (t *VersionedTable) Create(ctx context.Context, name string, value []byte) (uint64, error) {
	tag, err := t.db.pool.Exec(ctx,
		fmt.Sprintf("INSERT INTO %s (name, value, version) VALUES ($1, $2, 1) ON CONFLICT DO NOTHING", t.table),
		name, value)
	if err != nil {
		return 0, unavailable(err)
	}
	if tag.RowsAffected() == 0 {
		return 0, sequence.ErrConflict
	}
	return 1, nil
}

func (t *VersionedTable) CompareAndSwap(ctx context.Context, name string, value []byte, version uint64) (uint64, error) {
	tag, err := t.db.pool.Exec(ctx,
		fmt.Sprintf("UPDATE %s SET value = $2, version = version + 1 WHERE name = $1 AND version = $3", t.table),
		name, value, int64(version))
	if err != nil {
		return 0, unavailable(err)
	}
	if tag.RowsAffected() == 0 {
		return 0, sequence.ErrConflict
	}
	return version + 1, nil
}

func (t *VersionedTable) Put(ctx context.Context, name string, value []byte) error {
	_, err := t.db.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s AS t (name, value, version) VALUES ($1, $2, 1)
			ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value, version = t.version + 1`, t.table),
		name, value)
	return unavailable(err)
}
