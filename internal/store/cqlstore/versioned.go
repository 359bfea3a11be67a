package cqlstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/gocql/gocql"

	ferrors "github.com/aykutalparslan/ferrite/internal/errors"
	"github.com/aykutalparslan/ferrite/internal/sequence"
)

// maxPutAttempts bounds the conditional write loop of Put
const maxPutAttempts = 16

// VersionedTable stores name-addressed records and guards writes with
// lightweight transactions. Every write is conditional, since mixing plain
// and conditional writes on one row is not linearizable.
type VersionedTable struct {
	cluster *Cluster
	get     string
	create  string
	swap    string
}

var _ sequence.VersionedStore = (*VersionedTable)(nil)

// VersionedTable creates the table when missing and returns it
func (c *Cluster) VersionedTable(ctx context.Context, name string) (*VersionedTable, error) {
	if !identifier.MatchString(name) {
		return nil, ferrors.InvalidArgument("invalid cassandra table name", nil).WithDetail("table", name)
	}
	table := c.table(name)
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (name text PRIMARY KEY, value blob, version bigint)", table)
	if err := c.session.Query(ddl).WithContext(ctx).Exec(); err != nil {
		return nil, unavailable(err)
	}
	return &VersionedTable{
		cluster: c,
		get:     fmt.Sprintf("SELECT value, version FROM %s WHERE name = ?", table),
		create:  fmt.Sprintf("INSERT INTO %s (name, value, version) VALUES (?, ?, 1) IF NOT EXISTS", table),
		swap:    fmt.Sprintf("UPDATE %s SET value = ?, version = ? WHERE name = ? IF version = ?", table),
	}, nil
}

func (t *VersionedTable) Get(ctx context.Context, name string) ([]byte, uint64, bool, error) {
	var value []byte
	var version int64
	err := t.cluster.session.Query(t.get, name).
		WithContext(ctx).
		Consistency(gocql.Consistency(gocql.Serial)).
		Scan(&value, &version)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, unavailable(err)
	}
	return value, uint64(version), true, nil
}

func (t *VersionedTable) Create(ctx context.Context, name string, value []byte) (uint64, error) {
	applied, err := t.cluster.session.Query(t.create, name, value).
		WithContext(ctx).
		MapScanCAS(map[string]interface{}{})
	if err != nil {
		return 0, unavailable(err)
	}
	if !applied {
		return 0, sequence.ErrConflict
	}
	return 1, nil
}

func (t *VersionedTable) CompareAndSwap(ctx context.Context, name string, value []byte, version uint64) (uint64, error) {
	applied, err := t.cluster.session.Query(t.swap, value, int64(version+1), name, int64(version)).
		WithContext(ctx).
		MapScanCAS(map[string]interface{}{})
	if err != nil {
		return 0, unavailable(err)
	}
	if !applied {
		return 0, sequence.ErrConflict
	}
	return version + 1, nil
}

func (t *VersionedTable) Put(ctx context.Context, name string, value []byte) error {
	for attempt := 0; attempt < maxPutAttempts; attempt++ {
		_, version, found, err := t.Get(ctx, name)
		if err != nil {
			return err
		}
		if found {
			_, err = t.CompareAndSwap(ctx, name, value, version)
		} else {
			_, err = t.Create(ctx, name, value)
		}
		if !errors.Is(err, sequence.ErrConflict) {
			return err
		}
	}
	return ferrors.Unavailable("put did not converge", ferrors.Conflict(name, maxPutAttempts))
}
