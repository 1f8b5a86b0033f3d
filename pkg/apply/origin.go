package apply

import (
	"context"
	"fmt"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pgrelay/pgrelay/pkg/wal"
)

// DefaultOrigin is the replication origin node name registered on the target
// database.
const DefaultOrigin = "pgrelay"

// Conn is the subset of pgx.Conn the applier needs; *pgx.Conn satisfies it.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// OriginOID looks up the replication origin, returning 0 when it has not
// been created yet.
func OriginOID(ctx context.Context, conn Conn, name string) (uint32, error) {
	var oid uint32
	err := conn.QueryRow(ctx,
		`select coalesce(pg_replication_origin_oid($1), 0)`, name).Scan(&oid)
	if err != nil {
		return 0, fmt.Errorf("failed to look up replication origin %q: %w", name, err)
	}
	return oid, nil
}

// OriginProgress returns the tracked remote LSN of the origin.
func OriginProgress(ctx context.Context, conn Conn, name string) (pglogrepl.LSN, error) {
	var raw string
	err := conn.QueryRow(ctx,
		`select coalesce(pg_replication_origin_progress($1, true), '0/0')::text`,
		name).Scan(&raw)
	if err != nil {
		return wal.InvalidLSN, fmt.Errorf(
			"failed to read replication origin %q progress: %w", name, err)
	}
	return wal.ParseLSN(raw)
}

// CreateOrigin registers the replication origin on the target and advances
// it to startpos.  When the origin already exists its tracked position is
// accepted if resume is set or the position matches startpos exactly;
// anything else means the target was used by another session and is an
// error.
func CreateOrigin(ctx context.Context, conn Conn, name string,
	startpos pglogrepl.LSN, resume bool) error {

	oid, err := OriginOID(ctx, conn, name)
	if err != nil {
		return err
	}

	if oid == 0 {
		if _, err := conn.Exec(ctx,
			`select pg_replication_origin_create($1)`, name); err != nil {
			return fmt.Errorf("failed to create replication origin %q: %w", name, err)
		}
		if _, err := conn.Exec(ctx,
			`select pg_replication_origin_advance($1, $2)`,
			name, startpos.String()); err != nil {
			return fmt.Errorf("failed to advance replication origin %q: %w", name, err)
		}
		return nil
	}

	lsn, err := OriginProgress(ctx, conn, name)
	if err != nil {
		return err
	}
	if !resume && lsn != startpos {
		return fmt.Errorf("replication origin %q already exists at %s, "+
			"use resume to accept the tracked position", name, lsn)
	}
	return nil
}

// DropOrigin removes the replication origin at cleanup time.  A missing
// origin is not an error.
func DropOrigin(ctx context.Context, conn Conn, name string) error {
	oid, err := OriginOID(ctx, conn, name)
	if err != nil {
		return err
	}
	if oid == 0 {
		return nil
	}
	if _, err := conn.Exec(ctx,
		`select pg_replication_origin_drop($1)`, name); err != nil {
		return fmt.Errorf("failed to drop replication origin %q: %w", name, err)
	}
	return nil
}
