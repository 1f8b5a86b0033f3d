// Package sentinel manages the control-channel row on the source database
// that coordinates the receiver and the applier when they run as independent
// processes.
//
// The sentinel is a single row (id = 1) in the pgrelay schema holding the
// replication goal (startpos, endpos), the apply gate, and the three
// watermark LSNs last observed (write, flush, replay).  The receiver updates
// write/flush, the applier updates replay, and both read the whole row; the
// source engine's row-level MVCC is the only synchronization needed.
package sentinel

import (
	"context"
	"fmt"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pgrelay/pgrelay/pkg/wal"
)

// Values is the current sentinel row.
type Values struct {
	StartPos  pglogrepl.LSN
	EndPos    pglogrepl.LSN
	Apply     bool
	WriteLSN  pglogrepl.LSN
	FlushLSN  pglogrepl.LSN
	ReplayLSN pglogrepl.LSN
}

// Conn is the subset of pgx.Conn the sentinel needs, small enough to fake in
// tests.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Sentinel issues control-row queries over one source connection.
type Sentinel struct {
	conn Conn
}

// New wraps a source connection; *pgx.Conn satisfies Conn directly.
func New(conn Conn) *Sentinel {
	return &Sentinel{conn: conn}
}

// Setup creates the pgrelay schema and sentinel row.  Re-running it while
// resuming an existing session is an idempotent no-op: the existing row wins.
func (s *Sentinel) Setup(ctx context.Context, startpos, endpos pglogrepl.LSN) error {
	stmts := []string{
		`create schema if not exists pgrelay`,
		`create table if not exists pgrelay.sentinel(
		   id integer primary key check (id = 1),
		   startpos pg_lsn, endpos pg_lsn, apply bool,
		   write_lsn pg_lsn, flush_lsn pg_lsn, replay_lsn pg_lsn
		 )`,
	}
	for _, stmt := range stmts {
		if _, err := s.conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create sentinel table: %w", err)
		}
	}

	_, err := s.conn.Exec(ctx,
		`insert into pgrelay.sentinel
		   (id, startpos, endpos, apply, write_lsn, flush_lsn, replay_lsn)
		 values (1, $1, $2, false, '0/0', '0/0', '0/0')
		 on conflict (id) do nothing`,
		startpos.String(), endpos.String())
	if err != nil {
		return fmt.Errorf("failed to create sentinel row: %w", err)
	}
	return nil
}

// Drop removes the sentinel at cleanup time.
func (s *Sentinel) Drop(ctx context.Context) error {
	if _, err := s.conn.Exec(ctx, `drop table if exists pgrelay.sentinel`); err != nil {
		return fmt.Errorf("failed to drop sentinel table: %w", err)
	}
	return nil
}

// Get returns the current sentinel row.
func (s *Sentinel) Get(ctx context.Context) (Values, error) {
	var (
		v                             Values
		startpos, endpos              string
		writeLSN, flushLSN, replayLSN string
	)
	err := s.conn.QueryRow(ctx,
		`select startpos::text, endpos::text, apply,
		        write_lsn::text, flush_lsn::text, replay_lsn::text
		   from pgrelay.sentinel where id = 1`).
		Scan(&startpos, &endpos, &v.Apply, &writeLSN, &flushLSN, &replayLSN)
	if err != nil {
		return Values{}, fmt.Errorf("failed to read sentinel: %w", err)
	}

	for _, f := range []struct {
		raw string
		dst *pglogrepl.LSN
	}{
		{startpos, &v.StartPos},
		{endpos, &v.EndPos},
		{writeLSN, &v.WriteLSN},
		{flushLSN, &v.FlushLSN},
		{replayLSN, &v.ReplayLSN},
	} {
		lsn, err := wal.ParseLSN(f.raw)
		if err != nil {
			return Values{}, fmt.Errorf("failed to read sentinel: %w", err)
		}
		*f.dst = lsn
	}

	return v, nil
}

// UpdateStartPos sets the replication start position.
func (s *Sentinel) UpdateStartPos(ctx context.Context, startpos pglogrepl.LSN) error {
	return s.update(ctx, `update pgrelay.sentinel set startpos = $1 where id = 1`,
		startpos.String())
}

// UpdateEndPos sets the replication goal.
func (s *Sentinel) UpdateEndPos(ctx context.Context, endpos pglogrepl.LSN) error {
	return s.update(ctx, `update pgrelay.sentinel set endpos = $1 where id = 1`,
		endpos.String())
}

// UpdateApply flips the apply gate: false is prefetch mode (receive and
// transform only), true allows catch-up to proceed.
func (s *Sentinel) UpdateApply(ctx context.Context, apply bool) error {
	return s.update(ctx, `update pgrelay.sentinel set apply = $1 where id = 1`, apply)
}

// UpdateWrittenFlushed records the receiver's write/flush progress.
func (s *Sentinel) UpdateWrittenFlushed(ctx context.Context, write, flush pglogrepl.LSN) error {
	return s.update(ctx,
		`update pgrelay.sentinel set write_lsn = $1, flush_lsn = $2 where id = 1`,
		write.String(), flush.String())
}

// UpdateReplayed records the applier's replay progress.
func (s *Sentinel) UpdateReplayed(ctx context.Context, replay pglogrepl.LSN) error {
	return s.update(ctx,
		`update pgrelay.sentinel set replay_lsn = $1 where id = 1`,
		replay.String())
}

func (s *Sentinel) update(ctx context.Context, sql string, args ...any) error {
	if _, err := s.conn.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("failed to update sentinel: %w", err)
	}
	return nil
}

// CurrentWALFlushLSN returns the source's current WAL flush position, the
// snapshot resolution of `sentinel set endpos --current`.
func (s *Sentinel) CurrentWALFlushLSN(ctx context.Context) (pglogrepl.LSN, error) {
	var raw string
	err := s.conn.QueryRow(ctx, `select pg_current_wal_flush_lsn()::text`).Scan(&raw)
	if err != nil {
		return wal.InvalidLSN, fmt.Errorf("failed to query current wal flush lsn: %w", err)
	}
	return wal.ParseLSN(raw)
}
