package sentinel

import (
	"context"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

// fakeConn records executed SQL and serves canned rows.
type fakeConn struct {
	execs []string
	args  [][]any
	row   fakeRow
}

func (f *fakeConn) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, sql)
	f.args = append(f.args, args)
	return pgconn.CommandTag{}, nil
}

func (f *fakeConn) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	f.execs = append(f.execs, sql)
	return f.row
}

type fakeRow struct {
	values []any
}

func (r fakeRow) Scan(dest ...any) error {
	for i, d := range dest {
		switch v := d.(type) {
		case *string:
			*v = r.values[i].(string)
		case *bool:
			*v = r.values[i].(bool)
		}
	}
	return nil
}

func TestSetupIsIdempotent(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{}
	s := New(conn)

	require.NoError(t, s.Setup(context.Background(), 0x100, 0x200))

	var insert string
	for _, sql := range conn.execs {
		if strings.Contains(sql, "insert into pgrelay.sentinel") {
			insert = sql
		}
	}
	require.NotEmpty(t, insert)
	require.Contains(t, insert, "on conflict (id) do nothing")
}

func TestGetParsesWatermarks(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{row: fakeRow{values: []any{
		"0/100", "0/0", true, "0/140", "0/130", "0/120",
	}}}
	s := New(conn)

	v, err := s.Get(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 0x100, v.StartPos)
	require.EqualValues(t, 0, v.EndPos)
	require.True(t, v.Apply)
	require.EqualValues(t, 0x140, v.WriteLSN)
	require.EqualValues(t, 0x130, v.FlushLSN)
	require.EqualValues(t, 0x120, v.ReplayLSN)
}

func TestTargetedUpdates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	conn := &fakeConn{}
	s := New(conn)

	require.NoError(t, s.UpdateStartPos(ctx, 0x100))
	require.NoError(t, s.UpdateEndPos(ctx, 0x200))
	require.NoError(t, s.UpdateApply(ctx, true))
	require.NoError(t, s.UpdateWrittenFlushed(ctx, 0x300, 0x2F0))
	require.NoError(t, s.UpdateReplayed(ctx, 0x2E0))

	require.Len(t, conn.execs, 5)
	require.Contains(t, conn.execs[0], "set startpos")
	require.Contains(t, conn.execs[1], "set endpos")
	require.Contains(t, conn.execs[2], "set apply")
	require.Contains(t, conn.execs[3], "set write_lsn = $1, flush_lsn = $2")
	require.Contains(t, conn.execs[4], "set replay_lsn")

	// LSNs cross the wire in their text form
	require.Equal(t, []any{"0/100"}, conn.args[0])
	require.Equal(t, []any{"0/300", "0/2F0"}, conn.args[3])
}

func TestCurrentWALFlushLSN(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{row: fakeRow{values: []any{"16/B374D848"}}}
	s := New(conn)

	lsn, err := s.CurrentWALFlushLSN(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 0x16B374D848, lsn)
}
