package follow

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/pgrelay/pgrelay/internal/exit"
	"github.com/pgrelay/pgrelay/pkg/sentinel"
	"github.com/pgrelay/pgrelay/pkg/workdir"
)

type fakeConn struct {
	rows []fakeRow
}

func (f *fakeConn) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (f *fakeConn) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	row := f.rows[0]
	if len(f.rows) > 1 {
		f.rows = f.rows[1:]
	}
	return row
}

type fakeRow struct {
	values []any
}

func (r fakeRow) Scan(dest ...any) error {
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r.values[i].(string)
		case *bool:
			*p = r.values[i].(bool)
		}
	}
	return nil
}

func sentinelRow(apply bool, endpos string) fakeRow {
	return fakeRow{values: []any{"0/1000", endpos, apply, "0/0", "0/0", "0/0"}}
}

func TestWaitForApplyGateReturnsWhenEnabled(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{rows: []fakeRow{sentinelRow(true, "1/0")}}
	sent := sentinel.New(conn)

	values, err := waitForApplyGate(context.Background(), sent, slog.Default())
	require.NoError(t, err)
	require.True(t, values.Apply)
	require.Equal(t, "1/0", values.EndPos.String())
}

func TestWaitForApplyGateHonorsCancellation(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{rows: []fakeRow{sentinelRow(false, "0/0")}}
	sent := sentinel.New(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := waitForApplyGate(ctx, sent, slog.Default())
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunTagsSourceSideErrors(t *testing.T) {
	t.Parallel()

	dir := workdir.New(t.TempDir())
	require.NoError(t, dir.Create(false))

	err := Run(context.Background(), Specs{
		SourceURL: "not a valid connection string",
		TargetURL: "postgres://localhost/dst",
		Dir:       dir,
		Mode:      ModeReceive,
		Log:       slog.Default(),
	})
	require.Error(t, err)
	require.Equal(t, exit.Source, exit.Code(err))
}

func TestSetupTagsSourceSideErrors(t *testing.T) {
	t.Parallel()

	dir := workdir.New(t.TempDir())

	err := Setup(context.Background(), SetupOptions{Specs: Specs{
		SourceURL: "not a valid connection string",
		TargetURL: "postgres://localhost/dst",
		Dir:       dir,
		Log:       slog.Default(),
	}})
	require.Error(t, err)
	require.Equal(t, exit.Source, exit.Code(err))
}

func TestModeStages(t *testing.T) {
	t.Parallel()

	require.True(t, ModeReceive.Receives())
	require.False(t, ModeReceive.Transforms())
	require.False(t, ModeReceive.Applies())

	require.True(t, ModePrefetch.Receives())
	require.True(t, ModePrefetch.Transforms())
	require.False(t, ModePrefetch.Applies())

	require.False(t, ModeCatchup.Receives())
	require.False(t, ModeCatchup.Transforms())
	require.True(t, ModeCatchup.Applies())

	require.True(t, ModeFollow.Receives())
	require.True(t, ModeFollow.Transforms())
	require.True(t, ModeFollow.Applies())

	require.Equal(t, "receive", ModeReceive.String())
	require.Equal(t, "follow", ModeFollow.String())
}
