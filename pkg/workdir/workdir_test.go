package workdir

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pgrelay/pgrelay/pkg/wal"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsStablePerSource(t *testing.T) {
	t.Parallel()

	a := Default("postgres://src1/db")
	b := Default("postgres://src1/db")
	c := Default("postgres://src2/db")

	require.Equal(t, a.Root, b.Root)
	require.NotEqual(t, a.Root, c.Root)
	require.Contains(t, filepath.Base(a.Root), "pgrelay_")
}

func TestCreateAndRestart(t *testing.T) {
	t.Parallel()

	dir := New(filepath.Join(t.TempDir(), "work"))
	require.NoError(t, dir.Create(false))

	stale := dir.SegmentPath("000000010000000000000001")
	require.NoError(t, os.WriteFile(stale, []byte("{}\n"), 0o644))

	// a plain create keeps existing content
	require.NoError(t, dir.Create(false))
	_, err := os.Stat(stale)
	require.NoError(t, err)

	// restart wipes the cdc directory
	require.NoError(t, dir.Create(true))
	_, err = os.Stat(stale)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestLatestSymlink(t *testing.T) {
	t.Parallel()

	dir := New(filepath.Join(t.TempDir(), "work"))
	require.NoError(t, dir.Create(false))

	latest, err := dir.Latest()
	require.NoError(t, err)
	require.Empty(t, latest)

	first := dir.SegmentPath("000000010000000000000001") + PartialSuffix
	require.NoError(t, os.WriteFile(first, nil, 0o644))
	require.NoError(t, dir.SetLatest(first))

	latest, err = dir.Latest()
	require.NoError(t, err)
	require.Equal(t, first, latest)

	second := dir.SegmentPath("000000010000000000000002") + PartialSuffix
	require.NoError(t, os.WriteFile(second, nil, 0o644))
	require.NoError(t, dir.SetLatest(second))

	latest, err = dir.Latest()
	require.NoError(t, err)
	require.Equal(t, second, latest)
}

func TestStateFiles(t *testing.T) {
	t.Parallel()

	dir := New(filepath.Join(t.TempDir(), "work"))
	require.NoError(t, dir.Create(false))

	_, ok, err := dir.ReadWalSegSz()
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, dir.WriteWalSegSz(wal.DefaultSegmentSize))
	segSize, ok, err := dir.ReadWalSegSz()
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, wal.DefaultSegmentSize, segSize)

	require.NoError(t, dir.WriteTimeline(3))
	tli, ok, err := dir.ReadTimeline()
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 3, tli)

	history := wal.History{
		{TLI: 1, Begin: 0, End: 0x1700000},
		{TLI: 3, Begin: 0x1700000, End: wal.InvalidLSN},
	}
	require.NoError(t, dir.WriteHistory(history))

	read, err := dir.ReadHistory(3)
	require.NoError(t, err)
	require.Equal(t, history, read)
}

func TestReadHistoryDefaultsToSingleTimeline(t *testing.T) {
	t.Parallel()

	dir := New(filepath.Join(t.TempDir(), "work"))
	require.NoError(t, dir.Create(false))

	history, err := dir.ReadHistory(1)
	require.NoError(t, err)
	require.Equal(t, wal.SingleTimeline(1), history)
}
