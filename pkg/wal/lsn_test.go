package wal

import (
	"fmt"
	"testing"

	"github.com/jackc/pglogrepl"
	"github.com/stretchr/testify/require"
)

func TestSegmentBoundaries(t *testing.T) {
	t.Parallel()

	segSize := uint64(DefaultSegmentSize)

	lsn, err := ParseLSN("0/1700000")
	require.NoError(t, err)

	require.Equal(t, uint64(1), SegmentNumber(lsn, segSize))
	require.Equal(t, pglogrepl.LSN(0x1000000), SegmentStart(lsn, segSize))
	require.Equal(t, pglogrepl.LSN(0x2000000), SegmentNext(lsn, segSize))
	require.True(t, SegmentContains(pglogrepl.LSN(0x1000000), lsn, segSize))
	require.False(t, SegmentContains(pglogrepl.LSN(0x2000000), lsn, segSize))
}

func TestSegmentFileName(t *testing.T) {
	t.Parallel()

	segSize := uint64(DefaultSegmentSize)

	cases := []struct {
		tli      uint32
		lsn      string
		expected string
	}{
		{1, "0/1700000", "000000010000000000000001"},
		{1, "0/2000000", "000000010000000000000002"},
		{1, "1/0", "000000010000000100000000"},
		{3, "2/12345678", "000000030000000200000012"},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("%d-%s", tc.tli, tc.lsn), func(t *testing.T) {
			lsn, err := ParseLSN(tc.lsn)
			require.NoError(t, err)
			require.Equal(t, tc.expected, SegmentFileName(tc.tli, lsn, segSize))
		})
	}
}

// Every LSN in a strictly increasing sequence must land in exactly one
// segment, and boundary crossings must be detected exactly once.
func TestSegmentRouting(t *testing.T) {
	t.Parallel()

	segSize := uint64(DefaultSegmentSize)

	lsns := []pglogrepl.LSN{
		0x0FFFF00, 0x0FFFFF0, 0x1000000, 0x1000010, 0x1FFFFFF, 0x2000000,
	}

	crossings := 0
	current := InvalidLSN

	for _, lsn := range lsns {
		start := SegmentStart(lsn, segSize)
		if start != current {
			crossings++
			current = start
		}
		require.True(t, SegmentContains(current, lsn, segSize))
	}

	require.Equal(t, 3, crossings)
}

func TestParseLSN(t *testing.T) {
	t.Parallel()

	lsn, err := ParseLSN("")
	require.NoError(t, err)
	require.Equal(t, InvalidLSN, lsn)

	lsn, err = ParseLSN("0/0")
	require.NoError(t, err)
	require.Equal(t, InvalidLSN, lsn)

	_, err = ParseLSN("not-an-lsn")
	require.Error(t, err)

	lsn, err = ParseLSN("16/B374D848")
	require.NoError(t, err)
	require.Equal(t, pglogrepl.LSN(0x16B374D848), lsn)
}

func TestParseHistory(t *testing.T) {
	t.Parallel()

	content := "# comment line\n" +
		"1\t0/1700000\tbefore promotion\n" +
		"2\t0/5000000\tbefore second promotion\n"

	history, err := ParseHistory(3, content)
	require.NoError(t, err)
	require.Len(t, history, 3)

	require.Equal(t, HistoryEntry{TLI: 1, Begin: 0, End: 0x1700000}, history[0])
	require.Equal(t, HistoryEntry{TLI: 2, Begin: 0x1700000, End: 0x5000000}, history[1])
	require.Equal(t, HistoryEntry{TLI: 3, Begin: 0x5000000, End: InvalidLSN}, history[2])

	tli, err := history.TimelineAt(0x1000000)
	require.NoError(t, err)
	require.EqualValues(t, 1, tli)

	tli, err = history.TimelineAt(0x1700000)
	require.NoError(t, err)
	require.EqualValues(t, 2, tli)

	tli, err = history.TimelineAt(0x6000000)
	require.NoError(t, err)
	require.EqualValues(t, 3, tli)
}

func TestHistoryFormatRoundTrip(t *testing.T) {
	t.Parallel()

	history := History{
		{TLI: 1, Begin: 0, End: 0x1700000},
		{TLI: 2, Begin: 0x1700000, End: InvalidLSN},
	}

	parsed, err := ParseHistory(2, history.Format())
	require.NoError(t, err)
	require.Equal(t, history, parsed)
}

func TestSingleTimeline(t *testing.T) {
	t.Parallel()

	history := SingleTimeline(1)
	tli, err := history.TimelineAt(0xDEADBEEF)
	require.NoError(t, err)
	require.EqualValues(t, 1, tli)
}
