// Package wal implements the LSN and WAL-segment algebra shared by the
// receive, transform and apply sides of the pipeline.
//
// An LSN (pglogrepl.LSN) is a 64-bit position in the source's write-ahead
// log; zero is reserved as "invalid/unset".  Segment boundaries are computed
// exactly the way the source computes physical WAL file boundaries, so that
// one change file on disk covers the same LSN range as one WAL segment.
package wal

import (
	"fmt"

	"github.com/jackc/pglogrepl"
)

// InvalidLSN is the reserved "unset" position.
const InvalidLSN = pglogrepl.LSN(0)

// DefaultSegmentSize matches the default Postgres wal_segment_size.
const DefaultSegmentSize = 16 * 1024 * 1024

// segmentsPerLogID returns how many segments fit in one 32-bit "xlogid",
// the high half of an LSN.
func segmentsPerLogID(segSize uint64) uint64 {
	return 0x100000000 / segSize
}

// SegmentNumber returns the segment sequence number containing lsn.
func SegmentNumber(lsn pglogrepl.LSN, segSize uint64) uint64 {
	return uint64(lsn) / segSize
}

// SegmentStart returns the first LSN of the segment containing lsn.
func SegmentStart(lsn pglogrepl.LSN, segSize uint64) pglogrepl.LSN {
	return pglogrepl.LSN(SegmentNumber(lsn, segSize) * segSize)
}

// SegmentNext returns the first LSN of the segment following the one
// containing lsn.
func SegmentNext(lsn pglogrepl.LSN, segSize uint64) pglogrepl.LSN {
	return pglogrepl.LSN((SegmentNumber(lsn, segSize) + 1) * segSize)
}

// SegmentContains reports whether the segment starting at start contains lsn.
func SegmentContains(start, lsn pglogrepl.LSN, segSize uint64) bool {
	return SegmentStart(lsn, segSize) == start
}

// SegmentFileName returns the canonical 24-hex-digit WAL file name for the
// segment containing lsn on the given timeline, e.g.
// "000000010000000000000002".  It matches the name the source would give the
// physical WAL segment holding that LSN.
func SegmentFileName(timeline uint32, lsn pglogrepl.LSN, segSize uint64) string {
	segno := SegmentNumber(lsn, segSize)
	perID := segmentsPerLogID(segSize)
	return fmt.Sprintf("%08X%08X%08X", timeline, segno/perID, segno%perID)
}

// ParseLSN wraps pglogrepl.ParseLSN, mapping the empty string to InvalidLSN.
func ParseLSN(s string) (pglogrepl.LSN, error) {
	if s == "" || s == "0/0" {
		return InvalidLSN, nil
	}
	lsn, err := pglogrepl.ParseLSN(s)
	if err != nil {
		return InvalidLSN, fmt.Errorf("invalid lsn %q: %w", s, err)
	}
	return lsn, nil
}
