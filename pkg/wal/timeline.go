package wal

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pglogrepl"
)

// HistoryEntry is one timeline of the source's history: the range of LSNs
// [Begin, End) generated while that timeline was the current one.  End is
// exclusive; End == 0 means the timeline is still open.
type HistoryEntry struct {
	TLI   uint32
	Begin pglogrepl.LSN
	End   pglogrepl.LSN
}

// History is an ordered list of timeline entries, oldest first, with the
// current (open-ended) timeline last.
type History []HistoryEntry

// ParseHistory parses the content of a Postgres timeline history file, as
// returned by the TIMELINE_HISTORY replication command, for the given current
// timeline.  Each line holds "parentTLI switchpoint reason"; comment lines
// start with '#'.  The current timeline is appended as an open-ended entry
// starting at the last switch point.
func ParseHistory(timeline uint32, content string) (History, error) {
	var history History

	prev := InvalidLSN

	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, fmt.Errorf("malformed history line: %q", line)
		}

		tli, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("malformed history timeline in %q: %w", line, err)
		}

		switchpoint, err := ParseLSN(fields[1])
		if err != nil {
			return nil, fmt.Errorf("malformed history switchpoint in %q: %w", line, err)
		}

		history = append(history, HistoryEntry{
			TLI:   uint32(tli),
			Begin: prev,
			End:   switchpoint,
		})
		prev = switchpoint
	}

	history = append(history, HistoryEntry{
		TLI:   timeline,
		Begin: prev,
		End:   InvalidLSN,
	})

	return history, nil
}

// SingleTimeline returns the trivial history of a source that never promoted.
func SingleTimeline(timeline uint32) History {
	return History{{TLI: timeline, Begin: InvalidLSN, End: InvalidLSN}}
}

// TimelineAt resolves which timeline was current for the given LSN.
func (h History) TimelineAt(lsn pglogrepl.LSN) (uint32, error) {
	for _, entry := range h {
		if entry.Begin <= lsn && (entry.End == InvalidLSN || lsn < entry.End) {
			return entry.TLI, nil
		}
	}
	return 0, fmt.Errorf("no timeline covers lsn %s", lsn)
}

// Format renders the history in the same line format ParseHistory reads,
// suitable for the tli.history state file.  The final open-ended entry is
// not written, matching the Postgres history file convention.
func (h History) Format() string {
	var sb strings.Builder
	for _, entry := range h {
		if entry.End == InvalidLSN {
			continue
		}
		fmt.Fprintf(&sb, "%d\t%s\tpgrelay\n", entry.TLI, entry.End)
	}
	return sb.String()
}
