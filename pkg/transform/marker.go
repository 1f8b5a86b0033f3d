package transform

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pglogrepl"
)

// Replay files are line oriented: each statement is one line of literal SQL,
// and transaction boundaries plus synthetic stream events are marker lines
// carrying their metadata as a trailing JSON comment.
const (
	BeginPrefix     = "BEGIN; -- "
	CommitPrefix    = "COMMIT; -- "
	SwitchPrefix    = "-- SWITCH WAL "
	KeepalivePrefix = "-- KEEPALIVE "
)

// Marker is the metadata payload of a BEGIN/COMMIT/SWITCH/KEEPALIVE line.
type Marker struct {
	XID       uint32 `json:"xid,omitempty"`
	LSN       string `json:"lsn"`
	Timestamp string `json:"timestamp,omitempty"`
}

// ParseLSN decodes the marker's position.
func (m Marker) ParseLSN() (pglogrepl.LSN, error) {
	lsn, err := pglogrepl.ParseLSN(m.LSN)
	if err != nil {
		return 0, fmt.Errorf("invalid marker lsn %q: %w", m.LSN, err)
	}
	return lsn, nil
}

func formatMarker(prefix string, m Marker) string {
	payload, _ := json.Marshal(m)
	return prefix + string(payload)
}

// ParseMarker recognizes a replay-file marker line, returning ok=false for
// plain SQL statement lines.
func ParseMarker(line string) (prefix string, m Marker, ok bool, err error) {
	for _, p := range []string{BeginPrefix, CommitPrefix, SwitchPrefix, KeepalivePrefix} {
		if strings.HasPrefix(line, p) {
			if err := json.Unmarshal([]byte(line[len(p):]), &m); err != nil {
				return "", Marker{}, false,
					fmt.Errorf("failed to parse marker line %q: %w", line, err)
			}
			return p, m, true, nil
		}
	}
	return "", Marker{}, false, nil
}
