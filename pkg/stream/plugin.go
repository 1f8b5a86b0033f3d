package stream

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/pgrelay/pgrelay/pkg/decoding"
)

// DefaultSlot is the replication slot name used when none is configured.
const DefaultSlot = "pgrelay"

// Plugin is a logical decoding output plugin supported by the receiver.
type Plugin string

const (
	PluginWal2json Plugin = "wal2json"
)

// ParsePlugin validates a plugin name.
func ParsePlugin(s string) (Plugin, error) {
	switch Plugin(s) {
	case PluginWal2json:
		return PluginWal2json, nil
	}
	return "", fmt.Errorf("unknown output plugin %q", s)
}

// pluginArgs returns the START_REPLICATION options for the plugin.  Tables
// in the pgrelay schema are filtered out so that sentinel updates never show
// up in their own change stream.
func (p Plugin) pluginArgs() []string {
	switch p {
	case PluginWal2json:
		return []string{
			"format-version '2'",
			"include-xids 'true'",
			"include-schemas 'true'",
			"include-transaction 'true'",
			"include-types 'true'",
			"filter-tables 'pgrelay.*'",
		}
	}
	return nil
}

// peekActionXID is the subset of a wal2json message needed to route it
// before the full payload is stored.
type peekActionXID struct {
	Action string          `json:"action"`
	XID    json.RawMessage `json:"xid"`
}

// parseActionXID reads the action and transaction id out of one output
// plugin message.  wal2json emits the xid either as a JSON number or as a
// string when numeric-data-types-as-string is set.
func parseActionXID(data []byte) (decoding.Action, uint32, error) {
	var peek peekActionXID
	if err := json.Unmarshal(data, &peek); err != nil {
		return decoding.ActionUnknown, 0,
			fmt.Errorf("failed to parse message %q: %w", string(data), err)
	}

	action, err := decoding.ParseAction(peek.Action)
	if err != nil {
		return decoding.ActionUnknown, 0,
			fmt.Errorf("failed to parse message %q: %w", string(data), err)
	}

	var xid uint32
	if len(peek.XID) > 0 {
		raw := strings.Trim(string(peek.XID), `"`)
		parsed, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return decoding.ActionUnknown, 0,
				fmt.Errorf("failed to parse xid in message %q: %w", string(data), err)
		}
		xid = uint32(parsed)
	}

	if xid == 0 && (action == decoding.ActionBegin || action == decoding.ActionCommit) {
		return decoding.ActionUnknown, 0,
			fmt.Errorf("missing xid in %s message %q", action, string(data))
	}

	return action, xid, nil
}

// parseSegmentSize parses the SHOW wal_segment_size output, which uses
// Postgres memory units such as "16MB" or "1GB".
func parseSegmentSize(setting string) (uint64, error) {
	s := strings.TrimSpace(setting)

	units := []struct {
		suffix string
		factor uint64
	}{
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"kB", 1024},
		{"B", 1},
	}

	for _, u := range units {
		if strings.HasSuffix(s, u.suffix) {
			n, err := strconv.ParseUint(strings.TrimSpace(strings.TrimSuffix(s, u.suffix)), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("malformed wal_segment_size %q: %w", setting, err)
			}
			return n * u.factor, nil
		}
	}

	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed wal_segment_size %q: %w", setting, err)
	}
	return n, nil
}
