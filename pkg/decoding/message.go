// Package decoding models the messages produced by the source's logical
// decoding output plugin, together with the JSON-lines envelope used to
// persist them in the change files and the change-store catalog.
//
// Each line of a change file is one JSON object:
//
//	{"action":"I","xid":501,"lsn":"0/24E1B08","timestamp":"...","message":{...}}
//
// where "message" carries the raw output-plugin payload for DML actions and
// is absent for the synthetic SWITCH and KEEPALIVE markers that the receiver
// injects into the stream.
package decoding

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
)

// Action tags one decoded message.  The values match the single-character
// action field of the wal2json output plugin, plus the synthetic markers
// injected by the receiver (SWITCH, KEEPALIVE).
type Action byte

const (
	ActionUnknown   Action = 0
	ActionBegin     Action = 'B'
	ActionCommit    Action = 'C'
	ActionInsert    Action = 'I'
	ActionUpdate    Action = 'U'
	ActionDelete    Action = 'D'
	ActionTruncate  Action = 'T'
	ActionMessage   Action = 'M'
	ActionSwitch    Action = 'X'
	ActionKeepalive Action = 'K'
)

// ParseAction maps a one-character action string to its Action, failing on
// anything unknown.  An unknown action in the stream means either data
// corruption or an output plugin we do not understand; the caller must treat
// it as fatal rather than skip the message.
func ParseAction(s string) (Action, error) {
	if len(s) != 1 {
		return ActionUnknown, fmt.Errorf("invalid action %q", s)
	}
	a := Action(s[0])
	switch a {
	case ActionBegin, ActionCommit, ActionInsert, ActionUpdate,
		ActionDelete, ActionTruncate, ActionMessage,
		ActionSwitch, ActionKeepalive:
		return a, nil
	}
	return ActionUnknown, fmt.Errorf("unknown action %q", s)
}

func (a Action) String() string {
	return string(byte(a))
}

// IsDML reports whether the action carries row data.
func (a Action) IsDML() bool {
	switch a {
	case ActionInsert, ActionUpdate, ActionDelete, ActionTruncate:
		return true
	}
	return false
}

// IsSynthetic reports whether the action was injected by the receiver rather
// than decoded from the source.
func (a Action) IsSynthetic() bool {
	return a == ActionSwitch || a == ActionKeepalive
}

// TimestampFormat is the source-style timestamp used in message metadata,
// e.g. "2022-06-27 14:42:21.795714+00".
const TimestampFormat = "2006-01-02 15:04:05.999999-07"

// FormatTimestamp renders t in the metadata timestamp format.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}

// Metadata is the envelope of one decoded message.
type Metadata struct {
	Action    Action
	XID       uint32
	LSN       pglogrepl.LSN
	Timestamp string

	// Message is the raw output-plugin payload, present for DML actions.
	Message json.RawMessage
}

// envelope is the JSON wire form of Metadata.
type envelope struct {
	Action    string          `json:"action"`
	XID       uint32          `json:"xid,omitempty"`
	LSN       string          `json:"lsn"`
	Timestamp string          `json:"timestamp,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
}

// MarshalJSON renders the metadata as one change-file line (without the
// trailing newline).
func (m Metadata) MarshalJSON() ([]byte, error) {
	return json.Marshal(envelope{
		Action:    m.Action.String(),
		XID:       m.XID,
		LSN:       m.LSN.String(),
		Timestamp: m.Timestamp,
		Message:   m.Message,
	})
}

// UnmarshalJSON parses a change-file line.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}

	action, err := ParseAction(env.Action)
	if err != nil {
		return err
	}

	lsn, err := pglogrepl.ParseLSN(env.LSN)
	if err != nil {
		return fmt.Errorf("invalid lsn %q: %w", env.LSN, err)
	}

	m.Action = action
	m.XID = env.XID
	m.LSN = lsn
	m.Timestamp = env.Timestamp
	m.Message = env.Message

	return nil
}

// ParseMetadata parses one raw change-file line into its Metadata.  The
// offending line is carried in the error; skipping a malformed line would
// lose a mutation, so callers treat any parse failure as fatal.
func ParseMetadata(line []byte) (Metadata, error) {
	var m Metadata
	if err := json.Unmarshal(line, &m); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse message %q: %w", string(line), err)
	}
	return m, nil
}
