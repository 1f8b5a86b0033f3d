package transform

import (
	"encoding/json"
	"fmt"

	"github.com/pgrelay/pgrelay/pkg/decoding"
)

// wal2jsonColumn is one entry of the "columns" or "identity" arrays of a
// wal2json (format version 2) DML message.
type wal2jsonColumn struct {
	Name  string          `json:"name"`
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// wal2jsonMessage is the output-plugin payload of one DML message.
type wal2jsonMessage struct {
	Schema   string           `json:"schema"`
	Table    string           `json:"table"`
	Columns  []wal2jsonColumn `json:"columns"`
	Identity []wal2jsonColumn `json:"identity"`
}

// inferValue maps a raw JSON value to its Value following the wire format's
// type system: null, boolean, number (float8) or string (text).  Embedded
// JSON documents (arrays, objects) keep their serialized text form.
func inferValue(raw json.RawMessage) (Value, error) {
	if len(raw) == 0 {
		return NullValue(), nil
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return Value{}, fmt.Errorf("invalid column value %q: %w", string(raw), err)
	}

	switch v := v.(type) {
	case nil:
		return NullValue(), nil
	case bool:
		return BoolValue(v), nil
	case float64:
		return FloatValue(v), nil
	case string:
		return TextValue(v), nil
	default:
		return TextValue(string(raw)), nil
	}
}

// parseTuple converts a wal2json column array into a one-row Tuple.
func parseTuple(columns []wal2jsonColumn) (Tuple, error) {
	tuple := Tuple{
		Columns: make([]string, len(columns)),
		Rows:    [][]Value{make([]Value, len(columns))},
	}
	for i, col := range columns {
		value, err := inferValue(col.Value)
		if err != nil {
			return Tuple{}, fmt.Errorf("column %q: %w", col.Name, err)
		}
		tuple.Columns[i] = col.Name
		tuple.Rows[0][i] = value
	}
	return tuple, nil
}

// ParseStatement parses a DML message payload into its typed Statement.  The
// raw payload is carried in errors: a malformed message is fatal to the
// transform, never silently skipped.
func ParseStatement(action decoding.Action, payload json.RawMessage) (Statement, error) {
	var msg wal2jsonMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse %s message %q: %w",
			action, string(payload), err)
	}

	if msg.Schema == "" || msg.Table == "" {
		return nil, fmt.Errorf("failed to parse %s message %q: missing schema or table",
			action, string(payload))
	}

	target := TableName{Schema: msg.Schema, Name: msg.Table}

	switch action {
	case decoding.ActionInsert:
		tuple, err := parseTuple(msg.Columns)
		if err != nil {
			return nil, fmt.Errorf("INSERT into %s.%s: %w", msg.Schema, msg.Table, err)
		}
		return Insert{Target: target, New: tuple}, nil

	case decoding.ActionUpdate:
		newTuple, err := parseTuple(msg.Columns)
		if err != nil {
			return nil, fmt.Errorf("UPDATE %s.%s: %w", msg.Schema, msg.Table, err)
		}
		oldTuple, err := parseTuple(msg.Identity)
		if err != nil {
			return nil, fmt.Errorf("UPDATE %s.%s: %w", msg.Schema, msg.Table, err)
		}
		return Update{Target: target, Old: oldTuple, New: newTuple}, nil

	case decoding.ActionDelete:
		oldTuple, err := parseTuple(msg.Identity)
		if err != nil {
			return nil, fmt.Errorf("DELETE from %s.%s: %w", msg.Schema, msg.Table, err)
		}
		return Delete{Target: target, Old: oldTuple}, nil

	case decoding.ActionTruncate:
		return Truncate{Target: target}, nil
	}

	return nil, fmt.Errorf("unexpected DML action %s", action)
}
