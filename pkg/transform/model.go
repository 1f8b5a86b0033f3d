// Package transform reduces the ordered message list of one closed segment
// into complete logical transactions and serializes them to the line-oriented
// replay format consumed by the applier.
//
// The natively supported column types are the ones JSON can express: null,
// boolean, number and text.  Numbers are decoded as float8, which loses the
// integer-vs-float distinction of the source schema; integers beyond 2^53 do
// not round-trip.  This is an accepted limitation of the JSON wire format.
package transform

import (
	"github.com/jackc/pglogrepl"
)

// Kind tags a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindFloat
	KindText
)

// Value is one typed column value.
type Value struct {
	Kind  Kind
	Bool  bool
	Float float64
	Text  string
}

// NullValue returns the SQL NULL value.
func NullValue() Value { return Value{Kind: KindNull} }

// BoolValue returns a boolean value.
func BoolValue(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// FloatValue returns a float8 value.
func FloatValue(f float64) Value { return Value{Kind: KindFloat, Float: f} }

// TextValue returns a text value.
func TextValue(s string) Value { return Value{Kind: KindText, Text: s} }

// Equal reports whether two values compare equal, used to skip no-op SET
// clauses in UPDATE statements.
func (v Value) Equal(other Value) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindBool:
		return v.Bool == other.Bool
	case KindFloat:
		return v.Float == other.Float
	default:
		return v.Text == other.Text
	}
}

// TableName identifies a schema-qualified table.
type TableName struct {
	Schema string
	Name   string
}

// Tuple is a set of column names with one or more rows of values, stored as
// parallel arrays.  Multiple rows support multi-row VALUES batching; the
// transformer currently emits one row per statement.
type Tuple struct {
	Columns []string
	Rows    [][]Value
}

// Statement is one typed DML statement within a logical transaction.
type Statement interface {
	// SQL renders the statement as literal SQL text.
	SQL() (string, error)
}

// Insert carries the new tuple(s) of an INSERT.
type Insert struct {
	Target TableName
	New    Tuple
}

// Update carries the identity (match keys) and new values of an UPDATE.
type Update struct {
	Target TableName
	Old    Tuple
	New    Tuple
}

// Delete carries the identity (match keys) of a DELETE.
type Delete struct {
	Target TableName
	Old    Tuple
}

// Truncate truncates one table.
type Truncate struct {
	Target TableName
}

// Transaction is the transformer's grouping of messages sharing one xid:
// ordered statements bounded by BEGIN and COMMIT.
type Transaction struct {
	XID       uint32
	BeginLSN  pglogrepl.LSN
	CommitLSN pglogrepl.LSN
	Timestamp string

	Statements []Statement
}
