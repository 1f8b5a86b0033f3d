package transform

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
)

// quoteIdent renders a schema-qualified table name with proper identifier
// quoting.
func (t TableName) quoted() string {
	return pgx.Identifier{t.Schema, t.Name}.Sanitize()
}

func quoteColumn(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// quoteLiteral renders a value as a SQL literal.  Floats use %g-style
// shortest-form formatting: an integer source column parsed through a JSON
// number may therefore be rendered in floating-point notation, losing
// precision beyond 2^53.
func quoteLiteral(v Value) string {
	switch v.Kind {
	case KindNull:
		return "NULL"
	case KindBool:
		if v.Bool {
			return "true"
		}
		return "false"
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	default:
		return "'" + strings.ReplaceAll(v.Text, "'", "''") + "'"
	}
}

// SQL renders `INSERT INTO "ns"."tbl" (cols) VALUES (...)`, one VALUES group
// per row.
func (s Insert) SQL() (string, error) {
	if len(s.New.Columns) == 0 || len(s.New.Rows) == 0 {
		return "", fmt.Errorf("INSERT into %s has no values", s.Target.quoted())
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(s.Target.quoted())
	sb.WriteString(" (")
	for i, col := range s.New.Columns {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(quoteColumn(col))
	}
	sb.WriteString(") VALUES ")

	for r, row := range s.New.Rows {
		if len(row) != len(s.New.Columns) {
			return "", fmt.Errorf("INSERT into %s has %d values for %d columns",
				s.Target.quoted(), len(row), len(s.New.Columns))
		}
		if r > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for i, v := range row {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(quoteLiteral(v))
		}
		sb.WriteString(")")
	}

	return sb.String(), nil
}

// SQL renders `UPDATE ... SET ... WHERE ...`, matching the old values by
// AND-ed equality over the identity columns.
func (s Update) SQL() (string, error) {
	if len(s.New.Columns) == 0 || len(s.New.Rows) != 1 {
		return "", fmt.Errorf("UPDATE %s has no new values", s.Target.quoted())
	}

	where, err := whereClause(s.Target, s.Old)
	if err != nil {
		return "", err
	}

	oldValues := map[string]Value{}
	for i, col := range s.Old.Columns {
		oldValues[col] = s.Old.Rows[0][i]
	}

	var sb strings.Builder
	sb.WriteString("UPDATE ")
	sb.WriteString(s.Target.quoted())
	sb.WriteString(" SET ")

	row := s.New.Rows[0]
	if len(row) != len(s.New.Columns) {
		return "", fmt.Errorf("UPDATE %s has %d values for %d columns",
			s.Target.quoted(), len(row), len(s.New.Columns))
	}

	wrote := false
	for i, col := range s.New.Columns {
		// skip SET "id" = 1 WHERE "id" = 1
		if old, ok := oldValues[col]; ok && old.Equal(row[i]) {
			continue
		}
		if wrote {
			sb.WriteString(", ")
		}
		sb.WriteString(quoteColumn(col))
		sb.WriteString(" = ")
		sb.WriteString(quoteLiteral(row[i]))
		wrote = true
	}

	if !wrote {
		// every new value matches its identity value; still touch the row so
		// that replay stays aligned with the source history
		col := s.New.Columns[0]
		sb.WriteString(quoteColumn(col))
		sb.WriteString(" = ")
		sb.WriteString(quoteLiteral(row[0]))
	}

	sb.WriteString(where)
	return sb.String(), nil
}

// SQL renders `DELETE FROM ... WHERE ...` over the identity columns.
func (s Delete) SQL() (string, error) {
	where, err := whereClause(s.Target, s.Old)
	if err != nil {
		return "", err
	}
	return "DELETE FROM " + s.Target.quoted() + where, nil
}

// SQL renders `TRUNCATE ONLY ...`.
func (s Truncate) SQL() (string, error) {
	return "TRUNCATE ONLY " + s.Target.quoted(), nil
}

// whereClause builds the AND-ed equality match over identity columns.  A
// missing identity means the source table has no replica identity; emitting
// an unkeyed UPDATE or DELETE would touch every row, so it is an error.
func whereClause(target TableName, old Tuple) (string, error) {
	if len(old.Columns) == 0 || len(old.Rows) != 1 {
		return "", fmt.Errorf("%s has no identity (replica identity) columns to match",
			target.quoted())
	}

	row := old.Rows[0]
	if len(row) != len(old.Columns) {
		return "", fmt.Errorf("%s identity has %d values for %d columns",
			target.quoted(), len(row), len(old.Columns))
	}

	var sb strings.Builder
	sb.WriteString(" WHERE ")
	for i, col := range old.Columns {
		if i > 0 {
			sb.WriteString(" AND ")
		}
		sb.WriteString(quoteColumn(col))
		if row[i].Kind == KindNull {
			sb.WriteString(" IS NULL")
		} else {
			sb.WriteString(" = ")
			sb.WriteString(quoteLiteral(row[i]))
		}
	}
	return sb.String(), nil
}
