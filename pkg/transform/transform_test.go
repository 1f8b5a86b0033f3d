package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pgrelay/pgrelay/pkg/decoding"
	"github.com/pgrelay/pgrelay/pkg/workdir"
)

func metadata(t *testing.T, line string) decoding.Metadata {
	t.Helper()
	m, err := decoding.ParseMetadata([]byte(line))
	require.NoError(t, err)
	return m
}

// Two transactions decoded into one segment must produce exactly two
// BEGIN/COMMIT-bounded statement blocks, in commit order.
func TestBasicCatchupScenario(t *testing.T) {
	t.Parallel()

	lines := []string{
		`{"action":"B","xid":501,"lsn":"0/110","timestamp":"2024-01-01 00:00:00+00"}`,
		`{"action":"I","xid":501,"lsn":"0/118","message":{"schema":"public","table":"account","columns":[{"name":"id","value":1},{"name":"name","value":"ada"}]}}`,
		`{"action":"C","xid":501,"lsn":"0/120","timestamp":"2024-01-01 00:00:01+00"}`,
		`{"action":"B","xid":502,"lsn":"0/130","timestamp":"2024-01-01 00:00:02+00"}`,
		`{"action":"U","xid":502,"lsn":"0/138","message":{"schema":"public","table":"account","columns":[{"name":"id","value":1},{"name":"name","value":"grace"}],"identity":[{"name":"id","value":1}]}}`,
		`{"action":"C","xid":502,"lsn":"0/140","timestamp":"2024-01-01 00:00:03+00"}`,
	}

	var out bytes.Buffer
	err := New(nil).Transform(strings.NewReader(strings.Join(lines, "\n")), &out)
	require.NoError(t, err)

	expected := []string{
		`BEGIN; -- {"xid":501,"lsn":"0/110","timestamp":"2024-01-01 00:00:01+00"}`,
		`INSERT INTO "public"."account" ("id", "name") VALUES (1, 'ada');`,
		`COMMIT; -- {"xid":501,"lsn":"0/120","timestamp":"2024-01-01 00:00:01+00"}`,
		`BEGIN; -- {"xid":502,"lsn":"0/130","timestamp":"2024-01-01 00:00:03+00"}`,
		`UPDATE "public"."account" SET "name" = 'grace' WHERE "id" = 1;`,
		`COMMIT; -- {"xid":502,"lsn":"0/140","timestamp":"2024-01-01 00:00:03+00"}`,
	}
	require.Equal(t, expected, strings.Split(strings.TrimRight(out.String(), "\n"), "\n"))
}

// Output transactions appear in non-decreasing commit-LSN order, and
// statements within a transaction appear in receipt order.
func TestOrderPreservation(t *testing.T) {
	t.Parallel()

	messages := []decoding.Metadata{
		metadata(t, `{"action":"B","xid":600,"lsn":"0/200","timestamp":"t0"}`),
		metadata(t, `{"action":"I","xid":600,"lsn":"0/208","message":{"schema":"s","table":"t","columns":[{"name":"n","value":1}]}}`),
		metadata(t, `{"action":"I","xid":600,"lsn":"0/210","message":{"schema":"s","table":"t","columns":[{"name":"n","value":2}]}}`),
		metadata(t, `{"action":"I","xid":600,"lsn":"0/218","message":{"schema":"s","table":"t","columns":[{"name":"n","value":3}]}}`),
		metadata(t, `{"action":"C","xid":600,"lsn":"0/220","timestamp":"t1"}`),
		metadata(t, `{"action":"B","xid":601,"lsn":"0/230","timestamp":"t2"}`),
		metadata(t, `{"action":"D","xid":601,"lsn":"0/238","message":{"schema":"s","table":"t","identity":[{"name":"n","value":2}]}}`),
		metadata(t, `{"action":"C","xid":601,"lsn":"0/240","timestamp":"t3"}`),
	}

	var out bytes.Buffer
	require.NoError(t, New(nil).TransformMessages(messages, &out))

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")

	var stmts []string
	var commits []string
	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, CommitPrefix):
			commits = append(commits, line)
		case strings.HasPrefix(line, "INSERT"), strings.HasPrefix(line, "DELETE"):
			stmts = append(stmts, line)
		}
	}

	require.Equal(t, []string{
		`INSERT INTO "s"."t" ("n") VALUES (1);`,
		`INSERT INTO "s"."t" ("n") VALUES (2);`,
		`INSERT INTO "s"."t" ("n") VALUES (3);`,
		`DELETE FROM "s"."t" WHERE "n" = 2;`,
	}, stmts)

	require.Len(t, commits, 2)
	require.Contains(t, commits[0], `"lsn":"0/220"`)
	require.Contains(t, commits[1], `"lsn":"0/240"`)
}

// A transaction that commits before the previous commit LSN indicates a
// broken stream.
func TestDecreasingCommitLSNFails(t *testing.T) {
	t.Parallel()

	messages := []decoding.Metadata{
		metadata(t, `{"action":"B","xid":600,"lsn":"0/200","timestamp":"t"}`),
		metadata(t, `{"action":"C","xid":600,"lsn":"0/220","timestamp":"t"}`),
		metadata(t, `{"action":"B","xid":601,"lsn":"0/190","timestamp":"t"}`),
		metadata(t, `{"action":"C","xid":601,"lsn":"0/210","timestamp":"t"}`),
	}

	var out bytes.Buffer
	err := New(nil).TransformMessages(messages, &out)
	require.Error(t, err)
	require.Contains(t, err.Error(), "before previous commit")
}

func TestUnterminatedTransactionIsFatal(t *testing.T) {
	t.Parallel()

	messages := []decoding.Metadata{
		metadata(t, `{"action":"B","xid":700,"lsn":"0/300","timestamp":"t"}`),
		metadata(t, `{"action":"I","xid":700,"lsn":"0/308","message":{"schema":"s","table":"t","columns":[{"name":"n","value":1}]}}`),
	}

	var out bytes.Buffer
	err := New(nil).TransformMessages(messages, &out)
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing COMMIT")
}

func TestDMLOutsideTransactionIsFatal(t *testing.T) {
	t.Parallel()

	messages := []decoding.Metadata{
		metadata(t, `{"action":"I","xid":700,"lsn":"0/308","message":{"schema":"s","table":"t","columns":[{"name":"n","value":1}]}}`),
	}

	var out bytes.Buffer
	err := New(nil).TransformMessages(messages, &out)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no transaction in progress")
}

func TestSwitchAndKeepaliveMarkers(t *testing.T) {
	t.Parallel()

	messages := []decoding.Metadata{
		metadata(t, `{"action":"K","lsn":"0/100","timestamp":"t0"}`),
		metadata(t, `{"action":"B","xid":800,"lsn":"0/110","timestamp":"t1"}`),
		// a switch inside a transaction stays virtual
		metadata(t, `{"action":"X","lsn":"0/2000000"}`),
		metadata(t, `{"action":"C","xid":800,"lsn":"0/120","timestamp":"t2"}`),
		metadata(t, `{"action":"X","lsn":"0/3000000"}`),
	}

	var out bytes.Buffer
	require.NoError(t, New(nil).TransformMessages(messages, &out))

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	require.Equal(t, []string{
		`-- KEEPALIVE {"lsn":"0/100","timestamp":"t0"}`,
		`BEGIN; -- {"xid":800,"lsn":"0/110","timestamp":"t2"}`,
		`COMMIT; -- {"xid":800,"lsn":"0/120","timestamp":"t2"}`,
		`-- SWITCH WAL {"lsn":"0/3000000"}`,
	}, lines)
}

// Boolean, null and text values round-trip exactly; numbers go through
// float8 and lose integer precision beyond 2^53.  The bigint value
// 9007199254740993 is expected NOT to round-trip: this asserts the known
// lossy behavior rather than silently accepting it as a bug.
func TestValueFidelity(t *testing.T) {
	t.Parallel()

	messages := []decoding.Metadata{
		metadata(t, `{"action":"B","xid":900,"lsn":"0/400","timestamp":"t"}`),
		metadata(t, `{"action":"I","xid":900,"lsn":"0/408","message":{"schema":"s","table":"t","columns":[`+
			`{"name":"b","value":true},`+
			`{"name":"n","value":null},`+
			`{"name":"s","value":"it''s"},`+
			`{"name":"small","value":42},`+
			`{"name":"big","value":9007199254740993}]}}`),
		metadata(t, `{"action":"C","xid":900,"lsn":"0/410","timestamp":"t"}`),
	}

	var out bytes.Buffer
	require.NoError(t, New(nil).TransformMessages(messages, &out))

	var insert string
	for _, line := range strings.Split(out.String(), "\n") {
		if strings.HasPrefix(line, "INSERT") {
			insert = line
		}
	}

	require.Contains(t, insert, "true")
	require.Contains(t, insert, "NULL")
	require.Contains(t, insert, "'it''''s'")
	require.Contains(t, insert, "42")

	// the documented limitation: the odd bigint collapses to its float64
	// neighbour and renders in shortest-form notation
	require.NotContains(t, insert, "9007199254740993")
	require.Contains(t, insert, "9.007199254740992e+15")
}

func TestTransformFile(t *testing.T) {
	t.Parallel()

	dir := workdir.New(t.TempDir())
	require.NoError(t, dir.Create(false))

	walName := "000000010000000000000001"
	jsonPath := dir.SegmentPath(walName)
	sqlPath := dir.ReplayPath(walName)

	content := `{"action":"B","xid":501,"lsn":"0/110","timestamp":"t"}
{"action":"T","xid":501,"lsn":"0/118","message":{"schema":"public","table":"audit"}}
{"action":"C","xid":501,"lsn":"0/120","timestamp":"t"}
`
	require.NoError(t, os.WriteFile(jsonPath, []byte(content), 0o644))

	require.NoError(t, New(nil).TransformFile(jsonPath, sqlPath))

	replay, err := os.ReadFile(sqlPath)
	require.NoError(t, err)
	require.Contains(t, string(replay), `TRUNCATE ONLY "public"."audit";`)

	// transforming again overwrites deterministically (at-least-once safe)
	require.NoError(t, New(nil).TransformFile(jsonPath, sqlPath))
}

func TestWorkerTransformsAndStops(t *testing.T) {
	t.Parallel()

	dir := workdir.New(t.TempDir())
	require.NoError(t, dir.Create(false))

	walName := "000000010000000000000002"
	content := `{"action":"B","xid":1,"lsn":"0/2000010","timestamp":"t"}
{"action":"C","xid":1,"lsn":"0/2000020","timestamp":"t"}
`
	require.NoError(t, os.WriteFile(dir.SegmentPath(walName), []byte(content), 0o644))

	w := NewWorker(dir, nil)
	w.Start(context.Background())
	w.NotifyFileReady(walName, 0x2000000)
	w.Stop()
	require.NoError(t, w.Wait())

	_, err := os.Stat(dir.ReplayPath(walName))
	require.NoError(t, err)
	require.EqualValues(t, 0x2000000, w.LastTransformedLSN())
}

func TestWorkerSurfacesErrors(t *testing.T) {
	t.Parallel()

	dir := workdir.New(t.TempDir())
	require.NoError(t, dir.Create(false))

	w := NewWorker(dir, nil)
	w.Start(context.Background())
	// no such segment on disk
	w.NotifyFileReady("000000010000000000000009", 0x9000000)
	require.Error(t, w.Wait())
}

func TestWorkerFailureDoesNotBlockNotifications(t *testing.T) {
	t.Parallel()

	dir := workdir.New(t.TempDir())
	require.NoError(t, dir.Create(false))

	w := NewWorker(dir, nil)
	w.Start(context.Background())
	w.NotifyFileReady("000000010000000000000009", 0x9000000)

	select {
	case <-w.Failed():
	case <-time.After(5 * time.Second):
		t.Fatal("worker never reported the failure")
	}

	// well past the queue capacity; each call must return immediately
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 32; i++ {
			w.NotifyFileReady("00000001000000000000000A", 0xA000000)
		}
		w.Stop()
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("notifications blocked after worker failure")
	}

	require.Error(t, w.Wait())
}

func TestParseStatementErrors(t *testing.T) {
	t.Parallel()

	// malformed payload carries the raw message in the error
	_, err := ParseStatement(decoding.ActionInsert, json.RawMessage(`{"schema":`))
	require.Error(t, err)

	// missing table identity
	_, err = ParseStatement(decoding.ActionInsert, json.RawMessage(`{"columns":[]}`))
	require.ErrorContains(t, err, "missing schema or table")

	// UPDATE without replica identity renders no WHERE clause and must fail
	stmt, err := ParseStatement(decoding.ActionUpdate, json.RawMessage(
		`{"schema":"s","table":"t","columns":[{"name":"n","value":1}]}`))
	require.NoError(t, err)
	_, err = stmt.SQL()
	require.ErrorContains(t, err, "no identity")
}

func TestNullIdentityMatching(t *testing.T) {
	t.Parallel()

	stmt, err := ParseStatement(decoding.ActionDelete, json.RawMessage(
		`{"schema":"s","table":"t","identity":[{"name":"a","value":null},{"name":"b","value":"x"}]}`))
	require.NoError(t, err)

	sql, err := stmt.SQL()
	require.NoError(t, err)
	require.Equal(t, `DELETE FROM "s"."t" WHERE "a" IS NULL AND "b" = 'x'`, sql)
}

func TestMultiRowInsertValues(t *testing.T) {
	t.Parallel()

	stmt := Insert{
		Target: TableName{Schema: "s", Name: "t"},
		New: Tuple{
			Columns: []string{"id", "name"},
			Rows: [][]Value{
				{FloatValue(1), TextValue("a")},
				{FloatValue(2), TextValue("b")},
			},
		},
	}

	sql, err := stmt.SQL()
	require.NoError(t, err)
	require.Equal(t, `INSERT INTO "s"."t" ("id", "name") VALUES (1, 'a'), (2, 'b')`, sql)
}

func TestParseMarker(t *testing.T) {
	t.Parallel()

	prefix, m, ok, err := ParseMarker(`BEGIN; -- {"xid":501,"lsn":"0/110","timestamp":"t"}`)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, BeginPrefix, prefix)
	require.EqualValues(t, 501, m.XID)

	lsn, err := m.ParseLSN()
	require.NoError(t, err)
	require.EqualValues(t, 0x110, lsn)

	_, _, ok, err = ParseMarker(`INSERT INTO "s"."t" ("n") VALUES (1);`)
	require.NoError(t, err)
	require.False(t, ok)

	_, _, _, err = ParseMarker(`COMMIT; -- {broken`)
	require.Error(t, err)
}
