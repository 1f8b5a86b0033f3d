// Package catalog implements the embedded change-store catalog: a SQLite
// database recording per-segment metadata, every decoded message, and the
// source's timeline history.
//
// The catalog has a single writer per session, the receiver; resume logic
// may open it read-only.  All catalog failures are fatal to the calling
// process: streaming must never continue past an un-persisted message, since
// the feedback LSN reported to the source assumes everything before it is
// durable.
package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pglogrepl"
	_ "modernc.org/sqlite"

	"github.com/pgrelay/pgrelay/pkg/decoding"
	"github.com/pgrelay/pgrelay/pkg/wal"
)

var schema = []string{
	`create table if not exists runs(
	   id text primary key,
	   mode text not null,
	   started_at_epoch integer not null
	 )`,

	`create table if not exists cdc_files(
	   id integer primary key,
	   filename text not null unique,
	   timeline integer not null,
	   startpos integer not null,
	   start_time_epoch integer not null,
	   done_time_epoch integer
	 )`,

	`create table if not exists output(
	   id integer primary key,
	   file_id integer not null references cdc_files(id),
	   action text not null,
	   xid integer,
	   lsn integer not null,
	   timestamp text,
	   message text
	 )`,

	`create index if not exists output_lsn on output(lsn)`,

	`create table if not exists timeline_history(
	   tli integer primary key,
	   startpos integer,
	   endpos integer
	 )`,
}

// Segment is one catalog entry of the cdc_files table: the atomic unit of
// persisted change data, identified by (timeline, first LSN in file).
type Segment struct {
	ID        int64
	Filename  string
	Timeline  uint32
	StartPos  pglogrepl.LSN
	StartTime time.Time
	DoneTime  time.Time
}

// Done reports whether the segment has been closed.
func (s Segment) Done() bool {
	return !s.DoneTime.IsZero()
}

// Catalog wraps the SQLite change store.
type Catalog struct {
	db   *sql.DB
	path string
	log  *slog.Logger
}

// Open opens (creating if needed) the catalog at path for writing.
func Open(path string, log *slog.Logger) (*Catalog, error) {
	if log == nil {
		log = slog.Default()
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog %q: %w", path, err)
	}

	// the catalog is single-writer
	db.SetMaxOpenConns(1)

	c := &Catalog{db: db, path: path, log: log}

	for _, ddl := range schema {
		if _, err := db.Exec(ddl); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to initialize catalog %q: %w", path, err)
		}
	}

	return c, nil
}

// OpenReadOnly opens an existing catalog without taking the writer role.
func OpenReadOnly(path string, log *slog.Logger) (*Catalog, error) {
	if log == nil {
		log = slog.Default()
	}

	db, err := sql.Open("sqlite", path+"?mode=ro&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	return &Catalog{db: db, path: path, log: log}, nil
}

// Close closes the underlying database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Path returns the on-disk location of the catalog.
func (c *Catalog) Path() string {
	return c.path
}

// RegisterRun records one pipeline invocation.
func (c *Catalog) RegisterRun(id string, mode string, startedAt time.Time) error {
	_, err := c.db.Exec(
		`insert into runs(id, mode, started_at_epoch) values($1, $2, $3)`,
		id, mode, startedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to register run %s: %w", id, err)
	}
	return nil
}

// RegisterSegment records a newly created segment, exactly once per segment;
// re-registering a filename is an error.
func (c *Catalog) RegisterSegment(seg Segment) (int64, error) {
	res, err := c.db.Exec(
		`insert into cdc_files(filename, timeline, startpos, start_time_epoch)
		 values($1, $2, $3, $4)`,
		seg.Filename, seg.Timeline, int64(seg.StartPos), seg.StartTime.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to register segment %q: %w", seg.Filename, err)
	}
	return res.LastInsertId()
}

// OpenSegment looks up the currently open segment for the given timeline
// covering the given LSN.  It is used after a crash-restart to keep appending
// to the segment that was open instead of creating a duplicate.  Returns nil
// when no open segment covers the LSN.
func (c *Catalog) OpenSegment(timeline uint32, lsn pglogrepl.LSN) (*Segment, error) {
	row := c.db.QueryRow(
		`  select id, filename, timeline, startpos, start_time_epoch, done_time_epoch
		     from cdc_files
		    where done_time_epoch is null
		      and timeline = $1
		      and startpos <= $2
		 order by startpos desc
		    limit 1`,
		timeline, int64(lsn))

	seg, err := scanSegment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up open segment at %s: %w", lsn, err)
	}
	return seg, nil
}

// LatestSegment returns the most recently registered segment, nil when the
// catalog has none.
func (c *Catalog) LatestSegment() (*Segment, error) {
	row := c.db.QueryRow(
		`  select id, filename, timeline, startpos, start_time_epoch, done_time_epoch
		     from cdc_files
		 order by id desc
		    limit 1`)

	seg, err := scanSegment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up latest segment: %w", err)
	}
	return seg, nil
}

// SegmentByFilename looks up one segment by its WAL file name, nil when the
// catalog has no such entry.
func (c *Catalog) SegmentByFilename(filename string) (*Segment, error) {
	row := c.db.QueryRow(
		`select id, filename, timeline, startpos, start_time_epoch, done_time_epoch
		   from cdc_files
		  where filename = $1`,
		filename)

	seg, err := scanSegment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up segment %q: %w", filename, err)
	}
	return seg, nil
}

// ReopenSegment clears the done mark of a segment, used when streaming
// resumes into a segment that was already closed.
func (c *Catalog) ReopenSegment(id int64) error {
	if _, err := c.db.Exec(
		`update cdc_files set done_time_epoch = null where id = $1`, id); err != nil {
		return fmt.Errorf("failed to reopen segment %d: %w", id, err)
	}
	return nil
}

// MarkSegmentDone closes a segment.  Attempting to close an already closed
// segment is an error.
func (c *Catalog) MarkSegmentDone(id int64, doneAt time.Time) error {
	res, err := c.db.Exec(
		`update cdc_files set done_time_epoch = $1
		  where id = $2 and done_time_epoch is null`,
		doneAt.Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark segment %d done: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("failed to mark segment %d done: segment is unknown or already done", id)
	}
	return nil
}

// AppendMessage records one decoded message under the given segment.
func (c *Catalog) AppendMessage(fileID int64, m decoding.Metadata) error {
	var xid any
	if m.XID > 0 {
		xid = int64(m.XID)
	}

	var message any
	if len(m.Message) > 0 {
		message = string(m.Message)
	}

	_, err := c.db.Exec(
		`insert into output(file_id, action, xid, lsn, timestamp, message)
		 values($1, $2, $3, $4, $5, $6)`,
		fileID, m.Action.String(), xid, int64(m.LSN), m.Timestamp, message)
	if err != nil {
		return fmt.Errorf("failed to append message at %s: %w", m.LSN, err)
	}
	return nil
}

// LastMessageLSN returns the highest LSN recorded in the catalog, InvalidLSN
// when no message has been recorded yet.  Resume logic prefers this position
// over the sentinel's startpos: on-disk progress wins.
func (c *Catalog) LastMessageLSN() (pglogrepl.LSN, error) {
	var lsn sql.NullInt64
	err := c.db.QueryRow(`select max(lsn) from output`).Scan(&lsn)
	if err != nil {
		return wal.InvalidLSN, fmt.Errorf("failed to read last message lsn: %w", err)
	}
	if !lsn.Valid {
		return wal.InvalidLSN, nil
	}
	return pglogrepl.LSN(lsn.Int64), nil
}

// SegmentMessages returns the ordered message list of one segment.
func (c *Catalog) SegmentMessages(fileID int64) ([]decoding.Metadata, error) {
	rows, err := c.db.Query(
		`  select action, xid, lsn, timestamp, message
		     from output
		    where file_id = $1
		 order by id`,
		fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to read segment %d messages: %w", fileID, err)
	}
	defer rows.Close()

	var messages []decoding.Metadata
	for rows.Next() {
		var (
			action    string
			xid       sql.NullInt64
			lsn       int64
			timestamp sql.NullString
			message   sql.NullString
		)
		if err := rows.Scan(&action, &xid, &lsn, &timestamp, &message); err != nil {
			return nil, fmt.Errorf("failed to read segment %d messages: %w", fileID, err)
		}

		a, err := decoding.ParseAction(action)
		if err != nil {
			return nil, fmt.Errorf("corrupt catalog entry in segment %d: %w", fileID, err)
		}

		m := decoding.Metadata{
			Action:    a,
			XID:       uint32(xid.Int64),
			LSN:       pglogrepl.LSN(lsn),
			Timestamp: timestamp.String,
		}
		if message.Valid {
			m.Message = []byte(message.String)
		}
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

// AddTimelineHistory upserts one timeline history entry.  Insert-or-replace
// semantics tolerate redelivery after a reconnect.
func (c *Catalog) AddTimelineHistory(entry wal.HistoryEntry) error {
	_, err := c.db.Exec(
		`insert or replace into timeline_history(tli, startpos, endpos)
		 values($1, $2, $3)`,
		entry.TLI, int64(entry.Begin), int64(entry.End))
	if err != nil {
		return fmt.Errorf("failed to record timeline %d history: %w", entry.TLI, err)
	}
	return nil
}

// TimelineHistory returns the recorded history, oldest timeline first.
func (c *Catalog) TimelineHistory() (wal.History, error) {
	rows, err := c.db.Query(
		`select tli, startpos, endpos from timeline_history order by tli`)
	if err != nil {
		return nil, fmt.Errorf("failed to read timeline history: %w", err)
	}
	defer rows.Close()

	var history wal.History
	for rows.Next() {
		var (
			tli        uint32
			begin, end int64
		)
		if err := rows.Scan(&tli, &begin, &end); err != nil {
			return nil, fmt.Errorf("failed to read timeline history: %w", err)
		}
		history = append(history, wal.HistoryEntry{
			TLI:   tli,
			Begin: pglogrepl.LSN(begin),
			End:   pglogrepl.LSN(end),
		})
	}

	return history, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSegment(row scanner) (*Segment, error) {
	var (
		seg        Segment
		startPos   int64
		startEpoch int64
		doneEpoch  sql.NullInt64
	)
	err := row.Scan(&seg.ID, &seg.Filename, &seg.Timeline, &startPos, &startEpoch, &doneEpoch)
	if err != nil {
		return nil, err
	}
	seg.StartPos = pglogrepl.LSN(startPos)
	seg.StartTime = time.Unix(startEpoch, 0)
	if doneEpoch.Valid {
		seg.DoneTime = time.Unix(doneEpoch.Int64, 0)
	}
	return &seg, nil
}
