// Package stream implements the logical decoding client: it connects to the
// source database over the replication protocol, receives the output plugin
// messages, and persists them as WAL-segment-aligned JSON files plus catalog
// rows, ready for the transform and apply stages.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/pgrelay/pgrelay/pkg/catalog"
	"github.com/pgrelay/pgrelay/pkg/decoding"
	"github.com/pgrelay/pgrelay/pkg/sentinel"
	"github.com/pgrelay/pgrelay/pkg/wal"
	"github.com/pgrelay/pgrelay/pkg/workdir"
)

const (
	// standbyStatusInterval is how often feedback is reported to the source.
	standbyStatusInterval = 10 * time.Second

	// sentinelSyncInterval is how often the receiver merges its progress
	// with the sentinel row.
	sentinelSyncInterval = 1 * time.Second

	// emptyTxTimeout is how long empty transactions are filtered out before
	// a synthetic keepalive records the progress they represent.
	emptyTxTimeout = 10 * time.Second

	// reconnectDelay is the fixed pause between streaming retries.
	reconnectDelay = 1 * time.Second

	receiveTimeout = 1 * time.Second
)

// Options wires a Receiver.
type Options struct {
	// SourceURL is the source connection string; the receiver adds the
	// replication=database parameter itself.
	SourceURL string

	Slot   string
	Plugin Plugin

	Dir      workdir.Dir
	Catalog  *catalog.Catalog
	Sentinel *sentinel.Sentinel

	// Notifier learns about each closed segment; nil disables transform
	// notifications (receive-only mode).
	Notifier Notifier

	// StartPos is used on a fresh work directory when the sentinel carries
	// no start position either.
	StartPos pglogrepl.LSN
	// EndPos stops streaming once reached; it overrides the sentinel value.
	EndPos pglogrepl.LSN

	Log *slog.Logger
}

// Receiver streams logical decoding messages into the work directory.
type Receiver struct {
	opts Options
	log  *slog.Logger

	startPos  pglogrepl.LSN
	endPos    pglogrepl.LSN
	skipUntil pglogrepl.LSN

	timeline uint32
	segSize  uint64

	writer *segmentWriter

	writtenLSN pglogrepl.LSN
	flushedLSN pglogrepl.LSN
	appliedLSN pglogrepl.LSN

	lastStatus       time.Time
	lastSentinelSync time.Time
	lastWriteTime    time.Time

	heldBegin     *decoding.Metadata
	txnInProgress bool
	reachedEndPos bool
}

// NewReceiver validates the options and prepares a Receiver; streaming only
// starts with Run.
func NewReceiver(opts Options) (*Receiver, error) {
	if opts.SourceURL == "" {
		return nil, errors.New("stream: missing source connection string")
	}
	if opts.Catalog == nil {
		return nil, errors.New("stream: missing catalog")
	}
	if opts.Slot == "" {
		opts.Slot = DefaultSlot
	}
	if opts.Plugin == "" {
		opts.Plugin = PluginWal2json
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Receiver{
		opts:   opts,
		log:    opts.Log,
		endPos: opts.EndPos,
	}, nil
}

// WrittenLSN is the position of the last message written to disk.
func (r *Receiver) WrittenLSN() pglogrepl.LSN { return r.writtenLSN }

// Run streams until the end position is reached or the context is canceled.
// Transient connection failures reconnect after a fixed delay; a retry that
// makes no progress at all gives up.
func (r *Receiver) Run(ctx context.Context) error {
	var (
		retries   int
		watermark pglogrepl.LSN
	)

	for {
		err := r.streamOnce(ctx)
		if err == nil || r.reachedEndPos {
			r.log.Info("streaming stopped",
				slog.String("written", r.writtenLSN.String()),
				slog.String("flushed", r.flushedLSN.String()))
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if retries > 0 && r.writtenLSN == watermark {
			return fmt.Errorf("streaming interrupted at %s without progress "+
				"since last attempt: %w", r.writtenLSN, err)
		}

		r.log.Warn("streaming interrupted, reconnecting",
			slog.String("lsn", r.writtenLSN.String()),
			slog.Duration("delay", reconnectDelay),
			slog.Any("error", err))

		watermark = r.writtenLSN
		retries++

		select {
		case <-ctx.Done():
			return err
		case <-time.After(reconnectDelay):
		}
	}
}

// streamOnce runs one replication connection to completion.
func (r *Receiver) streamOnce(ctx context.Context) error {
	conn, err := Connect(ctx, r.opts.SourceURL)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	sysident, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		return fmt.Errorf("failed to identify source system: %w", err)
	}

	if err := r.initContext(ctx, conn, sysident); err != nil {
		return err
	}
	slotLSN, err := readSlotFlushLSN(ctx, conn, r.opts.Slot)
	if err != nil {
		return err
	}
	if err := r.resolveResume(ctx, slotLSN); err != nil {
		return err
	}

	r.writer = newSegmentWriter(r.opts.Dir, r.opts.Catalog, r.opts.Notifier,
		r.timeline, r.segSize, r.log)
	r.writer.maxWrittenLSN = r.skipUntil
	r.heldBegin = nil
	r.txnInProgress = false

	r.log.Info("starting replication",
		slog.String("slot", r.opts.Slot),
		slog.String("startpos", r.startPos.String()),
		slog.String("endpos", r.endPos.String()),
		slog.Uint64("timeline", uint64(r.timeline)))

	err = pglogrepl.StartReplication(ctx, conn, r.opts.Slot, r.startPos,
		pglogrepl.StartReplicationOptions{
			Mode:       pglogrepl.LogicalReplication,
			PluginArgs: r.opts.Plugin.pluginArgs(),
		})
	if err != nil {
		return fmt.Errorf("failed to start replication on slot %q: %w", r.opts.Slot, err)
	}

	if err := r.receiveLoop(ctx, conn); err != nil {
		return err
	}

	// clean exit: finish the open segment and report the final position
	if err := r.writer.Close(); err != nil {
		return err
	}
	r.flushedLSN = r.writtenLSN
	return r.sendFeedback(ctx, conn, false)
}

// initContext persists the streaming context (segment size, timeline,
// timeline history) so that transform and apply can compute file names
// without a source connection.
func (r *Receiver) initContext(ctx context.Context, conn *pgconn.PgConn,
	sysident pglogrepl.IdentifySystemResult) error {

	setting, err := queryOneField(ctx, conn, "SHOW wal_segment_size")
	if err != nil {
		return err
	}
	segSize, err := parseSegmentSize(setting)
	if err != nil {
		return err
	}

	r.segSize = segSize
	r.timeline = uint32(sysident.Timeline)

	previous, known, err := r.opts.Dir.ReadTimeline()
	if err != nil {
		return err
	}
	if known && r.timeline < previous {
		return fmt.Errorf("source timeline moved backwards from %d to %d",
			previous, r.timeline)
	}

	if err := r.opts.Dir.WriteWalSegSz(segSize); err != nil {
		return err
	}
	if err := r.opts.Dir.WriteTimeline(r.timeline); err != nil {
		return err
	}

	// past the first timeline the history file tells which segment names
	// cover which LSN ranges
	if r.timeline > 1 && (!known || previous != r.timeline) {
		result, err := pglogrepl.TimelineHistory(ctx, conn, sysident.Timeline)
		if err != nil {
			return fmt.Errorf("failed to fetch timeline %d history: %w",
				r.timeline, err)
		}
		history, err := wal.ParseHistory(r.timeline, string(result.Content))
		if err != nil {
			return err
		}
		if err := r.opts.Dir.WriteHistory(history); err != nil {
			return err
		}
		for _, entry := range history {
			if err := r.opts.Catalog.AddTimelineHistory(entry); err != nil {
				return err
			}
		}
	}

	return nil
}

// resolveResume decides where streaming starts: on-disk progress first, then
// the sentinel start position, then the configured one, then the slot.  A
// start position behind the slot is unrecoverable: the slot cannot resend
// what it already confirmed.
func (r *Receiver) resolveResume(ctx context.Context, slotLSN pglogrepl.LSN) error {
	diskLSN, err := r.opts.Catalog.LastMessageLSN()
	if err != nil {
		return err
	}

	var sentinelStart pglogrepl.LSN
	if r.opts.Sentinel != nil {
		values, err := r.opts.Sentinel.Get(ctx)
		if err != nil {
			return err
		}
		sentinelStart = values.StartPos

		if r.opts.EndPos != wal.InvalidLSN {
			if values.EndPos != wal.InvalidLSN && values.EndPos != r.opts.EndPos {
				r.log.Warn("overriding sentinel endpos",
					slog.String("sentinel", values.EndPos.String()),
					slog.String("endpos", r.opts.EndPos.String()))
			}
			if err := r.opts.Sentinel.UpdateEndPos(ctx, r.opts.EndPos); err != nil {
				return err
			}
			r.endPos = r.opts.EndPos
		} else {
			r.endPos = values.EndPos
		}
	}

	switch {
	case diskLSN != wal.InvalidLSN:
		r.startPos = diskLSN
		r.skipUntil = diskLSN
		r.log.Info("resuming from on-disk position",
			slog.String("startpos", r.startPos.String()))
	case sentinelStart != wal.InvalidLSN:
		r.startPos = sentinelStart
		r.log.Info("resuming from sentinel startpos",
			slog.String("startpos", r.startPos.String()))
	case r.opts.StartPos != wal.InvalidLSN:
		r.startPos = r.opts.StartPos
	default:
		r.startPos = slotLSN
	}

	if r.startPos < slotLSN {
		return fmt.Errorf("failed to resume replication: start position %s "+
			"is behind replication slot position %s", r.startPos, slotLSN)
	}

	return nil
}

func (r *Receiver) receiveLoop(ctx context.Context, conn *pgconn.PgConn) error {
	for !r.reachedEndPos {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := r.maybeSendFeedback(ctx, conn, false); err != nil {
			return err
		}

		rctx, cancel := context.WithTimeout(ctx, receiveTimeout)
		rawMsg, err := conn.ReceiveMessage(rctx)
		cancel()

		if err != nil {
			if pgconn.Timeout(err) && ctx.Err() == nil {
				continue
			}
			return fmt.Errorf("failed to receive replication message: %w", err)
		}

		switch msg := rawMsg.(type) {
		case *pgproto3.ErrorResponse:
			return fmt.Errorf("received error from source: %s (%s)",
				msg.Message, msg.Code)

		case *pgproto3.CopyData:
			switch msg.Data[0] {
			case pglogrepl.PrimaryKeepaliveMessageByteID:
				pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(msg.Data[1:])
				if err != nil {
					return fmt.Errorf("failed to parse keepalive: %w", err)
				}
				if err := r.handleKeepalive(ctx, conn, pkm); err != nil {
					return err
				}

			case pglogrepl.XLogDataByteID:
				xld, err := pglogrepl.ParseXLogData(msg.Data[1:])
				if err != nil {
					return fmt.Errorf("failed to parse xlog data: %w", err)
				}
				if err := r.handleXLogData(xld); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// handleKeepalive records server keepalives in the stream so that the
// applier can advance its origin tracking through quiet periods.
func (r *Receiver) handleKeepalive(ctx context.Context, conn *pgconn.PgConn,
	pkm pglogrepl.PrimaryKeepaliveMessage) error {

	if pkm.ServerWALEnd != wal.InvalidLSN && pkm.ServerWALEnd > r.skipUntil {
		m := decoding.Metadata{
			Action:    decoding.ActionKeepalive,
			LSN:       pkm.ServerWALEnd,
			Timestamp: decoding.FormatTimestamp(pkm.ServerTime),
		}
		if err := r.writer.Write(m); err != nil {
			return err
		}
		r.writtenLSN = pkm.ServerWALEnd
		r.lastWriteTime = time.Now()
		r.checkEndPos(pkm.ServerWALEnd)
	}

	if pkm.ReplyRequested {
		return r.maybeSendFeedback(ctx, conn, true)
	}
	return nil
}

// handleXLogData routes one output plugin message to the segment writer,
// filtering out empty transactions.
func (r *Receiver) handleXLogData(xld pglogrepl.XLogData) error {
	action, xid, err := parseActionXID(xld.WALData)
	if err != nil {
		return err
	}

	m := decoding.Metadata{
		Action:    action,
		XID:       xid,
		LSN:       xld.WALStart,
		Timestamp: decoding.FormatTimestamp(xld.ServerTime),
	}
	if action.IsDML() || action == decoding.ActionMessage {
		m.Message = append([]byte(nil), xld.WALData...)
	}

	// skip over messages already written by a previous run; the slot
	// resends from its confirmed position, which may be behind our files
	if m.LSN != wal.InvalidLSN && m.LSN <= r.skipUntil {
		return nil
	}

	switch {
	case action == decoding.ActionBegin:
		// held back until we know the transaction is not empty
		r.heldBegin = &m
		return nil

	case action == decoding.ActionCommit && r.heldBegin != nil:
		// empty transaction: drop the BEGIN/COMMIT pair, but keep the
		// stream position moving with an occasional synthetic keepalive
		r.heldBegin = nil
		r.writtenLSN = m.LSN
		if time.Since(r.lastWriteTime) >= emptyTxTimeout {
			keepalive := decoding.Metadata{
				Action:    decoding.ActionKeepalive,
				LSN:       m.LSN,
				Timestamp: m.Timestamp,
			}
			if err := r.writer.Write(keepalive); err != nil {
				return err
			}
			r.lastWriteTime = time.Now()
		}
		r.checkEndPos(m.LSN)
		return nil
	}

	if r.heldBegin != nil {
		if err := r.writeMessage(*r.heldBegin); err != nil {
			return err
		}
		r.heldBegin = nil
	}

	return r.writeMessage(m)
}

func (r *Receiver) writeMessage(m decoding.Metadata) error {
	if err := r.writer.Write(m); err != nil {
		return err
	}

	r.writtenLSN = m.LSN
	r.lastWriteTime = time.Now()

	switch m.Action {
	case decoding.ActionBegin:
		r.txnInProgress = true
	case decoding.ActionCommit:
		r.txnInProgress = false
	}

	r.checkEndPos(m.LSN)
	return nil
}

// checkEndPos stops streaming once the end position is reached, but never in
// the middle of a transaction: segment files always end on a transaction
// boundary.
func (r *Receiver) checkEndPos(lsn pglogrepl.LSN) {
	if r.endPos == wal.InvalidLSN || r.txnInProgress {
		return
	}
	if r.endPos <= lsn {
		r.reachedEndPos = true
		r.log.Info("reached end position",
			slog.String("endpos", r.endPos.String()),
			slog.String("lsn", lsn.String()))
	}
}

// maybeSendFeedback syncs with the sentinel and reports standby status at
// their respective intervals.
func (r *Receiver) maybeSendFeedback(ctx context.Context, conn *pgconn.PgConn, force bool) error {
	now := time.Now()

	if r.opts.Sentinel != nil &&
		(force || now.Sub(r.lastSentinelSync) >= sentinelSyncInterval) {
		if err := r.syncSentinel(ctx); err != nil {
			r.log.Warn("failed to sync with sentinel", slog.Any("error", err))
		}
		r.lastSentinelSync = now
	}

	if !force && now.Sub(r.lastStatus) < standbyStatusInterval {
		return nil
	}
	return r.sendFeedback(ctx, conn, force)
}

func (r *Receiver) sendFeedback(ctx context.Context, conn *pgconn.PgConn, force bool) error {
	if err := r.writer.Sync(); err != nil {
		return err
	}
	r.flushedLSN = r.writtenLSN

	err := pglogrepl.SendStandbyStatusUpdate(ctx, conn,
		pglogrepl.StandbyStatusUpdate{
			WALWritePosition: r.writtenLSN,
			WALFlushPosition: r.flushedLSN,
			WALApplyPosition: r.appliedLSN,
			ReplyRequested:   force,
		})
	if err != nil {
		return fmt.Errorf("failed to send standby status update: %w", err)
	}
	r.lastStatus = time.Now()
	return nil
}

// syncSentinel publishes write/flush progress and picks up the replay
// position and a possibly updated end position.
func (r *Receiver) syncSentinel(ctx context.Context) error {
	if err := r.opts.Sentinel.UpdateWrittenFlushed(ctx, r.writtenLSN, r.flushedLSN); err != nil {
		return err
	}
	values, err := r.opts.Sentinel.Get(ctx)
	if err != nil {
		return err
	}

	r.appliedLSN = values.ReplayLSN

	if r.opts.EndPos == wal.InvalidLSN && values.EndPos != r.endPos {
		r.endPos = values.EndPos
		r.log.Info("sentinel endpos updated",
			slog.String("endpos", r.endPos.String()))
	}
	return nil
}

// queryOneField runs a simple query over the replication connection and
// returns the first field of its first row.
func queryOneField(ctx context.Context, conn *pgconn.PgConn, sql string) (string, error) {
	results, err := conn.Exec(ctx, sql).ReadAll()
	if err != nil {
		return "", fmt.Errorf("failed to run %q: %w", sql, err)
	}
	if len(results) == 0 || len(results[0].Rows) == 0 || len(results[0].Rows[0]) == 0 {
		return "", fmt.Errorf("no result from %q", sql)
	}
	return string(results[0].Rows[0][0]), nil
}

// readSlotFlushLSN returns the confirmed flush position of the replication
// slot, failing when the slot does not exist.
func readSlotFlushLSN(ctx context.Context, conn *pgconn.PgConn, slot string) (pglogrepl.LSN, error) {
	sql := fmt.Sprintf(
		`select coalesce(confirmed_flush_lsn, restart_lsn)::text
		   from pg_replication_slots where slot_name = '%s'`,
		slot)

	results, err := conn.Exec(ctx, sql).ReadAll()
	if err != nil {
		return wal.InvalidLSN, fmt.Errorf("failed to look up slot %q: %w", slot, err)
	}
	if len(results) == 0 || len(results[0].Rows) == 0 {
		return wal.InvalidLSN, fmt.Errorf("replication slot %q does not exist "+
			"on the source database", slot)
	}
	return wal.ParseLSN(string(results[0].Rows[0][0]))
}
