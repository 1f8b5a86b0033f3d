// Package apply replays the transformed SQL files onto the target database,
// tracking progress through a replication origin so that restarts resume
// exactly where the previous session left off and no transaction is ever
// applied twice.
package apply

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jackc/pglogrepl"

	"github.com/pgrelay/pgrelay/pkg/sentinel"
	"github.com/pgrelay/pgrelay/pkg/transform"
	"github.com/pgrelay/pgrelay/pkg/wal"
	"github.com/pgrelay/pgrelay/pkg/workdir"
)

// Config carries the applier's wiring.
type Config struct {
	Conn     Conn
	Origin   string
	Dir      workdir.Dir
	Timeline uint32
	WalSegSz uint64

	// History maps LSN ranges to timelines for file naming; when empty the
	// whole range is attributed to Timeline.
	History wal.History

	// EndPos stops the applier once a transaction commits at or past it;
	// zero means no end position.
	EndPos pglogrepl.LSN

	Log *slog.Logger
}

// Applier replays one SQL file at a time over a single target connection
// with replication origin session tracking.
type Applier struct {
	conn     Conn
	origin   string
	dir      workdir.Dir
	timeline uint32
	walSegSz uint64
	history  wal.History
	log      *slog.Logger

	endPos        pglogrepl.LSN
	previousLSN   pglogrepl.LSN
	reachedEndPos bool
}

// SyncFunc reports replay progress and returns the current coordination
// values, letting a new end position take effect mid catch-up.
type SyncFunc func(ctx context.Context, replayLSN pglogrepl.LSN) (sentinel.Values, error)

// New prepares an Applier; Setup must run before any file is applied.
func New(cfg Config) (*Applier, error) {
	if cfg.Conn == nil {
		return nil, errors.New("apply: missing target connection")
	}
	if cfg.WalSegSz == 0 {
		return nil, errors.New("apply: missing wal segment size")
	}
	if cfg.Origin == "" {
		cfg.Origin = DefaultOrigin
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if len(cfg.History) == 0 {
		cfg.History = wal.SingleTimeline(cfg.Timeline)
	}
	return &Applier{
		conn:     cfg.Conn,
		origin:   cfg.Origin,
		dir:      cfg.Dir,
		timeline: cfg.Timeline,
		walSegSz: cfg.WalSegSz,
		history:  cfg.History,
		endPos:   cfg.EndPos,
		log:      cfg.Log,
	}, nil
}

// Setup fetches the replication origin progress and registers the origin on
// this session.  The origin must have been created beforehand (stream
// setup); a missing origin means the target was never prepared.
func (a *Applier) Setup(ctx context.Context) error {
	oid, err := OriginOID(ctx, a.conn, a.origin)
	if err != nil {
		return err
	}
	if oid == 0 {
		return fmt.Errorf("replication origin %q not found on target database", a.origin)
	}

	lsn, err := OriginProgress(ctx, a.conn, a.origin)
	if err != nil {
		return err
	}
	a.previousLSN = lsn

	if _, err := a.conn.Exec(ctx,
		`select pg_replication_origin_session_setup($1)`, a.origin); err != nil {
		return fmt.Errorf("failed to set up origin session %q: %w", a.origin, err)
	}

	a.log.Info("replication origin ready",
		slog.String("origin", a.origin),
		slog.String("progress", lsn.String()))

	return nil
}

// PreviousLSN is the commit position of the last replayed transaction.
func (a *Applier) PreviousLSN() pglogrepl.LSN { return a.previousLSN }

// ReachedEndPos reports whether the configured end position was passed.
func (a *Applier) ReachedEndPos() bool { return a.reachedEndPos }

// SetEndPos installs a new end position, typically fetched from the
// sentinel between files.
func (a *Applier) SetEndPos(endpos pglogrepl.LSN) { a.endPos = endpos }

// NextFileName is the WAL segment name expected to contain previousLSN.
// The recorded timeline history decides which timeline names the file; a
// position past every recorded range belongs to the current timeline.
func (a *Applier) NextFileName() string {
	tli, err := a.history.TimelineAt(a.previousLSN)
	if err != nil {
		tli = a.timeline
	}
	return wal.SegmentFileName(tli, a.previousLSN, a.walSegSz)
}

// ApplyFile replays one SQL file.  Transactions at or before the origin
// progress are skipped line by line until the first BEGIN past previousLSN,
// which makes re-applying a partially replayed file safe.
func (a *Applier) ApplyFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open replay file: %w", err)
	}
	defer f.Close()

	a.log.Info("replaying changes", slog.String("file", path))

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	reachedStartPos := false
	switchSeen := false

	for scanner.Scan() && !a.reachedEndPos {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if switchSeen {
			return fmt.Errorf("replay file %q continues after its SWITCH WAL line", path)
		}

		prefix, marker, isMarker, err := transform.ParseMarker(line)
		if err != nil {
			return err
		}

		if !isMarker {
			// plain SQL statement within the current transaction
			if !reachedStartPos {
				continue
			}
			if _, err := a.conn.Exec(ctx, strings.TrimSuffix(line, ";")); err != nil {
				return fmt.Errorf("failed to apply statement %q: %w", line, err)
			}
			continue
		}

		lsn, err := marker.ParseLSN()
		if err != nil {
			return fmt.Errorf("replay file %q: %w", path, err)
		}

		switch prefix {
		case transform.SwitchPrefix:
			a.previousLSN = lsn
			switchSeen = true

		case transform.BeginPrefix:
			if !reachedStartPos {
				reachedStartPos = a.previousLSN < lsn
			}
			if lsn == wal.InvalidLSN || marker.Timestamp == "" {
				return fmt.Errorf("failed to parse BEGIN line %q", line)
			}
			if a.endPos != wal.InvalidLSN && a.endPos <= lsn {
				a.reachedEndPos = true
				continue
			}
			if !reachedStartPos {
				continue
			}
			if _, err := a.conn.Exec(ctx, "BEGIN"); err != nil {
				return fmt.Errorf("failed to begin transaction at %s: %w", lsn, err)
			}
			if err := a.xactSetup(ctx, lsn, marker.Timestamp); err != nil {
				return err
			}

		case transform.CommitPrefix:
			if !reachedStartPos {
				continue
			}
			if _, err := a.conn.Exec(ctx, "COMMIT"); err != nil {
				return fmt.Errorf("failed to commit transaction at %s: %w", lsn, err)
			}
			a.previousLSN = lsn
			if a.endPos != wal.InvalidLSN && a.endPos <= a.previousLSN {
				a.reachedEndPos = true
				a.log.Info("reached end position",
					slog.String("endpos", a.endPos.String()),
					slog.String("lsn", a.previousLSN.String()))
			}

		case transform.KeepalivePrefix:
			if !reachedStartPos {
				reachedStartPos = a.previousLSN < lsn
			}
			if lsn == wal.InvalidLSN || marker.Timestamp == "" {
				return fmt.Errorf("failed to parse KEEPALIVE line %q", line)
			}
			// a keepalive exactly at endpos is still applied: its only
			// effect is advancing the origin tracking
			if a.endPos != wal.InvalidLSN && a.endPos < lsn {
				a.reachedEndPos = true
				continue
			}
			if !reachedStartPos || lsn == a.previousLSN {
				continue
			}
			if _, err := a.conn.Exec(ctx, "BEGIN"); err != nil {
				return fmt.Errorf("failed to begin keepalive transaction: %w", err)
			}
			if err := a.xactSetup(ctx, lsn, marker.Timestamp); err != nil {
				return err
			}
			if _, err := a.conn.Exec(ctx, "COMMIT"); err != nil {
				return fmt.Errorf("failed to commit keepalive transaction: %w", err)
			}
			a.previousLSN = lsn
			if a.endPos != wal.InvalidLSN && a.endPos <= a.previousLSN {
				a.reachedEndPos = true
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read replay file %q: %w", path, err)
	}

	return nil
}

// xactSetup ties the open transaction to its source commit position, so the
// origin advances atomically with the COMMIT.
func (a *Applier) xactSetup(ctx context.Context, lsn pglogrepl.LSN, timestamp string) error {
	_, err := a.conn.Exec(ctx,
		`select pg_replication_origin_xact_setup($1, $2)`,
		lsn.String(), timestamp)
	if err != nil {
		return fmt.Errorf("failed to set up origin transaction at %s: %w", lsn, err)
	}
	return nil
}

// Catchup replays prepared SQL files in WAL order, starting from the file
// containing the origin progress.  It returns once the next expected file
// does not exist yet, once a file ends without switching to the next WAL
// segment, or once the end position is reached; the caller then decides
// whether to switch to live mode or stop.
func (a *Applier) Catchup(ctx context.Context, sync SyncFunc) error {
	for !a.reachedEndPos {
		if err := ctx.Err(); err != nil {
			return err
		}

		name := a.NextFileName()
		path := a.dir.ReplayPath(name)

		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			a.log.Info("replay file does not exist yet",
				slog.String("file", path))
			return nil
		} else if err != nil {
			return fmt.Errorf("failed to stat replay file: %w", err)
		}

		if err := a.ApplyFile(ctx, path); err != nil {
			return err
		}

		if sync != nil {
			values, err := sync(ctx, a.previousLSN)
			if err != nil {
				a.log.Warn("failed to sync replay progress",
					slog.Any("error", err))
			} else {
				a.endPos = values.EndPos
			}
		}

		if !a.reachedEndPos &&
			a.endPos != wal.InvalidLSN && a.endPos <= a.previousLSN {
			a.reachedEndPos = true
		}
		if a.reachedEndPos {
			return nil
		}

		// no SWITCH at the end of this file: the stream still writes here
		if a.NextFileName() == name {
			a.log.Info("reached end of replay file",
				slog.String("file", path),
				slog.String("lsn", a.previousLSN.String()))
			return nil
		}
	}
	return nil
}
