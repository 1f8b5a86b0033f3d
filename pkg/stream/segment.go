package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pglogrepl"

	"github.com/pgrelay/pgrelay/pkg/catalog"
	"github.com/pgrelay/pgrelay/pkg/decoding"
	"github.com/pgrelay/pgrelay/pkg/wal"
	"github.com/pgrelay/pgrelay/pkg/workdir"
)

// Notifier learns about closed segments ready for transformation.
// *transform.Worker satisfies it.
type Notifier interface {
	NotifyFileReady(walName string, firstLSN pglogrepl.LSN)
}

// segmentWriter appends decoded messages to the current WAL segment file,
// rotating to the next file when the stream crosses a segment boundary.
//
// Rotation is keyed on the highest LSN written so far, not on the current
// message LSN: wal2json delivers whole transactions in commit order, so a
// transaction can carry message LSNs lower than ones already on disk.  Those
// messages keep going to the current file, which guarantees a transaction is
// never split across files and file names never move backwards.
type segmentWriter struct {
	dir      workdir.Dir
	cat      *catalog.Catalog
	notifier Notifier
	log      *slog.Logger

	timeline uint32
	segSize  uint64

	file        *os.File
	walName     string
	partialPath string
	segmentID   int64
	firstLSN    pglogrepl.LSN

	maxWrittenLSN pglogrepl.LSN
}

func newSegmentWriter(dir workdir.Dir, cat *catalog.Catalog, notifier Notifier,
	timeline uint32, segSize uint64, log *slog.Logger) *segmentWriter {

	return &segmentWriter{
		dir:      dir,
		cat:      cat,
		notifier: notifier,
		log:      log,
		timeline: timeline,
		segSize:  segSize,
	}
}

// fileLSN picks the LSN that routes the given message to its file.
func (w *segmentWriter) fileLSN(lsn pglogrepl.LSN) pglogrepl.LSN {
	if w.maxWrittenLSN != wal.InvalidLSN && lsn < w.maxWrittenLSN {
		return w.maxWrittenLSN
	}
	return lsn
}

// Write routes one message to its segment file, rotating first if needed.
func (w *segmentWriter) Write(m decoding.Metadata) error {
	if m.LSN == wal.InvalidLSN {
		return nil
	}

	if err := w.rotate(w.fileLSN(m.LSN)); err != nil {
		return err
	}

	if err := w.append(m); err != nil {
		return err
	}

	if w.maxWrittenLSN < m.LSN {
		w.maxWrittenLSN = m.LSN
	}
	return nil
}

// rotate makes sure the file hosting fileLSN is the open one, closing the
// previous segment with a SWITCH marker when the name changes.
func (w *segmentWriter) rotate(fileLSN pglogrepl.LSN) error {
	name := wal.SegmentFileName(w.timeline, fileLSN, w.segSize)
	if name == w.walName {
		return nil
	}

	if w.file != nil {
		// the marker carries the first LSN of the next file, which is how
		// the applier finds its way to it
		switchMsg := decoding.Metadata{Action: decoding.ActionSwitch, LSN: fileLSN}
		if err := w.append(switchMsg); err != nil {
			return err
		}
		if err := w.Close(); err != nil {
			return err
		}
	}

	return w.open(name, fileLSN)
}

// open prepares the .partial file for the given segment, resuming any
// pre-existing content from an interrupted session.
func (w *segmentWriter) open(name string, firstLSN pglogrepl.LSN) error {
	finalPath := w.dir.SegmentPath(name)
	partialPath := finalPath + workdir.PartialSuffix

	// a closed file being reopened keeps its content; the final file stays
	// in place until the partial replaces it at close
	if _, err := os.Stat(finalPath); err == nil {
		if err := copyFile(finalPath, partialPath); err != nil {
			return fmt.Errorf("failed to reopen segment %q: %w", name, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to stat segment %q: %w", name, err)
	}

	f, err := os.OpenFile(partialPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open segment %q: %w", name, err)
	}

	// an interrupted session leaves its segment row open: adopt that row
	// instead of registering a duplicate
	seg, err := w.cat.OpenSegment(w.timeline, firstLSN)
	if err != nil {
		f.Close()
		return err
	}
	if seg != nil && seg.Filename != name {
		// the open row covers an earlier file, look this one up by name
		seg = nil
	}
	if seg == nil {
		if seg, err = w.cat.SegmentByFilename(name); err != nil {
			f.Close()
			return err
		}
	}
	if seg == nil {
		id, err := w.cat.RegisterSegment(catalog.Segment{
			Filename:  name,
			Timeline:  w.timeline,
			StartPos:  firstLSN,
			StartTime: time.Now(),
		})
		if err != nil {
			f.Close()
			return err
		}
		w.segmentID = id
	} else {
		if seg.Done() {
			if err := w.cat.ReopenSegment(seg.ID); err != nil {
				f.Close()
				return err
			}
		}
		w.segmentID = seg.ID
	}

	w.file = f
	w.walName = name
	w.partialPath = partialPath
	w.firstLSN = firstLSN

	if err := w.dir.SetLatest(partialPath); err != nil {
		f.Close()
		return err
	}

	w.log.Info("now streaming changes",
		slog.String("segment", name),
		slog.String("lsn", firstLSN.String()))

	return nil
}

func (w *segmentWriter) append(m decoding.Metadata) error {
	line, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	if _, err := w.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write segment %q: %w", w.walName, err)
	}
	return w.cat.AppendMessage(w.segmentID, m)
}

// Sync flushes the open segment file to disk.
func (w *segmentWriter) Sync() error {
	if w.file == nil {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync segment %q: %w", w.walName, err)
	}
	return nil
}

// Open reports whether a segment file is currently open.
func (w *segmentWriter) Open() bool { return w.file != nil }

// Close finishes the current segment: the partial file becomes final, the
// catalog entry is marked done, and the transformer is notified.
func (w *segmentWriter) Close() error {
	if w.file == nil {
		return nil
	}

	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync segment %q: %w", w.walName, err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close segment %q: %w", w.walName, err)
	}
	w.file = nil

	finalPath := w.dir.SegmentPath(w.walName)
	if err := os.Rename(w.partialPath, finalPath); err != nil {
		return fmt.Errorf("failed to finalize segment %q: %w", w.walName, err)
	}
	if err := w.dir.SetLatest(finalPath); err != nil {
		return err
	}

	if err := w.cat.MarkSegmentDone(w.segmentID, time.Now()); err != nil {
		return err
	}

	if w.notifier != nil {
		w.notifier.NotifyFileReady(w.walName, w.firstLSN)
	}

	w.log.Info("closed segment",
		slog.String("segment", w.walName),
		slog.String("maxlsn", w.maxWrittenLSN.String()))

	w.walName = ""
	w.partialPath = ""
	w.segmentID = 0

	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
