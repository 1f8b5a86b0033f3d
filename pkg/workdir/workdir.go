// Package workdir manages the on-disk layout used by the change data capture
// pipeline: the cdc/ directory of per-segment .json/.sql file pairs, the
// "latest" symbolic link pointing at the currently open segment, and the
// small state files used to reconstruct streaming context across restarts.
package workdir

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/pgrelay/pgrelay/pkg/wal"
)

const (
	cdcDirName      = "cdc"
	catalogFileName = "catalog.db"

	walSegSzFileName = "wal_segment_size"
	tliFileName      = "tli"
	historyFileName  = "tli.history"

	latestLinkName = "latest"

	// PartialSuffix marks a segment file that is still open for writes.
	PartialSuffix = ".partial"
)

// Dir is the resolved work directory of one replication session.
type Dir struct {
	Root string
	CDC  string
}

// Default derives the work directory for the given source URL, hashing the
// URL so that concurrent sessions against different sources never collide.
func Default(sourceURL string) Dir {
	name := fmt.Sprintf("pgrelay_%x", xxhash.Sum64String(sourceURL))
	return New(filepath.Join(os.TempDir(), name))
}

// New returns the Dir rooted at the given path.
func New(root string) Dir {
	return Dir{
		Root: root,
		CDC:  filepath.Join(root, cdcDirName),
	}
}

// Create makes the directory tree.  With restart set, any previous cdc/
// content is removed first.
func (d Dir) Create(restart bool) error {
	if restart {
		if err := os.RemoveAll(d.CDC); err != nil {
			return fmt.Errorf("failed to clean work directory: %w", err)
		}
	}
	if err := os.MkdirAll(d.CDC, 0o755); err != nil {
		return fmt.Errorf("failed to create work directory: %w", err)
	}
	return nil
}

// Remove deletes the whole work directory tree.
func (d Dir) Remove() error {
	return os.RemoveAll(d.Root)
}

// CatalogPath is the change-store catalog location.
func (d Dir) CatalogPath() string {
	return filepath.Join(d.Root, catalogFileName)
}

// SegmentPath returns the change file path for the given WAL segment name,
// e.g. <dir>/cdc/000000010000000000000002.json.
func (d Dir) SegmentPath(walName string) string {
	return filepath.Join(d.CDC, walName+".json")
}

// ReplayPath returns the derived replay file path for the given WAL segment
// name, e.g. <dir>/cdc/000000010000000000000002.sql.
func (d Dir) ReplayPath(walName string) string {
	return filepath.Join(d.CDC, walName+".sql")
}

// SetLatest points the "latest" symlink at the given segment file.  The link
// is replaced atomically via rename so readers never observe a missing link.
func (d Dir) SetLatest(path string) error {
	link := filepath.Join(d.CDC, latestLinkName)
	tmp := link + ".new"

	if err := os.Remove(tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.Symlink(filepath.Base(path), tmp); err != nil {
		return fmt.Errorf("failed to create latest symlink: %w", err)
	}
	if err := os.Rename(tmp, link); err != nil {
		return fmt.Errorf("failed to update latest symlink: %w", err)
	}
	return nil
}

// Latest resolves the "latest" symlink, returning the empty string when no
// segment has been opened yet.
func (d Dir) Latest() (string, error) {
	link := filepath.Join(d.CDC, latestLinkName)
	target, err := os.Readlink(link)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read latest symlink: %w", err)
	}
	return filepath.Join(d.CDC, target), nil
}

// WriteWalSegSz persists the source's WAL segment size.
func (d Dir) WriteWalSegSz(segSize uint64) error {
	return d.writeStateFile(walSegSzFileName, strconv.FormatUint(segSize, 10))
}

// ReadWalSegSz reads the persisted WAL segment size, returning ok=false when
// the state file does not exist yet.
func (d Dir) ReadWalSegSz() (uint64, bool, error) {
	content, ok, err := d.readStateFile(walSegSzFileName)
	if err != nil || !ok {
		return 0, ok, err
	}
	segSize, err := strconv.ParseUint(content, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("malformed %s state file: %w", walSegSzFileName, err)
	}
	return segSize, true, nil
}

// WriteTimeline persists the current timeline id.
func (d Dir) WriteTimeline(tli uint32) error {
	return d.writeStateFile(tliFileName, strconv.FormatUint(uint64(tli), 10))
}

// ReadTimeline reads the persisted timeline id.
func (d Dir) ReadTimeline() (uint32, bool, error) {
	content, ok, err := d.readStateFile(tliFileName)
	if err != nil || !ok {
		return 0, ok, err
	}
	tli, err := strconv.ParseUint(content, 10, 32)
	if err != nil {
		return 0, false, fmt.Errorf("malformed %s state file: %w", tliFileName, err)
	}
	return uint32(tli), true, nil
}

// WriteHistory persists the timeline history.
func (d Dir) WriteHistory(history wal.History) error {
	return d.writeStateFile(historyFileName, history.Format())
}

// ReadHistory reads the persisted timeline history for the given current
// timeline, defaulting to the trivial single-timeline history.
func (d Dir) ReadHistory(tli uint32) (wal.History, error) {
	content, ok, err := d.readStateFile(historyFileName)
	if err != nil {
		return nil, err
	}
	if !ok {
		return wal.SingleTimeline(tli), nil
	}
	return wal.ParseHistory(tli, content)
}

func (d Dir) writeStateFile(name, content string) error {
	path := filepath.Join(d.Root, name)
	tmp := path + ".new"

	if err := os.WriteFile(tmp, []byte(strings.TrimRight(content, "\n")+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write state file %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to write state file %s: %w", name, err)
	}
	return nil
}

func (d Dir) readStateFile(name string) (string, bool, error) {
	content, err := os.ReadFile(filepath.Join(d.Root, name))
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read state file %s: %w", name, err)
	}
	return strings.TrimSpace(string(content)), true, nil
}
