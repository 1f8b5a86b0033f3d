package transform

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/pgrelay/pgrelay/pkg/decoding"
)

// Transformer reduces decoded messages to replay files.
type Transformer struct {
	log *slog.Logger
}

// New returns a Transformer.
func New(log *slog.Logger) *Transformer {
	if log == nil {
		log = slog.Default()
	}
	return &Transformer{log: log}
}

// TransformFile reads one closed segment's change file (JSON lines) and
// writes the derived replay file next to it, atomically via a temporary
// file.
func (t *Transformer) TransformFile(jsonPath, sqlPath string) error {
	in, err := os.Open(jsonPath)
	if err != nil {
		return fmt.Errorf("failed to open change file: %w", err)
	}
	defer in.Close()

	tmp := sqlPath + ".partial"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create replay file: %w", err)
	}

	err = t.Transform(in, out)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to transform %q: %w", jsonPath, err)
	}

	if err := os.Rename(tmp, sqlPath); err != nil {
		return fmt.Errorf("failed to finalize replay file: %w", err)
	}

	t.log.Info("transformed change file",
		slog.String("json", jsonPath),
		slog.String("sql", sqlPath))

	return nil
}

// Transform reads JSON-line messages from in and writes the replay format to
// out.
func (t *Transformer) Transform(in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var messages []decoding.Metadata
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		m, err := decoding.ParseMetadata(line)
		if err != nil {
			return err
		}
		messages = append(messages, m)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read change stream: %w", err)
	}

	return t.TransformMessages(messages, out)
}

// TransformMessages reduces an ordered message list to the replay format.
//
// Messages between a BEGIN and its COMMIT become one transaction block; a
// trailing unterminated transaction is a hard error, since segment rotation
// always happens at a transaction boundary (the SWITCH marker design) and an
// incomplete transaction therefore means the file was truncated.
func (t *Transformer) TransformMessages(messages []decoding.Metadata, out io.Writer) error {
	w := bufio.NewWriter(out)

	var txn *Transaction
	lastCommit := decoding.Metadata{}

	for _, m := range messages {
		switch m.Action {
		case decoding.ActionBegin:
			if txn != nil {
				return fmt.Errorf("BEGIN %d at %s: transaction %d already in progress",
					m.XID, m.LSN, txn.XID)
			}
			txn = &Transaction{
				XID:       m.XID,
				BeginLSN:  m.LSN,
				Timestamp: m.Timestamp,
			}

		case decoding.ActionCommit:
			if txn == nil {
				return fmt.Errorf("COMMIT %d at %s: no transaction in progress", m.XID, m.LSN)
			}
			if txn.XID != 0 && m.XID != 0 && txn.XID != m.XID {
				return fmt.Errorf("COMMIT xid %d does not match BEGIN xid %d", m.XID, txn.XID)
			}
			txn.CommitLSN = m.LSN
			// the COMMIT timestamp is the one tracked by the replication origin
			txn.Timestamp = m.Timestamp

			if lastCommit.Action == decoding.ActionCommit && m.LSN < lastCommit.LSN {
				return fmt.Errorf("transaction %d commits at %s, before previous commit %s",
					txn.XID, m.LSN, lastCommit.LSN)
			}
			lastCommit = m

			if err := writeTransaction(w, txn); err != nil {
				return err
			}
			txn = nil

		case decoding.ActionInsert, decoding.ActionUpdate,
			decoding.ActionDelete, decoding.ActionTruncate:
			if txn == nil {
				return fmt.Errorf("%s at %s: no transaction in progress", m.Action, m.LSN)
			}
			stmt, err := ParseStatement(m.Action, m.Message)
			if err != nil {
				return err
			}
			txn.Statements = append(txn.Statements, stmt)

		case decoding.ActionMessage:
			// logical decoding messages carry no row data; nothing to replay

		case decoding.ActionSwitch:
			// within a transaction the boundary is virtual: the statements
			// continue in this same replay file
			if txn == nil {
				line := formatMarker(SwitchPrefix, Marker{LSN: m.LSN.String()})
				if _, err := fmt.Fprintln(w, line); err != nil {
					return err
				}
			}

		case decoding.ActionKeepalive:
			if txn == nil {
				line := formatMarker(KeepalivePrefix, Marker{
					LSN:       m.LSN.String(),
					Timestamp: m.Timestamp,
				})
				if _, err := fmt.Fprintln(w, line); err != nil {
					return err
				}
			}

		default:
			return fmt.Errorf("unexpected action %s at %s", m.Action, m.LSN)
		}
	}

	if txn != nil {
		return fmt.Errorf("change stream ends inside transaction %d (begin %s): "+
			"missing COMMIT", txn.XID, txn.BeginLSN)
	}

	return w.Flush()
}

// writeTransaction renders one complete transaction block.
func writeTransaction(w io.Writer, txn *Transaction) error {
	begin := formatMarker(BeginPrefix, Marker{
		XID:       txn.XID,
		LSN:       txn.BeginLSN.String(),
		Timestamp: txn.Timestamp,
	})
	if _, err := fmt.Fprintln(w, begin); err != nil {
		return err
	}

	for _, stmt := range txn.Statements {
		sql, err := stmt.SQL()
		if err != nil {
			return fmt.Errorf("transaction %d: %w", txn.XID, err)
		}
		if _, err := fmt.Fprintln(w, sql+";"); err != nil {
			return err
		}
	}

	commit := formatMarker(CommitPrefix, Marker{
		XID:       txn.XID,
		LSN:       txn.CommitLSN.String(),
		Timestamp: txn.Timestamp,
	})
	if _, err := fmt.Fprintln(w, commit); err != nil {
		return err
	}

	return nil
}
