package stream

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pgrelay/pgrelay/pkg/wal"
)

var slotNameRE = regexp.MustCompile(`^[a-z0-9_]+$`)

// ValidateSlotName enforces the replication slot naming rules; slot names
// end up interpolated into replication commands, which take no parameters.
func ValidateSlotName(slot string) error {
	if !slotNameRE.MatchString(slot) {
		return fmt.Errorf("invalid replication slot name %q: "+
			"only lower case letters, digits and underscores are allowed", slot)
	}
	return nil
}

// CreateSlot creates the logical replication slot and returns its consistent
// point.  When the slot already exists its confirmed position is returned
// instead, making setup idempotent.
func CreateSlot(ctx context.Context, conn *pgconn.PgConn,
	slot string, plugin Plugin) (pglogrepl.LSN, bool, error) {

	if err := ValidateSlotName(slot); err != nil {
		return wal.InvalidLSN, false, err
	}

	existing, err := readSlotFlushLSN(ctx, conn, slot)
	if err == nil {
		return existing, false, nil
	}

	result, err := pglogrepl.CreateReplicationSlot(ctx, conn, slot, string(plugin),
		pglogrepl.CreateReplicationSlotOptions{Mode: pglogrepl.LogicalReplication})
	if err != nil {
		return wal.InvalidLSN, false, fmt.Errorf(
			"failed to create replication slot %q: %w", slot, err)
	}

	lsn, err := wal.ParseLSN(result.ConsistentPoint)
	if err != nil {
		return wal.InvalidLSN, false, err
	}
	return lsn, true, nil
}

// DropSlot removes the replication slot; a missing slot is not an error.
func DropSlot(ctx context.Context, conn *pgconn.PgConn, slot string) error {
	if err := ValidateSlotName(slot); err != nil {
		return err
	}
	if _, err := readSlotFlushLSN(ctx, conn, slot); err != nil {
		return nil
	}
	if err := pglogrepl.DropReplicationSlot(ctx, conn, slot,
		pglogrepl.DropReplicationSlotOptions{Wait: true}); err != nil {
		return fmt.Errorf("failed to drop replication slot %q: %w", slot, err)
	}
	return nil
}

// Connect opens a replication-mode connection to the source.
func Connect(ctx context.Context, sourceURL string) (*pgconn.PgConn, error) {
	cfg, err := pgconn.ParseConfig(sourceURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse source connection string: %w", err)
	}
	cfg.RuntimeParams["replication"] = "database"

	conn, err := pgconn.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect for replication: %w", err)
	}
	return conn, nil
}
