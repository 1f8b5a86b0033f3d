package test

import (
	"context"
	"math/rand"
	"strconv"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const ordersDDL = `
	CREATE TABLE IF NOT EXISTS orders (
		id uuid PRIMARY KEY,
		reference text NOT NULL,
		amount_cents bigint NOT NULL,
		paid boolean NOT NULL DEFAULT false,
		note text,
		created_at timestamptz NOT NULL
	)`

// CreateOrdersTable creates the test table; run it on both databases so the
// replayed statements find their target.
func CreateOrdersTable(t *testing.T, ctx context.Context, conn *pgx.Conn) {
	t.Helper()
	Exec(t, ctx, conn, ordersDDL)
}

// InsertOrders writes n deterministic rows, derived from seed so that reruns
// produce identical traffic.
func InsertOrders(t *testing.T, ctx context.Context, conn *pgx.Conn, seed int64, n int) {
	t.Helper()

	rng := rand.New(rand.NewSource(seed))
	at := time.Unix(1725000000, 0).UTC()

	for i := 0; i < n; i++ {
		ref := strconv.FormatUint(xxhash.Sum64String(strconv.FormatInt(rng.Int63(), 10)), 36)
		Exec(t, ctx, conn,
			`INSERT INTO orders (id, reference, amount_cents, paid, note, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			uuid.NewSHA1(uuid.NameSpaceOID, []byte(ref)),
			ref,
			rng.Int63n(100000),
			rng.Intn(2) == 0,
			"it's order "+ref,
			at,
		)
	}
}

// CountOrders returns the row count on one side.
func CountOrders(t *testing.T, ctx context.Context, conn *pgx.Conn) int {
	t.Helper()
	var n int
	err := conn.QueryRow(ctx, `SELECT count(*) FROM orders`).Scan(&n)
	if err != nil {
		t.Fatalf("count orders: %s", err)
	}
	return n
}
