// Generates a steady trickle of inserts against the sample orders table,
// useful for watching a live pipeline.
//
//	DATABASE_URL=... go run ./scripts/pushdata
package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c, err := pgx.Connect(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		panic(err)
	}
	defer c.Close(context.Background())

	interval := time.Second
	if raw := os.Getenv("INTERVAL"); raw != "" {
		if interval, err = time.ParseDuration(raw); err != nil {
			panic(err)
		}
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for n := 0; ; n++ {
		ref := strconv.FormatUint(xxhash.Sum64String(strconv.FormatInt(rng.Int63(), 10)), 36)
		_, err := c.Exec(ctx,
			`INSERT INTO orders (id, reference, amount_cents, paid, note, created_at)
			 VALUES ($1, $2, $3, $4, $5, now())`,
			uuid.NewSHA1(uuid.NameSpaceOID, []byte(ref)),
			ref,
			rng.Int63n(100000),
			rng.Intn(2) == 0,
			nil,
		)
		if errors.Is(err, context.Canceled) {
			return
		}
		if err != nil {
			panic(err)
		}
		fmt.Printf("inserted order %s (%d total)\n", ref, n+1)

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}
