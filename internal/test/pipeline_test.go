package test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pgrelay/pgrelay/pkg/follow"
	"github.com/pgrelay/pgrelay/pkg/sentinel"
	"github.com/pgrelay/pgrelay/pkg/workdir"
)

func pipelineSpecs(t *testing.T, sourceURL, targetURL string) follow.Specs {
	t.Helper()
	return follow.Specs{
		SourceURL: sourceURL,
		TargetURL: targetURL,
		Dir:       workdir.New(t.TempDir()),
	}
}

func TestFollowReplaysChanges(t *testing.T) {
	Integration(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	_, sourceURL := StartSource(t, ctx)
	_, targetURL := StartTarget(t, ctx)

	src := Conn(t, ctx, sourceURL)
	tgt := Conn(t, ctx, targetURL)
	CreateOrdersTable(t, ctx, src)
	CreateOrdersTable(t, ctx, tgt)

	specs := pipelineSpecs(t, sourceURL, targetURL)
	require.NoError(t, follow.Setup(ctx, follow.SetupOptions{Specs: specs}))

	InsertOrders(t, ctx, src, 42, 20)

	sent := sentinel.New(src)
	endpos, err := sent.CurrentWALFlushLSN(ctx)
	require.NoError(t, err)
	require.NoError(t, sent.UpdateEndPos(ctx, endpos))
	require.NoError(t, sent.UpdateApply(ctx, true))

	specs.Mode = follow.ModeFollow
	require.NoError(t, follow.Run(ctx, specs))

	require.Equal(t, 20, CountOrders(t, ctx, tgt))
}

func TestPrefetchThenCatchup(t *testing.T) {
	Integration(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	_, sourceURL := StartSource(t, ctx)
	_, targetURL := StartTarget(t, ctx)

	src := Conn(t, ctx, sourceURL)
	tgt := Conn(t, ctx, targetURL)
	CreateOrdersTable(t, ctx, src)
	CreateOrdersTable(t, ctx, tgt)

	specs := pipelineSpecs(t, sourceURL, targetURL)
	require.NoError(t, follow.Setup(ctx, follow.SetupOptions{Specs: specs}))

	InsertOrders(t, ctx, src, 7, 5)

	sent := sentinel.New(src)
	endpos, err := sent.CurrentWALFlushLSN(ctx)
	require.NoError(t, err)
	require.NoError(t, sent.UpdateEndPos(ctx, endpos))

	// first pass receives and transforms only
	specs.Mode = follow.ModePrefetch
	require.NoError(t, follow.Run(ctx, specs))
	require.Equal(t, 0, CountOrders(t, ctx, tgt))

	// second pass applies the prepared files
	require.NoError(t, sent.UpdateApply(ctx, true))
	specs.Mode = follow.ModeCatchup
	require.NoError(t, follow.Run(ctx, specs))
	require.Equal(t, 5, CountOrders(t, ctx, tgt))
}

func TestSetupIsIdempotentWithResume(t *testing.T) {
	Integration(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	_, sourceURL := StartSource(t, ctx)
	_, targetURL := StartTarget(t, ctx)

	specs := pipelineSpecs(t, sourceURL, targetURL)
	require.NoError(t, follow.Setup(ctx, follow.SetupOptions{Specs: specs}))
	require.NoError(t, follow.Setup(ctx, follow.SetupOptions{Specs: specs, Resume: true}))
}

func TestCleanupDropsEverything(t *testing.T) {
	Integration(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	_, sourceURL := StartSource(t, ctx)
	_, targetURL := StartTarget(t, ctx)

	specs := pipelineSpecs(t, sourceURL, targetURL)
	require.NoError(t, follow.Setup(ctx, follow.SetupOptions{Specs: specs}))
	require.NoError(t, follow.Cleanup(ctx, specs))

	src := Conn(t, ctx, sourceURL)
	var slots int
	require.NoError(t, src.QueryRow(ctx,
		`SELECT count(*) FROM pg_replication_slots`).Scan(&slots))
	require.Equal(t, 0, slots)

	tgt := Conn(t, ctx, targetURL)
	var origins int
	require.NoError(t, tgt.QueryRow(ctx,
		`SELECT count(*) FROM pg_replication_origin`).Scan(&origins))
	require.Equal(t, 0, origins)
}
