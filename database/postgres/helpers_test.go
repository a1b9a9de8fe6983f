package postgres_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	pgcontainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/capsulefs/capsule/database/postgres"
)

var (
	testPool     *pgxpool.Pool
	testPoolOnce sync.Once
	testPoolErr  error
)

// getSharedTestDatabase starts one postgres container for the whole
// package and returns its pool. Tests reset the schema instead of
// spinning up fresh containers.
func getSharedTestDatabase(t *testing.T) *pgxpool.Pool {
	t.Helper()

	testPoolOnce.Do(func() {
		// testcontainers panics (rather than returning an error) when no
		// Docker host can be found; convert that into the skip path below.
		defer func() {
			if r := recover(); r != nil {
				testPoolErr = fmt.Errorf("testcontainers panic: %v", r)
			}
		}()

		ctx := context.Background()

		pgContainer, err := pgcontainer.Run(ctx,
			"postgres:18-alpine",
			pgcontainer.WithDatabase("capsule_test"),
			pgcontainer.WithUsername("capsule"),
			pgcontainer.WithPassword("capsule"),
			pgcontainer.BasicWaitStrategies(),
		)
		if err != nil {
			testPoolErr = err
			return
		}

		connectionStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			_ = testcontainers.TerminateContainer(pgContainer)
			testPoolErr = err
			return
		}

		pool, err := pgxpool.New(ctx, connectionStr)
		if err != nil {
			_ = testcontainers.TerminateContainer(pgContainer)
			testPoolErr = err
			return
		}

		testPool = pool
	})

	if testPoolErr != nil {
		t.Skipf("postgres container unavailable: %v", testPoolErr)
	}
	return testPool
}

// newStore migrates a clean schema on the shared database.
func newStore(t *testing.T) (*postgres.Store, context.Context) {
	t.Helper()
	ctx := context.Background()

	pool := getSharedTestDatabase(t)
	require.NoError(t, postgres.DropTables(ctx, pool), "drop tables")
	require.NoError(t, postgres.Migrate(ctx, pool), "migrate")

	return postgres.NewStore(pool), ctx
}
