//go:build integration

package postgres_test

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/emperorhan/block-indexer/internal/store/postgres"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Integration tests share one container per package run. TEST_DB_URL points
// them at an existing database instead; TEST_DB_DRIVER picks pq or pgx.
var (
	sharedOnce sync.Once
	sharedURL  string
	sharedErr  error
)

func migrationsDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "migrations")
}

func containerURL() (string, error) {
	sharedOnce.Do(func() {
		ctx := context.Background()
		c, err := tcpostgres.Run(ctx, "postgres:16-alpine",
			tcpostgres.WithDatabase("block_indexer_it"),
			tcpostgres.WithUsername("indexer"),
			tcpostgres.WithPassword("indexer"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(45*time.Second),
			),
		)
		if err != nil {
			sharedErr = err
			return
		}
		// Ryuk reaps the container when the test binary exits.
		sharedURL, sharedErr = c.ConnectionString(ctx, "sslmode=disable")
	})
	return sharedURL, sharedErr
}

func testDB(t *testing.T) *postgres.DB {
	t.Helper()

	url := os.Getenv("TEST_DB_URL")
	if url == "" {
		var err error
		url, err = containerURL()
		require.NoError(t, err, "start postgres container")
	}

	db, err := postgres.New(postgres.Config{
		Driver:          os.Getenv("TEST_DB_DRIVER"),
		URL:             url,
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.RunMigrations(context.Background(), migrationsDir()))
	return db
}
