//go:build integration

package quota

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "test",
				"POSTGRES_PASSWORD": "test",
				"POSTGRES_DB":       "inferq_test",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("starting postgres container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)
	dsn := fmt.Sprintf("postgres://test:test@%s:%s/inferq_test?sslmode=disable", host, port.Port())

	path := "../../migrations"
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("migrations directory not found: %v", err)
	}
	m, err := migrate.New("file://"+path, dsn)
	require.NoError(t, err)
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		t.Fatalf("running migrations: %v", err)
	}
	_, _ = m.Close()

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestRepository_UpsertNeverRollsBack(t *testing.T) {
	repo := NewRepository(setupPostgres(t))
	ctx := context.Background()

	start, end := Window(time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC))
	at := start.Add(time.Hour)

	newer := Usage{UserID: "alice", RequestsUsed: 6, TokensUsed: 60, PeriodStart: start, PeriodEnd: end}
	older := Usage{UserID: "alice", RequestsUsed: 5, TokensUsed: 50, PeriodStart: start, PeriodEnd: end}

	require.NoError(t, repo.Upsert(ctx, newer))
	require.NoError(t, repo.Upsert(ctx, older))

	got, err := repo.GetActive(ctx, "alice", at)
	require.NoError(t, err)
	assert.Equal(t, int64(6), got.RequestsUsed)
	assert.Equal(t, int64(60), got.TokensUsed)
	assert.Equal(t, start, got.PeriodStart)

	require.NoError(t, repo.Upsert(ctx, Usage{UserID: "alice", RequestsUsed: 7, TokensUsed: 55, PeriodStart: start, PeriodEnd: end}))
	got, err = repo.GetActive(ctx, "alice", at)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.RequestsUsed)
	assert.Equal(t, int64(60), got.TokensUsed)
}

func TestRepository_GetActiveWithoutRow(t *testing.T) {
	repo := NewRepository(setupPostgres(t))
	at := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

	got, err := repo.GetActive(context.Background(), "bob", at)
	require.NoError(t, err)
	assert.Zero(t, got.RequestsUsed)
	start, end := Window(at)
	assert.Equal(t, start, got.PeriodStart)
	assert.Equal(t, end, got.PeriodEnd)
}
