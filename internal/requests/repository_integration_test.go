//go:build integration

package requests

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
	"github.com/google/uuid"
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

	m, err := migrate.New("file://"+migrationsPath(t), dsn)
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

func migrationsPath(t *testing.T) string {
	t.Helper()
	for _, p := range []string{"../../migrations", "../../../migrations"} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	t.Fatal("migrations directory not found")
	return ""
}

func newRequest(userID string, createdAt time.Time) *Request {
	return &Request{
		ID:              uuid.New(),
		UserID:          userID,
		Prompt:          "Explain quantum computing",
		Model:           "gpt-3.5-turbo",
		Status:          StatusQueued,
		EstimatedTokens: 7,
		CreatedAt:       createdAt,
	}
}

func TestRepository_Lifecycle(t *testing.T) {
	pool := setupPostgres(t)
	repo := NewRepository(pool)
	ctx := context.Background()

	req := newRequest("alice", time.Now().UTC())
	require.NoError(t, repo.Insert(ctx, req))

	got, err := repo.GetForUser(ctx, req.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status)
	assert.Equal(t, int64(7), got.EstimatedTokens)
	assert.Nil(t, got.Result)
	assert.Nil(t, got.CompletedAt)

	_, err = repo.GetForUser(ctx, req.ID, "bob")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, repo.MarkProcessing(ctx, req.ID))
	require.NoError(t, repo.MarkProcessing(ctx, req.ID), "redelivery of a processing row")

	require.NoError(t, repo.Complete(ctx, req.ID, "Quantum computing uses qubits.", Usage{
		PromptTokens: 5, CompletionTokens: 6, TotalTokens: 11,
	}))

	got, err = repo.GetForUser(ctx, req.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusDone, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, "Quantum computing uses qubits.", *got.Result)
	require.NotNil(t, got.TotalTokens)
	assert.Equal(t, int64(11), *got.TotalTokens)
	assert.NotNil(t, got.CompletedAt)

	assert.ErrorIs(t, repo.MarkProcessing(ctx, req.ID), ErrTerminal)
	assert.ErrorIs(t, repo.Fail(ctx, req.ID, "late failure"), ErrTerminal)
	assert.ErrorIs(t, repo.Complete(ctx, req.ID, "other", Usage{}), ErrTerminal)

	got, err = repo.GetForUser(ctx, req.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Quantum computing uses qubits.", *got.Result)
}

func TestRepository_Fail(t *testing.T) {
	pool := setupPostgres(t)
	repo := NewRepository(pool)
	ctx := context.Background()

	req := newRequest("alice", time.Now().UTC())
	require.NoError(t, repo.Insert(ctx, req))
	require.NoError(t, repo.Fail(ctx, req.ID, "inference server rejected the request"))

	got, err := repo.GetForUser(ctx, req.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "inference server rejected the request", *got.ErrorMessage)
	assert.Nil(t, got.Result)

	assert.ErrorIs(t, repo.MarkProcessing(ctx, uuid.New()), ErrTerminal)
}

func TestRepository_ListAndCount(t *testing.T) {
	pool := setupPostgres(t)
	repo := NewRepository(pool)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := range 5 {
		require.NoError(t, repo.Insert(ctx, newRequest("alice", base.Add(time.Duration(i)*time.Minute))))
	}
	require.NoError(t, repo.Insert(ctx, newRequest("bob", base)))

	total, err := repo.CountByUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)

	page, err := repo.ListByUser(ctx, "alice", 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.True(t, page[0].CreatedAt.After(page[1].CreatedAt), "newest first")

	page, err = repo.ListByUser(ctx, "alice", 10, 4)
	require.NoError(t, err)
	assert.Len(t, page, 1)
}

func TestRepository_Undispatched(t *testing.T) {
	pool := setupPostgres(t)
	repo := NewRepository(pool)
	ctx := context.Background()

	now := time.Now().UTC()
	stale := newRequest("alice", now.Add(-10*time.Minute))
	dispatched := newRequest("alice", now.Add(-10*time.Minute))
	fresh := newRequest("alice", now)
	for _, r := range []*Request{stale, dispatched, fresh} {
		require.NoError(t, repo.Insert(ctx, r))
	}
	require.NoError(t, repo.MarkDispatched(ctx, dispatched.ID))

	pending, err := repo.ListUndispatched(ctx, now.Add(-2*time.Minute), 100)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, stale.ID, pending[0].ID)

	require.NoError(t, repo.MarkDispatched(ctx, stale.ID))
	pending, err = repo.ListUndispatched(ctx, now.Add(-2*time.Minute), 100)
	require.NoError(t, err)
	assert.Empty(t, pending)

	expired, err := repo.ListExpiredDispatches(ctx, time.Now().UTC().Add(time.Minute), 100)
	require.NoError(t, err)
	assert.Len(t, expired, 2)

	expired, err = repo.ListExpiredDispatches(ctx, now.Add(-time.Hour), 100)
	require.NoError(t, err)
	assert.Empty(t, expired)

	require.NoError(t, repo.MarkProcessing(ctx, stale.ID))
	expired, err = repo.ListExpiredDispatches(ctx, time.Now().UTC().Add(time.Minute), 100)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, dispatched.ID, expired[0].ID)
}

func TestRepository_FailStuck(t *testing.T) {
	pool := setupPostgres(t)
	repo := NewRepository(pool)
	ctx := context.Background()

	stuck := newRequest("alice", time.Now().UTC())
	done := newRequest("alice", time.Now().UTC())
	queued := newRequest("alice", time.Now().UTC())
	for _, r := range []*Request{stuck, done, queued} {
		require.NoError(t, repo.Insert(ctx, r))
	}
	require.NoError(t, repo.MarkProcessing(ctx, stuck.ID))
	require.NoError(t, repo.MarkProcessing(ctx, done.ID))
	require.NoError(t, repo.Complete(ctx, done.ID, "ok", Usage{TotalTokens: 1}))

	n, err := repo.FailStuck(ctx, time.Now().UTC().Add(-time.Hour), "worker gave up")
	require.NoError(t, err)
	assert.Zero(t, n, "recently started rows are left alone")

	n, err = repo.FailStuck(ctx, time.Now().UTC().Add(time.Minute), "worker gave up")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := repo.GetForUser(ctx, stuck.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "worker gave up", *got.ErrorMessage)
	assert.NotNil(t, got.CompletedAt)

	got, err = repo.GetForUser(ctx, done.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusDone, got.Status)

	got, err = repo.GetForUser(ctx, queued.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status)
}
