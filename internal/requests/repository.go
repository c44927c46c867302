package requests

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when no row matches.
var ErrNotFound = errors.New("request not found")

// ErrTerminal is returned when a worker write targets a row that is already
// done or error, or is not in the expected source state.
var ErrTerminal = errors.New("request already completed")

// Repository is the request ledger.
type Repository interface {
	Insert(ctx context.Context, req *Request) error
	GetForUser(ctx context.Context, id uuid.UUID, userID string) (*Request, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*Request, error)
	CountByUser(ctx context.Context, userID string) (int64, error)
	MarkDispatched(ctx context.Context, id uuid.UUID) error
	ListUndispatched(ctx context.Context, olderThan time.Time, limit int) ([]*Request, error)
	// ListExpiredDispatches returns queued rows last dispatched before
	// dispatchedBefore, whose queue message may have aged out of the stream.
	ListExpiredDispatches(ctx context.Context, dispatchedBefore time.Time, limit int) ([]*Request, error)
	// FailStuck moves rows that entered processing before startedBefore to
	// error and reports how many changed.
	FailStuck(ctx context.Context, startedBefore time.Time, message string) (int64, error)

	// Worker-side transitions. Each is a single guarded UPDATE so a terminal
	// row is never rewritten. MarkProcessing accepts a row that is already
	// processing, which is what a redelivery after a worker crash looks like.
	MarkProcessing(ctx context.Context, id uuid.UUID) error
	Complete(ctx context.Context, id uuid.UUID, result string, usage Usage) error
	Fail(ctx context.Context, id uuid.UUID, message string) error
}

type postgresRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) Repository {
	return &postgresRepository{pool: pool}
}

const selectColumns = `id, user_id, prompt, model, status, estimated_tokens,
		prompt_tokens, completion_tokens, total_tokens, result, error_message,
		created_at, dispatched_at, completed_at`

func scanRequest(row pgx.Row) (*Request, error) {
	req := &Request{}
	err := row.Scan(
		&req.ID, &req.UserID, &req.Prompt, &req.Model, &req.Status, &req.EstimatedTokens,
		&req.PromptTokens, &req.CompletionTokens, &req.TotalTokens, &req.Result, &req.ErrorMessage,
		&req.CreatedAt, &req.DispatchedAt, &req.CompletedAt)
	if err != nil {
		return nil, err
	}
	return req, nil
}

func (r *postgresRepository) Insert(ctx context.Context, req *Request) error {
	query := `
		INSERT INTO requests (id, user_id, prompt, model, status, estimated_tokens, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.pool.Exec(ctx, query,
		req.ID, req.UserID, req.Prompt, req.Model, req.Status, req.EstimatedTokens, req.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting request: %w", err)
	}
	return nil
}

func (r *postgresRepository) GetForUser(ctx context.Context, id uuid.UUID, userID string) (*Request, error) {
	query := `SELECT ` + selectColumns + ` FROM requests WHERE id = $1 AND user_id = $2`

	req, err := scanRequest(r.pool.QueryRow(ctx, query, id, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying request: %w", err)
	}
	return req, nil
}

func (r *postgresRepository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*Request, error) {
	query := `SELECT ` + selectColumns + `
		FROM requests
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	return r.queryRequests(ctx, "listing requests", query, userID, limit, offset)
}

func (r *postgresRepository) CountByUser(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM requests WHERE user_id = $1`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting requests: %w", err)
	}
	return count, nil
}

func (r *postgresRepository) MarkDispatched(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE requests SET dispatched_at = NOW() WHERE id = $1 AND status = 'queued'`, id)
	if err != nil {
		return fmt.Errorf("marking request dispatched: %w", err)
	}
	return nil
}

func (r *postgresRepository) ListUndispatched(ctx context.Context, olderThan time.Time, limit int) ([]*Request, error) {
	query := `SELECT ` + selectColumns + `
		FROM requests
		WHERE status = 'queued' AND dispatched_at IS NULL AND created_at < $1
		ORDER BY created_at
		LIMIT $2`
	return r.queryRequests(ctx, "listing undispatched requests", query, olderThan, limit)
}

func (r *postgresRepository) ListExpiredDispatches(ctx context.Context, dispatchedBefore time.Time, limit int) ([]*Request, error) {
	query := `SELECT ` + selectColumns + `
		FROM requests
		WHERE status = 'queued' AND dispatched_at < $1
		ORDER BY dispatched_at
		LIMIT $2`
	return r.queryRequests(ctx, "listing expired dispatches", query, dispatchedBefore, limit)
}

func (r *postgresRepository) queryRequests(ctx context.Context, op, query string, args ...any) ([]*Request, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning request row: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (r *postgresRepository) FailStuck(ctx context.Context, startedBefore time.Time, message string) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE requests
		 SET status = 'error', error_message = $2, completed_at = NOW()
		 WHERE status = 'processing' AND processing_at < $1`,
		startedBefore, message)
	if err != nil {
		return 0, fmt.Errorf("failing stuck requests: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *postgresRepository) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE requests SET status = 'processing', processing_at = NOW() WHERE id = $1 AND status IN ('queued', 'processing')`, id)
	if err != nil {
		return fmt.Errorf("marking request processing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTerminal
	}
	return nil
}

func (r *postgresRepository) Complete(ctx context.Context, id uuid.UUID, result string, usage Usage) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE requests
		 SET status = 'done', result = $2,
		     prompt_tokens = $3, completion_tokens = $4, total_tokens = $5,
		     completed_at = NOW()
		 WHERE id = $1 AND status IN ('queued', 'processing')`,
		id, result, usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens)
	if err != nil {
		return fmt.Errorf("completing request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTerminal
	}
	return nil
}

func (r *postgresRepository) Fail(ctx context.Context, id uuid.UUID, message string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE requests
		 SET status = 'error', error_message = $2, completed_at = NOW()
		 WHERE id = $1 AND status IN ('queued', 'processing')`,
		id, message)
	if err != nil {
		return fmt.Errorf("failing request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTerminal
	}
	return nil
}
