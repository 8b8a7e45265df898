// Package postgres provides a PostgreSQL implementation of transport.RunStore.
// It uses pgx/v5 for connection pooling and JSONB for the conversation.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rhuss/mcpbridge/pkg/api"
	"github.com/rhuss/mcpbridge/pkg/storage"
	"github.com/rhuss/mcpbridge/pkg/transport"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// Store is a PostgreSQL-backed RunStore.
type Store struct {
	pool *pgxpool.Pool
}

// Ensure Store implements transport.RunStore at compile time.
var _ transport.RunStore = (*Store)(nil)

// New creates a new PostgreSQL store with the given configuration.
// If MigrateOnStart is true, schema migrations are applied automatically.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg.defaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &Store{pool: pool}

	if cfg.MigrateOnStart {
		if err := s.migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}

	return s, nil
}

// SaveRun inserts a run record. Saving an existing ID returns
// storage.ErrConflict.
func (s *Store) SaveRun(ctx context.Context, rec *api.RunRecord) error {
	messagesJSON, err := json.Marshal(rec.Messages)
	if err != nil {
		return fmt.Errorf("marshaling messages: %w", err)
	}
	outputJSON, err := json.Marshal(rec.Output)
	if err != nil {
		return fmt.Errorf("marshaling output: %w", err)
	}

	var errorJSON []byte
	if rec.Error != nil {
		errorJSON, err = json.Marshal(rec.Error)
		if err != nil {
			return fmt.Errorf("marshaling error: %w", err)
		}
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO runs (
			id, model, state, finish_reason, turns, stream,
			messages, output,
			usage_prompt_tokens, usage_completion_tokens, usage_total_tokens,
			error, created_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		rec.ID, rec.Model, string(rec.State), rec.FinishReason, rec.Turns, rec.Stream,
		messagesJSON, outputJSON,
		rec.Usage.PromptTokens, rec.Usage.CompletionTokens, rec.Usage.TotalTokens,
		nullJSON(errorJSON), rec.CreatedAt, rec.CompletedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

const selectRun = `
	SELECT id, model, state, finish_reason, turns, stream,
	       messages, output,
	       usage_prompt_tokens, usage_completion_tokens, usage_total_tokens,
	       error, created_at, completed_at
	FROM runs`

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*api.RunRecord, error) {
	rows, err := s.pool.Query(ctx, selectRun+" WHERE id = $1", id)
	if err != nil {
		return nil, fmt.Errorf("querying run: %w", err)
	}
	rec, err := pgx.CollectExactlyOneRow(rows, scanRun)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying run: %w", err)
	}
	return rec, nil
}

// ListRuns returns runs ordered by creation time with keyset pagination on
// (created_at, id).
func (s *Store) ListRuns(ctx context.Context, opts transport.ListOptions) (*transport.RunList, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)

	asc := opts.Order == "asc"
	cmp, dir := "<", "DESC"
	if asc {
		cmp, dir = ">", "ASC"
	}

	var (
		where []string
		args  []any
	)
	if opts.Model != "" {
		args = append(args, opts.Model)
		where = append(where, fmt.Sprintf("model = $%d", len(args)))
	}
	if opts.After != "" {
		args = append(args, opts.After)
		n := len(args)
		where = append(where, fmt.Sprintf(
			"(created_at, id) %s (SELECT created_at, id FROM runs WHERE id = $%d)", cmp, n))
	}

	query := selectRun
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit+1)
	query += fmt.Sprintf(" ORDER BY created_at %s, id %s LIMIT $%d", dir, dir, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	runs, err := pgx.CollectRows(rows, scanRun)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	hasMore := len(runs) > limit
	if hasMore {
		runs = runs[:limit]
	}

	result := &transport.RunList{
		Object:  api.ObjectList,
		Data:    runs,
		HasMore: hasMore,
	}
	if len(runs) > 0 {
		result.FirstID = runs[0].ID
		result.LastID = runs[len(runs)-1].ID
	} else {
		result.Data = []*api.RunRecord{}
	}
	return result, nil
}

// scanRun decodes one row of selectRun.
func scanRun(row pgx.CollectableRow) (*api.RunRecord, error) {
	var (
		rec                      api.RunRecord
		state                    string
		messagesJSON, outputJSON []byte
		errorJSON                []byte
	)
	err := row.Scan(
		&rec.ID, &rec.Model, &state, &rec.FinishReason, &rec.Turns, &rec.Stream,
		&messagesJSON, &outputJSON,
		&rec.Usage.PromptTokens, &rec.Usage.CompletionTokens, &rec.Usage.TotalTokens,
		&errorJSON, &rec.CreatedAt, &rec.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.State = api.RunState(state)

	if err := json.Unmarshal(messagesJSON, &rec.Messages); err != nil {
		return nil, fmt.Errorf("unmarshaling messages: %w", err)
	}
	if err := json.Unmarshal(outputJSON, &rec.Output); err != nil {
		return nil, fmt.Errorf("unmarshaling output: %w", err)
	}
	if len(errorJSON) > 0 {
		var apiErr api.APIError
		if err := json.Unmarshal(errorJSON, &apiErr); err == nil {
			rec.Error = &apiErr
		}
	}
	return &rec, nil
}

// HealthCheck verifies the database connection.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// nullJSON converts nil/empty byte slices to nil for nullable JSONB columns.
func nullJSON(b []byte) *[]byte {
	if len(b) == 0 {
		return nil
	}
	return &b
}

// isDuplicateKey reports a PostgreSQL unique violation (23505).
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
