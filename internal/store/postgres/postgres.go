// Package postgres reads the LiteLLM proxy spend log directly from
// its Postgres database.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wesm/spendtrace/internal/store"
)

// DefaultTable is the table the LiteLLM proxy writes.
const DefaultTable = "LiteLLM_SpendLogs"

// Config holds connection settings.
type Config struct {
	URL      string
	MaxConns int32
	Table    string // defaults to DefaultTable
}

// Store is a pooled, read-only view of the spend log.
type Store struct {
	pool  *pgxpool.Pool
	table string // quoted identifier
}

var _ store.Store = (*Store)(nil)

// Open builds the connection pool. Connections are established
// lazily, so an unreachable server surfaces on first use.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	pc, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, classify(fmt.Errorf("creating pool: %w", err))
	}
	table := cfg.Table
	if table == "" {
		table = DefaultTable
	}
	return &Store{
		pool:  pool,
		table: pgx.Identifier{table}.Sanitize(),
	}, nil
}

// Close releases every pooled connection.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping runs a trivial query through the pool.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return classify(fmt.Errorf("pinging postgres: %w", err))
	}
	return nil
}

const recordCols = `request_id, "startTime", "endTime",
	"completionStartTime", "user", COALESCE(model, ''),
	COALESCE(custom_llm_provider, ''), COALESCE(call_type, ''),
	COALESCE(api_base, ''), COALESCE(cache_key, ''),
	COALESCE(prompt_tokens, 0)::bigint,
	COALESCE(completion_tokens, 0)::bigint,
	COALESCE(total_tokens, 0)::bigint,
	COALESCE(spend, 0)::float8,
	COALESCE(cache_hit::text, '') IN ('True', 'true'),
	metadata::text, messages::text, response::text,
	request_tags::text`

// buildWhere renders q as a predicate with $n placeholders.
// The agent predicate keeps rows whose metadata is not an object
// (string-encoded documents) so store.Query.MatchRecord can decide.
func buildWhere(q store.Query) (string, []any) {
	var (
		preds []string
		args  []any
	)
	add := func(pred string, v any) {
		args = append(args, v)
		preds = append(preds, fmt.Sprintf(pred, len(args)))
	}
	if q.Since != nil {
		add(`"startTime" >= $%d`, q.Since.UTC())
	}
	if q.Until != nil {
		add(`"startTime" <= $%d`, q.Until.UTC())
	}
	if q.Model != "" {
		add(`model = $%d`, q.Model)
	}
	if q.UserID != "" {
		add(`"user" = $%d`, q.UserID)
	}
	if q.AgentName != "" {
		add(`(jsonb_typeof(metadata) IS DISTINCT FROM 'object'`+
			` OR metadata->>'agent_name' = $%d)`, q.AgentName)
	}
	if len(preds) == 0 {
		return "TRUE", nil
	}
	return strings.Join(preds, " AND "), args
}

const orderByStart = ` ORDER BY "startTime" ASC NULLS LAST, request_id`

// Records streams spend log rows matching q.
func (s *Store) Records(
	ctx context.Context, q store.Query,
) iter.Seq2[store.Record, error] {
	return func(yield func(store.Record, error) bool) {
		where, args := buildWhere(q)
		query := "SELECT " + recordCols + " FROM " + s.table +
			" WHERE " + where
		if q.OrderByStart {
			query += orderByStart
		}

		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			yield(store.Record{}, classify(
				fmt.Errorf("querying records: %w", err),
			))
			return
		}
		defer rows.Close()

		n := 0
		for rows.Next() {
			n++
			if n%store.CheckEvery == 0 {
				if err := ctx.Err(); err != nil {
					yield(store.Record{}, err)
					return
				}
			}
			r, err := scanRecord(rows)
			if err != nil {
				yield(store.Record{}, err)
				return
			}
			if !q.MatchRecord(r) {
				continue
			}
			if !yield(r, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(store.Record{}, classify(
				fmt.Errorf("iterating records: %w", err),
			))
		}
	}
}

// sessionPred selects candidate rows for a session key. Object
// metadata is compared on its decoded session_id. String-encoded
// documents cannot be cast safely in SQL, so all of them are kept
// and store.FilterSessionKey applies the exact rule.
const sessionPred = ` WHERE request_id = $1
	OR metadata->>'session_id' = $1
	OR jsonb_typeof(metadata) = 'string'`

// BySessionKey returns the records of one session.
func (s *Store) BySessionKey(
	ctx context.Context, key string,
) ([]store.Record, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+recordCols+" FROM "+s.table+sessionPred+orderByStart,
		key,
	)
	if err != nil {
		return nil, classify(
			fmt.Errorf("querying session %s: %w", key, err),
		)
	}
	defer rows.Close()

	var recs []store.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(
			fmt.Errorf("iterating session %s: %w", key, err),
		)
	}
	return store.FilterSessionKey(recs, key), nil
}

// ByRequestID returns one record or store.ErrNoRecord.
func (s *Store) ByRequestID(
	ctx context.Context, id string,
) (store.Record, error) {
	row := s.pool.QueryRow(ctx,
		"SELECT "+recordCols+" FROM "+s.table+" WHERE request_id = $1",
		id,
	)
	r, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Record{}, store.ErrNoRecord
	}
	if err != nil {
		return store.Record{}, classify(err)
	}
	return r, nil
}

func scanRecord(row pgx.Row) (store.Record, error) {
	var (
		r                      store.Record
		start, end, first      *time.Time
		user                   *string
		meta, msgs, resp, tags *string
	)
	err := row.Scan(
		&r.RequestID, &start, &end, &first, &user,
		&r.Model, &r.Provider, &r.CallType, &r.APIBase, &r.CacheKey,
		&r.PromptTokens, &r.CompletionTokens, &r.TotalTokens,
		&r.Cost, &r.CacheHit,
		&meta, &msgs, &resp, &tags,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("scanning record: %w", err)
	}
	r.StartTime = utc(start)
	r.EndTime = utc(end)
	r.CompletionStartTime = utc(first)
	// The proxy writes '' when no end user was supplied.
	if user != nil && *user != "" {
		r.UserID = user
	}
	r.Metadata = store.ParseMetadata([]byte(deref(meta)))
	r.Messages = store.RawJSON(deref(msgs))
	r.Response = store.RawJSON(deref(resp))
	r.RequestTags = store.RawJSON(deref(tags))
	r.FunctionCallCount = store.CountFunctionCalls([]byte(deref(resp)))
	return r, nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// classify maps connection-level failures to store.ErrUnavailable.
// Context errors pass through.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if unavailable(err) {
		return fmt.Errorf("%w: %w", store.ErrUnavailable, err)
	}
	return err
}

func unavailable(err error) bool {
	var ce *pgconn.ConnectError
	if errors.As(err, &ce) {
		return true
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		// Class 08 is connection exception; 57P0x are shutdowns.
		return strings.HasPrefix(pe.Code, "08") ||
			strings.HasPrefix(pe.Code, "57P0") ||
			pe.Code == "53300"
	}
	var ne net.Error
	if errors.As(err, &ne) || pgconn.Timeout(err) {
		return true
	}
	return strings.Contains(err.Error(), "closed pool")
}
