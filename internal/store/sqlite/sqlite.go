// Package sqlite is a store.Store backed by a local SQLite mirror
// of the spend log. It is used for offline analysis, fixtures and
// tests.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/wesm/spendtrace/internal/store"
)

//go:embed schema.sql
var schemaSQL string

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// startKey normalizes start_time for comparison and ordering.
// Mirrored rows mix naive, offset and Z forms, which do not sort
// lexically. julianday rounds to the millisecond, so ties fall back
// to the text and MatchRecord rechecks window bounds exactly.
const (
	startKey     = "julianday(start_time)"
	orderByStart = " ORDER BY start_time IS NULL, " + startKey +
		", start_time, request_id"
)

// Store manages a write connection and a read-only pool.
type Store struct {
	writer *sql.DB
	reader *sql.DB
	mu     sync.Mutex // serializes writes
}

var _ store.Store = (*Store)(nil)

// makeDSN builds a SQLite connection string with shared pragmas.
func makeDSN(path string, readOnly bool) string {
	params := url.Values{}
	params.Set("_journal_mode", "WAL")
	params.Set("_busy_timeout", "5000")
	params.Set("_mmap_size", "268435456")
	params.Set("_cache_size", "-64000")
	if readOnly {
		params.Set("mode", "ro")
	} else {
		params.Set("_synchronous", "NORMAL")
	}
	return path + "?" + params.Encode()
}

// Open creates or opens a spend log database at path.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating db directory: %w", err)
	}

	writer, err := sql.Open("sqlite3", makeDSN(path, false))
	if err != nil {
		return nil, fmt.Errorf("opening writer: %w", err)
	}
	writer.SetMaxOpenConns(1)

	reader, err := sql.Open("sqlite3", makeDSN(path, true))
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("opening reader: %w", err)
	}
	reader.SetMaxOpenConns(4)

	s := &Store{writer: writer, reader: reader}
	if err := s.init(); err != nil {
		s.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return s, nil
}

func (s *Store) init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.writer.Exec(schemaSQL)
	return classify(err)
}

// Close closes both writer and reader connections.
func (s *Store) Close() error {
	return errors.Join(s.writer.Close(), s.reader.Close())
}

// Ping checks that the reader pool answers queries.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	err := s.reader.QueryRowContext(
		ctx, "SELECT 1 FROM sqlite_master LIMIT 1",
	).Scan(&one)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return classify(fmt.Errorf("pinging sqlite: %w", err))
	}
	return nil
}

const recordCols = `request_id, start_time, end_time,
	completion_start_time, user_id, model, provider, call_type,
	api_base, cache_key,
	COALESCE(prompt_tokens, 0), COALESCE(completion_tokens, 0),
	COALESCE(total_tokens, 0), COALESCE(cost, 0),
	COALESCE(cache_hit, 0), function_call_count,
	metadata, messages, response, request_tags`

// buildWhere pushes the indexed predicates of q into SQL. The
// metadata predicate is applied in Go by store.Query.MatchRecord.
func buildWhere(q store.Query) (string, []any) {
	preds := []string{"1=1"}
	var args []any
	if q.Since != nil {
		preds = append(preds, startKey+" >= julianday(?)")
		args = append(args, formatTime(*q.Since))
	}
	if q.Until != nil {
		preds = append(preds, startKey+" <= julianday(?)")
		args = append(args, formatTime(*q.Until))
	}
	if q.Model != "" {
		preds = append(preds, "model = ?")
		args = append(args, q.Model)
	}
	if q.UserID != "" {
		preds = append(preds, "user_id = ?")
		args = append(args, q.UserID)
	}
	return strings.Join(preds, " AND "), args
}

// Records streams spend log rows matching q.
func (s *Store) Records(
	ctx context.Context, q store.Query,
) iter.Seq2[store.Record, error] {
	return func(yield func(store.Record, error) bool) {
		where, args := buildWhere(q)
		query := "SELECT " + recordCols +
			" FROM spend_logs WHERE " + where
		if q.OrderByStart {
			query += orderByStart
		}

		rows, err := s.reader.QueryContext(ctx, query, args...)
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

// sessionIDExpr decodes metadata.session_id, unwrapping one level
// of string encoding. Unreadable documents yield NULL rather than an
// error.
const sessionIDExpr = `CASE
	WHEN NOT json_valid(metadata) THEN NULL
	WHEN json_type(metadata) = 'object'
		THEN CAST(json_extract(metadata, '$.session_id') AS TEXT)
	WHEN json_type(metadata) = 'text' THEN CASE
		WHEN NOT json_valid(json_extract(metadata, '$')) THEN NULL
		WHEN json_type(json_extract(metadata, '$')) = 'object'
			THEN CAST(json_extract(json_extract(metadata, '$'),
				'$.session_id') AS TEXT)
	END
END`

// BySessionKey returns the records of one session. Candidates are
// matched on the request ID or the decoded session_id;
// store.FilterSessionKey then applies the exact rule.
func (s *Store) BySessionKey(
	ctx context.Context, key string,
) ([]store.Record, error) {
	rows, err := s.reader.QueryContext(ctx,
		"SELECT "+recordCols+` FROM spend_logs
		WHERE request_id = ? OR (`+sessionIDExpr+`) = ?`+orderByStart,
		key, key,
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
	row := s.reader.QueryRowContext(ctx,
		"SELECT "+recordCols+" FROM spend_logs WHERE request_id = ?",
		id,
	)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, store.ErrNoRecord
	}
	if err != nil {
		return store.Record{}, classify(err)
	}
	return r, nil
}

// Insert appends records in a single transaction.
func (s *Store) Insert(ctx context.Context, recs ...store.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("beginning transaction: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO spend_logs (
		request_id, start_time, end_time, completion_start_time,
		user_id, model, provider, call_type, api_base, cache_key,
		prompt_tokens, completion_tokens, total_tokens, cost,
		cache_hit, function_call_count,
		metadata, messages, response, request_tags
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range recs {
		cacheHit := 0
		if r.CacheHit {
			cacheHit = 1
		}
		_, err := stmt.ExecContext(ctx,
			r.RequestID,
			nullTime(r.StartTime), nullTime(r.EndTime),
			nullTime(r.CompletionStartTime),
			r.UserID, nullStr(r.Model), nullStr(r.Provider),
			nullStr(r.CallType), nullStr(r.APIBase),
			nullStr(r.CacheKey),
			r.PromptTokens, r.CompletionTokens, r.TotalTokens,
			r.Cost, cacheHit, r.FunctionCallCount,
			nullStr(r.Metadata.Source()), nullStr(string(r.Messages)),
			nullStr(string(r.Response)), nullStr(string(r.RequestTags)),
		)
		if err != nil {
			return classify(
				fmt.Errorf("inserting %s: %w", r.RequestID, err),
			)
		}
	}
	return classify(tx.Commit())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(rs rowScanner) (store.Record, error) {
	var (
		r                         store.Record
		start, end, first, user   sql.NullString
		model, provider, callType sql.NullString
		apiBase, cacheKey         sql.NullString
		meta, msgs, resp, tags    sql.NullString
		cacheHit                  int64
		fnCalls                   sql.NullInt64
	)
	err := rs.Scan(
		&r.RequestID, &start, &end, &first, &user,
		&model, &provider, &callType, &apiBase, &cacheKey,
		&r.PromptTokens, &r.CompletionTokens, &r.TotalTokens,
		&r.Cost, &cacheHit, &fnCalls,
		&meta, &msgs, &resp, &tags,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("scanning record: %w", err)
	}

	r.StartTime = parseTime(start)
	r.EndTime = parseTime(end)
	r.CompletionStartTime = parseTime(first)
	if user.Valid && user.String != "" {
		u := user.String
		r.UserID = &u
	}
	r.Model = model.String
	r.Provider = provider.String
	r.CallType = callType.String
	r.APIBase = apiBase.String
	r.CacheKey = cacheKey.String
	r.CacheHit = cacheHit != 0
	r.Metadata = store.ParseMetadata([]byte(meta.String))
	r.Messages = store.RawJSON(msgs.String)
	r.Response = store.RawJSON(resp.String)
	r.RequestTags = store.RawJSON(tags.String)
	if fnCalls.Valid {
		r.FunctionCallCount = fnCalls.Int64
	} else {
		r.FunctionCallCount = store.CountFunctionCalls(
			[]byte(resp.String),
		)
	}
	return r, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseLayouts lists the timestamp shapes found in mirrored logs.
var parseLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
}

// parseTime reads a stored timestamp. Unreadable values are treated
// as missing.
func parseTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	for _, layout := range parseLayouts {
		if t, err := time.Parse(layout, s.String); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// classify maps driver failures that mean the database cannot be
// reached to store.ErrUnavailable. Context errors pass through.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked,
			sqlite3.ErrCantOpen, sqlite3.ErrIoErr,
			sqlite3.ErrNotADB:
			return fmt.Errorf("%w: %w", store.ErrUnavailable, err)
		}
	}
	if errors.Is(err, sql.ErrConnDone) ||
		strings.Contains(err.Error(), "database is closed") {
		return fmt.Errorf("%w: %w", store.ErrUnavailable, err)
	}
	return err
}
