package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesm/spendtrace/internal/store"
)

func TestBuildWhere(t *testing.T) {
	since := time.Date(2024, 6, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))
	tests := []struct {
		name     string
		q        store.Query
		wantSQL  string
		wantArgs []any
	}{
		{"Empty", store.Query{}, "TRUE", nil},
		{
			"SinceNormalizedToUTC",
			store.Query{Since: &since},
			`"startTime" >= $1`,
			[]any{since.UTC()},
		},
		{
			"Combined",
			store.Query{Model: "gpt-4o", UserID: "u1", AgentName: "bot"},
			`model = $1 AND "user" = $2 AND ` +
				`(jsonb_typeof(metadata) IS DISTINCT FROM 'object'` +
				` OR metadata->>'agent_name' = $3)`,
			[]any{"gpt-4o", "u1", "bot"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args := buildWhere(tt.q)
			assert.Equal(t, tt.wantSQL, sql)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestClassify(t *testing.T) {
	assert.NoError(t, classify(nil))

	err := classify(fmt.Errorf("q: %w", context.Canceled))
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, store.ErrUnavailable)

	err = classify(&pgconn.PgError{Code: "08006"})
	assert.ErrorIs(t, err, store.ErrUnavailable)

	err = classify(&pgconn.PgError{Code: "42P01"})
	assert.NotErrorIs(t, err, store.ErrUnavailable)
}

func TestUnreachableServerIsUnavailable(t *testing.T) {
	s, err := Open(context.Background(), Config{
		URL: "postgres://nobody@127.0.0.1:1/none?connect_timeout=1",
	})
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = s.Ping(ctx)
	assert.ErrorIs(t, err, store.ErrUnavailable)
}

// pgTest opens a store over a scratch copy of the spend log table.
// It needs SPENDTRACE_PG_TEST_URL.
func pgTest(t *testing.T) (*Store, *pgx.Conn) {
	t.Helper()
	url := os.Getenv("SPENDTRACE_PG_TEST_URL")
	if url == "" {
		t.Skip("SPENDTRACE_PG_TEST_URL not set")
	}
	ctx := context.Background()
	conn, err := pgx.Connect(ctx, url)
	require.NoError(t, err)

	table := "spend_test_" + uuid.NewString()[:8]
	ident := pgx.Identifier{table}.Sanitize()
	_, err = conn.Exec(ctx, `CREATE TABLE `+ident+` (
		request_id text PRIMARY KEY,
		call_type text, api_key text, spend double precision,
		total_tokens integer, prompt_tokens integer,
		completion_tokens integer,
		"startTime" timestamp(3), "endTime" timestamp(3),
		"completionStartTime" timestamp(3),
		model text, model_id text, model_group text,
		custom_llm_provider text, api_base text, "user" text,
		metadata jsonb, cache_hit text, cache_key text,
		request_tags jsonb, messages jsonb, response jsonb
	)`)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = conn.Exec(context.Background(), "DROP TABLE "+ident)
		conn.Close(context.Background())
	})

	s, err := Open(ctx, Config{URL: url, MaxConns: 2, Table: table})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, conn
}

func TestPostgresRecords(t *testing.T) {
	s, conn := pgTest(t)
	ctx := context.Background()
	_, err := conn.Exec(ctx, `INSERT INTO `+s.table+`
		(request_id, "startTime", "endTime", model, "user", spend,
		 total_tokens, cache_hit, metadata, response) VALUES
		('r1', '2024-06-01 10:00:00', '2024-06-01 10:00:02', 'gpt-4o',
		 'alice', 0.002, 30, 'True', '{"session_id":"s1"}',
		 '{"choices":[{"message":{"tool_calls":[{"id":"a"}]}}]}'),
		('r2', '2024-06-01 10:00:05', NULL, 'gpt-4o', '', NULL,
		 NULL, NULL, '{"session_id":"s1","agent_name":"bot"}', NULL),
		('r3', NULL, NULL, 'claude', NULL, 0.01, 5, 'False',
		 '"{\"agent_name\":\"bot\"}"', NULL)`)
	require.NoError(t, err)

	recs, err := store.Collect(s.Records(ctx, store.Query{OrderByStart: true}))
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "r1", recs[0].RequestID)
	assert.Equal(t, "r3", recs[2].RequestID, "null start sorts last")
	assert.True(t, recs[0].CacheHit)
	assert.Equal(t, int64(1), recs[0].FunctionCallCount)
	assert.Equal(t, "alice", *recs[0].UserID)
	assert.Nil(t, recs[1].UserID, "empty user is missing")
	assert.Zero(t, recs[1].Cost)
	assert.Nil(t, recs[1].EndTime)

	agents, err := store.Collect(s.Records(ctx, store.Query{AgentName: "bot"}))
	require.NoError(t, err)
	assert.Len(t, agents, 2)

	sess, err := s.BySessionKey(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, sess, 2)
	assert.Equal(t, "r1", sess[0].RequestID)

	_, err = s.ByRequestID(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNoRecord)
}

func TestPostgresBySessionKeyDecoded(t *testing.T) {
	s, conn := pgTest(t)
	ctx := context.Background()
	_, err := conn.Exec(ctx, `INSERT INTO `+s.table+`
		(request_id, "startTime", model, metadata) VALUES
		('e1', '2024-06-01 10:00:00', 'gpt-4o', '{"session_id":"café"}'),
		('e2', '2024-06-01 10:00:01', 'gpt-4o',
		 '"{\"session_id\":\"caf\\u00e9\"}"'),
		('q1', '2024-06-01 10:00:02', 'gpt-4o', '{"session_id":"say \"hi\""}'),
		('other', '2024-06-01 10:00:03', 'gpt-4o', '"{\"session_id\":\"x\"}"')`)
	require.NoError(t, err)

	sess, err := s.BySessionKey(ctx, "café")
	require.NoError(t, err)
	var got []string
	for _, r := range sess {
		got = append(got, r.RequestID)
	}
	assert.Equal(t, []string{"e1", "e2"}, got)

	sess, err = s.BySessionKey(ctx, `say "hi"`)
	require.NoError(t, err)
	require.Len(t, sess, 1)
	assert.Equal(t, "q1", sess[0].RequestID)
}
