package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesm/spendtrace/internal/store"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "spend.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func Ptr[T any](v T) *T { return &v }

func ts(s string) *time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		panic(err)
	}
	return &t
}

// rec builds a record with sensible defaults. opts mutate it.
func rec(id, start string, opts ...func(*store.Record)) store.Record {
	r := store.Record{
		RequestID:        id,
		StartTime:        ts(start),
		EndTime:          ts(start),
		Model:            "gpt-4o",
		PromptTokens:     10,
		CompletionTokens: 5,
		TotalTokens:      15,
		Cost:             0.001,
	}
	for _, o := range opts {
		o(&r)
	}
	return r
}

func withMeta(raw string) func(*store.Record) {
	return func(r *store.Record) {
		r.Metadata = store.ParseMetadata([]byte(raw))
	}
}

func mustInsert(t *testing.T, s *Store, recs ...store.Record) {
	t.Helper()
	require.NoError(t, s.Insert(context.Background(), recs...))
}

func ids(recs []store.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.RequestID
	}
	return out
}

func TestRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	in := rec("r1", "2024-06-01T10:00:00.123456789Z", func(r *store.Record) {
		r.EndTime = ts("2024-06-01T10:00:02Z")
		r.CompletionStartTime = ts("2024-06-01T10:00:00.5Z")
		r.UserID = Ptr("alice")
		r.Provider = "openai"
		r.CacheHit = true
		r.FunctionCallCount = 2
		r.Messages = []byte(`[{"role":"user","content":"hi"}]`)
		r.Response = []byte(`{"choices":[]}`)
	}, withMeta(`{"session_id":"s1","agent_name":"bot"}`))
	mustInsert(t, s, in)

	got, err := s.ByRequestID(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, in.StartTime.Equal(*got.StartTime))
	assert.True(t, in.CompletionStartTime.Equal(*got.CompletionStartTime))
	assert.Equal(t, "alice", *got.UserID)
	assert.Equal(t, "openai", got.Provider)
	assert.True(t, got.CacheHit)
	assert.Equal(t, int64(2), got.FunctionCallCount)
	assert.Equal(t, "s1", got.SessionKey())
	assert.JSONEq(t, string(in.Messages), string(got.Messages))

	_, err = s.ByRequestID(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNoRecord)
}

func TestRecordsNullColumns(t *testing.T) {
	s := testStore(t)
	_, err := s.writer.Exec(`INSERT INTO spend_logs (request_id,
		response) VALUES ('bare',
		'{"choices":[{"message":{"tool_calls":[{"id":"x"}]}}]}')`)
	require.NoError(t, err)

	recs, err := store.Collect(
		s.Records(context.Background(), store.Query{}),
	)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	r := recs[0]
	assert.Nil(t, r.StartTime)
	assert.Nil(t, r.EndTime)
	assert.Nil(t, r.UserID)
	assert.Zero(t, r.PromptTokens)
	assert.Zero(t, r.Cost)
	assert.False(t, r.Metadata.Present())
	assert.Equal(t, int64(1), r.FunctionCallCount,
		"null count is derived from the response")
	assert.Equal(t, "bare", r.SessionKey())
}

func TestRecordsMalformedColumns(t *testing.T) {
	s := testStore(t)
	_, err := s.writer.Exec(`INSERT INTO spend_logs (request_id,
		start_time, metadata, messages) VALUES
		('m1', 'yesterday', '{"session_id":', 'not json')`)
	require.NoError(t, err)

	r, err := s.ByRequestID(context.Background(), "m1")
	require.NoError(t, err)
	assert.Nil(t, r.StartTime, "unreadable timestamp is missing")
	assert.True(t, r.Metadata.Malformed())
	assert.Equal(t, "m1", r.SessionKey())
	assert.Equal(t, `"not json"`, string(r.Messages))
}

func TestRecordsQuery(t *testing.T) {
	s := testStore(t)
	mustInsert(t, s,
		rec("a", "2024-06-01T10:00:00Z",
			withMeta(`{"agent_name":"bot"}`)),
		rec("b", "2024-06-02T10:00:00Z", func(r *store.Record) {
			r.Model = "claude"
			r.UserID = Ptr("u1")
		}),
		rec("c", "2024-06-03T10:00:00Z", func(r *store.Record) {
			r.UserID = Ptr("u1")
		}, withMeta(`"{\"agent_name\":\"bot\"}"`)),
		rec("d", "2024-06-01T10:00:00Z", func(r *store.Record) {
			r.StartTime = nil
		}),
	)
	ctx := context.Background()

	tests := []struct {
		name string
		q    store.Query
		want []string
	}{
		{"All", store.Query{OrderByStart: true}, []string{"a", "b", "c", "d"}},
		{
			"Since",
			store.Query{Since: ts("2024-06-02T00:00:00Z"), OrderByStart: true},
			[]string{"b", "c"},
		},
		{
			"Until",
			store.Query{Until: ts("2024-06-02T10:00:00Z"), OrderByStart: true},
			[]string{"a", "b"},
		},
		{"Model", store.Query{Model: "claude"}, []string{"b"}},
		{"User", store.Query{UserID: "u1", OrderByStart: true}, []string{"b", "c"}},
		{"Agent", store.Query{AgentName: "bot", OrderByStart: true}, []string{"a", "c"}},
		{"NoMatch", store.Query{Model: "none"}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.Collect(s.Records(ctx, tt.q))
			require.NoError(t, err)
			if tt.q.OrderByStart {
				assert.Equal(t, tt.want, ids(got))
			} else {
				assert.ElementsMatch(t, tt.want, ids(got))
			}
		})
	}
}

func TestRecordsEarlyBreak(t *testing.T) {
	s := testStore(t)
	mustInsert(t, s,
		rec("a", "2024-06-01T10:00:00Z"),
		rec("b", "2024-06-02T10:00:00Z"),
	)
	n := 0
	for _, err := range s.Records(context.Background(), store.Query{}) {
		require.NoError(t, err)
		n++
		break
	}
	assert.Equal(t, 1, n)
}

func TestRecordsCanceled(t *testing.T) {
	s := testStore(t)
	mustInsert(t, s, rec("a", "2024-06-01T10:00:00Z"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Collect(s.Records(ctx, store.Query{}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, errors.Is(err, store.ErrUnavailable))
}

func TestBySessionKey(t *testing.T) {
	s := testStore(t)
	mustInsert(t, s,
		rec("r2", "2024-06-01T10:00:05Z", withMeta(`{"session_id":"s1"}`)),
		rec("r1", "2024-06-01T10:00:00Z", withMeta(`{"session_id":"s1"}`)),
		rec("r3", "2024-06-01T10:00:01Z", withMeta(`{"session_id":"s10"}`)),
		rec("r4", "2024-06-01T10:00:02Z", withMeta(`{"note":"s1"}`)),
		rec("lonely", "2024-06-01T10:00:03Z"),
	)
	ctx := context.Background()

	got, err := s.BySessionKey(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2"}, ids(got))

	got, err = s.BySessionKey(ctx, "lonely")
	require.NoError(t, err)
	assert.Equal(t, []string{"lonely"}, ids(got))

	got, err = s.BySessionKey(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, got)
}

// setRawStart writes start_time text as an external mirror would,
// bypassing Insert's normalization.
func setRawStart(t *testing.T, s *Store, starts map[string]string) {
	t.Helper()
	for id, raw := range starts {
		_, err := s.writer.Exec(
			"UPDATE spend_logs SET start_time = ? WHERE request_id = ?",
			raw, id,
		)
		require.NoError(t, err)
	}
}

func TestRecordsMixedTimestampForms(t *testing.T) {
	s := testStore(t)
	mustInsert(t, s,
		rec("naive-old", "2024-06-09T13:00:00Z"),
		rec("naive", "2024-06-10T07:00:00Z"),
		rec("offset", "2024-06-10T08:30:00Z"),
		rec("canon", "2024-06-10T09:00:00Z"),
	)
	setRawStart(t, s, map[string]string{
		"naive-old": "2024-06-09 13:00:00",
		"naive":     "2024-06-10 07:00:00",
		"offset":    "2024-06-10T10:30:00+02:00",
	})
	ctx := context.Background()

	tests := []struct {
		name string
		q    store.Query
		want []string
	}{
		{
			"Order",
			store.Query{OrderByStart: true},
			[]string{"naive-old", "naive", "offset", "canon"},
		},
		{
			"SinceKeepsNaive",
			store.Query{Since: ts("2024-06-09T12:00:00Z"), OrderByStart: true},
			[]string{"naive-old", "naive", "offset", "canon"},
		},
		{
			"SinceDropsOlder",
			store.Query{Since: ts("2024-06-10T08:00:00Z"), OrderByStart: true},
			[]string{"offset", "canon"},
		},
		{
			"UntilInclusiveAcrossForms",
			store.Query{Until: ts("2024-06-10T08:30:00Z"), OrderByStart: true},
			[]string{"naive-old", "naive", "offset"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.Collect(s.Records(ctx, tt.q))
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))
		})
	}

	got, err := store.Collect(s.Records(ctx, store.Query{OrderByStart: true}))
	require.NoError(t, err)
	require.NotNil(t, got[2].StartTime)
	assert.True(t, got[2].StartTime.Equal(*ts("2024-06-10T08:30:00Z")))
}

func TestBySessionKeyDecodesMetadata(t *testing.T) {
	s := testStore(t)
	mustInsert(t, s,
		rec("e1", "2024-06-01T10:00:00Z",
			withMeta(`{"session_id":"caf\u00e9"}`)),
		rec("e2", "2024-06-01T10:00:01Z", withMeta(`{"session_id":"café"}`)),
		rec("slash", "2024-06-01T10:00:02Z",
			withMeta(`"{\"session_id\":\"a\\/b\"}"`)),
		rec("num", "2024-06-01T10:00:03Z", withMeta(`{"session_id":42}`)),
		rec("broken", "2024-06-01T10:00:04Z", withMeta(`{"session_id":`)),
		rec("list", "2024-06-01T10:00:05Z", withMeta(`["café"]`)),
	)
	ctx := context.Background()

	tests := []struct {
		key  string
		want []string
	}{
		{"café", []string{"e1", "e2"}},
		{"a/b", []string{"slash"}},
		{"42", []string{"num"}},
		{"broken", []string{"broken"}},
		{"list", []string{"list"}},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got, err := s.BySessionKey(ctx, tt.key)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))
			for _, r := range got {
				assert.Equal(t, tt.key, r.SessionKey())
			}
		})
	}
}

func TestEmptyUserIDIsNull(t *testing.T) {
	s := testStore(t)
	mustInsert(t, s,
		rec("blank", "2024-06-01T10:00:00Z", func(r *store.Record) {
			r.UserID = Ptr("")
		}),
	)
	r, err := s.ByRequestID(context.Background(), "blank")
	require.NoError(t, err)
	assert.Nil(t, r.UserID)
}

func TestClosedStoreUnavailable(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "spend.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	err = s.Ping(context.Background())
	assert.ErrorIs(t, err, store.ErrUnavailable)

	_, err = store.Collect(s.Records(context.Background(), store.Query{}))
	assert.ErrorIs(t, err, store.ErrUnavailable)
}

func TestPing(t *testing.T) {
	s := testStore(t)
	assert.NoError(t, s.Ping(context.Background()))
}
