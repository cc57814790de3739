package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/wesm/spendtrace/internal/config"
	"github.com/wesm/spendtrace/internal/query"
	"github.com/wesm/spendtrace/internal/store"
	"github.com/wesm/spendtrace/internal/store/sqlite"
)

type serverOption func(*Server)

func withHandlerDelay(d time.Duration) serverOption {
	return func(s *Server) { s.handlerDelay = d }
}

// testServer creates a Server for internal tests with the given
// write timeout, backed by an empty SQLite store.
func testServer(
	t *testing.T, writeTimeout time.Duration,
) *Server {
	return testServerOpts(t, writeTimeout)
}

func testServerOpts(
	t *testing.T, writeTimeout time.Duration, opts ...serverOption,
) *Server {
	t.Helper()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "spend.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return newTestServer(st, writeTimeout, opts...)
}

func newTestServer(
	st store.Store, writeTimeout time.Duration, opts ...serverOption,
) *Server {
	cfg := config.Config{
		Host:         "127.0.0.1",
		QueryTimeout: 5 * time.Second,
		WriteTimeout: writeTimeout,
	}
	s := New(cfg, query.New(st))
	for _, o := range opts {
		o(s)
	}
	return s
}

func newTestRequest(
	t *testing.T, rawQuery string,
) (*httptest.ResponseRecorder, *http.Request) {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, "/x?"+rawQuery, nil)
	return httptest.NewRecorder(), r
}

func assertRecorderStatus(
	t *testing.T, w *httptest.ResponseRecorder, want int,
) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("status = %d, want %d (body %s)", w.Code, want, w.Body)
	}
}

// isTimeoutResponse reports whether resp is the JSON 503 written
// by withTimeout.
func isTimeoutResponse(t *testing.T, resp *http.Response) bool {
	t.Helper()
	if resp.StatusCode != http.StatusServiceUnavailable {
		return false
	}
	body, _ := io.ReadAll(resp.Body)
	var je jsonError
	if err := json.Unmarshal(body, &je); err != nil {
		return false
	}
	return je.Error == "request timed out"
}

// assertTimeoutResponse checks that the response is a 503 with
// a JSON body containing "request timed out" and the correct
// Content-Type header.
func assertTimeoutResponse(
	t *testing.T, resp *http.Response,
) {
	t.Helper()
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if !isTimeoutResponse(t, resp) {
		t.Fatalf("status = %d, want timeout 503", resp.StatusCode)
	}
}

// blockingStore never answers until its context ends.
type blockingStore struct{ store.Store }

func (blockingStore) BySessionKey(
	ctx context.Context, _ string,
) ([]store.Record, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingStore) Ping(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}
