// Package query composes the store, session and analytics packages
// into the operations exposed by the server and the CLI.
package query

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wesm/spendtrace/internal/analytics"
	"github.com/wesm/spendtrace/internal/session"
	"github.com/wesm/spendtrace/internal/store"
	"github.com/wesm/spendtrace/internal/telemetry"
)

var (
	// ErrNotFound is returned for unknown session keys and
	// request IDs.
	ErrNotFound = errors.New("not found")
	// ErrInvalidFilter rejects filters and pages.
	ErrInvalidFilter = session.ErrInvalidFilter
	// ErrInvalidWindow rejects analytics windows.
	ErrInvalidWindow = analytics.ErrInvalidWindow
	// ErrInvalidParam rejects unknown cohort parameters.
	ErrInvalidParam = analytics.ErrInvalidParam
)

const tracerName = "github.com/wesm/spendtrace/internal/query"

// Service answers queries against a record store. It holds no
// mutable state and is safe for concurrent use.
type Service struct {
	st     store.Store
	now    func() time.Time
	log    *log.Entry
	tracer trace.Tracer
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the clock used to anchor trailing windows.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the logger for partial-data warnings.
func WithLogger(l *log.Entry) Option {
	return func(s *Service) { s.log = l }
}

// New returns a Service reading from st.
func New(st store.Store, opts ...Option) *Service {
	s := &Service{
		st:     st,
		now:    time.Now,
		log:    log.WithField("component", "query"),
		tracer: telemetry.Tracer(tracerName),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Health checks that the store answers queries.
func (s *Service) Health(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "query.Health")
	defer span.End()
	return s.finish(span, s.st.Ping(ctx))
}

// finish records err on span and returns it.
func (s *Service) finish(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// tally counts records whose metadata could not be read.
type tally struct {
	malformed int
}

// report logs one warning per query when metadata was unreadable.
func (s *Service) report(op string, t *tally) {
	if t.malformed == 0 {
		return
	}
	s.log.WithFields(log.Fields{
		"op":                 op,
		"malformed_metadata": t.malformed,
	}).Warn("records with unreadable metadata treated as empty")
}

// scan streams records for q, dropping those keep rejects and
// counting malformed metadata into t.
func (s *Service) scan(
	ctx context.Context,
	q store.Query,
	keep func(store.Record) bool,
	t *tally,
) iter.Seq2[store.Record, error] {
	return func(yield func(store.Record, error) bool) {
		for r, err := range s.st.Records(ctx, q) {
			if err != nil {
				yield(store.Record{}, err)
				return
			}
			if r.Metadata.Malformed() {
				t.malformed++
			}
			if keep != nil && !keep(r) {
				continue
			}
			if !yield(r, nil) {
				return
			}
		}
	}
}

func keyAttr(key string) attribute.KeyValue {
	return attribute.String("spendtrace.session_key", key)
}

func wrap(op string, err error) error {
	return fmt.Errorf("%s: %w", op, err)
}
