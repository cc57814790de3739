package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/wesm/spendtrace/internal/store"
)

// ErrInvalidFilter is returned for filters and pages that cannot
// be evaluated. It is reported before any store access.
var ErrInvalidFilter = errors.New("invalid filter")

// Filter holds optional search criteria. Nil fields impose no
// constraint, so the zero Filter matches everything. String
// comparisons are exact and case-sensitive; bounds are inclusive.
type Filter struct {
	AgentName *string    `json:"agent_name,omitempty"`
	UserID    *string    `json:"user_id,omitempty"`
	Model     *string    `json:"model,omitempty"`
	StartDate *time.Time `json:"start_date,omitempty"`
	EndDate   *time.Time `json:"end_date,omitempty"`
	MinCost   *float64   `json:"min_cost,omitempty"`
	MaxCost   *float64   `json:"max_cost,omitempty"`
}

// dateLayouts are accepted for start_date and end_date. Values
// without a zone are read as UTC.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseDate reads a filter date bound.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf(
		"%w: unrecognized date %q", ErrInvalidFilter, s,
	)
}

// UnmarshalJSON accepts RFC 3339 timestamps as well as naive
// datetimes and plain dates for the date bounds. Empty strings
// are treated as absent.
func (f *Filter) UnmarshalJSON(data []byte) error {
	var raw struct {
		AgentName *string  `json:"agent_name"`
		UserID    *string  `json:"user_id"`
		Model     *string  `json:"model"`
		StartDate *string  `json:"start_date"`
		EndDate   *string  `json:"end_date"`
		MinCost   *float64 `json:"min_cost"`
		MaxCost   *float64 `json:"max_cost"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidFilter, err)
	}
	out := Filter{
		AgentName: nonEmpty(raw.AgentName),
		UserID:    nonEmpty(raw.UserID),
		Model:     nonEmpty(raw.Model),
		MinCost:   raw.MinCost,
		MaxCost:   raw.MaxCost,
	}
	for _, d := range []struct {
		src *string
		dst **time.Time
	}{
		{raw.StartDate, &out.StartDate},
		{raw.EndDate, &out.EndDate},
	} {
		if nonEmpty(d.src) == nil {
			continue
		}
		t, err := ParseDate(*d.src)
		if err != nil {
			return err
		}
		*d.dst = &t
	}
	*f = out
	return nil
}

func nonEmpty(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}

// IsEmpty reports whether f is the identity filter.
func (f Filter) IsEmpty() bool {
	return f == Filter{}
}

// Validate rejects inverted or negative bounds.
func (f Filter) Validate() error {
	if f.StartDate != nil && f.EndDate != nil &&
		f.EndDate.Before(*f.StartDate) {
		return fmt.Errorf(
			"%w: end_date is before start_date", ErrInvalidFilter,
		)
	}
	for _, b := range []struct {
		name string
		v    *float64
	}{{"min_cost", f.MinCost}, {"max_cost", f.MaxCost}} {
		if b.v != nil && (*b.v < 0 || math.IsNaN(*b.v)) {
			return fmt.Errorf(
				"%w: %s must be a non-negative number",
				ErrInvalidFilter, b.name,
			)
		}
	}
	if f.MinCost != nil && f.MaxCost != nil && *f.MinCost > *f.MaxCost {
		return fmt.Errorf(
			"%w: min_cost exceeds max_cost", ErrInvalidFilter,
		)
	}
	return nil
}

// Match evaluates f at session granularity: the model must appear
// in models_used, user and agent must equal the session's values,
// and total_cost and session_start must fall within the bounds.
func (f Filter) Match(s Summary) bool {
	if f.Model != nil && !lo.Contains(s.ModelsUsed, *f.Model) {
		return false
	}
	if !matchPtr(f.UserID, s.UserID) ||
		!matchPtr(f.AgentName, s.AgentName) {
		return false
	}
	if !f.costInRange(s.TotalCost) {
		return false
	}
	return f.startInRange(s.SessionStart)
}

// MatchRecord evaluates f against a single record. Analytics use
// it to scope cohorts.
func (f Filter) MatchRecord(r store.Record) bool {
	if f.Model != nil && r.Model != *f.Model {
		return false
	}
	if !matchPtr(f.UserID, r.UserID) {
		return false
	}
	if f.AgentName != nil {
		if a, ok := r.Metadata.AgentName(); !ok || a != *f.AgentName {
			return false
		}
	}
	if !f.costInRange(CostOf(r.Cost)) {
		return false
	}
	return f.startInRange(r.StartTime)
}

// StoreQuery returns the record predicates of f that an adapter
// can evaluate. Cost bounds are left to MatchRecord.
func (f Filter) StoreQuery() store.Query {
	return store.Query{
		Since:     f.StartDate,
		Until:     f.EndDate,
		Model:     lo.FromPtr(f.Model),
		UserID:    lo.FromPtr(f.UserID),
		AgentName: lo.FromPtr(f.AgentName),
	}
}

func (f Filter) costInRange(c float64) bool {
	if f.MinCost != nil && c < *f.MinCost {
		return false
	}
	if f.MaxCost != nil && c > *f.MaxCost {
		return false
	}
	return true
}

// startInRange never matches an unknown start when a date bound
// is set.
func (f Filter) startInRange(t *time.Time) bool {
	if f.StartDate == nil && f.EndDate == nil {
		return true
	}
	if t == nil {
		return false
	}
	if f.StartDate != nil && t.Before(*f.StartDate) {
		return false
	}
	if f.EndDate != nil && t.After(*f.EndDate) {
		return false
	}
	return true
}

func matchPtr(want, got *string) bool {
	if want == nil {
		return true
	}
	return got != nil && *got == *want
}
