package session

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesm/spendtrace/internal/store"
)

func TestFilterValidate(t *testing.T) {
	tests := []struct {
		name    string
		f       Filter
		wantErr bool
	}{
		{"Empty", Filter{}, false},
		{"OrderedDates", Filter{StartDate: at(0), EndDate: at(0)}, false},
		{"InvertedDates", Filter{StartDate: at(5), EndDate: at(1)}, true},
		{"CostRange", Filter{MinCost: Ptr(0.1), MaxCost: Ptr(0.1)}, false},
		{"InvertedCost", Filter{MinCost: Ptr(0.2), MaxCost: Ptr(0.1)}, true},
		{"NegativeMin", Filter{MinCost: Ptr(-1.0)}, true},
		{"NegativeMax", Filter{MaxCost: Ptr(-0.5)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.f.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidFilter)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFilterMatch(t *testing.T) {
	s := Summary{
		SessionID:    "s1",
		UserID:       Ptr("alice"),
		AgentName:    Ptr("Bot"),
		SessionStart: at(100),
		TotalCost:    0.02,
		ModelsUsed:   []string{"gpt-4o", "claude"},
	}
	tests := []struct {
		name string
		f    Filter
		want bool
	}{
		{"Identity", Filter{}, true},
		{"ModelAnyConstituent", Filter{Model: Ptr("claude")}, true},
		{"ModelNotSubstring", Filter{Model: Ptr("gpt")}, false},
		{"UserExact", Filter{UserID: Ptr("alice")}, true},
		{"UserCaseSensitive", Filter{UserID: Ptr("Alice")}, false},
		{"AgentExact", Filter{AgentName: Ptr("Bot")}, true},
		{"AgentCaseSensitive", Filter{AgentName: Ptr("bot")}, false},
		{"MinCostInclusive", Filter{MinCost: Ptr(0.02)}, true},
		{"MaxCostInclusive", Filter{MaxCost: Ptr(0.02)}, true},
		{"BelowMin", Filter{MinCost: Ptr(0.03)}, false},
		{"AboveMax", Filter{MaxCost: Ptr(0.01)}, false},
		{"StartInclusive", Filter{StartDate: at(100)}, true},
		{"EndInclusive", Filter{EndDate: at(100)}, true},
		{"AfterEnd", Filter{EndDate: at(99)}, false},
		{"BeforeStart", Filter{StartDate: at(101)}, false},
		{
			"AllFields",
			Filter{
				Model: Ptr("gpt-4o"), UserID: Ptr("alice"),
				AgentName: Ptr("Bot"), MinCost: Ptr(0.01),
				MaxCost: Ptr(0.05), StartDate: at(0), EndDate: at(200),
			},
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.f.Match(s))
		})
	}
}

func TestFilterMissingValues(t *testing.T) {
	s := Summary{SessionID: "x"}
	assert.True(t, Filter{}.Match(s))
	assert.False(t, Filter{UserID: Ptr("u")}.Match(s))
	assert.False(t, Filter{AgentName: Ptr("a")}.Match(s))
	assert.False(t, Filter{StartDate: at(0)}.Match(s),
		"unknown start never matches a date bound")
	assert.False(t, Filter{EndDate: at(0)}.Match(s))
	assert.True(t, Filter{MaxCost: Ptr(0.0)}.Match(s))
}

func TestFilterANDComposition(t *testing.T) {
	var recs []store.Record
	for i := range 40 {
		model := []string{"m", "n", "o"}[i%3]
		recs = append(recs, rec(
			fmt.Sprintf("r%02d", i), fmt.Sprintf("s%d", i%9),
			span(float64(i), float64(i)+1),
			usage(10, float64(i%5)*0.004),
			func(r *store.Record) { r.Model = model },
		))
	}
	sessions := Reconstruct(recs)

	byModel := Filter{Model: Ptr("m")}
	byCost := Filter{MinCost: Ptr(0.01)}
	both := Filter{Model: Ptr("m"), MinCost: Ptr(0.01)}

	keep := func(f Filter) map[string]bool {
		out := map[string]bool{}
		for _, s := range sessions {
			if f.Match(s) {
				out[s.SessionID] = true
			}
		}
		return out
	}
	a, b, got := keep(byModel), keep(byCost), keep(both)
	want := map[string]bool{}
	for id := range a {
		if b[id] {
			want[id] = true
		}
	}
	require.NotEmpty(t, want)
	assert.Equal(t, want, got)
}

func TestFilterMatchRecord(t *testing.T) {
	r := rec("r1", "", span(10, 11), usage(5, 0.004), meta(
		`{"agent_name":"bot"}`),
		func(r *store.Record) { r.UserID = Ptr("u1") })

	assert.True(t, Filter{}.MatchRecord(r))
	assert.True(t, Filter{Model: Ptr("gpt-4o")}.MatchRecord(r))
	assert.False(t, Filter{Model: Ptr("claude")}.MatchRecord(r))
	assert.True(t, Filter{AgentName: Ptr("bot")}.MatchRecord(r))
	assert.False(t, Filter{AgentName: Ptr("other")}.MatchRecord(r))
	assert.True(t, Filter{UserID: Ptr("u1")}.MatchRecord(r))
	assert.False(t, Filter{MinCost: Ptr(0.005)}.MatchRecord(r))
	assert.True(t, Filter{StartDate: at(10), EndDate: at(10)}.MatchRecord(r))
	assert.False(t, Filter{StartDate: at(11)}.MatchRecord(r))
}

func TestFilterStoreQuery(t *testing.T) {
	f := Filter{Model: Ptr("m"), StartDate: at(1), MinCost: Ptr(1.0)}
	q := f.StoreQuery()
	assert.Equal(t, "m", q.Model)
	assert.Empty(t, q.UserID)
	require.NotNil(t, q.Since)
	assert.True(t, at(1).Equal(*q.Since))
	assert.Nil(t, q.Until)
}

func TestFilterUnmarshalJSON(t *testing.T) {
	t.Run("Dates", func(t *testing.T) {
		var f Filter
		require.NoError(t, json.Unmarshal([]byte(`{
			"start_date": "2024-06-01",
			"end_date": "2024-06-02T12:30:00",
			"model": "gpt-4o",
			"user_id": "",
			"min_cost": 0.5
		}`), &f))
		assert.True(t, f.StartDate.Equal(
			time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)))
		assert.True(t, f.EndDate.Equal(
			time.Date(2024, 6, 2, 12, 30, 0, 0, time.UTC)))
		assert.Equal(t, "gpt-4o", *f.Model)
		assert.Nil(t, f.UserID, "empty string is absent")
		assert.Equal(t, 0.5, *f.MinCost)
	})
	t.Run("ZoneNormalized", func(t *testing.T) {
		var f Filter
		require.NoError(t, json.Unmarshal(
			[]byte(`{"start_date":"2024-06-01T02:00:00+02:00"}`), &f))
		assert.True(t, f.StartDate.Equal(
			time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)))
		assert.Equal(t, time.UTC, f.StartDate.Location())
	})
	t.Run("EmptyBody", func(t *testing.T) {
		var f Filter
		require.NoError(t, json.Unmarshal([]byte(`{}`), &f))
		assert.True(t, f.IsEmpty())
	})
	t.Run("BadDate", func(t *testing.T) {
		var f Filter
		err := json.Unmarshal([]byte(`{"start_date":"June 1st"}`), &f)
		assert.ErrorIs(t, err, ErrInvalidFilter)
	})
	t.Run("BadType", func(t *testing.T) {
		var f Filter
		err := json.Unmarshal([]byte(`{"min_cost":"cheap"}`), &f)
		assert.ErrorIs(t, err, ErrInvalidFilter)
	})
}
