package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/wesm/spendtrace/internal/store"
	"github.com/wesm/spendtrace/internal/store/sqlite"
)

type sessionSpec struct {
	agent     string
	user      string
	convo     string
	turns     int
	toolCalls int // turns answered with a tool call
	cacheHits int
	models    []string
	daysAgo   int
}

var specs = []sessionSpec{
	{"support-bot", "alice", "refund-request", 4, 1, 1, []string{"gpt-4o"}, 0},
	{"support-bot", "bob", "order-status", 2, 0, 0, []string{"gpt-4o-mini"}, 1},
	{"research-agent", "carol", "market-scan", 12, 6, 2, []string{"claude-3-5-sonnet", "gpt-4o"}, 2},
	{"research-agent", "alice", "paper-digest", 7, 3, 0, []string{"claude-3-5-sonnet"}, 3},
	{"code-reviewer", "dave", "pr-1187", 9, 4, 3, []string{"gpt-4o", "gpt-4o-mini"}, 5},
	{"code-reviewer", "", "pr-1190", 3, 1, 0, []string{"gpt-4o"}, 12},
	{"", "erin", "", 1, 0, 0, []string{"gpt-4o-mini"}, 0},
}

// prices are USD per 1K prompt and completion tokens.
var prices = map[string][2]float64{
	"gpt-4o":            {0.0025, 0.01},
	"gpt-4o-mini":       {0.00015, 0.0006},
	"claude-3-5-sonnet": {0.003, 0.015},
}

var providers = map[string]string{
	"gpt-4o":            "openai",
	"gpt-4o-mini":       "openai",
	"claude-3-5-sonnet": "anthropic",
}

func main() {
	out := flag.String("out", "", "output database path")
	seed := flag.Uint64("seed", 1, "random seed")
	flag.Parse()
	if *out == "" {
		fmt.Fprintln(os.Stderr, "usage: testfixture -out <path> [-seed n]")
		os.Exit(1)
	}

	if err := os.Remove(*out); err != nil &&
		!errors.Is(err, os.ErrNotExist) {
		log.Fatalf("removing existing db: %v", err)
	}

	st, err := sqlite.Open(*out)
	if err != nil {
		log.Fatalf("opening db: %v", err)
	}
	defer st.Close()

	base := time.Now().UTC().Truncate(time.Hour)
	rng := rand.New(rand.NewPCG(*seed, *seed))
	recs := generate(base, rng)
	if err := st.Insert(context.Background(), recs...); err != nil {
		log.Fatalf("writing fixture: %v", err)
	}
	fmt.Printf("Fixture DB written to %s (%d requests, %d sessions)\n",
		*out, len(recs), len(specs)+len(strays))
}

// strays exercise metadata edge cases: two unreadable documents that
// fall back to request-ID sessions and one string-encoded object.
var strays = []string{
	`{"session_id":`,
	`["not","an","object"]`,
	`"{\"session_id\":\"wrapped\",\"agent_name\":\"support-bot\"}"`,
}

func generate(base time.Time, rng *rand.Rand) []store.Record {
	var recs []store.Record
	for _, spec := range specs {
		recs = append(recs, sessionRecords(spec, base, rng)...)
	}
	for i, meta := range strays {
		start := base.Add(-time.Duration(i+1) * 17 * time.Minute)
		r := request(uuid.NewString(), "gpt-4o-mini", start, rng)
		r.Metadata = store.ParseMetadata([]byte(meta))
		recs = append(recs, r)
	}
	return recs
}

func sessionRecords(
	spec sessionSpec, base time.Time, rng *rand.Rand,
) []store.Record {
	sessionID := uuid.NewString()
	start := base.Add(-time.Duration(spec.daysAgo)*24*time.Hour -
		time.Duration(rng.IntN(8)+1)*time.Hour)

	recs := make([]store.Record, 0, spec.turns)
	for i := range spec.turns {
		model := spec.models[i%len(spec.models)]
		r := request(uuid.NewString(), model, start, rng)
		if spec.user != "" {
			u := spec.user
			r.UserID = &u
		}
		meta := fmt.Sprintf(`{"session_id":%q`, sessionID)
		if spec.agent != "" {
			meta += fmt.Sprintf(`,"agent_name":%q`, spec.agent)
		}
		if spec.convo != "" {
			meta += fmt.Sprintf(`,"conversation_name":%q`, spec.convo)
		}
		r.Metadata = store.ParseMetadata([]byte(meta + "}"))

		if i < spec.toolCalls {
			r.Response = []byte(`{"choices":[{"message":{"role":"assistant",` +
				`"tool_calls":[{"id":"call_1","type":"function",` +
				`"function":{"name":"lookup","arguments":"{}"}}]}}]}`)
			r.FunctionCallCount = 1
		}
		if i < spec.cacheHits {
			r.CacheHit = true
			r.Cost = 0
		}
		recs = append(recs, r)
		start = r.EndTime.Add(time.Duration(rng.IntN(90)+5) * time.Second)
	}
	return recs
}

func request(
	id, model string, start time.Time, rng *rand.Rand,
) store.Record {
	prompt := int64(rng.IntN(3000) + 200)
	completion := int64(rng.IntN(800) + 20)
	latency := time.Duration(rng.IntN(9000)+400) * time.Millisecond
	first := start.Add(latency / 4)
	end := start.Add(latency)
	p := prices[model]
	return store.Record{
		RequestID:           id,
		StartTime:           &start,
		EndTime:             &end,
		CompletionStartTime: &first,
		Model:               model,
		Provider:            providers[model],
		CallType:            "acompletion",
		APIBase:             "https://api." + providers[model] + ".com",
		PromptTokens:        prompt,
		CompletionTokens:    completion,
		TotalTokens:         prompt + completion,
		Cost:                float64(prompt)/1000*p[0] + float64(completion)/1000*p[1],
		Messages: []byte(fmt.Sprintf(
			`[{"role":"user","content":"request %s"}]`, id[:8],
		)),
		Response: []byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`),
	}
}
