package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/wesm/spendtrace/internal/analytics"
	"github.com/wesm/spendtrace/internal/query"
	"github.com/wesm/spendtrace/internal/session"
)

// withService loads config, opens the store and runs fn against a
// query service bounded by the configured query timeout.
func withService(
	cmd *cobra.Command,
	fn func(ctx context.Context, svc *query.Service) (any, error),
) error {
	cfg, closeLog, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.QueryTimeout)
	defer cancel()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	out, err := fn(ctx, query.New(st))
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Search and inspect reconstructed sessions",
	}
	cmd.AddCommand(newSessionsSearchCmd(), &cobra.Command{
		Use:   "summary <session-id>",
		Short: "Show the summary of one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(
				ctx context.Context, svc *query.Service,
			) (any, error) {
				return svc.Summary(ctx, args[0])
			})
		},
	}, &cobra.Command{
		Use:   "messages <session-id>",
		Short: "List the requests of one session in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(
				ctx context.Context, svc *query.Service,
			) (any, error) {
				return svc.Messages(ctx, args[0])
			})
		},
	})
	return cmd
}

func newSessionsSearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := parseFilterFlags(cmd.Flags())
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")
			page := query.Page{Limit: limit, Offset: offset}
			return withService(cmd, func(
				ctx context.Context, svc *query.Service,
			) (any, error) {
				return svc.Search(ctx, f, page)
			})
		},
	}
	fs := cmd.Flags()
	fs.Int("limit", query.DefaultLimit, "Maximum sessions to return")
	fs.Int("offset", 0, "Sessions to skip")
	fs.String("agent", "", "Only sessions of this agent")
	fs.String("user", "", "Only sessions of this user")
	fs.String("model", "", "Only sessions that used this model")
	fs.String("start-date", "", "Sessions starting at or after this date")
	fs.String("end-date", "", "Sessions starting at or before this date")
	fs.Float64("min-cost", 0, "Minimum total session cost")
	fs.Float64("max-cost", 0, "Maximum total session cost")
	return cmd
}

// parseFilterFlags builds a filter from the flags that were set.
func parseFilterFlags(fs *pflag.FlagSet) (session.Filter, error) {
	var f session.Filter
	str := func(name string) *string {
		v, _ := fs.GetString(name)
		if v == "" {
			return nil
		}
		return &v
	}
	f.AgentName = str("agent")
	f.UserID = str("user")
	f.Model = str("model")
	for _, d := range []struct {
		name string
		dst  **time.Time
	}{
		{"start-date", &f.StartDate},
		{"end-date", &f.EndDate},
	} {
		s := str(d.name)
		if s == nil {
			continue
		}
		t, err := session.ParseDate(*s)
		if err != nil {
			return f, fmt.Errorf("--%s: %w", d.name, err)
		}
		*d.dst = &t
	}
	for _, c := range []struct {
		name string
		dst  **float64
	}{
		{"min-cost", &f.MinCost},
		{"max-cost", &f.MaxCost},
	} {
		if !fs.Changed(c.name) {
			continue
		}
		v, _ := fs.GetFloat64(c.name)
		*c.dst = &v
	}
	return f, nil
}

func newAnalyticsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "analytics <overview|models|agents|trends|costs>",
		Short:     "Report usage cohorts over a trailing window",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"overview", "models", "agents", "trends", "costs"},
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := parseAnalyticsFlags(cmd.Flags(), query.Kind(args[0]))
			if err != nil {
				return err
			}
			return withService(cmd, func(
				ctx context.Context, svc *query.Service,
			) (any, error) {
				return svc.Analytics(ctx, req)
			})
		},
	}
	fs := cmd.Flags()
	fs.Int("days", analytics.DefaultDays, "Trailing window in days")
	fs.String("model", "", "Only records of this model")
	fs.String("user", "", "Only records of this user")
	fs.String("agent", "", "Only records of this agent")
	fs.String("granularity", "day", "Trend bucket: hour or day")
	fs.String("timezone", "", "IANA zone for trend buckets (default UTC)")
	fs.String("group-by", "", "Cost ranking: model, agent or user (default all)")
	return cmd
}

func parseAnalyticsFlags(
	fs *pflag.FlagSet, kind query.Kind,
) (query.AnalyticsRequest, error) {
	days, _ := fs.GetInt("days")
	f, err := parseFilterFlags(fs)
	if err != nil {
		return query.AnalyticsRequest{}, err
	}
	req := query.AnalyticsRequest{
		Kind:  kind,
		Scope: query.Scope{Window: analytics.Window{Days: days}, Filter: f},
	}

	g, _ := fs.GetString("granularity")
	req.Granularity = analytics.Granularity(g)
	tz, _ := fs.GetString("timezone")
	if req.Location, err = analytics.LoadLocation(tz); err != nil {
		return req, err
	}
	gb, _ := fs.GetString("group-by")
	if req.GroupBy, err = analytics.ParseDimension(gb); err != nil {
		return req, err
	}
	return req, nil
}

func newRequestsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "requests",
		Short: "Inspect individual logged requests",
	}
	show := &cobra.Command{
		Use:   "show <request-id>",
		Short: "Show the detail of one request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			onlyMsgs, _ := cmd.Flags().GetBool("messages")
			return withService(cmd, func(
				ctx context.Context, svc *query.Service,
			) (any, error) {
				if onlyMsgs {
					return svc.RequestMessages(ctx, args[0])
				}
				return svc.Request(ctx, args[0])
			})
		},
	}
	show.Flags().Bool("messages", false, "Only print messages and response")
	cmd.AddCommand(show)
	return cmd
}
