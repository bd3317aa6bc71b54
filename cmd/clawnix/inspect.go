package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"clawnix/internal/approval"
	"clawnix/internal/config"
	"clawnix/internal/runtime"
	"clawnix/internal/state"
)

// agentDBs opens the existing database of every configured agent, in name
// order. Agents that never ran are skipped.
func agentDBs(cfg *config.Config) (names []string, dbs map[string]*sql.DB, closeAll func(), err error) {
	paths := runtime.DBPaths(cfg)
	for name := range paths {
		names = append(names, name)
	}
	sort.Strings(names)

	dbs = make(map[string]*sql.DB, len(paths))
	closeAll = func() {
		for _, db := range dbs {
			db.Close()
		}
	}
	var opened []string
	for _, name := range names {
		if _, statErr := os.Stat(paths[name]); statErr != nil {
			continue
		}
		db, openErr := state.Open(paths[name], logger)
		if openErr != nil {
			closeAll()
			return nil, nil, nil, fmt.Errorf("agent %s: %w", name, openErr)
		}
		dbs[name] = db
		opened = append(opened, name)
	}
	return opened, dbs, closeAll, nil
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(data))
	return nil
}

func usageCmd() *cobra.Command {
	var days int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show token usage per agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			names, dbs, closeAll, err := agentDBs(cfg)
			if err != nil {
				return err
			}
			defer closeAll()

			ctx := context.Background()
			total := state.UsageSummary{ByAgent: map[string]state.AgentUsage{}}
			for _, name := range names {
				sum, err := state.NewUsageTracker(dbs[name]).Summary(ctx, days)
				if err != nil {
					return err
				}
				total.TotalInputTokens += sum.TotalInputTokens
				total.TotalOutputTokens += sum.TotalOutputTokens
				total.TotalCalls += sum.TotalCalls
				for agentName, u := range sum.ByAgent {
					total.ByAgent[agentName] = u
				}
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, total)
			}
			fmt.Fprintf(out, "Usage over the last %d days\n\n", days)
			agents := make([]string, 0, len(total.ByAgent))
			for name := range total.ByAgent {
				agents = append(agents, name)
			}
			sort.Strings(agents)
			fmt.Fprintf(out, "  %-16s %8s %12s %12s\n", "AGENT", "CALLS", "INPUT", "OUTPUT")
			for _, name := range agents {
				u := total.ByAgent[name]
				fmt.Fprintf(out, "  %-16s %8d %12d %12d\n", name, u.Calls, u.InputTokens, u.OutputTokens)
			}
			fmt.Fprintf(out, "  %-16s %8d %12d %12d\n", "total", total.TotalCalls, total.TotalInputTokens, total.TotalOutputTokens)
			return nil
		},
	}
	cmd.Flags().IntVarP(&days, "days", "d", 7, "number of days to include")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func auditCmd() *cobra.Command {
	var limit int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent delegations between agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.MultiAgent() {
				return errors.New("delegation audit is only kept when agents are configured")
			}
			path := runtime.SharedDBPath(cfg)
			if _, err := os.Stat(path); err != nil {
				fmt.Fprintln(cmd.OutOrStdout(), "No delegations recorded yet.")
				return nil
			}
			db, err := state.Open(path, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			records, err := state.NewAuditLog(db, logger).Recent(context.Background(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, records)
			}
			if len(records) == 0 {
				fmt.Fprintln(out, "No delegations recorded yet.")
				return nil
			}
			for _, r := range records {
				fmt.Fprintf(out, "%s  %s -> %s  [%s] %dms\n    %s\n",
					r.Timestamp.Local().Format("2006-01-02 15:04:05"), r.FromAgent, r.ToAgent, r.Status, r.DurationMs, oneLine(r.Task, 100))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of records")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func approvalsCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "List tool calls waiting for a decision",
		Long:  "Lists pending approval requests of every agent. Decide them from a channel with /allow <id> or /deny <id>.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			names, dbs, closeAll, err := agentDBs(cfg)
			if err != nil {
				return err
			}
			defer closeAll()

			type pendingRequest struct {
				Agent string `json:"agent"`
				approval.Request
			}
			var pending []pendingRequest
			for _, name := range names {
				reqs, err := approval.NewStore(state.NewStoreFromDB(dbs[name], logger)).Pending(context.Background())
				if err != nil {
					return err
				}
				for _, r := range reqs {
					pending = append(pending, pendingRequest{Agent: name, Request: r})
				}
			}
			sort.SliceStable(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })

			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, pending)
			}
			if len(pending) == 0 {
				fmt.Fprintln(out, "No pending approvals.")
				return nil
			}
			for _, p := range pending {
				fmt.Fprintf(out, "%s  %-10s %-24s %s\n    %s\n",
					p.ID, p.Agent, p.Tool, p.Session, oneLine(p.Input, 100))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

// oneLine flattens s and cuts it to max runes.
func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > max {
		return string(r[:max]) + "..."
	}
	return s
}
