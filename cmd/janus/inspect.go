package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/go-janus/internal/audit"
	"github.com/basket/go-janus/internal/cron"
	"github.com/basket/go-janus/internal/persistence"
	"github.com/basket/go-janus/internal/proposal"
)

func encodeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// statusReport is the `janus status --json` shape.
type statusReport struct {
	VesselID       string                     `json:"vessel_id"`
	Proposals      map[string]int             `json:"proposals"`
	Completed      int                        `json:"completed"`
	Failed         int                        `json:"failed"`
	FailureRate    float64                    `json:"failure_rate"`
	AlertActive    bool                       `json:"alert_active"`
	Executions     persistence.ExecutionStats `json:"executions"`
	PolicyVersion  string                     `json:"policy_version"`
	PolicyVersions int                        `json:"policy_versions_seen"`
	NextRuns       map[string]time.Time       `json:"next_runs"`
}

func newStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Summarize proposals, executions, policy and maintenance jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(func(a *app) error {
				rep, err := buildStatus(cmd, a)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					return encodeJSON(out, rep)
				}
				writeStatus(out, rep)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func buildStatus(cmd *cobra.Command, a *app) (statusReport, error) {
	ctx := cmd.Context()
	st := a.engine.Stats()
	rep := statusReport{
		VesselID:      a.cfg.VesselID,
		Proposals:     make(map[string]int, len(st.ByStatus)),
		Completed:     st.Completed,
		Failed:        st.Failed,
		FailureRate:   st.FailureRate,
		AlertActive:   st.AlertActive,
		PolicyVersion: a.policy.PolicyVersion(),
	}
	for s, n := range st.ByStatus {
		rep.Proposals[s.String()] = n
	}

	var err error
	if rep.Executions, err = a.ledger.ExecutionStats(ctx); err != nil {
		return rep, err
	}
	versions, err := a.ledger.PolicyVersions(ctx)
	if err != nil {
		return rep, err
	}
	rep.PolicyVersions = len(versions)

	sched, err := cron.NewScheduler(cron.Config{Logger: a.logger}, maintenanceJobs(a)...)
	if err != nil {
		return rep, err
	}
	rep.NextRuns = sched.NextRuns()
	return rep, nil
}

func writeStatus(out io.Writer, rep statusReport) {
	fmt.Fprintf(out, "Vessel: %s\n", rep.VesselID)
	fmt.Fprintf(out, "Policy: %s (%d versions recorded)\n", rep.PolicyVersion, rep.PolicyVersions)

	statuses := make([]string, 0, len(rep.Proposals))
	for s := range rep.Proposals {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)
	parts := make([]string, 0, len(statuses))
	for _, s := range statuses {
		parts = append(parts, fmt.Sprintf("%s=%d", s, rep.Proposals[s]))
	}
	if len(parts) == 0 {
		parts = append(parts, "none")
	}
	fmt.Fprintf(out, "Proposals: %s\n", strings.Join(parts, " "))

	alert := ""
	if rep.AlertActive {
		alert = " (ALERT)"
	}
	fmt.Fprintf(out, "Outcomes: %d completed, %d failed, failure rate %.1f%%%s\n",
		rep.Completed, rep.Failed, rep.FailureRate*100, alert)
	fmt.Fprintf(out, "Executions: %d recorded, %d succeeded, %d failed\n",
		rep.Executions.Total, rep.Executions.Succeeded, rep.Executions.Failed)

	jobs := make([]string, 0, len(rep.NextRuns))
	for name := range rep.NextRuns {
		jobs = append(jobs, name)
	}
	sort.Strings(jobs)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tNEXT RUN")
	for _, name := range jobs {
		fmt.Fprintf(w, "%s\t%s\n", name, rep.NextRuns[name].Format(time.RFC3339))
	}
	_ = w.Flush()
}

func newAuditCmd() *cobra.Command {
	var (
		limit  int
		source string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "audit <proposal-id>",
		Short: "Show the audit trail of one proposal",
		Long: `Show the lifecycle transitions and audit events recorded for a proposal.
Events come from the ledger mirror by default; --source log scans the audit
JSONL log instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withApp(func(a *app) error {
				ctx := cmd.Context()
				var (
					events []audit.Event
					err    error
				)
				switch source {
				case "ledger":
					events, err = a.ledger.AuditEvents(ctx, id, limit)
				case "log":
					events, err = auditEventsFromLog(a.cfg.AuditPath(), id, limit)
				default:
					return fmt.Errorf("unknown --source %q (want ledger or log)", source)
				}
				if err != nil {
					return err
				}
				transitions, err := a.ledger.ProposalEvents(ctx, id)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if asJSON {
					if events == nil {
						events = []audit.Event{}
					}
					if transitions == nil {
						transitions = []persistence.ProposalEvent{}
					}
					return encodeJSON(out, map[string]any{"transitions": transitions, "events": events})
				}

				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				if len(transitions) == 0 {
					fmt.Fprintln(w, "No transitions recorded.")
				} else {
					fmt.Fprintln(w, "FROM\tTO\tSOURCE")
					for _, t := range transitions {
						fmt.Fprintf(w, "%s\t%s\t%s\n", t.From, t.To, t.Source)
					}
				}
				fmt.Fprintln(w)
				if len(events) == 0 {
					fmt.Fprintln(w, "No audit events recorded.")
				} else {
					fmt.Fprintln(w, "TIME\tLEVEL\tEVENT")
					for _, ev := range events {
						fmt.Fprintf(w, "%s\t%s\t%s\n", ev.Timestamp, ev.Level, ev.Event)
					}
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 200, "maximum events to show")
	cmd.Flags().StringVar(&source, "source", "ledger", "ledger or log")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the trail as JSON")
	return cmd
}

// auditEventsFromLog returns up to limit events for proposalID in file order.
func auditEventsFromLog(path, proposalID string, limit int) ([]audit.Event, error) {
	all, err := audit.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	var out []audit.Event
	for _, ev := range all {
		if id, _ := ev.Data["proposal_id"].(string); id != proposalID {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect or tighten the execution policy",
		Long: `Changes are written to policy.yaml; a running daemon picks them up
through its policy watcher.`,
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the active policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(func(a *app) error {
				p := a.policy.Snapshot()
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Version: %s\n", a.policy.PolicyVersion())
				fmt.Fprintf(out, "Max risk level: %s\n", p.MaxRiskLevel)
				fmt.Fprintf(out, "Forbidden tools: %s\n", strings.Join(p.ForbiddenTools, ", "))
				fmt.Fprintf(out, "Forbidden patterns: %q\n", p.ForbiddenPatterns)
				fmt.Fprintf(out, "Forbidden shell tokens: %s\n", strings.Join(p.ShellTokens, ", "))
				fmt.Fprintf(out, "Privileged tokens: %s\n", strings.Join(p.PrivilegedTokens, ", "))
				return nil
			})
		},
	}

	forbid := func(use, short string, apply func(a *app, v string) error) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(func(a *app) error {
					if err := apply(a, args[0]); err != nil {
						return err
					}
					v := a.policy.PolicyVersion()
					if err := a.ledger.RecordPolicyVersion(cmd.Context(), v, "cli"); err != nil {
						return err
					}
					a.audit.Info("policy.updated", map[string]any{"policy_version": v, "change": cmd.Name(), "value": args[0]})
					fmt.Fprintf(cmd.OutOrStdout(), "Policy updated (%s)\n", v)
					return nil
				})
			},
		}
	}

	cmd.AddCommand(
		show,
		forbid("forbid-tool <name>", "Add a tool to the denylist", func(a *app, v string) error {
			return a.policy.ForbidTool(v)
		}),
		forbid("forbid-pattern <substring>", "Add an argument substring to the denylist", func(a *app, v string) error {
			return a.policy.ForbidPattern(v)
		}),
	)
	return cmd
}

func newSuspendCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "suspend <proposal-id>",
		Short: "Emergency-stop a proposal that has not finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				p, err := a.engine.Suspend(cmd.Context(), args[0], reason)
				if err != nil {
					if errors.Is(err, proposal.ErrInvalidTransition) {
						return fmt.Errorf("%s cannot be suspended: %w", args[0], err)
					}
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Suspended %s\n", p.ProposalID)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "why the proposal was stopped")
	return cmd
}

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List or run maintenance jobs",
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "Show each job's next scheduled run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(func(a *app) error {
				sched, err := cron.NewScheduler(cron.Config{Logger: a.logger}, maintenanceJobs(a)...)
				if err != nil {
					return err
				}
				runs := sched.NextRuns()
				names := make([]string, 0, len(runs))
				for n := range runs {
					names = append(names, n)
				}
				sort.Strings(names)
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "JOB\tNEXT RUN")
				for _, n := range names {
					fmt.Fprintf(w, "%s\t%s\n", n, runs[n].Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	}
	run := &cobra.Command{
		Use:   "run <job>",
		Short: "Run one job now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				sched, err := cron.NewScheduler(cron.Config{Logger: a.logger}, maintenanceJobs(a)...)
				if err != nil {
					return err
				}
				if err := sched.RunNow(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Ran %s\n", args[0])
				return nil
			})
		},
	}
	cmd.AddCommand(list, run)
	return cmd
}
