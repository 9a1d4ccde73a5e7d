package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/basket/go-janus/internal/approval"
	"github.com/basket/go-janus/internal/executor"
	"github.com/basket/go-janus/internal/proposal"
	"github.com/basket/go-janus/internal/proposalgen"
	"github.com/basket/go-janus/internal/tui"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	sectionStyle = lipgloss.NewStyle().Bold(true)
	riskStyles   = map[proposal.RiskLevel]lipgloss.Style{
		proposal.RiskLow:    lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		proposal.RiskMedium: lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		proposal.RiskHigh:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
	}
)

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

// withApp opens the shared state quietly for the duration of fn.
func withApp(fn func(a *app) error) error {
	a, err := openApp(true, false)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func newProposeCmd() *cobra.Command {
	var (
		file     string
		generate bool
	)
	cmd := &cobra.Command{
		Use:   "propose",
		Short: "File a new action proposal",
		Long: `File a proposal from a JSON draft, or run one thinking cycle with the
configured model command.

The draft carries action_type, rationale, expected_outcome, risk_level,
tool_name and tool_args. Use --file - to read it from stdin.

Examples:
  janus propose --file draft.json
  janus propose --generate`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (file == "") == !generate {
				return errors.New("exactly one of --file or --generate is required")
			}
			return withApp(func(a *app) error {
				var (
					p   *proposal.ActionProposal
					err error
				)
				if generate {
					if len(a.cfg.Thinking.Command) == 0 {
						return errors.New("thinking.command is not configured")
					}
					p, err = newGenerator(a).Propose(cmd.Context())
				} else {
					p, err = proposeFromFile(cmd, a, file)
				}
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if p.Suppressed() {
					fmt.Fprintf(out, "Suppressed %s as a duplicate of %v\n", p.ProposalID, p.Metadata["duplicate_of"])
					return nil
				}
				fmt.Fprintf(out, "Proposed %s (%s risk, %s)\n", p.ProposalID, p.RiskLevel, p.ActionType)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON draft to file (- for stdin)")
	cmd.Flags().BoolVar(&generate, "generate", false, "run one thinking cycle")
	return cmd
}

func proposeFromFile(cmd *cobra.Command, a *app, path string) (*proposal.ActionProposal, error) {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(cmd.InOrStdin())
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read draft: %w", err)
	}
	draft, err := proposalgen.Parse(raw, a.cfg.ToolNames())
	if err != nil {
		return nil, err
	}
	mission, err := missionSource(a.cfg.Thinking.MissionFile)(cmd.Context())
	if err != nil {
		return nil, err
	}
	req, err := draft.Request(mission)
	if err != nil {
		return nil, err
	}
	req.Metadata["source"] = "cli"
	req.NoveltyThreshold = a.cfg.Proposals.NoveltyThreshold
	req.NoveltyWindow = a.cfg.Proposals.NoveltyWindow
	return a.engine.Create(cmd.Context(), req)
}

func newPendingCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List proposals awaiting approval",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(func(a *app) error {
				pending := a.workflow.Pending()
				out := cmd.OutOrStdout()
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					if pending == nil {
						pending = []*proposal.ActionProposal{}
					}
					return enc.Encode(pending)
				}
				if len(pending) == 0 {
					fmt.Fprintln(out, "No proposals awaiting approval.")
					return nil
				}
				return writePendingTable(out, pending, time.Now())
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print proposals as JSON")
	return cmd
}

func writePendingTable(out io.Writer, pending []*proposal.ActionProposal, now time.Time) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tRISK\tACTION\tTOOL\tAGE")
	for _, p := range pending {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			p.ProposalID,
			strings.ToUpper(p.RiskLevel.String()),
			p.ActionType,
			p.ToolName,
			now.Sub(p.Timestamp).Round(time.Minute),
		)
	}
	return w.Flush()
}

func newReviewCmd() *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "review [proposal-id]",
		Short: "Show a proposal in full, or browse the queue",
		Long: `With an id, print the proposal the way reviewers see it. Without one,
open the interactive approval queue on a terminal, or print the pending table
otherwise.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				out := cmd.OutOrStdout()
				if len(args) == 0 {
					if isTerminal(out) {
						return tui.Run(cmd.Context(), a.workflow, source)
					}
					pending := a.workflow.Pending()
					if len(pending) == 0 {
						fmt.Fprintln(out, "No proposals awaiting approval.")
						return nil
					}
					return writePendingTable(out, pending, time.Now())
				}
				p, ok := a.workflow.Details(args[0])
				if !ok {
					return fmt.Errorf("proposal %s not found", args[0])
				}
				text := approval.FormatForReview(p)
				if isTerminal(out) {
					text = styleReview(text, p.RiskLevel)
				}
				fmt.Fprintln(out, text)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", approval.DefaultOperatorSource, "approver recorded for decisions made in the queue")
	return cmd
}

// styleReview colors the header, section titles and risk line.
func styleReview(text string, risk proposal.RiskLevel) string {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		switch {
		case strings.HasPrefix(l, "PROPOSAL:"):
			lines[i] = titleStyle.Render(l)
		case strings.HasPrefix(l, "RISK LEVEL:"):
			lines[i] = riskStyles[risk].Render(l)
		case l != "" && !strings.HasPrefix(l, " ") && strings.HasSuffix(l, ":"):
			lines[i] = sectionStyle.Render(l)
		}
	}
	return strings.Join(lines, "\n")
}

func newApproveCmd() *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "approve <proposal-id>",
		Short: "Approve a pending proposal for execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				p, err := a.workflow.Approve(cmd.Context(), args[0], source)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Approved %s (source: %s)\n", p.ProposalID, p.ApprovalSource)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", approval.DefaultOperatorSource, "who approved")
	return cmd
}

func newRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <proposal-id>",
		Short: "Reject a pending proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(reason) == "" {
				return errors.New("--reason is required")
			}
			return withApp(func(a *app) error {
				p, err := a.workflow.Reject(cmd.Context(), args[0], reason)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Rejected %s: %s\n", p.ProposalID, p.RejectionReason)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "why the proposal was rejected")
	return cmd
}

func newHistoryCmd() *cobra.Command {
	var (
		limit  int
		source string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "history [proposal-id]",
		Short: "Show recent tool executions",
		Long: `Show recent tool executions, most recent first. Records come from the
ledger by default; --source log reads the tool-use JSONL log instead.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			return withApp(func(a *app) error {
				var (
					recs []executor.Record
					err  error
				)
				switch source {
				case "ledger":
					recs, err = a.ledger.Executions(cmd.Context(), id, limit)
				case "log":
					recs, err = executor.ReadHistory(a.cfg.ToolLogPath(), id, limit)
				default:
					return fmt.Errorf("unknown --source %q (want ledger or log)", source)
				}
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					if recs == nil {
						recs = []executor.Record{}
					}
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(recs)
				}
				if len(recs) == 0 {
					fmt.Fprintln(out, "No executions recorded.")
					return nil
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TIME\tPROPOSAL\tTOOL\tOK\tRC\tWORKSPACE")
				for _, r := range recs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%d\t%s\n", r.Timestamp, r.ProposalID, r.Tool, r.Success, r.ReturnCode, r.Workspace)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum records to show")
	cmd.Flags().StringVar(&source, "source", "ledger", "ledger or log")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print records as JSON")
	return cmd
}
