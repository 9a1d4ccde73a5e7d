package cron

import (
	"context"
	"time"

	"github.com/basket/go-janus/internal/audit"
	"github.com/basket/go-janus/internal/persistence"
	"github.com/basket/go-janus/internal/proposal"
	"github.com/basket/go-janus/internal/sandbox"
)

const (
	JobWorkspaceSweep  = "workspace_sweep"
	JobLedgerRetention = "ledger_retention"
	JobThinkingCycle   = "thinking_cycle"
)

// WorkspaceSweepJob removes kept sandbox workspaces older than maxAge.
func WorkspaceSweepJob(spec, root string, maxAge time.Duration, em audit.Emitter) Job {
	if em == nil {
		em = audit.Discard{}
	}
	return Job{
		Name: JobWorkspaceSweep,
		Spec: spec,
		Run: func(context.Context) error {
			res, err := sandbox.SweepWorkspaces(root, maxAge, time.Now())
			if len(res.Removed) > 0 {
				em.Emit(audit.LevelInfo, "maintenance.workspaces_swept", map[string]any{
					"removed": len(res.Removed),
					"kept":    res.Kept,
				})
			}
			return err
		},
	}
}

// Retainer is the ledger surface the retention job needs.
type Retainer interface {
	RunRetention(ctx context.Context, now time.Time, w persistence.RetentionWindows) (persistence.RetentionResult, error)
}

// LedgerRetentionJob purges ledger rows outside the retention windows.
func LedgerRetentionJob(spec string, store Retainer, w persistence.RetentionWindows, em audit.Emitter) Job {
	if em == nil {
		em = audit.Discard{}
	}
	return Job{
		Name: JobLedgerRetention,
		Spec: spec,
		Run: func(ctx context.Context) error {
			res, err := store.RunRetention(ctx, time.Now(), w)
			if err != nil {
				return err
			}
			if res.Total() > 0 {
				em.Emit(audit.LevelInfo, "maintenance.ledger_retention", map[string]any{
					"executions":      res.PurgedExecutions,
					"audit_logs":      res.PurgedAuditLogs,
					"proposal_events": res.PurgedProposalEvents,
				})
			}
			return nil
		},
	}
}

// Proposer runs one thinking cycle.
type Proposer interface {
	Propose(ctx context.Context) (*proposal.ActionProposal, error)
}

// ThinkingCycleJob asks the generator for a new proposal on each activation.
func ThinkingCycleJob(spec string, gen Proposer) Job {
	return Job{
		Name: JobThinkingCycle,
		Spec: spec,
		Run: func(ctx context.Context) error {
			_, err := gen.Propose(ctx)
			return err
		},
	}
}
