package persistence

import (
	"context"
	"fmt"
	"time"
)

// sqliteTimeFormat matches CURRENT_TIMESTAMP so cutoffs compare as text.
const sqliteTimeFormat = "2006-01-02 15:04:05"

// RetentionWindows sets how many days each table keeps. Zero keeps forever.
type RetentionWindows struct {
	ExecutionDays     int `yaml:"execution_days"`
	AuditDays         int `yaml:"audit_days"`
	ProposalEventDays int `yaml:"proposal_event_days"`
}

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedExecutions     int64 `json:"purged_executions"`
	PurgedAuditLogs      int64 `json:"purged_audit_logs"`
	PurgedProposalEvents int64 `json:"purged_proposal_events"`
}

// Total is the number of rows removed across all tables.
func (r RetentionResult) Total() int64 {
	return r.PurgedExecutions + r.PurgedAuditLogs + r.PurgedProposalEvents
}

// RunRetention deletes ledger rows older than the given windows relative to
// now. Running it twice is harmless.
func (s *Store) RunRetention(ctx context.Context, now time.Time, w RetentionWindows) (RetentionResult, error) {
	var result RetentionResult
	purge := func(table string, days int, dst *int64) error {
		if days <= 0 {
			return nil
		}
		cutoff := now.UTC().AddDate(0, 0, -days).Format(sqliteTimeFormat)
		return retryOnBusy(ctx, busyRetries, func() error {
			res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE created_at < ?;`, cutoff)
			if err != nil {
				return fmt.Errorf("purge %s: %w", table, err)
			}
			*dst, _ = res.RowsAffected()
			return nil
		})
	}
	if err := purge("executions", w.ExecutionDays, &result.PurgedExecutions); err != nil {
		return result, err
	}
	if err := purge("audit_log", w.AuditDays, &result.PurgedAuditLogs); err != nil {
		return result, err
	}
	if err := purge("proposal_events", w.ProposalEventDays, &result.PurgedProposalEvents); err != nil {
		return result, err
	}
	return result, nil
}
