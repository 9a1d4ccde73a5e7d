package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/basket/go-janus/internal/audit"
	"github.com/basket/go-janus/internal/bus"
	"github.com/basket/go-janus/internal/executor"
)

var (
	_ executor.Recorder = (*Store)(nil)
	_ audit.Mirror      = (*Store)(nil)
)

// RecordExecution stores one tool-use record.
func (s *Store) RecordExecution(ctx context.Context, rec executor.Record) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal execution metadata: %w", err)
	}
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO executions (execution_id, proposal_id, vessel_id, tool, success, returncode,
				stdout_length, stderr_length, workspace, metadata, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, rec.ExecutionID, rec.ProposalID, rec.VesselID, rec.Tool, rec.Success, rec.ReturnCode,
			rec.StdoutLength, rec.StderrLength, rec.Workspace, string(meta), rec.Timestamp)
		if err != nil {
			return fmt.Errorf("insert execution: %w", err)
		}
		return nil
	})
}

// Executions returns records for proposalID (all proposals when empty), most
// recent first.
func (s *Store) Executions(ctx context.Context, proposalID string, limit int) ([]executor.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, proposal_id, vessel_id, tool, success, returncode,
			stdout_length, stderr_length, workspace, metadata, recorded_at
		FROM executions
		WHERE ? = '' OR proposal_id = ?
		ORDER BY recorded_at DESC, rowid DESC
		LIMIT ?;
	`, proposalID, proposalID, limit)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var out []executor.Record
	for rows.Next() {
		var rec executor.Record
		var meta string
		if err := rows.Scan(&rec.ExecutionID, &rec.ProposalID, &rec.VesselID, &rec.Tool, &rec.Success,
			&rec.ReturnCode, &rec.StdoutLength, &rec.StderrLength, &rec.Workspace, &meta, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		if meta != "" {
			_ = json.Unmarshal([]byte(meta), &rec.Metadata)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("execution rows: %w", err)
	}
	return out, nil
}

// ExecutionStats counts recorded executions by outcome.
type ExecutionStats struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

func (s *Store) ExecutionStats(ctx context.Context) (ExecutionStats, error) {
	var st ExecutionStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(success), 0) FROM executions;
	`).Scan(&st.Total, &st.Succeeded)
	if err != nil {
		return st, fmt.Errorf("execution stats: %w", err)
	}
	st.Failed = st.Total - st.Succeeded
	return st, nil
}

// MirrorAuditEvent copies one flushed audit event into audit_log.
func (s *Store) MirrorAuditEvent(ctx context.Context, ev audit.Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("marshal audit data: %w", err)
	}
	proposalID, _ := ev.Data["proposal_id"].(string)
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO audit_log (timestamp, level, vessel, event, proposal_id, data)
			VALUES (?, ?, ?, ?, ?, ?);
		`, ev.Timestamp, ev.Level, ev.Vessel, ev.Event, proposalID, string(data))
		if err != nil {
			return fmt.Errorf("insert audit event: %w", err)
		}
		return nil
	})
}

// AuditEvents returns mirrored events for proposalID in insertion order.
func (s *Store) AuditEvents(ctx context.Context, proposalID string, limit int) ([]audit.Event, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, level, vessel, event, data
		FROM audit_log
		WHERE proposal_id = ?
		ORDER BY id ASC
		LIMIT ?;
	`, proposalID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []audit.Event
	for rows.Next() {
		var ev audit.Event
		var data string
		if err := rows.Scan(&ev.Timestamp, &ev.Level, &ev.Vessel, &ev.Event, &data); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		_ = json.Unmarshal([]byte(data), &ev.Data)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit rows: %w", err)
	}
	return out, nil
}

// ProposalEvent is one recorded lifecycle transition.
type ProposalEvent struct {
	EventID    int64  `json:"event_id"`
	ProposalID string `json:"proposal_id"`
	From       string `json:"from"`
	To         string `json:"to"`
	Source     string `json:"source,omitempty"`
}

func (s *Store) RecordProposalEvent(ctx context.Context, ev bus.ProposalStateChanged) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO proposal_events (proposal_id, from_status, to_status, source)
			VALUES (?, ?, ?, ?);
		`, ev.ProposalID, ev.OldStatus, ev.NewStatus, ev.Source)
		if err != nil {
			return fmt.Errorf("insert proposal event: %w", err)
		}
		return nil
	})
}

func (s *Store) ProposalEvents(ctx context.Context, proposalID string) ([]ProposalEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, proposal_id, from_status, to_status, source
		FROM proposal_events
		WHERE proposal_id = ?
		ORDER BY event_id ASC;
	`, proposalID)
	if err != nil {
		return nil, fmt.Errorf("query proposal events: %w", err)
	}
	defer rows.Close()

	var out []ProposalEvent
	for rows.Next() {
		var ev ProposalEvent
		if err := rows.Scan(&ev.EventID, &ev.ProposalID, &ev.From, &ev.To, &ev.Source); err != nil {
			return nil, fmt.Errorf("scan proposal event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("proposal event rows: %w", err)
	}
	return out, nil
}

// FollowProposalEvents records every lifecycle transition published on b
// until ctx is cancelled.
func (s *Store) FollowProposalEvents(ctx context.Context, b *bus.Bus, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	sub := b.Subscribe(bus.TopicProposalStateChanged)
	defer b.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Ch():
			if !ok {
				return nil
			}
			change, ok := ev.Payload.(bus.ProposalStateChanged)
			if !ok {
				logger.Warn("unexpected proposal event payload", "type", fmt.Sprintf("%T", ev.Payload))
				continue
			}
			if err := s.RecordProposalEvent(ctx, change); err != nil {
				logger.Error("record proposal event failed", "proposal_id", change.ProposalID, "error", err)
			}
		}
	}
}

// RecordPolicyVersion persists a policy version snapshot.
func (s *Store) RecordPolicyVersion(ctx context.Context, policyVersion, source string) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO policy_versions (policy_version, loaded_at, source)
			VALUES (?, CURRENT_TIMESTAMP, ?)
			ON CONFLICT(policy_version) DO UPDATE SET loaded_at = CURRENT_TIMESTAMP, source = excluded.source;
		`, policyVersion, source)
		if err != nil {
			return fmt.Errorf("record policy version: %w", err)
		}
		return nil
	})
}

// PolicyVersions lists known policy versions, most recently loaded first.
func (s *Store) PolicyVersions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT policy_version FROM policy_versions ORDER BY loaded_at DESC, rowid DESC;`)
	if err != nil {
		return nil, fmt.Errorf("query policy versions: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan policy version: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
