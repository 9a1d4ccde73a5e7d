package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/basket/go-janus/internal/approval"
	"github.com/basket/go-janus/internal/audit"
	"github.com/basket/go-janus/internal/bus"
	"github.com/basket/go-janus/internal/config"
	"github.com/basket/go-janus/internal/persistence"
	"github.com/basket/go-janus/internal/policy"
	"github.com/basket/go-janus/internal/proposal"
	"github.com/basket/go-janus/internal/telemetry"
)

// startupError carries a stable reason code for failures before the runtime
// is up.
type startupError struct {
	Code string
	Err  error
}

func (e *startupError) Error() string { return e.Code + ": " + e.Err.Error() }
func (e *startupError) Unwrap() error { return e.Err }

func startupFailure(code string, err error) error {
	return &startupError{Code: code, Err: err}
}

// app is the state every command shares: config, logs, ledger, proposal
// engine, live policy and approval workflow.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	audit    *audit.Log
	ledger   *persistence.Store
	bus      *bus.Bus
	store    *proposal.Store
	engine   *proposal.Engine
	policy   *policy.LivePolicy
	workflow *approval.Workflow

	closers []io.Closer
}

// openApp loads config and opens everything under the home directory. quiet
// keeps logs out of stderr so command output stays readable. Notification
// channels are only dialed when notify is set.
func openApp(quiet, notify bool) (a *app, err error) {
	a = &app{bus: bus.New()}
	defer func() {
		if err != nil {
			_ = a.Close()
			a = nil
		}
	}()

	a.cfg, err = config.Load()
	if err != nil {
		return a, startupFailure("E_CONFIG_LOAD", err)
	}

	logger, logCloser, err := telemetry.NewLogger(a.cfg.HomeDir, a.cfg.LogLevel, quiet)
	if err != nil {
		return a, startupFailure("E_LOGGER_INIT", err)
	}
	a.logger = logger
	a.closers = append(a.closers, logCloser)

	a.ledger, err = persistence.Open(a.cfg.LedgerPath())
	if err != nil {
		return a, startupFailure("E_LEDGER_OPEN", err)
	}
	a.closers = append(a.closers, a.ledger)

	a.audit, err = audit.Open(a.cfg.AuditPath(), a.cfg.VesselID, audit.Options{Mirror: a.ledger, Logger: logger})
	if err != nil {
		return a, startupFailure("E_AUDIT_INIT", err)
	}
	// Closed before the ledger so the final batch still reaches the mirror.
	a.closers = append(a.closers, a.audit)

	a.store, err = proposal.OpenStore(a.cfg.ProposalsPath(), logger)
	if err != nil {
		return a, startupFailure("E_PROPOSAL_STORE_OPEN", err)
	}
	a.closers = append(a.closers, a.store)

	allow, err := a.cfg.Proposals.AutoApprovalPolicy()
	if err != nil {
		return a, startupFailure("E_CONFIG_LOAD", err)
	}
	a.engine, err = proposal.NewEngine(proposal.Config{
		VesselID:                a.cfg.VesselID,
		AutoApproval:            &allow,
		KnownTools:              a.cfg.ToolNames(),
		FailureAlertThreshold:   a.cfg.Proposals.FailureAlertThreshold,
		FailureAlertMinAttempts: a.cfg.Proposals.FailureAlertMinAttempts,
	}, a.store, proposal.Deps{Audit: a.audit, Bus: a.bus, Logger: logger})
	if err != nil {
		return a, startupFailure("E_PROPOSAL_REPLAY", err)
	}

	pol, err := policy.Load(a.cfg.Policy.Path)
	if err != nil {
		return a, startupFailure("E_POLICY_LOAD", err)
	}
	a.policy = policy.NewLivePolicy(pol, a.cfg.Policy.Path)

	var notifier approval.Notifier = approval.NoopNotifier{}
	if notify {
		if notifier, err = buildNotifier(a.cfg, logger); err != nil {
			return a, startupFailure("E_NOTIFIER_INIT", err)
		}
	}
	a.workflow, err = approval.New(a.cfg.Approval, a.engine, approval.Options{
		Notifier: notifier,
		Audit:    a.audit,
		Bus:      a.bus,
		Logger:   logger,
	})
	if err != nil {
		return a, startupFailure("E_APPROVAL_INIT", err)
	}
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func buildNotifier(cfg config.Config, logger *slog.Logger) (approval.Notifier, error) {
	var out approval.MultiNotifier
	if cfg.Approval.NotificationScript != "" {
		out = append(out, &approval.ScriptNotifier{Path: cfg.Approval.NotificationScript})
	}
	if tg := cfg.Notifications.Telegram; tg.Enabled {
		n, err := approval.NewTelegramNotifier(tg.Token, tg.ChatIDs, logger)
		if err != nil {
			return nil, fmt.Errorf("telegram notifier: %w", err)
		}
		out = append(out, n)
	}
	switch len(out) {
	case 0:
		return approval.NoopNotifier{}, nil
	case 1:
		return out[0], nil
	default:
		return out, nil
	}
}

// reportStartup writes a structured fatal line the same shape as runtime logs.
func reportStartup(logger *slog.Logger, err error) {
	var se *startupError
	if !errors.As(err, &se) {
		return
	}
	if logger == nil {
		logger = slog.New(telemetry.NewHandler(os.Stderr, "error"))
	}
	logger.Error("startup failure", "reason_code", se.Code, "error", se.Err.Error())
}
