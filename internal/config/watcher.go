package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"slices"

	"github.com/fsnotify/fsnotify"

	"github.com/basket/go-janus/internal/audit"
	"github.com/basket/go-janus/internal/bus"
	"github.com/basket/go-janus/internal/policy"
)

type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher reports writes to a fixed set of files. It watches their parent
// directories so editors that replace files by rename are still seen.
type Watcher struct {
	files  []string
	logger *slog.Logger
	events chan ReloadEvent
}

func NewWatcher(logger *slog.Logger, files ...string) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	clean := make([]string, 0, len(files))
	for _, f := range files {
		clean = append(clean, filepath.Clean(f))
	}
	return &Watcher{
		files:  clean,
		logger: logger,
		events: make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start watches until ctx is done, then closes Events.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	var dirs []string
	for _, f := range w.files {
		dir := filepath.Dir(f)
		if slices.Contains(dirs, dir) {
			continue
		}
		dirs = append(dirs, dir)
		if err := fsw.Add(dir); err != nil {
			w.logger.Warn("config watcher cannot watch directory", "dir", dir, "error", err)
		}
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if !slices.Contains(w.files, filepath.Clean(ev.Name)) {
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
				default:
				}
				w.logger.Info("config file changed", "path", ev.Name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

// PolicyRecorder persists loaded policy versions.
type PolicyRecorder interface {
	RecordPolicyVersion(ctx context.Context, version, source string) error
}

type PolicyReloadOptions struct {
	Audit    audit.Emitter
	Bus      *bus.Bus
	Recorder PolicyRecorder
	Logger   *slog.Logger
}

// FollowPolicy reloads lp from path on every watcher event for that path.
// A file that fails to parse leaves the previous policy active. It returns
// when the watcher closes.
func FollowPolicy(ctx context.Context, w *Watcher, lp *policy.LivePolicy, path string, opts PolicyReloadOptions) {
	if opts.Audit == nil {
		opts.Audit = audit.Discard{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	path = filepath.Clean(path)
	for ev := range w.Events() {
		if filepath.Clean(ev.Path) != path {
			continue
		}
		before := lp.PolicyVersion()
		if err := policy.ReloadFromFile(lp, path); err != nil {
			opts.Logger.Error("policy reload failed; keeping previous policy", "path", path, "error", err)
			opts.Audit.Emit(audit.LevelError, "policy.reload_failed", map[string]any{
				"path":           path,
				"error":          err.Error(),
				"policy_version": before,
			})
			continue
		}
		version := lp.PolicyVersion()
		if version == before {
			continue
		}
		opts.Audit.Emit(audit.LevelInfo, "policy.reloaded", map[string]any{
			"path":             path,
			"policy_version":   version,
			"previous_version": before,
		})
		opts.Bus.Publish(bus.TopicPolicyReloaded, bus.PolicyReloaded{Path: path, Version: version})
		if opts.Recorder != nil {
			if err := opts.Recorder.RecordPolicyVersion(ctx, version, path); err != nil {
				opts.Logger.Warn("record policy version failed", "version", version, "error", err)
			}
		}
		opts.Logger.Info("policy reloaded", "version", version)
	}
}
