package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
)

// ErrUnknownHook is returned when a hook identifier has no registration
var ErrUnknownHook = errors.New("unknown hook")

const execHookPrefix = "exec:"

// Hook is a unit of work run before or after an export. A non-nil error
// means failure.
type Hook func(ctx context.Context) error

type namedHook struct {
	id  string
	run Hook
}

// HookRegistry maps hook identifiers to hooks
type HookRegistry struct {
	hooks  map[string]Hook
	logger *slog.Logger
}

// NewHookRegistry creates a registry with the built-in hooks for outputDir:
// touch writes a done marker, clean removes exported files. Identifiers of
// the form exec:<command line> resolve to external commands.
func NewHookRegistry(outputDir string, logger *slog.Logger) *HookRegistry {
	r := &HookRegistry{
		hooks:  make(map[string]Hook),
		logger: logger,
	}
	r.Register("touch", touchHook(outputDir))
	r.Register("clean", cleanHook(outputDir))
	return r
}

// Register adds or replaces a hook
func (r *HookRegistry) Register(id string, hook Hook) {
	r.hooks[id] = hook
}

// Resolve looks up every identifier before anything runs
func (r *HookRegistry) Resolve(ids []string) ([]namedHook, error) {
	resolved := make([]namedHook, 0, len(ids))
	for _, id := range ids {
		if hook, ok := r.hooks[id]; ok {
			resolved = append(resolved, namedHook{id: id, run: hook})
			continue
		}
		if strings.HasPrefix(id, execHookPrefix) {
			hook, err := r.execHook(strings.TrimPrefix(id, execHookPrefix))
			if err != nil {
				return nil, fmt.Errorf("%w: %w: '%s': %w", ErrConfiguration, ErrUnknownHook, id, err)
			}
			resolved = append(resolved, namedHook{id: id, run: hook})
			continue
		}
		return nil, fmt.Errorf("%w: %w: '%s'", ErrConfiguration, ErrUnknownHook, id)
	}
	return resolved, nil
}

// HookRunner runs hooks strictly in order
type HookRunner struct {
	registry *HookRegistry
	logger   *slog.Logger
}

func NewHookRunner(registry *HookRegistry, logger *slog.Logger) *HookRunner {
	return &HookRunner{registry: registry, logger: logger}
}

// RunAll resolves ids and runs them one after another. The first failure
// stops the sequence.
func (r *HookRunner) RunAll(ctx context.Context, ids []string) error {
	hooks, err := r.registry.Resolve(ids)
	if err != nil {
		return err
	}
	return r.run(ctx, hooks)
}

func (r *HookRunner) run(ctx context.Context, hooks []namedHook) error {
	for _, h := range hooks {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.logger.Debug(fmt.Sprintf("🪝 Running hook %s", h.id))
		start := time.Now()
		if err := h.run(ctx); err != nil {
			hookRuns.WithLabelValues(h.id, "failure").Inc()
			return fmt.Errorf("%w: %s: %w", ErrHook, h.id, err)
		}
		hookRuns.WithLabelValues(h.id, "success").Inc()
		r.logger.Debug(fmt.Sprintf("   hook %s finished in %v", h.id, time.Since(start).Round(time.Millisecond)))
	}
	return nil
}

func touchHook(outputDir string) Hook {
	return func(_ context.Context) error {
		if err := os.MkdirAll(outputDir, 0o755); err != nil {
			return err
		}
		path := filepath.Join(outputDir, "done")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		now := time.Now()
		return os.Chtimes(path, now, now)
	}
}

func cleanHook(outputDir string) Hook {
	return func(_ context.Context) error {
		entries, err := os.ReadDir(outputDir)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if !entry.Type().IsRegular() {
				continue
			}
			if err := os.Remove(filepath.Join(outputDir, entry.Name())); err != nil {
				return err
			}
		}
		return nil
	}
}

func (r *HookRegistry) execHook(commandLine string) (Hook, error) {
	args, err := shellquote.Split(commandLine)
	if err != nil {
		return nil, err
	}
	if len(args) == 0 {
		return nil, errors.New("empty command")
	}

	return func(ctx context.Context) error {
		cmd := exec.CommandContext(ctx, args[0], args[1:]...)
		out, err := cmd.CombinedOutput()
		if len(out) > 0 {
			r.logger.Debug(fmt.Sprintf("   %s: %s", args[0], strings.TrimSpace(string(out))))
		}
		if err != nil {
			return fmt.Errorf("command %s failed: %w", shellquote.Join(args...), err)
		}
		return nil
	}, nil
}
