package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var ErrScheduleInvalid = errors.New("invalid cron schedule")

var cronSpec string

var scheduleCmd = &cobra.Command{
	Use:   "schedule [job-id]",
	Short: "Run an export repeatedly on a cron schedule",
	Long: `Run an export on a cron schedule. Every run resumes from the checkpoint the
previous run saved, so a job with a timeout works through a large table in
slices. A run that is still going when the next one is due is skipped.`,
	Args: cobra.MaximumNArgs(1),
	PreRun: func(cmd *cobra.Command, _ []string) {
		bindJobFlags(cmd)
	},
	Run: func(_ *cobra.Command, args []string) {
		runSchedule(args)
	},
}

func init() {
	rootCmd.AddCommand(scheduleCmd)
	addJobFlags(scheduleCmd)
	scheduleCmd.Flags().StringVar(&cronSpec, "cron", "", `standard 5-field cron expression, e.g. "*/15 * * * *" (required)`)
}

// Scheduler runs one job on a cron schedule without overlapping runs
type Scheduler struct {
	spec    string
	cron    *cron.Cron
	run     func(ctx context.Context) (*RunResult, error)
	logger  *slog.Logger
	mu      sync.Mutex
	running bool
}

// NewScheduler validates spec and prepares a scheduler calling run
func NewScheduler(spec string, run func(ctx context.Context) (*RunResult, error), logger *slog.Logger) (*Scheduler, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrScheduleInvalid, spec, err)
	}
	return &Scheduler{
		spec:   spec,
		cron:   cron.New(),
		run:    run,
		logger: logger,
	}, nil
}

// Start schedules the job. The scheduler stops when ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.spec, func() { s.tick(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule export: %w", err)
	}
	s.cron.Start()
	s.logger.Info(fmt.Sprintf("⏰ Scheduled with %q", s.spec))
	return nil
}

// Stop stops the scheduler and waits for a running export to finish
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// tick runs the job unless the previous run is still busy
func (s *Scheduler) tick(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("⏭️  Previous run still in progress, skipping this one")
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	result, err := s.run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.logger.Error(fmt.Sprintf("❌ Scheduled export failed: %s", err.Error()))
		return
	}
	s.logger.Info(fmt.Sprintf("✅ Scheduled export wrote %d rows to %d files", result.Rows, len(result.Files)))
	if result.Checkpointed {
		s.logger.Info(fmt.Sprintf("⏩ Next run resumes after %s", result.LastCursor))
	}
}

func runSchedule(args []string) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "\n❌ PANIC: %v\n", r)
			os.Exit(1)
		}
	}()

	initLogger(viper.GetBool("debug"), viper.GetString("log_format"))

	config, err := loadConfig(args)
	if err != nil {
		logger.Error(fmt.Sprintf("❌ Configuration error: %s", err.Error()))
		os.Exit(1)
	}
	// scheduled runs always pick up where the last one stopped
	config.Job.Continue = true
	config.TUI = false

	if err := config.Validate(); err != nil {
		logger.Error(fmt.Sprintf("❌ Configuration error: %s", err.Error()))
		os.Exit(1)
	}

	scheduler, err := NewScheduler(cronSpec, func(ctx context.Context) (*RunResult, error) {
		return executeJob(ctx, config)
	}, logger)
	if err != nil {
		logger.Error(fmt.Sprintf("❌ Configuration error: %s", err.Error()))
		os.Exit(1)
	}

	ctx, stop := commandContext()
	defer stop()

	logger.Info("")
	logger.Info(fmt.Sprintf("🚀 Data Exporter v%s - schedule mode for %s", Version, config.Job.ID))
	if err := scheduler.Start(ctx); err != nil {
		logger.Error(fmt.Sprintf("❌ %s", err.Error()))
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("⚠️  Interrupt signal received, waiting for the running export...")
	scheduler.Stop()
	logger.Info("👋 Scheduler stopped")
}
