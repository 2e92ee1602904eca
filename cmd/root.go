package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Version information - set via ldflags during build
	// Example: go build -ldflags "-X github.com/airframesio/data-exporter/cmd.Version=1.2.3"
	Version = "dev" // Default to "dev" if not set during build

	// signalContext is set by main() before Cobra initialization
	// This ensures signal handling is set up before any library can interfere
	signalContext context.Context

	cfgFile            string
	debug              bool
	logFormat          string
	dryRun             bool
	dbDriver           string
	dbHost             string
	dbPort             int
	dbUser             string
	dbPassword         string
	dbName             string
	dbSSLMode          string
	dbPath             string
	dbStatementTimeout int
	s3Endpoint         string
	s3Bucket           string
	s3AccessKey        string
	s3SecretKey        string
	s3Region           string
	jobsFile           string
	dataset            string
	query              string
	filters            string
	orderKey           string
	pageLimit          int
	outputFormat       string
	parquetCompression string
	outputDir          string
	maxFileSize        float64
	timeoutSeconds     int
	continueScan       bool
	preHooks           string
	postHooks          string
	archiveEnabled     bool
	archiveCompression string
	archiveLevel       int
	archivePrefix      string
	archiveOnRotate    bool
	checkpointBackend  string
	checkpointPath     string
	lockJob            bool
	tuiMode            bool
	startViewerFlag    bool
	viewerPort         int

	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7D56F4")).
			Bold(true).
			Underline(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00D9FF"))

	logger *slog.Logger
)

// SetSignalContext stores the signal-aware context created in main()
// This must be called before Execute() to ensure proper signal handling
func SetSignalContext(ctx context.Context) {
	signalContext = ctx
}

// broadcastLogHandler wraps a slog handler and broadcasts logs to WebSocket
// clients once the viewer is serving
type broadcastLogHandler struct {
	handler slog.Handler
	sink    chan<- LogMessage
	active  *atomic.Bool
}

func newBroadcastLogHandler(handler slog.Handler) *broadcastLogHandler {
	return &broadcastLogHandler{handler: handler, sink: logBroadcast, active: &viewerStarted}
}

func (h *broadcastLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *broadcastLogHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.active.Load() {
		logMsg := LogMessage{
			Timestamp: r.Time.Format("2006-01-02 15:04:05"),
			Level:     r.Level.String(),
			Message:   r.Message,
		}
		select {
		case h.sink <- logMsg:
		default:
			// Channel full, skip broadcast to avoid blocking
		}
	}

	return h.handler.Handle(ctx, r)
}

func (h *broadcastLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &broadcastLogHandler{handler: h.handler.WithAttrs(attrs), sink: h.sink, active: h.active}
}

func (h *broadcastLogHandler) WithGroup(name string) slog.Handler {
	return &broadcastLogHandler{handler: h.handler.WithGroup(name), sink: h.sink, active: h.active}
}

// textOnlyHandler is a custom slog handler that outputs human-readable text
// without key=value pairs, suitable for interactive terminal usage
type textOnlyHandler struct {
	opts   slog.HandlerOptions
	writer io.Writer
}

func newTextOnlyHandler(w io.Writer, opts *slog.HandlerOptions) *textOnlyHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &textOnlyHandler{
		opts:   *opts,
		writer: w,
	}
}

func (h *textOnlyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *textOnlyHandler) Handle(_ context.Context, r slog.Record) error {
	// Format: YYYY-MM-DD HH:MM:SS LEVEL message
	timestamp := r.Time.Format("2006-01-02 15:04:05")
	_, err := fmt.Fprintf(h.writer, "%s %s %s\n", timestamp, r.Level.String(), r.Message)
	return err
}

func (h *textOnlyHandler) WithAttrs(_ []slog.Attr) slog.Handler {
	return h
}

func (h *textOnlyHandler) WithGroup(_ string) slog.Handler {
	return h
}

// initLogger initializes the slog logger based on debug flag and log format
func initLogger(isDebug bool, format string) {
	initLoggerTo(os.Stdout, isDebug, format)
}

// initLoggerTo is initLogger with an explicit destination. The TUI sends
// console output to io.Discard while the viewer still receives every record.
func initLoggerTo(w io.Writer, isDebug bool, format string) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	if isDebug {
		opts.Level = slog.LevelDebug
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "logfmt":
		handler = slog.NewTextHandler(w, opts)
	default: // "text" or anything else
		handler = newTextOnlyHandler(w, opts)
	}

	logger = slog.New(newBroadcastLogHandler(handler))
}

var rootCmd = &cobra.Command{
	Use:     "data-exporter",
	Version: Version,
	Short:   "📦 Export query results to files and object storage",
	Long: titleStyle.Render("Data Exporter") + `

A CLI tool to export the rows of a SQL query to JSONL, CSV or Parquet files.
Pages through the result by an order key, rotates files by size, saves a
resume checkpoint when a run times out, and optionally archives finished
files to S3-compatible storage.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// Show help when no subcommand is specified
		cmd.Help()
	},
}

var exportCmd = &cobra.Command{
	Use:   "export [job-id]",
	Short: "Run an export",
	Long: `Run an export. Without arguments the job is built from flags, environment
and config file. With a job id, the job is looked up in the --jobs registry.`,
	Args: cobra.MaximumNArgs(1),
	PreRun: func(cmd *cobra.Command, _ []string) {
		bindJobFlags(cmd)
		_ = viper.BindPFlag("tui", cmd.Flags().Lookup("tui"))
		_ = viper.BindPFlag("viewer", cmd.Flags().Lookup("viewer"))
		_ = viper.BindPFlag("viewer_port", cmd.Flags().Lookup("viewer-port"))
	},
	Run: func(_ *cobra.Command, args []string) {
		runExport(args)
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(exportCmd)

	// Persistent flags (available to all subcommands)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.data-exporter.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug output")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, logfmt, json)")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "export locally but skip uploads and deletions")
	rootCmd.PersistentFlags().StringVar(&jobsFile, "jobs", "", "job registry YAML file")

	addJobFlags(exportCmd)
	exportCmd.Flags().BoolVar(&tuiMode, "tui", false, "show a terminal progress display")
	exportCmd.Flags().BoolVar(&startViewerFlag, "viewer", false, "start the embedded status viewer web server")
	exportCmd.Flags().IntVar(&viewerPort, "viewer-port", 8080, "port for the status viewer web server")

	// Note: We don't use MarkFlagRequired because it checks before viper loads the config file.
	// Instead, validation happens in config.Validate() which runs after all config sources are loaded.

	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	_ = viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag("dry_run", rootCmd.PersistentFlags().Lookup("dry-run"))
	_ = viper.BindPFlag("jobs", rootCmd.PersistentFlags().Lookup("jobs"))
}

// addJobFlags registers the flags that describe a job and its environment.
// export and schedule share them.
func addJobFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&dbDriver, "db-driver", DriverPostgres, "database driver (postgres, sqlite)")
	cmd.Flags().StringVar(&dbHost, "db-host", "localhost", "PostgreSQL host")
	cmd.Flags().IntVar(&dbPort, "db-port", 5432, "PostgreSQL port")
	cmd.Flags().StringVar(&dbUser, "db-user", "", "PostgreSQL user")
	cmd.Flags().StringVar(&dbPassword, "db-password", "", "PostgreSQL password")
	cmd.Flags().StringVar(&dbName, "db-name", "", "PostgreSQL database name")
	cmd.Flags().StringVar(&dbSSLMode, "db-sslmode", "disable", "PostgreSQL SSL mode (disable, require, verify-ca, verify-full)")
	cmd.Flags().StringVar(&dbPath, "db-path", "", "SQLite database file (sqlite driver)")
	cmd.Flags().IntVar(&dbStatementTimeout, "db-statement-timeout", 300, "PostgreSQL statement timeout in seconds (0 = no timeout)")

	cmd.Flags().StringVar(&s3Endpoint, "s3-endpoint", "", "S3-compatible endpoint URL")
	cmd.Flags().StringVar(&s3Bucket, "s3-bucket", "", "S3 bucket name")
	cmd.Flags().StringVar(&s3AccessKey, "s3-access-key", "", "S3 access key")
	cmd.Flags().StringVar(&s3SecretKey, "s3-secret-key", "", "S3 secret key")
	cmd.Flags().StringVar(&s3Region, "s3-region", "auto", "S3 region")

	cmd.Flags().StringVar(&dataset, "dataset", "", "dataset name, used as the output file prefix (required)")
	cmd.Flags().StringVar(&query, "query", "", "base SELECT statement (required)")
	cmd.Flags().StringVar(&filters, "filters", "", "extra WHERE condition")
	cmd.Flags().StringVar(&orderKey, "order-key", "", "column used to order and page the scan (required)")
	cmd.Flags().IntVar(&pageLimit, "limit", 10000, "rows per page (0 = no limit)")
	cmd.Flags().StringVar(&outputFormat, "format", "json", "output format: json, csv, parquet")
	cmd.Flags().StringVar(&parquetCompression, "parquet-compression", "snappy", "parquet codec: snappy, zstd, gzip, lz4, none")
	cmd.Flags().StringVar(&outputDir, "output-dir", "./output", "directory for output files")
	cmd.Flags().Float64Var(&maxFileSize, "max-file-size", 0, "rotate output files at this many MB (0 = never)")
	cmd.Flags().IntVar(&timeoutSeconds, "timeout", 0, "stop and save a checkpoint after this many seconds (0 = never)")
	cmd.Flags().BoolVar(&continueScan, "continue", false, "resume from the saved checkpoint")
	cmd.Flags().StringVar(&preHooks, "pre-hooks", "", "comma-separated hooks to run before the export")
	cmd.Flags().StringVar(&postHooks, "post-hooks", "", "comma-separated hooks to run after the export")

	cmd.Flags().BoolVar(&archiveEnabled, "archive", false, "upload finished files to S3 and delete them locally")
	cmd.Flags().StringVar(&archiveCompression, "archive-compression", "none", "compression for uploads: none, gzip, zstd, lz4")
	cmd.Flags().IntVar(&archiveLevel, "archive-compression-level", 0, "compression level (0 = codec default)")
	cmd.Flags().StringVar(&archivePrefix, "archive-prefix", "", "object key prefix with placeholders: {dataset}, {job}, {YYYY}, {MM}, {DD}, {HH}")
	cmd.Flags().BoolVar(&archiveOnRotate, "archive-on-rotate", false, "upload each file as soon as rotation finalizes it")

	cmd.Flags().StringVar(&checkpointBackend, "checkpoint-backend", CheckpointBackendSource, "checkpoint storage: source (the exported database) or sqlite")
	cmd.Flags().StringVar(&checkpointPath, "checkpoint-path", DefaultCheckpointPath(), "SQLite checkpoint database (sqlite backend)")
	cmd.Flags().BoolVar(&lockJob, "lock", false, "refuse to start while another process runs the same job")
}

// bindJobFlags binds the job flags of the command being run. Binding
// happens in PreRun because export and schedule share the viper keys.
func bindJobFlags(cmd *cobra.Command) {
	for key, flag := range map[string]string{
		"db.driver":                 "db-driver",
		"db.host":                   "db-host",
		"db.port":                   "db-port",
		"db.user":                   "db-user",
		"db.password":               "db-password",
		"db.name":                   "db-name",
		"db.sslmode":                "db-sslmode",
		"db.path":                   "db-path",
		"db.statement_timeout":      "db-statement-timeout",
		"s3.endpoint":               "s3-endpoint",
		"s3.bucket":                 "s3-bucket",
		"s3.access_key":             "s3-access-key",
		"s3.secret_key":             "s3-secret-key",
		"s3.region":                 "s3-region",
		"dataset":                   "dataset",
		"query":                     "query",
		"filters":                   "filters",
		"order_key":                 "order-key",
		"limit":                     "limit",
		"format":                    "format",
		"parquet_compression":       "parquet-compression",
		"output_dir":                "output-dir",
		"max_file_size":             "max-file-size",
		"timeout":                   "timeout",
		"continue":                  "continue",
		"pre_hooks":                 "pre-hooks",
		"post_hooks":                "post-hooks",
		"archive.enabled":           "archive",
		"archive.compression":       "archive-compression",
		"archive.compression_level": "archive-compression-level",
		"archive.prefix":            "archive-prefix",
		"archive.on_rotate":         "archive-on-rotate",
		"checkpoint.backend":        "checkpoint-backend",
		"checkpoint.path":           "checkpoint-path",
		"lock":                      "lock",
	} {
		_ = viper.BindPFlag(key, cmd.Flags().Lookup(flag))
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".data-exporter")
	}

	viper.SetEnvPrefix("EXPORT")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && debug {
		if logger == nil {
			initLogger(debug, logFormat)
		}
		logger.Debug(fmt.Sprintf("📄 Using config file: %s", viper.ConfigFileUsed()))
	}
}

// loadConfig assembles the run configuration from viper. A job id selects
// the job from the registry instead of the flat job keys.
func loadConfig(args []string) (*Config, error) {
	config := &Config{
		Debug:      viper.GetBool("debug"),
		LogFormat:  viper.GetString("log_format"),
		DryRun:     viper.GetBool("dry_run"),
		TUI:        viper.GetBool("tui"),
		Lock:       viper.GetBool("lock"),
		Viewer:     viper.GetBool("viewer"),
		ViewerPort: viper.GetInt("viewer_port"),
		Database: DatabaseConfig{
			Driver:           viper.GetString("db.driver"),
			Host:             viper.GetString("db.host"),
			Port:             viper.GetInt("db.port"),
			User:             viper.GetString("db.user"),
			Password:         viper.GetString("db.password"),
			Name:             viper.GetString("db.name"),
			SSLMode:          viper.GetString("db.sslmode"),
			Path:             viper.GetString("db.path"),
			StatementTimeout: viper.GetInt("db.statement_timeout"),
		},
		S3: S3Config{
			Endpoint:  viper.GetString("s3.endpoint"),
			Bucket:    viper.GetString("s3.bucket"),
			AccessKey: viper.GetString("s3.access_key"),
			SecretKey: viper.GetString("s3.secret_key"),
			Region:    viper.GetString("s3.region"),
		},
		Checkpoint: CheckpointConfig{
			Backend: viper.GetString("checkpoint.backend"),
			Path:    viper.GetString("checkpoint.path"),
		},
	}
	if config.Database.Driver == "" {
		config.Database.Driver = DriverPostgres
	}

	if len(args) == 0 {
		config.Job = jobFromViper()
		return config, nil
	}

	registryPath := viper.GetString("jobs")
	if registryPath == "" {
		return nil, fmt.Errorf("%w: job '%s' given without a --jobs registry", ErrConfiguration, args[0])
	}
	registry, err := LoadJobRegistry(registryPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	job, err := registry.Lookup(args[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	if viper.GetBool("continue") {
		job.Continue = true
	}
	config.Job = job
	return config, nil
}

func jobFromViper() ExportJob {
	job := ExportJob{
		DatasetName:        viper.GetString("dataset"),
		Query:              viper.GetString("query"),
		Filters:            viper.GetString("filters"),
		OrderKey:           viper.GetString("order_key"),
		Limit:              viper.GetInt("limit"),
		Format:             viper.GetString("format"),
		ParquetCompression: viper.GetString("parquet_compression"),
		OutputDir:          viper.GetString("output_dir"),
		MaxFileSizeMB:      viper.GetFloat64("max_file_size"),
		TimeoutSeconds:     viper.GetInt("timeout"),
		Continue:           viper.GetBool("continue"),
		PreHooks:           splitHookList(viper.GetString("pre_hooks")),
		PostHooks:          splitHookList(viper.GetString("post_hooks")),
		Archive: ArchiveConfig{
			Enabled:          viper.GetBool("archive.enabled"),
			Compression:      viper.GetString("archive.compression"),
			CompressionLevel: viper.GetInt("archive.compression_level"),
			Prefix:           viper.GetString("archive.prefix"),
			OnRotate:         viper.GetBool("archive.on_rotate"),
		},
	}
	if err := viper.UnmarshalKey("schema", &job.Schema); err != nil {
		job.Schema = nil
	}
	job.applyDefaults()
	return job
}

// commandContext returns the signal context from main, or a fallback
func commandContext() (context.Context, context.CancelFunc) {
	if signalContext != nil {
		return signalContext, func() {}
	}
	logger.Warn("Signal context not set, creating fallback...")
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runExport(args []string) {
	// Add panic recovery to catch any unexpected crashes
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
	if config.TUI {
		initLoggerTo(io.Discard, config.Debug, config.LogFormat)
	}

	logger.Info("")
	logger.Info(fmt.Sprintf("🚀 Data Exporter v%s", Version))
	logger.Info("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	logger.Debug("Validating configuration...")
	if err := config.Validate(); err != nil {
		logger.Error(fmt.Sprintf("❌ Configuration error: %s", err.Error()))
		os.Exit(1)
	}
	logger.Debug("Configuration validated successfully")

	ctx, stop := commandContext()
	defer stop()

	if config.Viewer {
		startViewer(ctx, config.ViewerPort)
		if config.TUI {
			fmt.Fprintln(os.Stderr, infoStyle.Render(fmt.Sprintf("🌐 Viewer on http://localhost:%d", config.ViewerPort)))
		}
	}

	result, err := executeJob(ctx, config)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("")
			logger.Info("⚠️  Export cancelled by user")
			os.Exit(130)
		}
		logger.Error(fmt.Sprintf("❌ Export failed: %s", err.Error()))
		os.Exit(1)
	}

	if config.TUI {
		for _, line := range summaryLines(result) {
			fmt.Println(line)
		}
	} else {
		logger.Info("")
		for _, line := range summaryLines(result) {
			logger.Info(line)
		}
	}
	logger.Info("")
	logger.Info("✅ Export completed successfully!")
}

// executeJob opens the job's resources, runs it once and releases them
func executeJob(ctx context.Context, config *Config) (*RunResult, error) {
	job := config.Job

	if config.Lock {
		release, err := AcquireJobLock(job.ID)
		if err != nil {
			return nil, err
		}
		defer func() { _ = release() }()
	}

	logger.Debug(fmt.Sprintf("Connecting to %s database...", config.Database.Driver))
	db, err := OpenDatabase(ctx, config.Database)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to database: %w", ErrDataSource, err)
	}
	defer db.Close()
	logger.Debug("✅ Connected to database")

	var opts []ExporterOption
	if job.needsCheckpoints() {
		store, closeStore, err := openCheckpointStore(ctx, config, db)
		if err != nil {
			return nil, err
		}
		defer closeStore()
		opts = append(opts, WithCheckpointStore(store))
	}
	if job.Archive.Enabled {
		uploader, err := newArchiveUploader(config)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithArchiver(uploader))
	}

	task := &TaskInfo{
		PID:         os.Getpid(),
		JobID:       job.ID,
		Dataset:     job.DatasetName,
		Format:      job.Format,
		StartTime:   time.Now(),
		CurrentTask: "Starting",
	}
	_ = WriteTaskInfo(task)
	defer func() { _ = RemoveTaskFile(job.ID) }()

	source := NewSQLSource(db)
	build := func(onProgress func(ProgressUpdate)) (*Exporter, error) {
		track := func(u ProgressUpdate) {
			task.RunID = u.RunID
			task.Pages = u.Pages
			task.Rows = u.Rows
			task.Cursor = u.Cursor
			task.CurrentTask = "Exporting"
			if u.File != "" {
				task.CurrentFile = u.File
			}
			if u.Done {
				task.CurrentTask = "Finishing"
			}
			_ = WriteTaskInfo(task)
			if onProgress != nil {
				onProgress(u)
			}
		}
		return NewExporter(job, source, logger, append(opts, WithProgress(track))...)
	}

	if config.TUI {
		return runWithProgress(ctx, job, build)
	}

	exporter, err := build(nil)
	if err != nil {
		return nil, err
	}
	logger.Info(fmt.Sprintf("📦 Exporting %s as %s to %s (run %s)", job.ID, job.Format, job.OutputDir, exporter.RunID()))
	return exporter.Run(ctx)
}

// openCheckpointStore returns the configured store and its cleanup. The
// source backend shares db, so its cleanup leaves the connection open.
func openCheckpointStore(ctx context.Context, config *Config, db *sql.DB) (CheckpointStore, func(), error) {
	if config.Checkpoint.Backend == CheckpointBackendSQLite {
		store, err := OpenSQLiteCheckpointStore(ctx, config.Checkpoint.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrDataSource, err)
		}
		return store, func() { _ = store.Close() }, nil
	}

	store := NewSQLCheckpointStore(db, config.Database.Driver)
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrDataSource, err)
	}
	return store, func() {}, nil
}

// newArchiveUploader renders the key prefix for this run and connects to S3.
// A dry run never touches the object store.
func newArchiveUploader(config *Config) (*ArchiveUploader, error) {
	archive := config.Job.Archive
	archive.Prefix = NewPathTemplate(archive.Prefix).Generate(config.Job, time.Now())

	var store ObjectStore
	if !config.DryRun {
		s3Store, err := NewS3Store(config.S3)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrArchive, err)
		}
		store = s3Store
	}
	return NewArchiveUploader(store, archive, config.DryRun, logger)
}
