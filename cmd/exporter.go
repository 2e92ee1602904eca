package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/airframesio/data-exporter/cmd/formatters"
	"github.com/google/uuid"
)

const writeBufferSize = 64 * 1024

// RunResult summarizes one export run
type RunResult struct {
	RunID        string
	JobID        string
	Rows         int64
	Pages        int
	Files        []string
	LastCursor   Cursor
	Resumed      bool
	Checkpointed bool
	Archived     int
	Duration     time.Duration
}

// ProgressUpdate is reported after every page and once when the scan ends
type ProgressUpdate struct {
	RunID    string
	JobID    string
	Pages    int
	Rows     int64
	PageRows int
	File     string
	Cursor   string
	Elapsed  time.Duration
	Done     bool
}

// Exporter runs the paginated scan of one job
type Exporter struct {
	job         ExportJob
	source      Source
	formatter   formatters.StreamingFormatter
	schema      formatters.TableSchema
	checkpoints CheckpointStore
	archiver    *ArchiveUploader
	registry    *HookRegistry
	hooks       *HookRunner
	preHooks    []namedHook
	postHooks   []namedHook
	rotator     *Rotator
	now         func() time.Time
	onProgress  func(ProgressUpdate)
	logger      *slog.Logger
	runID       string
}

type ExporterOption func(*Exporter)

// WithCheckpointStore sets where timeouts save and resumes load cursors
func WithCheckpointStore(store CheckpointStore) ExporterOption {
	return func(e *Exporter) { e.checkpoints = store }
}

// WithArchiver enables archival with the given uploader
func WithArchiver(archiver *ArchiveUploader) ExporterOption {
	return func(e *Exporter) { e.archiver = archiver }
}

// WithHookRegistry replaces the default hook registry
func WithHookRegistry(registry *HookRegistry) ExporterOption {
	return func(e *Exporter) { e.registry = registry }
}

// WithClock overrides the time source used for timeouts and file names
func WithClock(now func() time.Time) ExporterOption {
	return func(e *Exporter) { e.now = now }
}

// WithProgress registers a callback for page progress
func WithProgress(fn func(ProgressUpdate)) ExporterOption {
	return func(e *Exporter) { e.onProgress = fn }
}

// NewExporter selects the output format and resolves hooks up front, so
// configuration problems surface before any I/O.
func NewExporter(job ExportJob, source Source, logger *slog.Logger, opts ...ExporterOption) (*Exporter, error) {
	if job.OrderKey == "" {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, ErrOrderKeyRequired)
	}
	formatter, err := formatters.GetStreamingFormatter(job.Format, job.ParquetCompression)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	e := &Exporter{
		job:       job,
		source:    source,
		formatter: formatter,
		now:       time.Now,
		logger:    logger,
		runID:     uuid.NewString(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if schema := job.TableSchema(); schema != nil {
		e.schema = schema
	}
	if e.registry == nil {
		e.registry = NewHookRegistry(job.OutputDir, logger)
	}
	e.hooks = NewHookRunner(e.registry, logger)
	if e.preHooks, err = e.registry.Resolve(job.PreHooks); err != nil {
		return nil, err
	}
	if e.postHooks, err = e.registry.Resolve(job.PostHooks); err != nil {
		return nil, err
	}
	if job.needsCheckpoints() && e.checkpoints == nil {
		return nil, fmt.Errorf("%w: resume and timeout need a checkpoint store", ErrConfiguration)
	}
	if job.Archive.Enabled && e.archiver == nil {
		return nil, fmt.Errorf("%w: archival enabled without an object store", ErrConfiguration)
	}
	e.rotator = NewRotator(job.MaxFileSizeMB, e.now)

	return e, nil
}

// RunID identifies this exporter's run in logs and task info
func (e *Exporter) RunID() string {
	return e.runID
}

// scanState is everything a single run mutates while scanning
type scanState struct {
	reference int64
	path      string
	file      *os.File
	buf       *bufio.Writer
	writer    formatters.StreamWriter
	schema    formatters.TableSchema
	cursor    CursorTracker
	finalized map[string]bool
	files     []string
}

func newScanState(schema formatters.TableSchema) *scanState {
	return &scanState{
		schema:    schema,
		finalized: make(map[string]bool),
	}
}

func (s *scanState) open(path string, formatter formatters.StreamingFormatter) error {
	flags := os.O_CREATE | os.O_WRONLY
	if formatter.Appendable() {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return err
	}

	buf := bufio.NewWriterSize(file, writeBufferSize)
	writer, err := formatter.NewWriter(buf, s.schema)
	if err != nil {
		file.Close()
		return err
	}

	s.path, s.file, s.buf, s.writer = path, file, buf, writer
	if !s.seen(path) {
		s.files = append(s.files, path)
	}
	return nil
}

func (s *scanState) seen(path string) bool {
	for _, f := range s.files {
		if f == path {
			return true
		}
	}
	return false
}

// flush pushes buffered bytes to disk so the file size is current
func (s *scanState) flush() error {
	if s.buf == nil {
		return nil
	}
	return s.buf.Flush()
}

// close finalizes the open writer, if any
func (s *scanState) close() error {
	if s.file == nil {
		return nil
	}
	err := s.writer.Close()
	if ferr := s.buf.Flush(); err == nil {
		err = ferr
	}
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	s.finalized[s.path] = true
	s.path, s.file, s.buf, s.writer = "", nil, nil, nil
	return err
}

// Run executes pre hooks, the scan, archival and post hooks in that order
func (e *Exporter) Run(ctx context.Context) (*RunResult, error) {
	start := e.now()
	result := &RunResult{RunID: e.runID, JobID: e.job.ID}

	if err := e.hooks.run(ctx, e.preHooks); err != nil {
		return result, err
	}

	if err := os.MkdirAll(e.job.OutputDir, 0o755); err != nil {
		return result, fmt.Errorf("%w: create output directory: %w", ErrWrite, err)
	}

	state := newScanState(e.schema)
	err := e.scan(ctx, state, start, result)
	if cerr := state.close(); cerr != nil && err == nil {
		err = fmt.Errorf("%w: finalize output: %w", ErrWrite, cerr)
	}
	result.Files = state.files
	result.LastCursor = state.cursor.Current()
	e.report(result, 0, "", start, true)
	if err != nil {
		result.Duration = e.now().Sub(start)
		return result, err
	}

	if e.archiver != nil {
		e.logger.Info(fmt.Sprintf("☁️  Archiving files in %s", e.job.OutputDir))
		n, err := e.archiver.Archive(ctx, e.job.OutputDir)
		result.Archived += n
		if err != nil {
			result.Duration = e.now().Sub(start)
			return result, err
		}
	}

	if err := e.hooks.run(ctx, e.postHooks); err != nil {
		result.Duration = e.now().Sub(start)
		return result, err
	}

	result.Duration = e.now().Sub(start)
	return result, nil
}

func (e *Exporter) scan(ctx context.Context, state *scanState, start time.Time, result *RunResult) error {
	state.reference = e.rotator.NextTimestamp()

	for first := true; ; first = false {
		if err := ctx.Err(); err != nil {
			return err
		}

		path, err := e.activePath(ctx, state, result)
		if err != nil {
			return err
		}

		if first && e.job.Continue {
			cursor, ok, err := e.checkpoints.LoadAndClear(ctx, e.job.ID)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrDataSource, err)
			}
			if ok {
				state.cursor.Reset(cursor)
				result.Resumed = true
				e.logger.Info(fmt.Sprintf("⏩ Resuming %s after cursor %s", e.job.ID, cursor))
			}
		}

		query := BuildPageQuery(e.job, state.cursor.Current())
		e.logger.Debug(fmt.Sprintf("  🔎 %s", query))

		pageStart := time.Now()
		rows, err := e.source.Query(ctx, query)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %w", ErrDataSource, err)
		}
		result.Pages++
		pagesFetched.WithLabelValues(e.job.ID).Inc()

		if len(rows) == 0 {
			e.logger.Debug("  Empty page, scan complete")
			return nil
		}

		advanced, err := e.writePage(state, path, rows, result)
		if err != nil {
			return err
		}
		result.LastCursor = state.cursor.Current()
		pageDuration.WithLabelValues(e.job.ID).Observe(time.Since(pageStart).Seconds())
		e.report(result, len(rows), path, start, false)

		if !advanced {
			e.logger.Debug("  Cursor did not advance, scan complete")
			return nil
		}

		if timeout := e.job.Timeout(); timeout > 0 && e.now().Sub(start) > timeout {
			cursor := state.cursor.Current()
			if err := e.checkpoints.Save(ctx, e.job.ID, cursor); err != nil {
				return fmt.Errorf("%w: %w", ErrDataSource, err)
			}
			result.Checkpointed = true
			checkpointsSaved.WithLabelValues(e.job.ID).Inc()
			e.logger.Warn(fmt.Sprintf("⏱️  Timeout of %v reached, saved checkpoint for %s at cursor %s", timeout, e.job.ID, cursor))
			return nil
		}
	}
}

// activePath returns the file the next page goes to, minting a new
// reference timestamp when the current file is full or cannot be reopened.
func (e *Exporter) activePath(ctx context.Context, state *scanState, result *RunResult) (string, error) {
	path := e.outputPath(state.reference)

	rotate, err := e.rotator.ShouldRotate(path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrWrite, err)
	}
	reopen := !e.formatter.Appendable() && (state.finalized[path] || fileExists(path))
	if !rotate && !reopen {
		return path, nil
	}

	if err := state.close(); err != nil {
		return "", fmt.Errorf("%w: finalize %s: %w", ErrWrite, path, err)
	}
	if rotate {
		filesRotated.WithLabelValues(e.job.ID).Inc()
		e.logger.Info(fmt.Sprintf("🔄 %s reached the size limit, starting a new file", path))
	}
	if e.archiver != nil && e.job.Archive.OnRotate && fileExists(path) {
		if err := e.archiver.ArchiveFile(ctx, path); err != nil {
			return "", err
		}
		result.Archived++
	}

	state.reference = e.rotator.NextTimestamp()
	return e.outputPath(state.reference), nil
}

func (e *Exporter) outputPath(reference int64) string {
	return OutputPath(e.job.OutputDir, e.job.DatasetName, reference, e.formatter.Extension())
}

// writePage appends rows to path and moves the cursor to the last row's
// order key. It reports whether that key differs from the cursor the page
// started from. Columnar files are finalized before returning.
func (e *Exporter) writePage(state *scanState, path string, rows []formatters.Row, result *RunResult) (bool, error) {
	if state.path != path {
		if err := state.close(); err != nil {
			return false, fmt.Errorf("%w: finalize %s: %w", ErrWrite, state.path, err)
		}
		if !e.formatter.Appendable() && e.schema == nil {
			schema := inferTableSchema(e.job.DatasetName, rows)
			e.logger.Debug(fmt.Sprintf("  Inferred schema with %d columns for %s", len(schema.Columns), path))
			state.schema = schema
		}
		if err := state.open(path, e.formatter); err != nil {
			return false, fmt.Errorf("%w: open %s: %w", ErrWrite, path, err)
		}
		e.logger.Debug(fmt.Sprintf("  📝 Writing to %s", path))
	}

	column := e.job.orderColumn()
	var last interface{}
	for _, row := range rows {
		key, ok := lookupColumn(row, column)
		if !ok {
			return false, fmt.Errorf("%w: order key column %q missing from result", ErrDataSource, column)
		}
		if err := state.writer.WriteRow(row); err != nil {
			return false, fmt.Errorf("%w: %s: %w", ErrWrite, path, err)
		}
		result.Rows++
		last = key
	}
	rowsExported.WithLabelValues(e.job.ID).Add(float64(len(rows)))
	advanced := state.cursor.Advance(NewCursor(last))

	var err error
	if e.formatter.Appendable() {
		err = state.flush()
	} else {
		err = state.close()
	}
	if err != nil {
		return advanced, fmt.Errorf("%w: %s: %w", ErrWrite, path, err)
	}
	return advanced, nil
}

func (e *Exporter) report(result *RunResult, pageRows int, file string, start time.Time, done bool) {
	if e.onProgress == nil {
		return
	}
	e.onProgress(ProgressUpdate{
		RunID:    result.RunID,
		JobID:    result.JobID,
		Pages:    result.Pages,
		Rows:     result.Rows,
		PageRows: pageRows,
		File:     file,
		Cursor:   result.LastCursor.String(),
		Elapsed:  e.now().Sub(start),
		Done:     done,
	})
}

// lookupColumn finds column in row, falling back to a case-insensitive
// match for databases that fold unquoted identifiers.
func lookupColumn(row formatters.Row, column string) (interface{}, bool) {
	if v, ok := row.Get(column); ok {
		return v, true
	}
	for i, c := range row.Columns {
		if strings.EqualFold(c, column) {
			return row.Values[i], true
		}
	}
	return nil, false
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, os.ErrNotExist)
}

// BuildPageQuery appends the filter, cursor predicate, ordering and limit to
// the job's base query
func BuildPageQuery(job ExportJob, cursor Cursor) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(strings.TrimSpace(job.Query), ";"))

	hasWhere := false
	if filters := strings.TrimSpace(job.Filters); filters != "" {
		fmt.Fprintf(&b, " WHERE (%s)", filters)
		hasWhere = true
	}
	if cursor.IsSet() {
		if hasWhere {
			b.WriteString(" AND ")
		} else {
			b.WriteString(" WHERE ")
		}
		fmt.Fprintf(&b, "%s > %s", job.OrderKey, cursor.SQLLiteral())
	}
	b.WriteString(" ORDER BY ")
	b.WriteString(job.OrderKey)
	if job.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", job.Limit)
	}
	return b.String()
}
