package cmd

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/airframesio/data-exporter/cmd/formatters"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newItemsDB creates a SQLite database with n rows in items(id, name, amount)
func newItemsDB(t *testing.T, n int) *sql.DB {
	t.Helper()
	db, err := OpenDatabase(context.Background(), DatabaseConfig{
		Driver: DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "source.db"),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := db.Exec(`CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT, amount REAL)`); err != nil {
		t.Fatal(err)
	}
	tx, err := db.Begin()
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= n; i++ {
		if _, err := tx.Exec(`INSERT INTO items (id, name, amount) VALUES (?, ?, ?)`, i, fmt.Sprintf("item-%d", i), float64(i)+0.5); err != nil {
			t.Fatal(err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return db
}

func itemsJob(t *testing.T, format string, limit int) ExportJob {
	job := ExportJob{
		ID:          "items",
		DatasetName: "items",
		Query:       "SELECT id, name, amount FROM items",
		OrderKey:    "id",
		Limit:       limit,
		Format:      format,
		OutputDir:   filepath.Join(t.TempDir(), "out"),
	}
	job.applyDefaults()
	return job
}

// outputFiles lists the regular files of dir in name order
func outputFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files
}

// readLines returns the CRLF-terminated lines of every file, in order
func readLines(t *testing.T, files []string) []string {
	t.Helper()
	var lines []string
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			t.Fatal(err)
		}
		if len(data) > 0 && !bytes.HasSuffix(data, []byte("\r\n")) {
			t.Fatalf("%s does not end with CRLF", f)
		}
		for _, line := range strings.SplitAfter(string(data), "\r\n") {
			if line == "" {
				continue
			}
			if !strings.HasSuffix(line, "\r\n") {
				t.Fatalf("line %q is not CRLF terminated", line)
			}
			lines = append(lines, strings.TrimSuffix(line, "\r\n"))
		}
	}
	return lines
}

// testClock is a settable time source
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestExporterCSVSingleFile(t *testing.T) {
	db := newItemsDB(t, 100)
	job := itemsJob(t, formatters.FormatCSV, 10)

	exporter, err := NewExporter(job, NewSQLSource(db), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	result, err := exporter.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	files := outputFiles(t, job.OutputDir)
	if len(files) != 1 {
		t.Fatalf("expected exactly one file, got %v", files)
	}
	name := filepath.Base(files[0])
	if !strings.HasPrefix(name, "items") || !strings.HasSuffix(name, ".csv") {
		t.Fatalf("unexpected file name %s", name)
	}

	lines := readLines(t, files)
	if len(lines) != 100 {
		t.Fatalf("expected 100 lines, got %d", len(lines))
	}
	if lines[0] != "1,item-1,1.5" {
		t.Fatalf("unexpected first line %q", lines[0])
	}
	if lines[99] != "100,item-100,100.5" {
		t.Fatalf("unexpected last line %q", lines[99])
	}

	if result.Rows != 100 {
		t.Fatalf("expected 100 rows, got %d", result.Rows)
	}
	if result.Pages != 11 {
		t.Fatalf("expected 10 full pages and one empty page, got %d", result.Pages)
	}
	if result.LastCursor.String() != "100" {
		t.Fatalf("expected last cursor 100, got %s", result.LastCursor)
	}
	if result.Checkpointed || result.Resumed {
		t.Fatal("plain run should neither checkpoint nor resume")
	}
}

func TestExporterJSONL(t *testing.T) {
	db := newItemsDB(t, 5)
	job := itemsJob(t, formatters.FormatJSON, 2)

	exporter, err := NewExporter(job, NewSQLSource(db), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := exporter.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	files := outputFiles(t, job.OutputDir)
	if len(files) != 1 || filepath.Ext(files[0]) != ".json" {
		t.Fatalf("expected one .json file, got %v", files)
	}
	lines := readLines(t, files)
	if len(lines) != 5 {
		t.Fatalf("expected 5 lines, got %d", len(lines))
	}
	if want := `{"id":1,"name":"item-1","amount":1.5}`; lines[0] != want {
		t.Fatalf("got %s, want %s", lines[0], want)
	}
}

func TestExporterRotation(t *testing.T) {
	db := newItemsDB(t, 100)
	job := itemsJob(t, formatters.FormatCSV, 10)
	job.MaxFileSizeMB = 0.0001 // 100 bytes, less than one page

	clock := newTestClock()
	exporter, err := NewExporter(job, NewSQLSource(db), testLogger(), WithClock(clock.Now))
	if err != nil {
		t.Fatal(err)
	}
	result, err := exporter.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	files := outputFiles(t, job.OutputDir)
	if len(files) != 10 {
		t.Fatalf("expected one file per page, got %d", len(files))
	}
	if len(result.Files) != len(files) {
		t.Fatalf("result lists %d files, directory has %d", len(result.Files), len(files))
	}

	// reference timestamps strictly increase in production order
	var prev int64
	for _, f := range result.Files {
		var ts int64
		if _, err := fmt.Sscanf(strings.TrimSuffix(filepath.Base(f), ".csv"), "items%d", &ts); err != nil {
			t.Fatalf("bad file name %s: %v", f, err)
		}
		if ts <= prev {
			t.Fatalf("timestamp %d does not follow %d", ts, prev)
		}
		prev = ts
	}

	lines := readLines(t, result.Files)
	if len(lines) != 100 {
		t.Fatalf("expected 100 lines over all files, got %d", len(lines))
	}
	for i, line := range lines {
		if !strings.HasPrefix(line, fmt.Sprintf("%d,", i+1)) {
			t.Fatalf("line %d out of order: %q", i, line)
		}
	}
}

func TestExporterTimeoutAndResume(t *testing.T) {
	db := newItemsDB(t, 100)
	store := NewSQLCheckpointStore(db, DriverSQLite)
	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatal(err)
	}

	job := itemsJob(t, formatters.FormatCSV, 10)
	job.TimeoutSeconds = 60

	// every page takes two minutes of fake time
	clock := newTestClock()
	first, err := NewExporter(job, NewSQLSource(db), testLogger(),
		WithCheckpointStore(store),
		WithClock(clock.Now),
		WithProgress(func(u ProgressUpdate) {
			if !u.Done {
				clock.Advance(2 * time.Minute)
			}
		}),
	)
	if err != nil {
		t.Fatal(err)
	}
	result, err := first.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !result.Checkpointed {
		t.Fatal("expected a checkpoint after the timeout")
	}
	if result.Rows != 10 {
		t.Fatalf("expected one page before the timeout, got %d rows", result.Rows)
	}

	// resume in a fresh run without a timeout
	job.TimeoutSeconds = 0
	job.Continue = true
	second, err := NewExporter(job, NewSQLSource(db), testLogger(),
		WithCheckpointStore(store),
		WithClock(clock.Now),
	)
	if err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Second)
	resumed, err := second.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !resumed.Resumed {
		t.Fatal("second run should resume from the checkpoint")
	}
	if resumed.Rows != 90 {
		t.Fatalf("expected the remaining 90 rows, got %d", resumed.Rows)
	}

	lines := readLines(t, outputFiles(t, job.OutputDir))
	if len(lines) != 100 {
		t.Fatalf("expected 100 lines over both runs, got %d", len(lines))
	}
	seen := make(map[string]bool)
	for _, line := range lines {
		id := strings.SplitN(line, ",", 2)[0]
		if seen[id] {
			t.Fatalf("row %s exported twice", id)
		}
		seen[id] = true
	}

	// the checkpoint was consumed by the resume
	if _, ok, err := store.LoadAndClear(context.Background(), job.ID); err != nil || ok {
		t.Fatalf("checkpoint should be gone, ok=%v err=%v", ok, err)
	}
}

func TestExporterOrderKeys(t *testing.T) {
	tests := []struct {
		name   string
		column string
		values []string
	}{
		{"text with numeric values", "code TEXT PRIMARY KEY", []string{"1", "10", "2", "3", "4", "5", "123"}},
		{"case insensitive collation", "code TEXT COLLATE NOCASE PRIMARY KEY", []string{"a", "B", "c", "D", "e"}},
		{"timestamps", "code TIMESTAMP PRIMARY KEY", []string{
			"2024-05-01 00:00:00", "2024-05-01 00:01:00", "2024-05-01 00:01:30",
			"2024-05-01 10:00:00", "2024-05-02 00:00:00",
		}},
	}

	for _, tt := range tests {
		for _, resume := range []bool{false, true} {
			name := tt.name
			if resume {
				name += " resumed"
			}
			t.Run(name, func(t *testing.T) {
				db, err := OpenDatabase(context.Background(), DatabaseConfig{
					Driver: DriverSQLite,
					Path:   filepath.Join(t.TempDir(), "source.db"),
				})
				if err != nil {
					t.Fatal(err)
				}
				defer db.Close()

				if _, err := db.Exec(`CREATE TABLE codes (id INTEGER NOT NULL, ` + tt.column + `)`); err != nil {
					t.Fatal(err)
				}
				for i, v := range tt.values {
					if _, err := db.Exec(`INSERT INTO codes (id, code) VALUES (?, ?)`, i+1, v); err != nil {
						t.Fatal(err)
					}
				}

				// the database decides the order
				var want []string
				rows, err := db.Query(`SELECT id FROM codes ORDER BY code`)
				if err != nil {
					t.Fatal(err)
				}
				for rows.Next() {
					var id string
					if err := rows.Scan(&id); err != nil {
						t.Fatal(err)
					}
					want = append(want, id)
				}
				rows.Close()

				store := NewSQLCheckpointStore(db, DriverSQLite)
				if err := store.EnsureSchema(context.Background()); err != nil {
					t.Fatal(err)
				}

				job := ExportJob{
					ID:          "codes",
					DatasetName: "codes",
					Query:       "SELECT id, code FROM codes",
					OrderKey:    "code",
					Limit:       2,
					Format:      formatters.FormatCSV,
					OutputDir:   filepath.Join(t.TempDir(), "out"),
				}
				job.applyDefaults()

				clock := newTestClock()
				opts := []ExporterOption{WithCheckpointStore(store), WithClock(clock.Now)}
				if resume {
					job.TimeoutSeconds = 60
					opts = append(opts, WithProgress(func(u ProgressUpdate) {
						if !u.Done {
							clock.Advance(2 * time.Minute)
						}
					}))
				}
				exporter, err := NewExporter(job, NewSQLSource(db), testLogger(), opts...)
				if err != nil {
					t.Fatal(err)
				}
				result, err := exporter.Run(context.Background())
				if err != nil {
					t.Fatal(err)
				}

				if resume {
					if !result.Checkpointed {
						t.Fatal("expected a checkpoint after the first page")
					}
					job.TimeoutSeconds = 0
					job.Continue = true
					second, err := NewExporter(job, NewSQLSource(db), testLogger(),
						WithCheckpointStore(store), WithClock(clock.Now))
					if err != nil {
						t.Fatal(err)
					}
					clock.Advance(time.Second)
					resumed, err := second.Run(context.Background())
					if err != nil {
						t.Fatal(err)
					}
					if !resumed.Resumed {
						t.Fatal("second run should resume from the checkpoint")
					}
				}

				var got []string
				for _, line := range readLines(t, outputFiles(t, job.OutputDir)) {
					got = append(got, strings.SplitN(line, ",", 2)[0])
				}
				if strings.Join(got, " ") != strings.Join(want, " ") {
					t.Fatalf("exported ids %v, want each row once in order %v", got, want)
				}
			})
		}
	}
}

func TestExporterResumeWithoutCheckpoint(t *testing.T) {
	db := newItemsDB(t, 20)
	store := NewSQLCheckpointStore(db, DriverSQLite)
	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatal(err)
	}

	job := itemsJob(t, formatters.FormatCSV, 10)
	job.Continue = true

	exporter, err := NewExporter(job, NewSQLSource(db), testLogger(), WithCheckpointStore(store))
	if err != nil {
		t.Fatal(err)
	}
	result, err := exporter.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.Resumed {
		t.Fatal("nothing to resume from")
	}
	if result.Rows != 20 {
		t.Fatalf("expected a full scan, got %d rows", result.Rows)
	}
}

func TestExporterParquet(t *testing.T) {
	db := newItemsDB(t, 100)
	job := itemsJob(t, formatters.FormatParquet, 25)

	exporter, err := NewExporter(job, NewSQLSource(db), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	result, err := exporter.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	files := outputFiles(t, job.OutputDir)
	if len(files) != 4 {
		t.Fatalf("parquet files are never reopened, expected one per page, got %d", len(files))
	}

	var ids []int64
	for _, f := range result.Files {
		in, err := os.Open(f)
		if err != nil {
			t.Fatal(err)
		}
		reader, err := formatters.NewParquetReader(in)
		in.Close()
		if err != nil {
			t.Fatal(err)
		}
		rows, err := reader.ReadAll()
		if err != nil {
			t.Fatal(err)
		}
		for _, row := range rows {
			v, _ := row.Get("id")
			id, ok := v.(int64)
			if !ok {
				t.Fatalf("id should read back as int64, got %T", v)
			}
			ids = append(ids, id)
		}
	}
	if len(ids) != 100 {
		t.Fatalf("expected 100 rows, got %d", len(ids))
	}
	for i, id := range ids {
		if id != int64(i+1) {
			t.Fatalf("row %d has id %d", i, id)
		}
	}
}

func TestExporterParquetMixedNumerics(t *testing.T) {
	db := newItemsDB(t, 0)
	if _, err := db.Exec(`CREATE TABLE readings (id INTEGER PRIMARY KEY, v NUMERIC)`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`INSERT INTO readings (id, v) VALUES (1, 2), (2, 2.75), (3, 4)`); err != nil {
		t.Fatal(err)
	}

	job := itemsJob(t, formatters.FormatParquet, 1)
	job.Query = "SELECT id, v FROM readings"

	exporter, err := NewExporter(job, NewSQLSource(db), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	result, err := exporter.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	var values []float64
	for _, f := range result.Files {
		in, err := os.Open(f)
		if err != nil {
			t.Fatal(err)
		}
		reader, err := formatters.NewParquetReader(in)
		in.Close()
		if err != nil {
			t.Fatal(err)
		}
		rows, err := reader.ReadAll()
		if err != nil {
			t.Fatal(err)
		}
		for _, row := range rows {
			switch v, _ := row.Get("v"); n := v.(type) {
			case int64:
				values = append(values, float64(n))
			case float64:
				values = append(values, n)
			default:
				t.Fatalf("unexpected value %T", v)
			}
		}
	}
	if fmt.Sprint(values) != "[2 2.75 4]" {
		t.Fatalf("values read back as %v", values)
	}

	// a declared integer column refuses fractions
	job = itemsJob(t, formatters.FormatParquet, 1)
	job.Query = "SELECT id, v FROM readings"
	job.Schema = []ColumnInfo{{Name: "id", DataType: "int8"}, {Name: "v", DataType: "int8"}}
	exporter, err = NewExporter(job, NewSQLSource(db), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := exporter.Run(context.Background()); !errors.Is(err, ErrWrite) {
		t.Fatalf("expected a write error for 2.75, got %v", err)
	}
}

func TestExporterParquetExplicitSchema(t *testing.T) {
	db := newItemsDB(t, 3)
	job := itemsJob(t, formatters.FormatParquet, 0)
	job.Schema = []ColumnInfo{
		{Name: "id", DataType: "int4"},
		{Name: "name", DataType: "text"},
	}

	exporter, err := NewExporter(job, NewSQLSource(db), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	result, err := exporter.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	in, err := os.Open(result.Files[0])
	if err != nil {
		t.Fatal(err)
	}
	defer in.Close()
	reader, err := formatters.NewParquetReader(in)
	if err != nil {
		t.Fatal(err)
	}
	rows, err := reader.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if _, ok := rows[0].Get("amount"); ok {
		t.Fatal("columns outside the schema should be dropped")
	}
	if v, _ := rows[0].Get("id"); v != int32(1) {
		t.Fatalf("id should be int32 per the schema, got %#v", v)
	}
}

func TestExporterMissingOrderKey(t *testing.T) {
	db := newItemsDB(t, 5)
	job := itemsJob(t, formatters.FormatCSV, 10)
	job.Query = "SELECT id AS ident, name FROM items"

	exporter, err := NewExporter(job, NewSQLSource(db), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	_, err = exporter.Run(context.Background())
	if !errors.Is(err, ErrDataSource) {
		t.Fatalf("expected a data source error, got %v", err)
	}
}

func TestNewExporterConfigurationErrors(t *testing.T) {
	source := &pageSource{}

	tests := []struct {
		name   string
		mutate func(*ExportJob)
	}{
		{"unknown format", func(j *ExportJob) { j.Format = "xml" }},
		{"missing order key", func(j *ExportJob) { j.OrderKey = "" }},
		{"unknown hook", func(j *ExportJob) { j.PreHooks = []string{"notify"} }},
		{"timeout without store", func(j *ExportJob) { j.TimeoutSeconds = 30 }},
		{"resume without store", func(j *ExportJob) { j.Continue = true }},
		{"archive without uploader", func(j *ExportJob) { j.Archive.Enabled = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := itemsJob(t, formatters.FormatCSV, 10)
			tt.mutate(&job)
			_, err := NewExporter(job, source, testLogger())
			if !errors.Is(err, ErrConfiguration) {
				t.Fatalf("expected a configuration error, got %v", err)
			}
			if _, statErr := os.Stat(job.OutputDir); !os.IsNotExist(statErr) {
				t.Fatal("nothing should be written before configuration is valid")
			}
		})
	}
}

// pageSource replays fixed pages, one per query
type pageSource struct {
	pages   [][]formatters.Row
	queries []string
	err     error
}

func (s *pageSource) Query(_ context.Context, query string) ([]formatters.Row, error) {
	s.queries = append(s.queries, query)
	if s.err != nil {
		return nil, s.err
	}
	if len(s.pages) == 0 {
		return nil, nil
	}
	page := s.pages[0]
	s.pages = s.pages[1:]
	return page, nil
}

func idRows(ids ...int64) []formatters.Row {
	rows := make([]formatters.Row, len(ids))
	for i, id := range ids {
		rows[i] = formatters.NewRow([]string{"id", "v"}, []interface{}{id, fmt.Sprintf("v%d", id)})
	}
	return rows
}

func TestExporterStopsWhenCursorStalls(t *testing.T) {
	source := &pageSource{pages: [][]formatters.Row{
		idRows(1, 2, 3),
		idRows(2, 3), // ends on the key the page started from
		idRows(4, 5, 6),
	}}
	job := itemsJob(t, formatters.FormatCSV, 3)

	exporter, err := NewExporter(job, source, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	result, err := exporter.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.Pages != 2 {
		t.Fatalf("expected the scan to stop after the stalled page, got %d pages", result.Pages)
	}
	if result.LastCursor.String() != "3" {
		t.Fatalf("cursor should stay at 3, got %s", result.LastCursor)
	}
	if len(source.queries) != 2 || !strings.Contains(source.queries[1], "id > '3'") {
		t.Fatalf("unexpected queries %v", source.queries)
	}
}

func TestExporterSourceError(t *testing.T) {
	source := &pageSource{err: errors.New("connection refused")}
	job := itemsJob(t, formatters.FormatCSV, 3)

	exporter, err := NewExporter(job, source, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	_, err = exporter.Run(context.Background())
	if !errors.Is(err, ErrDataSource) {
		t.Fatalf("expected a data source error, got %v", err)
	}
}

func TestExporterHooksAndArchive(t *testing.T) {
	source := &pageSource{pages: [][]formatters.Row{idRows(1, 2), idRows(3, 4)}}
	job := itemsJob(t, formatters.FormatCSV, 2)
	job.PreHooks = []string{"before"}
	job.PostHooks = []string{"after"}
	job.Archive = ArchiveConfig{Enabled: true, Compression: "none", Prefix: "exports/"}

	var order []string
	registry := NewHookRegistry(job.OutputDir, testLogger())
	registry.Register("before", func(context.Context) error {
		order = append(order, "before")
		if _, err := os.Stat(job.OutputDir); err == nil {
			if files := outputFiles(t, job.OutputDir); len(files) > 0 {
				return fmt.Errorf("output written before pre hooks: %v", files)
			}
		}
		return nil
	})
	registry.Register("after", func(context.Context) error {
		order = append(order, "after")
		return nil
	})

	store := newMemStore()
	uploader, err := NewArchiveUploader(store, job.Archive, false, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	exporter, err := NewExporter(job, source, testLogger(),
		WithHookRegistry(registry),
		WithArchiver(uploader),
		WithProgress(func(u ProgressUpdate) {
			if u.Done {
				order = append(order, "scanned")
			}
		}),
	)
	if err != nil {
		t.Fatal(err)
	}
	result, err := exporter.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if got := strings.Join(order, ","); got != "before,scanned,after" {
		t.Fatalf("unexpected order %s", got)
	}
	if result.Archived != 1 {
		t.Fatalf("expected one archived file, got %d", result.Archived)
	}
	if files := outputFiles(t, job.OutputDir); len(files) != 0 {
		t.Fatalf("archived files should be deleted locally, found %v", files)
	}

	key := "exports/" + filepath.Base(result.Files[0])
	body, ok := store.objects[key]
	if !ok {
		t.Fatalf("expected object %s, have %v", key, store.keys())
	}
	if string(body) != "1,v1\r\n2,v2\r\n3,v3\r\n4,v4\r\n" {
		t.Fatalf("unexpected object body %q", body)
	}
}

func TestExporterArchiveOnRotate(t *testing.T) {
	source := &pageSource{pages: [][]formatters.Row{idRows(1, 2), idRows(3, 4), idRows(5, 6)}}
	job := itemsJob(t, formatters.FormatCSV, 2)
	job.MaxFileSizeMB = 0.00001 // 10 bytes, every page fills a file
	job.Archive = ArchiveConfig{Enabled: true, Compression: "none", OnRotate: true}

	store := newMemStore()
	uploader, err := NewArchiveUploader(store, job.Archive, false, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	var uploadedDuringScan int
	exporter, err := NewExporter(job, source, testLogger(),
		WithArchiver(uploader),
		WithProgress(func(u ProgressUpdate) {
			if u.Done {
				uploadedDuringScan = len(store.keys())
			}
		}),
	)
	if err != nil {
		t.Fatal(err)
	}
	result, err := exporter.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if uploadedDuringScan != 3 {
		t.Fatalf("expected every rotated file to be uploaded during the scan, got %d", uploadedDuringScan)
	}
	if result.Archived != 3 {
		t.Fatalf("each file should be archived exactly once, got %d", result.Archived)
	}
	if len(store.keys()) != 3 {
		t.Fatalf("expected 3 objects, got %v", store.keys())
	}
}

func TestExporterCancelled(t *testing.T) {
	source := &pageSource{pages: [][]formatters.Row{idRows(1, 2)}}
	job := itemsJob(t, formatters.FormatCSV, 2)

	exporter, err := NewExporter(job, source, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = exporter.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
