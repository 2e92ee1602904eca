package cmd

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const registryYAML = `
jobs:
  - id: orders-daily
    dataset: orders
    query: SELECT * FROM orders
    filters: status = 'paid'
    order_key: id
    limit: 5000
    format: csv
    output_dir: /var/export/orders
    max_file_size: 64
    timeout: 600
    pre_hooks: [clean]
    post_hooks: ["touch", "exec:notify-send done"]
    archive:
      enabled: true
      compression: zstd
      prefix: "{dataset}/{YYYY}/{MM}/"
  - dataset: events
    query: SELECT * FROM events
    order_key: created_at
    format: parquet
    schema:
      - name: id
        type: int8
      - name: created_at
        type: timestamptz
`

func TestParseJobRegistry(t *testing.T) {
	reg, err := ParseJobRegistry([]byte(registryYAML))
	if err != nil {
		t.Fatal(err)
	}

	if got := strings.Join(reg.IDs(), ","); got != "events,orders-daily" {
		t.Fatalf("unexpected ids %s", got)
	}

	orders, err := reg.Lookup("orders-daily")
	if err != nil {
		t.Fatal(err)
	}
	if orders.DatasetName != "orders" || orders.Filters != "status = 'paid'" || orders.Limit != 5000 {
		t.Fatalf("unexpected job %+v", orders)
	}
	if orders.MaxFileSizeMB != 64 || orders.TimeoutSeconds != 600 {
		t.Fatalf("rotation and timeout not decoded: %+v", orders)
	}
	if len(orders.PostHooks) != 2 || orders.PostHooks[1] != "exec:notify-send done" {
		t.Fatalf("unexpected post hooks %v", orders.PostHooks)
	}
	if !orders.Archive.Enabled || orders.Archive.Compression != "zstd" {
		t.Fatalf("unexpected archive config %+v", orders.Archive)
	}
	if err := orders.Validate(); err != nil {
		t.Fatalf("orders job should validate: %v", err)
	}

	// defaults fill the gaps of the second job
	events, err := reg.Lookup("events")
	if err != nil {
		t.Fatal(err)
	}
	if events.OutputDir != "./output" || events.Archive.Compression != "none" {
		t.Fatalf("defaults not applied: %+v", events)
	}
	schema := events.TableSchema()
	if schema == nil || len(schema.Columns) != 2 || schema.Columns[1].DataType != "timestamptz" {
		t.Fatalf("unexpected schema %+v", schema)
	}
}

func TestParseJobRegistryErrors(t *testing.T) {
	t.Run("Duplicate", func(t *testing.T) {
		data := []byte("jobs:\n  - id: a\n    dataset: x\n  - dataset: a\n")
		if _, err := ParseJobRegistry(data); !errors.Is(err, ErrJobDuplicate) {
			t.Fatalf("expected duplicate error, got %v", err)
		}
	})

	t.Run("Malformed", func(t *testing.T) {
		if _, err := ParseJobRegistry([]byte("jobs: [")); !errors.Is(err, ErrJobRegistryRead) {
			t.Fatalf("expected read error, got %v", err)
		}
	})

	t.Run("MissingFile", func(t *testing.T) {
		_, err := LoadJobRegistry(filepath.Join(t.TempDir(), "nope.yaml"))
		if !errors.Is(err, ErrJobRegistryRead) || !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("expected wrapped not-exist error, got %v", err)
		}
	})

	t.Run("UnknownJob", func(t *testing.T) {
		reg, err := ParseJobRegistry([]byte(registryYAML))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := reg.Lookup("nightly"); !errors.Is(err, ErrJobNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})
}

func TestLoadJobRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.yaml")
	if err := os.WriteFile(path, []byte(registryYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	reg, err := LoadJobRegistry(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(reg.Jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(reg.Jobs))
	}
}

func TestSplitHookList(t *testing.T) {
	got := splitHookList(" clean, ,touch,exec:echo hi ")
	want := []string{"clean", "touch", "exec:echo hi"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("got %q, want %q", got, want)
	}
	if splitHookList("") != nil {
		t.Fatal("empty list should give no hooks")
	}

	got = splitHookList(`clean,exec:sh -c 'echo a, b',exec:echo "x,y" z\,w,touch`)
	want = []string{"clean", "exec:sh -c 'echo a, b'", `exec:echo "x,y" z\,w`, "touch"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("quoted commas should stay inside the hook: got %q, want %q", got, want)
	}

	// the exec hook still resolves to a single command
	hooks, err := NewHookRegistry(t.TempDir(), testLogger()).Resolve(got[1:2])
	if err != nil || len(hooks) != 1 {
		t.Fatalf("expected one exec hook, got %d (%v)", len(hooks), err)
	}
}

func TestOrderColumn(t *testing.T) {
	for key, want := range map[string]string{"id": "id", "t.id": "id", "schema.created": "created"} {
		if got := (ExportJob{OrderKey: key}).orderColumn(); got != want {
			t.Fatalf("orderColumn(%s) = %s, want %s", key, got, want)
		}
	}
}
