package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/airframesio/data-exporter/cmd/formatters"
	"github.com/spf13/cobra"
)

var (
	inspectRows    int
	inspectColumns string
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Read an exported file back and show its rows",
	Long: `Read a JSONL, CSV or Parquet file written by export and print its row count
and first rows. CSV files have no header; name their columns with --columns.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInspect(cmd.OutOrStdout(), args[0])
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().IntVarP(&inspectRows, "rows", "n", 5, "number of rows to print")
	inspectCmd.Flags().StringVar(&inspectColumns, "columns", "", "comma-separated CSV column names")
}

// InspectResult is what inspect learned about a file
type InspectResult struct {
	Path   string
	Format string
	Rows   []formatters.Row
}

// inspectFile reads every row of an exported file
func inspectFile(path string, columns []string) (*InspectResult, error) {
	format, err := formatters.FormatForExtension(filepath.Ext(path))
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader, err := formatters.GetReader(format, f, columns)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return &InspectResult{Path: path, Format: format, Rows: rows}, nil
}

func runInspect(w io.Writer, path string) error {
	result, err := inspectFile(path, splitHookList(inspectColumns))
	if err != nil {
		return err
	}

	fmt.Fprintln(w, titleStyle.Render(filepath.Base(result.Path)))
	fmt.Fprintln(w, infoStyle.Render(fmt.Sprintf("📄 %s, %d rows", result.Format, len(result.Rows))))
	for i, row := range result.Rows {
		if i >= inspectRows {
			fmt.Fprintf(w, "   ... %d more\n", len(result.Rows)-i)
			break
		}
		fmt.Fprintf(w, "%4d  %s\n", i+1, formatRow(row))
	}
	return nil
}

// formatRow renders column=value pairs in column order
func formatRow(row formatters.Row) string {
	parts := make([]string, len(row.Columns))
	for i, col := range row.Columns {
		v := row.Values[i]
		if v == nil {
			parts[i] = col + "=NULL"
			continue
		}
		parts[i] = fmt.Sprintf("%s=%v", col, v)
	}
	return strings.Join(parts, " ")
}
