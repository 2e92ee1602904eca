package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List the jobs of the --jobs registry",
	RunE: func(cmd *cobra.Command, _ []string) error {
		path := viper.GetString("jobs")
		if path == "" {
			return fmt.Errorf("%w: --jobs is required", ErrConfiguration)
		}
		registry, err := LoadJobRegistry(path)
		if err != nil {
			return err
		}
		printJobs(cmd.OutOrStdout(), registry)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(jobsCmd)
}

func printJobs(w io.Writer, registry *JobRegistry) {
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("%d jobs", len(registry.Jobs))))
	for _, id := range registry.IDs() {
		job, _ := registry.Lookup(id)
		line := fmt.Sprintf("%-24s %-8s order by %s", job.ID, job.Format, job.OrderKey)
		if job.Limit > 0 {
			line += fmt.Sprintf(", %d per page", job.Limit)
		}
		if job.TimeoutSeconds > 0 {
			line += fmt.Sprintf(", timeout %s", job.Timeout())
		}
		if job.Archive.Enabled {
			line += ", archived"
		}
		fmt.Fprintln(w, line)
		if err := job.Validate(); err != nil {
			fmt.Fprintln(w, infoStyle.Render("   ⚠️  "+err.Error()))
		}
	}
}
