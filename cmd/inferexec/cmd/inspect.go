package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/inferexec/pkg/models"
)

var inspectFormat string

var inspectCmd = &cobra.Command{
	Use:   "inspect [FILE]",
	Short: "Decode and print an execution configuration",
	Long: `Decodes an execution configuration and prints the job it describes. FILE
defaults to the configured execution configuration path.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().StringVarP(&inspectFormat, "format", "o", "table", "output format: table, yaml or json")
}

func runInspect(cmd *cobra.Command, args []string) error {
	path := cfg.ConfigPath
	if len(args) == 1 {
		path = args[0]
	}

	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	job, err := models.ParseJobDescriptor(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	out := cmd.OutOrStdout()
	switch inspectFormat {
	case "yaml":
		enc := yaml.NewEncoder(out)
		defer enc.Close()
		return enc.Encode(job)
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	case "table":
		threads := fmt.Sprintf("%d", job.NumThreads)
		if job.NumThreads == models.DefaultNumThreads {
			threads += " (backend default)"
		}
		table := tablewriter.NewWriter(out)
		table.Header("Field", "Value")
		table.Append("Input Tensor", job.InputTensorPath)
		table.Append("Model", job.ModelPath)
		table.Append("Output Tensor", job.OutputTensorPath)
		table.Append("Threads", threads)
		table.Append("Encoded Size", fmt.Sprintf("%d bytes", len(raw)))
		return table.Render()
	default:
		return fmt.Errorf("unknown output format %q", inspectFormat)
	}
}
