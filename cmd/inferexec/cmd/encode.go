package cmd

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/psantana5/inferexec/pkg/models"
)

var (
	encodeInput   string
	encodeModel   string
	encodeOutput  string
	encodeThreads int32
	encodeOut     string
)

var encodeCmd = &cobra.Command{
	Use:   "encode",
	Short: "Write an execution configuration",
	Long: `Encodes a job description in the binary execution configuration format.
The result goes to --out, or to standard output when --out is not set.`,
	Args: cobra.NoArgs,
	RunE: runEncode,
}

func init() {
	rootCmd.AddCommand(encodeCmd)

	encodeCmd.Flags().StringVar(&encodeInput, "input", "", "input tensor path (required)")
	encodeCmd.Flags().StringVar(&encodeModel, "model", "", "model path (required)")
	encodeCmd.Flags().StringVar(&encodeOutput, "output", "", "output tensor path, relative to the root directory (required)")
	encodeCmd.Flags().Int32Var(&encodeThreads, "threads", models.DefaultNumThreads, "interpreter threads, -1 for the backend default")
	encodeCmd.Flags().StringVar(&encodeOut, "out", "", "file to write the configuration to")

	_ = encodeCmd.MarkFlagRequired("input")
	_ = encodeCmd.MarkFlagRequired("model")
	_ = encodeCmd.MarkFlagRequired("output")
}

func runEncode(cmd *cobra.Command, _ []string) error {
	job := models.JobDescriptor{
		InputTensorPath:  encodeInput,
		ModelPath:        encodeModel,
		OutputTensorPath: encodeOutput,
		NumThreads:       encodeThreads,
	}
	raw, err := job.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	if encodeOut == "" {
		_, err = cmd.OutOrStdout().Write(raw)
		return err
	}
	if err := afero.WriteFile(fs, encodeOut, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", encodeOut, err)
	}
	return nil
}
