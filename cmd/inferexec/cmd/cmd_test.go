package cmd

import (
	"bytes"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/inferexec/internal/report"
	"github.com/psantana5/inferexec/internal/runner"
	"github.com/psantana5/inferexec/pkg/backend/native"
	"github.com/psantana5/inferexec/pkg/models"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func useMemFs(t *testing.T) afero.Fs {
	t.Helper()
	mem := afero.NewMemMapFs()
	prev := fs
	fs = mem
	t.Cleanup(func() { fs = prev })
	return mem
}

func TestEncodeInspectRun(t *testing.T) {
	mem := useMemFs(t)
	input := native.Float32Bytes([]float32{1, 2, 3, 4})
	require.NoError(t, afero.WriteFile(mem, "/data/model.tflite", native.IdentityModel(native.Float32, []int32{4}), 0o644))
	require.NoError(t, afero.WriteFile(mem, "/data/input.bin", input, 0o644))
	require.NoError(t, mem.MkdirAll("/results", 0o755))

	_, err := execute(t, "encode",
		"--input", "/data/input.bin",
		"--model", "/data/model.tflite",
		"--output", "tensor.bin",
		"--threads", "1",
		"--out", "/data/job.cfg")
	require.NoError(t, err)

	raw, err := afero.ReadFile(mem, "/data/job.cfg")
	require.NoError(t, err)
	job, err := models.ParseJobDescriptor(raw)
	require.NoError(t, err)
	assert.Equal(t, models.JobDescriptor{
		InputTensorPath:  "/data/input.bin",
		ModelPath:        "/data/model.tflite",
		OutputTensorPath: "tensor.bin",
		NumThreads:       1,
	}, job)

	out, err := execute(t, "inspect", "/data/job.cfg", "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "model_path: /data/model.tflite")
	assert.Contains(t, out, "num_threads: 1")

	out, err = execute(t, "inspect", "/data/job.cfg", "-o", "table")
	require.NoError(t, err)
	assert.Contains(t, out, "/data/input.bin")

	t.Setenv("INFEREXEC_REPORT_FILE", "/results/report.yaml")
	t.Setenv("INFEREXEC_METRICS_FILE", "/results/inferexec.prom")
	_, err = execute(t, "run", "--config-path", "/data/job.cfg", "--root-dir", "/results")
	require.NoError(t, err)

	got, err := afero.ReadFile(mem, "/results/tensor.bin")
	require.NoError(t, err)
	assert.Equal(t, input, got)

	res, err := report.ReadFile(mem, "/results/report.yaml")
	require.NoError(t, err)
	assert.Equal(t, models.StateOutputWritten, res.State)

	metrics, err := afero.ReadFile(mem, "/results/inferexec.prom")
	require.NoError(t, err)
	assert.Contains(t, string(metrics), `inferexec_jobs_total{backend="native",state="output_written"} 1`)
}

func TestRunMalformedConfig(t *testing.T) {
	mem := useMemFs(t)
	require.NoError(t, afero.WriteFile(mem, "/job.cfg", []byte{0xff, 0xff}, 0o644))

	_, err := execute(t, "run", "--config-path", "/job.cfg", "--root-dir", "/")
	assert.ErrorIs(t, err, runner.ErrMalformedConfig)
}

func TestRunMissingConfig(t *testing.T) {
	useMemFs(t)
	_, err := execute(t, "run", "--config-path", "/nope", "--root-dir", "/")
	assert.ErrorIs(t, err, runner.ErrFileIO)
}

func TestInspectRejectsGarbage(t *testing.T) {
	mem := useMemFs(t)
	require.NoError(t, afero.WriteFile(mem, "/bad.cfg", []byte{1}, 0o644))

	_, err := execute(t, "inspect", "/bad.cfg", "-o", "table")
	assert.ErrorIs(t, err, models.ErrMalformedConfig)
}

func TestVersionFlag(t *testing.T) {
	t.Cleanup(func() { _ = rootCmd.Flags().Set("version", "false") })
	out, err := execute(t, "--version")
	require.NoError(t, err)
	assert.Equal(t, "inferexec version "+version+"\n", out)
}
