package runner

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/psantana5/inferexec/internal/report"
	"github.com/psantana5/inferexec/pkg/backend"
	"github.com/psantana5/inferexec/pkg/backend/native"
	"github.com/psantana5/inferexec/pkg/logging"
	"github.com/psantana5/inferexec/pkg/models"
	"github.com/psantana5/inferexec/pkg/tracing"
)

type fixture struct {
	fs     afero.Fs
	runner *Runner
	spans  *tracetest.SpanRecorder
	logs   *bytes.Buffer
}

func newFixture(t *testing.T, b backend.Backend, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		fs:    afero.NewMemMapFs(),
		spans: tracetest.NewSpanRecorder(),
		logs:  &bytes.Buffer{},
	}
	require.NoError(t, f.fs.MkdirAll("/work", 0o755))
	require.NoError(t, f.fs.MkdirAll("/out", 0o755))
	opts.RootDir = "/out"
	opts.Logger = logging.New(f.logs, logging.DEBUG, false)
	opts.Tracer = tracing.NewProvider("test", sdktrace.WithSpanProcessor(f.spans))
	f.runner = New(f.fs, b, opts)
	return f
}

func (f *fixture) write(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, afero.WriteFile(f.fs, path, data, 0o644))
}

func (f *fixture) assertNoOutput(t *testing.T) {
	t.Helper()
	entries, err := afero.ReadDir(f.fs, "/out")
	require.NoError(t, err)
	assert.Empty(t, entries, "no output file may be produced")
}

func job(threads int32) models.JobDescriptor {
	return models.JobDescriptor{
		InputTensorPath:  "/work/input.bin",
		ModelPath:        "/work/model.tflite",
		OutputTensorPath: "result.bin",
		NumThreads:       threads,
	}
}

func TestIdentityModelCopiesInputToOutput(t *testing.T) {
	f := newFixture(t, native.New(), Options{})
	input := native.Float32Bytes([]float32{0.5, -1, 2, 1e9, 3, 4})
	f.write(t, "/work/model.tflite", native.IdentityModel(native.Float32, []int32{2, 3}))
	f.write(t, "/work/input.bin", input)

	raw, err := job(1).MarshalBinary()
	require.NoError(t, err)
	res, err := f.runner.Execute(context.Background(), raw)
	require.NoError(t, err)

	out, err := afero.ReadFile(f.fs, "/out/result.bin")
	require.NoError(t, err)
	assert.Equal(t, input, out)

	assert.True(t, res.Succeeded())
	assert.Equal(t, models.StateOutputWritten, res.State)
	assert.Len(t, res.Transitions, 6)
	assert.Empty(t, res.ErrorKind)
	assert.Equal(t, "native", res.Backend)
	assert.Equal(t, 1, res.Threads)
	assert.Equal(t, len(input), res.InputBytes)
	assert.Equal(t, len(input), res.OutputBytes)

	var stages []string
	for _, s := range res.Stages {
		stages = append(stages, s.Stage)
	}
	assert.Equal(t, []string{"config", "model_load", "interpreter_build", "allocate", "input_bind", "invoke", "output_extract", "persist"}, stages)
	spans := f.spans.Ended()
	assert.Len(t, spans, 8)
	events := map[string]int64{}
	for _, span := range spans {
		for _, ev := range span.Events() {
			for _, kv := range ev.Attributes {
				if kv.Key == "bytes" {
					events[ev.Name] = kv.Value.AsInt64()
				}
			}
		}
	}
	assert.Equal(t, int64(res.ModelBytes), events["model.read"])
	assert.Equal(t, int64(len(input)), events["input.read"])

	logs := f.logs.String()
	assert.Contains(t, logs, "description=identity")
	assert.Contains(t, logs, "loading model")
	assert.Contains(t, logs, "invoking")
	assert.Contains(t, logs, "writing results")
	assert.Contains(t, logs, "state=output_written")
}

func TestOutputIsTruncated(t *testing.T) {
	f := newFixture(t, native.New(), Options{})
	input := []byte{1, 2, 3, 4}
	f.write(t, "/work/model.tflite", native.IdentityModel(native.Uint8, []int32{4}))
	f.write(t, "/work/input.bin", input)
	f.write(t, "/out/result.bin", bytes.Repeat([]byte{0xee}, 64))

	_, err := f.runner.Run(context.Background(), job(-1))
	require.NoError(t, err)

	out, err := afero.ReadFile(f.fs, "/out/result.bin")
	require.NoError(t, err)
	assert.Equal(t, input, out)
}

func TestThreadCountDoesNotChangeOutput(t *testing.T) {
	b := native.NewModelBuilder()
	x := b.AddTensor("x", native.Float32, []int32{4, 3})
	w := b.AddFloatConstant("w", []int32{2, 3}, []float32{0.1, -0.2, 0.3, 1, 2, -3})
	h := b.AddTensor("h", native.Float32, []int32{4, 2})
	y := b.AddTensor("y", native.Float32, []int32{4, 2})
	b.AddOperator(native.OpFullyConnected, []int32{x, w}, []int32{h}, native.WithActivation(native.ActRelu6))
	b.AddOperator(native.OpSoftmax, []int32{h}, []int32{y})
	b.SetInputs(x)
	b.SetOutputs(y)
	model := b.Build()
	input := native.Float32Bytes([]float32{1, 2, 3, -1, -2, -3, 0.5, 0.25, 0.125, 9, 8, 7})

	var want []byte
	for _, threads := range []int32{1, 2, 4, 16, -1} {
		f := newFixture(t, native.New(), Options{})
		f.write(t, "/work/model.tflite", model)
		f.write(t, "/work/input.bin", input)
		_, err := f.runner.Run(context.Background(), job(threads))
		require.NoError(t, err, "threads=%d", threads)

		out, err := afero.ReadFile(f.fs, "/out/result.bin")
		require.NoError(t, err)
		if want == nil {
			want = out
			continue
		}
		assert.Equal(t, want, out, "threads=%d", threads)
	}
}

func TestMalformedConfigTouchesNoFile(t *testing.T) {
	for _, raw := range [][]byte{nil, {0xff}, {1, 'a', 1, 'b', 1, 'c'}, {0, 0, 0, 1, 0}} {
		f := newFixture(t, native.New(), Options{})
		res, err := f.runner.Execute(context.Background(), raw)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrMalformedConfig)
		assert.Equal(t, "malformed_config", KindName(err))
		assert.Equal(t, models.StateFailed, res.State)
		require.Len(t, res.Stages, 1)
		assert.Equal(t, "config", res.Stages[0].Stage)
		f.assertNoOutput(t)
	}
}

func TestPipelineFailures(t *testing.T) {
	twoInputs := func() []byte {
		b := native.NewModelBuilder()
		x := b.AddTensor("x", native.Float32, []int32{2})
		z := b.AddTensor("z", native.Float32, []int32{2})
		y := b.AddTensor("y", native.Float32, []int32{2})
		b.AddOperator(native.OpAdd, []int32{x, z}, []int32{y})
		b.SetInputs(x, z)
		b.SetOutputs(y)
		return b.Build()
	}()
	twoOutputs := func() []byte {
		b := native.NewModelBuilder()
		x := b.AddTensor("x", native.Float32, []int32{2})
		y := b.AddTensor("y", native.Float32, []int32{2})
		b.AddOperator(native.OpRelu, []int32{x}, []int32{y})
		b.SetInputs(x)
		b.SetOutputs(x, y)
		return b.Build()
	}()
	custom := func() []byte {
		b := native.NewModelBuilder()
		x := b.AddTensor("x", native.Float32, []int32{2})
		y := b.AddTensor("y", native.Float32, []int32{2})
		b.AddOperator(native.OpCustom, []int32{x}, []int32{y})
		b.SetInputs(x)
		b.SetOutputs(y)
		return b.Build()
	}()
	identity := native.IdentityModel(native.Float32, []int32{2})
	eightBytes := make([]byte, 8)

	tests := []struct {
		name    string
		model   []byte // nil = no model file
		input   []byte // nil = no input file
		threads int32
		arena   int64
		want    []error
		notWant error
		stage   Stage
	}{
		{"missing model", nil, eightBytes, 1, 0, []error{ErrModelLoad, ErrFileIO}, nil, StageModelLoad},
		{"garbage model", []byte("definitely not a flatbuffer"), eightBytes, 1, 0, []error{ErrModelLoad, backend.ErrInvalidModel}, ErrFileIO, StageModelLoad},
		{"unsupported operator", custom, eightBytes, 1, 0, []error{ErrInterpreterBuild, backend.ErrUnsupportedOperator}, nil, StageInterpreterBuild},
		{"invalid thread count", identity, eightBytes, -2, 0, []error{ErrInterpreterBuild}, nil, StageInterpreterBuild},
		{"arena too small", identity, eightBytes, 1, 4, []error{ErrAllocation, backend.ErrOutOfMemory}, nil, StageAllocate},
		{"two inputs", twoInputs, eightBytes, 1, 0, []error{ErrCardinality}, ErrShapeMismatch, StageInputBind},
		{"missing input", identity, nil, 1, 0, []error{ErrFileIO}, ErrShapeMismatch, StageInputBind},
		{"short input", identity, make([]byte, 7), 1, 0, []error{ErrShapeMismatch}, ErrFileIO, StageInputBind},
		{"long input", identity, make([]byte, 9), 1, 0, []error{ErrShapeMismatch}, nil, StageInputBind},
		{"empty input", identity, []byte{}, 1, 0, []error{ErrShapeMismatch}, nil, StageInputBind},
		{"two outputs", twoOutputs, eightBytes, 1, 0, []error{ErrCardinality}, nil, StageOutputExtract},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, native.New(), Options{MaxArenaBytes: tt.arena})
			if tt.model != nil {
				f.write(t, "/work/model.tflite", tt.model)
			}
			if tt.input != nil {
				f.write(t, "/work/input.bin", tt.input)
			}

			res, err := f.runner.Run(context.Background(), job(tt.threads))
			require.Error(t, err)
			for _, want := range tt.want {
				assert.ErrorIs(t, err, want)
			}
			if tt.notWant != nil {
				assert.NotErrorIs(t, err, tt.notWant)
			}

			var se *StageError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.stage, se.Stage)

			assert.Equal(t, models.StateFailed, res.State)
			assert.Equal(t, KindName(err), res.ErrorKind)
			assert.Equal(t, err.Error(), res.Error)
			f.assertNoOutput(t)
		})
	}
}

func TestOutputWriteFailure(t *testing.T) {
	base := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(base, "/work/model.tflite", native.IdentityModel(native.Uint8, []int32{3}), 0o644))
	require.NoError(t, afero.WriteFile(base, "/work/input.bin", []byte{1, 2, 3}, 0o644))

	r := New(afero.NewReadOnlyFs(base), native.New(), Options{RootDir: "/out"})
	res, err := r.Run(context.Background(), job(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFileIO)
	assert.Equal(t, "file_io", res.ErrorKind)
	assert.Equal(t, models.StateFailed, res.State)

	exists, err := afero.Exists(base, "/out/result.bin")
	require.NoError(t, err)
	assert.False(t, exists)
}

// fakeBackend lets tests inject failures the native backend cannot produce.
type fakeBackend struct {
	invokeErr   error
	outputErr   error
	closedModel bool
	interp      *fakeInterpreter
}

type fakeModel struct{ b *fakeBackend }

func (m fakeModel) Close() error { m.b.closedModel = true; return nil }

type fakeInterpreter struct {
	b      *fakeBackend
	input  []byte
	closed bool
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) LoadModel([]byte) (backend.Model, error) { return fakeModel{b}, nil }

func (b *fakeBackend) NewInterpreter(backend.Model, backend.Options) (backend.Interpreter, error) {
	b.interp = &fakeInterpreter{b: b}
	return b.interp, nil
}

func (in *fakeInterpreter) AllocateTensors() error { return nil }
func (in *fakeInterpreter) InputCount() int { return 1 }
func (in *fakeInterpreter) OutputCount() int { return 1 }
func (in *fakeInterpreter) InputByteSize(int) (int, error) { return 2, nil }
func (in *fakeInterpreter) SetInput(_ int, d []byte) error { in.input = d; return nil }
func (in *fakeInterpreter) Invoke() error { return in.b.invokeErr }
func (in *fakeInterpreter) Output(int) ([]byte, error) { return in.input, in.b.outputErr }
func (in *fakeInterpreter) Close() error { in.closed = true; return nil }

func TestInvocationFailure(t *testing.T) {
	fb := &fakeBackend{invokeErr: errors.New("kernel exploded")}
	metrics := report.NewMetrics()
	f := newFixture(t, fb, Options{Metrics: metrics})
	f.write(t, "/work/model.tflite", []byte("m"))
	f.write(t, "/work/input.bin", []byte{1, 2})

	res, err := f.runner.Run(context.Background(), job(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvocation)
	assert.Contains(t, err.Error(), "kernel exploded")
	assert.Equal(t, "invocation", res.ErrorKind)
	f.assertNoOutput(t)

	assert.True(t, fb.closedModel)
	assert.True(t, fb.interp.closed)

	text, err := metrics.Export()
	require.NoError(t, err)
	assert.Contains(t, string(text), `inferexec_job_failures_total{kind="invocation"} 1`)
}

func TestOutputReadFailure(t *testing.T) {
	fb := &fakeBackend{outputErr: backend.ErrIndexOutOfRange}
	f := newFixture(t, fb, Options{})
	f.write(t, "/work/model.tflite", []byte("m"))
	f.write(t, "/work/input.bin", []byte{1, 2})

	_, err := f.runner.Run(context.Background(), job(1))
	assert.ErrorIs(t, err, ErrInvocation)
	assert.ErrorIs(t, err, backend.ErrIndexOutOfRange)
	f.assertNoOutput(t)
}

func TestResourcesReleasedOnSuccess(t *testing.T) {
	fb := &fakeBackend{}
	f := newFixture(t, fb, Options{})
	f.write(t, "/work/model.tflite", []byte("m"))
	f.write(t, "/work/input.bin", []byte{7, 9})

	res, err := f.runner.Run(context.Background(), job(3))
	require.NoError(t, err)
	assert.True(t, fb.closedModel)
	assert.True(t, fb.interp.closed)
	assert.Equal(t, 3, res.Threads)

	out, err := afero.ReadFile(f.fs, "/out/result.bin")
	require.NoError(t, err)
	assert.Equal(t, []byte{7, 9}, out)
}

func TestStageError(t *testing.T) {
	cause := os.ErrNotExist
	err := error(&StageError{Stage: StageModelLoad, Kind: ErrModelLoad, Err: cause})

	assert.Equal(t, "model_load: model load failed: file does not exist", err.Error())
	assert.ErrorIs(t, err, ErrModelLoad)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.NotErrorIs(t, err, ErrInvocation)
	assert.Equal(t, "model_load", KindName(err))
	assert.Equal(t, "unknown", KindName(errors.New("other")))
	assert.Equal(t, "input_bind: input tensor size mismatch", (&StageError{Stage: StageInputBind, Kind: ErrShapeMismatch}).Error())
}
