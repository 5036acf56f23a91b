// Package runner executes one inference job: load the model, build an
// interpreter, bind the single input tensor, invoke and write the single
// output tensor. Stages run strictly in order and the first failure aborts
// the job.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/attribute"

	"github.com/psantana5/inferexec/internal/observe"
	"github.com/psantana5/inferexec/internal/report"
	"github.com/psantana5/inferexec/pkg/backend"
	"github.com/psantana5/inferexec/pkg/logging"
	"github.com/psantana5/inferexec/pkg/models"
	"github.com/psantana5/inferexec/pkg/tracing"
)

// Options configure a Runner. Zero values are usable.
type Options struct {
	// RootDir is joined with a job's output path. Input and model paths are
	// handed to the filesystem as they are.
	RootDir string
	// MaxArenaBytes caps interpreter tensor memory; 0 lets the backend decide.
	MaxArenaBytes int64

	Logger  *logging.Logger
	Tracer  *tracing.Provider
	Metrics *report.Metrics
}

// Runner runs jobs against one backend and one filesystem.
type Runner struct {
	fs       afero.Fs
	backend  backend.Backend
	root     string
	maxArena int64
	logger   *logging.Logger
	tracer   *tracing.Provider
	metrics  *report.Metrics
}

// New creates a runner. fs is the only way the runner touches files.
func New(fs afero.Fs, b backend.Backend, opts Options) *Runner {
	r := &Runner{
		fs:       fs,
		backend:  b,
		root:     opts.RootDir,
		maxArena: opts.MaxArenaBytes,
		logger:   opts.Logger,
		tracer:   opts.Tracer,
		metrics:  opts.Metrics,
	}
	if r.root == "" {
		r.root = "/"
	}
	if r.logger == nil {
		r.logger = logging.Discard()
	}
	if r.tracer == nil {
		r.tracer = tracing.NewProvider("inferexec")
	}
	return r
}

// Execute decodes raw as an execution configuration and runs it. Malformed
// configuration fails with ErrMalformedConfig before any file is touched.
// The Result is returned on failure too.
func (r *Runner) Execute(ctx context.Context, raw []byte) (*report.Result, error) {
	e := r.newExecution(models.NewJobDescriptor())
	err := e.step(ctx, StageConfig, ErrMalformedConfig, false, func(context.Context) error {
		job, err := models.ParseJobDescriptor(raw)
		if err != nil {
			return err
		}
		e.job = job
		return nil
	})
	if err == nil {
		err = e.pipeline(ctx)
	}
	return e.finish(err), err
}

// Run executes job. The Result is returned on failure too.
func (r *Runner) Run(ctx context.Context, job models.JobDescriptor) (*report.Result, error) {
	e := r.newExecution(job)
	err := e.pipeline(ctx)
	return e.finish(err), err
}

// execution is the mutable state of one Run.
type execution struct {
	r       *Runner
	id      string
	job     models.JobDescriptor
	fsm     *models.StateMachine
	timing  *observe.Timing
	stages  observe.Stages
	logger  *logging.Logger
	threads int

	modelBytes  int
	inputBytes  int
	outputBytes int
}

func (r *Runner) newExecution(job models.JobDescriptor) *execution {
	id := uuid.NewString()
	return &execution{
		r:       r,
		id:      id,
		job:     job,
		fsm:     models.NewStateMachine(),
		timing:  observe.NewTiming(),
		logger:  r.logger.WithField("job_id", id),
		threads: int(job.NumThreads),
	}
}

// step runs fn as one stage. Errors not already tagged get kind; on success
// the state machine advances when advance is set.
func (e *execution) step(ctx context.Context, stage Stage, kind error, advance bool, fn func(context.Context) error) error {
	ctx, span := e.r.tracer.StartSpan(ctx, "inferexec."+string(stage),
		attribute.String("job.id", e.id),
		attribute.String("stage", string(stage)),
	)
	defer span.End()

	stop := e.stages.Start(string(stage))
	err := fn(ctx)
	if err == nil && advance {
		err = e.fsm.Advance()
	}
	stop(err != nil)

	if err == nil {
		return nil
	}

	var se *StageError
	if !errors.As(err, &se) {
		se = &StageError{Kind: kind, Err: err}
	}
	se.Stage = stage
	tracing.SetError(ctx, se)
	if ferr := e.fsm.Fail(se.Error()); ferr != nil {
		e.logger.Warn("state machine rejected failure", logging.Fields{"error": ferr.Error()})
	}
	return se
}

func (e *execution) pipeline(ctx context.Context) error {
	fs, be := e.r.fs, e.r.backend
	log := e.logger

	var model backend.Model
	err := e.step(ctx, StageModelLoad, ErrModelLoad, true, func(ctx context.Context) error {
		log.Info("loading model", logging.Fields{"stage": StageModelLoad, "path": e.job.ModelPath})
		data, err := afero.ReadFile(fs, e.job.ModelPath)
		if err != nil {
			return fmt.Errorf("%w: read model: %w", ErrFileIO, err)
		}
		e.modelBytes = len(data)
		tracing.AddEvent(ctx, "model.read", attribute.Int("bytes", len(data)))
		if model, err = be.LoadModel(data); err != nil {
			return err
		}
		if d, ok := model.(interface{ Description() string }); ok && d.Description() != "" {
			log.Debug("model loaded", logging.Fields{"stage": StageModelLoad, "description": d.Description()})
		}
		return nil
	})
	if err != nil {
		return err
	}
	defer model.Close()

	var interp backend.Interpreter
	err = e.step(ctx, StageInterpreterBuild, ErrInterpreterBuild, true, func(context.Context) error {
		var err error
		interp, err = be.NewInterpreter(model, backend.Options{
			NumThreads:    int(e.job.NumThreads),
			MaxArenaBytes: e.r.maxArena,
		})
		if err != nil {
			return err
		}
		if t, ok := interp.(interface{ Threads() int }); ok {
			e.threads = t.Threads()
		}
		log.Debug("interpreter ready", logging.Fields{"stage": StageInterpreterBuild, "backend": be.Name(), "threads": e.threads})
		return nil
	})
	if err != nil {
		return err
	}
	defer interp.Close()

	err = e.step(ctx, StageAllocate, ErrAllocation, true, func(context.Context) error {
		return interp.AllocateTensors()
	})
	if err != nil {
		return err
	}

	err = e.step(ctx, StageInputBind, ErrShapeMismatch, true, func(ctx context.Context) error {
		if n := interp.InputCount(); n != 1 {
			return withKind(ErrCardinality, fmt.Errorf("model has %d input tensors", n))
		}
		size, err := interp.InputByteSize(0)
		if err != nil {
			return err
		}
		data, err := e.readInput(size)
		if err != nil {
			return err
		}
		e.inputBytes = len(data)
		tracing.AddEvent(ctx, "input.read", attribute.Int("bytes", len(data)))
		return interp.SetInput(0, data)
	})
	if err != nil {
		return err
	}

	err = e.step(ctx, StageInvoke, ErrInvocation, true, func(context.Context) error {
		log.Info("invoking", logging.Fields{"stage": StageInvoke})
		return interp.Invoke()
	})
	if err != nil {
		return err
	}

	var output []byte
	err = e.step(ctx, StageOutputExtract, ErrInvocation, false, func(context.Context) error {
		if n := interp.OutputCount(); n != 1 {
			return withKind(ErrCardinality, fmt.Errorf("model has %d output tensors", n))
		}
		var err error
		output, err = interp.Output(0)
		return err
	})
	if err != nil {
		return err
	}

	return e.step(ctx, StagePersist, ErrFileIO, true, func(context.Context) error {
		path := filepath.Join(e.r.root, e.job.OutputTensorPath)
		log.Info("writing results", logging.Fields{"stage": StagePersist, "path": path, "bytes": len(output)})
		if err := afero.WriteFile(fs, path, output, 0o644); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
		e.outputBytes = len(output)
		return nil
	})
}

// readInput reads the input tensor file, which must hold exactly size
// bytes. At most size+1 bytes are read, enough to tell a long file apart.
func (e *execution) readInput(size int) ([]byte, error) {
	f, err := e.r.fs.Open(e.job.InputTensorPath)
	if err != nil {
		return nil, withKind(ErrFileIO, fmt.Errorf("open input: %w", err))
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, int64(size)+1))
	if err != nil {
		return nil, withKind(ErrFileIO, fmt.Errorf("read input: %w", err))
	}
	switch {
	case len(data) > size:
		return nil, fmt.Errorf("input tensor file is larger than %d bytes", size)
	case len(data) < size:
		return nil, fmt.Errorf("input tensor file has %d bytes, model expects %d", len(data), size)
	}
	return data, nil
}

func (e *execution) finish(err error) *report.Result {
	e.timing.Complete()
	res := &report.Result{
		JobID:       e.id,
		Backend:     e.r.backend.Name(),
		Job:         e.job,
		Threads:     e.threads,
		StartTime:   e.timing.StartedAt,
		EndTime:     e.timing.CompletedAt,
		Duration:    e.timing.Duration().Round(time.Microsecond),
		Stages:      e.stages.List(),
		State:       e.fsm.Current(),
		Transitions: e.fsm.Transitions(),
		ModelBytes:  e.modelBytes,
		InputBytes:  e.inputBytes,
		OutputBytes: e.outputBytes,
	}
	if err != nil {
		res.ErrorKind = KindName(err)
		res.Error = err.Error()
	}
	res.LogSummary(e.logger)
	if e.r.metrics != nil {
		e.r.metrics.RecordResult(res)
	}
	return res
}
