package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/vyvo/compute/buildcache/pkg/buildstore"
	"github.com/vyvo/compute/buildcache/pkg/telemetry"
)

// Step is one unit of a build. Steps of a build run strictly one after another.
type Step interface {
	Name() string
	Run(ctx context.Context, b *Build, st *StepStatus) (buildstore.Result, error)
}

// AlwaysRunner marks steps that run even after the build failed or finished early.
type AlwaysRunner interface {
	AlwaysRun() bool
}

// BuildOptions configures a new Build.
type BuildOptions struct {
	Number       int
	Group        buildstore.MergedGroup
	SourceStamps []buildstore.SourceStamp
	Builder      *Builder
	Worker       *Worker
	Properties   *Properties
	Store        buildstore.Repository
	Logger       Logger
}

// Build is one physical execution for a merged group of requests.
type Build struct {
	Number       int
	Group        buildstore.MergedGroup
	SourceStamps []buildstore.SourceStamp
	Builder      *Builder
	Worker       *Worker
	Properties   *Properties

	store  buildstore.Repository
	logger Logger

	mu       sync.Mutex
	result   buildstore.Result
	done     bool
	steps    []*StepStatus
	locks    []string
	releaser string
}

func NewBuild(opts BuildOptions) *Build {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	props := opts.Properties
	if props == nil {
		props = NewProperties()
	}
	return &Build{
		Number:       opts.Number,
		Group:        opts.Group,
		SourceStamps: append([]buildstore.SourceStamp(nil), opts.SourceStamps...),
		Builder:      opts.Builder,
		Worker:       opts.Worker,
		Properties:   props,
		store:        opts.Store,
		logger:       logger,
		result:       buildstore.Success,
	}
}

func (b *Build) Logger() Logger { return b.logger }

func (b *Build) Result() buildstore.Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.result
}

func (b *Build) SetResult(r buildstore.Result) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.result = r
}

// Finish marks every remaining ordinary step as done. Steps that always run
// still execute.
func (b *Build) Finish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.done = true
}

// Finished reports whether Finish was called or a step failed.
func (b *Build) Finished() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done
}

// AttachLocks records the lock set held by the build and the token of the
// step that must release it.
func (b *Build) AttachLocks(locks []string, releaser string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.locks = append([]string(nil), locks...)
	b.releaser = releaser
}

// Locks returns the attached lock set and releaser token.
func (b *Build) Locks() ([]string, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.locks...), b.releaser
}

// Steps returns the status of every step run or skipped so far.
func (b *Build) Steps() []*StepStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*StepStatus(nil), b.steps...)
}

// Run records the build rows, runs steps in order and finishes the build
// across the whole merged group. The returned error joins step and store
// errors; the result is the build's final result.
func (b *Build) Run(ctx context.Context, steps []Step) (buildstore.Result, error) {
	ids := b.Group.IDs()
	if err := b.store.AddBuilds(ctx, ids, b.Number); err != nil {
		b.SetResult(buildstore.Exception)
		return buildstore.Exception, fmt.Errorf("add builds: %w", err)
	}
	b.logger.Info("build started", "builder", b.builderName(), "number", b.Number, "requests", ids)

	var errs []error
	for _, step := range steps {
		st := newStepStatus(step.Name())
		b.mu.Lock()
		b.steps = append(b.steps, st)
		b.mu.Unlock()

		if b.Finished() && !alwaysRuns(step) {
			st.Result = buildstore.Skipped
			continue
		}

		res, err := b.runStep(ctx, step, st)
		st.Result = res
		if err != nil {
			b.logger.Error("step failed", "builder", b.builderName(), "number", b.Number, "step", step.Name(), "error", err)
			errs = append(errs, fmt.Errorf("step %q: %w", step.Name(), err))
		}
		b.absorb(res)
	}

	result := b.Result()
	if err := b.finish(ctx, ids, result); err != nil {
		errs = append(errs, err)
	}
	b.logger.Info("build finished", "builder", b.builderName(), "number", b.Number, "result", result.String())
	return result, errors.Join(errs...)
}

func (b *Build) runStep(ctx context.Context, step Step, st *StepStatus) (res buildstore.Result, err error) {
	ctx, span := telemetry.Start(ctx, "step "+step.Name(),
		attribute.String("builder", b.builderName()),
		attribute.Int("build.number", b.Number),
	)
	defer func() {
		span.SetAttributes(attribute.String("result", res.String()))
		telemetry.End(span, err)
	}()

	res, err = step.Run(ctx, b, st)
	if err != nil && (res == buildstore.Success || res == buildstore.NoResult) {
		res = buildstore.Exception
	}
	return res, err
}

// absorb folds a step result into the build result.
func (b *Build) absorb(res buildstore.Result) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch res {
	case buildstore.Warnings:
		if b.result == buildstore.Success {
			b.result = buildstore.Warnings
		}
	case buildstore.Failure, buildstore.Exception, buildstore.Retry:
		if severity(res) > severity(b.result) {
			b.result = res
		}
		b.done = true
	}
}

func severity(r buildstore.Result) int {
	switch r {
	case buildstore.Success, buildstore.Skipped, buildstore.NoResult:
		return 0
	case buildstore.Warnings:
		return 1
	case buildstore.Failure:
		return 2
	case buildstore.Exception:
		return 3
	default:
		return 4
	}
}

func (b *Build) finish(ctx context.Context, ids []int64, result buildstore.Result) error {
	primary := b.Group.Primary().ID
	builds, err := b.store.GetBuildsForRequest(ctx, primary)
	if err != nil {
		return fmt.Errorf("load builds for request %d: %w", primary, err)
	}
	var finish []int64
	for _, row := range builds {
		if row.Number == b.Number && !row.Finished() {
			finish = append(finish, row.ID)
		}
	}
	if err := b.store.FinishBuilds(ctx, finish); err != nil {
		return fmt.Errorf("finish builds: %w", err)
	}
	if _, err := b.store.FinishedMergedBuilds(ctx, ids, b.Number); err != nil {
		return fmt.Errorf("finish merged builds: %w", err)
	}
	if err := b.store.CompleteBuildRequests(ctx, ids, result); err != nil {
		return fmt.Errorf("complete build requests: %w", err)
	}
	return nil
}

func (b *Build) builderName() string {
	if b.Builder == nil {
		return ""
	}
	return b.Builder.Name
}

func alwaysRuns(step Step) bool {
	ar, ok := step.(AlwaysRunner)
	return ok && ar.AlwaysRun()
}
