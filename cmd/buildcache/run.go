package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/vyvo/compute/buildcache/pkg/artifact"
	"github.com/vyvo/compute/buildcache/pkg/buildstore"
	"github.com/vyvo/compute/buildcache/pkg/config"
	"github.com/vyvo/compute/buildcache/pkg/locks"
	"github.com/vyvo/compute/buildcache/pkg/metrics"
	"github.com/vyvo/compute/buildcache/pkg/process"
	"github.com/vyvo/compute/buildcache/pkg/queue"
	"github.com/vyvo/compute/buildcache/pkg/remote"
	"github.com/vyvo/compute/buildcache/pkg/resume"
	"github.com/vyvo/compute/buildcache/pkg/status"
)

type runOptions struct {
	builder      string
	friendlyName string
	number       int
	requests     []int64
	worker       string
	workerOS     string
	verify       bool
	artifacts    []string
	directory    string
	command      string
	force        bool
}

func newRunCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "run --builder NAME --request ID [--request ID...]",
		Short: "run one build for a merged group of requests on the local worker",
		Args:  cobra.NoArgs,
	}
	opts := new(runOptions)
	c.Flags().StringVar(&opts.builder, "builder", "", "builder `name`")
	c.Flags().StringVar(&opts.friendlyName, "friendly-name", "", "builder display `name`")
	c.Flags().IntVar(&opts.number, "number", 1, "build `number`")
	c.Flags().Int64SliceVar(&opts.requests, "request", nil, "build request `id`; the first is the primary")
	c.Flags().StringVar(&opts.worker, "worker", "local", "worker `name`")
	c.Flags().StringVar(&opts.workerOS, "worker-os", "posix", "worker shell `family` (posix, windows-cmd, windows-powershell)")
	c.Flags().BoolVar(&opts.verify, "verify", false, "probe the artifact server instead of trusting the database")
	c.Flags().StringSliceVar(&opts.artifacts, "artifact", nil, "artifact `name` to check and upload")
	c.Flags().StringVar(&opts.directory, "directory", "", "artifact sub`directory`")
	c.Flags().StringVar(&opts.command, "command", "", "shell `command` performing the build")
	c.Flags().BoolVar(&opts.force, "force", false, "skip the reuse check")
	c.Flags().String("redis_url", "", "redis `url` for worker wake-ups")
	_ = c.MarkFlagRequired("builder")
	_ = c.MarkFlagRequired("request")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return runBuild(cmd.Context(), cfg, opts)
	}
	return c
}

func runBuild(ctx context.Context, cfg config.OrchestratorConfig, opts *runOptions) error {
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore()

	group, stamps, err := loadGroup(ctx, store, opts.requests)
	if err != nil {
		return err
	}

	var signaler queue.Signaler = queue.NewMemQueue(1)
	if cfg.RedisURL != "" {
		q, err := queue.NewRedisQueue(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer q.Close()
		signaler = q
	}
	recorder, err := metrics.NewRecorder(prometheus.NewRegistry())
	if err != nil {
		return err
	}

	props := process.NewProperties()
	if opts.force {
		props.Set(resume.PropForceRebuild, true, "command line")
	}
	b := process.NewBuild(process.BuildOptions{
		Number:       opts.number,
		Group:        group,
		SourceStamps: stamps,
		Builder:      process.NewBuilder(opts.builder, opts.friendlyName),
		Worker:       process.NewWorker(opts.worker, remote.ParseOSFamily(opts.workerOS), remote.ExecRunner{}),
		Properties:   props,
		Store:        store,
		Logger:       slog.Default(),
	})

	result, err := b.Run(ctx, buildSteps(cfg, opts, store, signaler, recorder))
	for _, st := range b.Steps() {
		slog.Info("step", "name", st.Name, "result", st.Result.String(), "text", st.Text())
		for _, l := range st.URLs() {
			slog.Info("link", "step", st.Name, "name", l.Name, "url", l.URL)
		}
	}
	slog.Debug("build properties", "properties", b.Properties.Snapshot())
	fmt.Println(result.String())
	return err
}

func buildSteps(cfg config.OrchestratorConfig, opts *runOptions, store buildstore.Repository, signaler queue.Signaler, recorder *metrics.Recorder) []process.Step {
	server := artifact.Server{
		Host: cfg.ArtifactServer,
		Dir:  cfg.ArtifactServerDir,
		URL:  cfg.ArtifactServerURL,
		Port: cfg.ArtifactServerPort,
	}
	retry := artifact.RetryPolicy{Attempts: cfg.RetryAttempts, Delay: cfg.RetryDelay}

	steps := []process.Step{&locks.AcquireBuildLocks{Locks: []string{opts.worker}, Metrics: recorder}}
	if opts.verify && len(opts.artifacts) > 0 {
		check := resume.NewCheckArtifactExists(opts.artifacts, server, store)
		check.Directory = opts.directory
		check.Metrics = recorder
		steps = append(steps, check)
	} else {
		steps = append(steps, &resume.FindPreviousBuild{
			Store:   store,
			URLs:    status.Links{BaseURL: cfg.StatusBaseURL},
			Metrics: recorder,
		})
	}
	if opts.command != "" {
		steps = append(steps, shellStep{command: opts.command})
	}
	if cfg.ArtifactServer != "" && len(opts.artifacts) > 0 {
		steps = append(steps, &artifact.CreateArtifactDirectory{Directory: opts.directory, Server: server})
		for _, name := range opts.artifacts {
			steps = append(steps, &artifact.UploadArtifact{
				Artifact:  name,
				Directory: opts.directory,
				Server:    server,
				Retry:     retry,
				Store:     store,
				Metrics:   recorder,
			})
		}
	}
	return append(steps, &locks.ReleaseBuildLocks{Signaler: signaler, Metrics: recorder})
}

// loadGroup reads the requests of a merged group. The primary's source
// stamps stand for the whole group.
func loadGroup(ctx context.Context, store buildstore.BuildRequests, ids []int64) (buildstore.MergedGroup, []buildstore.SourceStamp, error) {
	if len(ids) == 0 {
		return buildstore.MergedGroup{}, nil, fmt.Errorf("at least one build request is required")
	}
	refs := make([]buildstore.RequestRef, 0, len(ids))
	var stamps []buildstore.SourceStamp
	for i, id := range ids {
		req, ok, err := store.GetBuildRequest(ctx, id)
		if err != nil {
			return buildstore.MergedGroup{}, nil, fmt.Errorf("load build request %d: %w", id, err)
		}
		if !ok {
			return buildstore.MergedGroup{}, nil, fmt.Errorf("build request %d: %w", id, buildstore.ErrNotFound)
		}
		if i == 0 {
			stamps = req.SourceStamps
		}
		refs = append(refs, req.Ref())
	}
	return buildstore.NewMergedGroup(refs[0], refs[1:]...), stamps, nil
}

// shellStep runs the build command itself on the worker.
type shellStep struct {
	command string
}

func (s shellStep) Name() string { return "Build" }

func (s shellStep) Run(ctx context.Context, b *process.Build, st *process.StepStatus) (buildstore.Result, error) {
	out, err := b.Worker.Runner.Run(ctx, remote.ShellCommand(s.command))
	st.AddLog("stdio", s.command+"\n"+out.Text())
	if err != nil {
		return buildstore.Exception, err
	}
	if !out.OK() {
		st.SetText(fmt.Sprintf("Build command exited %d.", out.ExitCode))
		return buildstore.Failure, nil
	}
	return buildstore.Success, nil
}
