package resume

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/vyvo/compute/buildcache/pkg/artifact"
	"github.com/vyvo/compute/buildcache/pkg/buildstore"
	"github.com/vyvo/compute/buildcache/pkg/metrics"
	"github.com/vyvo/compute/buildcache/pkg/process"
	"github.com/vyvo/compute/buildcache/pkg/telemetry"
)

// CheckArtifactExists reuses a prior successful request only after probing
// the artifact server for every requested artifact.
type CheckArtifactExists struct {
	Artifacts []string
	Directory string
	Server    artifact.Server
	// StopBuild ends the build when every artifact is found.
	StopBuild bool
	Store     buildstore.Repository
	Metrics   *metrics.Recorder
}

func NewCheckArtifactExists(artifacts []string, server artifact.Server, store buildstore.Repository) *CheckArtifactExists {
	return &CheckArtifactExists{
		Artifacts: artifacts,
		Server:    server,
		StopBuild: true,
		Store:     store,
	}
}

func (c *CheckArtifactExists) Name() string { return "Check if Artifact Exists" }

func (c *CheckArtifactExists) Run(ctx context.Context, b *process.Build, st *process.StepStatus) (buildstore.Result, error) {
	if ForceRebuild(b.Properties) {
		st.SetText("Skipping artifact check (forcing a rebuild).")
		c.Metrics.ResumeDecision("remote-verify", "forced")
		if err := propagateMerged(ctx, c.Store, b); err != nil {
			return buildstore.Exception, err
		}
		return buildstore.Skipped, nil
	}

	d, err := c.Check(ctx, b, st)
	if err != nil {
		return buildstore.Exception, err
	}
	c.Metrics.ResumeDecision("remote-verify", d.String())
	return buildstore.Success, nil
}

// Check looks up the prior request, probes its artifact path and applies the
// outcome to the build.
func (c *CheckArtifactExists) Check(ctx context.Context, b *process.Build, st *process.StepStatus) (Decision, error) {
	// With no names nothing is verified, so the build cannot be reused.
	if len(c.Artifacts) == 0 {
		if err := propagateMerged(ctx, c.Store, b); err != nil {
			return Running, err
		}
		st.SetText("No artifacts to verify.")
		return Running, nil
	}
	prev, ok, err := c.Store.GetBuildRequestBySourceStamps(ctx, b.Builder.Name, b.SourceStamps)
	if err != nil {
		return Running, fmt.Errorf("find previous build: %w", err)
	}
	if !ok {
		if err := propagateMerged(ctx, c.Store, b); err != nil {
			return Running, err
		}
		st.SetText("Artifact not found.")
		return Running, nil
	}
	st.SetText("Artifact has been already generated.")

	path := artifact.Location(b.Builder.BuildDir, prev.Ref(), c.Directory)
	found, missing, err := c.probe(ctx, b, st, path)
	if err != nil {
		return Running, err
	}
	for _, name := range found {
		st.AddURL(name, strings.TrimRight(c.Server.URL, "/")+"/"+path+"/"+name)
	}

	source := "CheckArtifactExists " + strings.Join(c.Artifacts, ",")
	if len(missing) > 0 {
		b.Properties.Set(PropArtifactsFound, false, source)
		if err := propagateMerged(ctx, c.Store, b); err != nil {
			return Running, err
		}
		st.SetText(fmt.Sprintf("Artifact not found on server %s.", c.Server.URL))
		return Running, nil
	}

	// An earlier check in this build already failed; keep building.
	if v, ok := b.Properties.Get(PropArtifactsFound); ok && v == false {
		return Running, nil
	}
	b.Properties.Set(PropArtifactsFound, true, source)
	b.Properties.Set(PropReusedOldBuild, true, "CheckArtifactExists")
	if !c.StopBuild {
		return Running, nil
	}
	if err := reuse(ctx, c.Store, b, prev.ID); err != nil {
		return Running, err
	}
	b.Logger().Info("reusing uploaded artifacts", "builder", b.Builder.Name, "source", prev.ID, "path", path)
	return Reused, nil
}

func (c *CheckArtifactExists) probe(ctx context.Context, b *process.Build, st *process.StepStatus, path string) (found, missing []string, err error) {
	ctx, span := telemetry.Start(ctx, "artifact probe", attribute.String("path", path))
	defer func() { telemetry.End(span, err) }()

	cmd := artifact.ProbeCommand(c.Server.Host, c.Server.Port, c.Server.Dir, path, c.Artifacts)
	out, err := b.Worker.Runner.Run(ctx, cmd)
	st.AddLog("stdio", cmd.String()+"\n"+out.Text())
	if err != nil {
		return nil, nil, fmt.Errorf("probe artifacts: %w", err)
	}
	// ls reports missing names on stderr; only the stdout listing counts.
	found, missing = artifact.ParseProbe(out.Lines, c.Artifacts)
	return found, missing, nil
}
