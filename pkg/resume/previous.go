package resume

import (
	"context"
	"fmt"

	"github.com/vyvo/compute/buildcache/pkg/buildstore"
	"github.com/vyvo/compute/buildcache/pkg/metrics"
	"github.com/vyvo/compute/buildcache/pkg/process"
	"github.com/vyvo/compute/buildcache/pkg/status"
)

// FindPreviousBuild reuses a prior successful request with identical source
// stamps on the same builder, trusting the database record alone.
type FindPreviousBuild struct {
	Store   buildstore.Repository
	URLs    status.URLRegistry
	Metrics *metrics.Recorder
}

func (f *FindPreviousBuild) Name() string { return "Find Previous Successful Build" }

func (f *FindPreviousBuild) Run(ctx context.Context, b *process.Build, st *process.StepStatus) (buildstore.Result, error) {
	if ForceRebuild(b.Properties) {
		st.SetText("Skipping previous build check (forcing a rebuild).")
		f.Metrics.ResumeDecision("db-trust", "forced")
		if err := propagateMerged(ctx, f.Store, b); err != nil {
			return buildstore.Exception, err
		}
		return buildstore.Skipped, nil
	}

	d, err := f.Check(ctx, b, st)
	if err != nil {
		return buildstore.Exception, err
	}
	f.Metrics.ResumeDecision("db-trust", d.String())
	return buildstore.Success, nil
}

// Check runs the lookup and applies its outcome to the build.
func (f *FindPreviousBuild) Check(ctx context.Context, b *process.Build, st *process.StepStatus) (Decision, error) {
	prev, ok, err := f.Store.GetBuildRequestBySourceStamps(ctx, b.Builder.Name, b.SourceStamps)
	if err != nil {
		return Running, fmt.Errorf("find previous build: %w", err)
	}
	if !ok {
		if err := propagateMerged(ctx, f.Store, b); err != nil {
			return Running, err
		}
		st.SetText("Running build (previous successful build not found).")
		return Running, nil
	}

	// A request retried after a lost worker has several builds; link them all.
	builds, err := f.Store.GetBuildsForRequest(ctx, prev.ID)
	if err != nil {
		return Running, fmt.Errorf("load builds for request %d: %w", prev.ID, err)
	}
	for _, prior := range builds {
		u, err := f.URLs.GetURLForBuildRequest(ctx, prev.ID, b.Builder.Name, prior.Number, b.Builder.FriendlyName, b.SourceStamps)
		if err != nil {
			return Running, fmt.Errorf("url for build request %d: %w", prev.ID, err)
		}
		st.AddURL(u.Text, u.Path)
	}

	if err := reuse(ctx, f.Store, b, prev.ID); err != nil {
		return Running, err
	}
	b.Properties.Set(PropReusedOldBuild, true, "FindPreviousBuild")
	st.SetText("Found previous successful build.")
	b.Logger().Info("reusing previous build", "builder", b.Builder.Name, "source", prev.ID, "requests", b.Group.IDs())
	return Reused, nil
}
