package resume

import (
	"context"
	"fmt"
	"strings"

	"github.com/vyvo/compute/buildcache/pkg/buildstore"
	"github.com/vyvo/compute/buildcache/pkg/process"
)

// Build properties read and written by the resume steps.
const (
	PropForceRebuild      = "force_rebuild"
	PropForceChainRebuild = "force_chain_rebuild"
	PropReusedOldBuild    = "reusedOldBuild"
	PropArtifactsFound    = "artifactsfound"
)

// Decision is where a resume check leaves the build.
type Decision int

const (
	Running Decision = iota
	Reused
)

func (d Decision) String() string {
	if d == Reused {
		return "reused"
	}
	return "running"
}

// ForceRebuild reports whether force_rebuild or force_chain_rebuild is set.
// Each accepts a bool or a string equal to "true" in any case; any other
// value counts as false.
func ForceRebuild(props *process.Properties) bool {
	return truthy(props.GetOr(PropForceRebuild, false)) || truthy(props.GetOr(PropForceChainRebuild, false))
}

func truthy(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return strings.ToLower(val) == "true"
	case fmt.Stringer:
		return strings.ToLower(val.String()) == "true"
	default:
		return false
	}
}

// propagateMerged points the siblings of a merged group at the primary, so
// they reuse whatever the primary produces.
func propagateMerged(ctx context.Context, store buildstore.BuildRequests, b *process.Build) error {
	if !b.Group.Merged() {
		return nil
	}
	if _, err := store.UpdateMergedBuildRequest(ctx, b.Group); err != nil {
		return fmt.Errorf("update merged build request: %w", err)
	}
	return nil
}

// reuse links the whole group to source and ends the build successfully.
func reuse(ctx context.Context, store buildstore.BuildRequests, b *process.Build, source int64) error {
	if _, err := store.ReusePreviousBuild(ctx, b.Group.IDs(), source); err != nil {
		return fmt.Errorf("reuse previous build %d: %w", source, err)
	}
	b.SetResult(buildstore.Success)
	b.Finish()
	return nil
}
