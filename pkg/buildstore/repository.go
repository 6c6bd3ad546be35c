package buildstore

import "context"

// Builds records physical build attempts. Every method runs as one transaction.
type Builds interface {
	GetBuild(ctx context.Context, id int64) (Build, bool, error)
	GetBuildsForRequest(ctx context.Context, requestID int64) ([]Build, error)
	GetBuildsAndResultForRequest(ctx context.Context, requestID int64) ([]BuildWithResult, error)
	AddBuild(ctx context.Context, requestID int64, number int) (int64, error)
	AddBuilds(ctx context.Context, requestIDs []int64, number int) error
	FinishBuilds(ctx context.Context, ids []int64) error
	FinishedMergedBuilds(ctx context.Context, requestIDs []int64, number int) (int64, error)
}

// BuildRequests exposes the build request lookups used to decide reuse.
type BuildRequests interface {
	AddBuildRequest(ctx context.Context, req BuildRequest) (int64, error)
	GetBuildRequest(ctx context.Context, id int64) (BuildRequest, bool, error)
	CompleteBuildRequests(ctx context.Context, ids []int64, results Result) error
	GetBuildRequestBySourceStamps(ctx context.Context, builder string, stamps []SourceStamp) (BuildRequest, bool, error)
	GetBuildRequestTriggered(ctx context.Context, triggeringID int64, builder string) (BuildRequest, error)
	ReusePreviousBuild(ctx context.Context, requestIDs []int64, sourceID int64) (int64, error)
	UpdateMergedBuildRequest(ctx context.Context, group MergedGroup) (int64, error)
}

// Repository is the full store surface.
type Repository interface {
	Builds
	BuildRequests
}

var (
	_ Repository = (*MemStore)(nil)
	_ Repository = (*PostgresStore)(nil)
	_ Repository = (*SQLiteStore)(nil)
)
