package buildstore

import (
	"errors"
	"sort"
	"time"
)

var (
	// ErrIntegrity indicates a constraint violation; the enclosing transaction was rolled back.
	ErrIntegrity = errors.New("integrity violation")
	// ErrNotFound indicates a required row does not exist.
	ErrNotFound = errors.New("not found")
)

// MaxBatch bounds the number of ids bound into a single statement.
const MaxBatch = 100

// Result is the numeric outcome of a build request, build or step.
type Result int

const (
	Success   Result = 0
	Warnings  Result = 1
	Failure   Result = 2
	Skipped   Result = 3
	Exception Result = 4
	Retry     Result = 5

	// NoResult marks a request that has not completed.
	NoResult Result = -1
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case Warnings:
		return "warnings"
	case Failure:
		return "failure"
	case Skipped:
		return "skipped"
	case Exception:
		return "exception"
	case Retry:
		return "retry"
	default:
		return "pending"
	}
}

// SourceStamp identifies one codebase's exact version.
type SourceStamp struct {
	Codebase         string `json:"codebase"`
	Revision         string `json:"revision"`
	Branch           string `json:"branch"`
	SourceStampSetID int64  `json:"sourcestampsetid"`
}

// BuildRequest is a queued unit of work for one builder.
type BuildRequest struct {
	ID              int64         `json:"brid"`
	BuilderName     string        `json:"buildername"`
	SourceStamps    []SourceStamp `json:"sourcestamps"`
	SubmittedAt     time.Time     `json:"submitted_at"`
	ArtifactBRID    *int64        `json:"artifactbrid,omitempty"`
	TriggeredByBRID *int64        `json:"triggeredbybrid,omitempty"`
	Complete        bool          `json:"complete"`
	Results         Result        `json:"results"`
}

// Ref returns the identity used for artifact path naming.
func (r BuildRequest) Ref() RequestRef {
	return RequestRef{ID: r.ID, SubmittedAt: r.SubmittedAt}
}

// Build is one physical attempt at satisfying a build request.
type Build struct {
	ID         int64      `json:"bid"`
	RequestID  int64      `json:"brid"`
	Number     int        `json:"number"`
	StartTime  time.Time  `json:"start_time"`
	FinishTime *time.Time `json:"finish_time,omitempty"`
}

// Finished reports whether the build has a finish time.
func (b Build) Finished() bool {
	return b.FinishTime != nil
}

// BuildWithResult joins a build with its owning request's result.
type BuildWithResult struct {
	Build
	Results Result `json:"results"`
}

// RequestRef is the part of a build request needed to address its artifacts.
type RequestRef struct {
	ID          int64
	SubmittedAt time.Time
}

// MergedGroup is the set of build requests satisfied by a single build.
// The first member is the primary request; the rest are siblings in merge order.
type MergedGroup struct {
	refs []RequestRef
}

// NewMergedGroup builds a group from a primary request and its merged siblings.
func NewMergedGroup(primary RequestRef, siblings ...RequestRef) MergedGroup {
	refs := make([]RequestRef, 0, len(siblings)+1)
	refs = append(refs, primary)
	refs = append(refs, siblings...)
	return MergedGroup{refs: refs}
}

func (g MergedGroup) Primary() RequestRef {
	if len(g.refs) == 0 {
		return RequestRef{}
	}
	return g.refs[0]
}

func (g MergedGroup) Siblings() []RequestRef {
	if len(g.refs) < 2 {
		return nil
	}
	return append([]RequestRef(nil), g.refs[1:]...)
}

// IDs returns every member id, primary first.
func (g MergedGroup) IDs() []int64 {
	ids := make([]int64, len(g.refs))
	for i, ref := range g.refs {
		ids[i] = ref.ID
	}
	return ids
}

func (g MergedGroup) Len() int { return len(g.refs) }

// Merged reports whether more than one request shares the build.
func (g MergedGroup) Merged() bool { return len(g.refs) > 1 }

// StampsEqual reports whether two source stamp sets name the same version of
// every codebase. Order and sourcestampsetid are ignored.
func StampsEqual(a, b []SourceStamp) bool {
	if len(a) != len(b) {
		return false
	}
	x := sortedStamps(a)
	y := sortedStamps(b)
	for i := range x {
		if x[i].Codebase != y[i].Codebase || x[i].Revision != y[i].Revision || x[i].Branch != y[i].Branch {
			return false
		}
	}
	return true
}

func sortedStamps(stamps []SourceStamp) []SourceStamp {
	out := append([]SourceStamp(nil), stamps...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Codebase != out[j].Codebase {
			return out[i].Codebase < out[j].Codebase
		}
		if out[i].Revision != out[j].Revision {
			return out[i].Revision < out[j].Revision
		}
		return out[i].Branch < out[j].Branch
	})
	return out
}

func chunks(ids []int64, size int) [][]int64 {
	var out [][]int64
	for len(ids) > 0 {
		n := min(size, len(ids))
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	return out
}

// clock supplies the store's notion of now, truncated to whole seconds.
type clock struct {
	fn func() time.Time
}

// SetClock replaces the time source used for start and finish times.
func (c *clock) SetClock(fn func() time.Time) {
	c.fn = fn
}

func (c *clock) now() time.Time {
	t := time.Now()
	if c.fn != nil {
		t = c.fn()
	}
	return t.UTC().Truncate(time.Second)
}
