package buildstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// storeFactories lets every behavioural test run against each backend that
// can be opened without external services.
func storeFactories(t *testing.T) map[string]func(t *testing.T) Repository {
	return map[string]func(t *testing.T) Repository{
		"mem": func(t *testing.T) Repository {
			return NewMemStore()
		},
		"sqlite": func(t *testing.T) Repository {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "builds.db"), nil)
			if err != nil {
				t.Fatalf("open sqlite store: %v", err)
			}
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

type clockSetter interface {
	SetClock(fn func() time.Time)
}

func fixedClock(t *testing.T, s Repository, at time.Time) *time.Time {
	current := at
	s.(clockSetter).SetClock(func() time.Time { return current })
	return &current
}

func addRequest(t *testing.T, s Repository, req BuildRequest) int64 {
	t.Helper()
	id, err := s.AddBuildRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("add build request: %v", err)
	}
	return id
}

func stamps(pairs ...string) []SourceStamp {
	var out []SourceStamp
	for i := 0; i+3 <= len(pairs); i += 3 {
		out = append(out, SourceStamp{Codebase: pairs[i], Revision: pairs[i+1], Branch: pairs[i+2]})
	}
	return out
}

func TestFinishBuildsThenMergedIsNoop(t *testing.T) {
	for name, open := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
			clk := fixedClock(t, s, at)

			var reqIDs []int64
			for i := 0; i < 3; i++ {
				reqIDs = append(reqIDs, addRequest(t, s, BuildRequest{BuilderName: "app", SourceStamps: stamps("core", "abc", "main")}))
			}
			if err := s.AddBuilds(ctx, reqIDs, 7); err != nil {
				t.Fatalf("add builds: %v", err)
			}
			var buildIDs []int64
			for _, id := range reqIDs {
				builds, err := s.GetBuildsForRequest(ctx, id)
				if err != nil {
					t.Fatalf("get builds: %v", err)
				}
				if len(builds) != 1 || builds[0].Number != 7 || builds[0].Finished() {
					t.Fatalf("unexpected builds for request %d: %+v", id, builds)
				}
				buildIDs = append(buildIDs, builds[0].ID)
			}

			*clk = at.Add(90 * time.Second)
			if err := s.FinishBuilds(ctx, buildIDs); err != nil {
				t.Fatalf("finish builds: %v", err)
			}
			for _, id := range buildIDs {
				b, ok, err := s.GetBuild(ctx, id)
				if err != nil || !ok {
					t.Fatalf("get build %d: ok=%v err=%v", id, ok, err)
				}
				if b.FinishTime == nil || !b.FinishTime.Equal(at.Add(90*time.Second)) {
					t.Fatalf("expected build %d finished at %v, got %v", id, at.Add(90*time.Second), b.FinishTime)
				}
			}

			n, err := s.FinishedMergedBuilds(ctx, reqIDs, 7)
			if err != nil {
				t.Fatalf("finished merged builds: %v", err)
			}
			if n != 0 {
				t.Fatalf("expected 0 rows updated, got %d", n)
			}
		})
	}
}

func TestFinishedMergedBuildsPropagatesReferenceTime(t *testing.T) {
	for name, open := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
			clk := fixedClock(t, s, at)

			a := addRequest(t, s, BuildRequest{BuilderName: "app"})
			b := addRequest(t, s, BuildRequest{BuilderName: "app"})
			c := addRequest(t, s, BuildRequest{BuilderName: "app"})
			if err := s.AddBuilds(ctx, []int64{a, b, c}, 3); err != nil {
				t.Fatalf("add builds: %v", err)
			}
			// Sibling c already finished on its own and must keep its time.
			cBuilds, _ := s.GetBuildsForRequest(ctx, c)
			*clk = at.Add(time.Minute)
			if err := s.FinishBuilds(ctx, []int64{cBuilds[0].ID}); err != nil {
				t.Fatalf("finish c: %v", err)
			}

			// Reference unfinished: nothing moves.
			n, err := s.FinishedMergedBuilds(ctx, []int64{a, b, c}, 3)
			if err != nil || n != 0 {
				t.Fatalf("expected no-op with unfinished reference, got n=%d err=%v", n, err)
			}

			aBuilds, _ := s.GetBuildsForRequest(ctx, a)
			*clk = at.Add(5 * time.Minute)
			if err := s.FinishBuilds(ctx, []int64{aBuilds[0].ID}); err != nil {
				t.Fatalf("finish a: %v", err)
			}
			*clk = at.Add(time.Hour)
			n, err = s.FinishedMergedBuilds(ctx, []int64{a, b, c}, 3)
			if err != nil {
				t.Fatalf("finished merged builds: %v", err)
			}
			if n != 1 {
				t.Fatalf("expected 1 row updated, got %d", n)
			}
			bBuilds, _ := s.GetBuildsForRequest(ctx, b)
			if got := bBuilds[0].FinishTime; got == nil || !got.Equal(at.Add(5*time.Minute)) {
				t.Fatalf("expected sibling to copy reference time, got %v", got)
			}
			cBuilds, _ = s.GetBuildsForRequest(ctx, c)
			if got := cBuilds[0].FinishTime; got == nil || !got.Equal(at.Add(time.Minute)) {
				t.Fatalf("finished sibling was overwritten: %v", got)
			}

			n, err = s.FinishedMergedBuilds(ctx, []int64{a, b, c}, 3)
			if err != nil || n != 0 {
				t.Fatalf("expected idempotent second call, got n=%d err=%v", n, err)
			}
			n, err = s.FinishedMergedBuilds(ctx, []int64{a}, 3)
			if err != nil || n != 0 {
				t.Fatalf("expected single id to be a no-op, got n=%d err=%v", n, err)
			}
		})
	}
}

func TestAddBuildsIsAtomic(t *testing.T) {
	for name, open := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			a := addRequest(t, s, BuildRequest{BuilderName: "app"})
			b := addRequest(t, s, BuildRequest{BuilderName: "app"})

			err := s.AddBuilds(ctx, []int64{a, b, 9999}, 1)
			if !errors.Is(err, ErrIntegrity) {
				t.Fatalf("expected ErrIntegrity, got %v", err)
			}
			for _, id := range []int64{a, b} {
				builds, err := s.GetBuildsForRequest(ctx, id)
				if err != nil {
					t.Fatalf("get builds: %v", err)
				}
				if len(builds) != 0 {
					t.Fatalf("expected rollback to leave no builds for %d, got %+v", id, builds)
				}
			}

			if err := s.AddBuilds(ctx, []int64{a, b}, 1); err != nil {
				t.Fatalf("add builds: %v", err)
			}
			if err := s.AddBuilds(ctx, []int64{a}, 1); !errors.Is(err, ErrIntegrity) {
				t.Fatalf("expected duplicate number to violate integrity, got %v", err)
			}
		})
	}
}

func TestAddBuildAndResults(t *testing.T) {
	for name, open := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
			fixedClock(t, s, at)

			id := addRequest(t, s, BuildRequest{BuilderName: "app"})
			first, err := s.AddBuild(ctx, id, 1)
			if err != nil {
				t.Fatalf("add build: %v", err)
			}
			second, err := s.AddBuild(ctx, id, 2)
			if err != nil {
				t.Fatalf("add retried build: %v", err)
			}
			if err := s.CompleteBuildRequests(ctx, []int64{id}, Warnings); err != nil {
				t.Fatalf("complete: %v", err)
			}

			got, err := s.GetBuildsAndResultForRequest(ctx, id)
			if err != nil {
				t.Fatalf("get builds and result: %v", err)
			}
			want := []BuildWithResult{
				{Build: Build{ID: first, RequestID: id, Number: 1, StartTime: at}, Results: Warnings},
				{Build: Build{ID: second, RequestID: id, Number: 2, StartTime: at}, Results: Warnings},
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("builds and result mismatch (-want +got):\n%s", diff)
			}

			if _, ok, err := s.GetBuild(ctx, 424242); ok || err != nil {
				t.Fatalf("expected soft miss, got ok=%v err=%v", ok, err)
			}
		})
	}
}

func TestGetBuildRequestBySourceStamps(t *testing.T) {
	for name, open := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)

			prev := addRequest(t, s, BuildRequest{
				BuilderName:  "app",
				SourceStamps: stamps("core", "abc", "main", "ui", "def", "main"),
				Complete:     true,
				Results:      Success,
			})
			addRequest(t, s, BuildRequest{
				BuilderName:  "app",
				SourceStamps: stamps("core", "abc", "main", "ui", "def", "main"),
				Complete:     true,
				Results:      Failure,
			})
			addRequest(t, s, BuildRequest{
				BuilderName:  "other",
				SourceStamps: stamps("core", "abc", "main", "ui", "def", "main"),
				Complete:     true,
				Results:      Success,
			})

			got, ok, err := s.GetBuildRequestBySourceStamps(ctx, "app", stamps("ui", "def", "main", "core", "abc", "main"))
			if err != nil {
				t.Fatalf("lookup: %v", err)
			}
			if !ok || got.ID != prev {
				t.Fatalf("expected match on request %d, got ok=%v id=%d", prev, ok, got.ID)
			}

			for _, probe := range [][]SourceStamp{
				stamps("core", "abc", "main", "ui", "XXX", "main"),
				stamps("core", "abc", "main", "ui", "def", "release"),
				stamps("core", "abc", "main"),
				stamps("core", "abc", "main", "ui", "def", "main", "docs", "1", "main"),
				nil,
			} {
				if _, ok, err := s.GetBuildRequestBySourceStamps(ctx, "app", probe); ok || err != nil {
					t.Fatalf("expected no match for %+v, got ok=%v err=%v", probe, ok, err)
				}
			}
		})
	}
}

func TestReuseAndMergedPointersAreSetOnce(t *testing.T) {
	for name, open := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			src := addRequest(t, s, BuildRequest{BuilderName: "app", Complete: true, Results: Success})
			other := addRequest(t, s, BuildRequest{BuilderName: "app", Complete: true, Results: Success})
			primary := addRequest(t, s, BuildRequest{BuilderName: "app"})
			sibling := addRequest(t, s, BuildRequest{BuilderName: "app"})

			group := NewMergedGroup(RequestRef{ID: primary}, RequestRef{ID: sibling})
			n, err := s.UpdateMergedBuildRequest(ctx, group)
			if err != nil || n != 1 {
				t.Fatalf("expected one sibling linked, got n=%d err=%v", n, err)
			}

			n, err = s.ReusePreviousBuild(ctx, group.IDs(), src)
			if err != nil {
				t.Fatalf("reuse: %v", err)
			}
			if n != 1 {
				t.Fatalf("expected only the primary to be linked, got %d", n)
			}
			n, err = s.ReusePreviousBuild(ctx, group.IDs(), other)
			if err != nil || n != 0 {
				t.Fatalf("expected pointers to be immutable, got n=%d err=%v", n, err)
			}

			p, _, _ := s.GetBuildRequest(ctx, primary)
			if p.ArtifactBRID == nil || *p.ArtifactBRID != src || !p.Complete || p.Results != Success {
				t.Fatalf("unexpected primary after reuse: %+v", p)
			}
			sib, _, _ := s.GetBuildRequest(ctx, sibling)
			if sib.ArtifactBRID == nil || *sib.ArtifactBRID != primary {
				t.Fatalf("unexpected sibling pointer: %+v", sib)
			}
		})
	}
}

func TestGetBuildRequestTriggered(t *testing.T) {
	for name, open := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			parent := addRequest(t, s, BuildRequest{BuilderName: "package"})
			child := addRequest(t, s, BuildRequest{BuilderName: "compile", TriggeredByBRID: &parent})
			addRequest(t, s, BuildRequest{BuilderName: "test", TriggeredByBRID: &parent})

			got, err := s.GetBuildRequestTriggered(ctx, parent, "compile")
			if err != nil {
				t.Fatalf("triggered lookup: %v", err)
			}
			if got.ID != child {
				t.Fatalf("expected %d, got %d", child, got.ID)
			}
			if _, err := s.GetBuildRequestTriggered(ctx, parent, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestFinishBuildsChunksLargeBatches(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	var reqIDs []int64
	for i := 0; i < MaxBatch*2+5; i++ {
		reqIDs = append(reqIDs, addRequest(t, s, BuildRequest{BuilderName: "app"}))
	}
	if err := s.AddBuilds(ctx, reqIDs, 1); err != nil {
		t.Fatalf("add builds: %v", err)
	}
	var ids []int64
	for _, id := range reqIDs {
		builds, _ := s.GetBuildsForRequest(ctx, id)
		ids = append(ids, builds[0].ID)
	}
	if err := s.FinishBuilds(ctx, ids); err != nil {
		t.Fatalf("finish builds: %v", err)
	}
	var first *time.Time
	for _, id := range ids {
		b, _, _ := s.GetBuild(ctx, id)
		if b.FinishTime == nil {
			t.Fatalf("build %d left unfinished", id)
		}
		if first == nil {
			first = b.FinishTime
		} else if !first.Equal(*b.FinishTime) {
			t.Fatalf("expected one shared finish time, got %v and %v", *first, *b.FinishTime)
		}
	}
}

func TestMergedGroup(t *testing.T) {
	g := NewMergedGroup(RequestRef{ID: 4}, RequestRef{ID: 9}, RequestRef{ID: 2})
	if diff := cmp.Diff([]int64{4, 9, 2}, g.IDs()); diff != "" {
		t.Fatalf("ids mismatch (-want +got):\n%s", diff)
	}
	if !g.Merged() || g.Len() != 3 || g.Primary().ID != 4 {
		t.Fatalf("unexpected group: %+v", g)
	}
	if NewMergedGroup(RequestRef{ID: 1}).Merged() {
		t.Fatalf("single request group reported as merged")
	}
}
