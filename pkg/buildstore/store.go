package buildstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemStore keeps build requests and builds in memory. A single mutex makes
// every operation one transaction.
type MemStore struct {
	clock

	mu         sync.Mutex
	requests   map[int64]*BuildRequest
	builds     map[int64]*Build
	nextReqID  int64
	nextBuild  int64
	nextSSetID int64
}

func NewMemStore() *MemStore {
	return &MemStore{
		requests: make(map[int64]*BuildRequest),
		builds:   make(map[int64]*Build),
	}
}

func (s *MemStore) GetBuild(ctx context.Context, id int64) (Build, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.builds[id]
	if !ok {
		return Build{}, false, nil
	}
	return copyBuild(b), true, nil
}

func (s *MemStore) GetBuildsForRequest(ctx context.Context, requestID int64) ([]Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buildsFor(requestID), nil
}

func (s *MemStore) GetBuildsAndResultForRequest(ctx context.Context, requestID int64) ([]BuildWithResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[requestID]
	if !ok {
		return nil, nil
	}
	var out []BuildWithResult
	for _, b := range s.buildsFor(requestID) {
		out = append(out, BuildWithResult{Build: b, Results: req.Results})
	}
	return out, nil
}

func (s *MemStore) AddBuild(ctx context.Context, requestID int64, number int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkNewBuild(requestID, number, nil); err != nil {
		return 0, err
	}
	return s.insertBuild(requestID, number, s.now()), nil
}

func (s *MemStore) AddBuilds(ctx context.Context, requestIDs []int64, number int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate the whole batch first so a violation leaves nothing behind.
	seen := make(map[int64]bool, len(requestIDs))
	for _, id := range requestIDs {
		if err := s.checkNewBuild(id, number, seen); err != nil {
			return err
		}
		seen[id] = true
	}
	start := s.now()
	for _, id := range requestIDs {
		s.insertBuild(id, number, start)
	}
	return nil
}

func (s *MemStore) FinishBuilds(ctx context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	finished := s.now()
	for _, batch := range chunks(ids, MaxBatch) {
		for _, id := range batch {
			b, ok := s.builds[id]
			if !ok || b.FinishTime != nil {
				continue
			}
			t := finished
			b.FinishTime = &t
		}
	}
	return nil
}

func (s *MemStore) FinishedMergedBuilds(ctx context.Context, requestIDs []int64, number int) (int64, error) {
	if len(requestIDs) < 2 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var ref *Build
	for _, b := range s.buildsFor(requestIDs[0]) {
		if b.Number == number {
			ref = s.builds[b.ID]
			break
		}
	}
	if ref == nil || ref.FinishTime == nil {
		return 0, nil
	}

	members := make(map[int64]bool, len(requestIDs))
	for _, id := range requestIDs {
		members[id] = true
	}
	var updated int64
	for _, b := range s.builds {
		if !members[b.RequestID] || b.Number != number || b.FinishTime != nil {
			continue
		}
		t := *ref.FinishTime
		b.FinishTime = &t
		updated++
	}
	return updated, nil
}

func (s *MemStore) AddBuildRequest(ctx context.Context, req BuildRequest) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.TriggeredByBRID != nil {
		if _, ok := s.requests[*req.TriggeredByBRID]; !ok {
			return 0, fmt.Errorf("add build request: triggering request %d: %w", *req.TriggeredByBRID, ErrIntegrity)
		}
	}
	codebases := make(map[string]bool, len(req.SourceStamps))
	for _, ss := range req.SourceStamps {
		if codebases[ss.Codebase] {
			return 0, fmt.Errorf("add build request: duplicate codebase %q: %w", ss.Codebase, ErrIntegrity)
		}
		codebases[ss.Codebase] = true
	}

	s.nextReqID++
	s.nextSSetID++
	rec := req
	rec.ID = s.nextReqID
	if rec.SubmittedAt.IsZero() {
		rec.SubmittedAt = s.now()
	} else {
		rec.SubmittedAt = rec.SubmittedAt.UTC().Truncate(time.Second)
	}
	if !rec.Complete {
		rec.Results = NoResult
	}
	rec.SourceStamps = make([]SourceStamp, len(req.SourceStamps))
	for i, ss := range req.SourceStamps {
		if ss.SourceStampSetID == 0 {
			ss.SourceStampSetID = s.nextSSetID
		}
		rec.SourceStamps[i] = ss
	}
	s.requests[rec.ID] = &rec
	return rec.ID, nil
}

func (s *MemStore) GetBuildRequest(ctx context.Context, id int64) (BuildRequest, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return BuildRequest{}, false, nil
	}
	return copyRequest(req), true, nil
}

func (s *MemStore) CompleteBuildRequests(ctx context.Context, ids []int64, results Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		req, ok := s.requests[id]
		if !ok || req.Complete {
			continue
		}
		req.Complete = true
		req.Results = results
	}
	return nil
}

func (s *MemStore) GetBuildRequestBySourceStamps(ctx context.Context, builder string, stamps []SourceStamp) (BuildRequest, bool, error) {
	if len(stamps) == 0 {
		return BuildRequest{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int64, 0, len(s.requests))
	for id := range s.requests {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })

	for _, id := range ids {
		req := s.requests[id]
		if !reusable(req, builder) {
			continue
		}
		if StampsEqual(req.SourceStamps, stamps) {
			return copyRequest(req), true, nil
		}
	}
	return BuildRequest{}, false, nil
}

func (s *MemStore) GetBuildRequestTriggered(ctx context.Context, triggeringID int64, builder string) (BuildRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found *BuildRequest
	for _, req := range s.requests {
		if req.BuilderName != builder || req.TriggeredByBRID == nil || *req.TriggeredByBRID != triggeringID {
			continue
		}
		if found == nil || req.ID > found.ID {
			found = req
		}
	}
	if found == nil {
		return BuildRequest{}, fmt.Errorf("request triggered by %d for builder %q: %w", triggeringID, builder, ErrNotFound)
	}
	return copyRequest(found), nil
}

func (s *MemStore) ReusePreviousBuild(ctx context.Context, requestIDs []int64, sourceID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.requests[sourceID]
	if !ok {
		return 0, fmt.Errorf("reuse previous build %d: %w", sourceID, ErrIntegrity)
	}
	var updated int64
	for _, id := range requestIDs {
		req, ok := s.requests[id]
		if !ok || req.ArtifactBRID != nil || id == sourceID {
			continue
		}
		ptr := src.ID
		req.ArtifactBRID = &ptr
		req.Complete = true
		req.Results = Success
		updated++
	}
	return updated, nil
}

func (s *MemStore) UpdateMergedBuildRequest(ctx context.Context, group MergedGroup) (int64, error) {
	if !group.Merged() {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	primary := group.Primary().ID
	if _, ok := s.requests[primary]; !ok {
		return 0, fmt.Errorf("update merged build request %d: %w", primary, ErrIntegrity)
	}
	var updated int64
	for _, sib := range group.Siblings() {
		req, ok := s.requests[sib.ID]
		if !ok || req.ArtifactBRID != nil {
			continue
		}
		ptr := primary
		req.ArtifactBRID = &ptr
		updated++
	}
	return updated, nil
}

func (s *MemStore) checkNewBuild(requestID int64, number int, pending map[int64]bool) error {
	if _, ok := s.requests[requestID]; !ok {
		return fmt.Errorf("add build for request %d: unknown request: %w", requestID, ErrIntegrity)
	}
	if pending[requestID] {
		return fmt.Errorf("add build for request %d: duplicate number %d: %w", requestID, number, ErrIntegrity)
	}
	for _, b := range s.builds {
		if b.RequestID == requestID && b.Number == number {
			return fmt.Errorf("add build for request %d: duplicate number %d: %w", requestID, number, ErrIntegrity)
		}
	}
	return nil
}

func (s *MemStore) insertBuild(requestID int64, number int, start time.Time) int64 {
	s.nextBuild++
	s.builds[s.nextBuild] = &Build{
		ID:        s.nextBuild,
		RequestID: requestID,
		Number:    number,
		StartTime: start,
	}
	return s.nextBuild
}

func (s *MemStore) buildsFor(requestID int64) []Build {
	var out []Build
	for _, b := range s.builds {
		if b.RequestID == requestID {
			out = append(out, copyBuild(b))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Number != out[j].Number {
			return out[i].Number < out[j].Number
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// reusable reports whether req may serve as the source of a reused build.
func reusable(req *BuildRequest, builder string) bool {
	return req.BuilderName == builder && req.Complete && req.Results == Success && req.ArtifactBRID == nil
}

func copyBuild(b *Build) Build {
	out := *b
	if b.FinishTime != nil {
		t := *b.FinishTime
		out.FinishTime = &t
	}
	return out
}

func copyRequest(req *BuildRequest) BuildRequest {
	out := *req
	out.SourceStamps = append([]SourceStamp(nil), req.SourceStamps...)
	if req.ArtifactBRID != nil {
		v := *req.ArtifactBRID
		out.ArtifactBRID = &v
	}
	if req.TriggeredByBRID != nil {
		v := *req.TriggeredByBRID
		out.TriggeredByBRID = &v
	}
	return out
}
