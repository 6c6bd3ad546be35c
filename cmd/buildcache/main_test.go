package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vyvo/compute/buildcache/pkg/buildstore"
	"github.com/vyvo/compute/buildcache/pkg/config"
	"github.com/vyvo/compute/buildcache/pkg/metrics"
	"github.com/vyvo/compute/buildcache/pkg/process"
	"github.com/vyvo/compute/buildcache/pkg/queue"
	"github.com/vyvo/compute/buildcache/pkg/remote"
)

type fakeInfo struct {
	os.FileInfo
	size int64
}

func (f fakeInfo) Size() int64        { return f.size }
func (f fakeInfo) ModTime() time.Time { return time.Unix(0, 0) }

type fakeFiles map[string]string

func (f fakeFiles) Open(ctx context.Context, rel string) (io.ReadCloser, os.FileInfo, error) {
	if rel == "" {
		return nil, nil, remote.ErrOutsideRoot
	}
	body, ok := f[rel]
	if !ok {
		return nil, nil, os.ErrNotExist
	}
	return io.NopCloser(strings.NewReader(body)), fakeInfo{size: int64(len(body))}, nil
}

func (f fakeFiles) List(ctx context.Context, rel string) ([]string, error) {
	if rel == "" {
		return nil, remote.ErrOutsideRoot
	}
	seen := map[string]bool{}
	var names []string
	for key := range f {
		rest, ok := strings.CutPrefix(key, rel+"/")
		if !ok {
			continue
		}
		name := rest
		if i := strings.Index(rest, "/"); i >= 0 {
			name = rest[:i+1]
		}
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	if names == nil {
		return nil, os.ErrNotExist
	}
	sort.Strings(names)
	return names, nil
}

func newTestServer(t *testing.T, apiKey string) (*server, http.Handler) {
	t.Helper()
	s := &server{
		cfg:    config.OrchestratorConfig{APIKey: apiKey, ArtifactServerURL: "https://files"},
		store:  buildstore.NewMemStore(),
		files:  fakeFiles{"linux/1_x/app.tar": "payload"},
		logger: slog.Default(),
	}
	return s, s.routes(http.NotFoundHandler())
}

func TestGetRequest(t *testing.T) {
	s, h := newTestServer(t, "")
	ctx := context.Background()
	id, err := s.store.AddBuildRequest(ctx, buildstore.BuildRequest{
		BuilderName: "linux build",
		SubmittedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("add request: %v", err)
	}
	if _, err := s.store.AddBuild(ctx, id, 4); err != nil {
		t.Fatalf("add build: %v", err)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/requests/1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp requestResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Request.BuilderName != "linux build" || len(resp.Builds) != 1 || resp.Builds[0].Number != 4 {
		t.Fatalf("unexpected response %#v", resp)
	}
	if resp.Builds[0].Results != buildstore.NoResult {
		t.Fatalf("expected pending result, got %s", resp.Builds[0].Results)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/requests/1/artifact-path?builder=win+build&directory=bin", nil))
	var paths map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &paths); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := map[string]string{
		"path": "win_build/1_01_03_2024_12_00_00_+0000/bin",
		"url":  "https://files/win_build/1_01_03_2024_12_00_00_+0000/bin",
	}
	if diff := cmp.Diff(want, paths); diff != "" {
		t.Fatalf("unexpected artifact path (-want +got):\n%s", diff)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/requests/99", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestServeArtifact(t *testing.T) {
	_, h := newTestServer(t, "secret")

	req := httptest.NewRequest(http.MethodGet, "/artifacts/linux/1_x/app.tar", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rec.Code)
	}

	req.Header.Set("Authorization", "Key secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "payload" {
		t.Fatalf("expected payload, got %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Content-Length") != "7" {
		t.Fatalf("unexpected content length %q", rec.Header().Get("Content-Length"))
	}

	missing := httptest.NewRequest(http.MethodGet, "/artifacts/linux/nope", nil)
	missing.Header.Set("Authorization", "Key secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, missing)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	_, h := newTestServer(t, "secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected healthz to skip auth, got %d", rec.Code)
	}
}

func TestSplitServer(t *testing.T) {
	user, host := splitServer("ci@files.example.com", "buildbot")
	if user != "ci" || host != "files.example.com" {
		t.Fatalf("unexpected split %q %q", user, host)
	}
	user, host = splitServer("files", "buildbot")
	if user != "buildbot" || host != "files" {
		t.Fatalf("unexpected default split %q %q", user, host)
	}
}

func TestArtifactPathCommand(t *testing.T) {
	c := newArtifactPathCommand()
	var out bytes.Buffer
	c.SetOut(&out)
	c.SetArgs([]string{"win build", "42", "--submitted", "1501545599"})
	if err := c.Execute(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "win_build_42_31_07_2017_23_59_59_+0000" {
		t.Fatalf("unexpected path %q", got)
	}
}

func TestRetryCommandCommand(t *testing.T) {
	c := newRetryCommandCommand()
	var out bytes.Buffer
	c.SetOut(&out)
	c.SetArgs([]string{"--os", "windows-cmd", "rsync a b"})
	if err := c.Execute(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	want := "for /L %%i in (1,1,5) do (rsync a b && exit 0 & sleep 5) & exit 1"
	if got := strings.TrimSpace(out.String()); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestBuildStepsReusePreviousRequest(t *testing.T) {
	ctx := context.Background()
	store := buildstore.NewMemStore()
	stamps := []buildstore.SourceStamp{{Codebase: "app", Revision: "abc", Branch: "main"}}
	prev, _ := store.AddBuildRequest(ctx, buildstore.BuildRequest{BuilderName: "linux", SourceStamps: stamps, Complete: true, Results: buildstore.Success})
	if _, err := store.AddBuild(ctx, prev, 1); err != nil {
		t.Fatalf("add build: %v", err)
	}
	cur, _ := store.AddBuildRequest(ctx, buildstore.BuildRequest{BuilderName: "linux", SourceStamps: stamps})

	group, got, err := loadGroup(ctx, store, []int64{cur})
	if err != nil {
		t.Fatalf("load group: %v", err)
	}
	if diff := cmp.Diff(stamps, got, cmpopts.IgnoreFields(buildstore.SourceStamp{}, "SourceStampSetID")); diff != "" {
		t.Fatalf("unexpected stamps (-want +got):\n%s", diff)
	}

	opts := &runOptions{builder: "linux", worker: "local", command: "exit 1"}
	steps := buildSteps(config.OrchestratorConfig{StatusBaseURL: "https://ci"}, opts, store, nil, nil)
	b := process.NewBuild(process.BuildOptions{
		Number:       2,
		Group:        group,
		SourceStamps: got,
		Builder:      process.NewBuilder("linux", "Linux"),
		Worker:       process.NewWorker("local", remote.POSIX, remote.ExecRunner{}),
		Properties:   process.NewProperties(),
		Store:        store,
	})
	result, err := b.Run(ctx, steps)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result != buildstore.Success {
		t.Fatalf("expected reused build to succeed, got %s", result)
	}
	var names []string
	var results []buildstore.Result
	for _, st := range b.Steps() {
		names = append(names, st.Name)
		results = append(results, st.Result)
	}
	if diff := cmp.Diff([]string{"Acquire Build Worker", "Find Previous Successful Build", "Build", "Release Builder Locks"}, names); diff != "" {
		t.Fatalf("unexpected steps (-want +got):\n%s", diff)
	}
	if results[2] != buildstore.Skipped {
		t.Fatalf("expected build command to be skipped, got %s", results[2])
	}
	req, _, _ := store.GetBuildRequest(ctx, cur)
	if req.ArtifactBRID == nil || *req.ArtifactBRID != prev {
		t.Fatalf("expected artifact pointer to %d, got %v", prev, req.ArtifactBRID)
	}
}

func TestLoadGroupUnknownRequest(t *testing.T) {
	_, _, err := loadGroup(context.Background(), buildstore.NewMemStore(), []int64{5})
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestFetchArtifactCommand(t *testing.T) {
	s, h := newTestServer(t, "secret")
	ctx := context.Background()
	if _, err := s.store.AddBuildRequest(ctx, buildstore.BuildRequest{
		BuilderName: "linux",
		SubmittedAt: time.Unix(1501545599, 0),
	}); err != nil {
		t.Fatalf("add request: %v", err)
	}
	s.files = fakeFiles{"linux_1_31_07_2017_23_59_59_+0000/app.tar": "old layout"}
	srv := httptest.NewServer(h)
	defer srv.Close()

	c := newFetchArtifactCommand()
	var out bytes.Buffer
	c.SetOut(&out)
	c.SetArgs([]string{"1", "app.tar", "--server", srv.URL, "--api-key", "secret"})
	if err := c.ExecuteContext(ctx); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out.String() != "old layout" {
		t.Fatalf("expected artifact body, got %q", out.String())
	}
}

func TestListArtifacts(t *testing.T) {
	s, h := newTestServer(t, "")
	ctx := context.Background()
	if _, err := s.store.AddBuildRequest(ctx, buildstore.BuildRequest{
		BuilderName: "linux",
		SubmittedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}); err != nil {
		t.Fatalf("add request: %v", err)
	}
	dir := "linux/1_01_03_2024_12_00_00_+0000"
	s.files = fakeFiles{dir + "/app.tar": "a", dir + "/docs/index.html": "b"}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/requests/1/artifacts", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var got listResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(listResponse{Path: dir, Names: []string{"app.tar", "docs/"}}, got); diff != "" {
		t.Fatalf("unexpected listing (-want +got):\n%s", diff)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/requests/1/artifacts?directory=missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a missing directory, got %d", rec.Code)
	}

	srv := httptest.NewServer(h)
	defer srv.Close()
	c := newFetchArtifactCommand()
	var out bytes.Buffer
	c.SetOut(&out)
	c.SetArgs([]string{"1", "--server", srv.URL})
	if err := c.ExecuteContext(ctx); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out.String() != "app.tar\ndocs/\n" {
		t.Fatalf("unexpected listing output %q", out.String())
	}
}

func TestConsumeWakeupsPublishesBacklog(t *testing.T) {
	registry := prometheus.NewRegistry()
	recorder, err := metrics.NewRecorder(registry)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	q := queue.NewMemQueue(4)
	for _, w := range []string{"w1", "w2"} {
		if err := q.Signal(context.Background(), w); err != nil {
			t.Fatalf("signal: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := consumeWakeups(ctx, q, recorder, slog.Default()); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
	if n, _ := q.Len(context.Background()); n != 0 {
		t.Fatalf("expected drained queue, got %d", n)
	}

	rec := httptest.NewRecorder()
	promhttp.HandlerFor(registry, promhttp.HandlerOpts{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "buildcache_wakeup_backlog 0") {
		t.Fatalf("expected backlog gauge at 0:\n%s", rec.Body.String())
	}
}
