package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/vyvo/compute/buildcache/pkg/artifact"
	"github.com/vyvo/compute/buildcache/pkg/buildstore"
	"github.com/vyvo/compute/buildcache/pkg/config"
	"github.com/vyvo/compute/buildcache/pkg/metrics"
	"github.com/vyvo/compute/buildcache/pkg/process"
	"github.com/vyvo/compute/buildcache/pkg/remote"
)

type artifactFiles interface {
	Open(ctx context.Context, rel string) (io.ReadCloser, os.FileInfo, error)
	List(ctx context.Context, rel string) ([]string, error)
}

type server struct {
	cfg     config.OrchestratorConfig
	store   buildstore.Repository
	files   artifactFiles
	metrics *metrics.Recorder
	logger  *slog.Logger
}

type requestResponse struct {
	Request buildstore.BuildRequest      `json:"request"`
	Builds  []buildstore.BuildWithResult `json:"builds"`
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, ok := s.loadRequest(w, r)
	if !ok {
		return
	}
	builds, err := s.store.GetBuildsAndResultForRequest(r.Context(), req.ID)
	if err != nil {
		s.logger.Error("load builds", "brid", req.ID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load builds")
		return
	}
	if builds == nil {
		builds = []buildstore.BuildWithResult{}
	}
	respondJSON(w, requestResponse{Request: req, Builds: builds}, http.StatusOK)
}

// handleArtifactPath reports where artifacts of a request live.
func (s *server) handleArtifactPath(w http.ResponseWriter, r *http.Request) {
	req, ok := s.loadRequest(w, r)
	if !ok {
		return
	}
	path := artifactPath(r, req)

	resp := map[string]string{"path": path}
	if s.cfg.ArtifactServerURL != "" {
		resp["url"] = s.cfg.ArtifactServerURL + "/" + path
	}
	respondJSON(w, resp, http.StatusOK)
}

type listResponse struct {
	Path  string   `json:"path"`
	Names []string `json:"names"`
}

// handleListArtifacts lists the artifact directory of a request. Directory
// names carry a trailing slash.
func (s *server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	if s.files == nil {
		respondError(w, http.StatusServiceUnavailable, "artifact server not configured")
		return
	}
	req, ok := s.loadRequest(w, r)
	if !ok {
		return
	}
	path := artifactPath(r, req)
	names, err := s.files.List(r.Context(), path)
	if !s.checkFileError(w, path, err) {
		return
	}
	if names == nil {
		names = []string{}
	}
	respondJSON(w, listResponse{Path: path, Names: names}, http.StatusOK)
}

func (s *server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	if s.files == nil {
		respondError(w, http.StatusServiceUnavailable, "artifact server not configured")
		return
	}
	rel := chi.URLParam(r, "*")
	body, info, err := s.files.Open(r.Context(), rel)
	if !s.checkFileError(w, rel, err) {
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.Header().Set("Last-Modified", info.ModTime().UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		s.logger.Error("stream artifact", "path", rel, "error", err)
		s.metrics.Transfer("serve", "failure")
		return
	}
	s.metrics.Transfer("serve", "success")
}

// checkFileError writes the response for a failed artifact server call and
// reports whether err was nil.
func (s *server) checkFileError(w http.ResponseWriter, rel string, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, remote.ErrOutsideRoot):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, os.ErrNotExist):
		respondError(w, http.StatusNotFound, "artifact not found")
	default:
		s.logger.Error("artifact server", "path", rel, "error", err)
		respondError(w, http.StatusBadGateway, "artifact server unavailable")
	}
	return false
}

// artifactPath derives the artifact path of req. The builder query parameter
// overrides the request's own builder, as a downloading build does for its
// producer.
func artifactPath(r *http.Request, req buildstore.BuildRequest) string {
	builder := req.BuilderName
	if override := r.URL.Query().Get("builder"); override != "" {
		builder = override
	}
	return artifact.Location(process.SafeTranslate(builder), req.Ref(), r.URL.Query().Get("directory"))
}

func (s *server) loadRequest(w http.ResponseWriter, r *http.Request) (buildstore.BuildRequest, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request id")
		return buildstore.BuildRequest{}, false
	}
	req, ok, err := s.store.GetBuildRequest(r.Context(), id)
	if err != nil {
		s.logger.Error("load build request", "brid", id, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load build request")
		return buildstore.BuildRequest{}, false
	}
	if !ok {
		respondError(w, http.StatusNotFound, "build request not found")
		return buildstore.BuildRequest{}, false
	}
	return req, true
}

func respondJSON(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, map[string]string{"error": message}, status)
}
