package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/vyvo/compute/buildcache/pkg/buildstore"
)

// ErrNotFound is returned when the server reports a missing request or artifact.
var ErrNotFound = errors.New("resource not found")

// Client talks to a buildcache server over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a client for the server at baseURL. An empty apiKey
// sends no Authorization header.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// RequestDetails is a build request together with its builds.
type RequestDetails struct {
	Request buildstore.BuildRequest      `json:"request"`
	Builds  []buildstore.BuildWithResult `json:"builds"`
}

// GetRequest fetches a build request and its builds.
func (c *Client) GetRequest(ctx context.Context, id int64) (RequestDetails, error) {
	var out RequestDetails
	if err := c.getJSON(ctx, "/v1/requests/"+strconv.FormatInt(id, 10), &out); err != nil {
		return RequestDetails{}, fmt.Errorf("get request %d: %w", id, err)
	}
	return out, nil
}

// ArtifactPath is where the artifacts of a request live on the artifact server.
type ArtifactPath struct {
	Path string `json:"path"`
	URL  string `json:"url,omitempty"`
}

// GetArtifactPath asks the server for the artifact path of request id.
// A non-empty builder names the producing builder, as for downloads.
func (c *Client) GetArtifactPath(ctx context.Context, id int64, builder, directory string) (ArtifactPath, error) {
	var out ArtifactPath
	if err := c.getJSON(ctx, requestEndpoint(id, "/artifact-path", builder, directory), &out); err != nil {
		return ArtifactPath{}, fmt.Errorf("get artifact path %d: %w", id, err)
	}
	return out, nil
}

// ArtifactListing names the entries of a request's artifact directory.
// Directories end in a slash.
type ArtifactListing struct {
	Path  string   `json:"path"`
	Names []string `json:"names"`
}

// ListArtifacts lists the artifact directory of request id on the server.
func (c *Client) ListArtifacts(ctx context.Context, id int64, builder, directory string) (ArtifactListing, error) {
	var out ArtifactListing
	if err := c.getJSON(ctx, requestEndpoint(id, "/artifacts", builder, directory), &out); err != nil {
		return ArtifactListing{}, fmt.Errorf("list artifacts %d: %w", id, err)
	}
	return out, nil
}

// FetchArtifact streams the artifact at rel, relative to the server
// directory, into w and returns the number of bytes copied.
func (c *Client) FetchArtifact(ctx context.Context, rel string, w io.Writer) (int64, error) {
	resp, err := c.do(ctx, "/artifacts/"+strings.TrimPrefix(rel, "/"))
	if err != nil {
		return 0, fmt.Errorf("fetch artifact %s: %w", rel, err)
	}
	defer resp.Body.Close()

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("fetch artifact %s: %w", rel, err)
	}
	return n, nil
}

func requestEndpoint(id int64, suffix, builder, directory string) string {
	q := url.Values{}
	if builder != "" {
		q.Set("builder", builder)
	}
	if directory != "" {
		q.Set("directory", directory)
	}
	endpoint := "/v1/requests/" + strconv.FormatInt(id, 10) + suffix
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	return endpoint
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	resp, err := c.do(ctx, endpoint)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// do issues a GET and returns the response when the status is 200.
func (c *Client) do(ctx context.Context, endpoint string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Key "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return resp, nil
}
