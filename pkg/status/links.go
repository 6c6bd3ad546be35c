package status

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/vyvo/compute/buildcache/pkg/buildstore"
)

// URL is a link to a build page as shown on a step.
type URL struct {
	Text string `json:"text"`
	Path string `json:"path"`
}

// URLRegistry resolves the status page of a build of some request.
type URLRegistry interface {
	GetURLForBuildRequest(ctx context.Context, requestID int64, builder string, number int, friendlyName string, stamps []buildstore.SourceStamp) (URL, error)
}

// Links builds status page URLs below BaseURL.
type Links struct {
	BaseURL string
}

var _ URLRegistry = Links{}

func (l Links) GetURLForBuildRequest(ctx context.Context, requestID int64, builder string, number int, friendlyName string, stamps []buildstore.SourceStamp) (URL, error) {
	if builder == "" {
		return URL{}, fmt.Errorf("url for build request %d: empty builder name", requestID)
	}
	if friendlyName == "" {
		friendlyName = builder
	}

	q := url.Values{}
	q.Set("brid", fmt.Sprint(requestID))
	ordered := append([]buildstore.SourceStamp(nil), stamps...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Codebase < ordered[j].Codebase })
	for _, ss := range ordered {
		if ss.Branch == "" {
			continue
		}
		q.Set(ss.Codebase+"_branch", ss.Branch)
	}

	path := fmt.Sprintf("%s/builders/%s/builds/%d", strings.TrimRight(l.BaseURL, "/"), url.PathEscape(builder), number)
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}
	return URL{Text: fmt.Sprintf("%s #%d", friendlyName, number), Path: path}, nil
}
