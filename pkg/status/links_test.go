package status

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/vyvo/compute/buildcache/pkg/buildstore"
)

func TestLinksGetURLForBuildRequest(t *testing.T) {
	l := Links{BaseURL: "https://ci.example.com/"}
	got, err := l.GetURLForBuildRequest(context.Background(), 12, "linux build", 3, "Linux", []buildstore.SourceStamp{
		{Codebase: "tools", Revision: "b", Branch: "release"},
		{Codebase: "app", Revision: "a", Branch: "main"},
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	want := URL{
		Text: "Linux #3",
		Path: "https://ci.example.com/builders/linux%20build/builds/3?app_branch=main&brid=12&tools_branch=release",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected url (-want +got):\n%s", diff)
	}
}

func TestLinksDefaultsFriendlyName(t *testing.T) {
	got, err := Links{}.GetURLForBuildRequest(context.Background(), 1, "win", 9, "", nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got.Text != "win #9" || got.Path != "/builders/win/builds/9?brid=1" {
		t.Fatalf("unexpected url %#v", got)
	}
	if _, err := (Links{}).GetURLForBuildRequest(context.Background(), 1, "", 9, "", nil); err == nil {
		t.Fatalf("expected error for empty builder")
	}
}
