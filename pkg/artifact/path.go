package artifact

import (
	"fmt"
	"time"

	"github.com/vyvo/compute/buildcache/pkg/buildstore"
)

// Cutover is the instant artifact paths switched from a flat
// "{builddir}_{id}_{time}" name to a per-builder directory.
var Cutover = time.Unix(1501545599, 0).UTC()

const timestampLayout = "02_01_2006_15_04_05_-0700"

// FormatTimestamp renders a submission time as used in artifact paths.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// Location derives the artifact path of a request relative to the server
// directory. Producer and consumer must call it with the same request.
func Location(builddir string, ref buildstore.RequestRef, directory string) string {
	var path string
	if ref.SubmittedAt.After(Cutover) {
		path = fmt.Sprintf("%s/%d_%s", builddir, ref.ID, FormatTimestamp(ref.SubmittedAt))
	} else {
		path = fmt.Sprintf("%s_%d_%s", builddir, ref.ID, FormatTimestamp(ref.SubmittedAt))
	}
	if directory != "" {
		path += "/" + directory
	}
	return path
}
