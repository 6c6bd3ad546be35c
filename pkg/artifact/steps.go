package artifact

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vyvo/compute/buildcache/pkg/buildstore"
	"github.com/vyvo/compute/buildcache/pkg/metrics"
	"github.com/vyvo/compute/buildcache/pkg/process"
	"github.com/vyvo/compute/buildcache/pkg/remote"
)

// ErrTransferFailed is returned when every attempt of a transfer failed.
var ErrTransferFailed = errors.New("remote transfer failed")

// PropServerPath holds the URL of the build's artifact directory.
const PropServerPath = "artifactServerPath"

// Server locates the remote artifact store.
type Server struct {
	// Host is the rsync/ssh destination, usually user@host.
	Host string
	Dir  string
	URL  string
	Port string
}

func (s Server) url(path, name string) string {
	u := strings.TrimRight(s.URL, "/") + "/" + path
	if name != "" {
		u += "/" + name
	}
	return u
}

// UploadArtifact pushes a file or directory from the worker to the artifact
// server under the path of the group's primary request.
type UploadArtifact struct {
	Artifact  string
	Directory string
	Server    Server
	Retry     RetryPolicy
	Store     buildstore.BuildRequests
	Metrics   *metrics.Recorder
}

func (u *UploadArtifact) Name() string { return "Upload Artifact(s)" }

func (u *UploadArtifact) Run(ctx context.Context, b *process.Build, st *process.StepStatus) (buildstore.Result, error) {
	if b.Group.Merged() {
		if _, err := u.Store.UpdateMergedBuildRequest(ctx, b.Group); err != nil {
			return buildstore.Exception, fmt.Errorf("update merged build request: %w", err)
		}
	}

	path := Location(b.Builder.BuildDir, b.Group.Primary(), "")
	if _, ok := b.Properties.Get(PropServerPath); !ok {
		b.Properties.Set(PropServerPath, u.Server.url(path, ""), "UploadArtifact")
	}
	if u.Directory != "" {
		path += "/" + u.Directory
	}

	dest := RemoteLocation(u.Server.Host, u.Server.Dir, path, u.Artifact)
	cmd := orDefault(u.Retry).Wrap(b.Worker.Family, Rsync(u.Artifact, dest, u.Server.Port))
	st.SetText("Uploading artifact(s) to remote artifact server...")

	ok, err := transfer(ctx, b.Worker, cmd, st)
	if err != nil {
		u.Metrics.Transfer("upload", "exception")
		return buildstore.Exception, err
	}
	if !ok {
		u.Metrics.Transfer("upload", "failure")
		st.SetText("Upload of " + u.Artifact + " failed.")
		return buildstore.Failure, fmt.Errorf("upload %s: %w", u.Artifact, ErrTransferFailed)
	}

	u.Metrics.Transfer("upload", "success")
	st.AddURL(u.Artifact, u.Server.url(path, u.Artifact))
	st.SetText("Artifact(s) uploaded.")
	return buildstore.Success, nil
}

func orDefault(p RetryPolicy) RetryPolicy {
	if p == (RetryPolicy{}) {
		return DefaultRetry
	}
	return p
}

// DownloadArtifact pulls an artifact produced by the build that this build's
// originating request triggered on ArtifactBuilder.
type DownloadArtifact struct {
	ArtifactBuilder string
	Artifact        string
	Directory       string
	Destination     string
	Server          Server
	Retry           RetryPolicy
	Store           buildstore.BuildRequests
	Metrics         *metrics.Recorder
}

func (d *DownloadArtifact) Name() string {
	return fmt.Sprintf("Download Artifact for '%s'", d.ArtifactBuilder)
}

func (d *DownloadArtifact) Run(ctx context.Context, b *process.Build, st *process.StepStatus) (buildstore.Result, error) {
	producer, err := d.Store.GetBuildRequestTriggered(ctx, b.Group.Primary().ID, d.ArtifactBuilder)
	if err != nil {
		st.SetText("No build of " + d.ArtifactBuilder + " was triggered by this request.")
		return buildstore.Failure, fmt.Errorf("find artifact producer: %w", err)
	}

	path := Location(process.SafeTranslate(d.ArtifactBuilder), producer.Ref(), d.Directory)
	origin := RemoteLocation(d.Server.Host, d.Server.Dir, path, d.Artifact)
	dest := d.Destination
	if dest == "" {
		dest = d.Artifact
	}

	cmd := orDefault(d.Retry).Wrap(b.Worker.Family, Rsync(origin, dest, d.Server.Port))
	st.SetText(fmt.Sprintf("Downloading artifact '%s'...", d.ArtifactBuilder))

	ok, err := transfer(ctx, b.Worker, cmd, st)
	if err != nil {
		d.Metrics.Transfer("download", "exception")
		return buildstore.Exception, err
	}
	if !ok {
		d.Metrics.Transfer("download", "failure")
		st.SetText("Download of " + d.Artifact + " failed.")
		return buildstore.Failure, fmt.Errorf("download %s: %w", d.Artifact, ErrTransferFailed)
	}
	d.Metrics.Transfer("download", "success")
	st.SetText(fmt.Sprintf("Downloaded '%s'.", d.ArtifactBuilder))
	return buildstore.Success, nil
}

// CreateArtifactDirectory creates the upload path on the artifact server.
// It runs once, without the retry loop.
type CreateArtifactDirectory struct {
	Directory string
	Server    Server
}

func (c *CreateArtifactDirectory) Name() string { return "Create Remote Artifact Directory" }

func (c *CreateArtifactDirectory) Run(ctx context.Context, b *process.Build, st *process.StepStatus) (buildstore.Result, error) {
	path := Location(b.Builder.BuildDir, b.Group.Primary(), c.Directory)
	cmd := MkdirCommand(c.Server.Host, c.Server.Port, c.Server.Dir, path)

	out, err := b.Worker.Runner.Run(ctx, cmd)
	st.AddLog("stdio", cmd.String()+"\n"+out.Text())
	if err != nil {
		return buildstore.Exception, fmt.Errorf("create artifact directory: %w", err)
	}
	if !out.OK() {
		st.SetText("Could not create remote artifact directory.")
		return buildstore.Failure, fmt.Errorf("create artifact directory %s: exit status %d", path, out.ExitCode)
	}
	st.SetText("Remote artifact directory created.")
	return buildstore.Success, nil
}

// transfer runs a wrapped rsync on the worker and keeps the command and its
// output as the step log.
func transfer(ctx context.Context, w *process.Worker, cmd string, st *process.StepStatus) (bool, error) {
	out, err := w.Runner.Run(ctx, remote.ShellCommand(cmd))
	st.AddLog("stdio", cmd+"\n"+out.Text())
	if err != nil {
		return false, fmt.Errorf("run transfer: %w", err)
	}
	return out.OK(), nil
}
