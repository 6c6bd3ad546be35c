package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/pkg/sftp"
)

// ErrOutsideRoot is returned for paths that escape the served directory.
var ErrOutsideRoot = errors.New("path outside artifact root")

// SFTPFiles gives read access to the artifact server directory over SFTP,
// sharing the SSH connection of an SSHRunner.
type SFTPFiles struct {
	runner *SSHRunner
	root   string

	mu     sync.Mutex
	client *sftp.Client
}

func NewSFTPFiles(runner *SSHRunner, root string) *SFTPFiles {
	return &SFTPFiles{runner: runner, root: strings.TrimRight(root, "/")}
}

// Open returns a reader for the artifact at rel under the root and its size.
func (f *SFTPFiles) Open(ctx context.Context, rel string) (io.ReadCloser, os.FileInfo, error) {
	full, err := f.resolve(rel)
	if err != nil {
		return nil, nil, err
	}
	client, err := f.sftp(ctx)
	if err != nil {
		return nil, nil, err
	}
	info, err := client.Stat(full)
	if err != nil {
		f.drop(client, err)
		return nil, nil, fmt.Errorf("stat %s: %w", full, err)
	}
	if info.IsDir() {
		return nil, info, fmt.Errorf("stat %s: %w", full, os.ErrNotExist)
	}
	file, err := client.Open(full)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", full, err)
	}
	return file, info, nil
}

// List returns the names in the directory rel under the root.
func (f *SFTPFiles) List(ctx context.Context, rel string) ([]string, error) {
	full, err := f.resolve(rel)
	if err != nil {
		return nil, err
	}
	client, err := f.sftp(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := client.ReadDir(full)
	if err != nil {
		f.drop(client, err)
		return nil, fmt.Errorf("read dir %s: %w", full, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	return names, nil
}

func (f *SFTPFiles) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client == nil {
		return nil
	}
	err := f.client.Close()
	f.client = nil
	return err
}

func (f *SFTPFiles) resolve(rel string) (string, error) {
	cleaned := path.Clean("/" + rel)
	if cleaned == "/" {
		return "", ErrOutsideRoot
	}
	return f.root + cleaned, nil
}

func (f *SFTPFiles) sftp(ctx context.Context) (*sftp.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client != nil {
		return f.client, nil
	}
	conn, err := f.runner.Client(ctx)
	if err != nil {
		return nil, err
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		return nil, fmt.Errorf("sftp client: %w", err)
	}
	f.client = client
	return client, nil
}

// drop discards the cached client when the error looks like a dead connection.
func (f *SFTPFiles) drop(client *sftp.Client, err error) {
	if os.IsNotExist(err) || os.IsPermission(err) {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client == client {
		_ = f.client.Close()
		f.client = nil
	}
}
