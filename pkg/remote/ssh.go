package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// Logger is satisfied by *slog.Logger.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// SSHConfig describes how to reach a worker or artifact server.
type SSHConfig struct {
	Host       string
	Port       int
	User       string
	Password   string
	PrivateKey string
	KeyPath    string
	Timeout    time.Duration
}

func (c SSHConfig) addr() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// SSHRunner runs commands on a worker over a single shared SSH connection,
// one session per command. The connection is dialed on first use and redialed
// after it breaks.
type SSHRunner struct {
	cfg    SSHConfig
	logger Logger

	mu     sync.Mutex
	client *ssh.Client
}

func NewSSHRunner(cfg SSHConfig, logger Logger) *SSHRunner {
	return &SSHRunner{cfg: cfg, logger: logger}
}

func (r *SSHRunner) Run(ctx context.Context, cmd Command) (Output, error) {
	if cmd.empty() {
		return Output{}, ErrEmptyCommand
	}
	client, err := r.dial(ctx)
	if err != nil {
		return Output{}, err
	}

	script := cmd.Shell
	if len(cmd.Argv) > 0 {
		script = QuoteArgv(cmd.Argv)
	}
	out, err := runSession(ctx, client, script)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		r.reset(client)
	}
	return out, err
}

// Client returns the underlying connection, dialing it if needed.
func (r *SSHRunner) Client(ctx context.Context) (*ssh.Client, error) {
	return r.dial(ctx)
}

func (r *SSHRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}

func (r *SSHRunner) dial(ctx context.Context) (*ssh.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		return r.client, nil
	}

	auth, err := authMethods(r.cfg)
	if err != nil {
		return nil, err
	}
	timeout := r.cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	config := &ssh.ClientConfig{
		User:            r.cfg.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", r.cfg.addr())
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", r.cfg.addr(), err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, r.cfg.addr(), config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", r.cfg.addr(), err)
	}
	r.client = ssh.NewClient(c, chans, reqs)
	if r.logger != nil {
		r.logger.Info("ssh connected", "addr", r.cfg.addr(), "user", r.cfg.User)
	}
	return r.client, nil
}

func (r *SSHRunner) reset(broken *ssh.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == broken {
		_ = r.client.Close()
		r.client = nil
	}
}

func runSession(ctx context.Context, client *ssh.Client, script string) (Output, error) {
	sess, err := client.NewSession()
	if err != nil {
		return Output{}, fmt.Errorf("new ssh session: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- sess.Run(script)
	}()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		return Output{Lines: splitLines(stdout.Bytes()), Stderr: splitLines(stderr.Bytes())}, ctx.Err()
	case err := <-done:
		out := Output{Lines: splitLines(stdout.Bytes()), Stderr: splitLines(stderr.Bytes())}
		if err == nil {
			return out, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitStatus()
			return out, nil
		}
		return out, fmt.Errorf("ssh run: %w", err)
	}
}

// QuoteArgv joins argv into a POSIX shell command line, single-quoting every
// argument that needs it.
func QuoteArgv(argv []string) string {
	quoted := make([]string, len(argv))
	for i, arg := range argv {
		quoted[i] = quoteArg(arg)
	}
	return strings.Join(quoted, " ")
}

func quoteArg(arg string) string {
	if arg == "" {
		return "''"
	}
	if !strings.ContainsAny(arg, " \t\n'\"\\$`;&|<>()*?[]{}~#!") {
		return arg
	}
	return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
}

func authMethods(cfg SSHConfig) ([]ssh.AuthMethod, error) {
	methods := make([]ssh.AuthMethod, 0, 2)
	if key := strings.TrimSpace(cfg.PrivateKey); key != "" {
		signer, err := ssh.ParsePrivateKey([]byte(key))
		if err != nil {
			return nil, fmt.Errorf("parse ssh private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if path := strings.TrimSpace(cfg.KeyPath); path != "" {
		signer, err := readSigner(expandHome(path))
		if err != nil {
			return nil, fmt.Errorf("read ssh key %s: %w", path, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if password := strings.TrimSpace(cfg.Password); password != "" {
		methods = append(methods, ssh.Password(password))
	}
	if len(methods) > 0 {
		return methods, nil
	}

	signer, err := defaultPrivateKeySigner()
	if err != nil {
		return nil, fmt.Errorf("no authentication method provided: %w", err)
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}

func readSigner(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(data)
}

func defaultPrivateKeySigner() (ssh.Signer, error) {
	if path := strings.TrimSpace(os.Getenv("BUILDCACHE_DEFAULT_SSH_KEY")); path != "" {
		return readSigner(expandHome(path))
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		signer, err := readSigner(filepath.Join(home, ".ssh", name))
		if err != nil {
			continue
		}
		return signer, nil
	}
	return nil, fmt.Errorf("no default private key found")
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
