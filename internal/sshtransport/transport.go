// Package sshtransport implements C1: opening an SSH session to a host,
// running a command with a timeout, streaming SFTP reads/writes (with an
// optional sudo-staged move), and a cheap liveness probe. It is the only
// package that imports golang.org/x/crypto/ssh and github.com/pkg/sftp
// directly; everything above it (the pool, the executors) talks to the
// *Session type.
package sshtransport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Config names the destination and auth material for one dial. Field
// names mirror the teacher's ssh executor config (User, IP, Port,
// Password) so a DSL layer's step config maps onto it directly.
type Config struct {
	User     string
	IP       string
	Port     string // kept as string: the teacher's executor config accepts either a numeric or ${ENV}-expanded port
	Password string

	IdentityFile string // explicit private key path; highest auth priority

	// AcceptUnknownHosts corresponds to spec.md §6's
	// silently_accept_hosts flag. False (the default) means an unknown
	// host key fails the dial.
	AcceptUnknownHosts bool

	ConnectTimeout time.Duration // default 10s
}

func (c Config) portString() string {
	if c.Port == "" {
		return "22"
	}
	return c.Port
}

func (c Config) address() string {
	return net.JoinHostPort(c.IP, c.portString())
}

func (c Config) connectTimeout() time.Duration {
	if c.ConnectTimeout <= 0 {
		return 10 * time.Second
	}
	return c.ConnectTimeout
}

// Session wraps one live SSH connection plus a lazily created SFTP
// client over the same connection.
type Session struct {
	client *ssh.Client
	sftp   *sftp.Client
}

// Dial opens an SSH connection per cfg, trying the auth priority chain
// from spec.md §6: explicit identity file, then password, then agent (if
// SSH_AUTH_SOCK is set), then the default keys in order id_ed25519,
// id_ecdsa, id_rsa, id_dsa.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	methods, err := authMethods(cfg)
	if err != nil {
		return nil, fmt.Errorf("ssh auth: %w", err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if !cfg.AcceptUnknownHosts {
		hostKeyCallback = rejectUnknownHostKey
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            methods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.connectTimeout(),
	}

	var d net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, cfg.connectTimeout())
	defer cancel()

	conn, err := d.DialContext(dialCtx, "tcp", cfg.address())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.address(), err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, cfg.address(), clientCfg)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", cfg.address(), err)
	}

	client := ssh.NewClient(sshConn, chans, reqs)
	return &Session{client: client}, nil
}

// rejectUnknownHostKey implements spec.md §6's default (silently_accept_hosts = false):
// with no known_hosts store owned by the core (parsing SSH config is an
// out-of-scope collaborator, per spec.md §1), every host key is
// "unknown" and the dial fails.
func rejectUnknownHostKey(hostname string, remote net.Addr, key ssh.PublicKey) error {
	return fmt.Errorf("host key verification failed for %s (silently_accept_hosts is false)", hostname)
}

func authMethods(cfg Config) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if cfg.IdentityFile != "" {
		m, err := identityAuthMethod(cfg.IdentityFile)
		if err != nil {
			return nil, err
		}
		methods = append(methods, m)
		return methods, nil
	}

	if cfg.Password != "" {
		return []ssh.AuthMethod{ssh.Password(cfg.Password)}, nil
	}

	if agentMethod, ok := agentAuthMethod(); ok {
		methods = append(methods, agentMethod)
		return methods, nil
	}

	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa", "id_dsa"} {
		path := filepath.Join(defaultSSHDir(), name)
		if m, err := identityAuthMethod(path); err == nil {
			methods = append(methods, m)
		}
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("no usable auth method (no identity, password, agent, or default key)")
	}
	return methods, nil
}

func defaultSSHDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh")
}

// identityAuthMethod loads a private key file, enforcing spec.md §6's
// permission requirement: anything looser than 0600 is rejected before
// the key is even parsed.
func identityAuthMethod(path string) (ssh.AuthMethod, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return nil, fmt.Errorf("identity file %s has overly permissive mode %#o (require 0600 or stricter)", path, perm)
	}
	keyBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", path, err)
	}
	return ssh.PublicKeys(signer), nil
}

// Close shuts down the SSH connection and any SFTP client built on top of it.
func (s *Session) Close() error {
	if s.sftp != nil {
		_ = s.sftp.Close()
	}
	return s.client.Close()
}

// RunResult is the outcome of a single Run call.
type RunResult struct {
	Output   string
	ExitCode int
}

// Run executes cmd over a fresh SSH channel, waiting at most timeout. A
// non-zero exit is reported via ExitCode, not err; err is reserved for
// transport-level failure (channel open failure, timeout, disconnect),
// matching spec.md §4.6's {ok, output, exit_code} vs {error, kind} split.
func (s *Session) Run(ctx context.Context, cmd string, timeout time.Duration) (RunResult, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return RunResult{}, fmt.Errorf("new session: %w", err)
	}
	defer func() { _ = sess.Close() }()

	var buf bytes.Buffer
	sess.Stdout = &buf
	sess.Stderr = &buf

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case err := <-done:
		if err == nil {
			return RunResult{Output: buf.String(), ExitCode: 0}, nil
		}
		var exitErr *ssh.ExitError
		if ok := asExitError(err, &exitErr); ok {
			return RunResult{Output: buf.String(), ExitCode: exitErr.ExitStatus()}, nil
		}
		return RunResult{}, fmt.Errorf("run: %w", err)
	case <-runCtx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		return RunResult{}, fmt.Errorf("run: %w", context.DeadlineExceeded)
	}
}

func asExitError(err error, target **ssh.ExitError) bool {
	if e, ok := err.(*ssh.ExitError); ok {
		*target = e
		return true
	}
	return false
}

// Probe is a cheap liveness check: a no-op remote command with a short
// timeout, used by the pool to validate a session before hand-out.
func (s *Session) Probe(ctx context.Context) error {
	res, err := s.Run(ctx, "true", 5*time.Second)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("liveness probe exited %d", res.ExitCode)
	}
	return nil
}

// sftpClient returns the lazily created SFTP client for this session.
func (s *Session) sftpClient() (*sftp.Client, error) {
	if s.sftp != nil {
		return s.sftp, nil
	}
	c, err := sftp.NewClient(s.client)
	if err != nil {
		return nil, fmt.Errorf("sftp client: %w", err)
	}
	s.sftp = c
	return c, nil
}

// WriteFile uploads data to remotePath via SFTP, creating any missing
// parent directories first, then chmod'ing to mode if non-nil.
func (s *Session) WriteFile(remotePath string, data []byte, mode *uint32) error {
	c, err := s.sftpClient()
	if err != nil {
		return err
	}
	if err := c.MkdirAll(filepath.ToSlash(filepath.Dir(remotePath))); err != nil {
		return fmt.Errorf("mkdir parents of %s: %w", remotePath, err)
	}
	f, err := c.Create(remotePath)
	if err != nil {
		return fmt.Errorf("sftp create %s: %w", remotePath, err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("sftp write %s: %w", remotePath, err)
	}
	if mode != nil {
		if err := c.Chmod(remotePath, os.FileMode(*mode)); err != nil {
			return fmt.Errorf("sftp chmod %s: %w", remotePath, err)
		}
	}
	return nil
}

// ReadFile downloads remotePath via SFTP into memory.
func (s *Session) ReadFile(remotePath string) ([]byte, error) {
	c, err := s.sftpClient()
	if err != nil {
		return nil, err
	}
	f, err := c.Open(remotePath)
	if err != nil {
		return nil, fmt.Errorf("sftp open %s: %w", remotePath, err)
	}
	defer func() { _ = f.Close() }()
	return io.ReadAll(f)
}

// RunSudoMove executes `sudo mv <src> <dst>` (and an optional `sudo
// chmod`), the second half of a sudo-staged upload per spec.md §4.6.
func (s *Session) RunSudoMove(ctx context.Context, src, dst string, mode *uint32, sudoUser string, timeout time.Duration) error {
	cmd := sudoPrefix(sudoUser) + "mv " + shellQuote(src) + " " + shellQuote(dst)
	res, err := s.Run(ctx, cmd, timeout)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("sudo mv failed (exit %d): %s", res.ExitCode, res.Output)
	}
	if mode != nil {
		chmodCmd := sudoPrefix(sudoUser) + "chmod " + strconv.FormatUint(uint64(*mode), 8) + " " + shellQuote(dst)
		res, err := s.Run(ctx, chmodCmd, timeout)
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("sudo chmod failed (exit %d): %s", res.ExitCode, res.Output)
		}
	}
	return nil
}

func sudoPrefix(sudoUser string) string {
	if sudoUser != "" {
		return "sudo -u " + shellQuote(sudoUser) + " -- "
	}
	return "sudo -- "
}

// shellQuote single-quotes s for embedding in a shell command line, using
// the standard '\'' escape for embedded single quotes (spec.md §4.6).
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
