package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/nexus-run/nexus/internal/sshtransport"
)

// LocalTransport implements Transport against the local machine (the
// ":local" target), running commands through /bin/sh and file ops
// through the regular filesystem. It has no notion of a session to
// pool; runner constructs one per local step.
type LocalTransport struct{}

func (LocalTransport) Run(ctx context.Context, cmd string, timeout time.Duration) (sshtransport.RunResult, error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	c := exec.CommandContext(runCtx, "/bin/sh", "-c", cmd)
	var buf bytes.Buffer
	c.Stdout = &buf
	c.Stderr = &buf

	err := c.Run()
	if err == nil {
		return sshtransport.RunResult{Output: buf.String(), ExitCode: 0}, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return sshtransport.RunResult{Output: buf.String(), ExitCode: exitErr.ExitCode()}, nil
	}
	return sshtransport.RunResult{}, fmt.Errorf("local run: %w", err)
}

func (LocalTransport) WriteFile(path string, data []byte, mode *uint32) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir parents of %s: %w", path, err)
	}
	perm := os.FileMode(0o644)
	if mode != nil {
		perm = os.FileMode(*mode)
	}
	return os.WriteFile(path, data, perm)
}

func (LocalTransport) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (l LocalTransport) RunSudoMove(ctx context.Context, src, dst string, mode *uint32, sudoUser string, timeout time.Duration) error {
	cmd := sudoPrefixLocal(sudoUser) + "mv " + shellQuote(src) + " " + shellQuote(dst)
	res, err := l.Run(ctx, cmd, timeout)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("sudo mv failed (exit %d): %s", res.ExitCode, res.Output)
	}
	if mode == nil {
		return nil
	}
	chmodCmd := sudoPrefixLocal(sudoUser) + fmt.Sprintf("chmod %o %s", *mode, shellQuote(dst))
	res, err = l.Run(ctx, chmodCmd, timeout)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("sudo chmod failed (exit %d): %s", res.ExitCode, res.Output)
	}
	return nil
}

func sudoPrefixLocal(sudoUser string) string {
	if sudoUser != "" {
		return "sudo -u " + shellQuote(sudoUser) + " -- "
	}
	return "sudo -- "
}

var _ Transport = LocalTransport{}
