package executor

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nexus-run/nexus/internal/core"
)

const transferTimeout = 2 * time.Minute

// randomTempPath returns a path under /tmp named per spec.md §4.6's
// sudo-staged upload scheme: 16 cryptographically random bytes, hex
// encoded.
func randomTempPath() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate staging path: %w", err)
	}
	return "/tmp/nexus_transfer_" + hex.EncodeToString(buf), nil
}

func runUpload(ctx context.Context, t Transport, s core.UploadStep) Result {
	data, err := os.ReadFile(s.LocalPath)
	if err != nil {
		return Result{Status: StatusError, Message: err.Error()}
	}
	if err := upload(ctx, t, data, s.RemotePath, s.Sudo, s.Mode); err != nil {
		return Result{Status: StatusError, Message: err.Error()}
	}
	return Result{Status: StatusOK, Attempts: 1}
}

// upload writes data to remotePath, directly or via the sudo-staged
// write-then-move-then-chmod dance from spec.md §4.6. On any failure
// after staging, it best-effort removes the temp file.
func upload(ctx context.Context, t Transport, data []byte, remotePath string, sudo bool, mode *uint32) error {
	if !sudo {
		return t.WriteFile(remotePath, data, mode)
	}

	stagingPath, err := randomTempPath()
	if err != nil {
		return err
	}
	if err := t.WriteFile(stagingPath, data, nil); err != nil {
		return fmt.Errorf("stage upload: %w", err)
	}
	if err := t.RunSudoMove(ctx, stagingPath, remotePath, mode, "", transferTimeout); err != nil {
		cleanupStaged(ctx, t, stagingPath)
		return err
	}
	return nil
}

func cleanupStaged(ctx context.Context, t Transport, path string) {
	_, _ = t.Run(ctx, "rm -f "+shellQuote(path), 10*time.Second)
}

func runDownload(ctx context.Context, t Transport, s core.DownloadStep) Result {
	data, err := download(ctx, t, s.RemotePath, s.Sudo)
	if err != nil {
		return Result{Status: StatusError, Message: err.Error()}
	}
	if err := os.MkdirAll(filepath.Dir(s.LocalPath), 0o755); err != nil {
		return Result{Status: StatusError, Message: err.Error()}
	}
	if err := os.WriteFile(s.LocalPath, data, 0o644); err != nil {
		return Result{Status: StatusError, Message: err.Error()}
	}
	return Result{Status: StatusOK, Attempts: 1}
}

// download reads remotePath directly via SFTP, or (sudo-staged) by
// running `sudo cat` and capturing stdout, per spec.md §4.6.
func download(ctx context.Context, t Transport, remotePath string, sudo bool) ([]byte, error) {
	if !sudo {
		return t.ReadFile(remotePath)
	}
	res, err := t.Run(ctx, "sudo cat "+shellQuote(remotePath), transferTimeout)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("sudo cat %s: exit %d", remotePath, res.ExitCode)
	}
	return []byte(res.Output), nil
}

// Renderer renders a template's text against a variable binding. The
// templating language itself is out of scope for the core (spec.md
// §4.6 treats it as a pure function); runTemplate always uses
// defaultRenderer.
type Renderer func(text string, vars map[string]any) (string, error)

func runTemplate(ctx context.Context, t Transport, s core.TemplateStep) Result {
	return runTemplateWith(ctx, t, s, defaultRenderer)
}

func runTemplateWith(ctx context.Context, t Transport, s core.TemplateStep, render Renderer) Result {
	source, err := os.ReadFile(s.Source)
	if err != nil {
		return Result{Status: StatusError, Message: err.Error()}
	}
	rendered, err := render(string(source), s.Vars)
	if err != nil {
		return Result{Status: StatusError, Message: fmt.Sprintf("render template: %v", err)}
	}

	tmpPath, err := localTempFile([]byte(rendered))
	if err != nil {
		return Result{Status: StatusError, Message: err.Error()}
	}
	defer func() { _ = os.Remove(tmpPath) }()

	data, err := os.ReadFile(tmpPath)
	if err != nil {
		return Result{Status: StatusError, Message: err.Error()}
	}
	if err := upload(ctx, t, data, s.Destination, s.Sudo, s.Mode); err != nil {
		return Result{Status: StatusError, Message: err.Error()}
	}
	return Result{Status: StatusOK, Attempts: 1}
}

func localTempFile(data []byte) (string, error) {
	f, err := os.CreateTemp("", "nexus_template_*")
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(data); err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
