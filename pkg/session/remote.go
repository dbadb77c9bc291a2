package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/andrej220/fleetbridge/internal/lg"
	"github.com/andrej220/fleetbridge/pkg/audit"
	"github.com/andrej220/fleetbridge/pkg/executor"
)

// Quote makes s a single shell word.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// ElevateCommand runs command through sudo, feeding secret on stdin. -k
// discards cached credentials so the piped secret is always what is read.
func ElevateCommand(command, secret string) string {
	return "echo " + Quote(secret) + " | sudo -kS " + command
}

func (s *Session) connected() (executor.Tunnel, error) {
	if s.state != Connected || s.bridge == nil {
		return nil, ErrNotConnected
	}
	return s.bridge, nil
}

// Redacted is the placeholder the audit trail shows in place of the secret.
const Redacted = "***"

// redact hides the session secret in command, quoted or bare.
func (s *Session) redact(command string) string {
	if s.secret == "" {
		return command
	}
	command = strings.ReplaceAll(command, Quote(s.secret), Quote(Redacted))
	return strings.ReplaceAll(command, s.secret, Redacted)
}

// run executes command on e, elevating it when asked. The audit trail sees
// the command as issued, never the elevated form, with the secret redacted.
func (s *Session) run(ctx context.Context, e executor.Executor, target, command string, elevate bool) (executor.Result, error) {
	ev := audit.NewEvent(s.identity, target, s.redact(command), elevate, s.path)
	if err := s.recorder.Record(ctx, ev); err != nil {
		s.lg.Warn("audit record failed", lg.String("audit_id", ev.ID.String()), lg.Err(err))
	}
	if elevate {
		command = ElevateCommand(command, s.secret)
	}
	return e.Run(ctx, command)
}

// RunOnBridge runs command on the bridge and waits for it to exit. ctx is
// the only bound on how long that takes.
func (s *Session) RunOnBridge(ctx context.Context, command string, elevate bool) (executor.Result, error) {
	bridge, err := s.connected()
	if err != nil {
		return executor.Result{ExitStatus: -1}, err
	}
	return s.run(ctx, bridge, s.bridgeAddress, command, elevate)
}

// CopyToBridge uploads the local file to bridgePath with the given mode.
func (s *Session) CopyToBridge(ctx context.Context, localPath, bridgePath string, perm os.FileMode) error {
	bridge, err := s.connected()
	if err != nil {
		return err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	return bridge.Upload(ctx, f, bridgePath, perm)
}

// Target is an open second hop to one fleet member. Close it when done.
type Target struct {
	s    *Session
	exec executor.Executor
	addr string
}

// OpenTarget connects to addr through the bridge with the session
// credentials.
func (s *Session) OpenTarget(ctx context.Context, addr string) (*Target, error) {
	bridge, err := s.connected()
	if err != nil {
		return nil, err
	}
	exec, err := bridge.Hop(ctx, s.sshAddr(addr), s.credentials())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return &Target{s: s, exec: exec, addr: addr}, nil
}

func (t *Target) Address() string { return t.addr }

func (t *Target) Run(ctx context.Context, command string, elevate bool) (executor.Result, error) {
	return t.s.run(ctx, t.exec, t.addr, command, elevate)
}

// CopyFromBridge streams bridgePath from the bridge into targetPath on the
// target without staging it locally.
func (t *Target) CopyFromBridge(ctx context.Context, bridgePath, targetPath string, perm os.FileMode) error {
	bridge, err := t.s.connected()
	if err != nil {
		return err
	}
	pr, pw := io.Pipe()
	downloaded := make(chan error, 1)
	go func() {
		err := bridge.Download(ctx, bridgePath, pw)
		pw.CloseWithError(err)
		downloaded <- err
	}()
	uploadErr := t.exec.Upload(ctx, pr, targetPath, perm)
	pr.CloseWithError(io.ErrClosedPipe)
	downloadErr := <-downloaded
	// a closed pipe only means the upload side gave up first
	if downloadErr != nil && !errors.Is(downloadErr, io.ErrClosedPipe) {
		return fmt.Errorf("read %s from bridge: %w", bridgePath, downloadErr)
	}
	if uploadErr != nil {
		return fmt.Errorf("write %s on %s: %w", targetPath, t.addr, uploadErr)
	}
	return nil
}

func (t *Target) Close() error { return t.exec.Close() }

// RunOnTarget opens a hop to addr, runs command there and closes the hop.
func (s *Session) RunOnTarget(ctx context.Context, addr, command string, elevate bool) (executor.Result, error) {
	t, err := s.OpenTarget(ctx, addr)
	if err != nil {
		return executor.Result{ExitStatus: -1}, err
	}
	defer t.Close()
	return t.Run(ctx, command, elevate)
}

// CopyToTarget copies a file already on the bridge to addr.
func (s *Session) CopyToTarget(ctx context.Context, addr, bridgePath, targetPath string, perm os.FileMode) error {
	t, err := s.OpenTarget(ctx, addr)
	if err != nil {
		return err
	}
	return errors.Join(t.CopyFromBridge(ctx, bridgePath, targetPath, perm), t.Close())
}
