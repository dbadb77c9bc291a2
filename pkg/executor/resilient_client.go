package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/sftp"
	"github.com/sony/gobreaker"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/andrej220/fleetbridge/internal/lg"
)

var (
	_ Tunnel   = (*ResilientSSHClient)(nil)
	_ DialFunc = (*Dialer)(nil).Dial
)

var ErrAuthFailed = errors.New("ssh authentication failed")

const DefaultTimeout = 10 * time.Second

type ResilienceConfig struct {
	BackoffSettings        *backoff.ExponentialBackOff
	MaxRetries             uint64
	CircuitBreakerSettings gobreaker.Settings
	CircuitBreaker         *gobreaker.CircuitBreaker
}

func NewResilienceConfig(defaultBackOff *backoff.ExponentialBackOff, maxRetries uint64, cbs gobreaker.Settings) *ResilienceConfig {
	return &ResilienceConfig{
		BackoffSettings:        defaultBackOff,
		MaxRetries:             maxRetries,
		CircuitBreakerSettings: cbs,
		CircuitBreaker:         gobreaker.NewCircuitBreaker(cbs),
	}
}

// DefaultResilienceConfig gives every remote host its own breaker, so one
// dead target does not trip the bridge or its neighbours.
func DefaultResilienceConfig(name string) *ResilienceConfig {
	cbs := gobreaker.Settings{
		Name:        "ssh-" + name,
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	}
	return NewResilienceConfig(
		&backoff.ExponentialBackOff{
			InitialInterval:     500 * time.Millisecond,
			MaxInterval:         5 * time.Second,
			Multiplier:          1.5,
			RandomizationFactor: 0.5,
			Stop:                backoff.Stop,
			Clock:               backoff.SystemClock,
		},
		2,
		cbs,
	)
}

func (r *ResilienceConfig) Configure(backoffSettings *backoff.ExponentialBackOff, cbSettings gobreaker.Settings) {
	r.BackoffSettings = backoffSettings
	r.CircuitBreakerSettings = cbSettings
	r.CircuitBreaker = gobreaker.NewCircuitBreaker(cbSettings)
}

// retry runs op until it succeeds, returns a permanent error, or the retry
// budget is spent. Each call gets its own copy of the backoff state.
func (r *ResilienceConfig) retry(ctx context.Context, logger lg.Logger, op func() error) error {
	b := *r.BackoffSettings
	policy := backoff.WithContext(backoff.WithMaxRetries(&b, r.MaxRetries), ctx)
	return backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		logger.Debug("retrying", lg.Err(err), lg.Duration("wait", wait))
	})
}

// execute runs fn through the circuit breaker. An open breaker is not
// worth retrying.
func execute[T any](cb *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	res, err := cb.Execute(func() (any, error) { return fn() })
	if err != nil {
		var zero T
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, backoff.Permanent(err)
		}
		return zero, err
	}
	return res.(T), nil
}

// Dialer opens the first hop. Its Dial method is a DialFunc; the returned
// tunnel reuses the same settings for the second hop.
type Dialer struct {
	Timeout         time.Duration
	HopTimeout      time.Duration // defaults to Timeout
	HostKeyCallback ssh.HostKeyCallback
	Resilience      func(name string) *ResilienceConfig
	Logger          lg.Logger
}

// HostKeyCallback verifies servers against knownHostsFile. An empty path
// accepts any host key.
func HostKeyCallback(knownHostsFile string) (ssh.HostKeyCallback, error) {
	if knownHostsFile == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(knownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load known hosts %s: %w", knownHostsFile, err)
	}
	return cb, nil
}

func (d *Dialer) timeout() time.Duration {
	if d == nil || d.Timeout <= 0 {
		return DefaultTimeout
	}
	return d.Timeout
}

func (d *Dialer) hopTimeout() time.Duration {
	if d == nil || d.HopTimeout <= 0 {
		return d.timeout()
	}
	return d.HopTimeout
}

func (d *Dialer) logger() lg.Logger {
	if d == nil || d.Logger == nil {
		return lg.Discard
	}
	return d.Logger
}

func (d *Dialer) resilience(addr string) *ResilienceConfig {
	if d == nil || d.Resilience == nil {
		return DefaultResilienceConfig(addr)
	}
	return d.Resilience(addr)
}

func (d *Dialer) clientConfig(cred Credentials) *ssh.ClientConfig {
	hostKeys := ssh.InsecureIgnoreHostKey()
	if d != nil && d.HostKeyCallback != nil {
		hostKeys = d.HostKeyCallback
	}
	return &ssh.ClientConfig{
		User: cred.User,
		Auth: []ssh.AuthMethod{
			ssh.Password(cred.Password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = cred.Password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: hostKeys,
		Timeout:         d.timeout(),
		BannerCallback:  func(message string) error { return nil }, //ignore banner
	}
}

// Dial connects to addr directly. Connection failures are retried with
// backoff; authentication failures are not.
func (d *Dialer) Dial(ctx context.Context, addr string, cred Credentials) (Tunnel, error) {
	res := d.resilience(addr)
	logger := d.logger().With(lg.String("remote", addr))
	cfg := d.clientConfig(cred)
	timeout := d.timeout()

	var client *ssh.Client
	err := res.retry(ctx, logger, func() error {
		c, err := connect(ctx, addr, cfg, timeout, func() (net.Conn, error) {
			var nd net.Dialer
			return nd.DialContext(ctx, "tcp", addr)
		})
		if err != nil {
			return classify(err)
		}
		client = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	logger.Debug("connected")
	return &ResilientSSHClient{SSHClient: client, ResConf: res, addr: addr, dialer: d, logger: logger}, nil
}

// ResilientSSHClient is one authenticated SSH connection, either direct or
// carried over another client.
type ResilientSSHClient struct {
	SSHClient *ssh.Client
	ResConf   *ResilienceConfig

	addr   string
	dialer *Dialer
	logger lg.Logger
}

func (c *ResilientSSHClient) RemoteAddr() string { return c.addr }

func (c *ResilientSSHClient) Close() error {
	return c.SSHClient.Close()
}

// Hop opens a second SSH connection to addr through this one. The whole
// channel open plus handshake is bounded by the dialer's hop timeout.
func (c *ResilientSSHClient) Hop(ctx context.Context, addr string, cred Credentials) (Executor, error) {
	res := c.dialer.resilience(addr)
	logger := c.logger.With(lg.String("hop", addr))
	cfg := c.dialer.clientConfig(cred)
	timeout := c.dialer.hopTimeout()

	var client *ssh.Client
	err := res.retry(ctx, logger, func() error {
		cl, err := connect(ctx, addr, cfg, timeout, func() (net.Conn, error) {
			// the target's breaker: a dead target must not trip the bridge
			return execute(res.CircuitBreaker, func() (net.Conn, error) {
				return c.SSHClient.Dial("tcp", addr)
			})
		})
		if err != nil {
			return classify(err)
		}
		client = cl
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reach %s via %s: %w", addr, c.addr, err)
	}
	logger.Debug("connected")
	return &ResilientSSHClient{SSHClient: client, ResConf: res, addr: addr, dialer: c.dialer, logger: logger}, nil
}

// connect dials and handshakes under one timer. Tunnelled connections do
// not support deadlines, so the timer closes the connection instead.
func connect(ctx context.Context, addr string, cfg *ssh.ClientConfig, timeout time.Duration, dial func() (net.Conn, error)) (*ssh.Client, error) {
	type result struct {
		client *ssh.Client
		err    error
	}
	if err := ctx.Err(); err != nil {
		return nil, backoff.Permanent(err)
	}
	conns := make(chan net.Conn, 1)
	done := make(chan result, 1)
	go func() {
		conn, err := dial()
		conns <- conn
		if err != nil {
			done <- result{err: err}
			return
		}
		sc, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
		if err != nil {
			done <- result{err: err}
			return
		}
		done <- result{client: ssh.NewClient(sc, chans, reqs)}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var err error
	select {
	case r := <-done:
		return r.client, r.err
	case <-timer.C:
		err = fmt.Errorf("connection to %s timed out after %s", addr, timeout)
	case <-ctx.Done():
		err = backoff.Permanent(ctx.Err())
	}
	go func() {
		if conn := <-conns; conn != nil {
			conn.Close()
		}
		if r := <-done; r.client != nil {
			r.client.Close()
		}
	}()
	return nil, err
}

func classify(err error) error {
	var keyErr *knownhosts.KeyError
	switch {
	case strings.Contains(err.Error(), "unable to authenticate"):
		return backoff.Permanent(fmt.Errorf("%w: %v", ErrAuthFailed, err))
	case errors.As(err, &keyErr):
		return backoff.Permanent(err)
	}
	return err
}

// NewSSHSession creates a new SSH session with circuit breaker and backoff retries.
// The caller is responsible for closing the returned session.
func (c *ResilientSSHClient) newSSHSession(ctx context.Context) (*ssh.Session, error) {
	var sess *ssh.Session
	err := c.ResConf.retry(ctx, c.logger, func() error {
		s, err := execute(c.ResConf.CircuitBreaker, c.SSHClient.NewSession)
		if err != nil {
			return err
		}
		sess = s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open session on %s: %w", c.addr, err)
	}
	return sess, nil
}

// Run executes command once. Only opening the session is retried; the
// command itself never is.
func (c *ResilientSSHClient) Run(ctx context.Context, command string) (Result, error) {
	sess, err := c.newSSHSession(ctx)
	if err != nil {
		return Result{ExitStatus: -1}, err
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	if err := sess.Start(command); err != nil {
		return Result{ExitStatus: -1}, fmt.Errorf("failed to start command on %s: %w", c.addr, err)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- sess.Wait() }()

	select {
	case err = <-waitErr:
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		<-waitErr
		return Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitStatus: -1}, ctx.Err()
	}

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	res.ExitStatus, err = exitStatus(err)
	if err != nil {
		return res, fmt.Errorf("command on %s failed: %w", c.addr, err)
	}
	return res, nil
}

func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		return -1, nil
	}
	return -1, err
}

func (c *ResilientSSHClient) sftpClient(ctx context.Context) (*sftp.Client, error) {
	var client *sftp.Client
	err := c.ResConf.retry(ctx, c.logger, func() error {
		cl, err := execute(c.ResConf.CircuitBreaker, func() (*sftp.Client, error) {
			return sftp.NewClient(c.SSHClient)
		})
		if err != nil {
			return err
		}
		client = cl
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start sftp on %s: %w", c.addr, err)
	}
	return client, nil
}

// Upload writes src to dst, replacing any existing file, and sets its mode.
func (c *ResilientSSHClient) Upload(ctx context.Context, src io.Reader, dst string, mode os.FileMode) error {
	client, err := c.sftpClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	f, err := client.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("failed to create %s on %s: %w", dst, c.addr, err)
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		return c.copyErr(ctx, dst, err)
	}
	if err := f.Close(); err != nil {
		return c.copyErr(ctx, dst, err)
	}
	if err := client.Chmod(dst, mode); err != nil {
		return fmt.Errorf("failed to chmod %s on %s: %w", dst, c.addr, err)
	}
	return nil
}

func (c *ResilientSSHClient) Download(ctx context.Context, src string, dst io.Writer) error {
	client, err := c.sftpClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	f, err := client.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s on %s: %w", src, c.addr, err)
	}
	defer f.Close()
	if _, err := io.Copy(dst, f); err != nil {
		return c.copyErr(ctx, src, err)
	}
	return nil
}

func (c *ResilientSSHClient) copyErr(ctx context.Context, path string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("failed to copy %s on %s: %w", path, c.addr, err)
}
