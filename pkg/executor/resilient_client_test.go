package executor

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

var goodCred = Credentials{User: testUser, Password: testPassword}

func fastResilience(name string) *ResilienceConfig {
	return NewResilienceConfig(
		&backoff.ExponentialBackOff{
			InitialInterval:     10 * time.Millisecond,
			MaxInterval:         20 * time.Millisecond,
			Multiplier:          1.5,
			RandomizationFactor: 0,
			Stop:                backoff.Stop,
			Clock:               backoff.SystemClock,
		},
		2,
		gobreaker.Settings{Name: name},
	)
}

func testDialer() *Dialer {
	return &Dialer{Timeout: 2 * time.Second, Resilience: fastResilience}
}

func dial(t *testing.T, addr string) Tunnel {
	t.Helper()
	tun, err := testDialer().Dial(context.Background(), addr, goodCred)
	require.NoError(t, err)
	t.Cleanup(func() { tun.Close() })
	return tun
}

func TestRunCapturesOutputAndExitStatus(t *testing.T) {
	srv := startServer(t)
	tun := dial(t, srv.addr)
	assert.Equal(t, srv.addr, tun.RemoteAddr())

	res, err := tun.Run(context.Background(), "uname -a")
	require.NoError(t, err)
	assert.Equal(t, Result{Stdout: "ran: uname -a", Stderr: "warn", ExitStatus: 0}, res)

	res, err = tun.Run(context.Background(), "fail please")
	require.NoError(t, err, "a non-zero exit is a result, not an error")
	assert.Equal(t, 3, res.ExitStatus)
	assert.Equal(t, "ran: fail please", res.Stdout)
}

func TestDialAuthFailureIsNotRetried(t *testing.T) {
	srv := startServer(t)
	_, err := testDialer().Dial(context.Background(), srv.addr, Credentials{User: testUser, Password: "wrong"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthFailed)
	assert.Equal(t, int32(1), srv.conns.Load())
}

func TestDialUnreachableIsRetried(t *testing.T) {
	addr := silentListener(t)
	d := &Dialer{Timeout: 100 * time.Millisecond, Resilience: fastResilience}

	start := time.Now()
	_, err := d.Dial(context.Background(), addr, goodCred)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond, "expected three attempts")
}

func TestRunCancelledClosesSession(t *testing.T) {
	srv := startServer(t)
	tun := dial(t, srv.addr)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	res, err := tun.Run(ctx, "hang")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, -1, res.ExitStatus)

	// the connection itself stays usable
	res, err = tun.Run(context.Background(), "true")
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitStatus)
}

func TestUploadDownload(t *testing.T) {
	srv := startServer(t)
	tun := dial(t, srv.addr)
	dst := filepath.Join(t.TempDir(), "plugin.sh")
	require.NoError(t, os.WriteFile(dst, []byte("stale content that is longer"), 0o600))

	body := "#!/bin/sh\necho hello\n"
	require.NoError(t, tun.Upload(context.Background(), strings.NewReader(body), dst, 0o750))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, body, string(got))
	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o750), info.Mode().Perm())

	var buf bytes.Buffer
	require.NoError(t, tun.Download(context.Background(), dst, &buf))
	assert.Equal(t, body, buf.String())

	err = tun.Download(context.Background(), filepath.Join(t.TempDir(), "missing"), &buf)
	assert.Error(t, err)
}

func TestHopRunsOnSecondHost(t *testing.T) {
	bridge := startServer(t)
	target := startServer(t)
	tun := dial(t, bridge.addr)

	exec, err := tun.Hop(context.Background(), target.addr, goodCred)
	require.NoError(t, err)
	defer exec.Close()

	assert.Equal(t, target.addr, exec.RemoteAddr())
	res, err := exec.Run(context.Background(), "hostname")
	require.NoError(t, err)
	assert.Equal(t, "ran: hostname", res.Stdout)
	assert.Equal(t, int32(1), target.conns.Load())
}

func TestHopFailures(t *testing.T) {
	bridge := startServer(t)
	target := startServer(t)
	tun := dial(t, bridge.addr)

	t.Run("auth", func(t *testing.T) {
		_, err := tun.Hop(context.Background(), target.addr, Credentials{User: "mallory", Password: testPassword})
		assert.ErrorIs(t, err, ErrAuthFailed)
	})

	t.Run("silent target times out", func(t *testing.T) {
		d := testDialer()
		short, err := d.Dial(context.Background(), bridge.addr, goodCred)
		require.NoError(t, err)
		defer short.Close()

		d.HopTimeout = 100 * time.Millisecond
		_, err = short.Hop(context.Background(), silentListener(t), goodCred)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "timed out")
	})

	t.Run("refused", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := ln.Addr().String()
		require.NoError(t, ln.Close())

		_, err = tun.Hop(context.Background(), addr, goodCred)
		assert.Error(t, err)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := tun.Hop(ctx, target.addr, goodCred)
		assert.True(t, errors.Is(err, context.Canceled))
	})
}

func TestDeadTargetsDoNotTripBridge(t *testing.T) {
	bridge := startServer(t)
	target := startServer(t)

	// every breaker opens on its first failure
	d := testDialer()
	d.Resilience = func(name string) *ResilienceConfig {
		r := fastResilience(name)
		r.Configure(r.BackoffSettings, gobreaker.Settings{
			Name:        name,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 1 },
		})
		return r
	}
	tun, err := d.Dial(context.Background(), bridge.addr, goodCred)
	require.NoError(t, err)
	defer tun.Close()

	for range 2 {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		dead := ln.Addr().String()
		require.NoError(t, ln.Close())

		_, err = tun.Hop(context.Background(), dead, goodCred)
		require.Error(t, err)
	}

	exec, err := tun.Hop(context.Background(), target.addr, goodCred)
	require.NoError(t, err, "live target after dead ones")
	defer exec.Close()

	res, err := tun.Run(context.Background(), "uptime")
	require.NoError(t, err, "bridge after dead targets")
	assert.Equal(t, "ran: uptime", res.Stdout)
}

func TestExitStatus(t *testing.T) {
	code, err := exitStatus(nil)
	assert.NoError(t, err)
	assert.Equal(t, 0, code)

	code, err = exitStatus(&ssh.ExitMissingError{})
	assert.NoError(t, err)
	assert.Equal(t, -1, code)

	boom := errors.New("connection lost")
	code, err = exitStatus(boom)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, -1, code)
}

func TestHostKeyCallback(t *testing.T) {
	cb, err := HostKeyCallback("")
	require.NoError(t, err)
	assert.NotNil(t, cb)

	_, err = HostKeyCallback(filepath.Join(t.TempDir(), "known_hosts"))
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	err := classify(errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password]"))
	var permanent *backoff.PermanentError
	require.ErrorAs(t, err, &permanent)
	assert.ErrorIs(t, err, ErrAuthFailed)

	err = classify(errors.New("dial tcp: connection refused"))
	assert.False(t, errors.As(err, &permanent))
}
