package executor

import (
	"context"
	"io"
	"os"
)

// Credentials authenticate one SSH hop. The same pair is used on the bridge
// and on every target behind it.
type Credentials struct {
	User     string
	Password string
}

// Result is the outcome of a command that ran to completion. A non-zero
// ExitStatus is not an error; ExitStatus is -1 when the remote side closed
// without reporting one.
type Result struct {
	Stdout     string
	Stderr     string
	ExitStatus int
}

// Executor runs commands and moves files on one remote host. Calls block
// until the remote side is done; cancelling ctx tears the remote session
// down.
type Executor interface {
	Run(ctx context.Context, command string) (Result, error)
	Upload(ctx context.Context, src io.Reader, dst string, mode os.FileMode) error
	Download(ctx context.Context, src string, dst io.Writer) error
	RemoteAddr() string
	Close() error
}

// Tunnel is an Executor whose connection can carry a second hop to hosts
// only it can reach.
type Tunnel interface {
	Executor
	Hop(ctx context.Context, addr string, cred Credentials) (Executor, error)
}

// DialFunc opens the first hop.
type DialFunc func(ctx context.Context, addr string, cred Credentials) (Tunnel, error)
