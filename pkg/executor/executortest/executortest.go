// Package executortest provides an in-memory SSH fleet for tests of code
// built on executor.Tunnel.
package executortest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"slices"
	"sync"

	"github.com/andrej220/fleetbridge/pkg/executor"
)

// Handler produces the outcome of one command on a fake host.
type Handler func(command string) (executor.Result, error)

type File struct {
	Data []byte
	Mode os.FileMode
}

// Host is one fake machine. It records every command it runs and every
// file written to it.
type Host struct {
	Addr string

	mu          sync.Mutex
	handler     Handler
	commands    []string
	files       map[string]File
	unreachable bool
}

func (h *Host) Handle(fn Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = fn
}

func (h *Host) Commands() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.commands)
}

func (h *Host) File(path string) (File, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	f, ok := h.files[path]
	return f, ok
}

func (h *Host) PutFile(path string, data []byte, mode os.FileMode) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.files[path] = File{Data: slices.Clone(data), Mode: mode}
}

// Fleet is a set of fake hosts keyed by address without port. Every host
// accepts the same credentials.
type Fleet struct {
	Cred executor.Credentials

	mu    sync.Mutex
	hosts map[string]*Host
	dials int
}

func NewFleet(cred executor.Credentials) *Fleet {
	return &Fleet{Cred: cred, hosts: make(map[string]*Host)}
}

// Host returns the host at addr, creating it on first use.
func (f *Fleet) Host(addr string) *Host {
	addr = hostOnly(addr)
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hosts[addr]
	if !ok {
		h = &Host{Addr: addr, files: make(map[string]File)}
		f.hosts[addr] = h
	}
	return h
}

// Unreachable makes every connection attempt to addr fail.
func (f *Fleet) Unreachable(addr string) {
	h := f.Host(addr)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unreachable = true
}

// Dials reports how many first-hop connections were opened.
func (f *Fleet) Dials() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

// Dial satisfies executor.DialFunc.
func (f *Fleet) Dial(ctx context.Context, addr string, cred executor.Credentials) (executor.Tunnel, error) {
	f.mu.Lock()
	f.dials++
	f.mu.Unlock()
	return f.connect(ctx, addr, cred)
}

func (f *Fleet) connect(ctx context.Context, addr string, cred executor.Credentials) (*Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h := f.Host(addr)
	h.mu.Lock()
	unreachable := h.unreachable
	h.mu.Unlock()
	if unreachable {
		return nil, fmt.Errorf("dial tcp %s: connect: no route to host", addr)
	}
	if cred != f.Cred {
		return nil, fmt.Errorf("%w: ssh: unable to authenticate as %q", executor.ErrAuthFailed, cred.User)
	}
	return &Conn{fleet: f, host: h, addr: addr}, nil
}

// Conn is an open connection to a fake host.
type Conn struct {
	fleet *Fleet
	host  *Host
	addr  string

	mu     sync.Mutex
	closed bool
}

var _ executor.Tunnel = (*Conn)(nil)

func (c *Conn) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.ErrClosedPipe
	}
	return nil
}

func (c *Conn) Run(ctx context.Context, command string) (executor.Result, error) {
	if err := c.check(ctx); err != nil {
		return executor.Result{ExitStatus: -1}, err
	}
	c.host.mu.Lock()
	c.host.commands = append(c.host.commands, command)
	handler := c.host.handler
	c.host.mu.Unlock()
	if handler == nil {
		return executor.Result{}, nil
	}
	return handler(command)
}

func (c *Conn) Upload(ctx context.Context, src io.Reader, dst string, mode os.FileMode) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return err
	}
	c.host.PutFile(dst, data, mode)
	return nil
}

func (c *Conn) Download(ctx context.Context, src string, dst io.Writer) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	f, ok := c.host.File(src)
	if !ok {
		return &fs.PathError{Op: "open", Path: src, Err: fs.ErrNotExist}
	}
	_, err := io.Copy(dst, bytes.NewReader(f.Data))
	return err
}

func (c *Conn) Hop(ctx context.Context, addr string, cred executor.Credentials) (executor.Executor, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	return c.fleet.connect(ctx, addr, cred)
}

func (c *Conn) RemoteAddr() string { return c.addr }

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func hostOnly(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
