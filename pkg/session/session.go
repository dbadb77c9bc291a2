// Package session owns one operator's connection to the bridge host and the
// section of the fleet they are working in.
//
// A Session is not safe for concurrent use: one caller drives it at a time.
// Target operations started from a fan-out only read session state and may
// run concurrently with each other.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/andrej220/fleetbridge/internal/lg"
	"github.com/andrej220/fleetbridge/pkg/access"
	"github.com/andrej220/fleetbridge/pkg/audit"
	"github.com/andrej220/fleetbridge/pkg/config"
	"github.com/andrej220/fleetbridge/pkg/executor"
	"github.com/andrej220/fleetbridge/pkg/inventory"
)

var (
	ErrAccessDenied     = access.ErrAccessDenied
	ErrConnectionFailed = errors.New("connection failed")
	ErrNotConnected     = errors.New("not connected")
	ErrUnknownSection   = errors.New("unknown section")
	ErrNoInventory      = errors.New("no inventory loaded")
)

type State int

const (
	Disconnected State = iota
	Connected
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

type Option func(*Session)

// WithDialer replaces the SSH dialer used for the bridge.
func WithDialer(dial executor.DialFunc) Option {
	return func(s *Session) { s.dial = dial }
}

// WithRecorder sends the command trail to r instead of the log.
func WithRecorder(r audit.Recorder) Option {
	return func(s *Session) { s.recorder = r }
}

func WithLogger(logger lg.Logger) Option {
	return func(s *Session) { s.lg = logger }
}

// Session holds credentials, the selected section and its inventory, and,
// once connected, the bridge connection. bridge is non-nil exactly when
// state is Connected.
type Session struct {
	cfg      *config.FleetConfig
	policy   *access.Policy
	dial     executor.DialFunc
	recorder audit.Recorder
	lg       lg.Logger

	identity      string
	secret        string
	bridgeAddress string
	path          []string
	inventory     *inventory.Inventory
	authorized    bool

	state  State
	bridge executor.Tunnel
}

func New(cfg *config.FleetConfig, opts ...Option) *Session {
	s := &Session{
		cfg:    cfg,
		policy: cfg.Policy(),
		lg:     lg.Discard,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dial == nil {
		d := &executor.Dialer{HopTimeout: cfg.HopTimeout(), Logger: s.lg}
		s.dial = d.Dial
	}
	if s.recorder == nil {
		s.recorder = audit.NewLogRecorder(s.lg)
	}
	return s
}

func (s *Session) Config() *config.FleetConfig { return s.cfg }
func (s *Session) Policy() *access.Policy      { return s.policy }
func (s *Session) Identity() string            { return s.identity }
func (s *Session) Secret() string              { return s.secret }
func (s *Session) BridgeAddress() string       { return s.bridgeAddress }
func (s *Session) State() State                { return s.state }
func (s *Session) Authorized() bool            { return s.authorized }

// Path returns a copy of the selected section path.
func (s *Session) Path() []string { return slices.Clone(s.path) }

// Inventory is the host list of the selected leaf section, or nil.
func (s *Session) Inventory() *inventory.Inventory { return s.inventory }

// Hosts is the inventory of the selected leaf, or ErrNoInventory.
func (s *Session) Hosts() (*inventory.Inventory, error) {
	if s.inventory == nil {
		return nil, ErrNoInventory
	}
	return s.inventory, nil
}

func (s *Session) SetCredentials(identity, secret string) {
	s.identity = identity
	s.secret = secret
	s.authorized = s.policy.IsAuthorized(identity, s.path)
}

func (s *Session) SetBridgeAddress(addr string) { s.bridgeAddress = addr }

// Children lists the sections below the current one.
func (s *Session) Children() []access.Section { return s.policy.Children(s.path) }

// Enter descends into the named subsection. Entering a leaf loads its
// inventory, creating an empty file when there is none yet. While connected,
// Enter refuses sections the identity may not access.
func (s *Session) Enter(name string) error {
	next := append(slices.Clone(s.path), name)
	section, ok := s.policy.Lookup(next)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSection, strings.Join(next, "/"))
	}
	authorized := s.policy.IsAuthorized(s.identity, next)
	if s.state == Connected && !authorized {
		return fmt.Errorf("%w: %s may not enter %s", ErrAccessDenied, s.identity, strings.Join(next, "/"))
	}

	var inv *inventory.Inventory
	if section.IsLeaf() {
		var err error
		if inv, err = openInventory(inventory.PathFor(s.cfg.InventoryDir, next)); err != nil {
			return err
		}
	}
	if err := s.saveInventory(); err != nil {
		return err
	}
	s.path = next
	s.inventory = inv
	s.authorized = authorized
	s.lg.Debug("entered section", lg.Strings("section", next))
	return nil
}

// Back returns to the parent section, saving the inventory being left.
func (s *Session) Back() error {
	if len(s.path) == 0 {
		return nil
	}
	if err := s.saveInventory(); err != nil {
		return err
	}
	s.path = s.path[:len(s.path)-1]
	s.inventory = nil
	s.authorized = s.policy.IsAuthorized(s.identity, s.path)
	return nil
}

func openInventory(path string) (*inventory.Inventory, error) {
	inv, err := inventory.Load(path)
	if err == nil {
		return inv, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create inventory: %w", err)
	}
	return inventory.Create(path)
}

func (s *Session) saveInventory() error {
	if s.inventory == nil {
		return nil
	}
	if err := s.inventory.Save(); err != nil {
		return fmt.Errorf("save inventory: %w", err)
	}
	return nil
}

// Connect checks access for the current identity and section, then opens
// the bridge connection. It either fully connects or leaves the session
// disconnected.
func (s *Session) Connect(ctx context.Context) error {
	if s.state == Connected {
		return nil
	}
	s.authorized = s.policy.IsAuthorized(s.identity, s.path)
	if !s.authorized {
		return fmt.Errorf("%w: %s may not access %s", ErrAccessDenied, s.identity, strings.Join(s.path, "/"))
	}

	addr := s.sshAddr(s.bridgeAddress)
	bridge, err := s.dial(ctx, addr, s.credentials())
	if err != nil {
		s.lg.Warn("bridge connection failed", lg.String("bridge", addr), lg.Err(err))
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	s.bridge = bridge
	s.state = Connected
	s.lg.Info("connected to bridge", lg.String("bridge", addr), lg.String("identity", s.identity))
	return nil
}

// Disconnect saves the inventory, closes the bridge connection and forgets
// credentials, section and inventory. It is safe to call at any time.
func (s *Session) Disconnect() error {
	var errs []error
	if s.state == Connected {
		errs = append(errs, s.saveInventory())
		if err := s.bridge.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close bridge connection: %w", err))
		}
		s.lg.Info("disconnected from bridge", lg.String("bridge", s.bridgeAddress))
	}
	s.bridge = nil
	s.state = Disconnected
	s.identity = ""
	s.secret = ""
	s.bridgeAddress = ""
	s.path = nil
	s.inventory = nil
	s.authorized = false
	return errors.Join(errs...)
}

func (s *Session) credentials() executor.Credentials {
	return executor.Credentials{User: s.identity, Password: s.secret}
}

// sshAddr adds the configured SSH port unless addr already has one.
func (s *Session) sshAddr(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, strconv.Itoa(s.cfg.SSHPort))
}
