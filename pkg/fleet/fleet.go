// Package fleet holds the built-in actions that apply to every included host
// of the current section: wake, shutdown, update and address reconciliation.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/andrej220/fleetbridge/internal/lg"
	"github.com/andrej220/fleetbridge/internal/processor"
	"github.com/andrej220/fleetbridge/pkg/config"
	"github.com/andrej220/fleetbridge/pkg/executor"
	"github.com/andrej220/fleetbridge/pkg/inventory"
	"github.com/andrej220/fleetbridge/pkg/session"
)

const (
	PoweroffCommand  = "poweroff"
	UpdateCommand    = "apt-get update"
	UpgradeCommand   = "apt-get -y upgrade"
	DiscoveryCommand = "arp-scan --localnet"
)

// ErrCommandFailed is reported when a command ran but exited non-zero.
var ErrCommandFailed = errors.New("command failed")

// Outcome is what happened on one host. Result holds the output of the last
// command that ran there.
type Outcome struct {
	Host   *inventory.Host
	Result executor.Result
	Err    error
}

func (o Outcome) OK() bool { return o.Err == nil }

// Change is an address rewritten by ReconcileAddresses.
type Change struct {
	Host       *inventory.Host
	OldAddress string
	NewAddress string
}

// forEach runs fn for every host with at most limit running at once. The
// outcomes come back in the order of hosts.
func forEach(ctx context.Context, hosts []*inventory.Host, limit int, fn func(context.Context, *inventory.Host) Outcome) []Outcome {
	if limit <= 0 {
		limit = config.DefaultMaxWorkers
	}
	outcomes := make([]Outcome, len(hosts))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, h := range hosts {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				outcomes[i] = Outcome{Host: h, Result: executor.Result{ExitStatus: -1}, Err: err}
				return nil
			}
			outcomes[i] = fn(ctx, h)
			outcomes[i].Host = h
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func checkExit(command string, res executor.Result, err error) error {
	if err != nil {
		return err
	}
	if res.ExitStatus != 0 {
		return fmt.Errorf("%w: %q exited with status %d: %s",
			ErrCommandFailed, command, res.ExitStatus, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func sameHost(a, b string) bool {
	if h, _, err := net.SplitHostPort(a); err == nil {
		a = h
	}
	if h, _, err := net.SplitHostPort(b); err == nil {
		b = h
	}
	return a == b
}

// Shutdown powers off every included host except the bridge itself.
func Shutdown(ctx context.Context, s *session.Session) ([]Outcome, error) {
	inv, err := s.Hosts()
	if err != nil {
		return nil, err
	}
	if s.State() != session.Connected {
		return nil, session.ErrNotConnected
	}
	var hosts []*inventory.Host
	for h := range inv.Included() {
		if sameHost(h.Address, s.BridgeAddress()) {
			continue
		}
		hosts = append(hosts, h)
	}

	logger := lg.FromContext(ctx)
	logger.Info("shutting down hosts", lg.Int("hosts", len(hosts)))
	return forEach(ctx, hosts, s.Config().MaxWorkers, func(ctx context.Context, h *inventory.Host) Outcome {
		res, err := s.RunOnTarget(ctx, h.Address, PoweroffCommand, true)
		// the link usually drops before poweroff reports a status
		if err == nil && res.ExitStatus == -1 {
			return Outcome{Result: res}
		}
		if err = checkExit(PoweroffCommand, res, err); err != nil {
			logger.Warn("shutdown failed", lg.String("host", h.Name), lg.Err(err))
		}
		return Outcome{Result: res, Err: err}
	}), nil
}

// Update refreshes the package index on every included host and upgrades
// the hosts where the refresh succeeded. A failing host does not stop the
// others.
func Update(ctx context.Context, s *session.Session) ([]Outcome, error) {
	inv, err := s.Hosts()
	if err != nil {
		return nil, err
	}
	if s.State() != session.Connected {
		return nil, session.ErrNotConnected
	}
	hosts := slices.Collect(inv.Included())

	logger := lg.FromContext(ctx)
	logger.Info("updating hosts", lg.Int("hosts", len(hosts)))
	return forEach(ctx, hosts, s.Config().MaxWorkers, func(ctx context.Context, h *inventory.Host) Outcome {
		t, err := s.OpenTarget(ctx, h.Address)
		if err != nil {
			return Outcome{Result: executor.Result{ExitStatus: -1}, Err: err}
		}
		defer t.Close()

		res, err := t.Run(ctx, UpdateCommand, true)
		if err = checkExit(UpdateCommand, res, err); err != nil {
			logger.Warn("package index refresh failed, skipping upgrade", lg.String("host", h.Name), lg.Err(err))
			return Outcome{Result: res, Err: err}
		}
		res, err = t.Run(ctx, UpgradeCommand, true)
		if err = checkExit(UpgradeCommand, res, err); err != nil {
			logger.Warn("upgrade failed", lg.String("host", h.Name), lg.Err(err))
		}
		return Outcome{Result: res, Err: err}
	}), nil
}

// ReconcileAddresses scans the bridge's local network and rewrites the
// address of every included host whose hardware address shows up with a
// different one. The inventory is not saved.
func ReconcileAddresses(ctx context.Context, s *session.Session) ([]Change, error) {
	inv, err := s.Hosts()
	if err != nil {
		return nil, err
	}
	res, err := s.RunOnBridge(ctx, DiscoveryCommand, true)
	if err = checkExit(DiscoveryCommand, res, err); err != nil {
		return nil, fmt.Errorf("scan network: %w", err)
	}
	table, err := processor.NeighborTable(res.Stdout)
	if err != nil {
		return nil, fmt.Errorf("parse scan: %w", err)
	}

	var changes []Change
	for h := range inv.Included() {
		hw, err := net.ParseMAC(h.HardwareAddress)
		if err != nil {
			continue
		}
		ip, ok := table[hw.String()]
		if !ok || ip == h.Address {
			continue
		}
		changes = append(changes, Change{Host: h, OldAddress: h.Address, NewAddress: ip})
		h.Address = ip
	}
	lg.FromContext(ctx).Info("addresses reconciled", lg.Int("seen", len(table)), lg.Int("changed", len(changes)))
	return changes, nil
}
