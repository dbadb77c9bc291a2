package plugin

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/andrej220/fleetbridge/internal/lg"
	"github.com/andrej220/fleetbridge/pkg/inventory"
	"github.com/andrej220/fleetbridge/pkg/session"
	"github.com/andrej220/fleetbridge/pkg/workerpool"
)

// BridgeHostName names the result of a bridge-scope run.
const BridgeHostName = "Bridge"

// ErrBridgeStage wraps failures that abort a whole run: staging the script
// on the bridge or running a bridge-scope script.
var ErrBridgeStage = errors.New("bridge stage failed")

// Result is the output of the plugin on one host. ExitStatus is -1 when the
// script never ran there; Stderr then says why.
type Result struct {
	HostName    string
	HostAddress string
	PluginName  string
	Stdout      string
	Stderr      string
	ExitStatus  int
}

// Run stages the script on the bridge and executes it. A bridge-scope
// plugin yields exactly one result. A remote-scope plugin yields one result
// per included host, in completion order; the channel is closed after the
// last one. Per-host failures are reported in that host's result.
//
// Operator answers must be Set before Run.
func (d *Descriptor) Run(ctx context.Context, s *session.Session) (<-chan Result, error) {
	cfg := s.Config()
	execID := uuid.New()
	logger := lg.FromContext(ctx).With(lg.String("plugin", d.Name()), lg.String("execution_id", execID.String()))
	ctx = lg.Attach(ctx, logger)

	var hosts []*inventory.Host
	if d.Scope == ScopeRemote {
		inv, err := s.Hosts()
		if err != nil {
			return nil, err
		}
		hosts = slices.Collect(inv.Included())
	}

	bridgePath := d.BridgePath(cfg)
	if err := s.CopyToBridge(ctx, d.Path, bridgePath, CopyMode); err != nil {
		return nil, fmt.Errorf("%w: copy %s: %w", ErrBridgeStage, d.Name(), err)
	}
	d.ResolveSessionVariables(s)

	if d.Scope != ScopeRemote {
		out, err := s.RunOnBridge(ctx, d.CommandLine(bridgePath, d.values), d.Root)
		if err != nil {
			return nil, fmt.Errorf("%w: run %s: %w", ErrBridgeStage, d.Name(), err)
		}
		logger.Info("plugin finished on bridge", lg.Int("exit_status", out.ExitStatus))
		results := make(chan Result, 1)
		results <- Result{
			HostName:    BridgeHostName,
			HostAddress: s.BridgeAddress(),
			PluginName:  d.Name(),
			Stdout:      out.Stdout,
			Stderr:      out.Stderr,
			ExitStatus:  out.ExitStatus,
		}
		close(results)
		return results, nil
	}

	logger.Info("plugin fan-out", lg.Int("hosts", len(hosts)))
	results := make(chan Result, len(hosts))
	pool := workerpool.NewPool[*inventory.Host](cfg.MaxWorkers)

	go func() {
		var wg sync.WaitGroup
		wg.Add(len(hosts))
		for _, h := range hosts {
			var res Result
			_ = pool.Submit(workerpool.Job[*inventory.Host]{
				Payload: h,
				Ctx:     ctx,
				Fn: func(ctx context.Context, h *inventory.Host) error {
					res = d.runOnHost(ctx, s, h, bridgePath)
					return nil
				},
				Done: func(err error) {
					if err != nil {
						res = d.failure(h, err)
					}
					results <- res
					wg.Done()
				},
			})
		}
		wg.Wait()
		pool.Stop()
		close(results)
	}()
	return results, nil
}

func (d *Descriptor) failure(h *inventory.Host, err error) Result {
	return Result{
		HostName:    h.Name,
		HostAddress: h.Address,
		PluginName:  d.Name(),
		Stderr:      err.Error(),
		ExitStatus:  -1,
	}
}

// runOnHost copies the staged script to h and runs it there over one hop.
func (d *Descriptor) runOnHost(ctx context.Context, s *session.Session, h *inventory.Host, bridgePath string) Result {
	t, err := s.OpenTarget(ctx, h.Address)
	if err != nil {
		return d.failure(h, err)
	}
	defer t.Close()

	remotePath := d.RemotePath(s.Config())
	if err := t.CopyFromBridge(ctx, bridgePath, remotePath, CopyMode); err != nil {
		return d.failure(h, err)
	}

	out, err := t.Run(ctx, d.CommandLine(remotePath, d.ResolveHostVariables(h)), d.Root)
	res := Result{
		HostName:    h.Name,
		HostAddress: h.Address,
		PluginName:  d.Name(),
		Stdout:      out.Stdout,
		Stderr:      out.Stderr,
		ExitStatus:  out.ExitStatus,
	}
	if err != nil {
		res.Stderr = strings.TrimSpace(strings.Join([]string{out.Stderr, err.Error()}, "\n"))
	}
	return res
}
