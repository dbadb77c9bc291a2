package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/andrej220/fleetbridge/internal/lg"
	"github.com/andrej220/fleetbridge/pkg/access"
	"github.com/andrej220/fleetbridge/pkg/audit"
	"github.com/andrej220/fleetbridge/pkg/config"
	"github.com/andrej220/fleetbridge/pkg/config/configstore"
	"github.com/andrej220/fleetbridge/pkg/fleet"
	"github.com/andrej220/fleetbridge/pkg/inventory"
	"github.com/andrej220/fleetbridge/pkg/plugin"
)

func (a *app) sections() error {
	policy := a.cfg.Policy()
	return policy.Walk(func(path []string, section *access.Section) error {
		var marks []string
		if section.IsLeaf() {
			marks = append(marks, "leaf")
		}
		if !policy.IsAuthorized(a.opts.user, path) {
			marks = append(marks, "restricted")
		}
		line := strings.Repeat("  ", len(path)-1) + section.Name
		if len(marks) > 0 {
			line += " [" + strings.Join(marks, ", ") + "]"
		}
		_, err := fmt.Fprintln(a.out, line)
		return err
	})
}

func (a *app) hosts() error {
	s, _, err := a.newSession(false)
	if err != nil {
		return err
	}
	inv, err := s.Hosts()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tIP\tMAC")
	for h := range inv.All() {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", h.Name, h.Address, h.HardwareAddress)
	}
	return tw.Flush()
}

// validate checks every existing leaf inventory. Missing files are not an
// error; provision creates them.
func (a *app) validate() error {
	var errs []error
	checked := 0
	err := a.cfg.Policy().Walk(func(path []string, section *access.Section) error {
		if !section.IsLeaf() {
			return nil
		}
		file := inventory.PathFor(a.cfg.InventoryDir, path)
		inv, err := inventory.Load(file)
		if errors.Is(err, os.ErrNotExist) {
			a.logger.Debug("no inventory yet", lg.String("path", file))
			return nil
		}
		if err == nil {
			err = inv.Validate()
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", strings.Join(path, "/"), err))
		}
		checked++
		return nil
	})
	if err != nil {
		return err
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "configuration ok, %d inventories checked\n", checked)
	return nil
}

func (a *app) provision() error {
	return inventory.Provision(a.cfg.InventoryDir, a.cfg.Policy(), a.logger)
}

func (a *app) wake(ctx context.Context) error {
	s, _, err := a.newSession(false)
	if err != nil {
		return err
	}
	inv, err := s.Hosts()
	if err != nil {
		return err
	}
	return a.report(fleet.Wake(ctx, inv, fleet.WakeOptions{
		Broadcast: a.cfg.WakeBroadcast,
		Limit:     a.cfg.MaxWorkers,
	}))
}

func (a *app) shutdown(ctx context.Context) error {
	s, cleanup, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	outcomes, err := fleet.Shutdown(ctx, s)
	if err != nil {
		return err
	}
	return a.report(outcomes)
}

func (a *app) update(ctx context.Context) error {
	s, cleanup, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	outcomes, err := fleet.Update(ctx, s)
	if err != nil {
		return err
	}
	return a.report(outcomes)
}

func (a *app) reconcile(ctx context.Context) error {
	s, cleanup, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	changes, err := fleet.ReconcileAddresses(ctx, s)
	if err != nil {
		return err
	}
	for _, c := range changes {
		fmt.Fprintf(a.out, "%s: %s -> %s\n", c.Host.Name, c.OldAddress, c.NewAddress)
		if a.opts.dryRun {
			c.Host.Address = c.OldAddress
		}
	}
	if len(changes) == 0 {
		fmt.Fprintln(a.out, "all addresses are current")
	}
	return nil
}

// report prints one line per host and fails when any host failed.
func (a *app) report(outcomes []fleet.Outcome) error {
	failed := 0
	for _, o := range outcomes {
		if o.OK() {
			fmt.Fprintf(a.out, "%-20s ok\n", o.Host.Name)
			continue
		}
		failed++
		fmt.Fprintf(a.out, "%-20s FAILED: %v\n", o.Host.Name, o.Err)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d hosts failed", failed, len(outcomes))
	}
	return nil
}

func (a *app) plugins() error {
	entries, err := plugin.List(a.cfg.PluginsDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		d, err := plugin.Load(e.Path, a.logger)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "%-24s %-6s %s\n", d.Name(), d.Scope, e.DisplayName)
	}
	return nil
}

// findPlugin matches name against the file name or the display name.
func findPlugin(dir, name string) (string, error) {
	entries, err := plugin.List(dir)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if filepath.Base(e.Path) == name || strings.EqualFold(e.DisplayName, plugin.DisplayName(name)) {
			return e.Path, nil
		}
	}
	return "", fmt.Errorf("no plugin named %q in %s", name, dir)
}

func (a *app) runPlugin(ctx context.Context, name string) error {
	path, err := findPlugin(a.cfg.PluginsDir, name)
	if err != nil {
		return err
	}
	d, err := plugin.Load(path, a.logger)
	if err != nil {
		return err
	}
	for k, v := range a.opts.vars {
		if err := d.Set("$"+strings.TrimPrefix(k, "$"), v); err != nil {
			return err
		}
	}

	s, cleanup, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := answer(d, a.in, os.Stderr); err != nil {
		return err
	}

	results, err := d.Run(ctx, s)
	if err != nil {
		return err
	}
	failed, total := 0, 0
	for r := range results {
		total++
		if r.ExitStatus != 0 {
			failed++
		}
		printResult(a.out, r)
	}
	if failed > 0 {
		return fmt.Errorf("%s failed on %d of %d hosts", d.Name(), failed, total)
	}
	return nil
}

// lineReader is satisfied by *bufio.Reader.
type lineReader interface {
	ReadString(delim byte) (string, error)
}

// answer asks for every argument the operator still has to provide. Empty
// answers are asked again.
func answer(d *plugin.Descriptor, in lineReader, prompt io.Writer) error {
	for {
		name, ok := d.CollectUnresolvedVariable()
		if !ok {
			return nil
		}
		fmt.Fprintf(prompt, "%s: ", strings.TrimPrefix(name, "$"))
		line, err := in.ReadString('\n')
		value := strings.TrimSpace(line)
		if err != nil && (value == "" || !errors.Is(err, io.EOF)) {
			return fmt.Errorf("read %s: %w", name, err)
		}
		if value == "" {
			continue
		}
		if err := d.Set(name, value); err != nil {
			return err
		}
	}
}

func printResult(w io.Writer, r plugin.Result) {
	fmt.Fprintf(w, "=== %s (%s) exit %d\n", r.HostName, r.HostAddress, r.ExitStatus)
	if out := strings.TrimRight(r.Stdout, "\n"); out != "" {
		fmt.Fprintln(w, out)
	}
	if errOut := strings.TrimRight(r.Stderr, "\n"); errOut != "" {
		fmt.Fprintln(w, "--- stderr")
		fmt.Fprintln(w, errOut)
	}
}

func (a *app) auditTail(ctx context.Context) error {
	if len(a.cfg.Audit.Brokers) == 0 {
		return errors.New("audit.brokers is not configured")
	}
	if w, ok := a.store.(configstore.Watcher); ok {
		err := w.Watch(ctx, func() {
			a.logger.Warn("configuration changed on disk, restart to apply it")
		})
		if err != nil {
			a.logger.Debug("configuration is not watched", lg.Err(err))
		}
	}

	c := audit.NewConsumer[audit.Event](a.cfg.Audit, a.opts.group)
	defer c.Close()
	a.logger.Info("following audit events", lg.String("topic", a.cfg.Audit.Topic), lg.String("group", a.opts.group))
	return audit.Tail(ctx, c, func(ev audit.Event) {
		fmt.Fprintln(a.out, formatEvent(ev))
	})
}

func formatEvent(ev audit.Event) string {
	mode := "user"
	if ev.Elevated {
		mode = "root"
	}
	return fmt.Sprintf("%s %s@%s [%s] %s: %s",
		ev.Time.Format(time.RFC3339), ev.Identity, ev.Target, strings.Join(ev.Section, "/"), mode, ev.Command)
}

// exportSource reads dest as a MongoDB URI or a file path. A MongoDB
// destination reuses the --mongo-* names.
func (a *app) exportSource(dest string) config.Source {
	if strings.HasPrefix(dest, "mongodb://") || strings.HasPrefix(dest, "mongodb+srv://") {
		return config.Source{
			MongoURI:   dest,
			Database:   a.opts.source.Database,
			Collection: a.opts.source.Collection,
			DocumentID: a.opts.source.DocumentID,
		}
	}
	return config.Source{Path: dest}
}

func (a *app) export(dest string) error {
	if err := config.SaveFleet(a.cfg, a.exportSource(dest)); err != nil {
		return fmt.Errorf("export to %s: %w", dest, err)
	}
	a.logger.Info("configuration exported", lg.String("dest", dest))
	return nil
}
