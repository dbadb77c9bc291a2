// Command fleetctl drives a fleet of machines through an SSH bridge: it
// navigates the configured section tree, runs built-in fleet actions and
// operator plugins on the hosts of one section.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/andrej220/fleetbridge/internal/lg"
	"github.com/andrej220/fleetbridge/pkg/audit"
	"github.com/andrej220/fleetbridge/pkg/config"
	"github.com/andrej220/fleetbridge/pkg/config/configstore"
	"github.com/andrej220/fleetbridge/pkg/executor"
	"github.com/andrej220/fleetbridge/pkg/session"
)

const serviceName = "fleetctl"

const usage = `usage: fleetctl [flags] <command> [args]

commands:
  sections            print the section tree
  hosts               list the hosts of --section
  validate            check the configuration and the inventory of --section
  provision           create missing inventory files for every leaf section
  wake                send wake-on-lan packets to the included hosts
  shutdown            power off the included hosts
  update              apt-get update and upgrade the included hosts
  reconcile           refresh host addresses from an arp scan on the bridge
  plugins             list the available plugins
  run <plugin>        run a plugin on the bridge or the included hosts
  audit-tail          follow the audit topic
  export <dest>       write the loaded configuration to a file or a mongodb:// URI

flags:
`

type options struct {
	source      config.Source
	user        string
	bridge      string
	section     string
	knownHosts  string
	timeout     time.Duration
	passwdStdin bool
	dryRun      bool
	group       string
	vars        map[string]string
}

type app struct {
	opts   options
	cfg    *config.FleetConfig
	store  configstore.ConfigStore
	logger lg.Logger
	in     *bufio.Reader
	out    io.Writer
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := pflag.NewFlagSet(serviceName, pflag.ContinueOnError)
	var opts options
	fs.StringVarP(&opts.source.Path, "config", "c", "fleet.yaml", "fleet configuration file (yaml or json)")
	fs.StringVar(&opts.source.MongoURI, "mongo-uri", "", "load the configuration from MongoDB instead of --config")
	fs.StringVar(&opts.source.Database, "mongo-db", config.DefaultDatabase, "MongoDB database")
	fs.StringVar(&opts.source.Collection, "mongo-collection", config.DefaultCollection, "MongoDB collection")
	fs.StringVar(&opts.source.DocumentID, "mongo-id", config.DefaultDocumentID, "MongoDB document id")
	fs.StringVarP(&opts.user, "user", "u", os.Getenv("USER"), "identity used for the bridge and the hosts")
	fs.StringVarP(&opts.bridge, "bridge", "b", "", "bridge address")
	fs.StringVarP(&opts.section, "section", "s", "", "section path, e.g. Campus/Lab 1")
	fs.StringVar(&opts.knownHosts, "known-hosts", "", "known_hosts file; host keys are not checked when empty")
	fs.DurationVar(&opts.timeout, "timeout", executor.DefaultTimeout, "bridge connect timeout")
	fs.BoolVar(&opts.passwdStdin, "password-stdin", false, "read the password from the first line of stdin")
	fs.BoolVar(&opts.dryRun, "dry-run", false, "reconcile: report address changes without keeping them")
	fs.StringVar(&opts.group, "group", serviceName, "audit-tail: consumer group")
	fs.StringToStringVar(&opts.vars, "var", nil, "plugin argument answer, e.g. --var PORT=8080")
	logCfg := lg.BindFlags(fs, serviceName)
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	logger := lg.New(logCfg)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = lg.Attach(ctx, logger)

	a := &app{opts: opts, logger: logger, in: bufio.NewReader(os.Stdin), out: os.Stdout}
	if err := a.loadConfig(); err != nil {
		logger.Error("cannot load configuration", lg.Err(err))
		return 1
	}
	if c, ok := a.store.(io.Closer); ok {
		defer c.Close()
	}

	if err := a.dispatch(ctx, fs.Arg(0), fs.Args()[1:]); err != nil {
		logger.Error("command failed", lg.String("command", fs.Arg(0)), lg.Err(err))
		return 1
	}
	return 0
}

func (a *app) loadConfig() error {
	var err error
	a.cfg, a.store, err = config.Open(a.opts.source)
	return err
}

func (a *app) dispatch(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "sections":
		return a.sections()
	case "hosts":
		return a.hosts()
	case "validate":
		return a.validate()
	case "provision":
		return a.provision()
	case "wake":
		return a.wake(ctx)
	case "shutdown":
		return a.shutdown(ctx)
	case "update":
		return a.update(ctx)
	case "reconcile":
		return a.reconcile(ctx)
	case "plugins":
		return a.plugins()
	case "run":
		if len(args) != 1 {
			return errors.New("run needs exactly one plugin name")
		}
		return a.runPlugin(ctx, args[0])
	case "audit-tail":
		return a.auditTail(ctx)
	case "export":
		if len(args) != 1 {
			return errors.New("export needs exactly one destination")
		}
		return a.export(args[0])
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// sectionPath splits "Campus/Lab 1" into its names. Empty names are dropped.
func sectionPath(s string) []string {
	var path []string
	for _, name := range strings.Split(s, "/") {
		if name = strings.TrimSpace(name); name != "" {
			path = append(path, name)
		}
	}
	return path
}

// newSession builds a session positioned on --section. Sessions that will
// run commands get the Kafka audit sink when one is configured; the
// returned closer flushes it and is nil otherwise.
func (a *app) newSession(audited bool) (*session.Session, io.Closer, error) {
	var sink io.Closer
	recorder := audit.Recorder(audit.NewLogRecorder(a.logger))
	if audited && len(a.cfg.Audit.Brokers) > 0 {
		kafka := audit.NewKafkaRecorder(a.cfg.Audit, a.logger)
		recorder = audit.Multi(recorder, kafka)
		sink = kafka
	}

	hostKeys, err := executor.HostKeyCallback(a.opts.knownHosts)
	if err != nil {
		return nil, nil, err
	}
	dialer := &executor.Dialer{
		Timeout:         a.opts.timeout,
		HopTimeout:      a.cfg.HopTimeout(),
		HostKeyCallback: hostKeys,
		Logger:          a.logger,
	}
	s := session.New(a.cfg,
		session.WithDialer(dialer.Dial),
		session.WithRecorder(recorder),
		session.WithLogger(a.logger))
	s.SetBridgeAddress(a.opts.bridge)
	s.SetCredentials(a.opts.user, "")

	for _, name := range sectionPath(a.opts.section) {
		if err := s.Enter(name); err != nil {
			return nil, nil, err
		}
	}
	return s, sink, nil
}

// connect asks for the password and opens the bridge connection.
func (a *app) connect(ctx context.Context) (*session.Session, func(), error) {
	if a.opts.bridge == "" {
		return nil, nil, errors.New("--bridge is required")
	}
	s, sink, err := a.newSession(true)
	if err != nil {
		return nil, nil, err
	}
	closeSink := func() {
		if sink == nil {
			return
		}
		if err := sink.Close(); err != nil {
			a.logger.Warn("close audit sink", lg.Err(err))
		}
	}
	secret, err := a.password()
	if err == nil {
		s.SetCredentials(a.opts.user, secret)
		err = s.Connect(ctx)
	}
	if err != nil {
		closeSink()
		return nil, nil, err
	}
	// Disconnect saves the section inventory.
	cleanup := func() {
		if err := s.Disconnect(); err != nil {
			a.logger.Warn("disconnect", lg.Err(err))
		}
		closeSink()
	}
	return s, cleanup, nil
}

func (a *app) password() (string, error) {
	if env := os.Getenv("FLEETBRIDGE_PASSWORD"); env != "" {
		return env, nil
	}
	if a.opts.passwdStdin || !term.IsTerminal(int(os.Stdin.Fd())) {
		line, err := a.in.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return "", fmt.Errorf("read password: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
	fmt.Fprintf(os.Stderr, "password for %s@%s: ", a.opts.user, a.opts.bridge)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(b), nil
}
