package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/signalfx/maestro-ng/internal/audit"
	"github.com/signalfx/maestro-ng/internal/graph"
	"github.com/signalfx/maestro-ng/internal/loader"
	"github.com/signalfx/maestro-ng/internal/logging"
	"github.com/signalfx/maestro-ng/internal/metrics"
	"github.com/signalfx/maestro-ng/internal/model"
	"github.com/signalfx/maestro-ng/internal/play"
	"github.com/signalfx/maestro-ng/internal/progress"
	"github.com/signalfx/maestro-ng/internal/reconcile"
	"github.com/signalfx/maestro-ng/internal/runconfig"
)

const usageText = `usage: drydock COMMAND [options] [service|service.instance ...]

Commands:
  status    show container states across the fleet
  pull      pull images on every target ship
  start     bring containers up in dependency order
  stop      bring containers down in reverse dependency order
  kill      kill containers immediately
  restart   stop and start containers, optionally refreshing images
  clean     remove stopped containers
  logs      stream a container's logs
  deptree   print the dependency layers
`

func main() {
	os.Exit(run(os.Args[1:]))
}

type cliFlags struct {
	file            string
	only            bool
	containerFilter string
	shipFilter      string
	concurrency     int
	withDeps        bool
	ignoreOrder     bool
	refreshImages   bool
	reuse           bool
	onlyIfChanged   bool
	all             bool
	expandServices  bool
	detailed        bool
	tail            int
	follow          bool
	deptreeReverse  bool
	stepDelay       time.Duration
	stopStartDelay  time.Duration
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usageText)
		return 2
	}
	command := args[0]
	switch command {
	case "status", "pull", "start", "stop", "kill", "restart", "clean", "logs", "deptree":
	case "-h", "--help", "help":
		fmt.Fprint(os.Stderr, usageText)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s", command, usageText)
		return 2
	}

	cfg := runconfig.DefaultConfig()
	if err := runconfig.ApplyEnvOverrides(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "invalid environment configuration: %v\n", err)
		return 2
	}

	fs := flag.NewFlagSet(command, flag.ExitOnError)
	cf := &cliFlags{}
	fs.StringVar(&cf.file, "f", cfg.File, "environment document ('-' reads stdin)")
	fs.BoolVar(&cf.only, "o", false, "act strictly on the named targets, never their dependencies")
	fs.StringVar(&cf.containerFilter, "C", "", "glob filter on container names")
	fs.StringVar(&cf.containerFilter, "container-filter", "", "glob filter on container names")
	fs.StringVar(&cf.shipFilter, "S", "", "glob filter on ship names")
	fs.StringVar(&cf.shipFilter, "ship-filter", "", "glob filter on ship names")
	fs.IntVar(&cf.concurrency, "c", cfg.Concurrency, "max concurrent container tasks (0 = unbounded)")
	fs.BoolVar(&cf.ignoreOrder, "i", false, "ignore dependency order")

	switch command {
	case "status":
		fs.BoolVar(&cf.detailed, "H", false, "probe each named port over TCP")
	case "start", "restart":
		fs.BoolVar(&cf.withDeps, "d", false, "include transitive dependencies")
		fs.BoolVar(&cf.refreshImages, "r", false, "pull images even when present")
		fs.DurationVar(&cf.stepDelay, "step-delay", 0, "delay between container submissions within a layer")
		fs.BoolVar(&cf.reuse, "reuse", false, "keep existing containers when the image is unchanged")
		if command == "restart" {
			fs.BoolVar(&cf.onlyIfChanged, "only-if-changed", false, "skip containers whose image is unchanged")
			fs.DurationVar(&cf.stopStartDelay, "stop-start-delay", 0, "pause between stopping and restarting a container")
		}
	case "stop", "kill", "clean":
		fs.BoolVar(&cf.all, "all", false, "allow acting on every container")
		fs.BoolVar(&cf.expandServices, "expand-services", false, "expand service names to their instances")
	case "logs":
		fs.IntVar(&cf.tail, "n", 0, "number of trailing lines (0 = all)")
		fs.BoolVar(&cf.follow, "F", false, "follow the log stream")
	case "deptree":
		fs.BoolVar(&cf.deptreeReverse, "r", false, "show reverse (tear-down) order")
	}
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	cleanup, err := logging.Init(cfg.LogFile, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return 2
	}
	defer cleanup()

	if cfg.MetricsEnabled {
		go serveMetrics(cfg.MetricsPort)
	}

	env, sinkSpecs, err := loadEnvironment(cf.file, cfg.Passphrase)
	if err != nil {
		logging.Get().Error().Err(err).Msg("configuration error")
		return 1
	}

	targets, err := selectTargets(env, command, cf, fs.Args())
	if err != nil {
		logging.Get().Error().Err(err).Msg("target selection failed")
		return 1
	}
	if len(targets) == 0 {
		logging.Get().Warn().Msg("no containers selected")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch command {
	case "deptree":
		if err := graph.New(env).Render(os.Stdout, targets, cf.deptreeReverse); err != nil {
			logging.Get().Error().Err(err).Msg("deptree failed")
			return 1
		}
		return 0
	case "status":
		return runStatus(ctx, env, targets, cf)
	default:
		return runPlay(ctx, env, sinkSpecs, command, targets, cf)
	}
}

func loadEnvironment(file, passphrase string) (*model.Environment, []loader.AuditSinkSpec, error) {
	opts := loader.Options{Env: loader.EnvFromProcess(), Passphrase: passphrase}
	if file == "-" {
		doc, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, nil, err
		}
		opts.IncludeRoot = "."
		return loader.Load(doc, opts)
	}
	return loader.LoadFile(file, opts)
}

// selectTargets expands the positional arguments to containers and applies
// the glob filters. Destructive commands refuse an implicit "everything"
// selection unless --all is passed.
func selectTargets(env *model.Environment, command string, cf *cliFlags, names []string) ([]*model.Container, error) {
	destructive := command == "stop" || command == "kill" || command == "clean"
	if destructive && len(names) == 0 && !cf.all {
		return nil, fmt.Errorf("%s with no targets affects every container; pass --all to confirm", command)
	}
	if destructive && len(names) > 0 && !cf.expandServices && !cf.all {
		for _, n := range names {
			if _, isService := env.Services[n]; isService {
				return nil, fmt.Errorf("%q names a whole service; pass --expand-services to act on its instances", n)
			}
		}
	}

	targets, err := env.ResolveContainers(names)
	if err != nil {
		return nil, err
	}

	filtered := targets[:0]
	for _, c := range targets {
		if cf.containerFilter != "" {
			if ok, _ := path.Match(cf.containerFilter, c.Name); !ok {
				continue
			}
		}
		if cf.shipFilter != "" {
			if ok, _ := path.Match(cf.shipFilter, c.Ship.Name); !ok {
				continue
			}
		}
		filtered = append(filtered, c)
	}
	return filtered, nil
}

func buildTrail(specs []loader.AuditSinkSpec) *audit.Trail {
	trail := audit.NewTrail()
	trail.Add(&audit.LogSink{}, true)
	for _, s := range specs {
		switch s.Type {
		case "log":
			// always present
		case "webhook":
			trail.Add(&audit.Webhook{URL: s.URL}, s.IgnoreErrors)
		case "slack":
			trail.Add(&audit.Slack{WebhookURL: s.URL}, s.IgnoreErrors)
		case "discord":
			trail.Add(&audit.Discord{WebhookURL: s.URL}, s.IgnoreErrors)
		case "exec":
			trail.Add(&audit.ExecSink{Command: s.Command}, s.IgnoreErrors)
		default:
			logging.Get().Warn().Str("type", s.Type).Msg("unknown audit sink type, skipping")
		}
	}
	return trail
}

func runPlay(ctx context.Context, env *model.Environment, sinkSpecs []loader.AuditSinkSpec, command string, targets []*model.Container, cf *cliFlags) int {
	rec := reconcile.New(env, reconcile.Options{
		RefreshImages: cf.refreshImages,
		Reuse:         cf.reuse,
		OnlyIfChanged:  cf.onlyIfChanged,
		StopStartDelay: cf.stopStartDelay,
		LogsTail:       cf.tail,
		LogsFollow:     cf.follow,
	}, nil)
	defer rec.Close()

	opts := play.Options{
		Concurrency:      cf.concurrency,
		WithDependencies: cf.withDeps && !cf.only,
		IgnoreOrder:      cf.ignoreOrder,
		StepDelay:        cf.stepDelay,
	}
	p := play.New(env, rec, buildTrail(sinkSpecs), progress.LogReporter{}, opts)

	results, err := p.Run(ctx, reconcile.Action(command), targets)
	if err != nil {
		logging.Get().Error().Err(err).Msg("play failed")
		return 1
	}
	printSummary(results)
	if play.Failed(results) {
		return 1
	}
	return 0
}

func printSummary(results map[string]play.Result) {
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CONTAINER\tSHIP\tRESULT\tDETAIL")
	for _, name := range names {
		r := results[name]
		detail := ""
		if r.Err != nil {
			detail = r.Err.Error()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, r.Container.Ship.Name, r.Status, detail)
	}
	w.Flush()
}

func runStatus(ctx context.Context, env *model.Environment, targets []*model.Container, cf *cliFlags) int {
	rec := reconcile.New(env, reconcile.Options{}, nil)
	defer rec.Close()

	// status has no ordering requirement: probe every container in
	// parallel under the concurrency cap, then render in stable order.
	infos := make([]reconcile.StatusInfo, len(targets))
	errs := make([]error, len(targets))
	var g errgroup.Group
	if cf.concurrency > 0 {
		g.SetLimit(cf.concurrency)
	}
	for i, c := range targets {
		i, c := i, c
		g.Go(func() error {
			infos[i], errs[i] = rec.Status(ctx, c, cf.detailed)
			return nil
		})
	}
	_ = g.Wait()

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CONTAINER\tSHIP\tIMAGE\tSTATE\tDETAIL")
	failed := false
	for i, c := range targets {
		info, err := infos[i], errs[i]
		if err != nil {
			failed = true
			fmt.Fprintf(w, "%s\t%s\t%s\terror\t%v\n", c.FullName(), c.Ship.Name, c.EffectiveImage(), err)
			continue
		}
		detail := ""
		switch info.State {
		case "running":
			detail = fmt.Sprintf("up %s", info.Uptime.Round(time.Second))
		case "stopped":
			detail = fmt.Sprintf("exit %d, %s ago", info.ExitCode, info.Age.Round(time.Second))
		}
		if cf.detailed && len(info.Ports) > 0 {
			portNames := make([]string, 0, len(info.Ports))
			for name := range info.Ports {
				portNames = append(portNames, name)
			}
			sort.Strings(portNames)
			for _, name := range portNames {
				state := "closed"
				if info.Ports[name] {
					state = "open"
				}
				detail += fmt.Sprintf(" %s=%s", name, state)
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", c.FullName(), c.Ship.Name, info.ConfiguredImage, info.State, detail)
	}
	w.Flush()
	if failed {
		return 1
	}
	return 0
}

func serveMetrics(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.PromHandler())
	mux.Handle("/status", metrics.JSONHandler())
	addr := fmt.Sprintf(":%d", port)
	logging.Get().Info().Str("addr", addr).Msg("starting metrics server")
	_ = http.ListenAndServe(addr, mux)
}
