// Package reconcile drives a single container from its observed daemon
// state to the target state of an orchestration action, confirming each
// transition through the container's lifecycle checks.
package reconcile

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"regexp"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/signalfx/maestro-ng/internal/dockerclient"
	"github.com/signalfx/maestro-ng/internal/envproject"
	"github.com/signalfx/maestro-ng/internal/lifecycle"
	"github.com/signalfx/maestro-ng/internal/logging"
	"github.com/signalfx/maestro-ng/internal/metrics"
	"github.com/signalfx/maestro-ng/internal/model"
	"github.com/signalfx/maestro-ng/internal/orcherr"
	"github.com/signalfx/maestro-ng/internal/progress"
)

// Action is one of the imperative orchestration verbs.
type Action string

const (
	ActionStatus  Action = "status"
	ActionPull    Action = "pull"
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionKill    Action = "kill"
	ActionRestart Action = "restart"
	ActionClean   Action = "clean"
	ActionLogs    Action = "logs"
)

// Mutates reports whether the action changes daemon state.
func (a Action) Mutates() bool {
	return a != ActionStatus && a != ActionLogs
}

// Status is the terminal result of one container action.
type Status string

const (
	// StatusDone means the action performed a state change that succeeded.
	StatusDone Status = "done"
	// StatusAlready means the observed state already matched the target.
	StatusAlready Status = "already"
	// StatusFailed means the action could not reach the target state.
	StatusFailed Status = "failed"
)

// Options tune how actions are applied.
type Options struct {
	// RefreshImages forces a pull even when the daemon reports the tag
	// present.
	RefreshImages bool
	// Reuse makes restart keep the existing container when its image is
	// unchanged (plain stop+start instead of remove+create).
	Reuse bool
	// OnlyIfChanged makes restart a no-op for containers whose image is
	// unchanged.
	OnlyIfChanged bool
	// StopStartDelay inserts a pause between stopping and restarting a
	// container during restart, for services that need their port to free
	// up or their peers to notice the departure.
	StopStartDelay time.Duration
	// LogsTail bounds the number of log lines fetched; zero means all.
	LogsTail int
	// LogsFollow keeps the log stream open until cancelled.
	LogsFollow bool
	// LogsWriter receives streamed container logs. Defaults to stdout.
	LogsWriter io.Writer
}

// Dialer produces a Docker client for a ship. Overridable in tests.
type Dialer func(ship *model.Ship) (dockerclient.Client, error)

func defaultDialer(ship *model.Ship) (dockerclient.Client, error) {
	spec := dockerclient.DialSpec{Host: ship.DockerHost(), APIVersion: ship.APIVersion}
	switch ship.Transport {
	case model.TransportTLS:
		spec.TLS = &dockerclient.TLSConfig{
			CertPath:           ship.TLSCertPath,
			KeyPath:            ship.TLSKeyPath,
			CACertPath:         ship.TLSCACertPath,
			InsecureSkipVerify: ship.TLSInsecureSkipVer,
		}
	case model.TransportSSH:
		port := ship.SSHPort
		if port == 0 {
			port = 22
		}
		spec.SSH = &dockerclient.SSHConfig{
			User:         ship.SSHUser,
			IdentityFile: ship.SSHIdentityFile,
			Addr:         fmt.Sprintf("%s:%d", ship.DaemonAddress(), port),
		}
	}
	return dockerclient.Dial(ship.Name, spec)
}

// Reconciler applies actions to containers. It owns one lazily dialed
// Docker client per ship, shared by every container task targeting that
// ship, and coalesces concurrent pulls of the same image on the same ship.
type Reconciler struct {
	env      *model.Environment
	opts     Options
	dial     Dialer
	Reporter progress.Reporter

	mu      sync.Mutex
	clients map[string]dockerclient.Client

	pulls   singleflight.Group
	loginMu sync.Mutex
	logins  map[string]*sync.Mutex
}

// New builds a Reconciler over env. A nil dialer uses the Docker SDK.
func New(env *model.Environment, opts Options, dial Dialer) *Reconciler {
	if dial == nil {
		dial = defaultDialer
	}
	if opts.LogsWriter == nil {
		opts.LogsWriter = os.Stdout
	}
	return &Reconciler{
		env:      env,
		opts:     opts,
		dial:     dial,
		Reporter: progress.Nop{},
		clients:  map[string]dockerclient.Client{},
		logins:   map[string]*sync.Mutex{},
	}
}

// Close releases every dialed client.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, cli := range r.clients {
		if err := cli.Close(); err != nil {
			logging.Get().Warn().Err(err).Str("ship", name).Msg("closing docker client")
		}
		delete(r.clients, name)
	}
}

func (r *Reconciler) client(ship *model.Ship) (dockerclient.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cli, ok := r.clients[ship.Name]; ok {
		return cli, nil
	}
	cli, err := r.dial(ship)
	if err != nil {
		return nil, err
	}
	r.clients[ship.Name] = cli
	return cli, nil
}

// shipCtx applies the ship's default RPC timeout when one is declared.
func shipCtx(ctx context.Context, ship *model.Ship) (context.Context, context.CancelFunc) {
	if ship.APITimeoutSeconds > 0 {
		return context.WithTimeout(ctx, time.Duration(ship.APITimeoutSeconds)*time.Second)
	}
	return context.WithCancel(ctx)
}

// Apply runs one action against one container and reports the terminal
// status. Errors are always classified orcherr values.
func (r *Reconciler) Apply(ctx context.Context, action Action, c *model.Container) (Status, error) {
	if ctx.Err() != nil {
		return StatusFailed, orcherr.New(orcherr.KindCancelled, c.FullName(), ctx.Err())
	}
	cli, err := r.client(c.Ship)
	if err != nil {
		return StatusFailed, err
	}
	switch action {
	case ActionPull:
		return r.pull(ctx, cli, c)
	case ActionStart:
		return r.start(ctx, cli, c)
	case ActionStop:
		return r.stop(ctx, cli, c)
	case ActionKill:
		return r.kill(ctx, cli, c)
	case ActionRestart:
		return r.restart(ctx, cli, c)
	case ActionClean:
		return r.clean(ctx, cli, c)
	case ActionLogs:
		return r.logs(ctx, cli, c)
	default:
		return StatusFailed, orcherr.Newf(orcherr.KindState, c.FullName(), "unknown action %q", action)
	}
}

func (r *Reconciler) pull(ctx context.Context, cli dockerclient.Client, c *model.Container) (Status, error) {
	r.Reporter.Stage(c.FullName(), "pulling image")
	if err := r.ensureImage(ctx, cli, c, true); err != nil {
		return StatusFailed, err
	}
	return StatusDone, nil
}

func (r *Reconciler) start(ctx context.Context, cli dockerclient.Client, c *model.Container) (Status, error) {
	octx, cancel := shipCtx(ctx, c.Ship)
	defer cancel()

	info, found, err := cli.Inspect(octx, c.Name)
	if err != nil {
		return StatusFailed, err
	}
	if found && info.Running {
		// already running; the running checks still gate the no-op.
		if err := r.runChecks(ctx, cli, c, "running"); err != nil {
			return StatusFailed, err
		}
		return StatusAlready, nil
	}

	r.Reporter.Stage(c.FullName(), "checking image")
	if err := r.ensureImage(ctx, cli, c, r.opts.RefreshImages); err != nil {
		return StatusFailed, err
	}

	if !found {
		r.Reporter.Stage(c.FullName(), "creating container")
		spec, err := r.createSpec(c)
		if err != nil {
			return StatusFailed, err
		}
		if _, err := cli.Create(octx, spec); err != nil {
			return StatusFailed, err
		}
	}

	r.Reporter.Stage(c.FullName(), "starting container")
	if err := cli.Start(octx, c.Name); err != nil {
		// a failed start leaves the created container behind for
		// diagnostics; clean removes it later.
		return StatusFailed, err
	}

	r.Reporter.Stage(c.FullName(), "waiting for lifecycle")
	if err := r.runChecks(ctx, cli, c, "running"); err != nil {
		return StatusFailed, err
	}
	return StatusDone, nil
}

func (r *Reconciler) stop(ctx context.Context, cli dockerclient.Client, c *model.Container) (Status, error) {
	octx, cancel := shipCtx(ctx, c.Ship)
	defer cancel()

	info, found, err := cli.Inspect(octx, c.Name)
	if err != nil {
		return StatusFailed, err
	}
	if !found || !info.Running {
		return StatusAlready, nil
	}

	r.Reporter.Stage(c.FullName(), "stopping container")
	timeout := c.StopTimeout
	if timeout <= 0 {
		timeout = 10
	}
	// the daemon sends TERM, waits out the timeout, then escalates to KILL.
	if err := cli.Stop(octx, c.Name, timeout); err != nil {
		return StatusFailed, err
	}

	r.Reporter.Stage(c.FullName(), "waiting for lifecycle")
	if err := r.runChecks(ctx, cli, c, "stopped"); err != nil {
		return StatusFailed, err
	}
	return StatusDone, nil
}

func (r *Reconciler) kill(ctx context.Context, cli dockerclient.Client, c *model.Container) (Status, error) {
	octx, cancel := shipCtx(ctx, c.Ship)
	defer cancel()

	info, found, err := cli.Inspect(octx, c.Name)
	if err != nil {
		return StatusFailed, err
	}
	if !found || !info.Running {
		return StatusAlready, nil
	}
	r.Reporter.Stage(c.FullName(), "killing container")
	if err := cli.Kill(octx, c.Name); err != nil {
		return StatusFailed, err
	}
	return StatusDone, nil
}

func (r *Reconciler) restart(ctx context.Context, cli dockerclient.Client, c *model.Container) (Status, error) {
	octx, cancel := shipCtx(ctx, c.Ship)
	defer cancel()

	if r.opts.RefreshImages {
		r.Reporter.Stage(c.FullName(), "refreshing image")
		if err := r.ensureImage(ctx, cli, c, true); err != nil {
			return StatusFailed, err
		}
	}

	info, found, err := cli.Inspect(octx, c.Name)
	if err != nil {
		return StatusFailed, err
	}

	image := c.EffectiveImage()
	imageChanged := !found || info.Image != image
	if r.opts.OnlyIfChanged && !imageChanged {
		return StatusAlready, nil
	}

	if found && r.opts.Reuse && !imageChanged {
		// same container, same image: plain stop+start, no remove RPC.
		if info.Running {
			r.Reporter.Stage(c.FullName(), "stopping container")
			timeout := c.StopTimeout
			if timeout <= 0 {
				timeout = 10
			}
			if err := cli.Stop(octx, c.Name, timeout); err != nil {
				return StatusFailed, err
			}
			if err := r.stopStartPause(ctx); err != nil {
				return StatusFailed, orcherr.New(orcherr.KindCancelled, c.FullName(), err)
			}
		}
		r.Reporter.Stage(c.FullName(), "starting container")
		if err := cli.Start(octx, c.Name); err != nil {
			return StatusFailed, err
		}
		r.Reporter.Stage(c.FullName(), "waiting for lifecycle")
		if err := r.runChecks(ctx, cli, c, "running"); err != nil {
			return StatusFailed, err
		}
		return StatusDone, nil
	}

	if found {
		if info.Running {
			r.Reporter.Stage(c.FullName(), "stopping container")
			timeout := c.StopTimeout
			if timeout <= 0 {
				timeout = 10
			}
			if err := cli.Stop(octx, c.Name, timeout); err != nil {
				return StatusFailed, err
			}
			if err := r.stopStartPause(ctx); err != nil {
				return StatusFailed, orcherr.New(orcherr.KindCancelled, c.FullName(), err)
			}
		}
		r.Reporter.Stage(c.FullName(), "removing container")
		if err := cli.Remove(octx, c.Name); err != nil {
			return StatusFailed, err
		}
	}

	if err := r.ensureImage(ctx, cli, c, false); err != nil {
		return StatusFailed, err
	}
	r.Reporter.Stage(c.FullName(), "creating container")
	spec, err := r.createSpec(c)
	if err != nil {
		return StatusFailed, err
	}
	if _, err := cli.Create(octx, spec); err != nil {
		return StatusFailed, err
	}
	r.Reporter.Stage(c.FullName(), "starting container")
	if err := cli.Start(octx, c.Name); err != nil {
		return StatusFailed, err
	}
	r.Reporter.Stage(c.FullName(), "waiting for lifecycle")
	if err := r.runChecks(ctx, cli, c, "running"); err != nil {
		return StatusFailed, err
	}
	return StatusDone, nil
}

func (r *Reconciler) stopStartPause(ctx context.Context) error {
	if r.opts.StopStartDelay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(r.opts.StopStartDelay):
		return nil
	}
}

func (r *Reconciler) clean(ctx context.Context, cli dockerclient.Client, c *model.Container) (Status, error) {
	octx, cancel := shipCtx(ctx, c.Ship)
	defer cancel()

	info, found, err := cli.Inspect(octx, c.Name)
	if err != nil {
		return StatusFailed, err
	}
	if !found {
		return StatusAlready, nil
	}
	if info.Running {
		return StatusFailed, orcherr.Newf(orcherr.KindState, c.FullName(), "refusing to clean a running container")
	}
	r.Reporter.Stage(c.FullName(), "removing container")
	if err := cli.Remove(octx, c.Name); err != nil {
		return StatusFailed, err
	}
	return StatusDone, nil
}

func (r *Reconciler) logs(ctx context.Context, cli dockerclient.Client, c *model.Container) (Status, error) {
	_, found, err := cli.Inspect(ctx, c.Name)
	if err != nil {
		return StatusFailed, err
	}
	if !found {
		return StatusFailed, orcherr.Newf(orcherr.KindState, c.FullName(), "container does not exist")
	}
	rc, err := cli.Logs(ctx, c.Name, r.opts.LogsTail, r.opts.LogsFollow)
	if err != nil {
		return StatusFailed, err
	}
	defer rc.Close()
	if _, err := io.Copy(r.opts.LogsWriter, rc); err != nil {
		return StatusFailed, orcherr.New(orcherr.KindDaemon, c.FullName(), err)
	}
	return StatusDone, nil
}

// StatusInfo is the read-only per-container report of the status command.
type StatusInfo struct {
	Container       string
	Service         string
	Ship            string
	ConfiguredImage string
	ActualImage     string
	State           string // "absent", "created", "running", "stopped"
	ExitCode        int
	Uptime          time.Duration // for running containers
	Age             time.Duration // since exit, for stopped containers
	// Ports maps port name to reachability, populated in detailed mode.
	Ports map[string]bool
}

// Status inspects a container without mutating anything. With detailed set,
// each named port is probed with a short TCP connect.
func (r *Reconciler) Status(ctx context.Context, c *model.Container, detailed bool) (StatusInfo, error) {
	out := StatusInfo{
		Container:       c.Name,
		Service:         c.Service.Name,
		Ship:            c.Ship.Name,
		ConfiguredImage: c.EffectiveImage(),
		State:           "absent",
	}
	cli, err := r.client(c.Ship)
	if err != nil {
		return out, err
	}
	octx, cancel := shipCtx(ctx, c.Ship)
	defer cancel()

	info, found, err := cli.Inspect(octx, c.Name)
	if err != nil {
		return out, err
	}
	if !found {
		return out, nil
	}
	out.ActualImage = info.Image
	out.ExitCode = info.ExitCode
	switch {
	case info.Running:
		out.State = "running"
		out.Uptime = time.Since(info.StartedAt)
	case info.FinishedAt.IsZero():
		out.State = "created"
	default:
		out.State = "stopped"
		out.Age = time.Since(info.FinishedAt)
	}

	if detailed && info.Running {
		out.Ports = map[string]bool{}
		for _, p := range c.Ports {
			if p.External == "" {
				continue
			}
			addr := net.JoinHostPort(c.Ship.Address, p.External)
			d := net.Dialer{Timeout: 2 * time.Second}
			conn, err := d.DialContext(ctx, "tcp", addr)
			if err == nil {
				_ = conn.Close()
			}
			out.Ports[p.Name] = err == nil
		}
	}
	return out, nil
}

// createSpec projects the container's full configuration into the flat
// create request the Docker adapter takes.
func (r *Reconciler) createSpec(c *model.Container) (dockerclient.CreateSpec, error) {
	env, err := envproject.Project(c, r.env)
	if err != nil {
		return dockerclient.CreateSpec{}, orcherr.New(orcherr.KindConfig, c.FullName(), err)
	}

	ports := map[string]string{}
	for _, p := range c.Ports {
		ports[p.Exposed] = p.External
	}
	volumes := append([]string{}, c.Volumes...)
	volumes = append(volumes, c.DataVolumes...)
	var links []string
	for peer, alias := range c.Links {
		links = append(links, peer+":"+alias)
	}

	return dockerclient.CreateSpec{
		Name:          c.Name,
		Image:         c.EffectiveImage(),
		Env:           envproject.AsList(env),
		Command:       c.Command,
		User:          c.User,
		WorkDir:       c.WorkDir,
		Volumes:       volumes,
		VolumesFrom:   c.VolumesFrom,
		Ports:         ports,
		Labels:        c.Labels,
		NetworkMode:   c.NetworkMode,
		DNS:           c.DNS,
		ExtraHosts:    c.ExtraHosts,
		RestartPolicy: c.RestartPolicy,
		SecurityOpts:  c.SecurityOpts,
		LogDriver:     c.LogDriver,
		LogOptions:    c.LogOptions,
		Links:         links,
		MemLimit:      c.MemLimit,
		SwapLimit:     c.SwapLimit,
		CPUShares:     c.CPUShares,
		Ulimits:       c.Ulimits,
		Privileged:    c.Privileged,
		ReadOnlyRoot:  c.ReadOnlyRoot,
	}, nil
}

// runChecks builds the lifecycle target and polls every check bound to the
// given state slot.
func (r *Reconciler) runChecks(ctx context.Context, cli dockerclient.Client, c *model.Container, state string) error {
	specs := c.AllLifecycleChecks(state)
	if len(specs) == 0 {
		return nil
	}
	env, err := envproject.Project(c, r.env)
	if err != nil {
		return orcherr.New(orcherr.KindConfig, c.FullName(), err)
	}
	portByName := map[string]string{}
	for _, p := range c.Ports {
		if p.External != "" {
			portByName[p.Name] = net.JoinHostPort(c.Ship.Address, p.External)
		}
	}
	target := lifecycle.Target{
		ContainerID: c.Name,
		Host:        c.Ship.Address,
		PortByName:  portByName,
		Env:         envproject.AsList(env),
		RemoteExec: func(ctx context.Context, cmd []string) (int, error) {
			return cli.Exec(ctx, c.Name, cmd)
		},
	}
	return lifecycle.RunAll(ctx, specs, target, c.FullName())
}

// ensureImage makes the container's image present on its ship, pulling it
// when absent or when forcePull is set. Concurrent requests for the same
// (ship, image) pair share one in-flight pull.
func (r *Reconciler) ensureImage(ctx context.Context, cli dockerclient.Client, c *model.Container, forcePull bool) error {
	image := c.EffectiveImage()
	if !forcePull {
		ok, err := cli.HasImage(ctx, image)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	key := c.Ship.Name + "|" + image
	_, err, _ := r.pulls.Do(key, func() (interface{}, error) {
		return nil, r.pullWithRetries(ctx, cli, c.Ship, image)
	})
	return err
}

func (r *Reconciler) pullWithRetries(ctx context.Context, cli dockerclient.Client, ship *model.Ship, image string) error {
	reg := r.env.RegistryFor(image)
	var auth *dockerclient.AuthConfig
	if reg != nil {
		auth = &dockerclient.AuthConfig{
			Username: reg.Username,
			Password: reg.Password,
			Email:    reg.Email,
			Registry: reg.Host,
		}
	}

	attempts := 1
	if reg != nil && reg.Retry.MaxAttempts > 1 {
		attempts = reg.Retry.MaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return orcherr.New(orcherr.KindCancelled, image, ctx.Err())
		}
		if auth != nil {
			if err := r.login(ctx, cli, ship, *auth); err != nil {
				lastErr = err
				if reg == nil || attempt == attempts || !reg.Retry.Retryable(httpStatusOf(err)) {
					metrics.IncImagePullFailure()
					return err
				}
				continue
			}
		}
		if _, err := cli.Pull(ctx, image, auth); err != nil {
			lastErr = err
			logging.Get().Warn().Err(err).Str("ship", ship.Name).Str("image", image).Int("attempt", attempt).Msg("image pull failed")
			if reg == nil || attempt == attempts || !reg.Retry.Retryable(httpStatusOf(err)) {
				metrics.IncImagePullFailure()
				return orcherr.New(orcherr.KindImage, image, err)
			}
			select {
			case <-ctx.Done():
				return orcherr.New(orcherr.KindCancelled, image, ctx.Err())
			case <-time.After(1 * time.Second):
			}
			continue
		}
		metrics.IncImagePullSuccess()
		return nil
	}
	metrics.IncImagePullFailure()
	return orcherr.New(orcherr.KindImage, image, lastErr)
}

// login serializes registry logins per (ship, registry) pair so concurrent
// pulls don't hammer the auth endpoint.
func (r *Reconciler) login(ctx context.Context, cli dockerclient.Client, ship *model.Ship, auth dockerclient.AuthConfig) error {
	key := ship.Name + "|" + auth.Registry
	r.loginMu.Lock()
	mu, ok := r.logins[key]
	if !ok {
		mu = &sync.Mutex{}
		r.logins[key] = mu
	}
	r.loginMu.Unlock()

	mu.Lock()
	defer mu.Unlock()
	return cli.Login(ctx, auth)
}

var statusCodeRe = regexp.MustCompile(`(?i)status(?: code)?[ :=]+(\d{3})`)

// httpStatusOf extracts an HTTP status code buried in a daemon or registry
// error message, or 0 when none is present.
func httpStatusOf(err error) int {
	if err == nil {
		return 0
	}
	m := statusCodeRe.FindStringSubmatch(err.Error())
	if m == nil {
		return 0
	}
	code, convErr := strconv.Atoi(m[1])
	if convErr != nil {
		return 0
	}
	return code
}
