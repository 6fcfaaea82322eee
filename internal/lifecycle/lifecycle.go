// Package lifecycle implements the pluggable liveness/readiness checks run
// against a container after it transitions toward "running" or "stopped".
package lifecycle

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"time"

	"github.com/signalfx/maestro-ng/internal/logging"
	"github.com/signalfx/maestro-ng/internal/model"
	"github.com/signalfx/maestro-ng/internal/orcherr"
)

// Check is a single configured probe, ready to be polled against a live
// container.
type Check interface {
	// Test runs one probe attempt and reports whether it passed.
	Test(ctx context.Context) (bool, error)
}

// Target is the information a Check needs about the container it probes,
// supplied by the reconciler after the container has been inspected.
type Target struct {
	ContainerID string
	// Host is the externally reachable address of the container's ship,
	// the default target for tcp/http probes.
	Host string
	// PortByName maps a service port's logical name to its host-exposed
	// "host:port" address, for tcp/http checks.
	PortByName map[string]string
	// Env is the environment the container receives, injected into exec
	// checks so in-probe helper code sees the same discovery variables.
	Env []string
	// RemoteExec runs a command inside the container via the daemon's exec
	// facility and returns its exit code, for rexec checks.
	RemoteExec func(ctx context.Context, cmd []string) (int, error)
}

// resolveAddr turns a check spec's host/port into a dialable address: a
// named port resolves to its externally mapped address, a numeric literal
// binds to the spec's host (or the ship address).
func (t Target) resolveAddr(spec model.LifecycleCheckSpec) (string, error) {
	if addr, ok := t.PortByName[spec.Port]; ok {
		if spec.Host != "" {
			_, port, err := net.SplitHostPort(addr)
			if err != nil {
				return "", err
			}
			return net.JoinHostPort(spec.Host, port), nil
		}
		return addr, nil
	}
	if _, err := strconv.Atoi(spec.Port); err == nil {
		host := spec.Host
		if host == "" {
			host = t.Host
		}
		return net.JoinHostPort(host, spec.Port), nil
	}
	return "", orcherr.Newf(orcherr.KindConfig, t.ContainerID, "%s check references unknown port %q", spec.Type, spec.Port)
}

// Factory builds a Check from a spec and a resolved target.
type Factory func(spec model.LifecycleCheckSpec, target Target) (Check, error)

var registry = map[string]Factory{
	"tcp":   newTCPCheck,
	"http":  newHTTPCheck,
	"exec":  newExecCheck,
	"rexec": newRemoteExecCheck,
	"sleep": newSleepCheck,
}

// Register adds or overrides a check factory for the given type name.
func Register(kind string, f Factory) { registry[kind] = f }

// Build constructs a Check for spec using the registered factory for its
// Type, returning a ConfigError if the type is unknown.
func Build(spec model.LifecycleCheckSpec, target Target) (Check, error) {
	f, ok := registry[spec.Type]
	if !ok {
		return nil, orcherr.Newf(orcherr.KindConfig, target.ContainerID, "unknown lifecycle check type %q", spec.Type)
	}
	return f(spec, target)
}

// Run polls check at one-second intervals until it passes, attempts are
// exhausted, or maxWait elapses, returning a LifecycleTimeout error on
// failure to reach a passing state in time.
func Run(ctx context.Context, spec model.LifecycleCheckSpec, check Check, subject string) error {
	maxWait := time.Duration(spec.MaxWait) * time.Second
	if maxWait <= 0 {
		maxWait = 30 * time.Second
	}
	attempts := spec.Attempts
	if attempts <= 0 {
		// attempts defaults to the maxWait budget at one probe per second.
		attempts = int(maxWait / time.Second)
		if attempts < 1 {
			attempts = 1
		}
	}

	deadline := time.Now().Add(maxWait)
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if ctx.Err() != nil {
			return orcherr.New(orcherr.KindCancelled, subject, ctx.Err())
		}
		ok, err := check.Test(ctx)
		if err != nil {
			lastErr = err
			logging.Get().Debug().Err(err).Str("container", subject).Str("check", spec.Type).Msg("lifecycle check attempt failed")
		} else if ok {
			return nil
		}
		if attempt < attempts-1 {
			if time.Now().After(deadline) {
				break
			}
			select {
			case <-ctx.Done():
				return orcherr.New(orcherr.KindCancelled, subject, ctx.Err())
			case <-time.After(1 * time.Second):
			}
		}
	}
	if lastErr != nil {
		return orcherr.Newf(orcherr.KindLifecycleTimeout, subject, "%s check never passed: %v", spec.Type, lastErr)
	}
	return orcherr.Newf(orcherr.KindLifecycleTimeout, subject, "%s check never passed after %d attempt(s)", spec.Type, attempts)
}

// RunAll builds and polls every check bound to the given state slot,
// stopping at the first failure.
func RunAll(ctx context.Context, specs []model.LifecycleCheckSpec, target Target, subject string) error {
	for _, spec := range specs {
		check, err := Build(spec, target)
		if err != nil {
			return err
		}
		if err := Run(ctx, spec, check, subject); err != nil {
			return err
		}
	}
	return nil
}

type tcpCheck struct{ addr string }

func newTCPCheck(spec model.LifecycleCheckSpec, target Target) (Check, error) {
	addr, err := target.resolveAddr(spec)
	if err != nil {
		return nil, err
	}
	return &tcpCheck{addr: addr}, nil
}

func (c *tcpCheck) Test(ctx context.Context) (bool, error) {
	d := net.Dialer{Timeout: 2 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return false, err
	}
	_ = conn.Close()
	return true, nil
}

type httpCheck struct {
	url    string
	method string
	match  *regexp.Regexp
}

func newHTTPCheck(spec model.LifecycleCheckSpec, target Target) (Check, error) {
	addr, err := target.resolveAddr(spec)
	if err != nil {
		return nil, err
	}
	path := spec.Path
	if path == "" {
		path = "/"
	}
	scheme := spec.Scheme
	if scheme == "" {
		scheme = "http"
	}
	method := spec.Method
	if method == "" {
		method = http.MethodGet
	}
	var match *regexp.Regexp
	if spec.MatchRegex != "" {
		match, err = regexp.Compile(spec.MatchRegex)
		if err != nil {
			return nil, orcherr.Newf(orcherr.KindConfig, target.ContainerID, "http check match_regex: %v", err)
		}
	}
	return &httpCheck{url: fmt.Sprintf("%s://%s%s", scheme, addr, path), method: method, match: match}, nil
}

func (c *httpCheck) Test(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, c.method, c.url, nil)
	if err != nil {
		return false, err
	}
	client := http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if c.match != nil {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return false, err
		}
		return c.match.Match(body), nil
	}
	return resp.StatusCode == http.StatusOK, nil
}

type execCheck struct {
	cmd []string
	env []string
}

// newExecCheck runs the command on the orchestrator host, with the child
// environment extended with the variables the container itself receives.
func newExecCheck(spec model.LifecycleCheckSpec, target Target) (Check, error) {
	if len(spec.Command) == 0 {
		return nil, orcherr.Newf(orcherr.KindConfig, target.ContainerID, "%s check requires a command", spec.Type)
	}
	return &execCheck{cmd: spec.Command, env: target.Env}, nil
}

func (c *execCheck) Test(ctx context.Context) (bool, error) {
	cmd := exec.CommandContext(ctx, c.cmd[0], c.cmd[1:]...)
	cmd.Env = append(os.Environ(), c.env...)
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode() == 0, nil
		}
		return false, err
	}
	return true, nil
}

type remoteExecCheck struct {
	cmd  []string
	exec func(ctx context.Context, cmd []string) (int, error)
}

// newRemoteExecCheck runs the command inside the target container via the
// daemon's exec facility.
func newRemoteExecCheck(spec model.LifecycleCheckSpec, target Target) (Check, error) {
	if len(spec.Command) == 0 {
		return nil, orcherr.Newf(orcherr.KindConfig, target.ContainerID, "rexec check requires a command")
	}
	if target.RemoteExec == nil {
		return nil, orcherr.Newf(orcherr.KindState, target.ContainerID, "rexec check requires a live container")
	}
	return &remoteExecCheck{cmd: spec.Command, exec: target.RemoteExec}, nil
}

func (c *remoteExecCheck) Test(ctx context.Context) (bool, error) {
	code, err := c.exec(ctx, c.cmd)
	if err != nil {
		return false, err
	}
	return code == 0, nil
}

type sleepCheck struct{ d time.Duration }

func newSleepCheck(spec model.LifecycleCheckSpec, target Target) (Check, error) {
	_ = target
	d := time.Duration(spec.Seconds) * time.Second
	if d <= 0 {
		d = 1 * time.Second
	}
	return &sleepCheck{d: d}, nil
}

func (c *sleepCheck) Test(ctx context.Context) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-time.After(c.d):
		return true, nil
	}
}
