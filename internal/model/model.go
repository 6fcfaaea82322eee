// Package model holds the entity types that describe a declared environment:
// ships, registries, services, their containers and the ports they expose.
package model

import (
	"fmt"
	"sort"
	"strings"

	"github.com/signalfx/maestro-ng/internal/imageref"
)

// Transport selects how the orchestrator talks to a Ship's Docker daemon.
type Transport string

const (
	TransportTCP  Transport = "tcp"
	TransportTLS  Transport = "tls"
	TransportUnix Transport = "unix"
	TransportSSH  Transport = "ssh"
)

// Ship is a single Docker host in the fleet.
type Ship struct {
	Name      string
	Address   string
	Transport Transport

	// Endpoint, when set, is the address the Docker daemon is reached at
	// when it differs from the externally visible Address (e.g. a private
	// management interface).
	Endpoint   string
	DockerPort int

	// TLS fields, used when Transport == TransportTLS.
	TLSCertPath        string
	TLSKeyPath         string
	TLSCACertPath      string
	TLSInsecureSkipVer bool

	// Unix fields, used when Transport == TransportUnix.
	SocketPath string

	// SSH fields, used when Transport == TransportSSH.
	SSHUser         string
	SSHIdentityFile string
	SSHPort         int

	// APIVersion pins the Docker remote API version, or "auto" to negotiate.
	APIVersion string

	// Timeout for Docker API calls issued against this ship, in seconds. Zero
	// means the caller-supplied context deadline governs instead.
	APITimeoutSeconds int
}

func (s *Ship) String() string {
	return fmt.Sprintf("%s(%s)", s.Name, s.Address)
}

// DaemonAddress returns the address the Docker daemon should be dialed at:
// the distinct endpoint when one is declared, the ship address otherwise.
func (s *Ship) DaemonAddress() string {
	if s.Endpoint != "" {
		return s.Endpoint
	}
	return s.Address
}

// DockerHost renders the ship's daemon endpoint as a Docker host URL
// suitable for the SDK client ("tcp://host:port", "unix:///path", ...).
// SSH ships also render as tcp://address:port; the Docker adapter does not
// use this value for them and dials the daemon through its own SSH tunnel.
func (s *Ship) DockerHost() string {
	port := s.DockerPort
	if port == 0 {
		port = 2375
		if s.Transport == TransportTLS {
			port = 2376
		}
	}
	switch s.Transport {
	case TransportUnix:
		path := s.SocketPath
		if path == "" {
			path = "/var/run/docker.sock"
		}
		return "unix://" + path
	default:
		return fmt.Sprintf("tcp://%s:%d", s.DaemonAddress(), port)
	}
}

// RegistryRetryPolicy bounds image pull/login retries against a registry.
type RegistryRetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Zero or one means no retry.
	MaxAttempts int
	// RetryStatusCodes lists the HTTP status codes that warrant another
	// attempt; any other failure fails fast.
	RetryStatusCodes []int
}

// Retryable reports whether a failure carrying the given HTTP status code
// should be retried under this policy.
func (p RegistryRetryPolicy) Retryable(statusCode int) bool {
	for _, c := range p.RetryStatusCodes {
		if c == statusCode {
			return true
		}
	}
	return false
}

// Registry holds credentials for a Docker image registry, matched against an
// image reference's registry host.
type Registry struct {
	Name     string
	Host     string
	Username string
	Password string
	Email    string

	// EncryptedPassword, when set, is a base64 ciphertext that must be
	// decrypted with a passphrase before use; see imageref.DecryptSecret.
	EncryptedPassword string

	Retry RegistryRetryPolicy
}

// Matches reports whether this registry's host is the registry portion of
// the given image reference.
func (r *Registry) Matches(image string) bool {
	ref, err := imageref.Parse(image)
	if err != nil {
		return false
	}
	if ref.Registry == r.Host {
		return true
	}
	// FQDN fallback: the declared host may carry a scheme or path
	// ("https://registry.example.com/v2/"), only its hostname matters.
	return hostOf(r.Host) == ref.Registry
}

func hostOf(s string) string {
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/:"); i >= 0 {
		s = s[:i]
	}
	return s
}

// Port describes a single exposed container port and how it is published.
type Port struct {
	Name     string // logical name, e.g. "http"
	Exposed  string // "8080/tcp" as seen inside the container
	External string // host-side port, or "" to let Docker pick one
	Protocol string // "tcp" or "udp", defaults to "tcp"
}

// ExposedNumber returns the in-container port number of the port spec.
func (p Port) ExposedNumber() string {
	n, _, _ := strings.Cut(p.Exposed, "/")
	return n
}

// LifecycleCheckSpec configures a single lifecycle check attached to a
// container's "running" or "stopped" transition.
type LifecycleCheckSpec struct {
	Type       string // "tcp", "http", "exec", "rexec", "sleep"
	State      string // "running" or "stopped"
	Host       string // override target host, defaults to the ship address
	Port       string // port name or numeric literal, for tcp/http checks
	Path       string // URL path, for http checks
	Method     string // HTTP method, defaults to GET
	Scheme     string // "http" or "https", defaults to "http"
	MatchRegex string // success = body matches, instead of status 200
	Command    []string
	MaxWait    int // seconds
	Attempts   int
	Seconds    int // sleep duration, for sleep checks
}

// Container is one instance of a Service running on a specific Ship.
type Container struct {
	Name    string
	Service *Service
	Ship    *Ship

	// ImageOverride, when non-empty, replaces the service image for this
	// instance (per-instance image parameterization).
	ImageOverride string

	InstanceEnv map[string]string

	// Ports is the instance's merged port map: service defaults overlaid
	// with the instance's own declarations, keyed by logical name.
	Ports []Port

	// LifecycleChecks are the instance's own checks, run in addition to the
	// service-level ones.
	LifecycleChecks []LifecycleCheckSpec

	Volumes     []string // "host:container[:mode]" bind specs
	DataVolumes []string // container-only volumes (no host binding)
	VolumesFrom []string // names of other containers on the same ship

	StopTimeout int // seconds, grace period before TERM escalates to KILL

	Command      []string
	User         string
	WorkDir      string
	ReadOnlyRoot bool
	Privileged   bool

	NetworkMode   string
	DNS           []string
	ExtraHosts    []string
	RestartPolicy string
	SecurityOpts  []string
	Labels        map[string]string
	LogDriver     string
	LogOptions    map[string]string

	MemLimit  int64
	SwapLimit int64
	CPUShares int64
	Ulimits   map[string]int64

	// Links maps a peer container name to its in-container alias for
	// legacy Docker links.
	Links map[string]string
}

// FullName is the dotted name used for env-var projection and CLI targeting.
func (c *Container) FullName() string {
	return fmt.Sprintf("%s.%s", c.Service.Name, c.Name)
}

// EffectiveImage returns the image this instance runs: the instance
// override when present, the service image otherwise.
func (c *Container) EffectiveImage() string {
	if c.ImageOverride != "" {
		return c.ImageOverride
	}
	return c.Service.Image
}

// AllLifecycleChecks returns the service-level checks followed by the
// instance-level ones, filtered to the given state slot.
func (c *Container) AllLifecycleChecks(state string) []LifecycleCheckSpec {
	var out []LifecycleCheckSpec
	for _, spec := range c.Service.LifecycleChecks {
		if spec.State == state {
			out = append(out, spec)
		}
	}
	for _, spec := range c.LifecycleChecks {
		if spec.State == state {
			out = append(out, spec)
		}
	}
	return out
}

// PortByName returns the container's port with the given logical name.
func (c *Container) PortByName(name string) (Port, bool) {
	for _, p := range c.Ports {
		if p.Name == name {
			return p, true
		}
	}
	return Port{}, false
}

// Service is a named group of Containers sharing an image and dependency set.
type Service struct {
	Name            string
	Image           string
	Env             map[string]string
	EnvFiles        []string
	Ports           []Port
	LifecycleChecks []LifecycleCheckSpec
	Containers      []*Container

	// Omit excludes the service from "all"-style selections; it remains
	// eligible as a dependency of other services.
	Omit bool

	// Requires lists services that must be started, in order, before this
	// one (a hard dependency: a cycle through Requires is a ConfigError).
	Requires []*Service
	// WantsInfo lists services this one wants env-var discovery information
	// from, without requiring them to be up first. Cycles through WantsInfo
	// alone are permitted.
	WantsInfo []*Service
}

// NeededFor returns the services that declare this service in their
// Requires set, i.e. its reverse-dependency edges. Reverse play ordering
// does not use it; graph.Order reverses the forward layers instead.
func (s *Service) NeededFor(env *Environment) []*Service {
	var out []*Service
	for _, other := range env.Services {
		for _, dep := range other.Requires {
			if dep == s {
				out = append(out, other)
				break
			}
		}
	}
	return out
}

// Environment is the fully parsed, validated declarative document: every
// ship, registry and service the orchestrator knows about for this run.
type Environment struct {
	Name       string
	Ships      map[string]*Ship
	Registries map[string]*Registry
	Services   map[string]*Service

	// EnvFiles holds the parsed contents of every env file referenced by a
	// service, keyed by the file path as declared.
	EnvFiles map[string]map[string]string
}

// RegistryFor resolves the registry credentials to use for the given image
// reference: exact host match first, then FQDN fallback on the declared
// registry URLs. Returns nil when no registry matches.
func (e *Environment) RegistryFor(image string) *Registry {
	names := make([]string, 0, len(e.Registries))
	for n := range e.Registries {
		names = append(names, n)
	}
	sort.Strings(names)
	ref, err := imageref.Parse(image)
	if err != nil {
		return nil
	}
	for _, n := range names {
		if e.Registries[n].Host == ref.Registry {
			return e.Registries[n]
		}
	}
	for _, n := range names {
		if e.Registries[n].Matches(image) {
			return e.Registries[n]
		}
	}
	return nil
}

// AllContainers returns every container across every service, sorted by
// FullName for deterministic iteration. Services flagged omit are skipped;
// they only participate when named explicitly or pulled in as dependencies.
func (e *Environment) AllContainers() []*Container {
	var out []*Container
	for _, svc := range e.Services {
		if svc.Omit {
			continue
		}
		out = append(out, svc.Containers...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullName() < out[j].FullName() })
	return out
}

// ResolveContainers expands a list of target names (service names, or
// service.instance names, or bare instance names) into concrete containers.
// An empty target list means "all containers" minus omitted services.
func (e *Environment) ResolveContainers(targets []string) ([]*Container, error) {
	if len(targets) == 0 {
		return e.AllContainers(), nil
	}
	var out []*Container
	seen := map[*Container]bool{}
	add := func(c *Container) {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	for _, t := range targets {
		if svc, ok := e.Services[t]; ok {
			for _, c := range svc.Containers {
				add(c)
			}
			continue
		}
		if svcName, instName, ok := strings.Cut(t, "."); ok {
			if svc, ok := e.Services[svcName]; ok {
				found := false
				for _, c := range svc.Containers {
					if c.Name == instName {
						add(c)
						found = true
					}
				}
				if found {
					continue
				}
			}
		}
		// bare instance name: instance names are globally unique.
		found := false
		for _, svc := range e.Services {
			for _, c := range svc.Containers {
				if c.Name == t {
					add(c)
					found = true
				}
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown target %q", t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullName() < out[j].FullName() })
	return out, nil
}
