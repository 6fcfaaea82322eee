// Package loader parses the declarative environment document into the
// entity model. The document is YAML with a schema version selector; both
// supported schemas normalize to the same internal representation.
package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/signalfx/maestro-ng/internal/graph"
	"github.com/signalfx/maestro-ng/internal/imageref"
	"github.com/signalfx/maestro-ng/internal/model"
	"github.com/signalfx/maestro-ng/internal/orcherr"
)

// Options configure a load. Template inputs are explicit: only the
// variables in Env are visible to ${VAR} expansion, and env files resolve
// against IncludeRoot.
type Options struct {
	// Env is the set of variables available to ${VAR} template expansion
	// in the document. Use EnvFromProcess to expose the process environment.
	Env map[string]string
	// IncludeRoot is the directory env_file paths resolve against.
	// LoadFile defaults it to the document's directory; with Load, an empty
	// value resolves relative paths against the working directory.
	IncludeRoot string
	// Passphrase decrypts encrypted registry passwords when set.
	Passphrase string
}

// EnvFromProcess returns the process environment as a template input map.
func EnvFromProcess() map[string]string {
	out := map[string]string{}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			out[k] = v
		}
	}
	return out
}

// supported document schema versions
const (
	schemaV1 = 1
	schemaV2 = 2
)

type rawDoc struct {
	Maestro struct {
		Schema int `yaml:"schema"`
	} `yaml:"__maestro"`
	Name         string                 `yaml:"name"`
	Registries   map[string]rawRegistry `yaml:"registries"`
	ShipDefaults rawShipDefaults        `yaml:"ship_defaults"`
	Ships        map[string]rawShip     `yaml:"ships"`
	Services     map[string]rawService  `yaml:"services"`
	Audit        []rawAuditSink         `yaml:"audit"`
}

type rawRegistry struct {
	Registry          string `yaml:"registry"`
	Username          string `yaml:"username"`
	Password          string `yaml:"password"`
	PasswordEncrypted string `yaml:"password_encrypted"`
	Email             string `yaml:"email"`
	Retry             struct {
		MaxAttempts      int   `yaml:"max_attempts"`
		RetryStatusCodes []int `yaml:"retry_status_codes"`
	} `yaml:"retry"`
}

type rawShipDefaults struct {
	Timeout    int    `yaml:"timeout"`
	DockerPort int    `yaml:"docker_port"`
	APIVersion string `yaml:"api_version"`
}

type rawShip struct {
	IP         string `yaml:"ip"`
	Endpoint   string `yaml:"endpoint"`
	DockerPort int    `yaml:"docker_port"`
	Timeout    int    `yaml:"timeout"`
	APIVersion string `yaml:"api_version"`
	SocketPath string `yaml:"socket_path"`
	TLS        *struct {
		Cert     string `yaml:"cert"`
		Key      string `yaml:"key"`
		CACert   string `yaml:"ca_cert"`
		Insecure bool   `yaml:"insecure"`
	} `yaml:"tls"`
	SSHTunnel *struct {
		User string `yaml:"user"`
		Key  string `yaml:"key"`
		Port int    `yaml:"port"`
	} `yaml:"ssh_tunnel"`
}

type rawCheck struct {
	Type       string      `yaml:"type"`
	Host       string      `yaml:"host"`
	Port       interface{} `yaml:"port"`
	Path       string      `yaml:"path"`
	Method     string      `yaml:"method"`
	Scheme     string      `yaml:"scheme"`
	MatchRegex string      `yaml:"match_regex"`
	Command    interface{} `yaml:"command"`
	MaxWait    int         `yaml:"max_wait"`
	Attempts   int         `yaml:"attempts"`
	Seconds    int         `yaml:"seconds"`
}

type rawLimits struct {
	Memory interface{} `yaml:"memory"`
	Swap   interface{} `yaml:"swap"`
	CPU    int64       `yaml:"cpu"`
}

type rawInstance struct {
	Ship             string                 `yaml:"ship"`
	Image            string                 `yaml:"image"`
	Ports            map[string]interface{} `yaml:"ports"`
	Env              map[string]interface{} `yaml:"env"`
	Volumes          map[string]string      `yaml:"volumes"`
	ContainerVolumes interface{}            `yaml:"container_volumes"`
	VolumesFrom      []string               `yaml:"volumes_from"`
	Limits           rawLimits              `yaml:"limits"`
	Ulimits          map[string]int64       `yaml:"ulimits"`
	StopTimeout      int                    `yaml:"stop_timeout"`
	Privileged       bool                   `yaml:"privileged"`
	NetworkMode      string                 `yaml:"network_mode"`
	DNS              interface{}            `yaml:"dns"`
	Restart          string                 `yaml:"restart"`
	SecurityOpt      []string               `yaml:"security_opt"`
	Labels           map[string]string      `yaml:"labels"`
	LogDriver        string                 `yaml:"log_driver"`
	LogOpt           map[string]string      `yaml:"log_opt"`
	Command          interface{}            `yaml:"command"`
	User             string                 `yaml:"user"`
	WorkDir          string                 `yaml:"workdir"`
	ReadOnly         bool                   `yaml:"read_only"`
	ExtraHosts       map[string]string      `yaml:"extra_hosts"`
	Links            map[string]string      `yaml:"links"`
	Lifecycle        map[string][]rawCheck  `yaml:"lifecycle"`
}

type rawService struct {
	Image     string                 `yaml:"image"`
	Omit      bool                   `yaml:"omit"`
	Requires  []string               `yaml:"requires"`
	WantsInfo []string               `yaml:"wants_info"`
	Env       map[string]interface{} `yaml:"env"`
	EnvFile   interface{}            `yaml:"env_file"`
	Ports     map[string]interface{} `yaml:"ports"`
	Lifecycle map[string][]rawCheck  `yaml:"lifecycle"`
	Instances map[string]rawInstance `yaml:"instances"`
}

type rawAuditSink struct {
	Type         string   `yaml:"type"`
	URL          string   `yaml:"url"`
	Command      []string `yaml:"command"`
	IgnoreErrors bool     `yaml:"ignore_errors"`
}

// AuditSinkSpec is the loader's view of one configured audit sink, handed
// to the CLI for wiring into an audit.Trail.
type AuditSinkSpec struct {
	Type         string
	URL          string
	Command      []string
	IgnoreErrors bool
}

// LoadFile renders and parses the document at path.
func LoadFile(path string, opts Options) (*model.Environment, []AuditSinkSpec, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, orcherr.New(orcherr.KindConfig, path, err)
	}
	if opts.IncludeRoot == "" {
		opts.IncludeRoot = filepath.Dir(path)
	}
	return Load(b, opts)
}

// Load renders template variables into doc and parses it.
func Load(doc []byte, opts Options) (*model.Environment, []AuditSinkSpec, error) {
	rendered := os.Expand(string(doc), func(key string) string {
		if v, ok := opts.Env[key]; ok {
			return v
		}
		// unknown variables render empty rather than leaking "$FOO"
		// literals into the YAML.
		return ""
	})

	var raw rawDoc
	if err := yaml.Unmarshal([]byte(rendered), &raw); err != nil {
		return nil, nil, orcherr.New(orcherr.KindConfig, "document", err)
	}
	if raw.Maestro.Schema != schemaV1 && raw.Maestro.Schema != schemaV2 {
		return nil, nil, orcherr.Newf(orcherr.KindConfig, "document", "unsupported schema version %d", raw.Maestro.Schema)
	}

	env := &model.Environment{
		Name:       raw.Name,
		Ships:      map[string]*model.Ship{},
		Registries: map[string]*model.Registry{},
		Services:   map[string]*model.Service{},
		EnvFiles:   map[string]map[string]string{},
	}

	for name, r := range raw.Registries {
		reg, err := buildRegistry(name, r, opts.Passphrase)
		if err != nil {
			return nil, nil, err
		}
		env.Registries[name] = reg
	}

	for name, s := range raw.Ships {
		ship, err := buildShip(name, s, raw.ShipDefaults)
		if err != nil {
			return nil, nil, err
		}
		env.Ships[name] = ship
	}

	if err := buildServices(env, raw, opts); err != nil {
		return nil, nil, err
	}
	if err := validate(env); err != nil {
		return nil, nil, err
	}

	sinks := make([]AuditSinkSpec, 0, len(raw.Audit))
	for _, a := range raw.Audit {
		sinks = append(sinks, AuditSinkSpec(a))
	}
	return env, sinks, nil
}

func buildRegistry(name string, r rawRegistry, passphrase string) (*model.Registry, error) {
	reg := &model.Registry{
		Name:     name,
		Host:     r.Registry,
		Username: r.Username,
		Password: r.Password,
		Email:    r.Email,
		Retry: model.RegistryRetryPolicy{
			MaxAttempts:      r.Retry.MaxAttempts,
			RetryStatusCodes: r.Retry.RetryStatusCodes,
		},
	}
	if r.PasswordEncrypted != "" {
		reg.EncryptedPassword = r.PasswordEncrypted
		if passphrase == "" {
			return nil, orcherr.Newf(orcherr.KindConfig, name, "registry password is encrypted but no passphrase was provided")
		}
		plain, err := imageref.DecryptSecret(passphrase, name, r.PasswordEncrypted)
		if err != nil {
			return nil, orcherr.New(orcherr.KindConfig, name, err)
		}
		reg.Password = plain
	}
	return reg, nil
}

func buildShip(name string, s rawShip, defaults rawShipDefaults) (*model.Ship, error) {
	if s.IP == "" && s.SocketPath == "" {
		return nil, orcherr.Newf(orcherr.KindConfig, name, "ship needs an ip or a socket_path")
	}
	ship := &model.Ship{
		Name:              name,
		Address:           s.IP,
		Endpoint:          s.Endpoint,
		DockerPort:        s.DockerPort,
		SocketPath:        s.SocketPath,
		APIVersion:        s.APIVersion,
		APITimeoutSeconds: s.Timeout,
		Transport:         model.TransportTCP,
	}
	if ship.DockerPort == 0 {
		ship.DockerPort = defaults.DockerPort
	}
	if ship.APITimeoutSeconds == 0 {
		ship.APITimeoutSeconds = defaults.Timeout
	}
	if ship.APIVersion == "" {
		ship.APIVersion = defaults.APIVersion
	}
	switch {
	case s.SSHTunnel != nil:
		ship.Transport = model.TransportSSH
		ship.SSHUser = s.SSHTunnel.User
		ship.SSHIdentityFile = s.SSHTunnel.Key
		ship.SSHPort = s.SSHTunnel.Port
	case s.TLS != nil:
		ship.Transport = model.TransportTLS
		ship.TLSCertPath = s.TLS.Cert
		ship.TLSKeyPath = s.TLS.Key
		ship.TLSCACertPath = s.TLS.CACert
		ship.TLSInsecureSkipVer = s.TLS.Insecure
	case s.SocketPath != "":
		ship.Transport = model.TransportUnix
	}
	return ship, nil
}

func buildServices(env *model.Environment, raw rawDoc, opts Options) error {
	// first pass: create services and instances so cross-references can
	// resolve regardless of declaration order.
	for name, rs := range raw.Services {
		svc := &model.Service{
			Name:  name,
			Image: rs.Image,
			Omit:  rs.Omit,
			Env:   flattenEnv(rs.Env),
		}
		var err error
		if svc.EnvFiles, err = stringList(rs.EnvFile); err != nil {
			return orcherr.Newf(orcherr.KindConfig, name, "env_file: %v", err)
		}
		if svc.Ports, err = parsePorts(rs.Ports); err != nil {
			return orcherr.Newf(orcherr.KindConfig, name, "ports: %v", err)
		}
		if svc.LifecycleChecks, err = parseLifecycle(rs.Lifecycle); err != nil {
			return orcherr.Newf(orcherr.KindConfig, name, "lifecycle: %v", err)
		}
		env.Services[name] = svc
	}

	for name, rs := range raw.Services {
		svc := env.Services[name]
		for instName, ri := range rs.Instances {
			c, err := buildInstance(env, svc, instName, ri, raw.Maestro.Schema)
			if err != nil {
				return err
			}
			svc.Containers = append(svc.Containers, c)
		}
		sortContainers(svc)
	}

	// resolve dependency references.
	for name, rs := range raw.Services {
		svc := env.Services[name]
		for _, dep := range rs.Requires {
			target, ok := env.Services[dep]
			if !ok {
				return orcherr.Newf(orcherr.KindConfig, name, "requires unknown service %q", dep)
			}
			svc.Requires = append(svc.Requires, target)
		}
		for _, dep := range rs.WantsInfo {
			target, ok := env.Services[dep]
			if !ok {
				return orcherr.Newf(orcherr.KindConfig, name, "wants_info unknown service %q", dep)
			}
			svc.WantsInfo = append(svc.WantsInfo, target)
		}
	}

	// load env files referenced by any service.
	for _, svc := range env.Services {
		for _, f := range svc.EnvFiles {
			if _, done := env.EnvFiles[f]; done {
				continue
			}
			vars, err := loadEnvFile(filepath.Join(opts.IncludeRoot, f))
			if err != nil {
				return orcherr.New(orcherr.KindConfig, f, err)
			}
			env.EnvFiles[f] = vars
		}
	}
	return nil
}

func buildInstance(env *model.Environment, svc *model.Service, name string, ri rawInstance, schema int) (*model.Container, error) {
	full := svc.Name + "." + name
	ship, ok := env.Ships[ri.Ship]
	if !ok {
		return nil, orcherr.Newf(orcherr.KindConfig, full, "unknown ship %q", ri.Ship)
	}

	c := &model.Container{
		Name:          name,
		Service:       svc,
		Ship:          ship,
		ImageOverride: ri.Image,
		InstanceEnv:   flattenEnv(ri.Env),
		VolumesFrom:   ri.VolumesFrom,
		StopTimeout:   ri.StopTimeout,
		Privileged:    ri.Privileged,
		NetworkMode:   ri.NetworkMode,
		RestartPolicy: ri.Restart,
		SecurityOpts:  ri.SecurityOpt,
		Labels:        ri.Labels,
		LogDriver:     ri.LogDriver,
		LogOptions:    ri.LogOpt,
		User:          ri.User,
		WorkDir:       ri.WorkDir,
		ReadOnlyRoot:  ri.ReadOnly,
		Ulimits:       ri.Ulimits,
		Links:         ri.Links,
		CPUShares:     ri.Limits.CPU,
	}

	var err error
	if c.MemLimit, err = parseByteSize(ri.Limits.Memory); err != nil {
		return nil, orcherr.Newf(orcherr.KindConfig, full, "limits.memory: %v", err)
	}
	if c.SwapLimit, err = parseByteSize(ri.Limits.Swap); err != nil {
		return nil, orcherr.Newf(orcherr.KindConfig, full, "limits.swap: %v", err)
	}
	if c.Command, err = commandList(ri.Command); err != nil {
		return nil, orcherr.Newf(orcherr.KindConfig, full, "command: %v", err)
	}
	if c.DNS, err = stringList(ri.DNS); err != nil {
		return nil, orcherr.Newf(orcherr.KindConfig, full, "dns: %v", err)
	}
	if c.LifecycleChecks, err = parseLifecycle(ri.Lifecycle); err != nil {
		return nil, orcherr.Newf(orcherr.KindConfig, full, "lifecycle: %v", err)
	}

	// instance ports overlay the service's defaults.
	instPorts, err := parsePorts(ri.Ports)
	if err != nil {
		return nil, orcherr.Newf(orcherr.KindConfig, full, "ports: %v", err)
	}
	c.Ports = mergePorts(svc.Ports, instPorts)

	c.Volumes = normalizeVolumes(ri.Volumes, schema)
	if c.DataVolumes, err = stringList(ri.ContainerVolumes); err != nil {
		return nil, orcherr.Newf(orcherr.KindConfig, full, "container_volumes: %v", err)
	}

	for host, ip := range ri.ExtraHosts {
		c.ExtraHosts = append(c.ExtraHosts, host+":"+ip)
	}
	return c, nil
}

// normalizeVolumes maps the schema-specific volume key direction to
// "host:container" bind specs. Schema v1 keys are container paths, v2 keys
// are host paths.
func normalizeVolumes(vols map[string]string, schema int) []string {
	var out []string
	for k, v := range vols {
		if schema == schemaV1 {
			// v1: container:host
			out = append(out, v+":"+k)
		} else {
			// v2: host:container
			out = append(out, k+":"+v)
		}
	}
	return out
}

func sortContainers(svc *model.Service) {
	sort.Slice(svc.Containers, func(i, j int) bool {
		return svc.Containers[i].Name < svc.Containers[j].Name
	})
}

func validate(env *model.Environment) error {
	// instance names are globally unique so they can double as daemon
	// container names.
	owner := map[string]string{}
	for _, svc := range env.Services {
		for _, c := range svc.Containers {
			if prev, taken := owner[c.Name]; taken {
				return orcherr.Newf(orcherr.KindConfig, c.FullName(), "instance name %q already used by service %q", c.Name, prev)
			}
			owner[c.Name] = svc.Name
		}
	}

	// volumes_from targets must exist and share the referencing
	// container's ship; the source service becomes an implicit hard
	// dependency so start order is right.
	byName := map[string]*model.Container{}
	for _, svc := range env.Services {
		for _, c := range svc.Containers {
			byName[c.Name] = c
		}
	}
	for _, svc := range env.Services {
		for _, c := range svc.Containers {
			for _, from := range c.VolumesFrom {
				src, ok := byName[from]
				if !ok {
					return orcherr.Newf(orcherr.KindConfig, c.FullName(), "volumes_from unknown container %q", from)
				}
				if src.Ship != c.Ship {
					return orcherr.Newf(orcherr.KindConfig, c.FullName(), "volumes_from %q is on ship %s, not %s", from, src.Ship.Name, c.Ship.Name)
				}
				if src.Service != svc && !hasDependency(svc, src.Service) {
					svc.Requires = append(svc.Requires, src.Service)
				}
			}
		}
	}

	// image references must parse; a registry match is optional but a
	// malformed reference never is.
	for _, svc := range env.Services {
		for _, c := range svc.Containers {
			if c.EffectiveImage() == "" {
				return orcherr.Newf(orcherr.KindConfig, c.FullName(), "no image declared")
			}
			if _, err := imageref.Parse(c.EffectiveImage()); err != nil {
				return orcherr.New(orcherr.KindConfig, c.FullName(), err)
			}
		}
	}

	// the hard-dependency graph must be a DAG; soft edges may cycle.
	return graph.New(env).CheckCycles()
}

func hasDependency(svc *model.Service, dep *model.Service) bool {
	for _, d := range svc.Requires {
		if d == dep {
			return true
		}
	}
	return false
}

// flattenEnv renders env values to strings; list values are deep-flattened
// to space-separated strings to support YAML composition.
func flattenEnv(in map[string]interface{}) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = flattenValue(v)
	}
	return out
}

func flattenValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []interface{}:
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = flattenValue(e)
		}
		return strings.Join(parts, " ")
	default:
		return fmt.Sprint(t)
	}
}

// stringList accepts a scalar or a list and returns a string slice.
func stringList(v interface{}) ([]string, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{t}, nil
	case []interface{}:
		out := make([]string, len(t))
		for i, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("expected string, got %T", e)
			}
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected string or list, got %T", v)
	}
}

// commandList accepts either an argv list or a shell-ish string that is
// split on whitespace.
func commandList(v interface{}) ([]string, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		return strings.Fields(t), nil
	case []interface{}:
		return stringList(v)
	default:
		return nil, fmt.Errorf("expected string or list, got %T", v)
	}
}

// parsePorts normalizes the port map: a scalar value is an external port
// that doubles as the exposed port; "ext:int" splits the two; a mapping
// spells each part out.
func parsePorts(in map[string]interface{}) ([]model.Port, error) {
	var names []string
	for name := range in {
		names = append(names, name)
	}
	// stable declaration-independent order
	sort.Strings(names)

	var out []model.Port
	for _, name := range names {
		p := model.Port{Name: name, Protocol: "tcp"}
		switch v := in[name].(type) {
		case int:
			p.External = strconv.Itoa(v)
			p.Exposed = p.External + "/tcp"
		case string:
			spec := v
			if strings.HasSuffix(spec, "/udp") {
				p.Protocol = "udp"
				spec = strings.TrimSuffix(spec, "/udp")
			} else {
				spec = strings.TrimSuffix(spec, "/tcp")
			}
			if ext, internal, ok := strings.Cut(spec, ":"); ok {
				p.External = ext
				p.Exposed = internal + "/" + p.Protocol
			} else {
				p.External = spec
				p.Exposed = spec + "/" + p.Protocol
			}
		case map[string]interface{}:
			ext, _ := v["external"].(string)
			if n, ok := v["external"].(int); ok {
				ext = strconv.Itoa(n)
			}
			internal := ""
			for _, key := range []string{"exposed", "internal"} {
				if s, ok := v[key].(string); ok {
					internal = s
				}
				if n, ok := v[key].(int); ok {
					internal = strconv.Itoa(n)
				}
			}
			if proto, ok := v["protocol"].(string); ok {
				p.Protocol = proto
			}
			if internal == "" {
				internal = ext
			}
			p.External = ext
			if strings.Contains(internal, "/") {
				p.Exposed = internal
			} else {
				p.Exposed = internal + "/" + p.Protocol
			}
		default:
			return nil, fmt.Errorf("port %q: unsupported spec %T", name, in[name])
		}
		out = append(out, p)
	}
	return out, nil
}

func mergePorts(base, overlay []model.Port) []model.Port {
	if len(overlay) == 0 {
		return append([]model.Port{}, base...)
	}
	byName := map[string]model.Port{}
	var order []string
	for _, p := range base {
		byName[p.Name] = p
		order = append(order, p.Name)
	}
	for _, p := range overlay {
		if _, ok := byName[p.Name]; !ok {
			order = append(order, p.Name)
		}
		byName[p.Name] = p
	}
	out := make([]model.Port, len(order))
	for i, name := range order {
		out[i] = byName[name]
	}
	return out
}

func parseLifecycle(in map[string][]rawCheck) ([]model.LifecycleCheckSpec, error) {
	var out []model.LifecycleCheckSpec
	for _, state := range []string{"running", "stopped"} {
		for _, rc := range in[state] {
			spec := model.LifecycleCheckSpec{
				Type:       rc.Type,
				State:      state,
				Host:       rc.Host,
				Path:       rc.Path,
				Method:     rc.Method,
				Scheme:     rc.Scheme,
				MatchRegex: rc.MatchRegex,
				MaxWait:    rc.MaxWait,
				Attempts:   rc.Attempts,
				Seconds:    rc.Seconds,
			}
			switch v := rc.Port.(type) {
			case nil:
			case string:
				spec.Port = v
			case int:
				spec.Port = strconv.Itoa(v)
			default:
				return nil, fmt.Errorf("check port: unsupported type %T", rc.Port)
			}
			var err error
			if spec.Command, err = commandList(rc.Command); err != nil {
				return nil, fmt.Errorf("check command: %v", err)
			}
			out = append(out, spec)
		}
	}
	for state := range in {
		if state != "running" && state != "stopped" {
			return nil, fmt.Errorf("unknown lifecycle state %q", state)
		}
	}
	return out, nil
}

// parseByteSize parses "512", "512m", "1g" style sizes into bytes.
func parseByteSize(v interface{}) (int64, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case int:
		return int64(t), nil
	case int64:
		return t, nil
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		if s == "" {
			return 0, nil
		}
		mult := int64(1)
		switch s[len(s)-1] {
		case 'k':
			mult = 1024
			s = s[:len(s)-1]
		case 'm':
			mult = 1024 * 1024
			s = s[:len(s)-1]
		case 'g':
			mult = 1024 * 1024 * 1024
			s = s[:len(s)-1]
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size %q", t)
		}
		return n * mult, nil
	default:
		return 0, fmt.Errorf("invalid size %T", v)
	}
}

// loadEnvFile parses a KEY=VALUE file, ignoring blank lines and comments.
func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	out := map[string]string{}
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("malformed line %q", line)
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out, nil
}
