// Package dockerclient defines the Docker daemon collaborator interface the
// reconciler and scheduler depend on, and an implementation backed by the
// official Docker SDK, one instance per Ship.
package dockerclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/docker/docker/api/types"
	containertypes "github.com/docker/docker/api/types/container"
	imageapi "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	registrytypes "github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/signalfx/maestro-ng/internal/logging"
	"github.com/signalfx/maestro-ng/internal/orcherr"
)

const maxNameLen = 64

// Client is the set of Docker daemon operations the orchestrator needs
// against a single Ship. Implementations must be safe for concurrent use -
// the scheduler dispatches actions for many containers on the same ship
// concurrently.
type Client interface {
	Inspect(ctx context.Context, containerID string) (ContainerInfo, bool, error)
	Create(ctx context.Context, spec CreateSpec) (string, error)
	Start(ctx context.Context, containerID string) error
	Stop(ctx context.Context, containerID string, timeoutSeconds int) error
	Kill(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string) error
	Logs(ctx context.Context, containerID string, tail int, follow bool) (io.ReadCloser, error)
	Exec(ctx context.Context, containerID string, cmd []string) (int, error)

	// HasImage reports whether the daemon already has the image tag.
	HasImage(ctx context.Context, image string) (bool, error)
	// Pull pulls image, authenticating with auth if non-nil, and returns the
	// resolved image ID.
	Pull(ctx context.Context, image string, auth *AuthConfig) (string, error)
	// Login verifies auth against the registry it names.
	Login(ctx context.Context, auth AuthConfig) error

	Close() error
}

// dockerAPI is the subset of the SDK client's methods the implementation
// calls, narrowed so it can be faked in tests without a real daemon.
type dockerAPI interface {
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerCreate(ctx context.Context, config *containertypes.Config, hostConfig *containertypes.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (containertypes.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options containertypes.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options containertypes.StopOptions) error
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options containertypes.RemoveOptions) error
	ContainerLogs(ctx context.Context, containerID string, options containertypes.LogsOptions) (io.ReadCloser, error)
	ContainerExecCreate(ctx context.Context, container string, config containertypes.ExecOptions) (types.IDResponse, error)
	ContainerExecStart(ctx context.Context, execID string, config containertypes.ExecStartOptions) error
	ContainerExecInspect(ctx context.Context, execID string) (containertypes.ExecInspect, error)
	ImagePull(ctx context.Context, refStr string, options imageapi.PullOptions) (io.ReadCloser, error)
	ImageInspectWithRaw(ctx context.Context, image string) (types.ImageInspect, []byte, error)
	RegistryLogin(ctx context.Context, auth registrytypes.AuthConfig) (registrytypes.AuthenticateOKBody, error)
	Close() error
}

type sdkClient struct {
	cli  dockerAPI
	ship string
}

func (s *sdkClient) Close() error { return s.cli.Close() }

// sanitizeName returns a Docker-safe container name: lower-cased, stripped
// of any character outside [a-zA-Z0-9_.-], capped at maxNameLen, and
// guaranteed to start with an alphanumeric character.
func sanitizeName(name string) string {
	name = strings.ToLower(name)
	clean := invalidNameChar.ReplaceAllString(name, "")
	if clean == "" {
		return "container"
	}
	if len(clean) > maxNameLen {
		clean = clean[:maxNameLen]
	}
	r := rune(clean[0])
	if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
		clean = "c" + clean
		if len(clean) > maxNameLen {
			clean = clean[:maxNameLen]
		}
	}
	return clean
}

var invalidNameChar = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

func (s *sdkClient) Inspect(ctx context.Context, containerID string) (ContainerInfo, bool, error) {
	insp, err := s.cli.ContainerInspect(ctx, containerID)
	if client.IsErrNotFound(err) {
		return ContainerInfo{}, false, nil
	}
	if err != nil {
		return ContainerInfo{}, false, orcherr.New(orcherr.KindDaemon, s.ship, err)
	}
	info := ContainerInfo{
		ID:           insp.ID,
		Name:         strings.TrimPrefix(insp.Name, "/"),
		Labels:       insp.Config.Labels,
		PortBindings: map[string]string{},
	}
	if insp.Image != "" {
		info.ImageID = insp.Image
	}
	if insp.Config != nil {
		info.Image = insp.Config.Image
	}
	if insp.State != nil {
		info.Running = insp.State.Running
		info.ExitCode = insp.State.ExitCode
		if t, err := time.Parse(time.RFC3339Nano, insp.State.StartedAt); err == nil {
			info.StartedAt = t
		}
		if t, err := time.Parse(time.RFC3339Nano, insp.State.FinishedAt); err == nil {
			info.FinishedAt = t
		}
	}
	if insp.NetworkSettings != nil {
		info.IPAddress = insp.NetworkSettings.IPAddress
		for portKey, bindings := range insp.NetworkSettings.Ports {
			if len(bindings) == 0 {
				continue
			}
			info.PortBindings[string(portKey)] = fmt.Sprintf("%s:%s", hostOrLoopback(bindings[0].HostIP), bindings[0].HostPort)
		}
	}
	return info, true, nil
}

func hostOrLoopback(ip string) string {
	if ip == "" || ip == "0.0.0.0" {
		return "127.0.0.1"
	}
	return ip
}

func (s *sdkClient) Create(ctx context.Context, spec CreateSpec) (string, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for portSpec, external := range spec.Ports {
		p, err := nat.NewPort(protocolOf(portSpec), portOf(portSpec))
		if err != nil {
			return "", orcherr.New(orcherr.KindConfig, spec.Name, err)
		}
		exposed[p] = struct{}{}
		if external != "" {
			bindings[p] = []nat.PortBinding{{HostPort: external}}
		} else {
			bindings[p] = []nat.PortBinding{{}}
		}
	}

	cfg := &containertypes.Config{
		Image:        spec.Image,
		Hostname:     sanitizeName(spec.Name),
		Env:          spec.Env,
		Cmd:          spec.Command,
		User:         spec.User,
		WorkingDir:   spec.WorkDir,
		Labels:       spec.Labels,
		ExposedPorts: exposed,
	}
	hostCfg := &containertypes.HostConfig{
		Binds:          spec.Volumes,
		VolumesFrom:    spec.VolumesFrom,
		PortBindings:   bindings,
		Privileged:     spec.Privileged,
		ReadonlyRootfs: spec.ReadOnlyRoot,
		NetworkMode:    containertypes.NetworkMode(spec.NetworkMode),
		DNS:            spec.DNS,
		ExtraHosts:     spec.ExtraHosts,
		SecurityOpt:    spec.SecurityOpts,
		Links:          spec.Links,
		Resources: containertypes.Resources{
			Memory:     spec.MemLimit,
			MemorySwap: spec.SwapLimit,
			CPUShares:  spec.CPUShares,
		},
	}
	if len(spec.Ulimits) > 0 {
		names := make([]string, 0, len(spec.Ulimits))
		for n := range spec.Ulimits {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			v := spec.Ulimits[n]
			hostCfg.Resources.Ulimits = append(hostCfg.Resources.Ulimits, &units.Ulimit{Name: n, Soft: v, Hard: v})
		}
	}
	if spec.RestartPolicy != "" {
		hostCfg.RestartPolicy = containertypes.RestartPolicy{Name: containertypes.RestartPolicyMode(spec.RestartPolicy)}
	}
	if spec.LogDriver != "" {
		hostCfg.LogConfig = containertypes.LogConfig{Type: spec.LogDriver, Config: spec.LogOptions}
	}

	resp, err := s.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, sanitizeName(spec.Name))
	if err != nil {
		return "", orcherr.New(orcherr.KindDaemon, spec.Name, err)
	}
	return resp.ID, nil
}

func protocolOf(portSpec string) string {
	if _, proto, ok := strings.Cut(portSpec, "/"); ok {
		return proto
	}
	return "tcp"
}

func portOf(portSpec string) string {
	p, _, _ := strings.Cut(portSpec, "/")
	return p
}

func (s *sdkClient) Start(ctx context.Context, containerID string) error {
	if err := s.cli.ContainerStart(ctx, containerID, containertypes.StartOptions{}); err != nil {
		return orcherr.New(orcherr.KindDaemon, containerID, err)
	}
	return nil
}

func (s *sdkClient) Stop(ctx context.Context, containerID string, timeoutSeconds int) error {
	t := timeoutSeconds
	opts := containertypes.StopOptions{Timeout: &t}
	if err := s.cli.ContainerStop(ctx, containerID, opts); err != nil {
		return orcherr.New(orcherr.KindDaemon, containerID, err)
	}
	return nil
}

func (s *sdkClient) Kill(ctx context.Context, containerID string) error {
	if err := s.cli.ContainerKill(ctx, containerID, "SIGKILL"); err != nil {
		return orcherr.New(orcherr.KindDaemon, containerID, err)
	}
	return nil
}

func (s *sdkClient) Remove(ctx context.Context, containerID string) error {
	if err := s.cli.ContainerRemove(ctx, containerID, containertypes.RemoveOptions{Force: true}); err != nil {
		return orcherr.New(orcherr.KindDaemon, containerID, err)
	}
	return nil
}

func (s *sdkClient) Logs(ctx context.Context, containerID string, tail int, follow bool) (io.ReadCloser, error) {
	opts := containertypes.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: follow}
	if tail > 0 {
		opts.Tail = fmt.Sprintf("%d", tail)
	}
	rc, err := s.cli.ContainerLogs(ctx, containerID, opts)
	if err != nil {
		return nil, orcherr.New(orcherr.KindDaemon, containerID, err)
	}
	return rc, nil
}

func (s *sdkClient) Exec(ctx context.Context, containerID string, cmd []string) (int, error) {
	resp, err := s.cli.ContainerExecCreate(ctx, containerID, containertypes.ExecOptions{
		Cmd: cmd, AttachStdout: true, AttachStderr: true,
	})
	if err != nil {
		return -1, orcherr.New(orcherr.KindDaemon, containerID, err)
	}
	if err := s.cli.ContainerExecStart(ctx, resp.ID, containertypes.ExecStartOptions{}); err != nil {
		return -1, orcherr.New(orcherr.KindDaemon, containerID, err)
	}
	for {
		insp, err := s.cli.ContainerExecInspect(ctx, resp.ID)
		if err != nil {
			return -1, orcherr.New(orcherr.KindDaemon, containerID, err)
		}
		if !insp.Running {
			return insp.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return -1, orcherr.New(orcherr.KindCancelled, containerID, ctx.Err())
		case <-time.After(250 * time.Millisecond):
		}
	}
}

func (s *sdkClient) HasImage(ctx context.Context, image string) (bool, error) {
	_, _, err := s.cli.ImageInspectWithRaw(ctx, image)
	if client.IsErrNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, orcherr.New(orcherr.KindDaemon, s.ship, err)
	}
	return true, nil
}

func (s *sdkClient) Pull(ctx context.Context, image string, auth *AuthConfig) (string, error) {
	opts := imageapi.PullOptions{}
	if auth != nil {
		opts.RegistryAuth = encodeAuth(*auth)
	}
	logging.Get().Info().Str("ship", s.ship).Str("image", image).Msg("pulling image")
	rc, err := s.cli.ImagePull(ctx, image, opts)
	if err != nil {
		return "", orcherr.New(orcherr.KindImage, image, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return "", orcherr.New(orcherr.KindImage, image, err)
	}
	inspected, _, err := s.cli.ImageInspectWithRaw(ctx, image)
	if err != nil {
		return "", orcherr.New(orcherr.KindImage, image, err)
	}
	return inspected.ID, nil
}

func (s *sdkClient) Login(ctx context.Context, auth AuthConfig) error {
	_, err := s.cli.RegistryLogin(ctx, registrytypes.AuthConfig{
		Username:      auth.Username,
		Password:      auth.Password,
		Email:         auth.Email,
		ServerAddress: auth.Registry,
	})
	if err != nil {
		return orcherr.New(orcherr.KindImage, auth.Registry, err)
	}
	return nil
}

func encodeAuth(auth AuthConfig) string {
	b, _ := json.Marshal(registrytypes.AuthConfig{
		Username:      auth.Username,
		Password:      auth.Password,
		Email:         auth.Email,
		ServerAddress: auth.Registry,
	})
	return base64.StdEncoding.EncodeToString(b)
}
