package dockerclient

import "time"

// ContainerInfo is a minimal container representation used by the reconciler
// to avoid leaking the full Docker SDK type through the Client interface.
type ContainerInfo struct {
	ID         string
	Name       string
	Image      string
	ImageID    string
	Labels     map[string]string
	Running    bool
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
	// IPAddress and PortBindings are populated from the daemon's inspect
	// response and used to resolve lifecycle check targets.
	IPAddress    string
	PortBindings map[string]string // "80/tcp" -> "host:port"
}

// CreateSpec is the set of parameters needed to create a container for one
// of a service's instances.
type CreateSpec struct {
	Name        string
	Image       string
	Env         []string
	Command     []string
	User        string
	WorkDir     string
	Volumes     []string
	VolumesFrom []string
	Ports       map[string]string // "80/tcp" -> external port, "" for daemon-assigned
	Labels      map[string]string

	NetworkMode   string
	DNS           []string
	ExtraHosts    []string
	RestartPolicy string
	SecurityOpts  []string
	LogDriver     string
	LogOptions    map[string]string
	Links         []string

	MemLimit     int64
	SwapLimit    int64
	CPUShares    int64
	Ulimits      map[string]int64
	Privileged   bool
	ReadOnlyRoot bool
}

// AuthConfig carries registry login credentials for a pull or login call.
type AuthConfig struct {
	Username string
	Password string
	Email    string
	Registry string
}
