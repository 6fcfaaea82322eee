package dockerclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/docker/docker/client"
	"golang.org/x/crypto/ssh"

	"github.com/signalfx/maestro-ng/internal/orcherr"
)

// TLSConfig carries the certificate material for a TLS-guarded daemon.
type TLSConfig struct {
	CertPath           string
	KeyPath            string
	CACertPath         string
	InsecureSkipVerify bool
}

// SSHConfig tunnels the Docker API over an SSH connection to the ship,
// reaching the daemon's unix socket on the far side.
type SSHConfig struct {
	User         string
	IdentityFile string
	Addr         string // "host:port"
	// RemoteSocket is the daemon socket on the remote host. Defaults to
	// /var/run/docker.sock.
	RemoteSocket string
}

// DialSpec selects how a ship's daemon is reached.
type DialSpec struct {
	// Host is the Docker host URL ("tcp://host:port", "unix:///path").
	// Ignored when SSH is set.
	Host       string
	APIVersion string // "" or "auto" negotiates
	TLS        *TLSConfig
	SSH        *SSHConfig
}

// Dial connects a Client to the daemon described by spec. The connection
// is lazy: the SDK only dials on the first RPC, so acquiring a client for
// every ship up front is cheap.
func Dial(shipName string, spec DialSpec) (Client, error) {
	opts := []client.Opt{}
	if spec.APIVersion == "" || spec.APIVersion == "auto" {
		opts = append(opts, client.WithAPIVersionNegotiation())
	} else {
		opts = append(opts, client.WithVersion(spec.APIVersion))
	}

	switch {
	case spec.SSH != nil:
		dialer, err := sshDialer(*spec.SSH)
		if err != nil {
			return nil, orcherr.New(orcherr.KindDaemon, shipName, err)
		}
		// the host is a placeholder; every connection goes through the
		// ssh dialer.
		opts = append(opts,
			client.WithHost("tcp://docker:2375"),
			client.WithDialContext(dialer),
		)
	case spec.TLS != nil:
		httpClient, err := tlsHTTPClient(*spec.TLS)
		if err != nil {
			return nil, orcherr.New(orcherr.KindDaemon, shipName, err)
		}
		opts = append(opts, client.WithHost(spec.Host), client.WithHTTPClient(httpClient))
	case spec.Host != "":
		opts = append(opts, client.WithHost(spec.Host))
	default:
		opts = append(opts, client.FromEnv)
	}

	c, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, orcherr.New(orcherr.KindDaemon, shipName, err)
	}
	return &sdkClient{cli: c, ship: shipName}, nil
}

// sshDialer opens the SSH session lazily, on the first daemon RPC, and
// reuses it for every subsequent connection to the remote socket.
func sshDialer(cfg SSHConfig) (func(ctx context.Context, network, addr string) (net.Conn, error), error) {
	key, err := os.ReadFile(cfg.IdentityFile)
	if err != nil {
		return nil, fmt.Errorf("read ssh identity: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse ssh identity: %w", err)
	}
	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}
	socket := cfg.RemoteSocket
	if socket == "" {
		socket = "/var/run/docker.sock"
	}

	var mu sync.Mutex
	var conn *ssh.Client
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		_ = network
		_ = addr
		mu.Lock()
		defer mu.Unlock()
		if conn == nil {
			c, err := ssh.Dial("tcp", cfg.Addr, clientCfg)
			if err != nil {
				return nil, fmt.Errorf("ssh dial %s: %w", cfg.Addr, err)
			}
			conn = c
		}
		return conn.Dial("unix", socket)
	}, nil
}

func tlsHTTPClient(cfg TLSConfig) (*http.Client, error) {
	tlsc := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.CertPath != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("load tls keypair: %w", err)
		}
		tlsc.Certificates = []tls.Certificate{cert}
	}
	if cfg.CACertPath != "" && !cfg.InsecureSkipVerify {
		ca, err := os.ReadFile(cfg.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("read tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(ca) {
			return nil, fmt.Errorf("no certificates in %s", cfg.CACertPath)
		}
		tlsc.RootCAs = pool
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsc
	return &http.Client{Transport: transport}, nil
}
