package lifecycle

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/signalfx/maestro-ng/internal/model"
	"github.com/signalfx/maestro-ng/internal/orcherr"
)

func TestTCPCheckPassesAgainstListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	spec := model.LifecycleCheckSpec{Type: "tcp", Port: "http", MaxWait: 2, Attempts: 3}
	target := Target{ContainerID: "c1", PortByName: map[string]string{"http": ln.Addr().String()}}
	check, err := Build(spec, target)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := Run(context.Background(), spec, check, "c1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestTCPCheckTimesOutAgainstClosedPort(t *testing.T) {
	spec := model.LifecycleCheckSpec{Type: "tcp", Port: "http", MaxWait: 1, Attempts: 1}
	target := Target{ContainerID: "c1", PortByName: map[string]string{"http": "127.0.0.1:1"}}
	check, err := Build(spec, target)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	err = Run(context.Background(), spec, check, "c1")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !orcherr.Is(err, orcherr.KindLifecycleTimeout) {
		t.Fatalf("expected LifecycleTimeout, got %v", err)
	}
}

func TestHTTPCheckPasses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	addr := srv.Listener.Addr().String()
	spec := model.LifecycleCheckSpec{Type: "http", Port: "http", Path: "/", MaxWait: 2, Attempts: 2}
	target := Target{ContainerID: "c1", PortByName: map[string]string{"http": addr}}
	check, err := Build(spec, target)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := Run(context.Background(), spec, check, "c1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRemoteExecCheckUsesDaemonExecutor(t *testing.T) {
	calls := 0
	spec := model.LifecycleCheckSpec{Type: "rexec", Command: []string{"true"}, MaxWait: 3, Attempts: 2}
	target := Target{
		ContainerID: "c1",
		RemoteExec: func(ctx context.Context, cmd []string) (int, error) {
			calls++
			if calls < 2 {
				return 1, nil
			}
			return 0, nil
		},
	}
	check, err := Build(spec, target)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := Run(context.Background(), spec, check, "c1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 exec attempts, got %d", calls)
	}
}

func TestRemoteExecCheckRequiresLiveContainer(t *testing.T) {
	spec := model.LifecycleCheckSpec{Type: "rexec", Command: []string{"true"}}
	_, err := Build(spec, Target{ContainerID: "c1"})
	if err == nil || !orcherr.Is(err, orcherr.KindState) {
		t.Fatalf("expected StateError, got %v", err)
	}
}

func TestTCPCheckNumericPortBindsToHost(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	_, port, _ := net.SplitHostPort(ln.Addr().String())
	spec := model.LifecycleCheckSpec{Type: "tcp", Port: port, MaxWait: 2, Attempts: 2}
	target := Target{ContainerID: "c1", Host: "127.0.0.1"}
	check, err := Build(spec, target)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := Run(context.Background(), spec, check, "c1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestHTTPCheckMatchRegex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("status: healthy"))
	}))
	defer srv.Close()

	addr := srv.Listener.Addr().String()
	spec := model.LifecycleCheckSpec{Type: "http", Port: "http", MatchRegex: "healthy", MaxWait: 2, Attempts: 1}
	target := Target{ContainerID: "c1", PortByName: map[string]string{"http": addr}}
	check, err := Build(spec, target)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	// the regex match takes precedence over the non-200 status.
	if err := Run(context.Background(), spec, check, "c1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestUnknownCheckTypeIsConfigError(t *testing.T) {
	spec := model.LifecycleCheckSpec{Type: "bogus"}
	_, err := Build(spec, Target{ContainerID: "c1"})
	if err == nil || !orcherr.Is(err, orcherr.KindConfig) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestSleepCheckWaitsAndPasses(t *testing.T) {
	spec := model.LifecycleCheckSpec{Type: "sleep", MaxWait: 0}
	check, err := Build(spec, Target{ContainerID: "c1"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	start := time.Now()
	ok, err := check.Test(context.Background())
	if err != nil || !ok {
		t.Fatalf("Test() = %v, %v", ok, err)
	}
	if time.Since(start) < 900*time.Millisecond {
		t.Fatalf("sleep check returned too early")
	}
}
