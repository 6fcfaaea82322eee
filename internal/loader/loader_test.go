package loader

import (
	"strings"
	"testing"

	"github.com/signalfx/maestro-ng/internal/model"
	"github.com/signalfx/maestro-ng/internal/orcherr"
)

const baseDoc = `
__maestro: { schema: 2 }
name: testenv
registries:
  private:
    registry: registry.example.com
    username: bob
    password: secret
    retry: { max_attempts: 3, retry_status_codes: [500, 502] }
ship_defaults:
  timeout: 15
ships:
  alpha: { ip: 10.0.0.1 }
  beta:  { ip: 10.0.0.2, docker_port: 2376, timeout: 30 }
services:
  zookeeper:
    image: registry.example.com/acme/zookeeper:3.4
    ports: { client: 2181 }
    lifecycle:
      running:
        - { type: tcp, port: client, max_wait: 30 }
    instances:
      zk:
        ship: alpha
  kafka:
    image: acme/kafka:0.8
    requires: [ zookeeper ]
    env: { JVM_FLAGS: [ "-Xmx1g", "-server" ] }
    instances:
      kafka-1:
        ship: beta
        ports: { broker: "9092:9092" }
        volumes:
          /data/kafka: /var/lib/kafka
        limits: { memory: 1g, cpu: 2 }
        stop_timeout: 30
`

func load(t *testing.T, doc string, opts Options) *model.Environment {
	t.Helper()
	env, _, err := Load([]byte(doc), opts)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return env
}

func TestLoadBasicDocument(t *testing.T) {
	env := load(t, baseDoc, Options{})

	if env.Name != "testenv" {
		t.Errorf("name = %q", env.Name)
	}
	if len(env.Ships) != 2 || len(env.Services) != 2 {
		t.Fatalf("ships=%d services=%d", len(env.Ships), len(env.Services))
	}
	if env.Ships["alpha"].APITimeoutSeconds != 15 {
		t.Errorf("ship_defaults timeout not applied: %d", env.Ships["alpha"].APITimeoutSeconds)
	}
	if env.Ships["beta"].APITimeoutSeconds != 30 {
		t.Errorf("per-ship timeout not kept: %d", env.Ships["beta"].APITimeoutSeconds)
	}

	kafka := env.Services["kafka"]
	if len(kafka.Requires) != 1 || kafka.Requires[0].Name != "zookeeper" {
		t.Fatalf("kafka.Requires = %v", kafka.Requires)
	}
	// list env values flatten to space-separated strings.
	if kafka.Env["JVM_FLAGS"] != "-Xmx1g -server" {
		t.Errorf("JVM_FLAGS = %q", kafka.Env["JVM_FLAGS"])
	}

	inst := kafka.Containers[0]
	if inst.Name != "kafka-1" || inst.Ship.Name != "beta" {
		t.Fatalf("instance = %+v", inst)
	}
	if inst.MemLimit != 1<<30 || inst.CPUShares != 2 {
		t.Errorf("limits: mem=%d cpu=%d", inst.MemLimit, inst.CPUShares)
	}
	if inst.StopTimeout != 30 {
		t.Errorf("stop_timeout = %d", inst.StopTimeout)
	}
	if len(inst.Volumes) != 1 || inst.Volumes[0] != "/data/kafka:/var/lib/kafka" {
		t.Errorf("v2 volumes = %v", inst.Volumes)
	}
	if p, ok := inst.PortByName("broker"); !ok || p.External != "9092" || p.Exposed != "9092/tcp" {
		t.Errorf("broker port = %+v", p)
	}

	reg := env.RegistryFor("registry.example.com/acme/zookeeper:3.4")
	if reg == nil || reg.Username != "bob" {
		t.Fatalf("registry lookup failed: %+v", reg)
	}
	if reg.Retry.MaxAttempts != 3 || !reg.Retry.Retryable(502) || reg.Retry.Retryable(404) {
		t.Errorf("retry policy = %+v", reg.Retry)
	}
}

func TestSchemaV1VolumesAreReversed(t *testing.T) {
	doc := `
__maestro: { schema: 1 }
name: v1env
ships:
  alpha: { ip: 10.0.0.1 }
services:
  db:
    image: acme/db:1
    instances:
      db-1:
        ship: alpha
        volumes:
          /var/lib/db: /data/db
`
	env := load(t, doc, Options{})
	inst := env.Services["db"].Containers[0]
	// v1 keys are container paths, so the host side leads after
	// normalization.
	if len(inst.Volumes) != 1 || inst.Volumes[0] != "/data/db:/var/lib/db" {
		t.Errorf("v1 volumes = %v", inst.Volumes)
	}
}

func TestUnknownSchemaVersionFails(t *testing.T) {
	doc := strings.Replace(baseDoc, "schema: 2", "schema: 9", 1)
	_, _, err := Load([]byte(doc), Options{})
	if err == nil || !orcherr.Is(err, orcherr.KindConfig) {
		t.Fatalf("expected ConfigError for unknown schema, got %v", err)
	}
}

func TestDependencyCycleFailsAtLoad(t *testing.T) {
	doc := `
__maestro: { schema: 2 }
name: cyclic
ships:
  alpha: { ip: 10.0.0.1 }
services:
  a:
    image: acme/a:1
    requires: [ b ]
    instances:
      a-1: { ship: alpha }
  b:
    image: acme/b:1
    requires: [ a ]
    instances:
      b-1: { ship: alpha }
`
	_, _, err := Load([]byte(doc), Options{})
	if err == nil || !orcherr.Is(err, orcherr.KindConfig) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	msg := err.Error()
	if !strings.Contains(msg, "a") || !strings.Contains(msg, "b") || !strings.Contains(msg, "cycle") {
		t.Errorf("cycle error should name the cycle: %q", msg)
	}
}

func TestUnknownDependencyFails(t *testing.T) {
	doc := `
__maestro: { schema: 2 }
name: broken
ships:
  alpha: { ip: 10.0.0.1 }
services:
  a:
    image: acme/a:1
    requires: [ ghost ]
    instances:
      a-1: { ship: alpha }
`
	_, _, err := Load([]byte(doc), Options{})
	if err == nil || !orcherr.Is(err, orcherr.KindConfig) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestUnknownShipFails(t *testing.T) {
	doc := `
__maestro: { schema: 2 }
name: broken
ships:
  alpha: { ip: 10.0.0.1 }
services:
  a:
    image: acme/a:1
    instances:
      a-1: { ship: nowhere }
`
	_, _, err := Load([]byte(doc), Options{})
	if err == nil || !orcherr.Is(err, orcherr.KindConfig) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestDuplicateInstanceNamesFail(t *testing.T) {
	doc := `
__maestro: { schema: 2 }
name: broken
ships:
  alpha: { ip: 10.0.0.1 }
services:
  a:
    image: acme/a:1
    instances:
      shared: { ship: alpha }
  b:
    image: acme/b:1
    instances:
      shared: { ship: alpha }
`
	_, _, err := Load([]byte(doc), Options{})
	if err == nil || !orcherr.Is(err, orcherr.KindConfig) {
		t.Fatalf("expected ConfigError for duplicate instance names, got %v", err)
	}
}

func TestVolumesFromAddsImplicitDependency(t *testing.T) {
	doc := `
__maestro: { schema: 2 }
name: vf
ships:
  alpha: { ip: 10.0.0.1 }
services:
  data:
    image: acme/data:1
    instances:
      data-1: { ship: alpha }
  app:
    image: acme/app:1
    instances:
      app-1:
        ship: alpha
        volumes_from: [ data-1 ]
`
	env := load(t, doc, Options{})
	app := env.Services["app"]
	if len(app.Requires) != 1 || app.Requires[0].Name != "data" {
		t.Fatalf("volumes_from must imply a hard dependency, got %v", app.Requires)
	}
}

func TestVolumesFromAcrossShipsFails(t *testing.T) {
	doc := `
__maestro: { schema: 2 }
name: vf
ships:
  alpha: { ip: 10.0.0.1 }
  beta:  { ip: 10.0.0.2 }
services:
  data:
    image: acme/data:1
    instances:
      data-1: { ship: alpha }
  app:
    image: acme/app:1
    instances:
      app-1:
        ship: beta
        volumes_from: [ data-1 ]
`
	_, _, err := Load([]byte(doc), Options{})
	if err == nil || !orcherr.Is(err, orcherr.KindConfig) {
		t.Fatalf("expected ConfigError for cross-ship volumes_from, got %v", err)
	}
}

func TestSoftDependencyCyclesAreAllowed(t *testing.T) {
	doc := `
__maestro: { schema: 2 }
name: soft
ships:
  alpha: { ip: 10.0.0.1 }
services:
  a:
    image: acme/a:1
    wants_info: [ b ]
    instances:
      a-1: { ship: alpha }
  b:
    image: acme/b:1
    wants_info: [ a ]
    instances:
      b-1: { ship: alpha }
`
	env := load(t, doc, Options{})
	if len(env.Services["a"].WantsInfo) != 1 {
		t.Error("wants_info edge lost")
	}
}

func TestTemplateExpansion(t *testing.T) {
	doc := `
__maestro: { schema: 2 }
name: tpl
ships:
  alpha: { ip: "${ALPHA_IP}" }
services:
  a:
    image: acme/a:${TAG}
    instances:
      a-1: { ship: alpha }
`
	env := load(t, doc, Options{Env: map[string]string{"ALPHA_IP": "192.168.1.5", "TAG": "2.0"}})
	if env.Ships["alpha"].Address != "192.168.1.5" {
		t.Errorf("ship ip = %q", env.Ships["alpha"].Address)
	}
	if got := env.Services["a"].Containers[0].EffectiveImage(); got != "acme/a:2.0" {
		t.Errorf("image = %q", got)
	}
}

func TestShipTransports(t *testing.T) {
	doc := `
__maestro: { schema: 2 }
name: transports
ships:
  tcp1:  { ip: 10.0.0.1 }
  tls1:  { ip: 10.0.0.2, tls: { cert: /c.pem, key: /k.pem, ca_cert: /ca.pem } }
  unix1: { ip: 127.0.0.1, socket_path: /var/run/docker.sock }
  ssh1:  { ip: 10.0.0.4, ssh_tunnel: { user: ops, key: /id_rsa, port: 22 } }
services:
  a:
    image: acme/a:1
    instances:
      a-1: { ship: tcp1 }
`
	env := load(t, doc, Options{})
	cases := map[string]model.Transport{
		"tcp1": model.TransportTCP, "tls1": model.TransportTLS,
		"unix1": model.TransportUnix, "ssh1": model.TransportSSH,
	}
	for name, want := range cases {
		if got := env.Ships[name].Transport; got != want {
			t.Errorf("%s transport = %s, want %s", name, got, want)
		}
	}
	if host := env.Ships["unix1"].DockerHost(); host != "unix:///var/run/docker.sock" {
		t.Errorf("unix docker host = %q", host)
	}
}

func TestAuditSinksParsed(t *testing.T) {
	doc := `
__maestro: { schema: 2 }
name: audited
audit:
  - { type: slack, url: "https://hooks.slack.com/services/T/B/X", ignore_errors: true }
  - { type: exec, command: [ "/usr/local/bin/audit-hook" ] }
ships:
  alpha: { ip: 10.0.0.1 }
services:
  a:
    image: acme/a:1
    instances:
      a-1: { ship: alpha }
`
	_, sinks, err := Load([]byte(doc), Options{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(sinks) != 2 {
		t.Fatalf("sinks = %+v", sinks)
	}
	if sinks[0].Type != "slack" || !sinks[0].IgnoreErrors {
		t.Errorf("slack sink = %+v", sinks[0])
	}
	if sinks[1].Type != "exec" || len(sinks[1].Command) != 1 {
		t.Errorf("exec sink = %+v", sinks[1])
	}
}
