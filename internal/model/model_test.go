package model

import "testing"

func TestRegistryMatchesFQDNFallback(t *testing.T) {
	reg := &Registry{Name: "private", Host: "https://registry.example.com/v2/"}
	if !reg.Matches("registry.example.com/acme/app:1.0") {
		t.Error("registry URL with scheme and path must still match the image's registry host")
	}
	if reg.Matches("other.example.com/acme/app:1.0") {
		t.Error("mismatched registry host must not match")
	}
}

func TestRegistryForPrefersExactMatch(t *testing.T) {
	env := &Environment{Registries: map[string]*Registry{
		"hub":     {Name: "hub", Host: "index.docker.io"},
		"private": {Name: "private", Host: "registry.example.com"},
	}}
	if reg := env.RegistryFor("registry.example.com/acme/app:1.0"); reg == nil || reg.Name != "private" {
		t.Fatalf("RegistryFor = %+v", reg)
	}
	if reg := env.RegistryFor("acme/app:1.0"); reg == nil || reg.Name != "hub" {
		t.Fatalf("bare references resolve to the default registry host, got %+v", reg)
	}
}

func TestDockerHostPerTransport(t *testing.T) {
	cases := []struct {
		ship Ship
		want string
	}{
		{Ship{Address: "10.0.0.1", Transport: TransportTCP}, "tcp://10.0.0.1:2375"},
		{Ship{Address: "10.0.0.1", Transport: TransportTLS}, "tcp://10.0.0.1:2376"},
		{Ship{Address: "10.0.0.1", Transport: TransportTCP, DockerPort: 4243}, "tcp://10.0.0.1:4243"},
		{Ship{Address: "10.0.0.1", Transport: TransportTCP, Endpoint: "172.16.0.1"}, "tcp://172.16.0.1:2375"},
		{Ship{Address: "127.0.0.1", Transport: TransportUnix, SocketPath: "/run/docker.sock"}, "unix:///run/docker.sock"},
		{Ship{Address: "127.0.0.1", Transport: TransportUnix}, "unix:///var/run/docker.sock"},
	}
	for _, c := range cases {
		if got := c.ship.DockerHost(); got != c.want {
			t.Errorf("DockerHost(%+v) = %q, want %q", c.ship, got, c.want)
		}
	}
}

func TestEffectiveImageOverride(t *testing.T) {
	svc := &Service{Name: "web", Image: "acme/web:1.0"}
	inst := &Container{Name: "web-1", Service: svc}
	if got := inst.EffectiveImage(); got != "acme/web:1.0" {
		t.Errorf("EffectiveImage() = %q", got)
	}
	inst.ImageOverride = "acme/web:canary"
	if got := inst.EffectiveImage(); got != "acme/web:canary" {
		t.Errorf("EffectiveImage() with override = %q", got)
	}
}

func TestResolveContainersExpandsAndDedupes(t *testing.T) {
	ship := &Ship{Name: "a", Address: "10.0.0.1"}
	svc := &Service{Name: "web", Image: "acme/web:1"}
	c1 := &Container{Name: "web-1", Service: svc, Ship: ship}
	c2 := &Container{Name: "web-2", Service: svc, Ship: ship}
	svc.Containers = []*Container{c1, c2}
	env := &Environment{Services: map[string]*Service{"web": svc}}

	got, err := env.ResolveContainers([]string{"web", "web.web-1", "web-2"})
	if err != nil {
		t.Fatalf("ResolveContainers: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 deduped containers, got %d", len(got))
	}

	if _, err := env.ResolveContainers([]string{"ghost"}); err == nil {
		t.Fatal("unknown target must error")
	}
}

func TestOmittedServicesExcludedFromAll(t *testing.T) {
	ship := &Ship{Name: "a"}
	visible := &Service{Name: "web", Image: "acme/web:1"}
	visible.Containers = []*Container{{Name: "web-1", Service: visible, Ship: ship}}
	hidden := &Service{Name: "debug", Image: "acme/debug:1", Omit: true}
	hidden.Containers = []*Container{{Name: "debug-1", Service: hidden, Ship: ship}}
	env := &Environment{Services: map[string]*Service{"web": visible, "debug": hidden}}

	all := env.AllContainers()
	if len(all) != 1 || all[0].Name != "web-1" {
		t.Fatalf("omitted service leaked into AllContainers: %v", all)
	}

	// explicit targeting still reaches the omitted service.
	got, err := env.ResolveContainers([]string{"debug"})
	if err != nil || len(got) != 1 {
		t.Fatalf("explicit selection of omitted service failed: %v, %v", got, err)
	}
}
