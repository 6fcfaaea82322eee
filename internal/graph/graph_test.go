package graph

import (
	"testing"

	"github.com/signalfx/maestro-ng/internal/model"
)

func buildEnv(t *testing.T) (*model.Environment, map[string]*model.Service) {
	t.Helper()
	ship := &model.Ship{Name: "ship1"}
	db := &model.Service{Name: "db"}
	api := &model.Service{Name: "api", Requires: []*model.Service{db}}
	web := &model.Service{Name: "web", Requires: []*model.Service{api}}

	for _, svc := range []*model.Service{db, api, web} {
		svc.Containers = []*model.Container{{Name: "1", Service: svc, Ship: ship}}
	}

	env := &model.Environment{
		Ships:    map[string]*model.Ship{"ship1": ship},
		Services: map[string]*model.Service{"db": db, "api": api, "web": web},
	}
	return env, env.Services
}

func TestOrderForwardLayersDependenciesFirst(t *testing.T) {
	env, svcs := buildEnv(t)
	g := New(env)

	layers, err := g.Order(env.AllContainers(), false, Forward)
	if err != nil {
		t.Fatalf("Order: %v", err)
	}
	if len(layers) != 3 {
		t.Fatalf("expected 3 layers, got %d: %v", len(layers), layers)
	}
	if layers[0][0].Service != svcs["db"] {
		t.Fatalf("expected db first, got %s", layers[0][0].Service.Name)
	}
	if layers[1][0].Service != svcs["api"] {
		t.Fatalf("expected api second, got %s", layers[1][0].Service.Name)
	}
	if layers[2][0].Service != svcs["web"] {
		t.Fatalf("expected web third, got %s", layers[2][0].Service.Name)
	}
}

func TestOrderReverseLayersDependentsFirst(t *testing.T) {
	env, svcs := buildEnv(t)
	g := New(env)

	layers, err := g.Order(env.AllContainers(), false, Reverse)
	if err != nil {
		t.Fatalf("Order: %v", err)
	}
	if layers[0][0].Service != svcs["web"] {
		t.Fatalf("expected web first in reverse order, got %s", layers[0][0].Service.Name)
	}
	if layers[len(layers)-1][0].Service != svcs["db"] {
		t.Fatalf("expected db last in reverse order, got %s", layers[len(layers)-1][0].Service.Name)
	}
}

func TestCheckCyclesDetectsRequiresCycle(t *testing.T) {
	ship := &model.Ship{Name: "ship1"}
	a := &model.Service{Name: "a"}
	b := &model.Service{Name: "b"}
	a.Requires = []*model.Service{b}
	b.Requires = []*model.Service{a}
	for _, svc := range []*model.Service{a, b} {
		svc.Containers = []*model.Container{{Name: "1", Service: svc, Ship: ship}}
	}
	env := &model.Environment{Services: map[string]*model.Service{"a": a, "b": b}}

	g := New(env)
	if err := g.CheckCycles(); err == nil {
		t.Fatal("expected cycle error, got nil")
	}
}

func TestOrderIgnoreDependenciesSkipsExpansion(t *testing.T) {
	env, svcs := buildEnv(t)
	g := New(env)

	layers, err := g.Order(svcs["web"].Containers, true, Forward)
	if err != nil {
		t.Fatalf("Order: %v", err)
	}
	total := 0
	for _, l := range layers {
		total += len(l)
	}
	if total != 1 {
		t.Fatalf("expected only the web container, got %d containers across %d layers", total, len(layers))
	}
}
