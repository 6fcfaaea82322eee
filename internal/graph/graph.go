// Package graph builds the service dependency graph and orders containers
// into layers that can be safely processed in parallel.
package graph

import (
	"fmt"
	"io"
	"sort"

	"github.com/signalfx/maestro-ng/internal/model"
	"github.com/signalfx/maestro-ng/internal/orcherr"
)

// Direction controls which edge set layering follows.
type Direction int

const (
	// Forward orders dependencies before dependents (used by start/restart/pull).
	Forward Direction = iota
	// Reverse orders dependents before dependencies (used by stop/kill/clean).
	Reverse
)

// Graph is the dependency graph over a set of services, built from their
// Requires edges. WantsInfo edges are informational only and never
// contribute to cycle detection or layering.
type Graph struct {
	env      *model.Environment
	services map[string]*model.Service
}

// New builds a Graph over every service in env.
func New(env *model.Environment) *Graph {
	return &Graph{env: env, services: env.Services}
}

// edges returns the hard-dependency adjacency: svc -> services it requires.
func (g *Graph) edges() map[string][]string {
	out := make(map[string][]string, len(g.services))
	for name, svc := range g.services {
		var deps []string
		for _, d := range svc.Requires {
			deps = append(deps, d.Name)
		}
		sort.Strings(deps)
		out[name] = deps
	}
	return out
}

// CheckCycles reports a ConfigError naming the offending cycle if the
// Requires graph is not a DAG.
func (g *Graph) CheckCycles() error {
	edges := g.edges()
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(edges))
	var stack []string

	var visit func(n string) error
	visit = func(n string) error {
		color[n] = gray
		stack = append(stack, n)
		for _, m := range edges[n] {
			switch color[m] {
			case white:
				if err := visit(m); err != nil {
					return err
				}
			case gray:
				cycle := cyclePath(stack, m)
				return orcherr.Newf(orcherr.KindConfig, n, "dependency cycle: %v", cycle)
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return nil
	}

	names := make([]string, 0, len(edges))
	for n := range edges {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if color[n] == white {
			if err := visit(n); err != nil {
				return err
			}
		}
	}
	return nil
}

func cyclePath(stack []string, repeat string) []string {
	for i, s := range stack {
		if s == repeat {
			out := append([]string{}, stack[i:]...)
			return append(out, repeat)
		}
	}
	return append(append([]string{}, stack...), repeat)
}

// Layer is one batch of containers that may be processed concurrently.
type Layer []*model.Container

// Order returns containers restricted to targets (plus their transitive
// dependencies, unless ignoreDeps is set) grouped into layers honoring
// direction. Layer i's containers may only be acted on once every container
// in layers 0..i-1 has completed.
func (g *Graph) Order(targets []*model.Container, ignoreDeps bool, dir Direction) ([][]*model.Container, error) {
	if err := g.CheckCycles(); err != nil {
		return nil, err
	}

	targetSet := map[string]bool{}
	for _, c := range targets {
		targetSet[c.Service.Name] = true
	}

	included := map[string]bool{}
	if ignoreDeps {
		for n := range targetSet {
			included[n] = true
		}
	} else {
		var include func(name string)
		include = func(name string) {
			if included[name] {
				return
			}
			included[name] = true
			svc := g.services[name]
			if svc == nil {
				return
			}
			for _, d := range svc.Requires {
				include(d.Name)
			}
		}
		for n := range targetSet {
			include(n)
		}
	}

	// depth[name] = longest requires-chain from a service with no deps, used
	// to bucket services into layers regardless of direction.
	depth := map[string]int{}
	edges := g.edges()
	var depthOf func(n string) int
	visiting := map[string]bool{}
	depthOf = func(n string) int {
		if d, ok := depth[n]; ok {
			return d
		}
		if visiting[n] {
			return 0 // cycle already reported by CheckCycles
		}
		visiting[n] = true
		max := 0
		for _, dep := range edges[n] {
			if d := depthOf(dep) + 1; d > max {
				max = d
			}
		}
		visiting[n] = false
		depth[n] = max
		return max
	}

	maxDepth := 0
	for n := range included {
		if d := depthOf(n); d > maxDepth {
			maxDepth = d
		}
	}

	layers := make([][]*model.Container, maxDepth+1)
	byService := map[string][]*model.Container{}
	for _, c := range targets {
		byService[c.Service.Name] = append(byService[c.Service.Name], c)
	}
	if !ignoreDeps {
		// pull in containers of dependency-only services too, so the full
		// chain gets started/stopped.
		for n := range included {
			if _, already := byService[n]; already {
				continue
			}
			if svc := g.services[n]; svc != nil {
				byService[n] = append(byService[n], svc.Containers...)
			}
		}
	}
	for n := range included {
		d := depth[n]
		layers[d] = append(layers[d], byService[n]...)
	}

	if dir == Reverse {
		for i, j := 0, len(layers)-1; i < j; i, j = i+1, j-1 {
			layers[i], layers[j] = layers[j], layers[i]
		}
	}

	out := make([][]*model.Container, 0, len(layers))
	for _, l := range layers {
		if len(l) == 0 {
			continue
		}
		sort.Slice(l, func(i, j int) bool { return l[i].FullName() < l[j].FullName() })
		out = append(out, l)
	}
	return out, nil
}

// Render prints the dependency layers, one per line, for the "deptree"
// command. When reverse is true the stop-order (dependents first) is shown.
func (g *Graph) Render(w io.Writer, targets []*model.Container, reverse bool) error {
	dir := Forward
	if reverse {
		dir = Reverse
	}
	layers, err := g.Order(targets, false, dir)
	if err != nil {
		return err
	}
	for i, layer := range layers {
		names := make([]string, len(layer))
		for j, c := range layer {
			names[j] = c.FullName()
		}
		if _, err := fmt.Fprintf(w, "%d: %v\n", i, names); err != nil {
			return err
		}
	}
	return nil
}
