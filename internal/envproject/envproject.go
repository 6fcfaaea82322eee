// Package envproject computes the environment variables injected into a
// container, combining discovery variables projected from other containers'
// ports with the service and instance level env overrides. It is a pure
// function of its inputs so it can be unit tested without Docker.
package envproject

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/signalfx/maestro-ng/internal/imageref"
	"github.com/signalfx/maestro-ng/internal/model"
)

var invalidNameChar = regexp.MustCompile(`[^A-Za-z0-9_]`)

// NormalizeName maps an arbitrary identifier to a shell-safe, upper-cased
// environment variable name: any byte outside [A-Za-z0-9_] becomes '_'.
func NormalizeName(s string) string {
	return strings.ToUpper(invalidNameChar.ReplaceAllString(s, "_"))
}

// linkVariables returns the discovery variables a dependent container sees
// for one peer container: <SERVICE>_<INSTANCE>_HOST plus, for every named
// port, <SERVICE>_<INSTANCE>_<PORT>_PORT (host side) and
// <SERVICE>_<INSTANCE>_<PORT>_INTERNAL_PORT (in-container side).
func linkVariables(c *model.Container) map[string]string {
	out := map[string]string{}
	prefix := NormalizeName(c.Service.Name) + "_" + NormalizeName(c.Name)
	out[prefix+"_HOST"] = c.Ship.Address
	for _, p := range c.Ports {
		portPrefix := prefix + "_" + NormalizeName(p.Name)
		if p.External != "" {
			out[portPrefix+"_PORT"] = p.External
		}
		out[portPrefix+"_INTERNAL_PORT"] = p.ExposedNumber()
	}
	return out
}

// discoveryServices returns the services container c sees link variables
// for: its own service, the transitive closure of its hard dependencies,
// and its direct soft (wants-info) dependencies.
func discoveryServices(c *model.Container) []*model.Service {
	seen := map[string]bool{c.Service.Name: true}
	out := []*model.Service{c.Service}
	var collect func(s *model.Service)
	collect = func(s *model.Service) {
		for _, d := range s.Requires {
			if !seen[d.Name] {
				seen[d.Name] = true
				out = append(out, d)
				collect(d)
			}
		}
	}
	collect(c.Service)
	for _, d := range c.Service.WantsInfo {
		if !seen[d.Name] {
			seen[d.Name] = true
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func sortedInstances(s *model.Service) []*model.Container {
	instances := append([]*model.Container{}, s.Containers...)
	sort.Slice(instances, func(i, j int) bool { return instances[i].Name < instances[j].Name })
	return instances
}

// Project builds the full environment map for a container.
//
// The base layer carries the identity variables (DOCKER_IMAGE, DOCKER_TAG,
// SERVICE_NAME, CONTAINER_NAME, CONTAINER_HOST_ADDRESS), one
// <SERVICE>_INSTANCES list per discovered service, and the link variables of
// every container of the container's own service and its hard and soft
// dependencies. That layer is then overlaid with the service's env files (in
// declaration order), the service's inline env, and finally the instance's
// own env. Later layers win on key collision.
func Project(c *model.Container, env *model.Environment) (map[string]string, error) {
	result := map[string]string{}

	image := c.EffectiveImage()
	ref, err := imageref.Parse(image)
	if err != nil {
		return nil, fmt.Errorf("project env for %s: %w", c.FullName(), err)
	}
	result["DOCKER_IMAGE"] = strings.TrimSuffix(image, ":"+ref.Tag)
	result["DOCKER_TAG"] = ref.Tag
	result["MAESTRO_ENVIRONMENT_NAME"] = env.Name
	result["SERVICE_NAME"] = c.Service.Name
	result["CONTAINER_NAME"] = c.Name
	result["CONTAINER_HOST_ADDRESS"] = c.Ship.Address

	for _, svc := range discoveryServices(c) {
		var names []string
		for _, inst := range sortedInstances(svc) {
			names = append(names, inst.Name)
			for k, v := range linkVariables(inst) {
				result[k] = v
			}
		}
		result[NormalizeName(svc.Name)+"_INSTANCES"] = strings.Join(names, ",")
	}

	for _, fname := range c.Service.EnvFiles {
		vars, ok := env.EnvFiles[fname]
		if !ok {
			return nil, fmt.Errorf("env file %q not loaded", fname)
		}
		for k, v := range vars {
			result[NormalizeName(k)] = v
		}
	}

	for k, v := range c.Service.Env {
		result[NormalizeName(k)] = v
	}

	for k, v := range c.InstanceEnv {
		result[NormalizeName(k)] = v
	}

	return result, nil
}

// AsList renders a projected environment as KEY=VALUE strings sorted by
// key, the form the Docker create API expects. Sorting keeps the injected
// environment byte-identical between runs of the same document.
func AsList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k + "=" + env[k]
	}
	return out
}
