// Package cloudconfig parses the devenv.nix-sibling cloud-config YAML
// document (spec §3) describing per-platform VM sizing, and derives the
// concrete VM set a commit should be dispatched against.
package cloudconfig

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	"github.com/nixci/runner/internal/job"
)

// Document is the root of a cloud-config file: a single `cloud` block.
type Document struct {
	Cloud Cloud `yaml:"cloud"`
}

// Cloud holds the shared defaults and the per-platform override list.
type Cloud struct {
	Memory     string          `yaml:"memory"`
	CPUs       int             `yaml:"cpus"`
	CachixPush string          `yaml:"cachix_push,omitempty"`
	Platforms  []PlatformEntry `yaml:"platforms"`
}

// PlatformEntry is either a bare platform name or an object overriding the
// cloud defaults for that platform. Implements yaml.Unmarshaler to accept
// both forms from the same list.
type PlatformEntry struct {
	Name     string
	Memory   string
	CPUs     int
	hasMemory bool
	hasCPUs   bool
}

// UnmarshalYAML accepts either a scalar platform name or a mapping
// {name, memory?, cpus?}.
func (p *PlatformEntry) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		return value.Decode(&p.Name)
	}
	var raw struct {
		Name   string `yaml:"name"`
		Memory string `yaml:"memory"`
		CPUs   *int   `yaml:"cpus"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	p.Name = raw.Name
	if raw.Memory != "" {
		p.Memory = raw.Memory
		p.hasMemory = true
	}
	if raw.CPUs != nil {
		p.CPUs = *raw.CPUs
		p.hasCPUs = true
	}
	return nil
}

// Parse parses a cloud-config document and derives the ordered VM list. An
// absent `platforms` list defaults to both known platforms (cloud
// defaults applied to each); an unknown platform name is a hard parse
// error.
func Parse(data []byte) ([]job.VM, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, trace.Wrap(err, "parsing cloud-config")
	}

	defaultMemMB := 4096
	if doc.Cloud.Memory != "" {
		mb, err := parseMemory(doc.Cloud.Memory)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		defaultMemMB = mb
	}
	defaultCPUs := doc.Cloud.CPUs
	if defaultCPUs <= 0 {
		defaultCPUs = 2
	}

	entries := doc.Cloud.Platforms
	if len(entries) == 0 {
		for _, p := range job.AllPlatforms() {
			entries = append(entries, PlatformEntry{Name: string(p)})
		}
	}

	vms := make([]job.VM, 0, len(entries))
	for _, e := range entries {
		platform := job.Platform(e.Name)
		if !platform.Valid() {
			return nil, trace.BadParameter("Platform '%s' is not a known platform", e.Name)
		}
		memMB := defaultMemMB
		if e.hasMemory {
			mb, err := parseMemory(e.Memory)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			memMB = mb
		}
		cpus := defaultCPUs
		if e.hasCPUs {
			cpus = e.CPUs
		}
		vms = append(vms, job.VM{Platform: platform, CPUs: cpus, MemoryMB: memMB, CachixPush: doc.Cloud.CachixPush})
	}
	return vms, nil
}

// parseMemory parses a size like "200mb", "2GB", "1024" (bare MB assumed)
// into megabytes. 1 GB = 1024 MB per spec §3.
func parseMemory(s string) (int, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch {
	case strings.HasSuffix(s, "gb"):
		n, err := strconv.Atoi(strings.TrimSuffix(s, "gb"))
		if err != nil {
			return 0, trace.BadParameter("invalid memory value %q: %v", s, err)
		}
		return n * 1024, nil
	case strings.HasSuffix(s, "mb"):
		n, err := strconv.Atoi(strings.TrimSuffix(s, "mb"))
		if err != nil {
			return 0, trace.BadParameter("invalid memory value %q: %v", s, err)
		}
		return n, nil
	default:
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, trace.BadParameter("invalid memory value %q: %v", s, err)
		}
		return n, nil
	}
}

// Serialize renders a VM list back to a cloud-config document, used by the
// parser's round-trip test property (spec §8). Each platform gets its own
// exact override so parse(serialize(x)) == x regardless of any shared
// cloud defaults.
func Serialize(vms []job.VM) ([]byte, error) {
	doc := Document{Cloud: Cloud{CPUs: 2, Memory: "4096mb"}}
	for _, vm := range vms {
		doc.Cloud.Platforms = append(doc.Cloud.Platforms, PlatformEntry{
			Name:      string(vm.Platform),
			Memory:    fmt.Sprintf("%dmb", vm.MemoryMB),
			CPUs:      vm.CPUs,
			hasMemory: true,
			hasCPUs:   true,
		})
	}
	return yaml.Marshal(marshalDoc(doc))
}

// marshalDoc converts to a plain struct yaml.Marshal can walk, since
// PlatformEntry's custom UnmarshalYAML has no matching MarshalYAML and we
// always want the object form on the way out.
func marshalDoc(doc Document) interface{} {
	type plainEntry struct {
		Name   string `yaml:"name"`
		Memory string `yaml:"memory,omitempty"`
		CPUs   int    `yaml:"cpus,omitempty"`
	}
	type plainCloud struct {
		Memory    string       `yaml:"memory"`
		CPUs      int          `yaml:"cpus"`
		Platforms []plainEntry `yaml:"platforms"`
	}
	out := struct {
		Cloud plainCloud `yaml:"cloud"`
	}{Cloud: plainCloud{Memory: doc.Cloud.Memory, CPUs: doc.Cloud.CPUs}}
	for _, p := range doc.Cloud.Platforms {
		out.Cloud.Platforms = append(out.Cloud.Platforms, plainEntry{Name: p.Name, Memory: p.Memory, CPUs: p.CPUs})
	}
	return out
}
