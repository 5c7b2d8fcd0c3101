// Package registry holds the operator-provisioned capability table: what
// kinds of inference work exist, what they cost, and which capability serves
// each (task type, tariff) pair. The table is loaded once at startup and is
// read-only afterwards, so lookups need no synchronization.
package registry

import (
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/voxmeter/voxmeter/internal/metering"
)

// ErrNotSupported is returned when no routing entry matches a
// (task type, tariff) pair, or the capability does not serve the requested
// language.
var ErrNotSupported = errors.New("not supported")

// TaskType identifies a kind of inference work.
type TaskType string

const (
	TaskSegment    TaskType = "segment"
	TaskTranscribe TaskType = "transcribe"
)

// Capability describes one unit of inference work: its resource footprint on
// a node and its fee rate. Immutable after load.
type Capability struct {
	ID          uuid.UUID       `yaml:"-"`
	Name        string          `yaml:"name"`
	ComputeCost uint32          `yaml:"compute_cost"`
	MemoryCost  uint32          `yaml:"memory_cost"`
	FeePerUnit  metering.Amount `yaml:"fee_per_unit"`

	// Languages restricts which languages the capability serves.
	// Empty means any language is accepted.
	Languages []string `yaml:"languages"`
}

// SupportsLanguage reports whether the capability serves the given language.
func (c Capability) SupportsLanguage(language string) bool {
	if language == "" || len(c.Languages) == 0 {
		return true
	}
	for _, l := range c.Languages {
		if l == language {
			return true
		}
	}
	return false
}

// Route maps a (task type, tariff) pair to a capability name.
type Route struct {
	TaskType   TaskType `yaml:"task_type"`
	Tariff     string   `yaml:"tariff"`
	Capability string   `yaml:"capability"`
}

// NodeSpec is a worker node entry from the inventory file. The scheduler
// turns these into live pool members.
type NodeSpec struct {
	ID              uuid.UUID `yaml:"id"`
	Address         string    `yaml:"address"`
	ComputeCapacity uint32    `yaml:"compute_capacity"`
	MemoryCapacity  uint32    `yaml:"memory_capacity"`
	Capabilities    []string  `yaml:"capabilities"`
}

// Inventory is the on-disk shape of the operator-provisioned configuration.
type Inventory struct {
	Capabilities []Capability `yaml:"capabilities"`
	Routing      []Route      `yaml:"routing"`
	Nodes        []NodeSpec   `yaml:"nodes"`
}

type routeKey struct {
	taskType TaskType
	tariff   string
}

// Registry resolves (task type, tariff) pairs to capabilities.
type Registry struct {
	capabilities map[string]Capability
	routes       map[routeKey]string
	nodes        []NodeSpec
}

// Load builds a registry from an inventory, validating internal consistency.
func Load(inv Inventory) (*Registry, error) {
	r := &Registry{
		capabilities: make(map[string]Capability, len(inv.Capabilities)),
		routes:       make(map[routeKey]string, len(inv.Routing)),
		nodes:        inv.Nodes,
	}

	for _, cap := range inv.Capabilities {
		if cap.Name == "" {
			return nil, fmt.Errorf("capability with empty name")
		}
		if _, ok := r.capabilities[cap.Name]; ok {
			return nil, fmt.Errorf("duplicate capability %q", cap.Name)
		}
		if cap.ComputeCost == 0 || cap.MemoryCost == 0 {
			return nil, fmt.Errorf("capability %q has zero resource cost", cap.Name)
		}
		if cap.FeePerUnit < 0 {
			return nil, fmt.Errorf("capability %q has negative fee", cap.Name)
		}
		if cap.ID == uuid.Nil {
			cap.ID = uuid.New()
		}
		r.capabilities[cap.Name] = cap
	}

	for _, route := range inv.Routing {
		if route.TaskType != TaskSegment && route.TaskType != TaskTranscribe {
			return nil, fmt.Errorf("unknown task type %q", route.TaskType)
		}
		if _, ok := r.capabilities[route.Capability]; !ok {
			return nil, fmt.Errorf("route (%s, %s) targets unknown capability %q",
				route.TaskType, route.Tariff, route.Capability)
		}
		key := routeKey{route.TaskType, route.Tariff}
		if _, ok := r.routes[key]; ok {
			return nil, fmt.Errorf("duplicate route (%s, %s)", route.TaskType, route.Tariff)
		}
		r.routes[key] = route.Capability
	}

	for _, node := range inv.Nodes {
		if node.Address == "" {
			return nil, fmt.Errorf("node %s has no address", node.ID)
		}
		for _, name := range node.Capabilities {
			if _, ok := r.capabilities[name]; !ok {
				return nil, fmt.Errorf("node %s advertises unknown capability %q", node.ID, name)
			}
		}
	}

	return r, nil
}

// LoadFile reads and parses an inventory YAML file.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}
	var inv Inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("parse inventory: %w", err)
	}
	return Load(inv)
}

// Lookup resolves a (task type, tariff) pair to its capability.
func (r *Registry) Lookup(taskType TaskType, tariff string) (Capability, error) {
	name, ok := r.routes[routeKey{taskType, tariff}]
	if !ok {
		return Capability{}, fmt.Errorf("no route for (%s, %s): %w", taskType, tariff, ErrNotSupported)
	}
	return r.capabilities[name], nil
}

// LookupLanguage resolves a capability and additionally checks that it
// serves the requested language. An empty language always passes.
func (r *Registry) LookupLanguage(taskType TaskType, tariff, language string) (Capability, error) {
	cap, err := r.Lookup(taskType, tariff)
	if err != nil {
		return Capability{}, err
	}
	if !cap.SupportsLanguage(language) {
		return Capability{}, fmt.Errorf("language %q not served by %s: %w", language, cap.Name, ErrNotSupported)
	}
	return cap, nil
}

// Nodes returns the node inventory for the scheduler to load.
func (r *Registry) Nodes() []NodeSpec {
	return r.nodes
}
