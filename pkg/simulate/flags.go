package simulate

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// EmptyFlagConfig is the name of the flag configuration that changes nothing
const EmptyFlagConfig = "empty"

// FlagConfig adjusts a simulation. BeforeInit edits the simulator command line
// before the simulated system is built; AfterWarmup edits the arguments that
// take effect once warmup has finished. Either may be nil.
type FlagConfig struct {
	Name        string
	BeforeInit  func(args []string) []string
	AfterWarmup func(args []string) []string
}

// Apply runs both hooks over the two argument lists
func (c FlagConfig) Apply(system, warmup []string) ([]string, []string) {
	if c.BeforeInit != nil {
		system = c.BeforeInit(system)
	}
	if c.AfterWarmup != nil {
		warmup = c.AfterWarmup(warmup)
	}
	return system, warmup
}

// Registry maps lower-case names to flag configurations
type Registry struct {
	mu      sync.RWMutex
	configs map[string]FlagConfig
}

// NewRegistry returns a registry holding only the empty configuration
func NewRegistry() *Registry {
	r := &Registry{configs: make(map[string]FlagConfig)}
	r.Register(FlagConfig{Name: EmptyFlagConfig})
	return r
}

// DefaultRegistry is used when a scheduler or simulator is given no registry
var DefaultRegistry = NewRegistry()

// Register adds or replaces a configuration
func (r *Registry) Register(c FlagConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[strings.ToLower(c.Name)] = c
}

// Lookup finds a configuration by case-insensitive name. An empty name
// selects the empty configuration.
func (r *Registry) Lookup(name string) (FlagConfig, error) {
	if name == "" {
		name = EmptyFlagConfig
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.configs[strings.ToLower(name)]
	if !ok {
		return FlagConfig{}, fmt.Errorf("%s is not a valid flag config, valid configs: %s",
			name, strings.Join(r.namesLocked(), ", "))
	}
	return c, nil
}

// Names lists the registered configurations
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.configs))
	for name := range r.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Mode names a simulation run: "inorder" for the in-order CPU, otherwise the
// flag configuration name, or "o3" when no configuration is selected
func Mode(inOrder bool, flagConfig string) string {
	switch {
	case inOrder:
		return "inorder"
	case flagConfig != "" && !strings.EqualFold(flagConfig, EmptyFlagConfig):
		return flagConfig
	default:
		return "o3"
	}
}
