package process

import (
	"os"
	"sort"
	"strings"
	"sync"
)

// Environment is the table of variables set by the controller. It is
// overlaid on the worker's own environment for every spawned process and
// lives as long as the worker. The worker's os environment is never modified.
type Environment struct {
	mu   sync.RWMutex
	vars map[string]string
}

// NewEnvironment creates an empty environment table.
func NewEnvironment() *Environment {
	return &Environment{vars: make(map[string]string)}
}

// Set stores a variable, replacing any previous value.
func (e *Environment) Set(name, value string) {
	e.mu.Lock()
	e.vars[name] = value
	e.mu.Unlock()
}

// Environ merges the table over os.Environ() in "KEY=VALUE" form, sorted by
// key, ready for exec.Cmd.Env.
func (e *Environment) Environ() []string {
	base := make(map[string]string)
	for _, entry := range os.Environ() {
		if eq := strings.IndexByte(entry, '='); eq > 0 {
			base[entry[:eq]] = entry[eq+1:]
		}
	}

	e.mu.RLock()
	for k, v := range e.vars {
		base[k] = v
	}
	e.mu.RUnlock()

	keys := make([]string, 0, len(base))
	for k := range base {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	merged := make([]string, 0, len(keys))
	for _, k := range keys {
		merged = append(merged, k+"="+base[k])
	}
	return merged
}
