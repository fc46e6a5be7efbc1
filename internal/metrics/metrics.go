// Package metrics is the minimal Prometheus exposition encoder backing
// GET /metrics (spec §6). No Prometheus client library is declared
// anywhere in the teacher's go.mod, so the textual exposition format is
// produced directly here rather than by pulling in an unneeded dependency
// (see DESIGN.md).
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry holds a set of named counters and gauges, safe for concurrent
// use by every component that reports operational counts.
type Registry struct {
	mu       sync.Mutex
	counters map[string]float64
	gauges   map[string]float64
	help     map[string]string
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]float64),
		gauges:   make(map[string]float64),
		help:     make(map[string]string),
	}
}

// IncCounter adds delta to the named counter, registering it with help
// text on first use.
func (r *Registry) IncCounter(name, help string, delta float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[name] += delta
	if _, ok := r.help[name]; !ok {
		r.help[name] = help
	}
}

// SetGauge sets the named gauge to value, registering it with help text
// on first use.
func (r *Registry) SetGauge(name, help string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[name] = value
	if _, ok := r.help[name]; !ok {
		r.help[name] = help
	}
}

// WriteExposition renders every registered metric in Prometheus text
// exposition format, sorted by name for deterministic output.
func (r *Registry) WriteExposition() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var b strings.Builder
	names := make([]string, 0, len(r.counters)+len(r.gauges))
	for name := range r.counters {
		names = append(names, name)
	}
	for name := range r.gauges {
		names = append(names, name)
	}
	sort.Strings(names)

	seen := map[string]bool{}
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true

		if help := r.help[name]; help != "" {
			fmt.Fprintf(&b, "# HELP %s %s\n", name, help)
		}
		if v, ok := r.counters[name]; ok {
			fmt.Fprintf(&b, "# TYPE %s counter\n%s %v\n", name, name, v)
		}
		if v, ok := r.gauges[name]; ok {
			fmt.Fprintf(&b, "# TYPE %s gauge\n%s %v\n", name, name, v)
		}
	}
	return b.String()
}
