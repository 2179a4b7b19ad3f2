// Package veto gates convergence. Every registered plugin votes on every
// attempt and any single Halt stops the attempt before the live
// environment is touched.
package veto

import (
	"context"
	"fmt"
	"sync"

	"github.com/yairfalse/anchor/pkg/resource"
)

// Decision is a plugin's vote: Proceed, or Halt with a reason.
type Decision struct {
	Halted bool   `json:"halted"`
	Reason string `json:"reason,omitempty"`
	// Plugin names the plugin that halted. Set by the Aggregator.
	Plugin string `json:"plugin,omitempty"`
}

// Proceed allows convergence.
func Proceed() Decision { return Decision{} }

// Halt blocks convergence for the given reason.
func Halt(reason string) Decision { return Decision{Halted: true, Reason: reason} }

// String implements fmt.Stringer.
func (d Decision) String() string {
	if !d.Halted {
		return "Proceed"
	}
	return fmt.Sprintf("Halt(%s)", d.Reason)
}

// Plugin is an independent convergence policy. Implementations must be
// safe for concurrent use and must not cache values that can change
// between calls.
type Plugin interface {
	Name() string
	Allow(ctx context.Context, r resource.Resource) (Decision, error)
}

// PluginFunc adapts a function to the Plugin interface.
type PluginFunc struct {
	PluginName string
	Fn         func(ctx context.Context, r resource.Resource) (Decision, error)
}

// Name implements Plugin.
func (f PluginFunc) Name() string { return f.PluginName }

// Allow implements Plugin.
func (f PluginFunc) Allow(ctx context.Context, r resource.Resource) (Decision, error) {
	return f.Fn(ctx, r)
}

// Aggregator combines plugins with a logical AND. Registration is rare and
// evaluation frequent, so plugins sit behind an RWMutex.
type Aggregator struct {
	mu      sync.RWMutex
	plugins []Plugin
}

// NewAggregator creates an aggregator with the given plugins.
func NewAggregator(plugins ...Plugin) *Aggregator {
	return &Aggregator{plugins: append([]Plugin(nil), plugins...)}
}

// Register adds a plugin.
func (a *Aggregator) Register(p Plugin) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.plugins = append(a.plugins, p)
}

// Names returns the registered plugin names.
func (a *Aggregator) Names() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	names := make([]string, 0, len(a.plugins))
	for _, p := range a.plugins {
		names = append(names, p.Name())
	}
	return names
}

// Allow returns Proceed only if every plugin proceeds. The first Halt is
// returned with the halting plugin's name. A plugin error halts: when a
// policy cannot be evaluated, nothing is done to live infrastructure.
func (a *Aggregator) Allow(ctx context.Context, r resource.Resource) Decision {
	a.mu.RLock()
	plugins := a.plugins
	a.mu.RUnlock()

	for _, p := range plugins {
		d, err := p.Allow(ctx, r)
		if err != nil {
			return Decision{
				Halted: true,
				Reason: fmt.Sprintf("veto plugin %s failed: %v", p.Name(), err),
				Plugin: p.Name(),
			}
		}
		if d.Halted {
			d.Plugin = p.Name()
			return d
		}
	}
	return Proceed()
}
