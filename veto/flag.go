package veto

import (
	"context"

	"github.com/yairfalse/anchor/pkg/resource"
)

// DefaultFlagKey is the kill switch consulted by FlagPlugin.
const DefaultFlagKey = "anchor.converge.enabled"

// FlagSource reads a boolean dynamic configuration value.
type FlagSource interface {
	IsEnabled(ctx context.Context, key string, defaultValue bool) bool
}

// FlagPlugin halts all convergence unless a flag is switched on. The flag
// defaults to off.
type FlagPlugin struct {
	source FlagSource
	key    string
}

// NewFlagPlugin creates a FlagPlugin reading key from source.
func NewFlagPlugin(source FlagSource, key string) *FlagPlugin {
	if key == "" {
		key = DefaultFlagKey
	}
	return &FlagPlugin{source: source, key: key}
}

// Name implements Plugin.
func (p *FlagPlugin) Name() string { return "flag" }

// Allow implements Plugin. The flag is read on every call.
func (p *FlagPlugin) Allow(ctx context.Context, _ resource.Resource) (Decision, error) {
	if p.source.IsEnabled(ctx, p.key, false) {
		return Proceed(), nil
	}
	return Halt("Convergence is disabled via dynamic configuration"), nil
}
