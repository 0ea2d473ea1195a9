package config

import (
	"sync"
)

// HostOverrides carries per-host scan settings stored on the host record.
// Nil fields fall through to the global defaults.
type HostOverrides struct {
	DeepDockerInspect *bool `json:"deepDockerInspect,omitempty"`
	ScanCertificates  *bool `json:"scanCertificates,omitempty"`
	ListPackages      *bool `json:"listPackages,omitempty"`
	UseSudo           *bool `json:"useSudo,omitempty"`
	CollectorTimeout  *int  `json:"collectorTimeoutSec,omitempty"`
	MaxProcesses      *int  `json:"maxProcesses,omitempty"`
}

// Resolver computes the effective scan settings for a host. The global
// defaults can be swapped at runtime when the settings sync loop picks up
// changes, so reads take the lock.
type Resolver struct {
	defaults ScanDefaults
	mu       sync.RWMutex
}

// NewResolver seeds a resolver with the configured global defaults.
func NewResolver(defaults ScanDefaults) *Resolver {
	return &Resolver{defaults: defaults}
}

// SetDefaults replaces the global defaults.
func (r *Resolver) SetDefaults(d ScanDefaults) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = d
}

// Defaults returns a copy of the current global defaults.
func (r *Resolver) Defaults() ScanDefaults {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults
}

// EffectiveOptions holds the fully resolved settings for one scan.
type EffectiveOptions struct {
	DeepDockerInspect bool
	ScanCertificates  bool
	ListPackages      bool
	UseSudo           bool
	CollectorTimeout  int
	MaxProcesses      int
}

// Effective merges host overrides on top of the global defaults.
func (r *Resolver) Effective(o HostOverrides) EffectiveOptions {
	r.mu.RLock()
	d := r.defaults
	r.mu.RUnlock()

	eff := EffectiveOptions{
		DeepDockerInspect: d.DeepDockerInspect,
		ScanCertificates:  d.ScanCertificates,
		ListPackages:      d.ListPackages,
		CollectorTimeout:  d.CollectorTimeout,
		MaxProcesses:      d.MaxProcesses,
	}

	if o.DeepDockerInspect != nil {
		eff.DeepDockerInspect = *o.DeepDockerInspect
	}
	if o.ScanCertificates != nil {
		eff.ScanCertificates = *o.ScanCertificates
	}
	if o.ListPackages != nil {
		eff.ListPackages = *o.ListPackages
	}
	if o.UseSudo != nil {
		eff.UseSudo = *o.UseSudo
	}
	if o.CollectorTimeout != nil && *o.CollectorTimeout > 0 {
		eff.CollectorTimeout = *o.CollectorTimeout
	}
	if o.MaxProcesses != nil && *o.MaxProcesses > 0 {
		eff.MaxProcesses = *o.MaxProcesses
	}
	return eff
}
