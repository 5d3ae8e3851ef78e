// Package permission turns a validated manifest into a fast query surface
// consulted on every plugin IO operation: path reads/writes, outbound
// connections, queue publish/subscribe, and module imports.
package permission

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/autoweaved/autoweaved/internal/manifest"
)

// Model answers permission questions for a single plugin. It is built once
// from a validated manifest and is safe for concurrent read-only use.
type Model struct {
	readPrefixes  []string
	writePrefixes []string
	allowedHosts  map[string]bool
	rateLimit     int
	allowedQueues map[string]bool
	maxHeapMB     int
	maxStorageMB  int
	moduleAllow   map[string]bool
	moduleDeny    map[string]bool
}

// New builds a Model from a canonicalised manifest's permissions.
func New(m *manifest.Manifest) *Model {
	mdl := &Model{
		allowedHosts:  map[string]bool{},
		allowedQueues: map[string]bool{},
		moduleAllow:   map[string]bool{},
		moduleDeny:    map[string]bool{},
	}

	for _, g := range m.Permissions.Filesystem {
		clean := canonical(g.Path)
		mdl.readPrefixes = append(mdl.readPrefixes, clean)
		if g.Mode == manifest.ModeReadWrite {
			mdl.writePrefixes = append(mdl.writePrefixes, clean)
		}
	}
	sort.Strings(mdl.readPrefixes)
	sort.Strings(mdl.writePrefixes)

	if m.Permissions.Network != nil {
		for _, h := range m.Permissions.Network.AllowedHosts {
			mdl.allowedHosts[h] = true
		}
		mdl.rateLimit = m.Permissions.Network.RateLimit
	}

	for _, q := range m.Permissions.Queues {
		mdl.allowedQueues[q] = true
	}

	if m.Permissions.Memory != nil {
		mdl.maxHeapMB = m.Permissions.Memory.MaxHeapMB
		mdl.maxStorageMB = m.Permissions.Memory.MaxStorageMB
	}

	if m.Permissions.Modules != nil {
		for _, a := range m.Permissions.Modules.Allow {
			mdl.moduleAllow[a] = true
		}
		for _, d := range m.Permissions.Modules.Deny {
			mdl.moduleDeny[d] = true
		}
	}

	return mdl
}

func canonical(p string) string {
	return filepath.Clean(p)
}

// MayReadPath reports whether p falls under a declared filesystem grant
// (read or readwrite), after canonicalisation.
func (m *Model) MayReadPath(p string) bool {
	return hasPrefixMatch(m.readPrefixes, canonical(p))
}

// MayWritePath reports whether p falls under a declared readwrite grant.
func (m *Model) MayWritePath(p string) bool {
	return hasPrefixMatch(m.writePrefixes, canonical(p))
}

func hasPrefixMatch(prefixes []string, p string) bool {
	for _, prefix := range prefixes {
		if p == prefix || strings.HasPrefix(p, prefix+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// MayConnect reports whether host is in the plugin's allowed-hosts set.
// An empty allowed-hosts set denies all outbound connections.
func (m *Model) MayConnect(host string) bool {
	return m.allowedHosts[host]
}

// NetworkRateLimit returns the configured outbound message rate limit, or 0
// if the plugin declared no network permission.
func (m *Model) NetworkRateLimit() int {
	return m.rateLimit
}

// MayPublish reports whether the plugin may publish to the named queue.
func (m *Model) MayPublish(queue string) bool {
	return m.allowedQueues[queue]
}

// MaySubscribe reports whether the plugin may subscribe to the named queue.
// Subscription rights mirror publish rights: both are drawn from the same
// declared queue set.
func (m *Model) MaySubscribe(queue string) bool {
	return m.allowedQueues[queue]
}

// ModuleAllowed reports whether the plugin may import the named module.
// Denylist dominates allowlist: a module present in both is denied. An
// empty allowlist with a non-empty denylist permits anything not denied.
func (m *Model) ModuleAllowed(name string) bool {
	if m.moduleDeny[name] {
		return false
	}
	if len(m.moduleAllow) == 0 {
		return true
	}
	return m.moduleAllow[name]
}

// StorageBudgetBytes returns the plugin's storage cap in bytes, or 0 if
// unset.
func (m *Model) StorageBudgetBytes() int64 {
	return int64(m.maxStorageMB) * 1024 * 1024
}

// HeapBudgetBytes returns the plugin's heap cap in bytes, or 0 if unset.
func (m *Model) HeapBudgetBytes() int64 {
	return int64(m.maxHeapMB) * 1024 * 1024
}
