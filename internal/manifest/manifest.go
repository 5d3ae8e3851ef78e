// Package manifest validates plugin manifests against the platform's fixed
// schema. Validate is a pure function: no filesystem or network access, and
// validate(canonicalise(x)) == validate(x) for any raw manifest x.
package manifest

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/autoweaved/autoweaved/internal/validator"
)

// Mode is a filesystem permission mode.
type Mode string

const (
	ModeRead      Mode = "read"
	ModeReadWrite Mode = "readwrite"
)

// FilesystemGrant is one entry in permissions.filesystem.
type FilesystemGrant struct {
	Path string `json:"path" validate:"required"`
	Mode Mode   `json:"mode" validate:"required"`
}

// NetworkGrant is permissions.network.
type NetworkGrant struct {
	AllowedHosts []string `json:"allowedHosts"`
	RateLimit    int      `json:"rateLimit"`
}

// MemoryGrant is permissions.memory.
type MemoryGrant struct {
	MaxHeapMB    int `json:"max_heap_mb"`
	MaxStorageMB int `json:"max_storage_mb"`
}

// ModuleGrant is permissions.modules.
type ModuleGrant struct {
	Allow []string `json:"allow"`
	Deny  []string `json:"deny"`
}

// Permissions is the canonicalised permission declaration of a manifest.
type Permissions struct {
	Filesystem []FilesystemGrant `json:"filesystem,omitempty"`
	Network    *NetworkGrant      `json:"network,omitempty"`
	Queues     []string           `json:"queues,omitempty"`
	Memory     *MemoryGrant       `json:"memory,omitempty"`
	Modules    *ModuleGrant       `json:"modules,omitempty"`
}

// Manifest is the canonical, validated form of a plugin manifest. Once
// returned by Validate, every path has been cleaned and every field checked
// against the schema; it is immutable for the life of the plugin instance
// it describes.
type Manifest struct {
	Name        string              `json:"name"`
	Version     string              `json:"version"`
	Entry       string              `json:"entry"`
	Permissions Permissions         `json:"permissions"`
	Hooks       map[string][]string `json:"hooks,omitempty"`
	Signature   string              `json:"signature,omitempty"`
}

// ValidationFailure lists every violation found while validating a raw
// manifest, not just the first.
type ValidationFailure struct {
	Violations []string
}

func (f *ValidationFailure) Error() string {
	return fmt.Sprintf("manifest invalid: %s", strings.Join(f.Violations, "; "))
}

func (f *ValidationFailure) add(format string, args ...interface{}) {
	f.Violations = append(f.Violations, fmt.Sprintf(format, args...))
}

var recognisedPermissionKeys = map[string]bool{
	"filesystem": true,
	"network":    true,
	"queues":     true,
	"memory":     true,
	"modules":    true,
}

// Validate checks a raw, already-JSON-decoded manifest against the fixed
// schema and returns either a canonical Manifest or a ValidationFailure
// listing every violation. Validate performs no I/O.
func Validate(raw map[string]interface{}) (*Manifest, *ValidationFailure) {
	failure := &ValidationFailure{}

	// Required fields, checked first regardless of any later failure so the
	// caller always sees the complete violation set.
	name, _ := raw["name"].(string)
	version, _ := raw["version"].(string)
	entry, _ := raw["entry"].(string)
	permsRaw, hasPerms := raw["permissions"]

	if name == "" {
		failure.add("name is required")
	}
	if version == "" {
		failure.add("version is required")
	}
	if entry == "" {
		failure.add("entry is required")
	}
	if !hasPerms {
		failure.add("permissions is required")
	}

	if name != "" && !validator.IsPluginName(name) {
		failure.add("name %q does not match ^[a-z0-9-]+$", name)
	}

	if version != "" && !semver.IsValid(canonicaliseVersion(version)) {
		failure.add("version %q is not valid semver", version)
	}

	var canonicalEntry string
	if entry != "" {
		var err error
		canonicalEntry, err = canonicaliseRelative(entry)
		if err != nil {
			failure.add("entry %q: %s", entry, err)
		}
	}

	var permissions Permissions
	if hasPerms {
		permMap, ok := permsRaw.(map[string]interface{})
		if !ok {
			failure.add("permissions must be an object")
		} else {
			permissions = validatePermissions(permMap, failure)
		}
	}

	hooks := parseHooks(raw["hooks"], permissions, failure)

	signature, _ := raw["signature"].(string)

	if len(failure.Violations) > 0 {
		return nil, failure
	}

	return &Manifest{
		Name:        name,
		Version:     version,
		Entry:       canonicalEntry,
		Permissions: permissions,
		Hooks:       hooks,
		Signature:   signature,
	}, nil
}

// Canonicalise normalises a manifest that has already passed Validate,
// re-deriving canonical paths. Safe to call repeatedly; idempotent.
func Canonicalise(m *Manifest) *Manifest {
	if m == nil {
		return nil
	}
	out := *m
	out.Permissions.Filesystem = make([]FilesystemGrant, len(m.Permissions.Filesystem))
	for i, g := range m.Permissions.Filesystem {
		g.Path = filepath.Clean(g.Path)
		out.Permissions.Filesystem[i] = g
	}
	sort.Slice(out.Permissions.Filesystem, func(i, j int) bool {
		return out.Permissions.Filesystem[i].Path < out.Permissions.Filesystem[j].Path
	})
	return &out
}

func validatePermissions(permMap map[string]interface{}, failure *ValidationFailure) Permissions {
	for key := range permMap {
		if !recognisedPermissionKeys[key] {
			failure.add("permissions.%s is not a recognised permission", key)
		}
	}

	var perms Permissions

	if fsRaw, ok := permMap["filesystem"]; ok {
		fsList, ok := fsRaw.([]interface{})
		if !ok {
			failure.add("permissions.filesystem must be an array")
		} else {
			for i, entryRaw := range fsList {
				entryMap, ok := entryRaw.(map[string]interface{})
				if !ok {
					failure.add("permissions.filesystem[%d] must be an object", i)
					continue
				}
				path, _ := entryMap["path"].(string)
				mode, _ := entryMap["mode"].(string)
				if path == "" {
					failure.add("permissions.filesystem[%d].path is required", i)
				}
				if mode != string(ModeRead) && mode != string(ModeReadWrite) {
					failure.add("permissions.filesystem[%d].mode must be %q or %q", i, ModeRead, ModeReadWrite)
					continue
				}
				cleanPath, err := canonicaliseRelative(path)
				if err != nil {
					failure.add("permissions.filesystem[%d].path %q: %s", i, path, err)
					continue
				}
				perms.Filesystem = append(perms.Filesystem, FilesystemGrant{Path: cleanPath, Mode: Mode(mode)})
			}
		}
	}

	if netRaw, ok := permMap["network"]; ok {
		netMap, ok := netRaw.(map[string]interface{})
		if !ok {
			failure.add("permissions.network must be an object")
		} else {
			grant := &NetworkGrant{}
			if hostsRaw, ok := netMap["allowedHosts"].([]interface{}); ok {
				for _, h := range hostsRaw {
					if hs, ok := h.(string); ok {
						grant.AllowedHosts = append(grant.AllowedHosts, hs)
					}
				}
			}
			if rl, ok := netMap["rateLimit"].(float64); ok {
				if rl <= 0 {
					failure.add("permissions.network.rateLimit must be positive")
				}
				grant.RateLimit = int(rl)
			}
			perms.Network = grant
		}
	}

	if queuesRaw, ok := permMap["queues"]; ok {
		queueList, ok := queuesRaw.([]interface{})
		if !ok {
			failure.add("permissions.queues must be an array")
		} else {
			for _, q := range queueList {
				if qs, ok := q.(string); ok {
					perms.Queues = append(perms.Queues, qs)
				}
			}
		}
	}

	if memRaw, ok := permMap["memory"]; ok {
		memMap, ok := memRaw.(map[string]interface{})
		if !ok {
			failure.add("permissions.memory must be an object")
		} else {
			grant := &MemoryGrant{}
			if v, ok := memMap["max_heap_mb"].(float64); ok {
				if v <= 0 {
					failure.add("permissions.memory.max_heap_mb must be positive")
				}
				grant.MaxHeapMB = int(v)
			}
			if v, ok := memMap["max_storage_mb"].(float64); ok {
				if v <= 0 {
					failure.add("permissions.memory.max_storage_mb must be positive")
				}
				grant.MaxStorageMB = int(v)
			}
			perms.Memory = grant
		}
	}

	if modRaw, ok := permMap["modules"]; ok {
		modMap, ok := modRaw.(map[string]interface{})
		if !ok {
			failure.add("permissions.modules must be an object")
		} else {
			grant := &ModuleGrant{}
			grant.Allow = stringSlice(modMap["allow"])
			grant.Deny = stringSlice(modMap["deny"])
			for _, a := range grant.Allow {
				for _, d := range grant.Deny {
					if a == d {
						failure.add("permissions.modules: %q is in both allow and deny", a)
					}
				}
			}
			perms.Modules = grant
		}
	}

	return perms
}

func parseHooks(raw interface{}, perms Permissions, failure *ValidationFailure) map[string][]string {
	hookMap, ok := raw.(map[string]interface{})
	if !ok {
		return nil
	}
	allowedQueues := make(map[string]bool, len(perms.Queues))
	for _, q := range perms.Queues {
		allowedQueues[q] = true
	}

	hooks := make(map[string][]string, len(hookMap))
	for hookName, selectorsRaw := range hookMap {
		selectors := stringSlice(selectorsRaw)
		for _, sel := range selectors {
			if hookName == "onEvent" && !allowedQueues[sel] {
				failure.add("hook %s selector %q references a queue not declared in permissions.queues", hookName, sel)
			}
		}
		hooks[hookName] = selectors
	}
	return hooks
}

func stringSlice(raw interface{}) []string {
	list, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// canonicaliseRelative cleans a path and rejects anything that is absolute
// or escapes its root via "..".
func canonicaliseRelative(p string) (string, error) {
	if filepath.IsAbs(p) {
		return "", fmt.Errorf("must be a relative path")
	}
	cleaned := filepath.Clean(p)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") || strings.HasPrefix(cleaned, "..\\") {
		return "", fmt.Errorf("must not escape its root")
	}
	return cleaned, nil
}

// canonicaliseVersion adds the "v" prefix semver.IsValid requires, since
// manifests declare bare versions like "1.2.3".
func canonicaliseVersion(v string) string {
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}
