package permission

import (
	"testing"

	"github.com/autoweaved/autoweaved/internal/manifest"
)

func testManifest() *manifest.Manifest {
	return &manifest.Manifest{
		Name:    "usb-logger",
		Version: "1.0.0",
		Entry:   "index.js",
		Permissions: manifest.Permissions{
			Filesystem: []manifest.FilesystemGrant{
				{Path: "logs", Mode: manifest.ModeReadWrite},
				{Path: "config", Mode: manifest.ModeRead},
			},
			Network: &manifest.NetworkGrant{AllowedHosts: []string{"api.example.com"}, RateLimit: 10},
			Queues:  []string{"usb-events"},
			Memory:  &manifest.MemoryGrant{MaxHeapMB: 64, MaxStorageMB: 128},
			Modules: &manifest.ModuleGrant{Allow: []string{"fs", "net"}, Deny: []string{"net"}},
		},
	}
}

func TestMayReadWritePath(t *testing.T) {
	m := New(testManifest())
	if !m.MayReadPath("logs/today.log") {
		t.Error("expected read access under logs/")
	}
	if !m.MayWritePath("logs/today.log") {
		t.Error("expected write access under logs/")
	}
	if !m.MayReadPath("config/app.json") {
		t.Error("expected read access under config/")
	}
	if m.MayWritePath("config/app.json") {
		t.Error("did not expect write access under read-only config/")
	}
	if m.MayReadPath("/etc/passwd") {
		t.Error("did not expect access outside declared roots")
	}
}

func TestMayConnect(t *testing.T) {
	m := New(testManifest())
	if !m.MayConnect("api.example.com") {
		t.Error("expected allowed host")
	}
	if m.MayConnect("evil.example.com") {
		t.Error("did not expect undeclared host")
	}
}

func TestQueuePermissions(t *testing.T) {
	m := New(testManifest())
	if !m.MayPublish("usb-events") {
		t.Error("expected publish rights on declared queue")
	}
	if m.MayPublish("other-queue") {
		t.Error("did not expect publish rights on undeclared queue")
	}
}

func TestModuleDenylistDominates(t *testing.T) {
	m := New(testManifest())
	if m.ModuleAllowed("net") {
		t.Error("deny should dominate allow for overlapping module name")
	}
	if !m.ModuleAllowed("fs") {
		t.Error("expected allowed module")
	}
	if m.ModuleAllowed("unknown") {
		t.Error("non-empty allowlist should reject anything not explicitly allowed")
	}
}

func TestModuleAllowedWithNoAllowlist(t *testing.T) {
	m := New(&manifest.Manifest{
		Permissions: manifest.Permissions{
			Modules: &manifest.ModuleGrant{Deny: []string{"net"}},
		},
	})
	if m.ModuleAllowed("net") {
		t.Error("denied module should stay denied")
	}
	if !m.ModuleAllowed("fs") {
		t.Error("empty allowlist should permit anything not denied")
	}
}

func TestStorageBudgetBytes(t *testing.T) {
	m := New(testManifest())
	if m.StorageBudgetBytes() != 128*1024*1024 {
		t.Errorf("storage budget = %d", m.StorageBudgetBytes())
	}
}
