// Package index implements the shared dependency index: for every
// (package, version) in use, the vulnerabilities affecting it and the
// applications declaring it.
//
// A version node exists only while at least one application uses it, and a
// package entry only while it has at least one version. Both are removed the
// moment their last reference goes away.
package index

import (
	"sort"
	"sync"
)

type node struct {
	vulns    map[string]struct{}
	usedBy   map[string]struct{}
	enriched bool
}

// Entry is a detached copy of one version node.
type Entry struct {
	Package          string
	Version          string
	VulnerabilityIDs []string
	UsedBy           []string
	Enriched         bool
}

// EnsureResult reports what Ensure found or created.
type EnsureResult struct {
	// Created is set when the node did not exist before the call.
	Created bool
	// NeedsEnrichment is set when no vulnerability lookup has succeeded for
	// the node yet.
	NeedsEnrichment bool
	// VulnerabilityIDs are the ids already known for the node.
	VulnerabilityIDs []string
}

// Index is safe for concurrent use. Every method is a single atomic step.
type Index struct {
	mu       sync.RWMutex
	packages map[string]map[string]*node
}

func New() *Index {
	return &Index{packages: make(map[string]map[string]*node)}
}

// Ensure records appID as a user of (pkg, version), creating the node when
// it is absent.
func (ix *Index) Ensure(pkg, version, appID string) EnsureResult {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	versions, ok := ix.packages[pkg]
	if !ok {
		versions = make(map[string]*node)
		ix.packages[pkg] = versions
	}
	n, ok := versions[version]
	if !ok {
		n = &node{vulns: make(map[string]struct{}), usedBy: make(map[string]struct{})}
		versions[version] = n
	}
	n.usedBy[appID] = struct{}{}
	return EnsureResult{
		Created:          !ok,
		NeedsEnrichment:  !n.enriched,
		VulnerabilityIDs: sortedKeys(n.vulns),
	}
}

// Release drops appID from the users of (pkg, version) and garbage collects
// the node and its package when they become empty. It returns the node's
// vulnerability count as it stood before the call and whether appID held
// the node at all.
func (ix *Index) Release(pkg, version, appID string) (int, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	versions, ok := ix.packages[pkg]
	if !ok {
		return 0, false
	}
	n, ok := versions[version]
	if !ok {
		return 0, false
	}
	if _, held := n.usedBy[appID]; !held {
		return 0, false
	}
	count := len(n.vulns)
	delete(n.usedBy, appID)
	if len(n.usedBy) == 0 {
		delete(versions, version)
		if len(versions) == 0 {
			delete(ix.packages, pkg)
		}
	}
	return count, true
}

// AddVulnerabilities unions ids into the node's vulnerability set and marks
// it enriched. It returns the resulting set size, or false when the node no
// longer exists.
func (ix *Index) AddVulnerabilities(pkg, version string, ids []string) (int, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	n := ix.nodeLocked(pkg, version)
	if n == nil {
		return 0, false
	}
	for _, id := range ids {
		n.vulns[id] = struct{}{}
	}
	n.enriched = true
	return len(n.vulns), true
}

// Lookup returns a copy of the node for (pkg, version).
func (ix *Index) Lookup(pkg, version string) (Entry, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	n := ix.nodeLocked(pkg, version)
	if n == nil {
		return Entry{}, false
	}
	return n.entry(pkg, version), true
}

// VulnerabilityCount is the size of the node's vulnerability set, 0 when the
// node is absent.
func (ix *Index) VulnerabilityCount(pkg, version string) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if n := ix.nodeLocked(pkg, version); n != nil {
		return len(n.vulns)
	}
	return 0
}

// Snapshot copies the whole index, keyed by package then version.
func (ix *Index) Snapshot() map[string]map[string]Entry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make(map[string]map[string]Entry, len(ix.packages))
	for pkg, versions := range ix.packages {
		vs := make(map[string]Entry, len(versions))
		for v, n := range versions {
			vs[v] = n.entry(pkg, v)
		}
		out[pkg] = vs
	}
	return out
}

// Stats returns the number of packages and version nodes.
func (ix *Index) Stats() (packages, versions int) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	for _, vs := range ix.packages {
		versions += len(vs)
	}
	return len(ix.packages), versions
}

func (ix *Index) nodeLocked(pkg, version string) *node {
	versions, ok := ix.packages[pkg]
	if !ok {
		return nil
	}
	return versions[version]
}

func (n *node) entry(pkg, version string) Entry {
	return Entry{
		Package:          pkg,
		Version:          version,
		VulnerabilityIDs: sortedKeys(n.vulns),
		UsedBy:           sortedKeys(n.usedBy),
		Enriched:         n.enriched,
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
