// Package manifest parses pinned requirement files ("package==version" lines).
package manifest

import (
	"bufio"
	"strings"
)

// Requirement is one pinned (package, version) pair.
type Requirement struct {
	Package string
	Version string
}

// Parse extracts pinned requirements from text. Only lines containing "=="
// are declarations. Environment markers (after ';') and anything after the
// first whitespace following the version are dropped. Blank lines, comments
// and lines without a usable package or version are skipped.
//
// A package declared twice keeps its first position and its last version.
func Parse(text string) []Requirement {
	var out []Requirement
	pos := make(map[string]int)

	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		req, ok := parseLine(sc.Text())
		if !ok {
			continue
		}
		if i, seen := pos[req.Package]; seen {
			out[i].Version = req.Version
			continue
		}
		pos[req.Package] = len(out)
		out = append(out, req)
	}
	return out
}

func parseLine(line string) (Requirement, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return Requirement{}, false
	}
	name, rest, found := strings.Cut(line, "==")
	if !found {
		return Requirement{}, false
	}
	name = strings.TrimSpace(name)
	version, _, _ := strings.Cut(rest, ";")
	fields := strings.Fields(version)
	if name == "" || len(fields) == 0 {
		return Requirement{}, false
	}
	return Requirement{Package: name, Version: fields[0]}, true
}

// ToMap indexes requirements by package name.
func ToMap(reqs []Requirement) map[string]string {
	m := make(map[string]string, len(reqs))
	for _, r := range reqs {
		m[r.Package] = r.Version
	}
	return m
}
