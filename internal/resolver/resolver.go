// Package resolver maps a user-supplied project string to the set of
// conversation collections it refers to (C10). Project identity is hashed
// for storage (see internal/project), so resolution has to reverse that:
// recompute the hash prefix, but also tolerate legacy data that was never
// migrated through a consistent normalizer.
package resolver

import (
	"strings"

	"github.com/selfreflect/engine/internal/project"
)

const convPrefix = "conv_"

// Collections returns the conv_* collections matching query q against the
// full collection list (§4.10).
func Collections(q string, all []string) []string {
	if q == "all" {
		return withPrefix(all, convPrefix)
	}

	h := project.Hash8(project.Normalize(q))
	target := convPrefix + h + "_"

	var out []string
	for _, name := range all {
		if strings.HasPrefix(name, target) {
			out = append(out, name)
		}
	}
	if len(out) > 0 {
		return out
	}

	// Legacy fallback: exact match or substring match on directory-style
	// inputs (full path or basename) against collection names that were
	// never re-keyed under the hash scheme.
	base := q
	if idx := strings.LastIndexByte(q, '/'); idx != -1 {
		base = q[idx+1:]
	}
	for _, name := range all {
		if !strings.HasPrefix(name, convPrefix) {
			continue
		}
		if name == q || name == base || strings.Contains(name, base) {
			out = append(out, name)
		}
	}
	return out
}

func withPrefix(all []string, prefix string) []string {
	var out []string
	for _, name := range all {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	return out
}

// MatchesProject implements the payload project-field comparison rule
// (§4.10): a stored value s matches target t iff s == t, or
// s.replace('-','_') ends with "_" + t.replace('-','_'), or s ends with
// "-" + t.
func MatchesProject(stored, target string) bool {
	if stored == target {
		return true
	}
	sU := strings.ReplaceAll(stored, "-", "_")
	tU := strings.ReplaceAll(target, "-", "_")
	if strings.HasSuffix(sU, "_"+tU) {
		return true
	}
	return strings.HasSuffix(stored, "-"+target)
}
