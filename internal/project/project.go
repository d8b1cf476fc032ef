// Package project maps a transcript's directory to a logical project name
// and to the deterministic vector-collection identifiers that hold its data
// (C1 Project Normalizer). The hash algorithm and truncation lengths are a
// compatibility contract: changing them silently orphans existing data.
package project

import (
	"crypto/md5"
	"encoding/hex"
	"path/filepath"
	"strings"
)

const projectsToken = "projects-"

// Normalize maps a transcript directory to its logical project name.
//
//  1. If path contains a separator, take the trailing path element.
//  2. If that element starts with "-" and contains "projects-", take the
//     substring after the LAST occurrence of "projects-".
//  3. Otherwise return it unchanged.
//
// Normalize is pure and total: it never errors and is idempotent
// (Normalize(Normalize(x)) == Normalize(x)).
func Normalize(path string) string {
	dir := path
	if strings.ContainsRune(path, '/') || strings.ContainsRune(path, filepath.Separator) {
		dir = filepath.Base(path)
	}

	if strings.HasPrefix(dir, "-") {
		if idx := strings.LastIndex(dir, projectsToken); idx != -1 {
			return dir[idx+len(projectsToken):]
		}
	}
	return dir
}

// CollectionName derives the conversation collection identifier for a
// normalized project name and provider/dimension suffix (e.g. "qwen_2048d").
//
// conv_<first 8 hex chars of md5(name)>_<suffix>
func CollectionName(name, suffix string) string {
	return "conv_" + hashHex(name, 8) + "_" + suffix
}

// NarrativeCollection derives the narrative collection identifier for a
// normalized project name.
//
// narratives_<first 12 hex chars of md5(name)>
func NarrativeCollection(name string) string {
	return "narratives_" + hashHex(name, 12)
}

// Hash12 returns the 12-hex-char project hash used by NarrativeCollection.
func Hash12(name string) string {
	return hashHex(name, 12)
}

// Hash8 returns the 8-hex-char project hash used by CollectionName and by
// the project resolver (C10) to recompute the prefix for a user-supplied
// project string.
func Hash8(name string) string {
	return hashHex(name, 8)
}

func hashHex(s string, n int) string {
	sum := md5.Sum([]byte(s))
	h := hex.EncodeToString(sum[:])
	if n > len(h) {
		n = len(h)
	}
	return h[:n]
}
