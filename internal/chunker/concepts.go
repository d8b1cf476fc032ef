package chunker

import "regexp"

// conceptTable is the fixed {concept -> regex} lookup scanned against chunk
// text to populate TranscriptMeta.Concepts (§4.3). Order here is the
// tie-break order when two concepts first appear in the same chunk.
var conceptTable = []struct {
	name string
	re   *regexp.Regexp
}{
	{"authentication", regexp.MustCompile(`(?i)\b(auth|login|jwt|oauth|session token)\b`)},
	{"database", regexp.MustCompile(`(?i)\b(database|postgres|sqlite|mysql|\bsql\b)\b`)},
	{"testing", regexp.MustCompile(`(?i)\b(unit test|pytest|test suite|assert(ion)?|mock)\b`)},
	{"deployment", regexp.MustCompile(`(?i)\b(deploy|docker|kubernetes|ci\/cd|pipeline)\b`)},
	{"api design", regexp.MustCompile(`(?i)\b(rest api|graphql|endpoint|http handler)\b`)},
	{"concurrency", regexp.MustCompile(`(?i)\b(goroutine|async|await|concurren(cy|t)|race condition|mutex)\b`)},
	{"performance", regexp.MustCompile(`(?i)\b(performance|latency|optimi[sz]e|benchmark|profil(e|ing))\b`)},
	{"error handling", regexp.MustCompile(`(?i)\b(exception|traceback|panic|stack trace|error handling)\b`)},
	{"refactoring", regexp.MustCompile(`(?i)\brefactor`)},
	{"security", regexp.MustCompile(`(?i)\b(security|vulnerab(le|ility)|injection|\bcve\b)\b`)},
	{"caching", regexp.MustCompile(`(?i)\b(cache|caching|redis|memcache)\b`)},
	{"networking", regexp.MustCompile(`(?i)\b(tcp|http\b|websocket|grpc|dns)\b`)},
}

// extractConcepts scans text for concept matches, appending newly seen
// concepts (in first-appearance order) to seen, up to the cap.
func extractConcepts(text string, seen map[string]bool, ordered []string, cap int) []string {
	if len(ordered) >= cap {
		return ordered
	}
	for _, c := range conceptTable {
		if len(ordered) >= cap {
			break
		}
		if seen[c.name] {
			continue
		}
		if c.re.MatchString(text) {
			seen[c.name] = true
			ordered = append(ordered, c.name)
		}
	}
	return ordered
}
