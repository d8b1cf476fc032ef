// Package narrative implements the narrative batch service (C7) and
// narrative storage (C8): selecting completed conversations for
// summarization, driving the remote batch-completion API, and storing/
// searching the resulting structured summaries in their own vector
// collection.
package narrative

import (
	"os"
	"sort"
	"strings"

	"github.com/selfreflect/engine/internal/domain"
	"github.com/selfreflect/engine/internal/project"
	"github.com/selfreflect/engine/internal/state"
)

// Candidate is one state-store entry eligible for narrative generation.
type Candidate struct {
	Path string
	Rec  domain.FileRecord
}

// SelectCandidates returns completed, narrative-less conversations, newest
// import first, optionally scoped to a single project (§4.7): projectName is
// normalized and matched against the project hash in each record's
// collection name.
func SelectCandidates(doc state.Document, projectName string) []Candidate {
	var prefix string
	if projectName != "" {
		prefix = project.CollectionName(project.Normalize(projectName), "")
	}
	var out []Candidate
	for path, rec := range doc.Files {
		if rec.Status != domain.StatusCompleted {
			continue
		}
		if rec.HasNarrative {
			continue
		}
		if rec.Chunks <= 0 {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if prefix != "" && rec.Collection != "" && !strings.HasPrefix(rec.Collection, prefix) {
			// Collection names embed the project hash: conv_<hash8>_<suffix>.
			continue
		}
		out = append(out, Candidate{Path: path, Rec: rec})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Rec.ImportedAt.After(out[j].Rec.ImportedAt)
	})
	return out
}
