package narrative

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	pb "github.com/qdrant/go-client/qdrant"

	"github.com/selfreflect/engine/internal/domain"
	"github.com/selfreflect/engine/internal/embedding"
	"github.com/selfreflect/engine/internal/project"
	"github.com/selfreflect/engine/internal/vectorstore"
)

// Store is narrative storage and search (C8).
type Store struct {
	Vector    *vectorstore.Store
	Embedder  embedding.Provider
}

// Store persists a narrative for a conversation, embedding a labelled
// concatenation of its fields (§4.8). Returns the deterministic point ID.
func (s *Store) Store(ctx context.Context, conversationID, projectName string, nar domain.NarrativeRecord) (uint64, error) {
	collection := project.NarrativeCollection(projectName)
	if err := s.Vector.EnsureCollection(ctx, collection, s.Embedder.Dimension()); err != nil {
		return 0, err
	}
	for _, field := range []string{"conversation_id", "project", "outcome", "complexity"} {
		if err := s.Vector.EnsurePayloadIndex(ctx, collection, field, pb.FieldType_FieldTypeKeyword); err != nil {
			return 0, err
		}
	}

	text := searchableText(nar)
	vectors, err := s.Embedder.Embed(ctx, embedding.KindDocument, []string{text})
	if err != nil {
		return 0, domain.Wrap("narrative.Store", conversationID, domain.ErrProviderTransient)
	}
	if err := embedding.Validate(vectors, 1, s.Embedder.Dimension()); err != nil {
		return 0, err
	}

	id := vectorstore.NarrativePointID(conversationID)
	payload := narrativePayload(conversationID, projectName, nar)
	payload["created_at"] = time.Now().Format(time.RFC3339)

	if err := s.Vector.Upsert(ctx, collection, []vectorstore.Point{{ID: id, Vector: vectors[0], Payload: payload}}, false); err != nil {
		return 0, err
	}
	return id, nil
}

// searchableText builds a labelled, delimiter-joined concatenation of the
// narrative fields present (§4.8 step 2).
func searchableText(n domain.NarrativeRecord) string {
	var parts []string
	add := func(label, v string) {
		if v != "" {
			parts = append(parts, label+": "+v)
		}
	}
	add("Summary", n.Summary)
	add("Problem", n.Problem)
	add("Solution", n.Solution)
	if len(n.Decisions) > 0 {
		add("Decisions", strings.Join(n.Decisions, "; "))
	}
	if len(n.KeyInsights) > 0 {
		add("Key insights", strings.Join(n.KeyInsights, "; "))
	}
	if len(n.Tags) > 0 {
		add("Tags", strings.Join(n.Tags, ", "))
	}
	return strings.Join(parts, "\n\n")
}

func narrativePayload(conversationID, projectName string, n domain.NarrativeRecord) map[string]any {
	return map[string]any{
		"conversation_id": conversationID,
		"project":         projectName,
		"summary":         n.Summary,
		"problem":         n.Problem,
		"solution":        n.Solution,
		"decisions":       n.Decisions,
		"files_modified":  n.FilesModified,
		"key_insights":    n.KeyInsights,
		"tags":            n.Tags,
		"complexity":      n.Complexity,
		"outcome":         n.Outcome,
	}
}

// SearchHit is one narrative search result.
type SearchHit struct {
	ConversationID string
	Score          float32
	Payload        map[string]any
}

// Search embeds query and searches the narrative collection(s) (§4.8
// step 2/"Search"): a single collection when project is given, else every
// narratives_* collection merge-sorted by score.
func (s *Store) Search(ctx context.Context, query, projectName string, limit int, minScore float32, filter *vectorstore.Filter) ([]SearchHit, error) {
	vectors, err := s.Embedder.Embed(ctx, embedding.KindQuery, []string{query})
	if err != nil {
		return nil, domain.Wrap("narrative.Search", query, domain.ErrProviderTransient)
	}
	if err := embedding.Validate(vectors, 1, s.Embedder.Dimension()); err != nil {
		return nil, err
	}
	v := vectors[0]

	var collections []string
	if projectName != "" {
		collections = []string{project.NarrativeCollection(projectName)}
	} else {
		all, err := s.Vector.ListCollections(ctx)
		if err != nil {
			return nil, err
		}
		for _, name := range all {
			if strings.HasPrefix(name, "narratives_") {
				collections = append(collections, name)
			}
		}
	}

	var all []SearchHit
	for _, name := range collections {
		hits, err := s.Vector.Search(ctx, name, v, limit, filter, &minScore)
		if err != nil {
			continue // a missing/unready collection shouldn't fail the whole merged search
		}
		for _, h := range hits {
			convID := fmt.Sprint(h.Payload["conversation_id"])
			all = append(all, SearchHit{ConversationID: convID, Score: h.Score, Payload: h.Payload})
		}
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Score > all[j].Score })
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}
