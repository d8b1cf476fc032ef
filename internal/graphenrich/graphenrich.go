// Package graphenrich is the optional concept-graph enrichment (C13): a
// best-effort projection of a chunk's extracted metadata (files, tools,
// concepts) into Neo4j as ConceptNodes linked by CO_OCCURS_WITH edges. It
// is never load-bearing — every method here swallows its own errors after
// logging, the same way engine/ingest.go treats EnsureVehicleHierarchy.
package graphenrich

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/selfreflect/engine/internal/domain"
	"github.com/selfreflect/engine/pkg/repo"
)

const nodeLabel = "Concept"
const edgeType = "CO_OCCURS_WITH"

// Enricher projects chunk metadata into the concept graph, built on the
// teacher's generic Neo4jRepo[T,ID] with a ConceptNode mapper in place of
// Component.
type Enricher struct {
	driver neo4j.DriverWithContext
	nodes  *repo.Neo4jRepo[domain.ConceptNode, string]
	Logger *slog.Logger
}

func New(driver neo4j.DriverWithContext) *Enricher {
	return &Enricher{
		driver: driver,
		nodes: repo.NewNeo4jRepo[domain.ConceptNode, string](
			driver, nodeLabel, conceptNodeToMap, conceptNodeFromRecord,
		),
	}
}

func (e *Enricher) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Project MERGEs a ConceptNode for every file/tool/concept named in a
// chunk's metadata, and a CO_OCCURS_WITH edge between every pair of nodes
// seen in that chunk (§4.13). Errors are logged and swallowed: C13 never
// fails C6.
func (e *Enricher) Project(ctx context.Context, c domain.Chunk) error {
	nodes := collectNodes(c)
	if len(nodes) == 0 {
		return nil
	}

	for _, n := range nodes {
		// Neo4jRepo.Create always issues CREATE, not MERGE; check existence
		// first so re-ingesting the same chunk doesn't duplicate the node.
		if _, err := e.nodes.Get(ctx, n.ID); err == nil {
			continue
		}
		if _, err := e.nodes.Create(ctx, n); err != nil {
			e.logger().Warn("graphenrich: create node failed", "error", err, "node", n.ID)
		}
	}

	for i := range nodes {
		for j := i + 1; j < len(nodes); j++ {
			edge := domain.RelationEdge{From: nodes[i].ID, To: nodes[j].ID, Kind: edgeType, ConversationID: c.ConversationID}
			if err := e.upsertEdge(ctx, edge); err != nil {
				e.logger().Warn("graphenrich: upsert edge failed", "error", err, "from", edge.From, "to", edge.To)
			}
		}
	}
	return nil
}

func (e *Enricher) upsertEdge(ctx context.Context, edge domain.RelationEdge) error {
	sess := e.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := fmt.Sprintf(
		`MATCH (a:%s {id: $from}), (b:%s {id: $to})
		 MERGE (a)-[r:%s]->(b)
		 SET r.conversation_id = $conversation_id`,
		nodeLabel, nodeLabel, edgeType,
	)
	_, err := sess.Run(ctx, cypher, map[string]any{
		"from":            edge.From,
		"to":              edge.To,
		"conversation_id": edge.ConversationID,
	})
	return err
}

// collectNodes derives one ConceptNode per distinct file/tool/concept named
// in the chunk's metadata, capped by the same metadata-extraction caps the
// chunker already enforced (§4.3).
func collectNodes(c domain.Chunk) []domain.ConceptNode {
	var nodes []domain.ConceptNode
	seen := make(map[string]bool)
	add := func(kind, label string) {
		id := kind + ":" + label
		if seen[id] || label == "" {
			return
		}
		seen[id] = true
		nodes = append(nodes, domain.ConceptNode{ID: id, Kind: kind, Label: label, Project: c.Project})
	}
	for _, f := range c.Meta.FilesAnalyzed {
		add("file", f)
	}
	for _, f := range c.Meta.FilesEdited {
		add("file", f)
	}
	for _, t := range c.Meta.ToolsUsed {
		add("tool", t)
	}
	for _, concept := range c.Meta.Concepts {
		add("concept", concept)
	}
	return nodes
}

func conceptNodeToMap(n domain.ConceptNode) map[string]any {
	return map[string]any{
		"id":      n.ID,
		"kind":    n.Kind,
		"label":   n.Label,
		"project": n.Project,
	}
}

func conceptNodeFromRecord(rec *neo4j.Record) (domain.ConceptNode, error) {
	raw, ok := rec.Values[0].(dbtype.Node)
	if !ok {
		return domain.ConceptNode{}, fmt.Errorf("graphenrich: unexpected record shape")
	}
	return domain.ConceptNode{
		ID:      strProp(raw.Props, "id"),
		Kind:    strProp(raw.Props, "kind"),
		Label:   strProp(raw.Props, "label"),
		Project: strProp(raw.Props, "project"),
	}, nil
}

func strProp(props map[string]any, key string) string {
	if v, ok := props[key].(string); ok {
		return v
	}
	return ""
}
