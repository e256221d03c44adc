package graph

import (
	"fmt"
	"sort"
	"strings"
)

// Node properties.
const (
	propURI      = "uri"
	propID       = "id"
	propCorpusID = "corpus_id"
	propName     = "name"
)

// quote renders a label or relationship type as a Cypher identifier. Labels cannot be
// passed as parameters, so every name interpolated into a statement goes through here.
func quote(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// syncStatements upserts the node and replaces all of its outbound edges.
func syncStatements(node Node) []Statement {
	stmts := []Statement{{
		Cypher: fmt.Sprintf(`MERGE (n:%s {uri: $uri})
SET n.id = $id, n.corpus_id = $corpus_id, n.name = $name
WITH n
OPTIONAL MATCH (n)-[r]->()
DELETE r`, quote(node.Label)),
		Params: map[string]any{
			propURI:      node.URI,
			propID:       node.ID,
			propCorpusID: node.CorpusID,
			propName:     node.Name,
		},
	}}

	type group struct{ edgeType, targetLabel string }
	targets := map[group][]any{}
	var order []group
	for _, e := range node.Edges {
		g := group{e.Type, e.TargetLabel}
		if _, ok := targets[g]; !ok {
			order = append(order, g)
		}
		target := map[string]any{propURI: e.TargetURI}
		if e.Intensity != nil {
			target["intensity"] = *e.Intensity
		}
		targets[g] = append(targets[g], target)
	}
	sort.SliceStable(order, func(i, j int) bool {
		if order[i].edgeType != order[j].edgeType {
			return order[i].edgeType < order[j].edgeType
		}
		return order[i].targetLabel < order[j].targetLabel
	})

	for _, g := range order {
		stmts = append(stmts, Statement{
			Cypher: fmt.Sprintf(`MATCH (n:%s {uri: $uri})
UNWIND $targets AS target
MERGE (t:%s {uri: target.uri})
CREATE (n)-[r:%s]->(t)
SET r.intensity = target.intensity`, quote(node.Label), quote(g.targetLabel), quote(g.edgeType)),
			Params: map[string]any{propURI: node.URI, "targets": targets[g]},
		})
	}
	return stmts
}

func deleteNodeStatement(label, uri string) Statement {
	return Statement{
		Cypher: fmt.Sprintf(`MATCH (n:%s {uri: $uri}) DETACH DELETE n`, quote(label)),
		Params: map[string]any{propURI: uri},
	}
}

func deleteLabelStatement(corpusID, label string) Statement {
	return Statement{
		Cypher: fmt.Sprintf(`MATCH (n:%s {corpus_id: $corpus_id}) DETACH DELETE n`, quote(label)),
		Params: map[string]any{propCorpusID: corpusID},
	}
}

// superNodeStatements creates a view node and links it to its members in batches.
func superNodeStatements(s SuperNode, batchSize int) []Statement {
	stmts := []Statement{{
		Cypher: fmt.Sprintf(`MERGE (v:%s {uri: $uri})
SET v.corpus_id = $corpus_id, v.name = $name, v.target_type = $target_type
WITH v
OPTIONAL MATCH (v)-[r]->()
DELETE r`, quote(ContentViewLabel)),
		Params: map[string]any{
			propURI:       s.URI,
			propCorpusID:  s.CorpusID,
			propName:      s.Name,
			"target_type": s.TargetType,
		},
	}}
	for start := 0; start < len(s.IDs); start += batchSize {
		end := min(start+batchSize, len(s.IDs))
		stmts = append(stmts, Statement{
			Cypher: fmt.Sprintf(`MATCH (v:%s {uri: $uri})
MATCH (m:%s {corpus_id: $corpus_id})
WHERE m.id IN $ids
CREATE (v)-[:%s]->(m)`, quote(ContentViewLabel), quote(s.TargetType), quote(ContentEdge)),
			Params: map[string]any{
				propURI:      s.URI,
				propCorpusID: s.CorpusID,
				"ids":        s.IDs[start:end],
			},
		})
	}
	return stmts
}
