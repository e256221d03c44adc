package graph

import (
	"unicode"
	"unicode/utf8"
)

// ContentEdge links a content view super-node to each of its members.
const ContentEdge = "hasContent"

// ContentViewLabel is the node label carried by content view super-nodes.
const ContentViewLabel = "_contentview"

// Edge is one outbound relationship of a node.
type Edge struct {
	Type        string
	TargetLabel string
	TargetURI   string
	Intensity   *float64
}

// Node is the graph projection of one entity. Nodes are keyed by URI.
type Node struct {
	Label    string
	URI      string
	ID       string
	CorpusID string
	Name     string
	Edges    []Edge
}

// EdgeName returns the relationship type for a cross reference field: "has" followed
// by the field name with its first letter upper-cased.
func EdgeName(field string) string {
	r, size := utf8.DecodeRuneInString(field)
	if r == utf8.RuneError {
		return "has"
	}
	return "has" + string(unicode.ToUpper(r)) + field[size:]
}
