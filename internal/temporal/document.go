package temporal

import (
	"encoding/json"
	"fmt"
)

// GraphDocument is the scanner interchange format: plain structural nodes
// and edges, no temporal state attached. The CLI reads it from graph.json.
type GraphDocument struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

// ParseGraphDocument decodes scanner output and builds a fresh temporal
// graph over it. A document without nodes is rejected: a scanner that
// found nothing produced nothing worth evolving.
func ParseGraphDocument(data []byte) (*Graph, error) {
	var doc GraphDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse graph document: %w", err)
	}
	if len(doc.Nodes) == 0 {
		return nil, fmt.Errorf("parse graph document: no nodes")
	}
	g, err := NewGraph(doc.Nodes, doc.Edges)
	if err != nil {
		return nil, fmt.Errorf("parse graph document: %w", err)
	}
	return g, nil
}
