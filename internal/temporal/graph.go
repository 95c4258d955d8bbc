package temporal

import (
	"encoding/json"
	"fmt"
	"sort"
)

// NodeKind classifies a structural node.
type NodeKind string

const (
	KindFile      NodeKind = "file"
	KindDirectory NodeKind = "directory"
	KindModule    NodeKind = "module"
	KindFunction  NodeKind = "function"
	KindClass     NodeKind = "class"
	KindOther     NodeKind = "other"
)

// GraphNode is a structural node supplied by the external scanner. Name is
// the project-relative path for file and directory nodes.
type GraphNode struct {
	ID       int               `json:"id"`
	Name     string            `json:"name"`
	Kind     NodeKind          `json:"kind"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// GraphEdge is a structural relationship between two nodes, e.g. "imports"
// or "contains".
type GraphEdge struct {
	ID           int               `json:"id"`
	From         int               `json:"from"`
	To           int               `json:"to"`
	Relationship string            `json:"relationship"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// TemporalNode is a structural node augmented with exactly one evolutionary
// state. Identity is the structural node ID.
type TemporalNode struct {
	Node      GraphNode          `json:"node"`
	Evolution *EvolutionaryState `json:"evolution"`
}

// Path returns the node's project-relative path.
func (n *TemporalNode) Path() string {
	return n.Node.Name
}

// CurrentActivation returns the node's latest activation, 0 when the node has
// no recorded state yet.
func (n *TemporalNode) CurrentActivation() float64 {
	return n.Evolution.CurrentState().Activation
}

// NeighborState is one neighbor's current state as seen from a center node.
type NeighborState struct {
	NodeID       int       `json:"node_id"`
	Path         string    `json:"path"`
	State        StateData `json:"state"`
	Relationship string    `json:"relationship"`
}

// Neighborhood is the read-only per-node context view: the center plus its
// incoming neighbors (nodes with edges pointing at it) and outgoing neighbors
// (nodes it points at), each carrying its current pre-tick state.
type Neighborhood struct {
	Center   int             `json:"center"`
	Incoming []NeighborState `json:"incoming"`
	Outgoing []NeighborState `json:"outgoing"`
}

// AllNeighbors returns incoming then outgoing neighbors with duplicates
// (by node ID) removed.
func (n *Neighborhood) AllNeighbors() []NeighborState {
	seen := make(map[int]bool, len(n.Incoming)+len(n.Outgoing))
	out := make([]NeighborState, 0, len(n.Incoming)+len(n.Outgoing))
	for _, ns := range n.Incoming {
		if !seen[ns.NodeID] {
			seen[ns.NodeID] = true
			out = append(out, ns)
		}
	}
	for _, ns := range n.Outgoing {
		if !seen[ns.NodeID] {
			seen[ns.NodeID] = true
			out = append(out, ns)
		}
	}
	return out
}

// AvgActivation returns the mean activation across all distinct neighbors,
// 0 when there are none.
func (n *Neighborhood) AvgActivation() float64 {
	all := n.AllNeighbors()
	if len(all) == 0 {
		return 0
	}
	var sum float64
	for _, ns := range all {
		sum += ns.State.Activation
	}
	return sum / float64(len(all))
}

// ByRelationship returns the distinct neighbors connected through the given
// relationship.
func (n *Neighborhood) ByRelationship(rel string) []NeighborState {
	var out []NeighborState
	for _, ns := range n.AllNeighbors() {
		if ns.Relationship == rel {
			out = append(out, ns)
		}
	}
	return out
}

// GraphStats summarizes a graph and its accumulated state.
type GraphStats struct {
	NodeCount        int     `json:"node_count"`
	EdgeCount        int     `json:"edge_count"`
	EvolvedNodeCount int     `json:"evolved_node_count"`
	TotalTransitions int     `json:"total_transitions"`
	AvgActivation    float64 `json:"avg_activation"`
}

// Graph is the temporal graph: an arena of nodes addressed by their integer
// IDs with adjacency held as edge-index lists. The structural shape is
// read-shared; per-node evolution is mutated only through ApplyTransition.
type Graph struct {
	nodes    map[int]*TemporalNode
	edges    []GraphEdge
	outgoing map[int][]int // node ID -> indices into edges where From == ID
	incoming map[int][]int // node ID -> indices into edges where To == ID
	byPath   map[string]int
}

// NewGraph builds a temporal graph from scanner output. Every node starts
// with an empty evolutionary state. An edge referencing an unknown node is
// rejected: that indicates corrupt scanner output, not a tolerable gap.
func NewGraph(nodes []GraphNode, edges []GraphEdge) (*Graph, error) {
	g := &Graph{
		nodes:    make(map[int]*TemporalNode, len(nodes)),
		edges:    make([]GraphEdge, 0, len(edges)),
		outgoing: make(map[int][]int),
		incoming: make(map[int][]int),
		byPath:   make(map[string]int, len(nodes)),
	}
	for _, n := range nodes {
		if _, dup := g.nodes[n.ID]; dup {
			return nil, fmt.Errorf("duplicate node id %d", n.ID)
		}
		g.nodes[n.ID] = &TemporalNode{Node: n, Evolution: NewEvolutionaryState()}
		g.byPath[n.Name] = n.ID
	}
	for _, e := range edges {
		if _, ok := g.nodes[e.From]; !ok {
			return nil, fmt.Errorf("edge %d references unknown node %d", e.ID, e.From)
		}
		if _, ok := g.nodes[e.To]; !ok {
			return nil, fmt.Errorf("edge %d references unknown node %d", e.ID, e.To)
		}
		idx := len(g.edges)
		g.edges = append(g.edges, e)
		g.outgoing[e.From] = append(g.outgoing[e.From], idx)
		g.incoming[e.To] = append(g.incoming[e.To], idx)
	}
	return g, nil
}

// Node returns the temporal node for the given ID.
func (g *Graph) Node(id int) (*TemporalNode, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// NodeByPath returns the temporal node with the given project-relative path.
func (g *Graph) NodeByPath(path string) (*TemporalNode, bool) {
	id, ok := g.byPath[path]
	if !ok {
		return nil, false
	}
	return g.nodes[id], true
}

// NodeIDs returns all node IDs in ascending order. Iterating in this order
// keeps tick evaluation deterministic.
func (g *Graph) NodeIDs() []int {
	ids := make([]int, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Edges returns the structural edges in input order.
func (g *Graph) Edges() []GraphEdge {
	return g.edges
}

// InDegree returns the number of edges pointing at the node.
func (g *Graph) InDegree(id int) int {
	return len(g.incoming[id])
}

// OutDegree returns the number of edges leaving the node.
func (g *Graph) OutDegree(id int) int {
	return len(g.outgoing[id])
}

// SetInitialState seeds a node's first state, recorded under the
// __initial__ pseudo-rule.
func (g *Graph) SetInitialState(id int, state StateData) error {
	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("set initial state: unknown node %d", id)
	}
	t := NewTransition(RuleInitial).
		State(state).
		Sequence(n.Evolution.NextSequence()).
		Build()
	return n.Evolution.Append(t)
}

// ApplyTransition appends a transition to the node's history, enforcing the
// sequence contract.
func (g *Graph) ApplyTransition(id int, t Transition) error {
	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("apply transition: unknown node %d", id)
	}
	if err := n.Evolution.Append(t); err != nil {
		return fmt.Errorf("node %d (%s): %w", id, n.Node.Name, err)
	}
	return nil
}

// Neighborhood assembles the read-only neighbor view for a node from the
// current (pre-tick) states.
func (g *Graph) Neighborhood(id int) (*Neighborhood, error) {
	if _, ok := g.nodes[id]; !ok {
		return nil, fmt.Errorf("neighborhood: unknown node %d", id)
	}
	nb := &Neighborhood{Center: id}
	for _, idx := range g.incoming[id] {
		e := g.edges[idx]
		from := g.nodes[e.From]
		nb.Incoming = append(nb.Incoming, NeighborState{
			NodeID:       e.From,
			Path:         from.Node.Name,
			State:        from.Evolution.CurrentState(),
			Relationship: e.Relationship,
		})
	}
	for _, idx := range g.outgoing[id] {
		e := g.edges[idx]
		to := g.nodes[e.To]
		nb.Outgoing = append(nb.Outgoing, NeighborState{
			NodeID:       e.To,
			Path:         to.Node.Name,
			State:        to.Evolution.CurrentState(),
			Relationship: e.Relationship,
		})
	}
	return nb, nil
}

// Stats computes summary statistics over the whole graph.
func (g *Graph) Stats() GraphStats {
	s := GraphStats{
		NodeCount: len(g.nodes),
		EdgeCount: len(g.edges),
	}
	if s.NodeCount == 0 {
		return s
	}
	var sum float64
	for _, n := range g.nodes {
		s.TotalTransitions += n.Evolution.Len()
		if n.Evolution.HasEvolved() {
			s.EvolvedNodeCount++
		}
		sum += n.Evolution.CurrentState().Activation
	}
	s.AvgActivation = sum / float64(s.NodeCount)
	return s
}

// Windowed returns a copy of the graph whose node histories are trimmed to
// the last window transitions each. The structural shape is shared.
func (g *Graph) Windowed(window int) *Graph {
	out := &Graph{
		nodes:    make(map[int]*TemporalNode, len(g.nodes)),
		edges:    g.edges,
		outgoing: g.outgoing,
		incoming: g.incoming,
		byPath:   g.byPath,
	}
	for id, n := range g.nodes {
		out.nodes[id] = &TemporalNode{Node: n.Node, Evolution: n.Evolution.Windowed(window)}
	}
	return out
}

type graphJSON struct {
	Nodes []*TemporalNode `json:"nodes"`
	Edges []GraphEdge     `json:"edges"`
}

// MarshalJSON serializes nodes in ascending ID order for stable output.
func (g *Graph) MarshalJSON() ([]byte, error) {
	doc := graphJSON{Edges: g.edges}
	for _, id := range g.NodeIDs() {
		doc.Nodes = append(doc.Nodes, g.nodes[id])
	}
	return json.Marshal(doc)
}

// UnmarshalJSON rebuilds the arena, adjacency, and path index. Node history
// validation happens in each EvolutionaryState's own unmarshalling, so a
// corrupted store fails here rather than surfacing later as a bad append.
func (g *Graph) UnmarshalJSON(data []byte) error {
	var doc graphJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	g.nodes = make(map[int]*TemporalNode, len(doc.Nodes))
	g.edges = make([]GraphEdge, 0, len(doc.Edges))
	g.outgoing = make(map[int][]int)
	g.incoming = make(map[int][]int)
	g.byPath = make(map[string]int, len(doc.Nodes))
	for _, n := range doc.Nodes {
		if n == nil {
			return fmt.Errorf("null node in graph document")
		}
		if _, dup := g.nodes[n.Node.ID]; dup {
			return fmt.Errorf("duplicate node id %d", n.Node.ID)
		}
		if n.Evolution == nil {
			n.Evolution = NewEvolutionaryState()
		}
		g.nodes[n.Node.ID] = n
		g.byPath[n.Node.Name] = n.Node.ID
	}
	for _, e := range doc.Edges {
		if _, ok := g.nodes[e.From]; !ok {
			return fmt.Errorf("edge %d references unknown node %d", e.ID, e.From)
		}
		if _, ok := g.nodes[e.To]; !ok {
			return fmt.Errorf("edge %d references unknown node %d", e.ID, e.To)
		}
		idx := len(g.edges)
		g.edges = append(g.edges, e)
		g.outgoing[e.From] = append(g.outgoing[e.From], idx)
		g.incoming[e.To] = append(g.incoming[e.To], idx)
	}
	return nil
}
