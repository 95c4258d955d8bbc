// Package store persists automaton state, configuration, tick history and
// snapshots as JSON files under <root>/.self/automaton/. Every write is
// temp-then-rename so a crash never leaves a partial file visible, and one
// store instance serializes its own save and snapshot calls.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"vibegraph/internal/automaton"
	"vibegraph/internal/descriptor"
	"vibegraph/internal/logging"
	"vibegraph/internal/planner"
	"vibegraph/internal/temporal"
)

// StoreVersion is the on-disk layout version stamped into metadata.
const StoreVersion = 1

const (
	stateFile        = "state.json"
	configFile       = "config.json"
	tickHistoryFile  = "tick_history.json"
	perturbationFile = "perturbation.json"
	snapshotsDir     = "snapshots"

	// stateHistoryWindow caps how many transitions per node state.json
	// keeps. Sequences are preserved, so a reloaded window still appends
	// at the right point.
	stateHistoryWindow = 64

	// tickHistoryCap bounds tick_history.json; the oldest entries fall
	// off first.
	tickHistoryCap = 256
)

// AutomatonMetadata summarizes a persisted state for listings and resume.
type AutomatonMetadata struct {
	Version          int       `json:"version"`
	SavedAt          time.Time `json:"saved_at"`
	TickCount        int       `json:"tick_count"`
	NodeCount        int       `json:"node_count"`
	EdgeCount        int       `json:"edge_count"`
	TotalTransitions int       `json:"total_transitions"`
	EvolvedNodes     int       `json:"evolved_nodes"`
	Label            string    `json:"label,omitempty"`
}

// PersistedNode pairs a structural node with its (windowed) history.
type PersistedNode struct {
	Node      temporal.GraphNode          `json:"node"`
	Evolution *temporal.EvolutionaryState `json:"evolution"`
}

// PersistedState is the full durable form of one automaton: metadata plus
// the serialized graph. Unmarshalling validates every node's sequence
// contiguity, so a corrupted store fails at parse time with
// temporal.ErrInvalidSequence.
type PersistedState struct {
	Metadata AutomatonMetadata    `json:"metadata"`
	Nodes    []PersistedNode      `json:"nodes"`
	Edges    []temporal.GraphEdge `json:"edges,omitempty"`
}

// Rebuild reconstructs the temporal graph, reattaching each node's loaded
// history. The per-node append point comes from the stored sequences.
func (ps *PersistedState) Rebuild() (*temporal.Graph, error) {
	nodes := make([]temporal.GraphNode, len(ps.Nodes))
	for i, pn := range ps.Nodes {
		nodes[i] = pn.Node
	}
	g, err := temporal.NewGraph(nodes, ps.Edges)
	if err != nil {
		return nil, fmt.Errorf("store: rebuild graph: %w", err)
	}
	for _, pn := range ps.Nodes {
		if pn.Evolution == nil || pn.Evolution.Len() == 0 {
			continue
		}
		node, ok := g.Node(pn.Node.ID)
		if !ok {
			return nil, fmt.Errorf("store: rebuild graph: node %d vanished", pn.Node.ID)
		}
		node.Evolution = pn.Evolution
	}
	return g, nil
}

// AutomatonStore reads and writes one automaton's files under
// <root>/.self/automaton/.
type AutomatonStore struct {
	dir string
	mu  sync.Mutex
}

// NewAutomatonStore returns a store rooted at the project root. Nothing is
// created on disk until the first write.
func NewAutomatonStore(root string) *AutomatonStore {
	return &AutomatonStore{dir: filepath.Join(root, ".self", "automaton")}
}

// Dir returns the store directory.
func (s *AutomatonStore) Dir() string { return s.dir }

// Save persists the automaton's current state to state.json.
func (s *AutomatonStore) Save(a *automaton.GraphAutomaton, label string) error {
	if a == nil {
		return fmt.Errorf("store: nil automaton")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ps := persist(a, label)
	data, err := json.MarshalIndent(ps, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode state: %w", err)
	}
	if err := s.writeFile(filepath.Join(s.dir, stateFile), data); err != nil {
		return err
	}
	logging.Store("saved state: %d nodes, %d transitions, tick %d",
		ps.Metadata.NodeCount, ps.Metadata.TotalTransitions, ps.Metadata.TickCount)
	return nil
}

// Load reads state.json. The second return is false when no state has been
// saved yet. Histories with sequence gaps or duplicates fail with
// temporal.ErrInvalidSequence instead of silently resetting.
func (s *AutomatonStore) Load() (*PersistedState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, stateFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: read state: %w", err)
	}
	var ps PersistedState
	if err := json.Unmarshal(data, &ps); err != nil {
		return nil, false, fmt.Errorf("store: parse state: %w", err)
	}
	if ps.Metadata.Version != StoreVersion {
		return nil, false, fmt.Errorf("store: unsupported state version %d", ps.Metadata.Version)
	}
	return &ps, true, nil
}

// Resume rebuilds a running automaton from the persisted state: graph and
// histories from state.json, tick counter from metadata, tick history from
// tick_history.json. Returns false when there is nothing to resume.
func (s *AutomatonStore) Resume(desc *descriptor.Description, opts ...automaton.Option) (*automaton.GraphAutomaton, bool, error) {
	ps, ok, err := s.Load()
	if err != nil || !ok {
		return nil, ok, err
	}
	g, err := ps.Rebuild()
	if err != nil {
		return nil, false, err
	}
	a, err := automaton.New(g, desc, opts...)
	if err != nil {
		return nil, false, err
	}
	hist, err := s.LoadTickHistory()
	if err != nil {
		return nil, false, err
	}
	a.RestoreHistory(hist)
	a.ResumeAt(ps.Metadata.TickCount)
	logging.Store("resumed at tick %d: %d nodes, %d evolved",
		ps.Metadata.TickCount, ps.Metadata.NodeCount, ps.Metadata.EvolvedNodes)
	return a, true, nil
}

// SaveConfig persists the automaton description. Configuration has its own
// lifecycle: evolved state survives a config rewrite and vice versa.
func (s *AutomatonStore) SaveConfig(d *descriptor.Description) error {
	if d == nil {
		return fmt.Errorf("store: nil description")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode config: %w", err)
	}
	return s.writeFile(filepath.Join(s.dir, configFile), data)
}

// LoadConfig reads and validates config.json; false when absent. A config
// that fails validation is never returned partially parsed.
func (s *AutomatonStore) LoadConfig() (*descriptor.Description, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, configFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: read config: %w", err)
	}
	d, err := descriptor.Parse(data)
	if err != nil {
		return nil, false, fmt.Errorf("store: %w", err)
	}
	return d, true, nil
}

// SavePerturbation persists the active perturbation.
func (s *AutomatonStore) SavePerturbation(p *planner.Perturbation) error {
	if p == nil {
		return fmt.Errorf("store: nil perturbation")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode perturbation: %w", err)
	}
	return s.writeFile(filepath.Join(s.dir, perturbationFile), data)
}

// LoadPerturbation reads the active perturbation; false when none is set.
func (s *AutomatonStore) LoadPerturbation() (*planner.Perturbation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, perturbationFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: read perturbation: %w", err)
	}
	var p planner.Perturbation
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, false, fmt.Errorf("store: parse perturbation: %w", err)
	}
	return &p, true, nil
}

// ClearPerturbation removes the active perturbation. Clearing when none is
// set is not an error.
func (s *AutomatonStore) ClearPerturbation() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(filepath.Join(s.dir, perturbationFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("store: clear perturbation: %w", err)
	}
	return nil
}

// AppendTickHistory appends tick summaries to tick_history.json, dropping
// the oldest entries beyond the cap.
func (s *AutomatonStore) AppendTickHistory(results ...automaton.TickResult) error {
	if len(results) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	hist, err := s.loadTickHistory()
	if err != nil {
		return err
	}
	hist = append(hist, results...)
	if len(hist) > tickHistoryCap {
		hist = hist[len(hist)-tickHistoryCap:]
	}
	data, err := json.MarshalIndent(hist, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode tick history: %w", err)
	}
	return s.writeFile(filepath.Join(s.dir, tickHistoryFile), data)
}

// LoadTickHistory returns the persisted tick summaries in order, oldest
// first. An absent file is an empty history.
func (s *AutomatonStore) LoadTickHistory() ([]automaton.TickResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadTickHistory()
}

func (s *AutomatonStore) loadTickHistory() ([]automaton.TickResult, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, tickHistoryFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read tick history: %w", err)
	}
	var hist []automaton.TickResult
	if err := json.Unmarshal(data, &hist); err != nil {
		return nil, fmt.Errorf("store: parse tick history: %w", err)
	}
	return hist, nil
}

// persist assembles the durable form of an automaton. Node histories are
// windowed; metadata keeps the true totals.
func persist(a *automaton.GraphAutomaton, label string) *PersistedState {
	g := a.Graph()
	ids := g.NodeIDs()
	nodes := make([]PersistedNode, 0, len(ids))
	total, evolved := 0, 0
	for _, id := range ids {
		node, ok := g.Node(id)
		if !ok {
			continue
		}
		total += node.Evolution.Len()
		if node.Evolution.HasEvolved() {
			evolved++
		}
		nodes = append(nodes, PersistedNode{
			Node:      node.Node,
			Evolution: node.Evolution.Windowed(stateHistoryWindow),
		})
	}
	edges := g.Edges()
	return &PersistedState{
		Metadata: AutomatonMetadata{
			Version:          StoreVersion,
			SavedAt:          time.Now().UTC(),
			TickCount:        a.TickCount(),
			NodeCount:        len(nodes),
			EdgeCount:        len(edges),
			TotalTransitions: total,
			EvolvedNodes:     evolved,
			Label:            label,
		},
		Nodes: nodes,
		Edges: edges,
	}
}

// writeFile writes atomically via a temp file in the same directory.
func (s *AutomatonStore) writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("store: create %s: %w", filepath.Dir(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("store: write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store: rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
