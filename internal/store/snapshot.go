package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"vibegraph/internal/automaton"
	"vibegraph/internal/logging"
)

// SnapshotInfo describes one immutable snapshot file.
type SnapshotInfo struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	SavedAt   time.Time `json:"saved_at"`
	TickCount int       `json:"tick_count"`
	Label     string    `json:"label,omitempty"`
}

// Snapshot writes an immutable point-in-time copy of the automaton's state
// under snapshots/<unix-millis>.json and returns the written path. The
// live state.json is untouched.
func (s *AutomatonStore) Snapshot(a *automaton.GraphAutomaton, label string) (string, error) {
	if a == nil {
		return "", fmt.Errorf("store: nil automaton")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeSnapshot(persist(a, label))
}

// SnapshotCurrent snapshots the saved state.json as it stands, without a
// live automaton. Useful when the state on disk is the state of record.
func (s *AutomatonStore) SnapshotCurrent(label string) (string, error) {
	ps, ok, err := s.Load()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("store: no saved state to snapshot")
	}
	ps.Metadata.SavedAt = time.Now().UTC()
	ps.Metadata.Label = label

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeSnapshot(ps)
}

// writeSnapshot persists ps under snapshots/<unix-millis>.json, bumping
// the millisecond on name collision. Caller holds s.mu.
func (s *AutomatonStore) writeSnapshot(ps *PersistedState) (string, error) {
	data, err := json.MarshalIndent(ps, "", "  ")
	if err != nil {
		return "", fmt.Errorf("store: encode snapshot: %w", err)
	}

	dir := filepath.Join(s.dir, snapshotsDir)
	ms := time.Now().UnixMilli()
	var path string
	for {
		path = filepath.Join(dir, fmt.Sprintf("%d.json", ms))
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		ms++
	}
	if err := s.writeFile(path, data); err != nil {
		return "", err
	}
	logging.Store("snapshot %s: tick %d, %d nodes", filepath.Base(path),
		ps.Metadata.TickCount, ps.Metadata.NodeCount)
	return path, nil
}

// LoadSnapshot reads one snapshot by file name (as listed by
// ListSnapshots) or by full path.
func (s *AutomatonStore) LoadSnapshot(name string) (*PersistedState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := name
	if !filepath.IsAbs(name) && filepath.Dir(name) == "." {
		path = filepath.Join(s.dir, snapshotsDir, name)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("store: read snapshot: %w", err)
	}
	var ps PersistedState
	if err := json.Unmarshal(data, &ps); err != nil {
		return nil, fmt.Errorf("store: parse snapshot %s: %w", filepath.Base(path), err)
	}
	return &ps, nil
}

// ListSnapshots returns the snapshots newest first. Timestamp ties order
// lexically by filename so the listing is stable.
func (s *AutomatonStore) ListSnapshots() ([]SnapshotInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listSnapshots()
}

func (s *AutomatonStore) listSnapshots() ([]SnapshotInfo, error) {
	dir := filepath.Join(s.dir, snapshotsDir)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: list snapshots: %w", err)
	}

	var infos []SnapshotInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		ms, err := strconv.ParseInt(strings.TrimSuffix(e.Name(), ".json"), 10, 64)
		if err != nil {
			continue
		}
		info := SnapshotInfo{
			Name:    e.Name(),
			Path:    filepath.Join(dir, e.Name()),
			SavedAt: time.UnixMilli(ms).UTC(),
		}
		// Label and tick count are best effort; an unreadable snapshot
		// still lists so it can be pruned.
		if data, err := os.ReadFile(info.Path); err == nil {
			var ps struct {
				Metadata AutomatonMetadata `json:"metadata"`
			}
			if json.Unmarshal(data, &ps) == nil {
				info.Label = ps.Metadata.Label
				info.TickCount = ps.Metadata.TickCount
			}
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].SavedAt.Equal(infos[j].SavedAt) {
			return infos[i].SavedAt.After(infos[j].SavedAt)
		}
		return infos[i].Name < infos[j].Name
	})
	return infos, nil
}

// PruneSnapshots deletes all but the keepN most recent snapshots and
// returns how many were removed. Keeping zero deletes everything.
func (s *AutomatonStore) PruneSnapshots(keepN int) (int, error) {
	if keepN < 0 {
		return 0, fmt.Errorf("store: negative keep count %d", keepN)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	infos, err := s.listSnapshots()
	if err != nil {
		return 0, err
	}
	if len(infos) <= keepN {
		return 0, nil
	}

	deleted := 0
	for _, info := range infos[keepN:] {
		if err := os.Remove(info.Path); err != nil {
			return deleted, fmt.Errorf("store: prune %s: %w", info.Name, err)
		}
		deleted++
	}
	logging.Store("pruned %d snapshot(s), kept %d", deleted, keepN)
	return deleted, nil
}
