package project

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vibegraph/internal/planner"
)

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	err := os.WriteFile(filepath.Join(dir, ProjectFileName), []byte(content), 0644)
	require.NoError(t, err)
}

func TestDefaultProject(t *testing.T) {
	p := DefaultProject()

	assert.Empty(t, p.Scripts)
	assert.Equal(t, []string{".go", ".rs", ".py", ".js", ".ts"}, p.Watch.Extensions)
	assert.Equal(t, DefaultDebounceMs, p.Watch.DebounceMs)
	assert.Contains(t, p.Watch.Ignore, "node_modules")
	assert.Equal(t, []string{".git", ".self"}, p.Ignore)
	assert.Equal(t, 100, p.Automaton.MaxTicks)
	assert.Equal(t, 30, p.Automaton.IntervalSecs)
}

func TestLoadProjectWhenAbsent(t *testing.T) {
	dir := t.TempDir()

	p, err := LoadProject(dir)
	require.NoError(t, err)

	assert.Equal(t, dir, p.Root())
	assert.Equal(t, DefaultDebounceMs, p.Watch.DebounceMs)
	assert.Equal(t, 100, p.Automaton.MaxTicks)
}

func TestLoadProjectOverrides(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
scripts:
  build: "go build ./..."
  test: "go test ./..."
watch:
  debounce_ms: 150
  extensions: [".go"]
stability:
  hub: 0.9
  "internal/parser": 0.3
ignore:
  - .git
  - .self
  - dist
automaton:
  max_ticks: 10
  interval_secs: 5
logging:
  debug_mode: true
  level: debug
`)

	p, err := LoadProject(dir)
	require.NoError(t, err)

	assert.Equal(t, "go build ./...", p.Scripts["build"])
	assert.Equal(t, "go test ./...", p.Scripts["test"])
	assert.Equal(t, []string{".go"}, p.Watch.Extensions)
	assert.Equal(t, 150*time.Millisecond, p.Debounce())
	assert.Equal(t, 5*time.Second, p.TickInterval())
	assert.Equal(t, []string{".git", ".self", "dist"}, p.Ignore)
	assert.Equal(t, 10, p.Automaton.MaxTicks)
	assert.True(t, p.Logging.DebugMode)
	assert.Equal(t, "debug", p.Logging.Level)
}

func TestLoadProjectKeepsDefaultsForOmittedFields(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
scripts:
  check: "go vet ./..."
automaton:
  max_ticks: 7
`)

	p, err := LoadProject(dir)
	require.NoError(t, err)

	assert.Equal(t, "go vet ./...", p.Scripts["check"])
	assert.Equal(t, []string{".go", ".rs", ".py", ".js", ".ts"}, p.Watch.Extensions,
		"omitted watch block keeps default extensions")
	assert.Equal(t, DefaultDebounceMs, p.Watch.DebounceMs)
	assert.Equal(t, 7, p.Automaton.MaxTicks)
	assert.Equal(t, 30, p.Automaton.IntervalSecs,
		"omitted interval keeps its default alongside the overridden max_ticks")
}

func TestLoadProjectMalformed(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "watch: [unclosed")

	_, err := LoadProject(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse")
}

func TestLoadProjectValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "negative debounce",
			content: "watch:\n  debounce_ms: -5\n",
			want:    "debounce_ms",
		},
		{
			name:    "negative max ticks",
			content: "automaton:\n  max_ticks: -1\n",
			want:    "max_ticks",
		},
		{
			name:    "stability target out of range",
			content: "stability:\n  hub: 1.5\n",
			want:    "stability.hub",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			writeConfig(t, dir, tc.content)

			_, err := LoadProject(dir)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestStabilityObjectiveMergesOverrides(t *testing.T) {
	p := DefaultProject()
	p.Stability = map[string]float64{
		"hub":             0.9,
		"internal/parser": 0.3,
	}

	obj := p.StabilityObjective()

	assert.InDelta(t, 0.9, obj.Targets[planner.RoleHub], 1e-9)
	assert.InDelta(t, 0.95, obj.Targets[planner.RoleEntryPoint], 1e-9,
		"roles without overrides keep the stock target")
	assert.InDelta(t, 0.3, obj.Targets[planner.Role("internal/parser")], 1e-9)
}

func TestIsIgnored(t *testing.T) {
	p := DefaultProject()
	p.Ignore = []string{".git", ".self", "vendor/"}

	assert.True(t, p.IsIgnored(".git/config"))
	assert.True(t, p.IsIgnored(".self/automaton/state.json"))
	assert.True(t, p.IsIgnored(".self"))
	assert.True(t, p.IsIgnored("vendor/lib/a.go"), "trailing slash in the prefix is tolerated")
	assert.False(t, p.IsIgnored(".gitignore"), "prefix match respects path boundaries")
	assert.False(t, p.IsIgnored("src/main.go"))
	assert.False(t, p.IsIgnored(""))
}

func TestWatchesExtension(t *testing.T) {
	p := DefaultProject()

	assert.True(t, p.WatchesExtension(".go"))
	assert.True(t, p.WatchesExtension(".GO"))
	assert.False(t, p.WatchesExtension(".md"))

	p.Watch.Extensions = nil
	assert.True(t, p.WatchesExtension(".md"), "empty extension list watches everything")
}

func TestDebounceFallsBackWhenUnset(t *testing.T) {
	p := &Project{}
	assert.Equal(t, DefaultDebounceMs*time.Millisecond, p.Debounce())
	assert.Equal(t, 30*time.Second, p.TickInterval())
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()

	p := DefaultProject()
	p.Scripts = map[string]string{"build": "make"}
	p.Stability = map[string]float64{"hub": 0.8}
	require.NoError(t, p.Save(dir))

	loaded, err := LoadProject(dir)
	require.NoError(t, err)
	assert.Equal(t, "make", loaded.Scripts["build"])
	assert.InDelta(t, 0.8, loaded.Stability["hub"], 1e-9)
	assert.Equal(t, dir, loaded.Root())
}
