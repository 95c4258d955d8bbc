package script

import (
	"bufio"
	"regexp"
	"strconv"
	"strings"
)

// Severity levels for parsed diagnostics.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// ScriptError is one file-scoped diagnostic extracted from script output.
type ScriptError struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Message  string `json:"message"`
	Script   string `json:"script"`
	Severity string `json:"severity"`
}

// diagnosticPattern matches file:line:col: message and file:line: message
// lines the way Go's compiler, vet and test framework print them. An
// optional tool prefix ("vet: ") is skipped.
var diagnosticPattern = regexp.MustCompile(`^\s*(?:[\w-]+: )?([\w./\\~-]+\.[A-Za-z]\w*):(\d+)(?::\d+)?:\s+(.+)$`)

// ParseErrors extracts per-file diagnostics from one script's output.
func ParseErrors(scriptName, output string) []ScriptError {
	var out []ScriptError
	sc := bufio.NewScanner(strings.NewReader(output))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		m := diagnosticPattern.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		line, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		msg := strings.TrimSpace(m[3])
		severity := SeverityError
		if strings.HasPrefix(strings.ToLower(msg), "warning") {
			severity = SeverityWarning
		}
		out = append(out, ScriptError{
			File:     m[1],
			Line:     line,
			Message:  msg,
			Script:   scriptName,
			Severity: severity,
		})
	}
	return out
}

// Feedback aggregates a batch of script runs into the signal the planner
// consumes.
type Feedback struct {
	Results []ScriptResult `json:"results"`
	Errors  []ScriptError  `json:"errors,omitempty"`
	Passed  int            `json:"passed"`
	Failed  int            `json:"failed"`
}

// Collect builds feedback from completed runs, parsing diagnostics out of
// both output streams.
func Collect(results ...ScriptResult) *Feedback {
	f := &Feedback{Results: results}
	for _, res := range results {
		if res.Passed() {
			f.Passed++
		} else {
			f.Failed++
		}
		f.Errors = append(f.Errors, ParseErrors(res.Name, res.Stdout)...)
		f.Errors = append(f.Errors, ParseErrors(res.Name, res.Stderr)...)
	}
	return f
}

// ErroredFiles returns the distinct files with diagnostics, in first-seen
// order.
func (f *Feedback) ErroredFiles() []string {
	if f == nil {
		return nil
	}
	seen := make(map[string]bool, len(f.Errors))
	var out []string
	for _, e := range f.Errors {
		if seen[e.File] {
			continue
		}
		seen[e.File] = true
		out = append(out, e.File)
	}
	return out
}

// HasErrorsFor reports whether any diagnostic touches the given path.
func (f *Feedback) HasErrorsFor(path string) bool {
	_, ok := f.FirstErrorFor(path)
	return ok
}

// FirstErrorFor returns the first diagnostic message for the path. Paths
// match case-insensitively when either contains the other, so a graph
// node "internal/parser/lex.go" matches a diagnostic for "lex.go" and
// vice versa. A leading "./" on either side is ignored.
func (f *Feedback) FirstErrorFor(path string) (string, bool) {
	if f == nil || path == "" {
		return "", false
	}
	needle := strings.TrimPrefix(strings.ToLower(path), "./")
	if needle == "" {
		return "", false
	}
	for _, e := range f.Errors {
		file := strings.TrimPrefix(strings.ToLower(e.File), "./")
		if file == "" {
			continue
		}
		if strings.Contains(file, needle) || strings.Contains(needle, file) {
			return e.Message, true
		}
	}
	return "", false
}
