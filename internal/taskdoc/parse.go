package taskdoc

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Canonical section headings.
const (
	sectionStatus    = "Status"
	sectionAnalysis  = "Analysis"
	sectionTasks     = "Tasks"
	sectionMustHaves = "Must-Haves"
	sectionTesting   = "Testing Strategy"
	sectionCompleted = "Completed This Iteration"
	sectionAttempts  = "Recent Attempts"
	sectionLog       = "Iteration Log"
)

const metaDelimiter = "---"

// ParseError reports why a document could not be parsed.
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("taskdoc: line %d: %s", e.Line, e.Msg)
}

// ParseFile reads and parses the document at path.
func ParseFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading task document: %w", err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return doc, nil
}

// Parse decodes a document from its on-disk form.
func Parse(data []byte) (*Document, error) {
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	doc := &Document{}
	i := 0

	// Optional metadata block.
	if len(lines) > 0 && strings.TrimSpace(lines[0]) == metaDelimiter {
		end := -1
		for j := 1; j < len(lines); j++ {
			if strings.TrimSpace(lines[j]) == metaDelimiter {
				end = j
				break
			}
		}
		if end < 0 {
			return nil, &ParseError{Line: 1, Msg: "unterminated metadata block"}
		}
		block := strings.Join(lines[1:end], "\n")
		if err := yaml.Unmarshal([]byte(block), &doc.Meta); err != nil {
			return nil, &ParseError{Line: 1, Msg: fmt.Sprintf("metadata block: %v", err)}
		}
		if doc.Meta.NextPersona != "" {
			if _, err := ParsePersona(string(doc.Meta.NextPersona)); err != nil {
				return nil, &ParseError{Line: 1, Msg: err.Error()}
			}
		}
		i = end + 1
	}

	p := &parser{doc: doc}
	sawSection := false
	for ; i < len(lines); i++ {
		line := lines[i]
		if name, ok := heading(line, "# "); ok {
			p.startSection(name)
			sawSection = true
			continue
		}
		if !sawSection {
			if strings.TrimSpace(line) != "" {
				return nil, &ParseError{Line: i + 1, Msg: "content before first section heading"}
			}
			continue
		}
		if err := p.feed(line); err != nil {
			return nil, &ParseError{Line: i + 1, Msg: err.Error()}
		}
	}
	p.finish()

	if !sawSection {
		return nil, &ParseError{Line: 1, Msg: "document has no sections"}
	}
	return doc, nil
}

func heading(line, prefix string) (string, bool) {
	if strings.HasPrefix(line, prefix) && !strings.HasPrefix(line, prefix+"#") {
		return strings.TrimSpace(strings.TrimPrefix(line, prefix)), true
	}
	return "", false
}

// parser accumulates section content line by line.
type parser struct {
	doc           *Document
	section       string
	sub           string // current phase or must-have list
	lastTask      *Task
	lastAttempt   *Attempt
	extra         *ExtraSection
	logHeaderSeen bool
}

func (p *parser) startSection(name string) {
	p.flushPending()
	p.section = name
	p.sub = ""
	p.logHeaderSeen = false
	switch name {
	case sectionStatus, sectionAnalysis, sectionTasks, sectionMustHaves,
		sectionTesting, sectionCompleted, sectionAttempts, sectionLog:
		p.extra = nil
	default:
		p.doc.Extras = append(p.doc.Extras, ExtraSection{Name: name})
		p.extra = &p.doc.Extras[len(p.doc.Extras)-1]
	}
}

func (p *parser) flushPending() {
	p.lastTask = nil
	p.lastAttempt = nil
	// Trim trailing blank lines from free-text sections as they end.
	p.doc.Status = trimBlankTail(p.doc.Status)
	p.doc.Analysis = trimBlankTail(p.doc.Analysis)
	p.doc.Testing = trimBlankTail(p.doc.Testing)
	if p.extra != nil {
		p.extra.Lines = trimBlankTail(p.extra.Lines)
	}
}

func (p *parser) finish() {
	p.flushPending()
}

func trimBlankTail(lines []string) []string {
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func (p *parser) feed(line string) error {
	if p.extra != nil {
		p.appendFree(&p.extra.Lines, line)
		return nil
	}
	switch p.section {
	case sectionStatus:
		p.appendFree(&p.doc.Status, line)
	case sectionAnalysis:
		p.appendFree(&p.doc.Analysis, line)
	case sectionTesting:
		p.appendFree(&p.doc.Testing, line)
	case sectionTasks:
		return p.feedTasks(line)
	case sectionMustHaves:
		return p.feedMustHaves(line)
	case sectionCompleted:
		if item, ok := bulletItem(line); ok {
			p.doc.CompletedThisIteration = append(p.doc.CompletedThisIteration, item)
		}
	case sectionAttempts:
		return p.feedAttempts(line)
	case sectionLog:
		return p.feedLog(line)
	}
	return nil
}

// appendFree collects free-text lines, skipping the leading blank line
// after a heading.
func (p *parser) appendFree(dst *[]string, line string) {
	if len(*dst) == 0 && strings.TrimSpace(line) == "" {
		return
	}
	*dst = append(*dst, line)
}

func bulletItem(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "- ") {
		return strings.TrimPrefix(trimmed, "- "), true
	}
	return "", false
}

// checkbox parses "- [ ] desc" / "- [x] desc".
func checkbox(line string) (desc string, done, ok bool) {
	trimmed := strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(trimmed, "- [ ] "):
		return strings.TrimPrefix(trimmed, "- [ ] "), false, true
	case strings.HasPrefix(trimmed, "- [x] "):
		return strings.TrimPrefix(trimmed, "- [x] "), true, true
	}
	return "", false, false
}

func (p *parser) feedTasks(line string) error {
	if name, ok := heading(line, "## "); ok {
		p.lastTask = nil
		p.sub = name
		p.doc.Phases = append(p.doc.Phases, Phase{Name: name})
		return nil
	}
	if desc, done, ok := checkbox(line); ok {
		if len(p.doc.Phases) == 0 {
			return fmt.Errorf("task outside a phase heading")
		}
		ph := &p.doc.Phases[len(p.doc.Phases)-1]
		ph.Tasks = append(ph.Tasks, Task{Description: desc, Completed: done})
		p.lastTask = &ph.Tasks[len(ph.Tasks)-1]
		return nil
	}
	trimmed := strings.TrimSpace(line)
	if p.lastTask != nil {
		if hint, ok := strings.CutPrefix(trimmed, "- verify: "); ok {
			p.lastTask.VerifyHint = hint
			return nil
		}
		if hint, ok := strings.CutPrefix(trimmed, "- done: "); ok {
			p.lastTask.DoneHint = hint
			return nil
		}
	}
	if trimmed != "" {
		return fmt.Errorf("unrecognized task line %q", trimmed)
	}
	return nil
}

func (p *parser) feedMustHaves(line string) error {
	if name, ok := heading(line, "## "); ok {
		p.sub = name
		return nil
	}
	desc, done, ok := checkbox(line)
	if !ok {
		if strings.TrimSpace(line) != "" {
			return fmt.Errorf("unrecognized must-have line %q", strings.TrimSpace(line))
		}
		return nil
	}
	item := CheckItem{Description: desc, Satisfied: done}
	switch p.sub {
	case "Truths":
		p.doc.MustHaves.Truths = append(p.doc.MustHaves.Truths, item)
	case "Artifacts":
		p.doc.MustHaves.Artifacts = append(p.doc.MustHaves.Artifacts, item)
	case "Key Links":
		p.doc.MustHaves.KeyLinks = append(p.doc.MustHaves.KeyLinks, item)
	default:
		return fmt.Errorf("must-have item outside Truths/Artifacts/Key Links")
	}
	return nil
}

// feedAttempts parses "- iteration N: tried <tried>; result: <result>"
// with optional "  - root cause:" and "  - next:" sub-bullets.
func (p *parser) feedAttempts(line string) error {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}
	if rest, ok := strings.CutPrefix(trimmed, "- iteration "); ok {
		numStr, rest, found := strings.Cut(rest, ": tried ")
		if !found {
			return fmt.Errorf("malformed attempt entry %q", trimmed)
		}
		n, err := strconv.Atoi(numStr)
		if err != nil {
			return fmt.Errorf("attempt iteration number: %v", err)
		}
		tried, result, found := strings.Cut(rest, "; result: ")
		if !found {
			return fmt.Errorf("attempt entry missing result: %q", trimmed)
		}
		p.doc.Attempts = append(p.doc.Attempts, Attempt{Iteration: n, Tried: tried, Result: result})
		p.lastAttempt = &p.doc.Attempts[len(p.doc.Attempts)-1]
		return nil
	}
	if p.lastAttempt != nil {
		if v, ok := strings.CutPrefix(trimmed, "- root cause: "); ok {
			p.lastAttempt.RootCause = v
			return nil
		}
		if v, ok := strings.CutPrefix(trimmed, "- next: "); ok {
			p.lastAttempt.Next = v
			return nil
		}
	}
	return fmt.Errorf("unrecognized attempt line %q", trimmed)
}

// feedLog parses the markdown table rows of the iteration ledger.
func (p *parser) feedLog(line string) error {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || !strings.HasPrefix(trimmed, "|") {
		return nil
	}
	cells := splitTableRow(trimmed)
	if len(cells) == 0 {
		return nil
	}
	// Skip the header row and the separator row.
	if cells[0] == "#" || strings.HasPrefix(cells[0], "---") {
		p.logHeaderSeen = true
		return nil
	}
	if len(cells) != 5 {
		return fmt.Errorf("iteration log row has %d cells, want 5", len(cells))
	}
	n, err := strconv.Atoi(cells[0])
	if err != nil {
		return fmt.Errorf("iteration log row number: %v", err)
	}
	started, err := time.Parse(time.RFC3339, cells[1])
	if err != nil {
		return fmt.Errorf("iteration log timestamp: %v", err)
	}
	dur, err := time.ParseDuration(cells[2])
	if err != nil {
		return fmt.Errorf("iteration log duration: %v", err)
	}
	tasks, err := strconv.Atoi(cells[3])
	if err != nil {
		return fmt.Errorf("iteration log task count: %v", err)
	}
	p.doc.Log = append(p.doc.Log, LogEntry{
		Iteration:      n,
		StartedAt:      started,
		Duration:       dur,
		TasksCompleted: tasks,
		Notes:          cells[4],
	})
	return nil
}

func splitTableRow(line string) []string {
	line = strings.Trim(line, "|")
	parts := strings.Split(line, "|")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}
