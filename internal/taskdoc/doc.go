// Package taskdoc parses, mutates, and atomically persists the task
// document that drives the iteration loop.
//
// The on-disk format is UTF-8 markdown: a YAML metadata block between
// "---" delimiters, followed by heading-delimited sections (Status,
// Analysis, Tasks grouped by phase, Must-Haves, Testing Strategy,
// Completed This Iteration, Recent Attempts, Iteration Log). Marshal
// always emits the canonical section order; a document already in
// canonical form round-trips byte for byte.
package taskdoc

import (
	"fmt"
	"strings"
	"time"
)

// CompletionMarker is the exact literal token signaling all work is
// done. It counts only when it is the first line of the Status section;
// the same text anywhere else in the document is ignored.
const CompletionMarker = "ALL TASKS COMPLETE"

// Persona selects which behavioral mode governs the next iteration.
type Persona string

const (
	PersonaExecutor   Persona = "executor"
	PersonaVerifier   Persona = "verifier"
	PersonaResearcher Persona = "researcher"
	PersonaPlanner    Persona = "planner"
)

// ParsePersona validates a persona tag.
func ParsePersona(s string) (Persona, error) {
	switch Persona(s) {
	case PersonaExecutor, PersonaVerifier, PersonaResearcher, PersonaPlanner:
		return Persona(s), nil
	case "":
		return PersonaExecutor, nil
	default:
		return "", fmt.Errorf("unknown persona %q", s)
	}
}

// CheckpointKind classifies why the loop paused.
type CheckpointKind string

const (
	CheckpointHumanVerify CheckpointKind = "human-verify"
	CheckpointDecision    CheckpointKind = "decision"
	CheckpointHumanAction CheckpointKind = "human-action"
)

// Checkpoint is a document-declared pause point awaiting external
// input. Its presence pauses the loop; it is mutually exclusive with
// the completion marker.
type Checkpoint struct {
	Kind       CheckpointKind `yaml:"kind"`
	Awaiting   string         `yaml:"awaiting"`
	ResumeTask string         `yaml:"resume_task,omitempty"`
}

// TokenTotals accumulates authoritative per-invocation usage across
// iterations.
type TokenTotals struct {
	Input         int `yaml:"input"`
	Output        int `yaml:"output"`
	CacheCreation int `yaml:"cache_creation"`
	CacheRead     int `yaml:"cache_read"`
}

// Total returns the sum of all token counts.
func (t TokenTotals) Total() int {
	return t.Input + t.Output + t.CacheCreation + t.CacheRead
}

// Meta is the key-value metadata block preceding the sections.
type Meta struct {
	Phase       string      `yaml:"phase,omitempty"`
	Status      string      `yaml:"status,omitempty"`
	Iteration   int         `yaml:"iteration"`
	Tokens      TokenTotals `yaml:"tokens"`
	Updated     time.Time   `yaml:"updated,omitempty"`
	NextPersona Persona     `yaml:"next_persona,omitempty"`
	Checkpoint  *Checkpoint `yaml:"checkpoint,omitempty"`
}

// Task is one checkbox item within a phase. Completion is monotonic:
// once true it never reverts.
type Task struct {
	Description string
	Completed   bool
	VerifyHint  string
	DoneHint    string
}

// Phase groups an ordered list of tasks under a heading.
type Phase struct {
	Name  string
	Tasks []Task
}

// CheckItem is one entry in a must-have checklist.
type CheckItem struct {
	Description string
	Satisfied   bool
}

// MustHaves holds the three goal-backward success checklists: observable
// truths, required artifacts (files), and required key links (wiring
// between components).
type MustHaves struct {
	Truths    []CheckItem
	Artifacts []CheckItem
	KeyLinks  []CheckItem
}

// Satisfied reports whether every item in every checklist holds.
func (m MustHaves) Satisfied() bool {
	for _, list := range [][]CheckItem{m.Truths, m.Artifacts, m.KeyLinks} {
		for _, it := range list {
			if !it.Satisfied {
				return false
			}
		}
	}
	return true
}

// Unsatisfied returns descriptions of all unmet items, prefixed with
// their checklist name.
func (m MustHaves) Unsatisfied() []string {
	var out []string
	collect := func(label string, list []CheckItem) {
		for _, it := range list {
			if !it.Satisfied {
				out = append(out, label+": "+it.Description)
			}
		}
	}
	collect("truth", m.Truths)
	collect("artifact", m.Artifacts)
	collect("key link", m.KeyLinks)
	return out
}

// Attempt is one failure-memory entry. The list is bounded; oldest
// entries age out at the configured retention depth.
type Attempt struct {
	Iteration int
	Tried     string
	Result    string
	RootCause string // optional
	Next      string // optional
}

// LogEntry is one row of the append-only iteration ledger.
type LogEntry struct {
	Iteration      int
	StartedAt      time.Time
	Duration       time.Duration
	TasksCompleted int
	Notes          string
}

// ExtraSection preserves a section heading this package does not model,
// so agent-added sections survive a round trip. Marshal emits extras
// after the canonical sections.
type ExtraSection struct {
	Name  string
	Lines []string
}

// Document is the persisted unit of work, read and rewritten every
// iteration. It is exclusively owned by one engine instance; nothing
// mutates it concurrently.
type Document struct {
	Meta                   Meta
	Status                 []string
	Analysis               []string
	Phases                 []Phase
	MustHaves              MustHaves
	Testing                []string
	CompletedThisIteration []string
	Attempts               []Attempt
	Log                    []LogEntry
	Extras                 []ExtraSection
}

// HasCompletionMarker reports whether the first non-empty Status line is
// exactly the completion marker.
func (d *Document) HasCompletionMarker() bool {
	for _, line := range d.Status {
		if strings.TrimSpace(line) == "" {
			continue
		}
		return line == CompletionMarker
	}
	return false
}

// StripCompletionMarker removes a leading completion marker from the
// Status section. Used when completion is rejected because must-haves
// are unsatisfied.
func (d *Document) StripCompletionMarker() {
	for i, line := range d.Status {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if line == CompletionMarker {
			d.Status = append(d.Status[:i], d.Status[i+1:]...)
		}
		return
	}
}

// AllTasks returns pointers to every task in phase order.
func (d *Document) AllTasks() []*Task {
	var out []*Task
	for pi := range d.Phases {
		for ti := range d.Phases[pi].Tasks {
			out = append(out, &d.Phases[pi].Tasks[ti])
		}
	}
	return out
}

// AllTasksCompleted reports whether every task in every phase is done.
func (d *Document) AllTasksCompleted() bool {
	for _, t := range d.AllTasks() {
		if !t.Completed {
			return false
		}
	}
	return true
}

// FindTask returns the task with the given description, or nil.
func (d *Document) FindTask(description string) *Task {
	for _, t := range d.AllTasks() {
		if t.Description == description {
			return t
		}
	}
	return nil
}

// NewlyCompleted returns descriptions of tasks that are incomplete in
// old and complete in new, in document order.
func NewlyCompleted(old, new *Document) []string {
	prev := make(map[string]bool)
	for _, t := range old.AllTasks() {
		prev[t.Description] = t.Completed
	}
	var out []string
	for _, t := range new.AllTasks() {
		if t.Completed && !prev[t.Description] {
			out = append(out, t.Description)
		}
	}
	return out
}

// Reverted returns descriptions of tasks complete in old but incomplete
// in new. Completion is monotonic, so any such transition is a policy
// violation the engine re-asserts.
func Reverted(old, new *Document) []string {
	var out []string
	for _, t := range old.AllTasks() {
		if !t.Completed {
			continue
		}
		if nt := new.FindTask(t.Description); nt != nil && !nt.Completed {
			out = append(out, t.Description)
		}
	}
	return out
}

// PushAttempt appends a failure-memory entry, evicting the oldest
// entries beyond depth. depth <= 0 keeps everything.
func (d *Document) PushAttempt(a Attempt, depth int) {
	d.Attempts = append(d.Attempts, a)
	if depth > 0 && len(d.Attempts) > depth {
		d.Attempts = d.Attempts[len(d.Attempts)-depth:]
	}
}

// AppendLog appends one row to the iteration ledger.
func (d *Document) AppendLog(e LogEntry) {
	d.Log = append(d.Log, e)
}

// InjectCorrectiveTask appends an incomplete task to the final phase,
// creating a Corrections phase if the document has none. Used when the
// agent claims completion with unsatisfied must-haves.
func (d *Document) InjectCorrectiveTask(description string) {
	if d.FindTask(description) != nil {
		return
	}
	if len(d.Phases) == 0 {
		d.Phases = append(d.Phases, Phase{Name: "Corrections"})
	}
	last := &d.Phases[len(d.Phases)-1]
	last.Tasks = append(last.Tasks, Task{Description: description})
}
