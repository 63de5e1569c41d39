package taskdoc

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Marshal renders the document in canonical on-disk form.
func (d *Document) Marshal() []byte {
	var b strings.Builder

	d.writeMeta(&b)

	writeFree := func(name string, lines []string) {
		fmt.Fprintf(&b, "# %s\n\n", name)
		for _, line := range lines {
			b.WriteString(line)
			b.WriteByte('\n')
		}
		if len(lines) > 0 {
			b.WriteByte('\n')
		}
	}

	writeFree(sectionStatus, d.Status)
	if len(d.Analysis) > 0 {
		writeFree(sectionAnalysis, d.Analysis)
	}

	b.WriteString("# " + sectionTasks + "\n\n")
	for _, ph := range d.Phases {
		fmt.Fprintf(&b, "## %s\n\n", ph.Name)
		for _, t := range ph.Tasks {
			box := " "
			if t.Completed {
				box = "x"
			}
			fmt.Fprintf(&b, "- [%s] %s\n", box, t.Description)
			if t.VerifyHint != "" {
				fmt.Fprintf(&b, "  - verify: %s\n", t.VerifyHint)
			}
			if t.DoneHint != "" {
				fmt.Fprintf(&b, "  - done: %s\n", t.DoneHint)
			}
		}
		b.WriteByte('\n')
	}

	b.WriteString("# " + sectionMustHaves + "\n\n")
	writeChecklist := func(name string, items []CheckItem) {
		fmt.Fprintf(&b, "## %s\n\n", name)
		for _, it := range items {
			box := " "
			if it.Satisfied {
				box = "x"
			}
			fmt.Fprintf(&b, "- [%s] %s\n", box, it.Description)
		}
		b.WriteByte('\n')
	}
	writeChecklist("Truths", d.MustHaves.Truths)
	writeChecklist("Artifacts", d.MustHaves.Artifacts)
	writeChecklist("Key Links", d.MustHaves.KeyLinks)

	if len(d.Testing) > 0 {
		writeFree(sectionTesting, d.Testing)
	}

	if len(d.CompletedThisIteration) > 0 {
		b.WriteString("# " + sectionCompleted + "\n\n")
		for _, item := range d.CompletedThisIteration {
			fmt.Fprintf(&b, "- %s\n", item)
		}
		b.WriteByte('\n')
	}

	if len(d.Attempts) > 0 {
		b.WriteString("# " + sectionAttempts + "\n\n")
		for _, a := range d.Attempts {
			fmt.Fprintf(&b, "- iteration %d: tried %s; result: %s\n", a.Iteration, a.Tried, a.Result)
			if a.RootCause != "" {
				fmt.Fprintf(&b, "  - root cause: %s\n", a.RootCause)
			}
			if a.Next != "" {
				fmt.Fprintf(&b, "  - next: %s\n", a.Next)
			}
		}
		b.WriteByte('\n')
	}

	if len(d.Log) > 0 {
		b.WriteString("# " + sectionLog + "\n\n")
		b.WriteString("| # | Started | Duration | Tasks | Notes |\n")
		b.WriteString("|---|---------|----------|-------|-------|\n")
		for _, e := range d.Log {
			fmt.Fprintf(&b, "| %d | %s | %s | %d | %s |\n",
				e.Iteration,
				e.StartedAt.UTC().Format(time.RFC3339),
				e.Duration.Round(time.Second),
				e.TasksCompleted,
				e.Notes)
		}
		b.WriteByte('\n')
	}

	for _, x := range d.Extras {
		writeFree(x.Name, x.Lines)
	}

	return []byte(strings.TrimRight(b.String(), "\n") + "\n")
}

// writeMeta renders the metadata block in fixed key order so output is
// deterministic.
func (d *Document) writeMeta(b *strings.Builder) {
	m := d.Meta
	b.WriteString(metaDelimiter + "\n")
	if m.Phase != "" {
		fmt.Fprintf(b, "phase: %s\n", m.Phase)
	}
	if m.Status != "" {
		fmt.Fprintf(b, "status: %s\n", m.Status)
	}
	fmt.Fprintf(b, "iteration: %d\n", m.Iteration)
	fmt.Fprintf(b, "tokens:\n")
	fmt.Fprintf(b, "  input: %d\n", m.Tokens.Input)
	fmt.Fprintf(b, "  output: %d\n", m.Tokens.Output)
	fmt.Fprintf(b, "  cache_creation: %d\n", m.Tokens.CacheCreation)
	fmt.Fprintf(b, "  cache_read: %d\n", m.Tokens.CacheRead)
	if !m.Updated.IsZero() {
		fmt.Fprintf(b, "updated: %s\n", m.Updated.UTC().Format(time.RFC3339))
	}
	if m.NextPersona != "" {
		fmt.Fprintf(b, "next_persona: %s\n", m.NextPersona)
	}
	if cp := m.Checkpoint; cp != nil {
		b.WriteString("checkpoint:\n")
		fmt.Fprintf(b, "  kind: %s\n", cp.Kind)
		fmt.Fprintf(b, "  awaiting: %s\n", cp.Awaiting)
		if cp.ResumeTask != "" {
			fmt.Fprintf(b, "  resume_task: %s\n", cp.ResumeTask)
		}
	}
	b.WriteString(metaDelimiter + "\n\n")
}

// Save atomically persists the document: write to a temp file in the
// same directory, then rename over the target. A crash mid-iteration
// never leaves a half-written document.
func (d *Document) Save(path string) error {
	content := d.Marshal()

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".looplab-doc-*.md")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}
