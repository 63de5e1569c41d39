package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"looplab/internal/taskdoc"
)

// strategy fixes the behavioral rules for one persona. The set is
// closed and known at compile time; there is no dynamic dispatch.
type strategy struct {
	instructions string

	// maxCompletions caps how many tasks may transition to done in a
	// single iteration. Excess completions are reverted and logged.
	maxCompletions int

	// acceptCompletion controls whether this persona's output may end
	// the run. Researcher and planner iterations gather context and
	// restructure work; they never finish it.
	acceptCompletion bool
}

var strategies = map[taskdoc.Persona]strategy{
	taskdoc.PersonaExecutor: {
		instructions:     executorInstructions,
		maxCompletions:   1,
		acceptCompletion: true,
	},
	taskdoc.PersonaVerifier: {
		instructions:     verifierInstructions,
		acceptCompletion: true,
	},
	taskdoc.PersonaResearcher: {
		instructions: researcherInstructions,
	},
	taskdoc.PersonaPlanner: {
		instructions: plannerInstructions,
	},
}

const commonInstructions = `You are one iteration of an autonomous work loop. You have no memory
of previous iterations; everything you know is in the task document
below. Your final output must be the complete, updated task document
and nothing else. Keep every section; never delete history. Consult
the Recent Attempts section before retrying anything that failed.
If you are blocked on a human decision, set the checkpoint metadata
instead of guessing. ` + "Write `" + taskdoc.CompletionMarker + "`" + ` as
the first line of the Status section only when every task and every
must-have item is genuinely done.`

const executorInstructions = commonInstructions + `

Role: executor. Pick the first unchecked task, do the work in the
current directory, and mark exactly that one task complete. Never
mark more than one task complete in a single iteration, and never
uncheck a completed task. Record what you did in Completed This
Iteration. If the work fails, leave the task unchecked and describe
the failure in Recent Attempts.`

const verifierInstructions = commonInstructions + `

Role: verifier. Do not perform new work and do not mark any task
complete. Re-check completed tasks against their verify hints and
the Must-Haves checklists, updating checklist state to match what
you actually observe. Uncheck a must-have item if it no longer
holds, and note discrepancies in Analysis.`

const researcherInstructions = commonInstructions + `

Role: researcher. Do not mark any task complete. Investigate the
open questions blocking progress, read the relevant files, and write
your findings into the Analysis section so a later executor can act
on them directly.`

const plannerInstructions = commonInstructions + `

Role: planner. Do not mark any task complete. Restructure the Tasks
section so remaining work is small, ordered, and verifiable: split
oversized tasks, add verify and done hints, and prune tasks that are
no longer needed. Keep completed tasks untouched.`

// fileRef matches @path mentions in document text. Matched files are
// inlined into the prompt so the agent need not re-discover them.
var fileRef = regexp.MustCompile(`(?:^|\s)@([\w./-]+)`)

const (
	maxInlineFileBytes  = 32 * 1024
	maxInlineTotalBytes = 128 * 1024
)

// buildPrompt assembles the invocation payload for one iteration: the
// persona's standing instructions as the system prompt, and the
// current document plus any inlined file references as the prompt.
func buildPrompt(doc *taskdoc.Document, workDir string, strat strategy, focus string) (system, prompt string) {
	var b strings.Builder
	if focus != "" {
		fmt.Fprintf(&b, "Prioritize this task: %s\n\n", focus)
	}
	text := string(doc.Marshal())
	b.WriteString(text)
	if refs := inlineFileRefs(text, workDir); refs != "" {
		b.WriteString("\nReferenced files:\n\n")
		b.WriteString(refs)
	}
	return strat.instructions, b.String()
}

// inlineFileRefs expands @path mentions found in the document text,
// capped per file and in total so a stray reference to a large file
// cannot blow up the prompt. Unreadable paths are skipped.
func inlineFileRefs(text, workDir string) string {
	var b strings.Builder
	seen := make(map[string]bool)
	total := 0
	for _, m := range fileRef.FindAllStringSubmatch(text, -1) {
		rel := m[1]
		if seen[rel] {
			continue
		}
		seen[rel] = true
		data, err := os.ReadFile(filepath.Join(workDir, rel))
		if err != nil {
			continue
		}
		if len(data) > maxInlineFileBytes {
			data = data[:maxInlineFileBytes]
		}
		if total+len(data) > maxInlineTotalBytes {
			break
		}
		total += len(data)
		fmt.Fprintf(&b, "--- %s ---\n%s\n", rel, data)
	}
	return b.String()
}
