package stream

import (
	"errors"
	"testing"

	"looplab/internal/proc"
)

func TestDecodeAssistantBlocks(t *testing.T) {
	line := `{"type":"assistant","message":{"content":[` +
		`{"type":"thinking","thinking":"planning the change"},` +
		`{"type":"text","text":"Updating the parser."},` +
		`{"type":"tool_use","id":"tu_1","name":"edit_file","input":{"path":"main.go"}}]}}`

	ev, err := Decode(line)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.Kind != KindAssistant {
		t.Fatalf("kind = %q, want assistant", ev.Kind)
	}
	if len(ev.Content) != 3 {
		t.Fatalf("got %d content blocks, want 3", len(ev.Content))
	}
	if ev.Content[0].Type != BlockThinking || ev.Content[0].Thinking != "planning the change" {
		t.Errorf("thinking block = %+v", ev.Content[0])
	}
	if ev.Content[1].Type != BlockText || ev.Content[1].Text != "Updating the parser." {
		t.Errorf("text block = %+v", ev.Content[1])
	}
	tu := ev.Content[2]
	if tu.Type != BlockToolUse || tu.Name != "edit_file" || tu.ID != "tu_1" {
		t.Errorf("tool_use block = %+v", tu)
	}
	if string(tu.Input) != `{"path":"main.go"}` {
		t.Errorf("tool input = %s", tu.Input)
	}
}

func TestDecodeTopLevelContentFallback(t *testing.T) {
	// Some agent versions put blocks at top level instead of under message.
	ev, err := Decode(`{"type":"assistant","content":[{"type":"text","text":"hi"}]}`)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(ev.Content) != 1 || ev.Content[0].Text != "hi" {
		t.Errorf("content = %+v", ev.Content)
	}
}

func TestDecodeToolResult(t *testing.T) {
	ev, err := Decode(`{"type":"tool_result","tool_use_id":"tu_1","output":"2 files changed","is_error":false}`)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.Kind != KindToolResult || ev.ToolUseID != "tu_1" || ev.Output != "2 files changed" || ev.IsError {
		t.Errorf("event = %+v", ev)
	}
}

func TestDecodeUsageAndResult(t *testing.T) {
	ev, err := Decode(`{"type":"usage","input_tokens":100,"output_tokens":20,"cache_creation_input_tokens":5,"cache_read_input_tokens":50}`)
	if err != nil {
		t.Fatalf("Decode usage: %v", err)
	}
	if ev.Usage.InputTokens != 100 || ev.Usage.CacheReadInputTokens != 50 {
		t.Errorf("usage = %+v", ev.Usage)
	}

	ev, err = Decode(`{"type":"result","result":"# Status\n\ndone","usage":{"input_tokens":900,"output_tokens":120}}`)
	if err != nil {
		t.Fatalf("Decode result: %v", err)
	}
	if ev.Kind != KindResult {
		t.Fatalf("kind = %q, want result", ev.Kind)
	}
	if ev.Usage.InputTokens != 900 || ev.Usage.OutputTokens != 120 {
		t.Errorf("final usage = %+v", ev.Usage)
	}
	if ev.Text != "# Status\n\ndone" {
		t.Errorf("final text = %q", ev.Text)
	}
}

func TestDecodeMalformedLines(t *testing.T) {
	for _, line := range []string{
		`{"type":"assistant","message":{"content":[{"type":"text","te`, // truncated
		`not json at all`,
		`{"type":"mystery"}`,
	} {
		_, err := Decode(line)
		if err == nil {
			t.Errorf("Decode(%q): expected error", line)
		}
		var pe *ParseError
		if !errors.As(err, &pe) {
			t.Errorf("Decode(%q): error = %T, want *ParseError", line, err)
		}
	}
}

func feedLines(lines ...proc.OutputLine) <-chan proc.OutputLine {
	ch := make(chan proc.OutputLine, len(lines))
	for _, l := range lines {
		ch <- l
	}
	close(ch)
	return ch
}

func TestCollectSkipsBadLinesAndReturnsFinal(t *testing.T) {
	var events []Event
	var warnings []string
	c := &Collector{
		Sink: func(ev Event) { events = append(events, ev) },
		Warn: func(format string, args ...any) { warnings = append(warnings, format) },
	}

	final, err := c.Collect(feedLines(
		proc.OutputLine{Stream: proc.Stdout, Text: `{"type":"assistant","message":{"content":[{"type":"text","text":"a"}]}}`},
		proc.OutputLine{Stream: proc.Stderr, Text: "agent noise"},
		proc.OutputLine{Stream: proc.Stdout, Text: `{"type":"assist`}, // truncated write
		proc.OutputLine{Stream: proc.Stdout, Text: `{"type":"result","result":"final","usage":{"input_tokens":10,"output_tokens":2}}`},
	))
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if final.Text != "final" || final.Usage.InputTokens != 10 {
		t.Errorf("final = %+v", final)
	}
	// The malformed line is skipped, not fatal; remaining valid events flow.
	if len(events) != 2 {
		t.Errorf("got %d events, want 2", len(events))
	}
	if len(warnings) != 2 { // stderr line + malformed line
		t.Errorf("got %d warnings, want 2", len(warnings))
	}
}

func TestCollectMissingResult(t *testing.T) {
	c := &Collector{}
	_, err := c.Collect(feedLines(
		proc.OutputLine{Stream: proc.Stdout, Text: `{"type":"assistant","message":{"content":[{"type":"text","text":"a"}]}}`},
	))
	if !errors.Is(err, ErrMissingResult) {
		t.Fatalf("err = %v, want ErrMissingResult", err)
	}
}

func TestIntermediateUsageIsNotSummed(t *testing.T) {
	// Intermediate usage records are cumulative snapshots; the collector
	// must surface only the terminal record's usage as authoritative.
	var usages []Event
	c := &Collector{Sink: func(ev Event) {
		if ev.Kind == KindUsage {
			usages = append(usages, ev)
		}
	}}
	final, err := c.Collect(feedLines(
		proc.OutputLine{Stream: proc.Stdout, Text: `{"type":"usage","input_tokens":100,"output_tokens":10}`},
		proc.OutputLine{Stream: proc.Stdout, Text: `{"type":"usage","input_tokens":200,"output_tokens":30}`},
		proc.OutputLine{Stream: proc.Stdout, Text: `{"type":"result","result":"ok","usage":{"input_tokens":250,"output_tokens":40}}`},
	))
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if final.Usage.InputTokens != 250 || final.Usage.OutputTokens != 40 {
		t.Errorf("authoritative usage = %+v, want the result record's", final.Usage)
	}
	if len(usages) != 2 {
		t.Errorf("got %d intermediate usage events, want 2", len(usages))
	}
}
