// ABOUTME: Tests for the ephemeral variant's JSONL folding and delta
// ABOUTME: computation against synthetic codex exec output

package backend

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func feedLines(s *codexScan, lines ...string) {
	for _, line := range lines {
		s.handle([]byte(line))
	}
}

func TestCodexScan(t *testing.T) {
	t.Run("thread and growing message", func(t *testing.T) {
		var got []string
		s := &codexScan{sink: func(d string) { got = append(got, d) }}
		feedLines(s,
			`{"type":"thread.started","thread_id":"th-1"}`,
			`{"type":"item.started","item":{"item_type":"agent_message","text":"He"}}`,
			`{"type":"item.updated","item":{"item_type":"agent_message","text":"Hello"}}`,
			`{"type":"item.completed","item":{"item_type":"agent_message","text":"Hello there"}}`,
			`{"type":"turn.completed","usage":{"input_tokens":10,"output_tokens":5}}`,
		)
		if s.run.threadID != "th-1" {
			t.Errorf("threadID = %q", s.run.threadID)
		}
		if s.run.finalText != "Hello there" {
			t.Errorf("finalText = %q", s.run.finalText)
		}
		if strings.Join(got, "") != "Hello there" {
			t.Errorf("delta concatenation = %q", strings.Join(got, ""))
		}
		if len(got) != 3 {
			t.Errorf("deltas = %v", got)
		}
	})

	t.Run("unchanged text emits nothing", func(t *testing.T) {
		var got []string
		s := &codexScan{sink: func(d string) { got = append(got, d) }}
		feedLines(s,
			`{"type":"item.started","item":{"item_type":"agent_message","text":"same"}}`,
			`{"type":"item.updated","item":{"item_type":"agent_message","text":"same"}}`,
		)
		if len(got) != 1 || got[0] != "same" {
			t.Errorf("deltas = %v", got)
		}
	})

	t.Run("non-agent items ignored", func(t *testing.T) {
		var got []string
		s := &codexScan{sink: func(d string) { got = append(got, d) }}
		feedLines(s,
			`{"type":"item.started","item":{"item_type":"command_execution","text":"ls"}}`,
			`{"type":"item.completed","item":{"item_type":"reasoning","text":"thinking"}}`,
		)
		if len(got) != 0 || s.run.finalText != "" {
			t.Errorf("got %v final %q", got, s.run.finalText)
		}
	})

	t.Run("failure events remembered", func(t *testing.T) {
		s := &codexScan{}
		feedLines(s,
			`{"type":"turn.failed","error":{"message":"model overloaded"}}`,
		)
		if s.run.errMsg != "model overloaded" {
			t.Errorf("errMsg = %q", s.run.errMsg)
		}

		s = &codexScan{}
		feedLines(s, `{"type":"error","message":"bad flag"}`)
		if s.run.errMsg != "bad flag" {
			t.Errorf("errMsg = %q", s.run.errMsg)
		}
	})

	t.Run("malformed lines skipped", func(t *testing.T) {
		s := &codexScan{}
		feedLines(s,
			`not json at all`,
			``,
			`{"type":"thread.started","thread_id":"th-2"}`,
		)
		if s.run.threadID != "th-2" {
			t.Errorf("threadID = %q", s.run.threadID)
		}
	})
}

func TestCodexProcess(t *testing.T) {
	t.Run("not running before start", func(t *testing.T) {
		p := newCodexProcess(Options{Path: "codex"})
		_, err := p.SendMessage(context.Background(), "hi", nil)
		if !errors.Is(err, ErrNotRunning) {
			t.Fatalf("err = %v, want ErrNotRunning", err)
		}
	})

	t.Run("start requires a path", func(t *testing.T) {
		p := newCodexProcess(Options{})
		if err := p.Start(context.Background()); err == nil {
			t.Fatal("expected error for empty path")
		}
	})

	t.Run("start adopts resume id", func(t *testing.T) {
		p := newCodexProcess(Options{Path: "codex", ResumeID: "th-7"})
		if err := p.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}
		if !p.Alive() {
			t.Error("not alive after start")
		}
		if p.SessionID() != "th-7" {
			t.Errorf("SessionID = %q", p.SessionID())
		}
		if p.Busy() {
			t.Error("busy with no child")
		}
	})

	t.Run("stop marks dead", func(t *testing.T) {
		p := newCodexProcess(Options{Path: "codex"})
		if err := p.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}
		if err := p.Stop(context.Background()); err != nil {
			t.Fatalf("Stop: %v", err)
		}
		if p.Alive() {
			t.Error("alive after stop")
		}
	})

	t.Run("total cost is zero", func(t *testing.T) {
		p := newCodexProcess(Options{Path: "codex"})
		if p.TotalCost() != 0 {
			t.Errorf("TotalCost = %v", p.TotalCost())
		}
	})
}
