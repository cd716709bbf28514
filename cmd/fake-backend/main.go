// ABOUTME: Fake CLI agent for end-to-end bridge testing without real backends.
// ABOUTME: Default mode speaks the persistent stream-JSON protocol; "exec" speaks the ephemeral JSONL one.

package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "exec" {
		runExec(os.Args[2:])
		return
	}
	runPersistent()
}

// emit writes one JSONL frame to stdout.
func emit(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Fatalf("marshal: %v", err)
	}
	fmt.Println(string(data))
}

// runPersistent mimics the stream-JSON CLI: an init event on start,
// then deltas plus a result for every user frame on stdin.
func runPersistent() {
	sessionID := uuid.NewString()

	emit(map[string]any{
		"type":       "system",
		"subtype":    "init",
		"session_id": sessionID,
	})

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	turns := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var frame struct {
			Type    string `json:"type"`
			Message struct {
				Content json.RawMessage `json:"content"`
			} `json:"message"`
		}
		if err := json.Unmarshal(line, &frame); err != nil {
			fmt.Fprintf(os.Stderr, "bad frame: %v\n", err)
			continue
		}
		if frame.Type != "user" {
			continue
		}

		turns++
		prompt := promptText(frame.Message.Content)
		reply := echoReply(prompt)

		for _, word := range strings.SplitAfter(reply, " ") {
			emit(map[string]any{
				"type": "stream_event",
				"event": map[string]any{
					"type": "content_block_delta",
					"delta": map[string]any{
						"type": "text_delta",
						"text": word,
					},
				},
			})
			time.Sleep(10 * time.Millisecond)
		}

		emit(map[string]any{
			"type":           "result",
			"subtype":        "success",
			"is_error":       false,
			"result":         reply,
			"session_id":     sessionID,
			"total_cost_usd": 0.0042 * float64(turns),
		})
	}
}

// promptText extracts the prompt from a user frame's content, which is
// either a plain string or content blocks.
func promptText(content json.RawMessage) string {
	var text string
	if err := json.Unmarshal(content, &text); err == nil {
		return text
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(content, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Type == "text" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(content)
}

// runExec mimics the ephemeral CLI: one turn of thread/item/turn JSONL
// for the prompt on the command line, then exit.
func runExec(args []string) {
	fs := flag.NewFlagSet("exec", flag.ExitOnError)
	fs.Bool("json", false, "emit JSONL events")
	fs.Bool("skip-git-repo-check", false, "unused")
	fs.Bool("full-auto", false, "unused")
	fs.String("model", "", "unused")
	fs.String("cd", "", "unused")
	_ = fs.Parse(args)

	rest := fs.Args()
	threadID := uuid.NewString()
	if len(rest) >= 2 && rest[0] == "resume" {
		threadID = rest[1]
		rest = rest[2:]
		// resume re-parses trailing flags before the prompt
		_ = fs.Parse(rest)
		rest = fs.Args()
	}
	prompt := strings.Join(rest, " ")
	reply := echoReply(prompt)

	emit(map[string]any{"type": "thread.started", "thread_id": threadID})

	itemID := uuid.NewString()
	emit(map[string]any{
		"type": "item.started",
		"item": map[string]any{"id": itemID, "item_type": "agent_message", "text": ""},
	})

	var sent strings.Builder
	for _, word := range strings.SplitAfter(reply, " ") {
		sent.WriteString(word)
		emit(map[string]any{
			"type": "item.updated",
			"item": map[string]any{"id": itemID, "item_type": "agent_message", "text": sent.String()},
		})
		time.Sleep(10 * time.Millisecond)
	}

	emit(map[string]any{
		"type": "item.completed",
		"item": map[string]any{"id": itemID, "item_type": "agent_message", "text": reply},
	})
	emit(map[string]any{
		"type":  "turn.completed",
		"usage": map[string]any{"input_tokens": 12, "output_tokens": len(reply) / 4},
	})
}

func echoReply(input string) string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "bullet") || strings.Contains(lower, "list") {
		return "Here is a **markdown** response:\n\n- First item\n- Second item with `code`\n- Third item\n\n> This is a blockquote.\n"
	}
	return fmt.Sprintf("Echo: **%s**\n\nI received your message and am responding with some *formatted* text.", input)
}
