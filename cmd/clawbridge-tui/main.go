// ABOUTME: Terminal client for chatting with the bridge over its OpenAI API
// ABOUTME: Streams responses; Ctrl+C cancels the in-flight turn, not the shell

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	openai "github.com/sashabaranov/go-openai"
)

func main() {
	server := flag.String("server", "http://localhost:18810", "Bridge server URL")
	model := flag.String("model", "", "Model id to request (empty uses the bridge default)")
	flag.Parse()

	clientCfg := openai.DefaultConfig("")
	clientCfg.BaseURL = strings.TrimRight(*server, "/") + "/v1"
	client := openai.NewClientWithConfig(clientCfg)

	fmt.Printf("clawbridge-tui connected to %s\n", *server)
	fmt.Println("Type a message and press Enter. Slash commands go to the bridge. Ctrl+C cancels a running turn, Ctrl+D quits.")
	fmt.Println()

	if err := run(client, *model); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nGoodbye!")
}

func run(client *openai.Client, model string) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	scanner := bufio.NewScanner(os.Stdin)
	var history []openai.ChatCompletionMessage

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("reading input: %w", err)
			}
			return nil
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "/quit" || input == "/exit" || input == "/q" {
			return nil
		}

		history = append(history, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: input,
		})

		reply, err := streamTurn(sigCh, client, model, history)
		switch {
		case errors.Is(err, context.Canceled):
			fmt.Println("\n[cancelled]")
			// the interrupted exchange stays out of history
			history = history[:len(history)-1]
		case err != nil:
			fmt.Printf("[error] %v\n", err)
			history = history[:len(history)-1]
		default:
			history = append(history, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: reply,
			})
		}
		fmt.Println()
	}
}

// streamTurn runs one streaming completion, cancelling on SIGINT.
func streamTurn(sigCh <-chan os.Signal, client *openai.Client, model string, history []openai.ChatCompletionMessage) (string, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-watchDone:
		}
	}()

	stream, err := client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    model,
		Messages: history,
		Stream:   true,
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", context.Canceled
		}
		return "", err
	}
	defer stream.Close()

	var reply strings.Builder
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return reply.String(), nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return "", context.Canceled
			}
			return "", err
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		reply.WriteString(delta)
		fmt.Print(delta)
	}
}
