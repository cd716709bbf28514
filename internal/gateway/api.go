// ABOUTME: OpenAI-compatible chat completions API over HTTP and SSE
// ABOUTME: Translates requests into coordinator tasks and streams deltas back

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/arinova/clawbridge/internal/backend"
	"github.com/arinova/clawbridge/internal/config"
	"github.com/arinova/clawbridge/internal/conversation"
)

// keepAliveInterval paces empty SSE chunks while the backend is silent
// so proxies do not drop the connection before the first delta.
const keepAliveInterval = 5 * time.Second

// defaultConversationID keys all HTTP traffic to one session. The HTTP
// surface is single-user; per-client conversations come in over the bot
// channel.
const defaultConversationID = "debug"

// runner is the slice of the coordinator the API needs.
type runner interface {
	Handle(ctx context.Context, task conversation.Task) (string, error)
}

type api struct {
	cfg    *config.Config
	runner runner
	logger *slog.Logger
	clk    clock.Clock
}

func newAPI(cfg *config.Config, runner runner, logger *slog.Logger, clk clock.Clock) *api {
	if clk == nil {
		clk = clock.New()
	}
	return &api{
		cfg:    cfg,
		runner: runner,
		logger: logger.With("component", "api"),
		clk:    clk,
	}
}

func (a *api) register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/chat/completions", a.handleChatCompletions)
	mux.HandleFunc("/v1/models", a.handleModels)
	mux.HandleFunc("/v1/models/", a.handleModelByID)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		sendJSONError(w, http.StatusNotFound, fmt.Sprintf("unknown route %s", r.URL.Path))
	})
}

// chatRequest mirrors the OpenAI request shape. Stream is a pointer
// because an absent field means streaming, not the zero value.
type chatRequest struct {
	Model    string                         `json:"model"`
	Messages []openai.ChatCompletionMessage `json:"messages"`
	Stream   *bool                          `json:"stream"`
}

// sendJSONError writes an OpenAI-style error body.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"message": message,
			"type":    "invalid_request_error",
		},
	})
}

// statusFor maps a turn failure to an HTTP status.
func statusFor(err error) int {
	var exitErr *backend.ExitError
	switch {
	case errors.As(err, &exitErr):
		return http.StatusBadGateway
	case errors.Is(err, backend.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, exec.ErrNotFound):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// latestUserPrompt extracts the text of the most recent user message.
// Multi-part content is flattened to its text parts.
func latestUserPrompt(messages []openai.ChatCompletionMessage) (string, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if msg.Role != openai.ChatMessageRoleUser {
			continue
		}
		if msg.Content != "" {
			return msg.Content, true
		}
		var parts []string
		for _, part := range msg.MultiContent {
			if part.Type == openai.ChatMessagePartTypeText && part.Text != "" {
				parts = append(parts, part.Text)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n"), true
		}
		return "", true
	}
	return "", false
}

func (a *api) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if len(req.Messages) == 0 {
		sendJSONError(w, http.StatusBadRequest, "messages must not be empty")
		return
	}
	prompt, ok := latestUserPrompt(req.Messages)
	if !ok {
		sendJSONError(w, http.StatusBadRequest, "no user message in request")
		return
	}

	streaming := req.Stream == nil || *req.Stream
	a.logger.Info("chat completion request",
		"model", req.Model, "stream", streaming, "prompt_len", len(prompt))

	if streaming {
		a.streamCompletion(w, r, req.Model, prompt)
		return
	}
	a.blockingCompletion(w, r, req.Model, prompt)
}

func (a *api) blockingCompletion(w http.ResponseWriter, r *http.Request, model, prompt string) {
	final, err := a.runner.Handle(r.Context(), conversation.Task{
		ConversationID: defaultConversationID,
		Prompt:         prompt,
		Model:          model,
		Serial:         true,
	})
	if err != nil {
		a.logger.Error("turn failed", "error", err)
		sendJSONError(w, statusFor(err), err.Error())
		return
	}

	resp := openai.ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: a.clk.Now().Unix(),
		Model:   model,
		Choices: []openai.ChatCompletionChoice{{
			Index: 0,
			Message: openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: final,
			},
			FinishReason: openai.FinishReasonStop,
		}},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// sseStream serializes chunk writes to one SSE response.
type sseStream struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	id      string
	model   string
	created int64

	sentLen   int
	sentDelta bool
}

// writeChunk emits one data: frame. Concurrency-safe; the keep-alive
// ticker and the delta sink write from different goroutines.
func (s *sseStream) writeChunk(chunk openai.ChatCompletionStreamResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeChunkLocked(chunk)
}

func (s *sseStream) writeChunkLocked(chunk openai.ChatCompletionStreamResponse) {
	data, err := json.Marshal(chunk)
	if err != nil {
		return
	}
	fmt.Fprintf(s.w, "data: %s\n\n", data)
	s.flusher.Flush()
}

func (s *sseStream) chunk(content string, finish openai.FinishReason) openai.ChatCompletionStreamResponse {
	choice := openai.ChatCompletionStreamChoice{
		Index:        0,
		Delta:        openai.ChatCompletionStreamChoiceDelta{Content: content},
		FinishReason: finish,
	}
	return openai.ChatCompletionStreamResponse{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []openai.ChatCompletionStreamChoice{choice},
	}
}

// delta sends streamed text and tracks how much the client has seen.
func (s *sseStream) delta(text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sentLen += len(text)
	s.sentDelta = true
	s.writeChunkLocked(s.chunk(text, ""))
}

// keepAlive emits an empty delta unless real content has flowed.
func (s *sseStream) keepAlive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sentDelta {
		return
	}
	s.writeChunkLocked(s.chunk("", ""))
}

// finish completes the stream: any trailing text the sink never saw,
// then the stop chunk with zeroed usage and the [DONE] marker.
func (s *sseStream) finish(final string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sentLen < len(final) {
		tail := final[s.sentLen:]
		s.sentLen = len(final)
		s.writeChunkLocked(s.chunk(tail, ""))
	}

	stop := s.chunk("", openai.FinishReasonStop)
	stop.Usage = &openai.Usage{}
	s.writeChunkLocked(stop)
	s.done()
}

// fail reports a mid-stream error as one visible delta then ends the
// stream; HTTP status is already committed at this point.
func (s *sseStream) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeChunkLocked(s.chunk(fmt.Sprintf("Error: %v", err), ""))
	s.done()
}

func (s *sseStream) done() {
	fmt.Fprint(s.w, "data: [DONE]\n\n")
	s.flusher.Flush()
}

func (a *api) streamCompletion(w http.ResponseWriter, r *http.Request, model, prompt string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		sendJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	stream := &sseStream{
		w:       w,
		flusher: flusher,
		id:      "chatcmpl-" + uuid.NewString(),
		model:   model,
		created: a.clk.Now().Unix(),
	}

	ticker := a.clk.Ticker(keepAliveInterval)
	defer ticker.Stop()
	tickerDone := make(chan struct{})
	defer close(tickerDone)
	go func() {
		for {
			select {
			case <-ticker.C:
				stream.keepAlive()
			case <-tickerDone:
				return
			}
		}
	}()

	final, err := a.runner.Handle(r.Context(), conversation.Task{
		ConversationID: defaultConversationID,
		Prompt:         prompt,
		Model:          model,
		Sink:           stream.delta,
		Serial:         true,
	})
	if err != nil {
		// A tripped request context means the client is gone; cancelled
		// turns end without an error frame.
		if r.Context().Err() != nil {
			a.logger.Info("stream cancelled by client", "error", err)
			return
		}
		a.logger.Error("turn failed mid-stream", "error", err)
		stream.fail(err)
		return
	}
	stream.finish(final)
}

// modelList is the /v1/models response shape.
type modelList struct {
	Object string         `json:"object"`
	Data   []openai.Model `json:"data"`
}

// advertisedModels lists every configured model id with its owner.
func (a *api) advertisedModels() []openai.Model {
	now := a.clk.Now().Unix()
	var models []openai.Model
	for _, id := range a.cfg.Models.Persistent {
		models = append(models, openai.Model{
			ID: id, Object: "model", CreatedAt: now, OwnedBy: "claude-code",
		})
	}
	for _, id := range a.cfg.Models.Ephemeral {
		models = append(models, openai.Model{
			ID: id, Object: "model", CreatedAt: now, OwnedBy: "codex",
		})
	}
	return models
}

func (a *api) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(modelList{Object: "list", Data: a.advertisedModels()})
}

func (a *api) handleModelByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/models/")
	for _, m := range a.advertisedModels() {
		if m.ID == id {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(m)
			return
		}
	}
	sendJSONError(w, http.StatusNotFound, fmt.Sprintf("model %q not found", id))
}
