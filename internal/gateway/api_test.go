// ABOUTME: Tests for the OpenAI-compatible API surface
// ABOUTME: Uses a fake coordinator so no CLI processes spawn

package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/benbjohnson/clock"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arinova/clawbridge/internal/backend"
	"github.com/arinova/clawbridge/internal/config"
	"github.com/arinova/clawbridge/internal/conversation"
)

// fakeRunner streams scripted deltas then returns a final text or error.
type fakeRunner struct {
	deltas []string
	final  string
	err    error

	lastTask conversation.Task
}

func (f *fakeRunner) Handle(ctx context.Context, task conversation.Task) (string, error) {
	f.lastTask = task
	for _, d := range f.deltas {
		if task.Sink != nil {
			task.Sink(d)
		}
	}
	return f.final, f.err
}

func newTestAPI(runner runner) *api {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return newAPI(config.Default(), runner, logger, clock.NewMock())
}

func newMux(runner runner) *http.ServeMux {
	mux := http.NewServeMux()
	newTestAPI(runner).register(mux)
	return mux
}

func postChat(t *testing.T, mux *http.ServeMux, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

// parseSSE collects the JSON payloads of every data: frame plus whether
// a [DONE] marker closed the stream.
func parseSSE(t *testing.T, body string) ([]openai.ChatCompletionStreamResponse, bool) {
	t.Helper()
	var chunks []openai.ChatCompletionStreamResponse
	done := false
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			done = true
			continue
		}
		var chunk openai.ChatCompletionStreamResponse
		require.NoError(t, json.Unmarshal([]byte(payload), &chunk))
		chunks = append(chunks, chunk)
	}
	return chunks, done
}

func TestChatCompletions_Streaming(t *testing.T) {
	runner := &fakeRunner{deltas: []string{"Hello ", "world"}, final: "Hello world"}
	mux := newMux(runner)

	rr := postChat(t, mux, `{"model":"claude-code","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/event-stream", rr.Header().Get("Content-Type"))
	assert.Equal(t, "no", rr.Header().Get("X-Accel-Buffering"))

	chunks, done := parseSSE(t, rr.Body.String())
	require.True(t, done, "stream must end with [DONE]")
	require.NotEmpty(t, chunks)

	var text strings.Builder
	for _, chunk := range chunks {
		require.Len(t, chunk.Choices, 1)
		text.WriteString(chunk.Choices[0].Delta.Content)
	}
	assert.Equal(t, "Hello world", text.String())

	last := chunks[len(chunks)-1]
	assert.Equal(t, openai.FinishReasonStop, last.Choices[0].FinishReason)
	require.NotNil(t, last.Usage)
	assert.Zero(t, last.Usage.TotalTokens)

	assert.True(t, runner.lastTask.Serial, "HTTP tasks are serialized")
	assert.Equal(t, "debug", runner.lastTask.ConversationID)
}

func TestChatCompletions_StreamAbsentMeansTrue(t *testing.T) {
	runner := &fakeRunner{final: "ok"}
	mux := newMux(runner)

	rr := postChat(t, mux, `{"model":"claude-code","messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, "text/event-stream", rr.Header().Get("Content-Type"))

	rr = postChat(t, mux, `{"model":"claude-code","stream":false,"messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
}

func TestChatCompletions_StreamingTailAfterSink(t *testing.T) {
	// timed-out turns resolve with more final text than was streamed
	runner := &fakeRunner{deltas: []string{"partial"}, final: "partial plus tail"}
	mux := newMux(runner)

	rr := postChat(t, mux, `{"model":"claude-code","messages":[{"role":"user","content":"hi"}]}`)
	chunks, done := parseSSE(t, rr.Body.String())
	require.True(t, done)

	var text strings.Builder
	for _, chunk := range chunks {
		text.WriteString(chunk.Choices[0].Delta.Content)
	}
	assert.Equal(t, "partial plus tail", text.String())
}

func TestChatCompletions_StreamingError(t *testing.T) {
	runner := &fakeRunner{err: &backend.ExitError{Code: 1, StderrTail: "boom"}}
	mux := newMux(runner)

	rr := postChat(t, mux, `{"model":"claude-code","messages":[{"role":"user","content":"hi"}]}`)
	// headers are committed before the turn runs
	require.Equal(t, http.StatusOK, rr.Code)

	chunks, done := parseSSE(t, rr.Body.String())
	require.True(t, done, "errors still close the stream with [DONE]")
	require.NotEmpty(t, chunks)
	assert.Contains(t, chunks[len(chunks)-1].Choices[0].Delta.Content, "Error:")
}

// cancelRunner trips the request context mid-turn.
type cancelRunner struct{ cancel context.CancelFunc }

func (c *cancelRunner) Handle(ctx context.Context, task conversation.Task) (string, error) {
	if task.Sink != nil {
		task.Sink("partial")
	}
	c.cancel()
	return "", ctx.Err()
}

func TestChatCompletions_StreamingCancelledSilently(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	mux := newMux(&cancelRunner{cancel: cancel})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`)).WithContext(ctx)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	body := rr.Body.String()
	assert.Contains(t, body, "partial")
	assert.NotContains(t, body, "Error:")
	assert.NotContains(t, body, "[DONE]", "cancelled streams end without framing")
}

func TestChatCompletions_Blocking(t *testing.T) {
	runner := &fakeRunner{final: "the answer"}
	mux := newMux(runner)

	rr := postChat(t, mux, `{"model":"codex","stream":false,"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp openai.ChatCompletionResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "the answer", resp.Choices[0].Message.Content)
	assert.Equal(t, openai.FinishReasonStop, resp.Choices[0].FinishReason)
	assert.True(t, strings.HasPrefix(resp.ID, "chatcmpl-"))
	assert.Equal(t, "codex", resp.Model)
}

func TestChatCompletions_BlockingErrorStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"exit error maps to 502", &backend.ExitError{Code: 1}, http.StatusBadGateway},
		{"timeout maps to 504", backend.ErrTimeout, http.StatusGatewayTimeout},
		{"generic maps to 500", assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := newMux(&fakeRunner{err: tt.err})
			rr := postChat(t, mux, `{"stream":false,"messages":[{"role":"user","content":"hi"}]}`)
			assert.Equal(t, tt.status, rr.Code)

			var body struct {
				Error struct {
					Message string `json:"message"`
					Type    string `json:"type"`
				} `json:"error"`
			}
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
			assert.NotEmpty(t, body.Error.Message)
		})
	}
}

func TestChatCompletions_Validation(t *testing.T) {
	mux := newMux(&fakeRunner{})

	req := httptest.NewRequest(http.MethodGet, "/v1/chat/completions", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	rr = postChat(t, mux, `{not json`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = postChat(t, mux, `{"model":"claude-code","messages":[]}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = postChat(t, mux, `{"model":"claude-code","messages":[{"role":"system","content":"x"}]}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestChatCompletions_MultiContentPrompt(t *testing.T) {
	runner := &fakeRunner{final: "ok"}
	mux := newMux(runner)

	body := `{"stream":false,"messages":[{"role":"user","content":[{"type":"text","text":"part one"},{"type":"text","text":"part two"}]}]}`
	rr := postChat(t, mux, body)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "part one\npart two", runner.lastTask.Prompt)
}

func TestModels_List(t *testing.T) {
	mux := newMux(&fakeRunner{})
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var list modelList
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	assert.Equal(t, "list", list.Object)

	cfg := config.Default()
	require.Len(t, list.Data, len(cfg.Models.Persistent)+len(cfg.Models.Ephemeral))
	byID := map[string]openai.Model{}
	for _, m := range list.Data {
		byID[m.ID] = m
	}
	assert.Equal(t, "claude-code", byID["claude-opus"].OwnedBy)
	assert.Equal(t, "codex", byID["codex"].OwnedBy)
}

func TestModels_ByID(t *testing.T) {
	mux := newMux(&fakeRunner{})

	req := httptest.NewRequest(http.MethodGet, "/v1/models/codex", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var m openai.Model
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &m))
	assert.Equal(t, "codex", m.ID)

	req = httptest.NewRequest(http.MethodGet, "/v1/models/gpt-1", nil)
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestUnknownRoute(t *testing.T) {
	mux := newMux(&fakeRunner{})
	req := httptest.NewRequest(http.MethodGet, "/v2/other", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), "unknown route")
}

func TestLatestUserPrompt(t *testing.T) {
	_, ok := latestUserPrompt(nil)
	assert.False(t, ok)

	prompt, ok := latestUserPrompt([]openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: "first"},
		{Role: openai.ChatMessageRoleAssistant, Content: "reply"},
		{Role: openai.ChatMessageRoleUser, Content: "second"},
	})
	require.True(t, ok)
	assert.Equal(t, "second", prompt)
}

func TestSendJSONError(t *testing.T) {
	rr := httptest.NewRecorder()
	sendJSONError(rr, http.StatusBadRequest, "nope")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.True(t, bytes.Contains(rr.Body.Bytes(), []byte(`"nope"`)))
}
