// ABOUTME: Tests for the bot adapter against an in-process websocket server
// ABOUTME: Covers hello, task streaming, cancel, dedupe and pong

package arinova

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arinova/clawbridge/internal/conversation"
)

// stubServer accepts one bot connection and records inbound frames.
type stubServer struct {
	t  *testing.T
	mu sync.Mutex

	frames []frame
	send   chan frame
	srv    *httptest.Server
}

func newStubServer(t *testing.T) *stubServer {
	t.Helper()
	s := &stubServer{t: t, send: make(chan frame, 16)}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		ctx := r.Context()
		go func() {
			for f := range s.send {
				if err := wsjson.Write(ctx, conn, f); err != nil {
					return
				}
			}
		}()
		for {
			var f frame
			if err := wsjson.Read(ctx, conn, &f); err != nil {
				return
			}
			s.mu.Lock()
			s.frames = append(s.frames, f)
			s.mu.Unlock()
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *stubServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *stubServer) received() []frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]frame{}, s.frames...)
}

func (s *stubServer) framesOfType(typ string) []frame {
	var out []frame
	for _, f := range s.received() {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

// slowRunner streams deltas and blocks until its context ends or it is
// released, so cancel tests have a window.
type slowRunner struct {
	mu      sync.Mutex
	deltas  []string
	final   string
	err     error
	block   bool
	release chan struct{}

	// cancelled is closed when a blocked Handle sees its context end.
	cancelled chan struct{}

	handled []conversation.Task
}

func (r *slowRunner) Handle(ctx context.Context, task conversation.Task) (string, error) {
	r.mu.Lock()
	r.handled = append(r.handled, task)
	deltas, block := r.deltas, r.block
	r.mu.Unlock()

	for _, d := range deltas {
		if task.Sink != nil {
			task.Sink(d)
		}
	}
	if block {
		select {
		case <-ctx.Done():
			if r.cancelled != nil {
				close(r.cancelled)
			}
			return "", ctx.Err()
		case <-r.release:
		}
	}
	return r.final, r.err
}

func (r *slowRunner) handledCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handled)
}

func startBot(t *testing.T, srv *stubServer, runner Runner) context.CancelFunc {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bot := New(srv.url(), "test-token", runner, logger, clock.New())

	ctx, cancel := context.WithCancel(context.Background())
	go bot.Run(ctx)
	t.Cleanup(cancel)

	require.Eventually(t, func() bool {
		return len(srv.framesOfType("hello")) == 1
	}, 2*time.Second, 10*time.Millisecond, "bot never sent hello")
	return cancel
}

func TestBot_Hello(t *testing.T) {
	srv := newStubServer(t)
	startBot(t, srv, &slowRunner{})

	hello := srv.framesOfType("hello")[0]
	assert.Equal(t, "bot", hello.Role)
	assert.Equal(t, "test-token", hello.Token)
	assert.Contains(t, hello.Skills, "new")
	assert.Contains(t, hello.Skills, "sessions")
}

func TestBot_TaskStreamsAndCompletes(t *testing.T) {
	srv := newStubServer(t)
	runner := &slowRunner{deltas: []string{"Hello ", "there"}, final: "Hello there"}
	startBot(t, srv, runner)

	srv.send <- frame{Type: "task", TaskID: "t1", ConversationID: "conv-1", Content: "hi"}

	require.Eventually(t, func() bool {
		return len(srv.framesOfType("complete")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	chunks := srv.framesOfType("chunk")
	require.Len(t, chunks, 2)
	assert.Equal(t, "Hello ", chunks[0].Content)
	assert.Equal(t, "t1", chunks[0].TaskID)

	complete := srv.framesOfType("complete")[0]
	assert.Equal(t, "Hello there", complete.Content)
	assert.Equal(t, "t1", complete.TaskID)
}

func TestBot_TaskError(t *testing.T) {
	srv := newStubServer(t)
	runner := &slowRunner{err: errors.New("backend exploded")}
	startBot(t, srv, runner)

	srv.send <- frame{Type: "task", TaskID: "t1", ConversationID: "conv-1", Content: "hi"}

	require.Eventually(t, func() bool {
		return len(srv.framesOfType("error")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, srv.framesOfType("error")[0].Error, "backend exploded")
	assert.Empty(t, srv.framesOfType("complete"))
}

func TestBot_DuplicateTaskDropped(t *testing.T) {
	srv := newStubServer(t)
	runner := &slowRunner{final: "ok"}
	startBot(t, srv, runner)

	srv.send <- frame{Type: "task", TaskID: "t1", ConversationID: "conv-1", Content: "hi"}
	srv.send <- frame{Type: "task", TaskID: "t1", ConversationID: "conv-1", Content: "hi"}
	srv.send <- frame{Type: "task", TaskID: "t2", ConversationID: "conv-1", Content: "hi"}

	require.Eventually(t, func() bool {
		return len(srv.framesOfType("complete")) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, runner.handledCount(), "duplicate id runs once")
}

func TestBot_Cancel(t *testing.T) {
	srv := newStubServer(t)
	runner := &slowRunner{block: true, release: make(chan struct{}), cancelled: make(chan struct{})}
	startBot(t, srv, runner)

	srv.send <- frame{Type: "task", TaskID: "t1", ConversationID: "conv-1", Content: "hi"}
	require.Eventually(t, func() bool { return runner.handledCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	srv.send <- frame{Type: "cancel", TaskID: "t1"}
	select {
	case <-runner.cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("turn context never cancelled")
	}

	// a cancelled task terminates silently
	assert.Never(t, func() bool {
		return len(srv.framesOfType("error"))+len(srv.framesOfType("complete")) > 0
	}, 500*time.Millisecond, 50*time.Millisecond)
}

func TestBot_Pong(t *testing.T) {
	srv := newStubServer(t)
	startBot(t, srv, &slowRunner{})

	srv.send <- frame{Type: "ping"}
	require.Eventually(t, func() bool {
		return len(srv.framesOfType("pong")) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBot_MalformedTaskIgnored(t *testing.T) {
	srv := newStubServer(t)
	runner := &slowRunner{final: "ok"}
	startBot(t, srv, runner)

	srv.send <- frame{Type: "task", TaskID: "", ConversationID: "conv-1"}
	srv.send <- frame{Type: "ping"}

	require.Eventually(t, func() bool {
		return len(srv.framesOfType("pong")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, runner.handledCount())
}
