// ABOUTME: Outbound websocket bot channel to an Arinova chat server
// ABOUTME: Registers skills, runs tasks concurrently and reconnects with backoff

package arinova

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/arinova/clawbridge/internal/command"
	"github.com/arinova/clawbridge/internal/conversation"
	"github.com/arinova/clawbridge/internal/dedupe"
)

const (
	reconnectMin = time.Second
	reconnectMax = 30 * time.Second

	// Tasks are redelivered by the server on reconnect; ids older than
	// this are treated as new again.
	dedupeTTL     = 10 * time.Minute
	dedupeMaxSize = 1024
)

// Runner is the slice of the coordinator the bot needs.
type Runner interface {
	Handle(ctx context.Context, task conversation.Task) (string, error)
}

// frame is the wire shape in both directions. Unused fields stay empty
// and are omitted on the wire.
type frame struct {
	Type           string   `json:"type"`
	Role           string   `json:"role,omitempty"`
	Token          string   `json:"token,omitempty"`
	Skills         []string `json:"skills,omitempty"`
	TaskID         string   `json:"task_id,omitempty"`
	ConversationID string   `json:"conversation_id,omitempty"`
	Content        string   `json:"content,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// Bot maintains the outbound connection and dispatches tasks.
type Bot struct {
	url    string
	token  string
	runner Runner
	logger *slog.Logger
	clk    clock.Clock
	seen   *dedupe.Cache

	writeMu sync.Mutex
	conn    *websocket.Conn

	tasksMu sync.Mutex
	tasks   map[string]context.CancelFunc
}

// New builds a bot for the given server. It does not connect until Run.
func New(serverURL, token string, runner Runner, logger *slog.Logger, clk clock.Clock) *Bot {
	if clk == nil {
		clk = clock.New()
	}
	return &Bot{
		url:    serverURL,
		token:  token,
		runner: runner,
		logger: logger.With("component", "arinova"),
		clk:    clk,
		seen:   dedupe.New(dedupeTTL, dedupeMaxSize, clk),
		tasks:  make(map[string]context.CancelFunc),
	}
}

// Run connects and serves until ctx ends, reconnecting with doubling
// backoff after every drop.
func (b *Bot) Run(ctx context.Context) {
	defer b.seen.Close()

	delay := reconnectMin
	for {
		if ctx.Err() != nil {
			return
		}

		err := b.runConn(ctx)
		if ctx.Err() != nil {
			return
		}
		b.logger.Warn("bot connection lost", "error", err, "retry_in", delay)

		select {
		case <-ctx.Done():
			return
		case <-b.clk.After(delay):
		}
		delay *= 2
		if delay > reconnectMax {
			delay = reconnectMax
		}
	}
}

// runConn performs one dial/serve cycle and returns when the connection
// drops.
func (b *Bot) runConn(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, b.url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dialing %s: %w", b.url, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	b.writeMu.Lock()
	b.conn = conn
	b.writeMu.Unlock()

	hello := frame{
		Type:   "hello",
		Role:   "bot",
		Token:  b.token,
		Skills: command.Commands(),
	}
	if err := b.write(ctx, hello); err != nil {
		return fmt.Errorf("sending hello: %w", err)
	}
	b.logger.Info("bot connected", "url", b.url, "skills", len(hello.Skills))

	connCtx, cancelConn := context.WithCancel(ctx)
	defer cancelConn()

	for {
		var f frame
		if err := wsjson.Read(connCtx, conn, &f); err != nil {
			return err
		}
		b.dispatch(connCtx, f)
	}
}

// dispatch handles one inbound frame. Unknown types are logged and
// dropped so protocol growth never kills the connection.
func (b *Bot) dispatch(ctx context.Context, f frame) {
	switch f.Type {
	case "task":
		if f.TaskID == "" || f.ConversationID == "" {
			b.logger.Warn("malformed task frame", "task_id", f.TaskID, "conversation", f.ConversationID)
			return
		}
		if b.seen.CheckAndMark(f.TaskID) {
			b.logger.Debug("duplicate task dropped", "task_id", f.TaskID)
			return
		}
		taskCtx, cancel := context.WithCancel(ctx)
		b.tasksMu.Lock()
		b.tasks[f.TaskID] = cancel
		b.tasksMu.Unlock()
		go b.runTask(taskCtx, f)
	case "cancel":
		b.tasksMu.Lock()
		cancel, ok := b.tasks[f.TaskID]
		b.tasksMu.Unlock()
		if ok {
			b.logger.Info("cancelling task", "task_id", f.TaskID)
			cancel()
		}
	case "ping":
		if err := b.write(ctx, frame{Type: "pong"}); err != nil {
			b.logger.Warn("sending pong", "error", err)
		}
	default:
		b.logger.Debug("ignoring frame", "type", f.Type)
	}
}

// runTask drives one conversation turn and reports the outcome.
func (b *Bot) runTask(ctx context.Context, f frame) {
	defer func() {
		b.tasksMu.Lock()
		delete(b.tasks, f.TaskID)
		b.tasksMu.Unlock()
	}()

	b.logger.Info("task started", "task_id", f.TaskID, "conversation", f.ConversationID)

	final, err := b.runner.Handle(ctx, conversation.Task{
		ConversationID: f.ConversationID,
		Prompt:         f.Content,
		Sink: func(text string) {
			b.sendChunk(ctx, f.TaskID, text)
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			// Cancelled turns terminate silently; the server asked for
			// the stop and gets no error frame back.
			b.logger.Info("task cancelled", "task_id", f.TaskID)
			return
		}
		b.logger.Error("task failed", "task_id", f.TaskID, "error", err)
		b.sendError(f.TaskID, err)
		return
	}
	b.sendComplete(f.TaskID, final)
}

func (b *Bot) sendChunk(ctx context.Context, taskID, content string) {
	if err := b.write(ctx, frame{Type: "chunk", TaskID: taskID, Content: content}); err != nil {
		b.logger.Warn("sending chunk", "task_id", taskID, "error", err)
	}
}

// sendComplete and sendError use a fresh short context so a finished
// task still reports after its own context was cancelled.
func (b *Bot) sendComplete(taskID, content string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.write(ctx, frame{Type: "complete", TaskID: taskID, Content: content}); err != nil {
		b.logger.Warn("sending complete", "task_id", taskID, "error", err)
	}
}

func (b *Bot) sendError(taskID string, taskErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.write(ctx, frame{Type: "error", TaskID: taskID, Error: taskErr.Error()}); err != nil {
		b.logger.Warn("sending error", "task_id", taskID, "error", err)
	}
}

// write serializes all frame writes to the current connection.
func (b *Bot) write(ctx context.Context, f frame) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if b.conn == nil {
		return errors.New("not connected")
	}
	return wsjson.Write(ctx, b.conn, f)
}
