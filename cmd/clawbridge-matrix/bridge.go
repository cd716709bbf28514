// ABOUTME: Matrix bridge core: routes room messages to the clawbridge
// ABOUTME: OpenAI API and posts the reply back rendered as HTML

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/yuin/goldmark"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// typingTimeout is the duration the typing indicator shows.
const typingTimeout = 30 * time.Second

// networkTimeout bounds small Matrix API calls.
const networkTimeout = 10 * time.Second

// Bridge connects Matrix rooms to the clawbridge gateway.
type Bridge struct {
	config  *Config
	matrix  *mautrix.Client
	gateway *openai.Client
	logger  *slog.Logger

	// Rooms with a turn in flight; concurrent messages are dropped.
	processing sync.Map

	ctx    context.Context
	cancel context.CancelFunc
}

// NewBridge creates the Matrix bridge. Login happens separately so
// crypto setup can run with real credentials.
func NewBridge(cfg *Config, logger *slog.Logger) (*Bridge, error) {
	client, err := mautrix.NewClient(cfg.Matrix.Homeserver, "", "")
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}

	gwCfg := openai.DefaultConfig("")
	gwCfg.BaseURL = strings.TrimRight(cfg.Bridge.GatewayURL, "/") + "/v1"

	return &Bridge{
		config:  cfg,
		matrix:  client,
		gateway: openai.NewClientWithConfig(gwCfg),
		logger:  logger,
	}, nil
}

// Login authenticates with the homeserver and stores the credentials on
// the client for the sync loop and crypto store.
func (b *Bridge) Login(ctx context.Context) error {
	resp, err := b.matrix.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: b.config.Matrix.Username,
		},
		Password:         b.config.Matrix.Password,
		StoreCredentials: true,
	})
	if err != nil {
		return fmt.Errorf("logging in as %s: %w", b.config.Matrix.Username, err)
	}

	b.logger.Info("logged in to matrix", "user_id", resp.UserID, "device_id", resp.DeviceID)
	return nil
}

// UserID returns the logged-in Matrix user id.
func (b *Bridge) UserID() string {
	return b.matrix.UserID.String()
}

// Run starts the sync loop and blocks until the context is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	b.logger.Info("starting matrix bridge",
		"homeserver", b.config.Matrix.Homeserver,
		"user_id", b.UserID(),
		"gateway", b.config.Bridge.GatewayURL,
	)

	b.ctx, b.cancel = context.WithCancel(ctx)
	defer b.cancel()

	syncer, ok := b.matrix.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", b.matrix.Syncer)
	}
	syncer.OnEventType(event.EventMessage, b.handleMessageEvent)

	b.logger.Info("connecting to matrix homeserver")

	syncErr := make(chan error, 1)
	go func() {
		syncErr <- b.matrix.SyncWithContext(b.ctx)
	}()

	b.logger.Info("matrix bridge running")

	select {
	case <-ctx.Done():
		b.logger.Info("shutting down matrix bridge")
		b.cancel()
		return nil
	case err := <-syncErr:
		return fmt.Errorf("matrix sync failed: %w", err)
	}
}

// handleMessageEvent filters incoming messages and hands the accepted
// ones to a processing goroutine so sync never blocks.
func (b *Bridge) handleMessageEvent(ctx context.Context, evt *event.Event) {
	if evt.Sender == b.matrix.UserID {
		return
	}

	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return
	}
	if content.MsgType != event.MsgText {
		return
	}

	roomID := evt.RoomID.String()
	msgBody := content.Body

	if !b.isRoomAllowed(roomID) {
		b.logger.Debug("ignoring message from non-allowed room", "room", roomID)
		return
	}

	if b.config.Bridge.CommandPrefix != "" {
		if !strings.HasPrefix(msgBody, b.config.Bridge.CommandPrefix) {
			return
		}
		msgBody = strings.TrimSpace(strings.TrimPrefix(msgBody, b.config.Bridge.CommandPrefix))
	}
	if msgBody == "" {
		return
	}

	b.logger.Info("received message",
		"room", roomID,
		"sender", evt.Sender.String(),
		"content", truncate(msgBody, 50),
	)

	go b.processMessage(b.ctx, evt.RoomID, msgBody)
}

// processMessage runs one gateway turn for a room and posts the reply.
func (b *Bridge) processMessage(ctx context.Context, roomID id.RoomID, content string) {
	roomStr := roomID.String()

	if _, loaded := b.processing.LoadOrStore(roomStr, true); loaded {
		b.logger.Debug("already processing message in room, dropping", "room", roomStr)
		return
	}
	defer b.processing.Delete(roomStr)

	if b.config.Bridge.TypingIndicator {
		b.setTyping(roomID, true)
		defer b.setTyping(roomID, false)
	}

	response, err := b.runTurn(ctx, content)
	if err != nil {
		b.logger.Error("gateway request failed", "room", roomStr, "error", err)
		b.sendMarkdown(roomID, fmt.Sprintf("Error: %v", err))
		return
	}
	if response == "" {
		b.logger.Warn("empty response from gateway", "room", roomStr)
		return
	}

	b.logger.Info("sending response", "room", roomStr, "length", len(response))
	b.sendMarkdown(roomID, response)
}

// runTurn streams one chat completion and returns the full text.
func (b *Bridge) runTurn(ctx context.Context, content string) (string, error) {
	stream, err := b.gateway.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model: b.config.Bridge.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: content},
		},
		Stream: true,
	})
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var text strings.Builder
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return text.String(), nil
		}
		if err != nil {
			return "", err
		}
		if len(resp.Choices) > 0 {
			text.WriteString(resp.Choices[0].Delta.Content)
		}
	}
}

// isRoomAllowed checks the allow-list; an empty list allows every
// joined room.
func (b *Bridge) isRoomAllowed(roomID string) bool {
	if len(b.config.Bridge.AllowedRooms) == 0 {
		return true
	}
	for _, allowed := range b.config.Bridge.AllowedRooms {
		if allowed == roomID {
			return true
		}
	}
	return false
}

// setTyping sends a typing indicator to the room.
func (b *Bridge) setTyping(roomID id.RoomID, typing bool) {
	var timeout time.Duration
	if typing {
		timeout = typingTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), networkTimeout)
	defer cancel()
	if _, err := b.matrix.UserTyping(ctx, roomID, typing, timeout); err != nil {
		b.logger.Debug("failed to set typing indicator", "room", roomID.String(), "error", err)
	}
}

// sendMarkdown posts the reply with an HTML rendering so code blocks
// and lists survive; the plain body stays as the markdown source.
func (b *Bridge) sendMarkdown(roomID id.RoomID, text string) {
	content := event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
	}

	var html bytes.Buffer
	if err := goldmark.Convert([]byte(text), &html); err == nil {
		content.Format = event.FormatHTML
		content.FormattedBody = strings.TrimSpace(html.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := b.matrix.SendMessageEvent(ctx, roomID, event.EventMessage, &content); err != nil {
		b.logger.Error("failed to send message", "room", roomID.String(), "error", err)
	}
}

// truncate shortens a string to the given max rune count, adding "..."
// if truncated.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
