// ABOUTME: Shared backend contract: Process interface, options, sentinel errors
// ABOUTME: and the kind-keyed factory that builds the concrete variants

package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
)

// Kind identifies a backend variant.
type Kind string

const (
	// KindPersistent is the long-running claude CLI child.
	KindPersistent Kind = "claude"
	// KindEphemeral is the spawn-per-turn codex CLI child.
	KindEphemeral Kind = "codex"
)

// Sentinel errors returned by Process implementations.
var (
	// ErrNotRunning means the process has not been started or has been stopped.
	ErrNotRunning = errors.New("backend not running")
	// ErrBusy means a turn is already in flight for this process.
	ErrBusy = errors.New("backend busy")
	// ErrTimeout means a turn exceeded its deadline without resolving.
	ErrTimeout = errors.New("turn timed out")
	// ErrAborted means the turn was cancelled by AbortTurn or context cancellation.
	ErrAborted = errors.New("turn aborted")
)

// TurnError is a turn-local failure reported by the child itself. The
// process stays usable for the next turn.
type TurnError struct {
	Msg string
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn failed: %s", e.Msg)
}

// ExitError means the child exited while a turn needed it.
type ExitError struct {
	Code       int
	StderrTail string
}

func (e *ExitError) Error() string {
	if e.StderrTail == "" {
		return fmt.Sprintf("backend exited (exit %d)", e.Code)
	}
	return fmt.Sprintf("backend exited (exit %d): %s", e.Code, e.StderrTail)
}

// DeltaSink receives streamed prose fragments during a turn. Text is
// always non-empty and arrives in event order. Implementations must not
// block the reader loop.
type DeltaSink func(text string)

// Result is the terminal outcome of a successful turn.
type Result struct {
	FinalText string
	SessionID string
}

// Process is one backend child lifecycle. Implementations are safe for
// concurrent use; SendMessage admits at most one turn at a time.
type Process interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error

	SendMessage(ctx context.Context, text string, sink DeltaSink) (Result, error)
	AbortTurn()

	Alive() bool
	Busy() bool
	SessionID() string
	Cwd() string
	Model() string
	TotalCost() float64
	Kind() Kind
}

// Options configures a Process. Fields that do not apply to a variant
// are ignored by it.
type Options struct {
	// Path is the CLI binary to execute.
	Path string
	// Cwd is the working directory for the child.
	Cwd string
	// Model is passed via --model when non-empty.
	Model string
	// ResumeID resumes an existing backend session when non-empty.
	ResumeID string
	// Compact asks the persistent child to compact the resumed session.
	Compact bool
	// MCPConfig is a path handed to the persistent child via --mcp-config.
	MCPConfig string
	// AppendSystemPrompt is extra system prompt text for the persistent child.
	AppendSystemPrompt string
	// TurnTimeout bounds one persistent exchange. Zero means 10 minutes.
	TurnTimeout time.Duration

	Logger *slog.Logger
	Clock  clock.Clock
}

func (o *Options) normalize() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.TurnTimeout <= 0 {
		o.TurnTimeout = 10 * time.Minute
	}
}

// New builds a Process of the given kind. Adding a backend variant means
// adding a case here; callers route purely on Kind.
func New(kind Kind, opts Options) (Process, error) {
	opts.normalize()
	switch kind {
	case KindPersistent:
		return newClaudeProcess(opts), nil
	case KindEphemeral:
		return newCodexProcess(opts), nil
	default:
		return nil, fmt.Errorf("unknown backend kind %q", kind)
	}
}
