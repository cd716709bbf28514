// ABOUTME: Turn coordinator: routes a prompt to its session's backend,
// ABOUTME: handles slash commands, abort binding and restart-retry

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/arinova/clawbridge/internal/backend"
	"github.com/arinova/clawbridge/internal/ledger"
	"github.com/arinova/clawbridge/internal/session"
)

// Registry is the slice of the session registry the coordinator needs.
type Registry interface {
	GetSession(convID string) (*session.Session, bool)
	CreateSession(ctx context.Context, convID, model string) (*session.Session, error)
	DestroySession(ctx context.Context, convID string) error
	Touch(convID string)
	ModelOverride(convID string) string
	ResolveBackend(model string) (backend.Kind, string)
	PersistAfterTurn(convID string)
}

// Router intercepts slash commands before a prompt reaches the backend.
type Router interface {
	Route(ctx context.Context, convID, input string) (string, bool)
}

// Recorder receives one summary row per completed turn.
type Recorder interface {
	RecordTurn(ctx context.Context, rec ledger.TurnRecord) error
}

// Task is one prompt to process. Serial tasks share a single mutex so
// the HTTP path never interleaves turns; bot tasks run concurrently and
// rely on per-session busy rejection instead.
type Task struct {
	ConversationID string
	Prompt         string
	Model          string
	Sink           backend.DeltaSink
	Serial         bool
}

// Coordinator drives one turn end to end.
type Coordinator struct {
	registry Registry
	router   Router
	recorder Recorder
	logger   *slog.Logger
	clk      clock.Clock

	serialMu sync.Mutex
}

// New builds a coordinator. router and recorder may be nil.
func New(registry Registry, router Router, recorder Recorder, logger *slog.Logger, clk clock.Clock) *Coordinator {
	if clk == nil {
		clk = clock.New()
	}
	return &Coordinator{
		registry: registry,
		router:   router,
		recorder: recorder,
		logger:   logger.With("component", "conversation"),
		clk:      clk,
	}
}

// Handle processes one task and returns the final reply text.
func (c *Coordinator) Handle(ctx context.Context, task Task) (string, error) {
	if task.Serial {
		c.serialMu.Lock()
		defer c.serialMu.Unlock()
	}

	if c.router != nil {
		if reply, handled := c.router.Route(ctx, task.ConversationID, task.Prompt); handled {
			return reply, nil
		}
	}

	model := c.registry.ModelOverride(task.ConversationID)
	if model == "" {
		model = task.Model
	}

	sess, err := c.ensureSession(ctx, task.ConversationID, model)
	if err != nil {
		return "", err
	}

	startedAt := c.clk.Now()
	costBefore := sess.Process.TotalCost()
	var deltaChars atomic.Int64
	sink := func(text string) {
		deltaChars.Add(int64(len(text)))
		if task.Sink != nil {
			task.Sink(text)
		}
	}

	res, err := c.send(ctx, sess.Process, task.Prompt, sink)

	c.registry.Touch(task.ConversationID)
	if err == nil && res.SessionID != "" {
		c.registry.PersistAfterTurn(task.ConversationID)
	}

	c.recordTurn(task.ConversationID, sess.Process, startedAt, costBefore, int(deltaChars.Load()), err)

	if err != nil {
		return "", err
	}
	return res.FinalText, nil
}

// ensureSession returns a usable session for the conversation: a live
// one of the right kind, or a fresh one. A backend-kind mismatch
// destroys the old session first; a task without a model expresses no
// preference and keeps whatever backend is live.
func (c *Coordinator) ensureSession(ctx context.Context, convID, model string) (*session.Session, error) {
	sess, ok := c.registry.GetSession(convID)
	mismatch := false
	if ok && model != "" {
		kind, _ := c.registry.ResolveBackend(model)
		mismatch = sess.Process.Kind() != kind
	}
	if ok && (mismatch || !sess.Process.Alive()) {
		c.logger.Info("replacing session",
			"conversation", convID,
			"have", sess.Process.Kind(),
			"alive", sess.Process.Alive())
		if err := c.registry.DestroySession(ctx, convID); err != nil {
			c.logger.Warn("destroying stale session", "conversation", convID, "error", err)
		}
		ok = false
	}
	if ok {
		c.registry.Touch(convID)
		return sess, nil
	}

	sess, err := c.registry.CreateSession(ctx, convID, model)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	return sess, nil
}

// send runs SendMessage with the abort binding. A non-cancellation
// failure restarts the backend and retries exactly once.
func (c *Coordinator) send(ctx context.Context, proc backend.Process, prompt string, sink backend.DeltaSink) (backend.Result, error) {
	stop := context.AfterFunc(ctx, proc.AbortTurn)
	res, err := proc.SendMessage(ctx, prompt, sink)
	stop()

	if err == nil || isCancellation(ctx, err) {
		return res, err
	}

	c.logger.Error("turn failed, restarting backend", "error", err)
	if rerr := proc.Restart(ctx); rerr != nil {
		return backend.Result{}, fmt.Errorf("restarting backend after %v: %w", err, rerr)
	}

	stop = context.AfterFunc(ctx, proc.AbortTurn)
	res, err = proc.SendMessage(ctx, prompt, sink)
	stop()
	return res, err
}

// isCancellation distinguishes aborts (silent) from real failures.
func isCancellation(ctx context.Context, err error) bool {
	return errors.Is(err, backend.ErrAborted) || ctx.Err() != nil
}

// recordTurn writes the ledger row with its own timeout context so a
// slow database never stalls a reply.
func (c *Coordinator) recordTurn(convID string, proc backend.Process, startedAt time.Time, costBefore float64, deltaChars int, turnErr error) {
	if c.recorder == nil {
		return
	}

	status := ledger.StatusOK
	errText := ""
	switch {
	case turnErr == nil:
	case errors.Is(turnErr, backend.ErrAborted):
		status = ledger.StatusCancelled
	default:
		status = ledger.StatusError
		errText = turnErr.Error()
	}

	rec := ledger.TurnRecord{
		ConversationID: convID,
		Backend:        string(proc.Kind()),
		Model:          proc.Model(),
		SessionID:      proc.SessionID(),
		StartedAt:      startedAt,
		Duration:       c.clk.Since(startedAt),
		DeltaChars:     deltaChars,
		CostUSD:        proc.TotalCost() - costBefore,
		Status:         status,
		Error:          errText,
	}

	go func() {
		saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.recorder.RecordTurn(saveCtx, rec); err != nil {
			c.logger.Error("recording turn", "conversation", convID, "error", err)
		}
	}()
}
