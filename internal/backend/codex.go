// ABOUTME: Ephemeral backend: a fresh codex CLI child per turn, reading
// ABOUTME: its JSONL output until EOF and resuming threads across turns

package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// codexProcess has no resident child. Alive just means "accepting
// turns"; a child exists only while a turn is in flight, and the thread
// id threads session continuity across invocations.
type codexProcess struct {
	log *slog.Logger

	mu       sync.Mutex
	opts     Options
	alive    bool
	threadID string
	cur      *exec.Cmd
	aborted  bool
}

func newCodexProcess(opts Options) *codexProcess {
	opts.normalize()
	return &codexProcess{
		log:  opts.Logger.With("component", "backend", "kind", KindEphemeral),
		opts: opts,
	}
}

func (p *codexProcess) Kind() Kind { return KindEphemeral }

func (p *codexProcess) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.opts.Path == "" {
		return fmt.Errorf("starting codex backend: binary path is empty")
	}
	if p.opts.ResumeID != "" {
		p.threadID = p.opts.ResumeID
	}
	p.alive = true
	p.log.Info("backend ready", "path", p.opts.Path, "cwd", p.opts.Cwd, "model", p.opts.Model, "resume", p.opts.ResumeID)
	return nil
}

func (p *codexProcess) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.alive = false
	cur := p.cur
	p.mu.Unlock()
	if cur != nil && cur.Process != nil {
		_ = cur.Process.Signal(os.Interrupt)
	}
	return nil
}

func (p *codexProcess) Restart(ctx context.Context) error {
	if err := p.Stop(ctx); err != nil {
		return fmt.Errorf("stopping for restart: %w", err)
	}
	return p.Start(ctx)
}

// codexArgs builds one exec invocation. A non-empty resume id switches
// to the resume subcommand; the prompt is always the last argument.
func codexArgs(opts Options, resumeID, prompt string) []string {
	args := []string{"exec"}
	if resumeID != "" {
		args = append(args, "resume", resumeID)
	}
	args = append(args, "--json", "--skip-git-repo-check", "--full-auto")
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.Cwd != "" {
		args = append(args, "--cd", opts.Cwd)
	}
	return append(args, prompt)
}

// codexEvent is one JSONL line of codex exec output.
type codexEvent struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
	Message  string `json:"message"`
	Item     *struct {
		ItemType string `json:"item_type"`
		Text     string `json:"text"`
	} `json:"item"`
	Usage *struct {
		InputTokens       int `json:"input_tokens"`
		CachedInputTokens int `json:"cached_input_tokens"`
		OutputTokens      int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// turnRun is the outcome of one child invocation.
type turnRun struct {
	threadID  string
	finalText string
	sentAny   bool
	errMsg    string
	exitCode  int
	tail      string
}

// codexScan folds JSONL output lines into a turnRun, emitting the
// growth of the agent message as deltas. Malformed lines are skipped.
type codexScan struct {
	run      turnRun
	lastSent int
	sink     DeltaSink
	log      *slog.Logger
}

func (s *codexScan) handle(line []byte) {
	if len(line) == 0 {
		return
	}
	var ev codexEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return
	}
	switch ev.Type {
	case "thread.started":
		if ev.ThreadID != "" {
			s.run.threadID = ev.ThreadID
		}
	case "item.started", "item.updated":
		if ev.Item != nil && ev.Item.ItemType == "agent_message" && len(ev.Item.Text) > s.lastSent {
			delta := ev.Item.Text[s.lastSent:]
			s.lastSent = len(ev.Item.Text)
			s.run.sentAny = true
			if s.sink != nil {
				s.sink(delta)
			}
		}
	case "item.completed":
		if ev.Item != nil && ev.Item.ItemType == "agent_message" {
			if len(ev.Item.Text) > s.lastSent {
				delta := ev.Item.Text[s.lastSent:]
				s.run.sentAny = true
				if s.sink != nil {
					s.sink(delta)
				}
			}
			s.run.finalText = ev.Item.Text
			s.lastSent = 0
		}
	case "turn.completed":
		if ev.Usage != nil && s.log != nil {
			s.log.Debug("turn usage",
				"input_tokens", ev.Usage.InputTokens,
				"cached_input_tokens", ev.Usage.CachedInputTokens,
				"output_tokens", ev.Usage.OutputTokens)
		}
	case "turn.failed":
		if ev.Error != nil && ev.Error.Message != "" {
			s.run.errMsg = ev.Error.Message
		}
	case "error":
		if ev.Message != "" {
			s.run.errMsg = ev.Message
		}
	}
}

func (p *codexProcess) SendMessage(ctx context.Context, text string, sink DeltaSink) (Result, error) {
	p.mu.Lock()
	if !p.alive {
		p.mu.Unlock()
		return Result{}, ErrNotRunning
	}
	if p.cur != nil {
		p.mu.Unlock()
		return Result{}, ErrBusy
	}
	resume := p.threadID
	p.aborted = false
	p.mu.Unlock()

	run, err := p.runTurn(ctx, text, sink, resume)
	if err != nil {
		return Result{}, err
	}

	// A resumed thread the CLI no longer knows about produces no agent
	// text; retry once from scratch before giving up.
	if run.finalText == "" && !run.sentAny && resume != "" {
		p.log.Warn("resume produced no output, retrying fresh", "thread", resume)
		p.mu.Lock()
		p.threadID = ""
		p.mu.Unlock()
		run, err = p.runTurn(ctx, text, sink, "")
		if err != nil {
			return Result{}, err
		}
	}

	if run.finalText == "" && !run.sentAny && run.exitCode != 0 {
		if run.errMsg != "" {
			return Result{}, &TurnError{Msg: run.errMsg}
		}
		return Result{}, fmt.Errorf("sending message: %w", &ExitError{Code: run.exitCode, StderrTail: run.tail})
	}

	if run.threadID != "" {
		p.mu.Lock()
		p.threadID = run.threadID
		p.mu.Unlock()
	}
	return Result{FinalText: run.finalText, SessionID: run.threadID}, nil
}

// runTurn spawns one child, streams its agent-message growth as deltas
// and collects the terminal state.
func (p *codexProcess) runTurn(ctx context.Context, prompt string, sink DeltaSink, resumeID string) (turnRun, error) {
	p.mu.Lock()
	opts := p.opts
	p.mu.Unlock()

	cmd := exec.CommandContext(ctx, opts.Path, codexArgs(opts, resumeID, prompt)...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = 5 * time.Second
	cmd.Stdin = nil
	tail := &tailBuffer{}
	cmd.Stderr = tail

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return turnRun{}, fmt.Errorf("opening stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return turnRun{}, fmt.Errorf("starting %s: %w", opts.Path, err)
	}

	p.mu.Lock()
	p.cur = cmd
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.cur = nil
		p.mu.Unlock()
	}()

	scan := &codexScan{sink: sink, log: p.log}
	scan.run.threadID = resumeID

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, scannerBufSize), scannerBufSize)
	for scanner.Scan() {
		scan.handle(scanner.Bytes())
	}

	werr := cmd.Wait()
	run := scan.run
	run.tail = truncate(strings.TrimSpace(tail.String()), 500)
	if werr != nil {
		run.exitCode = -1
		var exitErr *exec.ExitError
		if errors.As(werr, &exitErr) {
			run.exitCode = exitErr.ExitCode()
		}
	}

	p.mu.Lock()
	aborted := p.aborted
	p.mu.Unlock()
	if aborted || ctx.Err() != nil {
		return turnRun{}, ErrAborted
	}
	return run, nil
}

// AbortTurn interrupts the in-flight child. The turn fails with
// ErrAborted once the child exits.
func (p *codexProcess) AbortTurn() {
	p.mu.Lock()
	cur := p.cur
	if cur != nil {
		p.aborted = true
	}
	p.mu.Unlock()
	if cur != nil && cur.Process != nil {
		p.log.Info("aborting turn")
		_ = cur.Process.Signal(os.Interrupt)
	}
}

func (p *codexProcess) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

func (p *codexProcess) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cur != nil
}

func (p *codexProcess) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.threadID
}

func (p *codexProcess) Cwd() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opts.Cwd
}

func (p *codexProcess) Model() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opts.Model
}

// TotalCost is always zero: codex exec reports token usage, not dollars.
func (p *codexProcess) TotalCost() float64 { return 0 }
