// ABOUTME: Persistent backend: one long-running claude CLI child speaking
// ABOUTME: newline-delimited stream-JSON on stdin/stdout across many turns

package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
)

const scannerBufSize = 1024 * 1024

// claudeProcess supervises a single resident claude child. The child is
// spawned once and serves every turn of the session; stdin carries user
// frames, stdout carries stream-JSON events.
type claudeProcess struct {
	log *slog.Logger
	clk clock.Clock

	mu         sync.Mutex
	opts       Options
	cmd        *exec.Cmd
	alive      bool
	generation int
	sessionID  string
	totalCost  float64
	stderr     *tailBuffer
	waitCh     chan struct{}
	exitCode   int
	turn       *claudeTurn

	// stdinMu serializes frame writes independently of the state mutex
	// so a slow pipe cannot block readers of Alive/Busy.
	stdinMu sync.Mutex
	stdin   io.WriteCloser
}

// claudeTurn is the state of one in-flight exchange.
type claudeTurn struct {
	sink  DeltaSink
	prose strings.Builder
	timer *clock.Timer
	done  chan turnOutcome
}

type turnOutcome struct {
	res Result
	err error
}

func newClaudeProcess(opts Options) *claudeProcess {
	opts.normalize()
	return &claudeProcess{
		log:  opts.Logger.With("component", "backend", "kind", KindPersistent),
		clk:  opts.Clock,
		opts: opts,
	}
}

func (p *claudeProcess) Kind() Kind { return KindPersistent }

// claudeArgs builds the child argument list from the options.
func claudeArgs(opts Options) []string {
	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
		"--dangerously-skip-permissions",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.ResumeID != "" {
		args = append(args, "--resume", opts.ResumeID)
	}
	if opts.Compact {
		args = append(args, "--compact")
	}
	if opts.AppendSystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.AppendSystemPrompt)
	}
	if opts.MCPConfig != "" {
		args = append(args, "--mcp-config", opts.MCPConfig)
	}
	return args
}

// sanitizeEnv prepares the child environment: the CLAUDECODE marker is
// dropped so the child does not think it is nested, CI=true suppresses
// interactive prompts, and node_modules/.bin segments are stripped from
// PATH so the child resolves its own tool versions.
func sanitizeEnv(env []string) []string {
	out := make([]string, 0, len(env)+1)
	for _, kv := range env {
		name, value, _ := strings.Cut(kv, "=")
		switch name {
		case "CLAUDECODE", "CI":
			continue
		case "PATH":
			var kept []string
			for _, seg := range strings.Split(value, string(os.PathListSeparator)) {
				if strings.Contains(seg, "node_modules/.bin") {
					continue
				}
				kept = append(kept, seg)
			}
			out = append(out, "PATH="+strings.Join(kept, string(os.PathListSeparator)))
		default:
			out = append(out, kv)
		}
	}
	return append(out, "CI=true")
}

func (p *claudeProcess) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.alive {
		return nil
	}
	if p.opts.Path == "" {
		return fmt.Errorf("starting claude backend: %w", ErrNotRunning)
	}

	cmd := exec.Command(p.opts.Path, claudeArgs(p.opts)...)
	cmd.Dir = p.opts.Cwd
	cmd.Env = sanitizeEnv(os.Environ())

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("opening stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("opening stdout pipe: %w", err)
	}
	tail := &tailBuffer{}
	cmd.Stderr = tail

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", p.opts.Path, err)
	}

	p.generation++
	p.cmd = cmd
	p.alive = true
	p.stderr = tail
	p.waitCh = make(chan struct{})
	p.stdinMu.Lock()
	p.stdin = stdin
	p.stdinMu.Unlock()

	p.log.Info("backend started",
		"path", p.opts.Path,
		"cwd", p.opts.Cwd,
		"model", p.opts.Model,
		"resume", p.opts.ResumeID,
		"pid", cmd.Process.Pid)

	go p.readLoop(p.generation, cmd, stdout, p.waitCh)
	return nil
}

// readLoop scans child stdout until EOF, dispatching each event, then
// reaps the child. The generation guard keeps a stale loop from touching
// state that belongs to a restarted child.
func (p *claudeProcess) readLoop(gen int, cmd *exec.Cmd, stdout io.Reader, waitCh chan struct{}) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, scannerBufSize), scannerBufSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			p.log.Warn("unparseable backend event", "error", err, "line", truncate(string(line), 200))
			continue
		}
		p.dispatch(gen, &ev)
	}
	if err := scanner.Err(); err != nil {
		p.log.Warn("backend stdout read error", "error", err)
	}

	code := 0
	if err := cmd.Wait(); err != nil {
		code = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
	}
	close(waitCh)
	p.handleExit(gen, code)
}

// streamEvent is one line of the child's stream-JSON output. Fields the
// bridge does not consume are left unmapped.
type streamEvent struct {
	Type         string  `json:"type"`
	Subtype      string  `json:"subtype"`
	SessionID    string  `json:"session_id"`
	Result       string  `json:"result"`
	IsError      bool    `json:"is_error"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	Event        *struct {
		Type  string `json:"type"`
		Delta *struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"delta"`
	} `json:"event"`
	RateLimit *struct {
		Status string `json:"status"`
	} `json:"rate_limit"`
}

func (p *claudeProcess) dispatch(gen int, ev *streamEvent) {
	p.mu.Lock()
	if gen != p.generation {
		p.mu.Unlock()
		return
	}

	if ev.RateLimit != nil && ev.RateLimit.Status != "allowed" {
		p.log.Warn("backend rate limit", "status", ev.RateLimit.Status)
	}

	switch ev.Type {
	case "system":
		if ev.SessionID != "" {
			p.sessionID = ev.SessionID
		}
		p.mu.Unlock()

	case "stream_event":
		t := p.turn
		var text string
		if ev.Event != nil && ev.Event.Type == "content_block_delta" &&
			ev.Event.Delta != nil && ev.Event.Delta.Type == "text_delta" {
			text = ev.Event.Delta.Text
		}
		if t != nil && text != "" {
			t.prose.WriteString(text)
		}
		sink := DeltaSink(nil)
		if t != nil {
			sink = t.sink
		}
		p.mu.Unlock()
		if sink != nil && text != "" {
			sink(text)
		}

	case "result":
		if ev.SessionID != "" {
			p.sessionID = ev.SessionID
		}
		p.totalCost += ev.TotalCostUSD
		t := p.turn
		sessionID := p.sessionID
		p.mu.Unlock()
		if t == nil {
			return
		}
		prose := p.turnProse(t)
		// The streamed deltas are the turn's canonical text; the child's
		// result string may diverge from what the client already saw.
		final := prose
		if final == "" {
			final = ev.Result
		}
		if ev.IsError {
			if prose != "" {
				// The child reported an error after producing usable
				// prose. Keep the prose; the error is turn-local.
				p.log.Error("backend result error with partial prose", "result", truncate(ev.Result, 500))
				p.resolveTurn(t, Result{FinalText: prose, SessionID: sessionID}, nil)
				return
			}
			p.resolveTurn(t, Result{}, &TurnError{Msg: ev.Result})
			return
		}
		p.resolveTurn(t, Result{FinalText: final, SessionID: sessionID}, nil)

	default:
		// assistant/user message accumulations add nothing over the
		// stream deltas; ignore them.
		p.mu.Unlock()
	}
}

func (p *claudeProcess) turnProse(t *claudeTurn) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return t.prose.String()
}

// handleExit reacts to the child going away. An in-flight turn fails
// with the exit code and a bounded stderr tail.
func (p *claudeProcess) handleExit(gen int, code int) {
	p.mu.Lock()
	if gen != p.generation {
		p.mu.Unlock()
		return
	}
	p.alive = false
	p.exitCode = code
	t := p.turn
	var tail string
	if p.stderr != nil {
		tail = truncate(strings.TrimSpace(p.stderr.String()), 500)
	}
	p.mu.Unlock()

	if t != nil {
		p.log.Error("backend exited mid-turn", "code", code, "stderr", tail)
		p.resolveTurn(t, Result{}, fmt.Errorf("sending message: %w", &ExitError{Code: code, StderrTail: tail}))
	} else if code != 0 {
		p.log.Warn("backend exited", "code", code)
	}
}

// userFrame is the stdin message shape the child expects.
type userFrame struct {
	Type    string `json:"type"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
}

func (p *claudeProcess) SendMessage(ctx context.Context, text string, sink DeltaSink) (Result, error) {
	p.mu.Lock()
	if !p.alive {
		p.mu.Unlock()
		return Result{}, ErrNotRunning
	}
	if p.turn != nil {
		p.mu.Unlock()
		return Result{}, ErrBusy
	}
	t := &claudeTurn{
		sink: sink,
		done: make(chan turnOutcome, 1),
	}
	t.timer = p.clk.AfterFunc(p.opts.TurnTimeout, func() { p.expireTurn(t) })
	p.turn = t
	p.mu.Unlock()

	frame := userFrame{Type: "user"}
	frame.Message.Role = "user"
	frame.Message.Content = text
	data, err := json.Marshal(frame)
	if err != nil {
		p.clearTurn(t)
		return Result{}, fmt.Errorf("encoding user message: %w", err)
	}

	p.stdinMu.Lock()
	stdin := p.stdin
	if stdin != nil {
		_, err = stdin.Write(append(data, '\n'))
	} else {
		err = ErrNotRunning
	}
	p.stdinMu.Unlock()
	if err != nil {
		p.clearTurn(t)
		return Result{}, fmt.Errorf("writing user message: %w", err)
	}

	select {
	case out := <-t.done:
		return out.res, out.err
	case <-ctx.Done():
		p.clearTurn(t)
		return Result{}, ErrAborted
	}
}

// expireTurn is the timer path: the turn resolves successfully with
// whatever prose has streamed so far rather than failing the caller.
func (p *claudeProcess) expireTurn(t *claudeTurn) {
	p.mu.Lock()
	if p.turn != t {
		p.mu.Unlock()
		return
	}
	prose := t.prose.String()
	sessionID := p.sessionID
	p.mu.Unlock()

	p.log.Warn("turn timed out, resolving with partial prose",
		"timeout", p.opts.TurnTimeout, "chars", len(prose))
	p.resolveTurn(t, Result{FinalText: prose, SessionID: sessionID}, nil)
}

// resolveTurn delivers the outcome exactly once and clears turn state.
func (p *claudeProcess) resolveTurn(t *claudeTurn, res Result, err error) {
	p.mu.Lock()
	if p.turn != t {
		p.mu.Unlock()
		return
	}
	p.turn = nil
	t.timer.Stop()
	p.mu.Unlock()
	t.done <- turnOutcome{res: res, err: err}
}

// clearTurn drops turn state without delivering an outcome. Used on the
// SendMessage error paths where the caller already has the error.
func (p *claudeProcess) clearTurn(t *claudeTurn) {
	p.mu.Lock()
	if p.turn == t {
		p.turn = nil
		t.timer.Stop()
	}
	p.mu.Unlock()
}

// AbortTurn cancels the in-flight turn, keeping the child alive.
// Trailing child events for the old turn are discarded.
func (p *claudeProcess) AbortTurn() {
	p.mu.Lock()
	t := p.turn
	p.mu.Unlock()
	if t == nil {
		return
	}
	p.log.Info("aborting turn")
	p.resolveTurn(t, Result{}, ErrAborted)
}

func (p *claudeProcess) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.alive {
		p.mu.Unlock()
		return nil
	}
	cmd := p.cmd
	waitCh := p.waitCh
	t := p.turn
	p.mu.Unlock()

	if t != nil {
		p.resolveTurn(t, Result{}, ErrNotRunning)
	}

	p.stdinMu.Lock()
	if p.stdin != nil {
		p.stdin.Close()
		p.stdin = nil
	}
	p.stdinMu.Unlock()

	if cmd != nil && cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			p.log.Warn("signaling backend", "error", err)
		}
		select {
		case <-waitCh:
		case <-p.clk.After(5 * time.Second):
			p.log.Warn("backend did not exit after SIGTERM, killing")
			_ = cmd.Process.Kill()
			<-waitCh
		case <-ctx.Done():
			_ = cmd.Process.Kill()
			<-waitCh
		}
	}

	p.mu.Lock()
	p.alive = false
	p.cmd = nil
	p.mu.Unlock()
	p.log.Info("backend stopped")
	return nil
}

// Restart stops the child and starts a fresh one, resuming the captured
// backend session when one exists.
func (p *claudeProcess) Restart(ctx context.Context) error {
	if err := p.Stop(ctx); err != nil {
		return fmt.Errorf("stopping for restart: %w", err)
	}
	p.mu.Lock()
	if p.sessionID != "" {
		p.opts.ResumeID = p.sessionID
	}
	p.mu.Unlock()
	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("restarting: %w", err)
	}
	return nil
}

func (p *claudeProcess) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

func (p *claudeProcess) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.turn != nil
}

func (p *claudeProcess) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

func (p *claudeProcess) Cwd() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opts.Cwd
}

func (p *claudeProcess) Model() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opts.Model
}

func (p *claudeProcess) TotalCost() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalCost
}
