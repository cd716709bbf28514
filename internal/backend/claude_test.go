// ABOUTME: Tests for the persistent variant's turn lifecycle driven by
// ABOUTME: synthetic stream-JSON events instead of a real child

package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// newTestClaude builds a claudeProcess wired to a mock clock and a
// discard stdin, marked alive without spawning anything.
func newTestClaude(t *testing.T) (*claudeProcess, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	opts := Options{
		Path:        "claude",
		TurnTimeout: 10 * time.Minute,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:       mock,
	}
	p := newClaudeProcess(opts)
	p.alive = true
	p.stdin = nopWriteCloser{io.Discard}
	return p, mock
}

// sendAsync starts a turn and returns channels for its outcome.
func sendAsync(t *testing.T, p *claudeProcess, sink DeltaSink) (<-chan Result, <-chan error) {
	t.Helper()
	resCh := make(chan Result, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := p.SendMessage(context.Background(), "hi", sink)
		resCh <- res
		errCh <- err
	}()
	waitBusy(t, p)
	return resCh, errCh
}

func waitBusy(t *testing.T, p *claudeProcess) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !p.Busy() {
		if time.Now().After(deadline) {
			t.Fatal("turn never became busy")
		}
		time.Sleep(time.Millisecond)
	}
}

func event(t *testing.T, raw string) *streamEvent {
	t.Helper()
	var ev streamEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		t.Fatalf("bad test event: %v", err)
	}
	return &ev
}

func TestClaudeTurn(t *testing.T) {
	t.Run("deltas then result", func(t *testing.T) {
		p, _ := newTestClaude(t)
		var got []string
		resCh, errCh := sendAsync(t, p, func(s string) { got = append(got, s) })

		p.dispatch(0, event(t, `{"type":"system","subtype":"init","session_id":"sid-1"}`))
		p.dispatch(0, event(t, `{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hel"}}}`))
		p.dispatch(0, event(t, `{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"lo"}}}`))
		p.dispatch(0, event(t, `{"type":"result","session_id":"sid-1","result":"Hello","total_cost_usd":0.02}`))

		res := <-resCh
		if err := <-errCh; err != nil {
			t.Fatalf("SendMessage: %v", err)
		}
		if res.FinalText != "Hello" || res.SessionID != "sid-1" {
			t.Errorf("result = %+v", res)
		}
		if len(got) != 2 || got[0] != "Hel" || got[1] != "lo" {
			t.Errorf("deltas = %v", got)
		}
		if p.TotalCost() != 0.02 {
			t.Errorf("TotalCost = %v", p.TotalCost())
		}
		if p.Busy() {
			t.Error("still busy after result")
		}
	})

	t.Run("busy rejects second turn", func(t *testing.T) {
		p, _ := newTestClaude(t)
		resCh, errCh := sendAsync(t, p, nil)

		_, err := p.SendMessage(context.Background(), "again", nil)
		if !errors.Is(err, ErrBusy) {
			t.Fatalf("err = %v, want ErrBusy", err)
		}

		p.dispatch(0, event(t, `{"type":"result","result":"done"}`))
		<-resCh
		if err := <-errCh; err != nil {
			t.Fatalf("first turn: %v", err)
		}
	})

	t.Run("not running", func(t *testing.T) {
		p, _ := newTestClaude(t)
		p.alive = false
		_, err := p.SendMessage(context.Background(), "hi", nil)
		if !errors.Is(err, ErrNotRunning) {
			t.Fatalf("err = %v, want ErrNotRunning", err)
		}
	})

	t.Run("timeout resolves with partial prose", func(t *testing.T) {
		p, mock := newTestClaude(t)
		resCh, errCh := sendAsync(t, p, nil)

		p.dispatch(0, event(t, `{"type":"system","session_id":"sid-2"}`))
		p.dispatch(0, event(t, `{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"partial answer"}}}`))

		mock.Add(10 * time.Minute)

		res := <-resCh
		if err := <-errCh; err != nil {
			t.Fatalf("timed-out turn should succeed, got %v", err)
		}
		if res.FinalText != "partial answer" || res.SessionID != "sid-2" {
			t.Errorf("result = %+v", res)
		}
	})

	t.Run("abort fails the turn and keeps alive", func(t *testing.T) {
		p, _ := newTestClaude(t)
		resCh, errCh := sendAsync(t, p, nil)

		p.AbortTurn()
		<-resCh
		if err := <-errCh; !errors.Is(err, ErrAborted) {
			t.Fatalf("err = %v, want ErrAborted", err)
		}
		if !p.Alive() {
			t.Error("process should stay alive after abort")
		}

		// trailing events for the dead turn are discarded
		p.dispatch(0, event(t, `{"type":"result","result":"late"}`))
		if p.Busy() {
			t.Error("busy after abort")
		}
	})

	t.Run("exit mid-turn surfaces stderr tail", func(t *testing.T) {
		p, _ := newTestClaude(t)
		p.stderr = &tailBuffer{}
		_, _ = p.stderr.Write([]byte("boom: out of cheese"))
		resCh, errCh := sendAsync(t, p, nil)

		p.handleExit(0, 3)
		<-resCh
		err := <-errCh
		var exitErr *ExitError
		if !errors.As(err, &exitErr) {
			t.Fatalf("err = %v, want ExitError", err)
		}
		if exitErr.Code != 3 || exitErr.StderrTail != "boom: out of cheese" {
			t.Errorf("ExitError = %+v", exitErr)
		}
		if p.Alive() {
			t.Error("process should be dead after exit")
		}
	})

	t.Run("result text diverging from deltas resolves with the deltas", func(t *testing.T) {
		p, _ := newTestClaude(t)
		var got string
		resCh, errCh := sendAsync(t, p, func(s string) { got += s })

		p.dispatch(0, event(t, `{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"streamed answer"}}}`))
		p.dispatch(0, event(t, `{"type":"result","result":"rewritten answer"}`))

		res := <-resCh
		if err := <-errCh; err != nil {
			t.Fatalf("SendMessage: %v", err)
		}
		if res.FinalText != got {
			t.Errorf("FinalText = %q, streamed %q", res.FinalText, got)
		}
	})

	t.Run("error result with prose succeeds", func(t *testing.T) {
		p, _ := newTestClaude(t)
		resCh, errCh := sendAsync(t, p, nil)

		p.dispatch(0, event(t, `{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"some text"}}}`))
		p.dispatch(0, event(t, `{"type":"result","is_error":true,"result":"limit reached"}`))

		res := <-resCh
		if err := <-errCh; err != nil {
			t.Fatalf("err = %v, want success with prose", err)
		}
		if res.FinalText != "some text" {
			t.Errorf("FinalText = %q", res.FinalText)
		}
	})

	t.Run("error result without prose fails", func(t *testing.T) {
		p, _ := newTestClaude(t)
		resCh, errCh := sendAsync(t, p, nil)

		p.dispatch(0, event(t, `{"type":"result","is_error":true,"result":"credit exhausted"}`))

		<-resCh
		err := <-errCh
		var turnErr *TurnError
		if !errors.As(err, &turnErr) {
			t.Fatalf("err = %v, want TurnError", err)
		}
		if turnErr.Msg != "credit exhausted" {
			t.Errorf("Msg = %q", turnErr.Msg)
		}
	})

	t.Run("stale generation events ignored", func(t *testing.T) {
		p, _ := newTestClaude(t)
		p.generation = 2
		p.dispatch(1, event(t, `{"type":"system","session_id":"old-sid"}`))
		if p.SessionID() != "" {
			t.Errorf("stale event updated session id to %q", p.SessionID())
		}
	})
}
