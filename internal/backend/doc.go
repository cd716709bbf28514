// ABOUTME: Package backend owns the child CLI processes that serve turns.
// ABOUTME: Two variants share one contract: persistent stream-JSON and spawn-per-turn.

// Package backend encapsulates the external coding-agent CLIs.
//
// A Process is one child lifecycle. The persistent variant (claude) keeps
// a single long-running child speaking newline-delimited JSON on
// stdin/stdout; the ephemeral variant (codex) spawns a fresh child per
// turn and reads its JSONL output until EOF. Both expose the same
// capability set:
//
//	Start, Stop, Restart     lifecycle
//	SendMessage              one turn at a time; streams deltas to a sink
//	AbortTurn                cancel the in-flight turn
//	Alive, Busy, SessionID,  introspection
//	Cwd, Model, TotalCost
//
// The streaming contract: the sink receives only non-empty text, in
// event-arrival order, and the concatenation of all deltas is a prefix of
// the final text. Sinks must not block the reader loop.
//
// New backends register by extending the Kind switch in New; the rest of
// the system routes purely on Kind.
package backend
