// ABOUTME: Slash-command router intercepting control commands before a
// ABOUTME: prompt reaches the backend

package command

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"

	"github.com/arinova/clawbridge/internal/backend"
	"github.com/arinova/clawbridge/internal/config"
	"github.com/arinova/clawbridge/internal/ledger"
	"github.com/arinova/clawbridge/internal/session"
)

// Router resolves slash commands against the registry and ledger.
// Unknown commands are left unhandled so the text flows on as a prompt.
type Router struct {
	cfg      *config.Config
	registry *session.Registry
	ledger   *ledger.Ledger
	logger   *slog.Logger
}

// New builds a router. ledger may be nil; cost lines then show session
// cost only.
func New(cfg *config.Config, registry *session.Registry, led *ledger.Ledger, logger *slog.Logger) *Router {
	return &Router{
		cfg:      cfg,
		registry: registry,
		ledger:   led,
		logger:   logger.With("component", "command"),
	}
}

// Commands lists the supported command names, used as the bot skills
// manifest.
func Commands() []string {
	return []string{"new", "sessions", "status", "help", "stop", "resume", "model", "cost", "compact"}
}

// parse splits "/cmd arg rest" into its lowercase command and argument
// tail. ok is false when input is not a slash command.
func parse(input string) (cmd, args string, ok bool) {
	trimmed := strings.TrimSpace(input)
	if !strings.HasPrefix(trimmed, "/") {
		return "", "", false
	}
	rest := strings.TrimPrefix(trimmed, "/")
	parts := strings.SplitN(rest, " ", 2)
	if parts[0] == "" {
		return "", "", false
	}
	cmd = strings.ToLower(parts[0])
	if len(parts) == 2 {
		args = strings.TrimSpace(parts[1])
	}
	return cmd, args, true
}

// Route handles input when it is a known slash command. The reply is
// user-facing text; handled=false means "send it to the backend".
func (r *Router) Route(ctx context.Context, convID, input string) (string, bool) {
	cmd, args, ok := parse(input)
	if !ok {
		return "", false
	}

	switch cmd {
	case "new":
		return r.cmdNew(ctx, convID, args), true
	case "sessions":
		return r.cmdSessions(), true
	case "status":
		return r.cmdStatus(ctx, convID), true
	case "help":
		return r.cmdHelp(), true
	case "stop":
		return r.cmdStop(convID), true
	case "resume":
		return r.cmdResume(ctx, convID, args), true
	case "model":
		return r.cmdModel(ctx, convID, args), true
	case "cost":
		return r.cmdCost(ctx, convID), true
	case "compact":
		return r.cmdCompact(ctx, convID), true
	default:
		return "", false
	}
}

func (r *Router) cmdNew(ctx context.Context, convID, path string) string {
	cwd := "default"
	if path != "" {
		info, err := os.Stat(path)
		if err != nil || !info.IsDir() {
			return fmt.Sprintf("directory not found: %s", path)
		}
		r.registry.SetCwdOverride(convID, path)
		cwd = path
	}
	r.registry.ClearPersisted(convID)
	if err := r.registry.DestroySession(ctx, convID); err != nil {
		r.logger.Warn("destroying session for /new", "conversation", convID, "error", err)
	}
	return fmt.Sprintf("opened new session, cwd=%s", cwd)
}

func (r *Router) cmdSessions() string {
	live, dead := r.registry.ListSessions()
	if len(live) == 0 && len(dead) == 0 {
		return "no sessions"
	}

	var buf strings.Builder
	table := tablewriter.NewTable(&buf)
	table.Header("CONVERSATION", "BACKEND", "MODEL", "SESSION", "CWD", "STATE")
	for _, s := range live {
		state := "idle"
		if s.Busy {
			state = "busy"
		}
		table.Append([]string{s.ConversationID, string(s.Backend), orDash(s.Model), shortID(s.SessionID), s.Cwd, state})
	}
	for _, d := range dead {
		table.Append([]string{"-", string(d.Backend), orDash(d.Model), shortID(d.SessionID), d.Cwd, "dead"})
	}
	if err := table.Render(); err != nil {
		r.logger.Warn("rendering session table", "error", err)
		return "no sessions"
	}
	return buf.String()
}

func (r *Router) cmdStatus(ctx context.Context, convID string) string {
	sess, ok := r.registry.GetSession(convID)
	if !ok {
		return "no active session"
	}
	p := sess.Process

	var b strings.Builder
	fmt.Fprintf(&b, "backend: %s\n", p.Kind())
	fmt.Fprintf(&b, "cwd: %s\n", p.Cwd())
	fmt.Fprintf(&b, "session: %s\n", orDash(shortID(p.SessionID())))
	fmt.Fprintf(&b, "model: %s\n", orDash(p.Model()))
	if cost := p.TotalCost(); cost > 0 {
		fmt.Fprintf(&b, "session cost: $%.4f\n", cost)
	}
	if totals, ok := r.lifetimeTotals(ctx); ok {
		fmt.Fprintf(&b, "lifetime: %d turns, $%.4f", totals.Turns, totals.CostUSD)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *Router) cmdHelp() string {
	lines := []string{
		"/new [path]      start over, optionally in a different directory",
		"/sessions        list live and resumable sessions",
		"/status          show the current session",
		"/stop            abort the in-flight turn",
		"/resume <id>     resume a session by id prefix",
		"/model [name]    pin a model, or list available models",
		"/cost            show session and lifetime cost",
		"/compact         compact the claude session context",
		"/help            this text",
	}
	return strings.Join(lines, "\n")
}

func (r *Router) cmdStop(convID string) string {
	sess, ok := r.registry.GetSession(convID)
	if !ok || !sess.Process.Busy() {
		return "no turn in flight"
	}
	sess.Process.AbortTurn()
	return "aborted"
}

func (r *Router) cmdResume(ctx context.Context, convID, prefix string) string {
	if prefix == "" {
		return "usage: /resume <session-id-prefix>"
	}
	sid, err := r.registry.FindSessionID(prefix)
	if err != nil {
		return err.Error()
	}
	if _, err := r.registry.ResumeSession(ctx, convID, sid); err != nil {
		return fmt.Sprintf("resume failed: %v", err)
	}
	return fmt.Sprintf("resumed %s", shortID(sid))
}

func (r *Router) cmdModel(ctx context.Context, convID, name string) string {
	if name == "" {
		return r.modelListing(convID)
	}

	catalog := append(append([]string{}, r.cfg.Models.Persistent...), r.cfg.Models.Ephemeral...)
	if !lo.Contains(catalog, name) {
		return fmt.Sprintf("unknown model %q, try /model to list", name)
	}

	prevKind := backend.Kind("")
	if sess, ok := r.registry.GetSession(convID); ok {
		prevKind = sess.Process.Kind()
	}
	newKind, _ := r.registry.ResolveBackend(name)

	r.registry.SetModelOverride(convID, name)
	if prevKind != "" && prevKind != newKind {
		// switching backend families invalidates the persisted session
		r.registry.ClearPersisted(convID)
		if err := r.registry.DestroySession(ctx, convID); err != nil {
			r.logger.Warn("destroying session for /model", "conversation", convID, "error", err)
		}
	}
	return fmt.Sprintf("model set to %s", name)
}

func (r *Router) modelListing(convID string) string {
	active := r.registry.ModelOverride(convID)
	if active == "" {
		active = r.cfg.Models.DefaultID
	}

	mark := func(ids []string) []string {
		return lo.Map(ids, func(id string, _ int) string {
			if id == active {
				return "* " + id
			}
			return "  " + id
		})
	}

	var b strings.Builder
	b.WriteString("claude:\n")
	b.WriteString(strings.Join(mark(r.cfg.Models.Persistent), "\n"))
	b.WriteString("\ncodex:\n")
	b.WriteString(strings.Join(mark(r.cfg.Models.Ephemeral), "\n"))
	return b.String()
}

func (r *Router) cmdCost(ctx context.Context, convID string) string {
	var parts []string
	if sess, ok := r.registry.GetSession(convID); ok {
		if cost := sess.Process.TotalCost(); cost > 0 {
			parts = append(parts, fmt.Sprintf("session: $%.4f", cost))
		}
	}
	if totals, ok := r.lifetimeTotals(ctx); ok && totals.Turns > 0 {
		parts = append(parts, fmt.Sprintf("lifetime: $%.4f over %d turns", totals.CostUSD, totals.Turns))
	}
	if len(parts) == 0 {
		return "no cost data"
	}
	return strings.Join(parts, "\n")
}

func (r *Router) cmdCompact(ctx context.Context, convID string) string {
	sess, ok := r.registry.GetSession(convID)
	if !ok {
		return "no active session"
	}
	if sess.Process.Kind() != backend.KindPersistent {
		return "only supported for claude sessions"
	}
	if _, err := r.registry.CompactSession(ctx, convID); err != nil {
		return fmt.Sprintf("compact failed: %v", err)
	}
	return "compacted"
}

func (r *Router) lifetimeTotals(ctx context.Context) (ledger.Totals, bool) {
	if r.ledger == nil {
		return ledger.Totals{}, false
	}
	totals, err := r.ledger.Totals(ctx)
	if err != nil {
		r.logger.Warn("reading ledger totals", "error", err)
		return ledger.Totals{}, false
	}
	return totals, true
}

func shortID(sid string) string {
	if len(sid) > 8 {
		return sid[:8]
	}
	return sid
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
