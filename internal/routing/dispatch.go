package routing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/birdwatch-im/birdwatch/internal/directory"
	"github.com/birdwatch-im/birdwatch/internal/telemetry"
	"github.com/birdwatch-im/birdwatch/internal/wire"
)

// Router turns inbound chat messages into command executions and routes
// outbound deliveries through the table.
type Router struct {
	table    *Table
	dir      directory.Directory
	commands *CommandSet
}

func NewRouter(table *Table, dir directory.Directory, commands *CommandSet) *Router {
	return &Router{table: table, dir: dir, commands: commands}
}

// HandleMessage processes one inbound message on the connection it arrived
// on. A panicking command handler is contained here; one bad message must
// not take down the connection's event pump.
func (r *Router) HandleMessage(ctx context.Context, c *Connection, m wire.Message) {
	if m.Type != "" && m.Type != "chat" {
		slog.Debug("ignoring non-chat message", "type", m.Type, "from", m.From)
		return
	}
	body := strings.TrimSpace(m.Body)
	if body == "" {
		// Chat-state-only notification.
		return
	}
	telemetry.CountMessage()

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("message handler panicked", "from", m.From, "panic", rec)
		}
	}()

	from := wire.Bare(m.From)
	c.Typing(ctx, from)

	u, err := r.dir.ByIdentity(ctx, from)
	if err != nil {
		slog.Error("user lookup failed", "from", from, "error", err)
		return
	}

	word, args := splitCommand(body)
	cmd := r.commands.Lookup(word)
	if cmd == nil {
		// A linked user in auto-post mode, or anyone addressing a service
		// user directly, is posting rather than issuing a command.
		if u.AutoPost || strings.HasPrefix(body, "@") {
			if post := r.commands.Lookup("post"); post != nil {
				r.runCommand(ctx, post, u, c, body)
				return
			}
		}
		reply := fmt.Sprintf("No such command: %s\nUse the help command to list what I understand.", word)
		if err := c.SendPlain(ctx, from, reply); err != nil {
			slog.Error("reply failed", "to", from, "error", err)
		}
		return
	}
	r.runCommand(ctx, cmd, u, c, args)
}

func (r *Router) runCommand(ctx context.Context, cmd *Command, u *directory.User, c *Connection, args string) {
	telemetry.CountCommand(cmd.Name)
	if err := cmd.Run(ctx, u, c, args); err != nil {
		slog.Error("command failed", "command", cmd.Name, "user", u.Identity, "error", err)
		if serr := c.SendPlain(ctx, u.Identity, "Error: "+err.Error()); serr != nil {
			slog.Error("error reply failed", "to", u.Identity, "error", serr)
		}
	}
}

// DeliverPlain sends a plain message to the user over their resolved
// connection.
func (r *Router) DeliverPlain(ctx context.Context, u *directory.User, body string) error {
	c, err := r.table.Resolve(u)
	if err != nil {
		return err
	}
	return c.SendPlain(ctx, u.Identity, body)
}

// DeliverRich sends a rich message to the user over their resolved
// connection.
func (r *Router) DeliverRich(ctx context.Context, u *directory.User, body, markup string) error {
	c, err := r.table.Resolve(u)
	if err != nil {
		return err
	}
	return c.SendRich(ctx, u.Identity, body, markup)
}

// DeliverRichDeduped sends a rich message through the claim-once gate, so
// concurrent deliveries of the same seed reach the user exactly once.
func (r *Router) DeliverRichDeduped(ctx context.Context, u *directory.User, body, markup, seed string) error {
	c, err := r.table.Resolve(u)
	if err != nil {
		return err
	}
	return c.SendRichDeduped(ctx, u.Identity, body, markup, seed)
}

// splitCommand separates the command word from its argument string.
func splitCommand(body string) (word, args string) {
	if i := strings.IndexFunc(body, func(r rune) bool { return r == ' ' || r == '\t' || r == '\n' }); i >= 0 {
		return body[:i], strings.TrimSpace(body[i+1:])
	}
	return body, ""
}
