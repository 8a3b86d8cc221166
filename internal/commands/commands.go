// Package commands defines the user-facing command set the router
// dispatches to.
package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/birdwatch-im/birdwatch/internal/directory"
	"github.com/birdwatch-im/birdwatch/internal/routing"
)

// Poster is the posting surface of the microblog client.
type Poster interface {
	Post(ctx context.Context, token, text string) error
}

// Deps carries everything the command handlers need.
type Deps struct {
	Dir     directory.Directory
	Tracks  directory.TrackStore
	Chirp   Poster
	Version string
}

// All builds the full command set.
func All(deps Deps) []*routing.Command {
	cmds := []*routing.Command{
		postCmd(deps),
		trackCmd(deps),
		untrackCmd(deps),
		tracksCmd(deps),
		autopostCmd(deps),
		statusCmd(deps),
		versionCmd(deps),
	}
	cmds = append(cmds, helpCmd(cmds))
	return cmds
}

func postCmd(deps Deps) *routing.Command {
	return &routing.Command{
		Name: "post",
		Help: "post <message> -- post a message to your Chirp account",
		Run: func(ctx context.Context, u *directory.User, c *routing.Connection, args string) error {
			text := strings.TrimSpace(args)
			if text == "" {
				return fmt.Errorf("nothing to post")
			}
			if err := deps.Chirp.Post(ctx, u.AccessToken, text); err != nil {
				return err
			}
			return c.SendPlain(ctx, u.Identity, "Posted!")
		},
	}
}

func trackCmd(deps Deps) *routing.Command {
	return &routing.Command{
		Name:    "track",
		Aliases: []string{"watch"},
		Help:    "track <query> -- watch a topic and receive matching posts",
		Run: func(ctx context.Context, u *directory.User, c *routing.Connection, args string) error {
			query := strings.TrimSpace(args)
			if query == "" {
				return fmt.Errorf("track what?")
			}
			if _, err := deps.Tracks.Add(ctx, u.ID, query); err != nil {
				return err
			}
			return c.SendPlain(ctx, u.Identity, fmt.Sprintf("Tracking %s", query))
		},
	}
}

func untrackCmd(deps Deps) *routing.Command {
	return &routing.Command{
		Name:    "untrack",
		Aliases: []string{"unwatch", "stop"},
		Help:    "untrack <query> -- stop watching a topic",
		Run: func(ctx context.Context, u *directory.User, c *routing.Connection, args string) error {
			query := strings.TrimSpace(args)
			if query == "" {
				return fmt.Errorf("untrack what?")
			}
			if err := deps.Tracks.Remove(ctx, u.ID, query); err != nil {
				return err
			}
			return c.SendPlain(ctx, u.Identity, fmt.Sprintf("Stopped tracking %s", query))
		},
	}
}

func tracksCmd(deps Deps) *routing.Command {
	return &routing.Command{
		Name:    "tracks",
		Aliases: []string{"watching"},
		Help:    "tracks -- list the topics you watch",
		Run: func(ctx context.Context, u *directory.User, c *routing.Connection, _ string) error {
			tracks, err := deps.Tracks.ListFor(ctx, u.ID)
			if err != nil {
				return err
			}
			if len(tracks) == 0 {
				return c.SendPlain(ctx, u.Identity, "You are not tracking any topics.")
			}
			var b strings.Builder
			b.WriteString("You are tracking:")
			for _, t := range tracks {
				b.WriteString("\n  ")
				b.WriteString(t.Query)
			}
			return c.SendPlain(ctx, u.Identity, b.String())
		},
	}
}

func autopostCmd(deps Deps) *routing.Command {
	return &routing.Command{
		Name: "autopost",
		Help: "autopost on|off -- treat every message as a post instead of a command",
		Run: func(ctx context.Context, u *directory.User, c *routing.Connection, args string) error {
			switch strings.ToLower(strings.TrimSpace(args)) {
			case "on":
				u.AutoPost = true
			case "off":
				u.AutoPost = false
			default:
				return fmt.Errorf("autopost must be on or off")
			}
			if err := deps.Dir.Save(ctx, u); err != nil {
				return err
			}
			state := "off"
			if u.AutoPost {
				state = "on"
			}
			return c.SendPlain(ctx, u.Identity, "Autopost is "+state)
		},
	}
}

func statusCmd(deps Deps) *routing.Command {
	return &routing.Command{
		Name: "status",
		Help: "status -- show your settings",
		Run: func(ctx context.Context, u *directory.User, c *routing.Connection, _ string) error {
			tracks, err := deps.Tracks.ListFor(ctx, u.ID)
			if err != nil {
				return err
			}
			linked := "no"
			if u.AccessToken != "" {
				linked = "yes"
			}
			autopost := "off"
			if u.AutoPost {
				autopost = "on"
			}
			msg := fmt.Sprintf("Presence: %s\nService: %s\nLinked Chirp account: %s\nAutopost: %s\nTracked topics: %d",
				u.Status, u.ServiceIdentity, linked, autopost, len(tracks))
			return c.SendPlain(ctx, u.Identity, msg)
		},
	}
}

func versionCmd(deps Deps) *routing.Command {
	return &routing.Command{
		Name: "version",
		Help: "version -- show the bot version",
		Run: func(ctx context.Context, u *directory.User, c *routing.Connection, _ string) error {
			return c.SendPlain(ctx, u.Identity, "BirdWatch "+deps.Version)
		},
	}
}

func helpCmd(cmds []*routing.Command) *routing.Command {
	return &routing.Command{
		Name: "help",
		Help: "help -- this message",
		Run: func(ctx context.Context, u *directory.User, c *routing.Connection, _ string) error {
			var b strings.Builder
			b.WriteString("Available commands:")
			for _, cmd := range cmds {
				b.WriteString("\n  ")
				b.WriteString(cmd.Help)
			}
			b.WriteString("\n  help -- this message")
			return c.SendPlain(ctx, u.Identity, b.String())
		},
	}
}
