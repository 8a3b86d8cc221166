package routing

import (
	"context"
	"sort"
	"strings"

	"github.com/birdwatch-im/birdwatch/internal/directory"
)

// Command is one user-facing verb. Run receives the user record for the
// sender, the connection the message arrived on, and everything after the
// command word.
type Command struct {
	Name    string
	Aliases []string
	Help    string
	Run     func(ctx context.Context, u *directory.User, c *Connection, args string) error
}

// CommandSet resolves command words, including aliases, case-insensitively.
type CommandSet struct {
	byName map[string]*Command
	names  []string
}

func NewCommandSet(cmds []*Command) *CommandSet {
	s := &CommandSet{byName: make(map[string]*Command)}
	for _, cmd := range cmds {
		s.byName[strings.ToLower(cmd.Name)] = cmd
		s.names = append(s.names, cmd.Name)
		for _, a := range cmd.Aliases {
			s.byName[strings.ToLower(a)] = cmd
		}
	}
	sort.Strings(s.names)
	return s
}

// Lookup returns the command for a word, or nil.
func (s *CommandSet) Lookup(word string) *Command {
	return s.byName[strings.ToLower(word)]
}

// Names returns the primary command names, sorted.
func (s *CommandSet) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}
