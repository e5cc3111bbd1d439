// Package control serves the operator command socket: a line-oriented
// protocol over a UNIX stream socket, dispatched through a handler chain.
package control

import "strings"

// Command is one parsed request line: <category> [<verb>] [<argument>].
type Command struct {
	Category string
	Verb     string
	Argument string
}

// ParseCommand splits a request line into its parts. Extra whitespace is
// tolerated; anything after the third field joins the argument.
func ParseCommand(line string) Command {
	parts := strings.Fields(line)
	cmd := Command{}
	if len(parts) > 0 {
		cmd.Category = parts[0]
	}
	if len(parts) > 1 {
		cmd.Verb = parts[1]
	}
	if len(parts) > 2 {
		cmd.Argument = strings.Join(parts[2:], " ")
	}
	return cmd
}

// Handler serves one command category. The reported bool is false when the
// command belongs to someone else down the chain.
type Handler interface {
	Handle(cmd Command) (string, bool)
}
