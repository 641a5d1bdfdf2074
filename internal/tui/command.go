package tui

import (
	"fmt"
	"strconv"
	"strings"
)

// Command represents a parsed command.
type Command struct {
	Name string
	Args string
}

// ParseCommand parses a command string (without the leading ':').
func ParseCommand(input string) Command {
	input = strings.TrimSpace(input)
	parts := strings.SplitN(input, " ", 2)
	cmd := Command{Name: strings.ToLower(parts[0])}
	if len(parts) > 1 {
		cmd.Args = strings.TrimSpace(parts[1])
	}
	return cmd
}

// Commands understood by the prompt.
const (
	CmdSector  = "sector"
	CmdOpen    = "open"
	CmdRefresh = "refresh"
	CmdRead    = "read"
	CmdOlder   = "older"
	CmdRetry   = "retry"
	CmdQuit    = "quit"
)

var aliases = map[string]string{
	"s": CmdSector,
	"o": CmdOpen,
	"r": CmdRefresh,
	"q": CmdQuit,
}

// Validate canonicalizes the command name and checks its arguments.
func (c Command) Validate() (Command, error) {
	if full, ok := aliases[c.Name]; ok {
		c.Name = full
	}
	switch c.Name {
	case CmdSector:
		if c.Args == "" {
			return c, fmt.Errorf("usage: sector <id>")
		}
	case CmdOpen:
		if _, err := c.ID(); err != nil {
			return c, fmt.Errorf("usage: open <contact-id>")
		}
	case CmdRead:
		if c.Args != "" {
			if _, err := c.ID(); err != nil {
				return c, fmt.Errorf("usage: read [contact-id]")
			}
		}
	case CmdRefresh, CmdOlder, CmdRetry, CmdQuit:
	default:
		return c, fmt.Errorf("unknown command %q", c.Name)
	}
	return c, nil
}

// ID parses Args as a positive contact id.
func (c Command) ID() (int64, error) {
	id, err := strconv.ParseInt(c.Args, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", c.Args)
	}
	return id, nil
}
