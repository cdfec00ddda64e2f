package controller

import (
	"strconv"
	"strings"
	"time"
)

// HandleCommand parses one line of interactive input per spec §6 and
// dispatches it to the matching Controller operation. Returns ErrQuit
// when the line requests an exit.
func (c *Controller) HandleCommand(line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "-h", "-help":
		c.notice(helpText)
		return nil

	case "-q", "-quit", "-exit":
		return ErrQuit

	case "-lu", "-listusers":
		c.ListUsers()
		return nil

	case "-lg", "-listgroups":
		c.ListGroups()
		return nil

	case "-finduser":
		if len(fields) < 2 {
			c.notice("usage: -finduser <name>")
			return nil
		}
		c.FindUser(fields[1])
		return nil

	case "-findgroup":
		if len(fields) < 2 {
			c.notice("usage: -findgroup <name>")
			return nil
		}
		c.FindGroup(fields[1])
		return nil

	case "-creategroup":
		if len(fields) < 2 {
			c.notice("usage: -creategroup <name>")
			return nil
		}
		if err := c.CreateGroup(fields[1]); err != nil {
			c.notice("Error: " + err.Error())
		}
		return nil

	case "-joingroup":
		if len(fields) < 2 {
			c.notice("usage: -joingroup <name>")
			return nil
		}
		if err := c.JoinGroup(fields[1]); err != nil {
			c.notice("Error: " + err.Error())
		}
		return nil

	case "-leavegroup":
		if len(fields) < 2 {
			c.notice("usage: -leavegroup <name>")
			return nil
		}
		if err := c.LeaveGroup(fields[1]); err != nil {
			c.notice("Error: " + err.Error())
		}
		return nil

	case "-delay":
		if len(fields) < 3 {
			c.notice("usage: -delay <seconds> <message>")
			return nil
		}
		seconds, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			c.notice("Error: invalid delay " + fields[1])
			return nil
		}
		text := strings.TrimSpace(strings.TrimPrefix(line, fields[0]+" "+fields[1]+" "))
		return c.sendChat(text, time.Duration(seconds*float64(time.Second)))
	}

	return c.sendChat(line, 0)
}

// sendChat builds a "MSG @target name> text" payload and routes it
// through HandleOutgoing. A bare, unaddressed line targets @all; an
// "@user" or "@group" prefix overrides the destination. The sender's
// display name is tagged onto the body (spec §6, chat.py's
// "MSG @all alice> hi" wire form) so recipients can attribute the
// message.
func (c *Controller) sendChat(line string, delay time.Duration) error {
	target := "all"
	text := line
	if strings.HasPrefix(line, "@") {
		rest := line[1:]
		if space := strings.IndexByte(rest, ' '); space >= 0 {
			target = rest[:space]
			text = strings.TrimSpace(rest[space+1:])
		} else {
			target = rest
			text = ""
		}
	}
	name := displayNameOf(c.SelfUser())
	body := headerMessage + " @" + target + " " + name + "> " + text
	return c.HandleOutgoing(target, body, delay)
}

// displayNameOf extracts the "name" portion of a "name@address" user
// identifier.
func displayNameOf(user string) string {
	if idx := strings.Index(user, "@"); idx >= 0 {
		return user[:idx]
	}
	return user
}

const helpText = `commands:
  -h, -help                 show this help
  -q, -quit, -exit          leave the chat
  -lu, -listusers           list known users
  -lg, -listgroups          list known groups
  -finduser <name>          find users by substring
  -findgroup <name>         find groups by substring
  -creategroup <name>       create a new group
  -joingroup <name>         join an existing group
  -leavegroup <name>        leave a group (not @all)
  -delay <secs> <text>      send text after a delay
  @user text / @group text  address a message
  text                      broadcast to @all`
